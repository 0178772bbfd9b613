package scheduling

import (
	"errors"
	"testing"
	"time"
)

func daySlots(capacity int, booked ...int) []Slot {
	slots := make([]Slot, len(booked))
	for i, n := range booked {
		start := slotAt(tuesday, 9, 0).Add(time.Duration(i*30) * time.Minute)
		slots[i] = Slot{Start: start, End: start.Add(30 * time.Minute), MaxSpots: capacity, BookedPeople: n}
	}
	return slots
}

func placedPeople(plan []placement) int {
	n := 0
	for _, p := range plan {
		n += p.People
	}
	return n
}

func TestPlanAllocation_FitsRequestedSlot(t *testing.T) {
	plan, err := planAllocation(daySlots(3, 0, 0), slotAt(tuesday, 9, 0), 2, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan) != 1 || plan[0].People != 2 || plan[0].Overflow {
		t.Errorf("unexpected plan: %+v", plan)
	}
}

func TestPlanAllocation_Spill(t *testing.T) {
	// 09:00 has one seat, 09:30 is full, 10:00 has two.
	slots := daySlots(2, 1, 2, 0, 0)
	plan, err := planAllocation(slots, slotAt(tuesday, 9, 0), 3, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan) != 2 {
		t.Fatalf("expected 2 placements, got %+v", plan)
	}
	if !plan[0].Start.Equal(slotAt(tuesday, 9, 0)) || plan[0].People != 1 || plan[0].Overflow {
		t.Errorf("first placement: %+v", plan[0])
	}
	if !plan[1].Start.Equal(slotAt(tuesday, 10, 0)) || plan[1].People != 2 || !plan[1].Overflow {
		t.Errorf("second placement: %+v", plan[1])
	}
}

func TestPlanAllocation_NeverSpillsBackwards(t *testing.T) {
	slots := daySlots(2, 0, 2, 2)
	_, err := planAllocation(slots, slotAt(tuesday, 9, 30), 1, false)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected capacity error, got %v", err)
	}
}

func TestPlanAllocation_SkipsPastSlots(t *testing.T) {
	slots := daySlots(1, 0, 0, 0)
	slots[1].IsPast = true
	plan, err := planAllocation(slots, slotAt(tuesday, 9, 0), 2, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !plan[1].Start.Equal(slotAt(tuesday, 10, 0)) {
		t.Errorf("past slot must be skipped: %+v", plan)
	}
}

func TestPlanAllocation_AllOrNothing(t *testing.T) {
	plan, err := planAllocation(daySlots(2, 1, 2), slotAt(tuesday, 9, 0), 3, false)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if plan != nil {
		t.Errorf("no partial plan expected: %+v", plan)
	}
}

func TestPlanAllocation_Overbooking(t *testing.T) {
	plan, err := planAllocation(daySlots(2, 2, 1), slotAt(tuesday, 9, 0), 3, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if placedPeople(plan) != 3 {
		t.Fatalf("everyone must be placed: %+v", plan)
	}
	last := plan[len(plan)-1]
	if !last.Start.Equal(slotAt(tuesday, 9, 0)) || last.People != 2 || !last.Overflow {
		t.Errorf("remainder goes onto the requested slot: %+v", last)
	}
}

func TestPlanAllocation_UnknownSlot(t *testing.T) {
	_, err := planAllocation(daySlots(2, 0), slotAt(tuesday, 9, 15), 1, true)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
