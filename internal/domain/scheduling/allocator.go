package scheduling

import "time"

// placement is one booking an allocation will create.
type placement struct {
	Start    time.Time
	People   int
	Overflow bool
}

// planAllocation places people starting at the requested slot and then
// spilling into the later slots of the same day, in order. slots must be the
// day's slots sorted by start. Anything not placed at the requested slot
// within its capacity is overflow. Whatever is left after the day is full is
// put on the requested slot when overbooking is allowed; otherwise the
// whole request fails and nothing is placed.
func planAllocation(slots []Slot, requested time.Time, people int, allowOverbooking bool) ([]placement, error) {
	_, first, ok := findSlot(slots, requested)
	if !ok {
		return nil, validationf("no bookable slot starts at %s", requested.Format(time.RFC3339))
	}

	remaining := people
	var plan []placement
	for i := first; i < len(slots) && remaining > 0; i++ {
		s := slots[i]
		if i != first && s.IsPast {
			continue
		}
		room := s.MaxSpots - s.BookedPeople
		if room <= 0 {
			continue
		}
		take := room
		if remaining < take {
			take = remaining
		}
		plan = append(plan, placement{Start: s.Start, People: take, Overflow: i != first})
		remaining -= take
	}

	if remaining > 0 {
		if !allowOverbooking {
			return nil, newError(KindCapacityExceeded,
				"only %d of %d people fit on this date", people-remaining, people)
		}
		plan = append(plan, placement{Start: requested, People: remaining, Overflow: true})
	}
	return plan, nil
}
