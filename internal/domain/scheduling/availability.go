package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/auth"
)

// -- Weekly template --

func (s *Service) GetAvailability(ctx context.Context, actor auth.Actor, doctorID uuid.UUID) ([]*Availability, error) {
	if err := requireActorFor(actor, doctorID, auth.PermViewSchedule, auth.PermManageSchedule); err != nil {
		return nil, err
	}
	return s.availability.ListByDoctor(ctx, doctorID)
}

// UpdateAvailability replaces the doctor's weekly template. At most one row
// per weekday; weekdays left out have no slots.
func (s *Service) UpdateAvailability(ctx context.Context, actor auth.Actor, doctorID uuid.UUID, rows []*Availability) ([]*Availability, error) {
	if err := requireActorFor(actor, doctorID, auth.PermManageSchedule); err != nil {
		return nil, err
	}
	seen := make(map[time.Weekday]bool, len(rows))
	for _, a := range rows {
		if err := a.Validate(); err != nil {
			return nil, err
		}
		if seen[a.DayOfWeek] {
			return nil, validationf("day_of_week %d appears more than once", a.DayOfWeek)
		}
		seen[a.DayOfWeek] = true
	}

	err := s.withDoctorLock(ctx, doctorID, func(ctx context.Context) error {
		return s.availability.ReplaceForDoctor(ctx, doctorID, rows)
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// -- Scheduling profile --

// GetProfile is readable by any signed-in user; patients need it to know
// whether digital booking is open.
func (s *Service) GetProfile(ctx context.Context, _ auth.Actor, doctorID uuid.UUID) (*DoctorProfile, error) {
	return s.profile(ctx, doctorID)
}

func (s *Service) UpdateProfile(ctx context.Context, actor auth.Actor, doctorID uuid.UUID, p *DoctorProfile) (*DoctorProfile, error) {
	if err := requireActorFor(actor, doctorID, auth.PermManageSchedule, auth.PermEditDoctorProfile); err != nil {
		return nil, err
	}
	p.DoctorID = doctorID
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := s.profiles.Upsert(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// -- Slot listings --

// ListSlots is the patient self-service view.
func (s *Service) ListSlots(ctx context.Context, _ auth.Actor, doctorID uuid.UUID, from, to Date) (SlotListing, error) {
	return s.listSlots(ctx, doctorID, from, to, ViewPatient)
}

// ListScheduleSlots is the staff view used by doctors and secretaries.
func (s *Service) ListScheduleSlots(ctx context.Context, actor auth.Actor, doctorID uuid.UUID, from, to Date) (SlotListing, error) {
	if err := requireActorFor(actor, doctorID, auth.PermViewSchedule); err != nil {
		return SlotListing{}, err
	}
	return s.listSlots(ctx, doctorID, from, to, ViewStaff)
}

func (s *Service) listSlots(ctx context.Context, doctorID uuid.UUID, from, to Date, view View) (SlotListing, error) {
	if err := s.checkRange(from, to); err != nil {
		return SlotListing{}, err
	}
	st, err := s.loadState(ctx, doctorID, from, to)
	if err != nil {
		return SlotListing{}, err
	}
	return s.generate(doctorID, st, from, to, view), nil
}

// GetSlotDetails reports occupancy of the slot starting at at.
func (s *Service) GetSlotDetails(ctx context.Context, actor auth.Actor, doctorID uuid.UUID, at time.Time) (SlotDetails, error) {
	if err := requireActorFor(actor, doctorID, auth.PermViewSchedule); err != nil {
		return SlotDetails{}, err
	}
	day := DateOf(at.In(s.loc()))
	listing, err := s.listSlots(ctx, doctorID, day, day, ViewStaff)
	if err != nil {
		return SlotDetails{}, err
	}
	slot, _, ok := findSlot(listing.Slots, at)
	if !ok {
		return SlotDetails{}, notFound("slot")
	}
	return slot.Details(), nil
}
