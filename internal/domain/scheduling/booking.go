package scheduling

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/activity"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/notification"
)

type CreateBookingRequest struct {
	DoctorID        uuid.UUID   `json:"doctor_id"`
	BookingDatetime time.Time   `json:"booking_datetime"`
	BookingType     BookingType `json:"booking_type"`
	NumberOfPeople  int         `json:"number_of_people"`
	PatientNotes    string      `json:"patient_notes"`
}

type WalkinRequest struct {
	BookingDatetime time.Time   `json:"booking_datetime"`
	BookingType     BookingType `json:"booking_type"`
	NumberOfPeople  int         `json:"number_of_people"`
	// PatientID links the walk-in to a registered patient. Otherwise
	// WalkinName is required.
	PatientID    *uuid.UUID `json:"patient_id"`
	WalkinName   string     `json:"walkin_name"`
	WalkinPhone  string     `json:"walkin_phone"`
	PatientNotes string     `json:"patient_notes"`
}

func normalizeBooking(t *BookingType, people *int) error {
	if *t == "" {
		*t = BookingNew
	}
	if !t.Valid() {
		return validationf("booking_type must be NEW or FOLLOWUP")
	}
	if *people == 0 {
		*people = 1
	}
	return validatePeople(*people)
}

// CreateBooking is patient self-service booking. The request is allocated
// under the doctor lock so the capacity read and the insert cannot
// interleave with another booking or a time off for the same doctor.
func (s *Service) CreateBooking(ctx context.Context, actor auth.Actor, req CreateBookingRequest) ([]*Booking, error) {
	if err := requirePatient(actor); err != nil {
		return nil, err
	}
	if req.DoctorID == uuid.Nil {
		return nil, validationf("doctor_id is required")
	}
	if req.BookingDatetime.IsZero() {
		return nil, validationf("booking_datetime is required")
	}
	if err := normalizeBooking(&req.BookingType, &req.NumberOfPeople); err != nil {
		return nil, err
	}
	patientID := actor.UserID

	var created []*Booking
	ob := s.newOutbox()
	err := s.withDoctorLock(ctx, req.DoctorID, func(ctx context.Context) error {
		active, err := s.bookings.HasActive(ctx, req.DoctorID, patientID)
		if err != nil {
			return err
		}
		if active {
			return ErrDuplicateActiveBooking
		}

		at := req.BookingDatetime.In(s.loc())
		day := DateOf(at)
		st, err := s.loadState(ctx, req.DoctorID, day, day)
		if err != nil {
			return err
		}
		if !st.profile.IsDigitalBookingActive {
			return newError(KindSlotBlocked, "online booking is closed for this doctor")
		}
		if blockingTimeOff(st.timeOffs, day, ClockOf(at), ViewPatient) != nil {
			return ErrSlotBlocked
		}
		listing := s.generate(req.DoctorID, st, day, day, ViewPatient)
		slots := slotsOn(listing, day, s.loc())
		if _, _, ok := findSlot(slots, at); !ok {
			return validationf("%s is not open for booking", s.formatTime(at))
		}
		plan, err := planAllocation(slots, at, req.NumberOfPeople, st.profile.AllowOverbooking)
		if err != nil {
			return err
		}

		status := StatusPending
		if st.profile.AutoApproveBookings {
			status = StatusConfirmed
		}
		created, err = s.persistPlan(ctx, plan, Booking{
			DoctorID:     req.DoctorID,
			PatientID:    &patientID,
			BookingType:  req.BookingType,
			Status:       status,
			PatientNotes: strings.TrimSpace(req.PatientNotes),
		})
		if err != nil {
			return err
		}
		return s.record(ctx, actor, req.DoctorID, activity.BookingCreated, created[0].ID,
			s.describe(wholeRequest(created, req.NumberOfPeople), "requested"))
	})
	if err != nil {
		return nil, err
	}

	for _, b := range created {
		ob.toDoctor(b, notification.ActionBookingCreated, notification.TplBookingCreated, s.bookingData(b))
		if b.Status == StatusConfirmed {
			ob.toPatient(b, notification.ActionBookingConfirmed, notification.TplBookingConfirmed, s.bookingData(b))
		}
	}
	ob.flush(ctx)
	return created, nil
}

// CreateWalkin books a patient who is at the clinic. Walk-ins are
// confirmed immediately, ignore DIGITAL_UNAVAILABLE and the cutoff, and are
// accepted until the slot has ended.
func (s *Service) CreateWalkin(ctx context.Context, actor auth.Actor, doctorID uuid.UUID, req WalkinRequest) ([]*Booking, error) {
	if err := requireActorFor(actor, doctorID, auth.PermAddWalkinPatient); err != nil {
		return nil, err
	}
	if req.BookingDatetime.IsZero() {
		return nil, validationf("booking_datetime is required")
	}
	if err := normalizeBooking(&req.BookingType, &req.NumberOfPeople); err != nil {
		return nil, err
	}
	req.WalkinName = strings.TrimSpace(req.WalkinName)
	if req.PatientID == nil && req.WalkinName == "" {
		return nil, validationf("walkin_name is required when no patient_id is given")
	}

	var created []*Booking
	err := s.withDoctorLock(ctx, doctorID, func(ctx context.Context) error {
		if req.PatientID != nil {
			active, err := s.bookings.HasActive(ctx, doctorID, *req.PatientID)
			if err != nil {
				return err
			}
			if active {
				return ErrDuplicateActiveBooking
			}
		}

		at := req.BookingDatetime.In(s.loc())
		day := DateOf(at)
		st, err := s.loadState(ctx, doctorID, day, day)
		if err != nil {
			return err
		}
		if blockingTimeOff(st.timeOffs, day, ClockOf(at), ViewStaff) != nil {
			return ErrSlotBlocked
		}
		listing := s.generate(doctorID, st, day, day, ViewStaff)
		slots := slotsOn(listing, day, s.loc())
		slot, _, ok := findSlot(slots, at)
		if !ok {
			return validationf("%s is not a slot in the doctor's schedule", s.formatTime(at))
		}
		if slot.IsPast {
			return validationf("slot at %s has already ended", s.formatTime(at))
		}
		plan, err := planAllocation(slots, at, req.NumberOfPeople, st.profile.AllowOverbooking)
		if err != nil {
			return err
		}
		created, err = s.persistPlan(ctx, plan, Booking{
			DoctorID:     doctorID,
			PatientID:    req.PatientID,
			BookingType:  req.BookingType,
			Status:       StatusConfirmed,
			IsWalkin:     true,
			WalkinName:   req.WalkinName,
			WalkinPhone:  strings.TrimSpace(req.WalkinPhone),
			PatientNotes: strings.TrimSpace(req.PatientNotes),
		})
		if err != nil {
			return err
		}
		return s.record(ctx, actor, doctorID, activity.WalkinAdded, created[0].ID,
			s.describe(wholeRequest(created, req.NumberOfPeople), "added as walk-in"))
	})
	if err != nil {
		return nil, err
	}

	ob := s.newOutbox()
	for _, b := range created {
		ob.toPatient(b, notification.ActionBookingConfirmed, notification.TplBookingConfirmed, s.bookingData(b))
	}
	ob.flush(ctx)
	return created, nil
}

// persistPlan inserts one booking per placement. Bookings of a split
// allocation share a group id equal to the first booking's id.
func (s *Service) persistPlan(ctx context.Context, plan []placement, proto Booking) ([]*Booking, error) {
	var groupID *uuid.UUID
	if len(plan) > 1 {
		id := uuid.New()
		groupID = &id
	}
	out := make([]*Booking, 0, len(plan))
	for i, p := range plan {
		b := proto
		b.BookingDatetime = p.Start
		b.NumberOfPeople = p.People
		b.IsOverflow = p.Overflow
		b.GroupID = groupID
		if i == 0 && groupID != nil {
			b.ID = *groupID
		}
		if err := s.bookings.Create(ctx, &b); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, nil
}

// wholeRequest is the head booking carrying the full party size, for
// descriptions of split allocations.
func wholeRequest(created []*Booking, people int) *Booking {
	head := *created[0]
	head.NumberOfPeople = people
	return &head
}

// -- Reads --

func (s *Service) GetBooking(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Booking, error) {
	b, err := s.bookings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role == auth.RolePatient {
		if !b.IsOwnedBy(actor.UserID) {
			return nil, denied("booking belongs to another patient")
		}
		return b, nil
	}
	if err := requireActorFor(actor, b.DoctorID, auth.PermViewSchedule, auth.PermManageBookings); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Service) ListDoctorBookings(ctx context.Context, actor auth.Actor, doctorID uuid.UUID, f BookingFilter, limit, offset int) ([]*Booking, int, error) {
	if err := requireActorFor(actor, doctorID, auth.PermViewSchedule, auth.PermManageBookings); err != nil {
		return nil, 0, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, validationf("unknown status %q", f.Status)
	}
	return s.bookings.ListByDoctor(ctx, doctorID, f, limit, offset)
}

func (s *Service) ListMyBookings(ctx context.Context, actor auth.Actor, limit, offset int) ([]*Booking, int, error) {
	if err := requirePatient(actor); err != nil {
		return nil, 0, err
	}
	return s.bookings.ListByPatient(ctx, actor.UserID, limit, offset)
}
