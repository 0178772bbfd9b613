package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/activity"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/notification"
)

// expireBatch bounds how many offers one sweep iteration loads.
const expireBatch = 100

// OfferView is what the public reschedule page shows.
type OfferView struct {
	*RescheduleOffer
	OriginalDatetime time.Time `json:"original_datetime"`
	NumberOfPeople   int       `json:"number_of_people"`
}

// GetOffer reads an offer by its access token. A pending offer past its
// expiry is reported as EXPIRED even before the sweep has run.
func (s *Service) GetOffer(ctx context.Context, token string) (*OfferView, error) {
	o, err := s.offerByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.offerView(ctx, o)
}

// GetMyOffer reads one of the patient's own offers by id.
func (s *Service) GetMyOffer(ctx context.Context, actor auth.Actor, id uuid.UUID) (*OfferView, error) {
	o, err := s.myOffer(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return s.offerView(ctx, o)
}

func (s *Service) offerView(ctx context.Context, o *RescheduleOffer) (*OfferView, error) {
	if o.Status == OfferPending && o.ExpiredAt(s.now()) {
		o.Status = OfferExpired
	}
	b, err := s.bookings.GetByID(ctx, o.OriginalBookingID)
	if err != nil {
		return nil, err
	}
	return &OfferView{RescheduleOffer: o, OriginalDatetime: b.BookingDatetime, NumberOfPeople: b.NumberOfPeople}, nil
}

func (s *Service) offerByToken(ctx context.Context, token string) (*RescheduleOffer, error) {
	if token == "" {
		return nil, ErrOfferNotFound
	}
	o, err := s.offers.GetByToken(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrOfferNotFound
	}
	return o, err
}

// closedErr reports why o can no longer be answered, or nil while it is
// still pending.
func closedErr(o *RescheduleOffer) error {
	switch o.Status {
	case OfferPending:
		return nil
	case OfferExpired:
		return ErrOfferExpired
	}
	return ErrOfferAlreadyResolved
}

// settledErr re-reads an offer that another writer resolved first and
// reports how it ended.
func (s *Service) settledErr(ctx context.Context, id uuid.UUID) error {
	o, err := s.offers.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := closedErr(o); err != nil {
		return err
	}
	return ErrOfferAlreadyResolved
}

// openOffer fails unless o can still be answered. An offer found past its
// expiry is expired on the spot.
func (s *Service) openOffer(ctx context.Context, o *RescheduleOffer) error {
	if err := closedErr(o); err != nil {
		return err
	}
	if o.ExpiredAt(s.now()) {
		ok, err := s.expireOffer(ctx, o)
		if err != nil {
			return err
		}
		if !ok {
			return s.settledErr(ctx, o.ID)
		}
		return ErrOfferExpired
	}
	return nil
}

// myOffer loads an offer for the in-app flow. Only the patient it was made
// for may see or answer it.
func (s *Service) myOffer(ctx context.Context, actor auth.Actor, id uuid.UUID) (*RescheduleOffer, error) {
	if err := requirePatient(actor); err != nil {
		return nil, err
	}
	o, err := s.offers.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.PatientID == nil || *o.PatientID != actor.UserID {
		return nil, denied("reschedule offer belongs to another patient")
	}
	return o, nil
}

// AcceptOffer moves the booking to one of the suggested slots. Room is
// re-checked under the doctor lock because the suggestions were computed
// when the offer was made.
func (s *Service) AcceptOffer(ctx context.Context, token string, selected time.Time) (*Booking, error) {
	o, err := s.offerByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.acceptOffer(ctx, o, selected)
}

// AcceptMyOffer is AcceptOffer for a signed-in patient answering from the
// app instead of the emailed link.
func (s *Service) AcceptMyOffer(ctx context.Context, actor auth.Actor, id uuid.UUID, selected time.Time) (*Booking, error) {
	o, err := s.myOffer(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return s.acceptOffer(ctx, o, selected)
}

func (s *Service) acceptOffer(ctx context.Context, o *RescheduleOffer, selected time.Time) (*Booking, error) {
	if err := s.openOffer(ctx, o); err != nil {
		return nil, err
	}
	if selected.IsZero() || !o.Suggests(selected) {
		return nil, validationf("selected slot is not one of the suggested times")
	}

	var b *Booking
	err := s.withDoctorLock(ctx, o.DoctorID, func(ctx context.Context) error {
		// A concurrent accept may have won while this one waited.
		current, err := s.offers.GetByID(ctx, o.ID)
		if err != nil {
			return err
		}
		if err := closedErr(current); err != nil {
			return err
		}
		if b, err = s.bookings.GetByID(ctx, o.OriginalBookingID); err != nil {
			return err
		}
		if b.Status != StatusReschedulingPending {
			return invalidTransition("booking is %s and can no longer be rescheduled", b.Status)
		}
		profile, err := s.checkRoom(ctx, b, selected)
		if err != nil {
			return err
		}

		now := s.now()
		ok, err := s.offers.Resolve(ctx, o.ID, OfferAccepted, &selected, now)
		if err != nil {
			return err
		}
		if !ok {
			return s.settledErr(ctx, o.ID)
		}
		to := StatusPending
		if profile.AutoApproveBookings {
			to = StatusConfirmed
		}
		if ok, err = s.bookings.Reschedule(ctx, b.ID, selected, to); err != nil {
			return err
		}
		if !ok {
			return invalidTransition("booking changed while accepting the offer")
		}
		from := b.BookingDatetime
		b.BookingDatetime = selected
		b.Status = to
		b.IsOverflow = false
		return s.record(ctx, patientActor(b), b.DoctorID, activity.BookingRescheduled, b.ID,
			s.describe(b, "moved from "+s.formatTime(from)))
	})
	if err != nil {
		return nil, err
	}

	ob := s.newOutbox()
	ob.toDoctor(b, notification.ActionRescheduleAccepted, notification.TplRescheduleAccepted, s.bookingData(b))
	if b.Status == StatusConfirmed {
		ob.toPatient(b, notification.ActionBookingConfirmed, notification.TplBookingConfirmed, s.bookingData(b))
	}
	ob.flush(ctx)
	return b, nil
}

// patientActor attributes an offer decision to the booking's patient.
func patientActor(b *Booking) auth.Actor {
	if b.PatientID == nil {
		return auth.Actor{}
	}
	return auth.Actor{Role: auth.RolePatient, UserID: *b.PatientID}
}

// checkRoom fails with SlotNoLongerAvailable unless b still fits at at.
func (s *Service) checkRoom(ctx context.Context, b *Booking, at time.Time) (*DoctorProfile, error) {
	local := at.In(s.loc())
	day := DateOf(local)
	st, err := s.loadState(ctx, b.DoctorID, day, day)
	if err != nil {
		return nil, err
	}
	if blockingTimeOff(st.timeOffs, day, ClockOf(local), ViewPatient) != nil {
		return nil, ErrSlotNoLongerAvailable
	}
	slot, _, ok := findSlot(slotsOn(s.generate(b.DoctorID, st, day, day, ViewStaff), day, s.loc()), at)
	if !ok || slot.IsPast || slot.IsBlocked {
		return nil, ErrSlotNoLongerAvailable
	}
	if !st.profile.AllowOverbooking && slot.MaxSpots-slot.BookedPeople < b.NumberOfPeople {
		return nil, ErrSlotNoLongerAvailable
	}
	return st.profile, nil
}

// RejectOffer declines every suggestion. The booking is cancelled.
func (s *Service) RejectOffer(ctx context.Context, token string) (*Booking, error) {
	o, err := s.offerByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.rejectOffer(ctx, o)
}

// RejectMyOffer is RejectOffer for a signed-in patient.
func (s *Service) RejectMyOffer(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Booking, error) {
	o, err := s.myOffer(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return s.rejectOffer(ctx, o)
}

func (s *Service) rejectOffer(ctx context.Context, o *RescheduleOffer) (*Booking, error) {
	if err := s.openOffer(ctx, o); err != nil {
		return nil, err
	}
	b, err := s.bookings.GetByID(ctx, o.OriginalBookingID)
	if err != nil {
		return nil, err
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		ok, err := s.offers.Resolve(ctx, o.ID, OfferRejected, nil, s.now())
		if err != nil {
			return err
		}
		if !ok {
			return s.settledErr(ctx, o.ID)
		}
		ok, err = s.bookings.TransitionStatus(ctx, b.ID, []BookingStatus{StatusReschedulingPending}, StatusCancelled)
		if err != nil {
			return err
		}
		if !ok {
			return invalidTransition("booking changed while rejecting the offer")
		}
		return s.record(ctx, patientActor(b), b.DoctorID, activity.BookingCancelled, b.ID,
			s.describe(b, "cancelled after the patient declined the reschedule offer"))
	})
	if err != nil {
		return nil, err
	}
	b.Status = StatusCancelled

	ob := s.newOutbox()
	ob.toDoctor(b, notification.ActionRescheduleRejected, notification.TplRescheduleRejected, s.bookingData(b))
	ob.flush(ctx)
	return b, nil
}

// expireOffer marks a pending offer and its booking EXPIRED. It reports
// false when another writer resolved the offer first.
func (s *Service) expireOffer(ctx context.Context, o *RescheduleOffer) (bool, error) {
	var b *Booking
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		ok, err := s.offers.Resolve(ctx, o.ID, OfferExpired, nil, s.now())
		if err != nil || !ok {
			return err
		}
		moved, err := s.bookings.TransitionStatus(ctx, o.OriginalBookingID, []BookingStatus{StatusReschedulingPending}, StatusExpired)
		if err != nil {
			return err
		}
		if moved {
			b, err = s.bookings.GetByID(ctx, o.OriginalBookingID)
			return err
		}
		b = &Booking{ID: o.OriginalBookingID, DoctorID: o.DoctorID}
		return nil
	})
	if err != nil || b == nil {
		return false, err
	}
	o.Status = OfferExpired

	if b.PatientID != nil {
		ob := s.newOutbox()
		ob.toPatient(b, notification.ActionRescheduleExpired, notification.TplRescheduleExpired, s.bookingData(b))
		ob.flush(ctx)
	}
	return true, nil
}

// SweepExpiredOffers expires every pending offer past its deadline. It is
// safe to run from several processes at once; each offer is expired by
// exactly one of them.
func (s *Service) SweepExpiredOffers(ctx context.Context) (int, error) {
	total := 0
	for {
		batch, err := s.offers.ListExpired(ctx, s.now(), expireBatch)
		if err != nil {
			return total, err
		}
		for _, o := range batch {
			ok, err := s.expireOffer(ctx, o)
			if err != nil {
				return total, err
			}
			if ok {
				total++
			}
		}
		if len(batch) < expireBatch {
			return total, nil
		}
	}
}

// SweepStaleBookings closes bookings left open from previous days.
func (s *Service) SweepStaleBookings(ctx context.Context) (int, error) {
	before := s.today().In(s.loc())
	moves := []struct{ from, to BookingStatus }{
		{StatusPending, StatusExpired},
		{StatusConfirmed, StatusNoShow},
		{StatusInProgress, StatusExpired},
	}
	total := 0
	for _, m := range moves {
		n, err := s.bookings.BulkTransition(ctx, m.from, m.to, before)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
