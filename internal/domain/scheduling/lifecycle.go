package scheduling

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/activity"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/notification"
)

// transition is one edge of the booking state machine.
type transition struct {
	name string
	from []BookingStatus
	to   BookingStatus
	// perm is what a secretary needs; doctors hold every permission on
	// their own schedule.
	perm auth.Permission
	// group carries the change to the other rows of a spilled group.
	group bool
	// logged is the activity entry written for the change and done how
	// its description ends.
	logged activity.Action
	done   string
}

var (
	trConfirm = transition{name: "confirm", from: []BookingStatus{StatusPending}, to: StatusConfirmed,
		perm: auth.PermManageBookings, group: true, logged: activity.BookingApproved, done: "approved"}
	trReject = transition{name: "reject", from: []BookingStatus{StatusPending}, to: StatusRejected,
		perm: auth.PermManageBookings, group: true, logged: activity.BookingRejected, done: "rejected"}
	trCancel = transition{name: "cancel", from: []BookingStatus{StatusPending, StatusConfirmed}, to: StatusCancelled,
		perm: auth.PermManageBookings, group: true, logged: activity.BookingCancelled, done: "cancelled by the clinic"}
	trStart = transition{name: "start_examination", from: []BookingStatus{StatusConfirmed}, to: StatusInProgress,
		perm: auth.PermPatientCheckin, logged: activity.ExamStarted, done: "started"}
	trComplete = transition{name: "complete", from: []BookingStatus{StatusInProgress}, to: StatusCompleted,
		perm: auth.PermPatientCheckin, logged: activity.ExamCompleted, done: "completed"}
	trNoShow = transition{name: "mark_no_show", from: []BookingStatus{StatusConfirmed}, to: StatusNoShow,
		perm: auth.PermPatientCheckin, logged: activity.NoShow, done: "marked as no-show"}

	trPatientCancel = transition{name: "patient_cancel",
		from: []BookingStatus{StatusPending, StatusConfirmed, StatusInProgress, StatusReschedulingPending}, to: StatusCancelled,
		group: true, logged: activity.BookingCancelled, done: "cancelled by the patient"}
)

func (t transition) allows(s BookingStatus) bool {
	for _, f := range t.from {
		if f == s {
			return true
		}
	}
	return false
}

// verb is the transition name as it reads in error messages.
func (t transition) verb() string {
	return strings.ReplaceAll(strings.TrimPrefix(t.name, "patient_"), "_", " ")
}

func (t transition) check(b *Booking) error {
	if !t.allows(b.Status) {
		return invalidTransition("cannot %s a booking in status %s", t.verb(), b.Status)
	}
	return nil
}

// applyStaffTransition loads the booking, checks the actor and the source
// status, runs guard, and applies the status change with a compare-and-set.
// Losing a race to another writer surfaces as InvalidTransition.
func (s *Service) applyStaffTransition(ctx context.Context, actor auth.Actor, id uuid.UUID, tr transition, guard func(*Booking) error) (*Booking, error) {
	b, err := s.bookings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireActorFor(actor, b.DoctorID, tr.perm); err != nil {
		return nil, err
	}
	if err := tr.check(b); err != nil {
		return nil, err
	}
	if guard != nil {
		if err := guard(b); err != nil {
			return nil, err
		}
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.move(ctx, b, tr); err != nil {
			return err
		}
		return s.record(ctx, actor, b.DoctorID, tr.logged, b.ID, s.describe(b, tr.done))
	})
	if err != nil {
		return nil, err
	}
	b.Status = tr.to
	return b, nil
}

// move applies tr to b with a compare-and-set and, for group transitions,
// to the rest of b's group. It must run inside a transaction.
func (s *Service) move(ctx context.Context, b *Booking, tr transition) error {
	ok, err := s.bookings.TransitionStatus(ctx, b.ID, tr.from, tr.to)
	if err != nil {
		return err
	}
	if !ok {
		return invalidTransition("booking changed while trying to %s it", tr.verb())
	}
	if !tr.group || b.GroupID == nil {
		return nil
	}
	n, err := s.bookings.TransitionGroup(ctx, *b.GroupID, tr.from, tr.to)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Debug().Str("booking_id", b.ID.String()).Str("group_id", b.GroupID.String()).
			Int("rows", n).Str("to", string(tr.to)).Msg("group moved")
	}
	return nil
}

// notBeforeBookingDay fails when the booking's day has not come yet.
func (s *Service) notBeforeBookingDay(b *Booking) error {
	if DateOf(b.BookingDatetime.In(s.loc())).After(s.today()) {
		return invalidTransition("booking on %s has not started yet", DateOf(b.BookingDatetime.In(s.loc())))
	}
	return nil
}

func (s *Service) ConfirmBooking(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Booking, error) {
	b, err := s.applyStaffTransition(ctx, actor, id, trConfirm, nil)
	if err != nil {
		return nil, err
	}
	ob := s.newOutbox()
	ob.toPatient(b, notification.ActionBookingConfirmed, notification.TplBookingConfirmed, s.bookingData(b))
	ob.flush(ctx)
	return b, nil
}

func (s *Service) RejectBooking(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Booking, error) {
	b, err := s.applyStaffTransition(ctx, actor, id, trReject, nil)
	if err != nil {
		return nil, err
	}
	ob := s.newOutbox()
	ob.toPatient(b, notification.ActionBookingRejected, notification.TplBookingRejected, s.bookingData(b))
	ob.flush(ctx)
	return b, nil
}

// CancelBooking is the staff cancel. The patient always gets a message:
// message when given, the apology template otherwise. The message is not
// stored on the booking.
func (s *Service) CancelBooking(ctx context.Context, actor auth.Actor, id uuid.UUID, message string) (*Booking, error) {
	message = strings.TrimSpace(message)
	if len(message) > 1000 {
		return nil, validationf("message must be at most 1000 characters")
	}
	b, err := s.applyStaffTransition(ctx, actor, id, trCancel, nil)
	if err != nil {
		return nil, err
	}
	data := s.bookingData(b)
	tpl := notification.TplBookingCancelledApology
	if message != "" {
		tpl = notification.TplBookingCancelledCustom
		data["message"] = message
	}
	ob := s.newOutbox()
	ob.toPatient(b, notification.ActionBookingCancelled, tpl, data)
	ob.flush(ctx)
	return b, nil
}

func (s *Service) StartExamination(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Booking, error) {
	return s.applyStaffTransition(ctx, actor, id, trStart, s.notBeforeBookingDay)
}

func (s *Service) CompleteBooking(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Booking, error) {
	return s.applyStaffTransition(ctx, actor, id, trComplete, nil)
}

func (s *Service) MarkNoShow(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Booking, error) {
	return s.applyStaffTransition(ctx, actor, id, trNoShow, s.notBeforeBookingDay)
}

// PatientCancel lets a patient cancel their own active booking. A pending
// reschedule offer for it is closed as rejected.
func (s *Service) PatientCancel(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Booking, error) {
	if err := requirePatient(actor); err != nil {
		return nil, err
	}
	b, err := s.bookings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !b.IsOwnedBy(actor.UserID) {
		return nil, denied("booking belongs to another patient")
	}
	if err := trPatientCancel.check(b); err != nil {
		return nil, err
	}

	wasRescheduling := b.Status == StatusReschedulingPending
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.move(ctx, b, trPatientCancel); err != nil {
			return err
		}
		if err := s.record(ctx, actor, b.DoctorID, trPatientCancel.logged, b.ID, s.describe(b, trPatientCancel.done)); err != nil {
			return err
		}
		if !wasRescheduling {
			return nil
		}
		offer, err := s.offers.GetPendingByBooking(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = s.offers.Resolve(ctx, offer.ID, OfferRejected, nil, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	b.Status = StatusCancelled

	ob := s.newOutbox()
	ob.toDoctor(b, notification.ActionBookingCancelled, notification.TplBookingCancelledPatient, s.bookingData(b))
	ob.flush(ctx)
	return b, nil
}
