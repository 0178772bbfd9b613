package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/activity"
)

// Repositories return ErrNotFound-kind errors for missing rows. Methods that
// return a bool perform a status-guarded update and report whether a row
// actually changed.

type AvailabilityRepository interface {
	ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*Availability, error)
	// ReplaceForDoctor swaps the whole weekly template.
	ReplaceForDoctor(ctx context.Context, doctorID uuid.UUID, rows []*Availability) error
}

type ProfileRepository interface {
	Get(ctx context.Context, doctorID uuid.UUID) (*DoctorProfile, error)
	Upsert(ctx context.Context, p *DoctorProfile) error
}

type TimeOffRepository interface {
	Create(ctx context.Context, t *TimeOff) error
	GetByID(ctx context.Context, id uuid.UUID) (*TimeOff, error)
	// ListActiveInRange returns ACTIVE time offs overlapping [from, to].
	ListActiveInRange(ctx context.Context, doctorID uuid.UUID, from, to Date) ([]*TimeOff, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*TimeOff, int, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to TimeOffStatus) (bool, error)
	SetConflictCount(ctx context.Context, id uuid.UUID, n int) error
}

type BookingFilter struct {
	Status BookingStatus
	From   *time.Time
	To     *time.Time
}

type BookingRepository interface {
	Create(ctx context.Context, b *Booking) error
	GetByID(ctx context.Context, id uuid.UUID) (*Booking, error)
	// ListBetween returns the doctor's bookings with from <= datetime < to.
	ListBetween(ctx context.Context, doctorID uuid.UUID, from, to time.Time, statuses []BookingStatus) ([]*Booking, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, f BookingFilter, limit, offset int) ([]*Booking, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Booking, int, error)
	// HasActive ignores the overflow rows of a spilled group, matching the
	// one-active-booking index.
	HasActive(ctx context.Context, doctorID, patientID uuid.UUID) (bool, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, from []BookingStatus, to BookingStatus) (bool, error)
	// TransitionGroup moves every row of a spilled group still in one of
	// from: the first row, whose id is groupID, and the rows pointing at it.
	TransitionGroup(ctx context.Context, groupID uuid.UUID, from []BookingStatus, to BookingStatus) (int, error)
	// Reschedule moves a RESCHEDULING_PENDING booking to at with status to.
	Reschedule(ctx context.Context, id uuid.UUID, at time.Time, to BookingStatus) (bool, error)
	// BulkTransition moves every booking in status from dated before cutoff.
	BulkTransition(ctx context.Context, from, to BookingStatus, before time.Time) (int, error)
}

type OfferRepository interface {
	Create(ctx context.Context, o *RescheduleOffer) error
	GetByID(ctx context.Context, id uuid.UUID) (*RescheduleOffer, error)
	GetByToken(ctx context.Context, token string) (*RescheduleOffer, error)
	GetPendingByBooking(ctx context.Context, bookingID uuid.UUID) (*RescheduleOffer, error)
	// Resolve moves a PENDING offer to status.
	Resolve(ctx context.Context, id uuid.UUID, status OfferStatus, selected *time.Time, at time.Time) (bool, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*RescheduleOffer, error)
}

// TxRunner is implemented by db.TxManager.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	WithAdvisoryLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Repositories bundles the stores the service needs.
type Repositories struct {
	Availability AvailabilityRepository
	Profiles     ProfileRepository
	TimeOffs     TimeOffRepository
	Bookings     BookingRepository
	Offers       OfferRepository
	// Activity receives the staff activity feed. Optional.
	Activity     activity.Recorder
}
