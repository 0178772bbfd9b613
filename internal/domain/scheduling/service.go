package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/activity"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/notification"
)

type Options struct {
	// Location is the clinic time zone wall-clock templates are read in.
	Location             *time.Location
	SuggestedSlotCount   int
	SuggestionSearchDays int
	// MaxRangeDays caps slot listing requests.
	MaxRangeDays int
}

func DefaultOptions() Options {
	return Options{
		Location:             time.UTC,
		SuggestedSlotCount:   3,
		SuggestionSearchDays: 30,
		MaxRangeDays:         62,
	}
}

type Service struct {
	tx           TxRunner
	availability AvailabilityRepository
	profiles     ProfileRepository
	timeOffs     TimeOffRepository
	bookings     BookingRepository
	offers       OfferRepository
	activity     activity.Recorder

	dispatcher notification.Dispatcher
	templates  *notification.TemplateEngine
	logger     zerolog.Logger
	opts       Options

	now      func() time.Time
	newToken func() (string, error)
}

func NewService(tx TxRunner, repos Repositories, dispatcher notification.Dispatcher, opts Options, logger zerolog.Logger) *Service {
	def := DefaultOptions()
	if opts.Location == nil {
		opts.Location = def.Location
	}
	if opts.SuggestedSlotCount <= 0 {
		opts.SuggestedSlotCount = def.SuggestedSlotCount
	}
	if opts.SuggestionSearchDays <= 0 {
		opts.SuggestionSearchDays = def.SuggestionSearchDays
	}
	if opts.MaxRangeDays <= 0 {
		opts.MaxRangeDays = def.MaxRangeDays
	}
	return &Service{
		tx:           tx,
		availability: repos.Availability,
		profiles:     repos.Profiles,
		timeOffs:     repos.TimeOffs,
		bookings:     repos.Bookings,
		offers:       repos.Offers,
		activity:     repos.Activity,
		dispatcher:   dispatcher,
		templates:    notification.NewTemplateEngine(),
		logger:       logger.With().Str("component", "scheduling").Logger(),
		opts:         opts,
		now:          time.Now,
		newToken:     NewAccessToken,
	}
}

func (s *Service) loc() *time.Location { return s.opts.Location }

func (s *Service) today() Date { return DateOf(s.now().In(s.loc())) }

// withDoctorLock serializes capacity-sensitive work on one doctor's
// schedule across all replicas.
func (s *Service) withDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	return s.tx.WithAdvisoryLock(ctx, "doctor:"+doctorID.String(), fn)
}

// profile returns the stored profile or the defaults.
func (s *Service) profile(ctx context.Context, doctorID uuid.UUID) (*DoctorProfile, error) {
	p, err := s.profiles.Get(ctx, doctorID)
	if errors.Is(err, ErrNotFound) {
		return DefaultDoctorProfile(doctorID), nil
	}
	return p, err
}

// scheduleState is the data slot generation needs for a date range.
type scheduleState struct {
	profile  *DoctorProfile
	template []*Availability
	timeOffs []*TimeOff
	bookings []*Booking
}

func (s *Service) loadState(ctx context.Context, doctorID uuid.UUID, from, to Date) (*scheduleState, error) {
	profile, err := s.profile(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	template, err := s.availability.ListByDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	timeOffs, err := s.timeOffs.ListActiveInRange(ctx, doctorID, from, to)
	if err != nil {
		return nil, err
	}
	bookings, err := s.bookings.ListBetween(ctx, doctorID, from.In(s.loc()), to.AddDays(1).In(s.loc()), nil)
	if err != nil {
		return nil, err
	}
	return &scheduleState{profile: profile, template: template, timeOffs: timeOffs, bookings: bookings}, nil
}

func (s *Service) generate(doctorID uuid.UUID, st *scheduleState, from, to Date, view View) SlotListing {
	return GenerateSlots(SlotInput{
		DoctorID: doctorID,
		Template: st.template,
		Profile:  st.profile,
		TimeOffs: st.timeOffs,
		Bookings: st.bookings,
		From:     from,
		To:       to,
		Now:      s.now(),
		Location: s.loc(),
		View:     view,
	})
}

func (s *Service) checkRange(from, to Date) error {
	if from.IsZero() || to.IsZero() {
		return validationf("from and to are required")
	}
	if to.Before(from) {
		return validationf("to must not be before from")
	}
	if from.DaysUntil(to) >= s.opts.MaxRangeDays {
		return validationf("date range must be shorter than %d days", s.opts.MaxRangeDays)
	}
	return nil
}

// -- Permission helpers --

func requireActorFor(actor auth.Actor, doctorID uuid.UUID, perms ...auth.Permission) error {
	for _, p := range perms {
		if actor.CanActFor(doctorID, p) {
			return nil
		}
	}
	if actor.Role == auth.RoleSecretary && actor.DoctorID == doctorID {
		return denied("missing permission %s", perms[0])
	}
	return denied("not allowed to act for this doctor")
}

func requirePatient(actor auth.Actor) error {
	if actor.Role != auth.RolePatient {
		return denied("only patients can do this")
	}
	return nil
}

// -- Activity feed --

// record adds an entry to the doctor's activity feed. It runs inside the
// caller's unit of work so the entry commits with the change.
func (s *Service) record(ctx context.Context, actor auth.Actor, doctorID uuid.UUID, action activity.Action, target uuid.UUID, description string) error {
	if s.activity == nil {
		return nil
	}
	e := activity.NewEntry(actor, doctorID, action, target, description)
	e.CreatedAt = s.now()
	return s.activity.Record(ctx, e)
}

// describe is "Booking on <datetime> for <people> <done>".
func (s *Service) describe(b *Booking, done string) string {
	who := plural(b.NumberOfPeople, "person", "people")
	if b.IsWalkin && b.WalkinName != "" {
		who = b.WalkinName
	}
	return fmt.Sprintf("Booking on %s for %s %s", s.formatTime(b.BookingDatetime), who, done)
}

// -- Notifications --

// outbox collects notifications during a unit of work. They are sent only
// once the work committed.
type outbox struct {
	svc   *Service
	items []*notification.Notification
}

func (s *Service) newOutbox() *outbox { return &outbox{svc: s} }

func (o *outbox) add(role auth.Role, recipient uuid.UUID, action notification.ActionType, related uuid.UUID, tpl string, data map[string]string) {
	if recipient == uuid.Nil {
		return
	}
	n, err := o.svc.templates.Build(role, recipient, action, related, tpl, data)
	if err != nil {
		o.svc.logger.Error().Err(err).Str("template", tpl).Msg("build notification")
		return
	}
	o.items = append(o.items, n)
}

func (o *outbox) toPatient(b *Booking, action notification.ActionType, tpl string, data map[string]string) {
	if b.PatientID == nil {
		return
	}
	o.add(auth.RolePatient, *b.PatientID, action, b.ID, tpl, data)
}

func (o *outbox) toDoctor(b *Booking, action notification.ActionType, tpl string, data map[string]string) {
	o.add(auth.RoleDoctor, b.DoctorID, action, b.ID, tpl, data)
}

func (o *outbox) flush(ctx context.Context) {
	if o.svc.dispatcher == nil {
		return
	}
	for _, n := range o.items {
		o.svc.dispatcher.Dispatch(ctx, n)
	}
	o.items = nil
}

func (s *Service) formatTime(t time.Time) string {
	return t.In(s.loc()).Format("2006-01-02 15:04")
}

func (s *Service) bookingData(b *Booking) map[string]string {
	return map[string]string{
		"datetime": s.formatTime(b.BookingDatetime),
		"people":   plural(b.NumberOfPeople, "person", "people"),
		"status":   string(b.Status),
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return strconv.Itoa(n) + " " + many
}
