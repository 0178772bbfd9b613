package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/auth"
)

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// ActionType identifies the scheduling event a notification reports.
type ActionType string

const (
	ActionBookingCreated     ActionType = "BOOKING_CREATED"
	ActionBookingConfirmed   ActionType = "BOOKING_CONFIRMED"
	ActionBookingRejected    ActionType = "BOOKING_REJECTED"
	ActionBookingCancelled   ActionType = "BOOKING_CANCELLED"
	ActionBookingExpired     ActionType = "BOOKING_EXPIRED"
	ActionRescheduleOffered  ActionType = "RESCHEDULE_OFFERED"
	ActionRescheduleAccepted ActionType = "RESCHEDULE_ACCEPTED"
	ActionRescheduleRejected ActionType = "RESCHEDULE_REJECTED"
	ActionRescheduleExpired  ActionType = "RESCHEDULE_EXPIRED"
	ActionTimeOffCreated     ActionType = "TIME_OFF_CREATED"
)

// Notification is an append-only message addressed to one user in one role.
type Notification struct {
	ID              uuid.UUID  `json:"id"`
	RecipientRole   auth.Role  `json:"recipient_role"`
	RecipientID     uuid.UUID  `json:"recipient_id"`
	ActionType      ActionType `json:"action_type"`
	Subject         string     `json:"subject,omitempty"`
	Message         string     `json:"message"`
	RelatedObjectID *uuid.UUID `json:"related_object_id,omitempty"`
	IsRead          bool       `json:"is_read"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Sink delivers a notification to one destination. Implementations must be
// idempotent on Notification.ID because dispatchers retry.
type Sink interface {
	Deliver(ctx context.Context, n *Notification) error
}

// Dispatcher hands a notification off for delivery. Dispatch never blocks
// on delivery and never reports failure to the caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, n *Notification)
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template is a message skeleton with {{key}} placeholders.
type Template struct {
	ID      string
	Subject string
	Body    string
}

// Built-in template ids.
const (
	TplBookingCreated          = "booking-created"
	TplBookingConfirmed        = "booking-confirmed"
	TplBookingRejected         = "booking-rejected"
	TplBookingCancelledApology = "booking-cancelled-apology"
	TplBookingCancelledCustom  = "booking-cancelled-custom"
	TplBookingCancelledPatient = "booking-cancelled-by-patient"
	TplBookingExpired          = "booking-expired"
	TplTimeOffCancelled        = "timeoff-cancelled"
	TplRescheduleOffer         = "reschedule-offer"
	TplRescheduleAccepted      = "reschedule-accepted"
	TplRescheduleRejected      = "reschedule-rejected"
	TplRescheduleExpired       = "reschedule-expired"
	TplTimeOffSummary          = "timeoff-summary"
)

// TemplateEngine renders notification templates by id.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine returns an engine preloaded with the clinic templates.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	for _, t := range []Template{
		{ID: TplBookingCreated, Subject: "New booking request",
			Body: "A booking for {{people}} on {{datetime}} is waiting for approval."},
		{ID: TplBookingConfirmed, Subject: "Appointment confirmed",
			Body: "Your appointment on {{datetime}} is confirmed."},
		{ID: TplBookingRejected, Subject: "Booking declined",
			Body: "Your booking request for {{datetime}} could not be accepted."},
		{ID: TplBookingCancelledApology, Subject: "Appointment cancelled",
			Body: "We are sorry, your appointment on {{datetime}} has been cancelled by the clinic. Please choose another time."},
		{ID: TplBookingCancelledCustom, Subject: "Appointment cancelled",
			Body: "{{message}}"},
		{ID: TplBookingCancelledPatient, Subject: "Appointment cancelled by patient",
			Body: "The appointment on {{datetime}} was cancelled by the patient."},
		{ID: TplBookingExpired, Subject: "Appointment closed",
			Body: "The appointment on {{datetime}} was closed as {{status}}."},
		{ID: TplTimeOffCancelled, Subject: "Appointment cancelled",
			Body: "We are sorry, the doctor is unavailable and your appointment on {{datetime}} has been cancelled."},
		{ID: TplRescheduleOffer, Subject: "Please choose a new time",
			Body: "The doctor is unavailable for your appointment on {{datetime}}. Choose one of {{count}} new times before {{expires_at}}: {{link}}"},
		{ID: TplRescheduleAccepted, Subject: "Appointment rescheduled",
			Body: "The appointment was moved to {{datetime}}."},
		{ID: TplRescheduleRejected, Subject: "Reschedule declined",
			Body: "The patient declined the new times; the appointment on {{datetime}} was cancelled."},
		{ID: TplRescheduleExpired, Subject: "Reschedule offer expired",
			Body: "The offer to reschedule your appointment on {{datetime}} has expired."},
		{ID: TplTimeOffSummary, Subject: "Time off recorded",
			Body: "Time off from {{start}} to {{end}}: {{cancelled}} cancelled, {{offers}} reschedule offers sent, {{skipped}} already changed."},
	} {
		e.RegisterTemplate(t)
	}
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render substitutes {{key}} placeholders. Unknown placeholders stay as is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// Build renders templateID into a new notification for recipient.
func (e *TemplateEngine) Build(role auth.Role, recipient uuid.UUID, action ActionType, related uuid.UUID, templateID string, data map[string]string) (*Notification, error) {
	subject, body, err := e.Render(templateID, data)
	if err != nil {
		return nil, err
	}
	n := &Notification{
		ID:            uuid.New(),
		RecipientRole: role,
		RecipientID:   recipient,
		ActionType:    action,
		Subject:       subject,
		Message:       body,
		CreatedAt:     time.Now().UTC(),
	}
	if related != uuid.Nil {
		n.RelatedObjectID = &related
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Sinks
// ---------------------------------------------------------------------------

// Fanout delivers to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Deliver(ctx context.Context, n *Notification) error {
	var errs []error
	for _, s := range f {
		if err := s.Deliver(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}

// Dispatchers hands each notification to every dispatcher in order.
type Dispatchers []Dispatcher

func (d Dispatchers) Dispatch(ctx context.Context, n *Notification) {
	for _, x := range d {
		x.Dispatch(ctx, n)
	}
}

// LogSink writes each notification to the log.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Deliver(_ context.Context, n *Notification) error {
	s.Logger.Info().
		Str("notification_id", n.ID.String()).
		Str("recipient_role", string(n.RecipientRole)).
		Str("recipient_id", n.RecipientID.String()).
		Str("action", string(n.ActionType)).
		Msg(n.Subject)
	return nil
}

// RecordingSink keeps delivered notifications in memory. FailTimes makes the
// first N deliveries fail.
type RecordingSink struct {
	mu        sync.Mutex
	FailTimes int
	attempts  int
	delivered []*Notification
}

func (s *RecordingSink) Deliver(_ context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.attempts <= s.FailTimes {
		return errors.New("recording sink: simulated failure")
	}
	s.delivered = append(s.delivered, n)
	return nil
}

func (s *RecordingSink) Delivered() []*Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Notification, len(s.delivered))
	copy(out, s.delivered)
	return out
}

func (s *RecordingSink) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}
