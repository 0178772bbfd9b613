package scheduling

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// -- Calendar primitives --

// Date is a calendar day with no time zone attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func NewDate(y int, m time.Month, d int) Date {
	return DateOf(time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
}

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return DateOf(t), nil
}

func (d Date) IsZero() bool { return d == Date{} }

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d Date) midnightUTC() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// At returns the instant of wall-clock time c on d in loc.
func (d Date) At(c ClockTime, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, c.Hour(), c.Minute(), 0, 0, loc)
}

func (d Date) AddDays(n int) Date { return DateOf(d.midnightUTC().AddDate(0, 0, n)) }

func (d Date) Weekday() time.Weekday { return d.midnightUTC().Weekday() }

func (d Date) Before(o Date) bool { return d.midnightUTC().Before(o.midnightUTC()) }

func (d Date) After(o Date) bool { return d.midnightUTC().After(o.midnightUTC()) }

// DaysUntil returns the number of days from d to o.
func (d Date) DaysUntil(o Date) int {
	return int(o.midnightUTC().Sub(d.midnightUTC()).Hours() / 24)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ClockTime is a wall-clock time of day in minutes after midnight.
type ClockTime int

func NewClockTime(hour, minute int) ClockTime { return ClockTime(hour*60 + minute) }

// ClockOf returns the wall-clock time of t in t's own location.
func ClockOf(t time.Time) ClockTime { return NewClockTime(t.Hour(), t.Minute()) }

// ParseClockTime accepts "HH:MM" or "HH:MM:SS". Seconds are dropped.
func ParseClockTime(s string) (ClockTime, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	return NewClockTime(h, m), nil
}

func (c ClockTime) Hour() int   { return int(c) / 60 }
func (c ClockTime) Minute() int { return int(c) % 60 }

func (c ClockTime) Add(minutes int) ClockTime { return c + ClockTime(minutes) }

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute()) }

func (c ClockTime) MarshalJSON() ([]byte, error) { return json.Marshal(c.String()) }

func (c *ClockTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseClockTime(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// -- Enumerations --

type BookingStatus string

const (
	StatusPending             BookingStatus = "PENDING"
	StatusConfirmed           BookingStatus = "CONFIRMED"
	StatusInProgress          BookingStatus = "IN_PROGRESS"
	StatusCompleted           BookingStatus = "COMPLETED"
	StatusCancelled           BookingStatus = "CANCELLED"
	StatusRejected            BookingStatus = "REJECTED"
	StatusReschedulingPending BookingStatus = "RESCHEDULING_PENDING"
	StatusExpired             BookingStatus = "EXPIRED"
	StatusNoShow              BookingStatus = "NO_SHOW"
)

// ActiveStatuses are the statuses counted by the one-active-booking rule.
var ActiveStatuses = []BookingStatus{StatusPending, StatusConfirmed, StatusInProgress, StatusReschedulingPending}

// ConflictStatuses are the statuses a new time off resolves.
var ConflictStatuses = []BookingStatus{StatusPending, StatusConfirmed, StatusInProgress}

func (s BookingStatus) IsActive() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusInProgress, StatusReschedulingPending:
		return true
	}
	return false
}

func (s BookingStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRejected, StatusExpired, StatusNoShow:
		return true
	}
	return false
}

// OccupiesSlot reports whether a booking in this status takes up capacity.
func (s BookingStatus) OccupiesSlot() bool {
	switch s {
	case StatusCancelled, StatusRejected, StatusExpired:
		return false
	}
	return s != ""
}

func (s BookingStatus) Valid() bool { return s.IsActive() || s.IsTerminal() }

type BookingType string

const (
	BookingNew      BookingType = "NEW"
	BookingFollowup BookingType = "FOLLOWUP"
)

func (t BookingType) Valid() bool { return t == BookingNew || t == BookingFollowup }

type TimeOffType string

const (
	TimeOffAbsence            TimeOffType = "ABSENCE"
	TimeOffEmergency          TimeOffType = "EMERGENCY"
	TimeOffDigitalUnavailable TimeOffType = "DIGITAL_UNAVAILABLE"
)

func (t TimeOffType) Valid() bool {
	return t == TimeOffAbsence || t == TimeOffEmergency || t == TimeOffDigitalUnavailable
}

// BlocksSlots reports whether the time off removes slots for every caller,
// not only for patient self-service.
func (t TimeOffType) BlocksSlots() bool {
	return t == TimeOffAbsence || t == TimeOffEmergency
}

type TimeOffStatus string

const (
	TimeOffActive    TimeOffStatus = "ACTIVE"
	TimeOffCancelled TimeOffStatus = "CANCELLED"
)

type ExpiryPolicy string

const (
	Expiry1Day  ExpiryPolicy = "1_DAY"
	Expiry2Days ExpiryPolicy = "2_DAYS"
	Expiry1Week ExpiryPolicy = "1_WEEK"
)

func (p ExpiryPolicy) Duration() (time.Duration, bool) {
	switch p {
	case Expiry1Day:
		return 24 * time.Hour, true
	case Expiry2Days:
		return 48 * time.Hour, true
	case Expiry1Week:
		return 7 * 24 * time.Hour, true
	}
	return 0, false
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "PENDING"
	OfferAccepted OfferStatus = "ACCEPTED"
	OfferRejected OfferStatus = "REJECTED"
	OfferExpired  OfferStatus = "EXPIRED"
)

// ResolutionAction is what the time-off wizard does with conflicting bookings.
type ResolutionAction string

const (
	ActionCancelOnly  ResolutionAction = "CANCEL_ONLY"
	ActionAutoProcess ResolutionAction = "AUTO_PROCESS"
)

func (a ResolutionAction) Valid() bool { return a == ActionCancelOnly || a == ActionAutoProcess }

// -- Availability --

const MaxPatientsPerSlotLimit = 20

// Availability is one weekday row of a doctor's weekly template.
type Availability struct {
	ID                  uuid.UUID    `json:"id"`
	DoctorID            uuid.UUID    `json:"doctor_id"`
	DayOfWeek           time.Weekday `json:"day_of_week"`
	IsAvailable         bool         `json:"is_available"`
	StartTime           ClockTime    `json:"start_time"`
	EndTime             ClockTime    `json:"end_time"`
	SlotDurationMinutes int          `json:"slot_duration_minutes"`
	MaxPatientsPerSlot  int          `json:"max_patients_per_slot"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Validate checks the row. Days marked unavailable with no hours get the
// default 09:00-17:00 template so stored rows always satisfy the invariants.
func (a *Availability) Validate() error {
	if a.DayOfWeek < time.Sunday || a.DayOfWeek > time.Saturday {
		return validationf("day_of_week must be between 0 and 6")
	}
	if !a.IsAvailable && a.StartTime == 0 && a.EndTime == 0 {
		a.StartTime, a.EndTime = NewClockTime(9, 0), NewClockTime(17, 0)
	}
	if !a.IsAvailable && a.SlotDurationMinutes == 0 {
		a.SlotDurationMinutes = 30
	}
	if !a.IsAvailable && a.MaxPatientsPerSlot == 0 {
		a.MaxPatientsPerSlot = 1
	}
	if a.StartTime >= a.EndTime {
		return validationf("start_time must be before end_time on day %d", a.DayOfWeek)
	}
	if a.SlotDurationMinutes <= 0 {
		return validationf("slot_duration_minutes must be positive")
	}
	if a.MaxPatientsPerSlot < 1 || a.MaxPatientsPerSlot > MaxPatientsPerSlotLimit {
		return validationf("max_patients_per_slot must be between 1 and %d", MaxPatientsPerSlotLimit)
	}
	return nil
}

// -- Doctor profile --

type DoctorProfile struct {
	DoctorID               uuid.UUID `json:"doctor_id"`
	AllowOverbooking       bool      `json:"allow_overbooking"`
	AutoApproveBookings    bool      `json:"auto_approve_bookings"`
	IsDigitalBookingActive bool      `json:"is_digital_booking_active"`
	BookingVisibilityWeeks int       `json:"booking_visibility_weeks"`
	BookingCutoffHours     int       `json:"booking_cutoff_hours"`
	PreferredCalendarView  string    `json:"preferred_calendar_view"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// DefaultDoctorProfile is used for doctors that never saved a profile.
func DefaultDoctorProfile(doctorID uuid.UUID) *DoctorProfile {
	return &DoctorProfile{
		DoctorID:               doctorID,
		IsDigitalBookingActive: true,
		BookingVisibilityWeeks: 4,
		PreferredCalendarView:  "week",
	}
}

var calendarViews = map[string]bool{"day": true, "week": true, "month": true}

func (p *DoctorProfile) Validate() error {
	if p.BookingVisibilityWeeks < 1 || p.BookingVisibilityWeeks > 52 {
		return validationf("booking_visibility_weeks must be between 1 and 52")
	}
	if p.BookingCutoffHours < 0 || p.BookingCutoffHours > 168 {
		return validationf("booking_cutoff_hours must be between 0 and 168")
	}
	if p.PreferredCalendarView == "" {
		p.PreferredCalendarView = "week"
	}
	if !calendarViews[p.PreferredCalendarView] {
		return validationf("preferred_calendar_view must be day, week or month")
	}
	return nil
}

// -- Time off --

type TimeOff struct {
	ID                       uuid.UUID     `json:"id"`
	DoctorID                 uuid.UUID     `json:"doctor_id"`
	StartDate                Date          `json:"start_date"`
	EndDate                  Date          `json:"end_date"`
	StartTime                *ClockTime    `json:"start_time,omitempty"`
	EndTime                  *ClockTime    `json:"end_time,omitempty"`
	Type                     TimeOffType   `json:"type"`
	Reason                   string        `json:"reason,omitempty"`
	Status                   TimeOffStatus `json:"status"`
	SuggestionExpiry         ExpiryPolicy  `json:"suggestion_expiry,omitempty"`
	ConflictingBookingsCount int           `json:"conflicting_bookings_count"`
	CreatedBy                uuid.UUID     `json:"created_by"`
	CreatedAt                time.Time     `json:"created_at"`
	UpdatedAt                time.Time     `json:"updated_at"`
}

// IsPartial reports whether the time off only covers a window of each day.
func (t *TimeOff) IsPartial() bool { return t.StartTime != nil && t.EndTime != nil }

func (t *TimeOff) CoversDate(d Date) bool {
	return !d.Before(t.StartDate) && !d.After(t.EndDate)
}

// CoversSlot reports whether a slot starting at c on d falls inside the time
// off. Partial windows include both ends.
func (t *TimeOff) CoversSlot(d Date, c ClockTime) bool {
	if !t.CoversDate(d) {
		return false
	}
	if !t.IsPartial() {
		return true
	}
	return c >= *t.StartTime && c <= *t.EndTime
}

func (t *TimeOff) Validate() error {
	if !t.Type.Valid() {
		return validationf("type must be ABSENCE, EMERGENCY or DIGITAL_UNAVAILABLE")
	}
	if t.StartDate.IsZero() || t.EndDate.IsZero() {
		return validationf("start_date and end_date are required")
	}
	if t.EndDate.Before(t.StartDate) {
		return validationf("end_date must not be before start_date")
	}
	if (t.StartTime == nil) != (t.EndTime == nil) {
		return validationf("start_time and end_time must be given together")
	}
	if t.IsPartial() && *t.StartTime >= *t.EndTime {
		return validationf("start_time must be before end_time")
	}
	if len(t.Reason) > 500 {
		return validationf("reason must be at most 500 characters")
	}
	return nil
}

// -- Booking --

const MaxPeoplePerBooking = 5

type Booking struct {
	ID              uuid.UUID     `json:"id"`
	DoctorID        uuid.UUID     `json:"doctor_id"`
	PatientID       *uuid.UUID    `json:"patient_id,omitempty"`
	BookingDatetime time.Time     `json:"booking_datetime"`
	BookingType     BookingType   `json:"booking_type"`
	NumberOfPeople  int           `json:"number_of_people"`
	Status          BookingStatus `json:"status"`
	IsWalkin        bool          `json:"is_walkin"`
	IsOverflow      bool          `json:"is_overflow"`
	WalkinName      string        `json:"walkin_name,omitempty"`
	WalkinPhone     string        `json:"walkin_phone,omitempty"`
	PatientNotes    string        `json:"patient_notes,omitempty"`
	GroupID         *uuid.UUID    `json:"group_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

func (b *Booking) IsOwnedBy(patientID uuid.UUID) bool {
	return b.PatientID != nil && *b.PatientID == patientID
}

func validatePeople(n int) error {
	if n < 1 || n > MaxPeoplePerBooking {
		return validationf("number_of_people must be between 1 and %d", MaxPeoplePerBooking)
	}
	return nil
}

// -- Reschedule offer --

type RescheduleOffer struct {
	ID                uuid.UUID    `json:"id"`
	OriginalBookingID uuid.UUID    `json:"original_booking_id"`
	DoctorID          uuid.UUID    `json:"doctor_id"`
	PatientID         *uuid.UUID   `json:"patient_id,omitempty"`
	TimeOffID         *uuid.UUID   `json:"time_off_id,omitempty"`
	SuggestedSlots    []time.Time  `json:"suggested_slots"`
	ExpiryPolicy      ExpiryPolicy `json:"expiry_policy"`
	Status            OfferStatus  `json:"status"`
	AccessToken       string       `json:"-"`
	SelectedSlot      *time.Time   `json:"selected_slot,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	ExpiresAt         time.Time    `json:"expires_at"`
	ResolvedAt        *time.Time   `json:"resolved_at,omitempty"`
}

func (o *RescheduleOffer) ExpiredAt(now time.Time) bool { return now.After(o.ExpiresAt) }

func (o *RescheduleOffer) Suggests(t time.Time) bool {
	for _, s := range o.SuggestedSlots {
		if s.Equal(t) {
			return true
		}
	}
	return false
}

// -- Generated slots --

// View selects which caller a slot listing is computed for.
type View int

const (
	// ViewPatient applies the horizon, cutoff and digital-booking rules.
	ViewPatient View = iota
	// ViewStaff shows every slot and flags blocked and past ones.
	ViewStaff
)

type Slot struct {
	Start          time.Time `json:"datetime"`
	End            time.Time `json:"end"`
	MaxSpots       int       `json:"max_spots"`
	BookedPeople   int       `json:"booked_people"`
	AvailableSpots int       `json:"available_spots"`
	IsFull         bool      `json:"is_full"`
	IsBlocked      bool      `json:"is_blocked"`
	IsPast         bool      `json:"is_past,omitempty"`
}

type BlockedDate struct {
	Date   Date        `json:"date"`
	Reason TimeOffType `json:"reason"`
}

type SlotListing struct {
	DoctorID       uuid.UUID     `json:"doctor_id"`
	From           Date          `json:"from"`
	To             Date          `json:"to"`
	BookingEnabled bool          `json:"booking_enabled"`
	Slots          []Slot        `json:"slots"`
	BlockedDates   []BlockedDate `json:"blocked_dates"`
}

type SlotDetails struct {
	Datetime       time.Time `json:"datetime"`
	CurrentPeople  int       `json:"current_people"`
	MaxPatients    int       `json:"max_patients"`
	AvailableSpots int       `json:"available_spots"`
	IsFull         bool      `json:"is_full"`
	IsBlocked      bool      `json:"is_blocked"`
	PercentageFull float64   `json:"percentage_full"`
}
