package scheduling

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/activity"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/notification"
)

type CreateTimeOffRequest struct {
	StartDate Date        `json:"start_date"`
	EndDate   Date        `json:"end_date"`
	StartTime *ClockTime  `json:"start_time,omitempty"`
	EndTime   *ClockTime  `json:"end_time,omitempty"`
	Type      TimeOffType `json:"type"`
	Reason    string      `json:"reason"`
	// Action decides what happens to conflicting bookings. Defaults to
	// CANCEL_ONLY.
	Action           ResolutionAction `json:"action"`
	SuggestionExpiry ExpiryPolicy     `json:"suggestion_expiry"`
}

// TimeOffResult is the wizard summary returned to the doctor.
// ConflictCount = CancelledCount + OffersCreated + SkippedCount.
type TimeOffResult struct {
	TimeOff         *TimeOff           `json:"time_off"`
	ConflictCount   int                `json:"conflict_count"`
	CancelledCount  int                `json:"cancelled_count"`
	WalkinCancelled int                `json:"walkin_cancelled"`
	OffersCreated   int                `json:"offers_created"`
	// SkippedCount counts conflicts another writer moved out of an active
	// status while the wizard ran, e.g. a patient cancelling.
	SkippedCount    int                `json:"skipped_count"`
	Offers          []*RescheduleOffer `json:"offers"`
}

type ConflictPreview struct {
	Count    int        `json:"count"`
	Bookings []*Booking `json:"bookings"`
}

func (s *Service) newTimeOff(actor auth.Actor, doctorID uuid.UUID, req CreateTimeOffRequest) (*TimeOff, error) {
	t := &TimeOff{
		DoctorID:  doctorID,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Type:      req.Type,
		Reason:    strings.TrimSpace(req.Reason),
		Status:    TimeOffActive,
		CreatedBy: actor.UserID,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.EndDate.Before(s.today()) {
		return nil, validationf("time off must not end in the past")
	}
	return t, nil
}

// conflicts returns the bookings the time off would hit.
func (s *Service) conflicts(ctx context.Context, t *TimeOff) ([]*Booking, error) {
	if !t.Type.BlocksSlots() {
		return nil, nil
	}
	candidates, err := s.bookings.ListBetween(ctx, t.DoctorID,
		t.StartDate.In(s.loc()), t.EndDate.AddDays(1).In(s.loc()), ConflictStatuses)
	if err != nil {
		return nil, err
	}
	var out []*Booking
	for _, b := range candidates {
		at := b.BookingDatetime.In(s.loc())
		if t.CoversSlot(DateOf(at), ClockOf(at)) {
			out = append(out, b)
		}
	}
	return out, nil
}

// PreviewConflicts lists what CreateTimeOff would resolve without changing
// anything.
func (s *Service) PreviewConflicts(ctx context.Context, actor auth.Actor, doctorID uuid.UUID, req CreateTimeOffRequest) (*ConflictPreview, error) {
	if err := requireActorFor(actor, doctorID, auth.PermManageTimeOff, auth.PermManageSchedule); err != nil {
		return nil, err
	}
	if req.Type == "" {
		req.Type = TimeOffAbsence
	}
	t, err := s.newTimeOff(actor, doctorID, req)
	if err != nil {
		return nil, err
	}
	found, err := s.conflicts(ctx, t)
	if err != nil {
		return nil, err
	}
	if found == nil {
		found = []*Booking{}
	}
	return &ConflictPreview{Count: len(found), Bookings: found}, nil
}

// CreateTimeOff records the time off and resolves every conflicting
// booking in one transaction under the doctor lock.
//
// CANCEL_ONLY cancels each conflict. AUTO_PROCESS moves each conflict to
// RESCHEDULING_PENDING and creates an offer with the nearest open slots
// after the time off; bookings without a patient account or without any
// open slot are cancelled instead.
func (s *Service) CreateTimeOff(ctx context.Context, actor auth.Actor, doctorID uuid.UUID, req CreateTimeOffRequest) (*TimeOffResult, error) {
	if err := requireActorFor(actor, doctorID, auth.PermManageTimeOff, auth.PermManageSchedule); err != nil {
		return nil, err
	}
	if req.Action == "" {
		req.Action = ActionCancelOnly
	}
	if !req.Action.Valid() {
		return nil, validationf("action must be CANCEL_ONLY or AUTO_PROCESS")
	}
	t, err := s.newTimeOff(actor, doctorID, req)
	if err != nil {
		return nil, err
	}
	if req.Action == ActionAutoProcess {
		if req.SuggestionExpiry == "" {
			req.SuggestionExpiry = Expiry2Days
		}
		if _, ok := req.SuggestionExpiry.Duration(); !ok {
			return nil, validationf("suggestion_expiry must be 1_DAY, 2_DAYS or 1_WEEK")
		}
		t.SuggestionExpiry = req.SuggestionExpiry
	}

	var res *TimeOffResult
	var ob *outbox
	err = s.withDoctorLock(ctx, doctorID, func(ctx context.Context) error {
		res = &TimeOffResult{TimeOff: t, Offers: []*RescheduleOffer{}}
		ob = s.newOutbox()
		if err := s.timeOffs.Create(ctx, t); err != nil {
			return err
		}
		found, err := s.conflicts(ctx, t)
		if err != nil {
			return err
		}
		res.ConflictCount = len(found)
		if len(found) == 0 {
			return s.record(ctx, actor, doctorID, activity.TimeOffCreated, t.ID, describeTimeOff(t, "added"))
		}

		var suggest *suggester
		if req.Action == ActionAutoProcess {
			if suggest, err = s.newSuggester(ctx, doctorID, t.EndDate); err != nil {
				return err
			}
		}
		for _, b := range found {
			if err := s.resolveConflict(ctx, t, b, suggest, res, ob); err != nil {
				return err
			}
		}
		if err := s.timeOffs.SetConflictCount(ctx, t.ID, len(found)); err != nil {
			return err
		}
		t.ConflictingBookingsCount = len(found)
		return s.record(ctx, actor, doctorID, activity.TimeOffCreated, t.ID,
			describeTimeOff(t, "added with "+plural(len(found), "conflicting booking", "conflicting bookings")))
	})
	if err != nil {
		return nil, err
	}

	if res.ConflictCount > 0 {
		ob.add(auth.RoleDoctor, doctorID, notification.ActionTimeOffCreated, t.ID, notification.TplTimeOffSummary, map[string]string{
			"start":     t.StartDate.String(),
			"end":       t.EndDate.String(),
			"cancelled": strconv.Itoa(res.CancelledCount),
			"offers":    strconv.Itoa(res.OffersCreated),
			"skipped":   strconv.Itoa(res.SkippedCount),
		})
	}
	ob.flush(ctx)
	return res, nil
}

func (s *Service) resolveConflict(ctx context.Context, t *TimeOff, b *Booking, suggest *suggester, res *TimeOffResult, ob *outbox) error {
	if suggest != nil && b.PatientID != nil {
		if slots := suggest.pick(b.NumberOfPeople); len(slots) > 0 {
			return s.offerReschedule(ctx, t, b, slots, res, ob)
		}
	}

	ok, err := s.bookings.TransitionStatus(ctx, b.ID, ConflictStatuses, StatusCancelled)
	if err != nil {
		return err
	}
	if !ok {
		s.skipConflict(t, b, res)
		return nil
	}
	b.Status = StatusCancelled
	res.CancelledCount++
	if b.IsWalkin {
		res.WalkinCancelled++
	}
	ob.toPatient(b, notification.ActionBookingCancelled, notification.TplTimeOffCancelled, s.bookingData(b))
	return nil
}

func (s *Service) offerReschedule(ctx context.Context, t *TimeOff, b *Booking, slots []time.Time, res *TimeOffResult, ob *outbox) error {
	ok, err := s.bookings.TransitionStatus(ctx, b.ID, ConflictStatuses, StatusReschedulingPending)
	if err != nil {
		return err
	}
	if !ok {
		s.skipConflict(t, b, res)
		return nil
	}
	b.Status = StatusReschedulingPending

	token, err := s.newToken()
	if err != nil {
		return err
	}
	ttl, _ := t.SuggestionExpiry.Duration()
	now := s.now()
	timeOffID := t.ID
	offer := &RescheduleOffer{
		OriginalBookingID: b.ID,
		DoctorID:          b.DoctorID,
		PatientID:         b.PatientID,
		TimeOffID:         &timeOffID,
		SuggestedSlots:    slots,
		ExpiryPolicy:      t.SuggestionExpiry,
		Status:            OfferPending,
		AccessToken:       token,
		CreatedAt:         now,
		ExpiresAt:         now.Add(ttl),
	}
	if err := s.offers.Create(ctx, offer); err != nil {
		return err
	}
	res.OffersCreated++
	res.Offers = append(res.Offers, offer)

	data := s.bookingData(b)
	data["count"] = strconv.Itoa(len(slots))
	data["expires_at"] = s.formatTime(offer.ExpiresAt)
	data["link"] = "/reschedule/" + token
	ob.toPatient(b, notification.ActionRescheduleOffered, notification.TplRescheduleOffer, data)
	return nil
}

// skipConflict records a conflict that was no longer active when the
// wizard reached it.
func (s *Service) skipConflict(t *TimeOff, b *Booking, res *TimeOffResult) {
	res.SkippedCount++
	s.logger.Warn().Str("time_off_id", t.ID.String()).Str("booking_id", b.ID.String()).
		Msg("conflicting booking changed during time off resolution, skipped")
}

// suggester hands out the nearest open slots after a time off. It reads the
// schedule once per wizard run.
type suggester struct {
	slots     []Slot
	overbook  bool
	maxPerOne int
}

func (s *Service) newSuggester(ctx context.Context, doctorID uuid.UUID, after Date) (*suggester, error) {
	from := after.AddDays(1)
	to := after.AddDays(s.opts.SuggestionSearchDays)
	st, err := s.loadState(ctx, doctorID, from, to)
	if err != nil {
		return nil, err
	}
	// Offers are accepted through the patient-facing link, so dates hidden
	// from patients are not suggested.
	var open []Slot
	for _, sl := range s.generate(doctorID, st, from, to, ViewStaff).Slots {
		at := sl.Start.In(s.loc())
		if sl.IsBlocked || sl.IsPast || blockingTimeOff(st.timeOffs, DateOf(at), ClockOf(at), ViewPatient) != nil {
			continue
		}
		open = append(open, sl)
	}
	return &suggester{slots: open, overbook: st.profile.AllowOverbooking, maxPerOne: s.opts.SuggestedSlotCount}, nil
}

// pick returns up to maxPerOne slot starts with room for people, nearest
// first.
func (sg *suggester) pick(people int) []time.Time {
	var out []time.Time
	for _, sl := range sg.slots {
		if len(out) == sg.maxPerOne {
			break
		}
		if sg.overbook || sl.MaxSpots-sl.BookedPeople >= people {
			out = append(out, sl.Start)
		}
	}
	return out
}

func (s *Service) ListTimeOffs(ctx context.Context, actor auth.Actor, doctorID uuid.UUID, limit, offset int) ([]*TimeOff, int, error) {
	if err := requireActorFor(actor, doctorID, auth.PermViewSchedule, auth.PermManageTimeOff, auth.PermManageSchedule); err != nil {
		return nil, 0, err
	}
	return s.timeOffs.ListByDoctor(ctx, doctorID, limit, offset)
}

// CancelTimeOff reopens the dates. Bookings already resolved stay resolved.
func (s *Service) CancelTimeOff(ctx context.Context, actor auth.Actor, id uuid.UUID) (*TimeOff, error) {
	t, err := s.timeOffs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireActorFor(actor, t.DoctorID, auth.PermManageTimeOff, auth.PermManageSchedule); err != nil {
		return nil, err
	}
	if t.Status != TimeOffActive {
		return nil, invalidTransition("time off is already %s", t.Status)
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		ok, err := s.timeOffs.UpdateStatus(ctx, id, TimeOffActive, TimeOffCancelled)
		if err != nil {
			return err
		}
		if !ok {
			return invalidTransition("time off changed while cancelling it")
		}
		return s.record(ctx, actor, t.DoctorID, activity.TimeOffCancelled, t.ID, describeTimeOff(t, "cancelled"))
	})
	if err != nil {
		return nil, err
	}
	t.Status = TimeOffCancelled
	return t, nil
}

// describeTimeOff is "<type> time off <start>[ to <end>] <done>".
func describeTimeOff(t *TimeOff, done string) string {
	span := t.StartDate.String()
	if t.EndDate != t.StartDate {
		span += " to " + t.EndDate.String()
	}
	return strings.ReplaceAll(strings.ToLower(string(t.Type)), "_", " ") + " time off " + span + " " + done
}
