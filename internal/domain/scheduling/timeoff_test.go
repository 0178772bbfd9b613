package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/notification"
)

func clock(h, m int) *ClockTime {
	c := NewClockTime(h, m)
	return &c
}

func TestCreateTimeOff_CancelOnly(t *testing.T) {
	f := newFixture(t)
	p1, p2 := newPatient(), newPatient()
	b1 := f.seedBooking(&p1.UserID, slotAt(wednesday, 9, 0), 1, StatusConfirmed)
	b2 := f.seedBooking(&p2.UserID, slotAt(wednesday.AddDays(1), 10, 0), 2, StatusPending)
	walkin := f.seedBooking(nil, slotAt(friday, 11, 0), 1, StatusConfirmed)
	f.bookings.items[walkin.ID].IsWalkin = true
	outside := f.seedBooking(&p1.UserID, slotAt(tuesday, 9, 0), 1, StatusConfirmed)
	done := f.seedBooking(&p2.UserID, slotAt(wednesday, 11, 0), 1, StatusCompleted)

	res, err := f.svc.CreateTimeOff(context.Background(), f.doctor, f.doctorID, CreateTimeOffRequest{
		StartDate: wednesday, EndDate: friday, Type: TimeOffAbsence, Reason: "conference",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ConflictCount != 3 || res.CancelledCount != 3 || res.WalkinCancelled != 1 || res.OffersCreated != 0 {
		t.Errorf("unexpected summary: %+v", res)
	}
	if res.TimeOff.ConflictingBookingsCount != 3 || res.TimeOff.Status != TimeOffActive {
		t.Errorf("unexpected time off: %+v", res.TimeOff)
	}
	for _, id := range []uuid.UUID{b1.ID, b2.ID, walkin.ID} {
		if s := f.booking(t, id).Status; s != StatusCancelled {
			t.Errorf("booking %s: expected CANCELLED, got %s", id, s)
		}
	}
	if f.booking(t, outside.ID).Status != StatusConfirmed || f.booking(t, done.ID).Status != StatusCompleted {
		t.Error("bookings outside the conflict set must not change")
	}
	if len(f.offers.all()) != 0 {
		t.Error("CANCEL_ONLY must not create offers")
	}
	if got := f.notes.count(auth.RolePatient, notification.ActionBookingCancelled); got != 2 {
		t.Errorf("expected 2 patient notifications, got %d", got)
	}
	if f.notes.count(auth.RoleDoctor, notification.ActionTimeOffCreated) != 1 {
		t.Error("doctor should get the wizard summary")
	}
}

// Three confirmed bookings inside an AUTO_PROCESS time off.
func TestCreateTimeOff_AutoProcessScenario(t *testing.T) {
	f := newFixture(t)
	var ids []uuid.UUID
	for i, d := range []Date{wednesday, wednesday.AddDays(1), friday} {
		p := newPatient()
		ids = append(ids, f.seedBooking(&p.UserID, slotAt(d, 9+i, 0), 1, StatusConfirmed).ID)
	}

	res, err := f.svc.CreateTimeOff(context.Background(), f.doctor, f.doctorID, CreateTimeOffRequest{
		StartDate: wednesday, EndDate: friday, Type: TimeOffEmergency, Action: ActionAutoProcess,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OffersCreated != 3 || res.CancelledCount != 0 || res.ConflictCount != 3 {
		t.Fatalf("unexpected summary: %+v", res)
	}

	offers := f.offers.all()
	if len(offers) != 3 {
		t.Fatalf("expected 3 offers, got %d", len(offers))
	}
	want := []time.Time{slotAt(nextMon, 9, 0), slotAt(nextMon, 9, 30), slotAt(nextMon, 10, 0)}
	for _, o := range offers {
		if o.Status != OfferPending || o.ExpiryPolicy != Expiry2Days {
			t.Errorf("unexpected offer: %+v", o)
		}
		if !o.ExpiresAt.Equal(testNow.Add(48 * time.Hour)) {
			t.Errorf("expected expiry in 48h, got %s", o.ExpiresAt)
		}
		if o.TimeOffID == nil || *o.TimeOffID != res.TimeOff.ID {
			t.Error("offer should reference the time off")
		}
		if len(o.SuggestedSlots) != 3 {
			t.Fatalf("expected 3 suggestions, got %v", o.SuggestedSlots)
		}
		for i := range want {
			if !o.SuggestedSlots[i].Equal(want[i]) {
				t.Errorf("suggestion %d: expected %s, got %s", i, want[i], o.SuggestedSlots[i])
			}
		}
	}
	for _, id := range ids {
		if s := f.booking(t, id).Status; s != StatusReschedulingPending {
			t.Errorf("expected RESCHEDULING_PENDING, got %s", s)
		}
	}
	if got := f.notes.count(auth.RolePatient, notification.ActionRescheduleOffered); got != 3 {
		t.Errorf("expected 3 offer notifications, got %d", got)
	}
}

func TestCreateTimeOff_AutoProcessFallsBackToCancel(t *testing.T) {
	f := newFixture(t)
	p := newPatient()
	offered := f.seedBooking(&p.UserID, slotAt(wednesday, 9, 0), 1, StatusConfirmed)
	walkin := f.seedBooking(nil, slotAt(wednesday, 10, 0), 1, StatusConfirmed)
	f.bookings.items[walkin.ID].IsWalkin = true

	res, err := f.svc.CreateTimeOff(context.Background(), f.doctor, f.doctorID, CreateTimeOffRequest{
		StartDate: wednesday, EndDate: wednesday, Type: TimeOffAbsence, Action: ActionAutoProcess, SuggestionExpiry: Expiry1Day,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OffersCreated != 1 || res.CancelledCount != 1 || res.WalkinCancelled != 1 {
		t.Errorf("unexpected summary: %+v", res)
	}
	if f.booking(t, offered.ID).Status != StatusReschedulingPending || f.booking(t, walkin.ID).Status != StatusCancelled {
		t.Error("walk-in without an account should be cancelled, the other offered")
	}
	if o := f.offers.all()[0]; !o.ExpiresAt.Equal(testNow.Add(24 * time.Hour)) {
		t.Errorf("1_DAY offer should expire in 24h, got %s", o.ExpiresAt)
	}
}

func TestCreateTimeOff_NoSuggestionsCancels(t *testing.T) {
	opts := DefaultOptions()
	opts.SuggestionSearchDays = 1
	f := newFixtureWith(t, opts)
	p := newPatient()
	b := f.seedBooking(&p.UserID, slotAt(friday, 9, 0), 1, StatusConfirmed)

	// The only searched day is a Saturday.
	res, err := f.svc.CreateTimeOff(context.Background(), f.doctor, f.doctorID, CreateTimeOffRequest{
		StartDate: friday, EndDate: friday, Type: TimeOffAbsence, Action: ActionAutoProcess,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OffersCreated != 0 || res.CancelledCount != 1 {
		t.Errorf("unexpected summary: %+v", res)
	}
	if f.booking(t, b.ID).Status != StatusCancelled {
		t.Error("booking without suggestions should be cancelled")
	}
}

// The nearest slots after the time off are on Thursday. 09:00 has room for
// one more person and 09:30 is hidden from patients, so a party of two is
// offered 10:00 onwards.
func TestCreateTimeOff_SuggestionsFitParty(t *testing.T) {
	f := newFixture(t)
	p := newPatient()
	f.seedBooking(&p.UserID, slotAt(wednesday, 9, 0), 2, StatusConfirmed)
	other := uuid.New()
	f.seedBooking(&other, slotAt(thursday, 9, 0), 1, StatusConfirmed)
	f.seedTimeOff(TimeOffDigitalUnavailable, thursday, thursday, NewClockTime(9, 30), NewClockTime(9, 45))

	if _, err := f.svc.CreateTimeOff(context.Background(), f.doctor, f.doctorID, CreateTimeOffRequest{
		StartDate: wednesday, EndDate: wednesday, Type: TimeOffAbsence, Action: ActionAutoProcess,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	o := f.offers.all()[0]
	want := []time.Time{slotAt(thursday, 10, 0), slotAt(thursday, 10, 30), slotAt(thursday, 11, 0)}
	if len(o.SuggestedSlots) != len(want) {
		t.Fatalf("expected %d suggestions, got %v", len(want), o.SuggestedSlots)
	}
	for i := range want {
		if !o.SuggestedSlots[i].Equal(want[i]) {
			t.Errorf("suggestion %d: expected %s, got %s", i, want[i], o.SuggestedSlots[i])
		}
	}
}

// lostCAS makes the compare-and-set on one booking fail, as if its patient
// cancelled between the conflict scan and the update.
type lostCAS struct {
	*mockBookingRepo
	id uuid.UUID
}

func (l *lostCAS) TransitionStatus(ctx context.Context, id uuid.UUID, from []BookingStatus, to BookingStatus) (bool, error) {
	if id == l.id {
		_, _ = l.mockBookingRepo.TransitionStatus(ctx, id, from, StatusCancelled)
		return false, nil
	}
	return l.mockBookingRepo.TransitionStatus(ctx, id, from, to)
}

func TestCreateTimeOff_CountsSkippedConflicts(t *testing.T) {
	for _, action := range []ResolutionAction{ActionCancelOnly, ActionAutoProcess} {
		t.Run(string(action), func(t *testing.T) {
			f := newFixture(t)
			p1, p2 := newPatient(), newPatient()
			kept := f.seedBooking(&p1.UserID, slotAt(wednesday, 9, 0), 1, StatusConfirmed)
			gone := f.seedBooking(&p2.UserID, slotAt(wednesday, 10, 0), 1, StatusConfirmed)
			f.svc.bookings = &lostCAS{mockBookingRepo: f.bookings, id: gone.ID}

			res, err := f.svc.CreateTimeOff(context.Background(), f.doctor, f.doctorID, CreateTimeOffRequest{
				StartDate: wednesday, EndDate: wednesday, Type: TimeOffAbsence, Action: action,
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.ConflictCount != 2 || res.SkippedCount != 1 {
				t.Errorf("expected 2 conflicts with 1 skipped, got %+v", res)
			}
			if res.CancelledCount+res.OffersCreated+res.SkippedCount != res.ConflictCount {
				t.Errorf("summary does not add up: %+v", res)
			}
			if f.booking(t, kept.ID).Status == StatusConfirmed {
				t.Error("the other conflict should still be resolved")
			}
			if n := f.notes.count(auth.RolePatient, notification.ActionRescheduleOffered) +
				f.notes.count(auth.RolePatient, notification.ActionBookingCancelled); n != 1 {
				t.Errorf("only the resolved booking's patient should hear from us, got %d", n)
			}
		})
	}
}

func TestCreateTimeOff_PartialWindowIsInclusive(t *testing.T) {
	f := newFixture(t)
	p1, p2, p3 := newPatient(), newPatient(), newPatient()
	at9 := f.seedBooking(&p1.UserID, slotAt(wednesday, 9, 0), 1, StatusConfirmed)
	at10 := f.seedBooking(&p2.UserID, slotAt(wednesday, 10, 0), 1, StatusConfirmed)
	at1030 := f.seedBooking(&p3.UserID, slotAt(wednesday, 10, 30), 1, StatusConfirmed)

	res, err := f.svc.CreateTimeOff(context.Background(), f.doctor, f.doctorID, CreateTimeOffRequest{
		StartDate: wednesday, EndDate: wednesday, StartTime: clock(9, 0), EndTime: clock(10, 0), Type: TimeOffAbsence,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ConflictCount != 2 {
		t.Errorf("expected 2 conflicts, got %d", res.ConflictCount)
	}
	if f.booking(t, at9.ID).Status != StatusCancelled || f.booking(t, at10.ID).Status != StatusCancelled {
		t.Error("bookings at both window edges should be cancelled")
	}
	if f.booking(t, at1030.ID).Status != StatusConfirmed {
		t.Error("booking after the window must stay")
	}
}

func TestCreateTimeOff_DigitalUnavailableKeepsBookings(t *testing.T) {
	f := newFixture(t)
	p := newPatient()
	b := f.seedBooking(&p.UserID, slotAt(wednesday, 9, 0), 1, StatusConfirmed)

	res, err := f.svc.CreateTimeOff(context.Background(), f.doctor, f.doctorID, CreateTimeOffRequest{
		StartDate: wednesday, EndDate: wednesday, Type: TimeOffDigitalUnavailable, Action: ActionAutoProcess,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ConflictCount != 0 || f.booking(t, b.ID).Status != StatusConfirmed {
		t.Error("DIGITAL_UNAVAILABLE must not touch bookings")
	}
	if len(f.notes.sent) != 0 {
		t.Error("no conflicts means no summary")
	}
}

func TestCreateTimeOff_BlocksNewBookings(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.CreateTimeOff(context.Background(), f.doctor, f.doctorID, CreateTimeOffRequest{
		StartDate: wednesday, EndDate: wednesday, Type: TimeOffAbsence,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := f.svc.CreateBooking(context.Background(), newPatient(), CreateBookingRequest{
		DoctorID: f.doctorID, BookingDatetime: slotAt(wednesday, 9, 0),
	})
	expectErr(t, err, ErrSlotBlocked)
	_, err = f.svc.CreateWalkin(context.Background(), f.doctor, f.doctorID, WalkinRequest{
		BookingDatetime: slotAt(wednesday, 9, 0), WalkinName: "Ana",
	})
	expectErr(t, err, ErrSlotBlocked)
}

func TestCreateTimeOff_Validation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		req  CreateTimeOffRequest
	}{
		{"missing type", CreateTimeOffRequest{StartDate: wednesday, EndDate: wednesday}},
		{"reversed dates", CreateTimeOffRequest{StartDate: friday, EndDate: wednesday, Type: TimeOffAbsence}},
		{"in the past", CreateTimeOffRequest{StartDate: monday.AddDays(-3), EndDate: monday.AddDays(-1), Type: TimeOffAbsence}},
		{"half window", CreateTimeOffRequest{StartDate: wednesday, EndDate: wednesday, StartTime: clock(9, 0), Type: TimeOffAbsence}},
		{"empty window", CreateTimeOffRequest{StartDate: wednesday, EndDate: wednesday, StartTime: clock(10, 0), EndTime: clock(9, 0), Type: TimeOffAbsence}},
		{"bad action", CreateTimeOffRequest{StartDate: wednesday, EndDate: wednesday, Type: TimeOffAbsence, Action: "IGNORE"}},
		{"bad expiry", CreateTimeOffRequest{StartDate: wednesday, EndDate: wednesday, Type: TimeOffAbsence, Action: ActionAutoProcess, SuggestionExpiry: "1_MONTH"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateTimeOff(context.Background(), f.doctor, f.doctorID, tc.req)
			expectErr(t, err, ErrValidation)
		})
	}
	if len(f.timeOffs.order) != 0 {
		t.Error("invalid requests must not store a time off")
	}
}

func TestCreateTimeOff_Permissions(t *testing.T) {
	f := newFixture(t)
	req := CreateTimeOffRequest{StartDate: wednesday, EndDate: wednesday, Type: TimeOffAbsence}

	_, err := f.svc.CreateTimeOff(context.Background(), f.secretary(auth.PermManageBookings), f.doctorID, req)
	expectErr(t, err, ErrPermissionDenied)
	_, err = f.svc.CreateTimeOff(context.Background(), newPatient(), f.doctorID, req)
	expectErr(t, err, ErrPermissionDenied)

	if _, err := f.svc.CreateTimeOff(context.Background(), f.secretary(auth.PermManageTimeOff), f.doctorID, req); err != nil {
		t.Fatalf("secretary with manage_time_off should succeed: %v", err)
	}
}

func TestPreviewConflicts(t *testing.T) {
	f := newFixture(t)
	p := newPatient()
	b := f.seedBooking(&p.UserID, slotAt(wednesday, 9, 0), 1, StatusConfirmed)

	preview, err := f.svc.PreviewConflicts(context.Background(), f.doctor, f.doctorID, CreateTimeOffRequest{
		StartDate: wednesday, EndDate: friday,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if preview.Count != 1 || preview.Bookings[0].ID != b.ID {
		t.Errorf("unexpected preview: %+v", preview)
	}
	if f.booking(t, b.ID).Status != StatusConfirmed || len(f.timeOffs.order) != 0 {
		t.Error("preview must not change anything")
	}
}

func TestCancelTimeOff(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.CreateTimeOff(context.Background(), f.doctor, f.doctorID, CreateTimeOffRequest{
		StartDate: wednesday, EndDate: wednesday, Type: TimeOffAbsence,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := f.svc.CancelTimeOff(context.Background(), f.doctor, res.TimeOff.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != TimeOffCancelled {
		t.Errorf("expected CANCELLED, got %s", got.Status)
	}
	_, err = f.svc.CancelTimeOff(context.Background(), f.doctor, res.TimeOff.ID)
	expectErr(t, err, ErrInvalidTransition)

	if _, err := f.svc.CreateBooking(context.Background(), newPatient(), CreateBookingRequest{
		DoctorID: f.doctorID, BookingDatetime: slotAt(wednesday, 9, 0),
	}); err != nil {
		t.Fatalf("date should be bookable again: %v", err)
	}

	items, total, err := f.svc.ListTimeOffs(context.Background(), f.doctor, f.doctorID, 20, 0)
	if err != nil || total != 1 || len(items) != 1 {
		t.Errorf("expected 1 time off, got %d/%d (%v)", len(items), total, err)
	}
}
