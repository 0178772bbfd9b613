package scheduling

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/auth"
)

func newTestHandler(t *testing.T) (*Handler, *fixture) {
	f := newFixture(t)
	return NewHandler(f.svc), f
}

// newContext builds an echo context carrying actor. A nil actor leaves the
// request unauthenticated.
func newContext(method, target, body string, actor *auth.Actor) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if actor != nil {
		req = req.WithContext(auth.WithActor(req.Context(), *actor))
	}
	rec := httptest.NewRecorder()
	return echo.New().NewContext(req, rec), rec
}

func withParam(c echo.Context, name, value string) echo.Context {
	c.SetParamNames(name)
	c.SetParamValues(value)
	return c
}

func expectHTTP(t *testing.T, err error, code int) *echo.HTTPError {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected HTTP %d, got %v", code, err)
	}
	if he.Code != code {
		t.Fatalf("expected HTTP %d, got %d (%v)", code, he.Code, he.Message)
	}
	return he
}

func errorCode(he *echo.HTTPError) string {
	if m, ok := he.Message.(map[string]string); ok {
		return m["code"]
	}
	return ""
}

func bookingBody(doctorID uuid.UUID, at time.Time, people int) string {
	b, _ := json.Marshal(map[string]interface{}{
		"doctor_id":        doctorID,
		"booking_datetime": at.Format(time.RFC3339),
		"number_of_people": people,
	})
	return string(b)
}

func TestHandler_CreateBooking(t *testing.T) {
	h, f := newTestHandler(t)
	p := newPatient()

	c, rec := newContext(http.MethodPost, "/api/v1/bookings", bookingBody(f.doctorID, slotAt(tuesday, 9, 0), 1), &p)
	if err := h.CreateBooking(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var created []Booking
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(created) != 1 || created[0].Status != StatusPending {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}

	c, _ = newContext(http.MethodPost, "/api/v1/bookings", bookingBody(f.doctorID, slotAt(tuesday, 10, 0), 1), &p)
	he := expectHTTP(t, h.CreateBooking(c), http.StatusConflict)
	if errorCode(he) != string(KindDuplicateActiveBooking) {
		t.Errorf("expected duplicate code, got %v", he.Message)
	}
	if m := he.Message.(map[string]string); m["message_key"] != "error.duplicate_active_booking" {
		t.Errorf("missing message key: %v", m)
	}
}

func TestHandler_CreateBooking_Errors(t *testing.T) {
	h, f := newTestHandler(t)
	p := newPatient()

	c, _ := newContext(http.MethodPost, "/api/v1/bookings", `{"doctor_id":`, &p)
	expectHTTP(t, h.CreateBooking(c), http.StatusBadRequest)

	c, _ = newContext(http.MethodPost, "/api/v1/bookings", bookingBody(f.doctorID, slotAt(tuesday, 9, 0), 1), nil)
	expectHTTP(t, h.CreateBooking(c), http.StatusUnauthorized)

	f.seedTimeOff(TimeOffAbsence, tuesday, tuesday)
	c, _ = newContext(http.MethodPost, "/api/v1/bookings", bookingBody(f.doctorID, slotAt(tuesday, 9, 0), 1), &p)
	he := expectHTTP(t, h.CreateBooking(c), http.StatusUnprocessableEntity)
	if errorCode(he) != string(KindSlotBlocked) {
		t.Errorf("unexpected code %v", he.Message)
	}
}

func TestHandler_ListSlots(t *testing.T) {
	h, f := newTestHandler(t)
	p := newPatient()

	c, rec := newContext(http.MethodGet, "/?from=2026-03-03&to=2026-03-04", "", &p)
	if err := h.ListSlots(withParam(c, "doctor_id", f.doctorID.String())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var listing SlotListing
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listing.Slots) != 12 || !listing.BookingEnabled {
		t.Errorf("expected 12 slots, got %d", len(listing.Slots))
	}

	for _, q := range []string{"/", "/?from=03/03/2026", "/?from=2026-03-03&to=soon"} {
		c, _ = newContext(http.MethodGet, q, "", &p)
		expectHTTP(t, h.ListSlots(withParam(c, "doctor_id", f.doctorID.String())), http.StatusBadRequest)
	}

	c, _ = newContext(http.MethodGet, "/?from=2026-03-03", "", &p)
	expectHTTP(t, h.ListSlots(withParam(c, "doctor_id", "not-a-uuid")), http.StatusBadRequest)
}

func TestHandler_GetSlotDetails(t *testing.T) {
	h, f := newTestHandler(t)

	c, _ := newContext(http.MethodGet, "/", "", &f.doctor)
	expectHTTP(t, h.GetSlotDetails(withParam(c, "doctor_id", f.doctorID.String())), http.StatusBadRequest)

	c, rec := newContext(http.MethodGet, "/?at=2026-03-03T09:00:00Z", "", &f.doctor)
	if err := h.GetSlotDetails(withParam(c, "doctor_id", f.doctorID.String())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"max_patients":2`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandler_Transitions(t *testing.T) {
	h, f := newTestHandler(t)
	p := newPatient()
	b := f.seedBooking(&p.UserID, slotAt(tuesday, 9, 0), 1, StatusPending)

	c, rec := newContext(http.MethodPost, "/", "", &f.doctor)
	if err := h.ConfirmBooking(withParam(c, "id", b.ID.String())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK || f.booking(t, b.ID).Status != StatusConfirmed {
		t.Errorf("expected confirmed, got %d %s", rec.Code, f.booking(t, b.ID).Status)
	}

	c, _ = newContext(http.MethodPost, "/", "", &f.doctor)
	he := expectHTTP(t, h.ConfirmBooking(withParam(c, "id", b.ID.String())), http.StatusConflict)
	if errorCode(he) != string(KindInvalidTransition) {
		t.Errorf("unexpected code %v", he.Message)
	}

	other := auth.Actor{Role: auth.RoleSecretary, UserID: uuid.New(), DoctorID: uuid.New(),
		Permissions: []auth.Permission{auth.PermManageBookings}}
	c, _ = newContext(http.MethodPost, "/", "", &other)
	expectHTTP(t, h.CancelBooking(withParam(c, "id", b.ID.String())), http.StatusForbidden)

	c, _ = newContext(http.MethodPost, "/", "", &f.doctor)
	expectHTTP(t, h.CancelBooking(withParam(c, "id", uuid.New().String())), http.StatusNotFound)
}

func TestHandler_CancelBooking_Message(t *testing.T) {
	h, f := newTestHandler(t)
	p := newPatient()
	b := f.seedBooking(&p.UserID, slotAt(tuesday, 9, 0), 1, StatusConfirmed)

	c, _ := newContext(http.MethodPost, "/", `{"message":"Doctor is ill"}`, &f.doctor)
	if err := h.CancelBooking(withParam(c, "id", b.ID.String())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := f.notes.last(); n == nil || n.Message != "Doctor is ill" {
		t.Errorf("expected the custom message, got %+v", n)
	}

	b2 := f.seedBooking(&p.UserID, slotAt(tuesday, 10, 0), 1, StatusPending)
	c, _ = newContext(http.MethodPost, "/", "", &f.doctor)
	if err := h.CancelBooking(withParam(c, "id", b2.ID.String())); err != nil {
		t.Fatalf("cancel without a body: %v", err)
	}
}

func TestHandler_ListDoctorBookings(t *testing.T) {
	h, f := newTestHandler(t)

	c, rec := newContext(http.MethodGet, "/?status=CONFIRMED", "", &f.doctor)
	if err := h.ListDoctorBookings(withParam(c, "doctor_id", f.doctorID.String())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("empty lists must encode as []: %s", rec.Body.String())
	}

	p := newPatient()
	f.seedBooking(&p.UserID, slotAt(tuesday, 9, 0), 1, StatusConfirmed)
	f.seedBooking(nil, slotAt(tuesday, 9, 30), 1, StatusPending)
	c, rec = newContext(http.MethodGet, "/?status=CONFIRMED&limit=10", "", &f.doctor)
	if err := h.ListDoctorBookings(withParam(c, "doctor_id", f.doctorID.String())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Data  []Booking `json:"data"`
		Total int       `json:"total"`
		Limit int       `json:"limit"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 1 || len(resp.Data) != 1 || resp.Limit != 10 {
		t.Errorf("unexpected page: %s", rec.Body.String())
	}

	c, _ = newContext(http.MethodGet, "/?from=yesterday", "", &f.doctor)
	expectHTTP(t, h.ListDoctorBookings(withParam(c, "doctor_id", f.doctorID.String())), http.StatusBadRequest)
}

func TestHandler_CreateTimeOff(t *testing.T) {
	h, f := newTestHandler(t)
	p := newPatient()
	f.seedBooking(&p.UserID, slotAt(wednesday, 9, 0), 1, StatusConfirmed)

	body := `{"start_date":"2026-03-04","end_date":"2026-03-04","type":"ABSENCE","action":"CANCEL_ONLY"}`
	c, _ := newContext(http.MethodPost, "/", body, &f.doctor)
	if err := h.PreviewConflicts(withParam(c, "doctor_id", f.doctorID.String())); err != nil {
		t.Fatalf("preview: %v", err)
	}

	c, rec := newContext(http.MethodPost, "/", body, &f.doctor)
	if err := h.CreateTimeOff(withParam(c, "doctor_id", f.doctorID.String())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var res TimeOffResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.ConflictCount != 1 || res.CancelledCount != 1 || res.TimeOff.StartDate != wednesday {
		t.Errorf("unexpected result: %s", rec.Body.String())
	}

	c, _ = newContext(http.MethodPost, "/", `{"start_date":"next week"}`, &f.doctor)
	expectHTTP(t, h.CreateTimeOff(withParam(c, "doctor_id", f.doctorID.String())), http.StatusBadRequest)

	c, _ = newContext(http.MethodDelete, "/", "", &f.doctor)
	if err := h.CancelTimeOff(withParam(c, "id", res.TimeOff.ID.String())); err != nil {
		t.Fatalf("cancel time off: %v", err)
	}
}

func TestHandler_RescheduleOffer(t *testing.T) {
	f, b, _ := offerFixture(t, Expiry2Days)
	h := NewHandler(f.svc)

	c, rec := newContext(http.MethodGet, "/", "", nil)
	if err := h.GetOffer(withParam(c, "token", "tok-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(rec.Body.String(), "tok-1") {
		t.Error("the access token must not be echoed back")
	}

	c, _ = newContext(http.MethodGet, "/", "", nil)
	expectHTTP(t, h.GetOffer(withParam(c, "token", "nope")), http.StatusNotFound)

	at := f.suggested(t)[2]
	body := `{"selected_slot":"` + at.Format(time.RFC3339) + `"}`
	c, _ = newContext(http.MethodPost, "/", body, nil)
	if err := h.AcceptOffer(withParam(c, "token", "tok-1")); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got := f.booking(t, b.ID); !got.BookingDatetime.Equal(at) {
		t.Errorf("booking not moved: %+v", got)
	}

	c, _ = newContext(http.MethodPost, "/", "", nil)
	he := expectHTTP(t, h.RejectOffer(withParam(c, "token", "tok-1")), http.StatusConflict)
	if errorCode(he) != string(KindOfferAlreadyResolved) {
		t.Errorf("unexpected code %v", he.Message)
	}
}

func TestHandler_MyRescheduleOffer(t *testing.T) {
	f, b, p := offerFixture(t, Expiry2Days)
	h := NewHandler(f.svc)
	o := f.offers.all()[0]
	stranger := newPatient()

	c, rec := newContext(http.MethodGet, "/", "", &p)
	if err := h.GetMyOffer(withParam(c, "id", o.ID.String())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), b.ID.String()) {
		t.Errorf("offer view should name the booking: %s", rec.Body.String())
	}

	c, _ = newContext(http.MethodGet, "/", "", &stranger)
	expectHTTP(t, h.GetMyOffer(withParam(c, "id", o.ID.String())), http.StatusForbidden)
	c, _ = newContext(http.MethodGet, "/", "", &p)
	expectHTTP(t, h.GetMyOffer(withParam(c, "id", "not-a-uuid")), http.StatusBadRequest)

	body := `{"selected_slot":"` + o.SuggestedSlots[0].Format(time.RFC3339) + `"}`
	c, _ = newContext(http.MethodPost, "/", body, &stranger)
	expectHTTP(t, h.AcceptMyOffer(withParam(c, "id", o.ID.String())), http.StatusForbidden)

	c, _ = newContext(http.MethodPost, "/", "", &p)
	if err := h.RejectMyOffer(withParam(c, "id", o.ID.String())); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got := f.booking(t, b.ID); got.Status != StatusCancelled {
		t.Errorf("rejecting the offer should cancel the booking, got %s", got.Status)
	}

	c, _ = newContext(http.MethodPost, "/", body, &p)
	he := expectHTTP(t, h.AcceptMyOffer(withParam(c, "id", o.ID.String())), http.StatusConflict)
	if errorCode(he) != string(KindOfferAlreadyResolved) {
		t.Errorf("unexpected code %v", he.Message)
	}
}

func TestHandler_ExpiredOffer(t *testing.T) {
	f, _, _ := offerFixture(t, Expiry1Day)
	h := NewHandler(f.svc)
	f.clock = testNow.Add(25 * time.Hour)

	body := `{"selected_slot":"` + slotAt(nextMon, 9, 0).Format(time.RFC3339) + `"}`
	c, _ := newContext(http.MethodPost, "/", body, nil)
	he := expectHTTP(t, h.AcceptOffer(withParam(c, "token", "tok-1")), http.StatusGone)
	if errorCode(he) != string(KindOfferExpired) {
		t.Errorf("unexpected code %v", he.Message)
	}
}

func TestHTTPError_Internal(t *testing.T) {
	he := expectHTTP(t, httpError(errors.New("connection refused")), http.StatusInternalServerError)
	if errorCode(he) != "" {
		t.Error("foreign errors carry no domain code")
	}
	if msg, _ := he.Message.(string); strings.Contains(msg, "connection refused") {
		t.Error("adapter errors must not reach the client")
	}
	if he.Internal == nil {
		t.Error("the cause should be kept for logging")
	}
}
