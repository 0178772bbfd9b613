package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func contextWithActor(a *Actor) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if a != nil {
		req = req.WithContext(WithActor(req.Context(), *a))
	}
	return e.NewContext(req, httptest.NewRecorder())
}

func TestRequireRole_Allowed(t *testing.T) {
	c := contextWithActor(&Actor{Role: RoleSecretary, UserID: uuid.New()})
	h := RequireRole(RoleDoctor, RoleSecretary)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	c := contextWithActor(&Actor{Role: RolePatient, UserID: uuid.New()})
	h := RequireRole(RoleDoctor, RoleSecretary)(func(c echo.Context) error { return nil })
	expectStatus(t, h(c), http.StatusForbidden)
}

func TestRequireRole_NoActor(t *testing.T) {
	c := contextWithActor(nil)
	h := RequireRole(RoleDoctor)(func(c echo.Context) error { return nil })
	expectStatus(t, h(c), http.StatusUnauthorized)
}

func TestActor_CanActFor(t *testing.T) {
	doctorID := uuid.New()
	otherDoctor := uuid.New()

	doctor := Actor{Role: RoleDoctor, UserID: doctorID, DoctorID: doctorID}
	secretary := Actor{Role: RoleSecretary, UserID: uuid.New(), DoctorID: doctorID, Permissions: []Permission{PermManageBookings}}
	patient := Actor{Role: RolePatient, UserID: uuid.New()}

	tests := []struct {
		name   string
		actor  Actor
		doctor uuid.UUID
		perm   Permission
		want   bool
	}{
		{"doctor own schedule", doctor, doctorID, PermManageTimeOff, true},
		{"doctor other schedule", doctor, otherDoctor, PermViewSchedule, false},
		{"secretary granted", secretary, doctorID, PermManageBookings, true},
		{"secretary not granted", secretary, doctorID, PermPatientCheckin, false},
		{"secretary other doctor", secretary, otherDoctor, PermManageBookings, false},
		{"patient never", patient, doctorID, PermViewSchedule, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.actor.CanActFor(tt.doctor, tt.perm); got != tt.want {
				t.Errorf("CanActFor = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseRole(t *testing.T) {
	if r, ok := ParseRole(" doctor "); !ok || r != RoleDoctor {
		t.Errorf("expected DOCTOR, got %q %v", r, ok)
	}
	if _, ok := ParseRole("admin"); ok {
		t.Error("expected admin to be rejected")
	}
}
