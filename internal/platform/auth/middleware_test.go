package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(sub uuid.UUID, role string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: role,
	}
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected HTTP %d error, got nil", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	expectStatus(t, h(c), http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			c := e.NewContext(req, httptest.NewRecorder())

			h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			})
			expectStatus(t, h(c), http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_DoctorToken(t *testing.T) {
	doctorID := uuid.New()
	tokenStr := createTestToken(t, validClaims(doctorID, "DOCTOR"), testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	var got Actor
	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
		got, _ = ActorFromContext(c.Request().Context())
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Role != RoleDoctor || got.UserID != doctorID || got.DoctorID != doctorID {
		t.Errorf("unexpected actor: %+v", got)
	}
	if c.Get("actor_role") != "DOCTOR" {
		t.Errorf("expected actor_role on echo context, got %v", c.Get("actor_role"))
	}
}

func TestJWTMiddleware_SecretaryClaims(t *testing.T) {
	secID, doctorID := uuid.New(), uuid.New()
	claims := validClaims(secID, "secretary")
	claims.DoctorID = doctorID.String()
	claims.Permissions = []string{"manage_bookings", "bogus", "PATIENT_CHECKIN"}
	tokenStr := createTestToken(t, claims, testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	var got Actor
	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
		got, _ = ActorFromContext(c.Request().Context())
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Role != RoleSecretary || got.DoctorID != doctorID {
		t.Fatalf("unexpected actor: %+v", got)
	}
	if len(got.Permissions) != 2 || !got.Has(PermManageBookings) || !got.Has(PermPatientCheckin) {
		t.Errorf("expected two recognised permissions, got %v", got.Permissions)
	}
}

func TestJWTMiddleware_SecretaryWithoutDoctor(t *testing.T) {
	tokenStr := createTestToken(t, validClaims(uuid.New(), "SECRETARY"), testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error { return nil })
	expectStatus(t, h(c), http.StatusUnauthorized)
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := validClaims(uuid.New(), "PATIENT")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	tokenStr := createTestToken(t, claims, testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error { return nil })
	expectStatus(t, h(c), http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	tokenStr := createTestToken(t, validClaims(uuid.New(), "PATIENT"), []byte("another-key"))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error { return nil })
	expectStatus(t, h(c), http.StatusUnauthorized)
}

func TestJWTMiddleware_UnknownRole(t *testing.T) {
	tokenStr := createTestToken(t, validClaims(uuid.New(), "admin"), testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error { return nil })
	expectStatus(t, h(c), http.StatusUnauthorized)
}

func TestDevAuthMiddleware_Default(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	var got Actor
	var ok bool
	h := DevAuthMiddleware(nil)(func(c echo.Context) error {
		got, ok = ActorFromContext(c.Request().Context())
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || got.Role != RoleDoctor || got.DoctorID != got.UserID {
		t.Errorf("expected default doctor actor, got %+v", got)
	}
}

func TestDevAuthMiddleware_SecretaryHeaders(t *testing.T) {
	secID, doctorID := uuid.New(), uuid.New()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderActorRole, "SECRETARY")
	req.Header.Set(HeaderActorID, secID.String())
	req.Header.Set(HeaderActorDoctorID, doctorID.String())
	req.Header.Set(HeaderActorPermissions, "view_schedule, add_walkin_patient")
	c := e.NewContext(req, httptest.NewRecorder())

	var got Actor
	h := DevAuthMiddleware(nil)(func(c echo.Context) error {
		got, _ = ActorFromContext(c.Request().Context())
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.UserID != secID || got.DoctorID != doctorID {
		t.Errorf("unexpected actor: %+v", got)
	}
	if !got.Has(PermViewSchedule) || !got.Has(PermAddWalkinPatient) || got.Has(PermManageBookings) {
		t.Errorf("unexpected permissions: %v", got.Permissions)
	}
}

func TestDevAuthMiddleware_BadID(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderActorRole, "PATIENT")
	req.Header.Set(HeaderActorID, "not-a-uuid")
	c := e.NewContext(req, httptest.NewRecorder())

	h := DevAuthMiddleware(nil)(func(c echo.Context) error { return nil })
	expectStatus(t, h(c), http.StatusUnauthorized)
}
