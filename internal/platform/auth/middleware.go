package auth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

// Claims issued by the external auth service. Sub is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Role        string   `json:"role"`
	DoctorID    string   `json:"doctor_id,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
	// Skipper bypasses authentication for public routes.
	Skipper func(c echo.Context) bool
}

// Actor converts verified claims into an Actor.
func (cl *Claims) Actor() (Actor, error) {
	role, ok := ParseRole(cl.Role)
	if !ok {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "unknown role")
	}
	uid, err := uuid.Parse(cl.Subject)
	if err != nil {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid subject")
	}
	a := Actor{Role: role, UserID: uid}
	if role == RoleSecretary {
		did, err := uuid.Parse(cl.DoctorID)
		if err != nil {
			return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "secretary token without doctor_id")
		}
		a.DoctorID = did
		a.Permissions = ParsePermissions(cl.Permissions)
	}
	if role == RoleDoctor {
		a.DoctorID = uid
	}
	return a, nil
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	keyFunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tokenStr) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			actor, err := claims.Actor()
			if err != nil {
				return err
			}
			setActor(c, actor)
			return next(c)
		}
	}
}

// Development header names understood by DevAuthMiddleware.
const (
	HeaderActorRole        = "X-Actor-Role"
	HeaderActorID          = "X-Actor-ID"
	HeaderActorDoctorID    = "X-Actor-Doctor-ID"
	HeaderActorPermissions = "X-Actor-Permissions"
)

// DevAuthMiddleware builds the actor from X-Actor-* headers so the API can
// be exercised locally without an auth service. Requests without headers
// act as a doctor with a fixed id.
func DevAuthMiddleware(skipper func(c echo.Context) bool) echo.MiddlewareFunc {
	devDoctor := uuid.MustParse("00000000-0000-0000-0000-00000000d0c0")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}
			h := c.Request().Header
			if h.Get(HeaderActorRole) == "" {
				setActor(c, Actor{Role: RoleDoctor, UserID: devDoctor, DoctorID: devDoctor})
				return next(c)
			}

			role, ok := ParseRole(h.Get(HeaderActorRole))
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "unknown role")
			}
			uid, err := uuid.Parse(h.Get(HeaderActorID))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid "+HeaderActorID)
			}
			a := Actor{Role: role, UserID: uid}
			switch role {
			case RoleDoctor:
				a.DoctorID = uid
			case RoleSecretary:
				did, err := uuid.Parse(h.Get(HeaderActorDoctorID))
				if err != nil {
					return echo.NewHTTPError(http.StatusUnauthorized, "invalid "+HeaderActorDoctorID)
				}
				a.DoctorID = did
				a.Permissions = ParsePermissions(strings.Split(h.Get(HeaderActorPermissions), ","))
			}
			setActor(c, a)
			return next(c)
		}
	}
}

func setActor(c echo.Context, a Actor) {
	c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), a)))
	c.Set("actor_id", a.UserID.String())
	c.Set("actor_role", string(a.Role))
}
