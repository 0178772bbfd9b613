package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// PublicPrefix is the route prefix for token-authenticated patient pages.
const PublicPrefix = "/api/v1/public/"

var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
}

// AuthSkipper returns true for requests whose route needs no bearer token:
// health checks and the reschedule-offer pages, which are keyed by their
// own unguessable token.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Path())
}

func IsPublicPath(path string) bool {
	return publicPaths[path] || strings.HasPrefix(path, PublicPrefix)
}
