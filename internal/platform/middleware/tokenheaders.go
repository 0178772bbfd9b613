package middleware

import (
	"github.com/labstack/echo/v4"
)

// NoLeakHeaders marks responses of URL-token routes so the token is not
// cached, indexed, or forwarded in a Referer header.
func NoLeakHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("Cache-Control", "no-store")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("X-Robots-Tag", "noindex, nofollow")
			h.Set("X-Content-Type-Options", "nosniff")
			return next(c)
		}
	}
}
