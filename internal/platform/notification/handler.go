package notification

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/pagination"
)

// Handler exposes the caller's in-app inbox.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/notifications", auth.RequireRole(auth.RoleDoctor, auth.RolePatient, auth.RoleSecretary))
	g.GET("", h.HandleList)
	g.POST("/mark-all-read", h.HandleMarkAllRead)
	g.POST("/:id/read", h.HandleMarkRead)
}

// InboxOf resolves whose notifications the actor reads. Secretaries with
// receive_notifications read their doctor's inbox.
func InboxOf(a auth.Actor) (auth.Role, uuid.UUID, bool) {
	switch a.Role {
	case auth.RoleDoctor, auth.RolePatient:
		return a.Role, a.UserID, true
	case auth.RoleSecretary:
		if a.Has(auth.PermReceiveNotifications) {
			return auth.RoleDoctor, a.DoctorID, true
		}
	}
	return "", uuid.Nil, false
}

// InboxKey names the inbox of one recipient, e.g. "DOCTOR:<uuid>".
func InboxKey(role auth.Role, id uuid.UUID) string {
	return string(role) + ":" + id.String()
}

func (h *Handler) HandleList(c echo.Context) error {
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	role, id, ok := InboxOf(actor)
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "missing permission receive_notifications")
	}

	pg := pagination.FromContext(c)
	unreadOnly := c.QueryParam("unread") == "true"
	items, total, err := h.store.ListForRecipient(c.Request().Context(), role, id, unreadOnly, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
	if items == nil {
		items = []*Notification{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) HandleMarkRead(c echo.Context) error {
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	role, recipient, ok := InboxOf(actor)
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "missing permission receive_notifications")
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	found, err := h.store.MarkRead(c.Request().Context(), id, role, recipient)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "notification not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) HandleMarkAllRead(c echo.Context) error {
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	role, recipient, ok := InboxOf(actor)
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "missing permission receive_notifications")
	}
	n, err := h.store.MarkAllRead(c.Request().Context(), role, recipient)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"updated": n})
}
