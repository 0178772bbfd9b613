package scheduling

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the authenticated API on api and the token-keyed
// reschedule pages on public.
func (h *Handler) RegisterRoutes(api *echo.Group, public *echo.Group) {
	// Any signed-in user
	anyGroup := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RolePatient, auth.RoleSecretary))
	anyGroup.GET("/doctors/:doctor_id/slots", h.ListSlots)
	anyGroup.GET("/doctors/:doctor_id/profile", h.GetProfile)
	anyGroup.GET("/bookings/:id", h.GetBooking)

	// Doctor and secretary; per-permission checks happen in the service
	staff := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleSecretary))
	staff.GET("/doctors/:doctor_id/schedule/slots", h.ListScheduleSlots)
	staff.GET("/doctors/:doctor_id/slots/details", h.GetSlotDetails)
	staff.GET("/doctors/:doctor_id/availability", h.GetAvailability)
	staff.PUT("/doctors/:doctor_id/availability", h.UpdateAvailability)
	staff.PUT("/doctors/:doctor_id/profile", h.UpdateProfile)
	staff.POST("/doctors/:doctor_id/walkins", h.CreateWalkin)
	staff.GET("/doctors/:doctor_id/bookings", h.ListDoctorBookings)
	staff.POST("/bookings/:id/confirm", h.ConfirmBooking)
	staff.POST("/bookings/:id/reject", h.RejectBooking)
	staff.POST("/bookings/:id/cancel", h.CancelBooking)
	staff.POST("/bookings/:id/start", h.StartExamination)
	staff.POST("/bookings/:id/complete", h.CompleteBooking)
	staff.POST("/bookings/:id/no-show", h.MarkNoShow)
	staff.GET("/doctors/:doctor_id/time-off", h.ListTimeOffs)
	staff.POST("/doctors/:doctor_id/time-off", h.CreateTimeOff)
	staff.POST("/doctors/:doctor_id/time-off/conflicts", h.PreviewConflicts)
	staff.DELETE("/time-off/:id", h.CancelTimeOff)

	// Patient self-service
	patient := api.Group("", auth.RequireRole(auth.RolePatient))
	patient.POST("/bookings", h.CreateBooking)
	patient.GET("/patients/me/bookings", h.ListMyBookings)
	patient.POST("/bookings/:id/patient-cancel", h.PatientCancel)
	patient.GET("/reschedule-offers/:id", h.GetMyOffer)
	patient.POST("/reschedule-offers/:id/accept", h.AcceptMyOffer)
	patient.POST("/reschedule-offers/:id/reject", h.RejectMyOffer)

	// Reschedule offer links
	public.GET("/reschedule/:token", h.GetOffer)
	public.POST("/reschedule/:token/accept", h.AcceptOffer)
	public.POST("/reschedule/:token/reject", h.RejectOffer)
}

// httpError maps domain errors onto their HTTP status with a stable code
// and message key for clients to localize.
func httpError(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return echo.NewHTTPError(e.Kind.HTTPStatus(), map[string]string{
			"code":        string(e.Kind),
			"message_key": e.Kind.MessageKey(),
			"message":     e.Message,
		})
	}
	// Adapter errors stay in the log; clients get a generic message.
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

func actorOf(c echo.Context) (auth.Actor, error) {
	a, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return auth.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return a, nil
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// actorAndID is the common prologue: the caller plus one uuid path param.
func actorAndID(c echo.Context, name string) (auth.Actor, uuid.UUID, error) {
	actor, err := actorOf(c)
	if err != nil {
		return actor, uuid.Nil, err
	}
	id, err := uuidParam(c, name)
	return actor, id, err
}

func dateRange(c echo.Context) (Date, Date, error) {
	from, err := ParseDate(c.QueryParam("from"))
	if err != nil {
		return Date{}, Date{}, echo.NewHTTPError(http.StatusBadRequest, "from must be YYYY-MM-DD")
	}
	to := from
	if raw := c.QueryParam("to"); raw != "" {
		if to, err = ParseDate(raw); err != nil {
			return Date{}, Date{}, echo.NewHTTPError(http.StatusBadRequest, "to must be YYYY-MM-DD")
		}
	}
	return from, to, nil
}

func optionalTime(c echo.Context, name string) (*time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, name+" must be an RFC 3339 timestamp")
	}
	return &t, nil
}

// -- Slots --

func (h *Handler) ListSlots(c echo.Context) error {
	actor, doctorID, err := actorAndID(c, "doctor_id")
	if err != nil {
		return err
	}
	from, to, err := dateRange(c)
	if err != nil {
		return err
	}
	listing, err := h.svc.ListSlots(c.Request().Context(), actor, doctorID, from, to)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, listing)
}

func (h *Handler) ListScheduleSlots(c echo.Context) error {
	actor, doctorID, err := actorAndID(c, "doctor_id")
	if err != nil {
		return err
	}
	from, to, err := dateRange(c)
	if err != nil {
		return err
	}
	listing, err := h.svc.ListScheduleSlots(c.Request().Context(), actor, doctorID, from, to)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, listing)
}

func (h *Handler) GetSlotDetails(c echo.Context) error {
	actor, doctorID, err := actorAndID(c, "doctor_id")
	if err != nil {
		return err
	}
	at, err := optionalTime(c, "at")
	if err != nil {
		return err
	}
	if at == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "at is required")
	}
	details, err := h.svc.GetSlotDetails(c.Request().Context(), actor, doctorID, *at)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, details)
}

// -- Availability and profile --

func (h *Handler) GetAvailability(c echo.Context) error {
	actor, doctorID, err := actorAndID(c, "doctor_id")
	if err != nil {
		return err
	}
	rows, err := h.svc.GetAvailability(c.Request().Context(), actor, doctorID)
	if err != nil {
		return httpError(err)
	}
	if rows == nil {
		rows = []*Availability{}
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) UpdateAvailability(c echo.Context) error {
	actor, doctorID, err := actorAndID(c, "doctor_id")
	if err != nil {
		return err
	}
	var rows []*Availability
	if err := c.Bind(&rows); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rows, err = h.svc.UpdateAvailability(c.Request().Context(), actor, doctorID, rows)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) GetProfile(c echo.Context) error {
	actor, doctorID, err := actorAndID(c, "doctor_id")
	if err != nil {
		return err
	}
	p, err := h.svc.GetProfile(c.Request().Context(), actor, doctorID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdateProfile(c echo.Context) error {
	actor, doctorID, err := actorAndID(c, "doctor_id")
	if err != nil {
		return err
	}
	var p DoctorProfile
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.UpdateProfile(c.Request().Context(), actor, doctorID, &p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// -- Bookings --

func (h *Handler) CreateBooking(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req CreateBookingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	created, err := h.svc.CreateBooking(c.Request().Context(), actor, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) CreateWalkin(c echo.Context) error {
	actor, doctorID, err := actorAndID(c, "doctor_id")
	if err != nil {
		return err
	}
	var req WalkinRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	created, err := h.svc.CreateWalkin(c.Request().Context(), actor, doctorID, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) GetBooking(c echo.Context) error {
	actor, id, err := actorAndID(c, "id")
	if err != nil {
		return err
	}
	b, err := h.svc.GetBooking(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ListDoctorBookings(c echo.Context) error {
	actor, doctorID, err := actorAndID(c, "doctor_id")
	if err != nil {
		return err
	}
	f := BookingFilter{Status: BookingStatus(c.QueryParam("status"))}
	if f.From, err = optionalTime(c, "from"); err != nil {
		return err
	}
	if f.To, err = optionalTime(c, "to"); err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListDoctorBookings(c.Request().Context(), actor, doctorID, f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Booking{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListMyBookings(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListMyBookings(c.Request().Context(), actor, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Booking{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// -- Lifecycle --

func (h *Handler) transition(c echo.Context, do func(auth.Actor, uuid.UUID) (*Booking, error)) error {
	actor, id, err := actorAndID(c, "id")
	if err != nil {
		return err
	}
	b, err := do(actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ConfirmBooking(c echo.Context) error {
	return h.transition(c, func(a auth.Actor, id uuid.UUID) (*Booking, error) {
		return h.svc.ConfirmBooking(c.Request().Context(), a, id)
	})
}

func (h *Handler) RejectBooking(c echo.Context) error {
	return h.transition(c, func(a auth.Actor, id uuid.UUID) (*Booking, error) {
		return h.svc.RejectBooking(c.Request().Context(), a, id)
	})
}

type cancelRequest struct {
	Message string `json:"message"`
}

func (h *Handler) CancelBooking(c echo.Context) error {
	var req cancelRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	return h.transition(c, func(a auth.Actor, id uuid.UUID) (*Booking, error) {
		return h.svc.CancelBooking(c.Request().Context(), a, id, req.Message)
	})
}

func (h *Handler) StartExamination(c echo.Context) error {
	return h.transition(c, func(a auth.Actor, id uuid.UUID) (*Booking, error) {
		return h.svc.StartExamination(c.Request().Context(), a, id)
	})
}

func (h *Handler) CompleteBooking(c echo.Context) error {
	return h.transition(c, func(a auth.Actor, id uuid.UUID) (*Booking, error) {
		return h.svc.CompleteBooking(c.Request().Context(), a, id)
	})
}

func (h *Handler) MarkNoShow(c echo.Context) error {
	return h.transition(c, func(a auth.Actor, id uuid.UUID) (*Booking, error) {
		return h.svc.MarkNoShow(c.Request().Context(), a, id)
	})
}

func (h *Handler) PatientCancel(c echo.Context) error {
	return h.transition(c, func(a auth.Actor, id uuid.UUID) (*Booking, error) {
		return h.svc.PatientCancel(c.Request().Context(), a, id)
	})
}

// -- Time off --

func (h *Handler) ListTimeOffs(c echo.Context) error {
	actor, doctorID, err := actorAndID(c, "doctor_id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListTimeOffs(c.Request().Context(), actor, doctorID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*TimeOff{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) CreateTimeOff(c echo.Context) error {
	actor, doctorID, err := actorAndID(c, "doctor_id")
	if err != nil {
		return err
	}
	var req CreateTimeOffRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.CreateTimeOff(c.Request().Context(), actor, doctorID, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) PreviewConflicts(c echo.Context) error {
	actor, doctorID, err := actorAndID(c, "doctor_id")
	if err != nil {
		return err
	}
	var req CreateTimeOffRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	preview, err := h.svc.PreviewConflicts(c.Request().Context(), actor, doctorID, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, preview)
}

func (h *Handler) CancelTimeOff(c echo.Context) error {
	actor, id, err := actorAndID(c, "id")
	if err != nil {
		return err
	}
	t, err := h.svc.CancelTimeOff(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

// -- Public reschedule offers --

type acceptRequest struct {
	SelectedSlot time.Time `json:"selected_slot"`
}

func (h *Handler) GetOffer(c echo.Context) error {
	view, err := h.svc.GetOffer(c.Request().Context(), c.Param("token"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) AcceptOffer(c echo.Context) error {
	var req acceptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.AcceptOffer(c.Request().Context(), c.Param("token"), req.SelectedSlot)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) RejectOffer(c echo.Context) error {
	b, err := h.svc.RejectOffer(c.Request().Context(), c.Param("token"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

// -- In-app offers --

func (h *Handler) GetMyOffer(c echo.Context) error {
	actor, id, err := actorAndID(c, "id")
	if err != nil {
		return err
	}
	view, err := h.svc.GetMyOffer(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) AcceptMyOffer(c echo.Context) error {
	actor, id, err := actorAndID(c, "id")
	if err != nil {
		return err
	}
	var req acceptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.AcceptMyOffer(c.Request().Context(), actor, id, req.SelectedSlot)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) RejectMyOffer(c echo.Context) error {
	actor, id, err := actorAndID(c, "id")
	if err != nil {
		return err
	}
	b, err := h.svc.RejectMyOffer(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}
