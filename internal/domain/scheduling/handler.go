package scheduling

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/scheduler/internal/domain/resource"
	"github.com/ehr/scheduler/internal/platform/auth"
	"github.com/ehr/scheduler/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, physician, nurse, registrar, auditor, notifier
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse", "registrar", "auditor", "notifier"))
	readGroup.GET("/appointments", h.ListAppointments)
	readGroup.GET("/appointments/stats", h.GetStats)
	readGroup.GET("/appointments/:id", h.GetAppointment)
	readGroup.GET("/availability", h.QueryAvailability)

	// Write endpoints – admin, physician, nurse, registrar
	writeGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse", "registrar"))
	writeGroup.POST("/appointments", h.CreateAppointment)
	writeGroup.POST("/appointments/:id/reschedule", h.RescheduleAppointment)
	writeGroup.POST("/appointments/:id/:action", h.TransitionAppointment)
}

type createAppointmentRequest struct {
	PatientRef  string      `json:"patient_ref" validate:"not_blank"`
	ResourceIDs []uuid.UUID `json:"resource_ids" validate:"required,min=1"`
	Start       time.Time   `json:"start" validate:"required"`
	End         time.Time   `json:"end" validate:"required,gtfield=Start"`
	Type        string      `json:"type" validate:"required,oneof=consultation follow_up procedure emergency"`
	ParentID    *uuid.UUID  `json:"parent_id,omitempty"`
}

type rescheduleRequest struct {
	Start time.Time `json:"start" validate:"required"`
	End   time.Time `json:"end" validate:"required,gtfield=Start"`
}

type transitionRequest struct {
	Reason   string `json:"reason" validate:"max=500"`
	NotesRef string `json:"notes_ref" validate:"max=500"`
	FollowUp bool   `json:"follow_up"`
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req createAppointmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := h.svc.CreateAppointment(ctx, auth.ActorFromContext(ctx), CreateRequest{
		PatientRef:  req.PatientRef,
		ResourceIDs: req.ResourceIDs,
		Range:       TimeRange{Start: req.Start, End: req.End},
		Type:        Type(req.Type),
		ParentID:    req.ParentID,
	})
	if err != nil {
		return httpError(c, err)
	}
	return writeResult(c, http.StatusCreated, res)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	appt, err := h.svc.GetAppointment(ctx, auth.ActorFromContext(ctx), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

// ListAppointments handles GET /appointments with optional patient,
// resource, status, from and to (RFC3339) filters.
func (h *Handler) ListAppointments(c echo.Context) error {
	var f ListFilter
	f.PatientRef = c.QueryParam("patient")
	if v := c.QueryParam("resource"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid resource")
		}
		f.ResourceID = id
	}
	if v := c.QueryParam("status"); v != "" {
		f.Status = Status(v)
		if !f.Status.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+v)
		}
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		if v := c.QueryParam(p.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, p.name+" must be RFC3339")
			}
			*p.dst = t
		}
	}

	ctx := c.Request().Context()
	items := h.svc.ListAppointments(ctx, auth.ActorFromContext(ctx), f)
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c)))
}

func (h *Handler) RescheduleAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req rescheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := h.svc.RescheduleAppointment(ctx, auth.ActorFromContext(ctx), id, TimeRange{Start: req.Start, End: req.End})
	if err != nil {
		return httpError(c, err)
	}
	return writeResult(c, http.StatusOK, res)
}

// TransitionAppointment handles POST /appointments/:id/:action where action
// is confirm, check-in, complete, cancel or no-show.
func (h *Handler) TransitionAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	action, err := ParseAction(c.Param("action"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := h.svc.Transition(ctx, auth.ActorFromContext(ctx), id, action, TransitionExtra{
		Reason:   req.Reason,
		NotesRef: req.NotesRef,
		FollowUp: req.FollowUp,
	})
	if err != nil {
		return httpError(c, err)
	}
	return writeResult(c, http.StatusOK, res)
}

func (h *Handler) GetStats(c echo.Context) error {
	ctx := c.Request().Context()
	return c.JSON(http.StatusOK, h.svc.Stats(ctx, auth.ActorFromContext(ctx)))
}

// QueryAvailability handles GET /availability?resource=a,b&from=YYYY-MM-DD&to=YYYY-MM-DD.
func (h *Handler) QueryAvailability(c echo.Context) error {
	var ids []uuid.UUID
	for _, raw := range c.QueryParams()["resource"] {
		for _, part := range strings.Split(raw, ",") {
			id, err := uuid.Parse(strings.TrimSpace(part))
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid resource id: "+part)
			}
			ids = append(ids, id)
		}
	}
	from, err := time.Parse("2006-01-02", c.QueryParam("from"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "from must be YYYY-MM-DD")
	}
	to := from
	if v := c.QueryParam("to"); v != "" {
		if to, err = time.Parse("2006-01-02", v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "to must be YYYY-MM-DD")
		}
	}

	ctx := c.Request().Context()
	seq, err := h.svc.QueryAvailability(ctx, auth.ActorFromContext(ctx), ids, from, to)
	if err != nil {
		return httpError(c, err)
	}
	items := make([]OpenInterval, 0)
	for open := range seq {
		items = append(items, open)
	}
	return c.JSON(http.StatusOK, items)
}

// -- Helpers --

func writeResult(c echo.Context, status int, res *Result) error {
	if res.AuditDegraded() {
		c.Response().Header().Set("Warning", `199 - "audit record not written"`)
	}
	return c.JSON(status, res)
}

// httpError maps service errors to HTTP statuses.
func httpError(c echo.Context, err error) error {
	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"message":   err.Error(),
			"conflicts": conflict.Conflicts,
		})
	case errors.Is(err, ErrOutsideAvailability):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidTimeRange), errors.Is(err, ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrPermissionDenied):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, resource.ErrUnknownResource):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrBusy):
		c.Response().Header().Set("Retry-After", "1")
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
