package reminder

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/scheduler/internal/platform/auth"
)

// Poller is the notifier-facing surface of the scheduling service.
type Poller interface {
	PollDueReminders(now time.Time) iter.Seq[Task]
	AcknowledgeReminder(ctx context.Context, id uuid.UUID) error
	ReminderPending(ctx context.Context, id uuid.UUID) (bool, error)
}

type Handler struct {
	poller Poller
}

func NewHandler(p Poller) *Handler {
	return &Handler{poller: p}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reminders", auth.RequireRole("admin", "notifier"))
	g.GET("/due", h.ListDue)
	g.GET("/:id/pending", h.Pending)
	g.POST("/:id/ack", h.Acknowledge)
}

const maxDueBatch = 500

// ListDue handles GET /reminders/due?now=RFC3339, returning at most maxDueBatch tasks.
func (h *Handler) ListDue(c echo.Context) error {
	now := time.Now()
	if raw := c.QueryParam("now"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "now must be RFC3339")
		}
		now = parsed
	}

	items := make([]Task, 0)
	for t := range h.poller.PollDueReminders(now) {
		items = append(items, t)
		if len(items) == maxDueBatch {
			break
		}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Acknowledge(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.poller.AcknowledgeReminder(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"id": id.String(), "status": "acknowledged"})
}

// Pending handles GET /reminders/:id/pending. Notifiers call it right before
// delivery to drop tasks invalidated after they were polled.
func (h *Handler) Pending(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pending, err := h.poller.ReminderPending(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"id": id.String(), "pending": pending})
}
