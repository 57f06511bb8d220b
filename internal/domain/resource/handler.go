package resource

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/scheduler/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse", "registrar"))
	readGroup.GET("/resources", h.ListResources)
	readGroup.GET("/resources/:id", h.GetResource)
	readGroup.GET("/resources/:id/windows", h.GetWindows)

	writeGroup := api.Group("", auth.RequireRole("admin"))
	writeGroup.POST("/resources", h.CreateResource)
	writeGroup.PUT("/resources/:id", h.UpdateResource)
	writeGroup.DELETE("/resources/:id", h.DeleteResource)
}

func (h *Handler) CreateResource(c echo.Context) error {
	var res Resource
	if err := c.Bind(&res); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res.ID = uuid.Nil
	if err := h.svc.CreateResource(c.Request().Context(), &res); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetResource(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	res, err := h.svc.GetResource(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ListResources(c echo.Context) error {
	kind := Kind(c.QueryParam("kind"))
	items := h.svc.ListResources()
	if kind != "" {
		filtered := items[:0]
		for _, r := range items {
			if r.Kind == kind {
				filtered = append(filtered, r)
			}
		}
		items = filtered
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) UpdateResource(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var res Resource
	if err := c.Bind(&res); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res.ID = id
	if err := h.svc.UpdateResource(c.Request().Context(), &res); err != nil {
		if errors.Is(err, ErrUnknownResource) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) DeleteResource(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeleteResource(c.Request().Context(), id); err != nil {
		switch {
		case errors.Is(err, ErrUnknownResource):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, ErrResourceInUse):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// GetWindows handles GET /resources/:id/windows?date=YYYY-MM-DD.
func (h *Handler) GetWindows(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	date, err := time.Parse("2006-01-02", c.QueryParam("date"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "date query parameter must be YYYY-MM-DD")
	}
	windows, err := h.svc.AvailabilityWindows(id, date)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resource_id": id,
		"date":        date.Format("2006-01-02"),
		"windows":     windows,
	})
}
