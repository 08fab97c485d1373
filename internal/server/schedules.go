package server

import (
	"errors"
	"net/http"

	"github.com/gorhill/cronexpr"
	"github.com/labstack/echo/v4"

	"github.com/probeops/inquest/internal/store"
)

// SchedulesHandler manages recurring protocol investigations. Cron
// expressions are validated at create so the scheduler loop never sees an
// unparsable row.
type SchedulesHandler struct {
	Store *store.Store
}

func (h *SchedulesHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.POST("", h.create)
	g.GET("", h.list)
	g.POST("/:id/enable", h.enable)
	g.POST("/:id/disable", h.disable)
}

func (h *SchedulesHandler) create(c echo.Context) error {
	var req CreateScheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Name == "" || req.ProtocolID == "" || req.ClusterID == "" || req.CronExpr == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name, protocol_id, cluster_id and cron_expr are required")
	}
	if err := validateCron(req.CronExpr); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if _, err := h.Store.GetProtocol(ctx, req.ProtocolID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "protocol not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if _, err := h.Store.GetCluster(ctx, req.ClusterID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "cluster not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	id, err := h.Store.CreateSchedule(ctx, req.Name, req.ProtocolID, req.ClusterID, req.CronExpr)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, IDResponse{ID: id})
}

func (h *SchedulesHandler) list(c echo.Context) error {
	items, err := h.Store.ListSchedules(c.Request().Context(), false)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []store.Schedule{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *SchedulesHandler) enable(c echo.Context) error {
	return h.setEnabled(c, true)
}

func (h *SchedulesHandler) disable(c echo.Context) error {
	return h.setEnabled(c, false)
}

func (h *SchedulesHandler) setEnabled(c echo.Context, enabled bool) error {
	if err := h.Store.SetScheduleEnabled(c.Request().Context(), c.Param("id"), enabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "schedule not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

// validateCron accepts the @daily/@hourly shortcuts and standard cron
// expressions.
func validateCron(spec string) error {
	switch spec {
	case "@daily", "@hourly":
		return nil
	}
	if _, err := cronexpr.Parse(spec); err != nil {
		return errors.New("cron_expr is not a valid cron expression")
	}
	return nil
}
