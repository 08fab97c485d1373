package server

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/probeops/inquest/internal/search"
	"github.com/probeops/inquest/internal/store"
)

// InvestigationsHandler exposes investigation lifecycle endpoints: create
// (enqueue), inspect, cancel and full-text search.
type InvestigationsHandler struct {
	Store    *store.Store
	Enqueuer *Enqueuer
	Search   *search.Index
}

func (h *InvestigationsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/search", h.search)
	g.GET("/:id", h.get)
	g.POST("/:id/cancel", h.cancel)
}

func (h *InvestigationsHandler) create(c echo.Context) error {
	var req CreateInvestigationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ClusterID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "cluster_id is required")
	}
	if (req.ProtocolID == "") == (req.Message == "") {
		return echo.NewHTTPError(http.StatusBadRequest, "exactly one of protocol_id or message is required")
	}

	ctx := c.Request().Context()
	if _, err := h.Store.GetCluster(ctx, req.ClusterID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "cluster not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	var protocolID *string
	if req.ProtocolID != "" {
		if _, err := h.Store.GetProtocol(ctx, req.ProtocolID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return echo.NewHTTPError(http.StatusNotFound, "protocol not found")
			}
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		protocolID = &req.ProtocolID
	}

	invID, jobID, err := h.Enqueuer.Enqueue(ctx, protocolID, req.ClusterID, req.Message, "manual")
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, InvestigationQueuedResponse{InvestigationID: invID, JobID: jobID})
}

func (h *InvestigationsHandler) get(c echo.Context) error {
	inv, err := h.Store.GetInvestigation(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "investigation not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *InvestigationsHandler) list(c echo.Context) error {
	status := c.QueryParam("status")
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}
	items, err := h.Store.ListInvestigations(c.Request().Context(), status, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []store.Investigation{}
	}
	return c.JSON(http.StatusOK, items)
}

// cancel requests cancellation per the status machine: PENDING cancels
// outright (settling any queued job), IN_PROGRESS flags the running worker,
// terminal investigations are left untouched.
func (h *InvestigationsHandler) cancel(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	status, err := h.Store.RequestCancel(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "investigation not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if status == store.StatusCanceled {
		// canceled before any worker claimed it; settle queued job rows too
		if _, err := h.Store.CancelQueuedJobs(ctx, id); err != nil {
			log.Printf("cancel queued jobs for %s: %v", id, err)
		}
	}
	return c.JSON(http.StatusAccepted, CancelResponse{ID: id, Status: status})
}

func (h *InvestigationsHandler) search(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	if h.Search == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "search index disabled")
	}
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	hits, err := h.Search.Search(q, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if hits == nil {
		hits = []search.Hit{}
	}
	return c.JSON(http.StatusOK, SearchResponse{Query: q, Total: len(hits), Hits: hits})
}
