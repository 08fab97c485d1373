package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/probeops/inquest/internal/store"
)

// ClustersHandler registers and lists execution targets. Tokens are write
// only: cluster records never serialize credentials back out.
type ClustersHandler struct {
	Store *store.Store
}

func (h *ClustersHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
}

func (h *ClustersHandler) create(c echo.Context) error {
	var req CreateClusterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Name == "" || req.Endpoint == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name and endpoint are required")
	}
	id, err := h.Store.CreateCluster(c.Request().Context(), req.Name, req.Endpoint, req.Token)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, IDResponse{ID: id})
}

func (h *ClustersHandler) list(c echo.Context) error {
	items, err := h.Store.ListClusters(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []store.Cluster{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *ClustersHandler) get(c echo.Context) error {
	cl, err := h.Store.GetCluster(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "cluster not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, cl)
}
