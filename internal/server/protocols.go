package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/probeops/inquest/internal/condition"
	"github.com/probeops/inquest/internal/protocol"
	"github.com/probeops/inquest/internal/store"
)

// ProtocolsHandler manages the versioned protocol library. Creation
// validates the whole step graph up front so a broken protocol can never
// reach the engine.
type ProtocolsHandler struct {
	Store *store.Store
}

func (h *ProtocolsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
}

func (h *ProtocolsHandler) create(c echo.Context) error {
	var p protocol.Protocol
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	protocol.Normalize(&p)
	if err := protocol.Validate(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := checkConditions(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id, version, err := h.Store.CreateProtocol(c.Request().Context(), &p)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, ProtocolCreatedResponse{ID: id, Version: version})
}

func (h *ProtocolsHandler) list(c echo.Context) error {
	items, err := h.Store.ListProtocols(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []protocol.Protocol{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *ProtocolsHandler) get(c echo.Context) error {
	p, err := h.Store.GetProtocol(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "protocol not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

// checkConditions statically validates every branch condition in the
// protocol against the closed field/operator grammar.
func checkConditions(p *protocol.Protocol) error {
	for _, s := range p.Steps {
		for _, ref := range s.NextSteps {
			for _, cond := range ref.Conditions {
				if err := condition.Check(cond); err != nil {
					return fmt.Errorf("step %d: %w", s.Number, err)
				}
			}
		}
	}
	return nil
}
