package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/nholik/fleet-sentinel/internal/backend"
	"github.com/nholik/fleet-sentinel/internal/gateway"
	"github.com/nholik/fleet-sentinel/internal/manifest"
	"github.com/nholik/fleet-sentinel/internal/registry"
)

// DependentsView is the body of GET /v1/dependents/:service.
type DependentsView struct {
	Service    string   `json:"service"`
	Dependents []string `json:"dependents"`
	DependsOn  []string `json:"depends_on"`
	Protected  bool     `json:"protected"`
}

func (h *handlers) dependents(c echo.Context) error {
	service := c.Param("service")
	return c.JSON(http.StatusOK, DependentsView{
		Service:    service,
		Dependents: h.Graph.Dependents(service),
		DependsOn:  nonNil(h.Graph.DependsOn(service)),
		Protected:  h.Graph.IsProtected(service),
	})
}

func (h *handlers) checkMutation(c echo.Context) error {
	decision := h.Graph.CheckSafeToMutate(c.Param("service"))
	if err := decision.Err(); err != nil {
		return translate(err)
	}
	return c.JSON(http.StatusOK, decision)
}

func (h *handlers) listProjects(c echo.Context) error {
	projects := []registry.Descriptor{}
	if h.Projects != nil {
		projects = h.Projects.List()
	}
	return c.JSON(http.StatusOK, projects)
}

func (h *handlers) announceProject(c echo.Context) error {
	if h.Projects == nil {
		return newError(http.StatusServiceUnavailable, CodeRegistryDisabled, errRegistryDisabled)
	}
	var m manifest.Manifest
	if err := c.Bind(&m); err != nil {
		return err
	}
	if m.Source == "" {
		m.Source = "api"
	}
	d, err := h.Projects.Announce(m)
	if err != nil {
		return translate(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *handlers) heartbeat(c echo.Context) error {
	if h.Projects == nil {
		return newError(http.StatusServiceUnavailable, CodeRegistryDisabled, errRegistryDisabled)
	}
	if err := h.Projects.Heartbeat(c.Param("name")); err != nil {
		return translate(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) infer(c echo.Context) error {
	if h.Gateway == nil {
		return newError(http.StatusServiceUnavailable, CodeGatewayDisabled, errGatewayDisabled)
	}
	var req gateway.Request
	if err := c.Bind(&req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return badRequest("prompt is required")
	}

	result, err := h.Gateway.Handle(c.Request().Context(), req)
	if err != nil {
		return translate(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *handlers) listBackends(c echo.Context) error {
	backends := []backend.Descriptor{}
	if h.Gateway != nil {
		backends = h.Gateway.Pool().Snapshot()
	}
	return c.JSON(http.StatusOK, backends)
}

func (h *handlers) listDecisions(c echo.Context) error {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		return err
	}
	decisions := []gateway.Decision{}
	if h.Gateway != nil {
		decisions = h.Gateway.Decisions().Recent(limit)
	}
	return c.JSON(http.StatusOK, decisions)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
