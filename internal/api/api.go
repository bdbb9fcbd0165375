package api

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nholik/fleet-sentinel/internal/depgraph"
	"github.com/nholik/fleet-sentinel/internal/gateway"
	"github.com/nholik/fleet-sentinel/internal/history"
	"github.com/nholik/fleet-sentinel/internal/lease"
	"github.com/nholik/fleet-sentinel/internal/manifest"
	"github.com/nholik/fleet-sentinel/internal/registry"
	"github.com/nholik/fleet-sentinel/internal/state"
	"github.com/rs/zerolog"
)

const defaultLeaseTTL = 30 * time.Second

// StateStore is the snapshot store as seen by HTTP clients.
type StateStore interface {
	Read() (state.Snapshot, error)
	ProposeUpdate(ctx context.Context, holder string, content state.Content, expected string) (string, error)
	Rollback(ctx context.Context, holder, checksum, expected string) (string, error)
}

// LeaseManager grants the writer lease to remote holders.
type LeaseManager interface {
	Acquire(holder string, ttl time.Duration) (lease.Lease, error)
	Renew(holder string) (lease.Lease, error)
	Release(holder string) error
}

// HistoryReader lists archived snapshots.
type HistoryReader interface {
	List(r history.Range) []history.Entry
}

// ProjectRegistry accepts announcements and heartbeats.
type ProjectRegistry interface {
	Announce(m manifest.Manifest) (registry.Descriptor, error)
	Heartbeat(name string) error
	List() []registry.Descriptor
}

// Deps are the components served by the API. A nil Gateway answers inference routes with
// 503, as does a nil Projects for announcements and heartbeats; a nil Graph behaves as an
// empty graph.
type Deps struct {
	Store    StateStore
	Leases   LeaseManager
	History  HistoryReader
	Graph    *depgraph.Graph
	Projects ProjectRegistry
	Gateway  *gateway.Gateway
	LeaseTTL time.Duration
}

type handlers struct {
	Deps
	logger zerolog.Logger
}

// New builds the /v1 HTTP API.
func New(logger zerolog.Logger, deps Deps) *echo.Echo {
	logger = logger.With().Str("component", "api").Logger()
	if deps.LeaseTTL <= 0 {
		deps.LeaseTTL = defaultLeaseTTL
	}
	if deps.Graph == nil {
		deps.Graph, _ = depgraph.Load(nil)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)
	e.Use(middleware.Recover())
	e.Use(requestLogger(logger))

	h := &handlers{Deps: deps, logger: logger}
	v1 := e.Group("/v1")

	v1.GET("/state", h.getState)
	v1.PUT("/state", h.putState)
	v1.POST("/state/rollback", h.rollback)
	v1.GET("/history", h.listHistory)

	v1.POST("/lease/acquire", h.acquireLease)
	v1.POST("/lease/renew", h.renewLease)
	v1.POST("/lease/release", h.releaseLease)

	v1.GET("/dependents/:service", h.dependents)
	v1.GET("/dependents/:service/check", h.checkMutation)

	v1.GET("/projects", h.listProjects)
	v1.POST("/projects", h.announceProject)
	v1.POST("/projects/:name/heartbeat", h.heartbeat)

	v1.POST("/inference", h.infer)
	v1.GET("/backends", h.listBackends)
	v1.GET("/routing", h.listDecisions)

	return e
}

func requestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			event := logger.Debug()
			if v.Status >= 500 {
				event = logger.Warn()
			}
			event.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	})
}
