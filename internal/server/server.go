package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nholik/fleet-sentinel/internal/healthcheck"
	"github.com/nholik/fleet-sentinel/internal/metrics"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// Start launches the health and metrics listeners in the background. Listeners stop when ctx
// is done.
func Start(ctx context.Context, logger zerolog.Logger, pollInterval time.Duration, tracker *healthcheck.Tracker, metricsCollector *metrics.Metrics, healthPort, metricsPort int) {
	for port, l := range plan(pollInterval, tracker, metricsCollector, healthPort, metricsPort) {
		go func(port int, l *listener) {
			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
			if err != nil {
				logger.Error().Err(err).Str("server", l.label).Int("port", port).Msg("listen failed")
				return
			}
			if err := serve(ctx, logger, ln, l.mux, l.label); err != nil {
				logger.Error().Err(err).Str("server", l.label).Int("port", port).Msg("http server failed")
			}
		}(port, l)
	}
}

type listener struct {
	label string
	mux   *http.ServeMux
}

// plan maps ports to muxes. A port of 0 disables that listener; equal ports share one mux.
func plan(pollInterval time.Duration, tracker *healthcheck.Tracker, metricsCollector *metrics.Metrics, healthPort, metricsPort int) map[int]*listener {
	listeners := make(map[int]*listener, 2)
	mount := func(port int, label string) *http.ServeMux {
		l, ok := listeners[port]
		if !ok {
			l = &listener{label: label, mux: http.NewServeMux()}
			listeners[port] = l
		} else {
			l.label += "+" + label
		}
		return l.mux
	}

	if healthPort > 0 {
		mux := mount(healthPort, "health")
		mux.HandleFunc("/healthz", healthcheck.HealthHandler(tracker, pollInterval))
		mux.HandleFunc("/readyz", healthcheck.ReadyHandler(tracker))
	}
	if metricsPort > 0 && metricsCollector != nil {
		mount(metricsPort, "metrics").Handle("/metrics", metricsCollector.Handler())
	}
	return listeners
}

// ServeAPI runs the fleet API on port and blocks until ctx is done or the listener fails.
func ServeAPI(ctx context.Context, logger zerolog.Logger, handler http.Handler, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen api: %w", err)
	}
	return serve(ctx, logger, ln, handler, "api")
}

func serve(ctx context.Context, logger zerolog.Logger, ln net.Listener, handler http.Handler, label string) error {
	server := newServer(handler, ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("server", label).Str("addr", ln.Addr().String()).Msg("http server starting")
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", label, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s server shutdown: %w", label, err)
	}
	logger.Info().Str("server", label).Msg("http server stopped")
	return nil
}

func newServer(handler http.Handler, addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
