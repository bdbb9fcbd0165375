package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nholik/fleet-sentinel/internal/api"
	"github.com/nholik/fleet-sentinel/internal/backend"
	"github.com/nholik/fleet-sentinel/internal/config"
	"github.com/nholik/fleet-sentinel/internal/depgraph"
	"github.com/nholik/fleet-sentinel/internal/gateway"
	"github.com/nholik/fleet-sentinel/internal/health"
	"github.com/nholik/fleet-sentinel/internal/healthcheck"
	"github.com/nholik/fleet-sentinel/internal/history"
	"github.com/nholik/fleet-sentinel/internal/inference"
	"github.com/nholik/fleet-sentinel/internal/lease"
	"github.com/nholik/fleet-sentinel/internal/manifest"
	"github.com/nholik/fleet-sentinel/internal/metrics"
	"github.com/nholik/fleet-sentinel/internal/notify"
	"github.com/nholik/fleet-sentinel/internal/registry"
	"github.com/nholik/fleet-sentinel/internal/runner"
	"github.com/nholik/fleet-sentinel/internal/state"
	"github.com/nholik/fleet-sentinel/internal/storage"
	"github.com/nholik/fleet-sentinel/internal/swarm"
	"github.com/nholik/fleet-sentinel/internal/transition"
	"github.com/rs/zerolog"
)

const (
	composeMaxBytes = 4 << 20
	composeProject  = "fleet"
	storageAlert    = "state"
	alertTimeout    = 30 * time.Second
)

// System holds every component of a running control plane.
type System struct {
	Store    *state.Store
	Leases   *lease.Manager
	History  *history.Archive
	Graph    *depgraph.Graph
	Registry *registry.Registry
	Pool     *backend.Pool
	Gateway  *gateway.Gateway
	Notifier notify.Notifier

	scanner *runner.Runner
	sweeper *runner.Runner
	watcher *manifest.Watcher
	refresh *registry.Sweeper

	cfg     config.Config
	backend storage.Backend
	swarm   swarm.Client
	logger  zerolog.Logger
}

// Build wires the components described by cfg and the optional fleet file, restoring any
// persisted state. The caller owns the returned System and must Close it.
func Build(ctx context.Context, logger zerolog.Logger, cfg config.Config, fleet *config.Fleet, m *metrics.Metrics, tracker *healthcheck.Tracker) (*System, error) {
	s := &System{cfg: cfg, logger: logger}
	if fleet == nil {
		fleet = &config.Fleet{}
	}

	notifier, err := buildNotifier(logger, cfg)
	if err != nil {
		return nil, err
	}
	s.Notifier = notifier

	s.backend, err = storage.Open(ctx, storage.Options{
		Kind:      cfg.Store,
		Dir:       cfg.StoreDir,
		GCSBucket: cfg.GCSBucket,
		GCSPrefix: cfg.GCSPrefix,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	s.History = history.New(history.Retention{
		MaxEntries: cfg.HistoryMaxEntries,
		MaxAge:     cfg.HistoryMaxAge,
	}, logger, history.WithPersister(s.backend), history.WithMetrics(m))
	if err := s.History.Open(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("open history: %w", err)
	}

	s.Leases = lease.NewManager()
	s.Store = state.New(s.Leases, logger,
		state.WithBackend(s.backend),
		state.WithArchive(s.History),
		state.WithMetrics(m),
		state.WithAlert(s.corruptionAlert),
	)
	if err := s.Store.Open(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("open state: %w", err)
	}

	if s.Graph, err = fleet.Graph(); err != nil {
		s.Close()
		return nil, err
	}

	s.Registry = registry.New(logger,
		registry.WithThresholds(health.Thresholds{DegradedAfter: cfg.DegradedAfter, StaleAfter: cfg.StaleAfter}),
		registry.WithMetrics(m),
	)
	sources, err := buildSources(logger, cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.refresh = registry.NewSweeper(s.Registry, notifier, cfg.StaleGrace, logger, sources...)
	if cfg.ProjectsDir != "" {
		s.watcher = manifest.NewWatcher(cfg.ProjectsDir, 0, logger)
	}

	collectors := []runner.Collector{runner.RegistryCollector(s.Registry)}
	if vms := staticVMs(fleet.VMs); len(vms) > 0 {
		collectors = append(collectors, runner.StaticVMs(vms))
	}

	if len(fleet.Backends) > 0 {
		if err := s.buildGateway(logger, cfg, fleet, m); err != nil {
			s.Close()
			return nil, err
		}
		collectors = append(collectors, runner.ProviderSeed(s.Pool))
	}

	if cfg.DockerProxyURL != "" {
		dc, err := swarm.NewDockerClient(cfg.DockerProxyURL, cfg.ComposeTimeout)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("create docker client: %w", err)
		}
		s.swarm = dc
		collectors = append(collectors, runner.SwarmCollector(dc, "", m))
	}

	s.scanner = runner.New(
		logger.With().Str("loop", "scan").Logger(),
		cfg.ScanInterval,
		runner.WithStore(s.Store, s.Leases, cfg.HolderID),
		runner.WithLease(cfg.LeaseTTL, lease.Backoff{
			Initial:    cfg.WriteBackoffInitial,
			Max:        cfg.WriteBackoffMax,
			MaxElapsed: cfg.WriteMaxElapsed,
		}),
		runner.WithCollectors(collectors...),
		runner.WithNotifier(notifier),
		runner.WithMetrics(m),
		runner.WithHealthTracker(tracker),
	)
	s.sweeper = runner.New(
		logger.With().Str("loop", "sweep").Logger(),
		cfg.SweepInterval,
		runner.WithRunOnce(s.refresh.Sweep),
	)
	return s, nil
}

func (s *System) buildGateway(logger zerolog.Logger, cfg config.Config, fleet *config.Fleet, m *metrics.Metrics) error {
	descs := make([]backend.Descriptor, 0, len(fleet.Backends))
	for _, b := range fleet.Backends {
		descs = append(descs, backend.Descriptor{
			ID:         b.ID,
			Kind:       backend.Kind(b.Kind),
			Model:      b.Model,
			BaseURL:    b.BaseURL,
			APIKeyEnv:  b.APIKeyEnv,
			Capacity:   b.Capacity,
			CostWeight: b.CostWeight,
		})
	}
	pool, err := backend.NewPool(descs, logger,
		backend.WithMetrics(m),
		backend.WithFailurePolicy(cfg.BackendMaxFailures, cfg.BackendFailureCooldown),
		backend.WithRateLimitCooldown(cfg.RateLimitCooldown),
	)
	if err != nil {
		return fmt.Errorf("build backend pool: %w", err)
	}

	classes := gateway.DefaultRateClasses
	if len(fleet.RateLimits) > 0 {
		classes = make([]gateway.RateClass, 0, len(fleet.RateLimits))
		for _, rl := range fleet.RateLimits {
			classes = append(classes, gateway.RateClass{Name: rl.Name, Burst: rl.Burst, PerMinute: rl.PerMinute})
		}
	}
	expensive := gateway.DefaultExpensiveModels
	if len(fleet.ExpensiveModels) > 0 {
		expensive = fleet.ExpensiveModels
	}
	limiter, err := gateway.NewLimiter(classes, expensive, nil)
	if err != nil {
		return fmt.Errorf("build rate limiter: %w", err)
	}

	s.Pool = pool
	s.Gateway = gateway.New(pool, inference.NewOpenAIDispatcher(logger), logger,
		gateway.WithStateReader(s.Store),
		gateway.WithLimiter(limiter),
		gateway.WithDecisionLog(gateway.NewDecisionLog(cfg.DecisionLogSize)),
		gateway.WithTimeout(cfg.BackendTimeout),
		gateway.WithMetrics(m),
	)
	return nil
}

// APIDeps exposes the components served over HTTP.
func (s *System) APIDeps() api.Deps {
	return api.Deps{
		Store:    s.Store,
		Leases:   s.Leases,
		History:  s.History,
		Graph:    s.Graph,
		Projects: s.Registry,
		Gateway:  s.Gateway,
		LeaseTTL: s.cfg.LeaseTTL,
	}
}

// Loops returns the background loops: the fleet scan, the project sweep and, when a projects
// directory is configured, the manifest watcher.
func (s *System) Loops() []Loop {
	loops := []Loop{
		{Name: "scan", Run: s.scanner.Run},
		{Name: "sweep", Run: s.sweeper.Run},
	}
	if s.watcher != nil {
		loops = append(loops, Loop{Name: "watch", Run: func(ctx context.Context) error {
			return s.watcher.Run(ctx, s.refresh.Rescan)
		}})
	}
	return loops
}

// ScanOnce runs a single fleet scan.
func (s *System) ScanOnce(ctx context.Context) error {
	return s.scanner.RunOnce(ctx)
}

// Close releases storage and the Docker client.
func (s *System) Close() error {
	var errs []error
	if s.swarm != nil {
		errs = append(errs, s.swarm.Close())
	}
	if s.backend != nil {
		errs = append(errs, s.backend.Close())
	}
	return errors.Join(errs...)
}

// corruptionAlert notifies off the caller's goroutine since the store raises it from Read.
func (s *System) corruptionAlert(err error) {
	t := transition.Transition{
		Subject: "state/current",
		Kind:    transition.KindState,
		Current: "corrupt",
		Reasons: []string{err.Error()},
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if nerr := s.Notifier.Notify(ctx, storageAlert, []transition.Transition{t}); nerr != nil {
			s.logger.Warn().Err(nerr).Msg("failed to deliver corruption alert")
		}
	}()
}

func buildNotifier(logger zerolog.Logger, cfg config.Config) (notify.Notifier, error) {
	var notifiers []notify.Notifier
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(logger, cfg.SlackWebhookURL))
	}
	webhook, err := notify.NewWebhookNotifier(logger, cfg.WebhookURL, cfg.WebhookTemplate)
	if err != nil {
		return nil, fmt.Errorf("build webhook notifier: %w", err)
	}
	if webhook != nil {
		notifiers = append(notifiers, webhook)
	}

	var n notify.Notifier
	switch len(notifiers) {
	case 0:
		n = notify.NewNoop(logger, "no alert destination configured")
	case 1:
		n = notifiers[0]
	default:
		n = notify.NewMultiNotifier(notifiers...)
	}
	if cfg.NotifyDryRun {
		n = notify.NewDryRunNotifier(logger, n)
	}
	return n, nil
}

func buildSources(logger zerolog.Logger, cfg config.Config) ([]manifest.Source, error) {
	var sources []manifest.Source
	if cfg.ProjectsDir != "" {
		sources = append(sources,
			manifest.NewMarkdownDir(cfg.ProjectsDir, logger),
			manifest.NewYAMLDir(cfg.ProjectsDir, logger),
		)
	}

	var (
		fetcher manifest.Fetcher
		err     error
	)
	switch {
	case cfg.ComposeURL != "":
		fetcher, err = manifest.NewHTTPFetcher(cfg.ComposeURL, cfg.ComposeTimeout, composeMaxBytes)
	case cfg.ComposeFile != "":
		fetcher, err = manifest.NewFileFetcher(cfg.ComposeFile, composeMaxBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("create compose fetcher: %w", err)
	}
	if fetcher != nil {
		sources = append(sources, manifest.NewComposeSource(fetcher, composeProject, logger))
	}
	return sources, nil
}

func staticVMs(specs []config.VMSpec) []state.VirtualMachine {
	vms := make([]state.VirtualMachine, 0, len(specs))
	for _, v := range specs {
		status := strings.TrimSpace(v.Status)
		if status == "" {
			status = "unknown"
		}
		vms = append(vms, state.VirtualMachine{
			ID:          v.ID,
			Name:        v.Name,
			Node:        v.Node,
			Status:      status,
			IPAddresses: v.IPAddresses,
		})
	}
	return vms
}
