package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envLogLevel            = "FS_LOG_LEVEL"
	envHolderID            = "FS_HOLDER_ID"
	envAPIPort             = "FS_API_PORT"
	envHealthPort          = "FS_HEALTH_PORT"
	envMetricsPort         = "FS_METRICS_PORT"
	envScanInterval        = "FS_SCAN_INTERVAL"
	envSweepInterval       = "FS_SWEEP_INTERVAL"
	envLeaseTTL            = "FS_LEASE_TTL"
	envWriteBackoffInitial = "FS_WRITE_BACKOFF_INITIAL"
	envWriteBackoffMax     = "FS_WRITE_BACKOFF_MAX"
	envWriteMaxElapsed     = "FS_WRITE_MAX_ELAPSED"
	envHistoryMaxEntries   = "FS_HISTORY_MAX_ENTRIES"
	envHistoryMaxAge       = "FS_HISTORY_MAX_AGE"
	envBackendTimeout      = "FS_BACKEND_TIMEOUT"
	envDegradedAfter       = "FS_HEARTBEAT_DEGRADED_AFTER"
	envStaleAfter          = "FS_HEARTBEAT_STALE_AFTER"
	envStaleGrace          = "FS_STALE_GRACE"
	envDecisionLogSize     = "FS_DECISION_LOG_SIZE"
	envBackendMaxFailures  = "FS_BACKEND_MAX_FAILURES"
	envBackendCooldown     = "FS_BACKEND_FAILURE_COOLDOWN"
	envRateLimitCooldown   = "FS_BACKEND_RATE_LIMIT_COOLDOWN"
	envStore               = "FS_STORE"
	envStoreDir            = "FS_STORE_DIR"
	envGCSBucket           = "FS_GCS_BUCKET"
	envGCSPrefix           = "FS_GCS_PREFIX"
	envFleetFile           = "FS_FLEET_FILE"
	envProjectsDir         = "FS_PROJECTS_DIR"
	envComposeURL          = "FS_COMPOSE_URL"
	envComposeFile         = "FS_COMPOSE_FILE"
	envComposeTimeout      = "FS_COMPOSE_TIMEOUT"
	envDockerProxyURL      = "FS_DOCKER_PROXY_URL"
	envSlackWebhookURL     = "FS_SLACK_WEBHOOK_URL"
	envWebhookURL          = "FS_WEBHOOK_URL"
	envWebhookTemplate     = "FS_WEBHOOK_TEMPLATE"
	envNotifyDryRun        = "FS_NOTIFY_DRY_RUN"
)

const (
	defaultLogLevel            = "info"
	defaultAPIPort             = 8080
	defaultHealthPort          = 8081
	defaultMetricsPort         = 9090
	defaultScanInterval        = 30 * time.Second
	defaultSweepInterval       = time.Minute
	defaultLeaseTTL            = 30 * time.Second
	defaultWriteBackoffInitial = 100 * time.Millisecond
	defaultWriteBackoffMax     = 2 * time.Second
	defaultWriteMaxElapsed     = 15 * time.Second
	defaultHistoryMaxEntries   = 50
	defaultBackendTimeout      = 40 * time.Second
	defaultDegradedAfter       = 2 * time.Minute
	defaultStaleAfter          = 10 * time.Minute
	defaultStaleGrace          = time.Hour
	defaultDecisionLogSize     = 256
	defaultBackendMaxFailures  = 3
	defaultBackendCooldown     = 30 * time.Second
	defaultRateLimitCooldown   = time.Minute
	defaultStore               = "file"
	defaultStoreDir            = "./data"
	defaultComposeTimeout      = 10 * time.Second
)

// Config describes runtime configuration loaded from the environment.
type Config struct {
	LogLevel string
	HolderID string

	APIPort     int
	HealthPort  int
	MetricsPort int

	ScanInterval  time.Duration
	SweepInterval time.Duration

	LeaseTTL            time.Duration
	WriteBackoffInitial time.Duration
	WriteBackoffMax     time.Duration
	WriteMaxElapsed     time.Duration

	HistoryMaxEntries int
	HistoryMaxAge     time.Duration

	BackendTimeout  time.Duration
	DecisionLogSize int

	// Consecutive dispatch failures before a backend cools down.
	BackendMaxFailures     int
	BackendFailureCooldown time.Duration
	RateLimitCooldown      time.Duration

	DegradedAfter time.Duration
	StaleAfter    time.Duration
	StaleGrace    time.Duration

	Store     string
	StoreDir  string
	GCSBucket string
	GCSPrefix string

	FleetFile      string
	ProjectsDir    string
	ComposeURL     string
	ComposeFile    string
	ComposeTimeout time.Duration
	DockerProxyURL string

	SlackWebhookURL string
	WebhookURL      string
	WebhookTemplate string
	NotifyDryRun    bool
}

// Load reads configuration from environment variables and a local .env file if present.
// Existing environment variables take precedence over values in .env.
func Load() (Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return Config{}, err
	}

	cfg := defaults()

	if value, ok := lookupTrimmed(envLogLevel); ok && value != "" {
		cfg.LogLevel = value
	}
	if value, ok := lookupTrimmed(envHolderID); ok && value != "" {
		cfg.HolderID = value
	}

	ports := []struct {
		key    string
		target *int
	}{
		{envAPIPort, &cfg.APIPort},
		{envHealthPort, &cfg.HealthPort},
		{envMetricsPort, &cfg.MetricsPort},
	}
	for _, p := range ports {
		if err := parsePort(p.key, p.target); err != nil {
			return Config{}, err
		}
	}

	positive := []struct {
		key    string
		target *time.Duration
	}{
		{envScanInterval, &cfg.ScanInterval},
		{envSweepInterval, &cfg.SweepInterval},
		{envLeaseTTL, &cfg.LeaseTTL},
		{envWriteBackoffInitial, &cfg.WriteBackoffInitial},
		{envWriteBackoffMax, &cfg.WriteBackoffMax},
		{envWriteMaxElapsed, &cfg.WriteMaxElapsed},
		{envBackendTimeout, &cfg.BackendTimeout},
		{envDegradedAfter, &cfg.DegradedAfter},
		{envStaleAfter, &cfg.StaleAfter},
		{envStaleGrace, &cfg.StaleGrace},
		{envComposeTimeout, &cfg.ComposeTimeout},
		{envBackendCooldown, &cfg.BackendFailureCooldown},
		{envRateLimitCooldown, &cfg.RateLimitCooldown},
	}
	for _, d := range positive {
		if err := parsePositiveDuration(d.key, d.target); err != nil {
			return Config{}, err
		}
	}

	if value, ok := lookupTrimmed(envHistoryMaxAge); ok && value != "" {
		age, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envHistoryMaxAge, err)
		}
		if age < 0 {
			return Config{}, fmt.Errorf("%s cannot be negative", envHistoryMaxAge)
		}
		cfg.HistoryMaxAge = age
	}

	if value, ok := lookupTrimmed(envHistoryMaxEntries); ok && value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envHistoryMaxEntries, err)
		}
		if n < 0 {
			return Config{}, fmt.Errorf("%s cannot be negative", envHistoryMaxEntries)
		}
		cfg.HistoryMaxEntries = n
	}
	if cfg.HistoryMaxEntries == 0 && cfg.HistoryMaxAge == 0 {
		return Config{}, fmt.Errorf("%s and %s cannot both be zero", envHistoryMaxEntries, envHistoryMaxAge)
	}

	if value, ok := lookupTrimmed(envDecisionLogSize); ok && value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envDecisionLogSize, err)
		}
		if n <= 0 {
			return Config{}, fmt.Errorf("%s must be greater than zero", envDecisionLogSize)
		}
		cfg.DecisionLogSize = n
	}

	if value, ok := lookupTrimmed(envBackendMaxFailures); ok && value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envBackendMaxFailures, err)
		}
		if n <= 0 {
			return Config{}, fmt.Errorf("%s must be greater than zero", envBackendMaxFailures)
		}
		cfg.BackendMaxFailures = n
	}

	if cfg.StaleAfter <= cfg.DegradedAfter {
		return Config{}, fmt.Errorf("%s must be greater than %s", envStaleAfter, envDegradedAfter)
	}
	if cfg.WriteBackoffMax < cfg.WriteBackoffInitial {
		return Config{}, fmt.Errorf("%s must not be less than %s", envWriteBackoffMax, envWriteBackoffInitial)
	}

	if value, ok := lookupTrimmed(envStore); ok && value != "" {
		cfg.Store = strings.ToLower(value)
	}
	if value, ok := lookupTrimmed(envStoreDir); ok && value != "" {
		cfg.StoreDir = value
	}
	if value, ok := lookupTrimmed(envGCSBucket); ok {
		cfg.GCSBucket = value
	}
	if value, ok := lookupTrimmed(envGCSPrefix); ok {
		cfg.GCSPrefix = value
	}
	switch cfg.Store {
	case "file", "badger":
	case "gcs":
		if cfg.GCSBucket == "" {
			return Config{}, fmt.Errorf("%s is required when %s=gcs", envGCSBucket, envStore)
		}
	default:
		return Config{}, fmt.Errorf("invalid %s: unknown backend %q", envStore, cfg.Store)
	}

	if value, ok := lookupTrimmed(envFleetFile); ok {
		cfg.FleetFile = value
	}
	if value, ok := lookupTrimmed(envProjectsDir); ok {
		cfg.ProjectsDir = value
	}
	if value, ok := lookupTrimmed(envComposeURL); ok {
		cfg.ComposeURL = value
	}
	if value, ok := lookupTrimmed(envComposeFile); ok {
		cfg.ComposeFile = value
	}
	if value, ok := lookupTrimmed(envDockerProxyURL); ok {
		cfg.DockerProxyURL = value
	}
	if value, ok := lookupTrimmed(envSlackWebhookURL); ok {
		cfg.SlackWebhookURL = value
	}
	if value, ok := lookupTrimmed(envWebhookURL); ok {
		cfg.WebhookURL = value
	}
	if value, ok := lookupTrimmed(envWebhookTemplate); ok {
		cfg.WebhookTemplate = value
	}

	if value, ok := lookupTrimmed(envNotifyDryRun); ok && value != "" {
		dryRun, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envNotifyDryRun, err)
		}
		cfg.NotifyDryRun = dryRun
	}

	if cfg.ComposeURL != "" && cfg.ComposeFile != "" {
		return Config{}, fmt.Errorf("%s and %s are mutually exclusive", envComposeURL, envComposeFile)
	}

	urls := []struct {
		key   string
		value string
	}{
		{envComposeURL, cfg.ComposeURL},
		{envDockerProxyURL, cfg.DockerProxyURL},
		{envSlackWebhookURL, cfg.SlackWebhookURL},
		{envWebhookURL, cfg.WebhookURL},
	}
	for _, u := range urls {
		if u.value == "" {
			continue
		}
		if err := validateURL(u.value, u.key); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

// defaults returns the configuration used when no variables are set.
func defaults() Config {
	return Config{
		LogLevel:               defaultLogLevel,
		HolderID:               defaultHolderID(),
		APIPort:                defaultAPIPort,
		HealthPort:             defaultHealthPort,
		MetricsPort:            defaultMetricsPort,
		ScanInterval:           defaultScanInterval,
		SweepInterval:          defaultSweepInterval,
		LeaseTTL:               defaultLeaseTTL,
		WriteBackoffInitial:    defaultWriteBackoffInitial,
		WriteBackoffMax:        defaultWriteBackoffMax,
		WriteMaxElapsed:        defaultWriteMaxElapsed,
		HistoryMaxEntries:      defaultHistoryMaxEntries,
		BackendTimeout:         defaultBackendTimeout,
		DecisionLogSize:        defaultDecisionLogSize,
		BackendMaxFailures:     defaultBackendMaxFailures,
		BackendFailureCooldown: defaultBackendCooldown,
		RateLimitCooldown:      defaultRateLimitCooldown,
		DegradedAfter:          defaultDegradedAfter,
		StaleAfter:             defaultStaleAfter,
		StaleGrace:             defaultStaleGrace,
		Store:                  defaultStore,
		StoreDir:               defaultStoreDir,
		ComposeTimeout:         defaultComposeTimeout,
	}
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}

	return err
}

func parsePositiveDuration(key string, target *time.Duration) error {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be greater than zero", key)
	}
	*target = d
	return nil
}

// parsePort accepts 0 to disable a listener.
func parsePort(key string, target *int) error {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return nil
	}
	port, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid %s: port %d out of range", key, port)
	}
	*target = port
	return nil
}

func defaultHolderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "fleet-sentinel"
	}
	return "fleet-sentinel@" + host
}

func validateURL(value, name string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid %s: must include scheme and host", name)
	}
	return nil
}
