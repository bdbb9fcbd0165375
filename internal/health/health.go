package health

import "time"

// Status represents the health of a project derived from heartbeat recency.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusStale    Status = "stale"
)

// Thresholds controls when a silent project degrades and then goes stale.
type Thresholds struct {
	DegradedAfter time.Duration
	StaleAfter    time.Duration
}

// DefaultThresholds are used when none are configured.
var DefaultThresholds = Thresholds{
	DegradedAfter: 2 * time.Minute,
	StaleAfter:    10 * time.Minute,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusUnknown, StatusHealthy, StatusDegraded, StatusStale:
		return true
	default:
		return false
	}
}
