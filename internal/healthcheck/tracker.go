package healthcheck

import (
	"sync"
	"time"
)

// Snapshot describes the latest scan cycle.
type Snapshot struct {
	LastCycleTime     *time.Time `json:"last_cycle_time"`
	CycleDurationMS   int64      `json:"cycle_duration_ms"`
	SectionsCollected int        `json:"sections_collected"`
	Checksum          string     `json:"checksum,omitempty"`
}

// Tracker records scan cycles for health endpoints.
type Tracker struct {
	mu                sync.RWMutex
	lastCycle         time.Time
	cycleDuration     time.Duration
	sectionsCollected int
	checksum          string
	ready             bool
	now               func() time.Time
}

// NewTracker constructs a new Tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// RecordCycle stores the timing of a completed scan and the checksum it left in the store.
func (t *Tracker) RecordCycle(duration time.Duration, sectionsCollected int, checksum string) {
	if t == nil {
		return
	}
	now := t.now().UTC()
	t.mu.Lock()
	t.lastCycle = now
	t.cycleDuration = duration
	t.sectionsCollected = sectionsCollected
	t.checksum = checksum
	t.ready = true
	t.mu.Unlock()
}

// Snapshot returns the current tracker snapshot.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	var last *time.Time
	if !t.lastCycle.IsZero() {
		value := t.lastCycle
		last = &value
	}
	return Snapshot{
		LastCycleTime:     last,
		CycleDurationMS:   int64(t.cycleDuration / time.Millisecond),
		SectionsCollected: t.sectionsCollected,
		Checksum:          t.checksum,
	}
}

// Ready reports whether at least one scan has completed.
func (t *Tracker) Ready() bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ready
}

// Healthy reports whether the last scan completed within 2x the scan interval.
func (t *Tracker) Healthy(now time.Time, scanInterval time.Duration) bool {
	if t == nil || scanInterval <= 0 {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastCycle.IsZero() {
		return false
	}
	return now.Sub(t.lastCycle) <= 2*scanInterval
}
