package history

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nholik/fleet-sentinel/internal/metrics"
	"github.com/nholik/fleet-sentinel/internal/state"
	"github.com/rs/zerolog"
)

// DefaultMaxEntries is the number of snapshots retained when no retention is configured.
const DefaultMaxEntries = 50

// Entry is an archived snapshot.
type Entry struct {
	Snapshot   state.Snapshot `json:"snapshot"`
	ArchivedAt time.Time      `json:"archived_at"`
}

// Retention bounds the archive. A zero field disables that bound.
type Retention struct {
	MaxEntries int
	MaxAge     time.Duration
}

// Range filters List results. A zero Limit returns every matching entry.
type Range struct {
	Limit int
	Since time.Time
	Until time.Time
}

// Persister mirrors archive entries to durable storage.
type Persister interface {
	Append(ctx context.Context, entry Entry) error
	Remove(ctx context.Context, entry Entry) error
	LoadAll(ctx context.Context) ([]Entry, error)
}

// Archive is safe for concurrent use.
type Archive struct {
	mu        sync.RWMutex
	entries   []Entry
	retention Retention

	persistMu sync.Mutex
	persister Persister
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    zerolog.Logger
}

// Option customizes an Archive.
type Option func(*Archive)

// WithPersister mirrors entries to p.
func WithPersister(p Persister) Option {
	return func(a *Archive) {
		a.persister = p
	}
}

// WithMetrics reports the archive size.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Archive) {
		a.metrics = m
	}
}

// WithClock overrides the archive timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Archive) {
		a.now = now
	}
}

// New returns an empty archive. A retention with neither bound set keeps DefaultMaxEntries.
func New(retention Retention, logger zerolog.Logger, opts ...Option) *Archive {
	if retention.MaxEntries <= 0 && retention.MaxAge <= 0 {
		retention.MaxEntries = DefaultMaxEntries
	}
	a := &Archive{
		retention: retention,
		now:       time.Now,
		logger:    logger.With().Str("component", "history").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Open loads persisted entries, orders them oldest-first and applies retention.
func (a *Archive) Open(ctx context.Context) error {
	if a.persister == nil {
		return nil
	}
	loaded, err := a.persister.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	slices.SortStableFunc(loaded, func(x, y Entry) int {
		return x.ArchivedAt.Compare(y.ArchivedAt)
	})

	a.mu.Lock()
	a.entries = loaded
	evicted := a.evictLocked(a.now())
	size := len(a.entries)
	a.mu.Unlock()

	a.metrics.SetHistoryEntries(size)
	a.logger.Info().Int("entries", size).Int("evicted", len(evicted)).Msg("history loaded")
	return a.removePersisted(ctx, evicted)
}

// Append archives snap. The in-memory archive is always updated; the returned error only
// reports persistence failures. Appending the newest entry's snapshot again re-persists that
// entry instead of adding a duplicate.
func (a *Archive) Append(ctx context.Context, snap state.Snapshot) error {
	a.mu.Lock()
	var (
		entry   Entry
		evicted []Entry
	)
	if n := len(a.entries); n > 0 && a.entries[n-1].Snapshot.Checksum == snap.Checksum {
		entry = a.entries[n-1]
	} else {
		archivedAt := a.now().UTC()
		if n > 0 && !archivedAt.After(a.entries[n-1].ArchivedAt) {
			archivedAt = a.entries[n-1].ArchivedAt.Add(time.Nanosecond)
		}
		entry = Entry{Snapshot: snap.Clone(), ArchivedAt: archivedAt}
		a.entries = append(a.entries, entry)
		evicted = a.evictLocked(archivedAt)
	}
	size := len(a.entries)
	a.mu.Unlock()

	a.metrics.SetHistoryEntries(size)

	if a.persister == nil {
		return nil
	}
	a.persistMu.Lock()
	defer a.persistMu.Unlock()

	var errs []error
	if err := a.persister.Append(ctx, entry); err != nil {
		errs = append(errs, fmt.Errorf("persist history entry: %w", err))
	}
	if err := a.removeLocked(ctx, evicted); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// List returns matching entries, most recent first.
func (a *Archive) List(r Range) []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Entry, 0, len(a.entries))
	for i := len(a.entries) - 1; i >= 0; i-- {
		e := a.entries[i]
		if !r.Since.IsZero() && e.ArchivedAt.Before(r.Since) {
			continue
		}
		if !r.Until.IsZero() && e.ArchivedAt.After(r.Until) {
			continue
		}
		out = append(out, Entry{Snapshot: e.Snapshot.Clone(), ArchivedAt: e.ArchivedAt})
		if r.Limit > 0 && len(out) == r.Limit {
			break
		}
	}
	return out
}

// Find returns the most recent entry whose snapshot has checksum.
func (a *Archive) Find(checksum string) (Entry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for i := len(a.entries) - 1; i >= 0; i-- {
		if a.entries[i].Snapshot.Checksum == checksum {
			e := a.entries[i]
			return Entry{Snapshot: e.Snapshot.Clone(), ArchivedAt: e.ArchivedAt}, true
		}
	}
	return Entry{}, false
}

// Latest returns the most recent entry accepted by valid. A nil valid accepts any entry.
func (a *Archive) Latest(valid func(state.Snapshot) bool) (Entry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for i := len(a.entries) - 1; i >= 0; i-- {
		e := a.entries[i]
		if valid == nil || valid(e.Snapshot) {
			return Entry{Snapshot: e.Snapshot.Clone(), ArchivedAt: e.ArchivedAt}, true
		}
	}
	return Entry{}, false
}

// Lookup returns the archived snapshot with checksum.
func (a *Archive) Lookup(checksum string) (state.Snapshot, bool) {
	e, ok := a.Find(checksum)
	return e.Snapshot, ok
}

// LatestValid returns the newest archived snapshot whose checksum verifies.
func (a *Archive) LatestValid() (state.Snapshot, bool) {
	e, ok := a.Latest(func(s state.Snapshot) bool {
		return s.Verify() == nil
	})
	return e.Snapshot, ok
}

// Len returns the number of retained entries.
func (a *Archive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// evictLocked drops entries beyond the retention bounds, oldest first.
func (a *Archive) evictLocked(now time.Time) []Entry {
	drop := 0
	if limit := a.retention.MaxEntries; limit > 0 && len(a.entries) > limit {
		drop = len(a.entries) - limit
	}
	if a.retention.MaxAge > 0 {
		cutoff := now.Add(-a.retention.MaxAge)
		for drop < len(a.entries) && a.entries[drop].ArchivedAt.Before(cutoff) {
			drop++
		}
	}
	if drop == 0 {
		return nil
	}
	evicted := slices.Clone(a.entries[:drop])
	a.entries = slices.Delete(a.entries, 0, drop)
	return evicted
}

func (a *Archive) removePersisted(ctx context.Context, evicted []Entry) error {
	if a.persister == nil || len(evicted) == 0 {
		return nil
	}
	a.persistMu.Lock()
	defer a.persistMu.Unlock()
	return a.removeLocked(ctx, evicted)
}

func (a *Archive) removeLocked(ctx context.Context, evicted []Entry) error {
	var errs []error
	for _, e := range evicted {
		if err := a.persister.Remove(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("remove history entry %d: %w", e.ArchivedAt.UnixNano(), err))
		}
	}
	return errors.Join(errs...)
}
