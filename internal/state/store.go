package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nholik/fleet-sentinel/internal/lease"
	"github.com/nholik/fleet-sentinel/internal/metrics"
	"github.com/rs/zerolog"
)

// Backend persists the current snapshot. LoadCurrent returns nil when nothing was saved yet.
type Backend interface {
	LoadCurrent(ctx context.Context) (*Snapshot, error)
	SaveCurrent(ctx context.Context, snap Snapshot) error
}

// Archive receives superseded snapshots. Appending the snapshot that is already newest must
// not add a second entry.
type Archive interface {
	Append(ctx context.Context, snap Snapshot) error
	Lookup(checksum string) (Snapshot, bool)
	LatestValid() (Snapshot, bool)
}

// LeaseChecker reports whether a holder currently owns the writer lease.
type LeaseChecker interface {
	Holds(holder string) bool
}

// AlertFunc is called when the store detects a corrupt snapshot.
type AlertFunc func(err error)

// Store is the single authoritative fleet snapshot. Reads are lock-free; writes are
// serialized and accepted only from the lease holder against the current checksum.
type Store struct {
	current  atomic.Pointer[Snapshot]
	lastGood atomic.Pointer[Snapshot]
	writeMu  sync.Mutex

	leases  LeaseChecker
	backend Backend
	archive Archive
	metrics *metrics.Metrics
	alert   AlertFunc
	now     func() time.Time
	logger  zerolog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithBackend persists commits through b.
func WithBackend(b Backend) Option {
	return func(s *Store) {
		s.backend = b
	}
}

// WithArchive hands superseded snapshots to a.
func WithArchive(a Archive) Option {
	return func(s *Store) {
		s.archive = a
	}
}

// WithMetrics records commit outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithAlert registers the corrupt-snapshot hook.
func WithAlert(fn AlertFunc) Option {
	return func(s *Store) {
		s.alert = fn
	}
}

// WithClock overrides the commit timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New returns a store serving the genesis snapshot. Call Open to restore persisted state.
func New(leases LeaseChecker, logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		leases: leases,
		now:    time.Now,
		logger: logger.With().Str("component", "state").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	genesis := Genesis()
	s.current.Store(&genesis)
	return s
}

// Open restores the persisted snapshot. A snapshot whose checksum does not verify is refused
// in favor of the newest valid archived snapshot; with none available the store starts from
// genesis. Both cases raise a corruption alert.
func (s *Store) Open(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	loaded, err := s.backend.LoadCurrent(ctx)
	if err != nil {
		return fmt.Errorf("load current snapshot: %w", err)
	}
	if loaded == nil {
		s.logger.Info().Msg("no persisted snapshot, starting from genesis")
		return nil
	}

	if verr := loaded.Verify(); verr != nil {
		s.raise(verr)
		if s.archive != nil {
			if prev, ok := s.archive.LatestValid(); ok {
				s.logger.Warn().Err(verr).Str("checksum", prev.Checksum).Msg("persisted snapshot corrupt, restored from history")
				s.current.Store(&prev)
				s.lastGood.Store(&prev)
				return nil
			}
		}
		s.logger.Warn().Err(verr).Msg("persisted snapshot corrupt and no valid history, starting from genesis")
		return nil
	}

	snap := loaded.Clone()
	s.current.Store(&snap)
	s.lastGood.Store(&snap)
	s.logger.Info().Str("checksum", snap.Checksum).Time("timestamp", snap.Timestamp).Msg("restored snapshot")
	return nil
}

// Read returns a copy of the latest committed snapshot after verifying its checksum.
func (s *Store) Read() (Snapshot, error) {
	snap := s.current.Load()
	if err := snap.Verify(); err != nil {
		s.raise(err)
		good := s.lastGood.Load()
		if good == nil || good == snap || good.Verify() != nil {
			return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
		}
		if s.current.CompareAndSwap(snap, good) {
			s.logger.Warn().Str("checksum", good.Checksum).Msg("reverted to last known-good snapshot")
		}
		return good.Clone(), nil
	}
	return snap.Clone(), nil
}

// Checksum returns the checksum of the current snapshot without copying it.
func (s *Store) Checksum() string {
	return s.current.Load().Checksum
}

// ProposeUpdate commits content when holder owns the lease and expected matches the current
// checksum. On success the previous snapshot is archived and the new checksum returned.
func (s *Store) ProposeUpdate(ctx context.Context, holder string, content Content, expected string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.leases == nil || !s.leases.Holds(holder) {
		s.metrics.IncStateCommits("lease_required")
		return "", ErrLeaseRequired
	}

	prev := s.current.Load()
	if prev.Checksum != expected {
		s.metrics.IncStateCommits("conflict")
		return "", fmt.Errorf("%w: expected %s, current %s", ErrConflict, shortSum(expected), shortSum(prev.Checksum))
	}

	next, err := NewSnapshot(s.now(), content)
	if err != nil {
		s.metrics.IncStateCommits("error")
		return "", err
	}

	// prev must be durable in history before the current snapshot is overwritten, so a torn
	// write of next can still be recovered to prev on restart.
	if s.archive != nil {
		if err := s.archive.Append(ctx, prev.Clone()); err != nil {
			s.metrics.IncStateCommits("error")
			return "", fmt.Errorf("archive previous snapshot: %w", err)
		}
	}

	if s.backend != nil {
		if err := s.backend.SaveCurrent(ctx, next); err != nil {
			s.metrics.IncStateCommits("error")
			return "", fmt.Errorf("persist snapshot: %w", err)
		}
	}

	s.lastGood.Store(prev)
	s.current.Store(&next)
	s.metrics.IncStateCommits("committed")
	s.logger.Debug().
		Str("holder", holder).
		Str("previous", shortSum(prev.Checksum)).
		Str("checksum", shortSum(next.Checksum)).
		Msg("snapshot committed")
	return next.Checksum, nil
}

// MutateFunc derives new content from the current snapshot.
type MutateFunc func(current Snapshot) (Content, error)

// UpdateWithRetry runs read, mutate, propose until the proposal lands. Conflicts re-read and
// retry with backoff; any other error stops immediately. There is no automatic merge: mutate
// is always applied to a fresh read.
func (s *Store) UpdateWithRetry(ctx context.Context, holder string, mutate MutateFunc, policy lease.Backoff) (string, error) {
	var committed string
	operation := func() error {
		current, err := s.Read()
		if err != nil {
			return backoff.Permanent(err)
		}
		content, err := mutate(current)
		if err != nil {
			return backoff.Permanent(err)
		}
		sum, err := s.ProposeUpdate(ctx, holder, content, current.Checksum)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		committed = sum
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy.NewBackOff(), ctx)); err != nil {
		return "", err
	}
	return committed, nil
}

// Rollback commits the content of the archived snapshot identified by checksum.
func (s *Store) Rollback(ctx context.Context, holder, checksum, expected string) (string, error) {
	if s.archive == nil {
		return "", ErrSnapshotNotFound
	}
	target, ok := s.archive.Lookup(checksum)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSnapshotNotFound, shortSum(checksum))
	}
	if err := target.Verify(); err != nil {
		return "", fmt.Errorf("rollback target: %w", err)
	}
	return s.ProposeUpdate(ctx, holder, target.Content, expected)
}

func (s *Store) raise(err error) {
	s.metrics.IncCorruptSnapshots()
	s.logger.Error().Err(err).Msg("corrupt snapshot detected")
	if s.alert != nil {
		s.alert(err)
	}
}

func shortSum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
