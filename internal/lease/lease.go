package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrLeaseBusy is returned when another holder owns a live lease.
	ErrLeaseBusy = errors.New("lease busy")
	// ErrLeaseExpired is returned when renewing a lease the caller no longer holds.
	ErrLeaseExpired = errors.New("lease expired")
)

// Lease describes the current writer grant.
type Lease struct {
	HolderID   string        `json:"holder_id"`
	AcquiredAt time.Time     `json:"acquired_at"`
	TTL        time.Duration `json:"ttl"`
	Token      uint64        `json:"token"`
}

// ExpiresAt reports when the lease stops being valid.
func (l Lease) ExpiresAt() time.Time {
	return l.AcquiredAt.Add(l.TTL)
}

// Expired reports whether the lease is past its TTL at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt())
}

// Manager arbitrates a single lease between competing holders.
type Manager struct {
	mu      sync.Mutex
	current *Lease
	token   uint64
	now     func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager returns a Manager with no lease held.
func NewManager(opts ...Option) *Manager {
	m := &Manager{now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire grants the lease to holder for ttl. A live lease held by someone else yields
// ErrLeaseBusy; an expired one is replaced. The current holder re-acquiring refreshes its lease.
func (m *Manager) Acquire(holder string, ttl time.Duration) (Lease, error) {
	holder = strings.TrimSpace(holder)
	if holder == "" {
		return Lease{}, errors.New("holder id is required")
	}
	if ttl <= 0 {
		return Lease{}, fmt.Errorf("ttl must be greater than zero, got %s", ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.current != nil && !m.current.Expired(now) && m.current.HolderID != holder {
		return Lease{}, ErrLeaseBusy
	}

	if m.current == nil || m.current.HolderID != holder || m.current.Expired(now) {
		m.token++
	}
	m.current = &Lease{
		HolderID:   holder,
		AcquiredAt: now,
		TTL:        ttl,
		Token:      m.token,
	}
	return *m.current, nil
}

// Renew extends the holder's live lease by its original TTL.
func (m *Manager) Renew(holder string) (Lease, error) {
	holder = strings.TrimSpace(holder)
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.current == nil || m.current.HolderID != holder || m.current.Expired(now) {
		return Lease{}, ErrLeaseExpired
	}
	m.current.AcquiredAt = now
	return *m.current, nil
}

// Release drops the lease if holder owns it. Releasing a lease you do not hold is a no-op.
func (m *Manager) Release(holder string) error {
	holder = strings.TrimSpace(holder)
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.HolderID == holder {
		m.current = nil
	}
	return nil
}

// Holds reports whether holder currently owns a live lease.
func (m *Manager) Holds(holder string) bool {
	holder = strings.TrimSpace(holder)
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current != nil && m.current.HolderID == holder && !m.current.Expired(m.now())
}

// Current returns the live lease, if any.
func (m *Manager) Current() (Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.current.Expired(m.now()) {
		return Lease{}, false
	}
	return *m.current, true
}

// Backoff bounds how long a writer waits for a busy lease.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	MaxElapsed time.Duration
}

// DefaultBackoff mirrors the write-retry defaults in config.
var DefaultBackoff = Backoff{
	Initial:    100 * time.Millisecond,
	Max:        2 * time.Second,
	MaxElapsed: 15 * time.Second,
}

// NewBackOff builds an exponential backoff from the policy. A zero MaxElapsed would mean
// "retry forever" in the backoff library, so it is replaced by the default bound.
func (b Backoff) NewBackOff() *backoff.ExponentialBackOff {
	cfg := backoff.NewExponentialBackOff()
	if b.Initial > 0 {
		cfg.InitialInterval = b.Initial
	}
	if b.Max > 0 {
		cfg.MaxInterval = b.Max
	}
	cfg.MaxElapsedTime = b.MaxElapsed
	if cfg.MaxElapsedTime <= 0 {
		cfg.MaxElapsedTime = DefaultBackoff.MaxElapsed
	}
	cfg.Reset()
	return cfg
}

// AcquireWithBackoff retries ErrLeaseBusy until the lease is granted, the policy gives up or
// ctx is done. Other errors stop immediately.
func (m *Manager) AcquireWithBackoff(ctx context.Context, holder string, ttl time.Duration, policy Backoff) (Lease, error) {
	var granted Lease
	operation := func() error {
		l, err := m.Acquire(holder, ttl)
		if err != nil {
			if errors.Is(err, ErrLeaseBusy) {
				return err
			}
			return backoff.Permanent(err)
		}
		granted = l
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy.NewBackOff(), ctx)); err != nil {
		return Lease{}, fmt.Errorf("acquire lease: %w", err)
	}
	return granted, nil
}
