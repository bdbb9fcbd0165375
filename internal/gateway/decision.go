package gateway

import (
	"sync"
	"time"
)

// Routing reasons recorded on decisions.
const (
	ReasonPrimaryOK      = "primary-ok"
	ReasonFallbackOK     = "fallback-ok"
	ReasonFallbackFailed = "fallback-failed"
	ReasonNoAlternate    = "no-alternate"
	ReasonNoBackend      = "no-backend"
	ReasonCanceled       = "canceled"
	ReasonRateLimited    = "rate-limited"
)

// Attempt outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeError       = "error"
	OutcomeTimeout     = "timeout"
	OutcomeRateLimited = "rate_limited"
	OutcomeCanceled    = "canceled"
)

// Attempt is one dispatch of a request to a backend.
type Attempt struct {
	Backend string        `json:"backend"`
	Outcome string        `json:"outcome"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// Decision records how one request was routed. Exactly one is produced per request.
type Decision struct {
	RequestID     string    `json:"request_id"`
	ChosenBackend string    `json:"chosen_backend,omitempty"`
	AttemptCount  int       `json:"attempt_count"`
	Reason        string    `json:"reason"`
	Intent        string    `json:"intent"`
	RateClass     string    `json:"rate_class"`
	Timestamp     time.Time `json:"timestamp"`
	Attempts      []Attempt `json:"attempts"`
}

func (d Decision) clone() Decision {
	d.Attempts = append([]Attempt(nil), d.Attempts...)
	return d
}

const defaultDecisionLogSize = 256

// DecisionLog keeps the most recent decisions in a fixed-size ring.
type DecisionLog struct {
	mu    sync.Mutex
	buf   []Decision
	next  int
	count int
}

// NewDecisionLog returns a log holding up to size decisions.
func NewDecisionLog(size int) *DecisionLog {
	if size <= 0 {
		size = defaultDecisionLogSize
	}
	return &DecisionLog{buf: make([]Decision, size)}
}

// Append records d, dropping the oldest decision when full.
func (l *DecisionLog) Append(d Decision) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf[l.next] = d.clone()
	l.next = (l.next + 1) % len(l.buf)
	if l.count < len(l.buf) {
		l.count++
	}
}

// Recent returns up to limit decisions, most recent first. A non-positive limit returns all.
func (l *DecisionLog) Recent(limit int) []Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 || limit > l.count {
		limit = l.count
	}
	out := make([]Decision, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (l.next - 1 - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx].clone())
	}
	return out
}

// Len returns how many decisions are held.
func (l *DecisionLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}
