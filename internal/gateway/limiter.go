package gateway

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Rate classes.
const (
	ClassGlobal    = "global"
	ClassExpensive = "expensive"
	ClassCheap     = "cheap"
)

// RateClass is a token bucket refilled at PerMinute tokens per minute up to Burst.
type RateClass struct {
	Name      string  `yaml:"name"`
	Burst     int     `yaml:"burst"`
	PerMinute float64 `yaml:"per_minute"`
}

// DefaultRateClasses apply when none are configured.
var DefaultRateClasses = []RateClass{
	{Name: ClassGlobal, Burst: 1000, PerMinute: 60},
	{Name: ClassExpensive, Burst: 50, PerMinute: 5},
	{Name: ClassCheap, Burst: 2000, PerMinute: 120},
}

// DefaultExpensiveModels are model-hint substrings that select the expensive class.
var DefaultExpensiveModels = []string{"gpt-4", "claude"}

// Limiter admits requests against the global bucket and their own class bucket.
type Limiter struct {
	buckets   map[string]*rate.Limiter
	expensive []string
	now       func() time.Time
}

// NewLimiter builds one bucket per class. Classes without a bucket are unlimited.
func NewLimiter(classes []RateClass, expensiveModels []string, now func() time.Time) (*Limiter, error) {
	if now == nil {
		now = time.Now
	}
	l := &Limiter{
		buckets: make(map[string]*rate.Limiter, len(classes)),
		now:     now,
	}
	for _, c := range classes {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, errors.New("rate class name must not be empty")
		}
		if c.Burst <= 0 || c.PerMinute <= 0 {
			return nil, fmt.Errorf("rate class %q needs positive burst and per_minute", name)
		}
		if _, dup := l.buckets[name]; dup {
			return nil, fmt.Errorf("duplicate rate class %q", name)
		}
		l.buckets[name] = rate.NewLimiter(rate.Limit(c.PerMinute/60), c.Burst)
	}
	for _, m := range expensiveModels {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			l.expensive = append(l.expensive, m)
		}
	}
	return l, nil
}

// Classify returns the rate class for a model hint.
func (l *Limiter) Classify(model string) string {
	lower := strings.ToLower(model)
	for _, m := range l.expensive {
		if strings.Contains(lower, m) {
			return ClassExpensive
		}
	}
	return ClassCheap
}

// Allow takes one token from the global bucket and one from class. Nothing is consumed when
// either bucket is empty.
func (l *Limiter) Allow(class string) error {
	now := l.now()

	var taken []*rate.Reservation
	for _, name := range []string{ClassGlobal, class} {
		bucket, ok := l.buckets[name]
		if !ok {
			continue
		}
		r := bucket.ReserveN(now, 1)
		if !r.OK() || r.DelayFrom(now) > 0 {
			r.CancelAt(now)
			for _, prev := range taken {
				prev.CancelAt(now)
			}
			return &RateLimitError{Class: name}
		}
		taken = append(taken, r)
	}
	return nil
}
