package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable is returned when neither the primary nor a fallback backend served
	// the request.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrRateLimited is returned when the request's rate class has no tokens left.
	ErrRateLimited = errors.New("rate limited")
)

// UnavailableError carries the routing decision of a request that could not be served.
type UnavailableError struct {
	Decision Decision
	Err      error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v after %d attempt(s)", ErrBackendUnavailable, e.Decision.AttemptCount)
	}
	return fmt.Sprintf("%v after %d attempt(s): %v", ErrBackendUnavailable, e.Decision.AttemptCount, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Is matches ErrBackendUnavailable.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrBackendUnavailable
}

// RateLimitError names the exhausted class.
type RateLimitError struct {
	Class string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v: class %s", ErrRateLimited, e.Class)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
