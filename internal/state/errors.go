package state

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict means the proposer's expected checksum is no longer current.
	ErrConflict = errors.New("state conflict")
	// ErrLeaseRequired means the proposer does not hold the writer lease.
	ErrLeaseRequired = errors.New("writer lease required")
	// ErrCorruptSnapshot means no snapshot with a valid checksum is available.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
	// ErrSnapshotNotFound means the requested checksum is not in the archive.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// CorruptionError reports a checksum mismatch.
type CorruptionError struct {
	Stored   string
	Computed string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("checksum mismatch: stored %q, computed %q", e.Stored, e.Computed)
}

// Unwrap lets errors.Is match ErrCorruptSnapshot.
func (e *CorruptionError) Unwrap() error {
	return ErrCorruptSnapshot
}
