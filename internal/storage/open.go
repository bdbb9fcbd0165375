package storage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/nholik/fleet-sentinel/internal/history"
	"github.com/nholik/fleet-sentinel/internal/state"
	"github.com/rs/zerolog"
)

// Backend kinds accepted by Open.
const (
	KindFile   = "file"
	KindBadger = "badger"
	KindGCS    = "gcs"
)

// Backend persists both the current snapshot and the history archive.
type Backend interface {
	state.Backend
	history.Persister
	Close() error
}

// Options selects and locates a backend.
type Options struct {
	Kind      string
	Dir       string
	GCSBucket string
	GCSPrefix string
}

// Open returns the backend named by opts.Kind.
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (Backend, error) {
	switch opts.Kind {
	case KindFile, "":
		return NewFile(opts.Dir, logger)
	case KindBadger:
		return OpenBadger(BadgerOptions{Path: filepath.Join(opts.Dir, "badger")}, logger)
	case KindGCS:
		return NewGCS(ctx, opts.GCSBucket, opts.GCSPrefix, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Kind)
	}
}
