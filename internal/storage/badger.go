package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/nholik/fleet-sentinel/internal/history"
	"github.com/nholik/fleet-sentinel/internal/state"
	"github.com/rs/zerolog"
)

var (
	currentKey       = []byte("state/current")
	historyKeyPrefix = []byte("history/")
)

// Badger stores snapshots and history in an embedded BadgerDB.
type Badger struct {
	db     *badger.DB
	logger zerolog.Logger
}

// BadgerOptions configures OpenBadger. Path is ignored when InMemory is set.
type BadgerOptions struct {
	Path     string
	InMemory bool
}

// OpenBadger opens (or creates) the database.
func OpenBadger(opts BadgerOptions, logger zerolog.Logger) (*Badger, error) {
	var dbOpts badger.Options
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, errors.New("badger path is required")
		}
		if err := os.MkdirAll(opts.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", opts.Path, err)
		}
		dbOpts = badger.DefaultOptions(opts.Path).WithSyncWrites(true)
	}
	dbOpts = dbOpts.WithNumVersionsToKeep(1).WithLogger(nil)

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Badger{
		db:     db,
		logger: logger.With().Str("component", "badger_storage").Logger(),
	}, nil
}

// Close closes the database.
func (b *Badger) Close() error {
	return b.db.Close()
}

// LoadCurrent returns nil when no snapshot has been saved.
func (b *Badger) LoadCurrent(ctx context.Context) (*state.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(currentKey)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read current snapshot: %w", err)
	}

	var snap state.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		b.logger.Warn().Err(err).Msg("stored snapshot corrupt")
		return &state.Snapshot{Checksum: "unreadable"}, nil
	}
	return &snap, nil
}

// SaveCurrent overwrites the current snapshot.
func (b *Badger) SaveCurrent(ctx context.Context, snap state.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(currentKey, data)
	})
}

// Append stores a history entry.
func (b *Badger) Append(ctx context.Context, entry history.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(historyKey(entry), data)
	})
}

// Remove deletes a history entry.
func (b *Badger) Remove(ctx context.Context, entry history.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(historyKey(entry))
	})
}

// LoadAll returns every history entry in key order, which is archive order.
func (b *Badger) LoadAll(ctx context.Context) ([]history.Entry, error) {
	var out []history.Entry
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(historyKeyPrefix); it.ValidForPrefix(historyKeyPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var entry history.Entry
			if err := json.Unmarshal(data, &entry); err != nil {
				b.logger.Warn().Str("key", string(item.Key())).Err(err).Msg("skipping corrupt history entry")
				continue
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	return out, nil
}

func historyKey(entry history.Entry) []byte {
	return fmt.Appendf(nil, "%s%020d", historyKeyPrefix, entry.ArchivedAt.UnixNano())
}
