package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/nholik/fleet-sentinel/internal/history"
	"github.com/nholik/fleet-sentinel/internal/state"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// ErrRemoteChanged means the state object was rewritten by another process since it was read.
var ErrRemoteChanged = errors.New("remote state object changed")

// GCS keeps snapshots in a Cloud Storage bucket. The current snapshot is written with a
// generation precondition so concurrent processes cannot silently overwrite each other.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
	logger zerolog.Logger

	mu         sync.Mutex
	generation int64
	observed   bool
}

// NewGCS opens a client for bucket. Object names are prefixed with prefix.
func NewGCS(ctx context.Context, bucket, prefix string, logger zerolog.Logger, opts ...option.ClientOption) (*GCS, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("gcs bucket is required")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS storage client: %w", err)
	}
	return &GCS{
		client: client,
		bucket: client.Bucket(bucket),
		prefix: normalizePrefix(prefix),
		logger: logger.With().Str("component", "gcs_storage").Str("bucket", bucket).Logger(),
	}, nil
}

// Close closes the client.
func (g *GCS) Close() error {
	return g.client.Close()
}

// LoadCurrent reads the state object and remembers its generation.
func (g *GCS) LoadCurrent(ctx context.Context) (*state.Snapshot, error) {
	reader, err := g.bucket.Object(g.currentName()).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		g.setGeneration(0)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open state object: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read state object: %w", err)
	}
	g.setGeneration(reader.Attrs.Generation)

	var snap state.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		g.logger.Warn().Err(err).Msg("state object corrupt")
		return &state.Snapshot{Checksum: "unreadable"}, nil
	}
	return &snap, nil
}

// SaveCurrent writes the state object conditioned on the last observed generation.
func (g *GCS) SaveCurrent(ctx context.Context, snap state.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	obj := g.bucket.Object(g.currentName())
	if g.observed {
		if g.generation == 0 {
			obj = obj.If(storage.Conditions{DoesNotExist: true})
		} else {
			obj = obj.If(storage.Conditions{GenerationMatch: g.generation})
		}
	}

	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.CacheControl = "no-cache, no-store, must-revalidate"
	writer.Metadata = map[string]string{"checksum": snap.Checksum}

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("write state object: %w", err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			return fmt.Errorf("%w: %v", ErrRemoteChanged, err)
		}
		return fmt.Errorf("close state object writer: %w", err)
	}
	g.generation = writer.Attrs().Generation
	g.observed = true
	return nil
}

// Append uploads a history entry.
func (g *GCS) Append(ctx context.Context, entry history.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	writer := g.bucket.Object(g.historyName(entry)).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("write history object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close history object writer: %w", err)
	}
	return nil
}

// Remove deletes a history entry. Missing objects are ignored.
func (g *GCS) Remove(ctx context.Context, entry history.Entry) error {
	err := g.bucket.Object(g.historyName(entry)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete history object: %w", err)
	}
	return nil
}

// LoadAll downloads every history entry under the prefix.
func (g *GCS) LoadAll(ctx context.Context) ([]history.Entry, error) {
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: g.prefix + "history/"})

	var out []history.Entry
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list history objects: %w", err)
		}
		entry, err := g.readEntry(ctx, attrs.Name)
		if err != nil {
			g.logger.Warn().Str("object", attrs.Name).Err(err).Msg("skipping unreadable history object")
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (g *GCS) readEntry(ctx context.Context, name string) (history.Entry, error) {
	reader, err := g.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return history.Entry{}, err
	}
	defer reader.Close()

	var entry history.Entry
	if err := json.NewDecoder(reader).Decode(&entry); err != nil {
		return history.Entry{}, err
	}
	return entry, nil
}

func (g *GCS) setGeneration(gen int64) {
	g.mu.Lock()
	g.generation = gen
	g.observed = true
	g.mu.Unlock()
}

func (g *GCS) currentName() string {
	return g.prefix + stateFileName
}

func (g *GCS) historyName(entry history.Entry) string {
	return g.prefix + "history/" + strconv.FormatInt(entry.ArchivedAt.UnixNano(), 10) + ".json"
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusPreconditionFailed
	}
	return false
}
