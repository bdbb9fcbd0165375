package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/nholik/fleet-sentinel/internal/history"
	"github.com/nholik/fleet-sentinel/internal/state"
	"github.com/rs/zerolog"
)

const (
	stateFileName    = "state.json"
	checksumFileName = "state.json.checksum"
	historyDirName   = "state_history"
	historyPrefix    = "state_"
	historySuffix    = ".json.zst"
)

// File persists the current snapshot as JSON next to a checksum file, and history entries
// as zstd-compressed JSON files.
type File struct {
	dir     string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  zerolog.Logger
}

// NewFile returns a file backend rooted at dir.
func NewFile(dir string, logger zerolog.Logger) (*File, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("data directory is required")
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &File{
		dir:     dir,
		encoder: encoder,
		decoder: decoder,
		logger:  logger.With().Str("component", "file_storage").Logger(),
	}, nil
}

// Close releases the compression codecs.
func (f *File) Close() error {
	f.decoder.Close()
	return f.encoder.Close()
}

// LoadCurrent reads the current snapshot. The checksum file wins over the checksum embedded in
// the JSON so that a torn or hand-edited state file fails verification.
func (f *File) LoadCurrent(ctx context.Context) (*state.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(f.dir, stateFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			f.logger.Warn().Str("path", path).Msg("state file missing, starting fresh")
			return nil, nil
		}
		return nil, err
	}

	var snap state.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		f.logger.Warn().Str("path", path).Err(err).Msg("state file corrupt")
		return &state.Snapshot{Checksum: "unreadable"}, nil
	}

	sumData, err := os.ReadFile(filepath.Join(f.dir, checksumFileName))
	switch {
	case err == nil:
		snap.Checksum = strings.TrimSpace(string(sumData))
	case errors.Is(err, os.ErrNotExist):
		f.logger.Warn().Msg("checksum file missing, using embedded checksum")
	default:
		return nil, err
	}
	return &snap, nil
}

// SaveCurrent writes the snapshot and then its checksum file, each atomically.
func (f *File) SaveCurrent(ctx context.Context, snap state.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(snap); err != nil {
		return err
	}
	if err := writeAtomic(f.dir, stateFileName, buf.Bytes()); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := writeAtomic(f.dir, checksumFileName, []byte(snap.Checksum+"\n")); err != nil {
		return fmt.Errorf("write checksum file: %w", err)
	}
	return nil
}

// Append writes one compressed history entry.
func (f *File) Append(ctx context.Context, entry history.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return writeAtomic(f.historyDir(), historyFileName(entry), f.encoder.EncodeAll(data, nil))
}

// Remove deletes a history entry. Missing files are ignored.
func (f *File) Remove(ctx context.Context, entry history.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(f.historyDir(), historyFileName(entry)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// LoadAll reads every history entry. Unreadable files are skipped with a warning.
func (f *File) LoadAll(ctx context.Context) ([]history.Entry, error) {
	dirEntries, err := os.ReadDir(f.historyDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var out []history.Entry
	for _, de := range dirEntries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, historyPrefix) || !strings.HasSuffix(name, historySuffix) {
			continue
		}
		path := filepath.Join(f.historyDir(), name)
		compressed, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		data, err := f.decoder.DecodeAll(compressed, nil)
		if err != nil {
			f.logger.Warn().Str("path", path).Err(err).Msg("skipping undecodable history file")
			continue
		}
		var entry history.Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			f.logger.Warn().Str("path", path).Err(err).Msg("skipping corrupt history file")
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (f *File) historyDir() string {
	return filepath.Join(f.dir, historyDirName)
}

func historyFileName(entry history.Entry) string {
	return historyPrefix + strconv.FormatInt(entry.ArchivedAt.UnixNano(), 10) + historySuffix
}

// writeAtomic writes data to dir/name through a synced temp file and rename.
func writeAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(dir, "."+name+"-*")
	if err != nil {
		return err
	}

	cleanup := func() {
		_ = os.Remove(tempFile.Name())
	}

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		cleanup()
		return err
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		cleanup()
		return err
	}
	if err := tempFile.Close(); err != nil {
		cleanup()
		return err
	}

	if err := os.Rename(tempFile.Name(), filepath.Join(dir, name)); err != nil {
		cleanup()
		return err
	}

	if dirHandle, err := os.Open(dir); err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}

	return nil
}
