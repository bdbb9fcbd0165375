package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher calls a handler after manifest files below a projects directory change. Bursts of
// events within the debounce window collapse into one call.
type Watcher struct {
	dir      string
	debounce time.Duration
	logger   zerolog.Logger
}

// NewWatcher returns a watcher for dir. A non-positive debounce uses the default.
func NewWatcher(dir string, debounce time.Duration, logger zerolog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		logger:   logger.With().Str("component", "manifest_watcher").Logger(),
	}
}

// Run watches until ctx is done. The handler runs on the watcher goroutine.
func (w *Watcher) Run(ctx context.Context, onChange func(context.Context)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	if err := w.addTree(fsw); err != nil {
		return err
	}
	w.logger.Info().Str("dir", w.dir).Msg("watching manifests")

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) && filepath.Dir(event.Name) == filepath.Clean(w.dir) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := fsw.Add(event.Name); err != nil {
						w.logger.Warn().Err(err).Str("path", event.Name).Msg("unable to watch project dir")
					}
				}
			}
			if !relevant(event.Name) && !event.Has(fsnotify.Remove) {
				continue
			}
			if pending && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
			pending = true
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("watcher error")
		case <-timer.C:
			pending = false
			onChange(ctx)
		}
	}
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher) error {
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read projects dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if err := fsw.Add(path); err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("unable to watch project dir")
		}
	}
	return nil
}

func relevant(path string) bool {
	switch filepath.Base(path) {
	case MarkdownFile, YAMLFile:
		return true
	default:
		return false
	}
}
