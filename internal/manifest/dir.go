package manifest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// ParseFunc turns one manifest file into a Manifest. id is the project directory name.
type ParseFunc func(id string, body []byte) (Manifest, error)

// DirSource discovers one manifest file per project directory below a projects root.
type DirSource struct {
	kind   string
	dir    string
	file   string
	parse  ParseFunc
	logger zerolog.Logger
}

func newDirSource(kind, dir, file string, parse ParseFunc, logger zerolog.Logger) *DirSource {
	return &DirSource{
		kind:   kind,
		dir:    dir,
		file:   file,
		parse:  parse,
		logger: logger.With().Str("component", "manifest").Str("source", kind).Logger(),
	}
}

// Name identifies the source in logs and in Manifest.Source.
func (s *DirSource) Name() string { return s.kind + ":" + s.dir }

// Dir returns the projects root.
func (s *DirSource) Dir() string { return s.dir }

// Discover parses every project directory holding the manifest file. Unreadable or invalid
// manifests are logged and skipped so one broken project does not hide the rest.
func (s *DirSource) Discover(ctx context.Context) ([]Manifest, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read projects dir: %w", err)
	}

	manifests := make([]Manifest, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name(), s.file)
		body, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn().Err(err).Str("path", path).Msg("unable to read manifest")
			}
			continue
		}
		m, err := s.parse(entry.Name(), body)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("skipping manifest")
			continue
		}
		m.Source = s.Name()
		manifests = append(manifests, m)
	}

	sort.Slice(manifests, func(i, j int) bool { return manifests[i].Name < manifests[j].Name })
	return manifests, nil
}
