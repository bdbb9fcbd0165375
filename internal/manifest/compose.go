package manifest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"github.com/rs/zerolog"
)

const composeStatus = "Declared"

// ParseCompose turns every service of a compose document into a manifest. Published ports
// become endpoints; services without any are kept with no endpoints.
func ParseCompose(ctx context.Context, body []byte, projectName string) ([]Manifest, error) {
	if len(body) == 0 {
		return nil, errors.New("compose body is empty")
	}

	details := types.ConfigDetails{
		WorkingDir: ".",
		ConfigFiles: []types.ConfigFile{
			{
				Filename: "compose.yml",
				Content:  body,
			},
		},
		Environment: types.Mapping{},
	}

	project, err := loader.LoadWithContext(ctx, details, func(opts *loader.Options) {
		opts.SetProjectName(projectName, false)
		opts.SkipConsistencyCheck = true
	})
	if err != nil {
		return nil, fmt.Errorf("load compose: %w", err)
	}
	if len(project.Services) == 0 {
		return nil, errors.New("compose has no services")
	}

	manifests := make([]Manifest, 0, len(project.Services))
	for name, service := range project.Services {
		m := Manifest{
			Name:        name,
			DisplayName: name,
			Description: service.Image,
			Status:      composeStatus,
			Path:        project.Name + "/" + name,
			Endpoints:   publishedEndpoints(service.Ports),
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("service %q: %w", name, err)
		}
		manifests = append(manifests, m)
	}

	sort.Slice(manifests, func(i, j int) bool { return manifests[i].Name < manifests[j].Name })
	return manifests, nil
}

func publishedEndpoints(ports []types.ServicePortConfig) []string {
	endpoints := make([]string, 0, len(ports))
	for _, port := range ports {
		if port.Published == "" {
			continue
		}
		host := port.HostIP
		if host == "" || host == "0.0.0.0" {
			host = "localhost"
		}
		scheme := "http"
		if port.Protocol == "udp" {
			scheme = "udp"
		}
		// Ranges like "8000-8002" publish the first port as the endpoint.
		published := port.Published
		if start, _, ok := strings.Cut(published, "-"); ok {
			published = start
		}
		endpoints = append(endpoints, scheme+"://"+net.JoinHostPort(host, published))
	}
	return normalizeNames(endpoints)
}

// ComposeSource turns a compose file into manifests, refetching only when it changed.
type ComposeSource struct {
	fetcher Fetcher
	project string
	logger  zerolog.Logger

	mu          sync.Mutex
	etag        string
	fingerprint string
	cached      []Manifest
}

// NewComposeSource returns a source reading compose content through fetcher.
func NewComposeSource(fetcher Fetcher, project string, logger zerolog.Logger) *ComposeSource {
	if project == "" {
		project = "fleet"
	}
	return &ComposeSource{
		fetcher: fetcher,
		project: project,
		logger:  logger.With().Str("component", "manifest").Str("source", "compose").Logger(),
	}
}

func (s *ComposeSource) Name() string { return "compose:" + s.project }

// Discover returns the manifests of the latest compose content. A not-modified response or an
// unchanged fingerprint reuses the previous parse.
func (s *ComposeSource) Discover(ctx context.Context) ([]Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.fetcher.Fetch(ctx, s.etag)
	if err != nil {
		return nil, err
	}
	if result.NotModified && s.cached != nil {
		s.logger.Debug().Str("etag", s.etag).Msg("compose not modified")
		return cloneManifests(s.cached), nil
	}

	fingerprint, err := Fingerprint(result.Body)
	if err != nil {
		return nil, err
	}
	if fingerprint == s.fingerprint && s.cached != nil {
		s.etag = result.ETag
		return cloneManifests(s.cached), nil
	}

	manifests, err := ParseCompose(ctx, result.Body, s.project)
	if err != nil {
		return nil, err
	}
	for i := range manifests {
		manifests[i].Source = s.Name()
	}

	s.logger.Info().
		Str("fingerprint", fingerprint).
		Int("services", len(manifests)).
		Msg("compose manifests loaded")

	s.etag = result.ETag
	s.fingerprint = fingerprint
	s.cached = manifests
	return cloneManifests(manifests), nil
}

func cloneManifests(in []Manifest) []Manifest {
	out := make([]Manifest, len(in))
	for i, m := range in {
		m.Endpoints = append([]string(nil), m.Endpoints...)
		if m.Heartbeat != nil {
			hb := *m.Heartbeat
			m.Heartbeat = &hb
		}
		out[i] = m
	}
	return out
}
