package manifest

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// YAMLFile is the structured manifest file name looked up in each project directory.
const YAMLFile = "project.yaml"

// yamlManifest adds docker-style port specs on top of the manifest fields.
type yamlManifest struct {
	Manifest `yaml:",inline"`
	Host     string   `yaml:"host"`
	Ports    []string `yaml:"ports"`
}

// ParseYAML decodes a project.yaml document. When name is absent the directory id is used.
// Each port spec ("8080:80/tcp", "127.0.0.1:9000:9000") becomes an endpoint on its host port.
func ParseYAML(id string, body []byte) (Manifest, error) {
	if len(body) == 0 {
		return Manifest{}, errors.New("manifest body is empty")
	}
	var doc yamlManifest
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}

	m := doc.Manifest
	if strings.TrimSpace(m.Name) == "" {
		m.Name = id
	}
	if m.Status == "" {
		m.Status = defaultStatus
	}

	for _, spec := range doc.Ports {
		endpoints, err := portEndpoints(doc.Host, spec)
		if err != nil {
			return Manifest{}, fmt.Errorf("%w: port %q: %v", ErrInvalid, spec, err)
		}
		m.Endpoints = append(m.Endpoints, endpoints...)
	}

	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func portEndpoints(host, spec string) ([]string, error) {
	mappings, err := nat.ParsePortSpec(spec)
	if err != nil {
		return nil, err
	}
	endpoints := make([]string, 0, len(mappings))
	for _, mapping := range mappings {
		addr := mapping.Binding.HostIP
		if addr == "" || addr == "0.0.0.0" {
			addr = host
		}
		if addr == "" {
			addr = "localhost"
		}
		port := mapping.Binding.HostPort
		if port == "" {
			port = mapping.Port.Port()
		}
		scheme := "http"
		if mapping.Port.Proto() == "udp" {
			scheme = "udp"
		}
		endpoints = append(endpoints, scheme+"://"+net.JoinHostPort(addr, port))
	}
	return endpoints, nil
}

// NewYAMLDir returns a source reading project.yaml one level below dir.
func NewYAMLDir(dir string, logger zerolog.Logger) *DirSource {
	return newDirSource("yaml", dir, YAMLFile, ParseYAML, logger)
}
