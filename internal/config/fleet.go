package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/nholik/fleet-sentinel/internal/depgraph"
	"gopkg.in/yaml.v3"
)

// BackendSpec declares one inference backend.
type BackendSpec struct {
	ID         string  `yaml:"id"`
	Kind       string  `yaml:"kind"`
	Model      string  `yaml:"model"`
	BaseURL    string  `yaml:"base_url"`
	APIKeyEnv  string  `yaml:"api_key_env,omitempty"`
	Capacity   int     `yaml:"capacity"`
	CostWeight float64 `yaml:"cost_weight"`
}

// VMSpec is a statically declared virtual machine carried into every snapshot.
type VMSpec struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Node        string   `yaml:"node"`
	Status      string   `yaml:"status"`
	IPAddresses []string `yaml:"ip_addresses"`
}

// RateLimitSpec overrides one gateway rate-limit class.
type RateLimitSpec struct {
	Name      string  `yaml:"name"`
	Burst     int     `yaml:"burst"`
	PerMinute float64 `yaml:"per_minute"`
}

// Fleet is the parsed fleet file:
// backends, dependencies, protected, vms, rate_limits, expensive_models.
type Fleet struct {
	depgraph.File `yaml:",inline"`

	Backends        []BackendSpec   `yaml:"backends"`
	VMs             []VMSpec        `yaml:"vms"`
	RateLimits      []RateLimitSpec `yaml:"rate_limits"`
	ExpensiveModels []string        `yaml:"expensive_models"`
}

// Graph builds the dependency graph declared by the fleet file.
func (f *Fleet) Graph() (*depgraph.Graph, error) {
	return depgraph.Load(f.Dependencies, depgraph.WithProtected(f.Protected...))
}

// LoadFleetFile parses a YAML fleet file from the given path.
// Returns nil if path is empty (no fleet file).
func LoadFleetFile(path string) (*Fleet, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet file: %w", err)
	}

	var f Fleet
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fleet file: %w", err)
	}

	if err := validateFleet(&f); err != nil {
		return nil, err
	}

	return &f, nil
}

// validateFleet ensures the declared backends, VMs, rate limits and dependencies are usable.
func validateFleet(f *Fleet) error {
	if err := validateBackends(f.Backends); err != nil {
		return err
	}
	if err := validateVMs(f.VMs); err != nil {
		return err
	}
	if err := validateRateLimits(f.RateLimits); err != nil {
		return err
	}
	if _, err := f.Graph(); err != nil {
		return fmt.Errorf("dependencies: %w", err)
	}
	return nil
}

func validateBackends(backends []BackendSpec) error {
	if len(backends) == 0 {
		return fmt.Errorf("fleet file contains no backends")
	}

	seen := make(map[string]bool)

	for i := range backends {
		b := &backends[i]
		b.ID = strings.TrimSpace(b.ID)
		b.Kind = strings.ToLower(strings.TrimSpace(b.Kind))

		if b.ID == "" {
			return fmt.Errorf("backend %d: id is required", i)
		}

		if seen[b.ID] {
			return fmt.Errorf("backend %q: duplicate id", b.ID)
		}
		seen[b.ID] = true

		switch b.Kind {
		case "local":
			if b.Capacity <= 0 {
				return fmt.Errorf("backend %q: local backends need a positive capacity", b.ID)
			}
		case "cloud":
			if b.Capacity < 0 {
				return fmt.Errorf("backend %q: capacity cannot be negative", b.ID)
			}
		default:
			return fmt.Errorf("backend %q: kind must be local or cloud", b.ID)
		}

		if b.BaseURL == "" {
			return fmt.Errorf("backend %q: base_url is required", b.ID)
		}

		if err := validateHTTPURL(b.BaseURL, "base_url"); err != nil {
			return fmt.Errorf("backend %q: %w", b.ID, err)
		}

		if b.CostWeight < 0 {
			return fmt.Errorf("backend %q: cost_weight cannot be negative", b.ID)
		}
	}

	return nil
}

func validateVMs(vms []VMSpec) error {
	seen := make(map[string]bool)
	for i, vm := range vms {
		if vm.ID == "" {
			return fmt.Errorf("vm %d: id is required", i)
		}
		if seen[vm.ID] {
			return fmt.Errorf("vm %q: duplicate id", vm.ID)
		}
		seen[vm.ID] = true
	}
	return nil
}

func validateRateLimits(limits []RateLimitSpec) error {
	seen := make(map[string]bool)
	for i, rl := range limits {
		if rl.Name == "" {
			return fmt.Errorf("rate limit %d: name is required", i)
		}
		if seen[rl.Name] {
			return fmt.Errorf("rate limit %q: duplicate name", rl.Name)
		}
		seen[rl.Name] = true
		if rl.Burst <= 0 || rl.PerMinute <= 0 {
			return fmt.Errorf("rate limit %q: burst and per_minute must be greater than zero", rl.Name)
		}
	}
	return nil
}

func validateHTTPURL(value, name string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("invalid %s: scheme must be http or https", name)
	}
	if parsed.Host == "" {
		return fmt.Errorf("invalid %s: must include host", name)
	}
	return nil
}
