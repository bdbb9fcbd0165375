package manifest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalid marks a manifest that failed validation.
var ErrInvalid = errors.New("invalid manifest")

// Manifest is a project's self-description, either announced over the API or discovered
// from a source on disk or over HTTP.
type Manifest struct {
	Name        string     `json:"name" yaml:"name" validate:"required,max=128,project_name"`
	DisplayName string     `json:"display_name,omitempty" yaml:"display_name" validate:"max=256"`
	Description string     `json:"description,omitempty" yaml:"description"`
	Status      string     `json:"status,omitempty" yaml:"status" validate:"max=64"`
	Path        string     `json:"path,omitempty" yaml:"path"`
	Endpoints   []string   `json:"endpoints,omitempty" yaml:"endpoints" validate:"dive,required,url"`
	Heartbeat   *time.Time `json:"heartbeat,omitempty" yaml:"heartbeat"`
	Source      string     `json:"source,omitempty" yaml:"-"`
}

// Source discovers manifests.
type Source interface {
	Name() string
	Discover(ctx context.Context) ([]Manifest, error)
}

var (
	validate    = newValidator()
	namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("project_name", func(fl validator.FieldLevel) bool {
		return namePattern.MatchString(fl.Field().String())
	})
	return v
}

// Validate checks the manifest and normalizes its endpoints.
func (m *Manifest) Validate() error {
	m.Name = strings.TrimSpace(m.Name)
	m.Endpoints = normalizeNames(m.Endpoints)
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%w: %s", ErrInvalid, describe(verrs))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func describe(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func normalizeNames(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	trimmed := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			trimmed = append(trimmed, value)
		}
	}
	sort.Strings(trimmed)
	result := make([]string, 0, len(trimmed))
	var last string
	for _, value := range trimmed {
		if value == last {
			continue
		}
		result = append(result, value)
		last = value
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
