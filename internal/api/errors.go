package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/nholik/fleet-sentinel/internal/depgraph"
	"github.com/nholik/fleet-sentinel/internal/gateway"
	"github.com/nholik/fleet-sentinel/internal/lease"
	"github.com/nholik/fleet-sentinel/internal/manifest"
	"github.com/nholik/fleet-sentinel/internal/registry"
	"github.com/nholik/fleet-sentinel/internal/state"
	"github.com/rs/zerolog"
)

// Machine-readable error codes.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeConflict            = "conflict"
	CodeLeaseRequired       = "lease_required"
	CodeLeaseBusy           = "lease_busy"
	CodeLeaseExpired        = "lease_expired"
	CodeCorruptSnapshot     = "corrupt_snapshot"
	CodeSnapshotNotFound    = "snapshot_not_found"
	CodeDependencyViolation = "dependency_violation"
	CodeUnknownProject      = "unknown_project"
	CodeInvalidManifest     = "invalid_manifest"
	CodeRateLimited         = "rate_limited"
	CodeBackendUnavailable  = "backend_unavailable"
	CodeGatewayDisabled     = "gateway_disabled"
	CodeRegistryDisabled    = "registry_disabled"
	CodeCanceled            = "canceled"
	CodeNotFound            = "not_found"
	CodeInternal            = "internal"
)

var (
	errGatewayDisabled  = errors.New("no inference backends are configured")
	errRegistryDisabled = errors.New("project registry is not enabled")
)

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Error      string            `json:"error"`
	Message    string            `json:"message"`
	Dependents []string          `json:"dependents,omitempty"`
	Protected  bool              `json:"protected,omitempty"`
	Decision   *gateway.Decision `json:"decision,omitempty"`
}

func newError(status int, code string, err error) *echo.HTTPError {
	return echo.NewHTTPError(status, ErrorBody{Error: code, Message: err.Error()}).SetInternal(err)
}

func badRequest(format string, args ...any) *echo.HTTPError {
	return newError(http.StatusBadRequest, CodeInvalidRequest, fmt.Errorf(format, args...))
}

// translate maps domain errors to a status and code so callers can tell a conflict from a
// missing lease or a dependency violation.
func translate(err error) *echo.HTTPError {
	var (
		violation   *depgraph.DependencyViolation
		unavailable *gateway.UnavailableError
	)
	switch {
	case errors.As(err, &violation):
		he := newError(http.StatusConflict, CodeDependencyViolation, err)
		body := he.Message.(ErrorBody)
		body.Dependents = violation.Dependents
		body.Protected = violation.Protected
		he.Message = body
		return he
	case errors.As(err, &unavailable):
		he := newError(http.StatusServiceUnavailable, CodeBackendUnavailable, err)
		body := he.Message.(ErrorBody)
		dec := unavailable.Decision
		body.Decision = &dec
		he.Message = body
		return he
	case errors.Is(err, state.ErrConflict):
		return newError(http.StatusConflict, CodeConflict, err)
	case errors.Is(err, state.ErrLeaseRequired):
		return newError(http.StatusLocked, CodeLeaseRequired, err)
	case errors.Is(err, state.ErrCorruptSnapshot):
		return newError(http.StatusServiceUnavailable, CodeCorruptSnapshot, err)
	case errors.Is(err, state.ErrSnapshotNotFound):
		return newError(http.StatusNotFound, CodeSnapshotNotFound, err)
	case errors.Is(err, lease.ErrLeaseBusy):
		return newError(http.StatusLocked, CodeLeaseBusy, err)
	case errors.Is(err, lease.ErrLeaseExpired):
		return newError(http.StatusGone, CodeLeaseExpired, err)
	case errors.Is(err, registry.ErrUnknownProject):
		return newError(http.StatusNotFound, CodeUnknownProject, err)
	case errors.Is(err, manifest.ErrInvalid):
		return newError(http.StatusBadRequest, CodeInvalidManifest, err)
	case errors.Is(err, gateway.ErrRateLimited):
		return newError(http.StatusTooManyRequests, CodeRateLimited, err)
	case errors.Is(err, gateway.ErrBackendUnavailable):
		return newError(http.StatusServiceUnavailable, CodeBackendUnavailable, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newError(http.StatusRequestTimeout, CodeCanceled, err)
	default:
		return newError(http.StatusInternalServerError, CodeInternal, err)
	}
}

func errorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if !errors.As(err, &he) {
			he = translate(err)
		}

		body, ok := he.Message.(ErrorBody)
		if !ok {
			body = ErrorBody{Error: codeForStatus(he.Code), Message: fmt.Sprint(he.Message)}
		}

		if he.Code >= http.StatusInternalServerError && he.Code != http.StatusServiceUnavailable {
			logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(he.Code)
			return
		}
		_ = c.JSON(he.Code, body)
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return CodeNotFound
	case http.StatusBadRequest, http.StatusUnsupportedMediaType:
		return CodeInvalidRequest
	default:
		return CodeInternal
	}
}
