package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nholik/fleet-sentinel/internal/backend"
	"github.com/nholik/fleet-sentinel/internal/depgraph"
	"github.com/nholik/fleet-sentinel/internal/gateway"
	"github.com/nholik/fleet-sentinel/internal/history"
	"github.com/nholik/fleet-sentinel/internal/inference"
	"github.com/nholik/fleet-sentinel/internal/lease"
	"github.com/nholik/fleet-sentinel/internal/registry"
	"github.com/nholik/fleet-sentinel/internal/state"
	"github.com/rs/zerolog"
)

type stubDispatcher struct {
	err error
}

func (d stubDispatcher) Dispatch(_ context.Context, b backend.Descriptor, _ inference.Request) (inference.Response, error) {
	if d.err != nil {
		return inference.Response{}, &inference.Error{Backend: b.ID, StatusCode: 500, Err: d.err}
	}
	return inference.Response{Content: "ok from " + b.ID, Model: b.Model}, nil
}

type fixture struct {
	e       *echo.Echo
	store   *state.Store
	leases  *lease.Manager
	archive *history.Archive
}

func newFixture(t *testing.T, d gateway.Dispatcher) *fixture {
	t.Helper()
	logger := zerolog.Nop()

	leases := lease.NewManager()
	archive := history.New(history.Retention{MaxEntries: 10}, logger)
	store := state.New(leases, logger, state.WithArchive(archive))

	graph, err := depgraph.Load([]depgraph.Edge{
		{Service: "api", DependsOn: []string{"db"}},
		{Service: "web", DependsOn: []string{"api"}},
	}, depgraph.WithProtected("gateway"))
	if err != nil {
		t.Fatalf("load graph: %v", err)
	}

	deps := Deps{
		Store:    store,
		Leases:   leases,
		History:  archive,
		Graph:    graph,
		Projects: registry.New(logger),
	}
	if d != nil {
		pool, err := backend.NewPool([]backend.Descriptor{
			{ID: "ollama", Kind: backend.KindLocal, Capacity: 1, Model: "qwen"},
			{ID: "gemini", Kind: backend.KindCloud, CostWeight: 1},
		}, logger)
		if err != nil {
			t.Fatalf("new pool: %v", err)
		}
		deps.Gateway = gateway.New(pool, d, logger)
	}

	return &fixture{e: New(logger, deps), store: store, leases: leases, archive: archive}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) ErrorBody {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
	body := decode[ErrorBody](t, rec)
	if body.Error != code {
		t.Fatalf("expected code %q, got %q (%s)", code, body.Error, body.Message)
	}
	return body
}

func TestGetState_ETag(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/v1/state", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	view := decode[StateView](t, rec)
	if view.Checksum != f.store.Checksum() {
		t.Fatalf("expected checksum %s, got %s", f.store.Checksum(), view.Checksum)
	}
	etag := rec.Header().Get("ETag")
	if etag != `"`+view.Checksum+`"` {
		t.Fatalf("unexpected etag %q", etag)
	}

	rec = f.do(t, http.MethodGet, "/v1/state", "", "If-None-Match", etag)
	if rec.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", rec.Code)
	}
}

func TestPutState(t *testing.T) {
	f := newFixture(t, nil)
	genesis := f.store.Checksum()
	content := `{"nodes":[{"name":"n1","status":"ready"}]}`

	rec := f.do(t, http.MethodPut, "/v1/state",
		`{"content":`+content+`,"expected_checksum":"`+genesis+`","holder_id":"ops"}`)
	expectError(t, rec, http.StatusLocked, CodeLeaseRequired)

	if _, err := f.leases.Acquire("ops", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	rec = f.do(t, http.MethodPut, "/v1/state", `{"content":`+content+`}`,
		"If-Match", `"`+genesis+`"`, headerLeaseHolder, "ops")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	result := decode[CommitResult](t, rec)
	if result.Checksum == genesis || result.Checksum != f.store.Checksum() {
		t.Fatalf("unexpected commit checksum %s", result.Checksum)
	}

	// Stale expected checksum.
	rec = f.do(t, http.MethodPut, "/v1/state",
		`{"content":`+content+`,"expected_checksum":"`+genesis+`","holder_id":"ops"}`)
	expectError(t, rec, http.StatusConflict, CodeConflict)

	if f.archive.Len() != 1 {
		t.Fatalf("expected genesis archived, got %d entries", f.archive.Len())
	}
}

func TestPutState_Validation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed", body: `{"content":`},
		{name: "missing content", body: `{"expected_checksum":"abc","holder_id":"ops"}`},
		{name: "missing checksum", body: `{"content":{},"holder_id":"ops"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPut, "/v1/state", tt.body)
			expectError(t, rec, http.StatusBadRequest, CodeInvalidRequest)
		})
	}
}

func TestRollback(t *testing.T) {
	f := newFixture(t, nil)
	genesis := f.store.Checksum()
	if _, err := f.leases.Acquire("ops", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	committed, err := f.store.ProposeUpdate(context.Background(), "ops", state.Content{
		Nodes: []state.Node{{Name: "n1", Status: "ready"}},
	}, genesis)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/v1/state/rollback",
		`{"checksum":"missing","expected_checksum":"`+committed+`","holder_id":"ops"}`)
	expectError(t, rec, http.StatusNotFound, CodeSnapshotNotFound)

	rec = f.do(t, http.MethodPost, "/v1/state/rollback",
		`{"checksum":"`+genesis+`","expected_checksum":"`+committed+`","holder_id":"ops"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	snap, err := f.store.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(snap.Content.Nodes) != 0 {
		t.Fatalf("expected genesis content after rollback, got %+v", snap.Content)
	}
}

func TestListHistory(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.leases.Acquire("ops", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	sum := f.store.Checksum()
	for _, name := range []string{"a", "b", "c"} {
		next, err := f.store.ProposeUpdate(context.Background(), "ops", state.Content{
			Nodes: []state.Node{{Name: name, Status: "ready"}},
		}, sum)
		if err != nil {
			t.Fatalf("propose %s: %v", name, err)
		}
		sum = next
	}

	rec := f.do(t, http.MethodGet, "/v1/history?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	page := decode[HistoryPage](t, rec)
	if len(page.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(page.Entries))
	}

	rec = f.do(t, http.MethodGet, "/v1/history?limit=-1", "")
	expectError(t, rec, http.StatusBadRequest, CodeInvalidRequest)
	rec = f.do(t, http.MethodGet, "/v1/history?since=yesterday", "")
	expectError(t, rec, http.StatusBadRequest, CodeInvalidRequest)
}

func TestLeaseLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/lease/acquire", `{"holder_id":"a","ttl":"45s"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	view := decode[LeaseView](t, rec)
	if view.HolderID != "a" || view.TTL != "45s" || view.Token == 0 {
		t.Fatalf("unexpected lease %+v", view)
	}

	rec = f.do(t, http.MethodPost, "/v1/lease/acquire", `{"holder_id":"b"}`)
	expectError(t, rec, http.StatusLocked, CodeLeaseBusy)

	rec = f.do(t, http.MethodPost, "/v1/lease/renew", `{"holder_id":"b"}`)
	expectError(t, rec, http.StatusGone, CodeLeaseExpired)

	rec = f.do(t, http.MethodPost, "/v1/lease/renew", `{"holder_id":"a"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("renew: expected 200, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/v1/lease/release", `{"holder_id":"a"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("release: expected 204, got %d", rec.Code)
	}
	if f.leases.Holds("a") {
		t.Fatalf("lease should be released")
	}

	rec = f.do(t, http.MethodPost, "/v1/lease/acquire", `{"holder_id":"  "}`)
	expectError(t, rec, http.StatusBadRequest, CodeInvalidRequest)
	rec = f.do(t, http.MethodPost, "/v1/lease/acquire", `{"holder_id":"b","ttl":"soon"}`)
	expectError(t, rec, http.StatusBadRequest, CodeInvalidRequest)
}

func TestDependents(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/v1/dependents/db", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	view := decode[DependentsView](t, rec)
	if strings.Join(view.Dependents, ",") != "api,web" {
		t.Fatalf("unexpected dependents %v", view.Dependents)
	}

	rec = f.do(t, http.MethodGet, "/v1/dependents/db/check", "")
	body := expectError(t, rec, http.StatusConflict, CodeDependencyViolation)
	if strings.Join(body.Dependents, ",") != "api,web" {
		t.Fatalf("expected dependents in error body, got %v", body.Dependents)
	}

	rec = f.do(t, http.MethodGet, "/v1/dependents/gateway/check", "")
	body = expectError(t, rec, http.StatusConflict, CodeDependencyViolation)
	if !body.Protected {
		t.Fatalf("expected protected flag")
	}

	rec = f.do(t, http.MethodGet, "/v1/dependents/web/check", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("leaf service should be safe, got %d", rec.Code)
	}
	decision := decode[depgraph.Decision](t, rec)
	if !decision.Allowed {
		t.Fatalf("expected allowed decision, got %+v", decision)
	}
}

func TestProjects(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/projects/ghost/heartbeat", "")
	expectError(t, rec, http.StatusNotFound, CodeUnknownProject)

	rec = f.do(t, http.MethodPost, "/v1/projects", `{"name":"bad name!"}`)
	expectError(t, rec, http.StatusBadRequest, CodeInvalidManifest)

	rec = f.do(t, http.MethodPost, "/v1/projects", `{"name":"billing","endpoints":["http://billing:8080"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("announce: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/v1/projects/billing/heartbeat", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("heartbeat: expected 204, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/v1/projects", "")
	projects := decode[[]registry.Descriptor](t, rec)
	if len(projects) != 1 || projects[0].Name != "billing" {
		t.Fatalf("unexpected projects %+v", projects)
	}
}

func TestInference(t *testing.T) {
	f := newFixture(t, stubDispatcher{})

	rec := f.do(t, http.MethodPost, "/v1/inference", `{"prompt":"summarize the logs"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	result := decode[gateway.Result](t, rec)
	if result.BackendUsed != "ollama" || result.AttemptCount != 1 {
		t.Fatalf("unexpected result %+v", result)
	}

	rec = f.do(t, http.MethodPost, "/v1/inference", `{"prompt":"   "}`)
	expectError(t, rec, http.StatusBadRequest, CodeInvalidRequest)

	rec = f.do(t, http.MethodGet, "/v1/routing?limit=5", "")
	decisions := decode[[]gateway.Decision](t, rec)
	if len(decisions) != 1 || decisions[0].ChosenBackend != "ollama" {
		t.Fatalf("unexpected decisions %+v", decisions)
	}

	rec = f.do(t, http.MethodGet, "/v1/backends", "")
	backends := decode[[]backend.Descriptor](t, rec)
	if len(backends) != 2 {
		t.Fatalf("expected 2 backends, got %d", len(backends))
	}
}

func TestInference_Unavailable(t *testing.T) {
	f := newFixture(t, stubDispatcher{err: errors.New("boom")})

	rec := f.do(t, http.MethodPost, "/v1/inference", `{"prompt":"hello"}`)
	body := expectError(t, rec, http.StatusServiceUnavailable, CodeBackendUnavailable)
	if body.Decision == nil || body.Decision.AttemptCount != 2 {
		t.Fatalf("expected decision with two attempts, got %+v", body.Decision)
	}
}

func TestProjects_RegistryDisabled(t *testing.T) {
	f := newFixture(t, nil)
	f.e = New(zerolog.Nop(), Deps{Store: f.store, Leases: f.leases, History: f.archive})

	rec := f.do(t, http.MethodPost, "/v1/projects", `{"name":"billing","services":["api"]}`)
	expectError(t, rec, http.StatusServiceUnavailable, CodeRegistryDisabled)

	rec = f.do(t, http.MethodPost, "/v1/projects/billing/heartbeat", "")
	expectError(t, rec, http.StatusServiceUnavailable, CodeRegistryDisabled)

	rec = f.do(t, http.MethodGet, "/v1/projects", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty project list, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestInference_Disabled(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/inference", `{"prompt":"hello"}`)
	expectError(t, rec, http.StatusServiceUnavailable, CodeGatewayDisabled)

	rec = f.do(t, http.MethodGet, "/v1/backends", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty backend list, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/v1/nope", "")
	expectError(t, rec, http.StatusNotFound, CodeNotFound)
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{err: context.Canceled, status: http.StatusRequestTimeout, code: CodeCanceled},
		{err: &gateway.RateLimitError{Class: "expensive"}, status: http.StatusTooManyRequests, code: CodeRateLimited},
		{err: state.ErrCorruptSnapshot, status: http.StatusServiceUnavailable, code: CodeCorruptSnapshot},
		{err: errors.New("disk on fire"), status: http.StatusInternalServerError, code: CodeInternal},
	}
	for _, tt := range tests {
		he := translate(tt.err)
		if he.Code != tt.status {
			t.Fatalf("%v: expected %d, got %d", tt.err, tt.status, he.Code)
		}
		if body := he.Message.(ErrorBody); body.Error != tt.code {
			t.Fatalf("%v: expected code %s, got %s", tt.err, tt.code, body.Error)
		}
	}
}
