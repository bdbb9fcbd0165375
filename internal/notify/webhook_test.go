package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nholik/fleet-sentinel/internal/transition"
	"github.com/rs/zerolog"
)

func TestWebhookNotifierTemplateRendering(t *testing.T) {
	var body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(zerolog.Nop(), server.URL, `{"scope":"{{ .Scope }}","count":{{ len .Transitions }}}`)
	if err != nil {
		t.Fatalf("NewWebhookNotifier error: %v", err)
	}

	transitions := []transition.Transition{
		{Subject: "project/api", Kind: transition.KindProject, Current: "stale"},
	}

	if err := notifier.Notify(context.Background(), "alpha", transitions); err != nil {
		t.Fatalf("Notify error: %v", err)
	}

	if !strings.Contains(body, `"scope":"alpha"`) {
		t.Fatalf("expected scope in payload, got %s", body)
	}
	if !strings.Contains(body, `"count":1`) {
		t.Fatalf("expected count in payload, got %s", body)
	}
}

func TestWebhookNotifierRetriesOnServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := atomic.AddInt32(&calls, 1)
		if count <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(zerolog.Nop(), server.URL, "")
	if err != nil {
		t.Fatalf("NewWebhookNotifier error: %v", err)
	}
	notifier.out.policy = fastPolicy(time.Millisecond, time.Millisecond, 2*time.Millisecond, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := notifier.Notify(ctx, "alpha", []transition.Transition{{Subject: "project/api", Current: "stale"}}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestWebhookNotifierInvalidTemplate(t *testing.T) {
	_, err := NewWebhookNotifier(zerolog.Nop(), "http://example.com", "{{")
	if err == nil {
		t.Fatalf("expected template error")
	}
}

func TestWebhookNotifierDefaultTemplateIsJSON(t *testing.T) {
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(zerolog.Nop(), server.URL, "")
	if err != nil {
		t.Fatalf("NewWebhookNotifier error: %v", err)
	}
	transitions := []transition.Transition{{Subject: "state", Kind: transition.KindState, Current: "corrupt"}}
	if err := notifier.Notify(context.Background(), "", transitions); err != nil {
		t.Fatalf("Notify error: %v", err)
	}

	var decoded struct {
		Scope       string                  `json:"scope"`
		Transitions []transition.Transition `json:"transitions"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("default payload is not JSON: %v (%s)", err, body)
	}
	if decoded.Scope != "fleet" {
		t.Fatalf("expected default scope, got %q", decoded.Scope)
	}
	if len(decoded.Transitions) != 1 || decoded.Transitions[0].Current != "corrupt" {
		t.Fatalf("unexpected transitions %+v", decoded.Transitions)
	}
}

func TestWebhookNotifierDisabledWithoutURL(t *testing.T) {
	notifier, err := NewWebhookNotifier(zerolog.Nop(), "", "")
	if err != nil || notifier != nil {
		t.Fatalf("expected nil notifier without URL, got %v, %v", notifier, err)
	}
	multi := NewMultiNotifier(notifier, NewNoop(zerolog.Nop(), ""))
	if multi.Len() != 1 {
		t.Fatalf("expected typed nil webhook to be filtered, got %d", multi.Len())
	}
}
