package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"github.com/nholik/fleet-sentinel/internal/transition"
	"github.com/rs/zerolog"
)

const defaultWebhookTemplate = `{"scope":"{{ .Scope }}","generated_at":"{{ .GeneratedAt.Format "2006-01-02T15:04:05Z07:00" }}","transitions":{{ toJson .Transitions }}}`

// WebhookPayload is the template context for webhook notifications.
type WebhookPayload struct {
	Scope       string
	Transitions []transition.Transition
	GeneratedAt time.Time
}

// WebhookNotifier sends transition notifications to a generic webhook.
type WebhookNotifier struct {
	logger   zerolog.Logger
	template *template.Template
	out      *receiver
}

// NewWebhookNotifier creates a webhook notifier with the provided template. It returns nil
// when no URL is configured.
func NewWebhookNotifier(logger zerolog.Logger, webhookURL string, tmpl string) (*WebhookNotifier, error) {
	if webhookURL == "" {
		return nil, nil
	}
	if tmpl == "" {
		tmpl = defaultWebhookTemplate
	}

	parsed, err := template.New("webhook").Funcs(template.FuncMap{
		"toJson": func(v any) (string, error) {
			encoded, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(encoded), nil
		},
	}).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse webhook template: %w", err)
	}

	return &WebhookNotifier{
		logger:   logger,
		template: parsed,
		out:      newReceiver(logger, "webhook", webhookURL, DefaultPolicy),
	}, nil
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, scope string, transitions []transition.Transition) error {
	if len(transitions) == 0 || n == nil {
		return nil
	}

	scope = scopeOrDefault(scope)

	var buf bytes.Buffer
	err := n.template.Execute(&buf, WebhookPayload{
		Scope:       scope,
		Transitions: transitions,
		GeneratedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("render webhook template: %w", err)
	}

	if err := n.out.admit(ctx, scope); err != nil {
		return err
	}
	if err := n.out.deliver(ctx, buf.Bytes()); err != nil {
		return err
	}

	n.logger.Debug().
		Str("scope", scope).
		Int("transitions", len(transitions)).
		Msg("webhook notification sent")

	return nil
}
