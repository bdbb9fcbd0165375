package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nholik/fleet-sentinel/internal/transition"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

const (
	slackMaxBlocks = 50
	// slackReservedBlocks accounts for header block + context block in each message
	slackReservedBlocks = 2
	slackMaxTransitions = slackMaxBlocks - slackReservedBlocks
)

// SlackNotifier posts Block Kit messages to a Slack incoming webhook.
type SlackNotifier struct {
	logger zerolog.Logger
	policy Policy
	out    *receiver
}

// SlackOption customizes SlackNotifier behavior.
type SlackOption func(*SlackNotifier)

// WithSlackPolicy replaces DefaultPolicy.
func WithSlackPolicy(p Policy) SlackOption {
	return func(s *SlackNotifier) {
		s.policy = p
	}
}

// NewSlackNotifier creates a Slack notifier or a noop notifier when the webhook is empty.
func NewSlackNotifier(logger zerolog.Logger, webhookURL string, opts ...SlackOption) Notifier {
	if webhookURL == "" {
		return NewNoop(logger, "slack webhook not configured; notifications disabled")
	}

	n := &SlackNotifier{logger: logger, policy: DefaultPolicy}
	for _, opt := range opts {
		opt(n)
	}
	n.out = newReceiver(logger, "slack", webhookURL, n.policy)
	return n
}

// Notify implements Notifier. Large batches are split across several messages.
func (n *SlackNotifier) Notify(ctx context.Context, scope string, transitions []transition.Transition) error {
	if len(transitions) == 0 {
		return nil
	}
	scope = scopeOrDefault(scope)
	if err := n.out.admit(ctx, scope); err != nil {
		return err
	}

	messages := buildSlackMessages(scope, transitions)
	for i, message := range messages {
		payload, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("marshal slack payload: %w", err)
		}
		if err := n.out.deliver(ctx, payload); err != nil {
			return fmt.Errorf("slack message %d/%d: %w", i+1, len(messages), err)
		}
	}

	n.logger.Debug().
		Str("scope", scope).
		Int("transitions", len(transitions)).
		Int("messages", len(messages)).
		Msg("slack notification sent")
	return nil
}

func buildSlackMessages(scope string, transitions []transition.Transition) []slack.WebhookMessage {
	if len(transitions) == 0 {
		return nil
	}

	total := len(transitions)
	chunkTotal := (total + slackMaxTransitions - 1) / slackMaxTransitions
	messages := make([]slack.WebhookMessage, 0, chunkTotal)

	for i := 0; i < total; i += slackMaxTransitions {
		end := min(i+slackMaxTransitions, total)
		partIndex := (i / slackMaxTransitions) + 1
		messages = append(messages, buildSlackMessage(scope, transitions[i:end], total, partIndex, chunkTotal))
	}
	return messages
}

func buildSlackMessage(scope string, transitions []transition.Transition, total int, partIndex int, partTotal int) slack.WebhookMessage {
	summary := fmt.Sprintf("Fleet %s: %d status change(s)", scope, total)
	if partTotal > 1 {
		summary = fmt.Sprintf("%s (part %d/%d)", summary, partIndex, partTotal)
	}
	header := slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", summary, false, false))
	contextElements := []slack.MixedElement{
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Scope: *%s*", scope), false, false),
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Unhealthy: %d", countUnhealthy(transitions)), false, false),
	}
	if partTotal > 1 {
		contextElements = append(contextElements, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Batch: %d/%d", partIndex, partTotal), false, false))
	}
	context := slack.NewContextBlock("", contextElements...)

	blocks := []slack.Block{header, context}
	for _, change := range transitions {
		blocks = append(blocks, buildTransitionBlock(change))
	}

	blockSet := slack.Blocks{BlockSet: blocks}
	return slack.WebhookMessage{
		Text:   summary,
		Blocks: &blockSet,
	}
}

func buildTransitionBlock(change transition.Transition) slack.Block {
	icon := ":red_circle:"
	if change.Healthy {
		icon = ":large_green_circle:"
	}
	title := fmt.Sprintf("%s *%s* (%s): `%s` → `%s`", icon, change.Subject, change.Kind, statusLabel(change.Previous), statusLabel(change.Current))
	text := slack.NewTextBlockObject("mrkdwn", title, false, false)

	fields := make([]*slack.TextBlockObject, 0, 2)
	if len(change.Reasons) > 0 {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", "*Reasons:*\n"+strings.Join(change.Reasons, ", "), false, false))
	}
	if len(change.Details) > 0 {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", formatDetails(change.Details), false, false))
	}
	if len(fields) == 0 {
		fields = nil
	}

	return slack.NewSectionBlock(text, fields, nil)
}

func formatDetails(details map[string]string) string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: `%s`", k, details[k]))
	}
	return "*Details:*\n• " + strings.Join(parts, "\n• ")
}

func countUnhealthy(transitions []transition.Transition) int {
	n := 0
	for _, t := range transitions {
		if !t.Healthy {
			n++
		}
	}
	return n
}

func statusLabel(status string) string {
	if status == "" {
		return "unknown"
	}
	return status
}
