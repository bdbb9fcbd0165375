package gateway

import "strings"

// Request intents.
const (
	IntentCoding = "coding"
	IntentChat   = "chat"
)

var codingKeywords = []string{"code", "python", "function", "class", "bug", "error", "fix", "golang", "compile", "stack trace"}

// promptNoise marks boilerplate that editor integrations append to prompts.
var promptNoise = []string{"To suggest changes", "Reply in English"}

// ClassifyIntent guesses whether a prompt is about code.
func ClassifyIntent(prompt string) string {
	for _, marker := range promptNoise {
		if before, _, found := strings.Cut(prompt, marker); found {
			prompt = before
		}
	}
	lower := strings.ToLower(prompt)
	for _, keyword := range codingKeywords {
		if strings.Contains(lower, keyword) {
			return IntentCoding
		}
	}
	return IntentChat
}
