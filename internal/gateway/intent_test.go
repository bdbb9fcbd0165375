package gateway

import "testing"

func TestClassifyIntent(t *testing.T) {
	tests := []struct {
		prompt string
		want   string
	}{
		{prompt: "Fix the failing test in parser.go", want: IntentCoding},
		{prompt: "Write a Python function that sorts", want: IntentCoding},
		{prompt: "What's the weather like in Rome?", want: IntentChat},
		{prompt: "Summarize this article. To suggest changes to code, use blocks", want: IntentChat},
		{prompt: "", want: IntentChat},
	}
	for _, tt := range tests {
		if got := ClassifyIntent(tt.prompt); got != tt.want {
			t.Fatalf("ClassifyIntent(%q) = %s, want %s", tt.prompt, got, tt.want)
		}
	}
}
