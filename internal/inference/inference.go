package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/nholik/fleet-sentinel/internal/backend"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

const defaultSystemPrompt = "You are a helpful assistant."

// Request is one inference call as seen by a backend.
type Request struct {
	ID     string
	Prompt string
	// Model overrides the backend's configured model when set.
	Model  string
	System string
}

// Response is the backend's answer.
type Response struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// Error describes a failed backend call.
type Error struct {
	Backend     string
	StatusCode  int
	RateLimited bool
	Err         error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("backend %s: status %d: %v", e.Backend, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("backend %s: %v", e.Backend, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether err is a rate-limit or quota rejection.
func IsRateLimited(err error) bool {
	var ierr *Error
	if errors.As(err, &ierr) {
		return ierr.RateLimited
	}
	return false
}

// OpenAIDispatcher calls backends through their OpenAI-compatible chat completion API.
// Clients are created lazily per backend and reused.
type OpenAIDispatcher struct {
	mu         sync.Mutex
	clients    map[string]*openai.Client
	httpClient *http.Client
	getenv     func(string) string
	logger     zerolog.Logger
}

// Option customizes an OpenAIDispatcher.
type Option func(*OpenAIDispatcher)

// WithHTTPClient sets the HTTP client used for backend calls.
func WithHTTPClient(client *http.Client) Option {
	return func(d *OpenAIDispatcher) {
		if client != nil {
			d.httpClient = client
		}
	}
}

// WithGetenv overrides how API keys are read from the environment.
func WithGetenv(getenv func(string) string) Option {
	return func(d *OpenAIDispatcher) {
		if getenv != nil {
			d.getenv = getenv
		}
	}
}

// NewOpenAIDispatcher returns a dispatcher with no cached clients.
func NewOpenAIDispatcher(logger zerolog.Logger, opts ...Option) *OpenAIDispatcher {
	d := &OpenAIDispatcher{
		clients:    make(map[string]*openai.Client),
		httpClient: &http.Client{},
		getenv:     os.Getenv,
		logger:     logger.With().Str("component", "inference").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends req to b. Deadlines come from ctx.
func (d *OpenAIDispatcher) Dispatch(ctx context.Context, b backend.Descriptor, req Request) (Response, error) {
	client, err := d.client(b)
	if err != nil {
		return Response{}, &Error{Backend: b.ID, Err: err}
	}

	model := req.Model
	if model == "" {
		model = b.Model
	}
	system := req.System
	if system == "" {
		system = defaultSystemPrompt
	}

	d.logger.Debug().
		Str("request_id", req.ID).
		Str("backend", b.ID).
		Str("model", model).
		Msg("dispatching")

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	})
	if err != nil {
		return Response{}, classify(b.ID, err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, &Error{Backend: b.ID, Err: errors.New("no choices returned")}
	}

	return Response{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

func (d *OpenAIDispatcher) client(b backend.Descriptor) (*openai.Client, error) {
	if b.BaseURL == "" {
		return nil, errors.New("backend has no base url")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.clients[b.ID]; ok {
		return c, nil
	}

	var key string
	if b.APIKeyEnv != "" {
		key = d.getenv(b.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("api key variable %s is not set", b.APIKeyEnv)
		}
	}

	cfg := openai.DefaultConfig(key)
	cfg.BaseURL = strings.TrimRight(b.BaseURL, "/")
	cfg.HTTPClient = d.httpClient
	c := openai.NewClientWithConfig(cfg)
	d.clients[b.ID] = c
	return c, nil
}

func classify(id string, err error) error {
	out := &Error{Backend: id, Err: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		out.StatusCode = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		out.StatusCode = reqErr.HTTPStatusCode
	}

	out.RateLimited = out.StatusCode == http.StatusTooManyRequests ||
		strings.Contains(strings.ToLower(err.Error()), "quota")
	return out
}
