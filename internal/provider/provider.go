package provider

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
)

// Canonical provider names accepted on the wire.
const (
	Anthropic = "anthropic"
	OpenAI    = "openai"
	Google    = "google"
)

// Request is the normalized internal form every accepted request shape
// reduces to before dispatch. Adapters never see the raw caller payload.
type Request struct {
	Provider    string
	Model       string
	Content     string
	Temperature *float64
	MaxTokens   int

	// System is a system prompt kept separate from Content only on the
	// multi-modal path; text-only paths fold it into Content upstream.
	System string

	// Multi-modal attachment from the legacy prompt shape.
	ImageBase64    string
	ImageMediaType string
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is returned uniformly regardless of which provider served the call.
type Result struct {
	Content string
	Model   string
	Usage   *Usage
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Result, error)
	Name() string
	// Configured reports whether credentials are present. Unconfigured
	// providers must be rejected before any network call.
	Configured() bool
}

// Error is returned when a provider responds with a non-2xx status.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
	// RetryAfter carries the provider's Retry-After hint in seconds, if any.
	RetryAfter int
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s api error: %s", e.Provider, e.Message)
}

// RetryAfterSeconds parses a Retry-After response header as delta-seconds.
// HTTP-date forms and garbage return 0.
func RetryAfterSeconds(h http.Header) int {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return n
	}
	return 0
}
