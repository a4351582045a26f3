package gateway

import (
	"encoding/json"
	"strings"

	"github.com/contentforge/ai-proxy/internal/apperror"
	"github.com/contentforge/ai-proxy/internal/provider"
)

// Parameters is the tuning block of the explicit multi-provider shape.
type Parameters struct {
	Temperature *float64 `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
}

// ChatMessage is one turn of the transcript shape. Content is kept raw
// because old clients sometimes send structured values there.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// RawRequest is the union of the three request shapes the proxy has
// historically accepted. Shape selection is by field presence, checked in
// order: provider, then messages, then prompt.
type RawRequest struct {
	// Explicit multi-provider shape.
	Provider   string      `json:"provider"`
	Model      string      `json:"model"`
	Task       string      `json:"task"`
	Content    string      `json:"content"`
	Parameters *Parameters `json:"parameters"`

	// Chat transcript shape.
	Messages []ChatMessage `json:"messages"`

	// Legacy prompt shape.
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"maxTokens"`
	Image     string `json:"image"`
	MediaType string `json:"mediaType"`

	// Shared by the transcript and legacy shapes.
	System string `json:"system"`
}

// Normalize reduces a raw request to the single internal form. All
// downstream logic operates on the result and never re-inspects raw input.
func Normalize(raw *RawRequest) (*provider.Request, error) {
	switch {
	case raw.Provider != "":
		return normalizeMultiProvider(raw)
	case len(raw.Messages) > 0:
		return normalizeTranscript(raw)
	case raw.Prompt != "":
		return normalizeLegacyPrompt(raw)
	default:
		return nil, apperror.BadRequest(
			`Invalid request: must include "provider" field (multi-provider) or "prompt" field (legacy)`)
	}
}

func normalizeMultiProvider(raw *RawRequest) (*provider.Request, error) {
	if raw.Content == "" {
		return nil, apperror.BadRequest(`Missing "content" field`)
	}
	req := &provider.Request{
		Provider: raw.Provider,
		Model:    raw.Model,
		Content:  raw.Content,
	}
	if raw.Parameters != nil {
		req.Temperature = raw.Parameters.Temperature
		req.MaxTokens = raw.Parameters.MaxTokens
	}
	return req, nil
}

// normalizeTranscript flattens a chat transcript into a single role-tagged
// prompt and routes it to anthropic.
func normalizeTranscript(raw *RawRequest) (*provider.Request, error) {
	parts := make([]string, 0, len(raw.Messages))
	for _, m := range raw.Messages {
		role := "Assistant"
		if m.Role == "user" {
			role = "Human"
		}
		parts = append(parts, role+": "+messageText(m.Content))
	}
	prompt := strings.Join(parts, "\n\n")
	if raw.System != "" {
		prompt = raw.System + "\n\n" + prompt
	}
	return &provider.Request{
		Provider:  provider.Anthropic,
		Model:     raw.Model,
		Content:   prompt,
		MaxTokens: raw.MaxTokens,
	}, nil
}

func normalizeLegacyPrompt(raw *RawRequest) (*provider.Request, error) {
	req := &provider.Request{
		Provider:  provider.Anthropic,
		Model:     raw.Model,
		Content:   raw.Prompt,
		MaxTokens: raw.MaxTokens,
	}
	if raw.Image != "" && raw.MediaType != "" {
		req.ImageBase64 = raw.Image
		req.ImageMediaType = raw.MediaType
		req.System = raw.System
		return req, nil
	}
	if raw.System != "" {
		req.Content = raw.System + "\n\n" + raw.Prompt
	}
	return req, nil
}

func messageText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
