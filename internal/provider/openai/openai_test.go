package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/contentforge/ai-proxy/internal/provider"
)

func TestComplete_Mock(t *testing.T) {
	var gotReq openAIRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Expected bearer auth, got %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)

		resp := openAIResponse{
			ID:      "chatcmpl-1",
			Model:   "gpt-4o",
			Choices: []openAIChoice{{Message: openAIMessage{Role: "assistant", Content: `{"ok":true}`}}},
			Usage:   openAIUsage{PromptTokens: 7, CompletionTokens: 3},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	c := &Client{apiKey: "test-key", baseURL: server.URL, httpc: http.DefaultClient}

	res, err := c.Complete(context.Background(), &provider.Request{Content: "hi"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if res.Content != `{"ok":true}` {
		t.Errorf("Unexpected content %s", res.Content)
	}
	if res.Usage.InputTokens != 7 || res.Usage.OutputTokens != 3 {
		t.Errorf("Unexpected usage %+v", res.Usage)
	}
	if gotReq.Model != defaultModel {
		t.Errorf("Expected default model, got %s", gotReq.Model)
	}
	if gotReq.ResponseFormat == nil || gotReq.ResponseFormat.Type != "json_object" {
		t.Errorf("Expected json_object response format, got %+v", gotReq.ResponseFormat)
	}
}

func TestComplete_AuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key"}}`))
	}))
	defer server.Close()

	c := &Client{apiKey: "bad-key", baseURL: server.URL, httpc: http.DefaultClient}

	_, err := c.Complete(context.Background(), &provider.Request{Content: "hi"})
	var perr *provider.Error
	if !errors.As(err, &perr) {
		t.Fatalf("Expected *provider.Error, got %v", err)
	}
	if perr.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", perr.StatusCode)
	}
	if perr.Provider != "openai" {
		t.Errorf("Expected provider openai, got %s", perr.Provider)
	}
}
