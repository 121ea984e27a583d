package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sage-ai/sage/internal/provider"
)

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("anthropic-version"); got != "2023-06-01" {
			t.Errorf("Expected version header 2023-06-01, got %q", got)
		}
		resp := anthropicResponse{
			ID: "msg_123",
			Content: []anthropicContent{
				{Type: "text", Text: "Hello from Anthropic mock!"},
			},
			Usage: anthropicUsage{
				InputTokens:  10,
				OutputTokens: 20,
			},
			Model: "claude-3-5-haiku-20241022",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := &AnthropicProvider{
		apiKey:  "test-key",
		baseURL: server.URL,
	}

	req := &provider.Request{
		Model: "claude-3-5-haiku-20241022",
		Messages: []provider.Message{
			{Role: "user", Content: "hi"},
		},
	}

	resp, err := p.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Content != "Hello from Anthropic mock!" {
		t.Errorf("Expected 'Hello from Anthropic mock!', got %s", resp.Content)
	}
	if resp.InputTokens != 10 || resp.OutputTokens != 20 {
		t.Errorf("Expected 10/20 tokens, got %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if resp.Provider != "anthropic" {
		t.Errorf("Expected provider tag anthropic, got %s", resp.Provider)
	}
}

func TestComplete_NotConfigured(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	p := &AnthropicProvider{apiKey: "", baseURL: server.URL}

	_, err := p.Complete(context.Background(), &provider.Request{Model: "claude-3-5-haiku-20241022"})
	if !errors.Is(err, provider.ErrNotConfigured) {
		t.Fatalf("Expected ErrNotConfigured, got %v", err)
	}
	if called {
		t.Error("Adapter must refuse before any network call")
	}
}

func TestMapRequest_SystemPromptExtracted(t *testing.T) {
	var captured anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)
		resp := anthropicResponse{
			ID:      "msg_1",
			Content: []anthropicContent{{Type: "text", Text: "ok"}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := &AnthropicProvider{apiKey: "k", baseURL: server.URL}

	_, err := p.Complete(context.Background(), &provider.Request{
		Model: "claude-3-5-haiku-20241022",
		Messages: []provider.Message{
			{Role: "system", Content: "You are terse."},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
			{Role: "user", Content: "more"},
		},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if captured.System != "You are terse." {
		t.Errorf("Expected system prompt lifted out, got %q", captured.System)
	}
	for _, m := range captured.Messages {
		if m.Role == "system" {
			t.Error("System role must not remain in the message list")
		}
	}
	if len(captured.Messages) != 3 {
		t.Errorf("Expected 3 non-system messages, got %d", len(captured.Messages))
	}
	if captured.MaxTokens != defaultMaxTokens {
		t.Errorf("Expected default max_tokens %d, got %d", defaultMaxTokens, captured.MaxTokens)
	}
}

func TestMapRequest_MaxTokensHonored(t *testing.T) {
	p := &AnthropicProvider{apiKey: "k"}
	mapped := p.mapRequest(&provider.Request{
		Model:     "claude-3-7-sonnet-20250219",
		MaxTokens: 4096,
		Messages:  []provider.Message{{Role: "user", Content: "hi"}},
	})
	if mapped.MaxTokens != 4096 {
		t.Errorf("Expected caller max_tokens 4096, got %d", mapped.MaxTokens)
	}
}

func TestComplete_BackendErrorNormalized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_error"}}`))
	}))
	defer server.Close()

	p := &AnthropicProvider{apiKey: "k", baseURL: server.URL}

	_, err := p.Complete(context.Background(), &provider.Request{Model: "claude-3-5-haiku-20241022"})
	var pErr *provider.Error
	if !errors.As(err, &pErr) {
		t.Fatalf("Expected *provider.Error, got %T: %v", err, err)
	}
	if pErr.Provider != "anthropic" {
		t.Errorf("Expected provider tag anthropic, got %s", pErr.Provider)
	}
}

func TestName(t *testing.T) {
	p := New("key")
	if p.Name() != "anthropic" {
		t.Errorf("Expected 'anthropic', got %s", p.Name())
	}
}
