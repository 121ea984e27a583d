package router

import (
	"context"
	"errors"
	"testing"

	"github.com/sage-ai/sage/internal/provider"
)

type MockProvider struct {
	name        string
	completeErr error
}

func (m *MockProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if m.completeErr != nil {
		return nil, m.completeErr
	}
	return &provider.Response{
		Content:      "mock",
		Provider:     m.name,
		Model:        req.Model,
		InputTokens:  10,
		OutputTokens: 20,
	}, nil
}

func (m *MockProvider) Name() string { return m.name }

func TestRoute_ByProviderTag(t *testing.T) {
	p1 := &MockProvider{name: "openai"}
	p2 := &MockProvider{name: "anthropic"}

	router := New([]provider.Provider{p1, p2}, DefaultCatalog())

	p, err := router.Route("claude-3-5-haiku-20241022")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("Expected anthropic, got %s", p.Name())
	}

	p, err = router.Route("o3-mini")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("Expected openai, got %s", p.Name())
	}
}

func TestRoute_UnknownModel(t *testing.T) {
	router := New([]provider.Provider{&MockProvider{name: "openai"}}, DefaultCatalog())

	if _, err := router.Route("gpt-99-ultra"); err == nil {
		t.Error("Expected error for unknown model")
	}
}

func TestRoute_MissingProvider(t *testing.T) {
	// Catalog names anthropic but only openai is registered.
	router := New([]provider.Provider{&MockProvider{name: "openai"}}, DefaultCatalog())

	if _, err := router.Route("claude-3-5-haiku-20241022"); err == nil {
		t.Error("Expected error when no provider serves the tag")
	}
}

func TestExecute_CircuitBreakerTrips(t *testing.T) {
	bad := &MockProvider{name: "openai", completeErr: errors.New("backend down")}
	router := New([]provider.Provider{bad}, DefaultCatalog())

	req := &provider.Request{Model: "gpt-4o-mini"}
	for i := 0; i < 3; i++ {
		if _, err := router.Execute(context.Background(), req, bad); err == nil {
			t.Fatal("Expected failure")
		}
	}

	// Breaker is now open; the failure still looks like a provider error.
	_, err := router.Execute(context.Background(), req, bad)
	var pErr *provider.Error
	if !errors.As(err, &pErr) {
		t.Fatalf("Expected *provider.Error from open breaker, got %T: %v", err, err)
	}
	if pErr.Provider != "openai" {
		t.Errorf("Expected provider tag openai, got %s", pErr.Provider)
	}
}

func TestExecute_NotConfiguredPassesThrough(t *testing.T) {
	refusing := &MockProvider{
		name:        "anthropic",
		completeErr: &provider.Error{Provider: "anthropic", Err: provider.ErrNotConfigured},
	}
	router := New([]provider.Provider{refusing}, DefaultCatalog())

	_, err := router.Execute(context.Background(), &provider.Request{Model: "claude-3-5-haiku-20241022"}, refusing)
	if !errors.Is(err, provider.ErrNotConfigured) {
		t.Errorf("Expected ErrNotConfigured to survive the breaker, got %v", err)
	}
}

func TestExecute_Success(t *testing.T) {
	p := &MockProvider{name: "openai"}
	router := New([]provider.Provider{p}, DefaultCatalog())

	resp, err := router.Execute(context.Background(), &provider.Request{Model: "gpt-4o"}, p)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp.Content != "mock" {
		t.Errorf("Expected mock content, got %s", resp.Content)
	}
}
