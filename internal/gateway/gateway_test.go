package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/sage-ai/sage/internal/chat"
	"github.com/sage-ai/sage/internal/ledger"
	"github.com/sage-ai/sage/internal/pricing"
	"github.com/sage-ai/sage/internal/provider"
	"github.com/sage-ai/sage/internal/router"
	"github.com/sage-ai/sage/internal/tokenizer"
	"github.com/sage-ai/sage/pkg/quota"
)

// testModel uses the character-length unit approximation, which keeps the
// counter fully deterministic in tests.
const testModel = "claude-3-5-haiku-20241022"

type mockProvider struct {
	name        string
	reply       string
	completeErr error
	block       bool
	calls       int
}

func (m *mockProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	m.calls++
	if m.block {
		<-ctx.Done()
		return nil, &provider.Error{Provider: m.name, Err: ctx.Err()}
	}
	if m.completeErr != nil {
		return nil, m.completeErr
	}
	return &provider.Response{
		ID:       "mock-id",
		Content:  m.reply,
		Model:    req.Model,
		Provider: m.name,
	}, nil
}

func (m *mockProvider) Name() string { return m.name }

type denyGate struct{}

func (denyGate) Allow(ctx context.Context, userID string) (bool, error) { return false, nil }

type env struct {
	gateway *Gateway
	chats   *chat.Service
	ledger  *ledger.Ledger
	backend *mockProvider
}

func newEnv(t *testing.T, backend *mockProvider, gate quota.Gate, opts ...ledger.Option) *env {
	t.Helper()
	dir := t.TempDir()

	chatStore, err := chat.NewFileStore(dir + "/chats")
	if err != nil {
		t.Fatal(err)
	}
	chats := chat.NewService(chatStore)

	ledgerStore, err := ledger.NewFileStore(dir + "/ledger.json")
	if err != nil {
		t.Fatal(err)
	}
	table := pricing.DefaultTable()
	l, err := ledger.New(context.Background(), ledgerStore, table, opts...)
	if err != nil {
		t.Fatal(err)
	}

	r := router.New([]provider.Provider{backend}, router.DefaultCatalog())
	g := New(r, tokenizer.NewCounter(), l, chats, table, gate, otel.Tracer("test"), 5*time.Second)

	return &env{gateway: g, chats: chats, ledger: l, backend: backend}
}

func TestTurn_HappyPath(t *testing.T) {
	backend := &mockProvider{name: "anthropic", reply: "Via Hawking radiation, slowly."}
	e := newEnv(t, backend, quota.AllowAll{})
	ctx := context.Background()

	conv, err := e.chats.Create(ctx, "alice", testModel)
	if err != nil {
		t.Fatal(err)
	}

	prompt := "How do black holes evaporate over time"
	result, err := e.gateway.Turn(ctx, "alice", conv.ID, prompt)
	if err != nil {
		t.Fatalf("Turn failed: %v", err)
	}

	if result.Reply != backend.reply {
		t.Errorf("Expected reply %q, got %q", backend.reply, result.Reply)
	}
	if result.Provider != "anthropic" {
		t.Errorf("Expected provider anthropic, got %s", result.Provider)
	}

	// ceil(runes/4) for prompt and reply.
	if result.InputUnits != 10 {
		t.Errorf("Expected 10 input units for %d-rune prompt, got %d", len(prompt), result.InputUnits)
	}
	if result.OutputUnits != 8 {
		t.Errorf("Expected 8 output units, got %d", result.OutputUnits)
	}

	table := pricing.DefaultTable()
	wantCost := table.Cost(10, testModel, pricing.Input).Add(table.Cost(8, testModel, pricing.Output))
	if !result.Cost.Equal(wantCost) {
		t.Errorf("Expected cost %s, got %s", wantCost, result.Cost)
	}

	entry := e.ledger.Get("alice")
	if !entry.TotalSpending.Equal(wantCost) {
		t.Errorf("Ledger total %s, want %s", entry.TotalSpending, wantCost)
	}

	msgs, err := e.chats.List(ctx, "alice", conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != prompt {
		t.Errorf("First message wrong: %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != backend.reply {
		t.Errorf("Second message wrong: %+v", msgs[1])
	}

	if result.Title != "How do black holes..." {
		t.Errorf("Expected derived title, got %q", result.Title)
	}
}

func TestTurn_HistorySentToProvider(t *testing.T) {
	var seen []provider.Message
	backend := &mockProvider{name: "anthropic", reply: "second answer"}
	e := newEnv(t, backend, quota.AllowAll{})
	ctx := context.Background()

	conv, _ := e.chats.Create(ctx, "alice", testModel)
	if _, err := e.gateway.Turn(ctx, "alice", conv.ID, "first question"); err != nil {
		t.Fatal(err)
	}

	// Capture the second call's request through a wrapping provider.
	capture := &captureProvider{inner: backend, seen: &seen}
	r := router.New([]provider.Provider{capture}, router.DefaultCatalog())
	e.gateway.router = r

	if _, err := e.gateway.Turn(ctx, "alice", conv.ID, "second question"); err != nil {
		t.Fatal(err)
	}

	want := []string{"first question", backend.reply, "second question"}
	if len(seen) != len(want) {
		t.Fatalf("Expected %d messages sent, got %d", len(want), len(seen))
	}
	for i, content := range want {
		if seen[i].Content != content {
			t.Errorf("Message %d: got %q, want %q", i, seen[i].Content, content)
		}
	}
}

type captureProvider struct {
	inner *mockProvider
	seen  *[]provider.Message
}

func (c *captureProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	*c.seen = append([]provider.Message{}, req.Messages...)
	return c.inner.Complete(ctx, req)
}

func (c *captureProvider) Name() string { return c.inner.Name() }

func TestTurn_QuotaDenied(t *testing.T) {
	backend := &mockProvider{name: "anthropic", reply: "never sent"}
	e := newEnv(t, backend, denyGate{})
	ctx := context.Background()

	conv, _ := e.chats.Create(ctx, "alice", testModel)
	_, err := e.gateway.Turn(ctx, "alice", conv.ID, "hello")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Expected ErrQuotaExceeded, got %v", err)
	}
	if backend.calls != 0 {
		t.Error("Provider must not be called when quota denies")
	}
	assertNothingCharged(t, e, conv.ID)
}

func TestTurn_SpendingLimitDenied(t *testing.T) {
	backend := &mockProvider{name: "anthropic", reply: "hi"}
	e := newEnv(t, backend, quota.AllowAll{}, ledger.WithDefaultLimit(decimal.RequireFromString("0.000001")))
	ctx := context.Background()

	conv, _ := e.chats.Create(ctx, "alice", testModel)
	// First turn is allowed (spend still zero), second is over the ceiling.
	if _, err := e.gateway.Turn(ctx, "alice", conv.ID, "a reasonably long first prompt"); err != nil {
		t.Fatalf("First turn failed: %v", err)
	}
	_, err := e.gateway.Turn(ctx, "alice", conv.ID, "another prompt")
	if !errors.Is(err, ErrSpendingLimit) {
		t.Fatalf("Expected ErrSpendingLimit, got %v", err)
	}
}

func TestTurn_ProviderFailureChargesNothing(t *testing.T) {
	backend := &mockProvider{
		name:        "anthropic",
		completeErr: &provider.Error{Provider: "anthropic", Err: errors.New("backend 500")},
	}
	e := newEnv(t, backend, quota.AllowAll{})
	ctx := context.Background()

	conv, _ := e.chats.Create(ctx, "alice", testModel)
	_, err := e.gateway.Turn(ctx, "alice", conv.ID, "hello")

	var pErr *provider.Error
	if !errors.As(err, &pErr) {
		t.Fatalf("Expected *provider.Error, got %v", err)
	}
	assertNothingCharged(t, e, conv.ID)
}

func TestTurn_TimeoutChargesNothing(t *testing.T) {
	backend := &mockProvider{name: "anthropic", block: true}
	e := newEnv(t, backend, quota.AllowAll{})
	e.gateway.timeout = 20 * time.Millisecond
	ctx := context.Background()

	conv, _ := e.chats.Create(ctx, "alice", testModel)
	_, err := e.gateway.Turn(ctx, "alice", conv.ID, "hello")
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	assertNothingCharged(t, e, conv.ID)
}

func TestTurn_NotConfiguredProvider(t *testing.T) {
	backend := &mockProvider{
		name:        "anthropic",
		completeErr: &provider.Error{Provider: "anthropic", Err: provider.ErrNotConfigured},
	}
	e := newEnv(t, backend, quota.AllowAll{})
	ctx := context.Background()

	conv, _ := e.chats.Create(ctx, "alice", testModel)
	_, err := e.gateway.Turn(ctx, "alice", conv.ID, "hello")
	if !errors.Is(err, provider.ErrNotConfigured) {
		t.Fatalf("Expected ErrNotConfigured, got %v", err)
	}
	assertNothingCharged(t, e, conv.ID)
}

func TestTurn_UnknownConversation(t *testing.T) {
	e := newEnv(t, &mockProvider{name: "anthropic"}, quota.AllowAll{})
	_, err := e.gateway.Turn(context.Background(), "alice", "no-such-id", "hello")
	if !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("Expected chat.ErrNotFound, got %v", err)
	}
}

func assertNothingCharged(t *testing.T, e *env, conversationID string) {
	t.Helper()
	entry := e.ledger.Get("alice")
	if !entry.TotalSpending.IsZero() {
		t.Errorf("Expected zero spend, got %s", entry.TotalSpending)
	}
	msgs, err := e.chats.List(context.Background(), "alice", conversationID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("Expected no appended messages, got %d", len(msgs))
	}
}
