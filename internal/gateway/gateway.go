package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sage-ai/sage/internal/chat"
	"github.com/sage-ai/sage/internal/ledger"
	"github.com/sage-ai/sage/internal/pricing"
	"github.com/sage-ai/sage/internal/provider"
	"github.com/sage-ai/sage/internal/router"
	"github.com/sage-ai/sage/internal/tokenizer"
	"github.com/sage-ai/sage/pkg/quota"
)

var (
	ErrQuotaExceeded = errors.New("daily quota exceeded")
	ErrSpendingLimit = errors.New("spending limit reached")
)

const defaultTemperature = 0.7

// Gateway runs one chat turn end to end: quota gate, provider dispatch,
// unit counting, cost recording, transcript append. Usage is recorded only
// after a successful provider response; a failed or timed-out call never
// charges the user.
type Gateway struct {
	router  *router.Router
	counter *tokenizer.Counter
	ledger  *ledger.Ledger
	chats   *chat.Service
	table   *pricing.Table
	gate    quota.Gate
	tracer  trace.Tracer
	timeout time.Duration
}

func New(r *router.Router, counter *tokenizer.Counter, l *ledger.Ledger, chats *chat.Service, table *pricing.Table, gate quota.Gate, tracer trace.Tracer, timeout time.Duration) *Gateway {
	return &Gateway{
		router:  r,
		counter: counter,
		ledger:  l,
		chats:   chats,
		table:   table,
		gate:    gate,
		tracer:  tracer,
		timeout: timeout,
	}
}

// TurnResult is what one successful turn cost and produced.
type TurnResult struct {
	Reply       string          `json:"reply"`
	Model       string          `json:"model"`
	Provider    string          `json:"provider"`
	InputUnits  int64           `json:"input_units"`
	OutputUnits int64           `json:"output_units"`
	Cost        decimal.Decimal `json:"cost"`
	Title       string          `json:"title"`
}

func (g *Gateway) Turn(ctx context.Context, userID, conversationID, prompt string) (*TurnResult, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.turn")
	defer span.End()

	allowed, err := g.gate.Allow(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("quota check failed: %w", err)
	}
	if !allowed {
		return nil, ErrQuotaExceeded
	}
	if !g.ledger.WithinLimit(userID) {
		return nil, ErrSpendingLimit
	}

	conv, err := g.chats.Get(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("conversation_id", conversationID),
		attribute.String("model", conv.Model),
	)

	messages := make([]provider.Message, 0, len(conv.Messages)+1)
	for _, m := range conv.Messages {
		messages = append(messages, provider.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, provider.Message{Role: "user", Content: prompt})

	p, err := g.router.Route(conv.Model)
	if err != nil {
		return nil, err
	}

	req := &provider.Request{
		Model:       conv.Model,
		Messages:    messages,
		Temperature: defaultTemperature,
	}

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp, err := g.router.Execute(callCtx, req, p)
	if err != nil {
		// Nothing has been recorded or appended; the turn fails as a unit.
		return nil, err
	}

	contents := make([]string, len(messages))
	for i, m := range messages {
		contents[i] = m.Content
	}
	inputUnits := g.counter.CountMessages(contents, conv.Model)
	outputUnits := int64(g.counter.Count(resp.Content, conv.Model))

	if !g.table.Known(conv.Model) {
		log.Printf("gateway: no pricing for model %s, recording zero cost", conv.Model)
	}

	cost, err := g.ledger.Record(ctx, userID, conv.Model, inputUnits, outputUnits)
	if err != nil {
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}

	if err := g.chats.Append(ctx, userID, conversationID, chat.Message{Role: "user", Content: prompt}); err != nil {
		return nil, err
	}
	if err := g.chats.Append(ctx, userID, conversationID, chat.Message{Role: "assistant", Content: resp.Content}); err != nil {
		return nil, err
	}

	updated, err := g.chats.Get(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	return &TurnResult{
		Reply:       resp.Content,
		Model:       conv.Model,
		Provider:    resp.Provider,
		InputUnits:  inputUnits,
		OutputUnits: outputUnits,
		Cost:        cost,
		Title:       updated.Title,
	}, nil
}
