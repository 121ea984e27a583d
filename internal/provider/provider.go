package provider

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConfigured marks a provider constructed without a credential. The
// adapter refuses before any network I/O; other providers stay usable.
var ErrNotConfigured = errors.New("provider not configured")

// Error is the single failure shape every backend error is normalized into.
// Callers branch on the provider tag or unwrap the sentinel, never on
// provider-specific error types.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Response is the normalized envelope. InputTokens/OutputTokens carry the
// backend-reported usage when the backend supplies one; billing counts units
// itself and does not read them.
type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Name() string
}
