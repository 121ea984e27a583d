package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sage-ai/sage/internal/provider"
)

// DefaultCatalog maps each served model id to the provider tag that backs
// it. The tag is denormalized alongside the model so adding a backend means
// registering one provider and listing its models here.
func DefaultCatalog() map[string]string {
	return map[string]string{
		"gpt-4o":                     "openai",
		"gpt-4o-mini":                "openai",
		"o1":                         "openai",
		"o1-mini":                    "openai",
		"o3-mini":                    "openai",
		"claude-3-7-sonnet-20250219": "anthropic",
		"claude-3-5-haiku-20241022":  "anthropic",
	}
}

// Router dispatches requests to the provider serving a model. Each provider
// sits behind a circuit breaker that fails calls fast after consecutive
// backend failures; nothing here ever retries.
type Router struct {
	providers map[string]provider.Provider
	breakers  map[string]*gobreaker.CircuitBreaker
	catalog   map[string]string // model id -> provider tag
}

func New(providers []provider.Provider, catalog map[string]string) *Router {
	byName := make(map[string]provider.Provider, len(providers))
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
		settings := gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Router{
		providers: byName,
		breakers:  breakers,
		catalog:   catalog,
	}
}

// Models returns the model ids the router can serve.
func (r *Router) Models() []string {
	out := make([]string, 0, len(r.catalog))
	for model := range r.catalog {
		out = append(out, model)
	}
	return out
}

// Route resolves a model id to its provider.
func (r *Router) Route(model string) (provider.Provider, error) {
	tag, ok := r.catalog[model]
	if !ok {
		return nil, fmt.Errorf("unknown model %q", model)
	}
	p, ok := r.providers[tag]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", tag)
	}
	return p, nil
}

// Execute runs the call through the provider's circuit breaker. A
// not-configured refusal passes through untouched so the caller can tell it
// apart from a live backend failure.
func (r *Router) Execute(ctx context.Context, req *provider.Request, p provider.Provider) (*provider.Response, error) {
	cb := r.breakers[p.Name()]
	result, err := cb.Execute(func() (interface{}, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		var pErr *provider.Error
		if errors.As(err, &pErr) {
			return nil, err
		}
		// Breaker-originated errors (open state, too many half-open requests)
		// surface in the same normalized shape as backend failures.
		return nil, &provider.Error{Provider: p.Name(), Err: err}
	}
	return result.(*provider.Response), nil
}
