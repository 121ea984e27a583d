package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sage-ai/sage/internal/pricing"
)

// ModelUsage accumulates units and spend for one model. All fields are
// monotonically non-decreasing.
type ModelUsage struct {
	InputUnits  int64           `json:"input_units"`
	OutputUnits int64           `json:"output_units"`
	TotalCost   decimal.Decimal `json:"total_cost"`
}

// Entry is the persisted per-user accumulator. TotalSpending always equals
// the sum of TotalCost across ModelUsage; it is reconciled on every write.
type Entry struct {
	UserID        string                `json:"user_id"`
	TotalSpending decimal.Decimal       `json:"total_spending"`
	ModelUsage    map[string]ModelUsage `json:"model_usage"`
	LastUpdated   time.Time             `json:"last_updated"`
}

func newEntry(userID string) *Entry {
	return &Entry{
		UserID:        userID,
		TotalSpending: decimal.Zero,
		ModelUsage:    make(map[string]ModelUsage),
	}
}

func (e *Entry) clone() *Entry {
	c := *e
	c.ModelUsage = make(map[string]ModelUsage, len(e.ModelUsage))
	for model, u := range e.ModelUsage {
		c.ModelUsage[model] = u
	}
	return &c
}

// Store persists ledger entries. Load returns the full ledger at startup;
// Save persists a single entry write-through on every mutation.
type Store interface {
	Load(ctx context.Context) (map[string]*Entry, error)
	Save(ctx context.Context, e *Entry) error
}

// Ledger meters per-user spend. Entries live in an in-process cache and every
// mutation writes through to the store. Recording is read-modify-write atomic
// per user: concurrent calls for the same user serialize on a per-user lock,
// while different users proceed in parallel.
type Ledger struct {
	store Store
	table *pricing.Table

	mu      sync.Mutex // guards entries, locks and limits
	entries map[string]*Entry
	locks   map[string]*sync.Mutex

	defaultLimit decimal.Decimal
	hasDefault   bool
	limits       map[string]decimal.Decimal
}

type Option func(*Ledger)

// WithDefaultLimit sets a spending ceiling applying to users without their
// own limit. Without it, users are unlimited.
func WithDefaultLimit(limit decimal.Decimal) Option {
	return func(l *Ledger) {
		l.defaultLimit = limit
		l.hasDefault = true
	}
}

func New(ctx context.Context, store Store, table *pricing.Table, opts ...Option) (*Ledger, error) {
	entries, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	if entries == nil {
		entries = make(map[string]*Entry)
	}

	l := &Ledger{
		store:   store,
		table:   table,
		entries: entries,
		locks:   make(map[string]*sync.Mutex),
		limits:  make(map[string]decimal.Decimal),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// SetLimit configures a per-user spending ceiling.
func (l *Ledger) SetLimit(userID string, limit decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[userID] = limit
}

// Record prices the usage and folds it into the user's entry, creating the
// entry on first use. It returns the cost of this call. The in-memory entry
// is replaced only after the store accepts the write, so a failed persist
// never leaves the cached totals out of step with disk.
func (l *Ledger) Record(ctx context.Context, userID, modelID string, inputUnits, outputUnits int64) (decimal.Decimal, error) {
	userLock := l.lockFor(userID)
	userLock.Lock()
	defer userLock.Unlock()

	current := l.entry(userID)
	updated := current.clone()

	inputCost := l.table.Cost(inputUnits, modelID, pricing.Input)
	outputCost := l.table.Cost(outputUnits, modelID, pricing.Output)
	callCost := inputCost.Add(outputCost)

	usage := updated.ModelUsage[modelID]
	usage.InputUnits += inputUnits
	usage.OutputUnits += outputUnits
	usage.TotalCost = usage.TotalCost.Add(callCost)
	updated.ModelUsage[modelID] = usage

	// Reconcile rather than increment: the invariant is total == sum of parts
	// and it must hold on every write.
	total := decimal.Zero
	for _, u := range updated.ModelUsage {
		total = total.Add(u.TotalCost)
	}
	updated.TotalSpending = total
	updated.LastUpdated = time.Now().UTC()

	if err := l.store.Save(ctx, updated.clone()); err != nil {
		return decimal.Zero, fmt.Errorf("failed to persist ledger entry for %s: %w", userID, err)
	}

	l.mu.Lock()
	l.entries[userID] = updated
	l.mu.Unlock()

	return callCost, nil
}

// Get returns a copy of the user's entry, or a zero-valued entry for users
// the ledger has never seen. It never fails.
func (l *Ledger) Get(userID string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[userID]; ok {
		return *e.clone()
	}
	return *newEntry(userID)
}

// WithinLimit reports whether the user's accumulated spend is still under
// their ceiling. No configured ceiling means unlimited.
func (l *Ledger) WithinLimit(userID string) bool {
	l.mu.Lock()
	limit, ok := l.limits[userID]
	if !ok {
		limit, ok = l.defaultLimit, l.hasDefault
	}
	var spent decimal.Decimal
	if e, exists := l.entries[userID]; exists {
		spent = e.TotalSpending
	}
	l.mu.Unlock()

	if !ok {
		return true
	}
	return spent.LessThan(limit)
}

func (l *Ledger) lockFor(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[userID] = lock
	}
	return lock
}

// entry returns the live entry for the user, creating it lazily. Callers must
// hold the user's lock.
func (l *Ledger) entry(userID string) *Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[userID]
	if !ok {
		e = newEntry(userID)
		l.entries[userID] = e
	}
	return e
}
