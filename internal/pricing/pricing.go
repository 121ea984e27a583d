package pricing

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
)

// Direction selects which side of a completion is being priced.
type Direction int

const (
	Input Direction = iota
	Output
)

// Price holds USD rates per million units for one model.
type Price struct {
	InputPerMillion  decimal.Decimal `json:"input_per_million"`
	OutputPerMillion decimal.Decimal `json:"output_per_million"`
}

// Table maps model ids to their prices. It is loaded once at startup and is
// immutable afterwards; concurrent reads need no locking.
type Table struct {
	prices map[string]Price
}

func usd(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// DefaultTable returns the built-in rate table for the supported model set.
func DefaultTable() *Table {
	return &Table{prices: map[string]Price{
		"gpt-4o":                     {InputPerMillion: usd("2.50"), OutputPerMillion: usd("10.00")},
		"gpt-4o-mini":                {InputPerMillion: usd("0.15"), OutputPerMillion: usd("0.60")},
		"o1":                         {InputPerMillion: usd("15.00"), OutputPerMillion: usd("60.00")},
		"o1-mini":                    {InputPerMillion: usd("1.10"), OutputPerMillion: usd("4.40")},
		"o3-mini":                    {InputPerMillion: usd("1.10"), OutputPerMillion: usd("4.40")},
		"claude-3-7-sonnet-20250219": {InputPerMillion: usd("3.00"), OutputPerMillion: usd("15.00")},
		"claude-3-5-haiku-20241022":  {InputPerMillion: usd("0.80"), OutputPerMillion: usd("4.00")},
	}}
}

// LoadTable merges per-model overrides from a JSON file over the defaults.
// The file holds a map of model id to price, e.g.
// {"gpt-4o-mini": {"input_per_million": "0.15", "output_per_million": "0.60"}}.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}

	var overrides map[string]Price
	if err := json.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file: %w", err)
	}

	t := DefaultTable()
	for model, p := range overrides {
		t.prices[model] = p
	}
	return t, nil
}

// Lookup returns the price for a model and whether the model is known.
func (t *Table) Lookup(modelID string) (Price, bool) {
	p, ok := t.prices[modelID]
	return p, ok
}

// Known reports whether the table carries a price for the model.
func (t *Table) Known(modelID string) bool {
	_, ok := t.prices[modelID]
	return ok
}

// Cost prices a unit count against the table. An unknown model prices to
// zero; the degrade is deliberate and the caller is expected to log it.
// Amounts stay in fixed-point decimal so repeated small increments never
// accumulate float drift.
func (t *Table) Cost(units int64, modelID string, dir Direction) decimal.Decimal {
	p, ok := t.prices[modelID]
	if !ok {
		return decimal.Zero
	}

	perMillion := p.InputPerMillion
	if dir == Output {
		perMillion = p.OutputPerMillion
	}

	// units * perMillion / 1_000_000, with the division as an exact exponent
	// shift rather than a rounded quotient.
	return perMillion.Shift(-6).Mul(decimal.NewFromInt(units))
}
