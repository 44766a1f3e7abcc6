// Package costs computes per-request cost from a pricing table, keeps
// the append-only cost ledger, and enforces budget limits at admission.
package costs

import (
	"log/slog"
	"sync"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
)

// Price is the per-million-token price of one (provider, model).
type Price struct {
	InputPerMillion  float64 `json:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
	// Optional modality prices, unused by the token cost path.
	ImagePerUnit   float64 `json:"image_per_unit,omitempty"`
	AudioPerMinute float64 `json:"audio_per_minute,omitempty"`
}

// Breakdown is the computed cost of one exchange.
type Breakdown struct {
	InputCost  float64
	OutputCost float64
	TotalCost  float64
	// Known is false when the pricing table had no entry; costs are
	// zero but tracking proceeds.
	Known bool
}

// PricingTable resolves (provider, model) to prices. Safe for
// concurrent use; updates replace whole provider maps.
type PricingTable struct {
	mu     sync.RWMutex
	prices map[string]map[string]Price
	logger *slog.Logger
}

// NewPricingTable creates a table from an initial price map, which may
// be nil.
func NewPricingTable(prices map[string]map[string]Price) *PricingTable {
	if prices == nil {
		prices = make(map[string]map[string]Price)
	}
	return &PricingTable{
		prices: prices,
		logger: slog.Default().With("component", "pricing"),
	}
}

// Set installs the price of one (provider, model).
func (t *PricingTable) Set(provider, model string, p Price) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.prices[provider]
	if !ok {
		m = make(map[string]Price)
		t.prices[provider] = m
	}
	m[model] = p
}

// Lookup returns the price and whether the table has an entry.
func (t *PricingTable) Lookup(provider, model string) (Price, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.prices[provider]
	if !ok {
		return Price{}, false
	}
	p, ok := m[model]
	return p, ok
}

// Compute turns token usage into cost. An absent pricing key yields a
// zero-cost breakdown with a warning; tracking still proceeds.
func (t *PricingTable) Compute(provider, model string, usage contracts.TokenUsage) Breakdown {
	p, ok := t.Lookup(provider, model)
	if !ok {
		t.logger.Warn("no pricing entry, cost recorded as zero", "provider", provider, "model", model)
		return Breakdown{}
	}
	in := float64(usage.InputTokens) / 1e6 * p.InputPerMillion
	out := float64(usage.OutputTokens) / 1e6 * p.OutputPerMillion
	return Breakdown{
		InputCost:  in,
		OutputCost: out,
		TotalCost:  in + out,
		Known:      true,
	}
}
