package costs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
	"github.com/clay-good/proxilion-grc-sub001/pkg/faults"
	"github.com/clay-good/proxilion-grc-sub001/pkg/tenants"
)

// BudgetLimit caps spend for one scope over one period.
type BudgetLimit struct {
	Scope   Scope          `json:"scope"`
	ScopeID string         `json:"scope_id,omitempty"`
	Period  tenants.Period `json:"period"`
	Limit   float64        `json:"limit"`
	// AlertThresholdPct triggers the alert flag at this percentage of
	// the limit, before it is exceeded. Zero disables alerting.
	AlertThresholdPct float64 `json:"alert_threshold_pct,omitempty"`
}

// BudgetStatus reports one limit against current spend.
type BudgetStatus struct {
	Scope          Scope          `json:"scope"`
	ScopeID        string         `json:"scope_id,omitempty"`
	Period         tenants.Period `json:"period"`
	Current        float64        `json:"current"`
	Limit          float64        `json:"limit"`
	Pct            float64        `json:"pct"`
	Exceeded       bool           `json:"exceeded"`
	AlertTriggered bool           `json:"alert_triggered"`
}

// Tracker computes and records per-request cost and enforces budgets.
type Tracker struct {
	pricing *PricingTable
	store   Store
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	limits []BudgetLimit

	// OnAlert, when set, observes every status whose alert threshold
	// tripped. Used to wire notification channels.
	OnAlert func(BudgetStatus)
}

// NewTracker creates a tracker over the given pricing table and ledger.
func NewTracker(pricing *PricingTable, store Store) *Tracker {
	return &Tracker{
		pricing: pricing,
		store:   store,
		logger:  slog.Default().With("component", "costs"),
		now:     time.Now,
	}
}

// Price reports the per-million token prices for a provider/model pair.
// Shaped to plug into cost-aware endpoint selection.
func (t *Tracker) Price(provider, model string) (inPrice, outPrice float64, ok bool) {
	p, ok := t.pricing.Lookup(provider, model)
	return p.InputPerMillion, p.OutputPerMillion, ok
}

// SetLimits replaces the budget limit set.
func (t *Tracker) SetLimits(limits []BudgetLimit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits = append([]BudgetLimit(nil), limits...)
}

// Limits returns a copy of the configured limits.
func (t *Tracker) Limits() []BudgetLimit {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]BudgetLimit(nil), t.limits...)
}

// Record computes the cost of one exchange and appends it to the
// ledger. Cached responses are recorded with zero cost.
func (t *Tracker) Record(ctx context.Context, req *contracts.Request, resp *contracts.Response) (CostEntry, error) {
	entry := CostEntry{
		ID:        uuid.New().String(),
		Timestamp: t.now().UTC(),
		Provider:  resp.Provider,
		Model:     resp.Model,
		UserID:    req.UserID,
		TenantID:  req.TenantID,
		RequestID: req.CorrelationID,
		Cached:    resp.Cached,
	}
	if entry.Provider == "" {
		entry.Provider = req.Provider
	}
	if entry.Model == "" {
		entry.Model = req.Model
	}
	if !resp.Cached {
		entry.InputTokens = resp.Usage.InputTokens
		entry.OutputTokens = resp.Usage.OutputTokens
		b := t.pricing.Compute(entry.Provider, entry.Model, resp.Usage)
		entry.InputCost = b.InputCost
		entry.OutputCost = b.OutputCost
		entry.TotalCost = b.TotalCost
	}
	if err := t.store.Append(ctx, entry); err != nil {
		return CostEntry{}, err
	}
	return entry, nil
}

// CheckBudget evaluates every limit applicable to the caller. Global
// limits always apply; user and tenant limits apply when the matching
// id is non-empty and equal.
func (t *Tracker) CheckBudget(ctx context.Context, userID, tenantID string) ([]BudgetStatus, error) {
	now := t.now()
	var out []BudgetStatus
	for _, l := range t.Limits() {
		var scopeID string
		switch l.Scope {
		case ScopeUser:
			if userID == "" || l.ScopeID != userID {
				continue
			}
			scopeID = userID
		case ScopeTenant:
			if tenantID == "" || l.ScopeID != tenantID {
				continue
			}
			scopeID = tenantID
		case ScopeGlobal:
			scopeID = ""
		default:
			continue
		}

		since := tenants.PeriodStart(now, l.Period)
		current, err := t.store.Total(ctx, l.Scope, scopeID, since)
		if err != nil {
			return nil, err
		}
		pct := 0.0
		if l.Limit > 0 {
			pct = current / l.Limit * 100
		}
		status := BudgetStatus{
			Scope:          l.Scope,
			ScopeID:        l.ScopeID,
			Period:         l.Period,
			Current:        current,
			Limit:          l.Limit,
			Pct:            pct,
			Exceeded:       l.Limit > 0 && current >= l.Limit,
			AlertTriggered: l.AlertThresholdPct > 0 && pct >= l.AlertThresholdPct,
		}
		if status.AlertTriggered && t.OnAlert != nil {
			t.OnAlert(status)
		}
		out = append(out, status)
	}
	return out, nil
}

// EnforceBudget fails closed: any applicable exceeded limit blocks the
// request, and so does a ledger read failure.
func (t *Tracker) EnforceBudget(ctx context.Context, userID, tenantID string) error {
	statuses, err := t.CheckBudget(ctx, userID, tenantID)
	if err != nil {
		return faults.Wrap(faults.BudgetExceeded, "budget check failed", err)
	}
	for _, s := range statuses {
		if s.Exceeded {
			return faults.Newf(faults.BudgetExceeded, "%s budget exceeded for period %s", s.Scope, s.Period)
		}
	}
	return nil
}
