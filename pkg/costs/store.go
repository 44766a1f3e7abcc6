package costs

import (
	"context"
	"sync"
	"time"
)

// Scope identifies who a cost entry or budget limit applies to.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeTenant Scope = "tenant"
	ScopeGlobal Scope = "global"
)

// CostEntry is one append-only ledger row.
type CostEntry struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"ts"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	UserID       string    `json:"user_id,omitempty"`
	TenantID     string    `json:"tenant_id,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	InputCost    float64   `json:"input_cost"`
	OutputCost   float64   `json:"output_cost"`
	TotalCost    float64   `json:"total_cost"`
	RequestID    string    `json:"request_id"`
	Cached       bool      `json:"cached"`
}

// Store is the cost ledger. Append only; totals are computed over a
// time window per scope.
type Store interface {
	Append(ctx context.Context, e CostEntry) error
	// Total sums TotalCost of entries since the given instant for the
	// scope. ScopeGlobal ignores scopeID.
	Total(ctx context.Context, scope Scope, scopeID string, since time.Time) (float64, error)
	// Entries returns the ledger rows for a tenant since the instant,
	// newest first, for export and reporting.
	Entries(ctx context.Context, tenantID string, since time.Time) ([]CostEntry, error)
}

// MemoryStore is the in-process ledger.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []CostEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, e CostEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) Total(ctx context.Context, scope Scope, scopeID string, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, e := range s.entries {
		if e.Timestamp.Before(since) {
			continue
		}
		switch scope {
		case ScopeUser:
			if e.UserID != scopeID {
				continue
			}
		case ScopeTenant:
			if e.TenantID != scopeID {
				continue
			}
		}
		total += e.TotalCost
	}
	return total, nil
}

func (s *MemoryStore) Entries(ctx context.Context, tenantID string, since time.Time) ([]CostEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []CostEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.TenantID == tenantID && !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}
