// Package tenants enforces per-tenant access and quotas: which
// providers and models a tenant may call, and how many requests,
// tokens and dollars it may consume per hour, day and month.
//
// Usage is tracked in period buckets keyed by (subject, period,
// periodStart). Period start is the floor of wall-clock time to the
// period boundary; quotas reset implicitly when now rolls past the
// boundary, no background job is involved.
package tenants

import (
	"time"
)

// Status represents the current status of a tenant.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Quotas are hard ceilings per window. Zero means unlimited.
type Quotas struct {
	MaxRequestsPerHour  int64   `json:"max_requests_per_hour,omitempty"`
	MaxRequestsPerDay   int64   `json:"max_requests_per_day,omitempty"`
	MaxRequestsPerMonth int64   `json:"max_requests_per_month,omitempty"`
	MaxTokensPerHour    int64   `json:"max_tokens_per_hour,omitempty"`
	MaxTokensPerDay     int64   `json:"max_tokens_per_day,omitempty"`
	MaxTokensPerMonth   int64   `json:"max_tokens_per_month,omitempty"`
	MaxCostPerHour      float64 `json:"max_cost_per_hour,omitempty"`
	MaxCostPerDay       float64 `json:"max_cost_per_day,omitempty"`
	MaxCostPerMonth     float64 `json:"max_cost_per_month,omitempty"`
}

// Tenant is one governed organization.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	// AllowedProviders and AllowedModels are allow-lists. An empty list
	// permits everything.
	AllowedProviders []string          `json:"allowed_providers,omitempty"`
	AllowedModels    []string          `json:"allowed_models,omitempty"`
	Quotas           Quotas            `json:"quotas"`
	PolicyIDs        []string          `json:"policy_ids,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// IsActive returns true if the tenant may send traffic.
func (t *Tenant) IsActive() bool {
	return t.Status == StatusActive
}

// Period is a quota aggregation window.
type Period string

const (
	PeriodHour  Period = "hour"
	PeriodDay   Period = "day"
	PeriodMonth Period = "month"
)

// Periods lists all windows a usage delta is applied to.
var Periods = []Period{PeriodHour, PeriodDay, PeriodMonth}

// PeriodStart floors now to the period boundary.
func PeriodStart(now time.Time, p Period) time.Time {
	switch p {
	case PeriodHour:
		return now.Truncate(time.Hour)
	case PeriodDay:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	case PeriodMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	}
	return now.Truncate(time.Hour)
}

// UsageBucket holds counters for one (subject, period, periodStart).
// At most one live bucket exists per key at any instant.
type UsageBucket struct {
	Subject     string    `json:"subject"`
	Period      Period    `json:"period"`
	PeriodStart time.Time `json:"period_start"`
	Requests    int64     `json:"requests"`
	Tokens      int64     `json:"tokens"`
	Cost        float64   `json:"cost"`
	CacheHits   int64     `json:"cache_hits"`
	CacheMisses int64     `json:"cache_misses"`
	Blocked     int64     `json:"blocked"`
	Errors      int64     `json:"errors"`
}

// UsageDelta is one increment applied to the hour, day and month
// buckets simultaneously.
type UsageDelta struct {
	Requests  int64
	Tokens    int64
	Cost      float64
	CacheHit  bool
	CacheMiss bool
	Blocked   bool
	Error     bool
}

func (b *UsageBucket) apply(d UsageDelta) {
	b.Requests += d.Requests
	b.Tokens += d.Tokens
	b.Cost += d.Cost
	if d.CacheHit {
		b.CacheHits++
	}
	if d.CacheMiss {
		b.CacheMisses++
	}
	if d.Blocked {
		b.Blocked++
	}
	if d.Error {
		b.Errors++
	}
}

// QuotaStatus reports one metric against its ceiling.
type QuotaStatus struct {
	Period    Period  `json:"period"`
	Metric    string  `json:"metric"` // "requests", "tokens", "cost"
	Used      float64 `json:"used"`
	Limit     float64 `json:"limit"`
	Pct       float64 `json:"pct"`
	Exhausted bool    `json:"exhausted"`
}
