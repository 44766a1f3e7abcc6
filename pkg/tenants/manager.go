package tenants

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/clay-good/proxilion-grc-sub001/pkg/faults"
)

type bucketKey struct {
	period Period
	start  time.Time
}

// tenantUsage is the live bucket map of one subject, guarded by its own
// lock so hot tenants do not contend with each other.
type tenantUsage struct {
	mu      sync.Mutex
	buckets map[bucketKey]*UsageBucket
}

// Manager enforces tenant access and quotas. Bucket counters live in
// memory with an optional write-through usage store; stale buckets are
// kept until collected by Retain.
type Manager struct {
	store  Store
	usage  UsageStore // optional
	logger *slog.Logger

	mu       sync.Mutex
	subjects map[string]*tenantUsage

	defaults  Quotas
	retention time.Duration
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithUsageStore enables write-through persistence of buckets.
func WithUsageStore(us UsageStore) Option {
	return func(m *Manager) { m.usage = us }
}

// WithDefaultQuotas sets fallback limits for tenants whose record
// leaves a quota field unset. A tenant field overrides the default;
// zero in both means unlimited.
func WithDefaultQuotas(q Quotas) Option {
	return func(m *Manager) { m.defaults = q }
}

// WithRetention sets how long historic buckets survive before Retain
// collects them. Default 31 days.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = d }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager backed by the given tenant store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		logger:    slog.Default().With("component", "tenants"),
		subjects:  make(map[string]*tenantUsage),
		retention: 31 * 24 * time.Hour,
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ValidateAccess rejects when the tenant is unknown, disabled, the
// provider or model is off its allow-list, or any quota is exhausted in
// the current window. A nil return admits the request.
func (m *Manager) ValidateAccess(ctx context.Context, tenantID, provider, model string) error {
	t, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return faults.Wrap(faults.Unauthorized, "unknown tenant", err)
	}
	if !t.IsActive() {
		return faults.Newf(faults.TenantDisabled, "tenant %s is %s", t.ID, t.Status)
	}
	if len(t.AllowedProviders) > 0 && !containsString(t.AllowedProviders, provider) {
		return faults.Newf(faults.ProviderNotAllowed, "provider %s not allowed for tenant %s", provider, t.ID)
	}
	if len(t.AllowedModels) > 0 && !containsString(t.AllowedModels, model) {
		return faults.Newf(faults.ModelNotAllowed, "model %s not allowed for tenant %s", model, t.ID)
	}
	for _, qs := range m.quotaStatuses(t) {
		if qs.Exhausted {
			return faults.Newf(faults.QuotaExceeded, "%s quota exhausted for period %s", qs.Metric, qs.Period)
		}
	}
	return nil
}

// RecordUsage increments the hour, day and month buckets of the tenant
// simultaneously. Unknown tenants are still recorded; admission already
// decided whether the request was allowed.
func (m *Manager) RecordUsage(ctx context.Context, tenantID string, d UsageDelta) {
	if tenantID == "" {
		return
	}
	now := m.now()
	u := m.subjectUsage(tenantID)

	u.mu.Lock()
	touched := make([]*UsageBucket, 0, len(Periods))
	for _, p := range Periods {
		b := u.bucketLocked(tenantID, p, now)
		b.apply(d)
		cp := *b
		touched = append(touched, &cp)
	}
	u.mu.Unlock()

	if m.usage != nil {
		for _, b := range touched {
			if err := m.usage.Upsert(ctx, b); err != nil {
				m.logger.Warn("usage persistence failed", "tenant", tenantID, "period", b.Period, "error", err)
			}
		}
	}
}

// CheckQuotas reports every configured quota of the tenant against its
// current-window usage.
func (m *Manager) CheckQuotas(ctx context.Context, tenantID string) ([]QuotaStatus, error) {
	t, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return m.quotaStatuses(t), nil
}

// Usage returns a copy of the live bucket for (tenant, period) in the
// current window.
func (m *Manager) Usage(tenantID string, p Period) UsageBucket {
	now := m.now()
	u := m.subjectUsage(tenantID)
	u.mu.Lock()
	defer u.mu.Unlock()
	b := u.bucketLocked(tenantID, p, now)
	return *b
}

// Retain drops in-memory buckets whose window ended before now minus
// the retention, and asks the usage store to do the same. Returns the
// number of in-memory buckets collected.
func (m *Manager) Retain(ctx context.Context) int {
	cutoff := m.now().Add(-m.retention)

	m.mu.Lock()
	subjects := make([]*tenantUsage, 0, len(m.subjects))
	for _, u := range m.subjects {
		subjects = append(subjects, u)
	}
	m.mu.Unlock()

	collected := 0
	for _, u := range subjects {
		u.mu.Lock()
		for k := range u.buckets {
			if k.start.Before(cutoff) {
				delete(u.buckets, k)
				collected++
			}
		}
		u.mu.Unlock()
	}

	if m.usage != nil {
		if n, err := m.usage.DeleteOlderThan(ctx, cutoff); err != nil {
			m.logger.Warn("usage retention failed", "error", err)
		} else if n > 0 {
			m.logger.Info("collected persisted buckets", "count", n)
		}
	}
	return collected
}

func (m *Manager) subjectUsage(subject string) *tenantUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.subjects[subject]
	if !ok {
		u = &tenantUsage{buckets: make(map[bucketKey]*UsageBucket)}
		m.subjects[subject] = u
	}
	return u
}

// bucketLocked returns the live bucket for the current window, creating
// it on first touch. Caller holds u.mu.
func (u *tenantUsage) bucketLocked(subject string, p Period, now time.Time) *UsageBucket {
	k := bucketKey{period: p, start: PeriodStart(now, p)}
	b, ok := u.buckets[k]
	if !ok {
		b = &UsageBucket{Subject: subject, Period: p, PeriodStart: k.start}
		u.buckets[k] = b
	}
	return b
}

// effectiveQuotas overlays the manager defaults onto unset fields of
// the tenant record.
func (m *Manager) effectiveQuotas(q Quotas) Quotas {
	if q.MaxRequestsPerHour <= 0 {
		q.MaxRequestsPerHour = m.defaults.MaxRequestsPerHour
	}
	if q.MaxRequestsPerDay <= 0 {
		q.MaxRequestsPerDay = m.defaults.MaxRequestsPerDay
	}
	if q.MaxRequestsPerMonth <= 0 {
		q.MaxRequestsPerMonth = m.defaults.MaxRequestsPerMonth
	}
	if q.MaxTokensPerHour <= 0 {
		q.MaxTokensPerHour = m.defaults.MaxTokensPerHour
	}
	if q.MaxTokensPerDay <= 0 {
		q.MaxTokensPerDay = m.defaults.MaxTokensPerDay
	}
	if q.MaxTokensPerMonth <= 0 {
		q.MaxTokensPerMonth = m.defaults.MaxTokensPerMonth
	}
	if q.MaxCostPerHour <= 0 {
		q.MaxCostPerHour = m.defaults.MaxCostPerHour
	}
	if q.MaxCostPerDay <= 0 {
		q.MaxCostPerDay = m.defaults.MaxCostPerDay
	}
	if q.MaxCostPerMonth <= 0 {
		q.MaxCostPerMonth = m.defaults.MaxCostPerMonth
	}
	return q
}

func (m *Manager) quotaStatuses(t *Tenant) []QuotaStatus {
	now := m.now()
	quotas := m.effectiveQuotas(t.Quotas)
	u := m.subjectUsage(t.ID)
	u.mu.Lock()
	defer u.mu.Unlock()

	var out []QuotaStatus
	add := func(p Period, metric string, used, limit float64) {
		if limit <= 0 {
			return
		}
		out = append(out, QuotaStatus{
			Period:    p,
			Metric:    metric,
			Used:      used,
			Limit:     limit,
			Pct:       used / limit * 100,
			Exhausted: used >= limit,
		})
	}

	hour := u.bucketLocked(t.ID, PeriodHour, now)
	day := u.bucketLocked(t.ID, PeriodDay, now)
	month := u.bucketLocked(t.ID, PeriodMonth, now)

	add(PeriodHour, "requests", float64(hour.Requests), float64(quotas.MaxRequestsPerHour))
	add(PeriodDay, "requests", float64(day.Requests), float64(quotas.MaxRequestsPerDay))
	add(PeriodMonth, "requests", float64(month.Requests), float64(quotas.MaxRequestsPerMonth))
	add(PeriodHour, "tokens", float64(hour.Tokens), float64(quotas.MaxTokensPerHour))
	add(PeriodDay, "tokens", float64(day.Tokens), float64(quotas.MaxTokensPerDay))
	add(PeriodMonth, "tokens", float64(month.Tokens), float64(quotas.MaxTokensPerMonth))
	add(PeriodHour, "cost", hour.Cost, quotas.MaxCostPerHour)
	add(PeriodDay, "cost", day.Cost, quotas.MaxCostPerDay)
	add(PeriodMonth, "cost", month.Cost, quotas.MaxCostPerMonth)
	return out
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
