package gateway

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clay-good/proxilion-grc-sub001/pkg/backpressure"
	"github.com/clay-good/proxilion-grc-sub001/pkg/balancer"
	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
	"github.com/clay-good/proxilion-grc-sub001/pkg/costs"
	"github.com/clay-good/proxilion-grc-sub001/pkg/faults"
	"github.com/clay-good/proxilion-grc-sub001/pkg/observability"
	"github.com/clay-good/proxilion-grc-sub001/pkg/policy"
	"github.com/clay-good/proxilion-grc-sub001/pkg/providers"
	"github.com/clay-good/proxilion-grc-sub001/pkg/queue"
	"github.com/clay-good/proxilion-grc-sub001/pkg/scanners"
	"github.com/clay-good/proxilion-grc-sub001/pkg/semcache"
	"github.com/clay-good/proxilion-grc-sub001/pkg/tenants"
)

// harness bundles one fully wired gateway with handles on the pieces
// the scenarios inspect.
type harness struct {
	gw       *Gateway
	tenants  *tenants.Manager
	audit    *observability.ChainLog
	upstream *atomic.Int64
	load     *atomic.Value // float64 signal feeding the monitor
	cache    *semcache.MemoryCache
}

type harnessOpt func(*Deps, *harness)

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	ctx := context.Background()

	store := tenants.NewMemoryStore()
	require.NoError(t, store.Put(ctx, &tenants.Tenant{
		ID:     "acme",
		Name:   "Acme Corp",
		Status: tenants.StatusActive,
	}))
	tm := tenants.NewManager(store)

	eng, err := policy.NewEngine()
	require.NoError(t, err)
	eng.SetPolicies([]policy.Policy{{
		ID:       "pol-block-critical",
		Name:     "block critical findings",
		Priority: 100,
		Enabled:  true,
		Conditions: []policy.Condition{
			{Field: policy.FieldThreatLevel, Op: policy.OpGTE, Value: "critical"},
		},
		Actions: []policy.Action{{Type: policy.ActionBlock}},
	}})

	upstream := &atomic.Int64{}
	bal := balancer.New(balancer.Config{
		Strategy:   balancer.StrategyRoundRobin,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}, func(ctx context.Context, ep *balancer.Endpoint, conn *balancer.Conn, req *contracts.Request) (*contracts.Response, error) {
		upstream.Add(1)
		return &contracts.Response{
			CorrelationID: req.CorrelationID,
			Provider:      req.Provider,
			Model:         req.Model,
			Content:       "upstream answer",
			FinishReason:  "stop",
			Usage:         contracts.TokenUsage{InputTokens: 10, OutputTokens: 20},
		}, nil
	}, nil)
	bal.AddEndpoint(balancer.NewEndpoint("ep-a", "openai", "https://a.example/v1", 1, 1))

	load := &atomic.Value{}
	load.Store(0.0)
	monitor := backpressure.NewMonitor(backpressure.Config{}, func() float64 {
		return load.Load().(float64)
	})

	pricing := costs.NewPricingTable(map[string]map[string]costs.Price{
		"openai": {"gpt-4o": {InputPerMillion: 2.5, OutputPerMillion: 10.0}},
	})
	tracker := costs.NewTracker(pricing, costs.NewMemoryStore())

	cache := semcache.NewMemoryCache(semcache.Config{
		MaxCacheSize:        100,
		TTL:                 time.Minute,
		SimilarityThreshold: 0.95,
	})

	audit := observability.NewChainLog(nil)

	deps := Deps{
		Scanners: scanners.NewPipeline(scanners.DefaultConfig(),
			scanners.NewPIIScanner(), scanners.NewInjectionScanner()),
		Policies: eng,
		Tenants:  tm,
		Costs:    tracker,
		Queue:    queue.NewManager(queue.Config{MaxQueueSize: 100, Fairness: true}),
		Balancer: bal,
		Monitor:  monitor,
		Breaker:  backpressure.NewBreaker(backpressure.BreakerConfig{}),
		Cache:    cache,
		Embedder: providers.NewHashEmbedder(64),
		Audit:    audit,
		Scheduler: queue.SchedulerConfig{
			MinConcurrency: 1,
			MaxConcurrency: 4,
		},
	}

	h := &harness{tenants: tm, audit: audit, upstream: upstream, load: load, cache: cache}
	for _, opt := range opts {
		opt(&deps, h)
	}

	h.gw = New(deps)
	h.gw.Start(context.Background())
	t.Cleanup(h.gw.Stop)
	return h
}

func chatRequest(text string) *contracts.Request {
	return &contracts.Request{
		TenantID: "acme",
		UserID:   "u-1",
		Provider: "openai",
		Model:    "gpt-4o",
		Messages: []contracts.Message{
			{Role: contracts.RoleUser, Content: text},
		},
		Priority: contracts.PriorityNormal,
	}
}

func TestHandleAllowsCleanRequest(t *testing.T) {
	h := newHarness(t)

	resp, err := h.gw.Handle(context.Background(), chatRequest("what is the capital of France?"))
	require.NoError(t, err)
	assert.Equal(t, "upstream answer", resp.Content)
	assert.False(t, resp.Cached)
	assert.Equal(t, int64(1), h.upstream.Load())

	usage := h.tenants.Usage("acme", tenants.PeriodHour)
	assert.Equal(t, int64(1), usage.Requests)
	assert.Equal(t, int64(30), usage.Tokens)
	assert.Greater(t, usage.Cost, 0.0)

	recs := h.audit.Records()
	require.NotEmpty(t, recs)
	assert.Equal(t, "allow", recs[len(recs)-1].Event.Decision)
	assert.NoError(t, h.audit.Verify())
}

func TestHandleBlocksPII(t *testing.T) {
	h := newHarness(t)

	_, err := h.gw.Handle(context.Background(), chatRequest("my ssn is 123-45-6789, summarize my file"))
	require.Error(t, err)
	assert.Equal(t, faults.PolicyBlocked, faults.CodeOf(err))
	// Evidence stays masked without an explicit policy opt-in.
	assert.NotContains(t, err.Error(), "6789")

	assert.Equal(t, int64(0), h.upstream.Load(), "blocked request must not reach upstream")

	usage := h.tenants.Usage("acme", tenants.PeriodHour)
	assert.Equal(t, int64(1), usage.Blocked)

	recs := h.audit.Records()
	require.NotEmpty(t, recs)
	last := recs[len(recs)-1]
	assert.Equal(t, "block", last.Event.Decision)
	assert.Equal(t, contracts.SeverityCritical, last.Event.ThreatLevel)
	assert.NotEmpty(t, last.Event.DecisionHash)
}

func TestHandleCacheHitSkipsUpstream(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.gw.Handle(ctx, chatRequest("explain photosynthesis"))
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, int64(1), h.upstream.Load())

	second, err := h.gw.Handle(ctx, chatRequest("explain photosynthesis"))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, int64(1), h.upstream.Load(), "hit must not call upstream")
	assert.NotEqual(t, first.CorrelationID, second.CorrelationID)

	usage := h.tenants.Usage("acme", tenants.PeriodHour)
	assert.Equal(t, int64(1), usage.CacheHits)
	assert.Equal(t, int64(1), usage.CacheMisses)
}

func TestHandleFailover(t *testing.T) {
	h := newHarness(t, func(d *Deps, h *harness) {
		calls := &atomic.Int64{}
		d.Balancer = balancer.New(balancer.Config{
			Strategy:   balancer.StrategyRoundRobin,
			MaxRetries: 3,
			RetryDelay: time.Millisecond,
		}, func(ctx context.Context, ep *balancer.Endpoint, conn *balancer.Conn, req *contracts.Request) (*contracts.Response, error) {
			calls.Add(1)
			if ep.ID == "ep-a" {
				return nil, faults.New(faults.UpstreamFailure, "connection refused")
			}
			return &contracts.Response{
				CorrelationID: req.CorrelationID,
				Provider:      req.Provider,
				Model:         req.Model,
				Content:       "from backup",
			}, nil
		}, nil)
		d.Balancer.AddEndpoint(balancer.NewEndpoint("ep-a", "openai", "https://a.example/v1", 1, 1))
		d.Balancer.AddEndpoint(balancer.NewEndpoint("ep-b", "openai", "https://b.example/v1", 2, 1))
	})

	resp, err := h.gw.Handle(context.Background(), chatRequest("hello there"))
	require.NoError(t, err)
	assert.Equal(t, "from backup", resp.Content)
	assert.Equal(t, "ep-b", resp.EndpointID)
}

func TestHandleShedsUnderCriticalLoad(t *testing.T) {
	h := newHarness(t)
	h.load.Store(1.0)

	_, err := h.gw.Handle(context.Background(), chatRequest("low value batch job"))
	require.Error(t, err)
	assert.Equal(t, faults.LoadShed, faults.CodeOf(err))
	assert.Equal(t, int64(0), h.upstream.Load())

	// Critical priority is always admitted.
	req := chatRequest("production incident")
	req.Priority = contracts.PriorityCritical
	_, err = h.gw.Handle(context.Background(), req)
	assert.NoError(t, err)
}

func TestHandleRejectStrategy(t *testing.T) {
	h := newHarness(t, func(d *Deps, h *harness) {
		d.Strategy = StrategyReject
	})
	h.load.Store(0.85) // high, below critical

	low := chatRequest("bulk export")
	low.Priority = contracts.PriorityLow
	_, err := h.gw.Handle(context.Background(), low)
	assert.Equal(t, faults.LoadShed, faults.CodeOf(err))

	_, err = h.gw.Handle(context.Background(), chatRequest("normal work"))
	assert.NoError(t, err, "normal priority passes the reject strategy at high load")
}

func TestHandleQuotaExceeded(t *testing.T) {
	h := newHarness(t, func(d *Deps, h *harness) {
		store := tenants.NewMemoryStore()
		require.NoError(t, store.Put(context.Background(), &tenants.Tenant{
			ID:     "acme",
			Status: tenants.StatusActive,
			Quotas: tenants.Quotas{MaxRequestsPerHour: 2},
		}))
		h.tenants = tenants.NewManager(store)
		d.Tenants = h.tenants
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.gw.Handle(ctx, chatRequest("distinct question number "+string(rune('a'+i))))
		require.NoError(t, err)
	}

	_, err := h.gw.Handle(ctx, chatRequest("one more over the ceiling"))
	require.Error(t, err)
	assert.Equal(t, faults.QuotaExceeded, faults.CodeOf(err))

	recs := h.audit.Records()
	last := recs[len(recs)-1]
	assert.Equal(t, "reject", last.Event.Decision)
	assert.Equal(t, string(faults.QuotaExceeded), last.Event.Reason)
}

func TestHandleUnknownTenant(t *testing.T) {
	h := newHarness(t)
	req := chatRequest("hello")
	req.TenantID = "ghost"

	_, err := h.gw.Handle(context.Background(), req)
	assert.Equal(t, faults.Unauthorized, faults.CodeOf(err))
	assert.Equal(t, int64(0), h.upstream.Load())
}

func TestHandleAnonymousRequestAdmitted(t *testing.T) {
	h := newHarness(t)
	req := chatRequest("what is the capital of France?")
	req.TenantID = ""
	req.UserID = ""

	resp, err := h.gw.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "upstream answer", resp.Content)
	assert.Equal(t, int64(1), h.upstream.Load())

	recs := h.audit.Records()
	require.NotEmpty(t, recs)
	assert.Equal(t, "allow", recs[len(recs)-1].Event.Decision)
	assert.Empty(t, recs[len(recs)-1].Event.TenantID)
}

func TestHandleAnonymousStillScanned(t *testing.T) {
	h := newHarness(t)
	req := chatRequest("my ssn is 123-45-6789")
	req.TenantID = ""
	req.UserID = ""

	_, err := h.gw.Handle(context.Background(), req)
	assert.Equal(t, faults.PolicyBlocked, faults.CodeOf(err))
	assert.Equal(t, int64(0), h.upstream.Load())
}

func TestHandleDisallowedModel(t *testing.T) {
	h := newHarness(t, func(d *Deps, h *harness) {
		store := tenants.NewMemoryStore()
		require.NoError(t, store.Put(context.Background(), &tenants.Tenant{
			ID:            "acme",
			Status:        tenants.StatusActive,
			AllowedModels: []string{"gpt-4o-mini"},
		}))
		h.tenants = tenants.NewManager(store)
		d.Tenants = h.tenants
	})

	_, err := h.gw.Handle(context.Background(), chatRequest("hello"))
	assert.Equal(t, faults.ModelNotAllowed, faults.CodeOf(err))
}

func TestHandleBudgetExceeded(t *testing.T) {
	h := newHarness(t, func(d *Deps, h *harness) {
		d.Costs.SetLimits([]costs.BudgetLimit{{
			Scope:   costs.ScopeTenant,
			ScopeID: "acme",
			Period:  tenants.PeriodMonth,
			Limit:   0.000001,
		}})
	})
	ctx := context.Background()

	// First request spends; the second finds the budget exhausted.
	_, err := h.gw.Handle(ctx, chatRequest("first request spends a little"))
	require.NoError(t, err)

	_, err = h.gw.Handle(ctx, chatRequest("second request is over budget"))
	require.Error(t, err)
	assert.Equal(t, faults.BudgetExceeded, faults.CodeOf(err))
}

func TestHandleRedactionRewritesContent(t *testing.T) {
	h := newHarness(t, func(d *Deps, h *harness) {
		eng, err := policy.NewEngine()
		require.NoError(t, err)
		eng.SetPolicies([]policy.Policy{{
			ID:       "pol-redact-pii",
			Name:     "redact medium findings",
			Priority: 50,
			Enabled:  true,
			Conditions: []policy.Condition{
				{Field: policy.FieldThreatLevel, Op: policy.OpGTE, Value: "medium"},
			},
			Actions: []policy.Action{{Type: policy.ActionRedact}},
		}})
		d.Policies = eng

		d.Balancer = balancer.New(balancer.Config{
			Strategy:   balancer.StrategyRoundRobin,
			RetryDelay: time.Millisecond,
		}, func(ctx context.Context, ep *balancer.Endpoint, conn *balancer.Conn, req *contracts.Request) (*contracts.Response, error) {
			// Echo what the upstream would actually see.
			return &contracts.Response{
				CorrelationID: req.CorrelationID,
				Content:       req.UserText(),
			}, nil
		}, nil)
		d.Balancer.AddEndpoint(balancer.NewEndpoint("ep-a", "openai", "https://a.example/v1", 1, 1))
		d.Cache = nil
	})

	resp, err := h.gw.Handle(context.Background(), chatRequest("email me at alice@example.com please"))
	require.NoError(t, err)
	assert.NotContains(t, resp.Content, "alice@example.com")
	assert.Contains(t, resp.Content, "[REDACTED]")
}

func TestHandleResponseScanBlocks(t *testing.T) {
	h := newHarness(t, func(d *Deps, h *harness) {
		d.ScanResponses = true
		d.Cache = nil
		d.Balancer = balancer.New(balancer.Config{
			Strategy:   balancer.StrategyRoundRobin,
			RetryDelay: time.Millisecond,
		}, func(ctx context.Context, ep *balancer.Endpoint, conn *balancer.Conn, req *contracts.Request) (*contracts.Response, error) {
			return &contracts.Response{
				CorrelationID: req.CorrelationID,
				Content:       "the customer's ssn is 987-65-4321",
			}, nil
		}, nil)
		d.Balancer.AddEndpoint(balancer.NewEndpoint("ep-a", "openai", "https://a.example/v1", 1, 1))
	})

	_, err := h.gw.Handle(context.Background(), chatRequest("look up the customer record"))
	require.Error(t, err)
	assert.Equal(t, faults.PolicyBlocked, faults.CodeOf(err))
}

func TestHandleConcurrentMixedTenantsStayIsolated(t *testing.T) {
	h := newHarness(t, func(d *Deps, h *harness) {
		store := tenants.NewMemoryStore()
		for _, id := range []string{"acme", "globex"} {
			require.NoError(t, store.Put(context.Background(), &tenants.Tenant{
				ID: id, Status: tenants.StatusActive,
			}))
		}
		h.tenants = tenants.NewManager(store)
		d.Tenants = h.tenants
		d.Cache = nil
	})
	ctx := context.Background()

	const perTenant = 10
	errs := make(chan error, perTenant*2)
	for i := 0; i < perTenant; i++ {
		for _, tid := range []string{"acme", "globex"} {
			go func(tid string, i int) {
				req := chatRequest("question " + string(rune('a'+i)))
				req.TenantID = tid
				_, err := h.gw.Handle(ctx, req)
				errs <- err
			}(tid, i)
		}
	}
	for i := 0; i < perTenant*2; i++ {
		assert.NoError(t, <-errs)
	}

	assert.Equal(t, int64(perTenant), h.tenants.Usage("acme", tenants.PeriodHour).Requests)
	assert.Equal(t, int64(perTenant), h.tenants.Usage("globex", tenants.PeriodHour).Requests)
}
