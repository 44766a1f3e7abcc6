// Package gateway orchestrates the request lifecycle: identity and
// tenant admission, budget and backpressure gates, semantic cache,
// content scanning, policy enforcement, scheduling, upstream dispatch
// and accounting. Every terminal outcome is audited.
package gateway

import (
	"context"
	"log/slog"
	"time"

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

// Strategy selects how load pressure is applied at admission.
type Strategy string

const (
	StrategyShed     Strategy = "shed"
	StrategyThrottle Strategy = "throttle"
	StrategyReject   Strategy = "reject"
)

// Deps are the gateway's collaborators. Scanners, Policies, Tenants,
// Balancer and Queue are required; the rest default to inert
// implementations when nil.
type Deps struct {
	Scanners *scanners.Pipeline
	Policies *policy.Engine
	Tenants  *tenants.Manager
	Costs    *costs.Tracker
	Queue    *queue.Manager
	Balancer *balancer.Balancer
	Monitor  *backpressure.Monitor
	Breaker  *backpressure.Breaker
	Cache    semcache.Cache
	Embedder providers.Embedder

	Metrics observability.Metrics
	Audit   observability.Audit

	Scheduler queue.SchedulerConfig

	Strategy       Strategy
	ThrottleStore  backpressure.LimiterStore
	ThrottlePolicy backpressure.ThrottlePolicy

	// ScanResponses runs the scanner pipeline and policy engine over the
	// upstream response body before it is returned or cached.
	ScanResponses bool
}

// Gateway is the composed request pipeline.
type Gateway struct {
	deps      Deps
	scheduler *queue.Scheduler
	logger    *slog.Logger
}

// New wires the gateway. The scheduler's handler dispatches through the
// balancer and feeds the circuit breaker with each outcome.
func New(deps Deps) *Gateway {
	if deps.Metrics == nil {
		deps.Metrics = observability.NopMetrics{}
	}
	if deps.Audit == nil {
		deps.Audit = observability.NopAudit{}
	}
	if deps.Strategy == "" {
		deps.Strategy = StrategyShed
	}

	g := &Gateway{
		deps:   deps,
		logger: slog.Default().With("component", "gateway"),
	}

	g.scheduler = queue.NewScheduler(deps.Scheduler, deps.Queue, func(ctx context.Context, req *contracts.Request) (*contracts.Response, error) {
		resp, err := deps.Balancer.Dispatch(ctx, req)
		if deps.Breaker != nil {
			deps.Breaker.Record(err != nil)
		}
		return resp, err
	})

	return g
}

// Start launches the worker pool and background supervision.
func (g *Gateway) Start(ctx context.Context) {
	g.scheduler.Start(ctx)
}

// Stop drains the worker pool.
func (g *Gateway) Stop() {
	g.scheduler.Stop()
}

// Scheduler exposes the underlying scheduler, mainly for introspection.
func (g *Gateway) Scheduler() *queue.Scheduler {
	return g.scheduler
}

// Handle runs one normalized request through the full pipeline.
func (g *Gateway) Handle(ctx context.Context, req *contracts.Request) (*contracts.Response, error) {
	providers.Normalize(req, req.TenantID, req.UserID, req.UserGroups)

	done := g.deps.Metrics.RequestStarted(ctx, req.TenantID, req.Provider, req.Model)
	resp, err := g.handle(ctx, req)
	done(err)
	return resp, err
}

func (g *Gateway) handle(ctx context.Context, req *contracts.Request) (*contracts.Response, error) {
	// Tenant gate: existence, status, provider/model allow-lists, quotas.
	// Anonymous requests carry no tenant binding; the edge only lets
	// them through when token verification is off, so they skip the
	// tenant gate and are governed by the remaining gates.
	if req.TenantID != "" {
		if err := g.deps.Tenants.ValidateAccess(ctx, req.TenantID, req.Provider, req.Model); err != nil {
			return nil, g.reject(ctx, req, err, nil)
		}
	}

	// Budget gate, fail closed.
	if g.deps.Costs != nil {
		if err := g.deps.Costs.EnforceBudget(ctx, req.UserID, req.TenantID); err != nil {
			return nil, g.reject(ctx, req, err, nil)
		}
	}

	// Load gate per configured strategy, then circuit breaker.
	if err := g.admit(ctx, req); err != nil {
		return nil, g.reject(ctx, req, err, nil)
	}
	if g.deps.Breaker != nil {
		if err := g.deps.Breaker.Allow(req.Priority); err != nil {
			return nil, g.reject(ctx, req, err, nil)
		}
	}

	// Semantic cache, before the expensive scan and upstream hop. A
	// cache error is a miss.
	var embedding []float64
	if g.deps.Cache != nil && g.deps.Embedder != nil {
		if resp, ok := g.cacheLookup(ctx, req, &embedding); ok {
			g.account(ctx, req, resp, tenants.UsageDelta{Requests: 1, CacheHit: true})
			g.audit(ctx, req, "allow", "", contracts.SeverityNone, nil, "cache hit")
			return resp, nil
		}
	}

	// Scan and decide.
	verdict, err := g.deps.Scanners.Scan(ctx, req)
	if err != nil {
		// No extractable input: nothing to scan, empty verdict passes.
		verdict = contracts.AggregatedVerdict{Passed: true, ThreatLevel: contracts.SeverityNone, Score: 1.0}
	}
	decision := g.deps.Policies.Evaluate(req, &verdict)

	switch decision.Action {
	case policy.ActionBlock:
		g.deps.Tenants.RecordUsage(ctx, req.TenantID, tenants.UsageDelta{Requests: 1, Blocked: true})
		g.deps.Metrics.Rejection(ctx, faults.PolicyBlocked)
		g.audit(ctx, req, "block", decision.Hash, verdict.ThreatLevel, verdict.Findings, decision.Reason)
		return nil, blockFault(decision, &verdict)
	case policy.ActionRedact:
		req = policy.ApplyRedaction(req, verdict.Findings, decision.Params)
	case policy.ActionAlert:
		g.logger.WarnContext(ctx, "policy alert",
			"correlation_id", req.CorrelationID,
			"policy", decision.PolicyID,
			"threat_level", verdict.ThreatLevel,
		)
	case policy.ActionLog:
		g.logger.InfoContext(ctx, "policy log",
			"correlation_id", req.CorrelationID,
			"policy", decision.PolicyID,
		)
	}

	// Queue, schedule and dispatch upstream.
	resp, err := g.scheduler.Submit(ctx, req)
	if err != nil {
		return nil, g.reject(ctx, req, err, verdict.Findings)
	}

	// Return-path inspection reuses the pipeline on a response-shaped
	// request.
	if g.deps.ScanResponses {
		if err := g.scanResponse(ctx, req, resp); err != nil {
			g.deps.Tenants.RecordUsage(ctx, req.TenantID, tenants.UsageDelta{Requests: 1, Blocked: true})
			g.deps.Metrics.Rejection(ctx, faults.PolicyBlocked)
			return nil, err
		}
	}

	if g.deps.Cache != nil && embedding != nil {
		if err := g.deps.Cache.Store(ctx, req.UserText(), embedding, resp, g.metadata(req)); err != nil {
			g.logger.WarnContext(ctx, "cache store failed", "error", err)
		}
	}

	g.account(ctx, req, resp, tenants.UsageDelta{
		Requests:  1,
		Tokens:    int64(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		CacheMiss: g.deps.Cache != nil,
	})
	g.audit(ctx, req, string(decision.Action), decision.Hash, verdict.ThreatLevel, verdict.Findings, decision.Reason)
	return resp, nil
}

// admit applies the configured backpressure strategy.
func (g *Gateway) admit(ctx context.Context, req *contracts.Request) error {
	if g.deps.Monitor == nil {
		return nil
	}
	switch g.deps.Strategy {
	case StrategyThrottle:
		actor := req.TenantID
		if actor == "" {
			actor = req.UserID
		}
		if err := backpressure.Throttle(ctx, g.deps.ThrottleStore, actor, g.deps.ThrottlePolicy); err != nil {
			return err
		}
		return g.deps.Monitor.Admit(req.Priority)
	case StrategyReject:
		// Deterministic variant of shedding: any sheddable priority is
		// rejected outright once load reaches high.
		level := g.deps.Monitor.Level()
		if level == backpressure.LevelCritical && req.Priority != contracts.PriorityCritical {
			return faults.New(faults.LoadShed, "load critical")
		}
		if level == backpressure.LevelHigh && req.Priority.Rank() >= contracts.PriorityLow.Rank() {
			return faults.Newf(faults.LoadShed, "load %s rejects priority %s", level, req.Priority)
		}
		return nil
	default:
		return g.deps.Monitor.Admit(req.Priority)
	}
}

// cacheLookup embeds the prompt and probes the cache. The embedding is
// written back through the pointer so a later Store reuses it.
func (g *Gateway) cacheLookup(ctx context.Context, req *contracts.Request, embedding *[]float64) (*contracts.Response, bool) {
	prompt := req.UserText()
	if prompt == "" {
		return nil, false
	}
	vec, err := g.deps.Embedder.Embed(ctx, prompt)
	if err != nil {
		g.logger.WarnContext(ctx, "embedding failed, treating as cache miss", "error", err)
		return nil, false
	}
	*embedding = vec

	result, err := g.deps.Cache.Lookup(ctx, prompt, vec, g.metadata(req))
	if err != nil {
		g.logger.WarnContext(ctx, "cache lookup failed, treating as miss", "error", err)
		return nil, false
	}
	g.deps.Metrics.CacheLookup(ctx, result.Hit)
	if !result.Hit {
		return nil, false
	}

	resp := *result.Entry.Response
	resp.Cached = true
	resp.CorrelationID = req.CorrelationID
	return &resp, true
}

func (g *Gateway) metadata(req *contracts.Request) semcache.Metadata {
	return semcache.Metadata{
		Provider:       req.Provider,
		Model:          req.Model,
		Temperature:    req.Parameters.Temperature,
		OrganizationID: req.TenantID,
	}
}

// scanResponse runs the return path through the same pipeline. A block
// decision replaces the response with a PolicyBlocked fault.
func (g *Gateway) scanResponse(ctx context.Context, req *contracts.Request, resp *contracts.Response) error {
	shadow := &contracts.Request{
		CorrelationID: req.CorrelationID,
		TenantID:      req.TenantID,
		UserID:        req.UserID,
		UserGroups:    req.UserGroups,
		Provider:      resp.Provider,
		Model:         resp.Model,
		Messages: []contracts.Message{
			{Role: contracts.RoleUser, Content: resp.Content},
		},
		Priority:   req.Priority,
		ReceivedAt: req.ReceivedAt,
	}

	verdict, err := g.deps.Scanners.Scan(ctx, shadow)
	if err != nil {
		return nil
	}
	decision := g.deps.Policies.Evaluate(shadow, &verdict)
	if decision.Action != policy.ActionBlock {
		if decision.Action == policy.ActionRedact {
			redacted := policy.ApplyRedaction(shadow, verdict.Findings, decision.Params)
			resp.Content = redacted.Messages[0].Text()
		}
		return nil
	}

	g.audit(ctx, req, "block", decision.Hash, verdict.ThreatLevel, verdict.Findings, "response blocked: "+decision.Reason)
	return blockFault(decision, &verdict)
}

// account records cost and usage for one completed exchange.
func (g *Gateway) account(ctx context.Context, req *contracts.Request, resp *contracts.Response, delta tenants.UsageDelta) {
	if g.deps.Costs != nil {
		entry, err := g.deps.Costs.Record(ctx, req, resp)
		if err != nil {
			g.logger.ErrorContext(ctx, "cost record failed", "error", err,
				"correlation_id", req.CorrelationID)
		} else {
			delta.Cost = entry.TotalCost
		}
	}
	g.deps.Tenants.RecordUsage(ctx, req.TenantID, delta)
}

// reject classifies a terminal error, records usage and audit, and
// returns the error unchanged.
func (g *Gateway) reject(ctx context.Context, req *contracts.Request, err error, findings []contracts.Finding) error {
	code := faults.CodeOf(err)
	delta := tenants.UsageDelta{Requests: 1}
	switch code {
	case faults.PolicyBlocked, faults.QuotaExceeded, faults.BudgetExceeded:
		delta.Blocked = true
	default:
		delta.Error = true
	}
	if req.TenantID != "" {
		g.deps.Tenants.RecordUsage(ctx, req.TenantID, delta)
	}
	g.deps.Metrics.Rejection(ctx, code)
	g.audit(ctx, req, "reject", "", contracts.SeverityNone, findings, string(code))
	return err
}

func (g *Gateway) audit(ctx context.Context, req *contracts.Request, decision, hash string, level contracts.Severity, findings []contracts.Finding, reason string) {
	evt := contracts.AuditEvent{
		Timestamp:     time.Now().UTC(),
		CorrelationID: req.CorrelationID,
		TenantID:      req.TenantID,
		UserID:        req.UserID,
		Decision:      decision,
		DecisionHash:  hash,
		ThreatLevel:   level,
		Findings:      findings,
		Reason:        reason,
	}
	if err := g.deps.Audit.Record(ctx, evt); err != nil {
		g.logger.ErrorContext(ctx, "audit record failed", "error", err,
			"correlation_id", req.CorrelationID)
	}
}

// blockFault builds the caller-visible policy block. Evidence is masked
// unless the matching policy opts in with params["evidence"] = "include".
func blockFault(d policy.Decision, v *contracts.AggregatedVerdict) error {
	msg := "blocked by policy"
	if d.PolicyName != "" {
		msg += " " + d.PolicyName
	}
	if d.Params["evidence"] == "include" {
		if f := v.HighestFinding(); f != nil {
			msg += ": " + f.Type
			if f.Evidence != "" {
				msg += " (" + f.Evidence + ")"
			}
		}
	}
	return faults.New(faults.PolicyBlocked, msg)
}
