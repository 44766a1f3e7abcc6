package balancer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
	"github.com/clay-good/proxilion-grc-sub001/pkg/faults"
)

// Executor performs the actual upstream call over a pooled connection.
type Executor func(ctx context.Context, ep *Endpoint, conn *Conn, req *contracts.Request) (*contracts.Response, error)

// Config tunes dispatch.
type Config struct {
	Strategy    Strategy
	MaxRetries  int
	RetryDelay  time.Duration
	MaxPoolSize int
	IdleTimeout time.Duration
}

func (c *Config) defaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = 10
	}
}

// Balancer owns the endpoint set, one pool per endpoint, and the
// failover dispatch loop.
type Balancer struct {
	cfg      Config
	selector Selector
	executor Executor
	logger   *slog.Logger

	mu        sync.RWMutex
	endpoints []*Endpoint
	pools     map[string]*Pool
}

// New creates a balancer. prices may be nil unless the least_cost
// strategy is chosen.
func New(cfg Config, executor Executor, prices PriceFunc) *Balancer {
	cfg.defaults()
	return &Balancer{
		cfg:      cfg,
		selector: NewSelector(cfg.Strategy, prices),
		executor: executor,
		logger:   slog.Default().With("component", "balancer"),
		pools:    make(map[string]*Pool),
	}
}

// AddEndpoint registers an endpoint and creates its pool.
func (b *Balancer) AddEndpoint(e *Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.endpoints = append(b.endpoints, e)
	b.pools[e.ID] = NewPool(e.ID, b.cfg.MaxPoolSize, b.cfg.IdleTimeout)
}

// RemoveEndpoint drops an endpoint and closes its pool.
func (b *Balancer) RemoveEndpoint(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.endpoints {
		if e.ID == id {
			b.endpoints = append(b.endpoints[:i], b.endpoints[i+1:]...)
			break
		}
	}
	if p, ok := b.pools[id]; ok {
		p.Close()
		delete(b.pools, id)
	}
}

// Endpoints returns the registered endpoints.
func (b *Balancer) Endpoints() []*Endpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*Endpoint(nil), b.endpoints...)
}

// Pool returns the pool of one endpoint, nil when unknown.
func (b *Balancer) Pool(endpointID string) *Pool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pools[endpointID]
}

// available returns enabled ∧ healthy endpoints.
func (b *Balancer) available() []*Endpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Endpoint, 0, len(b.endpoints))
	for _, e := range b.endpoints {
		if e.Available() {
			out = append(out, e)
		}
	}
	return out
}

// Dispatch executes the request with failover. The first attempt goes
// to the selector's pick; on failure the remaining candidates are tried
// in ascending failover priority order, sleeping retryDelay between
// attempts, up to maxRetries attempts in total. The last error
// surfaces when everything fails.
func (b *Balancer) Dispatch(ctx context.Context, req *contracts.Request) (*contracts.Response, error) {
	candidates := b.available()
	if len(candidates) == 0 {
		return nil, faults.New(faults.UpstreamFailure, "no available endpoints")
	}

	first := b.selector.Pick(candidates, req)
	order := failoverOrder(first, candidates)

	var lastErr error
	attempts := 0
	for _, ep := range order {
		if attempts >= b.cfg.MaxRetries {
			break
		}
		if attempts > 0 {
			select {
			case <-time.After(b.cfg.RetryDelay):
			case <-ctx.Done():
				return nil, faults.Wrap(faults.Timeout, "cancelled during failover", ctx.Err())
			}
		}
		attempts++

		resp, err := b.attempt(ctx, ep, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		b.logger.Warn("endpoint attempt failed", "endpoint", ep.ID, "attempt", attempts, "error", err)
	}
	return nil, faults.Wrap(faults.UpstreamFailure, "all endpoints failed", lastErr)
}

// attempt runs one call against one endpoint through its pool,
// recording the outcome on the endpoint.
func (b *Balancer) attempt(ctx context.Context, ep *Endpoint, req *contracts.Request) (*contracts.Response, error) {
	pool := b.Pool(ep.ID)
	if pool == nil {
		return nil, faults.Newf(faults.Internal, "no pool for endpoint %s", ep.ID)
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer pool.Release(conn)

	ep.BeginRequest()
	start := time.Now()
	resp, err := b.executor(ctx, ep, conn, req)
	elapsed := time.Since(start)
	ep.EndRequest()

	if err != nil {
		ep.RecordFailure()
		return nil, err
	}
	ep.RecordSuccess(elapsed)
	if resp != nil {
		resp.EndpointID = ep.ID
		resp.LatencyMs = elapsed.Milliseconds()
	}
	return resp, nil
}

// failoverOrder puts the selected endpoint first, then the rest by
// ascending failover priority (id as tiebreak).
func failoverOrder(first *Endpoint, candidates []*Endpoint) []*Endpoint {
	rest := make([]*Endpoint, 0, len(candidates)-1)
	for _, e := range candidates {
		if e != first {
			rest = append(rest, e)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		if rest[i].Priority != rest[j].Priority {
			return rest[i].Priority < rest[j].Priority
		}
		return rest[i].ID < rest[j].ID
	})
	return append([]*Endpoint{first}, rest...)
}
