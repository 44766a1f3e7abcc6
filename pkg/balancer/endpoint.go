// Package balancer selects upstream endpoints, tracks their health and
// latency, and dispatches requests with automatic failover through
// per-endpoint connection pools.
package balancer

import (
	"sync"
	"time"
)

const (
	// ewmaKeep is the weight of the running average in the latency EWMA.
	ewmaKeep = 0.9
	// healthMinRequests gates the sticky health flip so a cold endpoint
	// is not condemned on its first errors.
	healthMinRequests = 10
	// healthFailRate flips the endpoint unhealthy above, healthy below.
	healthFailRate = 0.5
)

// Endpoint is one upstream target. Stats are guarded by the endpoint's
// own lock; the balancer never copies endpoints.
type Endpoint struct {
	ID       string
	Provider string
	URL      string
	// Priority is the failover rank: lower tries first. Unrelated to
	// request scheduling priority.
	Priority int
	Weight   int
	Enabled  bool

	mu            sync.Mutex
	healthy       bool
	totalRequests int64
	failures      int64
	active        int64
	avgLatency    time.Duration
	hasLatency    bool
	lastFailure   time.Time
}

// NewEndpoint creates an enabled, healthy endpoint.
func NewEndpoint(id, provider, url string, priority, weight int) *Endpoint {
	return &Endpoint{
		ID:       id,
		Provider: provider,
		URL:      url,
		Priority: priority,
		Weight:   weight,
		Enabled:  true,
		healthy:  true,
	}
}

// Available reports enabled ∧ healthy.
func (e *Endpoint) Available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Enabled && e.healthy
}

// Healthy returns the sticky health flag.
func (e *Endpoint) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy
}

// ActiveConnections returns the in-flight count.
func (e *Endpoint) ActiveConnections() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// AvgLatency returns the latency EWMA, zero before any sample.
func (e *Endpoint) AvgLatency() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.avgLatency
}

// BeginRequest marks one in-flight request.
func (e *Endpoint) BeginRequest() {
	e.mu.Lock()
	e.active++
	e.mu.Unlock()
}

// EndRequest releases the in-flight slot.
func (e *Endpoint) EndRequest() {
	e.mu.Lock()
	if e.active > 0 {
		e.active--
	}
	e.mu.Unlock()
}

// RecordSuccess folds one latency sample into the EWMA and re-evaluates
// health.
func (e *Endpoint) RecordSuccess(latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalRequests++
	if !e.hasLatency {
		e.avgLatency = latency
		e.hasLatency = true
	} else {
		e.avgLatency = time.Duration(ewmaKeep*float64(e.avgLatency) + (1-ewmaKeep)*float64(latency))
	}
	e.evaluateHealthLocked()
}

// RecordFailure counts one failure without touching the latency EWMA.
func (e *Endpoint) RecordFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalRequests++
	e.failures++
	e.lastFailure = time.Now().UTC()
	e.evaluateHealthLocked()
}

// FailRate is failures over total, zero before any request.
func (e *Endpoint) FailRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failRateLocked()
}

func (e *Endpoint) failRateLocked() float64 {
	if e.totalRequests == 0 {
		return 0
	}
	return float64(e.failures) / float64(e.totalRequests)
}

// evaluateHealthLocked flips the sticky flag in both directions once
// the endpoint has seen enough traffic.
func (e *Endpoint) evaluateHealthLocked() {
	if e.totalRequests <= healthMinRequests {
		return
	}
	rate := e.failRateLocked()
	if e.healthy && rate > healthFailRate {
		e.healthy = false
	} else if !e.healthy && rate <= healthFailRate {
		e.healthy = true
	}
}

// ResetStats clears counters, for admin-triggered recovery.
func (e *Endpoint) ResetStats() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalRequests, e.failures, e.avgLatency = 0, 0, 0
	e.hasLatency = false
	e.healthy = true
}
