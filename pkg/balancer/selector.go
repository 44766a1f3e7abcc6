package balancer

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
)

// Strategy names an endpoint selection algorithm.
type Strategy string

const (
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyLeastConnections Strategy = "least_connections"
	StrategyLeastLatency     Strategy = "least_latency"
	StrategyWeightedRandom   Strategy = "weighted_random"
	StrategyRandom           Strategy = "random"
	StrategyLeastCost        Strategy = "least_cost"
)

// Selector picks one endpoint from the available candidates. Candidates
// are never empty when Pick is called.
type Selector interface {
	Pick(candidates []*Endpoint, req *contracts.Request) *Endpoint
}

// PriceFunc resolves per-million-token prices for (provider, model).
// ok=false means the pricing table has no entry.
type PriceFunc func(provider, model string) (inPrice, outPrice float64, ok bool)

// NewSelector constructs the named strategy. least_cost needs a price
// function; unknown strategies fall back to round-robin.
func NewSelector(s Strategy, prices PriceFunc) Selector {
	switch s {
	case StrategyLeastConnections:
		return leastConnections{}
	case StrategyLeastLatency:
		return leastLatency{}
	case StrategyWeightedRandom:
		return &weightedRandom{rand: newLockedRand()}
	case StrategyRandom:
		return &randomPick{rand: newLockedRand()}
	case StrategyLeastCost:
		return &leastCost{prices: prices, fallback: &roundRobin{}}
	default:
		return &roundRobin{}
	}
}

type roundRobin struct {
	next atomic.Uint64
}

func (r *roundRobin) Pick(candidates []*Endpoint, _ *contracts.Request) *Endpoint {
	n := r.next.Add(1) - 1
	return candidates[n%uint64(len(candidates))]
}

type leastConnections struct{}

func (leastConnections) Pick(candidates []*Endpoint, _ *contracts.Request) *Endpoint {
	best := candidates[0]
	bestActive := best.ActiveConnections()
	for _, e := range candidates[1:] {
		if a := e.ActiveConnections(); a < bestActive {
			best, bestActive = e, a
		}
	}
	return best
}

type leastLatency struct{}

func (leastLatency) Pick(candidates []*Endpoint, _ *contracts.Request) *Endpoint {
	best := candidates[0]
	bestLatency := best.AvgLatency()
	for _, e := range candidates[1:] {
		if l := e.AvgLatency(); l < bestLatency {
			best, bestLatency = e, l
		}
	}
	return best
}

type weightedRandom struct {
	rand *lockedRand
}

func (w *weightedRandom) Pick(candidates []*Endpoint, _ *contracts.Request) *Endpoint {
	total := 0
	for _, e := range candidates {
		weight := e.Weight
		if weight <= 0 {
			weight = 1
		}
		total += weight
	}
	n := w.rand.Intn(total)
	for _, e := range candidates {
		weight := e.Weight
		if weight <= 0 {
			weight = 1
		}
		n -= weight
		if n < 0 {
			return e
		}
	}
	return candidates[len(candidates)-1]
}

type randomPick struct {
	rand *lockedRand
}

func (r *randomPick) Pick(candidates []*Endpoint, _ *contracts.Request) *Endpoint {
	return candidates[r.rand.Intn(len(candidates))]
}

// leastCost ranks candidates by the summed per-million input and output
// price of the requested model, falling back to round-robin when the
// pricing table has no entry for any candidate.
type leastCost struct {
	prices   PriceFunc
	fallback Selector
}

func (l *leastCost) Pick(candidates []*Endpoint, req *contracts.Request) *Endpoint {
	if l.prices == nil || req == nil {
		return l.fallback.Pick(candidates, req)
	}
	var best *Endpoint
	var bestPrice float64
	for _, e := range candidates {
		in, out, ok := l.prices(e.Provider, req.Model)
		if !ok {
			continue
		}
		price := in + out
		if best == nil || price < bestPrice {
			best, bestPrice = e, price
		}
	}
	if best == nil {
		return l.fallback.Pick(candidates, req)
	}
	return best
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newLockedRand() *lockedRand {
	return &lockedRand{r: rand.New(rand.NewSource(rand.Int63()))}
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}
