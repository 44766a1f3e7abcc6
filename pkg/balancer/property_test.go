//go:build property

package balancer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
	"github.com/clay-good/proxilion-grc-sub001/pkg/faults"
)

// Disabled or unhealthy endpoints are never dispatched to, whatever the
// strategy and endpoint mix.
func TestPropertyUnavailableEndpointsNeverSelected(t *testing.T) {
	strategies := []Strategy{
		StrategyRoundRobin, StrategyLeastConnections, StrategyLeastLatency,
		StrategyWeightedRandom, StrategyRandom, StrategyLeastCost,
	}

	properties := gopter.NewProperties(nil)

	properties.Property("dispatch avoids unavailable endpoints", prop.ForAll(
		func(enabledMask []bool, strategyIdx int) bool {
			if len(enabledMask) == 0 {
				return true
			}

			var mu sync.Mutex
			served := map[string]bool{}

			b := New(Config{
				Strategy:   strategies[strategyIdx%len(strategies)],
				MaxRetries: len(enabledMask) + 1,
				RetryDelay: time.Microsecond,
			}, func(ctx context.Context, ep *Endpoint, conn *Conn, req *contracts.Request) (*contracts.Response, error) {
				mu.Lock()
				served[ep.ID] = true
				mu.Unlock()
				return &contracts.Response{CorrelationID: req.CorrelationID}, nil
			}, func(provider, model string) (float64, float64, bool) {
				return 1, 2, true
			})

			anyEnabled := false
			for i, enabled := range enabledMask {
				ep := NewEndpoint("ep-"+string(rune('a'+i)), "openai", "https://x.example", i, 1)
				ep.Enabled = enabled
				anyEnabled = anyEnabled || enabled
				b.AddEndpoint(ep)
			}

			for i := 0; i < 3*len(enabledMask); i++ {
				_, err := b.Dispatch(context.Background(), &contracts.Request{
					CorrelationID: contracts.NewCorrelationID(),
					Provider:      "openai",
					Model:         "gpt-4o",
				})
				if !anyEnabled {
					if faults.CodeOf(err) != faults.UpstreamFailure {
						return false
					}
					continue
				}
				if err != nil {
					return false
				}
			}

			for i, enabled := range enabledMask {
				if !enabled && served["ep-"+string(rune('a'+i))] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}

// The pool never holds more connections than its cap, under any acquire
// and release interleaving.
func TestPropertyPoolNeverExceedsCap(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("pool size <= maxPoolSize", prop.ForAll(
		func(maxSize int, ops []bool) bool {
			p := NewPool("ep-a", maxSize, time.Minute)
			defer p.Close()

			var held []*Conn
			for _, acquire := range ops {
				if acquire {
					if len(held) >= maxSize {
						// A further acquire would block; the cap holds.
						continue
					}
					ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
					c, err := p.Acquire(ctx)
					cancel()
					if err != nil {
						return false
					}
					held = append(held, c)
				} else if len(held) > 0 {
					p.Release(held[len(held)-1])
					held = held[:len(held)-1]
				}
				if p.Size() > maxSize {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
