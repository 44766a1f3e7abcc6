package balancer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
	"github.com/clay-good/proxilion-grc-sub001/pkg/faults"
)

func balancedRequest() *contracts.Request {
	return &contracts.Request{
		CorrelationID: contracts.NewCorrelationID(),
		Provider:      "openai",
		Model:         "gpt-4o",
		Priority:      contracts.PriorityNormal,
		Messages: []contracts.Message{
			{Role: contracts.RoleUser, Content: "hello"},
		},
	}
}

func TestEndpointEWMA(t *testing.T) {
	e := NewEndpoint("a", "openai", "https://a", 1, 1)

	e.RecordSuccess(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, e.AvgLatency(), "first sample seeds the average")

	e.RecordSuccess(200 * time.Millisecond)
	// 0.9*100 + 0.1*200 = 110ms
	assert.InDelta(t, float64(110*time.Millisecond), float64(e.AvgLatency()), float64(time.Millisecond))
}

func TestEndpointFailureDoesNotTouchLatency(t *testing.T) {
	e := NewEndpoint("a", "openai", "https://a", 1, 1)
	e.RecordSuccess(100 * time.Millisecond)
	e.RecordFailure()
	assert.Equal(t, 100*time.Millisecond, e.AvgLatency())
}

func TestEndpointStickyHealth(t *testing.T) {
	e := NewEndpoint("a", "openai", "https://a", 1, 1)

	// 10 failures straight: still healthy, not enough traffic.
	for i := 0; i < 10; i++ {
		e.RecordFailure()
	}
	assert.True(t, e.Healthy())

	// 11th request tips totalRequests over the gate with failRate 1.0.
	e.RecordFailure()
	assert.False(t, e.Healthy())

	// Successes pull the fail rate back under 0.5: health recovers.
	for i := 0; i < 12; i++ {
		e.RecordSuccess(10 * time.Millisecond)
	}
	assert.True(t, e.Healthy())
}

func TestRoundRobinCycles(t *testing.T) {
	a := NewEndpoint("a", "openai", "", 1, 1)
	b := NewEndpoint("b", "openai", "", 2, 1)
	s := NewSelector(StrategyRoundRobin, nil)

	got := []string{
		s.Pick([]*Endpoint{a, b}, nil).ID,
		s.Pick([]*Endpoint{a, b}, nil).ID,
		s.Pick([]*Endpoint{a, b}, nil).ID,
	}
	assert.Equal(t, []string{"a", "b", "a"}, got)
}

func TestLeastConnections(t *testing.T) {
	a := NewEndpoint("a", "openai", "", 1, 1)
	b := NewEndpoint("b", "openai", "", 2, 1)
	a.BeginRequest()
	a.BeginRequest()
	b.BeginRequest()

	s := NewSelector(StrategyLeastConnections, nil)
	assert.Equal(t, "b", s.Pick([]*Endpoint{a, b}, nil).ID)
}

func TestLeastLatency(t *testing.T) {
	a := NewEndpoint("a", "openai", "", 1, 1)
	b := NewEndpoint("b", "openai", "", 2, 1)
	a.RecordSuccess(300 * time.Millisecond)
	b.RecordSuccess(50 * time.Millisecond)

	s := NewSelector(StrategyLeastLatency, nil)
	assert.Equal(t, "b", s.Pick([]*Endpoint{a, b}, nil).ID)
}

func TestWeightedRandomRespectsWeights(t *testing.T) {
	a := NewEndpoint("a", "openai", "", 1, 9)
	b := NewEndpoint("b", "openai", "", 2, 1)
	s := NewSelector(StrategyWeightedRandom, nil)

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		counts[s.Pick([]*Endpoint{a, b}, nil).ID]++
	}
	assert.Greater(t, counts["a"], counts["b"]*3, "weight 9 vs 1 should dominate")
	assert.Greater(t, counts["b"], 0)
}

func TestLeastCost(t *testing.T) {
	a := NewEndpoint("a", "openai", "", 1, 1)
	b := NewEndpoint("b", "anthropic", "", 2, 1)
	prices := func(provider, model string) (float64, float64, bool) {
		switch provider {
		case "openai":
			return 2.5, 10, true
		case "anthropic":
			return 3, 15, true
		}
		return 0, 0, false
	}

	s := NewSelector(StrategyLeastCost, prices)
	assert.Equal(t, "a", s.Pick([]*Endpoint{a, b}, balancedRequest()).ID)
}

func TestLeastCostFallsBackToRoundRobin(t *testing.T) {
	a := NewEndpoint("a", "unknown1", "", 1, 1)
	b := NewEndpoint("b", "unknown2", "", 2, 1)
	prices := func(provider, model string) (float64, float64, bool) { return 0, 0, false }

	s := NewSelector(StrategyLeastCost, prices)
	got := []string{
		s.Pick([]*Endpoint{a, b}, balancedRequest()).ID,
		s.Pick([]*Endpoint{a, b}, balancedRequest()).ID,
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestPoolIdleFirstThenCreate(t *testing.T) {
	p := NewPool("a", 2, time.Minute)
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(c1)

	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, c1, c2, "idle slot reused before creating")

	c3, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, c2, c3)
	assert.Equal(t, 2, p.Size())
}

func TestPoolWaitsWhenSaturated(t *testing.T) {
	p := NewPool("a", 1, time.Minute)
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)

	done := make(chan *Conn)
	go func() {
		c, err := p.Acquire(ctx)
		require.NoError(t, err)
		done <- c
	}()

	select {
	case <-done:
		t.Fatal("acquire should block while saturated")
	case <-time.After(20 * time.Millisecond):
	}

	p.Release(c1)
	select {
	case c := <-done:
		assert.Same(t, c1, c)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
	assert.Equal(t, 1, p.Size(), "size never exceeds cap")
}

func TestPoolAcquireHonorsCancellation(t *testing.T) {
	p := NewPool("a", 1, time.Minute)
	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.Equal(t, faults.Timeout, faults.CodeOf(err))
}

func TestPoolReaper(t *testing.T) {
	p := NewPool("a", 4, 10*time.Millisecond)
	ctx := context.Background()

	c1, _ := p.Acquire(ctx)
	c2, _ := p.Acquire(ctx)
	p.Release(c1)
	require.Equal(t, 2, p.Size())

	removed := p.Reap(time.Now().Add(time.Second))
	assert.Equal(t, 1, removed, "only the idle slot is reaped")
	assert.Equal(t, 1, p.Size())
	p.Release(c2)
}

func TestDispatchFailover(t *testing.T) {
	a := NewEndpoint("a", "openai", "", 1, 1)
	c := NewEndpoint("b", "openai", "", 2, 1)
	a.RecordSuccess(80 * time.Millisecond) // seed A's EWMA

	b := New(Config{Strategy: StrategyRoundRobin, MaxRetries: 3, RetryDelay: time.Millisecond},
		func(ctx context.Context, ep *Endpoint, conn *Conn, req *contracts.Request) (*contracts.Response, error) {
			if ep.ID == "a" {
				return nil, faults.New(faults.UpstreamFailure, "a is down")
			}
			return &contracts.Response{Content: "from-b"}, nil
		}, nil)
	b.AddEndpoint(a)
	b.AddEndpoint(c)

	beforeA := a.AvgLatency()
	resp, err := b.Dispatch(context.Background(), balancedRequest())
	require.NoError(t, err)
	assert.Equal(t, "from-b", resp.Content)
	assert.Equal(t, "b", resp.EndpointID)

	assert.Equal(t, beforeA, a.AvgLatency(), "failed attempt leaves the EWMA alone")
	assert.Greater(t, a.FailRate(), 0.0)
	assert.Greater(t, c.AvgLatency(), time.Duration(0), "success updates the EWMA")
}

func TestDispatchAllFailSurfacesLastError(t *testing.T) {
	b := New(Config{MaxRetries: 2, RetryDelay: time.Millisecond},
		func(ctx context.Context, ep *Endpoint, conn *Conn, req *contracts.Request) (*contracts.Response, error) {
			return nil, faults.New(faults.UpstreamFailure, "down: "+ep.ID)
		}, nil)
	b.AddEndpoint(NewEndpoint("a", "openai", "", 1, 1))
	b.AddEndpoint(NewEndpoint("b", "openai", "", 2, 1))

	_, err := b.Dispatch(context.Background(), balancedRequest())
	require.Error(t, err)
	assert.Equal(t, faults.UpstreamFailure, faults.CodeOf(err))
}

func TestDispatchSkipsUnavailableEndpoints(t *testing.T) {
	disabled := NewEndpoint("a", "openai", "", 1, 1)
	disabled.Enabled = false
	ok := NewEndpoint("b", "openai", "", 2, 1)

	b := New(Config{MaxRetries: 2, RetryDelay: time.Millisecond},
		func(ctx context.Context, ep *Endpoint, conn *Conn, req *contracts.Request) (*contracts.Response, error) {
			return &contracts.Response{Content: ep.ID}, nil
		}, nil)
	b.AddEndpoint(disabled)
	b.AddEndpoint(ok)

	resp, err := b.Dispatch(context.Background(), balancedRequest())
	require.NoError(t, err)
	assert.Equal(t, "b", resp.Content)
}

func TestDispatchNoEndpoints(t *testing.T) {
	b := New(Config{}, func(ctx context.Context, ep *Endpoint, conn *Conn, req *contracts.Request) (*contracts.Response, error) {
		return nil, nil
	}, nil)

	_, err := b.Dispatch(context.Background(), balancedRequest())
	assert.Equal(t, faults.UpstreamFailure, faults.CodeOf(err))
}
