package backpressure

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/clay-good/proxilion-grc-sub001/pkg/faults"
)

// ThrottlePolicy defines per-actor request rate limits.
type ThrottlePolicy struct {
	RPM   int
	Burst int
}

// LimiterStore abstracts the token-bucket backing so single-process and
// redis-distributed deployments share the admission code.
type LimiterStore interface {
	// Allow reports whether the actor may spend cost tokens now.
	Allow(ctx context.Context, actorID string, policy ThrottlePolicy, cost int) (bool, error)
}

// Throttle checks an actor against the store, failing closed: a nil
// store or a store error denies.
func Throttle(ctx context.Context, store LimiterStore, actorID string, policy ThrottlePolicy) error {
	if store == nil {
		return faults.New(faults.Internal, "no limiter store configured")
	}
	allowed, err := store.Allow(ctx, actorID, policy, 1)
	if err != nil {
		return faults.Wrap(faults.Internal, "throttle check failed", err)
	}
	if !allowed {
		return faults.Newf(faults.LoadShed, "rate limit exceeded for %s", actorID)
	}
	return nil
}

// LocalLimiterStore keeps one token bucket per actor in process.
type LocalLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLocalLimiterStore() *LocalLimiterStore {
	return &LocalLimiterStore{limiters: make(map[string]*rate.Limiter)}
}

func (s *LocalLimiterStore) Allow(ctx context.Context, actorID string, policy ThrottlePolicy, cost int) (bool, error) {
	s.mu.Lock()
	l, ok := s.limiters[actorID]
	if !ok {
		perSec := rate.Limit(float64(policy.RPM) / 60.0)
		if perSec <= 0 {
			perSec = 1
		}
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(perSec, burst)
		s.limiters[actorID] = l
	}
	s.mu.Unlock()
	return l.AllowN(time.Now(), cost), nil
}
