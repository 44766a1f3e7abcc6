package backpressure

import (
	"log/slog"
	"sync"
	"time"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
	"github.com/clay-good/proxilion-grc-sub001/pkg/faults"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes the rolling failure window.
type BreakerConfig struct {
	// WindowSize is how many recent outcomes the failure rate is
	// computed over.
	WindowSize int
	// FailureThreshold opens the breaker when exceeded, in [0,1].
	FailureThreshold float64
	// MinSamples gates the rate check so a cold window cannot trip.
	MinSamples int
	// CoolDown is how long the breaker stays open before probing.
	CoolDown time.Duration
	// ProbeBatch is how many requests half-open admits before deciding.
	ProbeBatch int
}

func (c *BreakerConfig) defaults() {
	if c.WindowSize <= 0 {
		c.WindowSize = 50
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 0.5
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 10
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 5 * time.Second
	}
	if c.ProbeBatch <= 0 {
		c.ProbeBatch = 3
	}
}

// Breaker is a rolling-window circuit breaker. While open it rejects
// all non-critical requests; after the cool-down it admits a small
// probe batch and closes or reopens on the probes' outcomes.
type Breaker struct {
	cfg    BreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    BreakerState
	window   []bool // true = failure
	openedAt time.Time

	probesSent   int
	probesFailed int
	probesOK     int
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	cfg.defaults()
	return &Breaker{
		cfg:    cfg,
		logger: slog.Default().With("component", "breaker"),
		now:    time.Now,
		state:  BreakerClosed,
	}
}

// State returns the current position, transitioning open to half-open
// when the cool-down has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbeLocked()
	return b.state
}

// Allow decides whether a request of priority p may pass. Critical
// requests always pass; half-open admits up to the probe batch.
func (b *Breaker) Allow(p contracts.Priority) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbeLocked()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerHalfOpen:
		if p == contracts.PriorityCritical {
			return nil
		}
		if b.probesSent < b.cfg.ProbeBatch {
			b.probesSent++
			return nil
		}
		return faults.New(faults.CircuitOpen, "circuit half-open, probe batch exhausted")
	default: // open
		if p == contracts.PriorityCritical {
			return nil
		}
		return faults.New(faults.CircuitOpen, "circuit open")
	}
}

// Record feeds one outcome into the rolling window and drives the state
// machine.
func (b *Breaker) Record(failure bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		if failure {
			b.probesFailed++
		} else {
			b.probesOK++
		}
		if b.probesFailed > 0 {
			b.openLocked()
			return
		}
		if b.probesOK >= b.cfg.ProbeBatch {
			b.logger.Info("circuit closed after successful probes")
			b.state = BreakerClosed
			b.window = nil
		}
		return
	}

	b.window = append(b.window, failure)
	if len(b.window) > b.cfg.WindowSize {
		b.window = b.window[len(b.window)-b.cfg.WindowSize:]
	}
	if b.state == BreakerClosed && len(b.window) >= b.cfg.MinSamples {
		if b.failureRateLocked() > b.cfg.FailureThreshold {
			b.openLocked()
		}
	}
}

func (b *Breaker) failureRateLocked() float64 {
	if len(b.window) == 0 {
		return 0
	}
	failed := 0
	for _, f := range b.window {
		if f {
			failed++
		}
	}
	return float64(failed) / float64(len(b.window))
}

func (b *Breaker) openLocked() {
	b.logger.Warn("circuit opened", "failure_rate", b.failureRateLocked())
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.probesSent, b.probesFailed, b.probesOK = 0, 0, 0
}

func (b *Breaker) maybeProbeLocked() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.CoolDown {
		b.logger.Info("circuit half-open, probing")
		b.state = BreakerHalfOpen
		b.probesSent, b.probesFailed, b.probesOK = 0, 0, 0
	}
}
