// Package backpressure derives a load level from utilization signals
// and decides, per incoming request, whether to admit, warn, shed or
// reject. It also houses the rolling-window circuit breaker and the
// per-actor rate limiters that protect the upstream path.
package backpressure

import (
	"log/slog"
	"math/rand"
	"sync"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
	"github.com/clay-good/proxilion-grc-sub001/pkg/faults"
)

// Level is the monotonic load classification.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelElevated Level = "elevated"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// SignalFunc reports one utilization signal in [0,1].
type SignalFunc func() float64

// Config sets the level thresholds and which priorities are sheddable.
type Config struct {
	ElevatedThreshold float64
	HighThreshold     float64
	CriticalThreshold float64
	// ShedPriorities are shed probabilistically at high load. Defaults
	// to low and background.
	ShedPriorities []contracts.Priority
}

func (c *Config) defaults() {
	if c.ElevatedThreshold <= 0 {
		c.ElevatedThreshold = 0.6
	}
	if c.HighThreshold <= 0 {
		c.HighThreshold = 0.8
	}
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = 0.95
	}
	if c.ShedPriorities == nil {
		c.ShedPriorities = []contracts.Priority{contracts.PriorityLow, contracts.PriorityBackground}
	}
}

// Monitor composes utilization signals into a load level and applies
// the per-level admission rule.
type Monitor struct {
	cfg     Config
	logger  *slog.Logger
	signals []SignalFunc

	mu   sync.Mutex
	rand *rand.Rand
}

// NewMonitor creates a monitor over the given signals, typically queue
// utilization and processing utilization, optionally cpu and memory.
func NewMonitor(cfg Config, signals ...SignalFunc) *Monitor {
	cfg.defaults()
	return &Monitor{
		cfg:     cfg,
		logger:  slog.Default().With("component", "backpressure"),
		signals: signals,
		rand:    rand.New(rand.NewSource(rand.Int63())),
	}
}

// Load returns the composed signal: the max of all inputs, clamped to
// [0,1].
func (m *Monitor) Load() float64 {
	var l float64
	for _, s := range m.signals {
		if v := s(); v > l {
			l = v
		}
	}
	if l > 1 {
		l = 1
	}
	if l < 0 {
		l = 0
	}
	return l
}

// LevelFor classifies a load value.
func (m *Monitor) LevelFor(l float64) Level {
	switch {
	case l >= m.cfg.CriticalThreshold:
		return LevelCritical
	case l >= m.cfg.HighThreshold:
		return LevelHigh
	case l >= m.cfg.ElevatedThreshold:
		return LevelElevated
	}
	return LevelNormal
}

// Level returns the current classification.
func (m *Monitor) Level() Level {
	return m.LevelFor(m.Load())
}

// Admit applies the admission rule for a request of priority p. A nil
// return admits; a LoadShed fault rejects.
func (m *Monitor) Admit(p contracts.Priority) error {
	l := m.Load()
	switch m.LevelFor(l) {
	case LevelNormal:
		return nil
	case LevelElevated:
		m.logger.Warn("load elevated", "load", l)
		return nil
	case LevelHigh:
		if !m.sheddable(p) {
			return nil
		}
		// Shed probability ramps linearly from 0 at the high threshold
		// to 1 at full load.
		prob := (l - m.cfg.HighThreshold) / (1 - m.cfg.HighThreshold)
		if m.roll() < prob {
			return faults.Newf(faults.LoadShed, "load high (%.2f), shedding %s priority", l, p)
		}
		return nil
	default: // critical
		if p == contracts.PriorityCritical {
			return nil
		}
		return faults.New(faults.LoadShed, "load critical")
	}
}

func (m *Monitor) sheddable(p contracts.Priority) bool {
	for _, sp := range m.cfg.ShedPriorities {
		if p == sp {
			return true
		}
	}
	return false
}

func (m *Monitor) roll() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rand.Float64()
}
