package scanners

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Kind is the fixed variant tag of a built-in scanner.
type Kind string

const (
	KindPII             Kind = "pii"
	KindPromptInjection Kind = "prompt_injection"
	KindToxicity        Kind = "toxicity"
	KindDLP             Kind = "dlp"
	KindCompliance      Kind = "compliance"
)

// Factory builds a scanner for its kind.
type Factory func() (Scanner, error)

// Registry maps variant tags to factories. Built-ins are registered by
// NewRegistry; callers may add custom kinds before startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
}

// NewRegistry returns a registry with all built-in scanners registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[Kind]Factory)}
	r.Register(KindPII, func() (Scanner, error) { return NewPIIScanner(), nil })
	r.Register(KindPromptInjection, func() (Scanner, error) { return NewInjectionScanner(), nil })
	r.Register(KindToxicity, func() (Scanner, error) { return NewToxicityScanner(), nil })
	r.Register(KindDLP, func() (Scanner, error) { return NewDLPScanner(), nil })
	r.Register(KindCompliance, func() (Scanner, error) { return NewComplianceScanner(DefaultComplianceStandards...), nil })
	return r
}

// Register adds or replaces the factory for a kind.
func (r *Registry) Register(kind Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Build instantiates the scanner for a kind.
func (r *Registry) Build(kind Kind) (Scanner, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("scanners: unknown kind %q", kind)
	}
	return f()
}

// BuildAll instantiates scanners for the given kinds in order.
func (r *Registry) BuildAll(kinds ...Kind) ([]Scanner, error) {
	out := make([]Scanner, 0, len(kinds))
	for _, k := range kinds {
		s, err := r.Build(k)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// atomicSnapshot publishes the scanner slice copy-on-write: readers never
// block writers.
type atomicSnapshot struct {
	ptr atomic.Pointer[[]Scanner]
}

func (a *atomicSnapshot) store(scs []Scanner) {
	cp := make([]Scanner, len(scs))
	copy(cp, scs)
	a.ptr.Store(&cp)
}

func (a *atomicSnapshot) load() []Scanner {
	p := a.ptr.Load()
	if p == nil {
		return nil
	}
	return *p
}
