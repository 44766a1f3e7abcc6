package policy

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when a policy id is unknown to the store.
var ErrNotFound = errors.New("policy: not found")

// Store manages the persisted policy set. Implementations publish the
// full set to an engine after every mutation.
type Store interface {
	List() []Policy
	Get(id string) (Policy, error)
	Add(p Policy) error
	Update(p Policy) error
	Remove(id string) error
}

// MemoryStore is the in-process Store. Mutations invoke the onChange
// callback (typically Engine.SetPolicies) with a copy of the full set.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]Policy
	onChange func([]Policy)
}

// NewMemoryStore creates a store. onChange may be nil.
func NewMemoryStore(onChange func([]Policy)) *MemoryStore {
	return &MemoryStore{
		policies: make(map[string]Policy),
		onChange: onChange,
	}
}

func (s *MemoryStore) List() []Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	return out
}

func (s *MemoryStore) Get(id string) (Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

func (s *MemoryStore) Add(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	if _, exists := s.policies[p.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("policy: duplicate id %s", p.ID)
	}
	s.policies[p.ID] = p
	s.mu.Unlock()
	s.publish()
	return nil
}

func (s *MemoryStore) Update(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	if _, exists := s.policies[p.ID]; !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	s.policies[p.ID] = p
	s.mu.Unlock()
	s.publish()
	return nil
}

func (s *MemoryStore) Remove(id string) error {
	s.mu.Lock()
	if _, exists := s.policies[id]; !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.policies, id)
	s.mu.Unlock()
	s.publish()
	return nil
}

func (s *MemoryStore) publish() {
	if s.onChange == nil {
		return
	}
	s.onChange(s.List())
}
