package tenants

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when a tenant id is unknown.
var ErrNotFound = errors.New("tenants: not found")

// Store persists tenant records.
type Store interface {
	Get(ctx context.Context, id string) (*Tenant, error)
	Put(ctx context.Context, t *Tenant) error
	List(ctx context.Context) ([]*Tenant, error)
	Delete(ctx context.Context, id string) error
}

// UsageStore persists period buckets so that counters survive restarts
// and can be garbage collected by retention.
type UsageStore interface {
	Upsert(ctx context.Context, b *UsageBucket) error
	Load(ctx context.Context, subject string) ([]*UsageBucket, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryStore is the in-process tenant Store.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*Tenant)}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) Put(ctx context.Context, t *Tenant) error {
	if t.ID == "" {
		return fmt.Errorf("tenants: id must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()
	s.tenants[t.ID] = &cp
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.tenants, id)
	return nil
}
