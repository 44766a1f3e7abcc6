package balancer

import (
	"context"
	"sync"
	"time"

	"github.com/clay-good/proxilion-grc-sub001/pkg/faults"
)

// Conn is one pooled connection slot. The transport payload is opaque
// to the pool; upstream adapters attach whatever they need.
type Conn struct {
	ID         int
	EndpointID string
	CreatedAt  time.Time

	lastUsed time.Time
	busy     bool
	Payload  any
}

// LastUsed returns the release timestamp of the slot.
func (c *Conn) LastUsed() time.Time { return c.lastUsed }

// Pool is a bounded per-endpoint connection pool. Acquire takes an idle
// slot first, creates a new one under the cap, and otherwise waits for
// the least-recently-used slot to be released. A pool is never shared
// across endpoints.
type Pool struct {
	endpointID  string
	maxPoolSize int
	idleTimeout time.Duration

	mu     sync.Mutex
	cond   *sync.Cond
	conns  []*Conn
	nextID int
	closed bool
}

// NewPool creates a pool for one endpoint.
func NewPool(endpointID string, maxPoolSize int, idleTimeout time.Duration) *Pool {
	if maxPoolSize <= 0 {
		maxPoolSize = 10
	}
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	p := &Pool{
		endpointID:  endpointID,
		maxPoolSize: maxPoolSize,
		idleTimeout: idleTimeout,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Acquire returns a connection slot, blocking until one frees up when
// the pool is saturated. Honors ctx cancellation while waiting.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	// Wake waiters on cancellation so the cond loop can observe ctx.
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return nil, faults.New(faults.Internal, "connection pool closed")
		}
		if err := ctx.Err(); err != nil {
			return nil, faults.Wrap(faults.Timeout, "waiting for connection", err)
		}

		// Oldest idle slot first.
		if c := p.idleLRULocked(); c != nil {
			c.busy = true
			return c, nil
		}
		if len(p.conns) < p.maxPoolSize {
			p.nextID++
			c := &Conn{
				ID:         p.nextID,
				EndpointID: p.endpointID,
				CreatedAt:  time.Now().UTC(),
				busy:       true,
			}
			p.conns = append(p.conns, c)
			return c, nil
		}
		p.cond.Wait()
	}
}

// Release marks the slot idle and stamps lastUsed.
func (p *Pool) Release(c *Conn) {
	p.mu.Lock()
	c.busy = false
	c.lastUsed = time.Now().UTC()
	p.mu.Unlock()
	p.cond.Signal()
}

// Discard removes a slot entirely, for connections the transport
// reported broken.
func (p *Pool) Discard(c *Conn) {
	p.mu.Lock()
	for i, pc := range p.conns {
		if pc == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	p.cond.Signal()
}

// Reap removes idle slots unused for longer than the idle timeout.
// Returns the number removed.
func (p *Pool) Reap(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.conns[:0]
	removed := 0
	for _, c := range p.conns {
		if !c.busy && now.Sub(c.lastUsed) > p.idleTimeout {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	p.conns = kept
	return removed
}

// Size returns the current number of slots, busy and idle.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close wakes all waiters; subsequent Acquire calls fail.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

// idleLRULocked returns the idle slot with the oldest lastUsed, nil
// when every slot is busy.
func (p *Pool) idleLRULocked() *Conn {
	var best *Conn
	for _, c := range p.conns {
		if c.busy {
			continue
		}
		if best == nil || c.lastUsed.Before(best.lastUsed) {
			best = c
		}
	}
	return best
}

// StartReaper runs Reap on a timer until ctx is cancelled.
func (p *Pool) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				p.Reap(now.UTC())
			}
		}
	}()
}
