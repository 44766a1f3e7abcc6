// Package queue implements the admission queue and the worker-pool
// scheduler behind it. Requests wait in five FIFO bands, one per
// priority; dequeue drains higher bands first and can optionally apply
// per-user fairness inside a band.
package queue

import (
	"sync"
	"time"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
	"github.com/clay-good/proxilion-grc-sub001/pkg/faults"
)

// Result is what a completed task hands back to its submitter.
type Result struct {
	Response *contracts.Response
	Err      error
}

// Task is one queued unit of work. The scheduler fills in the timing
// fields as the task moves through its lifecycle.
type Task struct {
	ID      string
	Request *contracts.Request

	EnqueuedAt  time.Time
	DequeuedAt  time.Time
	CompletedAt time.Time

	attempts int
	resultCh chan Result
}

// NewTask wraps a request for submission. The id defaults to the
// request's correlation id.
func NewTask(req *contracts.Request) *Task {
	return &Task{
		ID:       req.CorrelationID,
		Request:  req,
		resultCh: make(chan Result, 1),
	}
}

// WaitTime is the time the task spent queued.
func (t *Task) WaitTime() time.Duration {
	if t.DequeuedAt.IsZero() {
		return 0
	}
	return t.DequeuedAt.Sub(t.EnqueuedAt)
}

// ProcessingTime is the time the task spent in a worker.
func (t *Task) ProcessingTime() time.Duration {
	if t.CompletedAt.IsZero() || t.DequeuedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.DequeuedAt)
}

func (t *Task) deliver(r Result) {
	select {
	case t.resultCh <- r:
	default:
	}
}

// Config bounds the queue.
type Config struct {
	MaxQueueSize int
	// Fairness selects, within a band, the request whose user has the
	// fewest in-flight requests instead of strict FIFO.
	Fairness bool
}

// Manager is the five-band admission queue. One lock guards the bands
// and the in-flight index.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	bands    [len(contracts.Bands)][]*Task
	index    map[string]*Task
	size     int
	inflight map[string]int // userID -> in-flight count

	notify chan struct{}

	slaViolations int64
}

// NewManager creates an empty queue.
func NewManager(cfg Config) *Manager {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	return &Manager{
		cfg:      cfg,
		index:    make(map[string]*Task),
		inflight: make(map[string]int),
		notify:   make(chan struct{}, 1),
	}
}

// Enqueue appends the task to the band matching its request priority.
func (m *Manager) Enqueue(t *Task) error {
	m.mu.Lock()
	if m.size >= m.cfg.MaxQueueSize {
		m.mu.Unlock()
		return faults.Newf(faults.QueueFull, "queue at capacity %d", m.cfg.MaxQueueSize)
	}
	band := t.Request.Priority.Rank()
	t.EnqueuedAt = time.Now().UTC()
	m.bands[band] = append(m.bands[band], t)
	m.index[t.ID] = t
	m.size++
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// TryDequeue removes and returns the next task, or nil when the queue
// is empty. Higher bands drain first; the dequeued task is marked
// in-flight for its user.
func (m *Manager) TryDequeue() *Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	for band := range m.bands {
		if len(m.bands[band]) == 0 {
			continue
		}
		idx := 0
		if m.cfg.Fairness {
			idx = m.fairestLocked(band)
		}
		t := m.bands[band][idx]
		m.bands[band] = append(m.bands[band][:idx], m.bands[band][idx+1:]...)
		delete(m.index, t.ID)
		m.size--
		m.inflight[t.Request.UserID]++
		t.DequeuedAt = time.Now().UTC()
		return t
	}
	return nil
}

// fairestLocked picks the earliest task of the user with the fewest
// in-flight requests. Ties break by FIFO order.
func (m *Manager) fairestLocked(band int) int {
	best, bestInflight := 0, -1
	for i, t := range m.bands[band] {
		n := m.inflight[t.Request.UserID]
		if bestInflight == -1 || n < bestInflight {
			best, bestInflight = i, n
		}
	}
	return best
}

// Complete releases the in-flight slot of a dequeued task.
func (m *Manager) Complete(t *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.inflight[t.Request.UserID]; n <= 1 {
		delete(m.inflight, t.Request.UserID)
	} else {
		m.inflight[t.Request.UserID] = n - 1
	}
}

// Cancel removes a still-queued task by id and delivers a Timeout-free
// cancellation to its submitter. Returns false when the task is not
// queued (already dequeued, completed or unknown).
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	t, ok := m.index[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	band := t.Request.Priority.Rank()
	for i, qt := range m.bands[band] {
		if qt.ID == id {
			m.bands[band] = append(m.bands[band][:i], m.bands[band][i+1:]...)
			break
		}
	}
	delete(m.index, id)
	m.size--
	m.mu.Unlock()

	t.deliver(Result{Err: faults.New(faults.Timeout, "request cancelled")})
	return true
}

// DropExpired removes queued tasks whose deadline elapsed, delivering a
// Timeout to each and counting an SLA violation. Returns the number
// dropped.
func (m *Manager) DropExpired(now time.Time) int {
	m.mu.Lock()
	var dropped []*Task
	for band := range m.bands {
		kept := m.bands[band][:0]
		for _, t := range m.bands[band] {
			if !t.Request.Deadline.IsZero() && now.After(t.Request.Deadline) {
				dropped = append(dropped, t)
				delete(m.index, t.ID)
				m.size--
				continue
			}
			kept = append(kept, t)
		}
		m.bands[band] = kept
	}
	m.slaViolations += int64(len(dropped))
	m.mu.Unlock()

	for _, t := range dropped {
		t.deliver(Result{Err: faults.New(faults.Timeout, "deadline elapsed while queued")})
	}
	return len(dropped)
}

// Size returns the number of queued tasks.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// BandSize returns the number of queued tasks in one priority band.
func (m *Manager) BandSize(p contracts.Priority) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bands[p.Rank()])
}

// Utilization is size over capacity, in [0,1].
func (m *Manager) Utilization() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(m.size) / float64(m.cfg.MaxQueueSize)
}

// SLAViolations returns the count of deadline drops so far.
func (m *Manager) SLAViolations() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slaViolations
}

// InFlight returns the in-flight count for a user.
func (m *Manager) InFlight(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight[userID]
}
