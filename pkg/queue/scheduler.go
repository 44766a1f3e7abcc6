package queue

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
	"github.com/clay-good/proxilion-grc-sub001/pkg/faults"
)

// Handler executes one dequeued request against the upstream path.
type Handler func(ctx context.Context, req *contracts.Request) (*contracts.Response, error)

// SchedulerConfig bounds the worker pool and its retry behavior.
type SchedulerConfig struct {
	MinConcurrency int
	MaxConcurrency int

	MaxRetries    int
	RetryDelay    time.Duration
	Backoff       float64
	MaxRetryDelay time.Duration
	// RetryableCodes is the error allow-list; failures outside it are
	// terminal for the task.
	RetryableCodes []faults.Code

	// ScaleInterval is how often the supervisor reconsiders pool size
	// and sweeps deadline-expired queued tasks.
	ScaleInterval time.Duration
}

func (c *SchedulerConfig) defaults() {
	if c.MinConcurrency <= 0 {
		c.MinConcurrency = 2
	}
	if c.MaxConcurrency < c.MinConcurrency {
		c.MaxConcurrency = c.MinConcurrency
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.Backoff <= 1 {
		c.Backoff = 2
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 10 * time.Second
	}
	if c.ScaleInterval <= 0 {
		c.ScaleInterval = 250 * time.Millisecond
	}
	if c.RetryableCodes == nil {
		c.RetryableCodes = []faults.Code{faults.UpstreamFailure}
	}
}

const (
	scaleUpUtilization   = 0.7
	scaleDownUtilization = 0.2
	// Above this recent error rate the pool does not grow even under
	// load; adding workers to a failing upstream only amplifies damage.
	scaleUpMaxErrorRate = 0.5
)

// Scheduler moves tasks from the queue into a bounded worker pool.
type Scheduler struct {
	cfg     SchedulerConfig
	queue   *Manager
	handler Handler
	logger  *slog.Logger

	workers  int
	workerMu sync.Mutex
	stops    []chan struct{}

	busy      atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64

	// OnComplete, when set, observes every finished task after its
	// timing fields are final. Used to wire metrics.
	OnComplete func(t *Task, err error)

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler over the given queue.
func NewScheduler(cfg SchedulerConfig, q *Manager, h Handler) *Scheduler {
	cfg.defaults()
	return &Scheduler{
		cfg:     cfg,
		queue:   q,
		handler: h,
		logger:  slog.Default().With("component", "scheduler"),
	}
}

// Start launches the minimum worker set and the supervisor. Stop by
// cancelling via Stop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.cfg.MinConcurrency; i++ {
		s.addWorker(ctx)
	}
	s.wg.Add(1)
	go s.supervise(ctx)
}

// Stop cancels all workers and waits for them to drain.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Submit enqueues the request and blocks until a worker completes it,
// the queue drops it, or ctx is cancelled. Cancellation of a queued
// request removes it; cancellation of an in-flight request is
// best-effort via the worker's context.
func (s *Scheduler) Submit(ctx context.Context, req *contracts.Request) (*contracts.Response, error) {
	t := NewTask(req)
	if err := s.queue.Enqueue(t); err != nil {
		return nil, err
	}
	select {
	case r := <-t.resultCh:
		return r.Response, r.Err
	case <-ctx.Done():
		s.queue.Cancel(t.ID)
		return nil, faults.Wrap(faults.Timeout, "caller cancelled", ctx.Err())
	}
}

// Workers returns the current pool size.
func (s *Scheduler) Workers() int {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	return s.workers
}

// ProcessingUtilization is busy workers over max concurrency.
func (s *Scheduler) ProcessingUtilization() float64 {
	return float64(s.busy.Load()) / float64(s.cfg.MaxConcurrency)
}

func (s *Scheduler) addWorker(ctx context.Context) {
	s.workerMu.Lock()
	if s.workers >= s.cfg.MaxConcurrency {
		s.workerMu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.stops = append(s.stops, stop)
	s.workers++
	s.workerMu.Unlock()

	s.wg.Add(1)
	go s.worker(ctx, stop)
}

func (s *Scheduler) removeWorker() {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	if s.workers <= s.cfg.MinConcurrency || len(s.stops) == 0 {
		return
	}
	stop := s.stops[len(s.stops)-1]
	s.stops = s.stops[:len(s.stops)-1]
	s.workers--
	close(stop)
}

func (s *Scheduler) worker(ctx context.Context, stop chan struct{}) {
	defer s.wg.Done()
	for {
		t := s.queue.TryDequeue()
		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-s.queue.notify:
				continue
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}
		s.run(ctx, t)
	}
}

func (s *Scheduler) run(ctx context.Context, t *Task) {
	s.busy.Add(1)
	resp, err := s.execute(ctx, t)
	s.busy.Add(-1)

	t.CompletedAt = time.Now().UTC()
	s.queue.Complete(t)

	if err != nil {
		s.failures.Add(1)
	} else {
		s.successes.Add(1)
	}
	if s.OnComplete != nil {
		s.OnComplete(t, err)
	}
	t.deliver(Result{Response: resp, Err: err})
}

// execute runs the handler with retry-with-backoff for allow-listed
// failures.
func (s *Scheduler) execute(ctx context.Context, t *Task) (*contracts.Response, error) {
	for {
		reqCtx := ctx
		var cancel context.CancelFunc
		if !t.Request.Deadline.IsZero() {
			reqCtx, cancel = context.WithDeadline(ctx, t.Request.Deadline)
		}
		resp, err := s.handler(reqCtx, t.Request)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return resp, nil
		}
		if t.attempts >= s.cfg.MaxRetries || !s.retryable(err) {
			return nil, err
		}

		delay := s.retryDelay(t.attempts)
		t.attempts++
		s.logger.Debug("retrying task", "task", t.ID, "attempt", t.attempts, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, faults.Wrap(faults.Timeout, "cancelled during retry backoff", ctx.Err())
		}
	}
}

func (s *Scheduler) retryDelay(attempt int) time.Duration {
	d := time.Duration(float64(s.cfg.RetryDelay) * math.Pow(s.cfg.Backoff, float64(attempt)))
	if d > s.cfg.MaxRetryDelay {
		d = s.cfg.MaxRetryDelay
	}
	return d
}

func (s *Scheduler) retryable(err error) bool {
	code := faults.CodeOf(err)
	for _, c := range s.cfg.RetryableCodes {
		if code == c {
			return true
		}
	}
	return false
}

// supervise autoscales the pool and sweeps expired queued tasks.
func (s *Scheduler) supervise(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ScaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.queue.DropExpired(now.UTC())

			util := s.queue.Utilization()
			errRate := s.recentErrorRate()
			switch {
			case util > scaleUpUtilization && errRate < scaleUpMaxErrorRate:
				s.addWorker(ctx)
			case util < scaleDownUtilization:
				s.removeWorker()
			}
		}
	}
}

// recentErrorRate reads and resets the outcome counters of the last
// supervision interval.
func (s *Scheduler) recentErrorRate() float64 {
	succ := s.successes.Swap(0)
	fail := s.failures.Swap(0)
	total := succ + fail
	if total == 0 {
		return 0
	}
	return float64(fail) / float64(total)
}
