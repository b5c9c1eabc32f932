// Package ops implements the Async Operation Manager: a bounded worker pool
// that runs long-lived operations (sync, rebuild, repair, bulk validate)
// with progress reporting, cooperative cancellation, automatic retry of
// transient failures, and memory-sensitive cleanup of finished records.
package ops

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JimEverest/fastshot/internal/errs"
)

// State is one node of the operation state machine:
//
//	pending  → running → completed
//	                    ↘ failed
//	running  → cancelling → cancelled
//
// Terminal states are completed, failed, cancelled. Transitions are
// monotonic — a cancelled operation never becomes completed.
type State string

const (
	Pending    State = "pending"
	Running    State = "running"
	Cancelling State = "cancelling"
	Completed  State = "completed"
	Failed     State = "failed"
	Cancelled  State = "cancelled"
)

// Terminal reports whether s is one of the three terminal states.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// ProgressSink is what a submitted function reports through. Report may be
// called any number of times; the last call before return wins.
type ProgressSink interface {
	Report(fraction float64, message string)
}

// Func is the work a caller submits. It must check ctx at the documented
// suspension points (before network calls, between per-entry steps, during
// backoff waits) and return promptly once ctx is done.
type Func func(ctx context.Context, progress ProgressSink) (result any, err error)

// Operation is an immutable snapshot of one submitted task, safe to read
// without holding the Manager's lock.
type Operation struct {
	ID          string
	Kind        string
	State       State
	Progress    float64
	Message     string
	Result      any
	Err         error
	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Attempts    int
}

type record struct {
	mu  sync.Mutex
	op  Operation
	fn  Func
	ctx context.Context
	cancel context.CancelFunc
}

func (r *record) snapshot() Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.op
}

// sink adapts a *record into a ProgressSink, ignoring reports once the
// operation has left the running/cancelling states.
type sink struct{ r *record }

func (s sink) Report(fraction float64, message string) {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if s.r.op.State.Terminal() {
		return
	}
	s.r.op.Progress = fraction
	s.r.op.Message = message
}

// Manager is a bounded pool of worker goroutines consuming submitted
// operations from a buffered task queue. The default pool size (3) matches
// sync.workers.
type Manager struct {
	tasks chan *record

	mu      sync.RWMutex
	records map[string]*record

	retryConfig RetryConfig
	retention   time.Duration
	softCapBytes int64

	wg   sync.WaitGroup
	quit chan struct{}
}

// RetryConfig controls the exponential backoff applied inside a worker
// around a Func that fails with errs.Transient.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultRetryConfig matches the documented policy: base 1s, factor 2, up
// to 5 attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 5, BaseDelay: 1 * time.Second, Multiplier: 2.0}
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithWorkers overrides the default pool size of 3.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.tasks = make(chan *record, n*4)
			m.startWorkers(n)
		}
	}
}

// WithRetryConfig overrides the default transient-retry backoff policy.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(m *Manager) { m.retryConfig = cfg }
}

// WithRetention sets how long a terminal operation's record is kept before
// Cleanup removes it. Default 1 hour.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = d }
}

// WithSoftMemoryCap bounds the total estimated size of retained Result
// payloads; Cleanup drops the oldest large results once the cap is exceeded,
// keeping the operation record itself (state, error, progress) intact.
func WithSoftMemoryCap(bytes int64) Option {
	return func(m *Manager) { m.softCapBytes = bytes }
}

// NewManager starts a pool of 3 workers unless overridden by WithWorkers.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		records:      make(map[string]*record),
		retryConfig:  DefaultRetryConfig(),
		retention:    1 * time.Hour,
		softCapBytes: 64 << 20,
		quit:         make(chan struct{}),
	}
	started := false
	for _, opt := range opts {
		before := m.tasks
		opt(m)
		if m.tasks != nil && before == nil {
			started = true
		}
	}
	if !started {
		m.tasks = make(chan *record, 12)
		m.startWorkers(3)
	}
	return m
}

func (m *Manager) startWorkers(n int) {
	for i := 0; i < n; i++ {
		m.wg.Add(1)
		go m.worker()
	}
}

// Close stops the workers and waits for each to finish its current task.
// Already-queued operations are abandoned and stay pending; Submit does not
// check for Close, so operations submitted afterwards are never run.
func (m *Manager) Close() {
	close(m.quit)
	m.wg.Wait()
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.quit:
			return
		case r, ok := <-m.tasks:
			if !ok {
				return
			}
			m.run(r)
		}
	}
}

// Submit enqueues fn under kind and returns its operation ID immediately.
func (m *Manager) Submit(kind string, fn Func) string {
	ctx, cancel := context.WithCancel(context.Background())
	r := &record{
		op: Operation{
			ID:          uuid.NewString(),
			Kind:        kind,
			State:       Pending,
			SubmittedAt: time.Now(),
		},
		fn:     fn,
		ctx:    ctx,
		cancel: cancel,
	}

	m.mu.Lock()
	m.records[r.op.ID] = r
	m.mu.Unlock()

	m.tasks <- r
	return r.op.ID
}

// Cancel marks id cancelling if it is pending or running. fn observes this
// through ctx.Done() at its own suspension points; Cancel does not itself
// interrupt work in progress. Returns false if id is unknown or already
// terminal.
func (m *Manager) Cancel(id string) bool {
	m.mu.RLock()
	r, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	r.mu.Lock()
	if r.op.State.Terminal() {
		r.mu.Unlock()
		return false
	}
	wasPending := r.op.State == Pending
	r.op.State = Cancelling
	r.mu.Unlock()

	r.cancel()
	if wasPending {
		// A pending task may still be sitting in the channel buffer; run()
		// checks State==Cancelling before invoking fn and finalizes directly
		// to Cancelled without ever calling fn.
		return true
	}
	return true
}

// Status returns a snapshot of id's current record, or (Operation{}, false)
// if unknown.
func (m *Manager) Status(id string) (Operation, bool) {
	m.mu.RLock()
	r, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return Operation{}, false
	}
	return r.snapshot(), true
}

// Cleanup drops records for operations that finished more than retention ago
// and, independently, clears Result payloads (oldest-finished first) once
// the manager's estimated retained memory exceeds softCapBytes.
func (m *Manager) Cleanup() {
	cutoff := time.Now().Add(-m.retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, r := range m.records {
		op := r.snapshot()
		if op.State.Terminal() && !op.FinishedAt.IsZero() && op.FinishedAt.Before(cutoff) {
			delete(m.records, id)
		}
	}

	m.dropLargeResultsLocked()
}

// dropLargeResultsLocked estimates retained size via resultSize and clears
// oldest-finished terminal results until under softCapBytes. Caller must
// hold m.mu.
func (m *Manager) dropLargeResultsLocked() {
	if m.softCapBytes <= 0 {
		return
	}
	type candidate struct {
		r   *record
		fin time.Time
		sz  int64
	}
	var total int64
	var candidates []candidate
	for _, r := range m.records {
		op := r.snapshot()
		sz := resultSize(op.Result)
		total += sz
		if op.State.Terminal() && op.Result != nil {
			candidates = append(candidates, candidate{r: r, fin: op.FinishedAt, sz: sz})
		}
	}
	if total <= m.softCapBytes {
		return
	}
	for i := 0; i < len(candidates)-1; i++ {
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].fin.Before(candidates[i].fin) {
				candidates[i], candidates[j] = candidates[j], candidates[i]
			}
		}
	}
	for _, c := range candidates {
		if total <= m.softCapBytes {
			break
		}
		c.r.mu.Lock()
		c.r.op.Result = nil
		c.r.mu.Unlock()
		total -= c.sz
	}
}

// resultSize is a rough, allocation-free-enough estimate used only to decide
// eviction order, not an exact accounting.
func resultSize(v any) int64 {
	switch val := v.(type) {
	case nil:
		return 0
	case []byte:
		return int64(len(val))
	case string:
		return int64(len(val))
	default:
		return 256 // fixed estimate for arbitrary struct results
	}
}

func (m *Manager) run(r *record) {
	r.mu.Lock()
	if r.op.State == Cancelling {
		r.op.State = Cancelled
		r.op.FinishedAt = time.Now()
		r.mu.Unlock()
		return
	}
	r.op.State = Running
	r.op.StartedAt = time.Now()
	r.mu.Unlock()

	result, err := m.runWithRetry(r)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.op.FinishedAt = time.Now()
	switch {
	case errs.ClassOf(err) == errs.Cancelled || r.op.State == Cancelling:
		r.op.State = Cancelled
		r.op.Err = err
	case err != nil:
		r.op.State = Failed
		r.op.Err = err
	default:
		r.op.State = Completed
		r.op.Result = result
		r.op.Progress = 1.0
	}
}

// runWithRetry invokes fn, retrying on errs.Transient failures with
// exponential backoff up to retryConfig.MaxAttempts. A cancellation during
// the backoff sleep aborts the retry loop immediately.
func (m *Manager) runWithRetry(r *record) (any, error) {
	delay := m.retryConfig.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= m.retryConfig.MaxAttempts; attempt++ {
		r.mu.Lock()
		r.op.Attempts = attempt
		ctx := r.ctx
		r.mu.Unlock()

		result, err := r.fn(ctx, sink{r: r})
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errs.ClassOf(err) == errs.Cancelled || ctx.Err() != nil {
			return nil, err
		}
		if !errs.Retryable(err) {
			return nil, err
		}
		if attempt == m.retryConfig.MaxAttempts {
			break
		}
		if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
			return nil, sleepErr
		}
		delay = time.Duration(float64(delay) * m.retryConfig.Multiplier)
	}
	return nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return errs.New(errs.Cancelled, "ops.sleepCtx", ctx.Err())
	}
}
