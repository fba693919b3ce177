// Package lock provides the in-process resource lock: a renewable,
// owner-scoped mutual-exclusion record per resource code, plus a FIFO-fair
// blocking executor for critical sections.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/quarkstore/gateway/telemetry"
)

// ErrWaitTimeout is returned when the wait-for-lock phase of ExecuteLocking
// exceeds its timeout. The task was never started.
var ErrWaitTimeout = errors.New("timed out waiting for resource lock")

// acquirePollInterval is how often a queue worker retries an externally
// held lock.
const acquirePollInterval = 20 * time.Millisecond

// defaultWaitTimeout bounds the wait-for-lock phase when the caller gives
// no explicit timeout.
const defaultWaitTimeout = 30 * time.Second

// Lock is a live lock row. At most one non-expired Lock exists per
// resource code.
type Lock struct {
	ID           string
	ResourceCode string
	OwnerCode    string
	ExpiresAt    time.Time
}

// AcquireResult reports the outcome of an acquisition attempt.
type AcquireResult struct {
	Acquired            bool
	Renewed             bool
	LockedBySomeoneElse bool
	Lock                *Lock
	Reason              string
}

// Manager owns all lock state for the process.
type Manager struct {
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	locks  map[string]*Lock
	queues map[string]*queue
}

// queue is the FIFO of pending waiters for one resource code. active marks
// a live drain goroutine so at most one worker ever serves a resource.
type queue struct {
	waiters []*waiter
	active  bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a lock manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger: slog.Default(),
		now:    time.Now,
		locks:  make(map[string]*Lock),
		queues: make(map[string]*queue),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire attempts to take or renew the lock for resourceCode. A live lock
// held by the same owner is renewed in place: same identity, extended
// expiry. A live lock held by someone else fails the attempt. Expired locks
// are lazily superseded.
func (m *Manager) Acquire(resourceCode, ownerCode string, duration time.Duration) AcquireResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	existing := m.locks[resourceCode]
	if existing != nil && existing.ExpiresAt.After(now) {
		if existing.OwnerCode == ownerCode {
			existing.ExpiresAt = now.Add(duration)
			telemetry.RecordLockAcquire(context.Background(), "renewed")
			cp := *existing
			return AcquireResult{Acquired: true, Renewed: true, Lock: &cp}
		}
		telemetry.RecordLockAcquire(context.Background(), "held")
		return AcquireResult{
			LockedBySomeoneElse: true,
			Reason:              fmt.Sprintf("resource %s is locked by %s until %s", resourceCode, existing.OwnerCode, existing.ExpiresAt.Format(time.RFC3339)),
		}
	}

	l := &Lock{
		ID:           uuid.NewString(),
		ResourceCode: resourceCode,
		OwnerCode:    ownerCode,
		ExpiresAt:    now.Add(duration),
	}
	m.locks[resourceCode] = l
	telemetry.RecordLockAcquire(context.Background(), "acquired")

	cp := *l
	return AcquireResult{Acquired: true, Lock: &cp}
}

// Release removes the lock if the caller owns it. Double release and
// release by a non-owner are safe no-ops returning false.
func (m *Manager) Release(resourceCode, ownerCode string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.locks[resourceCode]
	if existing == nil || existing.OwnerCode != ownerCode {
		return false
	}
	delete(m.locks, resourceCode)
	return true
}

// ExecuteOptions parameterizes ExecuteLocking.
type ExecuteOptions struct {
	ResourceCode string
	OwnerCode    string
	// Duration is the lock lease taken while the task runs.
	Duration time.Duration
	// Timeout bounds only the wait-for-lock phase; the task's own
	// execution is never cut short. Zero means defaultWaitTimeout.
	Timeout time.Duration
}

// waiter states.
const (
	stateWaiting int32 = iota
	stateStarted
	stateCancelled
)

type waiter struct {
	opts     ExecuteOptions
	task     func(context.Context) error
	ctx      context.Context
	enqueued time.Time
	state    atomic.Int32
	done     chan error
}

// ExecuteLocking queues the task on the resource's FIFO queue and blocks
// until it has run, the wait timed out, or ctx was cancelled while waiting.
// Tasks on the same resource code run fully serialized in submission order;
// distinct resource codes never block each other.
func (m *Manager) ExecuteLocking(ctx context.Context, task func(context.Context) error, opts ExecuteOptions) error {
	if opts.ResourceCode == "" {
		return errors.New("resource code is required")
	}
	if opts.OwnerCode == "" {
		opts.OwnerCode = uuid.NewString()
	}
	if opts.Duration <= 0 {
		opts.Duration = time.Minute
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}

	w := &waiter{
		opts:     opts,
		task:     task,
		ctx:      ctx,
		enqueued: m.now(),
		done:     make(chan error, 1),
	}

	m.mu.Lock()
	q := m.queues[opts.ResourceCode]
	if q == nil {
		q = &queue{}
		m.queues[opts.ResourceCode] = q
	}
	q.waiters = append(q.waiters, w)
	if !q.active {
		q.active = true
		go m.drain(opts.ResourceCode)
	}
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-w.done:
		return err
	case <-timer.C:
		if w.state.CompareAndSwap(stateWaiting, stateCancelled) {
			telemetry.RecordLockWait(ctx, m.now().Sub(w.enqueued), false)
			return fmt.Errorf("%w: %s", ErrWaitTimeout, opts.ResourceCode)
		}
		// The task already started; it runs to completion.
		return <-w.done
	case <-ctx.Done():
		if w.state.CompareAndSwap(stateWaiting, stateCancelled) {
			telemetry.RecordLockWait(ctx, m.now().Sub(w.enqueued), false)
			return ctx.Err()
		}
		return <-w.done
	}
}

// drain is the single worker for one resource code. It exits when the
// queue empties.
func (m *Manager) drain(resourceCode string) {
	for {
		m.mu.Lock()
		q := m.queues[resourceCode]
		if len(q.waiters) == 0 {
			q.active = false
			delete(m.queues, resourceCode)
			m.mu.Unlock()
			return
		}
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		m.mu.Unlock()

		m.run(w)
	}
}

func (m *Manager) run(w *waiter) {
	// Wait out any lock held outside this queue (direct Acquire callers).
	for {
		if w.state.Load() == stateCancelled {
			return
		}
		res := m.Acquire(w.opts.ResourceCode, w.opts.OwnerCode, w.opts.Duration)
		if res.Acquired {
			break
		}
		time.Sleep(acquirePollInterval)
	}

	if !w.state.CompareAndSwap(stateWaiting, stateStarted) {
		m.Release(w.opts.ResourceCode, w.opts.OwnerCode)
		return
	}

	telemetry.RecordLockWait(w.ctx, m.now().Sub(w.enqueued), true)

	err := w.task(w.ctx)
	m.Release(w.opts.ResourceCode, w.opts.OwnerCode)
	w.done <- err
}
