// Package queue schedules scan tasks on per-tenant queues.
//
// Every tenant gets its own FIFO drained by one goroutine, limited to a fixed
// number of concurrent tasks and a fixed number of task starts per interval.
// A queue exists only while it has pending or running work.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Laisky/telegram-filescan/internal/scan"
	"github.com/Laisky/telegram-filescan/internal/scan/metrics"
	"github.com/Laisky/telegram-filescan/library/log"
)

// Runner executes one scan task. Returned errors and panics are logged and
// never reach the scheduler.
type Runner interface {
	Run(ctx context.Context, task scan.ScanTask) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, task scan.ScanTask) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, task scan.ScanTask) error {
	return f(ctx, task)
}

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("registry closed")

type item struct {
	task scan.ScanTask
	done chan struct{}
}

type tenantQueue struct {
	tenant  string
	pending []*item
	running int
	retired bool
	limiter *rate.Limiter
	slots   chan struct{}
	wake    chan struct{}
}

func (q *tenantQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Registry owns every tenant queue and the in-flight fingerprint set.
// Construct one per process and share it.
type Registry struct {
	settings scan.QueueSettings
	runner   Runner
	logger   logSDK.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	queues   map[string]*tenantQueue
	inflight map[string]struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger logSDK.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry builds a Registry running tasks with runner.
func NewRegistry(settings scan.QueueSettings, runner Runner, opts ...Option) (*Registry, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if settings.Concurrency <= 0 {
		return nil, errors.Errorf("invalid concurrency %d", settings.Concurrency)
	}
	if settings.Interval <= 0 || settings.IntervalCap <= 0 {
		return nil, errors.Errorf("invalid rate window %s/%d", settings.Interval, settings.IntervalCap)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		settings: settings,
		runner:   runner,
		logger:   log.Logger.Named("queue"),
		ctx:      ctx,
		cancel:   cancel,
		queues:   make(map[string]*tenantQueue),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Add enqueues task on its tenant's queue without waiting for it to run.
//
// A task whose fingerprint is already in flight is dropped and accepted is
// false. Otherwise done is closed once the task has finished and its
// fingerprint has been released.
func (r *Registry) Add(task scan.ScanTask) (done <-chan struct{}, accepted bool) {
	if task.TenantID == "" || task.Fingerprint == "" {
		r.logger.Warn("drop scan task without tenant or fingerprint",
			zap.String("tenant", task.TenantID),
			zap.String("fingerprint", task.Fingerprint))
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.logger.Warn("drop scan task, registry closed", zap.String("tenant", task.TenantID))
		return nil, false
	}
	if _, ok := r.inflight[task.Fingerprint]; ok {
		r.logger.Debug("scan task already in flight",
			zap.String("tenant", task.TenantID),
			zap.String("fingerprint", task.Fingerprint))
		return nil, false
	}
	r.inflight[task.Fingerprint] = struct{}{}

	q, ok := r.queues[task.TenantID]
	if !ok {
		q = r.newQueue(task.TenantID)
		r.queues[task.TenantID] = q
		metrics.ActiveTenantQueues.Inc()

		r.wg.Add(1)
		go r.drain(q)
	}

	it := &item{task: task, done: make(chan struct{})}
	q.pending = append(q.pending, it)
	q.signal()

	return it.done, true
}

// HasQueue reports whether tenant currently owns a queue.
func (r *Registry) HasQueue(tenant string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.queues[tenant]
	return ok
}

// InFlight reports whether a task with fingerprint is pending or running.
func (r *Registry) InFlight(fingerprint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.inflight[fingerprint]
	return ok
}

// Len returns the number of live tenant queues.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.queues)
}

// Close stops accepting tasks and waits for queued work to finish.
// When ctx expires first, running tasks see a cancelled context and
// pending tasks are dropped.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	r.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-finished
		return errors.Wrap(ctx.Err(), "wait for tenant queues")
	}
}

func (r *Registry) newQueue(tenant string) *tenantQueue {
	every := r.settings.Interval / time.Duration(r.settings.IntervalCap)
	return &tenantQueue{
		tenant:  tenant,
		limiter: rate.NewLimiter(rate.Every(every), r.settings.IntervalCap),
		slots:   make(chan struct{}, r.settings.Concurrency),
		wake:    make(chan struct{}, 1),
	}
}

// drain starts q's tasks in FIFO order until q is retired.
func (r *Registry) drain(q *tenantQueue) {
	defer r.wg.Done()

	for {
		r.mu.Lock()
		if q.retired {
			r.mu.Unlock()
			return
		}
		idle := len(q.pending) == 0
		r.mu.Unlock()

		if idle {
			select {
			case <-q.wake:
				continue
			case <-r.ctx.Done():
				r.abandon(q)
				return
			}
		}

		if err := q.limiter.Wait(r.ctx); err != nil {
			r.abandon(q)
			return
		}
		select {
		case q.slots <- struct{}{}:
		case <-r.ctx.Done():
			r.abandon(q)
			return
		}

		r.mu.Lock()
		it := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.running++
		r.mu.Unlock()

		r.wg.Add(1)
		go r.execute(q, it)
	}
}

// execute runs one task and releases its fingerprint. The queue is retired
// from the registry as soon as it has nothing pending or running.
func (r *Registry) execute(q *tenantQueue, it *item) {
	defer r.wg.Done()

	logger := r.logger.With(
		zap.String("task_id", uuid.NewString()),
		zap.String("tenant", it.task.TenantID),
		zap.String("fingerprint", it.task.Fingerprint),
	)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("scan task panicked", zap.String("panic", fmt.Sprint(rec)))
		}

		r.mu.Lock()
		delete(r.inflight, it.task.Fingerprint)
		q.running--
		if len(q.pending) == 0 && q.running == 0 && !q.retired {
			r.retire(q)
		}
		r.mu.Unlock()

		<-q.slots
		q.signal()
		close(it.done)
	}()

	if err := r.runner.Run(r.ctx, it.task); err != nil {
		logger.Error("scan task failed", zap.Error(err))
	}
}

// abandon drops q's pending tasks after the registry context is cancelled.
func (r *Registry) abandon(q *tenantQueue) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, it := range q.pending {
		delete(r.inflight, it.task.Fingerprint)
		close(it.done)
	}
	if len(q.pending) > 0 {
		r.logger.Warn("dropped pending scan tasks",
			zap.String("tenant", q.tenant),
			zap.Int("count", len(q.pending)))
	}
	q.pending = nil
	if q.running == 0 && !q.retired {
		r.retire(q)
	}
}

// retire must be called with r.mu held.
func (r *Registry) retire(q *tenantQueue) {
	q.retired = true
	if r.queues[q.tenant] == q {
		delete(r.queues, q.tenant)
		metrics.ActiveTenantQueues.Dec()
	}
}
