package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/flowrun/internal/queue"
	"github.com/rendis/flowrun/pkg/schema"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool is a bounded goroutine pool; each slot runs one task at a time.
type WorkerPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Submit runs fn on a free slot. It blocks while the pool is full and gives
// up when ctx is done or the pool shuts down. fn receives runCtx.
func (p *WorkerPool) Submit(ctx, runCtx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown's Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(runCtx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()
	return nil
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work and waits for running tasks to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}

// dequeueBackoff is the pause after a failed Dequeue.
const dequeueBackoff = time.Second

// TaskRunner processes one task. *Coordinator satisfies it.
type TaskRunner interface {
	Run(ctx context.Context, task schema.Task) error
}

// Worker consumes the task queue and runs each delivery on a WorkerPool.
type Worker struct {
	queue  queue.Queue
	runner TaskRunner
	pool   *WorkerPool
	logger *slog.Logger
}

// NewWorker creates a worker running up to concurrency tasks at once.
func NewWorker(q queue.Queue, runner TaskRunner, concurrency int, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{queue: q, runner: runner, pool: NewWorkerPool(concurrency), logger: logger}
}

// Run consumes deliveries until ctx is done or the queue closes, then waits
// for running tasks. Tasks already started are not cancelled by ctx.
func (w *Worker) Run(ctx context.Context) error {
	defer w.pool.Shutdown()
	runCtx := context.WithoutCancel(ctx)

	for {
		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			w.logger.ErrorContext(ctx, "dequeue failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(dequeueBackoff):
			}
			continue
		}

		delivery := d
		if err := w.pool.Submit(ctx, runCtx, func(ctx context.Context) error {
			return w.handle(ctx, delivery)
		}); err != nil {
			// Redelivered later; the attempt counts against the retry policy.
			_ = w.queue.Nack(runCtx, delivery, err)
			if ctx.Err() != nil || errors.Is(err, ErrPoolShutdown) {
				return nil
			}
			return err
		}
	}
}

// Stats reports pool counters.
func (w *Worker) Stats() PoolMetrics {
	return w.pool.Metrics()
}

func (w *Worker) handle(ctx context.Context, d *queue.Delivery) (err error) {
	log := w.logger.With(
		slog.String("job_id", d.JobID),
		slog.String("workflow_id", d.Task.WorkflowID),
		slog.Int("attempt", d.Attempt),
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
		if err != nil {
			log.WarnContext(ctx, "job failed", slog.String("error", err.Error()))
			if nackErr := w.queue.Nack(ctx, d, err); nackErr != nil {
				log.ErrorContext(ctx, "nack failed", slog.String("error", nackErr.Error()))
			}
			return
		}
		if ackErr := w.queue.Ack(ctx, d); ackErr != nil {
			log.ErrorContext(ctx, "ack failed", slog.String("error", ackErr.Error()))
		}
		log.DebugContext(ctx, "job completed")
	}()

	log.InfoContext(ctx, "job started")
	return w.runner.Run(ctx, d.Task)
}
