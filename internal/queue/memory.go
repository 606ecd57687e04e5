package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowrun/pkg/schema"
)

// MemoryQueue is an in-process Queue for single-binary deployments and tests.
// Nothing survives a restart.
type MemoryQueue struct {
	policy RetryPolicy

	mu          sync.Mutex
	ready       []*Delivery
	inflight    map[string]*Delivery
	dead        []DeadTask
	repeatables map[string]schema.Registration
	timers      map[*time.Timer]struct{}
	closed      bool

	notify chan struct{}
	done   chan struct{}
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(policy RetryPolicy) *MemoryQueue {
	return &MemoryQueue{
		policy:      policy,
		inflight:    make(map[string]*Delivery),
		repeatables: make(map[string]schema.Registration),
		timers:      make(map[*time.Timer]struct{}),
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, task schema.Task) (string, error) {
	d := &Delivery{JobID: uuid.NewString(), Task: task, Attempt: 1}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	q.pushLocked(d)
	return d.JobID, nil
}

func (q *MemoryQueue) pushLocked(d *Delivery) {
	q.ready = append(q.ready, d)
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.ready) > 0 {
			d := q.ready[0]
			q.ready = q.ready[1:]
			q.inflight[d.JobID] = d
			more := len(q.ready) > 0
			q.mu.Unlock()
			if more {
				// Pass the wakeup on to the next waiting consumer.
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			cp := *d
			return &cp, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrClosed
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, d.JobID)
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, d *Delivery, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, d.JobID)

	if !q.policy.ShouldRetry(d.Attempt, cause) {
		msg := ""
		if cause != nil {
			msg = cause.Error()
		}
		q.dead = append(q.dead, DeadTask{Delivery: *d, Error: msg, FailedAt: time.Now().UTC()})
		return nil
	}

	next := &Delivery{JobID: d.JobID, Task: d.Task, Attempt: d.Attempt + 1}
	delay := q.policy.NextDelay(d.Attempt)
	if delay <= 0 {
		q.pushLocked(next)
		return nil
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, timer)
		if !q.closed {
			q.pushLocked(next)
		}
	})
	q.timers[timer] = struct{}{}
	return nil
}

func (q *MemoryQueue) Dead(_ context.Context) ([]DeadTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadTask, len(q.dead))
	copy(out, q.dead)
	return out, nil
}

// Pending returns the number of tasks waiting to be dequeued.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

func (q *MemoryQueue) Repeatables(_ context.Context) ([]schema.Registration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]schema.Registration, 0, len(q.repeatables))
	for _, r := range q.repeatables {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotKey < out[j].SlotKey })
	return out, nil
}

func (q *MemoryQueue) AddRepeatable(_ context.Context, reg schema.Registration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.repeatables[reg.SlotKey] = reg
	return nil
}

func (q *MemoryQueue) RemoveRepeatable(_ context.Context, slotKey string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.repeatables[slotKey]
	delete(q.repeatables, slotKey)
	return ok, nil
}

func (q *MemoryQueue) AdvanceRepeatable(_ context.Context, slotKey string, next time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	reg, ok := q.repeatables[slotKey]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "repeatable %q not found", slotKey)
	}
	reg.NextRunAt = next
	q.repeatables[slotKey] = reg
	return nil
}

// Close stops pending retries and wakes blocked consumers.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	close(q.done)
	return nil
}
