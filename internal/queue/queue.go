// Package queue carries execution tasks from triggers to workers with
// at-least-once delivery, and holds the recurring registrations that the
// scheduler fires.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/flowrun/pkg/schema"
)

// DefaultName is the queue every task is enqueued on.
const DefaultName = "workflow-jobs"

// ErrClosed is returned by Dequeue once the queue has been closed.
var ErrClosed = errors.New("queue is closed")

// Delivery is one attempt at processing a task. Exactly one of Ack or Nack
// must be called for it.
type Delivery struct {
	JobID   string      `json:"jobId"`
	Task    schema.Task `json:"task"`
	Attempt int         `json:"attempt"`
}

// Queue is an at-least-once task queue with repeatable registrations keyed
// by slot. All implementations must be safe for concurrent use.
type Queue interface {
	Enqueue(ctx context.Context, task schema.Task) (string, error)
	// Dequeue blocks until a task is ready or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack reports a failed attempt. The task is retried after a backoff or
	// moved to the dead list, according to the queue's RetryPolicy.
	Nack(ctx context.Context, d *Delivery, cause error) error
	Dead(ctx context.Context) ([]DeadTask, error)

	Repeatables(ctx context.Context) ([]schema.Registration, error)
	AddRepeatable(ctx context.Context, reg schema.Registration) error
	// RemoveRepeatable deletes the registration at slotKey and reports whether one existed.
	RemoveRepeatable(ctx context.Context, slotKey string) (bool, error)
	AdvanceRepeatable(ctx context.Context, slotKey string, next time.Time) error

	Close() error
}

// DeadTask is a task that exhausted its attempts or failed permanently.
type DeadTask struct {
	Delivery
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failedAt"`
}

func queueError(op string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeQueue, "queue %s: %s", op, err.Error()).WithCause(err)
}
