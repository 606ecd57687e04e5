package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

// fastRetry redelivers immediately so tests do not wait on backoff.
var fastRetry = RetryPolicy{MaxAttempts: 2, Backoff: BackoffNone}

func dequeueWithin(t *testing.T, q Queue, d time.Duration) *Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	del, err := q.Dequeue(ctx)
	require.NoError(t, err)
	return del
}

func testQueueContract(t *testing.T, newQueue func(t *testing.T) Queue) {
	t.Run("enqueue then dequeue", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		id, err := q.Enqueue(ctx, schema.Task{WorkflowID: "wf-1", Payload: map[string]any{"name": "Ada"}, TriggerID: "evt"})
		require.NoError(t, err)

		d := dequeueWithin(t, q, 3*time.Second)
		assert.Equal(t, id, d.JobID)
		assert.Equal(t, "wf-1", d.Task.WorkflowID)
		assert.Equal(t, "Ada", d.Task.Payload["name"])
		assert.Equal(t, "evt", d.Task.TriggerID)
		assert.Equal(t, 1, d.Attempt)
		require.NoError(t, q.Ack(ctx, d))
	})

	t.Run("fifo order", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		for _, wf := range []string{"a", "b", "c"} {
			_, err := q.Enqueue(ctx, schema.Task{WorkflowID: wf})
			require.NoError(t, err)
		}
		for _, want := range []string{"a", "b", "c"} {
			d := dequeueWithin(t, q, 3*time.Second)
			assert.Equal(t, want, d.Task.WorkflowID)
			require.NoError(t, q.Ack(ctx, d))
		}
	})

	t.Run("dequeue honours context", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := q.Dequeue(ctx)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})

	t.Run("nack redelivers then dead letters", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		_, err := q.Enqueue(ctx, schema.Task{WorkflowID: "flaky"})
		require.NoError(t, err)

		first := dequeueWithin(t, q, 3*time.Second)
		require.NoError(t, q.Nack(ctx, first, errors.New("502 from slack")))

		second := dequeueWithin(t, q, 3*time.Second)
		assert.Equal(t, first.JobID, second.JobID)
		assert.Equal(t, 2, second.Attempt)
		require.NoError(t, q.Nack(ctx, second, errors.New("502 from slack")))

		dead, err := q.Dead(ctx)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, "flaky", dead[0].Task.WorkflowID)
		assert.Equal(t, "502 from slack", dead[0].Error)
	})

	t.Run("permanent failure skips retries", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		_, err := q.Enqueue(ctx, schema.Task{WorkflowID: "gone"})
		require.NoError(t, err)

		d := dequeueWithin(t, q, 3*time.Second)
		require.NoError(t, q.Nack(ctx, d, schema.NewError(schema.ErrCodeNotFound, "Workflow not found")))

		dead, err := q.Dead(ctx)
		require.NoError(t, err)
		assert.Len(t, dead, 1)
	})

	t.Run("repeatables keyed by slot", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		slot := schema.ScheduleSlot("wf-9")

		removed, err := q.RemoveRepeatable(ctx, slot)
		require.NoError(t, err)
		assert.False(t, removed)

		reg := schema.Registration{SlotKey: slot, Pattern: "*/5 * * * *", Task: schema.Task{WorkflowID: "wf-9"}}
		require.NoError(t, q.AddRepeatable(ctx, reg))
		reg.Pattern = "0 * * * *"
		require.NoError(t, q.AddRepeatable(ctx, reg))

		regs, err := q.Repeatables(ctx)
		require.NoError(t, err)
		require.Len(t, regs, 1)
		assert.Equal(t, "0 * * * *", regs[0].Pattern)

		next := time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)
		require.NoError(t, q.AdvanceRepeatable(ctx, slot, next))
		regs, err = q.Repeatables(ctx)
		require.NoError(t, err)
		assert.True(t, next.Equal(regs[0].NextRunAt))

		removed, err = q.RemoveRepeatable(ctx, slot)
		require.NoError(t, err)
		assert.True(t, removed)
		regs, err = q.Repeatables(ctx)
		require.NoError(t, err)
		assert.Empty(t, regs)

		err = q.AdvanceRepeatable(ctx, slot, next)
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})
}
