package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/internal/nodes"
	"github.com/rendis/flowrun/pkg/schema"
)

func TestSweeper_SweepStale(t *testing.T) {
	st := newTestStore(t)
	wf := seedWorkflow(t, st, slackDoc)
	ctx := context.Background()

	stale := &schema.Execution{WorkflowID: wf.ID, StartedAt: time.Now().UTC().Add(-2 * time.Hour)}
	fresh := &schema.Execution{WorkflowID: wf.ID}
	require.NoError(t, st.CreateExecution(ctx, stale))
	require.NoError(t, st.CreateExecution(ctx, fresh))

	m := NewMetrics(nil)
	sw := NewSweeper(st, time.Hour, time.Minute, m, nil)
	n, err := sw.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Abandoned))

	got, err := st.GetExecution(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionError, got.Status)
	require.Len(t, got.Logs, 1)
	assert.Equal(t, AbandonedMessage, got.Logs[0].Message)
	assert.Equal(t, schema.ErrCodeAbandoned, got.Logs[0].Code)

	got, err = st.GetExecution(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, got.Status)

	n, err = sw.SweepStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeper_BackgroundLoop(t *testing.T) {
	st := newTestStore(t)
	wf := seedWorkflow(t, st, slackDoc)
	ctx := context.Background()

	ex := &schema.Execution{WorkflowID: wf.ID, StartedAt: time.Now().UTC().Add(-time.Minute)}
	require.NoError(t, st.CreateExecution(ctx, ex))

	sw := NewSweeper(st, time.Second, 20*time.Millisecond, nil, nil)
	sw.Start(ctx)
	sw.Start(ctx)
	defer sw.Stop()

	assert.Eventually(t, func() bool {
		got, err := st.GetExecution(ctx, ex.ID)
		return err == nil && got.Status == schema.ExecutionError
	}, 2*time.Second, 20*time.Millisecond)

	sw.Stop()
	sw.Stop()
}

// sweepingRunner runs a sweep with a tiny threshold while node "2" executes.
type sweepingRunner struct {
	recordingRunner
	sweeper *Sweeper
	swept   int64
}

func (r *sweepingRunner) Execute(ctx context.Context, n nodes.Parsed, fc nodes.Context) (nodes.Context, error) {
	if n.ID == "2" {
		time.Sleep(20 * time.Millisecond)
		swept, err := r.sweeper.SweepStale(ctx)
		if err != nil {
			return fc, err
		}
		r.swept = swept
	}
	return r.recordingRunner.Execute(ctx, n, fc)
}

func TestSweeper_SkipsLiveExecutions(t *testing.T) {
	st := newTestStore(t)
	wf := seedWorkflow(t, st, slackDoc)
	live := NewLiveExecutions()

	r := &sweepingRunner{sweeper: NewSweeper(st, 10*time.Millisecond, time.Minute, nil, nil, SkipLive(live))}
	c := NewCoordinator(st, r, WithLiveExecutions(live))

	ex, err := c.Execute(context.Background(), schema.Task{WorkflowID: wf.ID, TriggerID: "evt-1"})
	require.NoError(t, err)
	assert.Zero(t, r.swept)
	assert.Equal(t, schema.ExecutionSuccess, ex.Status)
	assert.Empty(t, live.IDs())

	// A redelivery of the same trigger is a duplicate, not a second run.
	ex, err = c.Execute(context.Background(), schema.Task{WorkflowID: wf.ID, TriggerID: "evt-1"})
	require.NoError(t, err)
	assert.Nil(t, ex)
	assert.Equal(t, []string{"1", "2"}, r.Visited())
}

func TestCoordinator_ClosedMidWalkIsConflict(t *testing.T) {
	st := newTestStore(t)
	wf := seedWorkflow(t, st, slackDoc)

	// No shared live set: the sweeper sees the run as stale and closes it.
	r := &sweepingRunner{sweeper: NewSweeper(st, 10*time.Millisecond, time.Minute, nil, nil)}
	err := NewCoordinator(st, r, WithHeartbeat(0)).Run(context.Background(), schema.Task{WorkflowID: wf.ID})
	require.Error(t, err)
	assert.Equal(t, int64(1), r.swept)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	ex := onlyExecution(t, st, wf.ID)
	assert.Equal(t, schema.ExecutionError, ex.Status)
	assert.Equal(t, schema.ErrCodeAbandoned, ex.Logs[0].Code)
}

func TestCoordinator_HeartbeatKeepsRunFresh(t *testing.T) {
	st := newTestStore(t)
	wf := seedWorkflow(t, st, slackDoc)
	sweeper := NewSweeper(st, 150*time.Millisecond, time.Minute, nil, nil)

	var swept int64
	runner := runnerFunc(func(ctx context.Context, n nodes.Parsed, fc nodes.Context) (nodes.Context, error) {
		if n.ID == "2" {
			time.Sleep(300 * time.Millisecond)
			var err error
			swept, err = sweeper.SweepStale(ctx)
			return fc, err
		}
		return fc, nil
	})
	c := NewCoordinator(st, runner, WithHeartbeat(20*time.Millisecond))

	require.NoError(t, c.Run(context.Background(), schema.Task{WorkflowID: wf.ID}))
	assert.Zero(t, swept)
	assert.Equal(t, schema.ExecutionSuccess, onlyExecution(t, st, wf.ID).Status)
}

type runnerFunc func(ctx context.Context, n nodes.Parsed, fc nodes.Context) (nodes.Context, error)

func (f runnerFunc) Execute(ctx context.Context, n nodes.Parsed, fc nodes.Context) (nodes.Context, error) {
	return f(ctx, n, fc)
}
