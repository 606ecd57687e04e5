package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/internal/nodes"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// SuccessMessage is the log line recorded on every successful execution.
const SuccessMessage = "Workflow completed successfully."

// DefaultHeartbeat is how often a running execution is touched in the store.
const DefaultHeartbeat = time.Minute

// Coordinator runs one queued task end to end: it loads the workflow,
// records an Execution, walks the graph and persists the outcome.
type Coordinator struct {
	store   store.Store
	walker  *Walker
	fsm     *ExecutionFSM
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	live      *LiveExecutions
	heartbeat time.Duration
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics records execution and node metrics into m.
func WithMetrics(m *Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithFSM replaces the default transition validator, e.g. to attach hooks.
func WithFSM(f *ExecutionFSM) CoordinatorOption {
	return func(c *Coordinator) { c.fsm = f }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// WithLiveExecutions shares the set of in-flight execution ids, typically
// with a Sweeper in the same process.
func WithLiveExecutions(l *LiveExecutions) CoordinatorOption {
	return func(c *Coordinator) { c.live = l }
}

// WithHeartbeat sets how often running executions are touched. Zero or
// negative disables heartbeats.
func WithHeartbeat(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.heartbeat = d }
}

// NewCoordinator creates a Coordinator that executes nodes with runner.
func NewCoordinator(st store.Store, runner NodeRunner, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:  st,
		fsm:    NewExecutionFSM(),
		logger:    slog.Default(),
		now:       time.Now,
		live:      NewLiveExecutions(),
		heartbeat: DefaultHeartbeat,
	}
	for _, o := range opts {
		o(c)
	}
	c.walker = NewWalker(runner, c.logger)
	return c
}

// Run executes task. Any failure is returned after being recorded so the
// queue can apply its redelivery policy.
func (c *Coordinator) Run(ctx context.Context, task schema.Task) error {
	_, err := c.Execute(ctx, task)
	return err
}

// Execute is Run returning the finished Execution. It returns a nil
// Execution when the workflow is missing or the task was a duplicate
// delivery of a trigger that already succeeded.
func (c *Coordinator) Execute(ctx context.Context, task schema.Task) (*schema.Execution, error) {
	ctx = logging.WithWorkflowID(ctx, task.WorkflowID)

	wf, err := c.store.GetWorkflow(ctx, task.WorkflowID)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NewError(schema.ErrCodeNotFound, "Workflow not found").
				WithDetails(map[string]any{"workflow_id": task.WorkflowID}).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load workflow %s: %v", task.WorkflowID, err).WithCause(err)
	}

	if task.TriggerID != "" {
		done, err := c.store.FindExecutionByTrigger(ctx, wf.ID, task.TriggerID, schema.ExecutionSuccess)
		switch {
		case err == nil:
			c.logger.InfoContext(ctx, "skipping duplicate delivery",
				slog.String("trigger_id", task.TriggerID), slog.String("execution_id", done.ID))
			if c.metrics != nil {
				c.metrics.DuplicatesSkipped.Inc()
			}
			return nil, nil
		case !schema.IsCode(err, schema.ErrCodeNotFound):
			return nil, schema.NewErrorf(schema.ErrCodeStore, "check trigger %s: %v", task.TriggerID, err).WithCause(err)
		}
	}

	exec := &schema.Execution{
		WorkflowID: wf.ID,
		Status:     schema.ExecutionRunning,
		TriggerID:  task.TriggerID,
		StartedAt:  c.now().UTC(),
		Logs:       []schema.LogEntry{},
	}
	if err := c.store.CreateExecution(ctx, exec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create execution: %v", err).WithCause(err)
	}
	ctx = logging.WithExecutionID(ctx, exec.ID)
	c.live.add(exec.ID)
	defer c.live.remove(exec.ID)
	stopBeat := c.startHeartbeat(ctx, exec.ID)
	defer stopBeat()
	if c.metrics != nil {
		c.metrics.started()
	}
	c.logger.InfoContext(ctx, "execution started",
		slog.Int("nodes", len(wf.Nodes)), slog.Int("edges", len(wf.Edges)))

	initial := nodes.Context{}
	for k, v := range task.Payload {
		initial[k] = v
	}

	var obs StepObserver
	if c.metrics != nil {
		obs = c.metrics
	}
	_, runErr := c.walker.Walk(ctx, nodes.ParseAll(wf.Nodes), wf.Edges, initial, obs)
	stopBeat()

	// The outcome is recorded even when ctx was cancelled mid-walk.
	if err := c.finish(context.WithoutCancel(ctx), exec, runErr); err != nil {
		return exec, err
	}
	if runErr != nil {
		return exec, runErr
	}
	return exec, nil
}

func (c *Coordinator) finish(ctx context.Context, exec *schema.Execution, runErr error) error {
	finished := c.now().UTC()
	status := schema.ExecutionSuccess
	entry := schema.LogEntry{Timestamp: finished, Level: schema.LogLevelInfo, Message: SuccessMessage}
	if runErr != nil {
		status = schema.ExecutionError
		entry = errorEntry(finished, runErr)
	}

	if err := c.fsm.Transition(ctx, exec.ID, exec.Status, status); err != nil {
		return err
	}
	update := store.ExecutionUpdate{Status: status, FinishedAt: finished, Logs: []schema.LogEntry{entry}}
	if err := c.store.FinishExecution(ctx, exec.ID, update); err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			// Closed elsewhere during the walk. CONFLICT is never redelivered.
			c.logger.WarnContext(ctx, "execution was closed before it finished",
				slog.String("status", string(status)))
			return schema.NewErrorf(schema.ErrCodeConflict, "finish execution %s: %v", exec.ID, err).WithCause(err)
		}
		c.logger.ErrorContext(ctx, "failed to record execution outcome", slog.String("error", err.Error()))
		return schema.NewErrorf(schema.ErrCodeStore, "finish execution %s: %v", exec.ID, err).WithCause(err)
	}

	exec.Status = status
	exec.FinishedAt = &finished
	exec.Logs = update.Logs
	if c.metrics != nil {
		c.metrics.finished(status, finished.Sub(exec.StartedAt))
	}

	if runErr != nil {
		c.logger.ErrorContext(ctx, "execution failed",
			slog.String("error", entry.Message), slog.String("node_id", entry.NodeID), slog.String("code", entry.Code))
	} else {
		c.logger.InfoContext(ctx, "execution completed")
	}
	return nil
}

// startHeartbeat touches the execution every heartbeat interval until the
// returned stop func is called. stop may be called more than once.
func (c *Coordinator) startHeartbeat(ctx context.Context, id string) (stop func()) {
	if c.heartbeat <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.store.HeartbeatExecution(ctx, id, c.now().UTC()); err != nil && ctx.Err() == nil {
					c.logger.WarnContext(ctx, "heartbeat failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// errorEntry builds the error log line, keeping the failing node and code
// when the error carries them.
func errorEntry(ts time.Time, err error) schema.LogEntry {
	entry := schema.LogEntry{Timestamp: ts, Level: schema.LogLevelError, Message: err.Error()}
	if fe, ok := schema.AsFlowError(err); ok {
		entry.Message = fe.Message
		entry.NodeID = fe.NodeID
		entry.Code = fe.Code
	}
	return entry
}
