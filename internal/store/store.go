package store

import (
	"context"
	"time"

	"github.com/rendis/flowrun/pkg/schema"
)

// Store is the record store for workflows and their executions.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows. Saved documents are immutable; every save is a new row.
	CreateWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	GetWorkflowByFormID(ctx context.Context, formID string) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)

	// Executions
	CreateExecution(ctx context.Context, ex *schema.Execution) error
	FinishExecution(ctx context.Context, id string, update ExecutionUpdate) error
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error)
	FindExecutionByTrigger(ctx context.Context, workflowID, triggerID string, status schema.ExecutionStatus) (*schema.Execution, error)
	HeartbeatExecution(ctx context.Context, id string, at time.Time) error
	AbandonStaleExecutions(ctx context.Context, lastSeenBefore time.Time, entry schema.LogEntry, skip []string) (int64, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Close() error
}

// WorkflowFilter narrows ListWorkflows. Results are newest first.
type WorkflowFilter struct {
	WithExecutions bool
	Limit          int
}

// ExecutionFilter narrows ListExecutions. Results are newest first.
type ExecutionFilter struct {
	WorkflowID string
	Status     schema.ExecutionStatus
	Limit      int
}

// ExecutionUpdate moves a running execution to a terminal state.
type ExecutionUpdate struct {
	Status     schema.ExecutionStatus
	FinishedAt time.Time
	Logs       []schema.LogEntry
}
