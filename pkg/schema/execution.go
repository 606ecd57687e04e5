package schema

import "time"

// ExecutionStatus is the lifecycle state of one workflow run.
type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionError   ExecutionStatus = "error"
)

// IsTerminal reports whether no further transition is allowed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionSuccess || s == ExecutionError
}

// Execution is the persisted record of one firing of a workflow.
type Execution struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflowId"`
	Status     ExecutionStatus `json:"status"`
	TriggerID  string          `json:"triggerId,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	Logs       []LogEntry      `json:"logs"`
}

// Log levels recorded on executions.
const (
	LogLevelInfo  = "info"
	LogLevelError = "error"
)

// LogEntry is one line of an execution's log. NodeID and Code are set on
// error entries when the failure can be attributed to a node.
type LogEntry struct {
	Timestamp time.Time `json:"ts"`
	Level     string    `json:"level"`
	Message   string    `json:"msg"`
	NodeID    string    `json:"nodeId,omitempty"`
	Code      string    `json:"code,omitempty"`
}
