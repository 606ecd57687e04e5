package engine

import (
	"context"
	"sync"

	"github.com/rendis/flowrun/pkg/schema"
)

// TransitionHook is called after a successful state transition.
type TransitionHook func(ctx context.Context, executionID string, from, to schema.ExecutionStatus)

// ValidExecutionTransitions defines the allowed state transitions for executions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionRunning: {schema.ExecutionSuccess, schema.ExecutionError},
	schema.ExecutionSuccess: {},
	schema.ExecutionError:   {},
}

// ExecutionFSM validates execution lifecycle transitions and runs hooks.
// The caller persists the new state.
type ExecutionFSM struct {
	mu    sync.RWMutex
	after []TransitionHook
}

// NewExecutionFSM creates an FSM with no hooks.
func NewExecutionFSM() *ExecutionFSM {
	return &ExecutionFSM{}
}

// OnAfter registers a hook called after every valid transition.
func (f *ExecutionFSM) OnAfter(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after = append(f.after, hook)
}

// Transition validates from -> to and runs the after hooks.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error {
	if !isValidExecutionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	f.mu.RLock()
	hooks := f.after
	f.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, executionID, from, to)
	}
	return nil
}

func isValidExecutionTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
