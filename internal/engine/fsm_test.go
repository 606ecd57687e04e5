package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

func TestExecutionFSM_ValidTransitions(t *testing.T) {
	f := NewExecutionFSM()
	ctx := context.Background()
	assert.NoError(t, f.Transition(ctx, "e1", schema.ExecutionRunning, schema.ExecutionSuccess))
	assert.NoError(t, f.Transition(ctx, "e1", schema.ExecutionRunning, schema.ExecutionError))
}

func TestExecutionFSM_TerminalStatesAreFinal(t *testing.T) {
	f := NewExecutionFSM()
	ctx := context.Background()
	for _, from := range []schema.ExecutionStatus{schema.ExecutionSuccess, schema.ExecutionError} {
		for _, to := range []schema.ExecutionStatus{schema.ExecutionRunning, schema.ExecutionSuccess, schema.ExecutionError} {
			err := f.Transition(ctx, "e1", from, to)
			require.Error(t, err, "%s -> %s", from, to)
			assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
		}
	}
	assert.Error(t, f.Transition(ctx, "e1", schema.ExecutionRunning, schema.ExecutionRunning))
}

func TestExecutionFSM_AfterHooks(t *testing.T) {
	f := NewExecutionFSM()
	var got []schema.ExecutionStatus
	f.OnAfter(func(_ context.Context, id string, from, to schema.ExecutionStatus) {
		assert.Equal(t, "e9", id)
		got = append(got, to)
	})

	require.NoError(t, f.Transition(context.Background(), "e9", schema.ExecutionRunning, schema.ExecutionError))
	require.Error(t, f.Transition(context.Background(), "e9", schema.ExecutionError, schema.ExecutionSuccess))
	assert.Equal(t, []schema.ExecutionStatus{schema.ExecutionError}, got)
}
