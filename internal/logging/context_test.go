package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", WorkflowID(ctx))
	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", NodeID(ctx))

	ctx = WithWorkflowID(ctx, "wf-123")
	ctx = WithExecutionID(ctx, "ex-9")
	ctx = WithNodeID(ctx, "node-2")

	assert.Equal(t, "wf-123", WorkflowID(ctx))
	assert.Equal(t, "ex-9", ExecutionID(ctx))
	assert.Equal(t, "node-2", NodeID(ctx))
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithExecutionID(WithWorkflowID(context.Background(), "wf-abc"), "ex-1")
	logger.InfoContext(ctx, "node finished")

	out := buf.String()
	assert.Contains(t, out, "workflow_id=wf-abc")
	assert.Contains(t, out, "execution_id=ex-1")
	assert.NotContains(t, out, "node_id=")
	assert.Contains(t, out, "node finished")
}

func TestCorrelationHandler_WithAttrsKeepsInjection(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil))).With("component", "worker")

	logger.InfoContext(WithNodeID(context.Background(), "n1"), "hello")

	out := buf.String()
	assert.Contains(t, out, "component=worker")
	assert.Contains(t, out, "node_id=n1")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", "json")
	logger.DebugContext(context.Background(), "hidden")
	logger.InfoContext(WithWorkflowID(context.Background(), "wf"), "shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"workflow_id":"wf"`)
}

func TestNewWithLeveler_Reload(t *testing.T) {
	var buf bytes.Buffer
	var lvl slog.LevelVar
	lvl.Set(slog.LevelWarn)
	logger := NewWithLeveler(&buf, &lvl, "text")

	logger.Info("before")
	lvl.Set(slog.LevelDebug)
	logger.Debug("after")

	out := buf.String()
	assert.NotContains(t, out, "before")
	assert.Contains(t, out, "after")
}
