package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewLibSQLStore("file:" + filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedWorkflow(t *testing.T, s *LibSQLStore, doc string) *schema.Workflow {
	t.Helper()
	wf := &schema.Workflow{}
	require.NoError(t, json.Unmarshal([]byte(doc), wf))
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	return wf
}

const slackDoc = `{
	"name": "notify",
	"nodes": [
		{"id":"1","type":"manualTrigger","position":{"x":0,"y":0}},
		{"id":"2","type":"Send Slack Message","data":{"text":"{{name}} submitted"}}
	],
	"edges": [{"id":"e1","source":"1","target":"2"}]
}`

// --- Workflows ---

func TestCreateAndGetWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := seedWorkflow(t, s, slackDoc)
	assert.NotEmpty(t, wf.ID)

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "notify", got.Name)
	require.Len(t, got.Nodes, 2)
	assert.Equal(t, schema.NodeSendSlack, got.Nodes[1].Type)
	assert.Equal(t, "Send Slack Message", got.Nodes[1].RawType)
	assert.Equal(t, "{{name}} submitted", got.Nodes[1].DataString("text"))
	assert.Contains(t, got.Nodes[0].Extra, "position")
	require.Len(t, got.Edges, 1)
	assert.Equal(t, "2", got.Edges[0].Target)
	assert.Empty(t, got.FormID)
	assert.Empty(t, got.Schedule)
}

func TestGetWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetWorkflow(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestSaveTwiceCreatesTwoRows(t *testing.T) {
	s := newTestStore(t)
	a := seedWorkflow(t, s, slackDoc)
	b := seedWorkflow(t, s, slackDoc)
	assert.NotEqual(t, a.ID, b.ID)

	all, err := s.ListWorkflows(context.Background(), WorkflowFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGetWorkflowByFormID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := &schema.Workflow{Name: "form", FormID: "ab12z"}
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	got, err := s.GetWorkflowByFormID(ctx, "ab12z")
	require.NoError(t, err)
	assert.Equal(t, wf.ID, got.ID)
	assert.Empty(t, got.Nodes)

	_, err = s.GetWorkflowByFormID(ctx, "zzzzz")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	err = s.CreateWorkflow(ctx, &schema.Workflow{Name: "dup", FormID: "ab12z"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestListWorkflows_WithExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, slackDoc)
	require.NoError(t, s.CreateExecution(ctx, &schema.Execution{WorkflowID: wf.ID}))

	list, err := s.ListWorkflows(ctx, WorkflowFilter{WithExecutions: true})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Len(t, list[0].Executions, 1)
	assert.Equal(t, schema.ExecutionRunning, list[0].Executions[0].Status)
}

// --- Executions ---

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, slackDoc)

	ex := &schema.Execution{WorkflowID: wf.ID, TriggerID: "evt-1"}
	require.NoError(t, s.CreateExecution(ctx, ex))

	got, err := s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, got.Status)
	assert.Empty(t, got.Logs)
	assert.Nil(t, got.FinishedAt)

	finished := time.Now().UTC()
	require.NoError(t, s.FinishExecution(ctx, ex.ID, ExecutionUpdate{
		Status:     schema.ExecutionSuccess,
		FinishedAt: finished,
		Logs:       []schema.LogEntry{{Timestamp: finished, Level: schema.LogLevelInfo, Message: "Workflow completed successfully."}},
	}))

	got, err = s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionSuccess, got.Status)
	require.NotNil(t, got.FinishedAt)
	require.Len(t, got.Logs, 1)
	assert.Equal(t, "Workflow completed successfully.", got.Logs[0].Message)
	assert.Equal(t, "evt-1", got.TriggerID)
}

func TestFinishExecution_OnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, slackDoc)
	ex := &schema.Execution{WorkflowID: wf.ID}
	require.NoError(t, s.CreateExecution(ctx, ex))

	require.NoError(t, s.FinishExecution(ctx, ex.ID, ExecutionUpdate{Status: schema.ExecutionError}))
	err := s.FinishExecution(ctx, ex.ID, ExecutionUpdate{Status: schema.ExecutionSuccess})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	err = s.FinishExecution(ctx, "nope", ExecutionUpdate{Status: schema.ExecutionSuccess})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	err = s.FinishExecution(ctx, ex.ID, ExecutionUpdate{Status: schema.ExecutionRunning})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
}

func TestListExecutions_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, slackDoc)
	other := seedWorkflow(t, s, slackDoc)

	base := time.Now().UTC().Add(-time.Hour)
	var ids []string
	for i := 0; i < 3; i++ {
		ex := &schema.Execution{WorkflowID: wf.ID, StartedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, s.CreateExecution(ctx, ex))
		ids = append(ids, ex.ID)
	}
	require.NoError(t, s.CreateExecution(ctx, &schema.Execution{WorkflowID: other.ID}))

	list, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[0], list[2].ID)

	limited, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: wf.ID, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: wf.ID, Status: schema.ExecutionSuccess})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFindExecutionByTrigger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, slackDoc)

	ex := &schema.Execution{WorkflowID: wf.ID, TriggerID: "evt-7"}
	require.NoError(t, s.CreateExecution(ctx, ex))

	_, err := s.FindExecutionByTrigger(ctx, wf.ID, "evt-7", schema.ExecutionSuccess)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	require.NoError(t, s.FinishExecution(ctx, ex.ID, ExecutionUpdate{Status: schema.ExecutionSuccess}))
	got, err := s.FindExecutionByTrigger(ctx, wf.ID, "evt-7", schema.ExecutionSuccess)
	require.NoError(t, err)
	assert.Equal(t, ex.ID, got.ID)
}

func TestAbandonStaleExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, slackDoc)

	old := &schema.Execution{WorkflowID: wf.ID, StartedAt: time.Now().UTC().Add(-2 * time.Hour)}
	fresh := &schema.Execution{WorkflowID: wf.ID}
	require.NoError(t, s.CreateExecution(ctx, old))
	require.NoError(t, s.CreateExecution(ctx, fresh))

	n, err := s.AbandonStaleExecutions(ctx, time.Now().UTC().Add(-time.Hour), schema.LogEntry{
		Level: schema.LogLevelError, Message: "execution abandoned",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetExecution(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionError, got.Status)
	require.Len(t, got.Logs, 1)
	assert.Equal(t, "execution abandoned", got.Logs[0].Message)

	still, err := s.GetExecution(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, still.Status)
}

func TestAbandonStaleExecutions_HeartbeatAndSkip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, slackDoc)

	started := time.Now().UTC().Add(-2 * time.Hour)
	beating := &schema.Execution{WorkflowID: wf.ID, StartedAt: started}
	skipped := &schema.Execution{WorkflowID: wf.ID, StartedAt: started}
	silent := &schema.Execution{WorkflowID: wf.ID, StartedAt: started}
	for _, ex := range []*schema.Execution{beating, skipped, silent} {
		require.NoError(t, s.CreateExecution(ctx, ex))
	}
	require.NoError(t, s.HeartbeatExecution(ctx, beating.ID, time.Now().UTC()))

	n, err := s.AbandonStaleExecutions(ctx, time.Now().UTC().Add(-time.Hour), schema.LogEntry{
		Level: schema.LogLevelError, Message: "execution abandoned",
	}, []string{skipped.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	for id, want := range map[string]schema.ExecutionStatus{
		beating.ID: schema.ExecutionRunning,
		skipped.ID: schema.ExecutionRunning,
		silent.ID:  schema.ExecutionError,
	} {
		got, err := s.GetExecution(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}
}

func TestHeartbeatExecution_IgnoresFinished(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, slackDoc)

	ex := &schema.Execution{WorkflowID: wf.ID}
	require.NoError(t, s.CreateExecution(ctx, ex))
	require.NoError(t, s.FinishExecution(ctx, ex.ID, ExecutionUpdate{Status: schema.ExecutionSuccess}))
	require.NoError(t, s.HeartbeatExecution(ctx, ex.ID, time.Now().UTC()))

	got, err := s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionSuccess, got.Status)
}

func TestConcurrentExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, slackDoc)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ex := &schema.Execution{WorkflowID: wf.ID}
			assert.NoError(t, s.CreateExecution(ctx, ex))
			assert.NoError(t, s.FinishExecution(ctx, ex.ID, ExecutionUpdate{Status: schema.ExecutionSuccess}))
		}()
	}
	wg.Wait()

	list, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: wf.ID, Status: schema.ExecutionSuccess})
	require.NoError(t, err)
	assert.Len(t, list, 10)
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}
