package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowrun/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/flowrun.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

const workflowColumns = `id, name, nodes, edges, form_id, schedule, created_at, updated_at`

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = timeOrNow(wf.UpdatedAt)

	nodes, err := marshalOrEmpty(wf.Nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}
	edges, err := marshalOrEmpty(wf.Edges)
	if err != nil {
		return fmt.Errorf("marshal edges: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, nodes, edges, nullStr(wf.FormID), nullStr(wf.Schedule), wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q or form %q already exists", wf.ID, wf.FormID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) GetWorkflowByFormID(ctx context.Context, formID string) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE form_id = ?`, formID)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("form", formID)
	}
	return wf, err
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	var workflows []*schema.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	iterErr := rows.Err()
	// Close before issuing the per-workflow queries: the pool holds one connection.
	rows.Close()
	if iterErr != nil {
		return nil, iterErr
	}

	if filter.WithExecutions {
		for _, wf := range workflows {
			execs, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: wf.ID})
			if err != nil {
				return nil, err
			}
			wf.Executions = execs
		}
	}
	return workflows, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(r rowScanner) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var (
		nodesJSON, edgesJSON string
		formID, sched        sql.NullString
	)
	if err := r.Scan(&wf.ID, &wf.Name, &nodesJSON, &edgesJSON, &formID, &sched, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.FormID = formID.String
	wf.Schedule = sched.String
	if err := json.Unmarshal([]byte(nodesJSON), &wf.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes of workflow %s: %w", wf.ID, err)
	}
	if err := json.Unmarshal([]byte(edgesJSON), &wf.Edges); err != nil {
		return nil, fmt.Errorf("unmarshal edges of workflow %s: %w", wf.ID, err)
	}
	return wf, nil
}

// --- Executions ---

const executionColumns = `id, workflow_id, status, trigger_id, started_at, finished_at, logs`

func (s *LibSQLStore) CreateExecution(ctx context.Context, ex *schema.Execution) error {
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	if ex.Status == "" {
		ex.Status = schema.ExecutionRunning
	}
	ex.StartedAt = timeOrNow(ex.StartedAt)
	if ex.Logs == nil {
		ex.Logs = []schema.LogEntry{}
	}
	logs, err := json.Marshal(ex.Logs)
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.WorkflowID, string(ex.Status), nullStr(ex.TriggerID), ex.StartedAt, nullTime(ex.FinishedAt), string(logs),
	)
	return err
}

// FinishExecution applies the single terminal update of a running execution.
// Updating an execution that is already terminal is a CONFLICT.
func (s *LibSQLStore) FinishExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	if !update.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "execution %s cannot finish as %q", id, update.Status)
	}
	logs, err := marshalOrEmpty(update.Logs)
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, finished_at = ?, logs = ? WHERE id = ? AND status = ?`,
		string(update.Status), timeOrNow(update.FinishedAt), logs, id, string(schema.ExecutionRunning),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetExecution(ctx, id); err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already finished", id)
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	ex, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return ex, err
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	execs := []*schema.Execution{}
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, ex)
	}
	return execs, rows.Err()
}

// FindExecutionByTrigger returns the newest execution of workflowID fired by
// triggerID with the given status.
func (s *LibSQLStore) FindExecutionByTrigger(ctx context.Context, workflowID, triggerID string, status schema.ExecutionStatus) (*schema.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions
		 WHERE workflow_id = ? AND trigger_id = ? AND status = ?
		 ORDER BY started_at DESC LIMIT 1`,
		workflowID, triggerID, string(status),
	)
	ex, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution for trigger", triggerID)
	}
	return ex, err
}

// HeartbeatExecution records that a running execution is still alive.
// Finished executions are left untouched.
func (s *LibSQLStore) HeartbeatExecution(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET heartbeat_at = ? WHERE id = ? AND status = ?`,
		timeOrNow(at), id, string(schema.ExecutionRunning),
	)
	return err
}

// AbandonStaleExecutions moves every running execution whose last heartbeat
// (or start, before the first heartbeat) is older than lastSeenBefore to
// error, appending entry to its logs. Ids in skip are left running.
func (s *LibSQLStore) AbandonStaleExecutions(ctx context.Context, lastSeenBefore time.Time, entry schema.LogEntry, skip []string) (int64, error) {
	logs, err := json.Marshal([]schema.LogEntry{entry})
	if err != nil {
		return 0, fmt.Errorf("marshal logs: %w", err)
	}
	query := `UPDATE executions SET status = ?, finished_at = ?, logs = ?
		 WHERE status = ? AND COALESCE(heartbeat_at, started_at) < ?`
	args := []any{
		string(schema.ExecutionError), timeOrNow(entry.Timestamp), string(logs),
		string(schema.ExecutionRunning), lastSeenBefore,
	}
	if len(skip) > 0 {
		query += ` AND id NOT IN (?` + strings.Repeat(", ?", len(skip)-1) + `)`
		for _, id := range skip {
			args = append(args, id)
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanExecution(r rowScanner) (*schema.Execution, error) {
	ex := &schema.Execution{}
	var (
		status     string
		triggerID  sql.NullString
		finishedAt sql.NullTime
		logsJSON   string
	)
	if err := r.Scan(&ex.ID, &ex.WorkflowID, &status, &triggerID, &ex.StartedAt, &finishedAt, &logsJSON); err != nil {
		return nil, err
	}
	ex.Status = schema.ExecutionStatus(status)
	ex.TriggerID = triggerID.String
	if finishedAt.Valid {
		ex.FinishedAt = &finishedAt.Time
	}
	ex.Logs = []schema.LogEntry{}
	if logsJSON != "" {
		if err := json.Unmarshal([]byte(logsJSON), &ex.Logs); err != nil {
			return nil, fmt.Errorf("unmarshal logs of execution %s: %w", ex.ID, err)
		}
	}
	return ex, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// marshalOrEmpty encodes a slice, writing "[]" rather than "null" for nil.
func marshalOrEmpty[T any](items []T) (string, error) {
	if items == nil {
		return "[]", nil
	}
	b, err := json.Marshal(items)
	return string(b), err
}
