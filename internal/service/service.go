// Package service implements the operations exposed by the HTTP API and the
// MCP server: saving workflows, listing them and their executions, and
// turning manual runs, form submissions and webhook calls into queued tasks.
package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/internal/queue"
	"github.com/rendis/flowrun/internal/scheduler"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/validation"
	"github.com/rendis/flowrun/pkg/schema"
)

const (
	// DefaultWorkflowName is used when a saved document has no name.
	DefaultWorkflowName = "Untitled Workflow"
	// AnonymousSubmitter replaces a missing name in form submissions.
	AnonymousSubmitter = "Anonymous"

	formIDLength   = 5
	formIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	formIDAttempts = 5
)

// Service is safe for concurrent use.
type Service struct {
	store     store.Store
	queue     queue.Queue
	validator *validation.Validator
	registrar *scheduler.Registrar
	publicURL string
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithPublicURL sets the base URL written into webhook nodes and form pages.
func WithPublicURL(u string) Option {
	return func(s *Service) { s.publicURL = strings.TrimRight(u, "/") }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service.
func New(st store.Store, q queue.Queue, v *validation.Validator, reg *scheduler.Registrar, opts ...Option) *Service {
	s := &Service{
		store:     st,
		queue:     q,
		validator: v,
		registrar: reg,
		publicURL: "http://localhost:4000",
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// WebhookURL is the address that triggers the webhook with the given id.
func (s *Service) WebhookURL(webhookID string) string {
	return s.publicURL + "/request/" + webhookID
}

// FormSubmitURL is the address a form page posts to.
func (s *Service) FormSubmitURL(formID string) string {
	return s.publicURL + "/forms/" + formID + "/submit"
}

// SaveResult is a stored workflow plus the advisory issues found while
// checking it.
type SaveResult struct {
	Workflow *schema.Workflow
	Warnings []schema.ValidationIssue
}

// Save validates a workflow document and stores it as a new workflow. A form
// trigger gets a fresh form id, a scheduler trigger's cron becomes the
// schedule, and webhook trigger nodes get their public URL. The recurring
// registration for the new id is reconciled with the schedule.
func (s *Service) Save(ctx context.Context, body []byte) (*SaveResult, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow document is not valid JSON").WithCause(err)
	}
	if err := s.validator.ValidateDocument(doc); err != nil {
		return nil, err
	}
	var wf schema.Workflow
	if err := json.Unmarshal(body, &wf); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	res := s.validator.Check(&wf)
	if err := res.ToError(); err != nil {
		return nil, err
	}

	s.prepare(&wf)
	if err := s.create(ctx, &wf); err != nil {
		return nil, err
	}
	ctx = logging.WithWorkflowID(ctx, wf.ID)
	s.logger.InfoContext(ctx, "workflow saved",
		slog.String("name", wf.Name),
		slog.Int("nodes", len(wf.Nodes)),
		slog.String("form_id", wf.FormID),
		slog.String("schedule", wf.Schedule))

	if err := s.registrar.Reconcile(ctx, wf.ID, wf.Schedule); err != nil {
		return nil, err
	}
	return &SaveResult{Workflow: &wf, Warnings: res.Warnings}, nil
}

// prepare derives the stored fields from the document. The id and
// timestamps are always assigned by the store.
func (s *Service) prepare(wf *schema.Workflow) {
	wf.ID = ""
	wf.CreatedAt = time.Time{}
	wf.UpdatedAt = time.Time{}
	wf.Executions = nil
	wf.FormID = ""
	wf.Schedule = ""

	if strings.TrimSpace(wf.Name) == "" {
		wf.Name = DefaultWorkflowName
	}
	if n := wf.FindNode(schema.NodeSchedulerTrigger); n != nil {
		wf.Schedule = n.DataString("cron")
	}
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if n.Type != schema.NodeWebhookTrigger {
			continue
		}
		if id := n.DataString("webhookId"); id != "" {
			data := make(map[string]any, len(n.Data)+1)
			for k, v := range n.Data {
				data[k] = v
			}
			data["webhookUrl"] = s.WebhookURL(id)
			n.Data = data
		}
	}
}

// create inserts wf, drawing a new form id when one collides.
func (s *Service) create(ctx context.Context, wf *schema.Workflow) error {
	needsForm := wf.FindNode(schema.NodeFormTrigger) != nil
	for attempt := 1; ; attempt++ {
		if needsForm {
			id, err := NewFormID()
			if err != nil {
				return err
			}
			wf.FormID = id
		}
		err := s.store.CreateWorkflow(ctx, wf)
		if err == nil {
			return nil
		}
		if !needsForm || !schema.IsCode(err, schema.ErrCodeConflict) || attempt >= formIDAttempts {
			return err
		}
		wf.ID = ""
		s.logger.WarnContext(ctx, "form id collision, retrying", slog.String("form_id", wf.FormID))
	}
}

// NewFormID returns a random five character base-36 id.
func NewFormID() (string, error) {
	base := big.NewInt(int64(len(formIDAlphabet)))
	b := make([]byte, formIDLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, base)
		if err != nil {
			return "", schema.NewError(schema.ErrCodeStore, "generate form id").WithCause(err)
		}
		b[i] = formIDAlphabet[n.Int64()]
	}
	return string(b), nil
}

// List returns the saved workflows, newest first, each with its executions.
func (s *Service) List(ctx context.Context, limit int) ([]*schema.Workflow, error) {
	return s.store.ListWorkflows(ctx, store.WorkflowFilter{WithExecutions: true, Limit: limit})
}

// Get returns one workflow.
func (s *Service) Get(ctx context.Context, id string) (*schema.Workflow, error) {
	return s.store.GetWorkflow(ctx, id)
}

// Executions returns a workflow's executions, newest first.
func (s *Service) Executions(ctx context.Context, workflowID string, status schema.ExecutionStatus, limit int) ([]*schema.Execution, error) {
	return s.store.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: workflowID, Status: status, Limit: limit})
}

// Execution returns one execution.
func (s *Service) Execution(ctx context.Context, id string) (*schema.Execution, error) {
	return s.store.GetExecution(ctx, id)
}

// Execute queues a manual run of workflowID with payload as the initial
// context. The workflow is not looked up; a missing one fails in the worker.
func (s *Service) Execute(ctx context.Context, workflowID string, payload map[string]any, triggerID string) (string, error) {
	return s.enqueue(ctx, schema.Task{WorkflowID: workflowID, Payload: payload, TriggerID: triggerID}, "manual")
}

// Form returns the workflow whose form trigger owns formID.
func (s *Service) Form(ctx context.Context, formID string) (*schema.Workflow, error) {
	return s.store.GetWorkflowByFormID(ctx, formID)
}

// SubmitForm queues a run for a form submission. The submitter's name is
// defaulted and the workflow name is added to the payload.
func (s *Service) SubmitForm(ctx context.Context, formID string, fields map[string]any, triggerID string) (*schema.Workflow, error) {
	wf, err := s.store.GetWorkflowByFormID(ctx, formID)
	if err != nil {
		return nil, err
	}

	payload := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		if k != "name" {
			payload[k] = v
		}
	}
	payload["name"] = submitterName(fields["name"])
	payload["workflowName"] = wf.Name

	ctx = logging.WithWorkflowID(ctx, wf.ID)
	if _, err := s.enqueue(ctx, schema.Task{WorkflowID: wf.ID, Payload: payload, TriggerID: triggerID}, "form"); err != nil {
		return nil, err
	}
	return wf, nil
}

// submitterName treats any falsy value as missing.
func submitterName(v any) any {
	switch n := v.(type) {
	case nil:
		return AnonymousSubmitter
	case string:
		if n == "" {
			return AnonymousSubmitter
		}
	case bool:
		if !n {
			return AnonymousSubmitter
		}
	case float64:
		if n == 0 {
			return AnonymousSubmitter
		}
	}
	return v
}

// WebhookRef names one webhook trigger across all workflows.
type WebhookRef struct {
	WorkflowName string `json:"workflowName"`
	WebhookID    string `json:"webhookId"`
}

// WebhookResult describes a queued webhook run.
type WebhookResult struct {
	Workflow *schema.Workflow
	Payload  map[string]any
}

// TriggerWebhook finds the newest workflow with a webhook trigger whose
// webhookId matches and queues a run with body plus the workflow name, the
// webhook id and an ISO timestamp. A miss is a NOT_FOUND error whose details
// list every known webhook.
func (s *Service) TriggerWebhook(ctx context.Context, webhookID string, body map[string]any, triggerID string) (*WebhookResult, error) {
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{})
	if err != nil {
		return nil, err
	}

	var target *schema.Workflow
	available := []WebhookRef{}
	for _, wf := range workflows {
		for _, n := range wf.Nodes {
			if n.Type != schema.NodeWebhookTrigger {
				continue
			}
			id := n.DataString("webhookId")
			available = append(available, WebhookRef{WorkflowName: wf.Name, WebhookID: id})
			if target == nil && id == webhookID {
				target = wf
			}
		}
	}
	if target == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "Webhook not found").WithDetails(map[string]any{
			"webhookId":         webhookID,
			"availableWebhooks": available,
		})
	}

	payload := make(map[string]any, len(body)+3)
	for k, v := range body {
		payload[k] = v
	}
	payload["workflowName"] = target.Name
	payload["webhookId"] = webhookID
	payload["timestamp"] = s.now().UTC().Format("2006-01-02T15:04:05.000Z07:00")

	ctx = logging.WithWorkflowID(ctx, target.ID)
	if _, err := s.enqueue(ctx, schema.Task{WorkflowID: target.ID, Payload: payload, TriggerID: triggerID}, "webhook"); err != nil {
		return nil, err
	}
	return &WebhookResult{Workflow: target, Payload: payload}, nil
}

func (s *Service) enqueue(ctx context.Context, task schema.Task, source string) (string, error) {
	jobID, err := s.queue.Enqueue(ctx, task)
	if err != nil {
		s.logger.ErrorContext(ctx, "enqueue failed", slog.String("source", source), slog.String("error", err.Error()))
		return "", err
	}
	s.logger.InfoContext(ctx, "workflow queued",
		slog.String("source", source),
		slog.String("job_id", jobID),
		slog.String("trigger_id", task.TriggerID))
	return jobID, nil
}
