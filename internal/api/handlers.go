package api

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/pkg/schema"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "time": s.now().UTC().Format(time.RFC3339Nano)})
}

// handleSaveWorkflow stores the body as a new workflow and returns it.
func (s *Server) handleSaveWorkflow(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}
	res, err := s.deps.Service.Save(r.Context(), body)
	if err != nil {
		s.deps.Logger.WarnContext(r.Context(), "save workflow failed", slog.String("error", err.Error()))
		writeFlowError(w, err)
		return
	}
	for _, warn := range res.Warnings {
		s.deps.Logger.InfoContext(logging.WithWorkflowID(r.Context(), res.Workflow.ID), "workflow warning",
			slog.String("path", warn.Path), slog.String("message", warn.Message))
	}
	writeJSON(w, http.StatusOK, res.Workflow)
}

// handleListWorkflows returns every workflow with its executions.
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Service.List(r.Context(), queryInt(r, "limit", 0))
	if err != nil {
		s.deps.Logger.ErrorContext(r.Context(), "list workflows failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Failed to fetch workflows")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// handleExecuteWorkflow queues a manual run with the body as payload.
func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeObject(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	jobID, err := s.deps.Service.Execute(r.Context(), r.PathValue("id"), payload, triggerID(r))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queued": true, "jobId": jobID})
}

// handleListExecutions returns a workflow's executions, newest first.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	status := schema.ExecutionStatus(r.URL.Query().Get("status"))
	list, err := s.deps.Service.Executions(r.Context(), r.PathValue("id"), status, queryInt(r, "limit", 0))
	if err != nil {
		s.deps.Logger.ErrorContext(r.Context(), "list executions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Failed to fetch executions")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	ex, err := s.deps.Service.Execution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

type formPage struct {
	Name      string
	SubmitURL string
}

// handleFormPage renders the hosted form of a form-triggered workflow.
func (s *Server) handleFormPage(w http.ResponseWriter, r *http.Request) {
	formID := r.PathValue("formId")
	wf, err := s.deps.Service.Form(r.Context(), formID)
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		http.Error(w, "Form not found.", http.StatusNotFound)
		return
	}
	if err != nil {
		s.deps.Logger.ErrorContext(r.Context(), "load form failed", slog.String("error", err.Error()))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	page := formPage{Name: wf.Name, SubmitURL: s.deps.Service.FormSubmitURL(formID)}
	if err := s.form.Execute(&buf, page); err != nil {
		s.deps.Logger.ErrorContext(r.Context(), "template render error", slog.String("error", err.Error()))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// handleFormSubmit queues a run for a form submission.
func (s *Server) handleFormSubmit(w http.ResponseWriter, r *http.Request) {
	fields, err := decodeObject(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	_, err = s.deps.Service.SubmitForm(r.Context(), r.PathValue("formId"), fields, triggerID(r))
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		writeError(w, http.StatusNotFound, "Workflow not found")
		return
	}
	if err != nil {
		s.deps.Logger.ErrorContext(r.Context(), "form submission failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Form submission failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Form submitted"})
}

// handleWebhook queues a run of the workflow owning the webhook id.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	webhookID := r.PathValue("webhookId")
	body, err := decodeObject(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	res, err := s.deps.Service.TriggerWebhook(r.Context(), webhookID, body, triggerID(r))
	if err != nil {
		if fe, ok := schema.AsFlowError(err); ok && fe.Code == schema.ErrCodeNotFound {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error":             "Webhook not found",
				"webhookId":         webhookID,
				"availableWebhooks": fe.Details["availableWebhooks"],
			})
			return
		}
		s.deps.Logger.ErrorContext(r.Context(), "webhook trigger failed",
			slog.String("webhook_id", webhookID), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "Webhook trigger failed",
			"details": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message":    "Webhook triggered workflow: " + res.Workflow.Name,
		"workflowId": res.Workflow.ID,
		"payload":    res.Payload,
	})
}
