package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/flowrun/pkg/schema"
)

// handleSave stores a workflow document.
func (s *Server) handleSave(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc := mcp.ParseStringMap(req, "workflow", nil)
	if doc == nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", err)), nil
	}

	res, err := s.svc.Save(ctx, body)
	if err != nil {
		return toolError("save failed", err)
	}
	return marshalResult(map[string]any{
		"workflow": res.Workflow,
		"warnings": res.Warnings,
	})
}

// handleRun queues a manual run.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)
	triggerID := req.GetString("trigger_id", "")
	if triggerID == "" {
		triggerID = uuid.NewString()
	}

	jobID, err := s.svc.Execute(ctx, workflowID, payload, triggerID)
	if err != nil {
		return toolError("run failed", err)
	}
	return marshalResult(map[string]any{
		"queued":      true,
		"job_id":      jobID,
		"workflow_id": workflowID,
		"trigger_id":  triggerID,
	})
}

// handleWebhook fires a webhook trigger as if it had been called over HTTP.
func (s *Server) handleWebhook(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	webhookID, err := req.RequireString("webhook_id")
	if err != nil {
		return mcp.NewToolResultError("webhook_id is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)

	res, err := s.svc.TriggerWebhook(ctx, webhookID, payload, uuid.NewString())
	if err != nil {
		return toolError("webhook failed", err)
	}
	return marshalResult(map[string]any{
		"workflow_id": res.Workflow.ID,
		"workflow":    res.Workflow.Name,
		"payload":     res.Payload,
	})
}

// handleList returns workflows with their executions.
func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.svc.List(ctx, req.GetInt("limit", 0))
	if err != nil {
		return toolError("list failed", err)
	}
	return marshalResult(list)
}

// handleExecutions returns one workflow's executions.
func (s *Server) handleExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	status := schema.ExecutionStatus(req.GetString("status", ""))

	list, err := s.svc.Executions(ctx, workflowID, status, req.GetInt("limit", 0))
	if err != nil {
		return toolError("executions query failed", err)
	}
	return marshalResult(list)
}

// toolError reports err to the caller, keeping the FlowError code.
func toolError(prefix string, err error) (*mcp.CallToolResult, error) {
	if fe, ok := schema.AsFlowError(err); ok {
		return mcp.NewToolResultError(fmt.Sprintf("%s: [%s] %s", prefix, fe.Code, fe.Message)), nil
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err)), nil
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
