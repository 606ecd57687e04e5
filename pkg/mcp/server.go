package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowrun/internal/service"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Service *service.Service
	Version string
	Logger  *slog.Logger
}

// Server wraps an MCP server with flowrun tool handlers.
type Server struct {
	svc       *service.Service
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{svc: deps.Service, logger: logger}

	mcpSrv := server.NewMCPServer(
		"flowrun",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Flowrun stores node-graph automations and runs them on a queue. Use flowrun.save to store a workflow, flowrun.run to queue a run, flowrun.webhook to fire a webhook trigger, flowrun.list to browse workflows and flowrun.executions to read run logs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: saveTool(), Handler: s.handleSave},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: webhookTool(), Handler: s.handleWebhook},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: executionsTool(), Handler: s.handleExecutions},
	}
}

// --- Tool definitions ---

func saveTool() mcp.Tool {
	return mcp.NewTool("flowrun.save",
		mcp.WithDescription("Save a workflow document as a new workflow"),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("Workflow document with name, nodes and edges")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("flowrun.run",
		mcp.WithDescription("Queue a manual run of a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithObject("payload", mcp.Description("Initial context for the run")),
		mcp.WithString("trigger_id", mcp.Description("Idempotency key; a repeated key does not run twice once it succeeded")),
	)
}

func webhookTool() mcp.Tool {
	return mcp.NewTool("flowrun.webhook",
		mcp.WithDescription("Fire the webhook trigger with the given id"),
		mcp.WithString("webhook_id", mcp.Required(), mcp.Description("Webhook id configured on a webhook trigger node")),
		mcp.WithObject("payload", mcp.Description("Request body delivered to the workflow")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("flowrun.list",
		mcp.WithDescription("List saved workflows with their executions"),
		mcp.WithNumber("limit", mcp.Description("Maximum number of workflows (default: all)")),
	)
}

func executionsTool() mcp.Tool {
	return mcp.NewTool("flowrun.executions",
		mcp.WithDescription("List the executions of a workflow, newest first"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("status", mcp.Enum("running", "success", "error"), mcp.Description("Only executions in this status")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of executions (default: all)")),
	)
}
