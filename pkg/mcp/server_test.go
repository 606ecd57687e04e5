package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 5)

	for _, name := range []string{
		"flowrun.save",
		"flowrun.run",
		"flowrun.webhook",
		"flowrun.list",
		"flowrun.executions",
	} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"save", "flowrun.save", "Save a workflow document as a new workflow"},
		{"run", "flowrun.run", "Queue a manual run of a workflow"},
		{"webhook", "flowrun.webhook", "Fire the webhook trigger with the given id"},
		{"list", "flowrun.list", "List saved workflows with their executions"},
		{"executions", "flowrun.executions", "List the executions of a workflow, newest first"},
	}

	s := NewServer(ServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
