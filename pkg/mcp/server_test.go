package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s, err := NewServer(ServerDeps{})
	require.NoError(t, err)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.decoder)
	assert.Same(t, s.mcpServer, s.MCPServer())
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"imagechain.validate", "Validate a workflow graph and return its execution order"},
		{"imagechain.run", "Run a batch of images through a workflow graph"},
		{"imagechain.status", "Get a run's status and execution totals"},
		{"imagechain.cancel", "Cancel an in-progress run"},
		{"imagechain.records", "List a run's execution records"},
		{"imagechain.runs", "List runs, newest first"},
		{"imagechain.events", "List run events"},
		{"imagechain.diagram", "Draw a workflow graph, or a run's progress through its graph"},
	}

	s, err := NewServer(ServerDeps{})
	require.NoError(t, err)
	require.Len(t, s.mcpServer.ListTools(), len(tests))

	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
