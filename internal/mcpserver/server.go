package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server exposing the platform's two
// agent-facing tools over stdio.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("paycore", "1.0.0")
	client := NewClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolSubmitPayment, h.HandleSubmitPayment)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)

	return s
}
