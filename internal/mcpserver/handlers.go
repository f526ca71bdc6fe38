package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers binds each MCP tool to a Client call.
type Handlers struct {
	client *Client
}

// NewHandlers builds Handlers over client.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleSubmitPayment forwards the caller-supplied mandate chain to the
// executor and returns its decision as the tool result text.
func (h *Handlers) HandleSubmitPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chain := req.GetString("mandate_chain", "")
	if chain == "" {
		return mcp.NewToolResultError("mandate_chain is required"), nil
	}
	if !json.Valid([]byte(chain)) {
		return mcp.NewToolResultError("mandate_chain must be valid JSON"), nil
	}

	result, err := h.client.SubmitPayment(ctx, json.RawMessage(chain))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("payment submission failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(result)), nil
}

// HandleCheckBalance reports the agent's sub-ledger balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	result, err := h.client.CheckBalance(ctx, agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("balance check failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(result)), nil
}
