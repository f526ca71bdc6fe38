package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// ToolSubmitPayment dispatches one already-signed mandate chain through the
// payment executor. The agent (or the SDK layer it runs behind) is
// responsible for assembling and signing the intent/cart/payment mandates —
// this tool is a thin transport, not a mandate builder.
var ToolSubmitPayment = mcp.NewTool("pay",
	mcp.WithDescription(
		"Submit a signed mandate chain (intent, cart, payment) for settlement. "+
			"Returns the executor's decision: accepted (with the ledger/chain references), "+
			"denied (compliance or policy rejected it), or failed (settlement error, already compensated)."),
	mcp.WithString("mandate_chain",
		mcp.Required(),
		mcp.Description("JSON-encoded mandate chain: {intent, cart, payment, tenant_id, service_type, ...} matching the platform's POST /v1/payments body")),
)

// ToolCheckBalance reports the calling agent's sub-ledger position.
var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription("Check the calling agent's current sub-ledger balance: available, pending, and held funds."),
	mcp.WithString("agent_id",
		mcp.Description("Agent/account id to check. Defaults to the caller's configured agent id.")),
)
