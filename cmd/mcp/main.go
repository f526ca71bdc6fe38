// Command mcp exposes the payment-execution platform's pay/check_balance
// tools to LLM agents over stdio, per the MCP protocol.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/sardis-labs/paycore/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:  envOrDefault("PAYCORE_API_URL", "http://localhost:8080"),
		APIKey:  os.Getenv("PAYCORE_API_KEY"),
		AgentID: os.Getenv("PAYCORE_AGENT_ID"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "PAYCORE_API_KEY is required")
		os.Exit(1)
	}
	if cfg.AgentID == "" {
		fmt.Fprintln(os.Stderr, "PAYCORE_AGENT_ID is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
