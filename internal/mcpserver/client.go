// Package mcpserver exposes the payment-execution platform to LLM agents as
// a thin MCP tool server: a "pay" tool over the executor's HTTP surface, and
// a balance-check tool, nothing more. This is a transport convenience for
// agents, not core logic.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config configures the client's connection to the platform's HTTP API.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	APIKey  string // Bearer token identifying the calling agent
	AgentID string // Agent/subject identifier embedded in requests
}

// Client is a pure HTTP client for the payment-execution platform's v1 API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient builds a Client for cfg.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("platform returned %d: %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("platform returned %d: %s", resp.StatusCode, string(raw))
	}
	return raw, nil
}

// SubmitPayment forwards a caller-assembled mandate chain payload verbatim
// to POST /v1/payments and returns the executor's Result as raw JSON.
func (c *Client) SubmitPayment(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/payments", json.RawMessage(payload))
}

// CheckBalance fetches the caller's own sub-ledger balance.
func (c *Client) CheckBalance(ctx context.Context, agentID string) (json.RawMessage, error) {
	if agentID == "" {
		agentID = c.cfg.AgentID
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/balances/"+agentID, nil)
}
