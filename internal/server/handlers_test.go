package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sardis-labs/paycore/internal/config"
	"github.com/sardis-labs/paycore/internal/money"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal, valid in-memory configuration: no
// DATABASE_URL (so every store falls back to its MemoryStore), a syntactically
// valid private key, and an RPC URL that chainmanager.New can dial lazily
// without making a network call.
func testConfig() *config.Config {
	return &config.Config{
		Port:               "8080",
		Env:                "development",
		LogLevel:           "error",
		RPCURL:             "https://sepolia.base.org",
		ChainID:            84532,
		PrivateKey:         "0000000000000000000000000000000000000000000000000000000000000001",
		WalletAddress:      "0x0000000000000000000000000000000000000001",
		USDCContract:       "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		DefaultPrice:       "0.001",
		RateLimitRPM:       1000,
		DBStatementTimeout: 30000,
		SettlementMode:     "internal_only",
		PlatformAddress:    "0x0000000000000000000000000000000000000001",
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	require.NoError(t, err)
	return s
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"alive"}`, w.Body.String())
}

func TestBalanceHandlerUnknownAgent(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/balances/agent-does-not-exist", nil)
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBalanceHandlerAfterDeposit(t *testing.T) {
	s := newTestServer(t)

	err := s.subledger.Credit(t.Context(), "agent-1", money.MustParse("10.00"), "", "test deposit")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/balances/agent-1", nil)
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agent-1")
}

func TestCreatePaymentHandlerRejectsMalformedBody(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/payments", strings.NewReader("{not valid json"))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuditEntryHandlerReturnsNotImplemented(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/audit/some-id", nil)
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	want := map[string]bool{
		"GET:/health":                false,
		"GET:/health/live":           false,
		"GET:/health/ready":          false,
		"GET:/metrics":               false,
		"POST:/v1/payments":          false,
		"GET:/v1/audit/:id":          false,
		"GET:/v1/balances/:agent_id": false,
		"POST:/v1/fiat/deposit":      false,
		"POST:/v1/fiat/withdraw":     false,
		"POST:/v1/fiat/fund-card":    false,
	}
	for _, route := range s.router.Routes() {
		key := route.Method + ":" + route.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		assert.True(t, found, "route %s not registered", route)
	}
}
