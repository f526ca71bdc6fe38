// Package server wires every payment-execution component into one HTTP
// process: storage selection (Postgres when configured, in-memory
// otherwise), the mandate/compliance/ledger/settlement pipeline, background
// reconciliation timers, and the gin router with its standard middleware
// chain and graceful-shutdown lifecycle.
package server

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/sardis-labs/paycore/internal/audittrail"
	"github.com/sardis-labs/paycore/internal/chainmanager"
	"github.com/sardis-labs/paycore/internal/compliance"
	"github.com/sardis-labs/paycore/internal/config"
	"github.com/sardis-labs/paycore/internal/executor"
	"github.com/sardis-labs/paycore/internal/fiatorchestrator"
	"github.com/sardis-labs/paycore/internal/fiatorchestrator/stripetreasury"
	"github.com/sardis-labs/paycore/internal/health"
	"github.com/sardis-labs/paycore/internal/hybridledger"
	"github.com/sardis-labs/paycore/internal/ledgerengine"
	"github.com/sardis-labs/paycore/internal/logging"
	"github.com/sardis-labs/paycore/internal/mandate"
	"github.com/sardis-labs/paycore/internal/metrics"
	"github.com/sardis-labs/paycore/internal/money"
	"github.com/sardis-labs/paycore/internal/policy"
	"github.com/sardis-labs/paycore/internal/ports"
	"github.com/sardis-labs/paycore/internal/reconciliation"
	"github.com/sardis-labs/paycore/internal/resilience"
	"github.com/sardis-labs/paycore/internal/risk"
	"github.com/sardis-labs/paycore/internal/subledger"
	"github.com/sardis-labs/paycore/internal/traces"
)

// Server wraps the HTTP server and every wired dependency.
type Server struct {
	cfg *config.Config

	ledger     *hybridledger.Ledger
	subledger  *subledger.SubLedger
	verifier   *mandate.Verifier
	compliance *compliance.Engine
	chainMgr   *chainmanager.Manager
	executor   *executor.Executor
	fiat       *fiatorchestrator.Service

	reconTimer *reconciliation.Timer
	txTimer    *reconciliation.TxTimer

	healthRegistry *health.Registry
	rateLimiter    *resilience.RateLimiter

	db      *sql.DB
	auditDB *sql.DB

	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc
	tracerShutdown func(context.Context) error
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New builds a fully wired Server: storage, pipeline components, background
// timers, and HTTP routes. It does not start listening — call Run for that.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	tracerShutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracerShutdown = func(context.Context) error { return nil }
	}
	s.tracerShutdown = tracerShutdown

	var ledgerStore ledgerengine.Store
	var auditStore audittrail.Store
	var subledgerStore subledger.Store
	var policyStore policy.Store
	var riskStore risk.Store

	if cfg.DatabaseURL != "" {
		dsn := appendDSNParams(cfg.DatabaseURL, cfg.DBConnectTimeout, cfg.DBStatementTimeout)
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		ledgerStore = ledgerengine.NewPostgresStore(db)
		subledgerStore = subledger.NewPostgresStore(db)
		policyStore = policy.NewPostgresStore(db)
		riskStore = risk.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage")
		ledgerStore = ledgerengine.NewMemoryStore()
		subledgerStore = subledger.NewMemoryStore()
		policyStore = policy.NewMemoryStore()
		riskStore = risk.NewMemoryStore()
	}

	if cfg.AuditStoreURL != "" && cfg.AuditStoreURL != cfg.DatabaseURL {
		auditDB, err := sql.Open("postgres", appendDSNParams(cfg.AuditStoreURL, cfg.DBConnectTimeout, cfg.DBStatementTimeout))
		if err != nil {
			return nil, fmt.Errorf("failed to open audit store: %w", err)
		}
		if err := auditDB.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to audit store: %w", err)
		}
		s.auditDB = auditDB
		auditStore = audittrail.NewPostgresStore(auditDB)
	} else if cfg.AuditStoreURL != "" && s.db != nil {
		auditStore = audittrail.NewPostgresStore(s.db)
	} else {
		auditStore = audittrail.NewMemoryStore()
	}

	s.ledger = hybridledger.New(ledgerStore, auditStore, hybridledger.DefaultConfig(), s.logger)
	s.subledger = subledger.New(subledgerStore, s.ledger.Trail())

	nonces := mandate.NewNonceCache(10 * time.Minute)
	keys, err := loadTrustedKeys()
	if err != nil {
		return nil, fmt.Errorf("failed to load trusted signing keys: %w", err)
	}
	s.verifier = mandate.NewVerifier(mandate.NewLocalSignatureVerifier(keys), nonces)

	policyEvaluator := policy.NewEvaluator(policyStore)
	riskEngine := risk.NewEngine(riskStore)
	s.compliance = compliance.New(policyEvaluator, riskEngine, nil, s.ledger.Trail())

	mgr, err := chainmanager.New(chainmanager.Config{
		RPCURL:         cfg.RPCURL,
		PrivateKey:     cfg.PrivateKey,
		ChainID:        cfg.ChainID,
		TokenContract:  cfg.USDCContract,
		SettlementMode: ports.SettlementMode(cfg.SettlementMode),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chain manager: %w", err)
	}
	s.chainMgr = mgr

	batcher := chainmanager.NewBatcher(mgr, chainmanager.DefaultBatchConfig(), nil)
	dispatchers := map[ports.SettlementMode]*chainmanager.Dispatcher{
		ports.SettlementInternalOnly: chainmanager.NewDispatcher(nil, ports.SettlementInternalOnly, nil),
		ports.SettlementPerTx:        chainmanager.NewDispatcher(mgr, ports.SettlementPerTx, nil),
		ports.SettlementBatched:      chainmanager.NewDispatcher(mgr, ports.SettlementBatched, batcher),
	}
	defaultMode := ports.SettlementMode(cfg.SettlementMode)
	if defaultMode == "" {
		defaultMode = ports.SettlementPerTx
	}

	x, err := executor.New(s.verifier, s.compliance, dispatchers, defaultMode, s.ledger, "USDC", s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize executor: %w", err)
	}
	s.executor = x

	treasury, err := newTreasuryProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize treasury provider: %w", err)
	}
	s.fiat = fiatorchestrator.New(s.subledger, treasury, nil, s.logger)

	recon := reconciliation.NewService(&subledgerBalanceSummer{subledgerStore}, &chainBalanceAdapter{mgr})
	s.reconTimer = reconciliation.NewTimer(recon, s.logger)
	if cfg.AnchorIntervalSeconds > 0 {
		s.reconTimer = s.reconTimer.WithInterval(time.Duration(cfg.AnchorIntervalSeconds) * time.Second)
	}

	txReconciler := reconciliation.NewTxReconciler(ledgerStore, mgr, s.ledger.Engine(), s.ledger.Trail(), s.logger).
		WithPlatformAddress(mgr.Address())
	s.txTimer = reconciliation.NewTxTimer(txReconciler, s.logger)

	s.healthRegistry = health.NewRegistry()
	s.registerHealthChecks()

	s.rateLimiter = resilience.NewRateLimiter(resilience.RateLimitConfig{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) registerHealthChecks() {
	s.healthRegistry.Register("chain_rpc", func(ctx context.Context) health.Status {
		if _, err := s.chainMgr.Balance(ctx, s.cfg.WalletAddress); err != nil {
			return health.Status{Name: "chain_rpc", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "chain_rpc", Healthy: true}
	})
	s.healthRegistry.Register("audit_trail", func(ctx context.Context) health.Status {
		result, err := s.ledger.Trail().Verify(ctx)
		if err != nil {
			return health.Status{Name: "audit_trail", Healthy: false, Detail: err.Error()}
		}
		if result.Status != audittrail.VerificationVerified {
			return health.Status{Name: "audit_trail", Healthy: false, Detail: string(result.Status)}
		}
		return health.Status{Name: "audit_trail", Healthy: true}
	})
	if s.db != nil {
		s.healthRegistry.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
}

// Router exposes the underlying gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Run starts background timers and serves HTTP until ctx is cancelled or a
// termination signal arrives, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.reconTimer.Start(runCtx)
	go s.txTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.httpSrv = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.router,
		ReadTimeout:  s.cfg.HTTPReadTimeout,
		WriteTimeout: s.cfg.HTTPWriteTimeout,
		IdleTimeout:  s.cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigChan:
		s.logger.Info("shutdown signal received")
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown stops background timers, the rate limiter's cleanup goroutine,
// and the HTTP server, then closes any open database connections.
func (s *Server) Shutdown() error {
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.reconTimer.Stop()
	s.txTimer.Stop()
	s.rateLimiter.Stop()
	s.chainMgr.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			firstErr = err
		}
	}
	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.auditDB != nil {
		_ = s.auditDB.Close()
	}
	return firstErr
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

func appendDSNParams(dsn string, connectTimeout, statementTimeout int) string {
	sep := "?"
	if u, err := url.Parse(dsn); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	return fmt.Sprintf("%s%sconnect_timeout=%d&statement_timeout=%d", dsn, sep, connectTimeout, statementTimeout)
}

// loadTrustedKeys builds an in-memory KeyResolver from the
// TRUSTED_SIGNING_KEYS environment variable: a comma-separated list of
// verificationMethod=hexPublicKey pairs. This is the platform's signer
// registry until key custody is delegated to an external KMS.
func loadTrustedKeys() (*staticKeyResolver, error) {
	r := &staticKeyResolver{keys: make(map[string][]byte)}
	raw := os.Getenv("TRUSTED_SIGNING_KEYS")
	if raw == "" {
		return r, nil
	}
	for _, pair := range splitNonEmpty(raw, ",") {
		kv := splitNonEmpty(pair, "=")
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed TRUSTED_SIGNING_KEYS entry %q", pair)
		}
		keyBytes, err := hex.DecodeString(trimHexPrefix(kv[1]))
		if err != nil {
			return nil, fmt.Errorf("decoding key for %q: %w", kv[0], err)
		}
		r.keys[kv[0]] = keyBytes
	}
	return r, nil
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	start := 0
	for i := 0; i+len(sep) <= len(s); i++ {
		if s[i:i+len(sep)] == sep {
			if part := s[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + len(sep)
			i += len(sep) - 1
		}
	}
	if part := s[start:]; part != "" {
		out = append(out, part)
	}
	return out
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// staticKeyResolver implements mandate.KeyResolver over an immutable,
// env-loaded map. Keys are only hex-decoded at load time; their length is
// checked by the signature verifier when a mandate signed under them is
// verified.
type staticKeyResolver struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func (r *staticKeyResolver) Resolve(ctx context.Context, verificationMethod string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[verificationMethod]
	if !ok {
		return nil, fmt.Errorf("server: no trusted key registered for %q", verificationMethod)
	}
	return key, nil
}

// newTreasuryProvider builds the Stripe-backed treasury provider when
// STRIPE_API_KEY and STRIPE_TREASURY_FINANCIAL_ACCOUNT are both set, falling
// back to a provider that fails every call explicitly — fiat flows are
// simply unavailable rather than silently no-opping.
func newTreasuryProvider() (ports.TreasuryProvider, error) {
	apiKey := os.Getenv("STRIPE_API_KEY")
	faID := os.Getenv("STRIPE_TREASURY_FINANCIAL_ACCOUNT")
	if apiKey == "" || faID == "" {
		return unconfiguredTreasury{}, nil
	}
	return stripetreasury.New(stripetreasury.Config{APIKey: apiKey, FinancialAccountID: faID})
}

// unconfiguredTreasury is the fallback ports.TreasuryProvider used when no
// banking partner is configured; every call fails explicitly rather than
// silently moving no money.
type unconfiguredTreasury struct{}

func (unconfiguredTreasury) Deposit(ctx context.Context, externalAccountID string, amount money.Amount, idempotencyKey string) (string, error) {
	return "", errTreasuryNotConfigured
}
func (unconfiguredTreasury) Withdraw(ctx context.Context, externalAccountID string, amount money.Amount, idempotencyKey string) (string, error) {
	return "", errTreasuryNotConfigured
}
func (unconfiguredTreasury) FundCard(ctx context.Context, cardID string, amount money.Amount, idempotencyKey string) (string, error) {
	return "", errTreasuryNotConfigured
}

var errTreasuryNotConfigured = errors.New("server: no treasury provider configured (set STRIPE_API_KEY and STRIPE_TREASURY_FINANCIAL_ACCOUNT)")

type subledgerBalanceSummer struct{ store subledger.Store }

func (a *subledgerBalanceSummer) SumAllBalances(ctx context.Context) (available, pending, escrowed money.Amount, err error) {
	return a.store.SumAllBalances(ctx)
}

type chainBalanceAdapter struct{ mgr *chainmanager.Manager }

func (a *chainBalanceAdapter) PlatformBalance(ctx context.Context) (money.Amount, error) {
	return a.mgr.Balance(ctx, a.mgr.Address())
}
