// anchord serves the carbon anchoring API: it hashes production summaries,
// anchors them on the ledger, verifies them later and keeps the audit log.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/carbonanchor/internal/anchoring"
	"github.com/jmerrifield20/carbonanchor/internal/api"
	"github.com/jmerrifield20/carbonanchor/internal/auditlog"
	"github.com/jmerrifield20/carbonanchor/internal/config"
	"github.com/jmerrifield20/carbonanchor/internal/gas"
	"github.com/jmerrifield20/carbonanchor/internal/health"
	"github.com/jmerrifield20/carbonanchor/internal/ledger"
	"github.com/jmerrifield20/carbonanchor/internal/logging"
	"github.com/jmerrifield20/carbonanchor/internal/metrics"
	"github.com/jmerrifield20/carbonanchor/internal/notify"
	"github.com/jmerrifield20/carbonanchor/internal/pending"
	"github.com/jmerrifield20/carbonanchor/internal/producer"
	"github.com/jmerrifield20/carbonanchor/internal/secrets"
	"github.com/jmerrifield20/carbonanchor/internal/verification"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "config file (default: configs/anchord.yaml or ./anchord.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "anchord: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Must(cfg.Log.Level, cfg.Log.Encoding)
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("anchord exited with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	resolver := secrets.NewResolver()

	// ── Ledger ───────────────────────────────────────────────────────────────
	client, err := ledger.New(ctx, cfg.LedgerConfig(), resolver, logger)
	if err != nil {
		return fmt.Errorf("ledger client: %w", err)
	}
	if closer, ok := client.(interface{ Close() }); ok {
		defer closer.Close()
	}
	logger.Info("ledger client ready",
		zap.String("mode", string(client.Mode())),
		zap.String("account", client.Address()),
	)

	// ── Storage ──────────────────────────────────────────────────────────────
	audit, store, closeStorage, err := openStorage(ctx, cfg.Database.URL, logger)
	if err != nil {
		return err
	}
	defer closeStorage()

	if err := audit.Verify(ctx); err != nil {
		logger.Warn("audit log integrity check FAILED", zap.Error(err))
	} else {
		n, _ := audit.Len(ctx)
		root, _ := audit.Root(ctx)
		logger.Info("audit log verified", zap.Int("entries", n), zap.String("root", root))
	}

	// ── Gas ──────────────────────────────────────────────────────────────────
	var cache gas.PriceCache = gas.NewMemoryCache(cfg.Gas.CacheTTL)
	if cfg.Gas.RedisURL != "" {
		rc, err := gas.NewRedisCache(ctx, cfg.Gas.RedisURL, cfg.Gas.CacheTTL, logger)
		if err != nil {
			return fmt.Errorf("gas cache: %w", err)
		}
		defer rc.Close()
		cache = rc
		logger.Info("gas price cache: redis")
	}
	optimizer := gas.NewOptimizer(client, cache, cfg.GasConfig(), logger)

	// ── Services ─────────────────────────────────────────────────────────────
	registry := producer.NewRegistry(client, audit, logger)
	registry.SetGasAdvisor(optimizer)

	anchorSvc := anchoring.NewService(client, registry, optimizer, audit, store, cfg.AnchoringConfig(), logger)
	verifySvc := verification.NewService(client, audit, logger)

	notifier := notify.NewService(cfg.NotifyConfig(), resolver, logger)
	notifier.SetMetricsRecorder(metrics.RecordWebhookDelivery)
	if notifier.Enabled() {
		anchorSvc.SetNotifier(notifier)
		logger.Info("operator webhooks enabled", zap.Int("endpoints", len(cfg.Notify.URLs)))
	}

	checker := health.New(client, cfg.HealthConfig(), logger)
	checker.SetMetricsRecord(metrics.RecordHealthCheck)
	if notifier.Enabled() {
		checker.SetWebhookDispatch(notifier.Dispatch)
	}
	go checker.Start(ctx)

	// Pick up anything left queued or unresolved by a previous process.
	if rep, err := anchorSvc.Reconcile(ctx); err != nil {
		logger.Warn("startup reconcile failed", zap.Error(err))
	} else {
		logger.Info("startup reconcile complete",
			zap.Int("confirmed", rep.Confirmed),
			zap.Int("redriven", rep.Redriven),
			zap.Int("still_unknown", rep.StillUnknown),
		)
	}

	sched, err := startReconciler(ctx, cfg.Anchoring.ReconcileSchedule, anchorSvc, logger)
	if err != nil {
		return err
	}

	// ── HTTP ─────────────────────────────────────────────────────────────────
	var tokens *api.OperatorTokens
	if cfg.Server.JWTSecretRef != "" {
		tokens = api.NewOperatorTokens(resolver, cfg.Server.JWTSecretRef, cfg.Server.JWTIssuer, cfg.Server.TokenTTL)
		logger.Info("operator auth enabled", zap.String("issuer", cfg.Server.JWTIssuer))
	} else {
		logger.Warn("operator auth disabled; set server.jwt_secret_ref to protect mutating routes")
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(ctx,
		api.RouterConfig{
			CORSOrigins:  cfg.Server.CORSOrigins,
			RateLimitRPS: cfg.Server.RateLimitRPS,
		},
		api.NewHealthHandler(checker, anchorSvc, client.Mode()),
		logger,
		api.NewAnchorHandler(anchorSvc, tokens, logger),
		api.NewVerifyHandler(verifySvc, logger),
		api.NewAuditHandler(audit, logger),
		api.NewGasHandler(optimizer, logger),
	)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("anchord HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("HTTP listen: %w", err)
	}
	logger.Info("shutting down anchord...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("reconciler did not stop before shutdown deadline")
	}
	notifier.Wait()

	logger.Info("anchord stopped")
	return nil
}

// openStorage returns the audit log and pending store. An empty dbURL keeps
// both in memory, which loses history on restart.
func openStorage(ctx context.Context, dbURL string, logger *zap.Logger) (auditlog.Log, pending.Store, func(), error) {
	if dbURL == "" {
		logger.Warn("database.url not set, audit log and pending queue are in memory")
		return auditlog.NewMemoryLog(), pending.NewMemoryStore(), func() {}, nil
	}

	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("connected to postgres")

	audit := auditlog.NewPostgresLog(db, logger)
	if err := audit.EnsureGenesis(ctx); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("audit genesis: %w", err)
	}
	return audit, pending.NewPostgresStore(db), db.Close, nil
}
