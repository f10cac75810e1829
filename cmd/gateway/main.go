// The gavel gateway: every agent action enters through this process, is
// evaluated against the constitution, recorded on the audit spine, and
// executed (if at all) inside the Blast Box sandbox.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jlugo63/gavel/internal/autonomy"
	"github.com/jlugo63/gavel/internal/config"
	"github.com/jlugo63/gavel/internal/gateway"
	"github.com/jlugo63/gavel/internal/identity"
	"github.com/jlugo63/gavel/internal/ledger"
	"github.com/jlugo63/gavel/internal/monitoring"
	"github.com/jlugo63/gavel/internal/policy"
	"github.com/jlugo63/gavel/internal/sandbox"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	registry, err := identity.Load(cfg.IdentitiesPath)
	if err != nil {
		logger.Error("identity registry load failed", "error", err, "path", cfg.IdentitiesPath)
		os.Exit(1)
	}

	engine, err := policy.NewEngine(cfg.ConstitutionPath)
	if err != nil {
		logger.Error("constitution load failed", "error", err, "path", cfg.ConstitutionPath)
		os.Exit(1)
	}

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)

	store, err := buildStore(cfg, metrics, logger)
	if err != nil {
		logger.Error("ledger init failed", "error", err)
		os.Exit(1)
	}

	runner := sandbox.NewDockerRunner()

	gw := gateway.New(store, registry, engine, runner, metrics, logger, cfg)
	router := gw.Router()
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := autonomy.NewSweeper(store, autonomy.Timeouts{
		Initial: cfg.EscalationInitial(),
		Hard:    cfg.EscalationMax(),
	}, cfg.SweepInterval(), logger)
	sweeper.OnAutoDeny = metrics.AutoDenialsTotal.Inc
	go sweeper.Run(ctx)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	logger.Info("governance gateway starting",
		"port", cfg.Port,
		"policy_version", cfg.PolicyVersion,
		"sandbox_available", runner.Available(ctx),
	)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// buildStore picks the ledger backend: Postgres when DATABASE_URL is set,
// otherwise the in-process store.
func buildStore(cfg config.Config, metrics *monitoring.Metrics, logger *slog.Logger) (ledger.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory ledger; events will not survive restarts")
		return ledger.NewMemory(cfg.PolicyVersion), nil
	}

	pg, err := ledger.NewPostgres(cfg.DatabaseURL, cfg.PolicyVersion)
	if err != nil {
		return nil, err
	}
	if err := pg.EnsureSchema(context.Background()); err != nil {
		return nil, err
	}
	pg.OnRetry = func(int) { metrics.LedgerRetriesTotal.Inc() }
	return pg, nil
}
