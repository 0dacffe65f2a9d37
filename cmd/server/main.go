package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DukeRupert/replyflow/internal"
	"github.com/DukeRupert/replyflow/internal/billing"
	"github.com/DukeRupert/replyflow/internal/domain"
	"github.com/DukeRupert/replyflow/internal/handler"
	"github.com/DukeRupert/replyflow/internal/metrics"
	"github.com/DukeRupert/replyflow/internal/middleware"
	"github.com/DukeRupert/replyflow/internal/poster"
	"github.com/DukeRupert/replyflow/internal/repository"
	"github.com/DukeRupert/replyflow/internal/service"
	"github.com/DukeRupert/replyflow/internal/worker"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func run(ctx context.Context) error {
	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	catalog, err := cfg.PlanCatalog()
	if err != nil {
		return fmt.Errorf("plan catalog: %w", err)
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// Initialize services
	entitlements := service.NewEntitlementService(store, catalog, logger)
	reconciler := service.NewReconciler(store, cfg.TierPolicy(), logger)

	var verifier billing.Verifier
	if cfg.StripeWebhookSecret != "" {
		verifier = billing.NewVerifier(cfg.StripeWebhookSecret)
	} else {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set, webhook deliveries will be refused")
	}

	// Initialize middleware
	isSecure := cfg.Env != "development"
	limiter := middleware.NewRateLimiter(cfg.APIRateLimit, cfg.APIRateWindow, logger)
	defer limiter.Stop()

	internalMw := middleware.Stack(
		middleware.NewServiceTokenMiddleware(cfg.InternalAPIToken, logger).Handler,
		middleware.NewRateLimitMiddleware(limiter, middleware.UserKey, logger).Limit,
	)
	metricsAuth := middleware.NewBasicAuthMiddleware(cfg.MetricsUsername, cfg.MetricsPassword, "metrics")

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	mux := http.NewServeMux()

	handler.NewHealthHandler(store, logger).RegisterRoutes(mux)
	handler.NewWebhookHandler(verifier, reconciler, logger).RegisterRoutes(mux)
	handler.NewAPIHandler(entitlements, handler.NewValidator(), logger).RegisterRoutes(mux, internalMw)
	mux.Handle("GET /metrics", metricsAuth.Handler(promhttp.Handler()))

	root := middleware.Stack(
		middleware.NewRequestLoggingMiddleware(logger).Handler,
		middleware.NewSecurityHeadersMiddleware(isSecure).Handler,
		metrics.Middleware,
	)(mux)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// ==========================================================================
	// Background work
	// ==========================================================================

	sweeper, err := service.NewUsageSweeper(store, cfg.UsageSweepSchedule, logger)
	if err != nil {
		return err
	}

	var drain *worker.Worker
	if cfg.WorkerEnabled {
		drain, err = newWorker(cfg, store, catalog, logger)
		if err != nil {
			return err
		}
	}

	// ==========================================================================
	// Start
	// ==========================================================================

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server started", "address", server.Addr, "env", cfg.Env, "driver", cfg.DatabaseDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown signal received, initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		sweeper.Start()
		<-ctx.Done()
		<-sweeper.Stop().Done()
		return nil
	})

	if drain != nil {
		g.Go(func() error {
			drain.Start(ctx)
			<-ctx.Done()
			drain.Stop()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("graceful shutdown complete")
	return nil
}

// openStore connects the configured store. Postgres is migrated with goose;
// SQLite creates its schema on open.
func openStore(ctx context.Context, cfg *internal.Config, logger *slog.Logger) (repository.Store, error) {
	switch cfg.DatabaseDriver {
	case "sqlite":
		store, err := repository.OpenSQLite(cfg.DatabaseUrl)
		if err != nil {
			return nil, fmt.Errorf("sqlite open failed: %w", err)
		}
		logger.Info("database ready", "driver", "sqlite", "path", cfg.DatabaseUrl)
		return store, nil

	default:
		db, err := sql.Open("pgx", cfg.DatabaseUrl)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("database ping failed: %w", err)
		}
		if err := internal.RunMigrations(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		logger.Info("database ready", "driver", "postgres")
		return repository.NewPostgres(db), nil
	}
}

func newWorker(cfg *internal.Config, store repository.Store, catalog *domain.PlanCatalog, logger *slog.Logger) (*worker.Worker, error) {
	var p worker.Poster
	switch cfg.PosterProvider {
	case "http":
		hp, err := poster.NewHTTP(poster.HTTPConfig{
			URL:     cfg.PosterURL,
			Token:   cfg.PosterToken,
			Timeout: cfg.PosterTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("poster initialization failed: %w", err)
		}
		p = hp
	default:
		p = poster.NewMock(logger)
	}

	wcfg := worker.DefaultConfig()
	wcfg.Concurrency = cfg.WorkerConcurrency
	wcfg.PollInterval = cfg.WorkerPollInterval
	wcfg.BatchSize = cfg.WorkerBatchSize
	wcfg.MaxAttempts = cfg.WorkerMaxAttempts
	wcfg.Lease = cfg.WorkerLease
	wcfg.PostTimeout = cfg.PosterTimeout

	w, err := worker.New(store, catalog, p, wcfg, logger)
	if err != nil {
		return nil, fmt.Errorf("worker initialization failed: %w", err)
	}
	return w, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		log.Fatal(err)
	}
}
