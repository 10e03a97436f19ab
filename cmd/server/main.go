package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/nats-io/nats.go"

	"github.com/dukerupert/verdandi/internal"
	"github.com/dukerupert/verdandi/internal/gateway"
	"github.com/dukerupert/verdandi/internal/handler"
	"github.com/dukerupert/verdandi/internal/handler/webhook"
	"github.com/dukerupert/verdandi/internal/jobs"
	"github.com/dukerupert/verdandi/internal/notify"
	"github.com/dukerupert/verdandi/internal/postgres"
	"github.com/dukerupert/verdandi/internal/service"
	"github.com/dukerupert/verdandi/internal/telemetry"
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	sentryCleanup, err := telemetry.InitSentry(telemetry.SentryConfig{
		DSN:              cfg.Sentry.DSN,
		Enabled:          cfg.Sentry.Enabled,
		Environment:      cfg.Sentry.Environment,
		Release:          cfg.Sentry.Release,
		SampleRate:       cfg.Sentry.SampleRate,
		TracesSampleRate: cfg.Sentry.TracesSampleRate,
		Debug:            cfg.Sentry.Debug,
	}, logger)
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}
	defer sentryCleanup()

	telemetry.InitBusinessMetrics("verdandi")

	// Migrations run over database/sql; the application itself uses pgx
	// natively through the pool.
	logger.Info("Connecting to database...")
	pool, err := postgres.NewPool(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer pool.Close()

	logger.Info("Running database migrations...")
	migrationDB := stdlib.OpenDBFromPool(pool)
	if err := internal.RunMigrations(migrationDB); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if err := migrationDB.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		logger.Warn("failed to close migration connection", "error", err)
	}
	logger.Info("Database migrations completed")

	orderStore := postgres.NewOrderStore(pool)
	catalogStore := postgres.NewCatalogStore(pool)
	eventStore := postgres.NewWebhookEventStore(pool)

	provider := gateway.NewHTTPClient(gateway.Config{
		BaseURL:       cfg.Gateway.BaseURL,
		AccessToken:   cfg.Gateway.AccessToken,
		WebhookSecret: cfg.Gateway.WebhookSecret,
		Timeout:       cfg.Gateway.Timeout,
	}, logger)

	// Status-change fan-out: NATS when enabled, otherwise a no-op sink.
	var (
		notifier notify.Notifier = notify.Nop{}
		natsConn *nats.Conn
	)
	if cfg.NATS.Enabled {
		publisher, err := notify.NewNATSPublisher(cfg.NATS.URL, logger)
		if err != nil {
			return fmt.Errorf("nats connection failed: %w", err)
		}
		defer publisher.Close()
		notifier = publisher
		natsConn = publisher.Conn()
		logger.Info("NATS order event publishing enabled", "url", cfg.NATS.URL)

		if cfg.Email.Enabled {
			emailConsumer := notify.NewEmailConsumer(notify.EmailConfig{
				Host:     cfg.Email.Host,
				Port:     int(cfg.Email.Port),
				Username: cfg.Email.Username,
				Password: cfg.Email.Password,
				From:     cfg.Email.From,
				FromName: cfg.Email.FromName,
			}, natsConn, logger)
			if err := emailConsumer.Start(); err != nil {
				return fmt.Errorf("email consumer failed to start: %w", err)
			}
			defer emailConsumer.Stop()
			logger.Info("order email consumer started")
		}
	} else if cfg.Email.Enabled {
		logger.Warn("EMAIL_ENABLED is set but NATS is disabled; order emails will not be sent")
	}

	orderService := service.NewOrderService(orderStore, notifier, logger)
	riskScorer := service.NewRiskScorer(orderStore, logger)
	checkoutService := service.NewCheckoutService(orderStore, catalogStore, provider, orderService, riskScorer, logger)

	// Background jobs share nothing with the request path but the store.
	reconciler := jobs.NewReconciler(jobs.ReconcilerConfig{
		Interval:  cfg.Jobs.ReconcileInterval,
		Grace:     cfg.Jobs.ReconcileGrace,
		Lookback:  cfg.Jobs.AbandonAfter,
		BatchSize: cfg.Jobs.BatchSize,
	}, orderStore, provider, orderService, logger)

	canceller := jobs.NewCanceller(jobs.CancellerConfig{
		Interval:     cfg.Jobs.AbandonInterval,
		AbandonAfter: cfg.Jobs.AbandonAfter,
		BatchSize:    cfg.Jobs.BatchSize,
	}, orderStore, provider, orderService, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); reconciler.Start(ctx) }()
	go func() { defer wg.Done(); canceller.Start(ctx) }()

	e := handler.NewServer(handler.ServerDeps{
		Checkout:   handler.NewCheckoutHandler(checkoutService, logger),
		Orders:     handler.NewOrderHandler(orderService, natsConn, logger),
		Admin:      handler.NewAdminHandler(orderService, provider, logger),
		Webhook:    webhook.NewGatewayHandler(provider, orderService, eventStore, logger),
		AdminToken: cfg.Admin.Token,
		Ready:      func() error { return pool.Ping(context.Background()) },
		Logger:     logger,
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "address", addr, "env", cfg.Env)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		stop()
		wg.Wait()
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	wg.Wait()
	logger.Info("Shutdown complete")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
