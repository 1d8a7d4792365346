// Package main is the entry point for the DuePoint API server.
//
// It loads configuration, connects the database pool, wires the repositories
// and external clients into the HTTP handlers, and serves the chi router with
// graceful shutdown on SIGINT/SIGTERM.
//
// Route groups: everything under /v1 requires an API key except the manual
// chase trigger (shared cron secret) and the Stripe webhook (signature
// verified). GET /health is unauthenticated.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"duepoint/internal/api/handlers"
	"duepoint/internal/auth"
	"duepoint/internal/billing"
	"duepoint/internal/chase"
	"duepoint/internal/config"
	"duepoint/internal/core"
	"duepoint/internal/db"
	"duepoint/internal/email"
	"duepoint/internal/external"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main() can cleanly exit on error.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("duepoint API starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	// Repositories.
	invoiceRepo := db.NewInvoiceRepository(pool)
	eventRepo := db.NewChaseEventRepository(pool)
	businessRepo := db.NewBusinessRepository(pool)
	accountRepo := db.NewAccountRepository(pool)
	apiKeyRepo := db.NewAPIKeyRepository(pool)
	historyRepo := db.NewRunHistoryRepository(pool)

	// External clients.
	httpClient := &http.Client{Timeout: 10 * time.Second}
	stripeClient := external.NewStripeClient(httpClient, accountRepo, external.StripeClientConfig{
		SecretKey: cfg.Billing.StripeSecretKey,
		Logger:    logger,
	})
	sendgridClient := external.NewSendGridClient(httpClient, external.SendGridClientConfig{
		APIKey:   cfg.Email.SendGridAPIKey,
		FromAddr: cfg.Email.FromAddress,
		FromName: cfg.Email.FromName,
		Logger:   logger,
	})

	renderer, err := email.NewRenderer()
	if err != nil {
		return fmt.Errorf("parsing email templates: %w", err)
	}

	// The manual trigger shares the exact runner the scheduled Lambda uses.
	// Audit and metrics stay nil here; the API path is for operator-driven
	// runs where the structured logs are the record.
	runner := chase.NewRunner(chase.RunnerConfig{
		Store:    invoiceRepo,
		Profiles: businessRepo,
		Renderer: renderer,
		Sender:   sendgridClient,
		History:  historyRepo,
		Chase:    cfg.Chase,
		Logger:   logger,
	})

	planRegistry := billing.NewStaticPlanRegistry()
	enforcer := billing.NewEnforcer(planRegistry, accountRepo, invoiceRepo)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = append(srv.HealthProbes, core.NewProbe("database", pool.Ping))

	invoiceHandler := handlers.NewInvoiceHandler(invoiceRepo, eventRepo, enforcer, srv.Validator, logger)
	importHandler := handlers.NewImportHandler(invoiceRepo, enforcer, logger)
	businessHandler := handlers.NewBusinessHandler(businessRepo, srv.Validator, logger)
	billingHandler := handlers.NewBillingHandler(stripeClient, planRegistry, cfg.Billing, cfg.Server.DashboardURL, srv.Validator, logger)
	chaseHandler := handlers.NewChaseHandler(runner, cfg.Chase.CronSecret, srv.Validator, logger)
	webhookHandler := handlers.NewStripeWebhookHandler(&external.StripeVerifier{}, accountRepo, cfg.Billing.StripeWebhookSecret, logger)

	srv.V1Routes = append(srv.V1Routes, func(r chi.Router) {
		// API-key protected surface.
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(apiKeyRepo, logger))
			invoiceHandler.RegisterRoutes(r)
			importHandler.RegisterRoutes(r)
			businessHandler.RegisterRoutes(r)
			billingHandler.RegisterRoutes(r)
		})

		// Gated by their own credentials, not API keys.
		chaseHandler.RegisterRoutes(r)
		webhookHandler.RegisterRoutes(r)
	})

	srv.MountRoutes()

	return serveHTTP(srv, cfg, logger)
}

// serveHTTP runs the listener until a shutdown signal or server error.
func serveHTTP(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
