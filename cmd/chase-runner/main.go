// Package main is the entrypoint for the chase-runner Lambda function.
//
// The runner is triggered on a schedule by EventBridge; the event payload
// may carry per-invocation overrides (dry_run, limit) with the same shape
// as the manual HTTP trigger. All business logic lives in internal/chase;
// this file only does cold-start dependency wiring.
//
// In local mode (APP_ENV=local) the runner executes a single batch pass
// reading an optional JSON event from stdin, which allows integration
// testing without the Lambda runtime.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"duepoint/internal/chase"
	"duepoint/internal/config"
	"duepoint/internal/db"
	"duepoint/internal/email"
	"duepoint/internal/external"
	"duepoint/internal/queue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("chase runner initializing",
		"environment", cfg.Environment,
		"batch_limit", cfg.Chase.EffectiveBatchLimit(),
		"dry_run", cfg.Chase.DryRun,
	)

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	renderer, err := email.NewRenderer()
	if err != nil {
		return fmt.Errorf("parsing email templates: %w", err)
	}

	sender := external.NewSendGridClient(
		&http.Client{Timeout: 10 * time.Second},
		external.SendGridClientConfig{
			APIKey:   cfg.Email.SendGridAPIKey,
			FromAddr: cfg.Email.FromAddress,
			FromName: cfg.Email.FromName,
			Logger:   logger,
		},
	)

	runnerCfg := chase.RunnerConfig{
		Store:    db.NewInvoiceRepository(pool),
		Profiles: db.NewBusinessRepository(pool),
		Renderer: renderer,
		Sender:   sender,
		History:  db.NewRunHistoryRepository(pool),
		Chase:    cfg.Chase,
		Logger:   logger,
	}

	// Audit and metrics are optional; local runs skip the AWS wiring.
	awsCfg, awsErr := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if awsErr != nil {
		logger.Warn("aws sdk config unavailable, audit and metrics disabled", "error", awsErr)
	} else {
		if cfg.AWS.ChaseAuditQueue != "" {
			sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
				if cfg.AWS.EndpointURL != "" {
					o.BaseEndpoint = &cfg.AWS.EndpointURL
				}
			})
			runnerCfg.Audit = queue.NewAuditPublisher(sqsClient, cfg.AWS.ChaseAuditQueue, logger)
		}
		runnerCfg.Metrics = chase.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.AWS.MetricNamespace, logger)
	}

	runner := chase.NewRunner(runnerCfg)

	handler := func(ctx context.Context, payload json.RawMessage) error {
		var input chase.RunInput
		if len(payload) > 0 {
			// EventBridge schedule payloads without overrides are ignored.
			if err := json.Unmarshal(payload, &input); err != nil {
				logger.Warn("unrecognized event payload, running with defaults", "error", err)
				input = chase.RunInput{}
			}
		}

		stats, err := runner.Run(ctx, input)
		if err != nil {
			return err
		}
		logger.InfoContext(ctx, "chase run completed",
			"candidates", stats.Candidates,
			"processed", stats.Processed,
			"sent", stats.Sent,
			"failed", stats.Failed,
			"dry_runs", stats.DryRuns,
			"backfilled", stats.Backfilled,
			"skipped", stats.SkippedTotal(),
		)
		return nil
	}

	if cfg.Environment == "local" {
		logger.Info("APP_ENV=local: reading event from stdin")
		payload, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		return handler(ctx, json.RawMessage(payload))
	}

	lambda.Start(handler)
	return nil
}

// newLogger creates the process-wide structured logger.
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
