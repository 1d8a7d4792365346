// Package config defines the immutable configuration for the DuePoint
// platform. Configuration is loaded once at process initialization and never
// modified; components receive only the sub-structs they need. Values come
// from the OS environment, optionally seeded from a dotenv file in local
// development. Missing required values fail startup immediately.
package config

import "time"

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"duepoint"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	AWS      AWSConfig
	Email    EmailConfig
	Chase    ChaseConfig
	Billing  BillingConfig
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"30s"`
	// Public dashboard URL used in emails (no trailing slash).
	DashboardURL string `envconfig:"DASHBOARD_URL" default:"https://app.duepoint.io"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL string `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
}

// AWSConfig holds AWS regional configuration and resource identifiers used
// by the metrics emitter and the chase audit queue.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`
	// ChaseAuditQueue receives best-effort audit records after each dispatch
	// attempt. Empty disables audit publishing.
	ChaseAuditQueue string `envconfig:"SQS_CHASE_AUDIT"`
	// MetricNamespace is the CloudWatch namespace for chase metrics.
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"DuePoint/Chase"`
	// LocalStack support; empty in prod.
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// EmailConfig holds email delivery provider credentials and sender fallbacks.
type EmailConfig struct {
	SendGridAPIKey string `envconfig:"SENDGRID_API_KEY"`
	FromAddress    string `envconfig:"EMAIL_FROM_ADDRESS" default:"billing@duepoint.io"`
	FromName       string `envconfig:"EMAIL_FROM_NAME" default:"DuePoint Billing"`
}

// ChaseConfig holds the automated invoice-chase scheduler knobs. All durations
// have safe defaults; the job receives this struct at invocation time rather
// than reading the environment ad hoc.
type ChaseConfig struct {
	// Enabled is the environment kill switch for both the scheduled and the
	// manual trigger paths.
	Enabled bool `envconfig:"CHASE_ENABLED" default:"true"`
	// DryRun performs all bookkeeping except the actual external send.
	DryRun bool `envconfig:"CHASE_DRY_RUN" default:"false"`
	// CronSecret gates the manual-trigger HTTP endpoint.
	CronSecret string `envconfig:"CHASE_CRON_SECRET"`

	// BatchLimit bounds the eligibility query (hard cap enforced in code).
	BatchLimit int `envconfig:"CHASE_BATCH_LIMIT" default:"50"`
	// BackfillLimit caps the legacy next_chase_at repair batch.
	BackfillLimit int `envconfig:"CHASE_BACKFILL_LIMIT" default:"25"`

	// LockTTL is how long a processing lock is honored before a future run
	// may reclaim the invoice.
	LockTTL time.Duration `envconfig:"CHASE_LOCK_TTL" default:"10m"`
	// Cooldown caps send frequency per invoice regardless of stage logic.
	Cooldown time.Duration `envconfig:"CHASE_COOLDOWN" default:"60m"`
	// IdempotencyWindow suppresses duplicate events for the same stage.
	IdempotencyWindow time.Duration `envconfig:"CHASE_IDEMPOTENCY_WINDOW" default:"90m"`
	// RetryBackoff is the reschedule delay after a failed send.
	RetryBackoff time.Duration `envconfig:"CHASE_RETRY_BACKOFF" default:"30m"`
}

// BatchLimitHardCap is the upper bound on CHASE_BATCH_LIMIT.
const BatchLimitHardCap = 100

// EffectiveBatchLimit returns the configured batch limit clamped to
// [1, BatchLimitHardCap].
func (c ChaseConfig) EffectiveBatchLimit() int {
	limit := c.BatchLimit
	if limit <= 0 {
		limit = 50
	}
	if limit > BatchLimitHardCap {
		limit = BatchLimitHardCap
	}
	return limit
}

// BillingConfig holds Stripe payment integration credentials.
type BillingConfig struct {
	StripeSecretKey     string `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET"`
	// PriceIDs maps plan tiers to Stripe price identifiers.
	StarterPriceID string `envconfig:"STRIPE_PRICE_STARTER"`
	ProPriceID     string `envconfig:"STRIPE_PRICE_PRO"`
}
