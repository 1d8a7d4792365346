package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Load resolves the full configuration from the environment. In local
// development a .env file (if present) seeds any variables not already set;
// real environments rely on the process environment alone.
//
// Load fails fast: any missing required value or failed validation aborts
// startup with a descriptive error.
func Load() (*Config, error) {
	// Dotenv is best-effort; a missing file is not an error.
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("config: loading .env: %w", err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: processing environment: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks structural constraints on an already-populated Config.
// Split out from Load so tests can validate hand-built configs.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("config: validation failed: %w", err)
	}

	if cfg.Chase.LockTTL <= 0 || cfg.Chase.Cooldown <= 0 || cfg.Chase.IdempotencyWindow <= 0 {
		return fmt.Errorf("config: chase durations must be positive")
	}
	if cfg.Chase.BatchLimit > BatchLimitHardCap {
		// Clamped at use sites, but an explicit oversized value is almost
		// always a deployment mistake worth surfacing.
		return fmt.Errorf("config: CHASE_BATCH_LIMIT %d exceeds hard cap %d", cfg.Chase.BatchLimit, BatchLimitHardCap)
	}

	return nil
}
