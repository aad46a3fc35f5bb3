// Package config defines the top-level configuration for the settlement
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MARKETD_* environment variables.
type Config struct {
	Engine    EngineConfig    `toml:"engine"`
	Lifecycle LifecycleConfig `toml:"lifecycle"`
	Wallet    WalletConfig    `toml:"wallet"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Archive   ArchiveConfig   `toml:"archive"`
	Authority AuthorityConfig `toml:"authority"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// EngineConfig holds instruction processing parameters.
type EngineConfig struct {
	// ChainID scopes instruction signatures so a signed instruction for one
	// deployment cannot be replayed against another.
	ChainID int64 `toml:"chain_id"`
	// TimestampWindow is how far an instruction's timestamp may drift from
	// the local clock in either direction.
	TimestampWindow duration `toml:"timestamp_window"`
	// IntakeStream is the Redis stream instructions are consumed from.
	IntakeStream string `toml:"intake_stream"`
	// IntakeBatch is how many instructions one stream read may return.
	IntakeBatch int `toml:"intake_batch"`
	// RateLimit caps instructions per sender within RateWindow. Zero
	// disables intake rate limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
	// SnapshotInterval is how often engine state is persisted. SnapshotKeep
	// bounds how many snapshots are retained.
	SnapshotInterval duration `toml:"snapshot_interval"`
	SnapshotKeep     int      `toml:"snapshot_keep"`
}

// LifecycleConfig holds market lifecycle parameters.
type LifecycleConfig struct {
	MinLaunchLiquidity float64  `toml:"min_launch_liquidity"`
	ViabilityThreshold float64  `toml:"viability_threshold"`
	ProvisionalWindow  duration `toml:"provisional_window"`
	FeeRate            float64  `toml:"fee_rate"`
	SweepInterval      duration `toml:"sweep_interval"`
	// Resolvers lists the addresses authorized to resolve markets.
	Resolvers []string `toml:"resolvers"`
}

// WalletConfig holds the engine operator's signing key, used by tooling
// that submits operator instructions (resolutions, test traffic).
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls receipt journal archival to object storage.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
	BatchLimit    int      `toml:"batch_limit"`
}

// AuthorityConfig controls the external settlement authority hook.
type AuthorityConfig struct {
	// Mode is "off", "pessimistic", or "optimistic".
	Mode string `toml:"mode"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			ChainID:          1,
			TimestampWindow:  duration{5 * time.Minute},
			IntakeStream:     "marketd:instructions",
			IntakeBatch:      100,
			RateLimit:        0,
			RateWindow:       duration{time.Second},
			SnapshotInterval: duration{time.Minute},
			SnapshotKeep:     24,
		},
		Lifecycle: LifecycleConfig{
			MinLaunchLiquidity: 100,
			ViabilityThreshold: 1000,
			ProvisionalWindow:  duration{24 * time.Hour},
			FeeRate:            0.02,
			SweepInterval:      duration{10 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "marketd",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "marketd-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{time.Hour},
			BatchLimit:    10000,
		},
		Authority: AuthorityConfig{
			Mode: "off",
		},
		Notify: NotifyConfig{
			Events: []string{"market_resolved", "market_refunded", "invariant_violation"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"engine":  true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validAuthorityModes enumerates the accepted values for Authority.Mode.
var validAuthorityModes = map[string]bool{
	"off":         true,
	"pessimistic": true,
	"optimistic":  true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: engine, archive, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if c.Engine.ChainID <= 0 {
		errs = append(errs, "engine: chain_id must be positive")
	}
	if c.Engine.TimestampWindow.Duration <= 0 {
		errs = append(errs, "engine: timestamp_window must be > 0")
	}
	if c.Engine.IntakeStream == "" {
		errs = append(errs, "engine: intake_stream must not be empty")
	}
	if c.Engine.IntakeBatch < 1 {
		errs = append(errs, "engine: intake_batch must be >= 1")
	}
	if c.Engine.RateLimit > 0 && c.Engine.RateWindow.Duration <= 0 {
		errs = append(errs, "engine: rate_window must be > 0 when rate_limit is set")
	}
	if c.Engine.SnapshotInterval.Duration <= 0 {
		errs = append(errs, "engine: snapshot_interval must be > 0")
	}
	if c.Engine.SnapshotKeep < 1 {
		errs = append(errs, "engine: snapshot_keep must be >= 1")
	}

	// Lifecycle
	if c.Lifecycle.MinLaunchLiquidity <= 0 {
		errs = append(errs, "lifecycle: min_launch_liquidity must be > 0")
	}
	if c.Lifecycle.ViabilityThreshold <= 0 {
		errs = append(errs, "lifecycle: viability_threshold must be > 0")
	}
	if c.Lifecycle.ProvisionalWindow.Duration <= 0 {
		errs = append(errs, "lifecycle: provisional_window must be > 0")
	}
	if c.Lifecycle.FeeRate < 0 || c.Lifecycle.FeeRate >= 1 {
		errs = append(errs, fmt.Sprintf("lifecycle: fee_rate must be in [0, 1), got %v", c.Lifecycle.FeeRate))
	}
	if c.Lifecycle.SweepInterval.Duration <= 0 {
		errs = append(errs, "lifecycle: sweep_interval must be > 0")
	}
	if len(c.Lifecycle.Resolvers) == 0 {
		errs = append(errs, "lifecycle: at least one resolver address is required")
	}

	// Wallet
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3, required only when archival is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
	}

	// Authority
	if !validAuthorityModes[strings.ToLower(c.Authority.Mode)] {
		errs = append(errs, fmt.Sprintf("authority: unknown mode %q (valid: off, pessimistic, optimistic)", c.Authority.Mode))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
