package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsValidateWithResolvers(t *testing.T) {
	cfg := Defaults()
	require.Error(t, cfg.Validate(), "defaults alone lack a resolver")

	cfg.Lifecycle.Resolvers = []string{"0xabc"}
	assert.NoError(t, cfg.Validate())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "engine"
log_level = "debug"

[engine]
chain_id = 137
timestamp_window = "2m"

[lifecycle]
fee_rate = 0.01
resolvers = ["0xaaa", "0xbbb"]

[redis]
addr = "redis.internal:6380"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "engine", cfg.Mode)
	assert.Equal(t, int64(137), cfg.Engine.ChainID)
	assert.Equal(t, 2*time.Minute, cfg.Engine.TimestampWindow.Duration)
	assert.Equal(t, 0.01, cfg.Lifecycle.FeeRate)
	assert.Equal(t, []string{"0xaaa", "0xbbb"}, cfg.Lifecycle.Resolvers)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)

	// Untouched sections keep their defaults.
	assert.Equal(t, "marketd:instructions", cfg.Engine.IntakeStream)
	assert.Equal(t, 5432, cfg.Postgres.Port)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[lifecycle]
resolvers = ["0xaaa"]
`)

	t.Setenv("MARKETD_MODE", "archive")
	t.Setenv("MARKETD_ENGINE_CHAIN_ID", "42161")
	t.Setenv("MARKETD_POSTGRES_PASSWORD", "s3cret")
	t.Setenv("MARKETD_LIFECYCLE_SWEEP_INTERVAL", "30s")
	t.Setenv("MARKETD_ARCHIVE_ENABLED", "true")
	t.Setenv("MARKETD_LIFECYCLE_RESOLVERS", "0xccc, 0xddd")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "archive", cfg.Mode)
	assert.Equal(t, int64(42161), cfg.Engine.ChainID)
	assert.Equal(t, "s3cret", cfg.Postgres.Password)
	assert.Equal(t, 30*time.Second, cfg.Lifecycle.SweepInterval.Duration)
	assert.True(t, cfg.Archive.Enabled)
	assert.Equal(t, []string{"0xccc", "0xddd"}, cfg.Lifecycle.Resolvers, "env list wins over file")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "turbo"
	cfg.LogLevel = "loud"
	cfg.Engine.ChainID = 0
	cfg.Engine.IntakeStream = ""
	cfg.Lifecycle.FeeRate = 1.5
	cfg.Redis.Addr = ""
	cfg.Authority.Mode = "maybe"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"unknown mode", "log_level", "chain_id", "intake_stream",
		"fee_rate", "redis: addr", "authority",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateArchiveRequirements(t *testing.T) {
	cfg := Defaults()
	cfg.Lifecycle.Resolvers = []string{"0xabc"}
	cfg.Archive.Enabled = true
	cfg.S3.Bucket = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3: bucket")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "deadbeef"
	cfg.Postgres.Password = "pgpass"
	cfg.Redis.Password = "redispass"
	cfg.S3.SecretKey = "s3secret"
	cfg.Notify.TelegramToken = "tg"

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Wallet.PrivateKey)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Redis.Password)
	assert.Equal(t, "***", red.S3.SecretKey)
	assert.Equal(t, "***", red.Notify.TelegramToken)

	assert.Equal(t, "", red.Wallet.KeyPassword, "empty secrets stay empty")
	assert.Equal(t, "deadbeef", cfg.Wallet.PrivateKey, "original untouched")

	red.Notify.Events[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Notify.Events[0])
}

func TestDurationRoundTrip(t *testing.T) {
	var d duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration)

	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(out))

	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
