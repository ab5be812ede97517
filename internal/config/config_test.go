package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalYAML is the smallest config that passes Validate.
const minimalYAML = `
database:
  dsn: "postgres://apiverse:secret@db:5432/apiverse"
auth:
  jwt_secret: "s3cret"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, ":9090", cfg.Admin.Address)
	assert.Equal(t, RedisModeSingle, cfg.Redis.Mode)
	assert.Equal(t, []string{"localhost:6379"}, cfg.Redis.Endpoints)
	assert.Equal(t, "standard", cfg.RateLimit.DefaultTier)
	assert.Equal(t, int64(1000), cfg.RateLimit.DefaultPerHour)
	assert.Equal(t, int64(10000), cfg.RateLimit.DefaultPerDay)
	assert.Equal(t, FailurePolicyPassThrough, cfg.RateLimit.FailurePolicy)
	assert.Equal(t, "30s", cfg.Proxy.Timeout)
	assert.Equal(t, "10s", cfg.Webhooks.Timeout)
	assert.Equal(t, 1000, cfg.Webhooks.MaxResponseBytes)
	assert.Equal(t, 1, cfg.Webhooks.MaxAttempts)
	assert.Equal(t, EventBusMemory, cfg.Events.Bus)
	assert.Equal(t, "HS256", cfg.Auth.JWTAlgorithm)
	assert.Equal(t, LogFormatJSON, cfg.Logging.Format)
	assert.Equal(t, "apiverse", cfg.Tracing.ServiceName)
}

func TestLoadFromPath(t *testing.T) {
	t.Run("parses yaml over defaults", func(t *testing.T) {
		path := writeConfig(t, minimalYAML+`
server:
  address: ":9999"
rate_limit:
  default_hour: 50
  failure_policy: "InMemoryFallback"
events:
  bus: "KAFKA"
  kafka:
    brokers: ["k1:9092", "k2:9092"]
`)
		cfg, err := LoadFromPath(path)
		require.NoError(t, err)

		assert.Equal(t, ":9999", cfg.Server.Address)
		assert.Equal(t, int64(50), cfg.RateLimit.DefaultPerHour)
		assert.Equal(t, int64(10000), cfg.RateLimit.DefaultPerDay)
		assert.Equal(t, FailurePolicyInMemoryFallback, cfg.RateLimit.FailurePolicy)
		assert.Equal(t, EventBusKafka, cfg.Events.Bus)
		assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Events.Kafka.Brokers)
		assert.Equal(t, "apiverse.events", cfg.Events.Kafka.Topic)
	})

	t.Run("missing file uses defaults and env", func(t *testing.T) {
		t.Setenv("APIVERSE_DATABASE_DSN", "postgres://x")
		t.Setenv("APIVERSE_AUTH_JWT_SECRET", "k")
		cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "postgres://x", cfg.Database.DSN.Value())
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := LoadFromPath(writeConfig(t, "{{{"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parsing config file")
	})
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, minimalYAML)
	t.Setenv("APIVERSE_SERVER_ADDRESS", ":7000")
	t.Setenv("APIVERSE_REDIS_ENDPOINTS", "r1:6379,r2:6379")
	t.Setenv("APIVERSE_REDIS_MODE", "cluster")
	t.Setenv("APIVERSE_WEBHOOKS_MAX_ATTEMPTS", "5")
	t.Setenv("APIVERSE_RATE_LIMIT_GLOBAL_PASSTHROUGH_RPS", "250.5")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.Equal(t, []string{"r1:6379", "r2:6379"}, cfg.Redis.Endpoints)
	assert.Equal(t, RedisModeCluster, cfg.Redis.Mode)
	assert.Equal(t, 5, cfg.Webhooks.MaxAttempts)
	assert.InDelta(t, 250.5, cfg.RateLimit.GlobalPassthroughRPS, 0.001)
}

func TestEnvFile(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("APIVERSE_DATABASE_DSN=postgres://from-dotenv\nAPIVERSE_AUTH_JWT_SECRET=dotenv\n"), 0o600))
	t.Setenv("APIVERSE_ENV_FILE", envPath)
	// Register cleanup for the variable godotenv sets, then clear it.
	t.Setenv("APIVERSE_DATABASE_DSN", "")
	require.NoError(t, os.Unsetenv("APIVERSE_DATABASE_DSN"))
	t.Setenv("APIVERSE_AUTH_JWT_SECRET", "explicit")

	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "postgres://from-dotenv", cfg.Database.DSN.Value())
	assert.Equal(t, "explicit", cfg.Auth.JWTSecret.Value(), "process env wins over dotenv")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Defaults()
		cfg.Database.DSN = "postgres://x"
		cfg.Auth.JWTSecret = "k"
		return cfg
	}

	require.NoError(t, Validate(base()))

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"bad driver", func(c *Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"missing jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }, "auth.jwt_secret"},
		{"bad jwt alg", func(c *Config) { c.Auth.JWTAlgorithm = "RS256" }, "auth.jwt_algorithm"},
		{"bad failure policy", func(c *Config) { c.RateLimit.FailurePolicy = "maybe" }, "rate_limit.failure_policy"},
		{"zero hour limit", func(c *Config) { c.RateLimit.DefaultPerHour = 0 }, "rate_limit.default_hour"},
		{"sentinel without master", func(c *Config) { c.Redis.Mode = RedisModeSentinel }, "redis.master_name"},
		{"single with two endpoints", func(c *Config) { c.Redis.Endpoints = []string{"a:1", "b:1"} }, "single mode"},
		{"bad duration", func(c *Config) { c.Proxy.Timeout = "soon" }, "proxy.timeout"},
		{"http3 without tls", func(c *Config) { c.Server.TLS.HTTP3Enabled = true }, "http3_enabled"},
		{"kafka without brokers", func(c *Config) { c.Events.Bus = EventBusKafka }, "events.kafka.brokers"},
		{"nats without url", func(c *Config) { c.Events.Bus = EventBusNATS }, "events.nats.url"},
		{"zero workers", func(c *Config) { c.Webhooks.Workers = 0 }, "webhooks.workers"},
		{"zero attempts", func(c *Config) { c.Webhooks.MaxAttempts = 0 }, "webhooks.max_attempts"},
		{"underscore environment", func(c *Config) { c.Keys.DefaultEnvironment = "my_env" }, "keys.default_environment"},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true }, "tracing.endpoint"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRedactedString(t *testing.T) {
	secret := RedactedString("hunter2")

	assert.Equal(t, "hunter2", secret.Value())
	assert.Equal(t, redactedPlaceholder, secret.String())
	assert.Equal(t, redactedPlaceholder, fmt.Sprintf("%v", secret))
	assert.Equal(t, redactedPlaceholder, fmt.Sprintf("%#v", secret))

	b, err := json.Marshal(struct{ S RedactedString }{secret})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "hunter2")

	assert.Equal(t, "", RedactedString("").String())
}

func TestDenyPrivateNetworksEnabled(t *testing.T) {
	assert.True(t, BackendURLPolicy{}.DenyPrivateNetworksEnabled())
	off := false
	assert.False(t, BackendURLPolicy{DenyPrivateNetworks: &off}.DenyPrivateNetworksEnabled())
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), int64(d))

	_, err = ParseDuration("nope", 0)
	assert.Error(t, err)

	assert.Equal(t, int64(7), int64(MustParseDuration("nope", 7)))
}

func TestRequiresRestart(t *testing.T) {
	old := Defaults()
	same := Defaults()
	assert.Empty(t, same.RequiresRestart(old))
	assert.Empty(t, same.RequiresRestart(nil))

	changed := Defaults()
	changed.Server.Address = ":1"
	changed.Redis.Endpoints = []string{"other:6379"}
	changed.Events.Bus = EventBusNATS
	changed.RateLimit.DefaultPerHour = 5 // hot-reloadable

	assert.ElementsMatch(t, []string{"server.address", "redis", "events.bus"}, changed.RequiresRestart(old))
}
