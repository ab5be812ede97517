// Package config loads and validates APIVerse gateway configuration from a
// YAML file, an optional dotenv file and environment variables. Environment
// variables always win. Names follow the struct path with an APIVERSE_
// prefix:
//
//	server.address          → APIVERSE_SERVER_ADDRESS
//	rate_limit.default_hour → APIVERSE_RATE_LIMIT_DEFAULT_HOUR
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultConfigFile = "/etc/apiverse/config.yaml"
	envPrefix         = "APIVERSE_"
)

// FailurePolicy controls the rate limiter when the counter store is unreachable.
type FailurePolicy string

const (
	FailurePolicyPassThrough      FailurePolicy = "passthrough"
	FailurePolicyFailClosed       FailurePolicy = "failclosed"
	FailurePolicyInMemoryFallback FailurePolicy = "inmemoryfallback"
)

func (fp FailurePolicy) Valid() bool {
	switch fp {
	case FailurePolicyPassThrough, FailurePolicyFailClosed, FailurePolicyInMemoryFallback:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// DatabaseDriver selects the gorm dialector.
type DatabaseDriver string

const (
	DatabaseDriverPostgres DatabaseDriver = "postgres"
)

func (d DatabaseDriver) Valid() bool {
	return d == DatabaseDriverPostgres
}

// EventBusType selects the event bus backend used by the webhook dispatcher.
type EventBusType string

const (
	EventBusMemory EventBusType = "memory"
	EventBusKafka  EventBusType = "kafka"
	EventBusNATS   EventBusType = "nats"
)

func (b EventBusType) Valid() bool {
	switch b {
	case EventBusMemory, EventBusKafka, EventBusNATS:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"     envPrefix:"SERVER_"`
	Admin     AdminConfig     `yaml:"admin"      envPrefix:"ADMIN_"`
	Database  DatabaseConfig  `yaml:"database"   envPrefix:"DATABASE_"`
	Redis     RedisConfig     `yaml:"redis"      envPrefix:"REDIS_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Proxy     ProxyConfig     `yaml:"proxy"      envPrefix:"PROXY_"`
	Keys      KeysConfig      `yaml:"keys"       envPrefix:"KEYS_"`
	Auth      AuthConfig      `yaml:"auth"       envPrefix:"AUTH_"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"   envPrefix:"WEBHOOKS_"`
	Events    EventsConfig    `yaml:"events"     envPrefix:"EVENTS_"`
	Logging   LoggingConfig   `yaml:"logging"    envPrefix:"LOGGING_"`
	Tracing   TracingConfig   `yaml:"tracing"    envPrefix:"TRACING_"`
}

// ServerConfig holds the public gateway listener settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// DatabaseConfig holds the durable store connection settings.
type DatabaseConfig struct {
	Driver          DatabaseDriver `yaml:"driver"            env:"DRIVER"`
	DSN             RedactedString `yaml:"dsn"               env:"DSN"`
	MaxOpenConns    int            `yaml:"max_open_conns"    env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int            `yaml:"max_idle_conns"    env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime string         `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	SlowQuery       string         `yaml:"slow_query"        env:"SLOW_QUERY"`
	AutoMigrate     bool           `yaml:"auto_migrate"      env:"AUTO_MIGRATE"`
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// RateLimitConfig holds the per-key window quota settings. The Default*
// values seed the policy row created lazily for an API that has none.
type RateLimitConfig struct {
	DefaultTier    string `yaml:"default_tier" env:"DEFAULT_TIER"`
	DefaultPerHour int64  `yaml:"default_hour" env:"DEFAULT_HOUR"`
	DefaultPerDay  int64  `yaml:"default_day"  env:"DEFAULT_DAY"`
	KeyPrefix      string `yaml:"key_prefix"   env:"KEY_PREFIX"`

	// PolicyCacheTTL bounds how long a policy row is served from memory
	// before it is re-read from the store. Empty disables caching.
	PolicyCacheTTL string `yaml:"policy_cache_ttl" env:"POLICY_CACHE_TTL"`

	FailurePolicy FailurePolicy `yaml:"failure_policy" env:"FAILURE_POLICY"`

	// FailureRetryAfter is the Retry-After value (seconds) sent when the
	// failclosed policy rejects a request.
	FailureRetryAfter int `yaml:"failure_retry_after" env:"FAILURE_RETRY_AFTER"`

	// MaxRecoveryAttempts limits background Redis reconnects. 0 retries forever.
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts" env:"MAX_RECOVERY_ATTEMPTS"`

	// GlobalPassthroughRPS caps process-wide throughput while the
	// passthrough policy is admitting requests without a counter store.
	// 0 disables the cap.
	GlobalPassthroughRPS float64 `yaml:"global_passthrough_rps" env:"GLOBAL_PASSTHROUGH_RPS"`
}

// ProxyConfig holds outbound forwarding settings.
type ProxyConfig struct {
	Timeout            string           `yaml:"timeout"                  env:"TIMEOUT"`
	MaxIdleConns       int              `yaml:"max_idle_conns"           env:"MAX_IDLE_CONNS"`
	IdleConnTimeout    string           `yaml:"idle_conn_timeout"        env:"IDLE_CONN_TIMEOUT"`
	TLSInsecureVerify  bool             `yaml:"tls_insecure_skip_verify" env:"TLS_INSECURE_SKIP_VERIFY"`
	MaxRequestBodySize int64            `yaml:"max_request_body_size"    env:"MAX_REQUEST_BODY_SIZE"` // bytes; 0=unlimited
	HTTP3Upstreams     bool             `yaml:"http3_upstreams"          env:"HTTP3_UPSTREAMS"`       // https upstreams must speak QUIC
	Transport          TransportConfig  `yaml:"transport"                envPrefix:"TRANSPORT_"`
	URLPolicy          BackendURLPolicy `yaml:"url_policy"               envPrefix:"URL_POLICY_"`
}

// TransportConfig holds low-level HTTP transport tuning for outbound calls.
type TransportConfig struct {
	DialTimeout           string `yaml:"dial_timeout"            env:"DIAL_TIMEOUT"`
	DialKeepAlive         string `yaml:"dial_keep_alive"         env:"DIAL_KEEP_ALIVE"`
	TLSHandshakeTimeout   string `yaml:"tls_handshake_timeout"   env:"TLS_HANDSHAKE_TIMEOUT"`
	ExpectContinueTimeout string `yaml:"expect_continue_timeout" env:"EXPECT_CONTINUE_TIMEOUT"`
	H2ReadIdleTimeout     string `yaml:"h2_read_idle_timeout"    env:"H2_READ_IDLE_TIMEOUT"`
	H2PingTimeout         string `yaml:"h2_ping_timeout"         env:"H2_PING_TIMEOUT"`
}

// BackendURLPolicy restricts which upstream base URLs and webhook callback
// URLs may be registered.
type BackendURLPolicy struct {
	// AllowedSchemes restricts the URL scheme. Default: ["http", "https"].
	AllowedSchemes []string `yaml:"allowed_schemes" env:"ALLOWED_SCHEMES" envSeparator:","`
	// DenyPrivateNetworks blocks RFC 1918, loopback, link-local and cloud
	// metadata addresses when true. Default: true.
	DenyPrivateNetworks *bool `yaml:"deny_private_networks" env:"DENY_PRIVATE_NETWORKS"`
	// AllowedHosts is an optional exact-match allowlist.
	AllowedHosts []string `yaml:"allowed_hosts" env:"ALLOWED_HOSTS" envSeparator:","`
}

// DenyPrivateNetworksEnabled defaults to true when unset.
func (p BackendURLPolicy) DenyPrivateNetworksEnabled() bool {
	if p.DenyPrivateNetworks == nil {
		return true
	}
	return *p.DenyPrivateNetworks
}

// KeysConfig holds API key issuance and hashing parameters.
type KeysConfig struct {
	DefaultEnvironment string `yaml:"default_environment" env:"DEFAULT_ENVIRONMENT"`
	Argon2Time         uint32 `yaml:"argon2_time"         env:"ARGON2_TIME"`
	Argon2MemoryKiB    uint32 `yaml:"argon2_memory_kib"   env:"ARGON2_MEMORY_KIB"`
	Argon2Threads      uint8  `yaml:"argon2_threads"      env:"ARGON2_THREADS"`
}

// AuthConfig holds the session-token verification settings for the
// management plane.
type AuthConfig struct {
	JWTSecret    RedactedString `yaml:"jwt_secret"    env:"JWT_SECRET"`
	JWTAlgorithm string         `yaml:"jwt_algorithm" env:"JWT_ALGORITHM"`
	Issuer       string         `yaml:"issuer"        env:"ISSUER"`
}

// WebhooksConfig holds webhook delivery settings.
type WebhooksConfig struct {
	Timeout          string `yaml:"timeout"            env:"TIMEOUT"`
	MaxResponseBytes int    `yaml:"max_response_bytes" env:"MAX_RESPONSE_BYTES"`
	Workers          int    `yaml:"workers"            env:"WORKERS"`
	QueueSize        int    `yaml:"queue_size"         env:"QUEUE_SIZE"`

	// MaxAttempts is the total number of delivery attempts per event,
	// including the first. 1 disables automatic retries.
	MaxAttempts    int    `yaml:"max_attempts"     env:"MAX_ATTEMPTS"`
	RetryBaseDelay string `yaml:"retry_base_delay" env:"RETRY_BASE_DELAY"`
	RetryMaxDelay  string `yaml:"retry_max_delay"  env:"RETRY_MAX_DELAY"`

	URLPolicy BackendURLPolicy `yaml:"url_policy" envPrefix:"URL_POLICY_"`
}

// EventsConfig selects and configures the event bus.
type EventsConfig struct {
	Bus    EventBusType `yaml:"bus"    env:"BUS"`
	Source string       `yaml:"source" env:"SOURCE"`

	// Published events are buffered in a ring and flushed to the bus in
	// batches. When the ring is full the oldest event is dropped.
	BufferSize    int    `yaml:"buffer_size"    env:"BUFFER_SIZE"`
	BatchSize     int    `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string `yaml:"flush_interval" env:"FLUSH_INTERVAL"`

	Kafka KafkaConfig `yaml:"kafka" envPrefix:"KAFKA_"`
	NATS  NATSConfig  `yaml:"nats"  envPrefix:"NATS_"`
}

// KafkaConfig holds Kafka event bus settings.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"  env:"BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic"    env:"TOPIC"`
	GroupID string   `yaml:"group_id" env:"GROUP_ID"`
}

// NATSConfig holds NATS event bus settings.
type NATSConfig struct {
	URL     string `yaml:"url"     env:"URL"`
	Subject string `yaml:"subject" env:"SUBJECT"`
	Queue   string `yaml:"queue"   env:"QUEUE"`
}

// RedactedString masks its value in String(), GoString() and MarshalJSON()
// so secrets never reach logs or serialized output. Use Value() to read it.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

func (r RedactedString) GoString() string { return r.String() }

func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  "30s",
			WriteTimeout: "60s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Database: DatabaseConfig{
			Driver:          DatabaseDriverPostgres,
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: "30m",
			SlowQuery:       "200ms",
			AutoMigrate:     true,
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		RateLimit: RateLimitConfig{
			DefaultTier:       "standard",
			DefaultPerHour:    1000,
			DefaultPerDay:     10000,
			PolicyCacheTTL:    "30s",
			FailurePolicy:     FailurePolicyPassThrough,
			FailureRetryAfter: 1,
		},
		Proxy: ProxyConfig{
			Timeout:            "30s",
			MaxIdleConns:       100,
			IdleConnTimeout:    "90s",
			MaxRequestBodySize: 10 << 20,
			Transport: TransportConfig{
				DialTimeout:           "10s",
				DialKeepAlive:         "30s",
				TLSHandshakeTimeout:   "10s",
				ExpectContinueTimeout: "1s",
				H2ReadIdleTimeout:     "30s",
				H2PingTimeout:         "15s",
			},
		},
		Keys: KeysConfig{
			DefaultEnvironment: "live",
			Argon2Time:         3,
			Argon2MemoryKiB:    64 * 1024,
			Argon2Threads:      4,
		},
		Auth: AuthConfig{
			JWTAlgorithm: "HS256",
		},
		Webhooks: WebhooksConfig{
			Timeout:          "10s",
			MaxResponseBytes: 1000,
			Workers:          4,
			QueueSize:        1024,
			MaxAttempts:      1,
			RetryBaseDelay:   "1s",
			RetryMaxDelay:    "1m",
		},
		Events: EventsConfig{
			Bus:           EventBusMemory,
			Source:        "apiverse.webhooks",
			BufferSize:    4096,
			BatchSize:     100,
			FlushInterval: "500ms",
			Kafka: KafkaConfig{
				Topic:   "apiverse.events",
				GroupID: "apiverse-webhooks",
			},
			NATS: NATSConfig{
				Subject: "apiverse.events",
				Queue:   "apiverse-webhooks",
			},
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "apiverse",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the config file path from APIVERSE_CONFIG_FILE or
// the default.
func ConfigFilePath() string {
	if p := os.Getenv(envPrefix + "CONFIG_FILE"); p != "" {
		return p
	}
	return defaultConfigFile
}

// Load reads the configuration from ConfigFilePath.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. A missing file is not an error.
//
// If APIVERSE_ENV_FILE names a dotenv file it is loaded first; variables
// already present in the process environment are left untouched.
func LoadFromPath(configFile string) (*Config, error) {
	if err := loadDotEnv(os.Getenv(envPrefix + "ENV_FILE")); err != nil {
		return nil, err
	}

	cfg := Defaults()

	data, err := os.ReadFile(configFile)
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

// normalize lowercases enum fields so "PassThrough" or "KAFKA" match the
// canonical constants, and trims trailing slashes from URLs.
func (cfg *Config) normalize() {
	cfg.RateLimit.FailurePolicy = FailurePolicy(strings.ToLower(string(cfg.RateLimit.FailurePolicy)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Database.Driver = DatabaseDriver(strings.ToLower(string(cfg.Database.Driver)))
	cfg.Events.Bus = EventBusType(strings.ToLower(string(cfg.Events.Bus)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Auth.JWTAlgorithm = strings.ToUpper(cfg.Auth.JWTAlgorithm)
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))
}

func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	validators := []func(*Config) error{
		validateDurations,
		validateTLS,
		validateDatabase,
		validateRedis,
		validateRateLimit,
		validateKeys,
		validateAuth,
		validateWebhooks,
		validateEvents,
		validateLogging,
		validateTracing,
	}
	for _, v := range validators {
		if err := v(cfg); err != nil {
			return err
		}
	}
	return nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"database.conn_max_lifetime", cfg.Database.ConnMaxLifetime},
		{"database.slow_query", cfg.Database.SlowQuery},
		{"rate_limit.policy_cache_ttl", cfg.RateLimit.PolicyCacheTTL},
		{"proxy.timeout", cfg.Proxy.Timeout},
		{"proxy.idle_conn_timeout", cfg.Proxy.IdleConnTimeout},
		{"proxy.transport.dial_timeout", cfg.Proxy.Transport.DialTimeout},
		{"proxy.transport.dial_keep_alive", cfg.Proxy.Transport.DialKeepAlive},
		{"proxy.transport.tls_handshake_timeout", cfg.Proxy.Transport.TLSHandshakeTimeout},
		{"proxy.transport.expect_continue_timeout", cfg.Proxy.Transport.ExpectContinueTimeout},
		{"proxy.transport.h2_read_idle_timeout", cfg.Proxy.Transport.H2ReadIdleTimeout},
		{"proxy.transport.h2_ping_timeout", cfg.Proxy.Transport.H2PingTimeout},
		{"webhooks.timeout", cfg.Webhooks.Timeout},
		{"webhooks.retry_base_delay", cfg.Webhooks.RetryBaseDelay},
		{"webhooks.retry_max_delay", cfg.Webhooks.RetryMaxDelay},
		{"events.flush_interval", cfg.Events.FlushInterval},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled to be true (QUIC mandates TLS)")
	}
	if v := cfg.Server.TLS.MinVersion; !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	return nil
}

func validateDatabase(cfg *Config) error {
	if !cfg.Database.Driver.Valid() {
		return fmt.Errorf("invalid database.driver %q: must be postgres", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if cfg.Database.MaxOpenConns < 0 || cfg.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database connection limits must be >= 0")
	}
	return nil
}

func validateRedis(cfg *Config) error {
	rc := cfg.Redis
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints: at least one endpoint is required")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	rl := cfg.RateLimit
	if rl.DefaultPerHour < 1 || rl.DefaultPerDay < 1 {
		return fmt.Errorf("rate_limit.default_hour and rate_limit.default_day must be >= 1")
	}
	if rl.DefaultTier == "" {
		return fmt.Errorf("rate_limit.default_tier is required")
	}
	if !rl.FailurePolicy.Valid() {
		return fmt.Errorf("invalid rate_limit.failure_policy %q: must be passthrough, failclosed, or inmemoryfallback", rl.FailurePolicy)
	}
	if rl.FailureRetryAfter < 0 {
		return fmt.Errorf("rate_limit.failure_retry_after must be >= 0")
	}
	if rl.GlobalPassthroughRPS < 0 {
		return fmt.Errorf("rate_limit.global_passthrough_rps must be >= 0")
	}
	return nil
}

func validateKeys(cfg *Config) error {
	k := cfg.Keys
	if !validKeyEnvironment(k.DefaultEnvironment) {
		return fmt.Errorf("invalid keys.default_environment %q: must be 1-8 lowercase letters or digits", k.DefaultEnvironment)
	}
	if k.Argon2Time == 0 || k.Argon2MemoryKiB == 0 || k.Argon2Threads == 0 {
		return fmt.Errorf("keys.argon2_time, keys.argon2_memory_kib and keys.argon2_threads must be > 0")
	}
	return nil
}

func validKeyEnvironment(env string) bool {
	if env == "" || len(env) > 8 {
		return false
	}
	for _, c := range env {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

func validateAuth(cfg *Config) error {
	switch cfg.Auth.JWTAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("invalid auth.jwt_algorithm %q: must be HS256, HS384 or HS512", cfg.Auth.JWTAlgorithm)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	return nil
}

func validateWebhooks(cfg *Config) error {
	w := cfg.Webhooks
	if w.Workers < 1 {
		return fmt.Errorf("webhooks.workers must be >= 1")
	}
	if w.QueueSize < 1 {
		return fmt.Errorf("webhooks.queue_size must be >= 1")
	}
	if w.MaxAttempts < 1 {
		return fmt.Errorf("webhooks.max_attempts must be >= 1")
	}
	if w.MaxResponseBytes < 0 {
		return fmt.Errorf("webhooks.max_response_bytes must be >= 0")
	}
	return nil
}

func validateEvents(cfg *Config) error {
	ev := cfg.Events
	if !ev.Bus.Valid() {
		return fmt.Errorf("invalid events.bus %q: must be memory, kafka, or nats", ev.Bus)
	}
	if ev.BufferSize < 1 || ev.BatchSize < 1 {
		return fmt.Errorf("events.buffer_size and events.batch_size must be >= 1")
	}
	switch ev.Bus {
	case EventBusKafka:
		if len(ev.Kafka.Brokers) == 0 || ev.Kafka.Topic == "" {
			return fmt.Errorf("events.kafka.brokers and events.kafka.topic are required for the kafka bus")
		}
	case EventBusNATS:
		if ev.NATS.URL == "" || ev.NATS.Subject == "" {
			return fmt.Errorf("events.nats.url and events.nats.subject are required for the nats bus")
		}
		if _, err := url.Parse(ev.NATS.URL); err != nil {
			return fmt.Errorf("invalid events.nats.url %q: %w", ev.NATS.URL, err)
		}
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart lists the changed field paths that cannot be applied
// without restarting the process. An empty result means the new config
// can be hot-reloaded.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Server.TLS.Enabled != old.Server.TLS.Enabled {
		fields = append(fields, "server.tls.enabled")
	}
	if c.Server.TLS.HTTP3Enabled != old.Server.TLS.HTTP3Enabled {
		fields = append(fields, "server.tls.http3_enabled")
	}
	if c.Database.DSN != old.Database.DSN {
		fields = append(fields, "database.dsn")
	}
	if c.Redis.Mode != old.Redis.Mode || !slices.Equal(c.Redis.Endpoints, old.Redis.Endpoints) {
		fields = append(fields, "redis")
	}
	if c.Events.Bus != old.Events.Bus {
		fields = append(fields, "events.bus")
	}
	if c.Webhooks.Workers != old.Webhooks.Workers || c.Webhooks.QueueSize != old.Webhooks.QueueSize {
		fields = append(fields, "webhooks.workers")
	}
	return fields
}
