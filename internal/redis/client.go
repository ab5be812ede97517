// Package redis builds the go-redis client backing the shared window
// counters. Single-instance, sentinel and cluster topologies are supported.
// The Client interface is limited to what the rate limiter needs so tests
// can point it at miniredis or a stub.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/apiverse/apiverse/internal/config"
	goredis "github.com/redis/go-redis/v9"
)

type slogRedisLogger struct {
	logger *slog.Logger
}

func (l *slogRedisLogger) Printf(ctx context.Context, format string, v ...any) {
	l.logger.WarnContext(ctx, fmt.Sprintf(format, v...), "component", "go-redis")
}

// InitLogger routes go-redis internal logging (pool errors, failover
// notices) to logger. Call once before creating clients.
func InitLogger(logger *slog.Logger) {
	goredis.SetLogger(&slogRedisLogger{logger: logger})
}

// Client is the subset of go-redis used by the gateway. *goredis.Client,
// *goredis.ClusterClient and the sentinel failover client all satisfy it.
type Client interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) *goredis.Cmd
	EvalSha(ctx context.Context, sha1 string, keys []string, args ...any) *goredis.Cmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// Retries are left to the caller: -1 disables go-redis command retries so
// an outage surfaces immediately and the limiter's failure policy decides.
const (
	defaultMaxRetries      = -1
	defaultMinRetryBackoff = 100 * time.Millisecond
	defaultMaxRetryBackoff = 2 * time.Second
	connectPingTimeout     = 5 * time.Second
)

// NewClient creates the client for the configured topology and verifies
// connectivity with a Ping.
func NewClient(cfg config.RedisConfig) (Client, error) {
	return newClient(cfg, true)
}

// NewClientWithoutPing creates a client without checking connectivity.
// go-redis connects lazily, so the client becomes usable once Redis is.
func NewClientWithoutPing(cfg config.RedisConfig) (Client, error) {
	return newClient(cfg, false)
}

func newClient(cfg config.RedisConfig, ping bool) (Client, error) {
	opts, err := parseOptions(cfg)
	if err != nil {
		return nil, err
	}

	var c Client
	var label string

	switch opts.mode {
	case config.RedisModeSingle:
		c = goredis.NewClient(opts.singleOptions())
		label = fmt.Sprintf("single: connect to %s", opts.endpoints[0])
	case config.RedisModeSentinel:
		c = goredis.NewFailoverClient(opts.failoverOptions())
		label = fmt.Sprintf("sentinel: connect via %v for master %q", opts.endpoints, opts.masterName)
	case config.RedisModeCluster:
		c = goredis.NewClusterClient(opts.clusterOptions())
		label = fmt.Sprintf("cluster: connect to seeds %v", opts.endpoints)
	default:
		return nil, fmt.Errorf("unknown redis mode: %s", opts.mode)
	}

	if ping {
		ctx, cancel := context.WithTimeout(context.Background(), connectPingTimeout)
		defer cancel()
		if err := c.Ping(ctx).Err(); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("%s: %w", label, err)
		}
	}
	return c, nil
}

// Pinger adapts a Client to the error-returning Ping used by health checks.
type Pinger struct {
	Client Client
}

func (p Pinger) Ping(ctx context.Context) error {
	return p.Client.Ping(ctx).Err()
}

// IsNoScriptErr reports whether err is a NOSCRIPT reply.
func IsNoScriptErr(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}

// IsConnectivityErr reports whether err means Redis could not be reached
// (refused, reset, timeout, cluster down). context.Canceled is not one:
// it means the caller went away.
func IsConnectivityErr(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, goredis.ErrClosed) {
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := err.Error()
	for _, s := range []string{
		"connection refused", "connection reset", "broken pipe",
		"EOF", "no such host", "no route to host",
		"network is unreachable", "i/o timeout",
		"CLUSTERDOWN", "LOADING",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

type options struct {
	endpoints        []string
	mode             config.RedisMode
	masterName       string
	username         string
	password         string
	db               int
	poolSize         int
	dialTimeout      time.Duration
	readTimeout      time.Duration
	writeTimeout     time.Duration
	tls              *tls.Config
	sentinelUsername string
	sentinelPassword string
}

func (o *options) singleOptions() *goredis.Options {
	return &goredis.Options{
		Addr:            o.endpoints[0],
		Username:        o.username,
		Password:        o.password,
		DB:              o.db,
		PoolSize:        o.poolSize,
		DialTimeout:     o.dialTimeout,
		ReadTimeout:     o.readTimeout,
		WriteTimeout:    o.writeTimeout,
		MaxRetries:      defaultMaxRetries,
		MinRetryBackoff: defaultMinRetryBackoff,
		MaxRetryBackoff: defaultMaxRetryBackoff,
		TLSConfig:       o.tls,
	}
}

func (o *options) failoverOptions() *goredis.FailoverOptions {
	return &goredis.FailoverOptions{
		MasterName:       o.masterName,
		SentinelAddrs:    o.endpoints,
		SentinelUsername: o.sentinelUsername,
		SentinelPassword: o.sentinelPassword,
		Username:         o.username,
		Password:         o.password,
		DB:               o.db,
		PoolSize:         o.poolSize,
		DialTimeout:      o.dialTimeout,
		ReadTimeout:      o.readTimeout,
		WriteTimeout:     o.writeTimeout,
		MaxRetries:       defaultMaxRetries,
		MinRetryBackoff:  defaultMinRetryBackoff,
		MaxRetryBackoff:  defaultMaxRetryBackoff,
		TLSConfig:        o.tls,
	}
}

func (o *options) clusterOptions() *goredis.ClusterOptions {
	return &goredis.ClusterOptions{
		Addrs:           o.endpoints,
		Username:        o.username,
		Password:        o.password,
		PoolSize:        o.poolSize,
		DialTimeout:     o.dialTimeout,
		ReadTimeout:     o.readTimeout,
		WriteTimeout:    o.writeTimeout,
		MaxRetries:      defaultMaxRetries,
		MinRetryBackoff: defaultMinRetryBackoff,
		MaxRetryBackoff: defaultMaxRetryBackoff,
		TLSConfig:       o.tls,
	}
}

func parseOptions(cfg config.RedisConfig) (*options, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("redis: no endpoints configured")
	}
	mode := cfg.Mode
	if mode == "" {
		mode = config.RedisModeSingle
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	dialTimeout, err := config.ParseDuration(cfg.DialTimeout, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}
	readTimeout, err := config.ParseDuration(cfg.ReadTimeout, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}
	writeTimeout, err := config.ParseDuration(cfg.WriteTimeout, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	return &options{
		endpoints:        cfg.Endpoints,
		mode:             mode,
		masterName:       cfg.MasterName,
		username:         cfg.Username,
		password:         cfg.Password.Value(),
		db:               cfg.DB,
		poolSize:         poolSize,
		dialTimeout:      dialTimeout,
		readTimeout:      readTimeout,
		writeTimeout:     writeTimeout,
		tls:              tlsConfig(cfg.TLS),
		sentinelUsername: cfg.SentinelUsername,
		sentinelPassword: cfg.SentinelPassword.Value(),
	}, nil
}

// tlsConfig returns nil when TLS is disabled.
func tlsConfig(c config.RedisTLSConfig) *tls.Config {
	if !c.Enabled {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // Configurable per-deployment choice.
	}
}
