// Package server assembles the APIVerse gateway. The main server carries
// the metered proxy route and the management API; the admin server exposes
// health checks, readiness probes and Prometheus metrics.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/apiverse/apiverse/internal/apikey"
	"github.com/apiverse/apiverse/internal/auth"
	"github.com/apiverse/apiverse/internal/config"
	"github.com/apiverse/apiverse/internal/events"
	"github.com/apiverse/apiverse/internal/gateway"
	"github.com/apiverse/apiverse/internal/management"
	"github.com/apiverse/apiverse/internal/observability"
	"github.com/apiverse/apiverse/internal/proxy"
	"github.com/apiverse/apiverse/internal/ratelimit"
	"github.com/apiverse/apiverse/internal/redis"
	"github.com/apiverse/apiverse/internal/store"
	"github.com/apiverse/apiverse/internal/usage"
	"github.com/apiverse/apiverse/internal/webhook"
)

const startupPingTimeout = 2 * time.Second

// Option configures a Server.
type Option func(*Server)

// WithStore uses s instead of opening the configured database. The caller
// keeps ownership of s.
func WithStore(s *store.Store) Option {
	return func(srv *Server) { srv.store = s }
}

// WithLogLevel lets Reload change the level of the process logger.
func WithLogLevel(lvl *slog.LevelVar) Option {
	return func(srv *Server) { srv.logLevel = lvl }
}

// Server is the APIVerse gateway process.
type Server struct {
	mu      sync.Mutex
	cfg     *config.Config
	logger  *slog.Logger
	version string

	logLevel *slog.LevelVar

	mainServer  *http.Server
	http3Server *http3.Server // nil when HTTP/3 is disabled.
	adminServer *http.Server
	health      *observability.HealthChecker
	metrics     *observability.Metrics

	store      *store.Store
	ownsStore  bool
	guard      *ratelimit.Guard
	policies   *ratelimit.PolicyCache
	defaults   *gateway.PolicyDefaults
	keys       *apikey.Validator
	forwarder  *proxy.Forwarder
	bus        events.Bus
	emitter    *events.Emitter
	dispatcher *webhook.Dispatcher
	gateway    *gateway.Handler

	// consume scopes the dispatcher's bus subscription. It outlives the
	// HTTP servers so in-flight events are still fanned out while draining.
	consume       context.Context
	cancelConsume context.CancelFunc

	tracingShutdown func(context.Context) error
	certs           *certHolder // non-nil when TLS is enabled.
	closeOnce       sync.Once
}

// New wires every component from cfg. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger, version string, opts ...Option) (srv *Server, err error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		version: version,
		health:  observability.NewHealthChecker(),
		metrics: observability.NewMetrics(reg),
	}
	for _, o := range opts {
		o(s)
	}
	s.consume, s.cancelConsume = context.WithCancel(context.Background())

	defer func() {
		if err != nil {
			s.closeComponents()
		}
	}()

	redis.InitLogger(logger)
	if cfg.Redis.TLS.InsecureSkipVerify {
		logger.Warn("SECURITY WARNING: Redis TLS certificate verification is disabled")
	}

	if s.store == nil {
		s.store, err = store.Open(cfg.Database, store.Options{
			UpstreamURLs: proxy.NewURLPolicy(cfg.Proxy.URLPolicy),
			CallbackURLs: proxy.NewURLPolicy(cfg.Webhooks.URLPolicy),
		}, logger)
		if err != nil {
			return nil, err
		}
		s.ownsStore = true
	}

	if s.guard, err = buildGuard(cfg, s.metrics, logger); err != nil {
		return nil, err
	}
	s.defaults = gateway.NewPolicyDefaults(cfg.RateLimit)
	s.policies = ratelimit.NewPolicyCache(
		gateway.StorePolicyLoader(s.store, s.defaults),
		config.MustParseDuration(cfg.RateLimit.PolicyCacheTTL, 0),
	)
	s.keys = apikey.NewValidator(s.store, cfg.Keys, logger)

	if s.forwarder, err = buildForwarder(cfg, logger); err != nil {
		return nil, err
	}

	if s.bus, err = events.NewBus(cfg.Events, logger); err != nil {
		return nil, fmt.Errorf("create event bus: %w", err)
	}
	s.emitter = events.NewEmitter(s.bus, cfg.Events, s.metrics, logger)
	s.dispatcher = webhook.New(s.store, s.emitter, cfg.Webhooks, cfg.Events.Source, s.metrics, logger)

	authn, err := auth.NewJWTAuthenticator(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("create session authenticator: %w", err)
	}

	s.gateway = gateway.New(gateway.Deps{
		Keys:      s.keys,
		APIs:      s.store,
		Policies:  s.policies,
		Limiter:   s.guard,
		Forwarder: s.forwarder,
		Usage:     usage.NewRecorder(s.store, s.metrics, logger),
		Events:    s.dispatcher,
	}, cfg, s.metrics, logger)
	mgmt := management.New(management.Deps{
		Auth:     authn,
		Keys:     s.keys,
		Store:    s.store,
		Policies: s.policies,
		Defaults: s.defaults,
		Webhooks: s.dispatcher,
		Events:   s.dispatcher,
	}, cfg.Keys, logger)

	mux := http.NewServeMux()
	s.gateway.Register(mux)
	mgmt.Register(mux)

	s.health.SetPinger("database", s.store)
	s.health.SetPinger("redis", s.guard.Pinger())

	s.mainServer, s.http3Server = buildMainServer(cfg, mux, logger)
	s.adminServer = buildAdminServer(cfg, s.health, reg, logger)
	return s, nil
}

// buildGuard connects the Redis counter store. An unreachable Redis is not
// fatal: the guard starts in its failure policy and keeps probing.
func buildGuard(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) (*ratelimit.Guard, error) {
	if len(cfg.Redis.Endpoints) == 0 {
		logger.Warn("no redis endpoints configured, every decision follows the failure policy",
			"policy", cfg.RateLimit.FailurePolicy)
		return ratelimit.NewGuard(nil, cfg.RateLimit, metrics, logger), nil
	}

	client, err := redis.NewClientWithoutPing(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("create redis client: %w", err)
	}
	limiter := ratelimit.NewLimiter(client, cfg.RateLimit.KeyPrefix, logger)
	guard := ratelimit.NewGuard(limiter, cfg.RateLimit, metrics, logger)

	ctx, cancel := context.WithTimeout(context.Background(), startupPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		guard.MarkUnhealthy(err)
	}
	return guard, nil
}

func buildForwarder(cfg *config.Config, logger *slog.Logger) (*proxy.Forwarder, error) {
	var opts []proxy.Option
	if cfg.Proxy.TLSInsecureVerify {
		logger.Warn("SECURITY WARNING: upstream TLS certificate verification is DISABLED (tls_insecure_skip_verify=true)")
		opts = append(opts, proxy.WithBackendTLSInsecure())
	}
	if cfg.Proxy.HTTP3Upstreams {
		opts = append(opts, proxy.WithHTTP3())
	}
	fwd, err := proxy.New(cfg.Proxy, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("create forwarder: %w", err)
	}
	return fwd, nil
}

func buildMainServer(cfg *config.Config, handler http.Handler, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout := config.MustParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Server.WriteTimeout, 60*time.Second)
	idleTimeout := config.MustParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	mainHandler := h2c.NewHandler(handler, &http2.Server{})

	var h3srv *http3.Server
	if cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        handler,
			MaxHeaderBytes: 1 << 20,
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false,
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if err := h3srv.SetQUICHeaders(w.Header()); err != nil {
					logger.Debug("failed to set Alt-Svc header", "error", err)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}
	return srv, h3srv
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/startz", health.StartzHandler())
	mux.Handle("/healthz", health.HealthzHandler())
	mux.Handle("/readyz", health.ReadyzHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           mux,
		ReadTimeout:       config.MustParseDuration(cfg.Admin.ReadTimeout, 5*time.Second),
		WriteTimeout:      config.MustParseDuration(cfg.Admin.WriteTimeout, 10*time.Second),
		IdleTimeout:       config.MustParseDuration(cfg.Admin.IdleTimeout, 30*time.Second),
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
}

// certHolder swaps the serving certificate atomically.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

func (ch *certHolder) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

// tlsMinVersion defaults to TLS 1.2.
func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Run starts the dispatcher and both servers, and blocks until ctx is
// canceled. It then drains in order: HTTP servers, buffered events,
// queued webhook deliveries, and finally the stores.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	if err := s.dispatcher.Start(s.consume, s.bus); err != nil {
		s.closeComponents()
		return err
	}

	errCh := make(chan error, 3)
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServer(errCh, readyCh)
	if s.http3Server != nil {
		go s.startHTTP3Server(errCh)
	}

	s.health.SetStarted()

	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("apiverse is ready", "version", s.version)
	case srvErr := <-errCh:
		_ = s.shutdown()
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		_ = s.shutdown()
		return srvErr
	}
	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.adminServer.Addr)
	if err := s.adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServer(errCh chan<- error, readyCh chan struct{}) {
	cfg := s.config()
	s.logger.Info("gateway server starting",
		"address", s.mainServer.Addr,
		"tls", cfg.Server.TLS.Enabled,
		"http3", cfg.Server.TLS.HTTP3Enabled)

	ln, err := net.Listen("tcp", s.mainServer.Addr)
	if err != nil {
		errCh <- fmt.Errorf("gateway server listen: %w", err)
		return
	}

	if cfg.Server.TLS.Enabled {
		ch, certErr := newCertHolder(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		if certErr != nil {
			_ = ln.Close()
			errCh <- certErr
			return
		}
		s.mu.Lock()
		s.certs = ch
		s.mu.Unlock()

		tlsCfg := &tls.Config{
			MinVersion:     tlsMinVersion(cfg),
			GetCertificate: ch.GetCertificate,
			NextProtos:     []string{"h2", "http/1.1"},
		}
		s.mainServer.TLSConfig = tlsCfg
		if s.http3Server != nil {
			s.http3Server.TLSConfig = http3.ConfigureTLSConfig(tlsCfg)
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	close(readyCh)

	if err := s.mainServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("gateway server: %w", err)
	}
}

func (s *Server) startHTTP3Server(errCh chan<- error) {
	cfg := s.config()
	s.logger.Info("HTTP/3 (QUIC) server starting", "address", cfg.Server.Address)
	err := s.http3Server.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("HTTP/3 server: %w", err)
	}
}

func (s *Server) config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Reload applies the hot-reloadable sections of newCfg: rate-limit
// defaults and failure policy, proxy body limit, webhook settings, log
// level and TLS certificates. Changes that need a restart are logged and
// otherwise ignored.
func (s *Server) Reload(newCfg *config.Config) error {
	s.mu.Lock()
	old := s.cfg
	certs := s.certs
	s.cfg = newCfg
	s.mu.Unlock()

	if fields := newCfg.RequiresRestart(old); len(fields) > 0 {
		s.logger.Warn("config changes require a restart to take effect", "fields", fields)
	}

	s.gateway.Reload(newCfg)
	s.guard.Reload(newCfg.RateLimit)
	s.defaults.Reload(newCfg.RateLimit)
	s.dispatcher.Reload(newCfg.Webhooks)
	if s.logLevel != nil {
		s.logLevel.Set(observability.ParseLevel(newCfg.Logging.Level))
	}

	if certs != nil && newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		if err := certs.Reload(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile); err != nil {
			s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		} else {
			s.logger.Info("TLS certificates reloaded")
		}
	}

	s.logger.Info("configuration reloaded")
	return nil
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drain := config.MustParseDuration(s.config().Server.DrainTimeout, 30*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}
	if err := s.mainServer.Shutdown(ctx); err != nil {
		s.logger.Error("gateway server shutdown error", "error", err)
	}

	s.logger.Info("draining webhook work",
		"buffered_events", s.emitter.Pending(), "pending_deliveries", s.dispatcher.Pending())
	if err := s.emitter.Close(); err != nil {
		s.logger.Error("event emitter close error", "error", err)
	}
	s.cancelConsume()
	if err := s.bus.Close(); err != nil {
		s.logger.Error("event bus close error", "error", err)
	}
	if err := s.dispatcher.Close(ctx); err != nil {
		s.logger.Warn("webhook deliveries abandoned at shutdown", "pending_deliveries", s.dispatcher.Pending(), "error", err)
	}

	if err := s.adminServer.Shutdown(ctx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	s.closeComponents()

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// closeComponents releases whatever New managed to build. It runs once.
func (s *Server) closeComponents() {
	s.closeOnce.Do(s.releaseComponents)
}

func (s *Server) releaseComponents() {
	s.cancelConsume()
	if s.emitter != nil {
		_ = s.emitter.Close()
	}
	if s.bus != nil {
		_ = s.bus.Close()
	}
	if s.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.dispatcher.Close(ctx)
		cancel()
	}
	if s.guard != nil {
		if err := s.guard.Close(); err != nil {
			s.logger.Error("rate limiter close error", "error", err)
		}
	}
	if s.policies != nil {
		s.policies.Close()
	}
	if s.keys != nil {
		s.keys.Close()
	}
	if s.forwarder != nil {
		_ = s.forwarder.Close()
	}
	if s.ownsStore && s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}
}
