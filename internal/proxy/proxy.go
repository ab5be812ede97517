// Package proxy forwards metered calls to upstream APIs and validates the
// upstream and callback URLs that may be registered.
//
// Transport selection:
//   - http upstreams: pooled HTTP/1.1
//   - https upstreams: HTTP/1.1 or HTTP/2 negotiated by ALPN, with h2
//     health pings; HTTP/3 when enabled
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quic-go/quic-go/http3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/net/http2"

	"github.com/apiverse/apiverse/internal/config"
	"github.com/apiverse/apiverse/internal/credential"
)

var (
	// ErrUpstreamTimeout means the upstream did not answer within the
	// forwarding timeout.
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrUpstreamUnreachable covers every other transport failure.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	// ErrClientCanceled means the caller went away before the upstream
	// answered. No status applies.
	ErrClientCanceled = errors.New("client canceled")
	// ErrRequestTooLarge means reading the caller's body hit the gateway's
	// body limit while it was being forwarded.
	ErrRequestTooLarge = errors.New("request body too large")
)

// StatusClientClosedRequest is logged for ErrClientCanceled. It is never
// written to a client or recorded.
const StatusClientClosedRequest = 499

// Request is one call to forward.
type Request struct {
	Method string
	// BaseURL is the upstream's registered base URL.
	BaseURL string
	// Path is the escaped remainder after the gateway route prefix.
	Path string
	// RawQuery is appended verbatim.
	RawQuery string
	Header   http.Header
	Body     io.Reader
	// ContentLength is the caller's declared body length. A positive value
	// is forwarded as Content-Length; -1 means unknown and the body is
	// sent chunked.
	ContentLength int64
	Descriptor    credential.Descriptor
}

// Response is the upstream's answer. Body must be closed.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// Duration runs from just before dispatch until response headers arrive.
	Duration time.Duration
}

// Option configures optional forwarder behavior.
type Option func(*Forwarder)

// WithBackendTLSInsecure skips upstream certificate verification. Only for
// trusted upstreams in controlled environments.
func WithBackendTLSInsecure() Option {
	return func(f *Forwarder) {
		f.tlsInsecure = true
	}
}

// WithHTTP3 forwards https calls over HTTP/3.
func WithHTTP3() Option {
	return func(f *Forwarder) {
		f.useHTTP3 = true
	}
}

// Forwarder sends requests to upstream APIs.
type Forwarder struct {
	transport   *protocolAwareTransport
	timeout     time.Duration
	logger      *slog.Logger
	tlsInsecure bool
	useHTTP3    bool
}

// New creates a forwarder from the proxy config section.
func New(cfg config.ProxyConfig, logger *slog.Logger, opts ...Option) (*Forwarder, error) {
	f := &Forwarder{
		timeout: config.MustParseDuration(cfg.Timeout, 30*time.Second),
		logger:  logger.With("component", "proxy"),
	}
	if cfg.TLSInsecureVerify {
		opts = append(opts, WithBackendTLSInsecure())
	}
	if cfg.HTTP3Upstreams {
		opts = append(opts, WithHTTP3())
	}
	for _, o := range opts {
		o(f)
	}

	idleTimeout := config.MustParseDuration(cfg.IdleConnTimeout, 90*time.Second)
	t, err := buildTransports(cfg.Transport, f.timeout, cfg.MaxIdleConns, idleTimeout, f.tlsInsecure)
	if err != nil {
		return nil, err
	}
	if !f.useHTTP3 {
		t.http3 = nil
	}
	f.transport = t
	return f, nil
}

func buildTransports(
	cfg config.TransportConfig,
	responseTimeout time.Duration,
	maxIdleConns int,
	idleConnTimeout time.Duration,
	insecure bool,
) (*protocolAwareTransport, error) {
	dialTimeout := config.MustParseDuration(cfg.DialTimeout, 10*time.Second)
	dialKeepAlive := config.MustParseDuration(cfg.DialKeepAlive, 30*time.Second)
	tlsHandshakeTimeout := config.MustParseDuration(cfg.TLSHandshakeTimeout, 10*time.Second)
	expectContinueTimeout := config.MustParseDuration(cfg.ExpectContinueTimeout, time.Second)
	h2ReadIdleTimeout := config.MustParseDuration(cfg.H2ReadIdleTimeout, 30*time.Second)
	h2PingTimeout := config.MustParseDuration(cfg.H2PingTimeout, 15*time.Second)

	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecure, //nolint:gosec // Configurable per-deployment choice.
	}

	h1 := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: dialKeepAlive,
		}).DialContext,
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConns,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
		ResponseHeaderTimeout: responseTimeout,
		ForceAttemptHTTP2:     true,
	}

	// Registers h2 on h1 for ALPN and exposes the h2 side for ping tuning.
	h2, err := http2.ConfigureTransports(h1)
	if err != nil {
		return nil, fmt.Errorf("configure http2 transport: %w", err)
	}
	h2.ReadIdleTimeout = h2ReadIdleTimeout
	h2.PingTimeout = h2PingTimeout

	h3 := &http3.Transport{
		TLSClientConfig: tlsCfg.Clone(),
	}

	return &protocolAwareTransport{http1: h1, http3: h3}, nil
}

// Forward sends req upstream. On success the caller owns resp.Body. The
// forwarding timeout covers the whole exchange including the body read.
func (f *Forwarder) Forward(ctx context.Context, req Request) (*Response, error) {
	target, err := joinTarget(req.BaseURL, req.Path, req.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, f.timeout)

	body := req.Body
	if body == http.NoBody {
		body = nil
	}
	out, err := http.NewRequestWithContext(callCtx, req.Method, target.String(), body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	if body != nil && req.ContentLength > 0 {
		out.ContentLength = req.ContentLength
	}
	out.Header = outboundHeader(req.Header)
	credential.Inject(out.Header, req.Descriptor)
	otel.GetTextMapPropagator().Inject(callCtx, propagation.HeaderCarrier(out.Header))

	start := time.Now()
	resp, err := f.transport.RoundTrip(out)
	elapsed := time.Since(start)
	if err != nil {
		cancel()
		return nil, f.classify(ctx, callCtx, err, req, elapsed)
	}

	stripResponseHeaders(resp.Header)
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
		Duration:   elapsed,
	}, nil
}

// classify maps a transport error to one of the package sentinels.
func (f *Forwarder) classify(parent, call context.Context, err error, req Request, elapsed time.Duration) error {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		f.logger.Debug("request body exceeded limit while forwarding",
			"method", req.Method, "path", req.Path, "limit", tooLarge.Limit)
		return fmt.Errorf("%w: %v", ErrRequestTooLarge, err)
	case errors.Is(parent.Err(), context.Canceled):
		f.logger.Debug("client canceled upstream call",
			"method", req.Method, "path", req.Path, "status", StatusClientClosedRequest, "elapsed", elapsed)
		return fmt.Errorf("%w: %v", ErrClientCanceled, err)
	case errors.Is(call.Err(), context.DeadlineExceeded) || isTimeout(err):
		f.logger.Warn("upstream timeout", "method", req.Method, "base_url", req.BaseURL, "elapsed", elapsed)
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	default:
		f.logger.Warn("upstream unreachable", "method", req.Method, "base_url", req.BaseURL, "error", err)
		return fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Close releases idle upstream connections.
func (f *Forwarder) Close() error {
	f.transport.http1.CloseIdleConnections()
	if f.transport.http3 != nil {
		return f.transport.http3.Close()
	}
	return nil
}

// cancelOnClose releases the call context once the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// ---------------------------------------------------------------------------
// Protocol-aware transport
// ---------------------------------------------------------------------------

// protocolAwareTransport sends https calls over HTTP/3 when configured and
// everything else over the pooled HTTP/1.1 transport, which upgrades to
// HTTP/2 by ALPN.
type protocolAwareTransport struct {
	http1 *http.Transport
	http3 *http3.Transport
}

func (t *protocolAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.http3 != nil && req.URL.Scheme == "https" {
		return t.http3.RoundTrip(req)
	}
	return t.http1.RoundTrip(req)
}

// ---------------------------------------------------------------------------
// Headers and URLs
// ---------------------------------------------------------------------------

// hopHeaders are connection-scoped and never forwarded (RFC 9110 7.6.1).
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// outboundHeader copies the inbound headers minus the caller's gateway key,
// Host, hop-by-hop headers and Accept-Encoding. The transport negotiates
// compression itself and hands back a decoded body.
func outboundHeader(in http.Header) http.Header {
	h := in.Clone()
	if h == nil {
		h = make(http.Header)
	}
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
	h.Del("Host")
	h.Del("Content-Length")
	h.Del("Accept-Encoding")
	h.Del(credential.DefaultAPIKeyHeader)
	return h
}

// strippedResponseHeaders describe the upstream connection's framing, not
// the relayed body.
var strippedResponseHeaders = []string{
	"Content-Length",
	"Content-Encoding",
	"Transfer-Encoding",
	"Connection",
}

func stripResponseHeaders(h http.Header) {
	for _, name := range strippedResponseHeaders {
		h.Del(name)
	}
}

// joinTarget joins base and path with exactly one slash and appends rawQuery.
func joinTarget(base, path, rawQuery string) (*url.URL, error) {
	joined := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	u, err := url.Parse(joined)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url %q: %w", joined, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("upstream url %q is not absolute", joined)
	}
	switch {
	case rawQuery == "":
	case u.RawQuery == "":
		u.RawQuery = rawQuery
	default:
		u.RawQuery += "&" + rawQuery
	}
	return u, nil
}
