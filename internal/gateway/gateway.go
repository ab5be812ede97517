// Package gateway serves the metered proxy route. Each call runs through
// key verification, upstream resolution, rate limiting and forwarding;
// every outcome decided after the upstream is known is metered.
package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/apiverse/apiverse/internal/apikey"
	"github.com/apiverse/apiverse/internal/config"
	"github.com/apiverse/apiverse/internal/observability"
	"github.com/apiverse/apiverse/internal/proxy"
	"github.com/apiverse/apiverse/internal/ratelimit"
	"github.com/apiverse/apiverse/internal/store"
	"github.com/apiverse/apiverse/internal/usage"
)

var tracer = otel.Tracer("apiverse.gateway")

// RoutePrefix is the path prefix of the proxy route.
const RoutePrefix = "/proxy/"

// APIKeyHeader carries the caller's gateway key. It is never forwarded.
const APIKeyHeader = "X-API-Key"

// KeyVerifier resolves a raw API key to its identity.
type KeyVerifier interface {
	Verify(ctx context.Context, rawKey string) (apikey.Identity, error)
}

// APIResolver loads upstream API registrations.
type APIResolver interface {
	UpstreamAPIByID(ctx context.Context, id uint) (*store.UpstreamAPI, error)
}

// PolicySource returns the quota for an API, creating it when absent.
type PolicySource interface {
	Get(ctx context.Context, apiID uint) (ratelimit.Policy, error)
}

// Limiter admits or rejects one call.
type Limiter interface {
	CheckAndIncrement(ctx context.Context, apiID, keyID uint, p ratelimit.Policy) (ratelimit.Decision, error)
}

// Forwarder sends the call upstream.
type Forwarder interface {
	Forward(ctx context.Context, req proxy.Request) (*proxy.Response, error)
}

// Recorder meters one call. It must not fail the response.
type Recorder interface {
	Record(ctx context.Context, e usage.Entry)
}

// Publisher emits events without blocking.
type Publisher interface {
	Publish(eventType store.EventType, apiID, ownerID uint, payload any)
}

// Deps are the collaborators of a Handler.
type Deps struct {
	Keys      KeyVerifier
	APIs      APIResolver
	Policies  PolicySource
	Limiter   Limiter
	Forwarder Forwarder
	Usage     Recorder
	Events    Publisher
}

// Handler serves ANY /proxy/{apiId}/{path...}.
type Handler struct {
	Deps
	metrics *observability.Metrics
	logger  *slog.Logger

	maxBody  atomic.Int64
	fallback atomic.Pointer[ratelimit.Policy]
}

func New(d Deps, cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) *Handler {
	h := &Handler{
		Deps:    d,
		metrics: metrics,
		logger:  logger.With("component", "gateway"),
	}
	h.Reload(cfg)
	return h
}

// Reload applies the hot-reloadable settings of cfg.
func (h *Handler) Reload(cfg *config.Config) {
	h.maxBody.Store(cfg.Proxy.MaxRequestBodySize)
	h.fallback.Store(&ratelimit.Policy{
		Tier:    cfg.RateLimit.DefaultTier,
		PerHour: cfg.RateLimit.DefaultPerHour,
		PerDay:  cfg.RateLimit.DefaultPerDay,
	})
}

// Register mounts the proxy route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle(RoutePrefix+"{apiId}", h)
	mux.Handle(RoutePrefix+"{apiId}/{path...}", h)
}

// call is the metering context of one request once its upstream is known.
type call struct {
	api      *store.UpstreamAPI
	keyID    uint
	endpoint string
	method   string
	reqID    string
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r = r.WithContext(otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header)))

	reqID := r.Header.Get(requestIDHeader)
	if !validRequestID(reqID) {
		reqID = generateRequestID()
		r.Header.Set(requestIDHeader, reqID)
	}
	w.Header().Set(requestIDHeader, reqID)

	if limit := h.maxBody.Load(); limit > 0 {
		if r.ContentLength > limit {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large", 0)
			return
		}
		if r.Body != nil && r.Body != http.NoBody {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
	}

	ident, ok := h.verifyKey(w, r)
	if !ok {
		return
	}

	rawAPIID, escapedPath, _ := splitRoute(r.URL.EscapedPath())
	api, ok := h.resolveAPI(w, r, rawAPIID, ident)
	if !ok {
		return
	}

	c := &call{
		api:      api,
		keyID:    ident.KeyID,
		endpoint: "/" + r.PathValue("path"),
		method:   r.Method,
		reqID:    reqID,
	}

	if !api.Active {
		h.record(r.Context(), c, http.StatusForbidden, 0)
		writeJSONError(w, http.StatusForbidden, "api_inactive", "API is inactive", 0)
		return
	}

	decision, ok := h.checkLimit(w, r, c)
	if !ok {
		return
	}

	h.forward(w, r, c, escapedPath, decision)
}

func (h *Handler) verifyKey(w http.ResponseWriter, r *http.Request) (apikey.Identity, bool) {
	ctx, span := tracer.Start(r.Context(), "apiverse.verify_key")
	defer span.End()

	raw := r.Header.Get(APIKeyHeader)
	if raw == "" {
		h.metrics.IncKeyRejected("missing")
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "API key is required", 0)
		return apikey.Identity{}, false
	}

	ident, err := h.Keys.Verify(ctx, raw)
	switch {
	case err == nil:
		span.SetAttributes(attribute.Int64("apikey.id", int64(ident.KeyID)))
		return ident, true
	case errors.Is(err, apikey.ErrExpiredKey):
		h.metrics.IncKeyRejected("expired")
	case errors.Is(err, apikey.ErrRevokedKey):
		h.metrics.IncKeyRejected("revoked")
	case errors.Is(err, apikey.ErrInvalidKey):
		h.metrics.IncKeyRejected("invalid")
	default:
		span.SetStatus(codes.Error, err.Error())
		h.logger.Error("key verification failed", "request_id", r.Header.Get(requestIDHeader), "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "key verification unavailable", 0)
		return apikey.Identity{}, false
	}
	writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired API key", 0)
	return apikey.Identity{}, false
}

// resolveAPI answers 404 for unknown APIs and for APIs the key's owner
// does not own, so foreign ids are indistinguishable from missing ones.
func (h *Handler) resolveAPI(w http.ResponseWriter, r *http.Request, rawID string, ident apikey.Identity) (*store.UpstreamAPI, bool) {
	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil || id == 0 {
		writeJSONError(w, http.StatusNotFound, "not_found", "API not found", 0)
		return nil, false
	}

	api, err := h.APIs.UpstreamAPIByID(r.Context(), uint(id))
	if errors.Is(err, store.ErrNotFound) || (err == nil && api.OwnerID != ident.OwnerID) {
		h.logger.Debug("api not found or not owned", "api_id", id, "owner_id", ident.OwnerID)
		writeJSONError(w, http.StatusNotFound, "not_found", "API not found", 0)
		return nil, false
	}
	if err != nil {
		h.logger.Error("api lookup failed", "api_id", id, "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "API lookup unavailable", 0)
		return nil, false
	}
	return api, true
}

func (h *Handler) checkLimit(w http.ResponseWriter, r *http.Request, c *call) (ratelimit.Decision, bool) {
	ctx, span := tracer.Start(r.Context(), "apiverse.rate_limit")
	defer span.End()

	policy, err := h.Policies.Get(ctx, c.api.ID)
	if err != nil {
		policy = *h.fallback.Load()
		h.logger.Warn("policy lookup failed, using defaults", "api_id", c.api.ID, "error", err)
	}

	d, err := h.Limiter.CheckAndIncrement(ctx, c.api.ID, c.keyID, policy)
	if err != nil {
		if ctx.Err() != nil {
			return d, false
		}
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "shutting down", 0)
		return d, false
	}
	span.SetAttributes(
		attribute.Bool("rate_limit.allowed", d.Allowed),
		attribute.Bool("rate_limit.degraded", d.Degraded),
		attribute.Int64("rate_limit.remaining_hour", d.RemainingHour),
	)

	setRateLimitHeaders(w, d)
	if d.Allowed {
		return d, true
	}

	h.record(r.Context(), c, http.StatusTooManyRequests, 0)
	h.Events.Publish(store.EventAPIRateLimit, c.api.ID, c.api.OwnerID, rateLimitPayload(c, d))
	h.logger.Info("rate limit exceeded", "api_id", c.api.ID, "key_id", c.keyID, "request_id", c.reqID)
	serveRateLimited(w, d)
	return d, false
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request, c *call, escapedPath string, d ratelimit.Decision) {
	ctx, span := tracer.Start(r.Context(), "apiverse.forward")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("api.id", int64(c.api.ID)),
		attribute.String("http.method", c.method),
	)

	desc, err := c.api.Descriptor()
	if err != nil {
		h.logger.Error("unusable upstream credentials", "api_id", c.api.ID, "error", err)
		h.fail(w, r, c, http.StatusBadGateway, 0, "bad_gateway", "Failed to connect to upstream API")
		return
	}

	start := time.Now()
	resp, err := h.Forwarder.Forward(ctx, proxy.Request{
		Method:        r.Method,
		BaseURL:       c.api.BaseURL,
		Path:          escapedPath,
		RawQuery:      r.URL.RawQuery,
		Header:        r.Header,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Descriptor:    desc,
	})
	if err != nil {
		elapsed := time.Since(start)
		span.SetStatus(codes.Error, err.Error())
		switch {
		case errors.Is(err, proxy.ErrClientCanceled):
			h.logger.Info("client closed request", "status", 499, "api_id", c.api.ID, "key_id", c.keyID, "request_id", c.reqID)
			return
		case errors.Is(err, proxy.ErrRequestTooLarge):
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large", 0)
			return
		case errors.Is(err, proxy.ErrUpstreamTimeout):
			h.fail(w, r, c, http.StatusGatewayTimeout, elapsed, "gateway_timeout", "Upstream API timeout")
		default:
			h.fail(w, r, c, http.StatusBadGateway, elapsed, "bad_gateway", "Failed to connect to upstream API")
		}
		return
	}
	defer resp.Body.Close()

	dst := w.Header()
	for k, vv := range resp.Header {
		if k == requestIDHeader {
			continue
		}
		if _, ours := rateLimitHeaders[k]; ours && d.HasLimits() {
			continue
		}
		dst[k] = vv
	}

	// Metered once the upstream status is known, before the body is relayed.
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	h.record(r.Context(), c, resp.StatusCode, resp.Duration)
	payload := callPayload(c, resp.StatusCode, resp.Duration, "")
	if resp.StatusCode >= http.StatusInternalServerError {
		h.Events.Publish(store.EventAPIError, c.api.ID, c.api.OwnerID, payload)
	}
	h.Events.Publish(store.EventAPIRequest, c.api.ID, c.api.OwnerID, payload)

	w.WriteHeader(resp.StatusCode)
	if err := copyBody(w, resp); err != nil {
		h.logger.Debug("response body copy interrupted", "api_id", c.api.ID, "request_id", c.reqID, "error", err)
	}
}

// fail answers with a synthetic gateway status, meters it and emits
// api.error.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, c *call, status int, elapsed time.Duration, errType, message string) {
	h.record(r.Context(), c, status, elapsed)
	h.Events.Publish(store.EventAPIError, c.api.ID, c.api.OwnerID, callPayload(c, status, elapsed, errType))
	writeJSONError(w, status, errType, message, 0)
}

func (h *Handler) record(ctx context.Context, c *call, status int, d time.Duration) {
	h.metrics.ObserveUpstream(c.method, status, d)
	h.Usage.Record(ctx, usage.Entry{
		APIID:      c.api.ID,
		KeyID:      c.keyID,
		Endpoint:   c.endpoint,
		Method:     c.method,
		StatusCode: status,
		Duration:   d,
	})
}

// copyBody streams the upstream body, flushing after every chunk for
// event streams.
func copyBody(w http.ResponseWriter, resp *proxy.Response) error {
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		_, err := io.Copy(w, resp.Body)
		return err
	}
	rc := http.NewResponseController(w)
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			_ = rc.Flush()
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// splitRoute returns the api id segment and the escaped remainder of a
// /proxy/{apiId}/{path...} request path.
func splitRoute(escaped string) (apiID, rest string, ok bool) {
	tail, ok := strings.CutPrefix(escaped, RoutePrefix)
	if !ok {
		return "", "", false
	}
	apiID, rest, _ = strings.Cut(tail, "/")
	return apiID, rest, true
}

func callPayload(c *call, status int, d time.Duration, errType string) map[string]any {
	p := map[string]any{
		"api_id":           c.api.ID,
		"key_id":           c.keyID,
		"endpoint":         c.endpoint,
		"method":           c.method,
		"status_code":      status,
		"response_time_ms": d.Milliseconds(),
		"request_id":       c.reqID,
	}
	if errType != "" {
		p["error"] = errType
	}
	return p
}

func rateLimitPayload(c *call, d ratelimit.Decision) map[string]any {
	return map[string]any{
		"api_id":         c.api.ID,
		"key_id":         c.keyID,
		"endpoint":       c.endpoint,
		"method":         c.method,
		"limit_hour":     d.LimitHour,
		"remaining_hour": d.RemainingHour,
		"reset_hour":     d.ResetHour.Unix(),
		"limit_day":      d.LimitDay,
		"remaining_day":  d.RemainingDay,
		"reset_day":      d.ResetDay.Unix(),
		"retry_after":    int64(d.RetryAfter / time.Second),
		"request_id":     c.reqID,
	}
}
