package management

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiverse/apiverse/internal/apikey"
	"github.com/apiverse/apiverse/internal/auth"
	"github.com/apiverse/apiverse/internal/config"
	"github.com/apiverse/apiverse/internal/credential"
	"github.com/apiverse/apiverse/internal/events"
	"github.com/apiverse/apiverse/internal/gateway"
	"github.com/apiverse/apiverse/internal/observability"
	"github.com/apiverse/apiverse/internal/ratelimit"
	"github.com/apiverse/apiverse/internal/store"
	"github.com/apiverse/apiverse/internal/store/storetest"
	"github.com/apiverse/apiverse/internal/webhook"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type published struct {
	typ     store.EventType
	apiID   uint
	ownerID uint
	payload map[string]any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(typ store.EventType, apiID, ownerID uint, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, _ := payload.(map[string]any)
	p.events = append(p.events, published{typ: typ, apiID: apiID, ownerID: ownerID, payload: m})
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

type testEnv struct {
	store      *store.Store
	keys       *apikey.Validator
	dispatcher *webhook.Dispatcher
	auth       *auth.JWTAuthenticator
	policies   *ratelimit.PolicyCache
	events     *recordingPublisher
	server     *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	s := storetest.New(t)

	keys := apikey.NewValidator(s, config.KeysConfig{Argon2Time: 1, Argon2MemoryKiB: 8, Argon2Threads: 1}, logger)
	t.Cleanup(keys.Close)

	authn, err := auth.NewJWTAuthenticator(config.AuthConfig{JWTSecret: "s3cret", JWTAlgorithm: "HS256"})
	require.NoError(t, err)

	bus := events.NewMemoryBus()
	emitter := events.NewEmitter(bus, config.EventsConfig{BatchSize: 1, BufferSize: 16, FlushInterval: "10ms"}, metrics, logger)
	d := webhook.New(s, emitter, config.WebhooksConfig{
		Timeout:          "2s",
		MaxResponseBytes: 1000,
		Workers:          1,
		QueueSize:        4,
		MaxAttempts:      1,
		RetryBaseDelay:   "10ms",
		RetryMaxDelay:    "10ms",
	}, "test", metrics, logger)
	t.Cleanup(func() {
		_ = emitter.Close()
		_ = bus.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})

	defaults := gateway.NewPolicyDefaults(config.Defaults().RateLimit)
	policies := ratelimit.NewPolicyCache(gateway.StorePolicyLoader(s, defaults), time.Hour)
	t.Cleanup(policies.Close)

	pub := &recordingPublisher{}
	h := New(Deps{
		Auth:     authn,
		Keys:     keys,
		Store:    s,
		Policies: policies,
		Defaults: defaults,
		Webhooks: d,
		Events:   pub,
	}, config.KeysConfig{DefaultEnvironment: "live"}, logger)
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{store: s, keys: keys, dispatcher: d, auth: authn, policies: policies, events: pub, server: srv}
}

func (e *testEnv) token(t *testing.T, owner uint) string {
	t.Helper()
	tok, err := e.auth.Issue(owner, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestRequiresSessionToken(t *testing.T) {
	env := newTestEnv(t)

	for _, tc := range []struct {
		name, method, path, token string
	}{
		{"no token on create", http.MethodPost, "/v1/keys", ""},
		{"bad token on list", http.MethodGet, "/v1/keys", "nope"},
		{"bad token on revoke", http.MethodDelete, "/v1/keys/1", "nope"},
		{"no token on retry", http.MethodPost, "/v1/webhooks/deliveries/x/retry", ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, tc.method, tc.path, tc.token, nil)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			body := decode[jsonErrorResponse](t, resp)
			assert.Equal(t, "unauthorized", body.Error)
		})
	}
}

func TestCreateKey(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, 5)

	resp := env.do(t, http.MethodPost, "/v1/keys", tok, map[string]any{"environment": "test", "expires_in_days": 30})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	got := decode[createKeyResponse](t, resp)

	assert.NotZero(t, got.ID)
	assert.True(t, strings.HasPrefix(got.Key, "apv_test_"))
	assert.Equal(t, got.Key[:apikey.PrefixLength], got.Prefix)
	assert.Equal(t, "test", got.Environment)
	require.NotNil(t, got.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), *got.ExpiresAt, time.Minute)

	ident, err := env.keys.Verify(context.Background(), got.Key)
	require.NoError(t, err)
	assert.Equal(t, uint(5), ident.OwnerID)

	evs := env.events.all()
	require.Len(t, evs, 1)
	assert.Equal(t, store.EventAPIKeyCreated, evs[0].typ)
	assert.Equal(t, uint(0), evs[0].apiID)
	assert.Equal(t, uint(5), evs[0].ownerID)
	assert.Equal(t, got.Prefix, evs[0].payload["key_prefix"])
	assert.NotContains(t, evs[0].payload, "key")
}

func TestCreateKeyDefaults(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/keys", env.token(t, 1), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	got := decode[createKeyResponse](t, resp)
	assert.Equal(t, "live", got.Environment)
	assert.Nil(t, got.ExpiresAt)
}

func TestCreateKeyValidation(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, 1)

	for _, tc := range []struct {
		name string
		body any
	}{
		{"zero days", map[string]any{"expires_in_days": 0}},
		{"too many days", map[string]any{"expires_in_days": 366}},
		{"bad environment", map[string]any{"environment": "prod_eu"}},
		{"long environment", map[string]any{"environment": "staging01"}},
		{"malformed", "not an object"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/v1/keys", tok, tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Empty(t, env.events.all())
}

func TestListKeys(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.keys.Issue(ctx, 1, "live", nil)
	require.NoError(t, err)
	_, err = env.keys.Issue(ctx, 1, "test", nil)
	require.NoError(t, err)
	_, err = env.keys.Issue(ctx, 2, "live", nil)
	require.NoError(t, err)

	resp := env.do(t, http.MethodGet, "/v1/keys", env.token(t, 1), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "key_hash")
	assert.NotContains(t, string(raw), "argon2")

	var keys []keyView
	require.NoError(t, json.Unmarshal(raw, &keys))
	require.Len(t, keys, 2)
	assert.Equal(t, "live", keys[0].Environment)
	assert.Equal(t, "test", keys[1].Environment)
	assert.True(t, keys[0].Active)
}

func TestRevokeKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	issued, err := env.keys.Issue(ctx, 1, "live", nil)
	require.NoError(t, err)
	path := "/v1/keys/" + strconv.FormatUint(uint64(issued.Record.ID), 10)

	resp := env.do(t, http.MethodDelete, path, env.token(t, 2), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "foreign key")

	resp = env.do(t, http.MethodDelete, "/v1/keys/abc", env.token(t, 1), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, path, env.token(t, 1), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err = env.keys.Verify(ctx, issued.Key)
	assert.ErrorIs(t, err, apikey.ErrRevokedKey)

	resp = env.do(t, http.MethodDelete, path, env.token(t, 1), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode, "revoking twice is idempotent")

	evs := env.events.all()
	require.Len(t, evs, 1, "only the first revocation emits an event")
	assert.Equal(t, store.EventAPIKeyRevoked, evs[0].typ)
	assert.Equal(t, uint(1), evs[0].ownerID)
	assert.EqualValues(t, issued.Record.ID, evs[0].payload["key_id"])
}

func TestRetryDelivery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var healthy atomic.Bool
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			_, _ = io.WriteString(w, "thanks")
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer callback.Close()

	sub := store.WebhookSubscription{OwnerID: 1, EventType: store.EventAPIRequest, CallbackURL: callback.URL}
	require.NoError(t, env.store.CreateSubscription(ctx, &sub))
	dlv, err := env.dispatcher.Deliver(ctx, sub, store.EventAPIRequest, json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	require.Equal(t, store.DeliveryFailed, dlv.Status)
	path := "/v1/webhooks/deliveries/" + dlv.ID + "/retry"

	resp := env.do(t, http.MethodPost, path, env.token(t, 2), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "foreign delivery")

	resp = env.do(t, http.MethodPost, "/v1/webhooks/deliveries/missing/retry", env.token(t, 1), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	healthy.Store(true)
	resp = env.do(t, http.MethodPost, path, env.token(t, 1), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[deliveryView](t, resp)
	assert.Equal(t, store.DeliveryDelivered, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	require.NotNil(t, got.ResponseCode)
	assert.Equal(t, http.StatusOK, *got.ResponseCode)
	assert.Equal(t, "thanks", got.ResponseBody)

	resp = env.do(t, http.MethodPost, path, env.token(t, 1), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "already delivered")
	assert.Equal(t, "not_retryable", decode[jsonErrorResponse](t, resp).Error)
}

func TestRateLimitPolicy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	api, err := env.store.CreateUpstreamAPI(ctx, 1, "weather", "https://api.weather.test", credential.None())
	require.NoError(t, err)
	path := "/v1/rate-limits/" + strconv.FormatUint(uint64(api.ID), 10)

	t.Run("owner only", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, path, env.token(t, 2), nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp = env.do(t, http.MethodPut, path, env.token(t, 2), map[string]any{"requests_per_hour": 1})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp = env.do(t, http.MethodGet, "/v1/rate-limits/999", env.token(t, 1), nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp = env.do(t, http.MethodGet, "/v1/rate-limits/abc", env.token(t, 1), nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	resp := env.do(t, http.MethodGet, path, env.token(t, 1), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[policyView](t, resp)
	assert.Equal(t, api.ID, got.APIID)
	assert.Equal(t, "standard", got.Tier)
	assert.EqualValues(t, 1000, got.RequestsPerHour)
	assert.EqualValues(t, 10000, got.RequestsPerDay)

	cached, err := env.policies.Get(ctx, api.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, cached.PerHour)

	resp = env.do(t, http.MethodPut, path, env.token(t, 1), map[string]any{"tier": "premium", "requests_per_hour": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got = decode[policyView](t, resp)
	assert.Equal(t, "premium", got.Tier)
	assert.EqualValues(t, 5, got.RequestsPerHour)
	assert.EqualValues(t, 10000, got.RequestsPerDay, "omitted fields keep their value")

	cached, err = env.policies.Get(ctx, api.ID)
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Policy{Tier: "premium", PerHour: 5, PerDay: 10000}, cached,
		"the next proxied call sees the new quota")

	t.Run("validation", func(t *testing.T) {
		for name, body := range map[string]map[string]any{
			"zero per hour":     {"requests_per_hour": 0},
			"negative per day":  {"requests_per_day": -1},
			"empty tier":        {"tier": " "},
			"tier too long":     {"tier": strings.Repeat("t", 33)},
			"wrong value types": {"requests_per_hour": "lots"},
		} {
			resp := env.do(t, http.MethodPut, path, env.token(t, 1), body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
		}
		p, err := env.store.PolicyForAPI(ctx, api.ID, store.PolicyDefaults{})
		require.NoError(t, err)
		assert.EqualValues(t, 5, p.PerHour, "rejected updates change nothing")
	})
}

func TestListDeliveries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer callback.Close()

	sub := store.WebhookSubscription{OwnerID: 1, EventType: store.EventAPIRequest, CallbackURL: callback.URL}
	require.NoError(t, env.store.CreateSubscription(ctx, &sub))
	first, err := env.dispatcher.Deliver(ctx, sub, store.EventAPIRequest, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	second, err := env.dispatcher.Deliver(ctx, sub, store.EventAPIRequest, json.RawMessage(`{"n":2}`))
	require.NoError(t, err)
	path := "/v1/webhooks/subscriptions/" + strconv.FormatUint(uint64(sub.ID), 10) + "/deliveries"

	resp := env.do(t, http.MethodGet, path, env.token(t, 2), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "foreign subscription")
	resp = env.do(t, http.MethodGet, "/v1/webhooks/subscriptions/999/deliveries", env.token(t, 1), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, path, env.token(t, 1), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[[]deliveryView](t, resp)
	require.Len(t, got, 2)
	ids := []string{got[0].ID, got[1].ID}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)
	for _, d := range got {
		assert.Equal(t, store.DeliveryDelivered, d.Status)
		assert.Equal(t, "ok", d.ResponseBody)
	}
}
