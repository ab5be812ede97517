// Package management serves the owner-facing API: key issuance, listing
// and revocation, per-API rate-limit policies, and webhook delivery
// history and manual retries. Every route requires a bearer session token.
package management

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/apiverse/apiverse/internal/apikey"
	"github.com/apiverse/apiverse/internal/auth"
	"github.com/apiverse/apiverse/internal/config"
	"github.com/apiverse/apiverse/internal/store"
	"github.com/apiverse/apiverse/internal/webhook"
)

const (
	maxBodyBytes  = 64 << 10
	minExpiryDays = 1
	maxExpiryDays = 365
	maxTierLen    = 32
)

// KeyService issues and revokes API keys.
type KeyService interface {
	Issue(ctx context.Context, ownerID uint, env string, expiresAt *time.Time) (apikey.Issued, error)
	Revoke(ctx context.Context, ownerID, keyID uint) (rec *store.APIKey, revoked bool, err error)
}

// Store is the persistence the management routes need.
type Store interface {
	APIKeysByOwner(ctx context.Context, ownerID uint) ([]store.APIKey, error)
	UpstreamAPIByID(ctx context.Context, id uint) (*store.UpstreamAPI, error)
	PolicyForAPI(ctx context.Context, apiID uint, def store.PolicyDefaults) (*store.RateLimitPolicy, error)
	SetPolicy(ctx context.Context, apiID uint, tier string, perHour, perDay int64) (*store.RateLimitPolicy, error)
	DeliveryByID(ctx context.Context, id string) (*store.WebhookDelivery, error)
	DeliveriesForSubscription(ctx context.Context, subID uint) ([]store.WebhookDelivery, error)
	SubscriptionByID(ctx context.Context, id uint) (*store.WebhookSubscription, error)
}

// PolicyCache forgets a memoized policy so the next proxied call reloads it.
type PolicyCache interface {
	Invalidate(apiID uint)
}

// PolicyDefaults seeds a policy read before one was ever set.
type PolicyDefaults interface {
	Load() store.PolicyDefaults
}

// Retrier re-attempts a failed webhook delivery.
type Retrier interface {
	Retry(ctx context.Context, deliveryID string) (*store.WebhookDelivery, error)
}

// Publisher emits events without blocking.
type Publisher interface {
	Publish(eventType store.EventType, apiID, ownerID uint, payload any)
}

type Deps struct {
	Auth     auth.Authenticator
	Keys     KeyService
	Store    Store
	Policies PolicyCache
	Defaults PolicyDefaults
	Webhooks Retrier
	Events   Publisher
}

type Handler struct {
	Deps
	defaultEnv string
	logger     *slog.Logger
	now        func() time.Time
}

func New(d Deps, cfg config.KeysConfig, logger *slog.Logger) *Handler {
	return &Handler{
		Deps:       d,
		defaultEnv: cfg.DefaultEnvironment,
		logger:     logger.With("component", "management"),
		now:        time.Now,
	}
}

// Register mounts the management routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/keys", h.authenticated(h.createKey))
	mux.HandleFunc("GET /v1/keys", h.authenticated(h.listKeys))
	mux.HandleFunc("DELETE /v1/keys/{id}", h.authenticated(h.revokeKey))
	mux.HandleFunc("GET /v1/rate-limits/{apiId}", h.authenticated(h.getPolicy))
	mux.HandleFunc("PUT /v1/rate-limits/{apiId}", h.authenticated(h.setPolicy))
	mux.HandleFunc("GET /v1/webhooks/subscriptions/{id}/deliveries", h.authenticated(h.listDeliveries))
	mux.HandleFunc("POST /v1/webhooks/deliveries/{id}/retry", h.authenticated(h.retryDelivery))
}

func (h *Handler) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "session token required")
			return
		}
		owner, err := h.Auth.Authenticate(r.Context(), token)
		if err != nil {
			if !errors.Is(err, auth.ErrUnauthenticated) {
				h.logger.Error("session authentication failed", "error", err)
			}
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid session token")
			return
		}
		next(w, r.WithContext(auth.WithOwner(r.Context(), owner)))
	}
}

type createKeyRequest struct {
	Environment   string `json:"environment"`
	ExpiresInDays *int   `json:"expires_in_days"`
}

type createKeyResponse struct {
	ID          uint       `json:"id"`
	Key         string     `json:"key"`
	Prefix      string     `json:"prefix"`
	Environment string     `json:"environment"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

type keyView struct {
	ID          uint       `json:"id"`
	Prefix      string     `json:"prefix"`
	Environment string     `json:"environment"`
	Active      bool       `json:"active"`
	ExpiresAt   *time.Time `json:"expires_at"`
	LastUsedAt  *time.Time `json:"last_used_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (h *Handler) createKey(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFrom(r.Context())

	var req createKeyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	env := strings.ToLower(strings.TrimSpace(req.Environment))
	if env == "" {
		env = h.defaultEnv
	}
	if !apikey.ValidEnvironment(env) {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "environment must be 1-8 lowercase letters or digits")
		return
	}

	var expiresAt *time.Time
	if req.ExpiresInDays != nil {
		days := *req.ExpiresInDays
		if days < minExpiryDays || days > maxExpiryDays {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "expires_in_days must be between 1 and 365")
			return
		}
		t := h.now().UTC().Add(time.Duration(days) * 24 * time.Hour)
		expiresAt = &t
	}

	issued, err := h.Keys.Issue(r.Context(), owner, env, expiresAt)
	if err != nil {
		h.logger.Error("key issuance failed", "owner_id", owner, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "could not create key")
		return
	}

	rec := issued.Record
	h.Events.Publish(store.EventAPIKeyCreated, 0, owner, map[string]any{
		"key_id":      rec.ID,
		"key_prefix":  rec.Prefix,
		"environment": rec.Environment,
		"user_id":     owner,
	})
	h.logger.Info("api key created", "owner_id", owner, "key_id", rec.ID, "prefix", rec.Prefix)

	writeJSON(w, http.StatusCreated, createKeyResponse{
		ID:          rec.ID,
		Key:         issued.Key,
		Prefix:      rec.Prefix,
		Environment: rec.Environment,
		ExpiresAt:   rec.ExpiresAt,
	})
}

func (h *Handler) listKeys(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFrom(r.Context())

	keys, err := h.Store.APIKeysByOwner(r.Context(), owner)
	if err != nil {
		h.logger.Error("key listing failed", "owner_id", owner, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "could not list keys")
		return
	}
	out := make([]keyView, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyView{
			ID:          k.ID,
			Prefix:      k.Prefix,
			Environment: k.Environment,
			Active:      k.Active,
			ExpiresAt:   k.ExpiresAt,
			LastUsedAt:  k.LastUsedAt,
			CreatedAt:   k.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) revokeKey(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFrom(r.Context())

	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeJSONError(w, http.StatusNotFound, "not_found", "key not found")
		return
	}
	rec, revoked, err := h.Keys.Revoke(r.Context(), owner, uint(id))
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "not_found", "key not found")
		return
	}
	if err != nil {
		h.logger.Error("key revocation failed", "owner_id", owner, "key_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "could not revoke key")
		return
	}
	if !revoked {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.Events.Publish(store.EventAPIKeyRevoked, 0, owner, map[string]any{
		"key_id":  rec.ID,
		"user_id": owner,
	})
	h.logger.Info("api key revoked", "owner_id", owner, "key_id", rec.ID)
	w.WriteHeader(http.StatusNoContent)
}

type policyRequest struct {
	Tier            *string `json:"tier"`
	RequestsPerHour *int64  `json:"requests_per_hour"`
	RequestsPerDay  *int64  `json:"requests_per_day"`
}

type policyView struct {
	APIID           uint      `json:"api_id"`
	Tier            string    `json:"tier"`
	RequestsPerHour int64     `json:"requests_per_hour"`
	RequestsPerDay  int64     `json:"requests_per_day"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func newPolicyView(p *store.RateLimitPolicy) policyView {
	return policyView{
		APIID:           p.APIID,
		Tier:            p.Tier,
		RequestsPerHour: p.PerHour,
		RequestsPerDay:  p.PerDay,
		UpdatedAt:       p.UpdatedAt,
	}
}

func (h *Handler) getPolicy(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFrom(r.Context())
	api, ok := h.ownedAPI(w, r, owner)
	if !ok {
		return
	}

	p, err := h.Store.PolicyForAPI(r.Context(), api.ID, h.Defaults.Load())
	if err != nil {
		h.logger.Error("policy lookup failed", "api_id", api.ID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "could not load rate limit")
		return
	}
	writeJSON(w, http.StatusOK, newPolicyView(p))
}

// setPolicy replaces the fields present in the body and keeps the rest.
func (h *Handler) setPolicy(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFrom(r.Context())
	api, ok := h.ownedAPI(w, r, owner)
	if !ok {
		return
	}

	var req policyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	cur, err := h.Store.PolicyForAPI(r.Context(), api.ID, h.Defaults.Load())
	if err != nil {
		h.logger.Error("policy lookup failed", "api_id", api.ID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "could not load rate limit")
		return
	}
	tier, perHour, perDay := cur.Tier, cur.PerHour, cur.PerDay
	if req.Tier != nil {
		tier = strings.TrimSpace(*req.Tier)
	}
	if req.RequestsPerHour != nil {
		perHour = *req.RequestsPerHour
	}
	if req.RequestsPerDay != nil {
		perDay = *req.RequestsPerDay
	}
	if tier == "" || len(tier) > maxTierLen {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "tier must be 1-32 characters")
		return
	}
	if perHour <= 0 || perDay <= 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "requests_per_hour and requests_per_day must be positive")
		return
	}

	p, err := h.Store.SetPolicy(r.Context(), api.ID, tier, perHour, perDay)
	if err != nil {
		h.logger.Error("policy update failed", "api_id", api.ID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "could not update rate limit")
		return
	}
	h.Policies.Invalidate(api.ID)
	h.logger.Info("rate limit updated", "owner_id", owner, "api_id", api.ID,
		"tier", p.Tier, "per_hour", p.PerHour, "per_day", p.PerDay)
	writeJSON(w, http.StatusOK, newPolicyView(p))
}

// ownedAPI answers 404 unless the {apiId} path value names an API owned by
// owner.
func (h *Handler) ownedAPI(w http.ResponseWriter, r *http.Request, owner uint) (*store.UpstreamAPI, bool) {
	id, err := strconv.ParseUint(r.PathValue("apiId"), 10, 64)
	if err != nil || id == 0 {
		writeJSONError(w, http.StatusNotFound, "not_found", "API not found")
		return nil, false
	}
	api, err := h.Store.UpstreamAPIByID(r.Context(), uint(id))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("API lookup failed", "api_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "could not load API")
		return nil, false
	}
	if err != nil || api.OwnerID != owner {
		writeJSONError(w, http.StatusNotFound, "not_found", "API not found")
		return nil, false
	}
	return api, true
}

type deliveryView struct {
	ID             string               `json:"id"`
	SubscriptionID uint                 `json:"subscription_id"`
	EventType      store.EventType      `json:"event_type"`
	Status         store.DeliveryStatus `json:"status"`
	AttemptCount   int                  `json:"attempt_count"`
	ResponseCode   *int                 `json:"response_code"`
	ResponseBody   string               `json:"response_body"`
	CreatedAt      time.Time            `json:"created_at"`
	DeliveredAt    *time.Time           `json:"delivered_at"`
}

func newDeliveryView(d *store.WebhookDelivery) deliveryView {
	return deliveryView{
		ID:             d.ID,
		SubscriptionID: d.SubscriptionID,
		EventType:      d.EventType,
		Status:         d.Status,
		AttemptCount:   d.AttemptCount,
		ResponseCode:   d.ResponseCode,
		ResponseBody:   d.ResponseBody,
		CreatedAt:      d.CreatedAt,
		DeliveredAt:    d.DeliveredAt,
	}
}

// listDeliveries returns a subscription's delivery history, newest first.
func (h *Handler) listDeliveries(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFrom(r.Context())

	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeJSONError(w, http.StatusNotFound, "not_found", "subscription not found")
		return
	}
	sub, err := h.Store.SubscriptionByID(r.Context(), uint(id))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("subscription lookup failed", "subscription_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "could not load subscription")
		return
	}
	if err != nil || sub.OwnerID != owner {
		writeJSONError(w, http.StatusNotFound, "not_found", "subscription not found")
		return
	}

	ds, err := h.Store.DeliveriesForSubscription(r.Context(), sub.ID)
	if err != nil {
		h.logger.Error("delivery listing failed", "subscription_id", sub.ID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "could not list deliveries")
		return
	}
	out := make([]deliveryView, 0, len(ds))
	for i := range ds {
		out = append(out, newDeliveryView(&ds[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) retryDelivery(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFrom(r.Context())
	id := r.PathValue("id")

	if !h.ownsDelivery(w, r, owner, id) {
		return
	}

	dlv, err := h.Webhooks.Retry(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, webhook.ErrNotRetryable):
		writeJSONError(w, http.StatusConflict, "not_retryable", "only failed deliveries can be retried")
		return
	case errors.Is(err, webhook.ErrSubscriptionInactive):
		writeJSONError(w, http.StatusConflict, "subscription_inactive", "subscription is inactive")
		return
	case errors.Is(err, store.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", "delivery not found")
		return
	default:
		h.logger.Error("delivery retry failed", "delivery_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "could not retry delivery")
		return
	}

	writeJSON(w, http.StatusOK, newDeliveryView(dlv))
}

// ownsDelivery answers 404 unless the delivery belongs to a subscription
// of owner.
func (h *Handler) ownsDelivery(w http.ResponseWriter, r *http.Request, owner uint, id string) bool {
	dlv, err := h.Store.DeliveryByID(r.Context(), id)
	if err == nil {
		var sub *store.WebhookSubscription
		sub, err = h.Store.SubscriptionByID(r.Context(), dlv.SubscriptionID)
		if err == nil && sub.OwnerID == owner {
			return true
		}
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("delivery lookup failed", "delivery_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "could not load delivery")
		return false
	}
	writeJSONError(w, http.StatusNotFound, "not_found", "delivery not found")
	return false
}

// decodeBody reads an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.New("malformed JSON body")
	}
	return nil
}

type jsonErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSONError(w http.ResponseWriter, code int, errType, message string) {
	writeJSON(w, code, jsonErrorResponse{Error: errType, Message: message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
