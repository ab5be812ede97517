// Package webhook delivers signed event notifications to subscriber
// callback URLs. Events arrive from the event bus, are matched against
// active subscriptions and delivered on a bounded worker pool.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/apiverse/apiverse/internal/config"
	"github.com/apiverse/apiverse/internal/events"
	"github.com/apiverse/apiverse/internal/observability"
	"github.com/apiverse/apiverse/internal/store"
)

// Request headers set on every delivery.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
)

const (
	updateTimeout = 5 * time.Second
	drainLimit    = 64 << 10
)

var (
	// ErrNotRetryable is returned by Retry for deliveries that are not in
	// the failed state or are already being retried.
	ErrNotRetryable = errors.New("webhook: delivery is not retryable")
	// ErrSubscriptionInactive is returned by Retry when the subscription
	// was deactivated after the original attempt.
	ErrSubscriptionInactive = errors.New("webhook: subscription inactive")
)

// Store is the persistence the dispatcher needs.
type Store interface {
	ActiveSubscriptions(ctx context.Context, eventType store.EventType, apiID, ownerID uint) ([]store.WebhookSubscription, error)
	SubscriptionByID(ctx context.Context, id uint) (*store.WebhookSubscription, error)
	CreateDelivery(ctx context.Context, d *store.WebhookDelivery) error
	UpdateDelivery(ctx context.Context, d *store.WebhookDelivery) error
	DeliveryByID(ctx context.Context, id string) (*store.WebhookDelivery, error)
}

type settings struct {
	timeout          time.Duration
	maxResponseBytes int
	maxAttempts      int
	retryBase        time.Duration
	retryMax         time.Duration
}

func newSettings(cfg config.WebhooksConfig) *settings {
	s := &settings{
		timeout:          config.MustParseDuration(cfg.Timeout, 10*time.Second),
		maxResponseBytes: cfg.MaxResponseBytes,
		maxAttempts:      max(cfg.MaxAttempts, 1),
		retryBase:        config.MustParseDuration(cfg.RetryBaseDelay, time.Second),
		retryMax:         config.MustParseDuration(cfg.RetryMaxDelay, time.Minute),
	}
	if s.maxResponseBytes <= 0 {
		s.maxResponseBytes = 1000
	}
	return s
}

// task is one unit of pool work: a first delivery of event to sub, or,
// when deliveryID is set, an automatic retry of that delivery.
type task struct {
	sub        store.WebhookSubscription
	event      events.Event
	deliveryID string
}

// Dispatcher publishes events and delivers them to subscribers.
type Dispatcher struct {
	store   Store
	emitter *events.Emitter
	source  string
	client  *http.Client
	pool    *Pool[task]
	metrics *observability.Metrics
	logger  *slog.Logger

	settings atomic.Pointer[settings]
	now      func() time.Time
	newID    func() string

	inflight sync.Map

	retryMu sync.Mutex
	retries map[string]*time.Timer
	closed  bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the client used for callbacks. Its Timeout is
// ignored in favor of the configured per-attempt timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// New builds a dispatcher and starts its worker pool. emitter carries
// published events to the bus; Start subscribes the fan-out to it.
func New(s Store, emitter *events.Emitter, cfg config.WebhooksConfig, source string, metrics *observability.Metrics, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:   s,
		emitter: emitter,
		source:  source,
		client: &http.Client{
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
			// Callbacks are not followed across redirects; the 3xx is the
			// recorded outcome.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		metrics: metrics,
		logger:  logger.With("component", "webhook"),
		now:     time.Now,
		newID:   uuid.NewString,
		retries: make(map[string]*time.Timer),
	}
	d.settings.Store(newSettings(cfg))
	for _, opt := range opts {
		opt(d)
	}
	d.pool = NewPool(cfg.Workers, cfg.QueueSize, d.process)
	return d
}

// Reload applies new delivery settings. Worker and queue sizes require a
// restart.
func (d *Dispatcher) Reload(cfg config.WebhooksConfig) {
	d.settings.Store(newSettings(cfg))
}

// Start subscribes the fan-out to bus. Events are consumed until ctx is
// canceled or the bus is closed.
func (d *Dispatcher) Start(ctx context.Context, bus events.Bus) error {
	if err := bus.Subscribe(ctx, d.fanOut); err != nil {
		return fmt.Errorf("subscribe dispatcher: %w", err)
	}
	return nil
}

// Publish submits an event without blocking. Failures are logged and
// counted, never returned.
func (d *Dispatcher) Publish(eventType store.EventType, apiID, ownerID uint, payload any) {
	ev, err := events.New(d.source, eventType, apiID, ownerID, payload)
	if err != nil {
		d.metrics.IncPublishErrors()
		d.logger.Error("failed to build event", "event_type", eventType, "error", err)
		return
	}
	d.emitter.Emit(ev)
}

// fanOut submits one delivery task per matching active subscription.
func (d *Dispatcher) fanOut(ctx context.Context, ev events.Event) {
	subs, err := d.store.ActiveSubscriptions(ctx, ev.Type, ev.APIID, ev.OwnerID)
	if err != nil {
		d.logger.Error("failed to load subscriptions",
			"event_id", ev.ID, "event_type", ev.Type, "error", err)
		return
	}
	for _, sub := range subs {
		d.submit(task{sub: sub, event: ev})
	}
}

func (d *Dispatcher) submit(t task) {
	if err := d.pool.Submit(t); err != nil {
		d.metrics.IncWebhooksDropped()
		d.logger.Warn("dropping webhook task",
			"subscription_id", t.sub.ID, "delivery_id", t.deliveryID, "error", err)
	}
}

func (d *Dispatcher) process(ctx context.Context, t task) {
	var (
		dlv *store.WebhookDelivery
		err error
	)
	if t.deliveryID != "" {
		dlv, err = d.Retry(ctx, t.deliveryID)
	} else {
		dlv, err = d.Deliver(ctx, t.sub, t.event.Type, t.event.Payload)
	}
	if err != nil {
		d.logger.Warn("webhook task failed",
			"subscription_id", t.sub.ID, "delivery_id", t.deliveryID, "error", err)
		return
	}
	d.scheduleRetry(t.sub, dlv)
}

// Deliver records a pending delivery of payload to sub, makes one
// attempt and persists the outcome. A failed attempt is reported through
// the returned delivery's status; err is non-nil only when the delivery
// could not be recorded.
func (d *Dispatcher) Deliver(ctx context.Context, sub store.WebhookSubscription, eventType store.EventType, payload json.RawMessage) (*store.WebhookDelivery, error) {
	body, err := canonical(payload)
	if err != nil {
		return nil, err
	}

	dlv := &store.WebhookDelivery{
		ID:             d.newID(),
		SubscriptionID: sub.ID,
		EventType:      eventType,
		Payload:        datatypes.JSON(body),
		Status:         store.DeliveryPending,
		CreatedAt:      d.now().UTC(),
	}
	if err := d.store.CreateDelivery(ctx, dlv); err != nil {
		return nil, fmt.Errorf("create delivery: %w", err)
	}

	d.attempt(ctx, sub, dlv, body)
	return dlv, d.persist(ctx, dlv)
}

// Retry makes one further attempt for a failed delivery.
func (d *Dispatcher) Retry(ctx context.Context, deliveryID string) (*store.WebhookDelivery, error) {
	if _, busy := d.inflight.LoadOrStore(deliveryID, struct{}{}); busy {
		return nil, ErrNotRetryable
	}
	defer d.inflight.Delete(deliveryID)

	dlv, err := d.store.DeliveryByID(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if dlv.Status != store.DeliveryFailed {
		return nil, ErrNotRetryable
	}
	sub, err := d.store.SubscriptionByID(ctx, dlv.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.Active {
		return nil, ErrSubscriptionInactive
	}

	d.attempt(ctx, *sub, dlv, []byte(dlv.Payload))
	return dlv, d.persist(ctx, dlv)
}

// attempt POSTs body to sub and records the outcome on dlv.
func (d *Dispatcher) attempt(ctx context.Context, sub store.WebhookSubscription, dlv *store.WebhookDelivery, body []byte) {
	s := d.settings.Load()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	dlv.AttemptCount++
	start := d.now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.CallbackURL, bytes.NewReader(body))
	if err != nil {
		d.fail(dlv, nil, err.Error(), s)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(dlv.EventType))
	req.Header.Set(HeaderDelivery, dlv.ID)
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(sub.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.fail(dlv, nil, err.Error(), s)
		d.logger.Warn("webhook delivery failed",
			"delivery_id", dlv.ID, "subscription_id", sub.ID, "attempt", dlv.AttemptCount, "error", err)
		return
	}
	defer func() {
		_, _ = io.CopyN(io.Discard, resp.Body, drainLimit)
		_ = resp.Body.Close()
	}()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, int64(s.maxResponseBytes)))
	code := resp.StatusCode

	if code >= http.StatusBadRequest {
		d.fail(dlv, &code, string(respBody), s)
		d.logger.Warn("webhook delivery rejected",
			"delivery_id", dlv.ID, "subscription_id", sub.ID, "attempt", dlv.AttemptCount, "status", code)
		return
	}

	delivered := d.now().UTC()
	dlv.Status = store.DeliveryDelivered
	dlv.ResponseCode = &code
	dlv.ResponseBody = truncate(string(respBody), s.maxResponseBytes)
	dlv.DeliveredAt = &delivered
	d.metrics.ObserveWebhook(true)
	d.logger.Debug("webhook delivered",
		"delivery_id", dlv.ID, "subscription_id", sub.ID, "status", code,
		"duration_ms", delivered.Sub(start).Milliseconds())
}

func (d *Dispatcher) fail(dlv *store.WebhookDelivery, code *int, detail string, s *settings) {
	dlv.Status = store.DeliveryFailed
	dlv.ResponseCode = code
	dlv.ResponseBody = truncate(detail, s.maxResponseBytes)
	dlv.DeliveredAt = nil
	d.metrics.ObserveWebhook(false)
}

// persist writes the outcome even if the attempt's caller has gone away.
func (d *Dispatcher) persist(ctx context.Context, dlv *store.WebhookDelivery) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), updateTimeout)
	defer cancel()
	if err := d.store.UpdateDelivery(ctx, dlv); err != nil {
		return fmt.Errorf("update delivery %s: %w", dlv.ID, err)
	}
	return nil
}

// scheduleRetry arms a backoff timer for a failed delivery that has
// attempts left.
func (d *Dispatcher) scheduleRetry(sub store.WebhookSubscription, dlv *store.WebhookDelivery) {
	s := d.settings.Load()
	if dlv.Status != store.DeliveryFailed || dlv.AttemptCount >= s.maxAttempts {
		return
	}

	d.retryMu.Lock()
	defer d.retryMu.Unlock()
	if d.closed {
		return
	}
	if _, ok := d.retries[dlv.ID]; ok {
		return
	}

	id := dlv.ID
	delay := backoff(dlv.AttemptCount, s.retryBase, s.retryMax)
	d.retries[id] = time.AfterFunc(delay, func() {
		d.retryMu.Lock()
		delete(d.retries, id)
		closed := d.closed
		d.retryMu.Unlock()
		if closed {
			return
		}
		d.submit(task{sub: sub, deliveryID: id})
	})
	d.logger.Debug("webhook retry scheduled",
		"delivery_id", id, "attempt", dlv.AttemptCount+1, "delay", delay)
}

// Pending reports queued tasks plus armed retry timers.
func (d *Dispatcher) Pending() int {
	d.retryMu.Lock()
	n := len(d.retries)
	d.retryMu.Unlock()
	return n + d.pool.Len()
}

// Close cancels pending automatic retries, stops intake and drains the
// queue until ctx ends. Close the emitter and bus first so their last
// events still reach the pool.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.retryMu.Lock()
	d.closed = true
	for id, t := range d.retries {
		t.Stop()
		delete(d.retries, id)
	}
	d.retryMu.Unlock()

	return d.pool.Close(ctx)
}

// backoff returns base*2^(attempt-1) capped at maxDelay, with ±20% jitter.
func backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	delay = min(delay, maxDelay)
	return time.Duration(float64(delay) * (0.8 + rand.Float64()*0.4))
}

// canonical returns the compact JSON encoding of payload.
func canonical(payload json.RawMessage) ([]byte, error) {
	if len(payload) == 0 {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return nil, fmt.Errorf("webhook payload: %w", err)
	}
	return buf.Bytes(), nil
}

// truncate cuts s to at most n bytes and drops invalid UTF-8, including
// a rune split by the cut.
func truncate(s string, n int) string {
	if len(s) > n {
		s = s[:n]
	}
	return strings.ToValidUTF8(s, "")
}
