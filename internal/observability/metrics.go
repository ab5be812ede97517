// Package observability provides Prometheus metrics, health endpoints,
// structured logging and OpenTelemetry tracing for the gateway.
package observability

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "apiverse"

// Metrics holds Prometheus collectors plus atomic mirrors of the counters
// that tests and the admin snapshot read without scraping.
type Metrics struct {
	allowed           int64
	limited           int64
	redisErrors       int64
	fallbackUsed      int64
	passthrough       int64
	keyRejected       int64
	usageWriteErrors  int64
	webhooksDelivered int64
	webhooksFailed    int64
	webhooksDropped   int64
	eventsDropped     int64
	publishErrors     int64

	promAllowed          prometheus.Counter
	promLimited          prometheus.Counter
	promRedisErrors      prometheus.Counter
	promFallbackUsed     prometheus.Counter
	promPassthrough      prometheus.Counter
	promKeyRejected      *prometheus.CounterVec
	promUsageWriteErrors prometheus.Counter
	promWebhooks         *prometheus.CounterVec
	promWebhooksDropped  prometheus.Counter
	promEventsDropped    prometheus.Counter
	promPublishErrors    prometheus.Counter

	PromUpstreamDuration *prometheus.HistogramVec

	// Remaining hourly quota after each allowed request. A histogram keeps
	// cardinality flat regardless of how many keys exist.
	PromRLRemaining prometheus.Histogram
}

// NewMetrics creates and registers the gateway collectors on reg, or on
// the default registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		promAllowed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_allowed_total",
			Help:      "Requests admitted by the per-key rate limiter.",
		}),
		promLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_limited_total",
			Help:      "Requests rejected because a window quota was exhausted.",
		}),
		promRedisErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_errors_total",
			Help:      "Counter store errors seen by the rate limiter.",
		}),
		promFallbackUsed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_fallback_total",
			Help:      "Rate-limit decisions served by the in-memory fallback.",
		}),
		promPassthrough: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_passthrough_total",
			Help:      "Requests admitted without a counter store (fail open).",
		}),
		promKeyRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "apikey_rejected_total",
			Help:      "API key verification failures by reason.",
		}, []string{"reason"}),
		promUsageWriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_write_errors_total",
			Help:      "Usage records that could not be persisted.",
		}),
		promWebhooks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by terminal status.",
		}, []string{"status"}),
		promWebhooksDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_tasks_dropped_total",
			Help:      "Dispatcher tasks dropped because the queue was full or closed.",
		}),
		promEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events evicted from the publish buffer before reaching the bus.",
		}),
		promPublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_errors_total",
			Help:      "Events that could not be handed to the event bus.",
		}),
		PromUpstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Wall-clock time of proxied upstream calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
		PromRLRemaining: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ratelimit_remaining_hour",
			Help:      "Distribution of remaining hourly quota after admitted requests.",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 250, 500, 1000, 5000},
		}),
	}
}

func (m *Metrics) IncAllowed() {
	atomic.AddInt64(&m.allowed, 1)
	m.promAllowed.Inc()
}

func (m *Metrics) IncLimited() {
	atomic.AddInt64(&m.limited, 1)
	m.promLimited.Inc()
}

func (m *Metrics) IncRedisErrors() {
	atomic.AddInt64(&m.redisErrors, 1)
	m.promRedisErrors.Inc()
}

func (m *Metrics) IncFallbackUsed() {
	atomic.AddInt64(&m.fallbackUsed, 1)
	m.promFallbackUsed.Inc()
}

func (m *Metrics) IncPassthrough() {
	atomic.AddInt64(&m.passthrough, 1)
	m.promPassthrough.Inc()
}

// IncKeyRejected counts a failed key verification. reason is one of a
// small fixed set (invalid, expired, revoked).
func (m *Metrics) IncKeyRejected(reason string) {
	atomic.AddInt64(&m.keyRejected, 1)
	m.promKeyRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncUsageWriteErrors() {
	atomic.AddInt64(&m.usageWriteErrors, 1)
	m.promUsageWriteErrors.Inc()
}

// ObserveWebhook records the terminal status of one delivery attempt.
func (m *Metrics) ObserveWebhook(delivered bool) {
	if delivered {
		atomic.AddInt64(&m.webhooksDelivered, 1)
		m.promWebhooks.WithLabelValues("delivered").Inc()
		return
	}
	atomic.AddInt64(&m.webhooksFailed, 1)
	m.promWebhooks.WithLabelValues("failed").Inc()
}

func (m *Metrics) IncWebhooksDropped() {
	atomic.AddInt64(&m.webhooksDropped, 1)
	m.promWebhooksDropped.Inc()
}

func (m *Metrics) IncEventsDropped() {
	atomic.AddInt64(&m.eventsDropped, 1)
	m.promEventsDropped.Inc()
}

func (m *Metrics) IncPublishErrors() {
	atomic.AddInt64(&m.publishErrors, 1)
	m.promPublishErrors.Inc()
}

// ObserveUpstream records a proxied call's duration under its final status.
func (m *Metrics) ObserveUpstream(method string, status int, d time.Duration) {
	m.PromUpstreamDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(d.Seconds())
}

func (m *Metrics) ObserveRemaining(remaining int64) {
	m.PromRLRemaining.Observe(float64(remaining))
}

// MetricsSnapshot is a point-in-time copy of the atomic counters.
type MetricsSnapshot struct {
	Allowed           int64
	Limited           int64
	RedisErrors       int64
	FallbackUsed      int64
	Passthrough       int64
	KeyRejected       int64
	UsageWriteErrors  int64
	WebhooksDelivered int64
	WebhooksFailed    int64
	WebhooksDropped   int64
	EventsDropped     int64
	PublishErrors     int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Allowed:           atomic.LoadInt64(&m.allowed),
		Limited:           atomic.LoadInt64(&m.limited),
		RedisErrors:       atomic.LoadInt64(&m.redisErrors),
		FallbackUsed:      atomic.LoadInt64(&m.fallbackUsed),
		Passthrough:       atomic.LoadInt64(&m.passthrough),
		KeyRejected:       atomic.LoadInt64(&m.keyRejected),
		UsageWriteErrors:  atomic.LoadInt64(&m.usageWriteErrors),
		WebhooksDelivered: atomic.LoadInt64(&m.webhooksDelivered),
		WebhooksFailed:    atomic.LoadInt64(&m.webhooksFailed),
		WebhooksDropped:   atomic.LoadInt64(&m.webhooksDropped),
		EventsDropped:     atomic.LoadInt64(&m.eventsDropped),
		PublishErrors:     atomic.LoadInt64(&m.publishErrors),
	}
}
