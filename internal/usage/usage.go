// Package usage meters proxied calls.
package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/apiverse/apiverse/internal/observability"
	"github.com/apiverse/apiverse/internal/store"
)

const defaultWriteTimeout = 2 * time.Second

// Entry describes one metered call.
type Entry struct {
	APIID      uint
	KeyID      uint
	Endpoint   string
	Method     string
	StatusCode int
	Duration   time.Duration
}

// Appender persists usage rows.
type Appender interface {
	AppendUsage(ctx context.Context, r *store.UsageRecord) error
}

// Recorder writes usage rows. Record never fails the caller.
type Recorder struct {
	store        Appender
	metrics      *observability.Metrics
	logger       *slog.Logger
	writeTimeout time.Duration
	now          func() time.Time
}

func NewRecorder(s Appender, metrics *observability.Metrics, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:        s,
		metrics:      metrics,
		logger:       logger.With("component", "usage"),
		writeTimeout: defaultWriteTimeout,
		now:          time.Now,
	}
}

// Record appends e. The write is detached from ctx cancellation so a
// caller that disconnects after the upstream answered is still metered.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
	defer cancel()

	err := r.store.AppendUsage(ctx, &store.UsageRecord{
		APIID:          e.APIID,
		KeyID:          e.KeyID,
		Endpoint:       e.Endpoint,
		Method:         e.Method,
		StatusCode:     e.StatusCode,
		ResponseTimeMS: e.Duration.Milliseconds(),
		Timestamp:      r.now().UTC(),
	})
	if err != nil {
		r.metrics.IncUsageWriteErrors()
		r.logger.Error("failed to record usage",
			"api_id", e.APIID, "key_id", e.KeyID, "status", e.StatusCode, "error", err)
	}
}
