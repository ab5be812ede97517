package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apiverse/apiverse/internal/config"
	"github.com/apiverse/apiverse/internal/observability"
)

const publishTimeout = 10 * time.Second

// Emitter buffers events in a ring and flushes them to a Bus in batches.
// Emit never blocks the request path.
type Emitter struct {
	bus     Bus
	logger  *slog.Logger
	metrics *observability.Metrics

	batchSize     int
	flushInterval time.Duration
	bufferSize    int

	ring     []Event
	ringMu   sync.Mutex
	ringHead int
	ringTail int
	ringLen  int

	closed  atomic.Bool
	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewEmitter starts the flush loop.
func NewEmitter(bus Bus, cfg config.EventsConfig, metrics *observability.Metrics, logger *slog.Logger) *Emitter {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 4096
	}
	flushInterval := config.MustParseDuration(cfg.FlushInterval, 500*time.Millisecond)
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}

	e := &Emitter{
		bus:           bus,
		logger:        logger.With("component", "events"),
		metrics:       metrics,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		bufferSize:    bufferSize,
		ring:          make([]Event, bufferSize),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	e.wg.Add(1)
	go e.flushLoop()

	return e
}

// Emit enqueues ev. When the buffer is full the oldest event is dropped.
// Events emitted after Close are dropped.
func (e *Emitter) Emit(ev Event) {
	if e.closed.Load() {
		e.metrics.IncEventsDropped()
		return
	}

	e.ringMu.Lock()
	e.ring[e.ringTail] = ev
	e.ringTail = (e.ringTail + 1) % e.bufferSize
	if e.ringLen == e.bufferSize {
		e.ringHead = (e.ringHead + 1) % e.bufferSize
		e.metrics.IncEventsDropped()
	} else {
		e.ringLen++
	}
	shouldFlush := e.ringLen >= e.batchSize
	e.ringMu.Unlock()

	if shouldFlush {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// Pending reports how many events are buffered.
func (e *Emitter) Pending() int {
	e.ringMu.Lock()
	defer e.ringMu.Unlock()
	return e.ringLen
}

// Close stops the flush loop and publishes whatever is still buffered.
func (e *Emitter) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.done)
	e.wg.Wait()

	e.flush()
	return nil
}

func (e *Emitter) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.flush()
		case <-e.flushCh:
			e.flush()
		}
	}
}

func (e *Emitter) flush() {
	for {
		batch := e.drain()
		if len(batch) == 0 {
			return
		}
		e.send(batch)
	}
}

func (e *Emitter) drain() []Event {
	e.ringMu.Lock()
	defer e.ringMu.Unlock()

	if e.ringLen == 0 {
		return nil
	}

	n := min(e.ringLen, e.batchSize)
	batch := make([]Event, n)
	for i := range n {
		batch[i] = e.ring[(e.ringHead+i)%e.bufferSize]
		e.ring[(e.ringHead+i)%e.bufferSize] = Event{}
	}
	e.ringHead = (e.ringHead + n) % e.bufferSize
	e.ringLen -= n
	return batch
}

func (e *Emitter) send(batch []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := e.bus.Publish(ctx, batch...); err != nil {
		for range batch {
			e.metrics.IncPublishErrors()
		}
		e.logger.Warn("failed to publish events", "error", err, "count", len(batch))
	}
}

// String implements fmt.Stringer for debug logging.
func (e *Emitter) String() string {
	return fmt.Sprintf("Emitter(bus=%T, batch=%d, flush=%s, buf=%d)",
		e.bus, e.batchSize, e.flushInterval, e.bufferSize)
}
