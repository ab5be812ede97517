package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/apiverse/apiverse/internal/config"
)

// ErrBusClosed is returned by Publish and Subscribe after Close.
var ErrBusClosed = errors.New("events: bus closed")

// Handler consumes one event. It must not retain ctx after returning.
type Handler func(ctx context.Context, ev Event)

// Bus moves events from publishers to subscribers.
type Bus interface {
	Publish(ctx context.Context, evs ...Event) error
	// Subscribe registers h and returns once consumption has started.
	// Delivery stops when ctx is canceled or the bus is closed.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// NewBus builds the bus selected by cfg.Bus.
func NewBus(cfg config.EventsConfig, logger *slog.Logger) (Bus, error) {
	switch cfg.Bus {
	case config.EventBusMemory, "":
		return NewMemoryBus(), nil
	case config.EventBusKafka:
		return NewKafkaBus(cfg.Kafka, logger), nil
	case config.EventBusNATS:
		return NewNATSBus(cfg.NATS, cfg.Source, logger)
	default:
		return nil, fmt.Errorf("unknown event bus %q", cfg.Bus)
	}
}

// MemoryBus delivers events in-process, synchronously on the publishing
// goroutine. It suits single-replica deployments and tests.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers []*memorySub
	closed   bool
}

type memorySub struct {
	ctx context.Context
	h   Handler
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Publish(ctx context.Context, evs ...Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	subs := make([]*memorySub, len(b.handlers))
	copy(subs, b.handlers)
	b.mu.RUnlock()

	for _, ev := range evs {
		for _, s := range subs {
			if s.ctx.Err() != nil {
				continue
			}
			s.h(ctx, ev)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	b.handlers = append(b.handlers, &memorySub{ctx: ctx, h: h})
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = nil
	return nil
}
