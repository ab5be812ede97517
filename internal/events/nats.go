package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/apiverse/apiverse/internal/config"
)

const natsHandlerTimeout = 30 * time.Second

// NATSBus publishes events on a subject and consumes them through a queue
// group, so each event is fanned out by exactly one replica.
type NATSBus struct {
	cfg    config.NATSConfig
	conn   *nats.Conn
	logger *slog.Logger

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
}

// NewNATSBus connects to cfg.URL. The client reconnects indefinitely.
func NewNATSBus(cfg config.NATSConfig, name string, logger *slog.Logger) (*NATSBus, error) {
	logger = logger.With("component", "events-nats")
	conn, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	return &NATSBus{cfg: cfg, conn: conn, logger: logger}, nil
}

func (b *NATSBus) Publish(_ context.Context, evs ...Event) error {
	for _, ev := range evs {
		data, err := encode(ev)
		if err != nil {
			return err
		}
		if err := b.conn.Publish(b.cfg.Subject, data); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
	}
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}

	sub, err := b.conn.QueueSubscribe(b.cfg.Subject, b.cfg.Queue, func(msg *nats.Msg) {
		ev, err := decode(msg.Data)
		if err != nil {
			b.logger.Warn("skipping malformed event", "subject", msg.Subject, "error", err)
			return
		}
		msgCtx, cancel := context.WithTimeout(ctx, natsHandlerTimeout)
		defer cancel()
		h(msgCtx, ev)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", b.cfg.Subject, err)
	}
	b.subs = append(b.subs, sub)

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

// Close drains subscriptions and pending publishes, then closes the
// connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}
