package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/apiverse/apiverse/internal/config"
)

// KafkaBus publishes events to one topic and consumes them through a
// consumer group, so each event is fanned out by exactly one replica.
type KafkaBus struct {
	cfg    config.KafkaConfig
	writer *kafka.Writer
	logger *slog.Logger

	mu      sync.Mutex
	readers []*kafka.Reader
	closed  bool
	wg      sync.WaitGroup
}

func NewKafkaBus(cfg config.KafkaConfig, logger *slog.Logger) *KafkaBus {
	return &KafkaBus{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:  kafka.TCP(cfg.Brokers...),
			Topic: cfg.Topic,
			// Keyed by owner so one owner's events stay ordered.
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		},
		logger: logger.With("component", "events-kafka"),
	}
}

func (b *KafkaBus) Publish(ctx context.Context, evs ...Event) error {
	if len(evs) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(evs))
	for _, ev := range evs {
		value, err := encode(ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(strconv.FormatUint(uint64(ev.OwnerID), 10)),
			Value: value,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(ev.Type)},
			},
		})
	}
	if err := b.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (b *KafkaBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.cfg.Brokers,
		Topic:    b.cfg.Topic,
		GroupID:  b.cfg.GroupID,
		MaxBytes: 10e6,
	})
	b.readers = append(b.readers, reader)

	b.wg.Add(1)
	go b.consume(ctx, reader, h)
	return nil
}

func (b *KafkaBus) consume(ctx context.Context, reader *kafka.Reader, h Handler) {
	defer b.wg.Done()
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			b.logger.Warn("kafka read failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		ev, err := decode(msg.Value)
		if err != nil {
			b.logger.Warn("skipping malformed event",
				"partition", msg.Partition, "offset", msg.Offset, "error", err)
			continue
		}
		h(ctx, ev)
	}
}

func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	readers := b.readers
	b.mu.Unlock()

	var errs []error
	for _, r := range readers {
		errs = append(errs, r.Close())
	}
	b.wg.Wait()
	errs = append(errs, b.writer.Close())
	return errors.Join(errs...)
}
