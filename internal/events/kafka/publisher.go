// Package kafka publishes order lifecycle events to a Kafka topic, keyed by
// account so that one account's events stay ordered within a partition.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/jx"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xenking/oolio-kart-loyalty/internal/domain/order"
)

const writeTimeout = 5 * time.Second

var _ order.Publisher = (*Publisher)(nil)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher implements order.Publisher on a kafka-go Writer.
type Publisher struct {
	w messageWriter
}

// NewPublisher creates an asynchronous publisher for the topic. Publish
// only enqueues; delivery failures are logged to lg.
func NewPublisher(brokers []string, topic string, lg *zap.Logger) *Publisher {
	return &Publisher{w: newWriter(brokers, topic, lg)}
}

func newWriter(brokers []string, topic string, lg *zap.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           writeTimeout,
		Async:                  true,
		Completion:             logFailures(lg),
	}
}

// logFailures reports messages the async writer gave up on.
func logFailures(lg *zap.Logger) func([]kafka.Message, error) {
	return func(msgs []kafka.Message, err error) {
		if err == nil {
			return
		}
		for _, m := range msgs {
			lg.Warn("Order event not delivered",
				zap.String("topic", m.Topic),
				zap.ByteString("key", m.Key),
				zap.ByteString("event_id", headerValue(m.Headers, "event-id")),
				zap.Error(err),
			)
		}
	}
}

func headerValue(hs []kafka.Header, key string) []byte {
	for _, h := range hs {
		if h.Key == key {
			return h.Value
		}
	}
	return nil
}

// Publish hands one event to the writer. With the async writer it returns
// once the message is queued.
func (p *Publisher) Publish(ctx context.Context, ev order.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(ev.Order.AccountID),
		Value: EncodeEvent(ev),
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
			{Key: "event-id", Value: []byte(ev.ID)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publishing %s for order %s: %w", ev.Type, ev.Order.ID, err)
	}
	return nil
}

// Close flushes pending writes.
func (p *Publisher) Close() error {
	return p.w.Close()
}

// EncodeEvent renders the JSON envelope of an event.
func EncodeEvent(ev order.Event) []byte {
	o := ev.Order
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(ev.ID) })
		e.Field("type", func(e *jx.Encoder) { e.Str(string(ev.Type)) })
		e.Field("occurredAt", func(e *jx.Encoder) { e.Str(ev.OccurredAt.UTC().Format(time.RFC3339Nano)) })
		if ev.PreviousStatus != "" {
			e.Field("previousStatus", func(e *jx.Encoder) { e.Str(string(ev.PreviousStatus)) })
		}
		e.Field("order", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("id", func(e *jx.Encoder) { e.Str(o.ID) })
				e.Field("accountId", func(e *jx.Encoder) { e.Str(o.AccountID) })
				e.Field("status", func(e *jx.Encoder) { e.Str(string(o.Status)) })
				e.Field("paymentMethod", func(e *jx.Encoder) { e.Str(string(o.PaymentMethod)) })
				if o.CouponCode != "" {
					e.Field("couponCode", func(e *jx.Encoder) { e.Str(o.CouponCode) })
				}
				e.Field("chargedAmount", func(e *jx.Encoder) { e.Int64(o.ChargedAmount) })
				e.Field("creditsRedeemed", func(e *jx.Encoder) { e.Int64(o.CreditsRedeemed) })
				e.Field("xpEarned", func(e *jx.Encoder) { e.Int64(o.XPEarned) })
				e.Field("creditsEarned", func(e *jx.Encoder) { e.Int64(o.CreditsEarned) })
				e.Field("itemCount", func(e *jx.Encoder) { e.Int(len(o.Items)) })
			})
		})
	})
	return e.Bytes()
}
