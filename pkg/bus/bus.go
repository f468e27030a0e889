// Package bus is a thin adapter over a RabbitMQ topic exchange. Delivery is
// at-least-once: handlers must be idempotent and tolerant of out-of-order
// arrival. Failed handlers nack without requeue, so a poison message is
// dropped rather than redelivered forever.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// reconnectDelay is the fixed backoff between broker reconnect attempts.
	reconnectDelay = 3 * time.Second

	prefetchCount = 10
)

// Delivery is one consumed message.
type Delivery struct {
	Topic   string
	Body    []byte
	Headers map[string]string
}

// Handler processes a delivery. A nil return acks the message; an error
// nacks it without requeue.
type Handler func(ctx context.Context, d Delivery) error

// Bus publishes to and consumes from a single durable topic exchange.
type Bus struct {
	log      *slog.Logger
	url      string
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func New(log *slog.Logger, url, exchange string) *Bus {
	return &Bus{log: log, url: url, exchange: exchange}
}

// Publish sends a JSON-encoded payload with the given routing key. Best
// effort: the broker ack is the only confirmation, and there is no retry
// beyond one redial on a stale connection.
func (b *Bus) Publish(ctx context.Context, topic string, payload any, headers map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}

	tbl := amqp.Table{}
	for k, v := range headers {
		tbl[k] = v
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      tbl,
		Body:         body,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.channelLocked()
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, b.exchange, topic, false, false, pub); err != nil {
		// Connection may have gone stale since the last publish; redial once.
		b.closeLocked()
		ch, err = b.channelLocked()
		if err != nil {
			return err
		}
		if err := ch.PublishWithContext(ctx, b.exchange, topic, false, false, pub); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
	}
	return nil
}

// Subscribe consumes the durable queue bound to the given topics until ctx is
// cancelled. It blocks; callers run it in its own goroutine, one per queue.
// On connection loss it reconnects after a fixed delay and resumes.
func (b *Bus) Subscribe(ctx context.Context, queue string, topics []string, h Handler) error {
	for {
		if err := b.consumeOnce(ctx, queue, topics, h); err != nil {
			b.log.Error("bus consume loop ended", "queue", queue, "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (b *Bus) consumeOnce(ctx context.Context, queue string, topics []string, h Handler) error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	defer ch.Close()

	if err := declareExchange(ch, b.exchange); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	for _, topic := range topics {
		if err := ch.QueueBind(queue, topic, b.exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", queue, topic, err)
		}
	}
	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	b.log.Info("bus consuming", "queue", queue, "topics", topics)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed for %s", queue)
			}
			d := Delivery{
				Topic:   msg.RoutingKey,
				Body:    msg.Body,
				Headers: stringHeaders(msg.Headers),
			}
			if err := h(ctx, d); err != nil {
				// No requeue: dropping beats an infinite poison loop.
				b.log.Error("handler failed, dropping message",
					"queue", queue, "topic", d.Topic, "err", err)
				_ = msg.Nack(false, false)
				continue
			}
			_ = msg.Ack(false)
		}
	}
}

// channelLocked returns the cached publish channel, dialing if needed.
// Caller holds b.mu.
func (b *Bus) channelLocked() (*amqp.Channel, error) {
	if b.ch != nil && !b.conn.IsClosed() {
		return b.ch, nil
	}
	b.closeLocked()

	conn, err := amqp.Dial(b.url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("channel: %w", err)
	}
	if err := declareExchange(ch, b.exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	b.conn, b.ch = conn, ch
	return ch, nil
}

func (b *Bus) closeLocked() {
	if b.ch != nil {
		_ = b.ch.Close()
		b.ch = nil
	}
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
}

// Close releases the publisher connection. Consumer loops are stopped by
// cancelling their context.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

func declareExchange(ch *amqp.Channel, name string) error {
	if err := ch.ExchangeDeclare(name, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	return nil
}

func stringHeaders(tbl amqp.Table) map[string]string {
	if len(tbl) == 0 {
		return nil
	}
	out := make(map[string]string, len(tbl))
	for k, v := range tbl {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
