package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/forgeworks/drover/pkg/config"
	"github.com/forgeworks/drover/pkg/task"
)

// RabbitQueue is the broker-backed TaskQueue. The broker owns delivery
// semantics: per-message acks, redelivery of unacked messages, and fan-out
// to multiple consumer processes. Connection loss is healed with exponential
// backoff bounded by reconnect_max_elapsed_seconds.
type RabbitQueue struct {
	cfg *config.RabbitMQConfig
	log *slog.Logger

	mu         sync.Mutex
	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	inFlight   map[string]amqp.Delivery // task uuid → delivery
	closed     bool
}

// NewRabbitQueue connects to the broker and declares the durable queue.
func NewRabbitQueue(cfg *config.RabbitMQConfig) (*RabbitQueue, error) {
	q := &RabbitQueue{
		cfg:      cfg,
		log:      slog.With("component", "rabbit_queue", "queue", cfg.Queue),
		inFlight: make(map[string]amqp.Delivery),
	}
	if err := q.connect(); err != nil {
		return nil, err
	}
	return q, nil
}

// connect dials, opens a channel, declares the queue, and starts consuming.
// Caller must not hold q.mu.
func (q *RabbitQueue) connect() error {
	conn, err := amqp.Dial(q.cfg.URL())
	if err != nil {
		return fmt.Errorf("dialing rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("opening channel: %w", err)
	}
	if _, err := ch.QueueDeclare(q.cfg.Queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("declaring queue %s: %w", q.cfg.Queue, err)
	}
	// One unacked message at a time: a consumer owns one task at a time.
	if err := ch.Qos(1, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("setting qos: %w", err)
	}
	deliveries, err := ch.Consume(q.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("starting consumer: %w", err)
	}

	q.mu.Lock()
	q.conn, q.ch, q.deliveries = conn, ch, deliveries
	q.mu.Unlock()
	return nil
}

// reconnect re-establishes the broker session with exponential backoff.
func (q *RabbitQueue) reconnect(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = q.cfg.ReconnectMaxElapsed()

	return backoff.Retry(func() error {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return backoff.Permanent(ErrClosed)
		}
		q.mu.Unlock()

		if err := q.connect(); err != nil {
			q.log.Warn("Reconnect attempt failed", "error", err)
			return err
		}
		q.log.Info("Reconnected to broker")
		return nil
	}, backoff.WithContext(policy, ctx))
}

// Enqueue publishes a persistent JSON descriptor.
func (q *RabbitQueue) Enqueue(ctx context.Context, d task.Descriptor) error {
	body, err := d.Marshal()
	if err != nil {
		return err
	}

	publish := func() error {
		q.mu.Lock()
		ch, closed := q.ch, q.closed
		q.mu.Unlock()
		if closed {
			return backoff.Permanent(ErrClosed)
		}
		err := ch.PublishWithContext(ctx, "", q.cfg.Queue, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
		if err == nil {
			return nil
		}
		q.log.Warn("Publish failed, reconnecting", "error", err)
		if rerr := q.reconnect(ctx); rerr != nil {
			return backoff.Permanent(rerr)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = q.cfg.ReconnectMaxElapsed()
	return backoff.Retry(publish, backoff.WithContext(policy, ctx))
}

// Dequeue waits up to timeout for a delivery and parses its descriptor.
// Malformed payloads are rejected without requeue and the wait continues.
func (q *RabbitQueue) Dequeue(ctx context.Context, timeout time.Duration) (*task.Descriptor, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		deliveries, closed := q.deliveries, q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case delivery, ok := <-deliveries:
			if !ok {
				// Channel died; heal and keep waiting within the window.
				if err := q.reconnect(ctx); err != nil {
					return nil, fmt.Errorf("broker connection lost: %w", err)
				}
				continue
			}
			d, err := task.UnmarshalDescriptor(delivery.Body)
			if err != nil {
				q.log.Error("Dropping malformed queue payload", "error", err)
				_ = delivery.Reject(false)
				continue
			}
			q.mu.Lock()
			q.inFlight[d.UUID] = delivery
			q.mu.Unlock()
			return &d, nil
		}
	}
}

// Ack acknowledges a handled delivery.
func (q *RabbitQueue) Ack(d task.Descriptor) error {
	q.mu.Lock()
	delivery, ok := q.inFlight[d.UUID]
	delete(q.inFlight, d.UUID)
	q.mu.Unlock()
	if !ok {
		return ErrNoDelivery
	}
	return delivery.Ack(false)
}

// Nack returns a delivery to the broker for redelivery.
func (q *RabbitQueue) Nack(d task.Descriptor) error {
	q.mu.Lock()
	delivery, ok := q.inFlight[d.UUID]
	delete(q.inFlight, d.UUID)
	q.mu.Unlock()
	if !ok {
		return ErrNoDelivery
	}
	return delivery.Nack(false, true)
}

// Close tears down the broker session. Unacked deliveries return to the
// queue per AMQP semantics.
func (q *RabbitQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
