// Package queue moves task descriptors between producer and consumer with
// at-least-once delivery. Two variants: an in-process FIFO for single-process
// runs, and a RabbitMQ-backed queue for multi-consumer deployments.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/forgeworks/drover/pkg/task"
)

// Sentinel errors shared by both queue variants.
var (
	// ErrClosed is returned once the queue has been shut down.
	ErrClosed = errors.New("queue closed")

	// ErrNoDelivery distinguishes "ack for a descriptor we do not hold"
	// from transport failures.
	ErrNoDelivery = errors.New("no in-flight delivery for descriptor")
)

// TaskQueue is the delivery contract.
//
// Dequeue blocks up to timeout and returns (nil, nil) on expiry — the
// continuous consumer uses that window to interleave pause checks. Delivered
// descriptors stay in flight until Ack or Nack; duplicate delivery is
// possible and downstream must stay idempotent (all durable state keys by
// task UUID).
type TaskQueue interface {
	Enqueue(ctx context.Context, d task.Descriptor) error
	Dequeue(ctx context.Context, timeout time.Duration) (*task.Descriptor, error)

	// Ack marks a delivery handled: completion, pause, and stop all count.
	Ack(d task.Descriptor) error

	// Nack returns a delivery for redelivery after an unrecovered failure.
	Nack(d task.Descriptor) error

	Close() error
}
