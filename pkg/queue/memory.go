package queue

import (
	"context"
	"sync"
	"time"

	"github.com/forgeworks/drover/pkg/task"
)

// MemoryQueue is the in-process FIFO used when use_rabbitmq is off. Delivery
// is at-least-once within the process: a dequeued descriptor moves to the
// in-flight set and returns to the head of the queue on Nack.
type MemoryQueue struct {
	mu       sync.Mutex
	items    []task.Descriptor
	inFlight map[string]task.Descriptor // uuid → descriptor
	closed   bool

	// wake is signalled on enqueue so blocked Dequeue calls recheck.
	wake chan struct{}
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inFlight: make(map[string]task.Descriptor),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue appends a descriptor.
func (q *MemoryQueue) Enqueue(_ context.Context, d task.Descriptor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, d)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue pops the oldest descriptor, blocking up to timeout. Returns
// (nil, nil) when the queue stays empty for the whole window.
func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*task.Descriptor, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.items) > 0 {
			d := q.items[0]
			q.items = q.items[1:]
			q.inFlight[d.UUID] = d
			q.mu.Unlock()
			return &d, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-q.wake:
		}
	}
}

// Ack drops the in-flight entry.
func (q *MemoryQueue) Ack(d task.Descriptor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inFlight[d.UUID]; !ok {
		return ErrNoDelivery
	}
	delete(q.inFlight, d.UUID)
	return nil
}

// Nack requeues the in-flight entry at the head for prompt redelivery.
func (q *MemoryQueue) Nack(d task.Descriptor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	held, ok := q.inFlight[d.UUID]
	if !ok {
		return ErrNoDelivery
	}
	delete(q.inFlight, d.UUID)
	q.items = append([]task.Descriptor{held}, q.items...)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len reports queued (not in-flight) descriptors.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further operations. In-flight descriptors are dropped; the
// producer re-discovers unacked work from forge labels on the next run.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	close(q.wake)
	return nil
}
