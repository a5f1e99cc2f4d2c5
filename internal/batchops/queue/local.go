package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
)

// Local is an in-process queue used by tests and single-process mode.
type Local struct {
	ch     chan []byte
	tag    atomic.Uint64
	mu     sync.Mutex
	closed bool
}

// NewLocal creates a queue holding up to capacity pending jobs
func NewLocal(capacity int) *Local {
	if capacity <= 0 {
		capacity = 64
	}
	return &Local{ch: make(chan []byte, capacity)}
}

func (q *Local) Enqueue(ctx context.Context, jobID string) error {
	body, err := domain.JobMessage{JobID: jobID}.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode job message: %w", err)
	}
	return q.push(ctx, body)
}

func (q *Local) push(ctx context.Context, body []byte) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return fmt.Errorf("queue closed")
	}

	select {
	case q.ch <- body:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of messages waiting.
func (q *Local) Len() int {
	return len(q.ch)
}

// TryReceive pops one pending delivery without blocking.
func (q *Local) TryReceive() (Delivery, bool) {
	select {
	case body := <-q.ch:
		return q.delivery(body), true
	default:
		return Delivery{}, false
	}
}

func (q *Local) Consume(ctx context.Context, _ string) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case body := <-q.ch:
				select {
				case out <- q.delivery(body):
				case <-ctx.Done():
					_ = q.push(context.Background(), body)
					return
				}
			}
		}
	}()
	return out, nil
}

// Close rejects further enqueues.
func (q *Local) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

func (q *Local) delivery(body []byte) Delivery {
	return NewDelivery(body, q.tag.Add(1),
		func() error { return nil },
		func(requeue bool) error {
			if requeue {
				return q.push(context.Background(), body)
			}
			return nil
		},
	)
}
