package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue implements the Queue interface in process memory. It exists for
// tests and single-node development runs.
type MemoryQueue struct {
	name    string
	mu      sync.Mutex
	closed  bool
	ready   []Message
	pending map[string]Message
	wake    chan struct{}
}

// NewMemoryQueue creates a new in-memory queue
func NewMemoryQueue(name string) *MemoryQueue {
	return &MemoryQueue{
		name:    name,
		pending: make(map[string]Message),
		wake:    make(chan struct{}, 1),
	}
}

// Publish appends a message body to the queue
func (q *MemoryQueue) Publish(body []byte) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.ready = append(q.ready, Message{
		ID:   uuid.New().String(),
		Body: body,
	})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Receive fetches up to max messages, waiting at most wait for the first one
func (q *MemoryQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 10
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if len(q.ready) > 0 {
			n := max
			if n > len(q.ready) {
				n = len(q.ready)
			}
			batch := make([]Message, n)
			copy(batch, q.ready[:n])
			q.ready = q.ready[n:]
			for i := range batch {
				batch[i].Receipt = uuid.New().String()
				q.pending[batch[i].Receipt] = batch[i]
			}
			q.mu.Unlock()
			return batch, nil
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

// Delete acknowledges a received message
func (q *MemoryQueue) Delete(ctx context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, receipt)
	return nil
}

// Reclaim returns every unacknowledged message to the ready list and reports
// how many it moved. It mirrors queue-level redelivery of messages a consumer
// received but never acknowledged.
func (q *MemoryQueue) Reclaim(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	moved := 0
	for receipt, msg := range q.pending {
		msg.Receipt = ""
		q.ready = append(q.ready, msg)
		delete(q.pending, receipt)
		moved++
	}
	return moved, nil
}

// PendingCount returns how many received messages await acknowledgment
func (q *MemoryQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Len returns how many messages are ready for delivery
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// Name returns the queue name
func (q *MemoryQueue) Name() string { return q.name }

// Close marks the queue closed
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
