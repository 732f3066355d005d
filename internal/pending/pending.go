// Package pending queues transactions whose invoice issuance failed
// after the sale committed. A background worker drains the queue and
// retries issuance; the sale itself is never rolled back.
package pending

import (
	"context"
	"sync"
	"time"
)

// Task is one committed transaction awaiting an invoice.
type Task struct {
	TransactionID string    `json:"transaction_id"`
	Attempts      int       `json:"attempts"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	// Dequeue pops up to max tasks. An empty queue returns an empty
	// slice, not an error.
	Dequeue(ctx context.Context, max int) ([]Task, error)
}

// MemoryQueue is the in-process fallback when Redis is not configured.
// Tasks do not survive a restart; a missing invoice is still
// recoverable by replaying the transaction through issuance.
type MemoryQueue struct {
	mu    sync.Mutex
	tasks []Task
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(_ context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *MemoryQueue) Dequeue(_ context.Context, max int) ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 || max > len(q.tasks) {
		max = len(q.tasks)
	}
	out := make([]Task, max)
	copy(out, q.tasks[:max])
	q.tasks = q.tasks[max:]
	return out, nil
}
