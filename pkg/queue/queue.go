package queue

import (
	"sync"
	"time"
)

// PendingAdjustment is a stock compensation that could not be applied when a
// workflow transition was rolled back. The gateway retries it in the
// background until it lands or runs out of attempts.
type PendingAdjustment struct {
	ActivityUid string
	BookUid     string
	Method      string
	URL         string
	RetryAt     time.Time
	RetryCount  int
	MaxRetries  int
}

type Queue struct {
	items []*PendingAdjustment
	mu    sync.Mutex
}

func NewQueue() *Queue {
	return &Queue{
		items: make([]*PendingAdjustment, 0),
	}
}

func (q *Queue) Enqueue(adj *PendingAdjustment) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, adj)
}

// Dequeue removes and returns the first adjustment that is due, or nil.
func (q *Queue) Dequeue() *PendingAdjustment {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for i, adj := range q.items {
		if adj.RetryAt.Before(now) || adj.RetryAt.Equal(now) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return adj
		}
	}
	return nil
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) GetAll() []*PendingAdjustment {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]*PendingAdjustment, len(q.items))
	copy(result, q.items)
	return result
}
