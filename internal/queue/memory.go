package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type scheduled struct {
	task *Task
	due  time.Time
}

// maxAcked bounds the acked history a MemoryQueue keeps.
const maxAcked = 1024

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu     sync.Mutex
	items  []scheduled
	notify chan struct{}
	acked  []*Task
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{notify: make(chan struct{}, 1)}
}

var _ Queue = (*MemoryQueue)(nil)

func (q *MemoryQueue) Enqueue(_ context.Context, t *Task, delay time.Duration) error {
	stamp(t)
	q.mu.Lock()
	q.items = append(q.items, scheduled{task: t, due: time.Now().Add(delay)})
	sort.SliceStable(q.items, func(i, j int) bool { return q.items[i].due.Before(q.items[j].due) })
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		wait := time.Hour
		if len(q.items) > 0 {
			head := q.items[0]
			wait = time.Until(head.due)
			if wait <= 0 {
				q.items = q.items[1:]
				q.mu.Unlock()
				return head.task, nil
			}
		}
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (q *MemoryQueue) Ack(_ context.Context, t *Task) error {
	q.mu.Lock()
	q.acked = append(q.acked, t)
	if n := len(q.acked); n > maxAcked {
		q.acked = append(q.acked[:0:0], q.acked[n-maxAcked:]...)
	}
	q.mu.Unlock()
	return nil
}

// Pending lists queued tasks, due or not, in due order.
func (q *MemoryQueue) Pending() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, len(q.items))
	for i, it := range q.items {
		out[i] = it.task
	}
	return out
}

// Acked lists the most recent tasks confirmed as handled, oldest first.
func (q *MemoryQueue) Acked() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, len(q.acked))
	copy(out, q.acked)
	return out
}
