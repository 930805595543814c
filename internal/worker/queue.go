package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/scenescape/pkg/types"
)

// Queue is an unbounded FIFO hand-off between submitters and workers.
//
// Push never blocks. Pop blocks until an item is available, the timeout
// elapses or the context is done. The ready channel holds at most one wake-up
// token; a consumer that takes the last token while items remain passes it on.
type Queue struct {
	mu    sync.Mutex
	items []Task
	ready chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		items: make([]Task, 0),
		ready: make(chan struct{}, 1),
	}
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Push appends a task to the tail of the queue.
func (q *Queue) Push(task Task) {
	q.mu.Lock()
	q.items = append(q.items, task)
	q.mu.Unlock()
	q.signal()
}

// PushFront returns a task to the head of the queue. Used when a worker pops
// a task while the pool is shutting down.
func (q *Queue) PushFront(task Task) {
	q.mu.Lock()
	q.items = append([]Task{task}, q.items...)
	q.mu.Unlock()
	q.signal()
}

// Pop removes the task at the head of the queue, waiting up to timeout.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (Task, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			task := q.items[0]
			q.items[0] = Task{}
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				q.signal()
			}
			return task, true
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-timer.C:
			return Task{}, false
		case <-ctx.Done():
			return Task{}, false
		}
	}
}

// Remove drops every queued descriptor for id and reports how many were removed.
func (q *Queue) Remove(id types.JobID) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	removed := 0
	for _, task := range q.items {
		if task.ID == id {
			removed++
			continue
		}
		kept = append(kept, task)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = Task{}
	}
	q.items = kept
	return removed
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
