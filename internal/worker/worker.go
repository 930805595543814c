// ============================================================================
// SceneScape Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One worker loop; the pool runs max_concurrent_tasks of them
//
// How it works:
//   Each Worker is an independent goroutine that repeats:
//   1. Pop a task from the shared queue (bounded wait so shutdown is seen)
//   2. Register the task as in flight with its own cancel func; a stale
//      descriptor (older Seq than the one running) is discarded here
//   3. Tracker.Begin (PENDING -> RUNNING), or discard the task
//   4. Run the callback under the per-task context
//   5. Tracker.Finish with the outcome, then release the in-flight slot
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for ctx not done             │   │
//   │  │   ├─ queue.Pop(timeout)       │   │
//   │  │   ├─ tracker.Begin(task)      │   │
//   │  │   ├─ execute(taskCtx, task)   │   │
//   │  │   └─ tracker.Finish(result)   │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Error Handling:
//   - Callback error: Result.Err, status FAILED
//   - Callback error after cancellation: status CANCELLED
//   - Callback panic: recovered, status FAILED
//   - Internal panic (tracker, bookkeeping): logged, loop continues
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Worker represents a work execution unit
type Worker struct {
	id   int
	pool *Pool
	log  logrus.FieldLogger
}

// newWorker creates a new Worker instance
func newWorker(id int, pool *Pool) *Worker {
	return &Worker{
		id:   id,
		pool: pool,
		log:  pool.log.WithField("worker", fmt.Sprintf("worker-%d", id)),
	}
}

// Run is the main loop of Worker. It returns once ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.log.Debug("Worker started")
	defer w.log.Debug("Worker stopped")

	for ctx.Err() == nil {
		w.step(ctx)
	}
}

// step handles at most one task. A panic outside the callback is logged and
// swallowed so the loop keeps serving the queue.
func (w *Worker) step(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.log.WithField("panic", r).Error("Worker loop recovered from internal error")
			time.Sleep(w.pool.pollTimeout)
		}
	}()

	task, ok := w.pool.queue.Pop(ctx, w.pool.pollTimeout)
	if !ok {
		return
	}

	// Popped while stopping: hand it back for the next Start
	if ctx.Err() != nil {
		w.pool.queue.PushFront(task)
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !w.pool.track(task, cancel) {
		w.log.WithFields(logrus.Fields{"job_id": task.ID, "seq": task.Seq}).Debug("Skipping stale job descriptor")
		return
	}
	defer w.pool.untrack(task)

	if err := w.pool.tracker.Begin(task); err != nil {
		w.log.WithField("job_id", task.ID).WithError(err).Debug("Skipping dequeued job")
		return
	}

	var result Result
	if taskCtx.Err() != nil {
		// Stop raced with Begin; never run the callback
		result = Result{JobID: task.ID, Err: taskCtx.Err(), Cancelled: true}
	} else {
		result = w.execute(taskCtx, task)
	}

	w.pool.tracker.Finish(task, result)
}

// execute runs the callback and converts its outcome into a Result.
func (w *Worker) execute(ctx context.Context, task Task) (result Result) {
	start := time.Now()
	result.JobID = task.ID

	defer func() {
		if r := recover(); r != nil {
			result.Value = nil
			result.Err = fmt.Errorf("panic: %v", r)
			result.Cancelled = false
		}
		result.Duration = time.Since(start)
	}()

	value, err := task.Run(ctx)
	result.Value = value
	result.Err = err
	result.Cancelled = err != nil && ctx.Err() != nil
	return result
}
