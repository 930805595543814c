// ============================================================================
// SceneScape Job Tracker Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Decouples the worker pool from the job table.
//
//   The pool owns goroutines, the queue hand-off and per-job cancellation.
//   Every status transition is reported back through a Tracker, which the
//   controller implements on top of the job manager.
//
// ============================================================================

package worker

// Tracker receives lifecycle transitions from the worker pool.
type Tracker interface {
	// Begin moves a dequeued job from PENDING to RUNNING.
	//
	// A non-nil error means the job must not execute (it was cancelled while
	// queued, pruned, or superseded by a newer job with the same id). The
	// worker discards the descriptor silently.
	Begin(task Task) error

	// Finish records the terminal outcome of an executed job. It must be a
	// no-op for jobs that already reached a terminal state.
	Finish(task Task, result Result)

	// Abort forces an in-flight job to CANCELLED during pool shutdown,
	// without waiting for its callback to return.
	Abort(task Task)
}
