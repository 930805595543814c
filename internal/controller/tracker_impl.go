package controller

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ChuLiYu/scenescape/internal/jobmanager"
	"github.com/ChuLiYu/scenescape/internal/worker"
	"github.com/ChuLiYu/scenescape/pkg/types"
)

// ============================================================================
// worker.Tracker Interface Implementation
// ============================================================================

var _ worker.Tracker = (*Controller)(nil)

// Begin implements worker.Tracker.Begin
// The status check and the RUNNING transition happen in one step under the
// job's lock, so a cancel that wins the race always prevents execution.
func (c *Controller) Begin(task worker.Task) error {
	job, err := c.jobs.Begin(task.ID, task.Seq)
	if err != nil {
		return err
	}

	c.metrics.RecordStarted()
	c.refreshGauges()
	c.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_name": job.Name,
	}).Info("Job started")
	c.notify(job)
	return nil
}

// Finish implements worker.Tracker.Finish
// Results arriving for a job that is already terminal are discarded.
func (c *Controller) Finish(task worker.Task, result worker.Result) {
	status := result.Status()

	var errMsg string
	if status == types.StatusFailed && result.Err != nil {
		errMsg = result.Err.Error()
	}

	job, err := c.jobs.Finish(task.ID, task.Seq, status, result.Value, errMsg)
	if err != nil {
		if errors.Is(err, jobmanager.ErrNotRunning) || errors.Is(err, jobmanager.ErrStaleEntry) ||
			errors.Is(err, jobmanager.ErrJobNotFound) {
			c.log.WithField("job_id", task.ID).WithError(err).Debug("Discarding late job result")
			return
		}
		c.log.WithField("job_id", task.ID).WithError(err).Error("Failed to record job result")
		return
	}

	c.recordTerminal(job)
}

// Abort implements worker.Tracker.Abort
func (c *Controller) Abort(task worker.Task) {
	job, err := c.jobs.Abort(task.ID, task.Seq)
	if err != nil {
		return
	}
	c.recordTerminal(job)
}

func (c *Controller) recordTerminal(job types.Job) {
	duration, ran := job.Duration(time.Now())
	c.metrics.RecordTerminal(job.Status, duration, ran)
	c.refreshGauges()

	entry := c.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_name": job.Name,
		"status":   job.Status,
		"duration": duration,
	})
	switch job.Status {
	case types.StatusFailed:
		entry.WithField("error", job.Error).Warn("Job failed")
	case types.StatusCancelled:
		entry.Info("Job cancelled")
	default:
		entry.Info("Job completed")
	}
	c.notify(job)
}
