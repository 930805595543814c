package controller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/scenescape/internal/history"
	"github.com/ChuLiYu/scenescape/internal/metrics"
	"github.com/ChuLiYu/scenescape/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func testConfig() Config {
	return Config{
		MaxConcurrentTasks: 2,
		PollTimeout:        20 * time.Millisecond,
		SweepInterval:      time.Hour,
		MaxHistory:         100,
		ShutdownTimeout:    time.Second,
	}
}

// createTestController creates a stopped Controller that is stopped again on cleanup
func createTestController(t *testing.T, config Config, opts Options) *Controller {
	t.Helper()
	if opts.Logger == nil {
		logger, _ := test.NewNullLogger()
		opts.Logger = logger
	}
	c, err := NewController(config, opts)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

// waitForStatus waits for a job to reach the wanted status
func waitForStatus(t *testing.T, c *Controller, id types.JobID, want types.JobStatus) types.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		job, ok := c.Get(id)
		return ok && job.Status == want
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	job, _ := c.Get(id)
	return job
}

// blocker returns a WorkFunc that parks until release is closed or ctx ends
func blocker(release <-chan struct{}, started *atomic.Int32) WorkFunc {
	return func(ctx context.Context, job *Handle, args ...any) (any, error) {
		if started != nil {
			started.Add(1)
		}
		select {
		case <-release:
			return "released", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func sleeper(d time.Duration) WorkFunc {
	return func(ctx context.Context, job *Handle, args ...any) (any, error) {
		select {
		case <-time.After(d):
			return "slept", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ============================================================================
// Configuration
// ============================================================================

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.MaxConcurrentTasks = 0 }},
		{"zero poll timeout", func(c *Config) { c.PollTimeout = 0 }},
		{"sub-second sweep", func(c *Config) { c.SweepInterval = 500 * time.Millisecond }},
		{"negative history", func(c *Config) { c.MaxHistory = -1 }},
		{"zero shutdown timeout", func(c *Config) { c.ShutdownTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

			_, err := NewController(cfg, Options{})
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

// ============================================================================
// Submission
// ============================================================================

func TestSubmitGeneratesID(t *testing.T) {
	c := createTestController(t, testConfig(), Options{})

	id1, err := c.Submit("scan", sleeper(0))
	require.NoError(t, err)
	id2, err := c.Submit("scan", sleeper(0))
	require.NoError(t, err)

	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)

	job, ok := c.Get(id1)
	require.True(t, ok)
	assert.Equal(t, types.StatusPending, job.Status)
	assert.Equal(t, "scan", job.Name)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	c := createTestController(t, testConfig(), Options{})

	_, err := c.Submit("x", sleeper(0), WithID(""))
	assert.ErrorIs(t, err, ErrInvalidJobID)
	_, err = c.Submit("x", sleeper(0), WithID("   "))
	assert.ErrorIs(t, err, ErrInvalidJobID)
	_, err = c.Submit("x", nil)
	assert.ErrorIs(t, err, ErrNilWorkFunc)

	assert.Equal(t, 0, c.Stats().TotalJobs)
}

func TestSubmitPassesArgsAndMetadata(t *testing.T) {
	c := createTestController(t, testConfig(), Options{})
	require.NoError(t, c.Start())

	md := map[string]any{"library": "movies"}
	id, err := c.Submit("echo", func(ctx context.Context, job *Handle, args ...any) (any, error) {
		return fmt.Sprintf("%s:%v:%v", job.Name(), job.Metadata()["library"], args), nil
	}, WithID("echo-1"), WithMetadata(md), WithArgs(1, "two"))
	require.NoError(t, err)
	assert.Equal(t, types.JobID("echo-1"), id)

	// caller mutation after submit is not visible
	md["library"] = "tv"

	job := waitForStatus(t, c, id, types.StatusCompleted)
	assert.Equal(t, "echo:movies:[1 two]", job.Result)
	assert.Equal(t, "movies", job.Metadata["library"])
}

func TestSubmitDuplicateIDOverwrites(t *testing.T) {
	c := createTestController(t, testConfig(), Options{})

	var firstRan atomic.Bool
	_, err := c.Submit("first", func(ctx context.Context, job *Handle, args ...any) (any, error) {
		firstRan.Store(true)
		return nil, nil
	}, WithID("dup"))
	require.NoError(t, err)
	_, err = c.Submit("second", sleeper(0), WithID("dup"))
	require.NoError(t, err)

	require.NoError(t, c.Start())
	job := waitForStatus(t, c, "dup", types.StatusCompleted)
	assert.Equal(t, "second", job.Name)
	assert.Equal(t, "slept", job.Result)

	// stale descriptor of the first registration is discarded
	time.Sleep(50 * time.Millisecond)
	assert.False(t, firstRan.Load())
	assert.Equal(t, 1, c.Stats().TotalJobs)
}

// ============================================================================
// Execution outcomes
// ============================================================================

func TestJobCompletesWithDuration(t *testing.T) {
	c := createTestController(t, testConfig(), Options{})
	require.NoError(t, c.Start())

	id, err := c.Submit("nap", sleeper(100*time.Millisecond))
	require.NoError(t, err)

	job := waitForStatus(t, c, id, types.StatusCompleted)
	assert.Equal(t, "slept", job.Result)
	assert.Empty(t, job.Error)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
	assert.False(t, job.StartedAt.Before(job.CreatedAt))

	d, ok := job.Duration(time.Now())
	require.True(t, ok)
	assert.GreaterOrEqual(t, d, 100*time.Millisecond)
}

func TestJobFailsOnError(t *testing.T) {
	c := createTestController(t, testConfig(), Options{})
	require.NoError(t, c.Start())

	id, err := c.Submit("broken", func(ctx context.Context, job *Handle, args ...any) (any, error) {
		return "partial", errors.New("disk unreachable")
	})
	require.NoError(t, err)

	job := waitForStatus(t, c, id, types.StatusFailed)
	assert.Equal(t, "disk unreachable", job.Error)
	assert.Nil(t, job.Result)
	assert.NotNil(t, job.CompletedAt)
}

func TestJobFailsOnPanic(t *testing.T) {
	c := createTestController(t, testConfig(), Options{})
	require.NoError(t, c.Start())

	id, err := c.Submit("panicky", func(ctx context.Context, job *Handle, args ...any) (any, error) {
		panic("nil map")
	})
	require.NoError(t, err)

	job := waitForStatus(t, c, id, types.StatusFailed)
	assert.Contains(t, job.Error, "nil map")

	// the worker keeps serving
	id2, err := c.Submit("after", sleeper(0))
	require.NoError(t, err)
	waitForStatus(t, c, id2, types.StatusCompleted)
}

// ============================================================================
// Concurrency
// ============================================================================

func TestConcurrencyCapAndQueueDepth(t *testing.T) {
	c := createTestController(t, testConfig(), Options{})
	release := make(chan struct{})
	var started atomic.Int32

	ids := make([]types.JobID, 5)
	for i := range ids {
		id, err := c.Submit(fmt.Sprintf("job-%d", i), blocker(release, &started))
		require.NoError(t, err)
		ids[i] = id
	}
	require.NoError(t, c.Start())

	require.Eventually(t, func() bool { return started.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	stats := c.Stats()
	assert.Equal(t, 2, stats.InFlight)
	assert.Equal(t, 3, stats.QueueDepth)
	assert.Equal(t, 5, stats.TotalJobs)
	assert.Equal(t, 2, stats.MaxConcurrent)
	assert.True(t, stats.Running)
	assert.Equal(t, 2, stats.StatusCounts[types.StatusRunning])
	assert.Equal(t, 3, stats.StatusCounts[types.StatusPending])
	assert.Equal(t, int32(2), started.Load())

	close(release)
	for _, id := range ids {
		waitForStatus(t, c, id, types.StatusCompleted)
	}
	assert.Equal(t, 5, c.Stats().StatusCounts[types.StatusCompleted])
}

func TestSubmitNeverBlocksBeforeStart(t *testing.T) {
	c := createTestController(t, testConfig(), Options{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			_, _ = c.Submit("bulk", sleeper(0))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked without running workers")
	}
	assert.Equal(t, 1000, c.Stats().QueueDepth)
	assert.False(t, c.Stats().Running)
}

// ============================================================================
// Cancellation
// ============================================================================

func TestCancelPendingNeverExecutes(t *testing.T) {
	c := createTestController(t, testConfig(), Options{})

	var ran atomic.Bool
	id, err := c.Submit("never", func(ctx context.Context, job *Handle, args ...any) (any, error) {
		ran.Store(true)
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, c.Stats().QueueDepth)

	assert.True(t, c.Cancel(id))
	job, _ := c.Get(id)
	assert.Equal(t, types.StatusCancelled, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Nil(t, job.StartedAt)
	assert.Empty(t, job.Error)
	assert.Equal(t, 0, c.Stats().QueueDepth)

	require.NoError(t, c.Start())
	time.Sleep(100 * time.Millisecond)
	assert.False(t, ran.Load())

	job, _ = c.Get(id)
	assert.Equal(t, types.StatusCancelled, job.Status)
}

func TestCancelRunning(t *testing.T) {
	c := createTestController(t, testConfig(), Options{})
	require.NoError(t, c.Start())

	var started atomic.Int32
	id, err := c.Submit("long", blocker(make(chan struct{}), &started))
	require.NoError(t, err)
	waitForStatus(t, c, id, types.StatusRunning)

	assert.True(t, c.Cancel(id))
	job := waitForStatus(t, c, id, types.StatusCancelled)
	assert.Empty(t, job.Error)
	assert.Nil(t, job.Result)
	assert.NotNil(t, job.StartedAt)
}

func TestCancelUnknownAndTerminal(t *testing.T) {
	c := createTestController(t, testConfig(), Options{})
	require.NoError(t, c.Start())

	assert.False(t, c.Cancel("missing"))

	id, err := c.Submit("quick", sleeper(0))
	require.NoError(t, err)
	waitForStatus(t, c, id, types.StatusCompleted)

	assert.False(t, c.Cancel(id))
	job, _ := c.Get(id)
	assert.Equal(t, types.StatusCompleted, job.Status)

	assert.False(t, c.Cancel(id), "repeated cancel of a terminal job")
}

func TestStopForcesRunningJobsCancelled(t *testing.T) {
	config := testConfig()
	config.ShutdownTimeout = 100 * time.Millisecond
	c := createTestController(t, config, Options{})
	require.NoError(t, c.Start())

	// ignores ctx entirely
	release := make(chan struct{})
	defer close(release)
	var started atomic.Int32
	id, err := c.Submit("deaf", func(ctx context.Context, job *Handle, args ...any) (any, error) {
		started.Add(1)
		<-release
		return "too late", nil
	})
	require.NoError(t, err)
	waitForStatus(t, c, id, types.StatusRunning)

	begin := time.Now()
	c.Stop()
	assert.Less(t, time.Since(begin), time.Second)

	job, _ := c.Get(id)
	assert.Equal(t, types.StatusCancelled, job.Status)
	assert.False(t, c.Stats().Running)
}

func TestStopAndRestartKeepsQueuedJobs(t *testing.T) {
	config := testConfig()
	config.MaxConcurrentTasks = 1
	c := createTestController(t, config, Options{})
	require.NoError(t, c.Start())
	require.NoError(t, c.Start())

	running, err := c.Submit("running", blocker(make(chan struct{}), nil))
	require.NoError(t, err)
	waitForStatus(t, c, running, types.StatusRunning)
	queued, err := c.Submit("queued", sleeper(0))
	require.NoError(t, err)

	c.Stop()
	c.Stop()

	job, _ := c.Get(running)
	assert.Equal(t, types.StatusCancelled, job.Status)
	job, _ = c.Get(queued)
	assert.Equal(t, types.StatusPending, job.Status)
	assert.Equal(t, 1, c.Stats().QueueDepth)

	require.NoError(t, c.Start())
	waitForStatus(t, c, queued, types.StatusCompleted)
}

// ============================================================================
// Progress
// ============================================================================

func TestProgressPartialUpdates(t *testing.T) {
	c := createTestController(t, testConfig(), Options{})

	id, err := c.Submit("manual", sleeper(0))
	require.NoError(t, err)

	assert.True(t, c.UpdateProgress(id, types.WithTotal(10)))
	assert.True(t, c.UpdateProgress(id, types.WithCurrent(3)))
	assert.True(t, c.UpdateProgress(id, types.WithMessage("x")))

	job, _ := c.Get(id)
	assert.Equal(t, types.Progress{Current: 3, Total: 10, Message: "x"}, job.Progress)
	assert.InDelta(t, 30.0, job.Progress.Percentage(), 0.001)

	assert.False(t, c.UpdateProgress("missing", types.WithCurrent(1)))
}

func TestProgressFromHandle(t *testing.T) {
	c := createTestController(t, testConfig(), Options{})
	require.NoError(t, c.Start())

	checkpoint := make(chan struct{})
	proceed := make(chan struct{})
	id, err := c.Submit("reporter", func(ctx context.Context, job *Handle, args ...any) (any, error) {
		job.UpdateProgress(types.WithTotal(4), types.WithMessage("discovering"))
		job.UpdateProgress(types.WithCurrent(2))
		close(checkpoint)
		<-proceed
		snap, _ := job.Snapshot()
		return snap.Progress.Current, nil
	})
	require.NoError(t, err)

	<-checkpoint
	job, _ := c.Get(id)
	assert.Equal(t, types.StatusRunning, job.Status)
	assert.Equal(t, types.Progress{Current: 2, Total: 4, Message: "discovering"}, job.Progress)
	assert.InDelta(t, 50.0, job.Progress.Percentage(), 0.001)
	close(proceed)

	job = waitForStatus(t, c, id, types.StatusCompleted)
	assert.Equal(t, 2, job.Result)
	assert.False(t, c.UpdateProgress(id, types.WithCurrent(4)), "terminal jobs are frozen")
}

// ============================================================================
// Listing
// ============================================================================

func TestListFilterAndPagination(t *testing.T) {
	c := createTestController(t, testConfig(), Options{})

	for i := 0; i < 5; i++ {
		_, err := c.Submit(fmt.Sprintf("job-%d", i), sleeper(0), WithID(fmt.Sprintf("job-%d", i)))
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, c.Cancel("job-1"))
	require.True(t, c.Cancel("job-3"))

	all := c.List(ListOptions{})
	require.Len(t, all, 5)
	assert.Equal(t, types.JobID("job-4"), all[0].ID)
	assert.Equal(t, types.JobID("job-0"), all[4].ID)

	page := c.List(ListOptions{Limit: 2, Offset: 1})
	require.Len(t, page, 2)
	assert.Equal(t, types.JobID("job-3"), page[0].ID)
	assert.Equal(t, types.JobID("job-2"), page[1].ID)

	cancelled := c.List(ListOptions{Status: types.StatusCancelled})
	require.Len(t, cancelled, 2)
	assert.Equal(t, types.JobID("job-3"), cancelled[0].ID)
	assert.Equal(t, types.JobID("job-1"), cancelled[1].ID)

	pending := c.List(ListOptions{Status: types.StatusPending, Offset: 1, Limit: 5})
	require.Len(t, pending, 2)
	assert.Equal(t, types.JobID("job-2"), pending[0].ID)
	assert.Equal(t, types.JobID("job-0"), pending[1].ID)

	assert.Empty(t, c.List(ListOptions{Offset: 10}))
}

// ============================================================================
// Retention
// ============================================================================

func TestPruneArchivesOldestTerminalJobs(t *testing.T) {
	config := testConfig()
	config.MaxHistory = 2
	archive := history.NewFileStore(filepath.Join(t.TempDir(), "history.json"), 0)
	c := createTestController(t, config, Options{History: archive})

	for i := 0; i < 4; i++ {
		id, err := c.Submit("old", sleeper(0), WithID(fmt.Sprintf("done-%d", i)))
		require.NoError(t, err)
		require.True(t, c.Cancel(id))
		time.Sleep(2 * time.Millisecond)
	}
	_, err := c.Submit("waiting", sleeper(0), WithID("waiting"))
	require.NoError(t, err)

	assert.Equal(t, 2, c.Prune())
	assert.Same(t, archive, c.History())

	_, ok := c.Get("done-0")
	assert.False(t, ok)
	_, ok = c.Get("done-3")
	assert.True(t, ok)
	_, ok = c.Get("waiting")
	assert.True(t, ok)

	archived, err := archive.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, archived, 2)
}

// ============================================================================
// Subscriptions and metrics
// ============================================================================

type statusLog struct {
	mu   sync.Mutex
	seen []types.JobStatus
}

func (l *statusLog) add(job types.Job) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, job.Status)
}

func (l *statusLog) snapshot() []types.JobStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.JobStatus(nil), l.seen...)
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	c := createTestController(t, testConfig(), Options{})
	log := &statusLog{}
	unsubscribe := c.Subscribe(log.add)

	// a panicking listener must not break delivery
	c.Subscribe(func(types.Job) { panic("bad listener") })

	require.NoError(t, c.Start())
	id, err := c.Submit("watched", sleeper(0))
	require.NoError(t, err)
	waitForStatus(t, c, id, types.StatusCompleted)

	require.Eventually(t, func() bool { return len(log.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []types.JobStatus{types.StatusPending, types.StatusRunning, types.StatusCompleted}, log.snapshot())

	unsubscribe()
	unsubscribe()
	_, err = c.Submit("unwatched", sleeper(0))
	require.NoError(t, err)
	assert.Len(t, log.snapshot(), 3)
}

func TestMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := createTestController(t, testConfig(), Options{Metrics: metrics.NewCollector(reg)})
	require.NoError(t, c.Start())

	ok, err := c.Submit("ok", sleeper(0))
	require.NoError(t, err)
	bad, err := c.Submit("bad", func(ctx context.Context, job *Handle, args ...any) (any, error) {
		return nil, errors.New("nope")
	})
	require.NoError(t, err)
	waitForStatus(t, c, ok, types.StatusCompleted)
	waitForStatus(t, c, bad, types.StatusFailed)

	values := map[string]float64{}
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if m := mf.GetMetric(); len(m) > 0 && m[0].GetCounter() != nil {
			values[mf.GetName()] = m[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, values["scenescape_jobs_submitted_total"])
	assert.Equal(t, 2.0, values["scenescape_jobs_started_total"])
	assert.Equal(t, 1.0, values["scenescape_jobs_completed_total"])
	assert.Equal(t, 1.0, values["scenescape_jobs_failed_total"])
}
