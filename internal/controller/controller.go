// ============================================================================
// SceneScape 控制器 - 背景任務編排器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 對外的唯一入口，協調任務表、佇列、Worker Pool 與歷史清理
//
// 架構設計:
//   Controller 負責協調以下組件：
//   - JobManager: 任務表與狀態機（pending/running/completed/failed/cancelled）
//   - Queue:      無界 FIFO，Submit 永不阻塞
//   - Pool:       固定數量的 Worker，每個任務有自己的取消 context
//   - Sweeper:    定期刪除最舊的終止任務並歸檔
//
//   Controller 以明確的建構函式建立並以依賴注入傳遞，沒有全域單例。
//
// 生命週期:
//   NewController() → Submit()...（啟動前也可提交）→ Start() → Stop()
//   Start/Stop 皆為冪等；Stop 之後可以再次 Start，佇列中的任務保留。
//
// 取消語意:
//   - Pending: 立即標記為 Cancelled 並從佇列移除，回呼永遠不會執行
//   - Running: 取消任務 context，回呼返回後才進入終止狀態
//   - 終止或未知: 返回 false
//
// 訂閱:
//   Subscribe() 在每次狀態轉換與進度更新後收到任務快照。
//   監聽函式在狀態變更的 goroutine 上同步呼叫，不能阻塞。
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ChuLiYu/scenescape/internal/history"
	"github.com/ChuLiYu/scenescape/internal/jobmanager"
	"github.com/ChuLiYu/scenescape/internal/metrics"
	"github.com/ChuLiYu/scenescape/internal/retention"
	"github.com/ChuLiYu/scenescape/internal/worker"
	"github.com/ChuLiYu/scenescape/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrInvalidJobID 呼叫者指定的 ID 為空白
	ErrInvalidJobID = errors.New("job id must not be empty")
	// ErrNilWorkFunc 提交時沒有提供工作函式
	ErrNilWorkFunc = errors.New("work func must not be nil")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Options 可選依賴
type Options struct {
	Logger  logrus.FieldLogger
	Metrics *metrics.Collector
	History history.Store // 被清理任務的歸檔，可為 nil
}

// ListOptions List() 的過濾與分頁參數
type ListOptions struct {
	Status types.JobStatus // 空字串表示不過濾
	Limit  int             // <= 0 表示不限制
	Offset int
}

// Controller 背景任務編排器
type Controller struct {
	config  Config
	jobs    *jobmanager.JobManager
	queue   *worker.Queue
	pool    *worker.Pool
	sweeper *retention.Sweeper
	metrics *metrics.Collector
	archive history.Store
	log     logrus.FieldLogger

	lifecycle sync.Mutex // 序列化 Start/Stop

	listenerMu sync.RWMutex
	listeners  map[int]func(types.Job)
	nextID     int
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例（不啟動 Worker）
//
// 參數：
//   - config: Controller 配置
//   - opts: 日誌、監控與歸檔
//
// 返回值：
//   - *Controller: Controller 實例
//   - error: 配置不合法
func NewController(config Config, opts Options) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	c := &Controller{
		config:    config,
		jobs:      jobmanager.NewJobManager(),
		queue:     worker.NewQueue(),
		metrics:   opts.Metrics,
		archive:   opts.History,
		log:       opts.Logger.WithField("component", "controller"),
		listeners: make(map[int]func(types.Job)),
	}

	pool, err := worker.NewPool(config.MaxConcurrentTasks, c.queue, c, worker.Options{
		PollTimeout: config.PollTimeout,
		Logger:      opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	c.pool = pool

	sweeper, err := retention.NewSweeper(c.jobs, config.SweepInterval, config.MaxHistory, retention.Options{
		Archive: opts.History,
		Metrics: opts.Metrics,
		Logger:  opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create retention sweeper: %w", err)
	}
	c.sweeper = sweeper

	return c, nil
}

// Start 啟動 Worker Pool 與歷史清理；已在執行時為 no-op
func (c *Controller) Start() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.pool.IsRunning() {
		return nil
	}

	c.pool.Start()
	c.sweeper.Start()
	c.refreshGauges()

	c.log.WithFields(logrus.Fields{
		"workers": c.config.MaxConcurrentTasks,
		"queued":  c.queue.Len(),
	}).Info("Controller started")
	return nil
}

// Stop 停止 Controller；未啟動時為 no-op
//
// 流程：
//  1. 停止歷史清理
//  2. 取消所有執行中任務並強制標記為 Cancelled
//  3. 等待 Worker 退出，最多 shutdown_timeout
func (c *Controller) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if !c.pool.IsRunning() {
		return
	}

	c.log.Info("Stopping controller...")

	ctx, cancel := context.WithTimeout(context.Background(), c.config.ShutdownTimeout)
	defer cancel()

	c.sweeper.Stop(ctx)
	c.pool.Stop(ctx)
	c.refreshGauges()

	c.log.WithField("queued", c.queue.Len()).Info("Controller stopped")
}

// Submit 提交任務並返回其 ID
//
// 提交永不阻塞；Start() 之前提交的任務會在啟動後執行。
//
// 錯誤處理：
//   - ErrInvalidJobID: WithID 指定了空白 ID
//   - ErrNilWorkFunc: fn 為 nil
func (c *Controller) Submit(name string, fn WorkFunc, opts ...SubmitOption) (types.JobID, error) {
	if fn == nil {
		return "", ErrNilWorkFunc
	}

	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}

	id := o.id
	if o.idSet {
		if !validID(id) {
			return "", ErrInvalidJobID
		}
	} else {
		id = types.JobID(uuid.NewString())
	}

	job, seq := c.jobs.Register(id, name, o.metadata)
	handle := &Handle{
		c:        c,
		id:       id,
		seq:      seq,
		name:     name,
		metadata: job.Metadata,
	}
	args := o.args

	// 先通知 pending，再交給 Worker，訂閱者看到的順序與狀態機一致
	c.notify(job)
	c.queue.Push(worker.Task{
		ID:  id,
		Seq: seq,
		Run: func(ctx context.Context) (any, error) {
			return fn(ctx, handle, args...)
		},
	})

	c.metrics.RecordSubmitted()
	c.refreshGauges()
	c.log.WithFields(logrus.Fields{"job_id": id, "job_name": name}).Debug("Job submitted")

	return id, nil
}

// Get 取得任務快照
func (c *Controller) Get(id types.JobID) (types.Job, bool) {
	return c.jobs.Get(id)
}

// List 依建立時間倒序列出任務，先過濾狀態再分頁
func (c *Controller) List(opts ListOptions) []types.Job {
	return c.jobs.List(opts.Status, opts.Limit, opts.Offset)
}

// Cancel 取消任務
//
// 返回值：
//   - bool: 任務為 Pending（已直接取消）或 Running（已發送取消訊號）時為 true
func (c *Controller) Cancel(id types.JobID) bool {
	if job, ok := c.jobs.CancelPending(id); ok {
		c.queue.Remove(id)
		c.metrics.RecordTerminal(types.StatusCancelled, 0, false)
		c.refreshGauges()
		c.log.WithField("job_id", id).Info("Cancelled pending job")
		c.notify(job)
		return true
	}

	job, ok := c.jobs.Get(id)
	if !ok || job.Status != types.StatusRunning {
		return false
	}

	if !c.pool.Cancel(id) {
		return false
	}
	c.log.WithField("job_id", id).Info("Cancellation requested for running job")
	return true
}

// UpdateProgress 更新任務進度；未知或已終止的任務返回 false
func (c *Controller) UpdateProgress(id types.JobID, opts ...types.ProgressOption) bool {
	job, ok := c.jobs.UpdateProgress(id, opts...)
	if ok {
		c.notify(job)
	}
	return ok
}

// Stats 取得編排器統計資訊
func (c *Controller) Stats() types.Stats {
	return types.Stats{
		TotalJobs:     c.jobs.Len(),
		InFlight:      c.pool.InFlight(),
		QueueDepth:    c.queue.Len(),
		MaxConcurrent: c.config.MaxConcurrentTasks,
		Running:       c.pool.IsRunning(),
		StatusCounts:  c.jobs.Stats(),
	}
}

// Prune 立即執行一輪歷史清理並返回被刪除的任務數量
func (c *Controller) Prune() int {
	return len(c.sweeper.Sweep())
}

// History 返回歸檔；未設定時為 nil
func (c *Controller) History() history.Store {
	return c.archive
}

// ============================================================================
// 訂閱
// ============================================================================

// Subscribe 註冊任務變更監聽函式，返回取消訂閱函式
func (c *Controller) Subscribe(fn func(types.Job)) (unsubscribe func()) {
	c.listenerMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenerMu.Lock()
			delete(c.listeners, id)
			c.listenerMu.Unlock()
		})
	}
}

func (c *Controller) notify(job types.Job) {
	c.listenerMu.RLock()
	fns := make([]func(types.Job), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenerMu.RUnlock()

	for _, fn := range fns {
		c.safeNotify(fn, job)
	}
}

func (c *Controller) safeNotify(fn func(types.Job), job types.Job) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("Job listener panicked")
		}
	}()
	fn(job)
}

func (c *Controller) refreshGauges() {
	c.metrics.UpdateQueueStats(c.queue.Len(), c.pool.InFlight())
}
