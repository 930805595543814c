// ============================================================================
// SceneScape Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理固定數量 Worker goroutine 的生命週期與執行中任務的取消
//
// 設計模式:
//   採用 Worker Pool 模式：
//   1. 固定數量（max_concurrent_tasks）的 Worker goroutine
//   2. 透過共享的無界 Queue 分發任務（提交方永不阻塞）
//   3. 每個執行中的任務擁有自己的 context，作為取消權杖
//   4. 狀態轉換透過 Tracker 回報給 Controller
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ --Push()--> Queue
//   └─────────────┘               │
//         ↑                       ↓ Pop(timeout)
//   Tracker.Begin/Finish   ┌─────────────┐
//         └────────────────│  Worker 1..N │
//                          └─────────────┘
//
// 生命週期:
//   1. NewPool()    - 建立 Pool（不啟動 goroutine）
//   2. Start()      - 啟動 N 個 Worker，每次啟動是一個新的世代 (generation)
//   3. Cancel(id)   - 取消執行中任務的 context（協作式）
//   4. Stop(ctx)    - 取消所有執行中任務、強制標記 Cancelled、等待 Worker 退出
//   5. Start()      - 停止後可再次啟動，佇列中的任務保留
//
// 優雅關閉:
//   Stop() 流程：
//   1. 標記 running = false，取消世代 context（Worker 與任務 context 一併取消）
//   2. 對所有執行中任務呼叫 Tracker.Abort（強制 Cancelled，不等回呼返回）
//   3. 等待該世代的 Worker 退出，直到 ctx 逾時
//
//   不配合取消的回呼可能在 Stop() 返回後才結束；其結果會被丟棄，
//   因為終止狀態不可被覆寫。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/scenescape/pkg/types"
	"github.com/sirupsen/logrus"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrInvalidPoolSize 表示 Worker 數量不合法
	ErrInvalidPoolSize = errors.New("worker pool size must be greater than 0")
)

// DefaultPollTimeout Worker 從佇列取任務的最長等待時間
const DefaultPollTimeout = time.Second

// ============================================================================
// 資料結構定義
// ============================================================================

// flight 執行中任務的追蹤資訊
type flight struct {
	task   Task
	cancel context.CancelFunc
}

// generation 一次 Start() 到 Stop() 之間的 Worker 集合
type generation struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	queue       *Queue
	tracker     Tracker
	size        int
	pollTimeout time.Duration
	log         logrus.FieldLogger

	mu      sync.Mutex // 保護 running 與 current
	running bool
	current *generation

	flightMu sync.Mutex
	inFlight map[types.JobID]*flight
}

// Options 可選參數
type Options struct {
	PollTimeout time.Duration
	Logger      logrus.FieldLogger
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
//
// 參數：
//   - size: Worker 數量（即最大並發任務數）
//   - queue: 任務佇列
//   - tracker: 狀態轉換的接收者
func NewPool(size int, queue *Queue, tracker Tracker, opts Options) (*Pool, error) {
	if size < 1 {
		return nil, ErrInvalidPoolSize
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &Pool{
		queue:       queue,
		tracker:     tracker,
		size:        size,
		pollTimeout: opts.PollTimeout,
		log:         opts.Logger,
		inFlight:    make(map[types.JobID]*flight),
	}, nil
}

// Start 啟動 Worker；已在執行時為 no-op
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	gen := &generation{cancel: cancel}

	for i := 0; i < p.size; i++ {
		w := newWorker(i, p)
		gen.wg.Add(1)
		go func() {
			defer gen.wg.Done()
			w.Run(ctx)
		}()
	}

	p.current = gen
	p.running = true
	p.log.WithField("workers", p.size).Info("Worker pool started")
}

// Stop 停止 Worker Pool；未啟動時為 no-op
//
// 參數：
//   - ctx: 等待 Worker 退出的期限
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	gen := p.current
	p.current = nil
	p.mu.Unlock()

	// 1. 取消世代 context，所有任務 context 隨之取消
	gen.cancel()

	// 2. 強制標記所有執行中任務為 Cancelled
	p.flightMu.Lock()
	flights := make([]*flight, 0, len(p.inFlight))
	for _, f := range p.inFlight {
		flights = append(flights, f)
	}
	p.flightMu.Unlock()

	for _, f := range flights {
		f.cancel()
		p.tracker.Abort(f.task)
	}

	// 3. 等待 Worker 退出
	done := make(chan struct{})
	go func() {
		gen.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("Worker pool stopped")
	case <-ctx.Done():
		p.log.WithField("in_flight", p.InFlight()).Warn("Worker pool stop timed out; callbacks still running")
	}
}

// Cancel 對執行中的任務發送取消訊號
//
// 返回值：
//   - bool: 任務在執行中並已發送訊號時為 true
func (p *Pool) Cancel(id types.JobID) bool {
	p.flightMu.Lock()
	f, ok := p.inFlight[id]
	p.flightMu.Unlock()

	if !ok {
		return false
	}
	f.cancel()
	return true
}

// track 登記執行中的任務；同 ID 已有較新序號在執行時返回 false，
// 該描述符已過期，不得覆蓋現有紀錄
func (p *Pool) track(task Task, cancel context.CancelFunc) bool {
	p.flightMu.Lock()
	defer p.flightMu.Unlock()
	if f, ok := p.inFlight[task.ID]; ok && f.task.Seq > task.Seq {
		return false
	}
	p.inFlight[task.ID] = &flight{task: task, cancel: cancel}
	return true
}

// untrack 只移除同一序號的紀錄；同 ID 的新任務可能已經開始執行
func (p *Pool) untrack(task Task) {
	p.flightMu.Lock()
	if f, ok := p.inFlight[task.ID]; ok && f.task.Seq == task.Seq {
		delete(p.inFlight, task.ID)
	}
	p.flightMu.Unlock()
}

// InFlight 返回目前執行中的任務數量
func (p *Pool) InFlight() int {
	p.flightMu.Lock()
	defer p.flightMu.Unlock()
	return len(p.inFlight)
}

// Size 返回 Worker 數量
func (p *Pool) Size() int {
	return p.size
}

// IsRunning 檢查 Pool 是否在執行中
func (p *Pool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
