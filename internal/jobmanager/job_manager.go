// ============================================================================
// SceneScape 任務管理器 - 任務狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理任務表與每個任務的狀態轉換
//
// 任務狀態轉換 (State Machine):
//   Pending (待處理)
//      ├─ Begin()         → Running (執行中)
//      └─ CancelPending() → Cancelled
//   Running
//      ├─ Finish()        → Completed / Failed / Cancelled
//      └─ Abort()         → Cancelled (停止 worker pool 時強制)
//
//   終止狀態 (Completed/Failed/Cancelled) 之後不再有任何轉換。
//
// 數據結構設計:
//   jobs map[JobID]*entry - 任務表，RWMutex 只保護成員關係（增刪查）
//   entry.mu              - 每個任務自己的互斥鎖，保護欄位更新
//
//   不同任務之間沒有全域寫鎖；同一任務的狀態、時間戳、進度在 entry.mu 下
//   一次性更新，讀者不會看到 status=running 但 started_at 為空的中間狀態。
//
// 鎖順序:
//   永遠先取 jm.mu 再取 entry.mu，任何持有 entry.mu 的路徑都不再回頭取 jm.mu。
//
// 序號 (seq):
//   每次 Register 分配遞增序號。呼叫者重複使用 ID 時新紀錄覆蓋舊紀錄，
//   佇列中仍持有舊序號的描述符在 Begin() 時被判定為過期 (ErrStaleEntry)。
//
// ============================================================================

package jobmanager

import (
	"errors"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/scenescape/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 任務不在待處理狀態
	ErrNotPending = errors.New("job not in pending status")
	// 任務不在執行中狀態
	ErrNotRunning = errors.New("job not running")
	// 描述符對應的紀錄已被同 ID 的新任務覆蓋
	ErrStaleEntry = errors.New("job entry superseded by a newer registration")
)

// entry 任務表中的單一紀錄
type entry struct {
	mu  sync.Mutex
	seq uint64
	job types.Job
}

func (e *entry) snapshot() types.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job
}

// JobManager 任務表，所有狀態轉換的唯一擁有者
type JobManager struct {
	mu   sync.RWMutex
	jobs map[types.JobID]*entry
	seq  uint64

	now func() time.Time
}

// NewJobManager 建立新的任務管理器實例
//
// 併發安全：返回的實例是執行緒安全的
func NewJobManager() *JobManager {
	return &JobManager{
		jobs: make(map[types.JobID]*entry),
		now:  time.Now,
	}
}

// Register 註冊一個待處理任務並返回其序號
//
// 同 ID 的既有紀錄會被覆蓋。Metadata 會被淺拷貝，呼叫者之後修改原 map
// 不影響任務紀錄。
func (jm *JobManager) Register(id types.JobID, name string, metadata map[string]any) (types.Job, uint64) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.seq++
	e := &entry{
		seq: jm.seq,
		job: types.Job{
			ID:        id,
			Name:      name,
			Metadata:  maps.Clone(metadata),
			CreatedAt: jm.now(),
			Status:    types.StatusPending,
		},
	}
	jm.jobs[id] = e
	return e.job, e.seq
}

func (jm *JobManager) lookup(id types.JobID) (*entry, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	e, ok := jm.jobs[id]
	return e, ok
}

// Get 取得任務快照
func (jm *JobManager) Get(id types.JobID) (types.Job, bool) {
	e, ok := jm.lookup(id)
	if !ok {
		return types.Job{}, false
	}
	return e.snapshot(), true
}

// Status 取得任務目前狀態
func (jm *JobManager) Status(id types.JobID) (types.JobStatus, bool) {
	job, ok := jm.Get(id)
	return job.Status, ok
}

// Begin 將任務從 Pending 轉為 Running 並記錄 started_at
//
// 錯誤處理：
//   - ErrJobNotFound: 任務已被清理
//   - ErrStaleEntry: 序號不符，描述符已過期
//   - ErrNotPending: 任務已被取消或已在執行
func (jm *JobManager) Begin(id types.JobID, seq uint64) (types.Job, error) {
	e, ok := jm.lookup(id)
	if !ok {
		return types.Job{}, ErrJobNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.seq != seq {
		return e.job, ErrStaleEntry
	}
	if e.job.Status != types.StatusPending {
		return e.job, ErrNotPending
	}

	now := jm.now()
	e.job.Status = types.StatusRunning
	e.job.StartedAt = &now
	return e.job, nil
}

// Finish 將執行中的任務轉為終止狀態
//
// status 必須是終止狀態。result 只在 Completed 時保留，errMsg 只在 Failed 時保留。
// 任務若已經是終止狀態（例如停止時被 Abort），返回 ErrNotRunning 且不做任何修改。
func (jm *JobManager) Finish(id types.JobID, seq uint64, status types.JobStatus, result any, errMsg string) (types.Job, error) {
	if !status.IsTerminal() {
		return types.Job{}, errors.New("finish requires a terminal status")
	}

	e, ok := jm.lookup(id)
	if !ok {
		return types.Job{}, ErrJobNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.seq != seq {
		return e.job, ErrStaleEntry
	}
	if e.job.Status != types.StatusRunning {
		return e.job, ErrNotRunning
	}

	now := jm.now()
	e.job.Status = status
	e.job.CompletedAt = &now
	switch status {
	case types.StatusCompleted:
		e.job.Result = result
	case types.StatusFailed:
		e.job.Error = errMsg
	}
	return e.job, nil
}

// Abort 強制將執行中的任務標記為 Cancelled（不等待回呼結束）
func (jm *JobManager) Abort(id types.JobID, seq uint64) (types.Job, error) {
	return jm.Finish(id, seq, types.StatusCancelled, nil, "")
}

// CancelPending 將待處理任務直接標記為 Cancelled
//
// 返回值：
//   - bool: 任務存在且原本為 Pending 時為 true
func (jm *JobManager) CancelPending(id types.JobID) (types.Job, bool) {
	e, ok := jm.lookup(id)
	if !ok {
		return types.Job{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status != types.StatusPending {
		return e.job, false
	}

	now := jm.now()
	e.job.Status = types.StatusCancelled
	e.job.CompletedAt = &now
	return e.job, true
}

// UpdateProgress 套用進度選項
//
// 未知 ID 或已終止的任務返回 false，且不做任何修改。
func (jm *JobManager) UpdateProgress(id types.JobID, opts ...types.ProgressOption) (types.Job, bool) {
	return jm.updateProgress(id, 0, opts)
}

// UpdateProgressSeq 同 UpdateProgress，但只在序號相符時套用
//
// 供執行中的回呼使用：同 ID 的任務被重新提交後，舊回呼的進度不會寫入新紀錄。
func (jm *JobManager) UpdateProgressSeq(id types.JobID, seq uint64, opts ...types.ProgressOption) (types.Job, bool) {
	return jm.updateProgress(id, seq, opts)
}

func (jm *JobManager) updateProgress(id types.JobID, seq uint64, opts []types.ProgressOption) (types.Job, bool) {
	e, ok := jm.lookup(id)
	if !ok {
		return types.Job{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if seq != 0 && e.seq != seq {
		return e.job, false
	}
	if e.job.Status.IsTerminal() {
		return e.job, false
	}
	for _, opt := range opts {
		opt(&e.job.Progress)
	}
	return e.job, true
}

type listed struct {
	seq uint64
	job types.Job
}

// List 依建立時間倒序返回任務，先過濾狀態再分頁
//
// 參數說明：
//   - status: 空字串表示不過濾
//   - limit: <= 0 表示不限制
//   - offset: 跳過的筆數
func (jm *JobManager) List(status types.JobStatus, limit, offset int) []types.Job {
	jm.mu.RLock()
	all := make([]listed, 0, len(jm.jobs))
	for _, e := range jm.jobs {
		e.mu.Lock()
		if status == "" || e.job.Status == status {
			all = append(all, listed{seq: e.seq, job: e.job})
		}
		e.mu.Unlock()
	}
	jm.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
			return a.job.CreatedAt.After(b.job.CreatedAt)
		}
		return a.seq > b.seq
	})

	if offset > 0 {
		if offset >= len(all) {
			return []types.Job{}
		}
		all = all[offset:]
	}
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}

	jobs := make([]types.Job, len(all))
	for i, l := range all {
		jobs[i] = l.job
	}
	return jobs
}

// Prune 刪除最舊的終止任務，只保留 maxHistory 筆
//
// 依 completed_at 升序排序後刪除超出的部分；Pending/Running 任務永遠不會被刪除。
//
// 返回值：
//   - []types.Job: 被刪除的任務快照（供歸檔使用）
func (jm *JobManager) Prune(maxHistory int) []types.Job {
	if maxHistory < 0 {
		maxHistory = 0
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	terminal := make([]types.Job, 0)
	for _, e := range jm.jobs {
		e.mu.Lock()
		if e.job.Status.IsTerminal() {
			terminal = append(terminal, e.job)
		}
		e.mu.Unlock()
	}

	if len(terminal) <= maxHistory {
		return nil
	}

	sort.Slice(terminal, func(i, j int) bool {
		return completedAt(terminal[i]).Before(completedAt(terminal[j]))
	})

	excess := terminal[:len(terminal)-maxHistory]
	for _, job := range excess {
		delete(jm.jobs, job.ID)
	}
	return excess
}

func completedAt(job types.Job) time.Time {
	if job.CompletedAt == nil {
		return time.Time{}
	}
	return *job.CompletedAt
}

// Len 返回任務表中的任務數量
func (jm *JobManager) Len() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.jobs)
}

// Stats 取得各狀態任務的統計資訊
//
// 每個已知狀態都會出現在結果中（數量可能為 0）。
func (jm *JobManager) Stats() map[types.JobStatus]int {
	counts := make(map[types.JobStatus]int, len(types.AllStatuses))
	for _, st := range types.AllStatuses {
		counts[st] = 0
	}

	jm.mu.RLock()
	defer jm.mu.RUnlock()
	for _, e := range jm.jobs {
		e.mu.Lock()
		counts[e.job.Status]++
		e.mu.Unlock()
	}
	return counts
}
