// Package types 定義了 scenescape 背景任務編排器使用的核心領域模型
package types

import (
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusPending   JobStatus = "pending"   // 待處理：已提交，尚未被 worker 取出
	StatusRunning   JobStatus = "running"   // 執行中：worker 正在執行回呼
	StatusCompleted JobStatus = "completed" // 完成：回呼正常返回
	StatusFailed    JobStatus = "failed"    // 失敗：回呼返回錯誤或 panic
	StatusCancelled JobStatus = "cancelled" // 取消：待處理時被取消，或執行中收到取消訊號
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []JobStatus{
	StatusPending,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// IsTerminal reports whether no further transition is allowed from s.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus converts a user supplied string into a JobStatus.
func ParseStatus(s string) (JobStatus, bool) {
	st := JobStatus(s)
	return st, st.Valid()
}

// Progress 任務進度資訊
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

// Percentage returns current/total*100, or 0 when total is not positive.
func (p Progress) Percentage() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Current) / float64(p.Total) * 100
}

// ProgressOption mutates a single progress field. Fields without an option
// are left untouched.
type ProgressOption func(*Progress)

// WithCurrent sets Progress.Current.
func WithCurrent(n int) ProgressOption {
	return func(p *Progress) { p.Current = n }
}

// WithTotal sets Progress.Total.
func WithTotal(n int) ProgressOption {
	return func(p *Progress) { p.Total = n }
}

// WithMessage sets Progress.Message.
func WithMessage(msg string) ProgressOption {
	return func(p *Progress) { p.Message = msg }
}

// Job 任務快照，代表某一時刻的任務狀態（值拷貝，可安全跨 goroutine 傳遞）
type Job struct {
	// 識別（建立後不可變）
	ID        JobID          `json:"id"`
	Name      string         `json:"name"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`

	// 生命週期
	Status      JobStatus  `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// 執行資訊
	Progress Progress `json:"progress"`
	Result   any      `json:"result,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Duration returns the running time of the job. The second return value is
// false when the job has not started yet. Jobs still running are measured
// against now.
func (j Job) Duration(now time.Time) (time.Duration, bool) {
	if j.StartedAt == nil {
		return 0, false
	}
	end := now
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt), true
}

// Stats 編排器統計資訊
type Stats struct {
	TotalJobs     int               `json:"total_jobs"`
	InFlight      int               `json:"running_tasks"`
	QueueDepth    int               `json:"queue_size"`
	MaxConcurrent int               `json:"max_concurrent"`
	Running       bool              `json:"workers_running"`
	StatusCounts  map[JobStatus]int `json:"status_counts"`
}
