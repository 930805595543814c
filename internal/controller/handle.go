package controller

import (
	"context"
	"maps"
	"strings"

	"github.com/ChuLiYu/scenescape/pkg/types"
)

// WorkFunc 工作單元
//
// ctx 在任務被取消或 Controller 停止時結束；回呼應定期檢查 ctx 並返回
// ctx.Err()。返回 nil 錯誤即視為完成，返回值存入任務的 result。
type WorkFunc func(ctx context.Context, job *Handle, args ...any) (any, error)

// Handle 回呼用來回報進度與讀取自身資訊
type Handle struct {
	c        *Controller
	id       types.JobID
	seq      uint64
	name     string
	metadata map[string]any
}

// ID 任務 ID
func (h *Handle) ID() types.JobID { return h.id }

// Name 任務名稱
func (h *Handle) Name() string { return h.name }

// Metadata 返回提交時的 metadata 拷貝
func (h *Handle) Metadata() map[string]any { return maps.Clone(h.metadata) }

// UpdateProgress 更新進度；只修改有提供的欄位
func (h *Handle) UpdateProgress(opts ...types.ProgressOption) bool {
	job, ok := h.c.jobs.UpdateProgressSeq(h.id, h.seq, opts...)
	if ok {
		h.c.notify(job)
	}
	return ok
}

// Snapshot 返回任務目前的快照
func (h *Handle) Snapshot() (types.Job, bool) {
	return h.c.jobs.Get(h.id)
}

// ============================================================================
// 提交選項
// ============================================================================

type submitOptions struct {
	id       types.JobID
	idSet    bool
	metadata map[string]any
	args     []any
}

// SubmitOption 自訂 Submit 行為
type SubmitOption func(*submitOptions)

// WithID 使用呼叫者指定的 ID；與既有任務相同時覆蓋舊紀錄
func WithID(id string) SubmitOption {
	return func(o *submitOptions) {
		o.id = types.JobID(id)
		o.idSet = true
	}
}

// WithMetadata 附加任意 metadata（淺拷貝）
func WithMetadata(md map[string]any) SubmitOption {
	return func(o *submitOptions) { o.metadata = md }
}

// WithArgs 執行時傳給 WorkFunc 的額外參數
func WithArgs(args ...any) SubmitOption {
	return func(o *submitOptions) { o.args = args }
}

func validID(id types.JobID) bool {
	return strings.TrimSpace(string(id)) != ""
}
