package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/scenescape/pkg/types"
)

// RunFunc 已綁定參數的工作單元，ctx 即該任務的取消權杖
type RunFunc func(ctx context.Context) (any, error)

// Task 佇列中的任務描述符
type Task struct {
	ID  types.JobID // 任務唯一識別碼
	Seq uint64      // 註冊序號，用於判斷描述符是否過期
	Run RunFunc     // 要執行的工作
}

// Result 代表任務執行結果
type Result struct {
	JobID     types.JobID   // 任務 ID
	Value     any           // 回呼返回值
	Err       error         // 錯誤訊息（如果有）
	Cancelled bool          // 回呼返回時任務 context 已被取消
	Duration  time.Duration // 實際執行時間
}

// Status maps the outcome onto a terminal job status.
func (r Result) Status() types.JobStatus {
	switch {
	case r.Err == nil:
		return types.StatusCompleted
	case r.Cancelled:
		return types.StatusCancelled
	default:
		return types.StatusFailed
	}
}
