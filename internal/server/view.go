package server

import (
	"time"

	"github.com/ChuLiYu/scenescape/pkg/types"
)

// JobView 任務的 JSON 表示，附加衍生欄位
type JobView struct {
	types.Job
	Percentage      float64  `json:"percentage"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
}

func newJobView(job types.Job, now time.Time) JobView {
	v := JobView{Job: job, Percentage: job.Progress.Percentage()}
	if d, ok := job.Duration(now); ok {
		secs := d.Seconds()
		v.DurationSeconds = &secs
	}
	return v
}

func newJobViews(jobs []types.Job, now time.Time) []JobView {
	views := make([]JobView, len(jobs))
	for i, job := range jobs {
		views[i] = newJobView(job, now)
	}
	return views
}

// errorResponse 錯誤回應格式
type errorResponse struct {
	Error string `json:"error"`
}
