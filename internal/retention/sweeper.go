// ============================================================================
// SceneScape Retention Sweeper - 歷史任務清理
// ============================================================================
//
// Package: internal/retention
// 文件: sweeper.go
// 功能: 定期刪除最舊的終止任務，限制記憶體中的歷史筆數
//
// 清理規則:
//   1. 收集所有終止狀態（completed/failed/cancelled）的任務
//   2. 數量 <= max_history 時不做任何事
//   3. 否則依 completed_at 升序刪除最舊的超出部分
//   4. Pending/Running 任務永遠不會被刪除
//
// 排程:
//   使用 robfig/cron 的 cron.Every(sweep_interval)，最小間隔 1 秒。
//   SkipIfStillRunning 保證同一時間最多只有一輪清理。
//
// 歸檔:
//   被刪除的任務交給 history.Store（若有設定）。歸檔失敗只記錄日誌，
//   記憶體中的紀錄已經移除，不會重試。
//
// ============================================================================

package retention

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/ChuLiYu/scenescape/internal/history"
	"github.com/ChuLiYu/scenescape/internal/metrics"
	"github.com/ChuLiYu/scenescape/pkg/types"
)

// MinInterval 最小清理間隔（cron.Every 以秒為單位）
const MinInterval = time.Second

// DefaultArchiveTimeout 單輪歸檔的最長時間
const DefaultArchiveTimeout = 30 * time.Second

var ErrIntervalTooShort = errors.New("sweep interval must be at least 1s")

// Pruner 刪除超出上限的終止任務並返回被刪除的快照
type Pruner interface {
	Prune(maxHistory int) []types.Job
}

// Options 可選依賴
type Options struct {
	Archive        history.Store
	Metrics        *metrics.Collector
	Logger         logrus.FieldLogger
	ArchiveTimeout time.Duration
}

// Sweeper 定期清理器
type Sweeper struct {
	pruner     Pruner
	interval   time.Duration
	maxHistory int
	opts       Options
	log        logrus.FieldLogger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper 建立清理器（不啟動排程）
func NewSweeper(pruner Pruner, interval time.Duration, maxHistory int, opts Options) (*Sweeper, error) {
	if interval < MinInterval {
		return nil, ErrIntervalTooShort
	}
	if maxHistory < 0 {
		maxHistory = 0
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.ArchiveTimeout <= 0 {
		opts.ArchiveTimeout = DefaultArchiveTimeout
	}

	return &Sweeper{
		pruner:     pruner,
		interval:   interval,
		maxHistory: maxHistory,
		opts:       opts,
		log:        opts.Logger.WithField("component", "retention"),
	}, nil
}

// Start 啟動排程；已在執行時為 no-op
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return
	}

	c := cron.New(cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})))
	c.Schedule(cron.Every(s.interval), cron.FuncJob(func() { s.Sweep() }))
	c.Start()
	s.cron = c

	s.log.WithFields(logrus.Fields{
		"interval":    s.interval,
		"max_history": s.maxHistory,
	}).Info("Retention sweeper started")
}

// Stop 停止排程，並等待進行中的清理結束或 ctx 到期
func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
		s.log.Info("Retention sweeper stopped")
	case <-ctx.Done():
		s.log.Warn("Retention sweeper stop timed out")
	}
}

// Sweep 執行一輪清理並返回被刪除的任務
func (s *Sweeper) Sweep() []types.Job {
	pruned := s.pruner.Prune(s.maxHistory)
	if len(pruned) == 0 {
		return nil
	}

	s.opts.Metrics.RecordPruned(len(pruned))

	if s.opts.Archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ArchiveTimeout)
		defer cancel()
		if err := s.opts.Archive.Archive(ctx, pruned); err != nil {
			s.log.WithError(err).WithField("count", len(pruned)).Error("Failed to archive pruned jobs")
		}
	}

	s.log.WithFields(logrus.Fields{
		"pruned":      len(pruned),
		"max_history": s.maxHistory,
	}).Info("Pruned job history")
	return pruned
}

// cronLogger 將 cron 的內部日誌轉接到 logrus
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).WithError(err).Error(msg)
}

func kvFields(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			fields[key] = kv[i+1]
		}
	}
	return fields
}
