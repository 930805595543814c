package controller

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig 設定值不合法
var ErrInvalidConfig = errors.New("invalid controller config")

// Config Controller 配置
type Config struct {
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"` // Worker 數量（最大並發任務數）
	PollTimeout        time.Duration `yaml:"poll_timeout"`         // Worker 取任務的最長等待
	SweepInterval      time.Duration `yaml:"sweep_interval"`       // 歷史清理間隔
	MaxHistory         int           `yaml:"max_history"`          // 保留的終止任務筆數
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`     // Stop() 等待 Worker 的上限
}

// DefaultConfig 返回預設配置
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks: 5,
		PollTimeout:        time.Second,
		SweepInterval:      time.Hour,
		MaxHistory:         100,
		ShutdownTimeout:    5 * time.Second,
	}
}

// Validate 檢查配置
func (c Config) Validate() error {
	switch {
	case c.MaxConcurrentTasks < 1:
		return fmt.Errorf("%w: max_concurrent_tasks must be >= 1, got %d", ErrInvalidConfig, c.MaxConcurrentTasks)
	case c.PollTimeout <= 0:
		return fmt.Errorf("%w: poll_timeout must be positive, got %s", ErrInvalidConfig, c.PollTimeout)
	case c.SweepInterval < time.Second:
		return fmt.Errorf("%w: sweep_interval must be >= 1s, got %s", ErrInvalidConfig, c.SweepInterval)
	case c.MaxHistory < 0:
		return fmt.Errorf("%w: max_history must be >= 0, got %d", ErrInvalidConfig, c.MaxHistory)
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("%w: shutdown_timeout must be positive, got %s", ErrInvalidConfig, c.ShutdownTimeout)
	}
	return nil
}
