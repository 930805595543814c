// ============================================================================
// SceneScape History Archive
// ============================================================================
//
// Package: internal/history
// 文件: store.go
// 功能: 保存被保留策略清除的終止任務，供 /api/tasks/history 查詢
//
// 定位:
//   歸檔只接收已經終止、且已從記憶體任務表移除的紀錄。
//   它不是恢復機制：重新啟動後不會把歸檔載回調度器。
//
// 實作:
//   - SQLStore:  database/sql + sqlite3 或 postgres
//   - FileStore: 單一 JSON 文件，原子性寫入（temp file + rename）
//
// ============================================================================

package history

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/scenescape/pkg/types"
)

// 支援的驅動名稱
const (
	DriverNone     = "none"
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverFile     = "file"
)

var (
	// ErrUnknownDriver 設定中的驅動名稱不被支援
	ErrUnknownDriver = errors.New("unknown history driver")
	// ErrMissingDSN 需要 DSN 的驅動沒有提供
	ErrMissingDSN = errors.New("history dsn is required")
)

// Store 終止任務歸檔
type Store interface {
	// Archive 保存任務快照；同 ID 的紀錄以新內容覆蓋
	Archive(ctx context.Context, jobs []types.Job) error
	// Recent 依 completed_at 倒序返回最多 limit 筆（limit <= 0 表示全部）
	Recent(ctx context.Context, limit int) ([]types.Job, error)
	Close() error
}

// Config 歸檔設定
type Config struct {
	Driver     string `yaml:"driver"`
	DSN        string `yaml:"dsn"`
	MaxEntries int    `yaml:"max_entries"`
}

// Open 依設定建立歸檔；driver 為 none 或空字串時返回 (nil, nil)
func Open(cfg Config) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", DriverNone:
		return nil, nil
	case DriverSQLite, DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("%w for driver %s", ErrMissingDSN, driver)
		}
		s, err := OpenSQL(driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverFile:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("%w for driver %s", ErrMissingDSN, driver)
		}
		return NewFileStore(cfg.DSN, cfg.MaxEntries), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
