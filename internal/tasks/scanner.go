// ============================================================================
// SceneScape Media Scanner - 媒體目錄掃描任務
// ============================================================================
//
// Package: internal/tasks
// 文件: scanner.go
// 功能: 遍歷目錄找出影片檔並從檔名推斷媒體資訊
//
// 兩階段進度:
//   1. 探索：遍歷目錄，收集副檔名符合的檔案，完成後設定 total
//   2. 解析：逐一解析檔名，每個檔案更新 current
//
//   兩個階段之間與每個檔案之間都會檢查 ctx，取消時返回 ctx.Err()。
//
// 跳過規則:
//   - skip_hidden: 以 "." 開頭的檔案與目錄（根目錄除外）
//   - recursive=false: 只看根目錄下的檔案
//   - max_file_size_mb: 超過大小的檔案
//
// ============================================================================

package tasks

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ChuLiYu/scenescape/pkg/types"
)

// KindScan 掃描任務的類型名稱
const KindScan = "scan"

var (
	// ErrNotDirectory 掃描路徑不是目錄
	ErrNotDirectory = errors.New("scan path is not a directory")
)

// Reporter 回報進度；*controller.Handle 滿足此介面
type Reporter interface {
	UpdateProgress(opts ...types.ProgressOption) bool
}

// ScanParams 掃描參數
type ScanParams struct {
	Path      string `json:"path"`
	Recursive *bool  `json:"recursive,omitempty"` // nil 使用設定值
}

// MediaFile 掃描到的單一檔案
type MediaFile struct {
	Path   string      `json:"path"`
	Size   int64       `json:"size"`
	Ext    string      `json:"ext"`
	Parsed ParsedMedia `json:"parsed"`
}

// ScanResult 掃描結果
type ScanResult struct {
	Root       string         `json:"root"`
	Files      []MediaFile    `json:"files"`
	TotalBytes int64          `json:"total_bytes"`
	Skipped    int            `json:"skipped"`
	ByType     map[string]int `json:"by_type"`
}

// Scanner 媒體掃描器
type Scanner struct {
	cfg MediaConfig
	log logrus.FieldLogger
}

// NewScanner 建立掃描器
func NewScanner(cfg MediaConfig, logger logrus.FieldLogger) *Scanner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scanner{cfg: cfg, log: logger.WithField("task", KindScan)}
}

// Validate 檢查參數；路徑必須是存在的目錄
func (s *Scanner) Validate(p ScanParams) (ScanParams, error) {
	if strings.TrimSpace(p.Path) == "" {
		return p, fmt.Errorf("%w: path is required", ErrInvalidParams)
	}
	abs, err := filepath.Abs(p.Path)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if !info.IsDir() {
		return p, fmt.Errorf("%w: %w", ErrInvalidParams, ErrNotDirectory)
	}
	p.Path = abs
	return p, nil
}

// Scan 執行掃描
func (s *Scanner) Scan(ctx context.Context, progress Reporter, p ScanParams) (ScanResult, error) {
	recursive := s.cfg.Recursive
	if p.Recursive != nil {
		recursive = *p.Recursive
	}

	progress.UpdateProgress(types.WithMessage("discovering files in " + p.Path))

	// 1. 探索
	var candidates []MediaFile
	skipped := 0
	err := filepath.WalkDir(p.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == p.Path {
				return err
			}
			s.log.WithError(err).WithField("path", path).Warn("Skipping unreadable entry")
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		hidden := path != p.Path && strings.HasPrefix(d.Name(), ".")
		if d.IsDir() {
			if path == p.Path {
				return nil
			}
			if !recursive || (s.cfg.SkipHidden && hidden) {
				return filepath.SkipDir
			}
			return nil
		}

		if s.cfg.SkipHidden && hidden {
			return nil
		}
		if !d.Type().IsRegular() || !s.cfg.isVideo(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if s.cfg.MaxFileSizeMB > 0 && info.Size() > s.cfg.MaxFileSizeMB*1024*1024 {
			s.log.WithField("path", path).Warn("File too large, skipping")
			skipped++
			return nil
		}

		candidates = append(candidates, MediaFile{
			Path: path,
			Size: info.Size(),
			Ext:  strings.ToLower(filepath.Ext(path)),
		})
		return nil
	})
	if err != nil {
		return ScanResult{}, err
	}

	progress.UpdateProgress(
		types.WithTotal(len(candidates)),
		types.WithCurrent(0),
		types.WithMessage(fmt.Sprintf("found %d files", len(candidates))),
	)

	// 2. 解析
	result := ScanResult{
		Root:    p.Path,
		Files:   make([]MediaFile, 0, len(candidates)),
		Skipped: skipped,
		ByType:  make(map[string]int),
	}
	for i, f := range candidates {
		if err := ctx.Err(); err != nil {
			return ScanResult{}, err
		}

		f.Parsed = ParseFilename(f.Path)
		result.Files = append(result.Files, f)
		result.TotalBytes += f.Size
		result.ByType[f.Parsed.MediaType]++

		progress.UpdateProgress(
			types.WithCurrent(i+1),
			types.WithMessage(filepath.Base(f.Path)),
		)
	}

	progress.UpdateProgress(types.WithMessage(fmt.Sprintf("scanned %d files", len(result.Files))))
	s.log.WithFields(logrus.Fields{
		"root":  p.Path,
		"files": len(result.Files),
		"bytes": result.TotalBytes,
	}).Info("Scan finished")
	return result, nil
}
