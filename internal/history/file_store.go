package history

// ============================================================================
// 職責說明：
// 1. 將歸檔任務序列化為單一 JSON 文件
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 可選的筆數上限，超出時丟棄最舊的紀錄
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/scenescape/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedArchive    = errors.New("history file is corrupted")
	ErrIncompatibleVersion = errors.New("history schema version is incompatible")
)

const schemaVersion = 1

// document 歸檔文件格式
type document struct {
	SchemaVer int         `json:"schema_version"`
	UpdatedAt time.Time   `json:"updated_at"`
	Jobs      []types.Job `json:"jobs"`
}

// FileStore JSON 文件歸檔
type FileStore struct {
	path       string     // 歸檔檔案路徑
	maxEntries int        // <= 0 表示不限制
	mu         sync.Mutex // 保護檔案操作
}

// NewFileStore 建立文件歸檔實例（檔案在第一次 Archive 時建立）
func NewFileStore(path string, maxEntries int) *FileStore {
	return &FileStore{
		path:       path,
		maxEntries: maxEntries,
	}
}

// Archive 合併新任務並原子性寫回
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (s *FileStore) Archive(ctx context.Context, jobs []types.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}

	// 同 ID 以新內容覆蓋
	index := make(map[types.JobID]int, len(doc.Jobs))
	for i, job := range doc.Jobs {
		index[job.ID] = i
	}
	for _, job := range jobs {
		if i, ok := index[job.ID]; ok {
			doc.Jobs[i] = job
			continue
		}
		index[job.ID] = len(doc.Jobs)
		doc.Jobs = append(doc.Jobs, job)
	}

	sortByCompletion(doc.Jobs)
	if s.maxEntries > 0 && len(doc.Jobs) > s.maxEntries {
		doc.Jobs = doc.Jobs[:s.maxEntries]
	}

	doc.SchemaVer = schemaVersion
	doc.UpdatedAt = time.Now()
	return s.write(doc)
}

// Recent 依 completed_at 倒序返回歸檔任務
func (s *FileStore) Recent(ctx context.Context, limit int) ([]types.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	sortByCompletion(doc.Jobs)
	if limit > 0 && limit < len(doc.Jobs) {
		doc.Jobs = doc.Jobs[:limit]
	}
	return doc.Jobs, nil
}

// Close 無需釋放資源
func (s *FileStore) Close() error {
	return nil
}

// Path 取得歸檔檔案路徑（用於測試與除錯）
func (s *FileStore) Path() string {
	return s.path
}

// load 讀取歸檔文件；檔案不存在時回傳空文件
func (s *FileStore) load() (document, error) {
	var doc document

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return document{SchemaVer: schemaVersion, Jobs: make([]types.Job, 0)}, nil
		}
		return doc, fmt.Errorf("failed to read history: %w", err)
	}

	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("%w: %v", ErrCorruptedArchive, err)
	}
	if doc.SchemaVer != schemaVersion {
		return doc, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, doc.SchemaVer, schemaVersion)
	}
	if doc.Jobs == nil {
		doc.Jobs = make([]types.Job, 0)
	}
	return doc, nil
}

func (s *FileStore) write(doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create history dir: %w", err)
		}
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp history: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename history: %w", err)
	}
	return nil
}

func sortByCompletion(jobs []types.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return completedAt(jobs[i]).After(completedAt(jobs[j]))
	})
}

func completedAt(job types.Job) time.Time {
	if job.CompletedAt == nil {
		return time.Time{}
	}
	return *job.CompletedAt
}
