package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ChuLiYu/scenescape/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_history (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	status           TEXT NOT NULL,
	created_at       BIGINT NOT NULL,
	started_at       BIGINT,
	completed_at     BIGINT,
	progress_current INTEGER NOT NULL DEFAULT 0,
	progress_total   INTEGER NOT NULL DEFAULT 0,
	progress_message TEXT NOT NULL DEFAULT '',
	metadata         TEXT,
	result           TEXT,
	error            TEXT NOT NULL DEFAULT '',
	archived_at      BIGINT NOT NULL
)`

const upsertJob = `
INSERT INTO job_history (
	id, name, status, created_at, started_at, completed_at,
	progress_current, progress_total, progress_message,
	metadata, result, error, archived_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	name = excluded.name,
	status = excluded.status,
	created_at = excluded.created_at,
	started_at = excluded.started_at,
	completed_at = excluded.completed_at,
	progress_current = excluded.progress_current,
	progress_total = excluded.progress_total,
	progress_message = excluded.progress_message,
	metadata = excluded.metadata,
	result = excluded.result,
	error = excluded.error,
	archived_at = excluded.archived_at`

const selectRecent = `
SELECT id, name, status, created_at, started_at, completed_at,
	progress_current, progress_total, progress_message,
	metadata, result, error
FROM job_history
ORDER BY completed_at DESC, archived_at DESC`

// SQLStore 以 database/sql 實作的歸檔
type SQLStore struct {
	db     *sql.DB
	driver string
}

// OpenSQL 開啟資料庫並建立資料表
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	if driver == DriverSQLite {
		if err := ensureSQLiteDir(dsn); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	s := &SQLStore{db: db, driver: driver}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}
	return s, nil
}

// ensureSQLiteDir 建立 sqlite 檔案所在目錄；URI 與 :memory: 不處理
func ensureSQLiteDir(dsn string) error {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}
	return nil
}

// rebind 將 ? 佔位符轉為 postgres 的 $n
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Archive 在單一交易中寫入所有任務
func (s *SQLStore) Archive(ctx context.Context, jobs []types.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(upsertJob))
	if err != nil {
		return fmt.Errorf("failed to prepare archive: %w", err)
	}
	defer stmt.Close()

	archivedAt := time.Now().UnixNano()
	for _, job := range jobs {
		metadata, err := encodeJSON(job.Metadata)
		if err != nil {
			return fmt.Errorf("job %s metadata: %w", job.ID, err)
		}
		result, err := encodeJSON(job.Result)
		if err != nil {
			return fmt.Errorf("job %s result: %w", job.ID, err)
		}

		_, err = stmt.ExecContext(ctx,
			string(job.ID), job.Name, string(job.Status),
			job.CreatedAt.UnixNano(), nullableTime(job.StartedAt), nullableTime(job.CompletedAt),
			job.Progress.Current, job.Progress.Total, job.Progress.Message,
			metadata, result, job.Error, archivedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to archive job %s: %w", job.ID, err)
		}
	}

	return tx.Commit()
}

// Recent 依 completed_at 倒序返回歸檔任務
func (s *SQLStore) Recent(ctx context.Context, limit int) ([]types.Job, error) {
	query := selectRecent
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	jobs := make([]types.Job, 0)
	for rows.Next() {
		var (
			job                   types.Job
			id, status            string
			createdAt             int64
			startedAt, completed  sql.NullInt64
			metadata, resultValue sql.NullString
		)
		if err := rows.Scan(
			&id, &job.Name, &status, &createdAt, &startedAt, &completed,
			&job.Progress.Current, &job.Progress.Total, &job.Progress.Message,
			&metadata, &resultValue, &job.Error,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}

		job.ID = types.JobID(id)
		job.Status = types.JobStatus(status)
		job.CreatedAt = time.Unix(0, createdAt)
		job.StartedAt = timeFromNull(startedAt)
		job.CompletedAt = timeFromNull(completed)

		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &job.Metadata); err != nil {
				return nil, fmt.Errorf("job %s metadata: %w", id, err)
			}
		}
		if resultValue.Valid && resultValue.String != "" {
			if err := json.Unmarshal([]byte(resultValue.String), &job.Result); err != nil {
				return nil, fmt.Errorf("job %s result: %w", id, err)
			}
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Close 關閉資料庫連線
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}
