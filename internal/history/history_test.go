package history

// ============================================================================
// History Archive 測試檔案
// 職責：驗證 SQLite 與 JSON 文件歸檔的寫入、覆蓋、排序與錯誤處理
// ============================================================================

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/scenescape/pkg/types"
)

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func finishedJob(id string, status types.JobStatus, completedOffset time.Duration) types.Job {
	created := base
	started := base.Add(time.Second)
	completed := base.Add(completedOffset)
	job := types.Job{
		ID:          types.JobID(id),
		Name:        "job " + id,
		Metadata:    map[string]any{"library": "movies"},
		CreatedAt:   created,
		Status:      status,
		StartedAt:   &started,
		CompletedAt: &completed,
		Progress:    types.Progress{Current: 3, Total: 4, Message: "almost"},
	}
	switch status {
	case types.StatusCompleted:
		job.Result = map[string]any{"files": float64(12)}
	case types.StatusFailed:
		job.Error = "disk unreachable"
	}
	return job
}

// storeFactories 讓同一組測試同時覆蓋兩種實作
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQL(DriverSQLite, filepath.Join(t.TempDir(), "history.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"file": func(t *testing.T) Store {
			return NewFileStore(filepath.Join(t.TempDir(), "nested", "history.json"), 0)
		},
	}
}

func TestArchiveAndRecent(t *testing.T) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()

			jobs := []types.Job{
				finishedJob("a", types.StatusCompleted, 10*time.Second),
				finishedJob("b", types.StatusFailed, 30*time.Second),
				finishedJob("c", types.StatusCancelled, 20*time.Second),
			}
			require.NoError(t, store.Archive(ctx, jobs))

			recent, err := store.Recent(ctx, 0)
			require.NoError(t, err)
			require.Len(t, recent, 3)

			// completed_at 倒序
			assert.Equal(t, types.JobID("b"), recent[0].ID)
			assert.Equal(t, types.JobID("c"), recent[1].ID)
			assert.Equal(t, types.JobID("a"), recent[2].ID)

			failed := recent[0]
			assert.Equal(t, types.StatusFailed, failed.Status)
			assert.Equal(t, "disk unreachable", failed.Error)
			assert.Equal(t, "job b", failed.Name)
			assert.Equal(t, 3, failed.Progress.Current)
			assert.Equal(t, "almost", failed.Progress.Message)
			assert.Equal(t, "movies", failed.Metadata["library"])
			require.NotNil(t, failed.StartedAt)
			assert.True(t, failed.StartedAt.Equal(base.Add(time.Second)))
			require.NotNil(t, failed.CompletedAt)
			assert.True(t, failed.CompletedAt.Equal(base.Add(30*time.Second)))

			completed := recent[2]
			assert.Equal(t, map[string]any{"files": float64(12)}, completed.Result)
		})
	}
}

func TestRecentLimit(t *testing.T) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				job := finishedJob(fmt.Sprintf("job-%d", i), types.StatusCompleted, time.Duration(i)*time.Second)
				require.NoError(t, store.Archive(ctx, []types.Job{job}))
			}

			recent, err := store.Recent(ctx, 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, types.JobID("job-4"), recent[0].ID)
			assert.Equal(t, types.JobID("job-3"), recent[1].ID)
		})
	}
}

func TestArchiveOverwritesSameID(t *testing.T) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()

			require.NoError(t, store.Archive(ctx, []types.Job{finishedJob("dup", types.StatusFailed, time.Second)}))
			require.NoError(t, store.Archive(ctx, []types.Job{finishedJob("dup", types.StatusCompleted, 2*time.Second)}))

			recent, err := store.Recent(ctx, 0)
			require.NoError(t, err)
			require.Len(t, recent, 1)
			assert.Equal(t, types.StatusCompleted, recent[0].Status)
			assert.Empty(t, recent[0].Error)
		})
	}
}

func TestArchiveEmptyIsNoop(t *testing.T) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			require.NoError(t, store.Archive(context.Background(), nil))

			recent, err := store.Recent(context.Background(), 10)
			require.NoError(t, err)
			assert.Empty(t, recent)
		})
	}
}

func TestFileStoreMaxEntries(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "history.json"), 2)
	ctx := context.Background()

	jobs := []types.Job{
		finishedJob("old", types.StatusCompleted, time.Second),
		finishedJob("mid", types.StatusCompleted, 2*time.Second),
		finishedJob("new", types.StatusCompleted, 3*time.Second),
	}
	require.NoError(t, store.Archive(ctx, jobs))

	recent, err := store.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, types.JobID("new"), recent[0].ID)
	assert.Equal(t, types.JobID("mid"), recent[1].ID)
}

func TestFileStoreAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	store := NewFileStore(path, 0)
	require.NoError(t, store.Archive(context.Background(), []types.Job{finishedJob("a", types.StatusCompleted, time.Second)}))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")
	assert.Equal(t, path, store.Path())
}

func TestFileStoreCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewFileStore(path, 0).Recent(context.Background(), 0)
	assert.ErrorIs(t, err, ErrCorruptedArchive)
}

func TestFileStoreIncompatibleVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version": 9, "jobs": []}`), 0o644))

	err := NewFileStore(path, 0).Archive(context.Background(), []types.Job{finishedJob("a", types.StatusCompleted, 0)})
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		cfg     Config
		wantNil bool
		wantErr error
	}{
		{name: "empty driver", cfg: Config{}, wantNil: true},
		{name: "none", cfg: Config{Driver: "none"}, wantNil: true},
		{name: "file", cfg: Config{Driver: "file", DSN: filepath.Join(dir, "h.json")}},
		{name: "sqlite", cfg: Config{Driver: "SQLite3", DSN: filepath.Join(dir, "h.db")}},
		{name: "missing dsn", cfg: Config{Driver: "file"}, wantErr: ErrMissingDSN},
		{name: "unknown", cfg: Config{Driver: "mongo", DSN: "x"}, wantErr: ErrUnknownDriver},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := Open(tt.cfg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, store)
				return
			}
			require.NotNil(t, store)
			assert.NoError(t, store.Close())
		})
	}
}

func TestRebindPostgres(t *testing.T) {
	s := &SQLStore{driver: DriverPostgres}
	assert.Equal(t, "SELECT $1, $2 LIMIT $3", s.rebind("SELECT ?, ? LIMIT ?"))

	s = &SQLStore{driver: DriverSQLite}
	assert.Equal(t, "SELECT ?", s.rebind("SELECT ?"))
}

func TestOpenSQLiteCreatesDirectory(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "nested", "dir", "history.db")

	store, err := OpenSQL(DriverSQLite, dsn)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(filepath.Dir(dsn))
	assert.NoError(t, err)
}
