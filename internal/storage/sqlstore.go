package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"

	"cloudcache/internal/models"
)

// SQLOptions configures OpenSQLStore.
type SQLOptions struct {
	BusyTimeout int // milliseconds, 0 = default
	Compress    bool
}

// SQLStore is the indexed persistent tier, a SQLite database accessed through bun.
// It holds all four record kinds.
type SQLStore struct {
	path       string
	db         *sql.DB
	bunDB      *BunDB
	compressor *Compressor
}

var _ Backend = (*SQLStore)(nil)

// OpenSQLStore opens or creates the cache database at path and applies migrations.
func OpenSQLStore(ctx context.Context, path string, opts SQLOptions) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("no database path configured")
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return nil, fmt.Errorf("database path is a directory: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	busyTimeout := GetBusyTimeout(opts.BusyTimeout)
	db, err := sql.Open("libsql", BuildDSN(path, busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Must be explicit, libsql ignores DSN-based _pragma=value parameters.
	if err := applyPragmas(db, busyTimeout); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	compressor, err := NewCompressor(opts.Compress)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	return &SQLStore{
		path:       path,
		db:         db,
		bunDB:      NewBunDB(db),
		compressor: compressor,
	}, nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	s.compressor.Close()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path
func (s *SQLStore) Path() string {
	return s.path
}

// DB returns the underlying *sql.DB.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// BunDB returns the Bun database wrapper.
func (s *SQLStore) BunDB() *BunDB {
	return s.bunDB
}

func (s *SQLStore) Capabilities() Capabilities {
	return Capabilities{Content: true, SyncQueue: true}
}

// --- Files ---

func (s *SQLStore) PutFiles(ctx context.Context, files []models.File) error {
	rows := make([]FileModel, len(files))
	for i := range files {
		rows[i] = *FileModelFrom(&files[i])
	}
	return s.bunDB.UpsertFiles(ctx, rows)
}

func (s *SQLStore) GetFile(ctx context.Context, provider, id string) (*models.File, error) {
	row, err := s.bunDB.GetFile(ctx, provider, id)
	if err != nil {
		return nil, err
	}
	f := row.ToFile()
	return &f, nil
}

func (s *SQLStore) ListFiles(ctx context.Context, provider, parentID string) ([]models.File, error) {
	rows, err := s.bunDB.ListFiles(ctx, provider, parentID)
	if err != nil {
		return nil, err
	}
	files := make([]models.File, len(rows))
	for i := range rows {
		files[i] = rows[i].ToFile()
	}
	return files, nil
}

// DeleteFile removes a file's metadata and cached content.
func (s *SQLStore) DeleteFile(ctx context.Context, provider, id string) error {
	return s.bunDB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return s.bunDB.DeleteFileWith(tx, ctx, provider, id)
	})
}

func (s *SQLStore) ReplaceFile(ctx context.Context, oldID string, file models.File) error {
	return s.bunDB.ReplaceFile(ctx, oldID, *FileModelFrom(&file))
}

// --- Quota ---

func (s *SQLStore) PutQuota(ctx context.Context, quota models.Quota) error {
	return s.bunDB.UpsertQuota(ctx, &QuotaModel{
		Provider:    quota.Provider,
		Used:        quota.Used,
		Total:       quota.Total,
		LastUpdated: toMillis(quota.LastUpdated),
	})
}

func (s *SQLStore) GetQuota(ctx context.Context, provider string) (*models.Quota, error) {
	row, err := s.bunDB.GetQuota(ctx, provider)
	if err != nil {
		return nil, err
	}
	q := row.ToQuota()
	return &q, nil
}

// --- Content ---

func (s *SQLStore) PutContent(ctx context.Context, entry *models.ContentEntry) error {
	data, compressed := s.compressor.Compress(entry.Content)
	return s.bunDB.UpsertBlob(ctx, &BlobModel{
		Provider:   entry.Provider,
		ID:         entry.ID,
		Data:       data,
		Compressed: compressed,
		Size:       entry.Size,
		CachedAt:   toMillis(entry.CachedAt),
		AccessedAt: toMillis(entry.AccessedAt),
	})
}

func (s *SQLStore) GetContent(ctx context.Context, provider, id string) (*models.ContentEntry, error) {
	row, err := s.bunDB.GetBlob(ctx, provider, id)
	if err != nil {
		return nil, err
	}
	data, err := s.compressor.Decompress(row.Data, row.Compressed)
	if err != nil {
		return nil, err
	}
	return &models.ContentEntry{
		Provider:   row.Provider,
		ID:         row.ID,
		Content:    data,
		Size:       row.Size,
		CachedAt:   fromMillis(row.CachedAt),
		AccessedAt: fromMillis(row.AccessedAt),
	}, nil
}

func (s *SQLStore) TouchContent(ctx context.Context, provider, id string, at time.Time) error {
	return s.bunDB.TouchBlob(ctx, provider, id, toMillis(at))
}

func (s *SQLStore) ListContent(ctx context.Context) ([]models.ContentInfo, error) {
	rows, err := s.bunDB.ListBlobInfo(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]models.ContentInfo, len(rows))
	for i, row := range rows {
		infos[i] = models.ContentInfo{
			Provider:   row.Provider,
			ID:         row.ID,
			Size:       row.Size,
			AccessedAt: fromMillis(row.AccessedAt),
		}
	}
	return infos, nil
}

func (s *SQLStore) DeleteContent(ctx context.Context, keys []models.ContentInfo) error {
	return s.bunDB.DeleteBlobs(ctx, keys)
}

func (s *SQLStore) ContentUsage(ctx context.Context) (int64, error) {
	return s.bunDB.BlobUsage(ctx)
}

// --- Sync queue ---

func (s *SQLStore) AddOp(ctx context.Context, op *models.SyncOp) error {
	row, err := SyncOpModelFrom(op)
	if err != nil {
		return err
	}
	row.ID = 0
	if err := s.bunDB.InsertSyncOp(ctx, row); err != nil {
		return err
	}
	op.ID = row.ID
	return nil
}

func (s *SQLStore) ListOps(ctx context.Context, provider string) ([]models.SyncOp, error) {
	rows, err := s.bunDB.ListSyncOps(ctx, provider)
	if err != nil {
		return nil, err
	}
	ops := make([]models.SyncOp, len(rows))
	for i := range rows {
		if ops[i], err = rows[i].ToSyncOp(); err != nil {
			return nil, err
		}
	}
	return ops, nil
}

func (s *SQLStore) GetOp(ctx context.Context, id int64) (*models.SyncOp, error) {
	row, err := s.bunDB.GetSyncOp(ctx, id)
	if err != nil {
		return nil, err
	}
	op, err := row.ToSyncOp()
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (s *SQLStore) UpdateOp(ctx context.Context, op *models.SyncOp) error {
	row, err := SyncOpModelFrom(op)
	if err != nil {
		return err
	}
	return s.bunDB.UpdateSyncOp(ctx, row)
}

func (s *SQLStore) RewriteOpFileID(ctx context.Context, provider, oldID, newID string) (int64, error) {
	return s.bunDB.RewriteSyncOpFileID(ctx, provider, oldID, newID)
}

func (s *SQLStore) PruneOps(ctx context.Context, failedBefore time.Time) (int64, error) {
	return s.bunDB.DeleteSyncOps(ctx, toMillis(failedBefore))
}

func (s *SQLStore) Clear(ctx context.Context, provider string) error {
	return s.bunDB.ClearProvider(ctx, provider)
}
