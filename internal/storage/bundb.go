package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"cloudcache/internal/common"
	"cloudcache/internal/models"
	"cloudcache/internal/util"
)

// BunDB wraps a Bun database instance for type-safe queries.
type BunDB struct {
	*bun.DB
}

// NewBunDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewBunDB(sqlDB *sql.DB) *BunDB {
	bunDB := bun.NewDB(sqlDB, sqlitedialect.New())
	return &BunDB{DB: bunDB}
}

// --- File Operations ---

// UpsertFiles inserts or replaces file rows keyed by (provider, id).
// Retries on "database is locked" since several processes may share the file.
func (db *BunDB) UpsertFiles(ctx context.Context, rows []FileModel) error {
	if len(rows) == 0 {
		return nil
	}
	return util.Retry(ctx, func() error {
		return db.upsertFilesWith(db.DB, ctx, rows)
	}, util.DatabaseRetryOptions()...)
}

func (db *BunDB) upsertFilesWith(idb bun.IDB, ctx context.Context, rows []FileModel) error {
	_, err := idb.NewInsert().
		Model(&rows).
		On("CONFLICT (provider, id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("mime_type = EXCLUDED.mime_type").
		Set("size = EXCLUDED.size").
		Set("created_at = EXCLUDED.created_at").
		Set("modified_at = EXCLUDED.modified_at").
		Set("parent_id = EXCLUDED.parent_id").
		Set("path = EXCLUDED.path").
		Set("is_folder = EXCLUDED.is_folder").
		Set("sync_status = EXCLUDED.sync_status").
		Set("cached_at = EXCLUDED.cached_at").
		Exec(ctx)
	return err
}

// GetFile returns the row for (provider, id) or common.ErrNotFound.
func (db *BunDB) GetFile(ctx context.Context, provider, id string) (*FileModel, error) {
	var row FileModel
	err := db.NewSelect().
		Model(&row).
		Where("provider = ?", provider).
		Where("id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListFiles returns all rows for provider, filtered by parentID unless it is empty.
func (db *BunDB) ListFiles(ctx context.Context, provider, parentID string) ([]FileModel, error) {
	var rows []FileModel
	q := db.NewSelect().
		Model(&rows).
		Where("provider = ?", provider)
	if parentID != "" {
		q = q.Where("parent_id = ?", parentID)
	}
	err := q.Order("name ASC").Scan(ctx)
	return rows, err
}

// DeleteFileWith removes a file row and its cached content.
func (db *BunDB) DeleteFileWith(idb bun.IDB, ctx context.Context, provider, id string) error {
	if _, err := idb.NewDelete().Model((*FileModel)(nil)).
		Where("provider = ? AND id = ?", provider, id).Exec(ctx); err != nil {
		return err
	}
	_, err := idb.NewDelete().Model((*BlobModel)(nil)).
		Where("provider = ? AND id = ?", provider, id).Exec(ctx)
	return err
}

// ReplaceFile swaps the row keyed by oldID for row in one transaction.
// Content cached under oldID moves to the new id so it is counted once.
func (db *BunDB) ReplaceFile(ctx context.Context, oldID string, row FileModel) error {
	return util.Retry(ctx, func() error {
		return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.NewDelete().Model((*FileModel)(nil)).
				Where("provider = ? AND id = ?", row.Provider, oldID).Exec(ctx); err != nil {
				return err
			}
			if oldID != row.ID {
				if err := db.rekeyBlobWith(tx, ctx, row.Provider, oldID, row.ID); err != nil {
					return err
				}
			}
			return db.upsertFilesWith(tx, ctx, []FileModel{row})
		})
	}, util.DatabaseRetryOptions()...)
}

// rekeyBlobWith moves the content row of oldID to newID, replacing any row
// already stored under newID.
func (db *BunDB) rekeyBlobWith(idb bun.IDB, ctx context.Context, provider, oldID, newID string) error {
	n, err := idb.NewSelect().Model((*BlobModel)(nil)).
		Where("provider = ? AND id = ?", provider, oldID).Count(ctx)
	if err != nil || n == 0 {
		return err
	}
	if _, err := idb.NewDelete().Model((*BlobModel)(nil)).
		Where("provider = ? AND id = ?", provider, newID).Exec(ctx); err != nil {
		return err
	}
	_, err = idb.NewUpdate().Model((*BlobModel)(nil)).
		Set("id = ?", newID).
		Where("provider = ? AND id = ?", provider, oldID).Exec(ctx)
	return err
}

// --- Blob Operations ---

// UpsertBlob inserts or replaces a content row.
func (db *BunDB) UpsertBlob(ctx context.Context, row *BlobModel) error {
	return util.Retry(ctx, func() error {
		_, err := db.NewInsert().
			Model(row).
			On("CONFLICT (provider, id) DO UPDATE").
			Set("data = EXCLUDED.data").
			Set("compressed = EXCLUDED.compressed").
			Set("size = EXCLUDED.size").
			Set("cached_at = EXCLUDED.cached_at").
			Set("accessed_at = EXCLUDED.accessed_at").
			Exec(ctx)
		return err
	}, util.DatabaseRetryOptions()...)
}

// GetBlob returns the content row for (provider, id) or common.ErrNotFound.
func (db *BunDB) GetBlob(ctx context.Context, provider, id string) (*BlobModel, error) {
	var row BlobModel
	err := db.NewSelect().
		Model(&row).
		Where("provider = ? AND id = ?", provider, id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// TouchBlob sets accessed_at for a content row.
func (db *BunDB) TouchBlob(ctx context.Context, provider, id string, accessedAt int64) error {
	_, err := db.NewUpdate().
		Model((*BlobModel)(nil)).
		Set("accessed_at = ?", accessedAt).
		Where("provider = ? AND id = ?", provider, id).
		Exec(ctx)
	return err
}

// BlobUsage returns the sum of uncompressed sizes of all content rows.
func (db *BunDB) BlobUsage(ctx context.Context) (int64, error) {
	var total int64
	err := db.NewSelect().
		Model((*BlobModel)(nil)).
		ColumnExpr("COALESCE(SUM(size), 0)").
		Scan(ctx, &total)
	return total, err
}

// ListBlobInfo returns content rows without data, least recently accessed first.
func (db *BunDB) ListBlobInfo(ctx context.Context) ([]BlobModel, error) {
	var rows []BlobModel
	err := db.NewSelect().
		Model(&rows).
		Column("provider", "id", "size", "accessed_at").
		Order("accessed_at ASC", "provider ASC", "id ASC").
		Scan(ctx)
	return rows, err
}

// DeleteBlobs removes the given content rows in one transaction.
func (db *BunDB) DeleteBlobs(ctx context.Context, keys []models.ContentInfo) error {
	if len(keys) == 0 {
		return nil
	}
	return util.Retry(ctx, func() error {
		return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			for _, k := range keys {
				if _, err := tx.NewDelete().Model((*BlobModel)(nil)).
					Where("provider = ? AND id = ?", k.Provider, k.ID).Exec(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	}, util.DatabaseRetryOptions()...)
}

// --- Quota Operations ---

// UpsertQuota inserts or replaces the quota row of a provider.
func (db *BunDB) UpsertQuota(ctx context.Context, row *QuotaModel) error {
	return util.Retry(ctx, func() error {
		_, err := db.NewInsert().
			Model(row).
			On("CONFLICT (provider) DO UPDATE").
			Set("used = EXCLUDED.used").
			Set("total = EXCLUDED.total").
			Set("last_updated = EXCLUDED.last_updated").
			Exec(ctx)
		return err
	}, util.DatabaseRetryOptions()...)
}

// GetQuota returns the quota row of a provider or common.ErrNotFound.
func (db *BunDB) GetQuota(ctx context.Context, provider string) (*QuotaModel, error) {
	var row QuotaModel
	err := db.NewSelect().
		Model(&row).
		Where("provider = ?", provider).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// --- Sync Queue Operations ---

// InsertSyncOp appends a queue row and fills in its id.
func (db *BunDB) InsertSyncOp(ctx context.Context, row *SyncOpModel) error {
	return util.Retry(ctx, func() error {
		// Use RETURNING clause to get the id (libsql doesn't support LastInsertId)
		_, err := db.NewInsert().
			Model(row).
			Returning("id").
			Exec(ctx)
		return err
	}, util.DatabaseRetryOptions()...)
}

// ListSyncOps returns queue rows in insertion order, for one provider or all when provider is empty.
func (db *BunDB) ListSyncOps(ctx context.Context, provider string) ([]SyncOpModel, error) {
	var rows []SyncOpModel
	q := db.NewSelect().Model(&rows)
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}
	err := q.Order("id ASC").Scan(ctx)
	return rows, err
}

// GetSyncOp returns a queue row by id or common.ErrNotFound.
func (db *BunDB) GetSyncOp(ctx context.Context, id int64) (*SyncOpModel, error) {
	var row SyncOpModel
	err := db.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// UpdateSyncOp writes every column of row.
func (db *BunDB) UpdateSyncOp(ctx context.Context, row *SyncOpModel) error {
	return util.Retry(ctx, func() error {
		res, err := db.NewUpdate().Model(row).WherePK().Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return common.ErrNotFound
		}
		return nil
	}, util.DatabaseRetryOptions()...)
}

// RewriteSyncOpFileID points not-yet-replayed rows at newID instead of oldID.
func (db *BunDB) RewriteSyncOpFileID(ctx context.Context, provider, oldID, newID string) (int64, error) {
	return util.RetryWithResult(ctx, func() (int64, error) {
		res, err := db.NewUpdate().
			Model((*SyncOpModel)(nil)).
			Set("file_id = ?", newID).
			Where("provider = ? AND file_id = ?", provider, oldID).
			Where("status IN (?)", bun.In([]string{string(models.OpStatusPending), string(models.OpStatusSyncing)})).
			Exec(ctx)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}, util.DatabaseRetryOptions()...)
}

// DeleteSyncOps removes completed rows and failed rows last attempted before failedBefore.
func (db *BunDB) DeleteSyncOps(ctx context.Context, failedBefore int64) (int64, error) {
	return util.RetryWithResult(ctx, func() (int64, error) {
		res, err := db.NewDelete().
			Model((*SyncOpModel)(nil)).
			WhereOr("status = ?", string(models.OpStatusCompleted)).
			WhereGroup(" OR ", func(q *bun.DeleteQuery) *bun.DeleteQuery {
				return q.Where("status = ?", string(models.OpStatusFailed)).
					Where("last_attempt < ?", failedBefore)
			}).
			Exec(ctx)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}, util.DatabaseRetryOptions()...)
}

// --- Bulk Operations ---

// ClearProvider deletes every row of every table for provider, or all rows when provider is empty.
func (db *BunDB) ClearProvider(ctx context.Context, provider string) error {
	tables := []interface{}{
		(*FileModel)(nil),
		(*BlobModel)(nil),
		(*QuotaModel)(nil),
		(*SyncOpModel)(nil),
	}
	return util.Retry(ctx, func() error {
		return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			for _, model := range tables {
				q := tx.NewDelete().Model(model)
				if provider != "" {
					q = q.Where("provider = ?", provider)
				} else {
					q = q.Where("1 = 1")
				}
				if _, err := q.Exec(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	}, util.DatabaseRetryOptions()...)
}
