// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/vmihailenco/msgpack/v5"

	"cloudcache/internal/models"
)

// Bun ORM models for the cache database tables.
// Times are stored as Unix milliseconds; TTL checks need sub-second precision.

// FileModel represents the files table
type FileModel struct {
	bun.BaseModel `bun:"table:files"`

	Provider   string `bun:"provider,pk"`
	ID         string `bun:"id,pk"`
	Name       string `bun:"name,notnull"`
	MimeType   string `bun:"mime_type,notnull"`
	Size       int64  `bun:"size,notnull"`
	CreatedAt  int64  `bun:"created_at,notnull"`
	ModifiedAt int64  `bun:"modified_at,notnull"`
	ParentID   string `bun:"parent_id,notnull"`
	Path       string `bun:"path,notnull"`
	IsFolder   bool   `bun:"is_folder,notnull"`
	SyncStatus string `bun:"sync_status,notnull"`
	CachedAt   int64  `bun:"cached_at,notnull"`
}

// BlobModel represents the blobs table
type BlobModel struct {
	bun.BaseModel `bun:"table:blobs"`

	Provider   string `bun:"provider,pk"`
	ID         string `bun:"id,pk"`
	Data       []byte `bun:"data,notnull"`
	Compressed bool   `bun:"compressed,notnull"`
	Size       int64  `bun:"size,notnull"` // uncompressed length
	CachedAt   int64  `bun:"cached_at,notnull"`
	AccessedAt int64  `bun:"accessed_at,notnull"`
}

// QuotaModel represents the quota table
type QuotaModel struct {
	bun.BaseModel `bun:"table:quota"`

	Provider    string `bun:"provider,pk"`
	Used        int64  `bun:"used,notnull"`
	Total       int64  `bun:"total,notnull"`
	LastUpdated int64  `bun:"last_updated,notnull"`
}

// SyncOpModel represents the sync_queue table
type SyncOpModel struct {
	bun.BaseModel `bun:"table:sync_queue"`

	ID          int64            `bun:"id,pk,autoincrement"`
	Provider    string           `bun:"provider,notnull"`
	Type        string           `bun:"type,notnull"`
	FileID      string           `bun:"file_id,notnull"`
	Payload     []byte           `bun:"payload"` // msgpack-encoded models.OpPayload
	Status      string           `bun:"status,notnull"`
	Timestamp   int64            `bun:"timestamp,notnull"`
	RetryCount  int              `bun:"retry_count,notnull"`
	LastAttempt int64            `bun:"last_attempt,notnull"`
	LastError   string           `bun:"last_error,notnull"`
}

// --- Conversion helpers ---

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// FileModelFrom converts a models.File to its row.
func FileModelFrom(f *models.File) *FileModel {
	return &FileModel{
		Provider:   f.Provider,
		ID:         f.ID,
		Name:       f.Name,
		MimeType:   f.MimeType,
		Size:       f.Size,
		CreatedAt:  toMillis(f.CreatedAt),
		ModifiedAt: toMillis(f.ModifiedAt),
		ParentID:   f.ParentID,
		Path:       f.Path,
		IsFolder:   f.IsFolder,
		SyncStatus: string(f.SyncStatus),
		CachedAt:   toMillis(f.CachedAt),
	}
}

// ToFile converts a FileModel back to a models.File.
func (m *FileModel) ToFile() models.File {
	return models.File{
		ID:         m.ID,
		Provider:   m.Provider,
		Name:       m.Name,
		MimeType:   m.MimeType,
		Size:       m.Size,
		CreatedAt:  fromMillis(m.CreatedAt),
		ModifiedAt: fromMillis(m.ModifiedAt),
		ParentID:   m.ParentID,
		Path:       m.Path,
		IsFolder:   m.IsFolder,
		SyncStatus: models.SyncStatus(m.SyncStatus),
		CachedAt:   fromMillis(m.CachedAt),
	}
}

// ToQuota converts a QuotaModel to a models.Quota.
func (m *QuotaModel) ToQuota() models.Quota {
	return models.Quota{
		Provider:    m.Provider,
		Used:        m.Used,
		Total:       m.Total,
		LastUpdated: fromMillis(m.LastUpdated),
	}
}

// SyncOpModelFrom converts a models.SyncOp to its row.
func SyncOpModelFrom(op *models.SyncOp) (*SyncOpModel, error) {
	payload, err := msgpack.Marshal(&op.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload of %s op: %w", op.Type, err)
	}
	return &SyncOpModel{
		ID:          op.ID,
		Provider:    op.Provider,
		Type:        string(op.Type),
		FileID:      op.FileID,
		Payload:     payload,
		Status:      string(op.Status),
		Timestamp:   toMillis(op.Timestamp),
		RetryCount:  op.RetryCount,
		LastAttempt: toMillis(op.LastAttempt),
		LastError:   op.LastError,
	}, nil
}

// ToSyncOp converts a SyncOpModel to a models.SyncOp.
func (m *SyncOpModel) ToSyncOp() (models.SyncOp, error) {
	var payload models.OpPayload
	if len(m.Payload) > 0 {
		if err := msgpack.Unmarshal(m.Payload, &payload); err != nil {
			return models.SyncOp{}, fmt.Errorf("failed to decode payload of op %d: %w", m.ID, err)
		}
	}
	return models.SyncOp{
		ID:          m.ID,
		Provider:    m.Provider,
		Type:        models.OpType(m.Type),
		FileID:      m.FileID,
		Payload:     payload,
		Status:      models.OpStatus(m.Status),
		Timestamp:   fromMillis(m.Timestamp),
		RetryCount:  m.RetryCount,
		LastAttempt: fromMillis(m.LastAttempt),
		LastError:   m.LastError,
	}, nil
}
