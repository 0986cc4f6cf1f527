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
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudcache/internal/common"
	"cloudcache/internal/models"
)

// testSQLStore creates a temporary cache database for testing.
// Uses t.TempDir() which automatically cleans up after the test.
func testSQLStore(t *testing.T) (*SQLStore, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")

	store, err := OpenSQLStore(context.Background(), path, SQLOptions{Compress: true})
	require.NoError(t, err, "failed to open cache database")

	return store, func() {
		store.Close()
	}
}

func testFile(provider, id, parent string, cachedAt time.Time) models.File {
	return models.File{
		ID:         id,
		Provider:   provider,
		Name:       id + ".txt",
		MimeType:   "text/plain",
		Size:       10,
		CreatedAt:  cachedAt.Add(-time.Hour),
		ModifiedAt: cachedAt.Add(-time.Minute),
		ParentID:   parent,
		Path:       "/" + id + ".txt",
		SyncStatus: models.SyncStatusSynced,
		CachedAt:   cachedAt,
	}
}

func TestOpenSQLStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("creates database and applies migrations", func(t *testing.T) {
		t.Parallel()
		store, cleanup := testSQLStore(t)
		defer cleanup()

		assert.FileExists(t, store.Path())
		version, err := SchemaVersion(ctx, store.DB())
		require.NoError(t, err)
		assert.Equal(t, int64(1), version)
		assert.Equal(t, Capabilities{Content: true, SyncQueue: true}, store.Capabilities())
	})

	t.Run("reopen keeps data", func(t *testing.T) {
		t.Parallel()
		store, cleanup := testSQLStore(t)
		path := store.Path()
		now := time.UnixMilli(1_700_000_000_000)
		require.NoError(t, store.PutFiles(ctx, []models.File{testFile("drive", "a", models.RootID, now)}))
		cleanup()

		reopened, err := OpenSQLStore(ctx, path, SQLOptions{})
		require.NoError(t, err)
		defer reopened.Close()

		f, err := reopened.GetFile(ctx, "drive", "a")
		require.NoError(t, err)
		assert.Equal(t, "a.txt", f.Name)
	})

	t.Run("fails on a directory", func(t *testing.T) {
		t.Parallel()
		_, err := OpenSQLStore(ctx, t.TempDir(), SQLOptions{})
		assert.Error(t, err)
	})
}

func TestSQLStoreFiles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	t.Run("round trips a record", func(t *testing.T) {
		t.Parallel()
		store, cleanup := testSQLStore(t)
		defer cleanup()

		want := testFile("drive", "a", "folder1", now)
		want.IsFolder = true
		require.NoError(t, store.PutFiles(ctx, []models.File{want}))

		got, err := store.GetFile(ctx, "drive", "a")
		require.NoError(t, err)
		assert.Equal(t, want.Name, got.Name)
		assert.Equal(t, want.ParentID, got.ParentID)
		assert.True(t, got.IsFolder)
		assert.True(t, want.CachedAt.Equal(got.CachedAt))
		assert.True(t, want.ModifiedAt.Equal(got.ModifiedAt))
	})

	t.Run("last write wins per provider and id", func(t *testing.T) {
		t.Parallel()
		store, cleanup := testSQLStore(t)
		defer cleanup()

		first := testFile("drive", "a", models.RootID, now)
		second := first
		second.Name = "renamed.txt"
		require.NoError(t, store.PutFiles(ctx, []models.File{first}))
		require.NoError(t, store.PutFiles(ctx, []models.File{second}))
		// Same id under another provider is a separate record
		require.NoError(t, store.PutFiles(ctx, []models.File{testFile("dropbox", "a", models.RootID, now)}))

		got, err := store.GetFile(ctx, "drive", "a")
		require.NoError(t, err)
		assert.Equal(t, "renamed.txt", got.Name)

		all, err := store.ListFiles(ctx, "drive", "")
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("missing record is ErrNotFound", func(t *testing.T) {
		t.Parallel()
		store, cleanup := testSQLStore(t)
		defer cleanup()

		_, err := store.GetFile(ctx, "drive", "nope")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("lists by parent", func(t *testing.T) {
		t.Parallel()
		store, cleanup := testSQLStore(t)
		defer cleanup()

		require.NoError(t, store.PutFiles(ctx, []models.File{
			testFile("drive", "a", "p1", now),
			testFile("drive", "b", "p1", now),
			testFile("drive", "c", "p2", now),
		}))

		p1, err := store.ListFiles(ctx, "drive", "p1")
		require.NoError(t, err)
		assert.Len(t, p1, 2)

		all, err := store.ListFiles(ctx, "drive", "")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("replace swaps temp id", func(t *testing.T) {
		t.Parallel()
		store, cleanup := testSQLStore(t)
		defer cleanup()

		temp := testFile("drive", "temp_1_x", models.RootID, now)
		require.NoError(t, store.PutFiles(ctx, []models.File{temp}))
		authoritative := testFile("drive", "real-1", models.RootID, now)
		require.NoError(t, store.ReplaceFile(ctx, temp.ID, authoritative))

		_, err := store.GetFile(ctx, "drive", temp.ID)
		assert.ErrorIs(t, err, common.ErrNotFound)
		_, err = store.GetFile(ctx, "drive", "real-1")
		assert.NoError(t, err)
	})

	t.Run("replace moves cached content to the new id", func(t *testing.T) {
		t.Parallel()
		store, cleanup := testSQLStore(t)
		defer cleanup()

		body := []byte("offline body")
		temp := testFile("drive", "temp_1_x", models.RootID, now)
		require.NoError(t, store.PutFiles(ctx, []models.File{temp}))
		require.NoError(t, store.PutContent(ctx, &models.ContentEntry{
			Provider: "drive", ID: temp.ID, Content: body, Size: int64(len(body)), CachedAt: now, AccessedAt: now,
		}))

		require.NoError(t, store.ReplaceFile(ctx, temp.ID, testFile("drive", "real-1", models.RootID, now)))

		_, err := store.GetContent(ctx, "drive", temp.ID)
		assert.ErrorIs(t, err, common.ErrNotFound)
		entry, err := store.GetContent(ctx, "drive", "real-1")
		require.NoError(t, err)
		assert.Equal(t, body, entry.Content)

		usage, err := store.ContentUsage(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(len(body)), usage)
	})

	t.Run("delete drops content too", func(t *testing.T) {
		t.Parallel()
		store, cleanup := testSQLStore(t)
		defer cleanup()

		require.NoError(t, store.PutFiles(ctx, []models.File{testFile("drive", "a", models.RootID, now)}))
		require.NoError(t, store.PutContent(ctx, &models.ContentEntry{
			Provider: "drive", ID: "a", Content: []byte("x"), Size: 1, CachedAt: now, AccessedAt: now,
		}))
		require.NoError(t, store.DeleteFile(ctx, "drive", "a"))

		_, err := store.GetContent(ctx, "drive", "a")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestSQLStoreContent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	t.Run("stores compressible content compressed", func(t *testing.T) {
		t.Parallel()
		store, cleanup := testSQLStore(t)
		defer cleanup()

		body := bytes.Repeat([]byte("cloud"), 1000)
		require.NoError(t, store.PutContent(ctx, &models.ContentEntry{
			Provider: "drive", ID: "big", Content: body, Size: int64(len(body)), CachedAt: now, AccessedAt: now,
		}))

		row, err := store.BunDB().GetBlob(ctx, "drive", "big")
		require.NoError(t, err)
		assert.True(t, row.Compressed)
		assert.Less(t, len(row.Data), len(body))

		got, err := store.GetContent(ctx, "drive", "big")
		require.NoError(t, err)
		assert.Equal(t, body, got.Content)
		assert.Equal(t, int64(len(body)), got.Size)

		usage, err := store.ContentUsage(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(len(body)), usage)
	})

	t.Run("lists least recently accessed first", func(t *testing.T) {
		t.Parallel()
		store, cleanup := testSQLStore(t)
		defer cleanup()

		for i, id := range []string{"a", "b", "c"} {
			at := now.Add(time.Duration(i) * time.Second)
			require.NoError(t, store.PutContent(ctx, &models.ContentEntry{
				Provider: "drive", ID: id, Content: []byte(id), Size: 1, CachedAt: at, AccessedAt: at,
			}))
		}
		require.NoError(t, store.TouchContent(ctx, "drive", "a", now.Add(time.Minute)))

		infos, err := store.ListContent(ctx)
		require.NoError(t, err)
		require.Len(t, infos, 3)
		assert.Equal(t, "b", infos[0].ID)
		assert.Equal(t, "c", infos[1].ID)
		assert.Equal(t, "a", infos[2].ID)

		require.NoError(t, store.DeleteContent(ctx, infos[:2]))
		usage, err := store.ContentUsage(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), usage)
	})
}

func TestSQLStoreSyncQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	newOp := func(provider string, typ models.OpType, fileID string) *models.SyncOp {
		return &models.SyncOp{
			Provider:  provider,
			Type:      typ,
			FileID:    fileID,
			Status:    models.OpStatusPending,
			Timestamp: now,
		}
	}

	t.Run("assigns increasing ids and keeps payload", func(t *testing.T) {
		t.Parallel()
		store, cleanup := testSQLStore(t)
		defer cleanup()

		up := newOp("drive", models.OpUpload, "temp_1_x")
		up.Payload = models.OpPayload{Name: "a.txt", ParentID: models.RootID, Content: []byte("hello")}
		require.NoError(t, store.AddOp(ctx, up))
		del := newOp("drive", models.OpDelete, "b")
		require.NoError(t, store.AddOp(ctx, del))

		assert.Greater(t, up.ID, int64(0))
		assert.Greater(t, del.ID, up.ID)

		ops, err := store.ListOps(ctx, "drive")
		require.NoError(t, err)
		require.Len(t, ops, 2)
		assert.Equal(t, models.OpUpload, ops[0].Type)
		assert.Equal(t, []byte("hello"), ops[0].Payload.Content)
		assert.Equal(t, "a.txt", ops[0].Payload.Name)
	})

	t.Run("update and rewrite file id", func(t *testing.T) {
		t.Parallel()
		store, cleanup := testSQLStore(t)
		defer cleanup()

		up := newOp("drive", models.OpUpload, "temp_1_x")
		require.NoError(t, store.AddOp(ctx, up))
		rename := newOp("drive", models.OpRename, "temp_1_x")
		require.NoError(t, store.AddOp(ctx, rename))

		up.Status = models.OpStatusCompleted
		require.NoError(t, store.UpdateOp(ctx, up))

		n, err := store.RewriteOpFileID(ctx, "drive", "temp_1_x", "real-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := store.GetOp(ctx, rename.ID)
		require.NoError(t, err)
		assert.Equal(t, "real-1", got.FileID)

		done, err := store.GetOp(ctx, up.ID)
		require.NoError(t, err)
		assert.Equal(t, "temp_1_x", done.FileID)
	})

	t.Run("update of unknown id is ErrNotFound", func(t *testing.T) {
		t.Parallel()
		store, cleanup := testSQLStore(t)
		defer cleanup()

		err := store.UpdateOp(ctx, &models.SyncOp{ID: 99, Provider: "drive", Type: models.OpDelete, Status: models.OpStatusPending})
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("prune removes completed and old failed", func(t *testing.T) {
		t.Parallel()
		store, cleanup := testSQLStore(t)
		defer cleanup()

		completed := newOp("drive", models.OpDelete, "a")
		oldFailed := newOp("drive", models.OpDelete, "b")
		newFailed := newOp("drive", models.OpDelete, "c")
		pending := newOp("drive", models.OpDelete, "d")
		for _, op := range []*models.SyncOp{completed, oldFailed, newFailed, pending} {
			require.NoError(t, store.AddOp(ctx, op))
		}
		completed.Status = models.OpStatusCompleted
		oldFailed.Status = models.OpStatusFailed
		oldFailed.LastAttempt = now.Add(-48 * time.Hour)
		newFailed.Status = models.OpStatusFailed
		newFailed.LastAttempt = now
		for _, op := range []*models.SyncOp{completed, oldFailed, newFailed} {
			require.NoError(t, store.UpdateOp(ctx, op))
		}

		n, err := store.PruneOps(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		ops, err := store.ListOps(ctx, "")
		require.NoError(t, err)
		require.Len(t, ops, 2)
		assert.Equal(t, "c", ops[0].FileID)
		assert.Equal(t, "d", ops[1].FileID)
	})
}

func TestSQLStoreSyncOpPayloads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	tests := []struct {
		name    string
		typ     models.OpType
		payload models.OpPayload
	}{
		{"upload", models.OpUpload, models.OpPayload{
			Name:         "report.html",
			ParentID:     "docs",
			MimeType:     "text/html",
			Content:      []byte("<p>draft</p>"),
			CacheContent: true,
		}},
		{"upload with binary body", models.OpUpload, models.OpPayload{
			Name:    "blob.bin",
			Content: []byte{0x00, 0x5c, 0x78, 0x80, 0xff},
		}},
		{"delete", models.OpDelete, models.OpPayload{}},
		{"move", models.OpMove, models.OpPayload{NewParentID: "archive"}},
		{"rename", models.OpRename, models.OpPayload{NewName: "final.html"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store, cleanup := testSQLStore(t)
			defer cleanup()

			op := &models.SyncOp{
				Provider:  "drive",
				Type:      tt.typ,
				FileID:    "file-1",
				Payload:   tt.payload,
				Status:    models.OpStatusPending,
				Timestamp: now,
			}
			require.NoError(t, store.AddOp(ctx, op))

			// The column holds msgpack bytes, not a text literal of them.
			var raw []byte
			require.NoError(t, store.db.QueryRowContext(ctx,
				"SELECT payload FROM sync_queue WHERE id = ?", op.ID).Scan(&raw))
			require.NotEmpty(t, raw)
			assert.NotEqual(t, byte('\\'), raw[0])

			got, err := store.GetOp(ctx, op.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, got.Type)
			assertPayload(t, tt.payload, got.Payload)

			ops, err := store.ListOps(ctx, "drive")
			require.NoError(t, err)
			require.Len(t, ops, 1)
			assertPayload(t, tt.payload, ops[0].Payload)

			// A status update rewrites the row and must keep the payload readable.
			got.Status = models.OpStatusFailed
			got.RetryCount = 1
			require.NoError(t, store.UpdateOp(ctx, got))
			again, err := store.GetOp(ctx, op.ID)
			require.NoError(t, err)
			assert.Equal(t, models.OpStatusFailed, again.Status)
			assertPayload(t, tt.payload, again.Payload)
		})
	}
}

func assertPayload(t *testing.T, want, got models.OpPayload) {
	t.Helper()
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.ParentID, got.ParentID)
	assert.Equal(t, want.MimeType, got.MimeType)
	assert.Equal(t, want.CacheContent, got.CacheContent)
	assert.Equal(t, want.NewParentID, got.NewParentID)
	assert.Equal(t, want.NewName, got.NewName)
	assert.True(t, bytes.Equal(want.Content, got.Content), "content %q != %q", want.Content, got.Content)
}

func TestSQLStoreClear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	seed := func(t *testing.T, store *SQLStore, provider string) {
		t.Helper()
		require.NoError(t, store.PutFiles(ctx, []models.File{testFile(provider, "a", models.RootID, now)}))
		require.NoError(t, store.PutQuota(ctx, models.Quota{Provider: provider, Used: 1, Total: 2, LastUpdated: now}))
		require.NoError(t, store.PutContent(ctx, &models.ContentEntry{Provider: provider, ID: "a", Content: []byte("x"), Size: 1, CachedAt: now, AccessedAt: now}))
		require.NoError(t, store.AddOp(ctx, &models.SyncOp{Provider: provider, Type: models.OpDelete, FileID: "a", Status: models.OpStatusPending, Timestamp: now}))
	}

	t.Run("clears one provider", func(t *testing.T) {
		t.Parallel()
		store, cleanup := testSQLStore(t)
		defer cleanup()
		seed(t, store, "drive")
		seed(t, store, "dropbox")

		require.NoError(t, store.Clear(ctx, "drive"))

		_, err := store.GetFile(ctx, "drive", "a")
		assert.ErrorIs(t, err, common.ErrNotFound)
		_, err = store.GetQuota(ctx, "drive")
		assert.ErrorIs(t, err, common.ErrNotFound)
		ops, err := store.ListOps(ctx, "drive")
		require.NoError(t, err)
		assert.Empty(t, ops)

		_, err = store.GetFile(ctx, "dropbox", "a")
		assert.NoError(t, err)
		usage, err := store.ContentUsage(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), usage)
	})

	t.Run("clears everything", func(t *testing.T) {
		t.Parallel()
		store, cleanup := testSQLStore(t)
		defer cleanup()
		seed(t, store, "drive")
		seed(t, store, "dropbox")

		require.NoError(t, store.Clear(ctx, ""))

		ops, err := store.ListOps(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, ops)
		usage, err := store.ContentUsage(ctx)
		require.NoError(t, err)
		assert.Zero(t, usage)
	})
}
