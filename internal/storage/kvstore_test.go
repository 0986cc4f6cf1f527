package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudcache/internal/common"
	"cloudcache/internal/models"
)

func TestKVStoreContract(t *testing.T) {
	t.Parallel()

	t.Run("get set remove", func(t *testing.T) {
		t.Parallel()
		kv := NewKVStore(memfs.New(), "")

		_, err := kv.Get("storage_cache_x")
		assert.ErrorIs(t, err, common.ErrNotFound)

		require.NoError(t, kv.Set("storage_cache_x", []byte("1")))
		require.NoError(t, kv.Set("storage_cache_x", []byte("2")))
		got, err := kv.Get("storage_cache_x")
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), got)

		require.NoError(t, kv.Remove("storage_cache_x"))
		require.NoError(t, kv.Remove("storage_cache_x"), "removing a missing key is fine")
		_, err = kv.Get("storage_cache_x")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("clear by prefix", func(t *testing.T) {
		t.Parallel()
		kv := NewKVStore(memfs.New(), "")
		for _, k := range []string{"storage_cache_a1", "storage_cache_a2", "storage_cache_b1", "other"} {
			require.NoError(t, kv.Set(k, []byte(k)))
		}

		require.NoError(t, kv.ClearPrefix("storage_cache_a"))

		keys, err := kv.Keys("")
		require.NoError(t, err)
		assert.Equal(t, []string{"other", "storage_cache_b1"}, keys)
	})

	t.Run("rejects path-like keys", func(t *testing.T) {
		t.Parallel()
		kv := NewKVStore(memfs.New(), "")
		for _, k := range []string{"", "a/b", ".hidden", `a\b`} {
			assert.ErrorIs(t, kv.Set(k, nil), common.ErrInvalidPath, "key %q", k)
		}
	})

	t.Run("locks on a real directory", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		kv := NewKVStore(osfs.New(dir), filepath.Join(dir, ".lock"))
		defer kv.Close()

		require.NoError(t, kv.Set("storage_cache_k", []byte("v")))
		assert.FileExists(t, filepath.Join(dir, "storage_cache_k"))

		keys, err := kv.Keys(KeyPrefix)
		require.NoError(t, err)
		assert.Equal(t, []string{"storage_cache_k"}, keys, "lock and temp files are not keys")
	})

	t.Run("waits for a lock held by another process", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		lockPath := filepath.Join(dir, ".lock")
		kv := NewKVStore(osfs.New(dir), lockPath)
		defer kv.Close()

		other := flock.New(lockPath)
		require.NoError(t, other.Lock())
		go func() {
			time.Sleep(100 * time.Millisecond)
			_ = other.Unlock()
		}()

		require.NoError(t, kv.Set("storage_cache_k", []byte("v")))
		got, err := kv.Get("storage_cache_k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), got)
	})
}

func TestKVStoreBackend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	t.Run("is metadata only", func(t *testing.T) {
		t.Parallel()
		kv := NewKVStore(memfs.New(), "")
		caps := kv.Capabilities()
		assert.False(t, caps.Content)
		assert.False(t, caps.SyncQueue)

		assert.ErrorIs(t, kv.PutContent(ctx, &models.ContentEntry{}), common.ErrUnsupported)
		assert.ErrorIs(t, kv.AddOp(ctx, &models.SyncOp{}), common.ErrUnsupported)
		_, err := kv.ListOps(ctx, "drive")
		assert.ErrorIs(t, err, common.ErrUnsupported)
	})

	t.Run("files and quota", func(t *testing.T) {
		t.Parallel()
		kv := NewKVStore(memfs.New(), "")

		require.NoError(t, kv.PutFiles(ctx, []models.File{
			testFile("drive", "a", "p1", now),
			testFile("drive", "dir/b", "p1", now),
			testFile("drive", "c", "p2", now),
			testFile("drive_2", "a", "p1", now),
		}))
		require.NoError(t, kv.PutQuota(ctx, models.Quota{Provider: "drive", Used: 5, Total: 10, LastUpdated: now}))

		got, err := kv.GetFile(ctx, "drive", "dir/b")
		require.NoError(t, err)
		assert.Equal(t, "dir/b.txt", got.Name)

		p1, err := kv.ListFiles(ctx, "drive", "p1")
		require.NoError(t, err)
		assert.Len(t, p1, 2, "provider names sharing a prefix do not leak into each other")

		q, err := kv.GetQuota(ctx, "drive")
		require.NoError(t, err)
		assert.Equal(t, int64(5), q.Used)
		assert.True(t, now.Equal(q.LastUpdated))
	})

	t.Run("clear provider keeps others", func(t *testing.T) {
		t.Parallel()
		kv := NewKVStore(memfs.New(), "")
		require.NoError(t, kv.PutFiles(ctx, []models.File{
			testFile("drive", "a", "p1", now),
			testFile("drive_2", "a", "p1", now),
		}))
		require.NoError(t, kv.PutQuota(ctx, models.Quota{Provider: "drive", LastUpdated: now}))

		require.NoError(t, kv.Clear(ctx, "drive"))

		_, err := kv.GetFile(ctx, "drive", "a")
		assert.ErrorIs(t, err, common.ErrNotFound)
		_, err = kv.GetQuota(ctx, "drive")
		assert.ErrorIs(t, err, common.ErrNotFound)
		_, err = kv.GetFile(ctx, "drive_2", "a")
		assert.NoError(t, err)

		require.NoError(t, kv.Clear(ctx, ""))
		keys, err := kv.Keys(KeyPrefix)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}
