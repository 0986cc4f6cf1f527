package cache

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/require"

	"cloudcache/internal/models"
	"cloudcache/internal/storage"
)

// fakeClock is a manually advanced clock with millisecond resolution.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testStore creates a Store over a temporary SQLite database.
func testStore(t *testing.T, mutate func(*Config)) (*Store, *fakeClock) {
	t.Helper()
	backend, err := storage.OpenSQLStore(context.Background(),
		filepath.Join(t.TempDir(), "cache.db"), storage.SQLOptions{Compress: true})
	require.NoError(t, err)
	return newTestStore(t, backend, mutate)
}

// testFlatStore creates a Store over the metadata-only flat store.
func testFlatStore(t *testing.T, mutate func(*Config)) (*Store, *fakeClock) {
	t.Helper()
	return newTestStore(t, storage.NewKVStore(memfs.New(), ""), mutate)
}

func newTestStore(t *testing.T, backend storage.Backend, mutate func(*Config)) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(backend, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func file(provider, id, parent string) models.File {
	return models.File{
		ID:         id,
		Provider:   provider,
		Name:       id,
		MimeType:   "application/octet-stream",
		Size:       1,
		ParentID:   parent,
		SyncStatus: models.SyncStatusSynced,
	}
}
