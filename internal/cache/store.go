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

package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"cloudcache/internal/common"
	"cloudcache/internal/metrics"
	"cloudcache/internal/models"
	"cloudcache/internal/storage"
)

// Config holds the cache tunables.
type Config struct {
	TTLMeta             time.Duration // freshness of file metadata
	TTLQuota            time.Duration // freshness of quota snapshots
	ContentByteBudget   int64         // upper bound on cached content bytes
	EvictionTargetRatio float64       // eviction stops at this fraction of the budget
	MaxRetryCount       int           // failed replays allowed before an op is terminal
	MemoryMaxEntries    int           // memory tier capacity, 0 = unlimited

	// Now is the clock, nil for time.Now.
	Now func() time.Time
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		TTLMeta:             5 * time.Minute,
		TTLQuota:            time.Minute,
		ContentByteBudget:   50 * 1024 * 1024,
		EvictionTargetRatio: 0.8,
		MaxRetryCount:       3,
		MemoryMaxEntries:    10000,
	}
}

// Validate checks that the tunables make sense.
func (c Config) Validate() error {
	switch {
	case c.TTLMeta <= 0:
		return fmt.Errorf("%w: ttl_meta must be positive", common.ErrInvalidConfig)
	case c.TTLQuota <= 0:
		return fmt.Errorf("%w: ttl_quota must be positive", common.ErrInvalidConfig)
	case c.ContentByteBudget <= 0:
		return fmt.Errorf("%w: content_byte_budget must be positive", common.ErrInvalidConfig)
	case c.EvictionTargetRatio <= 0 || c.EvictionTargetRatio > 1:
		return fmt.Errorf("%w: eviction_target_ratio must be in (0, 1]", common.ErrInvalidConfig)
	case c.MaxRetryCount < 0:
		return fmt.Errorf("%w: max_retry_count must not be negative", common.ErrInvalidConfig)
	}
	return nil
}

// Store is the cache facade over the memory tier and a persistent backend.
// All mutations are serialized, so eviction-before-insert cannot interleave
// with another write in the same process.
type Store struct {
	mu      sync.Mutex
	backend storage.Backend
	cfg     Config
	now     func() time.Time

	files  *MemoryIndex[models.File]
	quotas *MemoryIndex[models.Quota]
}

// New creates a Store over backend.
func New(backend storage.Backend, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		backend: backend,
		cfg:     cfg,
		now:     now,
		files:   NewMemoryIndex[models.File](cfg.TTLMeta, cfg.MemoryMaxEntries, now),
		quotas:  NewMemoryIndex[models.Quota](cfg.TTLQuota, cfg.MemoryMaxEntries, now),
	}, nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Config returns the tunables the store was built with.
func (s *Store) Config() Config {
	return s.cfg
}

// Capabilities reports what the persistent tier can hold. Callers must check
// it before relying on content caching or offline writes.
func (s *Store) Capabilities() storage.Capabilities {
	return s.backend.Capabilities()
}

func fileKey(provider, id string) string {
	return "file/" + provider + "/" + id
}

func quotaKey(provider string) string {
	return "quota/" + provider
}

// --- File metadata ---

// CacheFile stores one record, stamping CachedAt.
func (s *Store) CacheFile(ctx context.Context, file models.File) error {
	if file.Provider == "" {
		return fmt.Errorf("cache file %q: provider is required", file.ID)
	}
	return s.CacheFiles(ctx, file.Provider, []models.File{file})
}

// CacheFiles stores records for provider, overwriting any with the same id.
func (s *Store) CacheFiles(ctx context.Context, provider string, files []models.File) error {
	if len(files) == 0 {
		return nil
	}
	now := s.now()
	stamped := make([]models.File, len(files))
	for i, f := range files {
		f.Provider = provider
		f.CachedAt = now
		stamped[i] = f
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range stamped {
		s.files.Set(fileKey(provider, f.ID), f, f.CachedAt)
	}
	if err := s.backend.PutFiles(ctx, stamped); err != nil {
		return fmt.Errorf("failed to persist %d file records: %w", len(stamped), err)
	}
	return nil
}

// GetCachedFile returns a fresh record or nil when absent or expired.
func (s *Store) GetCachedFile(ctx context.Context, provider, id string) (*models.File, error) {
	key := fileKey(provider, id)
	if f, ok := s.files.Get(key); ok {
		metrics.RecordCacheLookup(metrics.KindFile, metrics.TierMemory, true)
		return &f, nil
	}
	metrics.RecordCacheLookup(metrics.KindFile, metrics.TierMemory, false)

	f, err := s.backend.GetFile(ctx, provider, id)
	if errors.Is(err, common.ErrNotFound) {
		metrics.RecordCacheLookup(metrics.KindFile, metrics.TierPersistent, false)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !s.fresh(f.CachedAt, s.cfg.TTLMeta) {
		metrics.RecordCacheLookup(metrics.KindFile, metrics.TierPersistent, false)
		return nil, nil
	}
	metrics.RecordCacheLookup(metrics.KindFile, metrics.TierPersistent, true)
	s.files.Set(key, *f, f.CachedAt)
	return f, nil
}

// GetCachedFiles returns the fresh records of provider. An empty parentID
// returns every record of the provider regardless of parent.
func (s *Store) GetCachedFiles(ctx context.Context, provider, parentID string) ([]models.File, error) {
	all, err := s.backend.ListFiles(ctx, provider, parentID)
	if err != nil {
		return nil, err
	}
	files := all[:0]
	for _, f := range all {
		if s.fresh(f.CachedAt, s.cfg.TTLMeta) {
			files = append(files, f)
		}
	}
	metrics.RecordCacheLookup(metrics.KindList, metrics.TierPersistent, len(files) > 0)
	return files, nil
}

// RemoveFile drops a record and its content once the deletion is confirmed.
func (s *Store) RemoveFile(ctx context.Context, provider, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.files.InvalidateKey(fileKey(provider, id))
	return s.backend.DeleteFile(ctx, provider, id)
}

// ReplaceFile swaps the record stored under oldID for file. Used when a
// locally minted id is superseded by the provider's own.
func (s *Store) ReplaceFile(ctx context.Context, provider, oldID string, file models.File) error {
	file.Provider = provider
	file.CachedAt = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.files.InvalidateKey(fileKey(provider, oldID))
	s.files.Set(fileKey(provider, file.ID), file, file.CachedAt)
	return s.backend.ReplaceFile(ctx, oldID, file)
}

// --- Quota ---

// CacheQuota stores a quota snapshot; LastUpdated is set to now.
func (s *Store) CacheQuota(ctx context.Context, quota models.Quota) error {
	quota.LastUpdated = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.quotas.Set(quotaKey(quota.Provider), quota, quota.LastUpdated)
	return s.backend.PutQuota(ctx, quota)
}

// GetCachedQuota returns a fresh snapshot or nil.
func (s *Store) GetCachedQuota(ctx context.Context, provider string) (*models.Quota, error) {
	key := quotaKey(provider)
	if q, ok := s.quotas.Get(key); ok {
		metrics.RecordCacheLookup(metrics.KindQuota, metrics.TierMemory, true)
		return &q, nil
	}
	metrics.RecordCacheLookup(metrics.KindQuota, metrics.TierMemory, false)

	q, err := s.backend.GetQuota(ctx, provider)
	if errors.Is(err, common.ErrNotFound) {
		metrics.RecordCacheLookup(metrics.KindQuota, metrics.TierPersistent, false)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !s.fresh(q.LastUpdated, s.cfg.TTLQuota) {
		metrics.RecordCacheLookup(metrics.KindQuota, metrics.TierPersistent, false)
		return nil, nil
	}
	metrics.RecordCacheLookup(metrics.KindQuota, metrics.TierPersistent, true)
	s.quotas.Set(key, *q, q.LastUpdated)
	return q, nil
}

// --- Maintenance ---

// Clear drops every record kind for provider, or everything when provider is empty.
func (s *Store) Clear(ctx context.Context, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if provider == "" {
		s.files.Invalidate()
		s.quotas.Invalidate()
	} else {
		s.files.InvalidatePrefix("file/" + provider)
		s.quotas.InvalidateKey(quotaKey(provider))
	}
	if err := s.backend.Clear(ctx, provider); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	if usage, err := s.backend.ContentUsage(ctx); err == nil {
		metrics.SetContentUsage(usage)
	}
	log.WithField("provider", provider).Debug("cache: cleared")
	return nil
}

// Stats summarizes the cache.
type Stats struct {
	MemoryFiles   MemoryStats
	MemoryQuotas  MemoryStats
	ContentUsage  int64
	ContentBudget int64
	Capabilities  storage.Capabilities
}

// Stats returns current cache statistics.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	usage, err := s.backend.ContentUsage(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		MemoryFiles:   s.files.Stats(),
		MemoryQuotas:  s.quotas.Stats(),
		ContentUsage:  usage,
		ContentBudget: s.cfg.ContentByteBudget,
		Capabilities:  s.backend.Capabilities(),
	}, nil
}

func (s *Store) fresh(at time.Time, ttl time.Duration) bool {
	return s.now().Sub(at) < ttl
}
