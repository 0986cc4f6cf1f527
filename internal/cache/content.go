package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"cloudcache/internal/common"
	"cloudcache/internal/metrics"
	"cloudcache/internal/models"
)

// CacheContent stores a file body. When the insert would push usage over the
// budget, least recently accessed entries are evicted first until usage is at
// most min(ratio*budget, budget-size).
func (s *Store) CacheContent(ctx context.Context, provider, id string, data []byte) error {
	if !s.backend.Capabilities().Content {
		return common.ErrContentUnavailable
	}
	size := int64(len(data))
	budget := s.cfg.ContentByteBudget
	if size > budget {
		return fmt.Errorf("%w: %d bytes, budget %d", common.ErrContentTooLarge, size, budget)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	usage, err := s.backend.ContentUsage(ctx)
	if err != nil {
		return fmt.Errorf("failed to read content usage: %w", err)
	}

	if usage+size > budget {
		infos, err := s.backend.ListContent(ctx)
		if err != nil {
			return fmt.Errorf("failed to list content: %w", err)
		}
		// The entry being replaced frees its own bytes.
		candidates := infos[:0]
		for _, info := range infos {
			if info.Provider == provider && info.ID == id {
				usage -= info.Size
				continue
			}
			candidates = append(candidates, info)
		}
		target := int64(s.cfg.EvictionTargetRatio * float64(budget))
		if room := budget - size; room < target {
			target = room
		}
		victims, freed := selectVictims(candidates, usage, target)
		if len(victims) > 0 {
			if err := s.backend.DeleteContent(ctx, victims); err != nil {
				return fmt.Errorf("failed to evict content: %w", err)
			}
			metrics.RecordEviction(len(victims), freed)
			log.WithFields(log.Fields{
				"evicted": len(victims),
				"freed":   freed,
				"target":  target,
			}).Debug("cache: evicted content")
			usage -= freed
		}
	}

	now := s.now()
	if err := s.backend.PutContent(ctx, &models.ContentEntry{
		Provider:   provider,
		ID:         id,
		Content:    data,
		Size:       size,
		CachedAt:   now,
		AccessedAt: now,
	}); err != nil {
		return fmt.Errorf("failed to store content: %w", err)
	}
	metrics.SetContentUsage(usage + size)
	return nil
}

// selectVictims picks entries in ascending AccessedAt order until usage drops
// to target. It returns the victims and the bytes they free.
func selectVictims(infos []models.ContentInfo, usage, target int64) ([]models.ContentInfo, int64) {
	ordered := make([]models.ContentInfo, len(infos))
	copy(ordered, infos)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].AccessedAt.Before(ordered[j].AccessedAt)
	})

	var victims []models.ContentInfo
	var freed int64
	for _, info := range ordered {
		if usage-freed <= target {
			break
		}
		victims = append(victims, info)
		freed += info.Size
	}
	return victims, freed
}

// GetCachedContent returns a cached body or nil, and marks it as accessed.
// Content has no TTL; it lives until evicted or cleared.
func (s *Store) GetCachedContent(ctx context.Context, provider, id string) ([]byte, error) {
	if !s.backend.Capabilities().Content {
		return nil, common.ErrContentUnavailable
	}
	entry, err := s.backend.GetContent(ctx, provider, id)
	if errors.Is(err, common.ErrNotFound) {
		metrics.RecordCacheLookup(metrics.KindContent, metrics.TierPersistent, false)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	metrics.RecordCacheLookup(metrics.KindContent, metrics.TierPersistent, true)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.TouchContent(ctx, provider, id, s.now()); err != nil {
		// The body is still good; only its eviction order is stale.
		log.WithError(err).WithField("id", id).Warn("cache: failed to bump content access time")
	}
	return entry.Content, nil
}

// ContentUsage returns the bytes of content currently cached.
func (s *Store) ContentUsage(ctx context.Context) (int64, error) {
	return s.backend.ContentUsage(ctx)
}
