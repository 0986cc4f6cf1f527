package manager

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/pool"

	"cloudcache/internal/common"
)

const DefaultPrefetchConcurrency = 4

// Prefetch downloads ids into the content cache with at most concurrency
// downloads in flight. Ids already cached are not fetched again. The first
// failure cancels the remaining downloads.
func (m *Manager) Prefetch(ctx context.Context, ids []string, concurrency int) error {
	if !m.cache.Capabilities().Content {
		return common.ErrContentUnavailable
	}
	if concurrency <= 0 {
		concurrency = DefaultPrefetchConcurrency
	}

	p := pool.New().WithMaxGoroutines(concurrency).WithContext(ctx).WithCancelOnError()
	for _, id := range ids {
		p.Go(func(ctx context.Context) error {
			if _, err := m.DownloadFile(ctx, id, DownloadOptions{}); err != nil {
				return fmt.Errorf("prefetch %s: %w", id, err)
			}
			return nil
		})
	}
	return p.Wait()
}
