// Package metrics provides Prometheus metrics for the cache and sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Lookup tiers
const (
	TierMemory     = "memory"
	TierPersistent = "persistent"
)

// Record kinds
const (
	KindFile    = "file"
	KindList    = "list"
	KindQuota   = "quota"
	KindContent = "content"
)

var (
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudcache_cache_lookups_total",
			Help: "Cache lookups by record kind, tier and result",
		},
		[]string{"kind", "tier", "result"},
	)

	contentEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudcache_content_evictions_total",
			Help: "Content entries evicted to stay under the byte budget",
		},
	)

	contentEvictedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudcache_content_evicted_bytes_total",
			Help: "Bytes of content evicted",
		},
	)

	contentUsageBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudcache_content_usage_bytes",
			Help: "Bytes of content currently cached",
		},
	)

	syncOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudcache_sync_operations_total",
			Help: "Replayed queue operations by type and result",
		},
		[]string{"type", "result"},
	)

	syncPassesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudcache_sync_passes_total",
			Help: "Sync passes started",
		},
	)

	queuedOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudcache_queued_operations_total",
			Help: "Writes queued while offline, by type",
		},
		[]string{"type"},
	)

	remoteCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudcache_remote_calls_total",
			Help: "Calls made to remote providers",
		},
		[]string{"provider", "op", "status"},
	)
)

// RecordCacheLookup counts one lookup.
func RecordCacheLookup(kind, tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(kind, tier, result).Inc()
}

// RecordEviction counts evicted content entries.
func RecordEviction(entries int, bytes int64) {
	contentEvictionsTotal.Add(float64(entries))
	contentEvictedBytesTotal.Add(float64(bytes))
}

// SetContentUsage sets the cached content gauge.
func SetContentUsage(bytes int64) {
	contentUsageBytes.Set(float64(bytes))
}

// RecordSyncPass counts a replay pass.
func RecordSyncPass() {
	syncPassesTotal.Inc()
}

// RecordSyncResult counts a replayed operation. result is completed, retry or failed.
func RecordSyncResult(opType, result string) {
	syncOperationsTotal.WithLabelValues(opType, result).Inc()
}

// RecordQueued counts an operation queued while offline.
func RecordQueued(opType string) {
	queuedOperationsTotal.WithLabelValues(opType).Inc()
}

// RecordRemoteCall counts a provider call.
func RecordRemoteCall(provider, op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	remoteCallsTotal.WithLabelValues(provider, op, status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
