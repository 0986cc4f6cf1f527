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

// Package cache provides the tiered cache of remote file metadata, content,
// quota snapshots and the offline sync queue.
//
// Tiers, fastest first:
// 1. MemoryIndex - process-local TTL map for metadata and quota
// 2. storage.Backend - SQLite store, or the flat key-value fallback
//
// Store is the only writer of any record kind. It owns the content eviction
// policy and the sync queue state machine.
package cache

import "os"

// Disabled turns the memory tier off. Set via CLOUDCACHE_MEMORY_CACHE=0.
// When true MemoryIndex.Get always misses and MemoryIndex.Set is a no-op;
// every lookup goes to the persistent tier. Useful to isolate memory-tier bugs.
var Disabled = os.Getenv("CLOUDCACHE_MEMORY_CACHE") == "0"

// Invalidator is implemented by all caches that support full invalidation.
type Invalidator interface {
	// Invalidate clears all entries from the cache.
	Invalidate()
}
