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

// Package models holds the records shared by the cache, the sync queue,
// the providers and the manager.
package models

import (
	"strings"
	"time"
)

// RootID is the parent id reported for top-level entries of a provider.
const RootID = "root"

// TempIDPrefix marks ids minted locally for files uploaded while offline.
const TempIDPrefix = "temp_"

// SyncStatus is the local synchronization state of a file record.
type SyncStatus string

const (
	SyncStatusSynced        SyncStatus = "synced"
	SyncStatusPending       SyncStatus = "pending"
	SyncStatusPendingDelete SyncStatus = "pending_delete"
	SyncStatusError         SyncStatus = "error"
)

// File is the metadata record of a remote file or folder.
// At most one record exists per (Provider, ID).
type File struct {
	ID         string     `json:"id"`
	Provider   string     `json:"provider"`
	Name       string     `json:"name"`
	MimeType   string     `json:"mimeType"`
	Size       int64      `json:"size"`
	CreatedAt  time.Time  `json:"createdAt"`
	ModifiedAt time.Time  `json:"modifiedAt"`
	ParentID   string     `json:"parentId,omitempty"`
	Path       string     `json:"path"`
	IsFolder   bool       `json:"isFolder"`
	SyncStatus SyncStatus `json:"syncStatus,omitempty"`

	// CachedAt is set by the cache on every write.
	CachedAt time.Time `json:"cachedAt"`
}

// IsTemp reports whether the record carries a locally minted id.
func (f *File) IsTemp() bool {
	return IsTempID(f.ID)
}

// IsTempID reports whether id was minted locally for an offline upload.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Quota is a snapshot of a provider's storage usage.
type Quota struct {
	Provider    string    `json:"provider"`
	Used        int64     `json:"used"`
	Total       int64     `json:"total"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Available returns the remaining bytes, never negative.
func (q *Quota) Available() int64 {
	if q.Total <= q.Used {
		return 0
	}
	return q.Total - q.Used
}

// ContentEntry is a cached file body.
type ContentEntry struct {
	Provider   string
	ID         string
	Content    []byte
	Size       int64
	CachedAt   time.Time
	AccessedAt time.Time
}

// ContentInfo describes a content entry without its body. Eviction works on these.
type ContentInfo struct {
	Provider   string
	ID         string
	Size       int64
	AccessedAt time.Time
}
