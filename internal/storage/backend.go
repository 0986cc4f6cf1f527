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

// Package storage provides the persistent tiers of the cache: an indexed
// SQLite store (SQLStore) and a flat key-value fallback (KVStore).
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	log "github.com/sirupsen/logrus"

	"cloudcache/internal/common"
	"cloudcache/internal/models"
)

// Capabilities tells callers which record kinds a Backend can hold.
// A metadata-only backend rejects content and queue calls with common.ErrUnsupported.
type Capabilities struct {
	Content   bool
	SyncQueue bool

	// Degraded is the reason the indexed store is not in use, nil otherwise.
	Degraded error
}

// Backend is the persistent tier behind the cache.
// Lookups that find nothing return common.ErrNotFound.
type Backend interface {
	Capabilities() Capabilities

	PutFiles(ctx context.Context, files []models.File) error
	GetFile(ctx context.Context, provider, id string) (*models.File, error)
	// ListFiles returns a provider's records; an empty parentID disables the parent filter.
	ListFiles(ctx context.Context, provider, parentID string) ([]models.File, error)
	DeleteFile(ctx context.Context, provider, id string) error
	ReplaceFile(ctx context.Context, oldID string, file models.File) error

	PutQuota(ctx context.Context, quota models.Quota) error
	GetQuota(ctx context.Context, provider string) (*models.Quota, error)

	PutContent(ctx context.Context, entry *models.ContentEntry) error
	GetContent(ctx context.Context, provider, id string) (*models.ContentEntry, error)
	TouchContent(ctx context.Context, provider, id string, at time.Time) error
	// ListContent returns entries without bodies, least recently accessed first.
	ListContent(ctx context.Context) ([]models.ContentInfo, error)
	DeleteContent(ctx context.Context, keys []models.ContentInfo) error
	ContentUsage(ctx context.Context) (int64, error)

	AddOp(ctx context.Context, op *models.SyncOp) error
	// ListOps returns queue entries in insertion order; an empty provider lists all.
	ListOps(ctx context.Context, provider string) ([]models.SyncOp, error)
	GetOp(ctx context.Context, id int64) (*models.SyncOp, error)
	UpdateOp(ctx context.Context, op *models.SyncOp) error
	RewriteOpFileID(ctx context.Context, provider, oldID, newID string) (int64, error)
	PruneOps(ctx context.Context, failedBefore time.Time) (int64, error)

	// Clear drops every record of provider, or everything when provider is empty.
	Clear(ctx context.Context, provider string) error
	Close() error
}

// Options configures Open.
type Options struct {
	Path        string // SQLite database file
	FallbackDir string // directory for the flat store when Path cannot be used
	BusyTimeout int    // milliseconds, 0 = default
	Compress    bool   // zstd-compress content blobs
}

// Open opens the indexed store at opts.Path. When that fails it logs
// common.ErrStoreUnavailable once and returns a metadata-only KVStore rooted
// at opts.FallbackDir; the cause is reported by Capabilities().Degraded.
// An error is returned only when neither tier can be opened.
func Open(ctx context.Context, opts Options) (Backend, error) {
	store, err := OpenSQLStore(ctx, opts.Path, SQLOptions{
		BusyTimeout: opts.BusyTimeout,
		Compress:    opts.Compress,
	})
	if err == nil {
		return store, nil
	}

	cause := fmt.Errorf("%w: %v", common.ErrStoreUnavailable, err)
	log.WithError(err).WithField("path", opts.Path).
		Warn("storage: indexed store unavailable, using flat key-value store")

	if opts.FallbackDir == "" {
		return nil, cause
	}
	if err := os.MkdirAll(opts.FallbackDir, 0700); err != nil {
		return nil, fmt.Errorf("%w: fallback dir: %v", cause, err)
	}
	kv := NewKVStore(osfs.New(opts.FallbackDir), filepath.Join(opts.FallbackDir, ".lock"))
	kv.degraded = cause
	return kv, nil
}
