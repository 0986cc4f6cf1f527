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

// Package provider defines the contract every remote storage backend implements.
package provider

import (
	"context"
	"fmt"

	"cloudcache/internal/models"
)

// ListOptions controls paging of listings and searches.
type ListOptions struct {
	PageSize  int    // 0 = provider default
	PageToken string // from a previous ListResult
}

// ListResult is one page of a listing.
type ListResult struct {
	Files         []models.File
	NextPageToken string
}

// Upload is a file body with its name and type.
type Upload struct {
	Name     string
	MimeType string
	Content  []byte
}

// UploadOptions places an upload.
type UploadOptions struct {
	ParentID string // models.RootID or "" for the top level
}

// Provider is a remote storage backend. Records returned by a Provider do
// not need Provider or CachedAt set; the manager fills those in.
// Missing files are reported with an error wrapping common.ErrNotFound.
type Provider interface {
	ListFiles(ctx context.Context, parentID string, opts ListOptions) (*ListResult, error)
	GetFile(ctx context.Context, id string) (*models.File, error)
	UploadFile(ctx context.Context, upload Upload, opts UploadOptions) (*models.File, error)
	DownloadFile(ctx context.Context, id string) ([]byte, error)
	DeleteFile(ctx context.Context, id string) error
	MoveFile(ctx context.Context, id, newParentID string) (*models.File, error)
	RenameFile(ctx context.Context, id, newName string) (*models.File, error)
	GetQuota(ctx context.Context) (*models.Quota, error)

	CopyFile(ctx context.Context, id, newParentID, newName string) (*models.File, error)
	CreateFolder(ctx context.Context, name, parentID string) (*models.File, error)
	SearchFiles(ctx context.Context, query string, opts ListOptions) (*ListResult, error)
}

// Pinger is implemented by providers that can cheaply check reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RemoteError is a provider failure on the online path. It is returned to
// the caller as-is and never retried.
type RemoteError struct {
	Provider string
	Op       string
	Err      error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Wrap returns err as a *RemoteError, or nil when err is nil.
func Wrap(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	return &RemoteError{Provider: provider, Op: op, Err: err}
}

// ParentKey maps a parent id to the provider's key space: RootID and "" are the top level.
func ParentKey(parentID string) string {
	if parentID == models.RootID {
		return ""
	}
	return parentID
}

// ParentID maps a parent key back to a parent id.
func ParentID(parentKey string) string {
	if parentKey == "" {
		return models.RootID
	}
	return parentKey
}
