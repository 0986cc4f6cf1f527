package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"cloudcache/internal/common"
	"cloudcache/internal/metrics"
	"cloudcache/internal/models"
	"cloudcache/internal/provider"
)

// ListOptions controls ListFiles.
type ListOptions struct {
	NoCache   bool
	PageSize  int
	PageToken string // a continuation always goes to the provider
}

// ReadOptions controls single-record reads.
type ReadOptions struct {
	NoCache bool
}

// DownloadOptions controls DownloadFile.
type DownloadOptions struct {
	NoCache bool // neither read nor fill the content cache
}

// UploadOptions controls UploadFile.
type UploadOptions struct {
	ParentID     string
	CacheContent bool
}

func normalizeParent(parentID string) string {
	if parentID == "" {
		return models.RootID
	}
	return parentID
}

// newTempID mints the id of a file created while offline.
func (m *Manager) newTempID() string {
	return fmt.Sprintf("%s%d_%s", models.TempIDPrefix, m.now().UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// remote runs a provider call, counting it and wrapping its failure.
func remote[T any](name, op string, call func() (T, error)) (T, error) {
	v, err := call()
	metrics.RecordRemoteCall(name, op, err)
	if err != nil {
		var zero T
		return zero, provider.Wrap(name, op, err)
	}
	return v, nil
}

func (m *Manager) writeBack(ctx context.Context, name string, files ...models.File) {
	if err := m.cache.CacheFiles(ctx, name, files); err != nil {
		log.WithError(err).WithField("provider", name).Warn("manager: failed to cache provider result")
	}
}

func (m *Manager) cachedFile(ctx context.Context, name, id string) *models.File {
	f, err := m.cache.GetCachedFile(ctx, name, id)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"provider": name, "id": id}).Warn("manager: cache read failed")
		return nil
	}
	return f
}

// --- Reads ---

// ListFiles returns the children of parentID. A non-empty fresh cached set
// is returned as is without asking the provider.
func (m *Manager) ListFiles(ctx context.Context, parentID string, opts ListOptions) (*provider.ListResult, error) {
	name, p, err := m.activeProvider()
	if err != nil {
		return nil, err
	}
	parentID = normalizeParent(parentID)

	if !opts.NoCache && opts.PageToken == "" {
		cached, err := m.cache.GetCachedFiles(ctx, name, parentID)
		if err != nil {
			log.WithError(err).WithField("provider", name).Warn("manager: cache list failed")
		} else if len(cached) > 0 {
			return &provider.ListResult{Files: cached}, nil
		}
	}

	res, err := remote(name, "list", func() (*provider.ListResult, error) {
		return p.ListFiles(ctx, parentID, provider.ListOptions{PageSize: opts.PageSize, PageToken: opts.PageToken})
	})
	if err != nil {
		return nil, err
	}
	for i := range res.Files {
		res.Files[i].Provider = name
	}
	m.writeBack(ctx, name, res.Files...)
	return res, nil
}

// GetFile returns the metadata of id, from the cache when fresh.
func (m *Manager) GetFile(ctx context.Context, id string, opts ReadOptions) (*models.File, error) {
	name, p, err := m.activeProvider()
	if err != nil {
		return nil, err
	}
	if !opts.NoCache {
		if f := m.cachedFile(ctx, name, id); f != nil {
			return f, nil
		}
	}

	f, err := remote(name, "get", func() (*models.File, error) { return p.GetFile(ctx, id) })
	if err != nil {
		return nil, err
	}
	f.Provider = name
	m.writeBack(ctx, name, *f)
	return f, nil
}

// DownloadFile returns the body of id, from the content cache when present.
// Failing to cache a downloaded body is logged, not returned.
func (m *Manager) DownloadFile(ctx context.Context, id string, opts DownloadOptions) ([]byte, error) {
	name, p, err := m.activeProvider()
	if err != nil {
		return nil, err
	}
	useCache := !opts.NoCache && m.cache.Capabilities().Content

	if useCache {
		content, err := m.cache.GetCachedContent(ctx, name, id)
		if err != nil {
			log.WithError(err).WithField("id", id).Warn("manager: content cache read failed")
		} else if content != nil {
			return content, nil
		}
	}

	content, err := remote(name, "download", func() ([]byte, error) { return p.DownloadFile(ctx, id) })
	if err != nil {
		return nil, err
	}
	if useCache {
		m.cacheContent(ctx, name, id, content)
	}
	return content, nil
}

func (m *Manager) cacheContent(ctx context.Context, name, id string, content []byte) {
	if err := m.cache.CacheContent(ctx, name, id, content); err != nil {
		log.WithError(err).WithFields(log.Fields{"provider": name, "id": id}).Warn("manager: failed to cache content")
	}
}

// GetQuota returns the storage quota of the active provider.
func (m *Manager) GetQuota(ctx context.Context, opts ReadOptions) (*models.Quota, error) {
	name, p, err := m.activeProvider()
	if err != nil {
		return nil, err
	}
	if !opts.NoCache {
		q, err := m.cache.GetCachedQuota(ctx, name)
		if err != nil {
			log.WithError(err).WithField("provider", name).Warn("manager: quota cache read failed")
		} else if q != nil {
			return q, nil
		}
	}

	q, err := remote(name, "quota", func() (*models.Quota, error) { return p.GetQuota(ctx) })
	if err != nil {
		return nil, err
	}
	q.Provider = name
	if err := m.cache.CacheQuota(ctx, *q); err != nil {
		log.WithError(err).WithField("provider", name).Warn("manager: failed to cache quota")
	}
	return q, nil
}

// SearchFiles asks the provider and caches every match.
func (m *Manager) SearchFiles(ctx context.Context, query string, opts provider.ListOptions) (*provider.ListResult, error) {
	name, p, err := m.activeProvider()
	if err != nil {
		return nil, err
	}
	res, err := remote(name, "search", func() (*provider.ListResult, error) { return p.SearchFiles(ctx, query, opts) })
	if err != nil {
		return nil, err
	}
	for i := range res.Files {
		res.Files[i].Provider = name
	}
	m.writeBack(ctx, name, res.Files...)
	return res, nil
}

// --- Writes ---

// queue records an offline write. Without a queue-capable store offline
// writes are refused rather than silently lost.
func (m *Manager) queue(ctx context.Context, name string, typ models.OpType, fileID string, payload models.OpPayload) error {
	if !m.cache.Capabilities().SyncQueue {
		return fmt.Errorf("cannot %s %s offline: %w", typ, fileID, common.ErrQueueUnavailable)
	}
	_, err := m.cache.AddToSyncQueue(ctx, models.SyncOp{
		Provider: name,
		Type:     typ,
		FileID:   fileID,
		Payload:  payload,
	})
	if err != nil {
		return err
	}
	metrics.RecordQueued(string(typ))
	return nil
}

// UploadFile creates a file. Offline it returns a pending record with a
// temp_ id at once and queues the upload.
func (m *Manager) UploadFile(ctx context.Context, up provider.Upload, opts UploadOptions) (*models.File, error) {
	name, p, err := m.activeProvider()
	if err != nil {
		return nil, err
	}
	parentID := normalizeParent(opts.ParentID)

	if !m.Online() {
		now := m.now()
		f := models.File{
			ID:         m.newTempID(),
			Provider:   name,
			Name:       up.Name,
			MimeType:   up.MimeType,
			Size:       int64(len(up.Content)),
			CreatedAt:  now,
			ModifiedAt: now,
			ParentID:   parentID,
			IsFolder:   false,
			SyncStatus: models.SyncStatusPending,
		}
		err := m.queue(ctx, name, models.OpUpload, f.ID, models.OpPayload{
			Name:         up.Name,
			ParentID:     parentID,
			MimeType:     up.MimeType,
			Content:      up.Content,
			CacheContent: opts.CacheContent,
		})
		if err != nil {
			return nil, err
		}
		if err := m.cache.CacheFile(ctx, f); err != nil {
			return nil, err
		}
		if opts.CacheContent {
			m.cacheContent(ctx, name, f.ID, up.Content)
		}
		return &f, nil
	}

	f, err := remote(name, "upload", func() (*models.File, error) {
		return p.UploadFile(ctx, up, provider.UploadOptions{ParentID: parentID})
	})
	if err != nil {
		return nil, err
	}
	f.Provider = name
	m.writeBack(ctx, name, *f)
	if opts.CacheContent && m.cache.Capabilities().Content {
		m.cacheContent(ctx, name, f.ID, up.Content)
	}
	return f, nil
}

// DeleteFile deletes id. Offline the cached record is marked pending_delete
// and the delete is queued.
func (m *Manager) DeleteFile(ctx context.Context, id string) error {
	name, p, err := m.activeProvider()
	if err != nil {
		return err
	}

	if !m.Online() {
		if err := m.queue(ctx, name, models.OpDelete, id, models.OpPayload{}); err != nil {
			return err
		}
		if f := m.cachedFile(ctx, name, id); f != nil {
			f.SyncStatus = models.SyncStatusPendingDelete
			return m.cache.CacheFile(ctx, *f)
		}
		return nil
	}

	_, err = remote(name, "delete", func() (struct{}, error) { return struct{}{}, p.DeleteFile(ctx, id) })
	if err != nil {
		return err
	}
	if err := m.cache.RemoveFile(ctx, name, id); err != nil {
		log.WithError(err).WithField("id", id).Warn("manager: failed to drop deleted file from cache")
	}
	return nil
}

// offlineEdit applies edit to the cached record of id, marks it pending and
// caches it. An id that is not cached gets a minimal pending record that is
// returned but not cached, so reads keep going to the provider for it.
func (m *Manager) offlineEdit(ctx context.Context, name, id string, edit func(*models.File)) (*models.File, error) {
	f := m.cachedFile(ctx, name, id)
	if f == nil {
		f = &models.File{ID: id, Provider: name, Name: common.BaseName(id)}
		edit(f)
		f.SyncStatus = models.SyncStatusPending
		return f, nil
	}
	edit(f)
	f.SyncStatus = models.SyncStatusPending
	f.ModifiedAt = m.now()
	if err := m.cache.CacheFile(ctx, *f); err != nil {
		return nil, err
	}
	return f, nil
}

// settle caches the provider's view of a file that was id before the call.
// Providers that key files by path hand back a new id after a move or rename.
func (m *Manager) settle(ctx context.Context, name, id string, f *models.File) {
	f.Provider = name
	if f.ID == id {
		m.writeBack(ctx, name, *f)
		return
	}
	if err := m.cache.ReplaceFile(ctx, name, id, *f); err != nil {
		log.WithError(err).WithFields(log.Fields{"old": id, "new": f.ID}).Warn("manager: failed to re-key cached file")
	}
}

// MoveFile moves id under newParentID.
func (m *Manager) MoveFile(ctx context.Context, id, newParentID string) (*models.File, error) {
	name, p, err := m.activeProvider()
	if err != nil {
		return nil, err
	}
	newParentID = normalizeParent(newParentID)

	if !m.Online() {
		if err := m.queue(ctx, name, models.OpMove, id, models.OpPayload{NewParentID: newParentID}); err != nil {
			return nil, err
		}
		return m.offlineEdit(ctx, name, id, func(f *models.File) { f.ParentID = newParentID })
	}

	f, err := remote(name, "move", func() (*models.File, error) { return p.MoveFile(ctx, id, newParentID) })
	if err != nil {
		return nil, err
	}
	m.settle(ctx, name, id, f)
	return f, nil
}

// RenameFile renames id to newName.
func (m *Manager) RenameFile(ctx context.Context, id, newName string) (*models.File, error) {
	name, p, err := m.activeProvider()
	if err != nil {
		return nil, err
	}

	if !m.Online() {
		if err := m.queue(ctx, name, models.OpRename, id, models.OpPayload{NewName: newName}); err != nil {
			return nil, err
		}
		return m.offlineEdit(ctx, name, id, func(f *models.File) { f.Name = newName })
	}

	f, err := remote(name, "rename", func() (*models.File, error) { return p.RenameFile(ctx, id, newName) })
	if err != nil {
		return nil, err
	}
	m.settle(ctx, name, id, f)
	return f, nil
}

// CopyFile copies id under newParentID. An empty newName keeps the name.
// Online only.
func (m *Manager) CopyFile(ctx context.Context, id, newParentID, newName string) (*models.File, error) {
	name, p, err := m.activeProvider()
	if err != nil {
		return nil, err
	}
	newParentID = normalizeParent(newParentID)
	f, err := remote(name, "copy", func() (*models.File, error) { return p.CopyFile(ctx, id, newParentID, newName) })
	if err != nil {
		return nil, err
	}
	f.Provider = name
	m.writeBack(ctx, name, *f)
	return f, nil
}

// CreateFolder creates a folder. Online only.
func (m *Manager) CreateFolder(ctx context.Context, folderName, parentID string) (*models.File, error) {
	name, p, err := m.activeProvider()
	if err != nil {
		return nil, err
	}
	parentID = normalizeParent(parentID)
	f, err := remote(name, "mkdir", func() (*models.File, error) { return p.CreateFolder(ctx, folderName, parentID) })
	if err != nil {
		return nil, err
	}
	f.Provider = name
	m.writeBack(ctx, name, *f)
	return f, nil
}

// isGone reports a provider saying the file no longer exists.
func isGone(err error) bool {
	return errors.Is(err, common.ErrNotFound)
}
