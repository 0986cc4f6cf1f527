package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	billyutil "github.com/go-git/go-billy/v5/util"
	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"cloudcache/internal/common"
	"cloudcache/internal/models"
	"cloudcache/internal/util"
)

// KeyPrefix namespaces every key the cache writes to the flat store.
const KeyPrefix = "storage_cache_"

const (
	fileKeyPrefix  = KeyPrefix + "file_"
	quotaKeyPrefix = KeyPrefix + "quota_"
)

// FileKey returns the flat-store key of a file record.
func FileKey(provider, id string) string {
	return fileKeyPrefix + url.QueryEscape(provider) + "@" + url.QueryEscape(id)
}

// QuotaKey returns the flat-store key of a provider's quota snapshot.
func QuotaKey(provider string) string {
	return quotaKeyPrefix + url.QueryEscape(provider)
}

func fileKeyProviderPrefix(provider string) string {
	return fileKeyPrefix + url.QueryEscape(provider) + "@"
}

// KVStore is the flat key-value fallback tier: one file per key on a billy
// filesystem. It holds file metadata and quota only.
//
// Writes go through a temp file and rename; when a lock path is given they
// are also serialized across processes with an advisory file lock.
type KVStore struct {
	fs       billy.Filesystem
	lock     *flock.Flock
	degraded error
}

var _ Backend = (*KVStore)(nil)

// NewKVStore creates a flat store on fs. lockPath may be empty for
// in-memory filesystems.
func NewKVStore(fs billy.Filesystem, lockPath string) *KVStore {
	s := &KVStore{fs: fs}
	if lockPath != "" {
		s.lock = flock.New(lockPath)
	}
	return s
}

func (s *KVStore) Capabilities() Capabilities {
	return Capabilities{Degraded: s.degraded}
}

func (s *KVStore) Close() error {
	if s.lock != nil {
		return s.lock.Close()
	}
	return nil
}

func (s *KVStore) withLock(fn func() error) error {
	if s.lock == nil {
		return fn()
	}
	err := util.Retry(context.Background(), func() error {
		ok, err := s.lock.TryLock()
		if err != nil {
			return err
		}
		if !ok {
			return util.ErrLockBusy
		}
		return nil
	}, util.LockRetryOptions()...)
	if err != nil {
		return fmt.Errorf("failed to lock flat store: %w", err)
	}
	defer s.lock.Unlock()
	return fn()
}

func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, "/\\") || strings.HasPrefix(key, ".") {
		return fmt.Errorf("%w: flat store key %q", common.ErrInvalidPath, key)
	}
	return nil
}

// Get returns the value stored under key or common.ErrNotFound.
func (s *KVStore) Get(key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	f, err := s.fs.Open(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Set stores value under key, replacing any previous value.
func (s *KVStore) Set(key string, value []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	return s.withLock(func() error {
		tmp, err := billyutil.TempFile(s.fs, "", ".tmp-")
		if err != nil {
			return err
		}
		if _, err := tmp.Write(value); err != nil {
			tmp.Close()
			s.fs.Remove(tmp.Name())
			return err
		}
		if err := tmp.Close(); err != nil {
			s.fs.Remove(tmp.Name())
			return err
		}
		return s.fs.Rename(tmp.Name(), key)
	})
}

// Remove deletes key; removing a missing key is not an error.
func (s *KVStore) Remove(key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	return s.withLock(func() error {
		err := s.fs.Remove(key)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	})
}

// Keys returns the sorted keys starting with prefix.
func (s *KVStore) Keys(prefix string) ([]string, error) {
	infos, err := s.fs.ReadDir("/")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var keys []string
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if strings.HasPrefix(name, prefix) {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// ClearPrefix removes every key starting with prefix.
func (s *KVStore) ClearPrefix(prefix string) error {
	keys, err := s.Keys(prefix)
	if err != nil {
		return err
	}
	return s.withLock(func() error {
		for _, key := range keys {
			if err := s.fs.Remove(key); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
		return nil
	})
}

func (s *KVStore) getJSON(key string, v any) error {
	data, err := s.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *KVStore) setJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(key, data)
}

// --- Files ---

func (s *KVStore) PutFiles(_ context.Context, files []models.File) error {
	for i := range files {
		if err := s.setJSON(FileKey(files[i].Provider, files[i].ID), &files[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *KVStore) GetFile(_ context.Context, provider, id string) (*models.File, error) {
	var f models.File
	if err := s.getJSON(FileKey(provider, id), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *KVStore) ListFiles(_ context.Context, provider, parentID string) ([]models.File, error) {
	keys, err := s.Keys(fileKeyProviderPrefix(provider))
	if err != nil {
		return nil, err
	}
	var files []models.File
	for _, key := range keys {
		var f models.File
		if err := s.getJSON(key, &f); err != nil {
			// Torn or foreign entries are skipped, the rest of the listing is still useful.
			log.WithError(err).WithField("key", key).Debug("kvstore: skipping unreadable entry")
			continue
		}
		if parentID != "" && f.ParentID != parentID {
			continue
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (s *KVStore) DeleteFile(_ context.Context, provider, id string) error {
	return s.Remove(FileKey(provider, id))
}

func (s *KVStore) ReplaceFile(ctx context.Context, oldID string, file models.File) error {
	if err := s.Remove(FileKey(file.Provider, oldID)); err != nil {
		return err
	}
	return s.PutFiles(ctx, []models.File{file})
}

// --- Quota ---

func (s *KVStore) PutQuota(_ context.Context, quota models.Quota) error {
	return s.setJSON(QuotaKey(quota.Provider), &quota)
}

func (s *KVStore) GetQuota(_ context.Context, provider string) (*models.Quota, error) {
	var q models.Quota
	if err := s.getJSON(QuotaKey(provider), &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// --- Unsupported: content and sync queue ---

func (s *KVStore) PutContent(context.Context, *models.ContentEntry) error {
	return common.ErrUnsupported
}

func (s *KVStore) GetContent(context.Context, string, string) (*models.ContentEntry, error) {
	return nil, common.ErrUnsupported
}

func (s *KVStore) TouchContent(context.Context, string, string, time.Time) error {
	return common.ErrUnsupported
}

func (s *KVStore) ListContent(context.Context) ([]models.ContentInfo, error) {
	return nil, common.ErrUnsupported
}

func (s *KVStore) DeleteContent(context.Context, []models.ContentInfo) error {
	return common.ErrUnsupported
}

func (s *KVStore) ContentUsage(context.Context) (int64, error) {
	return 0, nil
}

func (s *KVStore) AddOp(context.Context, *models.SyncOp) error {
	return common.ErrUnsupported
}

func (s *KVStore) ListOps(context.Context, string) ([]models.SyncOp, error) {
	return nil, common.ErrUnsupported
}

func (s *KVStore) GetOp(context.Context, int64) (*models.SyncOp, error) {
	return nil, common.ErrUnsupported
}

func (s *KVStore) UpdateOp(context.Context, *models.SyncOp) error {
	return common.ErrUnsupported
}

func (s *KVStore) RewriteOpFileID(context.Context, string, string, string) (int64, error) {
	return 0, common.ErrUnsupported
}

func (s *KVStore) PruneOps(context.Context, time.Time) (int64, error) {
	return 0, common.ErrUnsupported
}

// Clear removes a provider's file and quota keys, or every cache key when provider is empty.
func (s *KVStore) Clear(_ context.Context, provider string) error {
	if provider == "" {
		return s.ClearPrefix(KeyPrefix)
	}
	if err := s.ClearPrefix(fileKeyProviderPrefix(provider)); err != nil {
		return err
	}
	return s.Remove(QuotaKey(provider))
}
