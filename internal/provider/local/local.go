// Package local is a Provider backed by a directory tree. File ids are
// slash separated keys relative to the root, so an id is also the path.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"cloudcache/internal/common"
	"cloudcache/internal/models"
	"cloudcache/internal/provider"
)

const (
	FolderMimeType  = "inode/directory"
	DefaultMimeType = "application/octet-stream"
)

// Options configures a local provider.
type Options struct {
	Capacity      int64 // reported as Quota.Total; 0 = unknown
	IgnoreEnabled bool
	Includes      []string
	Excludes      []string
}

type Provider struct {
	fs       billy.Filesystem
	capacity int64
	filter   Filter
}

var (
	_ provider.Provider = (*Provider)(nil)
	_ provider.Pinger   = (*Provider)(nil)
)

// New creates a provider rooted at fs.
func New(fs billy.Filesystem, opts Options) *Provider {
	return &Provider{
		fs:       fs,
		capacity: opts.Capacity,
		filter:   BuildFilter(fs, opts.IgnoreEnabled, opts.Includes, opts.Excludes),
	}
}

func (p *Provider) key(id string) (string, error) {
	return common.ValidateKey(provider.ParentKey(id))
}

func (p *Provider) toFile(key string, info os.FileInfo) *models.File {
	f := &models.File{
		ID:         key,
		Name:       info.Name(),
		Size:       info.Size(),
		CreatedAt:  info.ModTime(),
		ModifiedAt: info.ModTime(),
		ParentID:   provider.ParentID(common.ParentKey(key)),
		Path:       "/" + key,
		IsFolder:   info.IsDir(),
		SyncStatus: models.SyncStatusSynced,
	}
	if f.IsFolder {
		f.Size = 0
		f.MimeType = FolderMimeType
	} else {
		f.MimeType = mimeType(info.Name())
	}
	return f
}

func mimeType(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return DefaultMimeType
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: name %q", common.ErrInvalidPath, name)
	}
	return nil
}

func notFound(id string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", common.ErrNotFound, id)
	}
	return err
}

func (p *Provider) stat(id string) (string, os.FileInfo, error) {
	key, err := p.key(id)
	if err != nil {
		return "", nil, err
	}
	if key == "" {
		return "", nil, fmt.Errorf("%w: %s", common.ErrNotFound, id)
	}
	info, err := p.fs.Stat(key)
	if err != nil {
		return "", nil, notFound(id, err)
	}
	if !p.filter(key, info.IsDir()) {
		return "", nil, fmt.Errorf("%w: %s", common.ErrNotFound, id)
	}
	return key, info, nil
}

// dir resolves a parent id to a directory key.
func (p *Provider) dir(parentID string) (string, error) {
	key, err := p.key(parentID)
	if err != nil || key == "" {
		return key, err
	}
	info, err := p.fs.Stat(key)
	if err != nil {
		return "", notFound(parentID, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a folder", common.ErrInvalidPath, parentID)
	}
	return key, nil
}

func paginate(files []models.File, opts provider.ListOptions) (*provider.ListResult, error) {
	offset := 0
	if opts.PageToken != "" {
		n, err := strconv.Atoi(opts.PageToken)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid page token %q", opts.PageToken)
		}
		offset = n
	}
	if offset > len(files) {
		offset = len(files)
	}
	end := len(files)
	if opts.PageSize > 0 && offset+opts.PageSize < end {
		end = offset + opts.PageSize
	}
	res := &provider.ListResult{Files: files[offset:end]}
	if end < len(files) {
		res.NextPageToken = strconv.Itoa(end)
	}
	return res, nil
}

func (p *Provider) ListFiles(ctx context.Context, parentID string, opts provider.ListOptions) (*provider.ListResult, error) {
	dir, err := p.dir(parentID)
	if err != nil {
		return nil, err
	}
	infos, err := p.fs.ReadDir("/" + dir)
	if err != nil {
		return nil, notFound(parentID, err)
	}
	files := make([]models.File, 0, len(infos))
	for _, info := range infos {
		key := common.JoinKey(dir, info.Name())
		if !p.filter(key, info.IsDir()) {
			continue
		}
		files = append(files, *p.toFile(key, info))
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return paginate(files, opts)
}

func (p *Provider) GetFile(ctx context.Context, id string) (*models.File, error) {
	key, info, err := p.stat(id)
	if err != nil {
		return nil, err
	}
	return p.toFile(key, info), nil
}

// UploadFile writes content under the parent, replacing a file of the same name.
func (p *Provider) UploadFile(ctx context.Context, up provider.Upload, opts provider.UploadOptions) (*models.File, error) {
	if err := validName(up.Name); err != nil {
		return nil, err
	}
	dir, err := p.dir(opts.ParentID)
	if err != nil {
		return nil, err
	}
	key := common.JoinKey(dir, up.Name)
	if err := util.WriteFile(p.fs, key, up.Content, 0o644); err != nil {
		return nil, err
	}
	return p.GetFile(ctx, key)
}

func (p *Provider) DownloadFile(ctx context.Context, id string) ([]byte, error) {
	key, info, err := p.stat(id)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a folder", common.ErrInvalidPath, id)
	}
	f, err := p.fs.Open(key)
	if err != nil {
		return nil, notFound(id, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (p *Provider) DeleteFile(ctx context.Context, id string) error {
	key, _, err := p.stat(id)
	if err != nil {
		return err
	}
	return util.RemoveAll(p.fs, key)
}

func (p *Provider) rename(ctx context.Context, id, newKey string) (*models.File, error) {
	key, _, err := p.stat(id)
	if err != nil {
		return nil, err
	}
	if key == newKey {
		return p.GetFile(ctx, key)
	}
	if _, err := p.fs.Stat(newKey); err == nil {
		return nil, fmt.Errorf("%w: %s already exists", common.ErrInvalidPath, newKey)
	}
	if err := p.fs.Rename(key, newKey); err != nil {
		return nil, err
	}
	return p.GetFile(ctx, newKey)
}

// MoveFile moves id under newParentID. The id of the result is its new key.
func (p *Provider) MoveFile(ctx context.Context, id, newParentID string) (*models.File, error) {
	dir, err := p.dir(newParentID)
	if err != nil {
		return nil, err
	}
	return p.rename(ctx, id, common.JoinKey(dir, common.BaseName(id)))
}

// RenameFile renames id in place. The id of the result is its new key.
func (p *Provider) RenameFile(ctx context.Context, id, newName string) (*models.File, error) {
	if err := validName(newName); err != nil {
		return nil, err
	}
	return p.rename(ctx, id, common.JoinKey(common.ParentKey(id), newName))
}

func (p *Provider) CopyFile(ctx context.Context, id, newParentID, newName string) (*models.File, error) {
	_, info, err := p.stat(id)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: copying folders", common.ErrUnsupported)
	}
	if newName == "" {
		newName = info.Name()
	}
	content, err := p.DownloadFile(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.UploadFile(ctx, provider.Upload{Name: newName, Content: content}, provider.UploadOptions{ParentID: newParentID})
}

func (p *Provider) CreateFolder(ctx context.Context, name, parentID string) (*models.File, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	dir, err := p.dir(parentID)
	if err != nil {
		return nil, err
	}
	key := common.JoinKey(dir, name)
	if err := p.fs.MkdirAll(key, 0o755); err != nil {
		return nil, err
	}
	return p.GetFile(ctx, key)
}

// walk visits every visible entry, skipping hidden subtrees.
func (p *Provider) walk(fn func(key string, info os.FileInfo)) error {
	return util.Walk(p.fs, "/", func(name string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		key := common.NormalizeKey(name)
		if key == "" {
			return nil
		}
		if !p.filter(key, info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		fn(key, info)
		return nil
	})
}

// SearchFiles matches query against names, case-insensitively.
func (p *Provider) SearchFiles(ctx context.Context, query string, opts provider.ListOptions) (*provider.ListResult, error) {
	query = strings.ToLower(query)
	var files []models.File
	err := p.walk(func(key string, info os.FileInfo) {
		if strings.Contains(strings.ToLower(info.Name()), query) {
			files = append(files, *p.toFile(key, info))
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })
	return paginate(files, opts)
}

func (p *Provider) GetQuota(ctx context.Context) (*models.Quota, error) {
	var used int64
	err := p.walk(func(_ string, info os.FileInfo) {
		if !info.IsDir() {
			used += info.Size()
		}
	})
	if err != nil {
		return nil, err
	}
	return &models.Quota{Used: used, Total: p.capacity, LastUpdated: time.Now()}, nil
}

// Ping checks that the root is still reachable.
func (p *Provider) Ping(ctx context.Context) error {
	_, err := p.fs.ReadDir("/")
	return err
}
