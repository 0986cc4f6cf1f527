package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cloudcache/internal/cache"
	"cloudcache/internal/common"
	"cloudcache/internal/connectivity"
	"cloudcache/internal/models"
	"cloudcache/internal/provider"
	"cloudcache/internal/storage"
)

// fakeProvider is an in-memory provider that counts calls and can be told to fail.
type fakeProvider struct {
	mu       sync.Mutex
	files    map[string]models.File
	content  map[string][]byte
	nextID   int
	calls    map[string]int
	failures map[string]error // op -> error returned by every call of that op
}

func newFakeProvider(files ...models.File) *fakeProvider {
	p := &fakeProvider{
		files:    make(map[string]models.File),
		content:  make(map[string][]byte),
		calls:    make(map[string]int),
		failures: make(map[string]error),
	}
	for _, f := range files {
		p.files[f.ID] = f
	}
	return p
}

func (p *fakeProvider) enter(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[op]++
	return p.failures[op]
}

func (p *fakeProvider) failOn(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, op)
		return
	}
	p.failures[op] = err
}

func (p *fakeProvider) callCount(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *fakeProvider) file(id string) (models.File, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.files[id]
	return f, ok
}

func (p *fakeProvider) lookup(id string) (models.File, error) {
	f, ok := p.files[id]
	if !ok {
		return models.File{}, fmt.Errorf("%w: %s", common.ErrNotFound, id)
	}
	return f, nil
}

func (p *fakeProvider) ListFiles(_ context.Context, parentID string, _ provider.ListOptions) (*provider.ListResult, error) {
	if err := p.enter("list"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	res := &provider.ListResult{}
	for _, f := range p.files {
		if f.ParentID == parentID {
			res.Files = append(res.Files, f)
		}
	}
	sort.Slice(res.Files, func(i, j int) bool { return res.Files[i].ID < res.Files[j].ID })
	return res, nil
}

func (p *fakeProvider) GetFile(_ context.Context, id string) (*models.File, error) {
	if err := p.enter("get"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (p *fakeProvider) UploadFile(_ context.Context, up provider.Upload, opts provider.UploadOptions) (*models.File, error) {
	if err := p.enter("upload"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	f := models.File{
		ID:         fmt.Sprintf("remote-%d", p.nextID),
		Name:       up.Name,
		MimeType:   up.MimeType,
		Size:       int64(len(up.Content)),
		ParentID:   opts.ParentID,
		SyncStatus: models.SyncStatusSynced,
	}
	p.files[f.ID] = f
	p.content[f.ID] = up.Content
	return &f, nil
}

func (p *fakeProvider) DownloadFile(_ context.Context, id string) ([]byte, error) {
	if err := p.enter("download"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.lookup(id); err != nil {
		return nil, err
	}
	return p.content[id], nil
}

func (p *fakeProvider) DeleteFile(_ context.Context, id string) error {
	if err := p.enter("delete"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.lookup(id); err != nil {
		return err
	}
	delete(p.files, id)
	delete(p.content, id)
	return nil
}

func (p *fakeProvider) update(op, id string, edit func(*models.File)) (*models.File, error) {
	if err := p.enter(op); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	edit(&f)
	p.files[id] = f
	return &f, nil
}

func (p *fakeProvider) MoveFile(_ context.Context, id, newParentID string) (*models.File, error) {
	return p.update("move", id, func(f *models.File) { f.ParentID = newParentID })
}

func (p *fakeProvider) RenameFile(_ context.Context, id, newName string) (*models.File, error) {
	return p.update("rename", id, func(f *models.File) { f.Name = newName })
}

func (p *fakeProvider) GetQuota(context.Context) (*models.Quota, error) {
	if err := p.enter("quota"); err != nil {
		return nil, err
	}
	return &models.Quota{Used: 10, Total: 100}, nil
}

func (p *fakeProvider) CopyFile(_ context.Context, id, newParentID, newName string) (*models.File, error) {
	if err := p.enter("copy"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	p.nextID++
	f.ID = fmt.Sprintf("remote-%d", p.nextID)
	f.ParentID = newParentID
	if newName != "" {
		f.Name = newName
	}
	p.files[f.ID] = f
	return &f, nil
}

func (p *fakeProvider) CreateFolder(_ context.Context, name, parentID string) (*models.File, error) {
	if err := p.enter("mkdir"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	f := models.File{ID: fmt.Sprintf("remote-%d", p.nextID), Name: name, ParentID: parentID, IsFolder: true}
	p.files[f.ID] = f
	return &f, nil
}

func (p *fakeProvider) SearchFiles(_ context.Context, query string, _ provider.ListOptions) (*provider.ListResult, error) {
	if err := p.enter("search"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	res := &provider.ListResult{}
	for _, f := range p.files {
		if strings.Contains(f.Name, query) {
			res.Files = append(res.Files, f)
		}
	}
	return res, nil
}

// fakeClock is a manually advanced clock with millisecond resolution.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	m      *Manager
	remote *fakeProvider
	net    *connectivity.Switch
	cache  *cache.Store
	clock  *fakeClock
}

type harnessOptions struct {
	online  bool
	flat    bool // metadata-only store
	backoff time.Duration
	files   []models.File
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	ctx := context.Background()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}

	var backend storage.Backend
	if opts.flat {
		dir := t.TempDir()
		var err error
		backend, err = storage.Open(ctx, storage.Options{
			Path:        dir, // a directory, so the indexed store cannot open
			FallbackDir: filepath.Join(dir, "kv"),
		})
		require.NoError(t, err)
	} else {
		sqlStore, err := storage.OpenSQLStore(ctx, filepath.Join(t.TempDir(), "cache.db"), storage.SQLOptions{})
		require.NoError(t, err)
		backend = sqlStore
	}

	cfg := cache.DefaultConfig()
	cfg.Now = clock.Now
	store, err := cache.New(backend, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	net := connectivity.NewSwitch(opts.online)
	m, err := New(Options{Cache: store, Connectivity: net, ReplayBackoff: opts.backoff, Now: clock.Now})
	require.NoError(t, err)

	remote := newFakeProvider(opts.files...)
	require.NoError(t, m.Connect("drive", remote))

	return &harness{m: m, remote: remote, net: net, cache: store, clock: clock}
}

func remoteFile(id, parent string) models.File {
	return models.File{
		ID:         id,
		Name:       id + ".txt",
		MimeType:   "text/plain",
		Size:       3,
		ParentID:   parent,
		SyncStatus: models.SyncStatusSynced,
	}
}
