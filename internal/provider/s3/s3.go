// Package s3 is a Provider backed by an S3-compatible bucket. File ids are
// object keys; folders are key prefixes, made explicit by zero-length
// "<key>/" marker objects.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"cloudcache/internal/common"
	"cloudcache/internal/models"
	"cloudcache/internal/provider"
)

const (
	FolderMimeType  = "application/x-directory"
	DefaultMimeType = "application/octet-stream"
	delimiter       = "/"
)

// API is the subset of *s3.Client the provider uses.
type API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Options configures the bucket connection.
type Options struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"` // custom endpoint, e.g. MinIO
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
	Capacity     int64  `yaml:"capacity"` // reported as Quota.Total; 0 = unknown
}

type Provider struct {
	client   API
	bucket   string
	capacity int64
	now      func() time.Time
}

var (
	_ provider.Provider = (*Provider)(nil)
	_ provider.Pinger   = (*Provider)(nil)
)

// New builds an S3 client from opts. Static credentials are used when
// AccessKey is set, otherwise the default AWS credential chain.
func New(ctx context.Context, opts Options) (*Provider, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", common.ErrInvalidConfig)
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return NewWithClient(client, opts), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client API, opts Options) *Provider {
	return &Provider{
		client:   client,
		bucket:   opts.Bucket,
		capacity: opts.Capacity,
		now:      time.Now,
	}
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}

func notFound(id string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %s", common.ErrNotFound, id)
	}
	return err
}

func mimeType(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return DefaultMimeType
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.Contains(name, delimiter) {
		return fmt.Errorf("%w: name %q", common.ErrInvalidPath, name)
	}
	return nil
}

func key(id string) (string, error) {
	return common.ValidateKey(provider.ParentKey(id))
}

func prefixOf(dir string) string {
	if dir == "" {
		return ""
	}
	return dir + delimiter
}

func (p *Provider) objectFile(obj types.Object) models.File {
	k := aws.ToString(obj.Key)
	mod := aws.ToTime(obj.LastModified)
	return models.File{
		ID:         k,
		Name:       common.BaseName(k),
		MimeType:   mimeType(k),
		Size:       aws.ToInt64(obj.Size),
		CreatedAt:  mod,
		ModifiedAt: mod,
		ParentID:   provider.ParentID(common.ParentKey(k)),
		Path:       "/" + k,
		SyncStatus: models.SyncStatusSynced,
	}
}

func folderFile(k string) models.File {
	return models.File{
		ID:         k,
		Name:       common.BaseName(k),
		MimeType:   FolderMimeType,
		ParentID:   provider.ParentID(common.ParentKey(k)),
		Path:       "/" + k,
		IsFolder:   true,
		SyncStatus: models.SyncStatusSynced,
	}
}

// ListFiles lists one level below parentID. Page tokens are S3 continuation tokens.
func (p *Provider) ListFiles(ctx context.Context, parentID string, opts provider.ListOptions) (*provider.ListResult, error) {
	dir, err := key(parentID)
	if err != nil {
		return nil, err
	}
	prefix := prefixOf(dir)
	in := &s3.ListObjectsV2Input{
		Bucket:    aws.String(p.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String(delimiter),
	}
	if opts.PageSize > 0 {
		in.MaxKeys = aws.Int32(int32(opts.PageSize))
	}
	if opts.PageToken != "" {
		in.ContinuationToken = aws.String(opts.PageToken)
	}
	out, err := p.client.ListObjectsV2(ctx, in)
	if err != nil {
		return nil, err
	}

	res := &provider.ListResult{Files: make([]models.File, 0, len(out.CommonPrefixes)+len(out.Contents))}
	for _, cp := range out.CommonPrefixes {
		res.Files = append(res.Files, folderFile(common.NormalizeKey(aws.ToString(cp.Prefix))))
	}
	for _, obj := range out.Contents {
		if aws.ToString(obj.Key) == prefix {
			continue // folder marker
		}
		res.Files = append(res.Files, p.objectFile(obj))
	}
	if aws.ToBool(out.IsTruncated) {
		res.NextPageToken = aws.ToString(out.NextContinuationToken)
	}
	return res, nil
}

// isFolder reports whether anything lives under k/.
func (p *Provider) isFolder(ctx context.Context, k string) (bool, error) {
	out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(prefixOf(k)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, err
	}
	return len(out.Contents) > 0 || len(out.CommonPrefixes) > 0, nil
}

func (p *Provider) GetFile(ctx context.Context, id string) (*models.File, error) {
	k, err := key(id)
	if err != nil {
		return nil, err
	}
	if k == "" {
		return nil, fmt.Errorf("%w: %s", common.ErrNotFound, id)
	}
	head, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(k),
	})
	if err == nil {
		f := p.objectFile(types.Object{Key: aws.String(k), Size: head.ContentLength, LastModified: head.LastModified})
		if ct := aws.ToString(head.ContentType); ct != "" {
			f.MimeType = ct
		}
		return &f, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	folder, ferr := p.isFolder(ctx, k)
	if ferr != nil {
		return nil, ferr
	}
	if !folder {
		return nil, fmt.Errorf("%w: %s", common.ErrNotFound, id)
	}
	f := folderFile(k)
	return &f, nil
}

func (p *Provider) put(ctx context.Context, k, contentType string, content []byte) (*models.File, error) {
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(k),
		Body:          bytes.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return nil, err
	}
	now := p.now()
	f := p.objectFile(types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(content))), LastModified: &now})
	f.MimeType = contentType
	return &f, nil
}

func (p *Provider) UploadFile(ctx context.Context, up provider.Upload, opts provider.UploadOptions) (*models.File, error) {
	if err := validName(up.Name); err != nil {
		return nil, err
	}
	dir, err := key(opts.ParentID)
	if err != nil {
		return nil, err
	}
	contentType := up.MimeType
	if contentType == "" {
		contentType = mimeType(up.Name)
	}
	return p.put(ctx, common.JoinKey(dir, up.Name), contentType, up.Content)
}

func (p *Provider) DownloadFile(ctx context.Context, id string) ([]byte, error) {
	k, err := key(id)
	if err != nil {
		return nil, err
	}
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		return nil, notFound(id, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// keysUnder returns every object key below prefix.
func (p *Provider) keysUnder(ctx context.Context, prefix string) ([]types.Object, error) {
	var objs []types.Object
	var token *string
	for {
		out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(p.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		objs = append(objs, out.Contents...)
		if !aws.ToBool(out.IsTruncated) {
			return objs, nil
		}
		token = out.NextContinuationToken
	}
}

func (p *Provider) deleteKey(ctx context.Context, k string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(k),
	})
	return err
}

// DeleteFile removes an object, or every object below a folder.
func (p *Provider) DeleteFile(ctx context.Context, id string) error {
	f, err := p.GetFile(ctx, id)
	if err != nil {
		return err
	}
	if !f.IsFolder {
		return p.deleteKey(ctx, f.ID)
	}
	objs, err := p.keysUnder(ctx, prefixOf(f.ID))
	if err != nil {
		return err
	}
	for _, obj := range objs {
		if err := p.deleteKey(ctx, aws.ToString(obj.Key)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) copy(ctx context.Context, src *models.File, dst string) (*models.File, error) {
	_, err := p.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(p.bucket),
		CopySource: aws.String(p.bucket + "/" + url.PathEscape(src.ID)),
		Key:        aws.String(dst),
	})
	if err != nil {
		return nil, notFound(src.ID, err)
	}
	return p.GetFile(ctx, dst)
}

// relocate is copy then delete; S3 has no rename.
func (p *Provider) relocate(ctx context.Context, id, dst string) (*models.File, error) {
	src, err := p.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if src.IsFolder {
		return nil, fmt.Errorf("%w: moving folders", common.ErrUnsupported)
	}
	if src.ID == dst {
		return src, nil
	}
	moved, err := p.copy(ctx, src, dst)
	if err != nil {
		return nil, err
	}
	if err := p.deleteKey(ctx, src.ID); err != nil {
		return nil, err
	}
	return moved, nil
}

func (p *Provider) MoveFile(ctx context.Context, id, newParentID string) (*models.File, error) {
	dir, err := key(newParentID)
	if err != nil {
		return nil, err
	}
	return p.relocate(ctx, id, common.JoinKey(dir, common.BaseName(id)))
}

func (p *Provider) RenameFile(ctx context.Context, id, newName string) (*models.File, error) {
	if err := validName(newName); err != nil {
		return nil, err
	}
	return p.relocate(ctx, id, common.JoinKey(common.ParentKey(id), newName))
}

func (p *Provider) CopyFile(ctx context.Context, id, newParentID, newName string) (*models.File, error) {
	src, err := p.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if src.IsFolder {
		return nil, fmt.Errorf("%w: copying folders", common.ErrUnsupported)
	}
	if newName == "" {
		newName = src.Name
	}
	if err := validName(newName); err != nil {
		return nil, err
	}
	dir, err := key(newParentID)
	if err != nil {
		return nil, err
	}
	return p.copy(ctx, src, common.JoinKey(dir, newName))
}

// CreateFolder writes a "<key>/" marker object.
func (p *Provider) CreateFolder(ctx context.Context, name, parentID string) (*models.File, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	dir, err := key(parentID)
	if err != nil {
		return nil, err
	}
	k := common.JoinKey(dir, name)
	if _, err := p.put(ctx, prefixOf(k), FolderMimeType, nil); err != nil {
		return nil, err
	}
	f := folderFile(k)
	return &f, nil
}

// SearchFiles matches query against object names, case-insensitively.
// Folders are only found through their marker objects.
func (p *Provider) SearchFiles(ctx context.Context, query string, opts provider.ListOptions) (*provider.ListResult, error) {
	objs, err := p.keysUnder(ctx, "")
	if err != nil {
		return nil, err
	}
	query = strings.ToLower(query)
	var files []models.File
	for _, obj := range objs {
		k := aws.ToString(obj.Key)
		var f models.File
		if strings.HasSuffix(k, delimiter) {
			f = folderFile(common.NormalizeKey(k))
		} else {
			f = p.objectFile(obj)
		}
		if strings.Contains(strings.ToLower(f.Name), query) {
			files = append(files, f)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })
	if opts.PageSize > 0 && len(files) > opts.PageSize {
		files = files[:opts.PageSize]
	}
	return &provider.ListResult{Files: files}, nil
}

// GetQuota sums object sizes across the bucket.
func (p *Provider) GetQuota(ctx context.Context) (*models.Quota, error) {
	objs, err := p.keysUnder(ctx, "")
	if err != nil {
		return nil, err
	}
	var used int64
	for _, obj := range objs {
		used += aws.ToInt64(obj.Size)
	}
	return &models.Quota{Used: used, Total: p.capacity, LastUpdated: p.now()}, nil
}

func (p *Provider) Ping(ctx context.Context) error {
	_, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.bucket)})
	return err
}
