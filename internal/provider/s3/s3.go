// Package s3 serves a bucket prefix as a sync provider. Keys are paths,
// directories are zero-byte "dir/" markers, and events come from diffing
// successive bucket listings.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/openmined/syftsync/internal/provider"
)

// API is the subset of the S3 client the provider uses.
type API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type Config struct {
	Bucket        string
	Prefix        string
	Region        string
	AccessKey     string
	SecretKey     string
	Endpoint      string
	UseAccelerate bool
}

type Provider struct {
	api       API
	bucket    string
	prefix    string // "" or "some/prefix/"
	name      string
	log       *provider.ChangeLog
	scanMu    sync.Mutex
	connected atomic.Bool
}

func New(api API, bucket, prefix string) *Provider {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	p := &Provider{
		api:    api,
		bucket: bucket,
		prefix: prefix,
		name:   "s3",
		log:    provider.NewChangeLog(),
	}
	p.connected.Store(true)
	return p
}

// NewFromConfig builds an S3 client with static credentials.
func NewFromConfig(ctx context.Context, cfg *Config) (*Provider, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		Timeout: 60 * time.Second,
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.UseAccelerate {
			o.UseAccelerate = true
		}
	})

	return New(client, cfg.Bucket, cfg.Prefix), nil
}

func (p *Provider) Name() string        { return p.name }
func (p *Provider) CaseSensitive() bool { return true }
func (p *Provider) OIDIsPath() bool     { return true }
func (p *Provider) Connected() bool     { return p.connected.Load() }

func (p *Provider) key(path string) string {
	path = provider.CleanPath(path)
	if path == "/" {
		return p.prefix
	}
	return p.prefix + path[1:]
}

func (p *Provider) dirKey(path string) string {
	k := p.key(path)
	if k == "" || strings.HasSuffix(k, "/") {
		return k
	}
	return k + "/"
}

func (p *Provider) pathOf(key string) string {
	return provider.CleanPath(strings.TrimSuffix(strings.TrimPrefix(key, p.prefix), "/"))
}

func etag(s *string) string {
	return strings.ReplaceAll(aws.ToString(s), "\"", "")
}

// mapError folds S3 and transport failures into the provider taxonomy and
// tracks connectivity.
func (p *Provider) mapError(op, path string, err error) error {
	if err == nil {
		p.connected.Store(true)
		return nil
	}

	var nsk *types.NoSuchKey
	var nf *types.NotFound
	var apiErr smithy.APIError
	var netErr net.Error
	switch {
	case errors.As(err, &nsk), errors.As(err, &nf):
		return fmt.Errorf("%s %q: %w", op, path, provider.ErrNotFound)
	case errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey"):
		return fmt.Errorf("%s %q: %w", op, path, provider.ErrNotFound)
	case errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed":
		return fmt.Errorf("%s %q: %w", op, path, provider.ErrExists)
	case errors.As(err, &netErr):
		p.connected.Store(false)
		return fmt.Errorf("%s %q: %w: %w", op, path, provider.ErrDisconnected, err)
	}
	return fmt.Errorf("%s %q: %w", op, path, err)
}

func (p *Provider) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	out, err := p.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &p.bucket, Key: &key})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// lookup finds the object at path. Directories may exist only implicitly,
// through keys below them.
func (p *Provider) lookup(ctx context.Context, path string) (*provider.ObjectInfo, error) {
	path = provider.CleanPath(path)
	if path == "/" {
		return &provider.ObjectInfo{OID: "/", Path: "/", Type: provider.TypeDirectory}, nil
	}

	out, err := p.head(ctx, p.key(path))
	if err == nil {
		p.connected.Store(true)
		return &provider.ObjectInfo{
			OID:   path,
			Path:  path,
			Hash:  etag(out.ETag),
			Type:  provider.TypeFile,
			Size:  aws.ToInt64(out.ContentLength),
			MTime: aws.ToTime(out.LastModified),
		}, nil
	}
	if mapped := p.mapError("stat", path, err); !errors.Is(mapped, provider.ErrNotFound) {
		return nil, mapped
	}

	dirKey := p.dirKey(path)
	list, err := p.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  &p.bucket,
		Prefix:  &dirKey,
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, p.mapError("stat", path, err)
	}
	if len(list.Contents) == 0 {
		return nil, nil
	}
	return &provider.ObjectInfo{
		OID:   path,
		Path:  path,
		Type:  provider.TypeDirectory,
		MTime: aws.ToTime(list.Contents[0].LastModified),
	}, nil
}

func (p *Provider) checkParent(ctx context.Context, path string) error {
	parent := provider.ParentPath(path)
	info, err := p.lookup(ctx, parent)
	if err != nil {
		return err
	}
	if info == nil {
		return fmt.Errorf("parent of %q: %w", path, provider.ErrNotFound)
	}
	if !info.IsDir() {
		return fmt.Errorf("parent of %q is a file: %w", path, provider.ErrExists)
	}
	return nil
}

// listAll returns every key below prefix.
func (p *Provider) listAll(ctx context.Context, prefix string) ([]types.Object, error) {
	var objects []types.Object
	paginator := s3.NewListObjectsV2Paginator(p.api, &s3.ListObjectsV2Input{
		Bucket: &p.bucket,
		Prefix: &prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		objects = append(objects, page.Contents...)
	}
	return objects, nil
}

func (p *Provider) scan(ctx context.Context) error {
	p.scanMu.Lock()
	defer p.scanMu.Unlock()

	objects, err := p.listAll(ctx, p.prefix)
	if err != nil {
		return p.mapError("list", "/", err)
	}

	byPath := make(map[string]*provider.ObjectInfo, len(objects))
	addDir := func(path string, mtime time.Time) {
		for path != "/" {
			if _, ok := byPath[path]; ok {
				return
			}
			byPath[path] = &provider.ObjectInfo{OID: path, Path: path, Type: provider.TypeDirectory, MTime: mtime}
			path = provider.ParentPath(path)
		}
	}

	for _, obj := range objects {
		key := aws.ToString(obj.Key)
		path := p.pathOf(key)
		mtime := aws.ToTime(obj.LastModified)
		if path == "/" {
			continue
		}
		if strings.HasSuffix(key, "/") {
			addDir(path, mtime)
			continue
		}
		addDir(provider.ParentPath(path), mtime)
		byPath[path] = &provider.ObjectInfo{
			OID:   path,
			Path:  path,
			Hash:  etag(obj.ETag),
			Type:  provider.TypeFile,
			Size:  aws.ToInt64(obj.Size),
			MTime: mtime,
		}
	}

	listing := make([]*provider.ObjectInfo, 0, len(byPath))
	for _, info := range byPath {
		listing = append(listing, info)
	}
	if n := p.log.Observe(listing); n > 0 {
		slog.Debug("s3 scan", "bucket", p.bucket, "prefix", p.prefix, "objects", len(listing), "changes", n)
	}
	p.connected.Store(true)
	return nil
}

func (p *Provider) record(info *provider.ObjectInfo, exists bool) {
	ev := provider.EventFromInfo(info)
	ev.Exists = exists
	p.log.Append(ev)
}

func (p *Provider) LatestCursor(ctx context.Context) (string, error) {
	if err := p.scan(ctx); err != nil {
		return "", err
	}
	return p.log.Cursor(), nil
}

func (p *Provider) Events(ctx context.Context, cursor string) (*provider.EventBatch, error) {
	if err := p.scan(ctx); err != nil {
		return nil, err
	}
	return p.log.Since(cursor)
}

func (p *Provider) Mkdir(ctx context.Context, path string) (string, error) {
	path = provider.CleanPath(path)
	info, err := p.lookup(ctx, path)
	if err != nil {
		return "", err
	}
	if info != nil {
		if info.IsDir() {
			return path, nil
		}
		return "", fmt.Errorf("mkdir %q: %w", path, provider.ErrExists)
	}
	if err := p.checkParent(ctx, path); err != nil {
		return "", fmt.Errorf("mkdir: %w", err)
	}

	key := p.dirKey(path)
	_, err = p.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &p.bucket,
		Key:           &key,
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return "", p.mapError("mkdir", path, err)
	}

	p.record(&provider.ObjectInfo{OID: path, Path: path, Type: provider.TypeDirectory, MTime: time.Now().UTC()}, true)
	return path, nil
}

func (p *Provider) put(ctx context.Context, path string, r io.Reader) (*provider.ObjectInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read content for %q: %w", path, err)
	}

	key := p.key(path)
	resp, err := p.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &p.bucket,
		Key:           &key,
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return nil, p.mapError("put", path, err)
	}

	hash := etag(resp.ETag)
	if hash == "" {
		hash = provider.HashBytes(data)
	}
	// s3.PutObjectOutput does not have LastModified
	info := &provider.ObjectInfo{
		OID:   path,
		Path:  path,
		Hash:  hash,
		Type:  provider.TypeFile,
		Size:  int64(len(data)),
		MTime: time.Now().UTC(),
	}
	p.record(info, true)
	return info, nil
}

func (p *Provider) Create(ctx context.Context, path string, r io.Reader) (*provider.ObjectInfo, error) {
	path = provider.CleanPath(path)
	info, err := p.lookup(ctx, path)
	if err != nil {
		return nil, err
	}
	if info != nil {
		return nil, fmt.Errorf("create %q: %w", path, provider.ErrExists)
	}
	if err := p.checkParent(ctx, path); err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}
	return p.put(ctx, path, r)
}

func (p *Provider) Upload(ctx context.Context, oid string, r io.Reader) (*provider.ObjectInfo, error) {
	path := provider.CleanPath(oid)
	info, err := p.lookup(ctx, path)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("upload %q: %w", path, provider.ErrNotFound)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("upload %q is a directory: %w", path, provider.ErrExists)
	}
	return p.put(ctx, path, r)
}

func (p *Provider) deleteKey(ctx context.Context, key string) error {
	_, err := p.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &p.bucket, Key: &key})
	return err
}

func (p *Provider) Delete(ctx context.Context, oid string) error {
	path := provider.CleanPath(oid)
	if path == "/" {
		return fmt.Errorf("delete root: %w", provider.ErrExists)
	}

	info, err := p.lookup(ctx, path)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}

	if !info.IsDir() {
		if err := p.deleteKey(ctx, p.key(path)); err != nil {
			return p.mapError("delete", path, err)
		}
		p.record(info, false)
		return nil
	}

	dirKey := p.dirKey(path)
	objects, err := p.listAll(ctx, dirKey)
	if err != nil {
		return p.mapError("delete", path, err)
	}
	for _, obj := range objects {
		if aws.ToString(obj.Key) != dirKey {
			return fmt.Errorf("delete %q: directory not empty: %w", path, provider.ErrExists)
		}
	}
	if err := p.deleteKey(ctx, dirKey); err != nil {
		return p.mapError("delete", path, err)
	}
	p.record(info, false)
	return nil
}

func (p *Provider) copyKey(ctx context.Context, from, to string) error {
	_, err := p.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     &p.bucket,
		CopySource: aws.String(fmt.Sprintf("%s/%s", p.bucket, from)),
		Key:        &to,
	})
	return err
}

func (p *Provider) Rename(ctx context.Context, oid string, newPath string) (string, error) {
	path := provider.CleanPath(oid)
	newPath = provider.CleanPath(newPath)

	info, err := p.lookup(ctx, path)
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", fmt.Errorf("rename %q: %w", path, provider.ErrNotFound)
	}
	if path == newPath {
		return path, nil
	}
	existing, err := p.lookup(ctx, newPath)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", fmt.Errorf("rename to %q: %w", newPath, provider.ErrExists)
	}
	if _, inside := provider.RelativePath(path, newPath, true); inside {
		return "", fmt.Errorf("rename %q into itself: %w", path, provider.ErrExists)
	}
	if err := p.checkParent(ctx, newPath); err != nil {
		return "", fmt.Errorf("rename: %w", err)
	}

	if !info.IsDir() {
		if err := p.copyKey(ctx, p.key(path), p.key(newPath)); err != nil {
			return "", p.mapError("rename", path, err)
		}
		if err := p.deleteKey(ctx, p.key(path)); err != nil {
			return "", p.mapError("rename", path, err)
		}
	} else {
		oldPrefix, newPrefix := p.dirKey(path), p.dirKey(newPath)
		objects, err := p.listAll(ctx, oldPrefix)
		if err != nil {
			return "", p.mapError("rename", path, err)
		}
		if len(objects) == 0 {
			// implicit directory with nothing below it
			objects = append(objects, types.Object{Key: aws.String(oldPrefix)})
		}
		for _, obj := range objects {
			from := aws.ToString(obj.Key)
			to := newPrefix + strings.TrimPrefix(from, oldPrefix)
			if err := p.copyKey(ctx, from, to); err != nil {
				return "", p.mapError("rename", p.pathOf(from), err)
			}
		}
		for _, obj := range objects {
			if err := p.deleteKey(ctx, aws.ToString(obj.Key)); err != nil {
				return "", p.mapError("rename", p.pathOf(aws.ToString(obj.Key)), err)
			}
		}
	}

	if err := p.scan(ctx); err != nil {
		return "", err
	}
	return newPath, nil
}

func (p *Provider) InfoPath(ctx context.Context, path string) (*provider.ObjectInfo, error) {
	return p.lookup(ctx, path)
}

func (p *Provider) InfoOID(ctx context.Context, oid string) (*provider.ObjectInfo, error) {
	return p.lookup(ctx, oid)
}

func (p *Provider) Listdir(ctx context.Context, oid string) ([]*provider.ObjectInfo, error) {
	path := provider.CleanPath(oid)
	info, err := p.lookup(ctx, path)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("listdir %q: %w", path, provider.ErrNotFound)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("listdir %q is a file: %w", path, provider.ErrExists)
	}

	dirKey := p.dirKey(path)
	var out []*provider.ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(p.api, &s3.ListObjectsV2Input{
		Bucket:    &p.bucket,
		Prefix:    &dirKey,
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, p.mapError("listdir", path, err)
		}
		for _, cp := range page.CommonPrefixes {
			child := p.pathOf(aws.ToString(cp.Prefix))
			out = append(out, &provider.ObjectInfo{OID: child, Path: child, Type: provider.TypeDirectory})
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == dirKey {
				continue
			}
			child := p.pathOf(key)
			out = append(out, &provider.ObjectInfo{
				OID:   child,
				Path:  child,
				Hash:  etag(obj.ETag),
				Type:  provider.TypeFile,
				Size:  aws.ToInt64(obj.Size),
				MTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (p *Provider) Download(ctx context.Context, oid string, w io.Writer) error {
	path := provider.CleanPath(oid)
	key := p.key(path)
	resp, err := p.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &p.bucket,
		Key:    &key,
	})
	if err != nil {
		return p.mapError("download", path, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("download %q: %w", path, err)
	}
	return nil
}
