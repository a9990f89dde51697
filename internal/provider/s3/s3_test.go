package s3

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/openmined/syftsync/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	data    []byte
	etag    string
	modTime time.Time
}

// fakeBucket is an in-memory stand-in for a single S3 bucket.
type fakeBucket struct {
	mu       sync.Mutex
	objects  map[string]*fakeObject
	pageSize int
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string]*fakeObject), pageSize: 2}
}

func (f *fakeBucket) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ETag:          aws.String(`"` + obj.etag + `"`),
		ContentLength: aws.Int64(int64(len(obj.data))),
		LastModified:  aws.Time(obj.modTime),
	}, nil
}

func (f *fakeBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(bytes.Clone(obj.data))),
		ContentLength: aws.Int64(int64(len(obj.data))),
		ETag:          aws.String(`"` + obj.etag + `"`),
	}, nil
}

func (f *fakeBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	obj := &fakeObject{data: data, etag: provider.HashBytes(data), modTime: time.Now()}
	f.objects[aws.ToString(in.Key)] = obj
	return &s3.PutObjectOutput{ETag: aws.String(`"` + obj.etag + `"`)}, nil
}

func (f *fakeBucket) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, src, _ := strings.Cut(aws.ToString(in.CopySource), "/")
	obj, ok := f.objects[src]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	cp := *obj
	f.objects[aws.ToString(in.Key)] = &cp
	return &s3.CopyObjectOutput{CopyObjectResult: &types.CopyObjectResult{ETag: aws.String(obj.etag)}}, nil
}

func (f *fakeBucket) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeBucket) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := aws.ToString(in.Prefix)
	delimiter := aws.ToString(in.Delimiter)
	after := aws.ToString(in.ContinuationToken)
	limit := f.pageSize
	if in.MaxKeys != nil && int(*in.MaxKeys) < limit {
		limit = int(*in.MaxKeys)
	}

	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) && k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	seen := map[string]bool{}
	count := 0
	truncate := func() {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(after)
	}
	for _, k := range keys {
		rest := k[len(prefix):]
		if idx := strings.Index(rest, delimiter); delimiter != "" && idx >= 0 {
			cp := prefix + rest[:idx+1]
			if seen[cp] {
				after = k
				continue
			}
			if count == limit {
				truncate()
				break
			}
			seen[cp] = true
			out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
			count++
			after = k
			continue
		}
		if count == limit {
			truncate()
			break
		}
		after = k
		obj := f.objects[k]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			ETag:         aws.String(`"` + obj.etag + `"`),
			Size:         aws.Int64(int64(len(obj.data))),
			LastModified: aws.Time(obj.modTime),
		})
		count++
	}
	return out, nil
}

func (f *fakeBucket) put(key, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = &fakeObject{data: []byte(data), etag: provider.HashBytes([]byte(data)), modTime: time.Now()}
}

func (f *fakeBucket) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func TestProvider_CRUDUnderPrefix(t *testing.T) {
	ctx := t.Context()
	bucket := newFakeBucket()
	p := New(bucket, "test-bucket", "/sync/")

	_, err := p.Mkdir(ctx, "/docs")
	require.NoError(t, err)
	assert.True(t, bucket.has("sync/docs/"))

	info, err := p.Create(ctx, "/docs/a.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, "/docs/a.txt", info.OID)
	assert.Equal(t, provider.HashBytes([]byte("hello")), info.Hash)
	assert.True(t, bucket.has("sync/docs/a.txt"))

	_, err = p.Create(ctx, "/docs/a.txt", strings.NewReader("again"))
	assert.ErrorIs(t, err, provider.ErrExists)
	_, err = p.Create(ctx, "/nope/a.txt", strings.NewReader("x"))
	assert.ErrorIs(t, err, provider.ErrNotFound)

	_, err = p.Upload(ctx, "/docs/a.txt", strings.NewReader("bye"))
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, p.Download(ctx, "/docs/a.txt", &buf))
	assert.Equal(t, "bye", buf.String())

	assert.ErrorIs(t, p.Delete(ctx, "/docs"), provider.ErrExists)
	require.NoError(t, p.Delete(ctx, "/docs/a.txt"))
	require.NoError(t, p.Delete(ctx, "/docs/a.txt"))
	require.NoError(t, p.Delete(ctx, "/docs"))
	assert.False(t, bucket.has("sync/docs/"))
}

func TestProvider_ImplicitDirectories(t *testing.T) {
	ctx := t.Context()
	bucket := newFakeBucket()
	bucket.put("a/b/c.txt", "c")
	bucket.put("a/d.txt", "d")
	bucket.put("top.txt", "t")
	p := New(bucket, "test-bucket", "")

	info, err := p.InfoPath(ctx, "/a/b")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.True(t, info.IsDir())

	children, err := p.Listdir(ctx, "/a")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "/a/b", children[0].Path)
	assert.True(t, children[0].IsDir())
	assert.Equal(t, "/a/d.txt", children[1].Path)

	batch, err := p.Events(ctx, "")
	require.NoError(t, err)
	paths := make([]string, 0, len(batch.Events))
	for _, ev := range batch.Events {
		paths = append(paths, ev.Path)
	}
	assert.ElementsMatch(t, []string{"/a", "/a/b", "/a/b/c.txt", "/a/d.txt", "/top.txt"}, paths)
}

func TestProvider_EventsFromListingDiffs(t *testing.T) {
	ctx := t.Context()
	bucket := newFakeBucket()
	p := New(bucket, "test-bucket", "")

	cursor, err := p.LatestCursor(ctx)
	require.NoError(t, err)

	bucket.put("new.txt", "n")
	batch, err := p.Events(ctx, cursor)
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)
	assert.Equal(t, "/new.txt", batch.Events[0].Path)
	assert.True(t, batch.Events[0].Exists)

	bucket.mu.Lock()
	delete(bucket.objects, "new.txt")
	bucket.mu.Unlock()

	batch, err = p.Events(ctx, batch.Cursor)
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)
	assert.False(t, batch.Events[0].Exists)
}

func TestProvider_RenameDirectory(t *testing.T) {
	ctx := t.Context()
	bucket := newFakeBucket()
	p := New(bucket, "test-bucket", "")

	_, err := p.Mkdir(ctx, "/a")
	require.NoError(t, err)
	_, err = p.Create(ctx, "/a/f", strings.NewReader("f"))
	require.NoError(t, err)
	_, err = p.Create(ctx, "/g", strings.NewReader("g"))
	require.NoError(t, err)

	_, err = p.Rename(ctx, "/a", "/g")
	assert.ErrorIs(t, err, provider.ErrExists)

	newOID, err := p.Rename(ctx, "/a", "/b")
	require.NoError(t, err)
	assert.Equal(t, "/b", newOID)
	assert.True(t, bucket.has("b/"))
	assert.True(t, bucket.has("b/f"))
	assert.False(t, bucket.has("a/"))
	assert.False(t, bucket.has("a/f"))

	info, err := p.InfoOID(ctx, "/a/f")
	require.NoError(t, err)
	assert.Nil(t, info)
}
