// Package gdrive serves a Google Drive as a sync provider. Object ids are
// Drive file ids, and the event stream is the Drive Changes feed.
package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/openmined/syftsync/internal/provider"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
)

const (
	defaultPageSize = 1000
	nodeCacheSize   = 10000
	nodeCacheExpiry = 10 * time.Minute
	maxParentDepth  = 256
	rootAlias       = "root"
)

var errOutsideRoot = errors.New("object is outside the drive root")

type Option func(*Provider)

func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

func WithPageSize(n int64) Option {
	return func(p *Provider) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

// node is what path resolution needs to know about a Drive file.
type node struct {
	name   string
	parent string
	isDir  bool
}

type Provider struct {
	api       driveAPI
	name      string
	pageSize  int64
	nodes     *expirable.LRU[string, node]
	rootMu    sync.Mutex
	rootID    string
	connected atomic.Bool
}

func New(svc *drive.Service, opts ...Option) *Provider {
	return newProvider(&serviceAPI{svc: svc}, opts...)
}

func newProvider(api driveAPI, opts ...Option) *Provider {
	p := &Provider{
		api:      api,
		name:     "gdrive",
		pageSize: defaultPageSize,
		nodes:    expirable.NewLRU[string, node](nodeCacheSize, nil, nodeCacheExpiry),
	}
	p.connected.Store(true)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string        { return p.name }
func (p *Provider) CaseSensitive() bool { return true }
func (p *Provider) OIDIsPath() bool     { return false }
func (p *Provider) Connected() bool     { return p.connected.Load() }

func (p *Provider) mapError(op, what string, err error) error {
	if err == nil {
		p.connected.Store(true)
		return nil
	}

	var apiErr *googleapi.Error
	var urlErr *url.Error
	var netErr net.Error
	switch {
	case errors.As(err, &apiErr) && apiErr.Code == 404:
		return fmt.Errorf("%s %q: %w", op, what, provider.ErrNotFound)
	case errors.As(err, &apiErr) && apiErr.Code == 409:
		return fmt.Errorf("%s %q: %w", op, what, provider.ErrExists)
	case errors.As(err, &urlErr), errors.As(err, &netErr):
		p.connected.Store(false)
		return fmt.Errorf("%s %q: %w: %w", op, what, provider.ErrDisconnected, err)
	}
	return fmt.Errorf("%s %q: %w", op, what, err)
}

func (p *Provider) root(ctx context.Context) (string, error) {
	p.rootMu.Lock()
	defer p.rootMu.Unlock()
	if p.rootID != "" {
		return p.rootID, nil
	}

	f, err := p.api.Get(ctx, rootAlias)
	if err != nil {
		return "", p.mapError("get", rootAlias, err)
	}
	p.rootID = f.Id
	return p.rootID, nil
}

func (p *Provider) remember(f *drive.File) {
	parent := ""
	if len(f.Parents) > 0 {
		parent = f.Parents[0]
	}
	p.nodes.Add(f.Id, node{name: f.Name, parent: parent, isDir: f.MimeType == mimeTypeFolder})
}

// resolve returns the path of a file by walking its parent chain.
func (p *Provider) resolve(ctx context.Context, f *drive.File) (string, error) {
	rootID, err := p.root(ctx)
	if err != nil {
		return "", err
	}
	if f.Id == rootID {
		return "/", nil
	}
	p.remember(f)

	var parts []string
	id := f.Id
	for range maxParentDepth {
		if id == rootID {
			for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
				parts[i], parts[j] = parts[j], parts[i]
			}
			return "/" + strings.Join(parts, "/"), nil
		}

		n, ok := p.nodes.Get(id)
		if !ok {
			pf, err := p.api.Get(ctx, id)
			if err != nil {
				return "", p.mapError("resolve", id, err)
			}
			if pf.Trashed {
				return "", errOutsideRoot
			}
			p.remember(pf)
			n, _ = p.nodes.Get(id)
		}
		if n.parent == "" {
			return "", errOutsideRoot
		}
		parts = append(parts, n.name)
		id = n.parent
	}
	return "", errOutsideRoot
}

func (p *Provider) info(ctx context.Context, f *drive.File) (*provider.ObjectInfo, error) {
	path, err := p.resolve(ctx, f)
	if err != nil {
		return nil, err
	}

	info := &provider.ObjectInfo{
		OID:  f.Id,
		Path: path,
		Type: provider.TypeFile,
		Hash: f.Md5Checksum,
		Size: f.Size,
	}
	if f.MimeType == mimeTypeFolder {
		info.Type = provider.TypeDirectory
		info.Hash = ""
		info.Size = 0
	}
	if f.ModifiedTime != "" {
		if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
			info.MTime = t
		}
	}
	return info, nil
}

// child finds the named entry in a folder; Drive allows duplicates, the
// oldest wins.
func (p *Provider) child(ctx context.Context, parentID, name string) (*drive.File, error) {
	files, err := p.api.List(ctx, parentID, name)
	if err != nil {
		return nil, p.mapError("list", name, err)
	}
	for _, f := range files {
		if f.Name == name && !f.Trashed {
			return f, nil
		}
	}
	return nil, nil
}

func (p *Provider) lookup(ctx context.Context, path string) (*drive.File, error) {
	rootID, err := p.root(ctx)
	if err != nil {
		return nil, err
	}

	path = provider.CleanPath(path)
	current := &drive.File{Id: rootID, MimeType: mimeTypeFolder}
	if path == "/" {
		return current, nil
	}

	for _, name := range strings.Split(path[1:], "/") {
		if current.MimeType != mimeTypeFolder {
			return nil, nil
		}
		next, err := p.child(ctx, current.Id, name)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		if len(next.Parents) == 0 {
			next.Parents = []string{current.Id}
		}
		p.remember(next)
		current = next
	}
	return current, nil
}

// parentFolder returns the id of the folder that will contain path.
func (p *Provider) parentFolder(ctx context.Context, path string) (string, error) {
	parent, err := p.lookup(ctx, provider.ParentPath(path))
	if err != nil {
		return "", err
	}
	if parent == nil {
		return "", fmt.Errorf("parent of %q: %w", path, provider.ErrNotFound)
	}
	if parent.MimeType != mimeTypeFolder {
		return "", fmt.Errorf("parent of %q is a file: %w", path, provider.ErrExists)
	}
	return parent.Id, nil
}

func (p *Provider) LatestCursor(ctx context.Context) (string, error) {
	token, err := p.api.StartPageToken(ctx)
	if err != nil {
		return "", p.mapError("changes", "start", err)
	}
	p.connected.Store(true)
	return token, nil
}

func (p *Provider) Events(ctx context.Context, cursor string) (*provider.EventBatch, error) {
	if cursor == "" {
		latest, err := p.LatestCursor(ctx)
		if err != nil {
			return nil, err
		}
		return &provider.EventBatch{Cursor: latest}, nil
	}

	list, err := p.api.Changes(ctx, cursor, p.pageSize)
	if err != nil {
		return nil, p.mapError("changes", cursor, err)
	}
	p.connected.Store(true)

	batch := &provider.EventBatch{Cursor: list.NextPageToken}
	if batch.Cursor == "" {
		batch.Cursor = list.NewStartPageToken
	}

	for _, change := range list.Changes {
		ev, err := p.event(ctx, change)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			batch.Events = append(batch.Events, ev)
		}
	}
	return batch, nil
}

func (p *Provider) event(ctx context.Context, change *drive.Change) (*provider.Event, error) {
	gone := func() *provider.Event {
		ev := &provider.Event{OID: change.FileId, Exists: false}
		if n, ok := p.nodes.Get(change.FileId); ok {
			if n.isDir {
				ev.Type = provider.TypeDirectory
			} else {
				ev.Type = provider.TypeFile
			}
		}
		p.nodes.Remove(change.FileId)
		return ev
	}

	if change.Removed || change.File == nil || change.File.Trashed {
		return gone(), nil
	}

	// the cached name and parent are stale once a change arrives
	p.nodes.Remove(change.File.Id)
	info, err := p.info(ctx, change.File)
	if errors.Is(err, errOutsideRoot) || errors.Is(err, provider.ErrNotFound) {
		return gone(), nil
	} else if err != nil {
		return nil, err
	}

	ev := provider.EventFromInfo(info)
	return ev, nil
}

func (p *Provider) Mkdir(ctx context.Context, path string) (string, error) {
	path = provider.CleanPath(path)
	existing, err := p.lookup(ctx, path)
	if err != nil {
		return "", err
	}
	if existing != nil {
		if existing.MimeType == mimeTypeFolder {
			return existing.Id, nil
		}
		return "", fmt.Errorf("mkdir %q: %w", path, provider.ErrExists)
	}

	parentID, err := p.parentFolder(ctx, path)
	if err != nil {
		return "", fmt.Errorf("mkdir: %w", err)
	}

	f, err := p.api.Create(ctx, &drive.File{
		Name:     pathBase(path),
		MimeType: mimeTypeFolder,
		Parents:  []string{parentID},
	}, nil)
	if err != nil {
		return "", p.mapError("mkdir", path, err)
	}
	p.remember(f)
	slog.Debug("gdrive mkdir", "path", path, "id", f.Id)
	return f.Id, nil
}

func (p *Provider) Create(ctx context.Context, path string, r io.Reader) (*provider.ObjectInfo, error) {
	path = provider.CleanPath(path)
	existing, err := p.lookup(ctx, path)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("create %q: %w", path, provider.ErrExists)
	}

	parentID, err := p.parentFolder(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}

	f, err := p.api.Create(ctx, &drive.File{
		Name:    pathBase(path),
		Parents: []string{parentID},
	}, r)
	if err != nil {
		return nil, p.mapError("create", path, err)
	}
	return p.info(ctx, f)
}

func (p *Provider) Upload(ctx context.Context, oid string, r io.Reader) (*provider.ObjectInfo, error) {
	existing, err := p.api.Get(ctx, oid)
	if err != nil {
		return nil, p.mapError("upload", oid, err)
	}
	if existing.Trashed {
		return nil, fmt.Errorf("upload %q: %w", oid, provider.ErrNotFound)
	}
	if existing.MimeType == mimeTypeFolder {
		return nil, fmt.Errorf("upload %q is a directory: %w", oid, provider.ErrExists)
	}

	f, err := p.api.UpdateContent(ctx, oid, r)
	if err != nil {
		return nil, p.mapError("upload", oid, err)
	}
	return p.info(ctx, f)
}

func (p *Provider) Delete(ctx context.Context, oid string) error {
	f, err := p.api.Get(ctx, oid)
	if err != nil {
		err = p.mapError("delete", oid, err)
		if errors.Is(err, provider.ErrNotFound) {
			return nil
		}
		return err
	}
	if f.Trashed {
		return nil
	}

	if f.MimeType == mimeTypeFolder {
		children, err := p.api.List(ctx, oid, "")
		if err != nil {
			return p.mapError("delete", oid, err)
		}
		if len(children) > 0 {
			return fmt.Errorf("delete %q: directory not empty: %w", f.Name, provider.ErrExists)
		}
	}

	if err := p.api.Delete(ctx, oid); err != nil {
		err = p.mapError("delete", oid, err)
		if errors.Is(err, provider.ErrNotFound) {
			return nil
		}
		return err
	}
	p.nodes.Remove(oid)
	return nil
}

func (p *Provider) Rename(ctx context.Context, oid string, newPath string) (string, error) {
	newPath = provider.CleanPath(newPath)

	f, err := p.api.Get(ctx, oid)
	if err != nil {
		return "", p.mapError("rename", oid, err)
	}
	if f.Trashed {
		return "", fmt.Errorf("rename %q: %w", oid, provider.ErrNotFound)
	}

	existing, err := p.lookup(ctx, newPath)
	if err != nil {
		return "", err
	}
	if existing != nil {
		if existing.Id == oid {
			return oid, nil
		}
		return "", fmt.Errorf("rename to %q: %w", newPath, provider.ErrExists)
	}

	parentID, err := p.parentFolder(ctx, newPath)
	if err != nil {
		return "", fmt.Errorf("rename: %w", err)
	}
	oldParent := ""
	if len(f.Parents) > 0 {
		oldParent = f.Parents[0]
	}
	if f.MimeType == mimeTypeFolder {
		oldPath, err := p.resolve(ctx, f)
		if err == nil {
			if _, inside := provider.RelativePath(oldPath, newPath, true); inside {
				return "", fmt.Errorf("rename %q into itself: %w", oldPath, provider.ErrExists)
			}
		}
	}

	moved, err := p.api.Move(ctx, oid, pathBase(newPath), parentID, oldParent)
	if err != nil {
		return "", p.mapError("rename", oid, err)
	}
	p.remember(moved)
	return oid, nil
}

func (p *Provider) InfoPath(ctx context.Context, path string) (*provider.ObjectInfo, error) {
	f, err := p.lookup(ctx, path)
	if err != nil || f == nil {
		return nil, err
	}
	if provider.CleanPath(path) == "/" {
		return &provider.ObjectInfo{OID: f.Id, Path: "/", Type: provider.TypeDirectory}, nil
	}
	return p.info(ctx, f)
}

func (p *Provider) InfoOID(ctx context.Context, oid string) (*provider.ObjectInfo, error) {
	f, err := p.api.Get(ctx, oid)
	if err != nil {
		err = p.mapError("stat", oid, err)
		if errors.Is(err, provider.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if f.Trashed {
		return nil, nil
	}

	info, err := p.info(ctx, f)
	if errors.Is(err, errOutsideRoot) {
		return nil, nil
	}
	return info, err
}

func (p *Provider) Listdir(ctx context.Context, oid string) ([]*provider.ObjectInfo, error) {
	files, err := p.api.List(ctx, oid, "")
	if err != nil {
		return nil, p.mapError("listdir", oid, err)
	}

	out := make([]*provider.ObjectInfo, 0, len(files))
	for _, f := range files {
		if len(f.Parents) == 0 {
			f.Parents = []string{oid}
		}
		info, err := p.info(ctx, f)
		if errors.Is(err, errOutsideRoot) {
			continue
		} else if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (p *Provider) Download(ctx context.Context, oid string, w io.Writer) error {
	body, err := p.api.Download(ctx, oid)
	if err != nil {
		return p.mapError("download", oid, err)
	}
	defer body.Close()

	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("download %q: %w", oid, err)
	}
	return nil
}

func pathBase(path string) string {
	path = provider.CleanPath(path)
	return path[strings.LastIndex(path, "/")+1:]
}
