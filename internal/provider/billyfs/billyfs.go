// Package billyfs exposes a go-billy filesystem as a sync provider. Object ids
// are paths, and the event stream is produced by diffing successive listings.
package billyfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmined/syftsync/internal/provider"
)

const (
	defaultHashCacheSize = 16384
	defaultRescanEvery   = 30 * time.Second
	dirPerm              = 0o755
	filePerm             = 0o644
)

type Option func(*Provider)

func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

func WithCaseInsensitive() Option {
	return func(p *Provider) { p.caseSensitive = false }
}

func WithPageSize(n int) Option {
	return func(p *Provider) { p.log.SetPageSize(n) }
}

// WithWatcher only rescans when the directory watcher reported activity, or
// every rescanEvery as a fallback. dir is the on-disk root of the filesystem.
func WithWatcher(dir string, rescanEvery time.Duration) Option {
	return func(p *Provider) {
		p.watchDir = dir
		if rescanEvery > 0 {
			p.rescanEvery = rescanEvery
		}
	}
}

type Provider struct {
	fs            billy.Filesystem
	name          string
	caseSensitive bool

	// scanMu serializes listings so the change log sees one diff at a time
	scanMu      sync.Mutex
	log         *provider.ChangeLog
	hashes      *lru.Cache[string, string]
	scanned     bool
	lastScan    time.Time
	changed     atomic.Bool
	connected   atomic.Bool
	watchDir    string
	watcher     *Watcher
	rescanEvery time.Duration
}

func New(fs billy.Filesystem, opts ...Option) *Provider {
	hashes, _ := lru.New[string, string](defaultHashCacheSize)
	p := &Provider{
		fs:            fs,
		name:          "billyfs",
		caseSensitive: true,
		log:           provider.NewChangeLog(),
		hashes:        hashes,
		rescanEvery:   defaultRescanEvery,
	}
	p.connected.Store(true)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewLocal serves the directory dir on local disk.
func NewLocal(dir string, opts ...Option) *Provider {
	opts = append([]Option{WithName("local")}, opts...)
	return New(osfs.New(dir), opts...)
}

func (p *Provider) Name() string        { return p.name }
func (p *Provider) CaseSensitive() bool { return p.caseSensitive }
func (p *Provider) OIDIsPath() bool     { return true }
func (p *Provider) Connected() bool     { return p.connected.Load() }

// SetConnected marks the filesystem unreachable, e.g. an unmounted volume.
func (p *Provider) SetConnected(connected bool) {
	p.connected.Store(connected)
}

// Start begins watching the filesystem when a watcher was configured.
func (p *Provider) Start(ctx context.Context) error {
	if p.watchDir == "" {
		return nil
	}
	p.watcher = NewWatcher(p.watchDir, func() { p.changed.Store(true) })
	if err := p.watcher.Start(ctx); err != nil {
		p.watcher = nil
		return fmt.Errorf("start watcher: %w", err)
	}
	return nil
}

func (p *Provider) Close() error {
	if p.watcher != nil {
		p.watcher.Stop()
		p.watcher = nil
	}
	return nil
}

func (p *Provider) checkConnected() error {
	if !p.connected.Load() {
		return fmt.Errorf("%s: %w", p.name, provider.ErrDisconnected)
	}
	return nil
}

// fsPath converts a provider path to the filesystem's own form.
func fsPath(p string) string {
	return provider.CleanPath(p)
}

func mapError(op, p string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%s %q: %w", op, p, provider.ErrNotFound)
	case errors.Is(err, os.ErrExist):
		return fmt.Errorf("%s %q: %w", op, p, provider.ErrExists)
	default:
		return fmt.Errorf("%s %q: %w", op, p, err)
	}
}

func (p *Provider) hash(name string, fi os.FileInfo) (string, error) {
	key := fmt.Sprintf("%s|%d|%d", name, fi.Size(), fi.ModTime().UnixNano())
	if h, ok := p.hashes.Get(key); ok {
		return h, nil
	}

	f, err := p.fs.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := provider.HashReader(f)
	if err != nil {
		return "", err
	}
	p.hashes.Add(key, h)
	return h, nil
}

func (p *Provider) infoFromStat(name string, fi os.FileInfo) (*provider.ObjectInfo, error) {
	info := &provider.ObjectInfo{
		OID:   name,
		Path:  name,
		MTime: fi.ModTime(),
	}
	if fi.IsDir() {
		info.Type = provider.TypeDirectory
		return info, nil
	}

	h, err := p.hash(name, fi)
	if err != nil {
		return nil, err
	}
	info.Type = provider.TypeFile
	info.Size = fi.Size()
	info.Hash = h
	return info, nil
}

func (p *Provider) stat(name string) (*provider.ObjectInfo, error) {
	fi, err := p.fs.Stat(name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if !fi.IsDir() && !fi.Mode().IsRegular() {
		return nil, nil
	}
	return p.infoFromStat(name, fi)
}

// scan lists the whole filesystem and logs the differences since the last scan.
func (p *Provider) scan() error {
	top, err := p.fs.ReadDir("/")
	if err != nil {
		return mapError("list", "/", err)
	}

	var listing []*provider.ObjectInfo
	for _, entry := range top {
		root := path.Join("/", entry.Name())
		err := util.Walk(p.fs, root, func(name string, fi os.FileInfo, err error) error {
			if err != nil {
				// vanished between readdir and stat
				if errors.Is(err, os.ErrNotExist) {
					return nil
				}
				return err
			}
			if !fi.IsDir() && !fi.Mode().IsRegular() {
				return nil
			}
			name = fsPath(name)
			info, err := p.infoFromStat(name, fi)
			if errors.Is(err, os.ErrNotExist) {
				return nil
			} else if err != nil {
				return err
			}
			listing = append(listing, info)
			return nil
		})
		if err != nil {
			return mapError("walk", root, err)
		}
	}

	n := p.log.Observe(listing)
	p.scanned = true
	p.lastScan = time.Now()
	if n > 0 {
		slog.Debug("billyfs scan", "provider", p.name, "objects", len(listing), "changes", n)
	}
	return nil
}

func (p *Provider) maybeScan() error {
	p.scanMu.Lock()
	defer p.scanMu.Unlock()

	if p.watcher != nil && p.scanned && !p.changed.Swap(false) && time.Since(p.lastScan) < p.rescanEvery {
		return nil
	}
	return p.scan()
}

func (p *Provider) record(info *provider.ObjectInfo, exists bool) {
	ev := provider.EventFromInfo(info)
	ev.Exists = exists
	p.log.Append(ev)
}

func (p *Provider) LatestCursor(_ context.Context) (string, error) {
	if err := p.checkConnected(); err != nil {
		return "", err
	}
	if err := p.maybeScan(); err != nil {
		return "", err
	}
	return p.log.Cursor(), nil
}

func (p *Provider) Events(_ context.Context, cursor string) (*provider.EventBatch, error) {
	if err := p.checkConnected(); err != nil {
		return nil, err
	}
	if err := p.maybeScan(); err != nil {
		return nil, err
	}
	return p.log.Since(cursor)
}

func (p *Provider) checkParent(name string) error {
	parent := provider.ParentPath(name)
	if parent == "/" {
		return nil
	}
	fi, err := p.fs.Stat(parent)
	if err != nil {
		return mapError("parent of", name, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("parent of %q is a file: %w", name, provider.ErrExists)
	}
	return nil
}

func (p *Provider) Mkdir(_ context.Context, name string) (string, error) {
	if err := p.checkConnected(); err != nil {
		return "", err
	}

	name = fsPath(name)
	if fi, err := p.fs.Stat(name); err == nil {
		if fi.IsDir() {
			return name, nil
		}
		return "", fmt.Errorf("mkdir %q: %w", name, provider.ErrExists)
	}
	if err := p.checkParent(name); err != nil {
		return "", fmt.Errorf("mkdir: %w", err)
	}
	if err := p.fs.MkdirAll(name, dirPerm); err != nil {
		return "", mapError("mkdir", name, err)
	}

	if info, err := p.stat(name); err == nil && info != nil {
		p.record(info, true)
	}
	return name, nil
}

func (p *Provider) Create(_ context.Context, name string, r io.Reader) (*provider.ObjectInfo, error) {
	if err := p.checkConnected(); err != nil {
		return nil, err
	}

	name = fsPath(name)
	if _, err := p.fs.Stat(name); err == nil {
		return nil, fmt.Errorf("create %q: %w", name, provider.ErrExists)
	}
	if err := p.checkParent(name); err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}

	f, err := p.fs.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		return nil, mapError("create", name, err)
	}
	return p.write(f, name, r)
}

func (p *Provider) write(f billy.File, name string, r io.Reader) (*provider.ObjectInfo, error) {
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return nil, fmt.Errorf("write %q: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close %q: %w", name, err)
	}

	info, err := p.stat(name)
	if err != nil {
		return nil, mapError("stat", name, err)
	} else if info == nil {
		return nil, fmt.Errorf("stat %q: %w", name, provider.ErrNotFound)
	}
	p.record(info, true)
	return info, nil
}

func (p *Provider) Upload(_ context.Context, oid string, r io.Reader) (*provider.ObjectInfo, error) {
	if err := p.checkConnected(); err != nil {
		return nil, err
	}

	name := fsPath(oid)
	fi, err := p.fs.Stat(name)
	if err != nil {
		return nil, mapError("upload", name, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("upload %q is a directory: %w", name, provider.ErrExists)
	}

	f, err := p.fs.OpenFile(name, os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return nil, mapError("upload", name, err)
	}
	return p.write(f, name, r)
}

func (p *Provider) Delete(_ context.Context, oid string) error {
	if err := p.checkConnected(); err != nil {
		return err
	}

	name := fsPath(oid)
	if name == "/" {
		return fmt.Errorf("delete root: %w", provider.ErrExists)
	}
	fi, err := p.fs.Stat(name)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return mapError("delete", name, err)
	}

	if fi.IsDir() {
		children, err := p.fs.ReadDir(name)
		if err != nil {
			return mapError("delete", name, err)
		}
		if len(children) > 0 {
			return fmt.Errorf("delete %q: directory not empty: %w", name, provider.ErrExists)
		}
	}

	if err := p.fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return mapError("delete", name, err)
	}

	typ := provider.TypeFile
	if fi.IsDir() {
		typ = provider.TypeDirectory
	}
	p.log.Append(&provider.Event{OID: name, Path: name, Type: typ, Exists: false})
	return nil
}

func (p *Provider) Rename(_ context.Context, oid string, newPath string) (string, error) {
	if err := p.checkConnected(); err != nil {
		return "", err
	}

	name := fsPath(oid)
	newPath = fsPath(newPath)
	if _, err := p.fs.Stat(name); err != nil {
		return "", mapError("rename", name, err)
	}
	if name == newPath {
		return name, nil
	}

	sameObject := provider.NormalizePath(name, p.caseSensitive) == provider.NormalizePath(newPath, p.caseSensitive)
	if _, err := p.fs.Stat(newPath); err == nil && !sameObject {
		return "", fmt.Errorf("rename to %q: %w", newPath, provider.ErrExists)
	}
	if _, inside := provider.RelativePath(name, newPath, p.caseSensitive); inside && !sameObject {
		return "", fmt.Errorf("rename %q into itself: %w", name, provider.ErrExists)
	}
	if err := p.checkParent(newPath); err != nil {
		return "", fmt.Errorf("rename: %w", err)
	}

	if err := p.fs.Rename(name, newPath); err != nil {
		return "", mapError("rename", name, err)
	}

	// a move changes the id of every descendant; a fresh diff reports them all
	p.scanMu.Lock()
	err := p.scan()
	p.scanMu.Unlock()
	if err != nil {
		return "", err
	}
	return newPath, nil
}

func (p *Provider) InfoPath(_ context.Context, name string) (*provider.ObjectInfo, error) {
	if err := p.checkConnected(); err != nil {
		return nil, err
	}
	name = fsPath(name)
	info, err := p.stat(name)
	if err != nil {
		return nil, mapError("stat", name, err)
	}
	return info, nil
}

func (p *Provider) InfoOID(ctx context.Context, oid string) (*provider.ObjectInfo, error) {
	return p.InfoPath(ctx, oid)
}

func (p *Provider) Listdir(_ context.Context, oid string) ([]*provider.ObjectInfo, error) {
	if err := p.checkConnected(); err != nil {
		return nil, err
	}

	name := fsPath(oid)
	fi, err := p.fs.Stat(name)
	if err != nil && name != "/" {
		return nil, mapError("listdir", name, err)
	}
	if fi != nil && !fi.IsDir() {
		return nil, fmt.Errorf("listdir %q is a file: %w", name, provider.ErrExists)
	}

	entries, err := p.fs.ReadDir(name)
	if err != nil {
		return nil, mapError("listdir", name, err)
	}

	out := make([]*provider.ObjectInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && !entry.Mode().IsRegular() {
			continue
		}
		child := path.Join(name, entry.Name())
		info, err := p.infoFromStat(child, entry)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, mapError("listdir", child, err)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (p *Provider) Download(_ context.Context, oid string, w io.Writer) error {
	if err := p.checkConnected(); err != nil {
		return err
	}

	name := fsPath(oid)
	fi, err := p.fs.Stat(name)
	if err != nil {
		return mapError("download", name, err)
	}
	if fi.IsDir() {
		return fmt.Errorf("download %q is a directory: %w", name, provider.ErrExists)
	}

	f, err := p.fs.Open(name)
	if err != nil {
		return mapError("download", name, err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("download %q: %w", name, err)
	}
	return nil
}
