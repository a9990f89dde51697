// Package memory is an in-memory provider. Every mutation is logged exactly,
// so it serves both as a test double and as a reference for provider semantics.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openmined/syftsync/internal/provider"
)

type object struct {
	oid   string
	path  string
	typ   provider.ObjectType
	data  []byte
	hash  string
	mtime time.Time
}

func (o *object) info() *provider.ObjectInfo {
	return &provider.ObjectInfo{
		OID:   o.oid,
		Path:  o.path,
		Hash:  o.hash,
		Type:  o.typ,
		Size:  int64(len(o.data)),
		MTime: o.mtime,
	}
}

func (o *object) event(exists bool) *provider.Event {
	ev := provider.EventFromInfo(o.info())
	ev.Exists = exists
	return ev
}

type Option func(*Provider)

func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

func WithCaseInsensitive() Option {
	return func(p *Provider) { p.caseSensitive = false }
}

func WithOIDIsPath() Option {
	return func(p *Provider) { p.oidIsPath = true }
}

func WithPageSize(n int) Option {
	return func(p *Provider) { p.log.SetPageSize(n) }
}

type Provider struct {
	mu            sync.RWMutex
	name          string
	caseSensitive bool
	oidIsPath     bool
	connected     bool
	objects       map[string]*object // by oid
	paths         map[string]*object // by normalized path
	log           *provider.ChangeLog
}

func New(opts ...Option) *Provider {
	p := &Provider{
		name:          "memory",
		caseSensitive: true,
		connected:     true,
		objects:       make(map[string]*object),
		paths:         make(map[string]*object),
		log:           provider.NewChangeLog(),
	}
	for _, opt := range opts {
		opt(p)
	}

	root := &object{oid: p.newOID("/"), path: "/", typ: provider.TypeDirectory, mtime: time.Now()}
	p.objects[root.oid] = root
	p.paths[p.key("/")] = root
	return p
}

func (p *Provider) Name() string        { return p.name }
func (p *Provider) CaseSensitive() bool { return p.caseSensitive }
func (p *Provider) OIDIsPath() bool     { return p.oidIsPath }

func (p *Provider) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// SetConnected simulates losing or regaining connectivity.
func (p *Provider) SetConnected(connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = connected
}

func (p *Provider) key(path string) string {
	return provider.NormalizePath(path, p.caseSensitive)
}

func (p *Provider) newOID(path string) string {
	if p.oidIsPath {
		return provider.CleanPath(path)
	}
	return uuid.NewString()
}

func (p *Provider) checkConnected() error {
	if !p.connected {
		return fmt.Errorf("%s: %w", p.name, provider.ErrDisconnected)
	}
	return nil
}

// checkParent verifies that the parent of path is an existing directory.
func (p *Provider) checkParent(path string) error {
	parent, ok := p.paths[p.key(provider.ParentPath(path))]
	if !ok {
		return fmt.Errorf("parent of %q: %w", path, provider.ErrNotFound)
	}
	if parent.typ != provider.TypeDirectory {
		return fmt.Errorf("parent of %q is a file: %w", path, provider.ErrExists)
	}
	return nil
}

func (p *Provider) children(dir *object) []*object {
	prefix := p.key(dir.path)
	if prefix != "/" {
		prefix += "/"
	}
	var out []*object
	for k, o := range p.paths {
		if o != dir && strings.HasPrefix(k, prefix) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

func (p *Provider) LatestCursor(_ context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkConnected(); err != nil {
		return "", err
	}
	return p.log.Cursor(), nil
}

func (p *Provider) Events(_ context.Context, cursor string) (*provider.EventBatch, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkConnected(); err != nil {
		return nil, err
	}
	return p.log.Since(cursor)
}

func (p *Provider) Mkdir(_ context.Context, path string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConnected(); err != nil {
		return "", err
	}

	path = provider.CleanPath(path)
	if o, ok := p.paths[p.key(path)]; ok {
		if o.typ == provider.TypeDirectory {
			return o.oid, nil
		}
		return "", fmt.Errorf("mkdir %q: %w", path, provider.ErrExists)
	}
	if err := p.checkParent(path); err != nil {
		return "", fmt.Errorf("mkdir: %w", err)
	}

	o := &object{oid: p.newOID(path), path: path, typ: provider.TypeDirectory, mtime: time.Now()}
	p.objects[o.oid] = o
	p.paths[p.key(path)] = o
	p.log.Append(o.event(true))
	return o.oid, nil
}

func (p *Provider) Create(_ context.Context, path string, r io.Reader) (*provider.ObjectInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("create %q: read content: %w", path, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConnected(); err != nil {
		return nil, err
	}

	path = provider.CleanPath(path)
	if _, ok := p.paths[p.key(path)]; ok {
		return nil, fmt.Errorf("create %q: %w", path, provider.ErrExists)
	}
	if err := p.checkParent(path); err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}

	o := &object{
		oid:   p.newOID(path),
		path:  path,
		typ:   provider.TypeFile,
		data:  data,
		hash:  provider.HashBytes(data),
		mtime: time.Now(),
	}
	p.objects[o.oid] = o
	p.paths[p.key(path)] = o
	p.log.Append(o.event(true))
	return o.info(), nil
}

func (p *Provider) Upload(_ context.Context, oid string, r io.Reader) (*provider.ObjectInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("upload %q: read content: %w", oid, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConnected(); err != nil {
		return nil, err
	}

	o, ok := p.objects[oid]
	if !ok {
		return nil, fmt.Errorf("upload %q: %w", oid, provider.ErrNotFound)
	}
	if o.typ == provider.TypeDirectory {
		return nil, fmt.Errorf("upload %q is a directory: %w", o.path, provider.ErrExists)
	}

	o.data = data
	o.hash = provider.HashBytes(data)
	o.mtime = time.Now()
	p.log.Append(o.event(true))
	return o.info(), nil
}

func (p *Provider) Delete(_ context.Context, oid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConnected(); err != nil {
		return err
	}

	o, ok := p.objects[oid]
	if !ok {
		return nil
	}
	if o.path == "/" {
		return fmt.Errorf("delete root: %w", provider.ErrExists)
	}
	if o.typ == provider.TypeDirectory && len(p.children(o)) > 0 {
		return fmt.Errorf("delete %q: directory not empty: %w", o.path, provider.ErrExists)
	}

	delete(p.objects, o.oid)
	delete(p.paths, p.key(o.path))
	p.log.Append(o.event(false))
	return nil
}

func (p *Provider) Rename(_ context.Context, oid string, newPath string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConnected(); err != nil {
		return "", err
	}

	o, ok := p.objects[oid]
	if !ok {
		return "", fmt.Errorf("rename %q: %w", oid, provider.ErrNotFound)
	}

	newPath = provider.CleanPath(newPath)
	if o.path == newPath {
		return o.oid, nil
	}
	if existing, ok := p.paths[p.key(newPath)]; ok && existing != o {
		return "", fmt.Errorf("rename to %q: %w", newPath, provider.ErrExists)
	}
	if _, inside := provider.RelativePath(o.path, newPath, p.caseSensitive); inside && p.key(o.path) != p.key(newPath) {
		return "", fmt.Errorf("rename %q into itself: %w", o.path, provider.ErrExists)
	}
	if err := p.checkParent(newPath); err != nil {
		return "", fmt.Errorf("rename: %w", err)
	}

	moved := []*object{o}
	if o.typ == provider.TypeDirectory {
		moved = append(moved, p.children(o)...)
	}

	oldDir := o.path
	for _, m := range moved {
		if p.oidIsPath {
			p.log.Append(m.event(false))
		}
		delete(p.paths, p.key(m.path))
		delete(p.objects, m.oid)

		m.path, _ = provider.ReplacePrefix(m.path, oldDir, newPath, p.caseSensitive)
		if p.oidIsPath {
			m.oid = m.path
		}
	}
	for _, m := range moved {
		p.paths[p.key(m.path)] = m
		p.objects[m.oid] = m
		if p.oidIsPath || m == o {
			p.log.Append(m.event(true))
		}
	}

	return o.oid, nil
}

func (p *Provider) InfoPath(_ context.Context, path string) (*provider.ObjectInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkConnected(); err != nil {
		return nil, err
	}

	o, ok := p.paths[p.key(path)]
	if !ok {
		return nil, nil
	}
	return o.info(), nil
}

func (p *Provider) InfoOID(_ context.Context, oid string) (*provider.ObjectInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkConnected(); err != nil {
		return nil, err
	}

	o, ok := p.objects[oid]
	if !ok {
		return nil, nil
	}
	return o.info(), nil
}

func (p *Provider) Listdir(_ context.Context, oid string) ([]*provider.ObjectInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkConnected(); err != nil {
		return nil, err
	}

	o, ok := p.objects[oid]
	if !ok {
		return nil, fmt.Errorf("listdir %q: %w", oid, provider.ErrNotFound)
	}
	if o.typ != provider.TypeDirectory {
		return nil, fmt.Errorf("listdir %q is a file: %w", o.path, provider.ErrExists)
	}

	var out []*provider.ObjectInfo
	for _, c := range p.children(o) {
		if p.key(provider.ParentPath(c.path)) == p.key(o.path) {
			out = append(out, c.info())
		}
	}
	return out, nil
}

func (p *Provider) Download(_ context.Context, oid string, w io.Writer) error {
	p.mu.RLock()
	o, ok := p.objects[oid]
	var data []byte
	if ok {
		data = o.data
	}
	err := p.checkConnected()
	p.mu.RUnlock()

	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("download %q: %w", oid, provider.ErrNotFound)
	}
	if o.typ == provider.TypeDirectory {
		return fmt.Errorf("download %q is a directory: %w", o.path, provider.ErrExists)
	}
	_, err = io.Copy(w, bytes.NewReader(data))
	return err
}

// ReadFile is a convenience for tests and tools: the content at path, or
// ErrNotFound.
func (p *Provider) ReadFile(path string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	o, ok := p.paths[p.key(path)]
	if !ok || o.typ != provider.TypeFile {
		return nil, fmt.Errorf("read %q: %w", path, provider.ErrNotFound)
	}
	return bytes.Clone(o.data), nil
}
