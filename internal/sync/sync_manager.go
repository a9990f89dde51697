package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gofrs/flock"
	"github.com/openmined/syftsync/internal/provider"
	"github.com/openmined/syftsync/internal/storage"
	"golang.org/x/sync/errgroup"
)

const statusRetention = 10 * time.Minute

var (
	ErrOverlappingRoots = errors.New("sync instances have overlapping roots")
	ErrAlreadyRunning   = errors.New("another syftsync daemon holds the lock")
)

// starter is implemented by providers with background work, like a watcher.
type starter interface {
	Start(ctx context.Context) error
}

// SyncManager runs several sync instances over one shared storage.
type SyncManager struct {
	engines  []*SyncEngine
	storage  storage.Storage
	lock     *flock.Flock
	interval time.Duration

	cancel context.CancelFunc
	group  *errgroup.Group
}

type ManagerOption func(*SyncManager)

// WithLockFile guards the manager with an exclusive file lock.
func WithLockFile(path string) ManagerOption {
	return func(m *SyncManager) {
		m.lock = flock.New(path)
	}
}

// WithInterval sets the pause between pumps of an idle instance.
func WithInterval(d time.Duration) ManagerOption {
	return func(m *SyncManager) {
		m.interval = d
	}
}

// NewSyncManager validates the instances and builds an engine for each.
func NewSyncManager(configs []*EngineConfig, store storage.Storage, opts ...ManagerOption) (*SyncManager, error) {
	m := &SyncManager{storage: store, interval: defaultRunInterval}
	for _, opt := range opts {
		opt(m)
	}

	if err := CheckDisjoint(configs); err != nil {
		return nil, err
	}

	if m.lock != nil {
		locked, err := m.lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", m.lock.Path(), err)
		}
		if !locked {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, m.lock.Path())
		}
	}

	tags := make(map[string]bool, len(configs))
	for _, cfg := range configs {
		if tags[cfg.Tag] {
			m.unlock()
			return nil, fmt.Errorf("%w: duplicate tag %q", ErrInvalidTag, cfg.Tag)
		}
		tags[cfg.Tag] = true

		cfg.Storage = store
		engine, err := NewSyncEngine(cfg)
		if err != nil {
			m.unlock()
			return nil, err
		}
		m.engines = append(m.engines, engine)
	}
	return m, nil
}

// CheckDisjoint fails when two instances sync overlapping subtrees of the
// same provider.
func CheckDisjoint(configs []*EngineConfig) error {
	for i := 0; i < len(configs); i++ {
		for j := i + 1; j < len(configs); j++ {
			a, b := configs[i], configs[j]
			for _, sa := range sides {
				for _, sb := range sides {
					if a.Providers[sa] == nil || a.Providers[sa] != b.Providers[sb] {
						continue
					}
					cs := a.Providers[sa].CaseSensitive()
					if rootsOverlap(a.Roots[sa], b.Roots[sb], cs) {
						return fmt.Errorf("%w: %s %s and %s %s on %s", ErrOverlappingRoots,
							a.Tag, a.Roots[sa], b.Tag, b.Roots[sb], a.Providers[sa].Name())
					}
				}
			}
		}
	}
	return nil
}

func rootsOverlap(a, b string, caseSensitive bool) bool {
	if _, ok := provider.RelativePath(a, b, caseSensitive); ok {
		return true
	}
	_, ok := provider.RelativePath(b, a, caseSensitive)
	return ok
}

func (m *SyncManager) Engines() []*SyncEngine {
	return m.engines
}

// Engine returns the instance called tag, or nil.
func (m *SyncManager) Engine(tag string) *SyncEngine {
	for _, e := range m.engines {
		if e.Tag() == tag {
			return e
		}
	}
	return nil
}

// Start launches every instance in the background.
func (m *SyncManager) Start(ctx context.Context) error {
	slog.Info("sync manager start", "instances", len(m.engines))

	started := make(map[provider.Provider]bool)
	for _, e := range m.engines {
		for _, p := range e.providers {
			s, ok := p.(starter)
			if !ok || started[p] {
				continue
			}
			if err := s.Start(ctx); err != nil {
				return fmt.Errorf("start %s: %w", p.Name(), err)
			}
			started[p] = true
		}
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.group, ctx = errgroup.WithContext(ctx)
	for _, e := range m.engines {
		m.group.Go(func() error {
			return e.Run(ctx, RunOptions{Interval: m.interval, ContinueOnError: true})
		})
	}
	m.group.Go(func() error {
		m.pruneStatus(ctx)
		return nil
	})
	return nil
}

// pruneStatus drops stale settled paths from every instance's status.
func (m *SyncManager) pruneStatus(ctx context.Context) {
	ticker := time.NewTicker(statusRetention / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range m.engines {
				e.status.Cleanup(statusRetention)
			}
		}
	}
}

// Wait blocks until every instance stopped.
func (m *SyncManager) Wait() error {
	if m.group == nil {
		return nil
	}
	return m.group.Wait()
}

// Stop cancels the instances, waits for them and releases resources.
func (m *SyncManager) Stop() error {
	slog.Info("sync manager stop")
	if m.cancel != nil {
		m.cancel()
	}
	err := m.Wait()

	closed := make(map[provider.Provider]bool)
	for _, e := range m.engines {
		e.status.Close()
		for _, p := range e.providers {
			if c, ok := p.(io.Closer); ok && !closed[p] {
				closed[p] = true
				if cerr := c.Close(); cerr != nil {
					slog.Warn("close provider", "provider", p.Name(), "error", cerr)
				}
			}
		}
	}
	if c, ok := m.storage.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	m.unlock()
	return err
}

func (m *SyncManager) unlock() {
	if m.lock != nil {
		if err := m.lock.Unlock(); err != nil {
			slog.Warn("unlock", "path", m.lock.Path(), "error", err)
		}
	}
}
