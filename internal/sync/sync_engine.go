package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/openmined/syftsync/internal/provider"
	"github.com/openmined/syftsync/internal/storage"
)

var (
	ErrTimeout     = errors.New("sync timed out")
	ErrInvalidTag  = errors.New("invalid sync tag")
	ErrNoProviders = errors.New("sync needs two providers")
)

const (
	defaultRunInterval   = time.Second
	defaultUntilInterval = 10 * time.Millisecond
)

// EngineConfig wires one sync instance.
type EngineConfig struct {
	Tag       string
	Providers [2]provider.Provider
	Roots     [2]string
	Storage   storage.Storage
	Policy    ConflictPolicy
	Ignore    *SyncIgnoreList
	Priority  *SyncPriorityList
	MaxPunts  int
}

// SyncEngine keeps one pair of provider subtrees in sync.
type SyncEngine struct {
	tag        string
	mu         sync.Mutex
	state      *SyncState
	journal    *SyncJournal
	events     [2]*EventManager
	reconciler *Reconciler
	status     *SyncStatus
	providers  [2]provider.Provider
}

// ValidTag reports whether tag can scope an instance's keys in a shared
// Storage. A tag must not nest under another instance's key prefix.
func ValidTag(tag string) bool {
	return tag != "" && !strings.ContainsAny(tag, "/ \t")
}

// NewSyncEngine builds an engine and loads its persisted rows.
func NewSyncEngine(cfg *EngineConfig) (*SyncEngine, error) {
	if !ValidTag(cfg.Tag) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTag, cfg.Tag)
	}
	if cfg.Providers[Local] == nil || cfg.Providers[Remote] == nil {
		return nil, ErrNoProviders
	}
	if cfg.Storage == nil {
		return nil, errors.New("sync needs a storage")
	}

	policy := cfg.Policy
	if policy == "" {
		policy = PreferLocal
	}
	roots := cfg.Roots
	for _, side := range sides {
		if roots[side] == "" {
			roots[side] = "/"
		}
	}

	state := NewSyncState(roots, [2]bool{
		cfg.Providers[Local].CaseSensitive(),
		cfg.Providers[Remote].CaseSensitive(),
	})
	journal := NewSyncJournal(cfg.Tag, cfg.Storage)
	if err := journal.Load(state); err != nil {
		return nil, fmt.Errorf("load %s: %w", cfg.Tag, err)
	}

	status := NewSyncStatus(cfg.Tag)
	e := &SyncEngine{
		tag:       cfg.Tag,
		state:     state,
		journal:   journal,
		status:    status,
		providers: cfg.Providers,
	}
	for _, side := range sides {
		e.events[side] = NewEventManager(side, cfg.Providers[side], state, journal,
			WithIgnoreList(cfg.Ignore),
			WithEventStatus(status),
		)
	}
	e.reconciler = NewReconciler(state, journal, cfg.Providers,
		WithConflictPolicy(policy),
		WithStatus(status),
		WithPriority(cfg.Priority),
		WithReconcileIgnore(cfg.Ignore),
		WithMaxPunts(cfg.MaxPunts),
	)

	slog.Info("sync engine", "tag", cfg.Tag,
		"local", cfg.Providers[Local].Name(), "localRoot", roots[Local],
		"remote", cfg.Providers[Remote].Name(), "remoteRoot", roots[Remote],
		"policy", policy, "rows", state.Len())
	return e, nil
}

func (e *SyncEngine) Tag() string {
	return e.tag
}

func (e *SyncEngine) State() *SyncState {
	return e.state
}

func (e *SyncEngine) Status() *SyncStatus {
	return e.status
}

func (e *SyncEngine) Journal() *SyncJournal {
	return e.journal
}

func (e *SyncEngine) EventManager(side Side) *EventManager {
	return e.events[side]
}

func (e *SyncEngine) Provider(side Side) provider.Provider {
	return e.providers[side]
}

// Do pumps both event managers and then the reconciler once.
func (e *SyncEngine) Do(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for _, em := range e.events {
		if err := em.Do(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.reconciler.Do(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DoEvents pumps only side's event manager.
func (e *SyncEngine) DoEvents(ctx context.Context, side Side) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events[side].Do(ctx)
}

// DoReconcile runs only the reconciler.
func (e *SyncEngine) DoReconcile(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reconciler.Do(ctx)
}

// Drain discards the pending events of both sides.
func (e *SyncEngine) Drain(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, em := range e.events {
		if err := em.Drain(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Clean reports whether no row awaits reconciliation.
func (e *SyncEngine) Clean() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.state.HasChanges()
}

// RunOptions controls Run.
type RunOptions struct {
	// Until stops the loop once it returns true; its error is returned as is.
	Until func() (bool, error)
	// Timeout bounds the loop; zero means no bound.
	Timeout time.Duration
	// Interval is the pause between pumps while nothing is pending.
	Interval time.Duration
	// ContinueOnError logs pump failures instead of returning them.
	ContinueOnError bool
}

// Run pumps the engine until the context ends, Until holds, the timeout
// elapses or a pump fails.
func (e *SyncEngine) Run(ctx context.Context, opts RunOptions) error {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultRunInterval
		if opts.Until != nil {
			interval = defaultUntilInterval
		}
	}
	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}

	for {
		if err := ctx.Err(); err != nil {
			if opts.Until == nil {
				return nil
			}
			return err
		}

		if err := e.Do(ctx); err != nil {
			if !opts.ContinueOnError {
				return err
			}
			slog.Warn("sync pump failed", "tag", e.tag, "error", err)
		}

		if opts.Until != nil {
			done, err := opts.Until()
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("%s: %w after %s", e.tag, ErrTimeout, opts.Timeout)
		}

		if e.Clean() {
			select {
			case <-ctx.Done():
			case <-time.After(interval):
			}
		}
	}
}

// RunUntilClean pumps until a pump leaves no row pending.
func RunUntilClean(ctx context.Context, e *SyncEngine, timeout time.Duration) error {
	return e.Run(ctx, RunOptions{
		Timeout: timeout,
		Until: func() (bool, error) {
			return e.Clean(), nil
		},
	})
}

// RunUntilFound pumps until path exists on side's provider.
func RunUntilFound(ctx context.Context, e *SyncEngine, side Side, path string, timeout time.Duration) error {
	p := e.providers[side]
	return e.Run(ctx, RunOptions{
		Timeout: timeout,
		Until: func() (bool, error) {
			if !p.Connected() {
				return false, nil
			}
			info, err := p.InfoPath(ctx, path)
			if err != nil {
				return false, err
			}
			return info != nil, nil
		},
	})
}
