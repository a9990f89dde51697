package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openmined/syftsync/internal/provider"
)

const maxPagesPerPump = 64

// EventManager feeds one provider's change events into the sync table.
type EventManager struct {
	tag      string
	side     Side
	provider provider.Provider
	state    *SyncState
	journal  *SyncJournal
	ignore   *SyncIgnoreList
	status   *SyncStatus

	cursor     string
	loaded     bool
	generation uint64
}

type EventManagerOption func(*EventManager)

func WithIgnoreList(ignore *SyncIgnoreList) EventManagerOption {
	return func(em *EventManager) {
		em.ignore = ignore
	}
}

func WithEventStatus(status *SyncStatus) EventManagerOption {
	return func(em *EventManager) {
		em.status = status
	}
}

func NewEventManager(side Side, p provider.Provider, state *SyncState, journal *SyncJournal, opts ...EventManagerOption) *EventManager {
	em := &EventManager{
		tag:      journal.Tag(),
		side:     side,
		provider: p,
		state:    state,
		journal:  journal,
	}
	for _, opt := range opts {
		opt(em)
	}
	return em
}

func (em *EventManager) Side() Side {
	return em.side
}

func (em *EventManager) Provider() provider.Provider {
	return em.provider
}

// Cursor is the position of the last applied event.
func (em *EventManager) Cursor() string {
	return em.cursor
}

func (em *EventManager) load() error {
	if em.loaded {
		return nil
	}
	cursor, err := em.journal.Cursor(em.side)
	if err != nil {
		return err
	}
	em.cursor = cursor
	em.loaded = true
	return nil
}

// Do applies the pending events, a bounded number of pages at a time. The
// first call for a new instance walks the root instead. It does nothing while
// the provider is disconnected.
func (em *EventManager) Do(ctx context.Context) error {
	if !em.provider.Connected() {
		return nil
	}
	if err := em.load(); err != nil {
		return err
	}
	if em.cursor == "" {
		return em.walk(ctx)
	}

	for range maxPagesPerPump {
		n, err := em.page(ctx)
		if err != nil || n == 0 {
			return err
		}
	}
	return nil
}

func (em *EventManager) page(ctx context.Context) (int, error) {
	batch, err := em.provider.Events(ctx, em.cursor)
	if err != nil {
		if errors.Is(err, provider.ErrDisconnected) {
			return 0, nil
		}
		return 0, fmt.Errorf("%s events: %w", em.side, err)
	}

	for _, ev := range batch.Events {
		em.apply(ev)
	}
	cursor := batch.Cursor
	if cursor == "" {
		cursor = em.cursor
	}
	if len(batch.Events) > 0 {
		slog.Debug("sync events", "tag", em.tag, "side", em.side, "count", len(batch.Events), "cursor", cursor)
	}
	if err := em.journal.Flush(em.state, em.side, cursor); err != nil {
		return 0, err
	}
	em.cursor = cursor
	return len(batch.Events), nil
}

// walk ingests everything under the root and starts the event stream at the
// position taken before the walk.
func (em *EventManager) walk(ctx context.Context) error {
	cursor, err := em.provider.LatestCursor(ctx)
	if err != nil {
		if errors.Is(err, provider.ErrDisconnected) {
			return nil
		}
		return fmt.Errorf("%s latest cursor: %w", em.side, err)
	}

	root := em.state.Root(em.side)
	info, err := em.provider.InfoPath(ctx, root)
	if err == nil && info == nil {
		if _, err = mkdirs(ctx, em.provider, root); err == nil {
			info, err = em.provider.InfoPath(ctx, root)
		}
	}
	if err != nil {
		if errors.Is(err, provider.ErrDisconnected) {
			return nil
		}
		return fmt.Errorf("%s root %s: %w", em.side, root, err)
	}
	if info == nil || !info.IsDir() {
		return fmt.Errorf("%s root %s is not a directory", em.side, root)
	}

	count := 0
	queue := []*provider.ObjectInfo{info}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		children, err := em.provider.Listdir(ctx, dir.OID)
		if err != nil {
			if errors.Is(err, provider.ErrDisconnected) {
				return nil
			}
			return fmt.Errorf("%s list %s: %w", em.side, dir.Path, err)
		}
		for _, child := range children {
			if rel, ok := em.state.Relative(em.side, child.Path); !ok || em.ignore.ShouldIgnore(rel) {
				continue
			}
			em.apply(provider.EventFromInfo(child))
			count++
			if child.IsDir() {
				queue = append(queue, child)
			}
		}
	}

	slog.Info("sync walk", "tag", em.tag, "side", em.side, "root", root, "objects", count)
	if err := em.journal.Flush(em.state, em.side, cursor); err != nil {
		return err
	}
	em.cursor = cursor
	return nil
}

// Drain moves the cursor past every pending event without applying them.
func (em *EventManager) Drain(ctx context.Context) error {
	if !em.provider.Connected() {
		return nil
	}
	if err := em.load(); err != nil {
		return err
	}
	if em.cursor == "" {
		cursor, err := em.provider.LatestCursor(ctx)
		if err != nil {
			return fmt.Errorf("%s latest cursor: %w", em.side, err)
		}
		em.cursor = cursor
		return em.journal.Flush(em.state, em.side, cursor)
	}

	for {
		batch, err := em.provider.Events(ctx, em.cursor)
		if err != nil {
			return fmt.Errorf("%s events: %w", em.side, err)
		}
		if batch.Cursor != "" {
			em.cursor = batch.Cursor
		}
		if len(batch.Events) == 0 {
			break
		}
	}
	return em.journal.Flush(em.state, em.side, em.cursor)
}

func (em *EventManager) apply(ev *provider.Event) {
	em.generation++
	side := em.side

	row := em.state.LookupOID(side, ev.OID)
	path := ev.Path
	if path == "" {
		if row == nil {
			return
		}
		path = row.Entries[side].Path
	}
	path = provider.CleanPath(path)
	exists := ev.Exists

	rel, inRoot := em.state.Relative(side, path)
	if inRoot && rel == "" {
		return
	}
	if !inRoot || em.ignore.ShouldIgnore(rel) {
		// left the synced tree: a deletion at the last known path
		if row == nil || !row.Entries[side].Exists {
			return
		}
		path = row.Entries[side].Path
		exists = false
	}

	if row == nil {
		if !exists {
			return
		}
		row = em.rowForPath(path)
	}

	e := row.Entries[side]
	if e == nil {
		e = &SyncEntry{Side: side}
		row.Entries[side] = e
	}
	prevPath := e.Path
	wasDir := e.Exists && e.IsDir()
	wasConflicted := e.Conflicted

	changed := e.OID != ev.OID || e.Path != path || e.Exists != exists
	if exists && (e.Hash != ev.Hash || e.Type != ev.Type) {
		changed = true
	}

	e.OID = ev.OID
	e.Path = path
	e.Exists = exists
	if exists {
		e.Hash = ev.Hash
		e.Type = ev.Type
		e.Size = ev.Size
		e.MTime = ev.MTime
	}
	e.Generation = em.generation
	e.Conflicted = IsConflictPath(path)
	if changed {
		e.Dirty = true
		row.Punts = 0
	}
	em.state.Update(row)

	if wasConflicted && (!e.Conflicted || !exists) {
		if prevRel, ok := em.state.Relative(side, prevPath); ok {
			em.status.ClearConflicted(prevRel)
		}
	}
	if e.Conflicted && exists && !wasConflicted && row.Entries[side.Other()] != nil {
		em.detach(row, prevPath)
		return
	}

	if wasDir && exists && e.IsDir() && prevPath != "" && prevPath != path && !em.provider.OIDIsPath() {
		em.moveDescendants(prevPath, path)
	}
}

// rowForPath finds the row an object newly seen at path belongs to.
func (em *EventManager) rowForPath(path string) *SyncRow {
	side := em.side

	// a deleted entry at the same place is replaced, cancelling its delete
	for _, r := range em.state.LookupPath(side, path) {
		if e := r.Entries[side]; e != nil && !e.Exists {
			return r
		}
	}

	// an unpaired object already seen at the same place on the other side
	if !IsConflictPath(path) {
		if other, ok := em.state.Translate(side, path); ok {
			for _, r := range em.state.LookupPath(side.Other(), other) {
				oe := r.Entries[side.Other()]
				if r.Entries[side] == nil && oe != nil && oe.Exists && !oe.Conflicted {
					return r
				}
			}
		}
	}

	return em.state.NewRow()
}

// detach moves a synced entry that was renamed into a conflict artifact into
// a row of its own, leaving a deletion behind at its previous path.
func (em *EventManager) detach(row *SyncRow, prevPath string) {
	side := em.side
	e := row.Entries[side]

	tombstone := &SyncEntry{
		Side:       side,
		Path:       prevPath,
		Type:       e.Type,
		Hash:       e.SyncHash,
		Generation: e.Generation,
		Dirty:      true,
		SyncPath:   e.SyncPath,
		SyncHash:   e.SyncHash,
	}
	row.Entries[side] = tombstone
	if !tombstone.Synced() {
		row.Entries[side] = nil
	}
	em.state.Update(row)

	e.SyncPath = ""
	e.SyncHash = ""
	artifact := em.state.NewRow()
	artifact.Entries[side] = e
	em.state.Update(artifact)
}

func (em *EventManager) moveDescendants(oldDir, newDir string) {
	side := em.side
	cs := em.state.CaseSensitive(side)
	for _, d := range em.state.Descendants(side, oldDir) {
		de := d.Entries[side]
		if moved, ok := provider.ReplacePrefix(de.Path, oldDir, newDir, cs); ok {
			de.Path = moved
			em.state.Update(d)
		}
	}
}
