package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/syftsync/internal/provider"
)

const defaultMaxPunts = 16

// Reconciler turns dirty rows into provider operations until both sides agree.
type Reconciler struct {
	tag       string
	state     *SyncState
	journal   *SyncJournal
	providers [2]provider.Provider
	policy    ConflictPolicy
	status    *SyncStatus
	priority  *SyncPriorityList
	ignore    *SyncIgnoreList
	maxPunts  int
	resolver  *ConflictResolver
}

type ReconcilerOption func(*Reconciler)

func WithConflictPolicy(policy ConflictPolicy) ReconcilerOption {
	return func(r *Reconciler) {
		r.policy = policy
	}
}

func WithStatus(status *SyncStatus) ReconcilerOption {
	return func(r *Reconciler) {
		r.status = status
	}
}

func WithPriority(priority *SyncPriorityList) ReconcilerOption {
	return func(r *Reconciler) {
		r.priority = priority
	}
}

func WithReconcileIgnore(ignore *SyncIgnoreList) ReconcilerOption {
	return func(r *Reconciler) {
		r.ignore = ignore
	}
}

func WithMaxPunts(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxPunts = n
		}
	}
}

func NewReconciler(state *SyncState, journal *SyncJournal, providers [2]provider.Provider, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		tag:       journal.Tag(),
		state:     state,
		journal:   journal,
		providers: providers,
		policy:    PreferLocal,
		maxPunts:  defaultMaxPunts,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.resolver = NewConflictResolver(r.tag, state, providers, r.policy, r.status)
	return r
}

// Do makes one pass over the dirty rows. It does nothing unless both
// providers are connected.
func (r *Reconciler) Do(ctx context.Context) error {
	for _, p := range r.providers {
		if !p.Connected() {
			return nil
		}
	}

	r.correlateRenames()

	rows := r.state.Dirty()
	for _, row := range r.state.GetAll() {
		if row.Gone() && !row.Dirty() {
			rows = append(rows, row)
		}
	}
	r.sortRows(rows)

	var errs []error
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		if r.state.Row(row.ID) != row {
			continue
		}

		err := r.reconcileRow(ctx, row)
		if err == nil {
			if row.Punts > 0 {
				row.Punts = 0
				r.state.Update(row)
			}
			continue
		}
		if errors.Is(err, provider.ErrDisconnected) {
			slog.Info("sync reconcile stopped, provider disconnected", "tag", r.tag)
			break
		}

		row.Punts++
		r.state.Update(row)
		if row.Punts == r.maxPunts {
			slog.Warn("sync row keeps failing", "tag", r.tag, "row", row.String(), "punts", row.Punts, "error", err)
		}
		if errors.Is(err, errPunt) || provider.IsTransient(err) {
			slog.Debug("sync punt", "tag", r.tag, "row", row.ID, "reason", err)
			continue
		}
		r.status.SetError(r.relPath(row), err)
		errs = append(errs, fmt.Errorf("row %d: %w", row.ID, err))
	}

	if err := r.journal.Flush(r.state, Local, ""); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// correlateRenames joins a deleted file and a new file with the same content
// on a side whose ids are paths, turning delete + create into a rename.
func (r *Reconciler) correlateRenames() {
	for _, side := range sides {
		if !r.providers[side].OIDIsPath() {
			continue
		}
		other := side.Other()

		var deleted, created []*SyncRow
		for _, row := range r.state.Dirty() {
			e := row.Entries[side]
			if e == nil || e.IsDir() {
				continue
			}
			switch {
			case !e.Exists && e.Dirty && e.Synced() && live(row.Entries[other]):
				deleted = append(deleted, row)
			case e.Exists && !e.Synced() && !e.Conflicted && row.Entries[other] == nil:
				created = append(created, row)
			}
		}
		if len(deleted) == 0 || len(created) == 0 {
			continue
		}

		taken := mapset.NewThreadUnsafeSet[uint64]()
		for _, d := range deleted {
			de := d.Entries[side]
			var candidates []*SyncRow
			for _, c := range created {
				if !taken.Contains(c.ID) && c.Entries[side].Hash == de.Hash {
					candidates = append(candidates, c)
				}
			}
			if len(candidates) > 1 {
				var named []*SyncRow
				for _, c := range candidates {
					if path.Base(c.Entries[side].Path) == path.Base(de.Path) {
						named = append(named, c)
					}
				}
				candidates = named
			}
			if len(candidates) != 1 {
				continue
			}

			c := candidates[0]
			taken.Add(c.ID)
			ce := c.Entries[side]
			ce.SyncPath = de.SyncPath
			ce.SyncHash = de.SyncHash
			c.Entries[side] = nil
			r.state.Remove(c)
			d.Entries[side] = ce
			r.state.Update(d)
			slog.Debug("sync rename detected", "tag", r.tag, "side", side, "from", de.Path, "to", ce.Path)
		}
	}
}

func (r *Reconciler) rowDepth(row *SyncRow) int {
	depth := -1
	for _, e := range row.Entries {
		if e == nil {
			continue
		}
		if d := provider.Depth(e.Path); depth < 0 || d < depth {
			depth = d
		}
	}
	return depth
}

func isDeletion(row *SyncRow) bool {
	for _, e := range row.Entries {
		if e != nil && e.Dirty && !e.Exists {
			return true
		}
	}
	return false
}

// sortRows orders priority paths first, then creations and updates from the
// top down, then deletions from the bottom up.
func (r *Reconciler) sortRows(rows []*SyncRow) {
	type key struct {
		prio  bool
		del   bool
		depth int
	}
	keys := make(map[uint64]key, len(rows))
	for _, row := range rows {
		keys[row.ID] = key{
			prio:  r.priority.ShouldPrioritize(r.relPath(row)),
			del:   isDeletion(row),
			depth: r.rowDepth(row),
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := keys[rows[i].ID], keys[rows[j].ID]
		if a.prio != b.prio {
			return a.prio
		}
		if a.del != b.del {
			return !a.del
		}
		if a.depth != b.depth {
			if a.del {
				return a.depth > b.depth
			}
			return a.depth < b.depth
		}
		return rows[i].ID < rows[j].ID
	})
}

// relPath is the root relative path a row is reported under.
func (r *Reconciler) relPath(row *SyncRow) string {
	for _, side := range sides {
		if e := row.Entries[side]; e != nil && e.Path != "" {
			if rel, ok := r.state.Relative(side, e.Path); ok {
				return rel
			}
		}
	}
	return ""
}

func (r *Reconciler) reconcileRow(ctx context.Context, row *SyncRow) error {
	if row.Conflicted() {
		for _, e := range row.Entries {
			if live(e) && e.Conflicted {
				if rel, ok := r.state.Relative(e.Side, e.Path); ok {
					r.status.SetConflicted(rel)
				}
			}
			if e != nil {
				e.Dirty = false
			}
		}
		r.state.Update(row)
		return nil
	}

	ls, rs := row.Entries[Local], row.Entries[Remote]
	switch {
	case !live(ls) && !live(rs):
		r.state.Remove(row)
		return nil
	case live(ls) && live(rs):
		return r.reconcilePair(ctx, row)
	case live(ls):
		return r.reconcileOneSided(ctx, row, Local)
	default:
		return r.reconcileOneSided(ctx, row, Remote)
	}
}

// reconcileOneSided handles a row whose object exists on src only.
func (r *Reconciler) reconcileOneSided(ctx context.Context, row *SyncRow, src Side) error {
	dst := src.Other()
	se, de := row.Entries[src], row.Entries[dst]

	if de == nil || !de.Synced() || se.Changed() {
		return r.create(ctx, row, src)
	}

	// dst deleted an object src still has unchanged
	confirmed, err := r.confirmDeleted(ctx, row, dst)
	if err != nil || !confirmed {
		return err
	}

	rel := r.relPath(row)
	r.status.SetSyncing(rel)
	if err := r.providers[src].Delete(ctx, se.OID); err != nil {
		return fmt.Errorf("delete %s %s: %w", src, se.Path, err)
	}
	slog.Info("sync", "tag", r.tag, "op", "delete", "side", src, "path", se.Path)
	r.status.SetCompleted(rel)
	r.state.Remove(row)
	return nil
}

// confirmDeleted checks that a deletion reported for side still holds.
func (r *Reconciler) confirmDeleted(ctx context.Context, row *SyncRow, side Side) (bool, error) {
	e := row.Entries[side]
	if e.OID == "" {
		return true, nil
	}
	info, err := r.providers[side].InfoOID(ctx, e.OID)
	if err != nil {
		return false, err
	}
	if info == nil {
		return true, nil
	}
	if r.state.SamePath(side, info.Path, e.Path) {
		// back at the same place: the delete was superseded
		e.updateFromInfo(info)
		e.Dirty = true
		r.state.Update(row)
		return false, nil
	}
	rel, inRoot := r.state.Relative(side, info.Path)
	if inRoot && rel != "" && !r.ignore.ShouldIgnore(rel) {
		// moved within the tree, its event has not been applied yet
		return false, errPunt
	}
	return true, nil
}

// create copies src's object to the same relative path on the other side.
func (r *Reconciler) create(ctx context.Context, row *SyncRow, src Side) error {
	dst := src.Other()
	se := row.Entries[src]
	target, ok := r.state.Translate(src, se.Path)
	if !ok {
		return fmt.Errorf("%s %s is outside the root", src, se.Path)
	}
	dp := r.providers[dst]
	rel := r.relPath(row)
	r.status.SetSyncing(rel)

	var (
		info *provider.ObjectInfo
		err  error
	)
	if se.IsDir() {
		info, err = r.mkdir(ctx, dp, target)
	} else {
		var data []byte
		data, err = download(ctx, r.providers[src], se.OID)
		if errors.Is(err, provider.ErrNotFound) {
			gone, gerr := r.sourceGone(ctx, row, src)
			if gerr != nil {
				return gerr
			}
			if gone {
				r.status.SetCompleted(rel)
				return nil
			}
		}
		if err != nil {
			return fmt.Errorf("download %s %s: %w", src, se.Path, err)
		}
		info, err = dp.Create(ctx, target, bytes.NewReader(data))
		if errors.Is(err, provider.ErrNotFound) {
			if _, err = mkdirs(ctx, dp, provider.ParentPath(target)); err == nil {
				info, err = dp.Create(ctx, target, bytes.NewReader(data))
			}
		}
	}
	if errors.Is(err, provider.ErrExists) {
		return r.occupied(ctx, row, dst, target)
	}
	if err != nil {
		return fmt.Errorf("create %s %s: %w", dst, target, err)
	}

	r.attach(row, dst, info)
	se.settle()
	row.Entries[dst].settle()
	r.state.Update(row)

	slog.Info("sync", "tag", r.tag, "op", "create", "side", dst, "path", target, "type", se.Type)
	r.status.SetCompleted(rel)
	return nil
}

func (r *Reconciler) mkdir(ctx context.Context, p provider.Provider, dir string) (*provider.ObjectInfo, error) {
	oid, err := p.Mkdir(ctx, dir)
	if errors.Is(err, provider.ErrNotFound) {
		oid, err = mkdirs(ctx, p, dir)
	}
	if err != nil {
		return nil, err
	}
	info, err := p.InfoOID(ctx, oid)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, provider.ErrNotFound)
	}
	return info, nil
}

// attach records info as row's entry on side, taking the oid over from any
// stale claim.
func (r *Reconciler) attach(row *SyncRow, side Side, info *provider.ObjectInfo) {
	if owner := r.state.LookupOID(side, info.OID); owner != nil && owner != row {
		if oe := owner.Entries[side]; oe != nil && !oe.Exists {
			oe.OID = ""
			r.state.Update(owner)
		} else if oe != nil && !oe.Synced() && !live(owner.Entries[side.Other()]) {
			// an unpaired sighting of the same object
			owner.Entries[side] = nil
			r.state.Update(owner)
			if owner.Gone() {
				r.state.Remove(owner)
			}
		}
	}

	e := row.Entries[side]
	if e == nil || e.OID != info.OID {
		e = &SyncEntry{Side: side}
	}
	e.updateFromInfo(info)
	e.Conflicted = IsConflictPath(info.Path)
	row.Entries[side] = e
	r.state.Update(row)
}

// occupied handles a create on side that found target taken.
func (r *Reconciler) occupied(ctx context.Context, row *SyncRow, side Side, target string) error {
	info, err := r.providers[side].InfoPath(ctx, target)
	if err != nil {
		return err
	}
	if info == nil {
		return errPunt
	}

	owner := r.state.LookupOID(side, info.OID)
	if owner != nil && owner != row {
		oe := owner.Entries[side]
		if live(owner.Entries[side.Other()]) || oe.Synced() || oe.Conflicted {
			if r.holdsName(ctx, owner, side, target) {
				return r.yieldName(ctx, row, side.Other())
			}
			// belongs to another pair that has yet to move away
			return errPunt
		}
	}

	// adopt it; the pair is compared on the next pass
	r.attach(row, side, info)
	e := row.Entries[side]
	e.SyncPath = ""
	e.SyncHash = ""
	e.Dirty = true
	r.state.Update(row)
	slog.Debug("sync adopted existing object", "tag", r.tag, "side", side, "path", target)
	return nil
}

// holdsName reports whether owner is a settled pair whose object on the
// other side still maps onto target. Two names folding onto one on a case
// insensitive side end up here.
func (r *Reconciler) holdsName(ctx context.Context, owner *SyncRow, side Side, target string) bool {
	oe, pe := owner.Entries[side], owner.Entries[side.Other()]
	if owner.Dirty() || oe.Conflicted || !oe.Synced() || !live(pe) || !pe.Synced() {
		return false
	}
	info, err := r.providers[pe.Side].InfoOID(ctx, pe.OID)
	if err != nil || info == nil {
		return false
	}
	mapped, ok := r.state.Translate(pe.Side, info.Path)
	return ok && r.state.SamePath(side, mapped, target)
}

// yieldName sets src's object of row aside as the conflict loser against a
// settled pair holding its name on the other side.
func (r *Reconciler) yieldName(ctx context.Context, row *SyncRow, src Side) error {
	se := row.Entries[src]
	blocked := se.Path
	rel := r.relPath(row)
	if err := r.resolver.setAside(ctx, src, se); err != nil {
		return err
	}
	r.status.SetCompleted(rel)
	row.Entries[src] = nil
	r.state.Update(row)
	if row.Gone() {
		r.state.Remove(row)
	}
	slog.Info("sync conflict", "tag", r.tag, "side", src, "blocked", blocked, "artifact", se.Path)
	return nil
}

func (r *Reconciler) reconcilePair(ctx context.Context, row *SyncRow) error {
	ls, rs := row.Entries[Local], row.Entries[Remote]
	rel := r.relPath(row)

	if ls.IsDir() != rs.IsDir() {
		return r.resolveTypeClash(ctx, row)
	}

	if !ls.IsDir() {
		conflict := ls.Hash != rs.Hash &&
			(!ls.Synced() || !rs.Synced() || (ls.ContentChanged() && rs.ContentChanged()))
		if conflict {
			r.status.SetSyncing(rel)
			if err := r.resolver.Resolve(ctx, row); err != nil {
				return err
			}
			return nil
		}
	}

	if err := r.alignPaths(ctx, row); err != nil {
		return err
	}
	if !live(row.Entries[Local]) || !live(row.Entries[Remote]) {
		// an object vanished underneath us
		return nil
	}

	if !ls.IsDir() && ls.Synced() && rs.Synced() {
		switch lc, rc := ls.ContentChanged(), rs.ContentChanged(); {
		case lc && !rc:
			if err := r.upload(ctx, row, Local); err != nil {
				return err
			}
		case rc && !lc:
			if err := r.upload(ctx, row, Remote); err != nil {
				return err
			}
		}
	}

	ls, rs = row.Entries[Local], row.Entries[Remote]
	if !live(ls) || !live(rs) {
		return nil
	}
	ls.settle()
	rs.settle()
	r.state.Update(row)
	r.status.SetCompleted(r.relPath(row))
	return nil
}

// alignPaths renames one side so both entries sit at the same relative path.
func (r *Reconciler) alignPaths(ctx context.Context, row *SyncRow) error {
	ls, rs := row.Entries[Local], row.Entries[Remote]
	want, ok := r.state.Translate(Local, ls.Path)
	if !ok || want == rs.Path {
		return nil
	}

	var winner Side
	switch lm, rm := ls.Moved(), rs.Moved(); {
	case lm && !rm:
		winner = Local
	case rm && !lm:
		winner = Remote
	default:
		winner = r.policy.Winner(row)
	}
	loser := winner.Other()
	target, ok := r.state.Translate(winner, row.Entries[winner].Path)
	if !ok {
		return fmt.Errorf("%s %s is outside the root", winner, row.Entries[winner].Path)
	}
	return r.rename(ctx, row, loser, target, true)
}

// rename moves side's object of row to target.
func (r *Reconciler) rename(ctx context.Context, row *SyncRow, side Side, target string, retry bool) error {
	e := row.Entries[side]
	p := r.providers[side]
	rel := r.relPath(row)
	r.status.SetSyncing(rel)

	oid, err := p.Rename(ctx, e.OID, target)
	if errors.Is(err, provider.ErrNotFound) {
		gone, gerr := r.sourceGone(ctx, row, side)
		if gerr != nil {
			return gerr
		}
		if gone {
			return nil
		}
		if _, err = mkdirs(ctx, p, provider.ParentPath(target)); err == nil {
			oid, err = p.Rename(ctx, e.OID, target)
		}
	}
	if errors.Is(err, provider.ErrExists) && retry {
		return r.renameOccupied(ctx, row, side, target)
	}
	if err != nil {
		return fmt.Errorf("rename %s %s: %w", side, e.Path, err)
	}

	r.moved(row, side, oid, target)
	slog.Info("sync", "tag", r.tag, "op", "rename", "side", side, "path", target)
	return nil
}

// sourceGone checks side's object of row after an operation reported it
// missing. A vanished object is recorded as deleted so the row settles on a
// later pass even if its delete event never arrives.
func (r *Reconciler) sourceGone(ctx context.Context, row *SyncRow, side Side) (bool, error) {
	e := row.Entries[side]
	info, err := r.providers[side].InfoOID(ctx, e.OID)
	if err != nil {
		return false, err
	}
	if info != nil {
		return false, nil
	}
	e.Exists = false
	e.Dirty = true
	r.state.Update(row)
	slog.Debug("sync source vanished", "tag", r.tag, "side", side, "path", e.Path)
	return true, nil
}

// moved records that side's object of row now lives at target.
func (r *Reconciler) moved(row *SyncRow, side Side, oid, target string) {
	e := row.Entries[side]
	old := e.Path
	e.OID = oid
	e.Path = target
	r.state.Update(row)
	if e.IsDir() {
		r.moveDescendants(side, old, target)
	}
}

// moveDescendants follows a directory rename on side through the rows below it.
func (r *Reconciler) moveDescendants(side Side, oldDir, newDir string) {
	cs := r.state.CaseSensitive(side)
	oidIsPath := r.providers[side].OIDIsPath()
	for _, d := range r.state.Descendants(side, oldDir) {
		de := d.Entries[side]
		moved, ok := provider.ReplacePrefix(de.Path, oldDir, newDir, cs)
		if !ok {
			continue
		}
		de.Path = moved
		if oidIsPath && de.OID != "" {
			de.OID = moved
		}

		oe := d.Entries[side.Other()]
		if oe != nil && de.Synced() && oe.Synced() {
			if want, ok := r.state.Translate(side, de.Path); ok && want == oe.Path {
				de.SyncPath = de.Path
				oe.SyncPath = oe.Path
			}
		}
		r.state.Update(d)
	}
}

// renameOccupied handles a rename on side whose target is taken.
func (r *Reconciler) renameOccupied(ctx context.Context, row *SyncRow, side Side, target string) error {
	p := r.providers[side]
	info, err := p.InfoPath(ctx, target)
	if err != nil {
		return err
	}
	if info == nil {
		return errPunt
	}
	e := row.Entries[side]

	owner := r.state.LookupOID(side, info.OID)
	if owner == row {
		return errPunt
	}

	if owner == nil || (!live(owner.Entries[side.Other()]) && !owner.Entries[side].Synced() && !owner.Entries[side].Conflicted) {
		if info.IsDir() && !e.IsDir() {
			return fmt.Errorf("rename %s %s onto directory %s: %w", side, e.Path, target, errPunt)
		}
		// a newcomer took the name
		if err := r.resolver.MoveAside(ctx, side, info, owner); err != nil {
			return err
		}
		return r.rename(ctx, row, side, target, false)
	}

	if owner.Dirty() && !isParked(e.Path) {
		// step aside so the occupant can move out, possibly into our old name
		parked := parkPath(target, row.ID)
		oid, err := p.Rename(ctx, e.OID, parked)
		if err != nil {
			return fmt.Errorf("park %s %s: %w", side, e.Path, err)
		}
		r.moved(row, side, oid, parked)
		e.SyncPath = parked
		r.state.Update(row)
		slog.Debug("sync parked", "tag", r.tag, "side", side, "path", parked)
	}
	return errPunt
}

// upload copies src's content over the other side's object.
func (r *Reconciler) upload(ctx context.Context, row *SyncRow, src Side) error {
	dst := src.Other()
	se, de := row.Entries[src], row.Entries[dst]

	data, err := download(ctx, r.providers[src], se.OID)
	if errors.Is(err, provider.ErrNotFound) {
		gone, gerr := r.sourceGone(ctx, row, src)
		if gerr != nil {
			return gerr
		}
		if gone {
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("download %s %s: %w", src, se.Path, err)
	}
	info, err := r.providers[dst].Upload(ctx, de.OID, bytes.NewReader(data))
	if errors.Is(err, provider.ErrNotFound) {
		de.Exists = false
		de.Dirty = true
		r.state.Update(row)
		return nil
	}
	if err != nil {
		return fmt.Errorf("upload %s %s: %w", dst, de.Path, err)
	}
	de.updateFromInfo(info)
	r.state.Update(row)
	slog.Info("sync", "tag", r.tag, "op", "upload", "side", dst, "path", de.Path, "size", info.Size)
	return nil
}

// resolveTypeClash settles a row holding a directory on one side and a file
// on the other. The directory wins.
func (r *Reconciler) resolveTypeClash(ctx context.Context, row *SyncRow) error {
	fileSide := Local
	if row.Entries[Local].IsDir() {
		fileSide = Remote
	}
	dirSide := fileSide.Other()
	fe, de := row.Entries[fileSide], row.Entries[dirSide]

	if de.Synced() && fe.Synced() && !fe.ContentChanged() && !fe.Moved() {
		// the synced file was replaced by a directory
		if err := r.providers[fileSide].Delete(ctx, fe.OID); err != nil {
			return fmt.Errorf("delete %s %s: %w", fileSide, fe.Path, err)
		}
		slog.Info("sync", "tag", r.tag, "op", "delete", "side", fileSide, "path", fe.Path)
	} else {
		if err := r.resolver.setAside(ctx, fileSide, fe); err != nil {
			return err
		}
	}

	row.Entries[fileSide] = nil
	de.SyncPath = ""
	de.SyncHash = ""
	de.Dirty = true
	r.state.Update(row)
	return nil
}
