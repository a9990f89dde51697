package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openmined/syftsync/internal/provider"
)

// ConflictPolicy picks which side keeps the original name when both sides
// changed the same object.
type ConflictPolicy string

const (
	PreferLocal  ConflictPolicy = "prefer-local"
	PreferRemote ConflictPolicy = "prefer-remote"
	PreferNewest ConflictPolicy = "prefer-newest"
)

var ErrInvalidPolicy = errors.New("invalid conflict policy")

func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch p := ConflictPolicy(s); p {
	case PreferLocal, PreferRemote, PreferNewest:
		return p, nil
	case "":
		return PreferLocal, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
}

// Winner returns the side whose version survives under its original name.
func (p ConflictPolicy) Winner(row *SyncRow) Side {
	switch p {
	case PreferRemote:
		return Remote
	case PreferNewest:
		l, r := row.Entries[Local], row.Entries[Remote]
		if l != nil && r != nil && r.MTime.After(l.MTime) {
			return Remote
		}
	}
	return Local
}

// most candidate names tried before giving up on a conflict
const maxConflictNames = 100

// ConflictResolver renames losing objects aside and records them as
// conflict artifacts that are never propagated.
type ConflictResolver struct {
	tag       string
	state     *SyncState
	providers [2]provider.Provider
	policy    ConflictPolicy
	status    *SyncStatus
}

func NewConflictResolver(tag string, state *SyncState, providers [2]provider.Provider, policy ConflictPolicy, status *SyncStatus) *ConflictResolver {
	return &ConflictResolver{tag: tag, state: state, providers: providers, policy: policy, status: status}
}

// Resolve settles a row whose sides hold different content that cannot be
// merged. The loser is renamed aside; the winner is recreated on the losing
// side by a later pump.
func (c *ConflictResolver) Resolve(ctx context.Context, row *SyncRow) error {
	winner := c.policy.Winner(row)
	loser := winner.Other()
	le := row.Entries[loser]
	original := le.Path

	if err := c.setAside(ctx, loser, le); err != nil {
		return err
	}

	row.Entries[loser] = nil
	if we := row.Entries[winner]; we != nil {
		we.Dirty = true
	}
	c.state.Update(row)

	slog.Info("sync conflict", "tag", c.tag, "path", original, "winner", winner, "artifact", le.Path)
	return nil
}

// MoveAside renames an object that blocks a name on side. owner is the row
// holding it, if any.
func (c *ConflictResolver) MoveAside(ctx context.Context, side Side, info *provider.ObjectInfo, owner *SyncRow) error {
	e := entryFromInfo(side, info)
	if owner != nil && owner.Entries[side] != nil {
		e = owner.Entries[side]
	}
	if err := c.setAside(ctx, side, e); err != nil {
		return err
	}
	if owner != nil {
		owner.Entries[side] = nil
		c.state.Update(owner)
		if owner.Gone() {
			c.state.Remove(owner)
		}
	}
	slog.Info("sync conflict", "tag", c.tag, "side", side, "blocked", info.Path, "artifact", e.Path)
	return nil
}

// setAside renames e's object to the first free conflict name and records
// it in a row of its own. e is updated in place.
func (c *ConflictResolver) setAside(ctx context.Context, side Side, e *SyncEntry) error {
	p := c.providers[side]
	original := e.Path

	var (
		target string
		oid    string
		err    error
	)
	for n := 0; n < maxConflictNames; n++ {
		target = ConflictPath(original, n)
		oid, err = p.Rename(ctx, e.OID, target)
		if !errors.Is(err, provider.ErrExists) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("set aside %s: %w", original, err)
	}

	artifact := &SyncEntry{
		Side:       side,
		OID:        oid,
		Path:       target,
		Hash:       e.Hash,
		Type:       e.Type,
		Exists:     true,
		MTime:      e.MTime,
		Size:       e.Size,
		Generation: e.Generation,
		Conflicted: true,
	}
	row := c.state.NewRow()
	row.Entries[side] = artifact
	c.state.Update(row)

	// the caller's view follows the object to its new name
	e.OID = oid
	e.Path = target

	if rel, ok := c.state.Relative(side, target); ok {
		c.status.SetConflicted(rel)
	}
	return nil
}
