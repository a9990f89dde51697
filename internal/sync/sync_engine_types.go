package sync

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/openmined/syftsync/internal/provider"
)

// Side indexes the two providers a sync instance pairs.
type Side int

const (
	Local  Side = 0
	Remote Side = 1
)

var sides = [2]Side{Local, Remote}

func (s Side) Other() Side {
	return 1 - s
}

func (s Side) String() string {
	switch s {
	case Local:
		return "local"
	case Remote:
		return "remote"
	}
	return "side(" + strconv.Itoa(int(s)) + ")"
}

// SyncEntry is what the engine knows about one object on one side.
// SyncPath and SyncHash are the values at the last settle; an empty SyncPath
// means the entry was never synced.
type SyncEntry struct {
	Side       Side                `json:"side"`
	OID        string              `json:"oid"`
	Path       string              `json:"path"`
	Hash       string              `json:"hash,omitempty"`
	Type       provider.ObjectType `json:"type"`
	Exists     bool                `json:"exists"`
	MTime      time.Time           `json:"mtime"`
	Size       int64               `json:"size"`
	Generation uint64              `json:"generation"`
	Dirty      bool                `json:"dirty"`
	Conflicted bool                `json:"conflicted"`
	SyncPath   string              `json:"sync_path,omitempty"`
	SyncHash   string              `json:"sync_hash,omitempty"`
}

func (e *SyncEntry) IsDir() bool {
	return e.Type == provider.TypeDirectory
}

// Synced reports whether the entry ever settled with its counterpart.
func (e *SyncEntry) Synced() bool {
	return e.SyncPath != ""
}

// Moved reports a path change since the last settle.
func (e *SyncEntry) Moved() bool {
	return e.Synced() && e.Path != e.SyncPath
}

// ContentChanged reports a content change since the last settle.
func (e *SyncEntry) ContentChanged() bool {
	return !e.IsDir() && e.Hash != e.SyncHash
}

// Changed is true when the entry was deleted, moved or modified since the
// last settle, or never settled at all.
func (e *SyncEntry) Changed() bool {
	return !e.Exists || !e.Synced() || e.Moved() || e.ContentChanged()
}

// Tombstone is an entry that was synced and has since been deleted.
func (e *SyncEntry) Tombstone() bool {
	return !e.Exists && e.Synced()
}

func (e *SyncEntry) settle() {
	e.SyncPath = e.Path
	e.SyncHash = e.Hash
	e.Dirty = false
}

func (e *SyncEntry) updateFromInfo(info *provider.ObjectInfo) {
	e.OID = info.OID
	e.Path = info.Path
	e.Hash = info.Hash
	e.Type = info.Type
	e.Size = info.Size
	e.MTime = info.MTime
	e.Exists = true
}

func (e *SyncEntry) String() string {
	state := "present"
	if !e.Exists {
		state = "deleted"
	}
	return fmt.Sprintf("%s:%s %s %s", e.Side, e.Path, e.Type, state)
}

func entryFromInfo(side Side, info *provider.ObjectInfo) *SyncEntry {
	e := &SyncEntry{Side: side}
	e.updateFromInfo(info)
	e.Conflicted = IsConflictPath(info.Path)
	return e
}

// SyncRow pairs at most one entry per side for the same logical object.
type SyncRow struct {
	ID      uint64        `json:"id"`
	Entries [2]*SyncEntry `json:"entries"`
	Punts   int           `json:"punts"`

	// keys this row is currently indexed under, per side
	indexedOID  [2]string
	indexedPath [2]string
}

// Entry returns the entry for side, possibly nil.
func (r *SyncRow) Entry(side Side) *SyncEntry {
	return r.Entries[side]
}

// Present reports whether side has an existing object.
func (r *SyncRow) Present(side Side) bool {
	e := r.Entries[side]
	return e != nil && e.Exists
}

// Dirty reports whether any entry awaits reconciliation.
func (r *SyncRow) Dirty() bool {
	for _, e := range r.Entries {
		if e != nil && e.Dirty {
			return true
		}
	}
	return false
}

// Conflicted reports whether any present entry is a conflict artifact.
func (r *SyncRow) Conflicted() bool {
	for _, e := range r.Entries {
		if e != nil && e.Exists && e.Conflicted {
			return true
		}
	}
	return false
}

// Gone reports whether no side has anything left that needs keeping.
func (r *SyncRow) Gone() bool {
	for _, e := range r.Entries {
		if e != nil && e.Exists {
			return false
		}
	}
	return true
}

func (r *SyncRow) String() string {
	return fmt.Sprintf("row %d [%v | %v]", r.ID, r.Entries[Local], r.Entries[Remote])
}

const conflictSuffix = ".conflicted"

var conflictPathRe = regexp.MustCompile(`\.conflicted(\.\d+)?$`)

// IsConflictPath reports whether path names a conflict artifact.
func IsConflictPath(path string) bool {
	return conflictPathRe.MatchString(path)
}

// ConflictPath is the n-th candidate name for the loser of a conflict at path.
func ConflictPath(path string, n int) string {
	if n == 0 {
		return path + conflictSuffix
	}
	return fmt.Sprintf("%s%s.%d", path, conflictSuffix, n)
}
