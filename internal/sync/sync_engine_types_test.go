package sync

import (
	"testing"

	"github.com/openmined/syftsync/internal/provider"
	"github.com/stretchr/testify/assert"
)

func TestSyncEntry_ChangeFlags(t *testing.T) {
	tests := []struct {
		name      string
		entry     SyncEntry
		synced    bool
		moved     bool
		content   bool
		changed   bool
		tombstone bool
	}{
		{
			name:    "never synced",
			entry:   SyncEntry{Path: "/a", Hash: "h1", Type: provider.TypeFile, Exists: true},
			changed: true,
			content: true,
		},
		{
			name:   "settled",
			entry:  SyncEntry{Path: "/a", Hash: "h1", Type: provider.TypeFile, Exists: true, SyncPath: "/a", SyncHash: "h1"},
			synced: true,
		},
		{
			name:    "renamed",
			entry:   SyncEntry{Path: "/b", Hash: "h1", Type: provider.TypeFile, Exists: true, SyncPath: "/a", SyncHash: "h1"},
			synced:  true,
			moved:   true,
			changed: true,
		},
		{
			name:    "modified",
			entry:   SyncEntry{Path: "/a", Hash: "h2", Type: provider.TypeFile, Exists: true, SyncPath: "/a", SyncHash: "h1"},
			synced:  true,
			content: true,
			changed: true,
		},
		{
			name:      "deleted",
			entry:     SyncEntry{Path: "/a", Hash: "h1", Type: provider.TypeFile, SyncPath: "/a", SyncHash: "h1"},
			synced:    true,
			changed:   true,
			tombstone: true,
		},
		{
			name:   "directory ignores hash",
			entry:  SyncEntry{Path: "/d", Type: provider.TypeDirectory, Exists: true, SyncPath: "/d"},
			synced: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := tt.entry
			assert.Equal(t, tt.synced, e.Synced(), "synced")
			assert.Equal(t, tt.moved, e.Moved(), "moved")
			assert.Equal(t, tt.content, e.ContentChanged(), "content")
			assert.Equal(t, tt.changed, e.Changed(), "changed")
			assert.Equal(t, tt.tombstone, e.Tombstone(), "tombstone")
		})
	}
}

func TestSyncEntry_Settle(t *testing.T) {
	e := &SyncEntry{Path: "/x", Hash: "abc", Type: provider.TypeFile, Exists: true, Dirty: true}
	e.settle()
	assert.Equal(t, "/x", e.SyncPath)
	assert.Equal(t, "abc", e.SyncHash)
	assert.False(t, e.Dirty)
	assert.False(t, e.Changed())
}

func TestSyncRow_Flags(t *testing.T) {
	row := &SyncRow{ID: 7}
	assert.True(t, row.Gone())
	assert.False(t, row.Dirty())

	row.Entries[Local] = &SyncEntry{Side: Local, Path: "/a.conflicted", Exists: true, Conflicted: true}
	assert.True(t, row.Present(Local))
	assert.False(t, row.Present(Remote))
	assert.True(t, row.Conflicted())
	assert.False(t, row.Gone())

	row.Entries[Remote] = &SyncEntry{Side: Remote, Path: "/a", Dirty: true}
	assert.True(t, row.Dirty())
	assert.Contains(t, row.String(), "row 7")
}

func TestSide(t *testing.T) {
	assert.Equal(t, Remote, Local.Other())
	assert.Equal(t, Local, Remote.Other())
	assert.Equal(t, "local", Local.String())
	assert.Equal(t, "remote", Remote.String())
}

func TestConflictPaths(t *testing.T) {
	assert.Equal(t, "/a/b.txt.conflicted", ConflictPath("/a/b.txt", 0))
	assert.Equal(t, "/a/b.txt.conflicted.3", ConflictPath("/a/b.txt", 3))

	for path, want := range map[string]bool{
		"/a/b.txt.conflicted":    true,
		"/a/b.txt.conflicted.12": true,
		"/a/b.txt":               false,
		"/a/b.conflicted.txt":    false,
		"/a/b.txt.conflicted.x":  false,
		"notes.conflicted":       true,
	} {
		assert.Equal(t, want, IsConflictPath(path), path)
	}
}
