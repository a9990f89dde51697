package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func info(path, hash string) *ObjectInfo {
	return &ObjectInfo{OID: path, Path: path, Hash: hash, Type: TypeFile}
}

func TestChangeLogObserve(t *testing.T) {
	cl := NewChangeLog()
	start := cl.Cursor()

	n := cl.Observe([]*ObjectInfo{info("/a", "1"), info("/b", "2")})
	assert.Equal(t, 2, n)

	// unchanged listing logs nothing
	n = cl.Observe([]*ObjectInfo{info("/a", "1"), info("/b", "2")})
	assert.Equal(t, 0, n)

	// modify a, delete b
	n = cl.Observe([]*ObjectInfo{info("/a", "3")})
	assert.Equal(t, 2, n)

	batch, err := cl.Since(start)
	require.NoError(t, err)
	require.Len(t, batch.Events, 4)
	assert.Equal(t, cl.Cursor(), batch.Cursor)

	last := batch.Events[3]
	assert.Equal(t, "/b", last.Path)
	assert.False(t, last.Exists)

	batch, err = cl.Since(batch.Cursor)
	require.NoError(t, err)
	assert.Empty(t, batch.Events)
}

func TestChangeLogPaging(t *testing.T) {
	cl := NewChangeLog()
	cl.SetPageSize(2)
	start := cl.Cursor()
	for _, p := range []string{"/a", "/b", "/c"} {
		cl.Append(EventFromInfo(info(p, "h")))
	}

	batch, err := cl.Since(start)
	require.NoError(t, err)
	assert.Len(t, batch.Events, 2)

	batch, err = cl.Since(batch.Cursor)
	require.NoError(t, err)
	assert.Len(t, batch.Events, 1)
	assert.Equal(t, "/c", batch.Events[0].Path)
}

func TestChangeLogForeignCursorReplaysSnapshot(t *testing.T) {
	cl := NewChangeLog()
	cl.Append(EventFromInfo(info("/a", "1")))
	cl.Append(EventFromInfo(info("/b", "2")))
	cl.Append(&Event{OID: "/a", Path: "/a", Type: TypeFile, Exists: false})

	batch, err := cl.Since("otherepoch:12")
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)
	assert.Equal(t, "/b", batch.Events[0].Path)
	assert.True(t, batch.Events[0].Exists)
	assert.Equal(t, cl.Cursor(), batch.Cursor)
}
