package sync

import (
	"testing"

	"github.com/openmined/syftsync/internal/provider"
	"github.com/openmined/syftsync/internal/provider/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localRow(t *testing.T, env *testEnv, path string) *SyncRow {
	t.Helper()
	info, err := env.local.InfoPath(t.Context(), path)
	require.NoError(t, err)
	require.NotNil(t, info, path)
	row := env.engine.State().LookupOID(Local, info.OID)
	require.NotNil(t, row, path)
	return row
}

func TestEventManager_WalkThenEvents(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	mkdir(t, env.local, "/d")
	writeFile(t, env.local, "/d/a.txt", "a")

	em := env.engine.EventManager(Local)
	assert.Empty(t, em.Cursor())
	require.NoError(t, em.Do(t.Context()))
	walked := em.Cursor()
	assert.NotEmpty(t, walked)
	assert.Equal(t, 2, env.engine.State().Len())

	writeFile(t, env.local, "/d/b.txt", "b")
	require.NoError(t, em.Do(t.Context()))
	assert.NotEqual(t, walked, em.Cursor())
	assert.Equal(t, 3, env.engine.State().Len())

	stored, err := env.engine.Journal().Cursor(Local)
	require.NoError(t, err)
	assert.Equal(t, em.Cursor(), stored)
}

func TestEventManager_WalkCreatesMissingRoot(t *testing.T) {
	env := newTestEnv(t, nil, nil, func(cfg *EngineConfig) {
		cfg.Roots = [2]string{"/a/b", "/"}
	})
	require.NoError(t, env.engine.DoEvents(t.Context(), Local))
	assert.True(t, isDir(t, env.local, "/a/b"))
	assert.Zero(t, env.engine.State().Len())
}

func TestEventManager_EchoesAreNotDirty(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	writeFile(t, env.local, "/e.txt", "e")
	env.sync(t)

	row := localRow(t, env, "/e.txt")
	require.False(t, row.Dirty())

	info, err := env.local.InfoPath(t.Context(), "/e.txt")
	require.NoError(t, err)
	em := env.engine.EventManager(Local)
	em.apply(provider.EventFromInfo(info))
	assert.False(t, row.Dirty(), "replaying a known state changes nothing")

	writeFile(t, env.local, "/e.txt", "changed")
	info, err = env.local.InfoPath(t.Context(), "/e.txt")
	require.NoError(t, err)
	em.apply(provider.EventFromInfo(info))
	assert.True(t, row.Entries[Local].Dirty)
	assert.True(t, row.Entries[Local].ContentChanged())
}

func TestEventManager_UnknownDeleteIsDropped(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	require.NoError(t, env.engine.DoEvents(t.Context(), Local))

	env.engine.EventManager(Local).apply(&provider.Event{OID: "nobody", Path: "/ghost", Exists: false})
	assert.Zero(t, env.engine.State().Len())
}

func TestEventManager_LeavingRootIsADelete(t *testing.T) {
	env := newTestEnv(t, nil, nil, func(cfg *EngineConfig) {
		cfg.Roots = [2]string{"/in", "/"}
	})
	mkdir(t, env.local, "/in")
	mkdir(t, env.local, "/out")
	writeFile(t, env.local, "/in/f.txt", "f")
	env.sync(t)
	require.True(t, exists(t, env.remote, "/f.txt"))

	row := localRow(t, env, "/in/f.txt")
	rename(t, env.local, "/in/f.txt", "/out/f.txt")
	require.NoError(t, env.engine.DoEvents(t.Context(), Local))
	e := row.Entries[Local]
	assert.False(t, e.Exists)
	assert.Equal(t, "/in/f.txt", e.Path)

	env.sync(t)
	assert.False(t, exists(t, env.remote, "/f.txt"))
	assert.True(t, exists(t, env.local, "/out/f.txt"))
}

func TestEventManager_RenameIntoConflictNameDetaches(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	writeFile(t, env.local, "/f.txt", "f")
	env.sync(t)
	row := localRow(t, env, "/f.txt")

	rename(t, env.local, "/f.txt", "/f.txt.conflicted")
	require.NoError(t, env.engine.DoEvents(t.Context(), Local))

	assert.True(t, row.Entries[Local].Tombstone())
	artifact := localRow(t, env, "/f.txt.conflicted")
	assert.NotEqual(t, row.ID, artifact.ID)
	assert.True(t, artifact.Conflicted())
	assert.Nil(t, artifact.Entries[Remote])

	env.sync(t)
	assert.False(t, exists(t, env.remote, "/f.txt"))
	assert.False(t, exists(t, env.remote, "/f.txt.conflicted"))
}

func TestEventManager_DirectoryRenameMovesDescendants(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	mkdir(t, env.local, "/d")
	mkdir(t, env.local, "/d/s")
	writeFile(t, env.local, "/d/s/f.txt", "f")
	env.sync(t)
	file := localRow(t, env, "/d/s/f.txt")

	// apply only the directory event to check the table rewrites children
	rename(t, env.local, "/d", "/e")
	info, err := env.local.InfoPath(t.Context(), "/e")
	require.NoError(t, err)
	env.engine.EventManager(Local).apply(provider.EventFromInfo(info))

	assert.Equal(t, "/e/s/f.txt", file.Entries[Local].Path)
	assert.Equal(t, []*SyncRow{file}, env.engine.State().LookupPath(Local, "/e/s/f.txt"))
}

func TestEventManager_DisconnectedDoesNothing(t *testing.T) {
	local := memory.New(memory.WithName("local"))
	env := newTestEnv(t, local, nil)
	writeFile(t, env.local, "/x", "x")
	local.SetConnected(false)

	em := env.engine.EventManager(Local)
	require.NoError(t, em.Do(t.Context()))
	assert.Empty(t, em.Cursor())
	assert.Zero(t, env.engine.State().Len())
}

func TestEventManager_PagesThroughBacklog(t *testing.T) {
	local := memory.New(memory.WithName("local"), memory.WithPageSize(2))
	env := newTestEnv(t, local, nil)
	require.NoError(t, env.engine.DoEvents(t.Context(), Local))

	for _, name := range []string{"/1", "/2", "/3", "/4", "/5"} {
		writeFile(t, env.local, name, name)
	}
	require.NoError(t, env.engine.DoEvents(t.Context(), Local))
	assert.Equal(t, 5, env.engine.State().Len())
}
