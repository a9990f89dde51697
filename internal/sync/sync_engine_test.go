package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/openmined/syftsync/internal/provider/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_InitialSyncConverges(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	mkdir(t, env.local, "/docs")
	writeFile(t, env.local, "/docs/a.txt", "alpha")
	mkdir(t, env.local, "/docs/deep")
	writeFile(t, env.local, "/docs/deep/b.txt", "beta")
	writeFile(t, env.remote, "/g.txt", "gamma")

	env.sync(t)

	want := map[string]string{
		"docs":            "/",
		"docs/a.txt":      "alpha",
		"docs/deep":       "/",
		"docs/deep/b.txt": "beta",
		"g.txt":           "gamma",
	}
	assert.Equal(t, want, tree(t, env.local, "/"))
	assert.Equal(t, want, tree(t, env.remote, "/"))
	assert.False(t, env.engine.State().HasChanges())
}

func TestEngine_PropagatesChanges(t *testing.T) {
	tests := []struct {
		name   string
		change func(t *testing.T, env *testEnv)
		want   map[string]string
	}{
		{
			name: "update",
			change: func(t *testing.T, env *testEnv) {
				writeFile(t, env.local, "/d/f.txt", "v2")
			},
			want: map[string]string{"d": "/", "d/f.txt": "v2"},
		},
		{
			name: "remote update",
			change: func(t *testing.T, env *testEnv) {
				writeFile(t, env.remote, "/d/f.txt", "v3")
			},
			want: map[string]string{"d": "/", "d/f.txt": "v3"},
		},
		{
			name: "delete file",
			change: func(t *testing.T, env *testEnv) {
				remove(t, env.local, "/d/f.txt")
			},
			want: map[string]string{"d": "/"},
		},
		{
			name: "delete tree",
			change: func(t *testing.T, env *testEnv) {
				remove(t, env.remote, "/d/f.txt")
				remove(t, env.remote, "/d")
			},
			want: map[string]string{},
		},
		{
			name: "rename file",
			change: func(t *testing.T, env *testEnv) {
				rename(t, env.local, "/d/f.txt", "/d/g.txt")
			},
			want: map[string]string{"d": "/", "d/g.txt": "v1"},
		},
		{
			name: "move file up",
			change: func(t *testing.T, env *testEnv) {
				rename(t, env.remote, "/d/f.txt", "/f.txt")
			},
			want: map[string]string{"d": "/", "f.txt": "v1"},
		},
		{
			name: "rename directory",
			change: func(t *testing.T, env *testEnv) {
				rename(t, env.local, "/d", "/e")
			},
			want: map[string]string{"e": "/", "e/f.txt": "v1"},
		},
		{
			name: "rename and modify",
			change: func(t *testing.T, env *testEnv) {
				rename(t, env.local, "/d/f.txt", "/d/h.txt")
				writeFile(t, env.local, "/d/h.txt", "v4")
			},
			want: map[string]string{"d": "/", "d/h.txt": "v4"},
		},
	}

	for _, oidIsPath := range []bool{false, true} {
		for _, tt := range tests {
			t.Run(fmt.Sprintf("%s/oidIsPath=%v", tt.name, oidIsPath), func(t *testing.T) {
				var opts []memory.Option
				if oidIsPath {
					opts = append(opts, memory.WithOIDIsPath())
				}
				env := newTestEnv(t, memory.New(opts...), memory.New(opts...))
				mkdir(t, env.local, "/d")
				writeFile(t, env.local, "/d/f.txt", "v1")
				env.sync(t)

				tt.change(t, env)
				env.sync(t)

				assert.Equal(t, tt.want, tree(t, env.local, "/"))
				assert.Equal(t, tt.want, tree(t, env.remote, "/"))
			})
		}
	}
}

func TestEngine_ConcurrentCreateLeavesOneArtifact(t *testing.T) {
	tests := []struct {
		policy       ConflictPolicy
		winner       string
		artifactSide Side
		artifact     string
	}{
		{policy: PreferLocal, winner: "from local", artifactSide: Remote, artifact: "from remote"},
		{policy: PreferRemote, winner: "from remote", artifactSide: Local, artifact: "from local"},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			env := newTestEnv(t, nil, nil, func(cfg *EngineConfig) { cfg.Policy = tt.policy })
			writeFile(t, env.local, "/c.txt", "from local")
			writeFile(t, env.remote, "/c.txt", "from remote")

			env.sync(t)

			local, remote := tree(t, env.local, "/"), tree(t, env.remote, "/")
			assert.Equal(t, tt.winner, local["c.txt"])
			assert.Equal(t, tt.winner, remote["c.txt"])

			artifacts := append(conflictArtifacts(local), conflictArtifacts(remote)...)
			require.Len(t, artifacts, 1)
			side := map[Side]map[string]string{Local: local, Remote: remote}[tt.artifactSide]
			assert.Equal(t, tt.artifact, side["c.txt.conflicted"])

			conflicted := env.engine.Status().GetConflictedFiles()
			assert.Contains(t, conflicted, "c.txt.conflicted")
		})
	}
}

func TestEngine_BothModifiedConflict(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	writeFile(t, env.local, "/f.txt", "base")
	env.sync(t)

	writeFile(t, env.local, "/f.txt", "mine")
	writeFile(t, env.remote, "/f.txt", "theirs")
	env.sync(t)

	assert.Equal(t, "mine", readFile(t, env.local, "/f.txt"))
	assert.Equal(t, "mine", readFile(t, env.remote, "/f.txt"))
	assert.Equal(t, "theirs", readFile(t, env.remote, "/f.txt.conflicted"))
	assert.False(t, exists(t, env.local, "/f.txt.conflicted"))

	// a second conflict at the same path takes the next free name
	writeFile(t, env.local, "/f.txt", "mine again")
	writeFile(t, env.remote, "/f.txt", "theirs again")
	env.sync(t)
	assert.Equal(t, "theirs again", readFile(t, env.remote, "/f.txt.conflicted.1"))
	assert.Equal(t, "mine again", readFile(t, env.remote, "/f.txt"))
}

func TestEngine_EqualContentIsNotAConflict(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	writeFile(t, env.local, "/same.txt", "identical")
	writeFile(t, env.remote, "/same.txt", "identical")

	env.sync(t)

	assert.Empty(t, conflictArtifacts(tree(t, env.local, "/")))
	assert.Empty(t, conflictArtifacts(tree(t, env.remote, "/")))
	assert.Equal(t, 1, env.engine.State().Len())
}

func TestEngine_RenamedArtifactSyncsAsNewFile(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	writeFile(t, env.local, "/c.txt", "L")
	writeFile(t, env.remote, "/c.txt", "R")
	env.sync(t)
	require.True(t, exists(t, env.remote, "/c.txt.conflicted"))

	rename(t, env.remote, "/c.txt.conflicted", "/c-theirs.txt")
	env.sync(t)

	assert.Equal(t, "R", readFile(t, env.local, "/c-theirs.txt"))
	assert.False(t, exists(t, env.local, "/c.txt.conflicted"))
	assert.False(t, exists(t, env.remote, "/c.txt.conflicted"))
	assert.Empty(t, env.engine.Status().GetConflictedFiles())
}

func TestEngine_DirectoryBeatsFile(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	mkdir(t, env.local, "/x")
	writeFile(t, env.local, "/x/in.txt", "inside")
	writeFile(t, env.remote, "/x", "a file")

	env.sync(t)

	assert.True(t, isDir(t, env.local, "/x"))
	assert.True(t, isDir(t, env.remote, "/x"))
	assert.Equal(t, "inside", readFile(t, env.remote, "/x/in.txt"))
	assert.Equal(t, "a file", readFile(t, env.remote, "/x.conflicted"))
	assert.False(t, exists(t, env.local, "/x.conflicted"))
}

func TestEngine_FileReplacedByDirectory(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	writeFile(t, env.local, "/x", "old file")
	env.sync(t)

	remove(t, env.local, "/x")
	mkdir(t, env.local, "/x")
	writeFile(t, env.local, "/x/f.txt", "new")
	env.sync(t)

	assert.True(t, isDir(t, env.remote, "/x"))
	assert.Equal(t, "new", readFile(t, env.remote, "/x/f.txt"))
	assert.Empty(t, conflictArtifacts(tree(t, env.remote, "/")))
}

func TestEngine_RenameChurn(t *testing.T) {
	for _, oidIsPath := range []bool{false, true} {
		t.Run(fmt.Sprintf("oidIsPath=%v", oidIsPath), func(t *testing.T) {
			var opts []memory.Option
			if oidIsPath {
				opts = append(opts, memory.WithOIDIsPath())
			}
			env := newTestEnv(t, memory.New(opts...), nil)
			writeFile(t, env.local, "/a", "content")
			env.sync(t)

			for range 10 {
				rename(t, env.local, "/a", "/b")
				require.NoError(t, env.engine.Do(t.Context()))
				rename(t, env.local, "/b", "/a")
				require.NoError(t, env.engine.Do(t.Context()))
			}
			env.sync(t)

			want := map[string]string{"a": "content"}
			assert.Equal(t, want, tree(t, env.local, "/"))
			assert.Equal(t, want, tree(t, env.remote, "/"))
		})
	}
}

func TestEngine_SwapNames(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	writeFile(t, env.local, "/a", "A")
	writeFile(t, env.local, "/b", "B")
	env.sync(t)

	rename(t, env.local, "/a", "/tmp-swap")
	rename(t, env.local, "/b", "/a")
	rename(t, env.local, "/tmp-swap", "/b")
	env.sync(t)

	want := map[string]string{"a": "B", "b": "A"}
	assert.Equal(t, want, tree(t, env.local, "/"))
	assert.Equal(t, want, tree(t, env.remote, "/"))
}

func TestEngine_DeleteRecreateRace(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	writeFile(t, env.local, "/p.txt", "v0")
	env.sync(t)

	last := ""
	for i := 1; i <= 10; i++ {
		remove(t, env.local, "/p.txt")
		last = fmt.Sprintf("v%d", i)
		writeFile(t, env.local, "/p.txt", last)
		require.NoError(t, env.engine.DoEvents(t.Context(), Local))
	}
	env.sync(t)

	assert.Equal(t, last, readFile(t, env.local, "/p.txt"))
	assert.Equal(t, last, readFile(t, env.remote, "/p.txt"))
	assert.Empty(t, conflictArtifacts(tree(t, env.remote, "/")))
	assert.Empty(t, conflictArtifacts(tree(t, env.local, "/")))
}

func TestEngine_CrashResume(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	writeFile(t, env.local, "/a.txt", "a")
	mkdir(t, env.remote, "/r")
	writeFile(t, env.remote, "/r/b.txt", "b")
	env.sync(t)

	firstCursor, err := env.engine.Journal().Cursor(Local)
	require.NoError(t, err)

	writeFile(t, env.local, "/c.txt", "c")
	require.NoError(t, env.engine.DoEvents(t.Context(), Local))

	persisted, err := env.engine.Journal().Rows()
	require.NoError(t, err)

	// a second engine over the same storage picks up where the first stopped
	resumed := env.newEngine(t)
	rows := resumed.State().GetAll()
	require.Len(t, rows, len(persisted))
	for _, row := range rows {
		data, err := json.Marshal(row)
		require.NoError(t, err)
		assert.JSONEq(t, string(persisted[row.ID]), string(data), "row %d", row.ID)
	}

	cursor, err := resumed.Journal().Cursor(Local)
	require.NoError(t, err)
	assert.NotEqual(t, firstCursor, cursor)
	assert.True(t, resumed.State().HasChanges())

	require.NoError(t, RunUntilClean(t.Context(), resumed, testTimeout))
	assert.Equal(t, "c", readFile(t, env.remote, "/c.txt"))
	assert.Equal(t, tree(t, env.local, "/"), tree(t, env.remote, "/"))
}

func TestEngine_DisconnectedSideIsNotDeleted(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	writeFile(t, env.local, "/f.txt", "f")
	writeFile(t, env.remote, "/g.txt", "g")
	env.sync(t)

	env.remote.SetConnected(false)
	writeFile(t, env.local, "/h.txt", "h")
	for range 3 {
		require.NoError(t, env.engine.Do(t.Context()))
	}

	assert.True(t, exists(t, env.local, "/f.txt"))
	assert.True(t, exists(t, env.local, "/g.txt"))
	assert.True(t, env.engine.State().HasChanges())

	env.remote.SetConnected(true)
	env.sync(t)

	want := map[string]string{"f.txt": "f", "g.txt": "g", "h.txt": "h"}
	assert.Equal(t, want, tree(t, env.local, "/"))
	assert.Equal(t, want, tree(t, env.remote, "/"))
}

func TestEngine_DrainSkipsPendingEvents(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	writeFile(t, env.local, "/kept.txt", "k")
	env.sync(t)

	writeFile(t, env.local, "/skipped.txt", "s")
	require.NoError(t, env.engine.Drain(t.Context()))
	env.sync(t)

	assert.False(t, exists(t, env.remote, "/skipped.txt"))
	assert.True(t, exists(t, env.local, "/skipped.txt"))
	assert.Equal(t, "k", readFile(t, env.remote, "/kept.txt"))
}

func TestEngine_IgnoredPaths(t *testing.T) {
	env := newTestEnv(t, nil, nil, func(cfg *EngineConfig) {
		cfg.Ignore = NewSyncIgnoreList("*.secret")
	})
	writeFile(t, env.local, "/keep.txt", "k")
	writeFile(t, env.local, "/key.secret", "s")
	writeFile(t, env.local, "/.DS_Store", "junk")
	env.sync(t)

	assert.Equal(t, map[string]string{"keep.txt": "k"}, tree(t, env.remote, "/"))

	// renaming into an ignored name reads as a deletion
	rename(t, env.local, "/keep.txt", "/keep.secret")
	env.sync(t)
	assert.False(t, exists(t, env.remote, "/keep.txt"))
}

func TestEngine_SubtreeRoots(t *testing.T) {
	env := newTestEnv(t, nil, nil, func(cfg *EngineConfig) {
		cfg.Roots = [2]string{"/work", "/backup/work"}
	})
	mkdir(t, env.local, "/work")
	writeFile(t, env.local, "/work/a.txt", "a")
	writeFile(t, env.local, "/outside.txt", "o")

	env.sync(t)

	assert.Equal(t, "a", readFile(t, env.remote, "/backup/work/a.txt"))
	assert.False(t, exists(t, env.remote, "/outside.txt"))
	assert.False(t, exists(t, env.remote, "/backup/outside.txt"))
}

func TestEngine_CaseInsensitiveRemote(t *testing.T) {
	env := newTestEnv(t, nil, memory.New(memory.WithCaseInsensitive()))
	writeFile(t, env.local, "/Readme.md", "r")
	env.sync(t)

	rename(t, env.local, "/Readme.md", "/README.md")
	env.sync(t)

	info, err := env.remote.InfoPath(t.Context(), "/readme.md")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "/README.md", info.Path)
}

func TestRun_Timeout(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	start := time.Now()
	err := env.engine.Run(t.Context(), RunOptions{
		Timeout: 50 * time.Millisecond,
		Until:   func() (bool, error) { return false, nil },
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), testTimeout)
}

func TestRun_PredicateErrorPropagates(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	boom := errors.New("boom")
	err := env.engine.Run(t.Context(), RunOptions{
		Timeout: testTimeout,
		Until:   func() (bool, error) { return false, boom },
	})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestRunUntilFound(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	writeFile(t, env.local, "/wanted.txt", "w")

	require.NoError(t, RunUntilFound(t.Context(), env.engine, Remote, "/wanted.txt", testTimeout))
	assert.Equal(t, "w", readFile(t, env.remote, "/wanted.txt"))

	err := RunUntilFound(t.Context(), env.engine, Remote, "/never.txt", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRun_StopsOnCancel(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- env.engine.Run(ctx, RunOptions{Interval: 5 * time.Millisecond})
	}()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("run did not stop")
	}
}
