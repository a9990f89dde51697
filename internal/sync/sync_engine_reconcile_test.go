package sync

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/openmined/syftsync/internal/provider"
	"github.com/openmined/syftsync/internal/provider/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingProvider fails creates with createErr while it is set.
type failingProvider struct {
	*memory.Provider
	createErr error
}

func (p *failingProvider) Create(ctx context.Context, path string, r io.Reader) (*provider.ObjectInfo, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	return p.Provider.Create(ctx, path, r)
}

func TestReconciler_ProviderErrorKeepsRowDirty(t *testing.T) {
	remote := &failingProvider{
		Provider:  memory.New(memory.WithName("remote")),
		createErr: errors.New("quota exceeded"),
	}
	env := newTestEnv(t, nil, remote.Provider, func(cfg *EngineConfig) {
		cfg.Providers[Remote] = remote
	})
	writeFile(t, env.local, "/x.txt", "x")

	for range 3 {
		err := env.engine.Do(t.Context())
		require.Error(t, err)
		assert.ErrorContains(t, err, "quota exceeded")
	}
	assert.True(t, env.engine.State().HasChanges())
	rows := env.engine.State().LookupPath(Local, "/x.txt")
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Dirty())
	assert.False(t, exists(t, env.remote, "/x.txt"))

	remote.createErr = nil
	env.sync(t)
	assert.Equal(t, "x", readFile(t, env.remote, "/x.txt"))
}

func TestReconciler_CreateOntoUnseenObjectConflicts(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := t.Context()

	writeFile(t, env.local, "/x", "L")
	require.NoError(t, env.engine.DoEvents(ctx, Local))
	// the remote copy appears before its event is seen
	writeFile(t, env.remote, "/x", "R")
	require.NoError(t, env.engine.DoReconcile(ctx))

	env.sync(t)

	local, remote := tree(t, env.local, "/"), tree(t, env.remote, "/")
	assert.Equal(t, "L", local["x"])
	assert.Equal(t, "L", remote["x"])
	artifacts := append(conflictArtifacts(local), conflictArtifacts(remote)...)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "x.conflicted", artifacts[0])
	assert.Equal(t, "R", remote["x.conflicted"])
}

func TestReconciler_SourceVanishedWithoutEvent(t *testing.T) {
	tests := []struct {
		name   string
		synced bool
	}{
		{name: "during create"},
		{name: "during upload", synced: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil, nil)
			ctx := t.Context()
			writeFile(t, env.local, "/x.txt", "v1")
			if tt.synced {
				env.sync(t)
				writeFile(t, env.local, "/x.txt", "v2")
			}

			require.NoError(t, env.engine.DoEvents(ctx, Local))
			remove(t, env.local, "/x.txt")
			// the delete is never reported
			require.NoError(t, env.engine.Drain(ctx))

			env.sync(t)
			assert.Empty(t, tree(t, env.local, "/"))
			assert.Empty(t, tree(t, env.remote, "/"))
			assert.Zero(t, env.engine.State().Len())
		})
	}
}

func TestReconciler_CaseFoldedNameConflicts(t *testing.T) {
	env := newTestEnv(t, nil, memory.New(memory.WithName("remote"), memory.WithCaseInsensitive()))
	writeFile(t, env.local, "/A.txt", "upper")
	env.sync(t)

	writeFile(t, env.local, "/a.txt", "lower")
	env.sync(t)

	assert.Equal(t, map[string]string{"A.txt": "upper"}, tree(t, env.remote, "/"))
	assert.Equal(t, map[string]string{"A.txt": "upper", "a.txt.conflicted": "lower"}, tree(t, env.local, "/"))
	assert.False(t, env.engine.State().HasChanges())
}
