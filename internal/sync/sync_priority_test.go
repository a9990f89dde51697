package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncPriorityList_Patterns(t *testing.T) {
	priority := NewSyncPriorityList("**/*.request", "config/*.yaml", "[invalid")

	assert.True(t, priority.ShouldPrioritize("alice/rpc/x.request"))
	assert.True(t, priority.ShouldPrioritize("config/app.yaml"))
	assert.False(t, priority.ShouldPrioritize("config/nested/app.yaml"))
	assert.False(t, priority.ShouldPrioritize("notes.txt"))
	assert.False(t, priority.ShouldPrioritize(""))

	var none *SyncPriorityList
	assert.False(t, none.ShouldPrioritize("alice/rpc/x.request"))
}

func TestSyncPriorityList_ReconcilesFirst(t *testing.T) {
	env := newTestEnv(t, nil, nil, func(cfg *EngineConfig) {
		cfg.Priority = NewSyncPriorityList("*.urgent")
	})
	writeFile(t, env.local, "/a.txt", "a")
	writeFile(t, env.local, "/z.urgent", "z")

	require.NoError(t, env.engine.DoEvents(t.Context(), Local))
	dirty := env.engine.State().Dirty()
	require.Len(t, dirty, 2)
	env.engine.reconciler.sortRows(dirty)
	assert.Equal(t, "/z.urgent", dirty[0].Entries[Local].Path)
}
