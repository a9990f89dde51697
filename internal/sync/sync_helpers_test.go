package sync

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/openmined/syftsync/internal/provider"
	"github.com/openmined/syftsync/internal/provider/memory"
	"github.com/openmined/syftsync/internal/storage"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

type testEnv struct {
	local  *memory.Provider
	remote *memory.Provider
	store  *storage.MemoryStorage
	engine *SyncEngine
}

func newTestEnv(t *testing.T, local, remote *memory.Provider, mutate ...func(*EngineConfig)) *testEnv {
	t.Helper()
	if local == nil {
		local = memory.New(memory.WithName("local"))
	}
	if remote == nil {
		remote = memory.New(memory.WithName("remote"))
	}
	env := &testEnv{local: local, remote: remote, store: storage.NewMemoryStorage()}
	env.engine = env.newEngine(t, mutate...)
	return env
}

func (env *testEnv) newEngine(t *testing.T, mutate ...func(*EngineConfig)) *SyncEngine {
	t.Helper()
	cfg := &EngineConfig{
		Tag:       "test",
		Providers: [2]provider.Provider{env.local, env.remote},
		Roots:     [2]string{"/", "/"},
		Storage:   env.store,
	}
	for _, m := range mutate {
		m(cfg)
	}
	engine, err := NewSyncEngine(cfg)
	require.NoError(t, err)
	return engine
}

func (env *testEnv) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, RunUntilClean(t.Context(), env.engine, testTimeout))
}

func writeFile(t *testing.T, p *memory.Provider, path, content string) {
	t.Helper()
	ctx := t.Context()
	info, err := p.InfoPath(ctx, path)
	require.NoError(t, err)
	if info != nil {
		_, err = p.Upload(ctx, info.OID, strings.NewReader(content))
		require.NoError(t, err)
		return
	}
	_, err = p.Create(ctx, path, strings.NewReader(content))
	require.NoError(t, err)
}

func mkdir(t *testing.T, p *memory.Provider, path string) {
	t.Helper()
	_, err := p.Mkdir(t.Context(), path)
	require.NoError(t, err)
}

func rename(t *testing.T, p *memory.Provider, from, to string) {
	t.Helper()
	ctx := t.Context()
	info, err := p.InfoPath(ctx, from)
	require.NoError(t, err)
	require.NotNil(t, info, "rename source %s", from)
	_, err = p.Rename(ctx, info.OID, to)
	require.NoError(t, err)
}

func remove(t *testing.T, p *memory.Provider, path string) {
	t.Helper()
	ctx := t.Context()
	info, err := p.InfoPath(ctx, path)
	require.NoError(t, err)
	require.NotNil(t, info, "delete target %s", path)
	require.NoError(t, p.Delete(ctx, info.OID))
}

func readFile(t *testing.T, p *memory.Provider, path string) string {
	t.Helper()
	data, err := p.ReadFile(path)
	require.NoError(t, err, "read %s on %s", path, p.Name())
	return string(data)
}

func exists(t *testing.T, p *memory.Provider, path string) bool {
	t.Helper()
	info, err := p.InfoPath(t.Context(), path)
	require.NoError(t, err)
	return info != nil
}

func isDir(t *testing.T, p *memory.Provider, path string) bool {
	t.Helper()
	info, err := p.InfoPath(t.Context(), path)
	require.NoError(t, err)
	return info != nil && info.IsDir()
}

// tree lists every path below root with file contents; directories map to "/".
func tree(t *testing.T, p *memory.Provider, root string) map[string]string {
	t.Helper()
	ctx := t.Context()
	out := make(map[string]string)
	info, err := p.InfoPath(ctx, root)
	require.NoError(t, err)
	require.NotNil(t, info)

	var walk func(context.Context, *provider.ObjectInfo)
	walk = func(ctx context.Context, dir *provider.ObjectInfo) {
		children, err := p.Listdir(ctx, dir.OID)
		require.NoError(t, err)
		for _, c := range children {
			rel, _ := provider.RelativePath(root, c.Path, p.CaseSensitive())
			if c.IsDir() {
				out[rel] = "/"
				walk(ctx, c)
				continue
			}
			out[rel] = readFile(t, p, c.Path)
		}
	}
	walk(ctx, info)
	return out
}

func conflictArtifacts(files map[string]string) []string {
	var out []string
	for p := range files {
		if IsConflictPath(p) {
			out = append(out, p)
		}
	}
	return out
}
