package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStores(t *testing.T) map[string]Storage {
	t.Helper()
	sqlite, err := NewSqliteStorage(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Storage{
		"memory": NewMemoryStorage(),
		"sqlite": sqlite,
	}
}

func TestStorage_GetSetDelete(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			value, err := s.Get("missing")
			require.NoError(t, err)
			assert.Nil(t, value)

			require.NoError(t, s.Set("k", []byte("v1")))
			require.NoError(t, s.Set("k", []byte("v2")))
			value, err = s.Get("k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), value)

			require.NoError(t, s.Delete("k"))
			require.NoError(t, s.Delete("k"))
			value, err = s.Get("k")
			require.NoError(t, err)
			assert.Nil(t, value)
		})
	}
}

func TestStorage_ListByPrefix(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set("a/row/1", []byte("1")))
			require.NoError(t, s.Set("a/row/2", []byte("2")))
			require.NoError(t, s.Set("a/cursor/0", []byte("c")))
			require.NoError(t, s.Set("ab/row/1", []byte("x")))
			require.NoError(t, s.Set("a_row", []byte("y")))

			rows, err := s.List("a/row/")
			require.NoError(t, err)
			assert.Equal(t, map[string][]byte{
				"a/row/1": []byte("1"),
				"a/row/2": []byte("2"),
			}, rows)

			all, err := s.List("")
			require.NoError(t, err)
			assert.Len(t, all, 5)
		})
	}
}

func TestStorage_Apply(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set("gone", []byte("x")))

			err := Apply(s, map[string][]byte{"one": []byte("1"), "two": []byte("2")}, []string{"gone"})
			require.NoError(t, err)

			all, err := s.List("")
			require.NoError(t, err)
			assert.Equal(t, map[string][]byte{"one": []byte("1"), "two": []byte("2")}, all)
		})
	}
}

func TestSqliteStorage_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := NewSqliteStorage(path)
	require.NoError(t, err)
	require.NoError(t, s.Set("k", []byte("persisted")))
	require.NoError(t, s.Close())

	s, err = NewSqliteStorage(path)
	require.NoError(t, err)
	defer s.Close()

	value, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), value)

	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, "a/row0", prefixEnd("a/row/"))
	assert.Equal(t, "b", prefixEnd("a"))
}
