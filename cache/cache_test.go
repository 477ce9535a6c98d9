package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgrid/evalgrid/dag"
	"github.com/evalgrid/evalgrid/filekey"
	"github.com/evalgrid/evalgrid/internal/config"
	"github.com/evalgrid/evalgrid/store"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(t.TempDir(), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := config.DefaultStoreConfig(t.TempDir())
	s, err := store.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFingerprintDeterministic(t *testing.T) {
	ex := &dag.Execution{
		ID:      "compile",
		Command: Command(),
		Args:    []string{"-o", "a.out", "src.c"},
		Env:     map[string]string{"B": "2", "A": "1"},
		Inputs: map[string]dag.InputBinding{
			"src.c": {FileID: "f1"},
		},
		Outputs: map[string]dag.FileID{"a.out": "f2"},
	}
	deps := map[dag.FileID]filekey.Key{"f1": filekey.FromBytes([]byte("hello"))}

	k1 := Fingerprint(ex, deps)
	k2 := Fingerprint(ex, deps)
	assert.Equal(t, k1, k2)

	deps2 := map[dag.FileID]filekey.Key{"f1": filekey.FromBytes([]byte("goodbye"))}
	k3 := Fingerprint(ex, deps2)
	assert.NotEqual(t, k1, k3)
}

func Command() dag.Command { return dag.Command{Path: "/usr/bin/cc"} }

func TestInsertGetRoundTrip(t *testing.T) {
	c := newTestCache(t)
	fs := newTestStore(t)

	h, err := fs.Store(filekey.FromBytes([]byte("output")), strings.NewReader("output"))
	require.NoError(t, err)
	defer h.Release()

	key := Key(filekey.FromBytes([]byte("fingerprint")))
	entry := Entry{
		Result:  dag.ExecutionResult{ExecutionID: "e1", Status: dag.StatusSuccess},
		Outputs: map[dag.FileID]filekey.Key{"out": h.Key()},
	}
	require.NoError(t, c.Insert(key, entry))

	got, ok := c.Get(key, fs)
	require.True(t, ok)
	assert.Equal(t, entry.Result, got.Result)
	assert.Equal(t, Stats{Hits: 1, Misses: 0}, c.Stats())
}

func TestGetMissesWhenOutputEvicted(t *testing.T) {
	c := newTestCache(t)
	fs := newTestStore(t)

	key := Key(filekey.FromBytes([]byte("fingerprint")))
	entry := Entry{
		Result:  dag.ExecutionResult{ExecutionID: "e1", Status: dag.StatusSuccess},
		Outputs: map[dag.FileID]filekey.Key{"out": filekey.FromBytes([]byte("never stored"))},
	}
	require.NoError(t, c.Insert(key, entry))

	_, ok := c.Get(key, fs)
	assert.False(t, ok)

	// the dangling entry is dropped, not just skipped
	_, ok = c.Get(key, fs)
	assert.False(t, ok)
	assert.Equal(t, int64(2), c.Stats().Misses)
}

func TestInternalErrorNeverInserted(t *testing.T) {
	c := newTestCache(t)
	fs := newTestStore(t)

	key := Key(filekey.FromBytes([]byte("fingerprint")))
	entry := Entry{Result: dag.ExecutionResult{Status: dag.StatusInternalError}}
	require.NoError(t, c.Insert(key, entry))

	_, ok := c.Get(key, fs)
	assert.False(t, ok)
}
