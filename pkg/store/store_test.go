package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/inboxsync/pkg/syncerr"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func kvImplementations(t *testing.T) map[string]KV {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "state.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]KV{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestKVRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, kv := range kvImplementations(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := kv.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, kv.Put(ctx, "k", []byte("one")))
			require.NoError(t, kv.Put(ctx, "k", []byte("two")))
			v, ok, err := kv.Get(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "two", string(v))

			require.NoError(t, kv.Delete(ctx, "k"))
			_, ok, err = kv.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.sqlite3")

	first, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, PutJSON(ctx, first, "rec", record{Name: "a", Count: 3}))
	require.NoError(t, first.Close())

	second, err := OpenSQLite(path)
	require.NoError(t, err)
	defer second.Close()

	var got record
	ok, err := GetJSON(ctx, second, "rec", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, record{Name: "a", Count: 3}, got)
}

func TestDecodeCarriesSchemaVersion(t *testing.T) {
	raw, err := Encode(record{Name: "x"})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"schemaVersion":1`)

	var got record
	version, err := Decode([]byte(`{"schemaVersion":7,"data":{"name":"future","extra":true}}`), &got)
	require.NoError(t, err)
	assert.Equal(t, 7, version)
	assert.Equal(t, "future", got.Name)
}

func TestDecodeCorrupt(t *testing.T) {
	var got record
	for _, raw := range []string{`{invalid`, `{"data":{}}`, `{"schemaVersion":1,"data":"nope"}`} {
		_, err := Decode([]byte(raw), &got)
		assert.ErrorIs(t, err, syncerr.ErrCorrupt, raw)
	}

	kv := NewMemory()
	require.NoError(t, kv.Put(context.Background(), "bad", []byte("{invalid")))
	_, err := GetJSON(context.Background(), kv, "bad", &got)
	assert.ErrorIs(t, err, syncerr.ErrCorrupt)
}
