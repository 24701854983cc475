package flatfiledb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T, dir string) *DB {
	t.Helper()
	db, err := Open(dir, WithBTreeOrder(5), WithPageCacheCapacity(16), WithLogger(NoopLogger()))
	require.NoError(t, err)
	return db
}

func TestPutGetDelete(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir)
	defer db.Close()

	require.NoError(t, db.Put(1, []byte("hello")))

	got, err := db.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	ok, err := db.Contains(1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.Delete(1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.Contains(1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkClearAndSweep(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir)
	defer db.Close()

	require.NoError(t, db.Put(1, []byte("keep")))
	require.NoError(t, db.Put(2, []byte("drop")))

	require.NoError(t, db.MarkClear())
	require.NoError(t, db.Mark(1))

	removed, err := db.Sweep()
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{2}, removed)

	got, err := db.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), got)
}

func TestCompactWithoutLosingData(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir)
	defer db.Close()

	require.NoError(t, db.Put(1, []byte("aaaaaaaaaa")))
	require.NoError(t, db.Put(2, []byte("bbbbbbbbbb")))
	_, err := db.Delete(1)
	require.NoError(t, err)

	require.NoError(t, db.Compact())

	got, err := db.Get(2)
	require.NoError(t, err)
	assert.Equal(t, []byte("bbbbbbbbbb"), got)
}

func TestGCKeepsOnlyReachableIDs(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir)
	defer db.Close()

	require.NoError(t, db.Put(1, []byte("keep")))
	require.NoError(t, db.Put(2, []byte("drop")))
	require.NoError(t, db.Put(3, []byte("also keep")))

	removed, err := db.GC([]uint64{1, 3})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{2}, removed)

	got, err := db.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), got)

	got, err = db.Get(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("also keep"), got)

	ok, err := db.Contains(2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMetricsRegistryReceivesCacheCounters(t *testing.T) {
	dir := t.TempDir()
	reg := prometheus.NewRegistry()

	db, err := Open(dir, WithBTreeOrder(5), WithPageCacheCapacity(16), WithLogger(NoopLogger()), WithMetricsRegistry(reg))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put(1, []byte("hello")))
	_, err = db.Get(1)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["perobs_index_hits_total"])
	assert.True(t, names["perobs_index_misses_total"])
	assert.True(t, names["perobs_spacelengths_hits_total"])
}

func TestCheckCleanDB(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir)
	defer db.Close()

	require.NoError(t, db.Put(1, []byte("fine")))

	n, err := db.Check(false)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestVersionFileWrittenOnFirstOpen(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir)
	db.Close()

	data, err := os.ReadFile(filepath.Join(dir, versionFile))
	require.NoError(t, err)
	assert.Equal(t, formatVersion, string(data))
}

func TestReopenAfterCleanCloseSkipsRecovery(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir)
	require.NoError(t, db.Put(1, []byte("persisted")))
	require.NoError(t, db.Close())

	db2 := openDB(t, dir)
	defer db2.Close()

	got, err := db2.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got)
}

func TestUncleanShutdownTriggersRegenerateOnReopen(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir)
	require.NoError(t, db.Put(1, []byte("survives a crash")))

	// Simulate a crash: close the backing files directly without going
	// through DB.Close, so the dirty flag is never cleared.
	require.NoError(t, db.data.Close())
	require.NoError(t, db.index.Close())
	require.NoError(t, db.space.Close())
	require.NoError(t, db.lock.Unlock())

	db2 := openDB(t, dir)
	defer db2.Close()

	got, err := db2.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("survives a crash"), got)
}
