package spacemgr

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMgr(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := Open(filepath.Join(dir, "lengths.equi"), filepath.Join(dir, "list.equi"), 5, 16, 16, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestAddThenGetSpaceExactFit(t *testing.T) {
	m := openMgr(t)
	require.NoError(t, m.AddSpace(1000, 64))

	off, ok, err := m.GetSpace(64)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 1000, off)

	_, ok, err = m.GetSpace(64)
	require.NoError(t, err)
	assert.False(t, ok, "space should be consumed after one GetSpace")
}

func TestGetSpaceNoExactFitMisses(t *testing.T) {
	m := openMgr(t)
	require.NoError(t, m.AddSpace(1000, 128))

	_, ok, err := m.GetSpace(64)
	require.NoError(t, err)
	assert.False(t, ok, "a 128-byte region must never satisfy a 64-byte request")
}

func TestMultipleRegionsSameLengthLIFO(t *testing.T) {
	m := openMgr(t)
	require.NoError(t, m.AddSpace(100, 64))
	require.NoError(t, m.AddSpace(200, 64))
	require.NoError(t, m.AddSpace(300, 64))

	off1, ok, err := m.GetSpace(64)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 300, off1)

	off2, ok, err := m.GetSpace(64)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 200, off2)

	off3, ok, err := m.GetSpace(64)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 100, off3)

	_, ok, err = m.GetSpace(64)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasSpace(t *testing.T) {
	m := openMgr(t)
	require.NoError(t, m.AddSpace(500, 32))

	found, err := m.HasSpace(500, 32)
	require.NoError(t, err)
	assert.True(t, found)

	found, err = m.HasSpace(999, 32)
	require.NoError(t, err)
	assert.False(t, found)
}

type fakeRegionChecker struct {
	free map[uint64]uint64 // offset -> length
}

func (f *fakeRegionChecker) IsFreeRegion(offset, length uint64) (bool, error) {
	return f.free[offset] == length, nil
}

func TestCheckCrossValidatesAgainstRegionChecker(t *testing.T) {
	m := openMgr(t)
	require.NoError(t, m.AddSpace(10, 64))
	require.NoError(t, m.AddSpace(20, 64))

	rc := &fakeRegionChecker{free: map[uint64]uint64{10: 64, 20: 64}}
	n, err := m.Check(rc)
	require.NoError(t, err)
	assert.Zero(t, n)

	rc2 := &fakeRegionChecker{free: map[uint64]uint64{10: 64}} // 20 missing
	n, err = m.Check(rc2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestResetDrainsEverything(t *testing.T) {
	m := openMgr(t)
	require.NoError(t, m.AddSpace(10, 32))
	require.NoError(t, m.AddSpace(20, 64))
	require.NoError(t, m.AddSpace(30, 64))

	require.NoError(t, m.Reset())

	_, ok, err := m.GetSpace(32)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = m.GetSpace(64)
	require.NoError(t, err)
	assert.False(t, ok)
}
