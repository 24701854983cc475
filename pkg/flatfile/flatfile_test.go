package flatfile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhunt/perobs/pkg/btree"
	"github.com/jhunt/perobs/pkg/equiblobs"
	"github.com/jhunt/perobs/pkg/spacemgr"
)

// harness wires a real btree-backed Index and a real spacemgr-backed
// SpaceSource, the way flatfiledb.Open does, so these tests exercise the
// actual on-disk collaboration rather than mocks.
type harness struct {
	ff    *FlatFile
	index *btree.BTree
	space *spacemgr.Manager
}

func newHarness(t *testing.T, compress bool) *harness {
	t.Helper()
	dir := t.TempDir()

	indexEqui, err := equiblobs.Open(filepath.Join(dir, "index.equi"), btree.CellSize(5), nil)
	require.NoError(t, err)
	index, err := btree.Open(indexEqui, 5, 32, 32)
	require.NoError(t, err)

	space, err := spacemgr.Open(filepath.Join(dir, "lengths.equi"), filepath.Join(dir, "list.equi"), 5, 32, 32, nil)
	require.NoError(t, err)

	ff, err := Open(filepath.Join(dir, "data.flat"), index, space, compress)
	require.NoError(t, err)

	h := &harness{ff: ff, index: index, space: space}
	t.Cleanup(func() {
		ff.Close()
		index.Close()
		space.Close()
	})
	return h
}

func TestWriteReadRoundTrip(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.ff.Write(1, []byte("hello, world"))
	require.NoError(t, err)

	got, err := h.ff.Read(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello, world"), got)
}

func TestReadMissingIsNotFound(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.ff.Read(999)
	assert.Error(t, err)
}

func TestCompressedRoundTrip(t *testing.T) {
	h := newHarness(t, true)
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 7)
	}

	_, err := h.ff.Write(1, payload)
	require.NoError(t, err)

	got, err := h.ff.Read(1)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDeleteThenSpaceReused(t *testing.T) {
	h := newHarness(t, false)

	off1, err := h.ff.Write(1, []byte("0123456789"))
	require.NoError(t, err)

	ok, err := h.ff.Delete(1)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = h.ff.Read(1)
	assert.Error(t, err)

	off2, err := h.ff.Write(2, []byte("9876543210")) // same length: should reuse off1's region
	require.NoError(t, err)
	assert.Equal(t, off1, off2)

	got, err := h.ff.Read(2)
	require.NoError(t, err)
	assert.Equal(t, []byte("9876543210"), got)
}

func TestDeleteMissingReturnsFalse(t *testing.T) {
	h := newHarness(t, false)
	ok, err := h.ff.Delete(42)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkAndClearAllMarks(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.ff.Write(1, []byte("a"))
	require.NoError(t, err)
	_, err = h.ff.Write(2, []byte("b"))
	require.NoError(t, err)

	require.NoError(t, h.ff.Mark(1))

	marked, err := h.ff.IsMarked(1)
	require.NoError(t, err)
	assert.True(t, marked)

	marked, err = h.ff.IsMarked(2)
	require.NoError(t, err)
	assert.False(t, marked)

	require.NoError(t, h.ff.ClearAllMarks())
	marked, err = h.ff.IsMarked(1)
	require.NoError(t, err)
	assert.False(t, marked)
}

func TestDeleteUnmarkedCompactsAndKeepsMarked(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.ff.Write(1, []byte("keep-me"))
	require.NoError(t, err)
	_, err = h.ff.Write(2, []byte("drop-me"))
	require.NoError(t, err)
	_, err = h.ff.Write(3, []byte("keep-too"))
	require.NoError(t, err)

	require.NoError(t, h.ff.Mark(1))
	require.NoError(t, h.ff.Mark(3))

	removed, err := h.ff.DeleteUnmarked()
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{2}, removed)

	got, err := h.ff.Read(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("keep-me"), got)

	got, err = h.ff.Read(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("keep-too"), got)

	_, err = h.ff.Read(2)
	assert.Error(t, err)
}

func TestDefragmentRemovesFreeSpaceAndPreservesData(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.ff.Write(1, []byte("aaaaaaaaaa"))
	require.NoError(t, err)
	_, err = h.ff.Write(2, []byte("bbbbbbbbbb"))
	require.NoError(t, err)
	_, err = h.ff.Write(3, []byte("cccccccccc"))
	require.NoError(t, err)

	ok, err := h.ff.Delete(2)
	require.NoError(t, err)
	require.True(t, ok)

	sizeBefore, err := h.ff.fileSize()
	require.NoError(t, err)

	require.NoError(t, h.ff.Defragment())

	sizeAfter, err := h.ff.fileSize()
	require.NoError(t, err)
	assert.Less(t, sizeAfter, sizeBefore)

	got, err := h.ff.Read(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("aaaaaaaaaa"), got)
	got, err = h.ff.Read(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("cccccccccc"), got)
}

func TestWriteTentativeNotVisibleUntilCommit(t *testing.T) {
	h := newHarness(t, false)
	off, err := h.ff.WriteTentative(1, []byte("draft"))
	require.NoError(t, err)

	_, err = h.ff.Read(1)
	assert.Error(t, err, "an uncommitted tentative write must not be readable by id")

	require.NoError(t, h.ff.Commit(off, 1))

	got, err := h.ff.Read(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("draft"), got)
}

func TestCommitWrongIDFails(t *testing.T) {
	h := newHarness(t, false)
	off, err := h.ff.WriteTentative(1, []byte("draft"))
	require.NoError(t, err)

	err = h.ff.Commit(off, 2)
	assert.Error(t, err)
}

func TestRegenerateIndexAndSpacesRecoversCommittedRecords(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.ff.Write(1, []byte("one"))
	require.NoError(t, err)
	_, err = h.ff.Write(2, []byte("two"))
	require.NoError(t, err)
	ok, err := h.ff.Delete(2)
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate a crash: wipe the index's in-memory view by dropping it
	// entirely and rebuilding from the data file.
	require.NoError(t, h.ff.RegenerateIndexAndSpaces())

	got, err := h.ff.Read(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	_, err = h.ff.Read(2)
	assert.Error(t, err)
}

func TestRegenerateTreatsOutdatedRecordsAsFreeSpace(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.ff.WriteTentative(7, []byte("0123456789"))
	require.NoError(t, err)

	require.NoError(t, h.ff.RegenerateIndexAndSpaces())

	_, err = h.ff.Read(7)
	assert.Error(t, err, "an uncommitted tentative record must not survive recovery as a live id")

	// The 10-byte region it occupied should now be available for reuse.
	off, err := h.ff.Write(8, []byte("9876543210"))
	require.NoError(t, err)
	got, err := h.ff.Read(8)
	require.NoError(t, err)
	assert.Equal(t, []byte("9876543210"), got)
	_ = off
}

func TestCheckFindsNothingOnHealthyFile(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.ff.Write(1, []byte("fine"))
	require.NoError(t, err)

	n, err := h.ff.Check()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCheckDetectsIndexDrift(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.ff.Write(1, []byte("fine"))
	require.NoError(t, err)

	// Corrupt the index out from under the data file: point id 1 at a
	// bogus offset.
	require.NoError(t, h.index.Insert(1, 999999))

	n, err := h.ff.Check()
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}

func TestIsFreeRegion(t *testing.T) {
	h := newHarness(t, false)
	off, err := h.ff.Write(1, []byte("0123456789"))
	require.NoError(t, err)

	free, err := h.ff.IsFreeRegion(off, 10)
	require.NoError(t, err)
	assert.False(t, free, "a live record is not a free region")

	ok, err := h.ff.Delete(1)
	require.NoError(t, err)
	require.True(t, ok)

	free, err = h.ff.IsFreeRegion(off, 10)
	require.NoError(t, err)
	assert.True(t, free)
}
