package equiblobs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T, entryBytes int) *File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.equi")
	f, err := Open(path, entryBytes, nil)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFreeAddressAppendsWhenListEmpty(t *testing.T) {
	ef := open(t, 8)

	a1, err := ef.FreeAddress()
	require.NoError(t, err)
	a2, err := ef.FreeAddress()
	require.NoError(t, err)

	assert.NotEqual(t, a1, a2)
	assert.EqualValues(t, 1, a1)
	assert.EqualValues(t, 2, a2)
	assert.EqualValues(t, 2, ef.TotalEntries())
	assert.EqualValues(t, 0, ef.TotalSpaces())
}

func TestStoreAndRetrieveBlob(t *testing.T) {
	ef := open(t, 8)

	addr, err := ef.FreeAddress()
	require.NoError(t, err)

	payload := []byte("deadbeef")
	require.NoError(t, ef.StoreBlob(addr, payload))

	got, err := ef.RetrieveBlob(addr)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestStoreBlobWrongSize(t *testing.T) {
	ef := open(t, 8)
	addr, err := ef.FreeAddress()
	require.NoError(t, err)
	err = ef.StoreBlob(addr, []byte("short"))
	assert.Error(t, err)
}

func TestDeleteBlobReusesAddress(t *testing.T) {
	ef := open(t, 8)

	a1, err := ef.FreeAddress()
	require.NoError(t, err)
	require.NoError(t, ef.StoreBlob(a1, []byte("aaaaaaaa")))

	a2, err := ef.FreeAddress()
	require.NoError(t, err)
	require.NoError(t, ef.StoreBlob(a2, []byte("bbbbbbbb")))

	require.NoError(t, ef.DeleteBlob(a1))
	assert.EqualValues(t, 1, ef.TotalSpaces())

	reused, err := ef.FreeAddress()
	require.NoError(t, err)
	assert.Equal(t, a1, reused)
	assert.EqualValues(t, 0, ef.TotalSpaces())
}

func TestDeleteTailTrimsFile(t *testing.T) {
	ef := open(t, 8)

	a1, err := ef.FreeAddress()
	require.NoError(t, err)
	require.NoError(t, ef.StoreBlob(a1, []byte("aaaaaaaa")))

	a2, err := ef.FreeAddress()
	require.NoError(t, err)
	require.NoError(t, ef.StoreBlob(a2, []byte("bbbbbbbb")))

	require.NoError(t, ef.DeleteBlob(a2))
	assert.EqualValues(t, 1, ef.TotalEntries())
	assert.EqualValues(t, 0, ef.TotalSpaces())

	info, err := ef.f.Stat()
	require.NoError(t, err)
	assert.EqualValues(t, headerSize+ef.cellSize, info.Size())
}

func TestReopenPreservesState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.equi")
	ef, err := Open(path, 8, nil)
	require.NoError(t, err)

	addr, err := ef.FreeAddress()
	require.NoError(t, err)
	require.NoError(t, ef.StoreBlob(addr, []byte("persist!")))
	require.NoError(t, ef.Close())

	reopened, err := Open(path, 8, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.RetrieveBlob(addr)
	require.NoError(t, err)
	assert.Equal(t, []byte("persist!"), got)
}

func TestCheckCleanFile(t *testing.T) {
	ef := open(t, 8)
	a1, _ := ef.FreeAddress()
	ef.StoreBlob(a1, []byte("aaaaaaaa"))
	a2, _ := ef.FreeAddress()
	ef.DeleteBlob(a2)

	n, err := ef.Check()
	require.NoError(t, err)
	assert.Zero(t, n)
}
