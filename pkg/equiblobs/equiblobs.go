// Package equiblobs implements a file of equal-size cells with a 32-byte
// header and a free-cell chain threaded through the payload of empty
// cells. It is the storage substrate B-trees and free-space lists are
// built on top of (see pkg/btree and pkg/spacemgr).
package equiblobs

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/flock"

	"github.com/jhunt/perobs/pkg/dberr"
)

const (
	headerSize = 32

	markerEmpty    byte = 0
	markerReserved byte = 1
	markerValid    byte = 2
)

// Address identifies a cell. Addresses are 1-based; 0 means "none".
type Address = uint64

// File is an open EquiBlobsFile.
type File struct {
	mu sync.Mutex

	f          *os.File
	entryBytes int
	cellSize   int64

	totalEntries uint64
	totalSpaces  uint64
	firstEntry   Address
	firstSpace   Address

	lock *flock.Flock
}

// Open creates or opens the EquiBlobsFile at path with the given fixed
// payload size per cell. If lock is non-nil it is used (and, if not
// already held by this process, acquired) as the database-wide advisory
// lock; a second process attempting to open any EquiBlobsFile sharing
// that lock fails with dberr.LockedByAnotherProcess.
func Open(path string, entryBytes int, lock *flock.Flock) (*File, error) {
	if entryBytes <= 0 {
		return nil, dberr.Wrap(dberr.InvalidArgument, "equiblobs.Open", fmt.Errorf("entryBytes must be positive, got %d", entryBytes))
	}

	if lock != nil {
		locked, err := lock.TryLock()
		if err != nil {
			return nil, dberr.Wrap(dberr.IOFailure, "equiblobs.Open: lock", err)
		}
		if !locked {
			return nil, dberr.Wrap(dberr.LockedByAnotherProcess, "equiblobs.Open", nil)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, dberr.Wrap(dberr.IOFailure, "equiblobs.Open", err)
	}

	ef := &File{
		f:          f,
		entryBytes: entryBytes,
		cellSize:   int64(1 + entryBytes),
		lock:       lock,
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, dberr.Wrap(dberr.IOFailure, "equiblobs.Open: stat", err)
	}

	if info.Size() == 0 {
		if err := ef.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		return ef, nil
	}

	if err := ef.readHeader(); err != nil {
		f.Close()
		return nil, err
	}

	return ef, nil
}

// EntryBytes returns the fixed payload size of each cell.
func (ef *File) EntryBytes() int { return ef.entryBytes }

// TotalEntries returns the number of occupied (reserved or valid) cells.
func (ef *File) TotalEntries() uint64 {
	ef.mu.Lock()
	defer ef.mu.Unlock()
	return ef.totalEntries
}

// TotalSpaces returns the number of empty cells reachable from the free list.
func (ef *File) TotalSpaces() uint64 {
	ef.mu.Lock()
	defer ef.mu.Unlock()
	return ef.totalSpaces
}

func (ef *File) readHeader() error {
	buf := make([]byte, headerSize)
	if _, err := ef.f.ReadAt(buf, 0); err != nil {
		return dberr.Wrap(dberr.IOFailure, "equiblobs.readHeader", err)
	}
	ef.totalEntries = binary.LittleEndian.Uint64(buf[0:8])
	ef.totalSpaces = binary.LittleEndian.Uint64(buf[8:16])
	ef.firstEntry = binary.LittleEndian.Uint64(buf[16:24])
	ef.firstSpace = binary.LittleEndian.Uint64(buf[24:32])
	return nil
}

func (ef *File) writeHeader() error {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(buf[0:8], ef.totalEntries)
	binary.LittleEndian.PutUint64(buf[8:16], ef.totalSpaces)
	binary.LittleEndian.PutUint64(buf[16:24], ef.firstEntry)
	binary.LittleEndian.PutUint64(buf[24:32], ef.firstSpace)
	if _, err := ef.f.WriteAt(buf, 0); err != nil {
		return dberr.Wrap(dberr.IOFailure, "equiblobs.writeHeader", err)
	}
	return nil
}

func (ef *File) cellOffset(addr Address) int64 {
	return headerSize + int64(addr-1)*ef.cellSize
}

// FreeAddress returns an address ready to receive StoreBlob: either the
// head of the free list, or a newly appended cell at the file tail.
func (ef *File) FreeAddress() (Address, error) {
	ef.mu.Lock()
	defer ef.mu.Unlock()

	if ef.firstSpace != 0 {
		addr := ef.firstSpace
		next, err := ef.readNextFree(addr)
		if err != nil {
			return 0, err
		}
		ef.firstSpace = next
		ef.totalSpaces--
		ef.totalEntries++
		if err := ef.markCell(addr, markerReserved, nil); err != nil {
			return 0, err
		}
		if err := ef.writeHeader(); err != nil {
			return 0, err
		}
		return addr, nil
	}

	addr := ef.totalEntries + ef.totalSpaces + 1
	ef.totalEntries++
	if err := ef.markCell(addr, markerReserved, make([]byte, ef.entryBytes)); err != nil {
		return 0, err
	}
	if err := ef.writeHeader(); err != nil {
		return 0, err
	}
	return addr, nil
}

func (ef *File) readNextFree(addr Address) (Address, error) {
	buf := make([]byte, 8)
	off := ef.cellOffset(addr) + 1
	if _, err := ef.f.ReadAt(buf, off); err != nil {
		return 0, dberr.Wrap(dberr.IOFailure, "equiblobs.readNextFree", err)
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (ef *File) markCell(addr Address, marker byte, payload []byte) error {
	off := ef.cellOffset(addr)
	if payload == nil {
		if _, err := ef.f.WriteAt([]byte{marker}, off); err != nil {
			return dberr.Wrap(dberr.IOFailure, "equiblobs.markCell", err)
		}
		return nil
	}
	buf := make([]byte, 1+len(payload))
	buf[0] = marker
	copy(buf[1:], payload)
	if _, err := ef.f.WriteAt(buf, off); err != nil {
		return dberr.Wrap(dberr.IOFailure, "equiblobs.markCell", err)
	}
	return nil
}

func (ef *File) readMarker(addr Address) (byte, error) {
	buf := make([]byte, 1)
	if _, err := ef.f.ReadAt(buf, ef.cellOffset(addr)); err != nil {
		return 0, dberr.Wrap(dberr.IOFailure, "equiblobs.readMarker", err)
	}
	return buf[0], nil
}

// StoreBlob writes bytes (length must equal EntryBytes) into the cell at
// addr and marks it valid. The cell must currently be marked reserved or
// valid.
func (ef *File) StoreBlob(addr Address, bytes []byte) error {
	ef.mu.Lock()
	defer ef.mu.Unlock()

	if len(bytes) != ef.entryBytes {
		return dberr.Wrap(dberr.InvalidArgument, "equiblobs.StoreBlob", fmt.Errorf("expected %d bytes, got %d", ef.entryBytes, len(bytes)))
	}
	marker, err := ef.readMarker(addr)
	if err != nil {
		return err
	}
	if marker != markerReserved && marker != markerValid {
		return dberr.Wrap(dberr.Corruption, "equiblobs.StoreBlob", fmt.Errorf("cell %d has marker %d, expected reserved or valid", addr, marker))
	}
	return ef.markCell(addr, markerValid, bytes)
}

// RetrieveBlob reads the payload of a valid cell.
func (ef *File) RetrieveBlob(addr Address) ([]byte, error) {
	ef.mu.Lock()
	defer ef.mu.Unlock()

	marker, err := ef.readMarker(addr)
	if err != nil {
		return nil, err
	}
	if marker != markerValid {
		return nil, dberr.Wrap(dberr.Corruption, "equiblobs.RetrieveBlob", fmt.Errorf("cell %d has marker %d, expected valid", addr, marker))
	}
	buf := make([]byte, ef.entryBytes)
	if _, err := ef.f.ReadAt(buf, ef.cellOffset(addr)+1); err != nil {
		return nil, dberr.Wrap(dberr.IOFailure, "equiblobs.RetrieveBlob", err)
	}
	return buf, nil
}

// DeleteBlob releases a reserved or valid cell back to the free list. If
// the cell sits at the file tail, trailing empty cells (including this
// one) are trimmed from the file and unlinked from the free list.
func (ef *File) DeleteBlob(addr Address) error {
	ef.mu.Lock()
	defer ef.mu.Unlock()

	marker, err := ef.readMarker(addr)
	if err != nil {
		return err
	}
	if marker != markerReserved && marker != markerValid {
		return dberr.Wrap(dberr.Corruption, "equiblobs.DeleteBlob", fmt.Errorf("cell %d has marker %d, expected reserved or valid", addr, marker))
	}

	next := make([]byte, ef.entryBytes)
	binary.LittleEndian.PutUint64(next[0:8], ef.firstSpace)
	if err := ef.markCell(addr, markerEmpty, next); err != nil {
		return err
	}
	ef.firstSpace = addr
	ef.totalSpaces++
	ef.totalEntries--

	if addr == ef.totalEntries+ef.totalSpaces {
		if err := ef.trimTail(); err != nil {
			return err
		}
	}

	return ef.writeHeader()
}

// trimTail removes contiguous empty cells from the file tail and unlinks
// them from the free list. Must be called with mu held.
func (ef *File) trimTail() error {
	last := ef.totalEntries + ef.totalSpaces
	removed := make(map[Address]bool)

	for last > 0 {
		marker, err := ef.readMarker(last)
		if err != nil {
			return err
		}
		if marker != markerEmpty {
			break
		}
		removed[last] = true
		last--
	}
	if len(removed) == 0 {
		return nil
	}

	// Rebuild the free list, skipping any address being trimmed.
	var head Address
	cur := ef.firstSpace
	kept := make([]Address, 0, ef.totalSpaces)
	for cur != 0 {
		next, err := ef.readNextFree(cur)
		if err != nil {
			return err
		}
		if !removed[cur] {
			kept = append(kept, cur)
		}
		cur = next
	}

	for i := len(kept) - 1; i >= 0; i-- {
		addr := kept[i]
		buf := make([]byte, ef.entryBytes)
		binary.LittleEndian.PutUint64(buf[0:8], head)
		if err := ef.markCell(addr, markerEmpty, buf); err != nil {
			return err
		}
		head = addr
	}
	ef.firstSpace = head
	ef.totalSpaces = uint64(len(kept))

	if err := ef.f.Truncate(ef.cellOffset(last + 1)); err != nil {
		return dberr.Wrap(dberr.IOFailure, "equiblobs.trimTail", err)
	}
	return nil
}

// Check validates that the free list length, cell markers, and counters
// agree with the file size. Returns the number of problems found.
func (ef *File) Check() (int, error) {
	ef.mu.Lock()
	defer ef.mu.Unlock()

	errs := 0

	info, err := ef.f.Stat()
	if err != nil {
		return 0, dberr.Wrap(dberr.IOFailure, "equiblobs.Check: stat", err)
	}
	wantSize := headerSize + int64(ef.totalEntries+ef.totalSpaces)*ef.cellSize
	if info.Size() != wantSize {
		errs++
	}

	seen := make(map[Address]bool)
	cur := ef.firstSpace
	for cur != 0 {
		if seen[cur] {
			errs++
			break
		}
		seen[cur] = true
		marker, err := ef.readMarker(cur)
		if err != nil {
			return errs, err
		}
		if marker != markerEmpty {
			errs++
		}
		next, err := ef.readNextFree(cur)
		if err != nil {
			return errs, err
		}
		cur = next
	}
	if uint64(len(seen)) != ef.totalSpaces {
		errs++
	}

	return errs, nil
}

// Close releases the file. It does not release the lock passed to Open;
// that stays with whoever created it.
func (ef *File) Close() error {
	ef.mu.Lock()
	defer ef.mu.Unlock()

	err := ef.f.Close()
	if err != nil {
		return dberr.Wrap(dberr.IOFailure, "equiblobs.Close", err)
	}
	return nil
}
