// Package spacemgr implements the free-space manager: an index from a
// free region's exact byte length to a linked list of FlatFile offsets of
// that length. Allocation is exact-fit only, by design (see spec.md
// §4.4 and SPEC_FULL.md §4): a request for length L is satisfied only by
// a region of exactly length L, never a larger one split down.
package spacemgr

import (
	"encoding/binary"
	"errors"

	"github.com/gofrs/flock"

	"github.com/jhunt/perobs/pkg/btree"
	"github.com/jhunt/perobs/pkg/dberr"
	"github.com/jhunt/perobs/pkg/equiblobs"
	"github.com/jhunt/perobs/pkg/pagecache"
)

const listCellBytes = 16 // offset u64 + next-node-address u64

// RegionChecker lets Check cross-validate recorded free regions against
// the backing blob file, without spacemgr importing the flatfile package.
type RegionChecker interface {
	IsFreeRegion(offset, length uint64) (bool, error)
}

// Manager is the SpaceManager.
type Manager struct {
	lengths *btree.BTree    // length -> address of list head in listFile
	list    *equiblobs.File // cells of (offset, next)
}

// Open creates or opens the two backing files that make up a SpaceManager:
// a length-index B-tree and a list-node EquiBlobsFile.
func Open(lengthIndexPath, listPath string, order int, cacheCapacity, cacheWatermark int, lock *flock.Flock) (*Manager, error) {
	lengthEqui, err := equiblobs.Open(lengthIndexPath, btree.CellSize(order), lock)
	if err != nil {
		return nil, err
	}
	lengths, err := btree.Open(lengthEqui, order, cacheCapacity, cacheWatermark)
	if err != nil {
		return nil, err
	}
	list, err := equiblobs.Open(listPath, listCellBytes, lock)
	if err != nil {
		return nil, err
	}
	return &Manager{lengths: lengths, list: list}, nil
}

func (m *Manager) readListCell(addr equiblobs.Address) (offset, next uint64, err error) {
	data, err := m.list.RetrieveBlob(addr)
	if err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint64(data[0:8]), binary.LittleEndian.Uint64(data[8:16]), nil
}

func (m *Manager) writeListCell(addr equiblobs.Address, offset, next uint64) error {
	buf := make([]byte, listCellBytes)
	binary.LittleEndian.PutUint64(buf[0:8], offset)
	binary.LittleEndian.PutUint64(buf[8:16], next)
	return m.list.StoreBlob(addr, buf)
}

// AddSpace records a free region of the given length at offset, pushing
// it onto the head of that length's list.
func (m *Manager) AddSpace(offset, length uint64) error {
	head, found, err := m.lengths.Get(length)
	if err != nil {
		return err
	}
	var prevHead uint64
	if found {
		prevHead = head
	}

	addr, err := m.list.FreeAddress()
	if err != nil {
		return err
	}
	if err := m.writeListCell(addr, offset, prevHead); err != nil {
		return err
	}
	return m.lengths.Insert(length, addr)
}

// GetSpace returns a free region of exactly length, popping it from the
// list and updating (or removing) the length-index entry.
func (m *Manager) GetSpace(length uint64) (offset uint64, ok bool, err error) {
	head, found, err := m.lengths.Get(length)
	if err != nil || !found {
		return 0, false, err
	}

	off, next, err := m.readListCell(head)
	if err != nil {
		return 0, false, err
	}
	if err := m.list.DeleteBlob(head); err != nil {
		return 0, false, err
	}
	if next == 0 {
		if err := m.lengths.Remove(length); err != nil && !errors.Is(err, dberr.NotFound) {
			return 0, false, err
		}
	} else {
		if err := m.lengths.Insert(length, next); err != nil {
			return 0, false, err
		}
	}
	return off, true, nil
}

// HasSpace linearly scans the list for length, looking for offset. Used
// only by Check.
func (m *Manager) HasSpace(offset, length uint64) (bool, error) {
	head, found, err := m.lengths.Get(length)
	if err != nil || !found {
		return false, err
	}
	cur := head
	seen := map[equiblobs.Address]bool{}
	for cur != 0 {
		if seen[cur] {
			return false, dberr.Wrap(dberr.Corruption, "spacemgr.HasSpace", nil)
		}
		seen[cur] = true
		off, next, err := m.readListCell(cur)
		if err != nil {
			return false, err
		}
		if off == offset {
			return true, nil
		}
		cur = next
	}
	return false, nil
}

// Check verifies list non-cyclicity for every length bucket and, if a
// RegionChecker is given, that every recorded free region actually
// corresponds to a free region of the expected length in the backing
// file. Returns the number of problems found.
func (m *Manager) Check(rc RegionChecker) (int, error) {
	errs := 0
	var walkErr error
	err := m.lengths.Each(func(length, head uint64) bool {
		seen := map[equiblobs.Address]bool{}
		cur := equiblobs.Address(head)
		for cur != 0 {
			if seen[cur] {
				errs++
				break
			}
			seen[cur] = true
			off, next, err := m.readListCell(cur)
			if err != nil {
				walkErr = err
				return false
			}
			if rc != nil {
				free, err := rc.IsFreeRegion(off, length)
				if err != nil {
					walkErr = err
					return false
				}
				if !free {
					errs++
				}
			}
			cur = equiblobs.Address(next)
		}
		return true
	})
	if err != nil {
		return errs, err
	}
	if walkErr != nil {
		return errs, walkErr
	}
	return errs, nil
}

// Reset drops all entries from both backing structures, for use by
// RegenerateIndexAndSpaces.
func (m *Manager) Reset() error {
	var lengths []uint64
	if err := m.lengths.Each(func(length, _ uint64) bool {
		lengths = append(lengths, length)
		return true
	}); err != nil {
		return err
	}
	for _, length := range lengths {
		for {
			_, ok, err := m.GetSpace(length)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
		}
	}
	return nil
}

// Flush writes back any cached, unwritten state.
func (m *Manager) Flush() error {
	return m.lengths.Flush()
}

// Cache returns the pagecache.Cache backing the length index, for callers
// that want to register its hit/miss/eviction counters.
func (m *Manager) Cache() *pagecache.Cache {
	return m.lengths.Cache()
}

// Close flushes and releases both backing files.
func (m *Manager) Close() error {
	if err := m.lengths.Close(); err != nil {
		return err
	}
	return m.list.Close()
}
