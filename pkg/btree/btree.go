// Package btree implements a classical order-N B-tree, persisted as
// fixed-size nodes in an equiblobs.File and cached through a
// pagecache.Cache. Keys and values are both u64: keys are object ids (or,
// when reused by pkg/spacemgr, free-region lengths); values are either
// byte offsets into a FlatFile or addresses of another structure,
// depending on what the caller stores there.
package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/jhunt/perobs/pkg/dberr"
	"github.com/jhunt/perobs/pkg/equiblobs"
	"github.com/jhunt/perobs/pkg/pagecache"
)

const nodeHeaderSize = 1 + 8 + 8 + 8 + 2 // leaf + parent + prev + next + keycount

// CellSize returns the fixed EquiBlobsFile entry size required to store a
// node of the given order.
func CellSize(order int) int {
	return nodeHeaderSize + order*8 + (order+1)*8
}

type node struct {
	addr     equiblobs.Address
	leaf     bool
	parent   equiblobs.Address
	prev     equiblobs.Address // leaves only
	next     equiblobs.Address // leaves only
	keys     []uint64
	values   []uint64 // leaf: len == len(keys); internal: len == len(keys)+1 (children)
}

func (n *node) keyCount() int { return len(n.keys) }

func (n *node) encode(order int) []byte {
	buf := new(bytes.Buffer)
	var leafByte byte
	if n.leaf {
		leafByte = 1
	}
	buf.WriteByte(leafByte)
	binary.Write(buf, binary.LittleEndian, n.parent)
	binary.Write(buf, binary.LittleEndian, n.prev)
	binary.Write(buf, binary.LittleEndian, n.next)
	binary.Write(buf, binary.LittleEndian, uint16(len(n.keys)))

	keys := make([]uint64, order)
	copy(keys, n.keys)
	binary.Write(buf, binary.LittleEndian, keys)

	slots := order + 1
	values := make([]uint64, slots)
	copy(values, n.values)
	binary.Write(buf, binary.LittleEndian, values)

	return buf.Bytes()
}

func decodeNode(addr equiblobs.Address, order int, data []byte) (*node, error) {
	if len(data) != CellSize(order) {
		return nil, dberr.Wrap(dberr.Corruption, "btree.decodeNode", fmt.Errorf("cell %d has wrong size %d", addr, len(data)))
	}
	r := bytes.NewReader(data)
	n := &node{addr: addr}

	leafByte, _ := r.ReadByte()
	n.leaf = leafByte == 1
	binary.Read(r, binary.LittleEndian, &n.parent)
	binary.Read(r, binary.LittleEndian, &n.prev)
	binary.Read(r, binary.LittleEndian, &n.next)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)

	keys := make([]uint64, order)
	binary.Read(r, binary.LittleEndian, keys)
	n.keys = append([]uint64(nil), keys[:count]...)

	values := make([]uint64, order+1)
	binary.Read(r, binary.LittleEndian, values)
	if n.leaf {
		n.values = append([]uint64(nil), values[:count]...)
	} else {
		n.values = append([]uint64(nil), values[:count+1]...)
	}

	return n, nil
}

// BTree is an order-N on-disk B-tree.
type BTree struct {
	order int
	equi  *equiblobs.File
	cache *pagecache.Cache

	metaAddr equiblobs.Address
	root     equiblobs.Address
	count    uint64
}

// Open creates or opens a B-tree of the given order backed by equi, using
// a pagecache.Cache of the given capacity/watermark for node IO. order
// must be odd and in [3, 65535).
func Open(equi *equiblobs.File, order int, cacheCapacity, cacheWatermark int) (*BTree, error) {
	if order < 3 || order >= (1<<16-1) || order%2 == 0 {
		return nil, dberr.Wrap(dberr.InvalidArgument, "btree.Open", fmt.Errorf("order must be odd and in [3, 65535), got %d", order))
	}
	if equi.EntryBytes() != CellSize(order) {
		return nil, dberr.Wrap(dberr.InvalidArgument, "btree.Open", fmt.Errorf("equiblobs entry size %d does not match order %d (want %d)", equi.EntryBytes(), order, CellSize(order)))
	}

	t := &BTree{
		order: order,
		equi:  equi,
		cache: pagecache.New(cacheCapacity, cacheWatermark, equi),
	}

	if equi.TotalEntries() == 0 && equi.TotalSpaces() == 0 {
		metaAddr, err := equi.FreeAddress()
		if err != nil {
			return nil, err
		}
		rootAddr, err := equi.FreeAddress()
		if err != nil {
			return nil, err
		}
		t.metaAddr = metaAddr
		root := &node{addr: rootAddr, leaf: true}
		if err := t.writeNode(root); err != nil {
			return nil, err
		}
		t.root = rootAddr
		if err := t.writeMeta(); err != nil {
			return nil, err
		}
		return t, nil
	}

	t.metaAddr = 1
	if err := t.readMeta(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *BTree) readMeta() error {
	data, err := t.equi.RetrieveBlob(t.metaAddr)
	if err != nil {
		return err
	}
	t.root = binary.LittleEndian.Uint64(data[0:8])
	t.count = binary.LittleEndian.Uint64(data[8:16])
	return nil
}

func (t *BTree) writeMeta() error {
	buf := make([]byte, t.equi.EntryBytes())
	binary.LittleEndian.PutUint64(buf[0:8], t.root)
	binary.LittleEndian.PutUint64(buf[8:16], t.count)
	return t.equi.StoreBlob(t.metaAddr, buf)
}

func (t *BTree) readNode(addr equiblobs.Address) (*node, error) {
	data, err := t.cache.Get(addr)
	if err != nil {
		return nil, err
	}
	return decodeNode(addr, t.order, data)
}

func (t *BTree) writeNode(n *node) error {
	return t.cache.Put(n.addr, n.encode(t.order))
}

func (t *BTree) freeNode(n *node) error {
	t.cache.Forget(n.addr)
	return t.equi.DeleteBlob(n.addr)
}

func (t *BTree) newNode(leaf bool) (*node, error) {
	addr, err := t.equi.FreeAddress()
	if err != nil {
		return nil, err
	}
	n := &node{addr: addr, leaf: leaf}
	return n, nil
}

// search returns the leftmost index i such that keys[i] >= key.
func search(keys []uint64, key uint64) int {
	return sort.Search(len(keys), func(i int) bool { return keys[i] >= key })
}

// Get looks up key, returning (value, true, nil) if found.
func (t *BTree) Get(key uint64) (uint64, bool, error) {
	n, err := t.readNode(t.root)
	if err != nil {
		return 0, false, err
	}
	for {
		i := search(n.keys, key)
		if n.leaf {
			if i < len(n.keys) && n.keys[i] == key {
				return n.values[i], true, nil
			}
			return 0, false, nil
		}
		if i < len(n.keys) && n.keys[i] == key {
			i++
		}
		n, err = t.readNode(n.values[i])
		if err != nil {
			return 0, false, err
		}
	}
}

// Flush writes back all modified cached nodes and the tree metadata.
func (t *BTree) Flush() error {
	if err := t.cache.Flush(true); err != nil {
		return err
	}
	return t.writeMeta()
}

// Close flushes and releases the backing equiblobs.File.
func (t *BTree) Close() error {
	if err := t.Flush(); err != nil {
		return err
	}
	return t.equi.Close()
}

// Each walks the leaf chain from the first leaf, yielding ordered
// (key, value) pairs until f returns false.
func (t *BTree) Each(f func(key, value uint64) bool) error {
	n, err := t.firstLeaf()
	if err != nil {
		return err
	}
	for n != nil {
		for i, k := range n.keys {
			if !f(k, n.values[i]) {
				return nil
			}
		}
		if n.next == 0 {
			break
		}
		n, err = t.readNode(n.next)
		if err != nil {
			return err
		}
	}
	return nil
}

// ReverseEach walks the leaf chain from the last leaf, yielding descending
// (key, value) pairs until f returns false.
func (t *BTree) ReverseEach(f func(key, value uint64) bool) error {
	n, err := t.lastLeaf()
	if err != nil {
		return err
	}
	for n != nil {
		for i := len(n.keys) - 1; i >= 0; i-- {
			if !f(n.keys[i], n.values[i]) {
				return nil
			}
		}
		if n.prev == 0 {
			break
		}
		n, err = t.readNode(n.prev)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *BTree) firstLeaf() (*node, error) {
	n, err := t.readNode(t.root)
	if err != nil {
		return nil, err
	}
	for !n.leaf {
		n, err = t.readNode(n.values[0])
		if err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (t *BTree) lastLeaf() (*node, error) {
	n, err := t.readNode(t.root)
	if err != nil {
		return nil, err
	}
	for !n.leaf {
		n, err = t.readNode(n.values[len(n.values)-1])
		if err != nil {
			return nil, err
		}
	}
	return n, nil
}

// Count returns the number of entries in the tree.
func (t *BTree) Count() uint64 { return t.count }

// Underlying returns the equiblobs.File backing this tree's nodes, for
// callers that need to run a structural check over it directly.
func (t *BTree) Underlying() *equiblobs.File { return t.equi }

// Cache returns the pagecache.Cache backing this tree's node IO, for
// callers that want to register its hit/miss/eviction counters.
func (t *BTree) Cache() *pagecache.Cache { return t.cache }
