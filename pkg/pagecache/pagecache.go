// Package pagecache implements a bounded, write-back cache for the fixed
// size records (B-tree nodes, free-list cells) stored in an
// equiblobs.File. It holds at most capacity entries in a modulo-indexed
// slot array; entries whose modified bit is set are written back on
// eviction, on an explicit Flush, or once the number of modified entries
// crosses watermark.
package pagecache

import (
	"sync"

	"github.com/jhunt/perobs/pkg/equiblobs"
)

// Stats mirrors the hit/miss/eviction counters a real page cache exposes
// for diagnostics (see DESIGN.md for the grounding example).
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

// Backing is the write-back target: an EquiBlobsFile (or any cell store
// with the same shape).
type Backing interface {
	StoreBlob(addr equiblobs.Address, data []byte) error
	RetrieveBlob(addr equiblobs.Address) ([]byte, error)
}

type entry struct {
	addr     equiblobs.Address
	data     []byte
	modified bool
}

// Cache is a bounded write-back cache of fixed-size records.
type Cache struct {
	mu sync.Mutex

	capacity  int
	watermark int
	backing   Backing

	slots    []*entry
	modified map[equiblobs.Address]*entry

	stats Stats
}

// New builds a Cache of the given capacity (slot count) and watermark
// (number of modified entries that triggers an eager flush), backed by b.
func New(capacity, watermark int, b Backing) *Cache {
	if capacity <= 0 {
		capacity = 64
	}
	if watermark <= 0 || watermark > capacity {
		watermark = capacity
	}
	return &Cache{
		capacity:  capacity,
		watermark: watermark,
		backing:   b,
		slots:     make([]*entry, capacity),
		modified:  make(map[equiblobs.Address]*entry),
	}
}

func (c *Cache) slot(addr equiblobs.Address) int {
	return int(addr % uint64(c.capacity))
}

// Get returns the current bytes for addr, from cache if present, else
// loaded from backing and inserted unmodified.
func (c *Cache) Get(addr equiblobs.Address) ([]byte, error) {
	c.mu.Lock()
	idx := c.slot(addr)
	if e := c.slots[idx]; e != nil && e.addr == addr {
		c.stats.Hits++
		data := e.data
		c.mu.Unlock()
		return data, nil
	}
	c.stats.Misses++
	c.mu.Unlock()

	data, err := c.backing.RetrieveBlob(addr)
	if err != nil {
		return nil, err
	}
	if err := c.insert(addr, data, false); err != nil {
		return nil, err
	}
	return data, nil
}

// Put stores data for addr as a modified entry, to be written back on
// flush or eviction.
func (c *Cache) Put(addr equiblobs.Address, data []byte) error {
	return c.insert(addr, data, true)
}

// insert places or merges an entry for addr, evicting (and flushing, if
// modified) whatever currently occupies that slot.
func (c *Cache) insert(addr equiblobs.Address, data []byte, modified bool) error {
	c.mu.Lock()

	idx := c.slot(addr)
	existing := c.slots[idx]

	if existing != nil && existing.addr == addr {
		existing.data = data
		existing.modified = existing.modified || modified
		if existing.modified {
			c.modified[addr] = existing
		}
		overWatermark := len(c.modified) > c.watermark
		c.mu.Unlock()
		if overWatermark {
			return c.Flush(false)
		}
		return nil
	}

	var evicted *entry
	if existing != nil {
		evicted = existing
		delete(c.modified, existing.addr)
		c.stats.Evictions++
	}

	e := &entry{addr: addr, data: data, modified: modified}
	c.slots[idx] = e
	if modified {
		c.modified[addr] = e
	}
	overWatermark := len(c.modified) > c.watermark
	c.mu.Unlock()

	if evicted != nil && evicted.modified {
		if err := c.backing.StoreBlob(evicted.addr, evicted.data); err != nil {
			return err
		}
	}
	if overWatermark {
		return c.Flush(false)
	}
	return nil
}

// Forget drops any cached entry for addr without writing it back. Used
// when the caller is about to delete the underlying cell.
func (c *Cache) Forget(addr equiblobs.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.slot(addr)
	if e := c.slots[idx]; e != nil && e.addr == addr {
		c.slots[idx] = nil
	}
	delete(c.modified, addr)
}

// Flush writes back modified entries. If force is true all modified
// entries are written regardless of the watermark; otherwise this is a
// no-op unless the modified count exceeds the watermark (callers that
// want an unconditional flush should pass true).
func (c *Cache) Flush(force bool) error {
	c.mu.Lock()
	if !force && len(c.modified) <= c.watermark {
		c.mu.Unlock()
		return nil
	}
	toWrite := make([]*entry, 0, len(c.modified))
	for _, e := range c.modified {
		toWrite = append(toWrite, e)
	}
	c.mu.Unlock()

	for _, e := range toWrite {
		if err := c.backing.StoreBlob(e.addr, e.data); err != nil {
			return err
		}
		c.mu.Lock()
		e.modified = false
		delete(c.modified, e.addr)
		c.mu.Unlock()
	}
	return nil
}

// Clear drops all cached entries without writing them back. Only safe to
// call immediately after a forced Flush.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		c.slots[i] = nil
	}
	c.modified = make(map[equiblobs.Address]*entry)
}

// Stats returns a snapshot of cache hit/miss/eviction counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
