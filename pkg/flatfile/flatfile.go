// Package flatfile implements the variable-length, CRC-protected blob
// store described in spec.md §3/§4.2: the payload store underneath
// FlatFileDB. A FlatFile never looks inside a payload; it stores and
// retrieves exactly the bytes it was given, modulo the optional zlib
// compression layer.
package flatfile

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"github.com/klauspost/compress/zlib"

	"github.com/jhunt/perobs/pkg/dberr"
)

// compressThreshold is the minimum payload size worth spending a zlib
// round trip on; tiny payloads compress poorly and the savings don't
// justify the CPU cost of a stream on every read.
const compressThreshold = 256

// Index is the address index a FlatFile records (id -> offset) entries
// into. *btree.BTree satisfies this.
type Index interface {
	Insert(id, offset uint64) error
	Get(id uint64) (uint64, bool, error)
	Remove(id uint64) error
	Each(f func(id, offset uint64) bool) error
}

// SpaceSource is the free-space manager a FlatFile draws allocations
// from and returns deleted regions to. *spacemgr.Manager satisfies this.
type SpaceSource interface {
	GetSpace(length uint64) (offset uint64, ok bool, err error)
	AddSpace(offset, length uint64) error
	Reset() error
}

// FlatFile is the payload store.
type FlatFile struct {
	mu       sync.Mutex
	f        *os.File
	index    Index
	space    SpaceSource
	compress bool
}

// Open creates or opens the FlatFile at path, using index and space as
// its address index and free-space manager.
func Open(path string, index Index, space SpaceSource, compress bool) (*FlatFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, dberr.Wrap(dberr.IOFailure, "flatfile.Open", err)
	}
	return &FlatFile{f: f, index: index, space: space, compress: compress}, nil
}

func (ff *FlatFile) pack(data []byte) (payload []byte, compressed bool) {
	if !ff.compress || len(data) < compressThreshold {
		return data, false
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return data, false
	}
	if err := w.Close(); err != nil {
		return data, false
	}
	if buf.Len() >= len(data) {
		return data, false
	}
	return buf.Bytes(), true
}

func (ff *FlatFile) unpack(payload []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return payload, nil
	}
	r, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, dberr.Wrap(dberr.Corruption, "flatfile.unpack", err)
	}
	defer r.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		return nil, dberr.Wrap(dberr.Corruption, "flatfile.unpack", err)
	}
	return out.Bytes(), nil
}

func (ff *FlatFile) fileSize() (int64, error) {
	info, err := ff.f.Stat()
	if err != nil {
		return 0, dberr.Wrap(dberr.IOFailure, "flatfile.fileSize", err)
	}
	return info.Size(), nil
}

// writeRecord writes a header+payload record at offset and fsyncs it.
func (ff *FlatFile) writeRecord(offset int64, h *header, payload []byte) error {
	hdrBytes := h.encode(payload)
	if _, err := ff.f.WriteAt(hdrBytes, offset); err != nil {
		return dberr.Wrap(dberr.IOFailure, "flatfile.writeRecord", err)
	}
	if len(payload) > 0 {
		if _, err := ff.f.WriteAt(payload, offset+HeaderSize); err != nil {
			return dberr.Wrap(dberr.IOFailure, "flatfile.writeRecord", err)
		}
	}
	if err := ff.f.Sync(); err != nil {
		return dberr.Wrap(dberr.IOFailure, "flatfile.writeRecord: sync", err)
	}
	return nil
}

func (ff *FlatFile) readHeaderAt(offset int64) (*header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := ff.f.ReadAt(buf, offset); err != nil {
		return nil, dberr.Wrap(dberr.IOFailure, "flatfile.readHeaderAt", err)
	}
	h, ok := decodeHeader(buf)
	if !ok {
		return nil, dberr.Wrap(dberr.Corruption, "flatfile.readHeaderAt", fmt.Errorf("header CRC mismatch at offset %d", offset))
	}
	return h, nil
}

// write is the shared implementation behind Write and WriteTentative.
func (ff *FlatFile) write(id uint64, data []byte, outdated bool) (uint64, error) {
	payload, compressed := ff.pack(data)
	length := uint64(len(payload))

	offset, ok, err := ff.space.GetSpace(length)
	if err != nil {
		return 0, err
	}
	if !ok {
		size, err := ff.fileSize()
		if err != nil {
			return 0, err
		}
		offset = uint64(size)
	}

	h := &header{length: length, id: id}
	h.setValid(true)
	h.setCompressed(compressed)
	h.setOutdated(outdated)

	if err := ff.writeRecord(int64(offset), h, payload); err != nil {
		return 0, err
	}
	return offset, nil
}

// Write stores data under id, returning the offset it was written at.
// The payload is written and fsynced before the index is updated, so a
// crash between the two leaves, at worst, an un-indexed record that
// RegenerateIndexAndSpaces re-indexes — never a torn record.
func (ff *FlatFile) Write(id uint64, data []byte) (uint64, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	offset, err := ff.write(id, data, false)
	if err != nil {
		return 0, err
	}
	if err := ff.index.Insert(id, offset); err != nil {
		return 0, err
	}
	return offset, nil
}

// WriteTentative stores data under id with the outdated bit set and does
// not touch the index. Call Commit to finalize it, or leave it: recovery
// treats any still-outdated record as free space.
func (ff *FlatFile) WriteTentative(id uint64, data []byte) (uint64, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.write(id, data, true)
}

// Commit clears the outdated bit on the record at offset and indexes it.
// It fails with dberr.Corruption if the record isn't the outdated record
// for id.
func (ff *FlatFile) Commit(offset, id uint64) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	h, err := ff.readHeaderAt(int64(offset))
	if err != nil {
		return err
	}
	if !h.valid() || !h.outdated() || h.id != id {
		return dberr.Wrap(dberr.Corruption, "flatfile.Commit", fmt.Errorf("no tentative record for id %d at offset %d", id, offset))
	}
	h.setOutdated(false)
	hdrBytes := h.encode(nil)
	if _, err := ff.f.WriteAt(hdrBytes, int64(offset)); err != nil {
		return dberr.Wrap(dberr.IOFailure, "flatfile.Commit", err)
	}
	if err := ff.f.Sync(); err != nil {
		return dberr.Wrap(dberr.IOFailure, "flatfile.Commit: sync", err)
	}
	return ff.index.Insert(id, offset)
}

// Read looks up id and returns its bytes.
func (ff *FlatFile) Read(id uint64) ([]byte, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	offset, ok, err := ff.index.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, dberr.Wrap(dberr.NotFound, "flatfile.Read", nil)
	}

	h, err := ff.readHeaderAt(int64(offset))
	if err != nil {
		return nil, err
	}
	if h.id != id {
		return nil, dberr.Wrap(dberr.NotFound, "flatfile.Read", fmt.Errorf("header at offset %d has id %d, expected %d", offset, h.id, id))
	}

	payload := make([]byte, h.length)
	if h.length > 0 {
		if _, err := ff.f.ReadAt(payload, int64(offset)+HeaderSize); err != nil {
			return nil, dberr.Wrap(dberr.IOFailure, "flatfile.Read", err)
		}
	}
	if crc32.ChecksumIEEE(payload) != h.payloadCRC {
		return nil, dberr.Wrap(dberr.ChecksumMismatch, "flatfile.Read", nil)
	}

	return ff.unpack(payload, h.compressed())
}

// Delete clears id's record to a free region and hands it to the
// SpaceManager. Returns false if id has no record.
func (ff *FlatFile) Delete(id uint64) (bool, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.delete(id)
}

func (ff *FlatFile) delete(id uint64) (bool, error) {
	offset, ok, err := ff.index.Get(id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	h, err := ff.readHeaderAt(int64(offset))
	if err != nil {
		return false, err
	}
	if err := ff.clearToFree(int64(offset), h.length); err != nil {
		return false, err
	}
	if err := ff.space.AddSpace(offset, h.length); err != nil {
		return false, err
	}
	if err := ff.index.Remove(id); err != nil {
		return false, err
	}
	return true, nil
}

// clearToFree overwrites the header at offset with a zeroed free-region
// header of the given length.
func (ff *FlatFile) clearToFree(offset int64, length uint64) error {
	free := &header{length: length}
	if _, err := ff.f.WriteAt(free.encode(nil), offset); err != nil {
		return dberr.Wrap(dberr.IOFailure, "flatfile.clearToFree", err)
	}
	if err := ff.f.Sync(); err != nil {
		return dberr.Wrap(dberr.IOFailure, "flatfile.clearToFree: sync", err)
	}
	return nil
}

// Mark sets id's mark bit.
func (ff *FlatFile) Mark(id uint64) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.setMark(id, true)
}

func (ff *FlatFile) setMark(id uint64, v bool) error {
	offset, ok, err := ff.index.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return dberr.Wrap(dberr.NotFound, "flatfile.setMark", nil)
	}
	h, err := ff.readHeaderAt(int64(offset))
	if err != nil {
		return err
	}
	h.setMarked(v)
	if _, err := ff.f.WriteAt(h.encode(nil), int64(offset)); err != nil {
		return dberr.Wrap(dberr.IOFailure, "flatfile.setMark", err)
	}
	return nil
}

// IsMarked reports whether id's record has its mark bit set.
func (ff *FlatFile) IsMarked(id uint64) (bool, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	offset, ok, err := ff.index.Get(id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, dberr.Wrap(dberr.NotFound, "flatfile.IsMarked", nil)
	}
	h, err := ff.readHeaderAt(int64(offset))
	if err != nil {
		return false, err
	}
	return h.marked(), nil
}

// ClearAllMarks walks every header sequentially, clearing the mark bit.
func (ff *FlatFile) ClearAllMarks() error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	return ff.scan(false, func(pos int64, h *header) error {
		if h.valid() && h.marked() {
			h.setMarked(false)
			if _, err := ff.f.WriteAt(h.encode(nil), pos); err != nil {
				return dberr.Wrap(dberr.IOFailure, "flatfile.ClearAllMarks", err)
			}
		}
		return nil
	})
}

// DeleteUnmarked scans sequentially, deleting every valid record whose
// mark bit is clear, and returns the deleted ids. It defragments
// afterward.
func (ff *FlatFile) DeleteUnmarked() ([]uint64, error) {
	ff.mu.Lock()
	var toDelete []uint64
	err := ff.scan(false, func(pos int64, h *header) error {
		if h.valid() && !h.marked() && !h.outdated() {
			toDelete = append(toDelete, h.id)
		}
		return nil
	})
	ff.mu.Unlock()
	if err != nil {
		return nil, err
	}

	removed := make([]uint64, 0, len(toDelete))
	for _, id := range toDelete {
		ff.mu.Lock()
		ok, err := ff.delete(id)
		ff.mu.Unlock()
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, id)
		}
	}

	if err := ff.Defragment(); err != nil {
		return removed, err
	}
	return removed, nil
}

// scan walks every record sequentially from offset 0, calling f with each
// record's header and on-disk position. If recover is false, a corrupted
// header aborts the scan with dberr.Corruption. If recover is true, the
// scan resynchronizes byte-by-byte until it finds a header whose CRC
// validates.
func (ff *FlatFile) scan(recover bool, f func(pos int64, h *header) error) error {
	size, err := ff.fileSize()
	if err != nil {
		return err
	}

	pos := int64(0)
	for pos < size {
		if pos+HeaderSize > size {
			if recover {
				break
			}
			return dberr.Wrap(dberr.Corruption, "flatfile.scan", fmt.Errorf("truncated header at offset %d", pos))
		}

		buf := make([]byte, HeaderSize)
		if _, err := ff.f.ReadAt(buf, pos); err != nil {
			return dberr.Wrap(dberr.IOFailure, "flatfile.scan", err)
		}
		h, ok := decodeHeader(buf)
		if !ok {
			if !recover {
				return dberr.Wrap(dberr.Corruption, "flatfile.scan", fmt.Errorf("bad header CRC at offset %d", pos))
			}
			pos++
			continue
		}

		recLen := HeaderSize + int64(h.length)
		if pos+recLen > size {
			if recover {
				pos++
				continue
			}
			return dberr.Wrap(dberr.Corruption, "flatfile.scan", fmt.Errorf("record at offset %d overruns file", pos))
		}

		if err := f(pos, h); err != nil {
			return err
		}
		pos += recLen
	}
	return nil
}

// RegenerateIndexAndSpaces clears the index and the SpaceManager and
// rebuilds both from a sequential scan of the file: valid records are
// re-indexed, free regions (and any still-outdated tentative records,
// which are converted to free regions in place) are re-added to the
// SpaceManager.
func (ff *FlatFile) RegenerateIndexAndSpaces() error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	if err := resetIndex(ff.index); err != nil {
		return err
	}
	if err := ff.space.Reset(); err != nil {
		return err
	}

	var toFree []struct {
		pos    int64
		length uint64
	}
	var toIndex []struct {
		id     uint64
		offset uint64
	}

	err := ff.scan(true, func(pos int64, h *header) error {
		switch {
		case h.valid() && !h.outdated():
			toIndex = append(toIndex, struct {
				id     uint64
				offset uint64
			}{h.id, uint64(pos)})
		case h.valid() && h.outdated():
			toFree = append(toFree, struct {
				pos    int64
				length uint64
			}{pos, h.length})
		case !h.valid() && h.length > 0:
			if err := ff.space.AddSpace(uint64(pos), h.length); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, t := range toFree {
		if err := ff.clearToFree(t.pos, t.length); err != nil {
			return err
		}
		if err := ff.space.AddSpace(uint64(t.pos), t.length); err != nil {
			return err
		}
	}
	for _, t := range toIndex {
		if err := ff.index.Insert(t.id, t.offset); err != nil {
			return err
		}
	}
	return nil
}

func resetIndex(idx Index) error {
	var ids []uint64
	if err := idx.Each(func(id, _ uint64) bool {
		ids = append(ids, id)
		return true
	}); err != nil {
		return err
	}
	for _, id := range ids {
		if err := idx.Remove(id); err != nil {
			return err
		}
	}
	return nil
}

// Defragment rewrites the file to remove all free regions, preserving
// the relative order of valid records, then truncates the file and
// resets the SpaceManager.
func (ff *FlatFile) Defragment() error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	size, err := ff.fileSize()
	if err != nil {
		return err
	}

	var d int64
	pos := int64(0)
	for pos < size {
		buf := make([]byte, HeaderSize)
		if _, err := ff.f.ReadAt(buf, pos); err != nil {
			return dberr.Wrap(dberr.IOFailure, "flatfile.Defragment", err)
		}
		h, ok := decodeHeader(buf)
		if !ok {
			return dberr.Wrap(dberr.Corruption, "flatfile.Defragment", fmt.Errorf("bad header CRC at offset %d", pos))
		}
		recLen := HeaderSize + int64(h.length)

		if h.valid() {
			if d > 0 {
				full := make([]byte, recLen)
				if _, err := ff.f.ReadAt(full, pos); err != nil {
					return dberr.Wrap(dberr.IOFailure, "flatfile.Defragment", err)
				}
				newPos := pos - d
				if _, err := ff.f.WriteAt(full, newPos); err != nil {
					return dberr.Wrap(dberr.IOFailure, "flatfile.Defragment", err)
				}
				if !h.outdated() {
					if err := ff.index.Insert(h.id, uint64(newPos)); err != nil {
						return err
					}
				}
				gapLen := uint64(d) - HeaderSize
				gapHdr := &header{length: gapLen}
				if _, err := ff.f.WriteAt(gapHdr.encode(nil), newPos+recLen); err != nil {
					return dberr.Wrap(dberr.IOFailure, "flatfile.Defragment", err)
				}
			}
		} else {
			d += recLen
		}
		pos += recLen
	}

	if err := ff.f.Sync(); err != nil {
		return dberr.Wrap(dberr.IOFailure, "flatfile.Defragment: sync", err)
	}
	if err := ff.f.Truncate(size - d); err != nil {
		return dberr.Wrap(dberr.IOFailure, "flatfile.Defragment: truncate", err)
	}
	return ff.space.Reset()
}

// IsFreeRegion reports whether the record at offset is a free region of
// exactly length bytes. Implements spacemgr.RegionChecker.
func (ff *FlatFile) IsFreeRegion(offset, length uint64) (bool, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	h, err := ff.readHeaderAt(int64(offset))
	if err != nil {
		return false, err
	}
	return !h.valid() && h.length == length, nil
}

// Close flushes and releases the underlying file.
func (ff *FlatFile) Close() error {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if err := ff.f.Sync(); err != nil {
		return dberr.Wrap(dberr.IOFailure, "flatfile.Close: sync", err)
	}
	if err := ff.f.Close(); err != nil {
		return dberr.Wrap(dberr.IOFailure, "flatfile.Close", err)
	}
	return nil
}
