package flatfile

import "hash/crc32"

// Check scans every record in recovery mode, counting problems: payload
// CRC mismatches, and committed records whose offset disagrees with (or
// is absent from) the index. It never modifies the file; callers that
// want repair call RegenerateIndexAndSpaces afterward.
func (ff *FlatFile) Check() (int, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	errs := 0
	err := ff.scan(true, func(pos int64, h *header) error {
		if !h.valid() {
			return nil
		}

		payload := make([]byte, h.length)
		if h.length > 0 {
			if _, err := ff.f.ReadAt(payload, pos+HeaderSize); err != nil {
				return err
			}
		}
		if crc32.ChecksumIEEE(payload) != h.payloadCRC {
			errs++
		}

		if h.outdated() {
			return nil
		}
		offset, ok, err := ff.index.Get(h.id)
		if err != nil {
			return err
		}
		if !ok || offset != uint64(pos) {
			errs++
		}
		return nil
	})
	return errs, err
}
