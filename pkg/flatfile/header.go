package flatfile

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
)

const (
	// HeaderSize is the fixed on-disk size of a blob record header.
	HeaderSize = 25

	flagValid      = 1 << 0
	flagMark       = 1 << 1
	flagCompressed = 1 << 2
	flagOutdated   = 1 << 3
)

// header is the 25-byte record header preceding every blob's payload.
type header struct {
	flags      byte
	length     uint64
	id         uint64
	payloadCRC uint32
	headerCRC  uint32
}

func (h *header) valid() bool      { return h.flags&flagValid != 0 }
func (h *header) marked() bool     { return h.flags&flagMark != 0 }
func (h *header) compressed() bool { return h.flags&flagCompressed != 0 }
func (h *header) outdated() bool   { return h.flags&flagOutdated != 0 }

func (h *header) setValid(v bool)      { setFlag(&h.flags, flagValid, v) }
func (h *header) setMarked(v bool)     { setFlag(&h.flags, flagMark, v) }
func (h *header) setCompressed(v bool) { setFlag(&h.flags, flagCompressed, v) }
func (h *header) setOutdated(v bool)   { setFlag(&h.flags, flagOutdated, v) }

func setFlag(flags *byte, bit byte, v bool) {
	if v {
		*flags |= bit
	} else {
		*flags &^= bit
	}
}

// encode serializes the header, computing payloadCRC (over payload, if
// given) and headerCRC (over the preceding 21 bytes).
func (h *header) encode(payload []byte) []byte {
	if payload != nil {
		h.payloadCRC = crc32.ChecksumIEEE(payload)
	}
	buf := new(bytes.Buffer)
	buf.WriteByte(h.flags)
	binary.Write(buf, binary.LittleEndian, h.length)
	binary.Write(buf, binary.LittleEndian, h.id)
	binary.Write(buf, binary.LittleEndian, h.payloadCRC)
	h.headerCRC = crc32.ChecksumIEEE(buf.Bytes())
	binary.Write(buf, binary.LittleEndian, h.headerCRC)
	return buf.Bytes()
}

func decodeHeader(data []byte) (*header, bool) {
	if len(data) != HeaderSize {
		return nil, false
	}
	h := &header{
		flags:      data[0],
		length:     binary.LittleEndian.Uint64(data[1:9]),
		id:         binary.LittleEndian.Uint64(data[9:17]),
		payloadCRC: binary.LittleEndian.Uint32(data[17:21]),
		headerCRC:  binary.LittleEndian.Uint32(data[21:25]),
	}
	if crc32.ChecksumIEEE(data[:21]) != h.headerCRC {
		return h, false
	}
	return h, true
}
