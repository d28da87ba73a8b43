package network

import "encoding/binary"

// StructyMessage assembles a packed sequence of kernel structures of
// varying types into one contiguous buffer, the layout style shared by
// netlink payloads and netfilter table images. Records are appended at
// aligned offsets; size fields that kernel interfaces want as offsets
// between records are computed from the offsets Add returns.
//
// The builder is agnostic of specific structures: callers reserve zeroed
// regions and poke fields in by offset.
type StructyMessage struct {
	buf   []byte
	align int
}

// NewStructyMessage returns a builder aligning records to align bytes.
func NewStructyMessage(align int) *StructyMessage {
	if align <= 0 {
		align = 8
	}
	return &StructyMessage{align: align}
}

// pad extends the buffer to the next alignment boundary.
func (m *StructyMessage) pad() {
	if rem := len(m.buf) % m.align; rem != 0 {
		m.buf = append(m.buf, make([]byte, m.align-rem)...)
	}
}

// Add reserves a zeroed record of size bytes at the next aligned offset
// and returns that offset.
func (m *StructyMessage) Add(size int) int {
	m.pad()
	off := len(m.buf)
	m.buf = append(m.buf, make([]byte, size)...)
	return off
}

// AddString appends s with a terminating NUL, unaligned.
func (m *StructyMessage) AddString(s string) int {
	off := len(m.buf)
	m.buf = append(m.buf, s...)
	m.buf = append(m.buf, 0)
	return off
}

// AddBytes appends b verbatim, unaligned.
func (m *StructyMessage) AddBytes(b []byte) int {
	off := len(m.buf)
	m.buf = append(m.buf, b...)
	return off
}

// End pads the buffer to alignment and returns the resulting length. Size
// fields that span up to "the end of this record's payload" must be
// computed against an aligned end, since the next record starts there.
func (m *StructyMessage) End() int {
	m.pad()
	return len(m.buf)
}

// Len returns the current unpadded length.
func (m *StructyMessage) Len() int { return len(m.buf) }

// Bytes returns the assembled message.
func (m *StructyMessage) Bytes() []byte { return m.buf }

// Field setters. Kernel structures are native-endian (little on all
// supported targets); addresses and ports go over the wire big-endian.

func (m *StructyMessage) PutUint16(off int, v uint16) {
	binary.LittleEndian.PutUint16(m.buf[off:], v)
}

func (m *StructyMessage) PutUint32(off int, v uint32) {
	binary.LittleEndian.PutUint32(m.buf[off:], v)
}

func (m *StructyMessage) PutUint64(off int, v uint64) {
	binary.LittleEndian.PutUint64(m.buf[off:], v)
}

func (m *StructyMessage) PutUint16BE(off int, v uint16) {
	binary.BigEndian.PutUint16(m.buf[off:], v)
}

func (m *StructyMessage) PutUint32BE(off int, v uint32) {
	binary.BigEndian.PutUint32(m.buf[off:], v)
}

func (m *StructyMessage) PutString(off int, s string) {
	copy(m.buf[off:], s)
}
