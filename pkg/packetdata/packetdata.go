// Package packetdata implements the variable-length integer wire encoding
// used inside voice packets, plus helpers for reading and writing the
// little-endian positional floats.
//
// The codec operates over a caller-supplied byte slice and never allocates.
// All operations go through a single cursor; once any read or write runs
// past the end of the slice the stream is marked invalid and every
// subsequent operation is a no-op returning zero values. Callers check
// IsValid once after a batch of operations instead of per call.
package packetdata

import (
	"encoding/binary"
	"math"
)

// Stream is a cursor over a fixed byte slice.
type Stream struct {
	buf    []byte
	offset int
	ok     bool
}

// New returns a Stream positioned at the start of buf.
func New(buf []byte) *Stream {
	return &Stream{buf: buf, ok: true}
}

// IsValid reports whether every operation so far stayed within bounds.
func (s *Stream) IsValid() bool {
	return s.ok
}

// Size returns the number of bytes consumed or produced so far.
func (s *Stream) Size() int {
	return s.offset
}

// Left returns the number of unprocessed bytes.
func (s *Stream) Left() int {
	return len(s.buf) - s.offset
}

// Skip advances the cursor by n bytes.
func (s *Stream) Skip(n int) {
	if n < 0 || s.Left() < n {
		s.ok = false
		return
	}
	s.offset += n
}

// Next8 reads a single byte.
func (s *Stream) Next8() uint8 {
	if s.Left() < 1 {
		s.ok = false
		return 0
	}
	v := s.buf[s.offset]
	s.offset++
	return v
}

// PutUint8 writes a single byte.
func (s *Stream) PutUint8(v uint8) {
	if s.Left() < 1 {
		s.ok = false
		return
	}
	s.buf[s.offset] = v
	s.offset++
}

// CopyBytes writes the contents of src at the cursor.
func (s *Stream) CopyBytes(src []byte) {
	if s.Left() < len(src) {
		s.ok = false
		return
	}
	copy(s.buf[s.offset:], src)
	s.offset += len(src)
}

// GetUint64 decodes one varint.
//
// Layout, selected by the leading byte:
//
//	0xxxxxxx                            7-bit value
//	10xxxxxx + 1 byte                  14-bit value
//	110xxxxx + 2 bytes                 21-bit value
//	1110xxxx + 3 bytes                 28-bit value
//	111100__ + 4 bytes                 32-bit value
//	111101__ + 8 bytes                 64-bit value
//	111110__ + varint                  bitwise negation of the inner varint
//	111111xx                           bitwise negation of the two low bits
func (s *Stream) GetUint64() uint64 {
	v := uint64(s.Next8())
	if !s.ok {
		return 0
	}

	switch {
	case v&0x80 == 0:
		return v & 0x7f
	case v&0xc0 == 0x80:
		return (v&0x3f)<<8 | uint64(s.Next8())
	case v&0xf0 == 0xf0:
		switch v & 0xfc {
		case 0xf0:
			return uint64(s.Next8())<<24 | uint64(s.Next8())<<16 | uint64(s.Next8())<<8 | uint64(s.Next8())
		case 0xf4:
			return uint64(s.Next8())<<56 | uint64(s.Next8())<<48 | uint64(s.Next8())<<40 | uint64(s.Next8())<<32 |
				uint64(s.Next8())<<24 | uint64(s.Next8())<<16 | uint64(s.Next8())<<8 | uint64(s.Next8())
		case 0xf8:
			return ^s.GetUint64()
		case 0xfc:
			return ^(v & 0x03)
		default:
			s.ok = false
			return 0
		}
	case v&0xf0 == 0xe0:
		return (v&0x0f)<<24 | uint64(s.Next8())<<16 | uint64(s.Next8())<<8 | uint64(s.Next8())
	case v&0xe0 == 0xc0:
		return (v&0x1f)<<16 | uint64(s.Next8())<<8 | uint64(s.Next8())
	}

	s.ok = false
	return 0
}

// PutUint64 encodes one varint.
func (s *Stream) PutUint64(value uint64) {
	i := value
	if i&0x8000000000000000 != 0 && ^i < 0x100000000 {
		// Negative of a 32-bit value: encode the negation.
		i = ^i
		if i <= 0x3 {
			s.PutUint8(0xfc | uint8(i))
			return
		}
		s.PutUint8(0xf8)
	}
	switch {
	case i < 0x80:
		s.PutUint8(uint8(i))
	case i < 0x4000:
		s.PutUint8(0x80 | uint8(i>>8))
		s.PutUint8(uint8(i))
	case i < 0x200000:
		s.PutUint8(0xc0 | uint8(i>>16))
		s.PutUint8(uint8(i >> 8))
		s.PutUint8(uint8(i))
	case i < 0x10000000:
		s.PutUint8(0xe0 | uint8(i>>24))
		s.PutUint8(uint8(i >> 16))
		s.PutUint8(uint8(i >> 8))
		s.PutUint8(uint8(i))
	case i < 0x100000000:
		s.PutUint8(0xf0)
		s.PutUint8(uint8(i >> 24))
		s.PutUint8(uint8(i >> 16))
		s.PutUint8(uint8(i >> 8))
		s.PutUint8(uint8(i))
	default:
		s.PutUint8(0xf4)
		s.PutUint8(uint8(i >> 56))
		s.PutUint8(uint8(i >> 48))
		s.PutUint8(uint8(i >> 40))
		s.PutUint8(uint8(i >> 32))
		s.PutUint8(uint8(i >> 24))
		s.PutUint8(uint8(i >> 16))
		s.PutUint8(uint8(i >> 8))
		s.PutUint8(uint8(i))
	}
}

// GetUint32 decodes one varint truncated to 32 bits.
func (s *Stream) GetUint32() uint32 {
	return uint32(s.GetUint64())
}

// PutUint32 encodes a 32-bit value as a varint.
func (s *Stream) PutUint32(v uint32) {
	s.PutUint64(uint64(v))
}

// GetFloat32 reads a little-endian IEEE 754 float.
func (s *Stream) GetFloat32() float32 {
	if s.Left() < 4 {
		s.ok = false
		return 0
	}
	bits := binary.LittleEndian.Uint32(s.buf[s.offset:])
	s.offset += 4
	return math.Float32frombits(bits)
}

// PutFloat32 writes a little-endian IEEE 754 float.
func (s *Stream) PutFloat32(v float32) {
	if s.Left() < 4 {
		s.ok = false
		return
	}
	binary.LittleEndian.PutUint32(s.buf[s.offset:], math.Float32bits(v))
	s.offset += 4
}
