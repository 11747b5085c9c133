// DWARF call-frame and LSDA byte stream reader.
// Implements the LEB128 and DW_EH_PE pointer encodings used by .eh_frame
// and .gcc_except_table.
package ehframe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrStreamEOF     = errors.New("stream: unexpected end of data")
	ErrStreamOverrun = errors.New("stream: value too large")
	ErrEncoding      = errors.New("stream: unsupported pointer encoding")
)

// Pointer encodings (DW_EH_PE_*).
const (
	peAbsptr  = 0x00
	peULEB128 = 0x01
	peUdata2  = 0x02
	peUdata4  = 0x03
	peUdata8  = 0x04
	peSLEB128 = 0x09
	peSdata2  = 0x0a
	peSdata4  = 0x0b
	peSdata8  = 0x0c

	pePCRel    = 0x10
	peTextRel  = 0x20
	peDataRel  = 0x30
	peFuncRel  = 0x40
	peIndirect = 0x80
	peOmit     = 0xff
)

// Stream reads little-endian DWARF data. addr is the load address of data[0],
// used to resolve pc-relative pointers.
type Stream struct {
	data []byte
	pos  int
	end  int
	addr uint64
}

// NewStream creates a stream over data loaded at addr.
func NewStream(data []byte, addr uint64) *Stream {
	return &Stream{data: data, end: len(data), addr: addr}
}

// NewStreamAt creates a stream starting at offset within data.
func NewStreamAt(data []byte, addr uint64, offset int) *Stream {
	s := NewStream(data, addr)
	s.SetPosition(offset)
	return s
}

// Position returns the current read position.
func (s *Stream) Position() int { return s.pos }

// Addr returns the load address of the current position.
func (s *Stream) Addr() uint64 { return s.addr + uint64(s.pos) }

// SetPosition sets the read position.
func (s *Stream) SetPosition(pos int) {
	if pos > s.end {
		pos = s.end
	}
	if pos < 0 {
		pos = 0
	}
	s.pos = pos
}

// Remaining returns bytes left to read.
func (s *Stream) Remaining() int { return s.end - s.pos }

// ReadByte reads a single byte.
func (s *Stream) ReadByte() (byte, error) {
	if s.pos >= s.end {
		return 0, ErrStreamEOF
	}
	b := s.data[s.pos]
	s.pos++
	return b, nil
}

// ReadBytes reads n bytes into a new slice.
func (s *Stream) ReadBytes(n int) ([]byte, error) {
	if n < 0 || n > s.end-s.pos {
		return nil, ErrStreamEOF
	}
	out := make([]byte, n)
	copy(out, s.data[s.pos:s.pos+n])
	s.pos += n
	return out, nil
}

// ReadUint16 reads a little-endian uint16.
func (s *Stream) ReadUint16() (uint16, error) {
	if s.pos+2 > s.end {
		return 0, ErrStreamEOF
	}
	v := binary.LittleEndian.Uint16(s.data[s.pos:])
	s.pos += 2
	return v, nil
}

// ReadUint32 reads a little-endian uint32.
func (s *Stream) ReadUint32() (uint32, error) {
	if s.pos+4 > s.end {
		return 0, ErrStreamEOF
	}
	v := binary.LittleEndian.Uint32(s.data[s.pos:])
	s.pos += 4
	return v, nil
}

// ReadUint64 reads a little-endian uint64.
func (s *Stream) ReadUint64() (uint64, error) {
	if s.pos+8 > s.end {
		return 0, ErrStreamEOF
	}
	v := binary.LittleEndian.Uint64(s.data[s.pos:])
	s.pos += 8
	return v, nil
}

// ReadULEB128 reads an unsigned LEB128 value.
func (s *Stream) ReadULEB128() (uint64, error) {
	var r uint64
	var shift uint
	for {
		b, err := s.ReadByte()
		if err != nil {
			return 0, err
		}
		if shift >= 64 {
			return 0, ErrStreamOverrun
		}
		r |= uint64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			return r, nil
		}
	}
}

// ReadSLEB128 reads a signed LEB128 value.
func (s *Stream) ReadSLEB128() (int64, error) {
	var r int64
	var shift uint
	for {
		b, err := s.ReadByte()
		if err != nil {
			return 0, err
		}
		if shift >= 64 {
			return 0, ErrStreamOverrun
		}
		r |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				r |= -1 << shift
			}
			return r, nil
		}
	}
}

// ReadCString reads a null-terminated string.
func (s *Stream) ReadCString() (string, error) {
	start := s.pos
	for s.pos < s.end {
		if s.data[s.pos] == 0 {
			str := string(s.data[start:s.pos])
			s.pos++ // skip null terminator
			return str, nil
		}
		s.pos++
	}
	return "", fmt.Errorf("stream: unterminated string at offset %d", start)
}

// Skip advances the position by n bytes.
func (s *Stream) Skip(n int) error {
	if n < 0 || n > s.end-s.pos {
		return ErrStreamEOF
	}
	s.pos += n
	return nil
}

// ReadEncoded reads a pointer in the given DW_EH_PE encoding. Pc-relative
// values are resolved against the address of the field. The indirect bit is
// not followed: the result is the address of the slot.
func (s *Stream) ReadEncoded(enc byte) (uint64, error) {
	if enc == peOmit {
		return 0, nil
	}
	field := s.Addr()
	v, err := s.readFormat(enc & 0x0f)
	if err != nil {
		return 0, err
	}
	switch enc & 0x70 {
	case peAbsptr:
	case pePCRel:
		v += field
	case peTextRel, peDataRel, peFuncRel:
		// Bases for these are not known to a section-local reader.
	default:
		return 0, fmt.Errorf("%w: 0x%x", ErrEncoding, enc)
	}
	return v, nil
}

// ReadRange reads an FDE address range: the encoding's value format without
// its application.
func (s *Stream) ReadRange(enc byte) (uint64, error) {
	return s.readFormat(enc & 0x0f)
}

func (s *Stream) readFormat(format byte) (uint64, error) {
	switch format {
	case peAbsptr, peUdata8:
		return s.ReadUint64()
	case peULEB128:
		return s.ReadULEB128()
	case peUdata2:
		v, err := s.ReadUint16()
		return uint64(v), err
	case peUdata4:
		v, err := s.ReadUint32()
		return uint64(v), err
	case peSLEB128:
		v, err := s.ReadSLEB128()
		return uint64(v), err
	case peSdata2:
		v, err := s.ReadUint16()
		return uint64(int64(int16(v))), err
	case peSdata4:
		v, err := s.ReadUint32()
		return uint64(int64(int32(v))), err
	case peSdata8:
		return s.ReadUint64()
	}
	return 0, fmt.Errorf("%w: format 0x%x", ErrEncoding, format)
}

// AppendULEB128 appends the unsigned LEB128 encoding of v.
func AppendULEB128(b []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}
