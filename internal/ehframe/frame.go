package ehframe

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedFrame = errors.New("ehframe: malformed .eh_frame")
	ErrDuplicateFDE   = errors.New("ehframe: CFI info was overlapped")
)

// CIE is a Common Information Entry.
type CIE struct {
	Offset       int
	Version      byte
	Augmentation string
	CodeAlign    uint64
	DataAlign    int64
	RAReg        uint64
	Initial      []byte

	FDEEnc  byte
	LSDAEnc byte
	PersEnc byte
	// Personality is the address the personality pointer resolves to. For the
	// usual indirect encoding this is the DW.ref slot, not the routine.
	Personality    uint64
	HasPersonality bool
	SignalFrame    bool
}

// FDE is a Frame Description Entry.
type FDE struct {
	Offset       int
	CIE          *CIE
	Start, End   uint64
	LSDA         uint64
	HasLSDA      bool
	Instructions []byte
}

// ParseEHFrame decodes every CIE and FDE in an .eh_frame section loaded at addr.
func ParseEHFrame(data []byte, addr uint64) ([]*FDE, error) {
	cies := make(map[int]*CIE)
	var fdes []*FDE

	s := NewStream(data, addr)
	for s.Remaining() >= 4 {
		start := s.Position()
		length, err := s.ReadUint32()
		if err != nil {
			return nil, err
		}
		if length == 0 {
			// Zero terminator.
			break
		}
		hdr := 4
		recLen := uint64(length)
		if length == 0xffffffff {
			if recLen, err = s.ReadUint64(); err != nil {
				return nil, err
			}
			hdr = 12
		}
		end := start + hdr + int(recLen)
		if recLen > uint64(len(data)) || end > len(data) {
			return nil, fmt.Errorf("%w: record at 0x%x overruns section", ErrMalformedFrame, start)
		}

		idPos := s.Position()
		id, err := s.ReadUint32()
		if err != nil {
			return nil, err
		}
		rec := NewStream(data[:end], addr)
		rec.SetPosition(s.Position())

		if id == 0 {
			cie, err := parseCIE(rec, start, end)
			if err != nil {
				return nil, fmt.Errorf("%w: CIE at 0x%x: %v", ErrMalformedFrame, start, err)
			}
			cies[start] = cie
		} else {
			cieOff := idPos - int(id)
			cie, ok := cies[cieOff]
			if !ok {
				// CIEs may follow their FDEs.
				var err error
				if cie, err = parseCIEAt(data, addr, cieOff); err != nil {
					return nil, fmt.Errorf("%w: FDE at 0x%x: %v", ErrMalformedFrame, start, err)
				}
				cies[cieOff] = cie
			}
			fde, err := parseFDE(rec, cie, start, end)
			if err != nil {
				return nil, fmt.Errorf("%w: FDE at 0x%x: %v", ErrMalformedFrame, start, err)
			}
			fdes = append(fdes, fde)
		}
		s.SetPosition(end)
	}
	return fdes, nil
}

func parseCIEAt(data []byte, addr uint64, off int) (*CIE, error) {
	if off < 0 || off+8 > len(data) {
		return nil, fmt.Errorf("CIE pointer 0x%x out of range", off)
	}
	s := NewStreamAt(data, addr, off)
	length, _ := s.ReadUint32()
	if length == 0xffffffff {
		return nil, fmt.Errorf("64-bit CIE at 0x%x is not referenced by 32-bit FDEs", off)
	}
	end := off + 4 + int(length)
	if end > len(data) {
		return nil, fmt.Errorf("CIE at 0x%x overruns section", off)
	}
	if id, _ := s.ReadUint32(); id != 0 {
		return nil, fmt.Errorf("0x%x is not a CIE", off)
	}
	rec := NewStream(data[:end], addr)
	rec.SetPosition(s.Position())
	return parseCIE(rec, off, end)
}

func parseCIE(s *Stream, start, end int) (*CIE, error) {
	c := &CIE{Offset: start, FDEEnc: peAbsptr, LSDAEnc: peOmit, PersEnc: peOmit}
	var err error
	if c.Version, err = s.ReadByte(); err != nil {
		return nil, err
	}
	if c.Augmentation, err = s.ReadCString(); err != nil {
		return nil, err
	}
	if strings.Contains(c.Augmentation, "eh") {
		if _, err := s.ReadUint64(); err != nil {
			return nil, err
		}
	}
	if c.CodeAlign, err = s.ReadULEB128(); err != nil {
		return nil, err
	}
	if c.DataAlign, err = s.ReadSLEB128(); err != nil {
		return nil, err
	}
	if c.Version == 1 {
		b, err := s.ReadByte()
		if err != nil {
			return nil, err
		}
		c.RAReg = uint64(b)
	} else if c.RAReg, err = s.ReadULEB128(); err != nil {
		return nil, err
	}

	if strings.HasPrefix(c.Augmentation, "z") {
		augLen, err := s.ReadULEB128()
		if err != nil {
			return nil, err
		}
		if augLen > uint64(end-s.Position()) {
			return nil, fmt.Errorf("augmentation data overruns CIE")
		}
		augEnd := s.Position() + int(augLen)
	aug:
		for _, ch := range c.Augmentation[1:] {
			switch ch {
			case 'L':
				if c.LSDAEnc, err = s.ReadByte(); err != nil {
					return nil, err
				}
			case 'R':
				if c.FDEEnc, err = s.ReadByte(); err != nil {
					return nil, err
				}
			case 'P':
				if c.PersEnc, err = s.ReadByte(); err != nil {
					return nil, err
				}
				if c.Personality, err = s.ReadEncoded(c.PersEnc); err != nil {
					return nil, err
				}
				c.HasPersonality = true
			case 'S':
				c.SignalFrame = true
			default:
				// Unknown augmentation: the length lets us skip the rest.
				break aug
			}
		}
		s.SetPosition(augEnd)
	}

	if c.Initial, err = s.ReadBytes(end - s.Position()); err != nil {
		return nil, err
	}
	return c, nil
}

func parseFDE(s *Stream, c *CIE, start, end int) (*FDE, error) {
	f := &FDE{Offset: start, CIE: c}
	var err error
	if f.Start, err = s.ReadEncoded(c.FDEEnc); err != nil {
		return nil, err
	}
	rng, err := s.ReadRange(c.FDEEnc)
	if err != nil {
		return nil, err
	}
	f.End = f.Start + rng

	if strings.HasPrefix(c.Augmentation, "z") {
		augLen, err := s.ReadULEB128()
		if err != nil {
			return nil, err
		}
		if augLen > uint64(end-s.Position()) {
			return nil, fmt.Errorf("augmentation data overruns FDE")
		}
		augEnd := s.Position() + int(augLen)
		if augLen > 0 && c.LSDAEnc != peOmit {
			if f.LSDA, err = s.ReadEncoded(c.LSDAEnc); err != nil {
				return nil, err
			}
			f.HasLSDA = f.LSDA != 0
		}
		s.SetPosition(augEnd)
	}

	if f.Instructions, err = s.ReadBytes(end - s.Position()); err != nil {
		return nil, err
	}
	return f, nil
}
