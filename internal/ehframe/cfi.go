package ehframe

import (
	"fmt"
	"strings"
)

// DW_CFA opcodes.
const (
	cfaAdvanceLoc        = 0x40
	cfaOffset            = 0x80
	cfaRestore           = 0xc0
	cfaNop               = 0x00
	cfaSetLoc            = 0x01
	cfaAdvanceLoc1       = 0x02
	cfaAdvanceLoc2       = 0x03
	cfaAdvanceLoc4       = 0x04
	cfaOffsetExtended    = 0x05
	cfaRestoreExtended   = 0x06
	cfaUndefined         = 0x07
	cfaSameValue         = 0x08
	cfaRegister          = 0x09
	cfaRememberState     = 0x0a
	cfaRestoreState      = 0x0b
	cfaDefCFA            = 0x0c
	cfaDefCFARegister    = 0x0d
	cfaDefCFAOffset      = 0x0e
	cfaDefCFAExpression  = 0x0f
	cfaExpression        = 0x10
	cfaOffsetExtendedSF  = 0x11
	cfaDefCFASF          = 0x12
	cfaDefCFAOffsetSF    = 0x13
	cfaValOffset         = 0x14
	cfaValOffsetSF       = 0x15
	cfaValExpression     = 0x16
	cfaGNUWindowSave     = 0x2d
	cfaGNUArgsSize       = 0x2e
	cfaGNUNegOffsetExtSF = 0x2f
)

// Directives holds the assembler CFI directives of one FDE, keyed by address.
type Directives struct {
	At    map[uint64][]string
	Addrs []uint64 // insertion order
}

func (d *Directives) add(addr uint64, dir string) {
	if _, ok := d.At[addr]; !ok {
		d.Addrs = append(d.Addrs, addr)
	}
	d.At[addr] = append(d.At[addr], dir)
}

// cfaMachine walks CFA instructions and records directives. Recording is
// enabled by an advance and disabled by DW_CFA_nop.
type cfaMachine struct {
	fde       *FDE
	loc       uint64
	recording bool
	out       *Directives
}

// BuildDirectives replays the CIE initial instructions (minus the two the
// assembler emits by default) and the FDE instructions.
func BuildDirectives(f *FDE) (*Directives, error) {
	m := &cfaMachine{fde: f, loc: f.Start, out: &Directives{At: make(map[uint64][]string)}}

	cie := NewStream(f.CIE.Initial, 0)
	for idx := 0; cie.Remaining() > 0; idx++ {
		op, err := cie.ReadByte()
		if err != nil {
			return nil, err
		}
		if op == cfaNop {
			break
		}
		if idx == 2 {
			m.recording = true
		}
		if err := m.step(cie, op, idx < 2); err != nil {
			return nil, fmt.Errorf("%w: CIE instruction %d: %v", ErrMalformedFrame, idx, err)
		}
	}

	s := NewStream(f.Instructions, 0)
	for s.Remaining() > 0 {
		op, err := s.ReadByte()
		if err != nil {
			return nil, err
		}
		if err := m.step(s, op, false); err != nil {
			return nil, fmt.Errorf("%w: FDE 0x%x: %v", ErrMalformedFrame, f.Start, err)
		}
	}
	return m.out, nil
}

func (m *cfaMachine) emit(skip bool, format string, args ...any) {
	if skip || !m.recording {
		return
	}
	m.out.add(m.loc, fmt.Sprintf(format, args...))
}

func (m *cfaMachine) advance(delta uint64) {
	m.loc += delta * m.fde.CIE.CodeAlign
	m.recording = true
}

func escapeBytes(b []byte) string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = fmt.Sprintf("0x%x", c)
	}
	return strings.Join(parts, ",")
}

func (m *cfaMachine) step(s *Stream, op byte, skip bool) error {
	daf := m.fde.CIE.DataAlign
	switch op & 0xc0 {
	case cfaAdvanceLoc:
		m.advance(uint64(op & 0x3f))
		return nil
	case cfaOffset:
		n, err := s.ReadULEB128()
		if err != nil {
			return err
		}
		m.emit(skip, ".cfi_offset %d, %d", op&0x3f, int64(n)*daf)
		return nil
	case cfaRestore:
		m.emit(skip, ".cfi_restore %d", op&0x3f)
		return nil
	}

	uleb := func() (uint64, error) { return s.ReadULEB128() }
	switch op {
	case cfaNop:
		m.recording = false
	case cfaSetLoc:
		v, err := s.ReadEncoded(m.fde.CIE.FDEEnc)
		if err != nil {
			return err
		}
		m.loc = v
		m.recording = true
	case cfaAdvanceLoc1:
		b, err := s.ReadByte()
		if err != nil {
			return err
		}
		m.advance(uint64(b))
	case cfaAdvanceLoc2:
		v, err := s.ReadUint16()
		if err != nil {
			return err
		}
		m.advance(uint64(v))
	case cfaAdvanceLoc4:
		v, err := s.ReadUint32()
		if err != nil {
			return err
		}
		m.advance(uint64(v))
	case cfaOffsetExtended, cfaValOffset:
		r, err := uleb()
		if err != nil {
			return err
		}
		n, err := uleb()
		if err != nil {
			return err
		}
		name := ".cfi_offset"
		if op == cfaValOffset {
			name = ".cfi_val_offset"
		}
		m.emit(skip, "%s %d, %d", name, r, int64(n)*daf)
	case cfaOffsetExtendedSF, cfaValOffsetSF:
		r, err := uleb()
		if err != nil {
			return err
		}
		n, err := s.ReadSLEB128()
		if err != nil {
			return err
		}
		name := ".cfi_offset"
		if op == cfaValOffsetSF {
			name = ".cfi_val_offset"
		}
		m.emit(skip, "%s %d, %d", name, r, n*daf)
	case cfaGNUNegOffsetExtSF:
		r, err := uleb()
		if err != nil {
			return err
		}
		n, err := uleb()
		if err != nil {
			return err
		}
		m.emit(skip, ".cfi_offset %d, %d", r, -int64(n)*daf)
	case cfaRestoreExtended:
		r, err := uleb()
		if err != nil {
			return err
		}
		m.emit(skip, ".cfi_restore %d", r)
	case cfaUndefined:
		r, err := uleb()
		if err != nil {
			return err
		}
		m.emit(skip, ".cfi_undefined %d", r)
	case cfaSameValue:
		r, err := uleb()
		if err != nil {
			return err
		}
		m.emit(skip, ".cfi_same_value %d", r)
	case cfaRegister:
		r1, err := uleb()
		if err != nil {
			return err
		}
		r2, err := uleb()
		if err != nil {
			return err
		}
		m.emit(skip, ".cfi_register %d, %d", r1, r2)
	case cfaRememberState:
		m.emit(skip, ".cfi_remember_state")
	case cfaRestoreState:
		m.emit(skip, ".cfi_restore_state")
	case cfaDefCFA:
		r, err := uleb()
		if err != nil {
			return err
		}
		off, err := uleb()
		if err != nil {
			return err
		}
		m.emit(skip, ".cfi_def_cfa %d, %d", r, off)
	case cfaDefCFASF:
		r, err := uleb()
		if err != nil {
			return err
		}
		off, err := s.ReadSLEB128()
		if err != nil {
			return err
		}
		m.emit(skip, ".cfi_def_cfa %d, %d", r, off*daf)
	case cfaDefCFARegister:
		r, err := uleb()
		if err != nil {
			return err
		}
		m.emit(skip, ".cfi_def_cfa_register %d", r)
	case cfaDefCFAOffset:
		off, err := uleb()
		if err != nil {
			return err
		}
		m.emit(skip, ".cfi_def_cfa_offset %d", off)
	case cfaDefCFAOffsetSF:
		off, err := s.ReadSLEB128()
		if err != nil {
			return err
		}
		m.emit(skip, ".cfi_def_cfa_offset %d", off*daf)
	case cfaDefCFAExpression:
		n, err := uleb()
		if err != nil {
			return err
		}
		expr, err := s.ReadBytes(int(n))
		if err != nil {
			return err
		}
		m.emit(skip, ".cfi_escape 0xf,%s,%s", escapeBytes(AppendULEB128(nil, n)), escapeBytes(expr))
	case cfaExpression, cfaValExpression:
		r, err := uleb()
		if err != nil {
			return err
		}
		n, err := uleb()
		if err != nil {
			return err
		}
		expr, err := s.ReadBytes(int(n))
		if err != nil {
			return err
		}
		m.emit(skip, ".cfi_escape 0x%x,%s,%s,%s", op, escapeBytes(AppendULEB128(nil, r)), escapeBytes(AppendULEB128(nil, n)), escapeBytes(expr))
	case cfaGNUArgsSize:
		n, err := uleb()
		if err != nil {
			return err
		}
		m.emit(skip, ".cfi_escape 0x2e,%s", escapeBytes(AppendULEB128(nil, n)))
	case cfaGNUWindowSave:
		// SPARC only.
	default:
		return fmt.Errorf("unknown CFA opcode 0x%x", op)
	}
	return nil
}
