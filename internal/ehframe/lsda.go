package ehframe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrMalformedLSDA = errors.New("ehframe: malformed LSDA")

// CallSite is one call-site record. Offsets are relative to the function start.
type CallSite struct {
	Start, Len, Landing, Action uint64
}

// Action is one (filter, next) pair of the action table.
type Action struct {
	Filter, Next byte
}

// TypeEntry is a type table slot. Offset is relative to the LSDA start.
type TypeEntry struct {
	Offset  int
	ROffset uint64
}

// LSDA is a parsed .gcc_except_table record.
type LSDA struct {
	Addr       uint64
	LPFormat   byte
	TTFormat   byte
	ItemSize   int
	TTOffset   int64 // -1 without a type table
	HeaderSize int
	CSFormat   byte
	CallSites  []CallSite
	Actions    []Action
	Types      []TypeEntry
	Size       int
}

// HasTypes reports whether the header declares a type table.
func (l *LSDA) HasTypes() bool { return l.TTFormat == 0x9b || l.TTFormat == 0x9c }

// TypeAddr returns the address a type slot points to.
func (l *LSDA) TypeAddr(t TypeEntry) uint64 {
	return l.Addr + uint64(t.Offset) + t.ROffset
}

// ParseLSDA decodes the LSDA at addr inside an exception table section
// loaded at sectionAddr.
func ParseLSDA(section []byte, sectionAddr, addr uint64) (*LSDA, error) {
	if addr < sectionAddr || addr-sectionAddr >= uint64(len(section)) {
		return nil, fmt.Errorf("%w: 0x%x outside .gcc_except_table", ErrMalformedLSDA, addr)
	}
	data := section[addr-sectionAddr:]
	l, err := parseLSDA(data)
	if err != nil {
		return nil, fmt.Errorf("%w at 0x%x: %v", ErrMalformedLSDA, addr, err)
	}
	l.Addr = addr
	return l, nil
}

func parseLSDA(data []byte) (*LSDA, error) {
	s := NewStream(data, 0)
	l := &LSDA{TTOffset: -1}
	var err error

	if l.LPFormat, err = s.ReadByte(); err != nil {
		return nil, err
	}
	if l.LPFormat != peOmit {
		return nil, fmt.Errorf("landing pad base encoding 0x%x", l.LPFormat)
	}
	if l.TTFormat, err = s.ReadByte(); err != nil {
		return nil, err
	}
	if l.TTFormat != peOmit {
		switch l.TTFormat {
		case 0x9b:
			l.ItemSize = 4
		case 0x9c:
			l.ItemSize = 8
		default:
			return nil, fmt.Errorf("type table encoding 0x%x", l.TTFormat)
		}
		off, err := s.ReadULEB128()
		if err != nil {
			return nil, err
		}
		if off > uint64(len(data)) {
			return nil, fmt.Errorf("type table offset 0x%x overruns section", off)
		}
		l.TTOffset = int64(off)
	}
	l.HeaderSize = s.Position()

	if l.CSFormat, err = s.ReadByte(); err != nil {
		return nil, err
	}
	if l.CSFormat != 0x1 {
		return nil, fmt.Errorf("call-site encoding 0x%x", l.CSFormat)
	}
	csLen, err := s.ReadULEB128()
	if err != nil {
		return nil, err
	}
	if csLen > uint64(s.Remaining()) {
		return nil, fmt.Errorf("call-site table length 0x%x overruns section", csLen)
	}
	csStart := s.Position()
	csEnd := csStart + int(csLen)

	cs := NewStream(data[:csEnd], 0)
	cs.SetPosition(csStart)
	actionSet := make(map[uint64]bool)
	for cs.Remaining() > 0 {
		var c CallSite
		for _, p := range []*uint64{&c.Start, &c.Len, &c.Landing, &c.Action} {
			if *p, err = cs.ReadULEB128(); err != nil {
				return nil, fmt.Errorf("call-site %d: %v", len(l.CallSites), err)
			}
		}
		actionSet[c.Action] = true
		l.CallSites = append(l.CallSites, c)
	}

	if l.TTOffset <= 0 {
		l.Size = csEnd
		return l, nil
	}

	typeEnd := l.HeaderSize + int(l.TTOffset)
	if typeEnd > len(data) || typeEnd < csEnd {
		return nil, fmt.Errorf("type table end 0x%x out of range", typeEnd)
	}
	l.Size = typeEnd

	actionEnd := csStart + int(csLen) + 2
	if !(len(actionSet) == 1 && actionSet[0]) {
		var hi uint64
		for a := range actionSet {
			hi = max(hi, a)
		}
		if hi > uint64(typeEnd) {
			return nil, fmt.Errorf("action offset 0x%x overruns LSDA", hi)
		}
		actionEnd = csEnd + int(hi) + 1
	}
	if actionEnd > typeEnd {
		actionEnd = typeEnd
	}

	readPairs := func(end int) {
		l.Actions = l.Actions[:0]
		for i := csEnd; i+1 < end; i += 2 {
			l.Actions = append(l.Actions, Action{Filter: data[i], Next: data[i+1]})
		}
	}
	readPairs(actionEnd)

	maxFilter := 0
	for _, a := range l.Actions {
		if a.Filter > 0 && a.Filter < 0x7f {
			maxFilter = max(maxFilter, int(a.Filter))
		}
	}
	typeStart := typeEnd
	if maxFilter > 0 {
		typeStart = max(typeEnd-l.ItemSize*maxFilter, actionEnd)
	}

	// Action records reached only through next links are not covered by the
	// call-site action offsets; extend pairwise up to the type table.
	for actionEnd+2 <= typeStart {
		actionEnd += 2
		readPairs(actionEnd)
		last := l.Actions[len(l.Actions)-1]
		if last.Filter > 0 && last.Filter < 0x7f && int(last.Filter) > maxFilter {
			maxFilter = int(last.Filter)
			typeStart = typeEnd - l.ItemSize*maxFilter
		}
		if typeStart == actionEnd || (last.Filter == 0 && last.Next == 0) {
			break
		}
	}
	if typeStart < actionEnd {
		return nil, fmt.Errorf("type table at 0x%x overlaps action table ending 0x%x", typeStart, actionEnd)
	}

	if maxFilter > 0 {
		for off := typeStart; off+l.ItemSize <= typeEnd; off += l.ItemSize {
			t := TypeEntry{Offset: off}
			if l.ItemSize == 8 {
				t.ROffset = binary.LittleEndian.Uint64(data[off:])
			} else {
				t.ROffset = uint64(binary.LittleEndian.Uint32(data[off:]))
			}
			l.Types = append(l.Types, t)
		}
	}
	return l, nil
}
