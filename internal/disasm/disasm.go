// Package disasm provides x86-64 decoding for the symbolizer and listings.
package disasm

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

var ErrDecode = errors.New("disasm: cannot decode instruction")

// Syntax selects the listing dialect.
type Syntax int

const (
	Intel Syntax = iota
	ATT
)

// ParseSyntax maps "intel" and "att" to a Syntax.
func ParseSyntax(s string) (Syntax, error) {
	switch strings.ToLower(s) {
	case "", "intel":
		return Intel, nil
	case "att", "at&t", "gnu":
		return ATT, nil
	}
	return Intel, fmt.Errorf("disasm: unknown syntax %q", s)
}

func (s Syntax) String() string {
	if s == ATT {
		return "att"
	}
	return "intel"
}

// Inst is a decoded x86-64 instruction with address and raw bytes.
type Inst struct {
	Addr     uint64
	Raw      []byte
	Size     int
	Mnemonic string
	Operands string
	Text     string // full disassembly line
	X        x86asm.Inst
	Valid    bool // false for bytes that did not decode
}

// Next returns the address after the instruction.
func (in Inst) Next() uint64 { return in.Addr + uint64(in.Size) }

// SymbolLookup resolves an address to a symbolic name. Returns ("", false) if unknown.
type SymbolLookup func(addr uint64) (name string, ok bool)

// Options controls disassembly behavior.
type Options struct {
	BaseAddr uint64       // VA of the first byte in Data
	MaxSteps int          // maximum instructions to decode; 0 = 10M
	Syntax   Syntax       // listing dialect
	Symbols  SymbolLookup // optional symbol resolver
}

const defaultMaxSteps = 10_000_000

func (o Options) effectiveMax() int {
	if o.MaxSteps > 0 {
		return o.MaxSteps
	}
	return defaultMaxSteps
}

// Decode decodes one instruction at the start of raw.
func Decode(raw []byte, addr uint64, syntax Syntax, lookup SymbolLookup) (Inst, error) {
	x, err := x86asm.Decode(raw, 64)
	if err != nil {
		return Inst{}, fmt.Errorf("%w at 0x%x: %v", ErrDecode, addr, err)
	}
	var sym x86asm.SymLookup
	if lookup != nil {
		sym = func(a uint64) (string, uint64) {
			if name, ok := lookup(a); ok {
				return name, a
			}
			return "", 0
		}
	}
	var text string
	if syntax == ATT {
		text = x86asm.GNUSyntax(x, addr, sym)
	} else {
		text = x86asm.IntelSyntax(x, addr, sym)
	}
	in := Inst{
		Addr:  addr,
		Raw:   raw[:x.Len],
		Size:  x.Len,
		Text:  text,
		X:     x,
		Valid: true,
	}
	parts := strings.SplitN(text, " ", 2)
	in.Mnemonic = parts[0]
	if len(parts) > 1 {
		in.Operands = parts[1]
	}
	return in, nil
}

// DecodeHex decodes an instruction given as a hex byte string.
func DecodeHex(byteString string, addr uint64) (Inst, error) {
	raw, err := hex.DecodeString(byteString)
	if err != nil {
		return Inst{}, fmt.Errorf("%w at 0x%x: %v", ErrDecode, addr, err)
	}
	if len(raw) == 0 {
		return Inst{}, fmt.Errorf("%w at 0x%x: no bytes", ErrDecode, addr)
	}
	in, err := Decode(raw, addr, Intel, nil)
	if err != nil {
		return Inst{}, err
	}
	if in.Size != len(raw) {
		return Inst{}, fmt.Errorf("%w at 0x%x: decoded %d of %d bytes", ErrDecode, addr, in.Size, len(raw))
	}
	return in, nil
}

// Disassemble decodes a byte region by linear sweep. Undecodable bytes become
// single-byte .byte entries.
func Disassemble(data []byte, opts Options) []Inst {
	maxSteps := opts.effectiveMax()
	var result []Inst
	for off := 0; off < len(data) && len(result) < maxSteps; {
		addr := opts.BaseAddr + uint64(off)
		in, err := Decode(data[off:], addr, opts.Syntax, opts.Symbols)
		if err != nil {
			in = Inst{
				Addr:     addr,
				Raw:      data[off : off+1],
				Size:     1,
				Mnemonic: ".byte",
				Operands: fmt.Sprintf("0x%02x", data[off]),
				Text:     fmt.Sprintf(".byte 0x%02x", data[off]),
			}
		}
		result = append(result, in)
		off += in.Size
	}
	return result
}

// Format renders a slice of instructions as stable text output.
// Each line: <addr>  <hex bytes>  <disasm>  ; <comments>
// Annotators are checked in order; first non-empty result is used.
func Format(insts []Inst, lookup SymbolLookup, annotators ...Annotator) string {
	var b strings.Builder
	for _, inst := range insts {
		fmt.Fprintf(&b, "0x%08x  ", inst.Addr)
		fmt.Fprintf(&b, "%-24s  ", hex.EncodeToString(inst.Raw))
		b.WriteString(inst.Text)
		commented := false
		if lookup != nil {
			if name, ok := lookup(inst.Addr); ok {
				fmt.Fprintf(&b, "  ; <%s>", name)
				commented = true
			}
		}
		if !commented {
			for _, ann := range annotators {
				if s := ann(inst); s != "" {
					fmt.Fprintf(&b, "  ; %s", s)
					break
				}
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// PlaceholderLookup returns a SymbolLookup over a fixed name table.
func PlaceholderLookup(names map[uint64]string) SymbolLookup {
	return func(addr uint64) (string, bool) {
		if name, ok := names[addr]; ok {
			return name, true
		}
		return "", false
	}
}
