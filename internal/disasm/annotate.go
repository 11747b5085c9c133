package disasm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Annotator returns an optional inline comment for an instruction.
// Empty string means no annotation.
type Annotator func(inst Inst) string

// RIPAnnotator annotates RIP-relative operands with the referenced address,
// resolved through symbols when possible.
func RIPAnnotator(symbols SymbolLookup) Annotator {
	return func(inst Inst) string {
		targets := RIPTargets(inst)
		for i := range inst.X.Args {
			t, ok := targets[i]
			if !ok {
				continue
			}
			if symbols != nil {
				if name, found := symbols(t); found {
					return fmt.Sprintf("%s (0x%x)", name, t)
				}
			}
			return fmt.Sprintf("0x%x", t)
		}
		return ""
	}
}

// BranchAnnotator annotates direct branches and calls with their target.
func BranchAnnotator(symbols SymbolLookup) Annotator {
	return func(inst Inst) string {
		bi := DecodeBranch(inst)
		if bi == nil || bi.IsRet || bi.Indirect {
			return ""
		}
		if symbols != nil {
			if name, ok := symbols(bi.Target); ok {
				return "-> " + name
			}
		}
		return fmt.Sprintf("-> 0x%x", bi.Target)
	}
}

// PeepholeState tracks state for the two-instruction table load pattern
// LEA Rt, [RIP+tbl] followed by MOVSXD Rd, [Rt+Ri*4].
type PeepholeState struct {
	base      map[x86asm.Reg]uint64
	prevValid bool
}

// NewPeepholeState creates a peephole annotator for jump-table loads.
func NewPeepholeState() *PeepholeState {
	return &PeepholeState{base: make(map[x86asm.Reg]uint64)}
}

// Reset clears the peephole state. Call between functions.
func (p *PeepholeState) Reset() {
	clear(p.base)
	p.prevValid = false
}

// Annotate returns "table 0x..." for a scaled load whose base register was
// set from a RIP-relative LEA by the previous instruction.
func (p *PeepholeState) Annotate(inst Inst) string {
	var out string
	if p.prevValid && inst.X.Op == x86asm.MOVSXD {
		if m, ok := inst.X.Args[1].(x86asm.Mem); ok && m.Scale == 4 {
			if t, ok := p.base[m.Base]; ok {
				out = fmt.Sprintf("table 0x%x", t)
			}
		}
	}
	clear(p.base)
	p.prevValid = false
	if inst.X.Op == x86asm.LEA {
		if r, ok := inst.X.Args[0].(x86asm.Reg); ok {
			if t, ok := RIPTargets(inst)[1]; ok {
				p.base[r] = t
				p.prevValid = true
			}
		}
	}
	return out
}
