package disasm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// CallEdge represents a call site extracted from disassembly.
type CallEdge struct {
	FromPC     uint64 `json:"from_pc"`
	Kind       string `json:"kind"`                // "call" or "call*"
	TargetPC   uint64 `json:"target_pc,omitempty"` // resolved VA for direct calls and [RIP+x] slots
	TargetName string `json:"target_name,omitempty"`
	Reg        string `json:"reg,omitempty"` // register for register-indirect calls
	Via        string `json:"via,omitempty"` // provenance of the register, if tracked
}

// RegDef records the last definition of a register within the window.
type RegDef struct {
	Annotation string
	Age        int
}

// RegTracker tracks last-def provenance for the sixteen 64-bit GPRs.
// Definitions older than the window are expired.
type RegTracker struct {
	defs [16]RegDef
	w    int
}

func NewRegTracker(w int) *RegTracker {
	return &RegTracker{w: w}
}

// Reset clears all tracked definitions. Call between functions.
func (rt *RegTracker) Reset() {
	for i := range rt.defs {
		rt.defs[i] = RegDef{}
	}
}

// Tick ages all definitions by 1 and expires those beyond the window.
func (rt *RegTracker) Tick() {
	for i := range rt.defs {
		if rt.defs[i].Annotation != "" {
			rt.defs[i].Age++
			if rt.defs[i].Age > rt.w {
				rt.defs[i] = RegDef{}
			}
		}
	}
}

func gprIndex(r x86asm.Reg) int {
	r = Widen(r)
	if r < x86asm.RAX || r > x86asm.R15 {
		return -1
	}
	return int(r - x86asm.RAX)
}

// Define records that register r was defined with the given annotation.
func (rt *RegTracker) Define(r x86asm.Reg, annotation string) {
	if i := gprIndex(r); i >= 0 {
		rt.defs[i] = RegDef{Annotation: annotation}
	}
}

// Lookup returns the annotation for register r, or "" if expired or unknown.
func (rt *RegTracker) Lookup(r x86asm.Reg) string {
	if i := gprIndex(r); i >= 0 {
		return rt.defs[i].Annotation
	}
	return ""
}

// Kill clears the definition for a register.
func (rt *RegTracker) Kill(r x86asm.Reg) {
	if i := gprIndex(r); i >= 0 {
		rt.defs[i] = RegDef{}
	}
}

// dstReg returns the register written by in, or 0. Only the first operand of
// ordinary two-operand forms counts.
func dstReg(in Inst) x86asm.Reg {
	switch in.X.Op {
	case x86asm.CMP, x86asm.TEST, x86asm.PUSH:
		return 0
	}
	if in.X.Args[1] == nil {
		return 0
	}
	r, _ := in.X.Args[0].(x86asm.Reg)
	return r
}

func ripLabel(addr uint64, symbols SymbolLookup) string {
	if symbols != nil {
		if name, ok := symbols(addr); ok {
			return name
		}
	}
	return fmt.Sprintf("[0x%x]", addr)
}

// ExtractCallEdges scans instructions for direct and indirect call sites.
// Register-indirect targets are resolved through loads and address
// computations seen within w instructions. annotators are consulted for
// defining instructions the tracker does not model itself.
func ExtractCallEdges(insts []Inst, symbols SymbolLookup, annotators []Annotator, w int) []CallEdge {
	rt := NewRegTracker(w)
	var edges []CallEdge

	for _, inst := range insts {
		bi := DecodeBranch(inst)
		if bi != nil && bi.IsCall {
			e := CallEdge{FromPC: inst.Addr, Kind: "call"}
			switch a := inst.X.Args[0].(type) {
			case x86asm.Rel:
				e.TargetPC = bi.Target
				if symbols != nil {
					e.TargetName, _ = symbols(bi.Target)
				}
			case x86asm.Reg:
				e.Kind = "call*"
				e.Reg = Widen(a).String()
				e.Via = rt.Lookup(a)
			case x86asm.Mem:
				e.Kind = "call*"
				if t, ok := RIPTargets(inst)[0]; ok {
					e.TargetPC = t
					e.Via = ripLabel(t, symbols)
				}
			}
			edges = append(edges, e)
			rt.Tick()
			continue
		}

		rd := dstReg(inst)
		if rd != 0 {
			if t, ok := RIPTargets(inst)[1]; ok {
				rt.Tick()
				if inst.X.Op == x86asm.LEA {
					rt.Define(rd, "&"+ripLabel(t, symbols))
				} else {
					rt.Define(rd, ripLabel(t, symbols))
				}
				continue
			}
		}

		var annotation string
		for _, ann := range annotators {
			if s := ann(inst); s != "" {
				annotation = s
				break
			}
		}
		if annotation != "" && rd != 0 {
			rt.Tick()
			rt.Define(rd, annotation)
			continue
		}
		if rd != 0 {
			rt.Kill(rd)
		}
		rt.Tick()
	}

	return edges
}
