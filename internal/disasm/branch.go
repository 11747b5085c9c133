package disasm

import "golang.org/x/arch/x86/x86asm"

// BranchInfo describes a decoded control transfer.
type BranchInfo struct {
	Target   uint64 // absolute target address (0 if RET or indirect)
	Cond     bool   // true if conditional (has fallthrough)
	IsRet    bool
	IsCall   bool
	Indirect bool // target comes from a register or memory operand
	Loop     bool // LOOP, LOOPE, LOOPNE or JRCXZ family
}

var condOps = map[x86asm.Op]bool{
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JE: true, x86asm.JNE: true, x86asm.JG: true, x86asm.JGE: true,
	x86asm.JL: true, x86asm.JLE: true, x86asm.JO: true, x86asm.JNO: true,
	x86asm.JP: true, x86asm.JNP: true, x86asm.JS: true, x86asm.JNS: true,
}

var loopOps = map[x86asm.Op]bool{
	x86asm.LOOP: true, x86asm.LOOPE: true, x86asm.LOOPNE: true,
	x86asm.JCXZ: true, x86asm.JECXZ: true, x86asm.JRCXZ: true,
}

// DecodeBranch returns the branch shape of in, or nil if in does not
// transfer control. Relative targets are computed from the end of the
// instruction.
func DecodeBranch(in Inst) *BranchInfo {
	if !in.Valid {
		return nil
	}
	op := in.X.Op
	var bi BranchInfo
	switch {
	case op == x86asm.RET || op == x86asm.LRET:
		return &BranchInfo{IsRet: true}
	case op == x86asm.CALL || op == x86asm.LCALL:
		bi.IsCall = true
	case op == x86asm.JMP || op == x86asm.LJMP:
	case condOps[op]:
		bi.Cond = true
	case loopOps[op]:
		bi.Cond = true
		bi.Loop = true
	default:
		return nil
	}
	if t, ok := RelTarget(in); ok {
		bi.Target = t
	} else {
		bi.Indirect = true
	}
	return &bi
}

// RelTarget returns the absolute target of a PC-relative branch operand.
func RelTarget(in Inst) (uint64, bool) {
	rel, ok := in.X.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return uint64(int64(in.Addr) + int64(in.Size) + int64(rel)), true
}

// IsBranchTerminator returns true if the instruction terminates a basic block.
// Calls return to the next instruction and do not terminate.
func IsBranchTerminator(in Inst) bool {
	bi := DecodeBranch(in)
	return bi != nil && !bi.IsCall
}

// RIPTargets returns, per operand, the absolute address referenced by a
// RIP-relative memory operand. Operands without RIP addressing are absent.
func RIPTargets(in Inst) map[int]uint64 {
	var out map[int]uint64
	for i, a := range in.X.Args {
		if a == nil {
			break
		}
		m, ok := a.(x86asm.Mem)
		if !ok || m.Base != x86asm.RIP {
			continue
		}
		if out == nil {
			out = make(map[int]uint64)
		}
		out[i] = uint64(int64(in.Addr) + int64(in.Size) + m.Disp)
	}
	return out
}

// Access is a memory operand and the width of its access in bytes.
type Access struct {
	Arg   int
	Bytes int
	Store bool
}

// MemAccesses lists the memory operands of in that touch memory. LEA and
// NOP only compute addresses.
func MemAccesses(in Inst) []Access {
	switch in.X.Op {
	case x86asm.LEA, x86asm.NOP, x86asm.PREFETCHNTA, x86asm.PREFETCHT0,
		x86asm.PREFETCHT1, x86asm.PREFETCHT2, x86asm.PREFETCHW:
		return nil
	}
	var out []Access
	n := 0
	for _, a := range in.X.Args {
		if a == nil {
			break
		}
		n++
	}
	for i := 0; i < n; i++ {
		if _, ok := in.X.Args[i].(x86asm.Mem); !ok {
			continue
		}
		store := i == 0 && n >= 2 && in.X.Op != x86asm.CMP && in.X.Op != x86asm.TEST
		out = append(out, Access{Arg: i, Bytes: in.X.MemBytes, Store: store})
	}
	return out
}

// Regs returns the 64-bit registers referenced by in, including address
// bases and indexes.
func Regs(in Inst) []x86asm.Reg {
	seen := make(map[x86asm.Reg]bool)
	var out []x86asm.Reg
	add := func(r x86asm.Reg) {
		r = Widen(r)
		if r == 0 || seen[r] {
			return
		}
		seen[r] = true
		out = append(out, r)
	}
	for _, a := range in.X.Args {
		switch v := a.(type) {
		case nil:
			return out
		case x86asm.Reg:
			add(v)
		case x86asm.Mem:
			add(v.Base)
			add(v.Index)
		}
	}
	return out
}

// Widen maps a general-purpose register of any width to its 64-bit form.
// Other registers are returned unchanged; RIP maps to 0.
func Widen(r x86asm.Reg) x86asm.Reg {
	switch {
	case r == x86asm.RIP:
		return 0
	case r >= x86asm.AL && r <= x86asm.BL:
		return x86asm.RAX + (r - x86asm.AL)
	case r >= x86asm.AH && r <= x86asm.BH:
		return x86asm.RAX + (r - x86asm.AH)
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return x86asm.RSP + (r - x86asm.SPB)
	case r >= x86asm.AX && r <= x86asm.R15W:
		return x86asm.RAX + (r - x86asm.AX)
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return x86asm.RAX + (r - x86asm.EAX)
	}
	return r
}
