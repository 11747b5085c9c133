package symbolize

import (
	"fmt"
	"slices"
	"strings"

	"reassem/internal/cfg"
	"reassem/internal/diag"
	"reassem/internal/disasm"
	"reassem/internal/meta"
)

// height returns the stack slot depth used for register spills, or -1 when
// spills go to thread-local storage.
func (f *Function) height() int64 {
	if f.ctx.Opt >= 2 {
		return f.stackHeight
	}
	return -1
}

func (f *Function) intel() bool { return f.ctx.Syntax == disasm.Intel }

// saveFlags spills reg and, when the code has side effects on the flags,
// the arithmetic flags through RAX.
func (f *Function) saveFlags(sideEffect bool, reg string) []Line {
	if reg == "" {
		reg = "R11"
	}
	var out []Line
	if h := f.height(); h < 0 {
		c := "mov fs:0x58, " + reg
		if !f.intel() {
			c = fmt.Sprintf("mov %%%s, %%fs:0x58", reg)
		}
		out = append(out, codeWith(0, c, "# save a value in register "+reg))
	} else {
		c := fmt.Sprintf("mov [RSP-%d], %s", h+0x100, reg)
		if !f.intel() {
			c = fmt.Sprintf("mov %%%s, -%d(%%RSP)", reg, h+0x100)
		}
		out = append(out, codeWith(0, c, fmt.Sprintf("# save a value to stack [RSP-%d]", h+0x100)))
	}

	if f.ctx.Opt == 0 || sideEffect {
		const note = "# push flags"
		if reg != "RAX" {
			out = append(out, codeWith(0, f.pick("mov fs:0x60, RAX", "mov %RAX, %fs:0x60"), note))
		}
		out = append(out,
			codeWith(0, f.pick("seto al", "seto %al"), note),
			codeWith(0, "lahf", note),
			codeWith(0, f.pick("mov fs:0x68, RAX", "mov %RAX, %fs:0x68"), note))
		if reg != "RAX" {
			out = append(out, codeWith(0, f.pick("mov RAX, fs:0x60", "mov %fs:0x60, %RAX"), note))
		}
	}
	return out
}

// restoreFlags undoes saveFlags.
func (f *Function) restoreFlags(sideEffect bool, reg string) []Line {
	if reg == "" {
		reg = "R11"
	}
	var out []Line
	if f.ctx.Opt == 0 || sideEffect {
		const note = "# pop flags"
		if reg != "RAX" {
			out = append(out, codeWith(0, f.pick("mov fs:0x60, RAX", "mov %RAX, %fs:0x60"), note))
		}
		out = append(out,
			codeWith(0, f.pick("mov RAX, fs:0x68", "mov %fs:0x68, %RAX"), note),
			codeWith(0, f.pick("add al, 0x7f", "add $0x7f, %al"), note),
			codeWith(0, "sahf", note))
		if reg != "RAX" {
			out = append(out, codeWith(0, f.pick("mov RAX, fs:0x60", "mov %fs:0x60, %RAX"), note))
		}
	}

	if h := f.height(); h < 0 {
		c := fmt.Sprintf("mov %s, fs:0x58", reg)
		if !f.intel() {
			c = fmt.Sprintf("mov %%fs:0x58, %%%s", reg)
		}
		out = append(out, codeWith(0, c, "# restore a value in register "+reg))
	} else {
		c := fmt.Sprintf("mov %s, [RSP-%d]", reg, h+0x100)
		if !f.intel() {
			c = fmt.Sprintf("movq -%d(%%RSP), %%%s", h+0x100, reg)
		}
		out = append(out, codeWith(0, c, fmt.Sprintf("# load a value from stack [RSP-%d]", h+0x100)))
	}
	return out
}

func (f *Function) pick(intel, att string) string {
	if f.intel() {
		return intel
	}
	return att
}

// guard emits the table-candidate dispatch in front of an indirect memory
// access. Each candidate compares the table register against the original
// table address and, on a match, redirects it to the table label.
func (f *Function) guard(in *meta.Instruction, jobs []cfg.BrSym) []Line {
	addr := uint64(in.Addr)
	debug := f.ctx.Opt < 3

	var used []string
	for _, j := range jobs {
		used = append(used, j.Regs...)
	}
	tmp := ""
	for _, r := range cfg.Registers64 {
		if !slices.Contains(used, r) {
			tmp = r
			break
		}
	}

	out := []Line{comment(0, hyphens)}
	out = append(out, f.saveFlags(false, tmp)...)
	for i, j := range jobs {
		out = append(out, f.candidate(addr, j, tmp, i, i == len(jobs)-1, debug)...)
	}
	if debug {
		out = append(out, codeWith(addr, "call abort@PLT", "# Unexpected cases"))
	}
	out = append(out, label(addr, f.labels.InstEnd(addr)))
	out = append(out, f.restoreFlags(false, tmp)...)
	out = append(out, comment(0, hyphens))

	f.ctx.Diags.Addf(addr, diag.KindAmbiguousBranch, "%d table candidates guarded", len(jobs))
	return out
}

func (f *Function) candidate(addr uint64, j cfg.BrSym, tmp string, idx int, last, debug bool) []Line {
	var out []Line
	if len(j.Regs) == 0 {
		return nil
	}
	reg := j.Regs[0]
	jt := f.labels.JumpTable(j.TblAddr)
	next := f.labels.Inst(addr, idx)
	escape := f.labels.InstEnd(addr)

	if debug {
		last = false
		out = append(out, comment(addr, j.Comment))
		target := escape
		if len(j.Regs) == 2 {
			target = next + "_1"
		}
		out = append(out,
			code(addr, f.lea(tmp, jt)),
			code(addr, f.cmp(reg, tmp)),
			code(addr, "je "+target))
	}

	out = append(out, comment(addr, j.Comment))
	out = append(out,
		code(addr, f.lea(tmp, f.labels.Data(int64(j.TblAddr)))),
		code(addr, f.cmp(reg, tmp)),
		code(addr, "jne "+next),
		code(addr, f.lea(reg, jt)))
	if len(j.Regs) == 2 {
		out = append(out, label(addr, next+"_1"))
		if f.intel() {
			out = append(out, code(addr, fmt.Sprintf("mov %s, %s", j.Regs[1], reg)))
		} else {
			out = append(out, code(addr, fmt.Sprintf("mov %%%s, %%%s", reg, j.Regs[1])))
		}
	}
	if !last {
		out = append(out, code(addr, "jmp "+escape))
	}
	return append(out, label(addr, next))
}

func (f *Function) lea(reg, lbl string) string {
	if f.intel() {
		return fmt.Sprintf("lea %s, [RIP+%s]", reg, lbl)
	}
	return fmt.Sprintf("leaq %s(%%RIP), %%%s", lbl, reg)
}

func (f *Function) cmp(reg, tmp string) string {
	if f.intel() {
		return fmt.Sprintf("cmp %s, %s", reg, tmp)
	}
	return fmt.Sprintf("cmp %%%s, %%%s", tmp, reg)
}

// countRegs is the count register each transformed branch tests.
var countRegs = map[string]string{
	"loop": "RCX", "loope": "RCX", "loopne": "RCX",
	"jrcxz": "RCX", "jecxz": "ECX", "jcxz": "CX",
}

// transform rewrites a loop or jrcxz family branch, whose rel8 range cannot
// reach a relocated target, into a flag-preserving sequence ending in a
// plain jmp.
func (f *Function) transform(in *meta.Instruction) []Line {
	addr := uint64(in.Addr)
	op := in.Opcode()
	target, ok := cfg.PCTarget(in)
	reg, known := countRegs[op]
	if !ok || !known {
		return f.symbolizeInst(in)
	}

	orig := in.Disassem
	if sym, ok := f.symbolizePC(orig, in); ok {
		orig = sym
	}
	note := fmt.Sprintf("%-44s # %s", "# transform instruction: "+orig, in.Addr)
	jmp := "jmp " + f.pcLabel("jmp", target)
	skip := f.labels.Inst(addr, 0)
	fall := f.labels.Inst(addr, 1)

	out := []Line{comment(0, hyphens), comment(addr, note)}
	out = append(out, f.saveFlags(true, "")...)
	if strings.HasPrefix(op, "loop") {
		out = append(out,
			code(addr, f.pick("lea RCX, [RCX-1]", "lea -1(%RCX), %RCX")),
			code(addr, f.pick("test RCX, RCX", "test %RCX, %RCX")),
			code(addr, "je "+skip))
		out = append(out, f.restoreFlags(true, "")...)
		switch op {
		case "loope":
			out = append(out, code(addr, "jne "+fall))
		case "loopne":
			out = append(out, code(addr, "je "+fall))
		}
		out = append(out, code(addr, jmp), label(addr, skip))
		out = append(out, f.restoreFlags(true, "")...)
		if op != "loop" {
			out = append(out, label(addr, fall))
		}
	} else {
		test := fmt.Sprintf("test %s, %s", reg, reg)
		if !f.intel() {
			test = fmt.Sprintf("test %%%s, %%%s", reg, reg)
		}
		out = append(out, code(addr, test), code(addr, "jne "+skip))
		out = append(out, f.restoreFlags(true, "")...)
		out = append(out, code(addr, jmp), label(addr, skip))
		out = append(out, f.restoreFlags(true, "")...)
	}
	return append(out, comment(0, hyphens))
}
