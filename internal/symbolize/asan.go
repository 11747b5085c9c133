package symbolize

import (
	"fmt"
	"regexp"
	"strings"

	"reassem/internal/disasm"
	"reassem/internal/meta"
)

const asanRule = "#----------------------------------"

var (
	memOperand = regexp.MustCompile(`\[.*\]`)
	hexLiteral = regexp.MustCompile(`0x[a-f0-9]*`)
)

// access is the memory operand an ASAN check covers.
type access struct {
	operand int
	bits    int
	store   bool
}

// accessOf picks the first memory operand of 8 to 64 bits. Widths come
// from the sidecar metadata when present, else from decoding the bytes.
func accessOf(in *meta.Instruction, info meta.AccessInfo, haveInfo bool) (access, bool) {
	if haveInfo {
		for i, bits := range info.MemAccSize {
			switch bits {
			case 8, 16, 32, 64:
				op := in.Opcode()
				store := i == 0 && strings.Contains(in.Disassem, ",") && op != "cmp" && op != "test"
				return access{operand: i, bits: bits, store: store}, true
			}
		}
		return access{}, false
	}
	x, err := disasm.DecodeHex(in.ByteString, uint64(in.Addr))
	if err != nil {
		return access{}, false
	}
	for _, a := range disasm.MemAccesses(x) {
		switch a.Bytes {
		case 1, 2, 4, 8:
			return access{operand: a.Arg, bits: a.Bytes * 8, store: a.Store}, true
		}
	}
	return access{}, false
}

// checkable extracts the bracketed operand of a check. RIP, stack and
// segment-relative operands are not checked.
func checkable(operand string) (string, bool) {
	m := memOperand.FindString(operand)
	if m == "" {
		return "", false
	}
	for _, skip := range []string{"RIP", "RSP", "RBP", "FS:", "GS:"} {
		if strings.Contains(operand, skip) {
			return "", false
		}
	}
	if h := hexLiteral.FindString(m); len(h) > 10 {
		return "", false
	}
	return m, true
}

// Sanitize inserts shadow-memory checks in front of the memory accesses of
// one code part. With stackPoison, the stack canary slot is poisoned where
// it is written and unpoisoned before it is read back. Intel syntax only.
func (f *Function) Sanitize(lines []Line, info map[meta.Addr]meta.AccessInfo, stackPoison bool) []Line {
	insts := make(map[uint64]*meta.Instruction)
	for _, a := range f.Meta.BBLs.Keys {
		b := f.Meta.BBLs.Items[a]
		for i := range b.Code {
			insts[uint64(b.Code[i].Addr)] = &b.Code[i]
		}
	}

	out := make([]Line, 0, len(lines))
	canary := make(map[int]bool)
	poisoned := false
	for idx, l := range lines {
		if l.Label != "" || l.Code == "" || canary[idx] {
			out = append(out, l)
			continue
		}

		in, ok := insts[l.Addr]
		own := ok && l.Addr != 0 && strings.HasPrefix(l.Comment, fmt.Sprintf("# %s ", meta.Addr(l.Addr)))
		switch {
		case lastField(l.Code) == "FS:[0x28]":
			if idx+1 < len(lines) && strings.HasPrefix(lines[idx+1].Code, "mov qword ptr") {
				if stackPoison {
					out = append(out, f.poison(lines[idx+1])...)
					poisoned = true
				}
				canary[idx+1] = true
			}
		case own:
			if poisoned && idx+1 < len(lines) && lastField(lines[idx+1].Code) == "FS:[0x28]" {
				out = append(out, f.unpoison(l)...)
				break
			}
			ai, have := info[meta.Addr(l.Addr)]
			if acc, ok := accessOf(in, ai, have); ok {
				out = append(out, f.shadowCheck(l, acc)...)
			}
		}
		out = append(out, l)
	}
	return out
}

func (f *Function) shadowCheck(l Line, acc access) []Line {
	operands := strings.Split(l.Code, ",")
	if acc.operand >= len(operands) {
		return nil
	}
	op, ok := checkable(operands[acc.operand])
	if !ok {
		return nil
	}
	pass := fmt.Sprintf(".LC_ASAN_%x_%x", f.Addr, l.Addr)
	kind := "load"
	if acc.store {
		kind = "store"
	}

	out := []Line{
		comment(0, asanRule),
		directive("mov fs:0x70, rdi"),
		directive("lea rdi, " + op),
		directive("mov fs:0x78, rax"),
		directive("seto al"),
		directive("lahf"),
		directive("mov fs:0x80, rax"),
		directive("mov rax, rdi"),
		directive("shr rax, 0x3"),
		directive("mov al, BYTE PTR [rax+0x7fff8000]"),
		directive("test al, al"),
		directive("je " + pass),
	}
	if acc.bits < 64 {
		out = append(out,
			directive("and edi, 0x7"),
			directive(fmt.Sprintf("add edi, %d", acc.bits/8-1)),
			directive("movsx eax, al"),
			directive("cmp edi, eax"),
			directive("jl "+pass))
	}
	out = append(out,
		directive(fmt.Sprintf("call __asan_report_%s%d@plt", kind, acc.bits/8)),
		label(0, pass),
		directive("mov rax, fs:0x80"),
		directive("add al, 0x7f"),
		directive("sahf"),
		directive("mov rax, fs:0x78"),
		directive("mov rdi, fs:0x70"),
		comment(0, asanRule))
	return out
}

// canarySlot splits "mov qword ptr [RBP-0x8], RAX" into its operands.
func canarySlot(c string) (first, second string, ok bool) {
	f := strings.Fields(c)
	if len(f) < 2 {
		return "", "", false
	}
	parts := strings.SplitN(strings.Join(f[1:], " "), ", ", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (f *Function) poison(store Line) []Line {
	dest, reg, ok := canarySlot(store.Code)
	if !ok {
		return nil
	}
	return []Line{
		comment(0, fmt.Sprintf("#------- STACK POISON %s %s------", meta.Addr(f.Addr), meta.Addr(store.Addr))),
		directive(fmt.Sprintf("lea %s, %s", reg, dest)),
		directive(fmt.Sprintf("shr %s, 0x3", reg)),
		directive(fmt.Sprintf("mov BYTE PTR [%s+0x7fff8000], 0xff", reg)),
		comment(0, asanRule),
	}
}

func (f *Function) unpoison(load Line) []Line {
	reg, src, ok := canarySlot(load.Code)
	if !ok {
		return nil
	}
	return []Line{
		comment(0, fmt.Sprintf("#------- STACK UNPOISON %s %s------", meta.Addr(f.Addr), meta.Addr(load.Addr))),
		directive(fmt.Sprintf("lea %s, %s", reg, src)),
		directive(fmt.Sprintf("shr %s, 0x3", reg)),
		directive(fmt.Sprintf("mov BYTE PTR [%s+0x7fff8000], 0x0", reg)),
		comment(0, asanRule),
	}
}

// ASanInit returns the module constructor and destructor registration.
func ASanInit() []string {
	return []string{
		".section .init_array",
		".align 8",
		"\t.quad asan.module_ctor",
		".section .fini_array",
		".align 8",
		"\t.quad asan.module_dtor",
		".text",
		"\t.align 16",
		"asan.module_ctor:",
		"\tpush rax",
		"\tcall __asan_init@PLT",
		"\tpop rax",
		"\tret",
		".text",
		"\t.align 16",
		"asan.module_dtor:",
		"\tpush rax",
		"\tpop rax",
		"\tret",
	}
}
