package symbolize

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"reassem/internal/cfg"
	"reassem/internal/diag"
	"reassem/internal/disasm"
	"reassem/internal/meta"
)

var segments = []string{"CS", "DS", "ES", "FS", "GS", "SS"}

var bracketed = regexp.MustCompile(`\[(.*)\]`)

// fixSegments turns "[FS:0x28]" into "FS:[0x28]".
func fixSegments(s string) string {
	for _, seg := range segments {
		s = strings.ReplaceAll(s, "["+seg+":", seg+":[")
	}
	return s
}

func fixFPRegs(s string) string {
	for i := 0; i < 8; i++ {
		intel := fmt.Sprintf(" ST%d", i)
		att := fmt.Sprintf(" %%ST%d", i)
		switch {
		case strings.Contains(s, intel):
			s = strings.ReplaceAll(s, intel, fmt.Sprintf(" ST(%d)", i))
		case strings.Contains(s, att):
			s = strings.ReplaceAll(s, att, fmt.Sprintf(" %%ST(%d)", i))
		}
	}
	return s
}

func lastField(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return ""
	}
	return f[len(f)-1]
}

// replaceLast replaces the last occurrence of old in s.
func replaceLast(s, old, new string) string {
	i := strings.LastIndex(s, old)
	if i < 0 {
		return s
	}
	return s[:i] + new + s[i+len(old):]
}

var loopOps = map[string]bool{"jcxz": true, "jecxz": true, "jrcxz": true}

// symbolizeInst emits one instruction with its PC- and RIP-relative
// operands replaced by labels.
func (f *Function) symbolizeInst(in *meta.Instruction) []Line {
	addr := uint64(in.Addr)
	text := fixSegments(in.Disassem)
	note := ""

	for idx, isRIP := range in.RIPAddressing {
		if isRIP {
			text = f.symbolizeRIP(text, in, idx)
			note = "symbolize RIP-relative addressing"
		}
	}
	text = fixFPRegs(text)

	if cfg.Unsupported(text, f.ctx.Syntax) {
		return []Line{
			codeWith(addr, "# "+text, fmt.Sprintf("# %s Unsupported instruction", in.Addr)),
			code(addr, "call abort@PLT"),
		}
	}
	text = f.fixDisassembly(text, in)

	fields := strings.Fields(text)
	if note == "" && len(fields) > 0 && (in.IsBranch || fields[0] == "xbegin") {
		op := fields[0]
		switch {
		case op == "ret", len(fields) < 2, cfg.IsRegister(fields[1]):
		case op == "bnd" && fields[1] == "ret":
		default:
			if sym, ok := f.symbolizePC(text, in); ok {
				text = sym
				note = "symbolize PC-relative addressing"
				op = strings.Fields(text)[0]
				if (strings.HasPrefix(op, "loop") || loopOps[op] || strings.HasPrefix(text, "repz ret")) &&
					strings.Contains(lastField(text), "falseBBL") {
					text = "# " + text
					note = "invalid loop instruction since it points to false block"
				}
			} else if !cfg.Is64(lastField(text)) && !strings.Contains(text, "[") {
				note = fmt.Sprintf(", fun %s miss the target of PC-relative addressing ", meta.Addr(f.Addr))
				f.ctx.Diags.Addf(addr, diag.KindMissingLabel, "branch target of %q not resolved", in.Disassem)
			}
		}
	}

	if f.ctx.Syntax == disasm.ATT {
		text = strings.ReplaceAll(text, " +", " ")
		text = strings.ReplaceAll(text, ":+", ":")
		text = strings.ReplaceAll(text, "*+", "*")
	}
	return []Line{codeWith(addr, text, fmt.Sprintf("# %s %s", in.Addr, note))}
}

// symbolizeRIP replaces the displacement of RIP-relative operand idx.
func (f *Function) symbolizeRIP(text string, in *meta.Instruction, idx int) string {
	word, disp, _, ok := cfg.RIPOperand(text, idx, f.ctx.Syntax)
	if !ok {
		return text
	}
	target, ok := cfg.RIPTarget(in, idx, f.ctx.Syntax)
	if !ok {
		return text
	}
	f.RIPTargets = append(f.RIPTargets, target)

	var lbl string
	if f.endbr[target] {
		lbl = f.labels.Local(target)
	}
	if lbl == "" && f.ctx.Funs[target].HasENDBR {
		lbl = f.funLabel(target)
	}
	if lbl == "" {
		if in.Opcode() == "vmovdqa64" {
			if t, ok := evexDisp(in); ok {
				target = t
			}
		}
		lbl = f.labels.Data(int64(target))
	}

	words := strings.Split(text, ",")
	if f.ctx.Syntax == disasm.Intel {
		w := strings.Replace(words[word], "RIP", "", 1)
		words[word] = strings.Replace(w, disp, "RIP+"+lbl, 1)
	} else {
		words[word] = strings.Replace(words[word], disp, lbl, 1)
	}
	return strings.Join(words, ",")
}

// evexDisp reads the trailing disp32 of an instruction the front-end
// misprints.
func evexDisp(in *meta.Instruction) (uint64, bool) {
	b, err := hex.DecodeString(in.ByteString)
	if err != nil || len(b) < 4 {
		return 0, false
	}
	b = b[len(b)-4:]
	disp := int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
	return uint64(int64(in.Next()) + int64(disp)), true
}

// symbolizePC replaces the branch offset of text with a label. Far and
// indirect forms are left alone.
func (f *Function) symbolizePC(text string, in *meta.Instruction) (string, bool) {
	last := lastField(text)
	if f.ctx.Syntax == disasm.Intel {
		if strings.Contains(last, ":") {
			return "", false
		}
	} else if strings.Contains(text, "*") {
		return "", false
	}
	target, ok := cfg.PCTarget(in)
	if !ok {
		return "", false
	}
	fields := strings.Fields(text)
	op := fields[0]
	if op == "bnd" && len(fields) > 1 {
		op = fields[1]
	}
	lbl := f.pcLabel(op, target)
	if lbl == "" {
		return "", false
	}
	return replaceLast(text, last, lbl), true
}

// pcLabel resolves a branch target. Calls prefer function labels; other
// branches prefer PLT names and local labels, and fall back to a false
// block.
func (f *Function) pcLabel(op string, target uint64) string {
	if op == "call" {
		if l := f.funLabel(target); l != "" {
			return l
		}
		return f.labels.Local(target)
	}
	if name, ok := f.ctx.PLT[target]; ok {
		return name
	}
	l := f.labels.Local(target)
	switch {
	case l == "":
		if l = f.funLabel(target); l == "" {
			f.newFalse(target)
			l = f.labels.Local(target)
		}
	case strings.HasSuffix(l, "_end"):
		if fl := f.funLabel(target); fl != "" {
			l = fl
		}
	}
	return l
}

// funLabel returns the label of the function at addr and records the
// reference.
func (f *Function) funLabel(addr uint64) string {
	b, ok := f.ctx.Funs[addr]
	if !ok {
		return ""
	}
	f.Referred[addr] = true
	return b.Label
}

func (f *Function) newFalse(addr uint64) {
	if f.labels.NewFalse(addr) {
		f.falseBlocks = append(f.falseBlocks, addr)
		f.ctx.Diags.Addf(addr, diag.KindMissingLabel, "no block at branch target, function %s", meta.Addr(f.Addr))
	}
}

// tableRef rewrites an instruction that loads a jump table address so it
// references the table label directly.
func (f *Function) tableRef(in *meta.Instruction) []Line {
	addr := uint64(in.Addr)
	text := fixSegments(in.Disassem)
	words := strings.Split(text, ",")
	syntax := f.ctx.Syntax

	var (
		target uint64
		disp   string
		word   int
		rip    bool
	)
	if w, d, val, ok := cfg.RIPOperand(text, 1, syntax); ok {
		word, disp, rip = w, d, true
		target = uint64(int64(in.Next()) + val)
		if t, ok := cfg.RIPTarget(in, 1, syntax); ok {
			target = t
		}
	} else if syntax == disasm.Intel && len(words) > 1 {
		m := bracketed.FindStringSubmatch(words[1])
		if m == nil {
			return f.symbolizeInst(in)
		}
		v, ok := cfg.ParseOffset(m[1])
		if !ok {
			return f.symbolizeInst(in)
		}
		word, disp, target = 1, m[1], uint64(v)
	} else {
		return f.symbolizeInst(in)
	}

	var lbl string
	known := f.tables[target]
	if known {
		lbl = f.labels.JumpTable(target)
	} else {
		f.newFalse(target)
		lbl = f.labels.Local(target)
	}

	switch {
	case syntax == disasm.ATT:
		words[word] = strings.Replace(words[word], disp, lbl, 1)
	case rip:
		w := strings.Replace(words[word], "RIP", "", 1)
		words[word] = strings.Replace(w, disp, "RIP+"+lbl, 1)
	default:
		words[word] = strings.Replace(words[word], disp, "RIP+"+lbl, 1)
	}

	note := fmt.Sprintf("# %s contains table address", in.Addr)
	if !known {
		note = fmt.Sprintf("# %s contains table candidate but the function has no such table", in.Addr)
	}
	return []Line{codeWith(addr, strings.Join(words, ","), note)}
}

// jump emits the jump a serialized layout asks for between two blocks.
func (f *Function) jump(addr uint64, note string) Line {
	l := f.labels.Local(addr)
	if l == "" {
		f.ctx.Diags.Addf(addr, diag.KindMissingLabel, "no label for layout jump in function %s", meta.Addr(f.Addr))
		return Line{Addr: addr}
	}
	return codeWith(addr, "jmp "+l, note)
}
