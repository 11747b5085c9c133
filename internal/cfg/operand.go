package cfg

import (
	"regexp"
	"strconv"
	"strings"

	"reassem/internal/disasm"
	"reassem/internal/meta"
)

var (
	bracketed = regexp.MustCompile(`\[(.*)\]`)
	attRIP    = regexp.MustCompile(`(.*)\(%RIP\)`)
)

var segments = []string{"CS", "DS", "ES", "FS", "GS", "SS"}

// ParseOffset parses a signed hex offset such as "+0x1a", "-0x8" or "0x10".
func ParseOffset(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	neg := false
	switch {
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	case strings.HasPrefix(s, "-"):
		neg = true
		s = s[1:]
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return 0, false
	}
	v, err := strconv.ParseUint(s[2:], 16, 64)
	if err != nil {
		return 0, false
	}
	if neg {
		return -int64(v), true
	}
	return int64(v), true
}

func decoded(in *meta.Instruction) (disasm.Inst, bool) {
	if in.ByteString == "" {
		return disasm.Inst{}, false
	}
	x, err := disasm.DecodeHex(in.ByteString, uint64(in.Addr))
	if err != nil || x.Size != in.Length {
		return disasm.Inst{}, false
	}
	return x, true
}

// PCTarget returns the absolute target of a PC-relative branch. The
// instruction bytes are decoded when available; otherwise the last operand of
// the text is an offset from the instruction address.
func PCTarget(in *meta.Instruction) (uint64, bool) {
	if x, ok := decoded(in); ok {
		if t, ok := disasm.RelTarget(x); ok {
			return t, true
		}
	}
	f := strings.Fields(in.Disassem)
	if len(f) < 2 {
		return 0, false
	}
	off, ok := ParseOffset(f[len(f)-1])
	if !ok {
		return 0, false
	}
	return uint64(int64(in.Addr) + off), true
}

// RIPOperand locates a RIP-relative operand in the text. It returns the
// comma-separated word index, the displacement text to replace, and the
// displacement value.
func RIPOperand(text string, idx int, syntax disasm.Syntax) (word int, disp string, val int64, ok bool) {
	words := strings.Split(text, ",")
	if syntax == disasm.Intel {
		if idx >= len(words) {
			return 0, "", 0, false
		}
		m := bracketed.FindStringSubmatch(words[idx])
		if m == nil || !strings.Contains(m[1], "RIP") {
			return 0, "", 0, false
		}
		disp = strings.Replace(m[1], "RIP", "", 1)
		word = idx
	} else {
		word = len(words) - 1 - idx
		if word < 0 || word >= len(words) {
			return 0, "", 0, false
		}
		f := strings.Fields(words[word])
		if len(f) == 0 {
			return 0, "", 0, false
		}
		m := attRIP.FindStringSubmatch(f[len(f)-1])
		if m == nil {
			return 0, "", 0, false
		}
		disp = m[1]
		for _, seg := range segments {
			disp = strings.ReplaceAll(disp, "%"+seg+":", "")
		}
		disp = strings.TrimPrefix(disp, "*")
	}
	val, ok = ParseOffset(disp)
	if !ok {
		return 0, "", 0, false
	}
	return word, disp, val, true
}

// RIPTarget returns the address referenced by the RIP-relative operand idx
// (in Intel operand order).
func RIPTarget(in *meta.Instruction, idx int, syntax disasm.Syntax) (uint64, bool) {
	if x, ok := decoded(in); ok {
		targets := disasm.RIPTargets(x)
		if t, ok := targets[idx]; ok {
			return t, true
		}
		if len(targets) == 1 {
			for _, t := range targets {
				return t, true
			}
		}
	}
	_, _, val, ok := RIPOperand(in.Disassem, idx, syntax)
	if !ok {
		return 0, false
	}
	return uint64(int64(in.Next()) + val), true
}
