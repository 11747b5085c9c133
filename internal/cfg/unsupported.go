package cfg

import (
	"regexp"
	"slices"
	"strings"

	"reassem/internal/disasm"
)

// Registers64 lists the 64-bit general-purpose registers in the order used
// when picking a scratch register.
var Registers64 = []string{"RAX", "RBX", "RCX", "RDX", "RSI", "RDI", "RBP", "RSP",
	"R8", "R9", "R10", "R11", "R12", "R13", "R14", "R15"}

var registers = func() map[string]bool {
	m := make(map[string]bool)
	for _, r := range Registers64 {
		m[r] = true
	}
	for _, r := range []string{
		"EAX", "EBX", "ECX", "EDX", "ESI", "EDI", "EBP", "ESP",
		"R8D", "R9D", "R10D", "R11D", "R12D", "R13D", "R14D", "R15D",
		"AX", "BX", "CX", "DX", "BP", "SI", "DI", "SP",
		"R8W", "R9W", "R10W", "R11W", "R12W", "R13W", "R14W", "R15W",
		"AH", "BH", "CH", "DH", "AL", "BL", "CL", "DL", "BPL", "SIL", "DIL", "SPL",
		"R8B", "R9B", "R10B", "R11B", "R12B", "R13B", "R14B", "R15B",
	} {
		m[r] = true
	}
	return m
}()

// IsRegister reports whether s names a general-purpose register. The AT&T
// indirect form "*%REG" is accepted.
func IsRegister(s string) bool {
	return registers[strings.TrimPrefix(s, "*%")]
}

// Is64 reports whether s names a 64-bit general-purpose register.
func Is64(s string) bool { return slices.Contains(Registers64, s) }

var (
	lockOps    = []string{"add", "adc", "and", "btc", "btr", "bts", "cmpxchg", "cmpxch8b", "cmpxchg16b", "dec", "inc", "or", "sbb", "sub", "xor", "xadd", "xchg"}
	lockOpsATT = append(slices.Clone(lockOps), "neg", "not")
	repOps     = []string{"ins", "outs", "movs", "lods", "stos"}
	repCondOps = []string{"cmps", "scas", "ret", "retq"}
	repSized   = []string{"cmps", "scas", "ins", "outs", "movs", "lods", "stos"}

	memOperand = regexp.MustCompile(`\[.*\]`)
)

func trimLast(s string) string {
	if s == "" {
		return s
	}
	return s[:len(s)-1]
}

// Unsupported reports whether the assembler cannot reproduce text faithfully
// or the front-end is known to mis-disassemble it.
func Unsupported(text string, syntax disasm.Syntax) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	opcode := fields[0]
	intel := syntax == disasm.Intel

	switch {
	case opcode == "lock":
		if len(fields) < 2 {
			return true
		}
		op := fields[1]
		switch {
		case slices.Contains(lockOps, op):
		case !intel && slices.Contains(lockOpsATT, trimLast(op)):
		default:
			return true
		}
		if op == "inc" || op == "dec" {
			parts := strings.Split(text, ",")
			if !memOperand.MatchString(parts[len(parts)-1]) {
				return true
			}
		}
		parts := strings.Split(text, ",")
		if intel && len(parts) > 1 {
			if memOperand.MatchString(parts[len(parts)-1]) {
				return true
			}
			if !memOperand.MatchString(parts[len(parts)-2]) {
				return true
			}
		} else if !intel && len(fields) > 3 {
			if strings.Contains(fields[2], "(") {
				if strings.Contains(text, "),") {
					return true
				}
			} else if !strings.Contains(fields[len(fields)-1], ")") {
				return true
			}
		}

	case strings.HasPrefix(opcode, "rep"):
		if len(fields) < 2 {
			return true
		}
		op := fields[1]
		switch opcode {
		case "rep":
			if !slices.Contains(repOps, op) && (intel || !slices.Contains(repOps, trimLast(op))) {
				return true
			}
		case "repe", "repne", "repz", "repnz":
			if !slices.Contains(repCondOps, op) && !(len(op) == 5 && slices.Contains(repSized, op[:4])) {
				return true
			}
		}

	case opcode == "call":
		dest := fields[len(fields)-1]
		if IsRegister(dest) && !Is64(strings.TrimPrefix(dest, "*%")) {
			return true
		}
	}

	switch opcode {
	case "movmskps":
		return strings.Contains(text, "xmmword")
	case "bndstx":
		return true
	case "lea":
		return strings.HasPrefix(fields[len(fields)-1], "SS:[")
	case "movnti":
		if Is64(fields[len(fields)-1]) {
			return true
		}
		return len(fields) > 1 && registers[trimLast(fields[1])]
	case "cmovs":
		return strings.Contains(text, "{K7}{z}")
	case "vdppd":
		return strings.Contains(text, "YMM")
	}
	return false
}
