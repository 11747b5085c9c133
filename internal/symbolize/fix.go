package symbolize

import (
	"strings"

	"reassem/internal/cfg"
	"reassem/internal/disasm"
	"reassem/internal/meta"
)

// attDoubleSuffix lists AT&T mnemonics the front-end prints with a size
// suffix the assembler rejects; the last character is dropped.
var attDoubleSuffix = func() map[string]bool {
	m := make(map[string]bool)
	for _, op := range strings.Fields(`
		movssl movsdq movqq subssl addssl ucomissl divssl divsdq mulssl fbldt
		comisdq comissl cvtss2sdl fdivq fiaddw fidivrw fildw fimulw fstq ldmxcsrl
		maxsdq movdl movhpsq mulsdq stmxcsrl subsdq ucomisdq vmovdl vmovddupq
		vmovqq vpbroadcastbb vpbroadcastqq fbstpt iretd sgdtt addsdq cvttsd2siq
		fisubw fstpq fsubq fsubrq cvttps2piq fmulq movhpdq fcompq fisttpw fidivw
		movlpdq larw fdivrq cvttss2sil prefetcht0l cvtsd2ssq minssl maxssl minsdq
		cmpssl cmpsdq cvtps2pdq pinsrww movlpsq cvtdq2pdq sqrtsdq fcomq ficomw
		porq cvtpi2psq fistpw fisubrw pcmpeqbq prefetchntal ficompw sidtt sqrtssl
		pslldq pmaxswq paddswq pxorq cvtps2piq packuswbq psubsbq psadbwq pcmpgtdq`) {
		m[op] = true
	}
	return m
}()

var attRenames = map[string]string{
	"fldl":   "flds",
	"fldq":   "fldl",
	"faddl":  "fadds",
	"faddq":  "faddl",
	"fistw":  "fists",
	"fistpw": "fistps",
	"fistpq": "fistpll",
}

var attStringOps = map[string]string{
	"scasd": "scasl",
	"insd":  "insl",
	"lodsd": "lodsl",
	"stosd": "stosl",
	"outsd": "outsl",
}

// fixDisassembly corrects front-end text that GAS does not accept.
func (f *Function) fixDisassembly(text string, in *meta.Instruction) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return text
	}
	op := fields[0]

	if f.ctx.Syntax == disasm.ATT {
		if attDoubleSuffix[op] {
			text = strings.Replace(text, op, op[:len(op)-1], 1)
		} else if r, ok := attRenames[op]; ok {
			text = strings.Replace(text, op, r, 1)
		} else if r, ok := attStringOps[text]; ok {
			text = r
		} else if strings.HasPrefix(text, "repz ") {
			if r, ok := attStringOps[strings.TrimPrefix(text, "repz ")]; ok {
				text = "repz " + r
			}
		}
		switch op {
		case "enter":
			if len(fields) == 3 {
				text = "enter " + fields[2] + ", " + strings.TrimSuffix(fields[1], ",")
			}
		case "fsubp":
			text = strings.Replace(text, op, "fsubrp", 1)
		case "fsubrp":
			text = strings.Replace(text, op, "fsubp", 1)
		}
		return text
	}

	switch {
	case strings.Contains(op, "movsxd"):
		if len(fields) > 2 && strings.HasPrefix(fields[1], "E") &&
			(strings.HasPrefix(fields[2], "dword") || strings.HasPrefix(fields[2], "E")) {
			text = byteInstr(in, text)
		}
	case strings.Contains(op, "int1"):
		text = byteInstr(in, text)
	case op == "lar" || op == "lsl":
		if strings.Contains(text, ",") && len(fields) > 1 && cfg.Is64(strings.TrimSuffix(fields[1], ",")) {
			text = strings.ReplaceAll(text, " word ", " qword ")
		} else {
			text = strings.ReplaceAll(text, " word ", " dword ")
		}
	}
	return text
}

// byteInstr spells the instruction as raw bytes.
func byteInstr(in *meta.Instruction, fallback string) string {
	b := in.ByteString
	if b == "" || len(b)%2 != 0 {
		return fallback
	}
	parts := make([]string, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		parts = append(parts, "0x"+b[i:i+2])
	}
	return ".byte " + strings.Join(parts, ", ")
}
