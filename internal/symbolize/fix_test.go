package symbolize

import (
	"testing"

	"reassem/internal/disasm"
	"reassem/internal/meta"
)

func TestFixDisassembly(t *testing.T) {
	tests := []struct {
		syntax disasm.Syntax
		text   string
		bytes  string
		want   string
	}{
		{disasm.ATT, "movssl 0x8(%RAX), %XMM0", "", "movss 0x8(%RAX), %XMM0"},
		{disasm.ATT, "fldq (%RAX)", "", "fldl (%RAX)"},
		{disasm.ATT, "enter $0x10, $0x0", "", "enter $0x0, $0x10"},
		{disasm.ATT, "fsubp %ST(1)", "", "fsubrp %ST(1)"},
		{disasm.ATT, "repz stosd", "", "repz stosl"},
		{disasm.ATT, "nop", "", "nop"},
		{disasm.Intel, "movsxd EAX, dword ptr [RBX]", "6303", ".byte 0x63, 0x03"},
		{disasm.Intel, "movsxd RAX, dword ptr [RBX]", "486303", "movsxd RAX, dword ptr [RBX]"},
		{disasm.Intel, "int1", "f1", ".byte 0xf1"},
		{disasm.Intel, "lar RAX, word ptr [RBX]", "480f0203", "lar RAX, qword ptr [RBX]"},
		{disasm.Intel, "lsl EAX, word ptr [RBX]", "0f0303", "lsl EAX, dword ptr [RBX]"},
	}
	for _, tt := range tests {
		f := &Function{ctx: NewContext(Options{Syntax: tt.syntax})}
		in := &meta.Instruction{Addr: 0x401000, Disassem: tt.text, ByteString: tt.bytes}
		if got := f.fixDisassembly(tt.text, in); got != tt.want {
			t.Errorf("fixDisassembly(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestFixSegmentsAndFPRegs(t *testing.T) {
	if got := fixSegments("mov RAX, qword ptr [FS:0x28]"); got != "mov RAX, qword ptr FS:[0x28]" {
		t.Errorf("fixSegments = %q", got)
	}
	if got := fixFPRegs("fxch ST1"); got != "fxch ST(1)" {
		t.Errorf("fixFPRegs = %q", got)
	}
}

func TestLabels(t *testing.T) {
	l := NewLabels(3)
	l.Block(0x401000)
	l.End(0x401020)

	if got := l.Local(0x401000); got != ".L3_401000" {
		t.Errorf("Local = %q", got)
	}
	if !l.Visited(0x401000) || l.Visited(0x401020) {
		t.Error("visit marks wrong")
	}
	if !l.Has(0x401020) || l.Visited(0x401020) {
		t.Error("Has must not visit")
	}
	if l.NewFalse(0x401000) {
		t.Error("NewFalse replaced a block label")
	}
	if !l.NewFalse(0x1401008) || l.Local(0x1401008) != ".LfalseBBL_3_1401008" {
		t.Errorf("false label = %q", l.Local(0x1401008))
	}
	if l.JumpTable(0x402000) != ".Ljt_3_402000" || l.JumpTable(0x402000) != l.JumpTable(0x402000) {
		t.Error("table label unstable")
	}

	l.Data(0x404000)
	l.Data(-0x10)
	l.Data(0x404000)
	got := l.DataLabels()
	if len(got) != 2 || got[0] != ".Ldata_404000" || got[1] != ".Ldata_minus_10" {
		t.Errorf("DataLabels = %v", got)
	}

	seen := make(map[string]uint64)
	for _, a := range []uint64{0x10, 0x100, 0x1000, 0x401000, 0x401001} {
		l.Block(a)
		s := l.Local(a)
		if prev, ok := seen[s]; ok {
			t.Fatalf("label %q for 0x%x and 0x%x", s, prev, a)
		}
		seen[s] = a
	}
}
