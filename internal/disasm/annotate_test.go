package disasm

import (
	"strings"
	"testing"
)

func TestRIPAnnotator(t *testing.T) {
	in := decodeAt(t, 0x1000, 0x48, 0x8b, 0x05, 0x10, 0x00, 0x00, 0x00)
	if got := RIPAnnotator(nil)(in); got != "0x1017" {
		t.Errorf("annotation = %q, want 0x1017", got)
	}
	syms := PlaceholderLookup(map[uint64]string{0x1017: "counter"})
	if got := RIPAnnotator(syms)(in); got != "counter (0x1017)" {
		t.Errorf("annotation = %q", got)
	}
	if got := RIPAnnotator(nil)(decodeAt(t, 0, 0x90)); got != "" {
		t.Errorf("nop annotation = %q", got)
	}
}

func TestBranchAnnotator(t *testing.T) {
	ann := BranchAnnotator(PlaceholderLookup(map[uint64]string{0x1004: "out"}))
	if got := ann(decodeAt(t, 0x1000, 0x74, 0x02)); got != "-> out" {
		t.Errorf("je annotation = %q", got)
	}
	if got := ann(decodeAt(t, 0x1000, 0xeb, 0xfe)); got != "-> 0x1000" {
		t.Errorf("jmp annotation = %q", got)
	}
	if got := ann(decodeAt(t, 0x1000, 0xc3)); got != "" {
		t.Errorf("ret annotation = %q", got)
	}
}

func TestPeepholeTableLoad(t *testing.T) {
	data := seq(
		[]byte{0x48, 0x8d, 0x15, 0x00, 0x01, 0x00, 0x00}, // 0x1000: lea rdx, [rip+0x100] -> 0x1107
		[]byte{0x48, 0x63, 0x04, 0x8a}, // 0x1007: movsxd rax, [rdx+rcx*4]
		[]byte{0x48, 0x63, 0x04, 0x8a}, // again, no preceding lea
	)
	insts := Disassemble(data, Options{BaseAddr: 0x1000})
	p := NewPeepholeState()
	var got []string
	for _, in := range insts {
		got = append(got, p.Annotate(in))
	}
	if got[0] != "" || got[1] != "table 0x1107" || got[2] != "" {
		t.Fatalf("annotations = %q", got)
	}

	p.Reset()
	text := Format(insts, nil, p.Annotate)
	if !strings.Contains(text, "; table 0x1107") {
		t.Errorf("formatted output missing table note:\n%s", text)
	}
}
