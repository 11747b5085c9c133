package disasm

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

func TestExtractCallEdges(t *testing.T) {
	data := seq(
		[]byte{0xe8, 0xfb, 0x0f, 0x00, 0x00}, // 0x1000: call 0x2000
		[]byte{0x48, 0x8b, 0x05, 0xf9, 0x0f, 0x00, 0x00}, // 0x1005: mov rax, [rip+0xff9] -> 0x2005
		[]byte{0xff, 0xd0}, // 0x100c: call rax
		[]byte{0xff, 0x15, 0xee, 0x0f, 0x00, 0x00}, // 0x100e: call [rip+0xfee] -> 0x2002
		[]byte{0x31, 0xc0}, // 0x1014: xor eax, eax
		[]byte{0xff, 0xd0}, // 0x1016: call rax
	)
	syms := PlaceholderLookup(map[uint64]string{0x2000: "helper", 0x2002: "puts@GOT"})
	edges := ExtractCallEdges(Disassemble(data, Options{BaseAddr: 0x1000}), syms, nil, 8)
	if len(edges) != 4 {
		t.Fatalf("edges = %d, want 4: %+v", len(edges), edges)
	}
	if e := edges[0]; e.Kind != "call" || e.TargetPC != 0x2000 || e.TargetName != "helper" {
		t.Errorf("direct edge = %+v", e)
	}
	if e := edges[1]; e.Kind != "call*" || e.Reg != "RAX" || e.Via != "[0x2005]" {
		t.Errorf("register edge = %+v", e)
	}
	if e := edges[2]; e.TargetPC != 0x2002 || e.Via != "puts@GOT" {
		t.Errorf("memory edge = %+v", e)
	}
	if e := edges[3]; e.Via != "" {
		t.Errorf("killed register still tracked: %+v", e)
	}
}

func TestRegTrackerWindow(t *testing.T) {
	rt := NewRegTracker(2)
	rt.Define(x86asm.EAX, "x")
	if got := rt.Lookup(x86asm.RAX); got != "x" {
		t.Fatalf("Lookup = %q, want x", got)
	}
	rt.Tick()
	rt.Tick()
	if got := rt.Lookup(x86asm.RAX); got != "x" {
		t.Fatalf("Lookup after 2 ticks = %q, want x", got)
	}
	rt.Tick()
	if got := rt.Lookup(x86asm.RAX); got != "" {
		t.Errorf("Lookup after expiry = %q", got)
	}
	rt.Define(x86asm.X0, "ignored")
	if got := rt.Lookup(x86asm.X0); got != "" {
		t.Errorf("non-GPR tracked: %q", got)
	}
}
