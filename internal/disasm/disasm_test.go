package disasm

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// seq assembles a byte stream from encoded instructions.
func seq(parts ...[]byte) []byte { return bytes.Join(parts, nil) }

// decodeAt decodes raw at addr or fails the test.
func decodeAt(t *testing.T, addr uint64, raw ...byte) Inst {
	t.Helper()
	in, err := Decode(raw, addr, Intel, nil)
	if err != nil {
		t.Fatalf("decode % x: %v", raw, err)
	}
	return in
}

func TestDisassembleNOP(t *testing.T) {
	insts := Disassemble([]byte{0x90, 0x90}, Options{BaseAddr: 0x1000})
	if len(insts) != 2 {
		t.Fatalf("got %d instructions, want 2", len(insts))
	}
	if insts[0].Addr != 0x1000 {
		t.Errorf("addr[0] = 0x%x, want 0x1000", insts[0].Addr)
	}
	if insts[1].Addr != 0x1001 {
		t.Errorf("addr[1] = 0x%x, want 0x1001", insts[1].Addr)
	}
	if !strings.Contains(strings.ToLower(insts[0].Text), "nop") {
		t.Errorf("expected NOP, got: %s", insts[0].Text)
	}
}

func TestDisassembleVariableLength(t *testing.T) {
	data := seq(
		[]byte{0x48, 0x8b, 0x05, 0x10, 0x00, 0x00, 0x00}, // mov rax, [rip+0x10]
		[]byte{0x31, 0xc0}, // xor eax, eax
		[]byte{0xc3},       // ret
	)
	insts := Disassemble(data, Options{BaseAddr: 0x1000})
	if len(insts) != 3 {
		t.Fatalf("got %d instructions, want 3", len(insts))
	}
	if insts[1].Addr != 0x1007 || insts[2].Addr != 0x1009 {
		t.Errorf("addrs = 0x%x 0x%x, want 0x1007 0x1009", insts[1].Addr, insts[2].Addr)
	}
	if insts[0].Size != 7 || len(insts[0].Raw) != 7 {
		t.Errorf("size = %d raw = %d, want 7", insts[0].Size, len(insts[0].Raw))
	}
	if insts[2].Mnemonic != "ret" {
		t.Errorf("mnemonic = %q, want ret", insts[2].Mnemonic)
	}
}

func TestDisassembleMaxSteps(t *testing.T) {
	insts := Disassemble(bytes.Repeat([]byte{0x90}, 100), Options{MaxSteps: 10})
	if len(insts) != 10 {
		t.Fatalf("got %d instructions, want 10", len(insts))
	}
}

func TestDisassembleEmpty(t *testing.T) {
	insts := Disassemble(nil, Options{})
	if len(insts) != 0 {
		t.Fatalf("got %d instructions for nil data", len(insts))
	}
}

func TestDisassembleTruncated(t *testing.T) {
	// A call with a cut-off displacement decodes as data bytes.
	insts := Disassemble([]byte{0xe8, 0x00}, Options{})
	if len(insts) != 2 {
		t.Fatalf("got %d entries, want 2", len(insts))
	}
	if insts[0].Valid || insts[0].Text != ".byte 0xe8" {
		t.Errorf("entry 0 = %+v", insts[0])
	}
}

func TestDecodeHex(t *testing.T) {
	in, err := DecodeHex("4889e5", 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if in.Size != 3 || in.Next() != 0x1003 {
		t.Errorf("size = %d next = 0x%x", in.Size, in.Next())
	}
	for _, bad := range []string{"", "zz", "9090"} {
		if _, err := DecodeHex(bad, 0); !errors.Is(err, ErrDecode) {
			t.Errorf("DecodeHex(%q) err = %v, want ErrDecode", bad, err)
		}
	}
}

func TestParseSyntax(t *testing.T) {
	for in, want := range map[string]Syntax{"": Intel, "intel": Intel, "ATT": ATT, "gnu": ATT} {
		got, err := ParseSyntax(in)
		if err != nil || got != want {
			t.Errorf("ParseSyntax(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseSyntax("masm"); err == nil {
		t.Error("ParseSyntax(masm) succeeded")
	}
}

func TestFormat(t *testing.T) {
	insts := Disassemble([]byte{0x90}, Options{BaseAddr: 0x1000})

	syms := map[uint64]string{0x1000: "nop_func"}
	text := Format(insts, PlaceholderLookup(syms))
	if !strings.Contains(text, "0x00001000") {
		t.Errorf("missing address in output: %s", text)
	}
	if !strings.Contains(text, "<nop_func>") {
		t.Errorf("missing symbol in output: %s", text)
	}
}

func TestFormatDeterministic(t *testing.T) {
	insts := Disassemble(bytes.Repeat([]byte{0x90}, 5), Options{BaseAddr: 0x2000})
	out1 := Format(insts, nil)
	out2 := Format(insts, nil)
	if out1 != out2 {
		t.Error("non-deterministic output")
	}
}
