package output

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"reassem/internal/diag"
	"reassem/internal/disasm"
)

func TestWriteExecutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bin")
	if err := WriteExecutable(path, []byte("\x7fELF")); err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0755 {
		t.Errorf("mode = %v, want 0755", fi.Mode().Perm())
	}
	if fi.Size() != 4 {
		t.Errorf("size = %d, want 4", fi.Size())
	}
}

func TestWriteText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.s")
	err := WriteText(path, func(w io.Writer) error {
		_, err := io.WriteString(w, ".intel_syntax noprefix\n")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := os.ReadFile(path)
	if string(b) != ".intel_syntax noprefix\n" {
		t.Errorf("content = %q", b)
	}

	boom := errors.New("boom")
	err = WriteText(path, func(io.Writer) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped boom", err)
	}
}

func TestWriteDOT(t *testing.T) {
	dir := t.TempDir()
	if err := WriteDOT(dir, "cfg/fun_1_401000", "digraph {}\n"); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "cfg", "fun_1_401000.dot"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "digraph {}\n" {
		t.Errorf("content = %q", b)
	}
}

func TestWriteDiagsJSON(t *testing.T) {
	var d diag.Diags
	d.Add(0x401000, diag.KindUnsupported, "lock neg")
	d.Add(0x401010, diag.KindUnsupported, "bndstx")
	d.Add(0x402000, diag.KindMissingLabel, "no block at 0x402000")

	path := filepath.Join(t.TempDir(), "diag.json")
	if err := WriteDiagsJSON(path, "a.out", &d); err != nil {
		t.Fatal(err)
	}
	b, _ := os.ReadFile(path)
	var r DiagReport
	if err := json.Unmarshal(b, &r); err != nil {
		t.Fatal(err)
	}
	if r.Binary != "a.out" || r.Total != 3 || len(r.Items) != 3 {
		t.Errorf("report = %+v", r)
	}
	if len(r.Summary) != 2 || r.Summary[0].Kind != diag.KindMissingLabel || r.Summary[1].N != 2 {
		t.Errorf("summary = %+v", r.Summary)
	}

	var empty diag.Diags
	if err := WriteDiagsJSON(path, "b", &empty); err != nil {
		t.Fatal(err)
	}
	b, _ = os.ReadFile(path)
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatal(err)
	}
	if items, ok := raw["items"].([]any); !ok || len(items) != 0 {
		t.Errorf("items = %v, want []", raw["items"])
	}
}

func TestWriteASM(t *testing.T) {
	dir := t.TempDir()
	insts := []disasm.Inst{
		{Addr: 0x401000, Raw: []byte{0x90}, Size: 1, Text: "nop"},
		{Addr: 0x401001, Raw: []byte{0xc3}, Size: 1, Text: "ret"},
	}
	lookup := disasm.PlaceholderLookup(map[uint64]string{0x401000: "main"})
	if err := WriteASM(dir, "text", insts, lookup); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "asm", "text.txt"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Fatalf("listing = %q", b)
	}
	if !strings.HasSuffix(lines[0], "; <main>") || !strings.Contains(lines[1], "ret") {
		t.Errorf("listing = %q", b)
	}
}

func TestWriteJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "functions.jsonl")
	recs := []disasm.FuncRecord{
		{PC: "0x401000", Name: "fun_0_401000", Kind: "primary", Blocks: 2, Insts: 5},
		{PC: "0x401010", ID: 1, Name: "fun_1_401010", Kind: "absorbed", Blocks: 1, Insts: 1},
	}
	if err := WriteJSONL(path, recs); err != nil {
		t.Fatal(err)
	}
	b, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines", len(lines))
	}
	var r disasm.FuncRecord
	if err := json.Unmarshal([]byte(lines[1]), &r); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(r, recs[1]) {
		t.Errorf("record = %+v, want %+v", r, recs[1])
	}
}
