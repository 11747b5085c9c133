package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zboralski/lattice"

	"reassem/internal/callgraph"
	"reassem/internal/disasm"
	"reassem/internal/ehframe"
	"reassem/internal/elfx"
	"reassem/internal/elfx/elftest"
)

// findSample walks up from cwd to samples/<name>.
func findSample(t *testing.T, name string) string {
	t.Helper()
	dir, _ := os.Getwd()
	for {
		p := filepath.Join(dir, "samples", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Skipf("sample %s not found", name)
		}
		dir = parent
	}
}

func baseSpec() elftest.Spec {
	return elftest.Spec{
		Base:    0x400000,
		Needed:  []string{"libc.so.6"},
		Symbols: []elftest.Symbol{{Name: "puts", Lib: "libc.so.6", Version: "GLIBC_2.2.5"}},
	}
}

func writeImage(t *testing.T, spec elftest.Spec) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "a.out")
	if err := os.WriteFile(path, elftest.Build(spec), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"0x200000", 0x200000, true},
		{"4096", 0x1000, true},
		{"0", 0, true},
		{"0x3000", 0, false},
		{"page", 0, false},
	}
	for _, tt := range tests {
		got, err := parseSize(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("parseSize(%q) = 0x%x, %v", tt.in, got, err)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REASSEM_OPT", "2")
	t.Setenv("REASSEM_SYNTAX", "att")
	t.Setenv("REASSEM_CC", "/usr/bin/gcc-12")
	t.Setenv("REASSEM_PAGE_SIZE", "0x1000")
	t.Setenv("REASSEM_ASAN", "true")
	d, err := loadDefaults()
	if err != nil {
		t.Fatal(err)
	}
	want := defaults{Opt: 2, Syntax: "att", CC: "/usr/bin/gcc-12", PageSize: 0x1000, ASan: true}
	if d != want {
		t.Errorf("defaults = %+v, want %+v", d, want)
	}

	t.Setenv("REASSEM_SYNTAX", "arm")
	if _, err := loadDefaults(); err == nil {
		t.Error("unknown syntax accepted")
	}
	t.Setenv("REASSEM_SYNTAX", "intel")
	t.Setenv("REASSEM_PAGE_SIZE", "0x1001")
	if _, err := loadDefaults(); err == nil {
		t.Error("odd page size accepted")
	}
}

func TestRequiredFlags(t *testing.T) {
	tests := []struct {
		name string
		run  func([]string) error
		args []string
		want string
	}{
		{"symbolize", cmdSymbolize, nil, "--bin is required"},
		{"symbolize", cmdSymbolize, []string{"--bin", "b"}, "--meta is required"},
		{"symbolize", cmdSymbolize, []string{"--bin", "b", "--meta", "m", "--out", "o", "--opt", "4"}, "--opt must be 0-3"},
		{"compile", cmdCompile, []string{"--bin", "b", "--asm", "a.s"}, "--out is required"},
		{"splice", cmdSplice, []string{"--orig", "b"}, "--recompiled is required"},
		{"cfg", cmdCFG, []string{"--bin", "b", "--meta", "m"}, "--out is required"},
		{"eh", cmdEH, nil, "--bin is required"},
		{"info", cmdInfo, nil, "--bin is required"},
		{"disasm", cmdDisasm, []string{"--bin", "b"}, "--out is required"},
	}
	for _, tt := range tests {
		err := tt.run(tt.args)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s %v: err = %v, want %q", tt.name, tt.args, err, tt.want)
		}
	}
}

func TestOpenImageRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk")
	os.WriteFile(path, []byte("not an elf"), 0644)
	if _, err := openImage(path); !errors.Is(err, elfx.ErrNotELF) {
		t.Errorf("err = %v, want ErrNotELF", err)
	}
}

func TestDisasmCommand(t *testing.T) {
	spec := baseSpec()
	spec.Text = []byte{0x90, 0x90, 0xc3}
	bin := writeImage(t, spec)
	out := t.TempDir()
	t.Setenv("REASSEM_SYNTAX", "intel")
	if err := cmdDisasm([]string{"--bin", bin, "--out", out}); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(out, "asm", "text.txt"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 3 {
		t.Fatalf("listing has %d lines:\n%s", len(lines), b)
	}
	if !strings.Contains(lines[2], "ret") {
		t.Errorf("last line = %q", lines[2])
	}
}

func TestWriteFuncCFGs(t *testing.T) {
	dir := t.TempDir()
	// test eax, eax; je 0x1005; nop; ret
	branchy := callgraph.FuncInfo{
		Name:  "fun_0_1000",
		Insts: disasm.Disassemble([]byte{0x85, 0xc0, 0x74, 0x01, 0x90, 0xc3}, disasm.Options{BaseAddr: 0x1000}),
	}
	leaf := callgraph.FuncInfo{
		Name:  "fun_1_2000",
		Insts: disasm.Disassemble([]byte{0xc3}, disasm.Options{BaseAddr: 0x2000}),
	}
	for _, info := range []callgraph.FuncInfo{branchy, leaf} {
		serialized := &lattice.FuncCFG{Name: info.Name, Blocks: []*lattice.BasicBlock{{ID: 0, End: len(info.Insts), Term: true}}}
		if err := writeFuncCFGs(dir, serialized, info); err != nil {
			t.Fatal(err)
		}
	}

	for _, name := range []string{"fun_0_1000.dot", "fun_0_1000.sweep.dot", "fun_1_2000.dot"} {
		b, err := os.ReadFile(filepath.Join(dir, "cfg", name))
		if err != nil {
			t.Fatal(err)
		}
		if len(b) == 0 {
			t.Errorf("%s is empty", name)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "cfg", "fun_1_2000.sweep.dot")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("single-block function got a sweep graph: %v", err)
	}
}

func TestEHCommandNeedsFrame(t *testing.T) {
	bin := writeImage(t, baseSpec())
	if err := cmdEH([]string{"--bin", bin}); !errors.Is(err, elfx.ErrNoSection) {
		t.Errorf("err = %v, want ErrNoSection", err)
	}
}

func TestDumpEH(t *testing.T) {
	procs := map[uint64]*ehframe.Proc{
		0x1100: {
			Start: 0x1100, End: 0x1180,
			Directives: &ehframe.Directives{
				At:    map[uint64][]string{0x1101: {".cfi_def_cfa_offset 16", ".cfi_offset 6, -16"}},
				Addrs: []uint64{0x1101},
			},
			LSDA: &ehframe.LSDA{
				Addr:      0x2000,
				Size:      12,
				CallSites: []ehframe.CallSite{{Start: 4, Len: 5, Landing: 0x20, Action: 1}, {Start: 9, Len: 2}},
				Actions:   []ehframe.Action{{Filter: 1}},
			},
			Personality: 0x3ff0,
		},
		0x1000: {Start: 0x1000, End: 0x1010, Directives: &ehframe.Directives{}},
	}
	var buf bytes.Buffer
	dumpEH(&buf, procs)
	out := buf.String()
	for _, want := range []string{
		"FDE [0x1000, 0x1010)\nFDE [0x1100, 0x1180)\n",
		"  0x1101  .cfi_def_cfa_offset 16\n  0x1101  .cfi_offset 6, -16\n",
		"LSDA 0x2000 personality slot 0x3ff0, 12 bytes",
		"call site [0x1104, 0x1109) landing 0x1120 action 1",
		"call site [0x1109, 0x110b) landing 0x0 action 0",
		"action 0 filter 1 next 0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("dump lacks %q:\n%s", want, out)
		}
	}
}

func TestSymbolizeSample(t *testing.T) {
	bin := findSample(t, "hello")
	md := findSample(t, "hello.json")
	dir := t.TempDir()
	asm := filepath.Join(dir, "hello.s")
	diagPath := filepath.Join(dir, "diag.json")
	err := cmdSymbolize([]string{"--bin", bin, "--meta", md, "--out", asm, "--diag", diagPath, "--opt", "3"})
	if err != nil {
		t.Fatalf("cmdSymbolize: %v", err)
	}
	b, err := os.ReadFile(asm)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(b, []byte("\nmain:\n")) {
		t.Error("no main label in output")
	}
	if _, err := os.Stat(diagPath); err != nil {
		t.Error(err)
	}

	cfgDir := filepath.Join(dir, "cfg")
	if err := cmdCFG([]string{"--bin", bin, "--meta", md, "--out", cfgDir}); err != nil {
		t.Fatalf("cmdCFG: %v", err)
	}
	for _, name := range []string{"callgraph.dot", "functions.jsonl", "call_edges.jsonl", "summary.json"} {
		if _, err := os.Stat(filepath.Join(cfgDir, name)); err != nil {
			t.Error(err)
		}
	}
}
