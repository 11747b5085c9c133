package render

import (
	"strings"
	"testing"

	"reassem/internal/disasm"
)

var (
	funcs = []disasm.FuncRecord{
		{Name: "fun_0_401000", Kind: "primary"},
		{Name: "fun_1_401020", Kind: "primary", Referred: []string{"fun_0_401000"}},
		{Name: "fun_2_401040", Kind: "primary"},
		{Name: "fun_3_401080", Kind: "absorbed", Referred: []string{"fun_2_401040"}},
		{Name: "fun_4_4010a0", Kind: "primary"},
		{Name: "fun_5_4010c0", Kind: "primary", Referred: []string{"fun_4_4010a0"}},
	}
	edges = []disasm.CallEdgeRecord{
		{FromFunc: "fun_1_401020", Kind: "call", Target: "puts@PLT"},
		{FromFunc: "fun_1_401020", Kind: "call", Target: "fun_2_401040"},
		{FromFunc: "fun_1_401020", Kind: "call", Target: "fun_2_401040"},
		{FromFunc: "fun_2_401040", Kind: "call*", Reg: "RAX"},
	}
)

func TestFindEntryPoints(t *testing.T) {
	got := FindEntryPoints(funcs, edges, "fun_1_401020", "main", "fun_1_401020")
	want := []string{"fun_0_401000", "fun_1_401020", "fun_4_4010a0"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("entries = %v, want %v", got, want)
	}
}

func TestReachableSet(t *testing.T) {
	r := ReachableSet([]string{"fun_0_401000"}, funcs, edges)
	for _, name := range []string{"fun_0_401000", "fun_1_401020", "fun_2_401040", "fun_3_401080", "puts@PLT"} {
		if !r[name] {
			t.Errorf("%s not reachable", name)
		}
	}
	if r["fun_4_4010a0"] || r["fun_5_4010c0"] {
		t.Errorf("reachable = %v", r)
	}
}

func TestReachabilityDOT(t *testing.T) {
	entries := []string{"fun_0_401000"}
	r := ReachableSet(entries, funcs, edges)
	dot := ReachabilityDOT(funcs, edges, r, entries, "a.out", Mono)

	if !strings.HasPrefix(dot, "digraph reachable {\n") || !strings.HasSuffix(dot, "}\n") {
		t.Fatalf("not a digraph:\n%s", dot)
	}
	for _, want := range []string{
		`n_fun_0_401000 [label="fun_0_401000", penwidth=1.5, color="#0B3D91"];`,
		`n_puts_0040PLT [label="puts@PLT", fontcolor="#9E9E9E"];`,
		`n_fun_3_401080 [label="fun_3_401080", fillcolor="#ECEFF1"];`,
		`n_fun_0_401000 -> n_fun_1_401020 [color="#9E9E9E", style=dashed];`,
		`n_fun_1_401020 -> n_fun_2_401040 [color="#424242", penwidth=0.7];`,
		`n_fun_1_401020 -> n_puts_0040PLT [color="#424242"];`,
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT lacks %s", want)
		}
	}
	if strings.Contains(dot, "fun_4_4010a0") {
		t.Error("unreachable function drawn")
	}
	if dot != ReachabilityDOT(funcs, edges, r, entries, "a.out", Mono) {
		t.Error("output is not deterministic")
	}
}

func TestDotID(t *testing.T) {
	if got := dotID("fun_3_401000.part.0"); got != "n_fun_3_401000_002epart_002e0" {
		t.Errorf("dotID = %q", got)
	}
	if got := truncLabel(strings.Repeat("x", 60), 10); got != "xxxxxxx..." {
		t.Errorf("truncLabel = %q", got)
	}
}
