package callgraph

import (
	"testing"

	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"

	"reassem/internal/cfg"
	"reassem/internal/disasm"
	"reassem/internal/meta"
)

// A small function with a call on each path:
//
//	0x1000: xor eax, eax
//	0x1002: call 0x1100       ; fun_1_1100
//	0x1007: test eax, eax
//	0x1009: je 0x1012
//	0x100b: call 0x1200       ; puts@PLT
//	0x1010: jmp 0x1013
//	0x1012: ret
//	0x1013: ret
var code = []struct {
	addr meta.Addr
	hex  string
}{
	{0x1000, "31c0"},
	{0x1002, "e8f9000000"},
	{0x1007, "85c0"},
	{0x1009, "7407"},
	{0x100b, "e8f0010000"},
	{0x1010, "eb01"},
	{0x1012, "c3"},
	{0x1013, "c3"},
}

var names = disasm.PlaceholderLookup(map[uint64]string{
	0x1100: "fun_1_1100",
	0x1200: "puts@PLT",
})

func inst(i int) meta.Instruction {
	c := code[i]
	return meta.Instruction{Addr: c.addr, Length: len(c.hex) / 2, ByteString: c.hex}
}

func edge(from, to meta.Addr, t meta.EdgeType) meta.Edge {
	return meta.Edge{From: from, To: to, Kind: t.String(), Type: t}
}

// function lays the code out as superset blocks. The block at 0x1007
// overlaps the entry block.
func function() *meta.Function {
	fn := &meta.Function{}
	fn.BBLs.Set(0x1000, &meta.BasicBlock{
		Size: 0xb,
		Code: []meta.Instruction{inst(0), inst(1), inst(2), inst(3)},
		Edges: []meta.Edge{
			edge(0x1009, 0x1100, meta.CallEdge),
			edge(0x1009, 0x1012, meta.IntraCJmpTrueEdge),
			edge(0x1009, 0x100b, meta.IntraCJmpFalseEdge),
		},
	})
	fn.BBLs.Set(0x1007, &meta.BasicBlock{Size: 4, Code: []meta.Instruction{inst(2), inst(3)}})
	fn.BBLs.Set(0x100b, &meta.BasicBlock{
		Size: 7,
		Code: []meta.Instruction{inst(4), inst(5)},
		Edges: []meta.Edge{
			edge(0x100b, 0x1200, meta.CallEdge),
			edge(0x1010, 0x1013, meta.IntraJmpEdge),
		},
	})
	fn.BBLs.Set(0x1012, &meta.BasicBlock{Size: 1, Code: []meta.Instruction{inst(6)}})
	fn.BBLs.Set(0x1013, &meta.BasicBlock{Size: 1, Code: []meta.Instruction{inst(7)}})
	return fn
}

func TestDecode(t *testing.T) {
	info, err := Decode("fun_0_1000", function(), names)
	if err != nil {
		t.Fatal(err)
	}
	if len(info.Insts) != len(code) {
		t.Fatalf("decoded %d instructions, want %d", len(info.Insts), len(code))
	}
	for i, in := range info.Insts {
		if in.Addr != uint64(code[i].addr) {
			t.Errorf("inst %d at 0x%x, want %s", i, in.Addr, code[i].addr)
		}
	}
	if len(info.CallEdges) != 2 {
		t.Fatalf("call edges = %+v", info.CallEdges)
	}
	if info.CallEdges[0].TargetName != "fun_1_1100" || info.CallEdges[1].TargetName != "puts@PLT" {
		t.Errorf("callees = %q, %q", info.CallEdges[0].TargetName, info.CallEdges[1].TargetName)
	}

	bad := &meta.Function{}
	bad.BBLs.Set(0x1000, &meta.BasicBlock{Size: 1, Code: []meta.Instruction{{Addr: 0x1000, Length: 1, ByteString: "zz"}}})
	if _, err := Decode("bad", bad, nil); err == nil {
		t.Error("Decode accepted a malformed byte string")
	}
}

func TestBuildFuncCFG(t *testing.T) {
	info, err := Decode("fun_0_1000", function(), names)
	if err != nil {
		t.Fatal(err)
	}
	f, n := BuildFuncCFG(info.Name, info.Insts, info.CallEdges)
	if n != 4 || len(f.Blocks) != 4 {
		t.Fatalf("expected 4 blocks, got %d", len(f.Blocks))
	}

	b0 := f.Blocks[0]
	if len(b0.Calls) != 1 || b0.Calls[0].Callee != "fun_1_1100" {
		t.Errorf("B0 calls = %+v", b0.Calls)
	}
	if len(b0.Succs) != 2 || b0.Succs[0].Cond != "T" || b0.Succs[0].BlockID != 2 {
		t.Errorf("B0 succs = %+v", b0.Succs)
	}
	b1 := f.Blocks[1]
	if len(b1.Calls) != 1 || b1.Calls[0].Callee != "puts@PLT" {
		t.Errorf("B1 calls = %+v", b1.Calls)
	}
	if len(b1.Succs) != 1 || b1.Succs[0].BlockID != 3 {
		t.Errorf("B1 succs = %+v", b1.Succs)
	}
	if !f.Blocks[2].Term || !f.Blocks[3].Term {
		t.Error("ret blocks should be terminal")
	}

	if dot := render.DOTCFG(&lattice.CFGGraph{Funcs: []*lattice.FuncCFG{f}}, "fun_0_1000"); dot == "" {
		t.Error("expected non-empty DOT output")
	}
}

func TestSerializedCFG(t *testing.T) {
	fn := function()
	ser := cfg.New(0x1000, fn, 0, disasm.Intel)
	ser.Seq[0x1000] = []cfg.Item{
		{Kind: cfg.ItemBlock, Addr: 0x1000, Block: cfg.Region{Start: 0x1000, End: 0x100b, Fallthrough: 0x100b}},
		{Kind: cfg.ItemBlock, Addr: 0x100b, Block: cfg.Region{Start: 0x100b, End: 0x1012}},
		{Kind: cfg.ItemBlock, Addr: 0x1013, Block: cfg.Region{Start: 0x1013, End: 0x1014}},
	}
	ser.Seq[0x1012] = []cfg.Item{
		{Kind: cfg.ItemComment, Addr: 0x1012, Comment: "detached"},
		{Kind: cfg.ItemBlock, Addr: 0x1012, Block: cfg.Region{Start: 0x1012, End: 0x1013}},
	}

	f := SerializedCFG("fun_0_1000", ser, fn, names)
	if len(f.Blocks) != 4 {
		t.Fatalf("blocks = %d, want 4", len(f.Blocks))
	}
	wantRanges := [][2]int{{0, 4}, {4, 6}, {6, 7}, {7, 8}}
	for i, b := range f.Blocks {
		if b.ID != i || b.Start != wantRanges[i][0] || b.End != wantRanges[i][1] {
			t.Errorf("block %d = id %d [%d,%d), want [%d,%d)", i, b.ID, b.Start, b.End, wantRanges[i][0], wantRanges[i][1])
		}
	}

	b0 := f.Blocks[0]
	if len(b0.Calls) != 1 || b0.Calls[0].Callee != "fun_1_1100" || b0.Calls[0].Offset != 3 {
		t.Errorf("B0 calls = %+v", b0.Calls)
	}
	if len(b0.Succs) != 2 || b0.Succs[0].BlockID != 3 || b0.Succs[0].Cond != "T" ||
		b0.Succs[1].BlockID != 1 || b0.Succs[1].Cond != "F" {
		t.Errorf("B0 succs = %+v", b0.Succs)
	}
	b1 := f.Blocks[1]
	if len(b1.Succs) != 1 || b1.Succs[0].BlockID != 2 || b1.Succs[0].Cond != "" {
		t.Errorf("B1 succs = %+v", b1.Succs)
	}
	if !f.Blocks[2].Term || !f.Blocks[3].Term || b0.Term {
		t.Error("terminal flags wrong")
	}

	if empty := SerializedCFG("x", nil, fn, nil); len(empty.Blocks) != 0 {
		t.Errorf("nil layout gave %d blocks", len(empty.Blocks))
	}
}

func TestBuildCallGraph(t *testing.T) {
	funcs := []FuncInfo{
		{
			Name: "main",
			CallEdges: []disasm.CallEdge{
				{FromPC: 0x1004, Kind: "call", TargetPC: 0x2000, TargetName: "fun_2_2000"},
				{FromPC: 0x1010, Kind: "call", TargetPC: 0x3000, TargetName: "fun_3_3000"},
				{FromPC: 0x1018, Kind: "call", TargetPC: 0x3000, TargetName: "fun_3_3000"},
			},
		},
		{
			Name: "fun_2_2000",
			CallEdges: []disasm.CallEdge{
				{FromPC: 0x2008, Kind: "call*", Reg: "RAX", Via: "&fun_4_4000"},
				{FromPC: 0x200c, Kind: "call*", Reg: "RDX"},
			},
		},
		{
			Name: "fun_3_3000",
			Refs: []string{"fun_4_4000", "fun_3_3000"},
		},
		{Name: "fun_4_4000"},
	}

	cg := BuildCallGraph(funcs)
	if len(cg.Nodes) != 4 {
		t.Errorf("expected 4 nodes, got %d", len(cg.Nodes))
	}
	has := make(map[string]bool)
	for _, e := range cg.Edges {
		if e.Caller == e.Callee {
			t.Errorf("self edge %+v", e)
		}
		has[e.Caller+" -> "+e.Callee] = true
	}
	for _, want := range []string{
		"main -> fun_2_2000",
		"main -> fun_3_3000",
		"fun_2_2000 -> &fun_4_4000",
		"fun_3_3000 -> fun_4_4000",
	} {
		if !has[want] {
			t.Errorf("missing edge %s", want)
		}
	}
	if len(has) != 4 {
		t.Errorf("edges = %+v", cg.Edges)
	}

	if dot := render.DOT(cg, "callgraph"); dot == "" {
		t.Error("expected non-empty DOT output")
	}
}
