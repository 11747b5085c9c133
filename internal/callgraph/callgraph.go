package callgraph

import (
	"fmt"
	"sort"

	"github.com/zboralski/lattice"

	"reassem/internal/disasm"
	"reassem/internal/meta"
)

// FuncInfo holds the data needed to build call graph and CFG for one function.
type FuncInfo struct {
	Name      string
	Insts     []disasm.Inst
	CallEdges []disasm.CallEdge
	Refs      []string // functions whose labels the symbolized code uses
}

// BuildCallGraph constructs a lattice.Graph from disassembled functions.
// Each function becomes a node. Each resolved call edge and each label
// reference becomes an edge. Unresolved indirect calls are skipped.
func BuildCallGraph(funcs []FuncInfo) *lattice.Graph {
	g := &lattice.Graph{}
	for _, f := range funcs {
		g.Nodes = append(g.Nodes, f.Name)
		for _, e := range f.CallEdges {
			callee := e.TargetName
			if callee == "" {
				callee = e.Via
			}
			if callee == "" {
				continue
			}
			g.Edges = append(g.Edges, lattice.Edge{
				Caller: f.Name,
				Callee: callee,
			})
		}
		for _, r := range f.Refs {
			if r != f.Name {
				g.Edges = append(g.Edges, lattice.Edge{Caller: f.Name, Callee: r})
			}
		}
	}
	g.Dedup()
	return g
}

// Decode decodes the metadata instructions of fn in address order.
// Instructions shared by overlapping blocks appear once.
func Decode(name string, fn *meta.Function, symbols disasm.SymbolLookup) (FuncInfo, error) {
	byAddr := make(map[meta.Addr]meta.Instruction)
	for _, a := range fn.BBLs.Keys {
		for _, in := range fn.BBLs.Items[a].Code {
			byAddr[in.Addr] = in
		}
	}
	addrs := make([]meta.Addr, 0, len(byAddr))
	for a := range byAddr {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	info := FuncInfo{Name: name}
	for _, a := range addrs {
		in, err := disasm.DecodeHex(byAddr[a].ByteString, uint64(a))
		if err != nil {
			return FuncInfo{}, fmt.Errorf("callgraph: %s: %w", name, err)
		}
		info.Insts = append(info.Insts, in)
	}
	info.CallEdges = disasm.ExtractCallEdges(info.Insts, symbols, nil, 8)
	return info, nil
}
