package callgraph

import (
	"fmt"
	"slices"

	"github.com/zboralski/lattice"

	"reassem/internal/cfg"
	"reassem/internal/disasm"
	"reassem/internal/meta"
)

// BuildFuncCFG builds a single-function lattice.FuncCFG from instructions and call edges.
// Returns the FuncCFG and the number of basic blocks (for filtering trivial functions).
func BuildFuncCFG(name string, insts []disasm.Inst, edges []disasm.CallEdge) (*lattice.FuncCFG, int) {
	dcfg := disasm.BuildCFG(name, insts)
	return convertFuncCFG(&dcfg, edges), len(dcfg.Blocks)
}

// convertFuncCFG maps a disasm.FuncCFG to a lattice.FuncCFG.
// Call edges are mapped into blocks by matching instruction PCs.
func convertFuncCFG(dcfg *disasm.FuncCFG, edges []disasm.CallEdge) *lattice.FuncCFG {
	edgeByPC := make(map[uint64]disasm.CallEdge, len(edges))
	for _, e := range edges {
		edgeByPC[e.FromPC] = e
	}

	lcfg := &lattice.FuncCFG{Name: dcfg.Name}
	for _, db := range dcfg.Blocks {
		lb := &lattice.BasicBlock{
			ID:    db.ID,
			Start: db.Start,
			End:   db.End,
			Term:  db.IsTerm,
		}
		for _, ds := range db.Succs {
			lb.Succs = append(lb.Succs, lattice.Successor{
				BlockID: ds.BlockID,
				Cond:    ds.Cond,
			})
		}
		for idx := db.Start; idx < db.End && idx < len(dcfg.Insts); idx++ {
			if e, ok := edgeByPC[dcfg.Insts[idx].Addr]; ok {
				lb.Calls = append(lb.Calls, lattice.CallSite{
					Offset: idx,
					Callee: calleeName(e),
				})
			}
		}
		lcfg.Blocks = append(lcfg.Blocks, lb)
	}
	return lcfg
}

func calleeName(e disasm.CallEdge) string {
	switch {
	case e.TargetName != "":
		return e.TargetName
	case e.Via != "":
		return e.Via
	case e.TargetPC != 0:
		return fmt.Sprintf("0x%x", e.TargetPC)
	default:
		return e.Reg
	}
}

// SerializedCFG maps the serialized layout of a function to a
// lattice.FuncCFG. Blocks are numbered in emission order across the FDE
// ranges; instruction indexes run over the whole layout. Successors come
// from the metadata edges whose targets were laid out, and call edges
// become call sites named through symbols.
func SerializedCFG(name string, ser *cfg.Serializer, fn *meta.Function, symbols disasm.SymbolLookup) *lattice.FuncCFG {
	lcfg := &lattice.FuncCFG{Name: name}
	if ser == nil {
		return lcfg
	}
	starts := make([]uint64, 0, len(ser.Seq))
	for s := range ser.Seq {
		starts = append(starts, s)
	}
	slices.Sort(starts)

	type placed struct {
		lb    *lattice.BasicBlock
		block *meta.BasicBlock
	}
	var order []placed
	ids := make(map[uint64]int)
	idx := 0
	for _, s := range starts {
		for _, r := range cfg.Blocks(ser.Seq[s]) {
			if _, dup := ids[r.Start]; dup {
				continue
			}
			b, _ := fn.BBLs.Get(meta.Addr(r.Start))
			n := 0
			if b != nil {
				n = len(b.Code)
			}
			lb := &lattice.BasicBlock{ID: len(order), Start: idx, End: idx + n}
			ids[r.Start] = lb.ID
			order = append(order, placed{lb, b})
			idx += n
		}
	}

	for _, p := range order {
		if p.block != nil {
			for _, e := range p.block.Edges {
				if e.Type == meta.CallEdge {
					callee, ok := "", false
					if symbols != nil {
						callee, ok = symbols(uint64(e.To))
					}
					if !ok {
						callee = e.To.String()
					}
					p.lb.Calls = append(p.lb.Calls, lattice.CallSite{Offset: max(p.lb.End-1, p.lb.Start), Callee: callee})
					continue
				}
				id, ok := ids[uint64(e.To)]
				if !ok {
					continue
				}
				var cond string
				switch e.Type {
				case meta.IntraCJmpTrueEdge:
					cond = "T"
				case meta.IntraCJmpFalseEdge:
					cond = "F"
				}
				p.lb.Succs = append(p.lb.Succs, lattice.Successor{BlockID: id, Cond: cond})
			}
		}
		p.lb.Term = len(p.lb.Succs) == 0
		lcfg.Blocks = append(lcfg.Blocks, p.lb)
	}
	return lcfg
}
