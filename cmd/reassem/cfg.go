package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"

	"reassem/internal/callgraph"
	"reassem/internal/disasm"
	"reassem/internal/output"
	"reassem/internal/reassemble"
)

// cfgSummary is written to summary.json.
type cfgSummary struct {
	Binary    string           `json:"binary"`
	Main      string           `json:"main"`
	Functions int              `json:"functions"`
	Edges     int              `json:"call_edges"`
	Reachable int              `json:"reachable"`
	Stats     reassemble.Stats `json:"stats"`
}

func cmdCFG(args []string) error {
	def, err := loadDefaults()
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("cfg", flag.ExitOnError)
	binPath := fs.String("bin", "", "path to the original executable")
	metaPath := fs.String("meta", "", "path to the superset CFG metadata")
	outDir := fs.String("out", "", "output directory")
	opt := fs.Int("opt", def.Opt, "optimization level 0-3")
	fs.Parse(args)

	if *binPath == "" {
		return fmt.Errorf("--bin is required")
	}
	if *metaPath == "" {
		return fmt.Errorf("--meta is required")
	}
	if *outDir == "" {
		return fmt.Errorf("--out is required")
	}
	if err := os.MkdirAll(*outDir, 0755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	r, img, err := runReassembler(*binPath, *metaPath, reassemble.Options{Opt: *opt})
	if err != nil {
		return err
	}
	labels := r.Labels()
	funcs := r.Functions()

	// Invert the reference sets so each record names its users.
	users := make(map[uint64][]string)
	for _, f := range funcs {
		for _, t := range sortedKeys(f.Referred) {
			if t != f.Addr {
				users[t] = append(users[t], f.Label)
			}
		}
	}

	var (
		infos   []callgraph.FuncInfo
		records []disasm.FuncRecord
		edges   []disasm.CallEdgeRecord
	)
	for _, f := range funcs {
		lcfg := callgraph.SerializedCFG(f.Label, f.Layout(), f.Meta, labels)
		info, err := callgraph.Decode(f.Label, f.Meta, labels)
		if err != nil {
			return err
		}
		if err := writeFuncCFGs(*outDir, lcfg, info); err != nil {
			return err
		}
		for _, t := range sortedKeys(f.Referred) {
			if name, ok := labels(t); ok {
				info.Refs = append(info.Refs, name)
			}
		}
		infos = append(infos, info)

		kind, _ := r.Kind(f.Addr)
		records = append(records, disasm.FuncRecord{
			PC:       fmt.Sprintf("0x%x", f.Addr),
			ID:       f.ID,
			Name:     f.Label,
			Kind:     kind.Tag.String(),
			Blocks:   len(lcfg.Blocks),
			Insts:    len(info.Insts),
			Referred: users[f.Addr],
		})
		for _, e := range info.CallEdges {
			rec := disasm.CallEdgeRecord{
				FromFunc: f.Label,
				FromPC:   fmt.Sprintf("0x%x", e.FromPC),
				Kind:     e.Kind,
				Target:   e.TargetName,
				Reg:      e.Reg,
				Via:      e.Via,
			}
			if rec.Target == "" && e.TargetPC != 0 {
				rec.Target = fmt.Sprintf("0x%x", e.TargetPC)
			}
			edges = append(edges, rec)
		}
	}

	cg := callgraph.BuildCallGraph(infos)
	if err := output.WriteDOT(*outDir, "callgraph", render.DOT(cg, filepath.Base(*binPath))); err != nil {
		return err
	}
	if err := output.WriteJSONL(filepath.Join(*outDir, "functions.jsonl"), records); err != nil {
		return err
	}
	if err := output.WriteJSONL(filepath.Join(*outDir, "call_edges.jsonl"), edges); err != nil {
		return err
	}
	roots := []string{r.Main()}
	for _, a := range append([]uint64{img.Header.Entry}, img.InitArray...) {
		if name, ok := labels(a); ok {
			roots = append(roots, name)
		}
	}
	reachable, err := writeReachability(*outDir, filepath.Base(*binPath), records, edges, roots)
	if err != nil {
		return err
	}

	sum := cfgSummary{
		Binary:    *binPath,
		Main:      r.Main(),
		Functions: len(funcs),
		Edges:     len(cg.Edges),
		Reachable: reachable,
		Stats:     r.Stats(),
	}
	if err := output.WriteJSON(filepath.Join(*outDir, "summary.json"), sum); err != nil {
		return err
	}
	printDiags(r.Diags())
	fmt.Fprintf(os.Stderr, "wrote %s (%d functions, %d call edges)\n", *outDir, len(funcs), len(cg.Edges))
	return nil
}

// writeFuncCFGs writes the serialized layout of a function to cfg/<name>.dot
// and, for functions with more than one block, the linear-sweep CFG of its
// decoded instructions to cfg/<name>.sweep.dot.
func writeFuncCFGs(dir string, serialized *lattice.FuncCFG, info callgraph.FuncInfo) error {
	name := filepath.Join("cfg", info.Name)
	dot := render.DOTCFG(&lattice.CFGGraph{Funcs: []*lattice.FuncCFG{serialized}}, info.Name)
	if err := output.WriteDOT(dir, name, dot); err != nil {
		return err
	}
	sweep, n := callgraph.BuildFuncCFG(info.Name, info.Insts, info.CallEdges)
	if n < 2 {
		return nil
	}
	dot = render.DOTCFG(&lattice.CFGGraph{Funcs: []*lattice.FuncCFG{sweep}}, info.Name+" (sweep)")
	return output.WriteDOT(dir, name+".sweep", dot)
}

func sortedKeys(m map[uint64]bool) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
