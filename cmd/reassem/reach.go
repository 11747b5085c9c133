package main

import (
	"reassem/internal/disasm"
	"reassem/internal/output"
	"reassem/internal/render"
)

// writeReachability writes reachable.dot and returns the number of
// reachable functions.
func writeReachability(dir, title string, funcs []disasm.FuncRecord, edges []disasm.CallEdgeRecord, roots []string) (int, error) {
	entries := render.FindEntryPoints(funcs, edges, roots...)
	reachable := render.ReachableSet(entries, funcs, edges)
	dot := render.ReachabilityDOT(funcs, edges, reachable, entries, title, render.Mono)
	if err := output.WriteDOT(dir, "reachable", dot); err != nil {
		return 0, err
	}
	return len(reachable), nil
}
