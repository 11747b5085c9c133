package render

import (
	"fmt"
	"sort"
	"strings"

	"reassem/internal/disasm"
)

// FindEntryPoints returns the roots that name a known function plus every
// primary function that is neither called nor referenced.
func FindEntryPoints(funcs []disasm.FuncRecord, edges []disasm.CallEdgeRecord, roots ...string) []string {
	called := make(map[string]bool)
	for _, e := range edges {
		if e.Kind == "call" && e.Target != "" {
			called[e.Target] = true
		}
	}
	known := make(map[string]bool, len(funcs))
	for _, f := range funcs {
		known[f.Name] = true
	}

	seen := make(map[string]bool)
	var entries []string
	for _, r := range roots {
		if known[r] && !seen[r] {
			seen[r] = true
			entries = append(entries, r)
		}
	}
	for _, f := range funcs {
		if f.Kind != "primary" || seen[f.Name] {
			continue
		}
		if !called[f.Name] && len(f.Referred) == 0 {
			seen[f.Name] = true
			entries = append(entries, f.Name)
		}
	}
	sort.Strings(entries)
	return entries
}

// adjacency returns successors by caller. Call edges come first, then
// functions whose labels the caller uses.
func adjacency(funcs []disasm.FuncRecord, edges []disasm.CallEdgeRecord) map[string][]string {
	adj := make(map[string][]string)
	for _, e := range edges {
		if e.Kind == "call" && e.Target != "" {
			adj[e.FromFunc] = append(adj[e.FromFunc], e.Target)
		}
	}
	for _, f := range funcs {
		for _, u := range f.Referred {
			adj[u] = append(adj[u], f.Name)
		}
	}
	return adj
}

// ReachableSet walks call edges and label references breadth first from the
// entry points.
func ReachableSet(entryPoints []string, funcs []disasm.FuncRecord, edges []disasm.CallEdgeRecord) map[string]bool {
	adj := adjacency(funcs, edges)
	reachable := make(map[string]bool)
	queue := make([]string, 0, len(entryPoints))
	for _, ep := range entryPoints {
		if !reachable[ep] {
			reachable[ep] = true
			queue = append(queue, ep)
		}
	}
	for len(queue) > 0 {
		fn := queue[0]
		queue = queue[1:]
		for _, target := range adj[fn] {
			if !reachable[target] {
				reachable[target] = true
				queue = append(queue, target)
			}
		}
	}
	return reachable
}

// ReachabilityDOT renders the graph restricted to the reachable set. Entry
// points get an accented border, absorbed functions sit in their own
// cluster, and references that are not calls are dashed.
func ReachabilityDOT(funcs []disasm.FuncRecord, edges []disasm.CallEdgeRecord, reachable map[string]bool, entryPoints []string, title string, t Theme) string {
	entrySet := make(map[string]bool, len(entryPoints))
	for _, ep := range entryPoints {
		entrySet[ep] = true
	}
	kind := make(map[string]string, len(funcs))
	for _, f := range funcs {
		kind[f.Name] = f.Kind
	}

	type edgeKey struct{ from, to string }
	calls := make(map[edgeKey]int)
	for _, e := range edges {
		if e.Kind != "call" || e.Target == "" || !reachable[e.FromFunc] || !reachable[e.Target] {
			continue
		}
		calls[edgeKey{e.FromFunc, e.Target}]++
	}
	refs := make(map[edgeKey]bool)
	for _, f := range funcs {
		for _, u := range f.Referred {
			k := edgeKey{u, f.Name}
			if reachable[u] && reachable[f.Name] && calls[k] == 0 {
				refs[k] = true
			}
		}
	}

	nodes := make(map[string]bool)
	for k := range calls {
		nodes[k.from], nodes[k.to] = true, true
	}
	for k := range refs {
		nodes[k.from], nodes[k.to] = true, true
	}
	for _, ep := range entryPoints {
		nodes[ep] = true
	}
	var absorbed, rest []string
	for n := range nodes {
		if kind[n] == "absorbed" {
			absorbed = append(absorbed, n)
		} else {
			rest = append(rest, n)
		}
	}
	sort.Strings(absorbed)
	sort.Strings(rest)

	var b strings.Builder
	b.WriteString("digraph reachable {\n")
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  splines=true;\n")
	b.WriteString("  nodesep=0.4;\n")
	b.WriteString("  ranksep=0.6;\n")
	fmt.Fprintf(&b, "  bgcolor=%q;\n", t.Background)
	fmt.Fprintf(&b, "  node [shape=rect, style=filled, fillcolor=%q, color=%q, penwidth=0.5, fontname=\"Helvetica Neue,Helvetica,Arial\", fontsize=9, fontcolor=%q, height=0.3, margin=\"0.12,0.06\"];\n",
		t.NodeFill, t.NodeBorder, t.TextColor)
	fmt.Fprintf(&b, "  edge [penwidth=0.5, arrowsize=0.5, arrowhead=vee, color=%q];\n", t.EdgeCall)
	if title != "" {
		fmt.Fprintf(&b, "  labelloc=t;\n  labeljust=l;\n")
		fmt.Fprintf(&b, "  label=<<font face=\"Helvetica Neue,Helvetica\" point-size=\"8\" color=\"%s\">%s</font>>;\n",
			t.TextColor, dotEscape(title))
	}
	b.WriteByte('\n')

	writeNode := func(name string) {
		attrs := fmt.Sprintf("label=%q", truncLabel(name, 50))
		switch {
		case entrySet[name]:
			attrs += fmt.Sprintf(", penwidth=1.5, color=%q", t.Entry)
		case kind[name] == "absorbed":
			attrs += fmt.Sprintf(", fillcolor=%q", t.AbsorbedFill)
		case strings.HasSuffix(name, "@PLT") || kind[name] == "":
			attrs += fmt.Sprintf(", fontcolor=%q", t.PLTText)
		}
		fmt.Fprintf(&b, "  %s [%s];\n", dotID(name), attrs)
	}

	if len(absorbed) > 1 {
		b.WriteString("  subgraph cluster_absorbed {\n")
		fmt.Fprintf(&b, "    label=<<font point-size=\"8\" color=\"%s\">absorbed</font>>;\n", t.ClusterLabel)
		fmt.Fprintf(&b, "    style=dotted; color=%q; penwidth=0.3;\n", t.ClusterBorder)
		for _, name := range absorbed {
			b.WriteString("  ")
			writeNode(name)
		}
		b.WriteString("  }\n")
	} else {
		rest = append(rest, absorbed...)
		sort.Strings(rest)
	}
	for _, name := range rest {
		writeNode(name)
	}
	b.WriteByte('\n')

	keys := make([]edgeKey, 0, len(calls)+len(refs))
	for k := range calls {
		keys = append(keys, k)
	}
	for k := range refs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].from != keys[j].from {
			return keys[i].from < keys[j].from
		}
		return keys[i].to < keys[j].to
	})
	for _, k := range keys {
		if n, ok := calls[k]; ok {
			attrs := fmt.Sprintf("color=%q", t.EdgeCall)
			if n > 1 {
				attrs += fmt.Sprintf(", penwidth=%.1f", 0.5+float64(n)*0.1)
			}
			fmt.Fprintf(&b, "  %s -> %s [%s];\n", dotID(k.from), dotID(k.to), attrs)
			continue
		}
		fmt.Fprintf(&b, "  %s -> %s [color=%q, style=dashed];\n", dotID(k.from), dotID(k.to), t.EdgeRef)
	}

	b.WriteString("}\n")
	return b.String()
}
