// Package cfg walks the superset CFG of a function and lays its blocks out
// as a single non-overlapping instruction sequence.
package cfg

import (
	"fmt"
	"sort"

	"reassem/internal/diag"
	"reassem/internal/disasm"
	"reassem/internal/meta"
)

// Region is a block as an address range. Fallthrough is End when some edge
// of the block targets End, else 0.
type Region struct {
	Start, End, Fallthrough uint64
}

// FallsThrough reports whether execution continues past End.
func (r Region) FallsThrough() bool { return r.Fallthrough == r.End }

// ItemKind distinguishes serialized items.
type ItemKind int

const (
	ItemBlock ItemKind = iota
	ItemComment
	ItemJump // unconditional jump to Addr
)

// Item is one element of a serialized layout.
type Item struct {
	Kind    ItemKind
	Addr    uint64
	Comment string
	Block   Region
}

// VisitLog caches block validity across the functions of one binary.
type VisitLog map[meta.Addr]bool

var skipEdges = map[meta.EdgeType]bool{
	meta.IntraCJmpTrueEdge:  true,
	meta.IntraCJmpFalseEdge: true,
	meta.IntraJmpEdge:       true,
	meta.CallEdge:           true,
}

// Construct walks the blocks reachable from root without following direct
// jump, conditional jump and call edges. Blocks containing an unsupported
// instruction are dropped. If root itself is dropped, every visited block is.
func Construct(root meta.Addr, blocks *meta.Ordered[*meta.BasicBlock], syntax disasm.Syntax, log VisitLog, d *diag.Diags) (leaders, dropped []meta.Addr) {
	type pair struct{ from, to meta.Addr }
	seen := make(map[meta.Addr]bool)
	history := make(map[pair]bool)
	stack := []meta.Addr{root}

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		b, ok := blocks.Get(cur)
		if !ok {
			continue
		}
		seen[cur] = true

		valid, cached := log[cur]
		if !cached {
			valid = true
			for i := range b.Code {
				in := &b.Code[i]
				if Unsupported(in.Disassem, syntax) {
					d.Addf(uint64(in.Addr), diag.KindUnsupported, "%s", in.Disassem)
					valid = false
				}
			}
			log[cur] = valid
		}
		if valid {
			leaders = append(leaders, cur)
		} else {
			dropped = append(dropped, cur)
		}

		for _, e := range b.Edges {
			if skipEdges[e.Type] {
				continue
			}
			p := pair{e.From, e.To}
			if !history[p] {
				history[p] = true
				stack = append(stack, e.To)
			}
		}
	}

	if !seen[root] || !log[root] {
		return nil, append(dropped, leaders...)
	}
	return leaders, dropped
}

// Serializer lays out the blocks of one function per FDE range.
type Serializer struct {
	Root     meta.Addr
	Fn       *meta.Function
	Opt      int
	Syntax   disasm.Syntax
	Branches *Branches

	Seq        map[uint64][]Item   // keyed by FDE start
	BlockAddrs map[uint64][]uint64 // accepted block starts per FDE start
	Overlapped int                 // blocks that took part in an overlap group
}

func New(root meta.Addr, fn *meta.Function, opt int, syntax disasm.Syntax) *Serializer {
	return &Serializer{
		Root:       root,
		Fn:         fn,
		Opt:        opt,
		Syntax:     syntax,
		Seq:        make(map[uint64][]Item),
		BlockAddrs: make(map[uint64][]uint64),
	}
}

// BuildRegions examines the indirect branches, walks the CFG and returns
// the accepted blocks as sorted regions along with the dropped blocks.
func (s *Serializer) BuildRegions(log VisitLog, d *diag.Diags) ([]Region, []meta.Addr) {
	s.Branches = ExamineBranches(&s.Fn.JmpInfo, s.Opt)
	leaders, dropped := Construct(s.Root, &s.Fn.BBLs, s.Syntax, log, d)
	for _, a := range dropped {
		d.Addf(uint64(a), diag.KindDroppedBlock, "block dropped from function %s", s.Root)
	}
	return BuildRegions(&s.Fn.BBLs, leaders), dropped
}

// BuildRegions converts block addresses to sorted regions.
func BuildRegions(blocks *meta.Ordered[*meta.BasicBlock], leaders []meta.Addr) []Region {
	regions := make([]Region, 0, len(leaders))
	for _, a := range leaders {
		b := blocks.Items[a]
		r := Region{Start: uint64(a), End: uint64(a) + b.Size}
		for _, e := range b.Edges {
			if uint64(e.To) == r.End {
				r.Fallthrough = r.End
				break
			}
		}
		regions = append(regions, r)
	}
	sort.Slice(regions, func(i, j int) bool {
		if regions[i].Start != regions[j].Start {
			return regions[i].Start < regions[j].Start
		}
		if regions[i].End != regions[j].End {
			return regions[i].End < regions[j].End
		}
		return regions[i].Fallthrough < regions[j].Fallthrough
	})
	return regions
}

// Serialize lays out the regions inside [fdeStart, fdeEnd). fdeEnd 0 means
// unbounded. Overlapping runs are resolved with SolveOverlap.
func (s *Serializer) Serialize(regions []Region, fdeStart, fdeEnd uint64) {
	var (
		next    uint64
		queue   []Item
		overlap []Region
		addrs   []uint64
	)
	flush := func() {
		last := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		group := append([]Region{last.Block}, overlap...)
		s.Overlapped += len(group)
		queue = append(queue, SolveOverlap(group, next)...)
		overlap = nil
	}

	for _, r := range regions {
		if r.Start < fdeStart || (fdeEnd != 0 && fdeEnd <= r.Start) {
			continue
		}
		addrs = append(addrs, r.Start)
		if r.Start < next {
			overlap = append(overlap, r)
		} else {
			if len(overlap) > 0 {
				flush()
			}
			queue = append(queue, Item{Kind: ItemBlock, Addr: r.Start, Block: r})
		}
		if r.End > next {
			next = r.End
		}
	}
	if len(overlap) > 0 {
		flush()
	}
	s.Seq[fdeStart] = queue
	s.BlockAddrs[fdeStart] = addrs
}

// SolveOverlap orders an overlapping group. Each chain starts at the first
// unvisited region and greedily follows regions that begin where the chain
// ends, stopping after a region that does not fall through. Jumps are added
// where a chain would otherwise fall into code laid out elsewhere. This is a
// heuristic; it guarantees every region is emitted exactly once.
func SolveOverlap(group []Region, last uint64) []Item {
	var out []Item
	visited := make(map[uint64]bool)
	out = append(out, Item{
		Kind:    ItemComment,
		Addr:    group[0].Start,
		Comment: fmt.Sprintf("\n# <--------- The Beginning of Overlapped Region (0x%x)", group[0].Start),
	})

	for len(group) > 0 {
		cur := group[0]
		next := cur.End
		out = append(out,
			Item{Kind: ItemComment, Addr: cur.Start, Comment: fmt.Sprintf("# Overlapped Region <<<<< 0x%x", cur.Start)},
			Item{Kind: ItemBlock, Addr: cur.Start, Block: cur})
		visited[cur.Start] = true
		for _, r := range group {
			if r.Start != next {
				continue
			}
			cur = r
			out = append(out, Item{Kind: ItemBlock, Addr: cur.Start, Block: cur})
			visited[cur.Start] = true
			next = cur.End
			if !cur.FallsThrough() {
				break
			}
		}

		rest := group[:0:0]
		for _, r := range group {
			if !visited[r.Start] {
				rest = append(rest, r)
			}
		}
		group = rest

		switch {
		case next == last:
			if len(group) > 0 {
				out = append(out, Item{Kind: ItemJump, Addr: next, Comment: fmt.Sprintf("# Jump to next block >>>> 0x%x", last)})
			}
		case visited[next] && cur.FallsThrough():
			out = append(out, Item{Kind: ItemJump, Addr: next, Comment: fmt.Sprintf("# Jump to next block >>>> 0x%x", next)})
		}
	}

	out = append(out, Item{
		Kind:    ItemComment,
		Addr:    last,
		Comment: fmt.Sprintf("# <--------- The End of Overlapped Region (0x%x)\n", last),
	})
	return out
}

// Blocks returns the block regions of a serialized layout in order.
func Blocks(items []Item) []Region {
	var out []Region
	for _, it := range items {
		if it.Kind == ItemBlock {
			out = append(out, it.Block)
		}
	}
	return out
}
