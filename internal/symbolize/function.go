package symbolize

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"reassem/internal/cfg"
	"reassem/internal/diag"
	"reassem/internal/disasm"
	"reassem/internal/ehframe"
	"reassem/internal/meta"
)

// Stats counts what the layout and guard passes did to one function.
type Stats struct {
	Blocks       int
	Overlapped   int
	BrSites      int
	MultiBrSites int
}

// Function symbolizes one function of the superset CFG.
type Function struct {
	Addr  uint64
	ID    int
	Label string
	Meta  *meta.Function

	// Code is keyed by the function address, or by the FDE start for parts
	// of the function that lie in a detached FDE.
	Code   map[uint64][]Line
	Tables map[uint64][]Line // keyed by table base

	Stats      Stats
	Referred   map[uint64]bool // functions whose labels the code uses
	RIPTargets []uint64

	ctx         *Context
	labels      *Labels
	ser         *cfg.Serializer
	fdes        []meta.FDERange
	falseBlocks []uint64
	tables      map[uint64]bool
	endbr       map[uint64]bool
	stackHeight int64
}

func NewFunction(addr uint64, id int, label string, fn *meta.Function) *Function {
	f := &Function{
		Addr:     addr,
		ID:       id,
		Label:    label,
		Meta:     fn,
		Code:     make(map[uint64][]Line),
		Tables:   make(map[uint64][]Line),
		Referred: make(map[uint64]bool),
		labels:   NewLabels(id),
		tables:   make(map[uint64]bool),
		endbr:    make(map[uint64]bool),
	}
	for _, a := range fn.FalseBBLs {
		f.falseBlocks = append(f.falseBlocks, uint64(a))
	}
	for _, t := range fn.JmpTables {
		f.tables[uint64(t.BaseAddr)] = true
	}
	f.fdes = MergeFDEs(fn.FDERanges)
	if len(f.fdes) == 0 {
		f.fdes = []meta.FDERange{{Start: meta.Addr(addr), End: meta.Addr(blockEnd(fn))}}
	}
	return f
}

func blockEnd(fn *meta.Function) uint64 {
	var end uint64
	for _, a := range fn.BBLs.Keys {
		if e := uint64(a) + fn.BBLs.Items[a].Size; e > end {
			end = e
		}
	}
	return end
}

// Labels exposes the label table.
func (f *Function) Labels() *Labels { return f.labels }

// Layout returns the serialized block order, or nil before Run.
func (f *Function) Layout() *cfg.Serializer { return f.ser }

// MergeFDEs sorts FDE ranges and merges a range into an earlier one that
// contains its start.
func MergeFDEs(ranges []meta.FDERange) []meta.FDERange {
	ends := make(map[meta.Addr]meta.Addr, len(ranges))
	for _, r := range ranges {
		ends[r.Start] = r.End
	}
	starts := make([]meta.Addr, 0, len(ends))
	for s := range ends {
		starts = append(starts, s)
	}
	slices.Sort(starts)

	var out []meta.FDERange
	for _, s := range starts {
		merged := false
		for i := range out {
			if out[i].Start <= s && s < out[i].End {
				out[i].End = max(out[i].End, ends[s])
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, meta.FDERange{Start: s, End: ends[s]})
		}
	}
	return out
}

// Run lays out and symbolizes the function. A function whose entry block is
// dropped produces no code.
func (f *Function) Run(ctx *Context) {
	f.ctx = ctx
	f.ser = cfg.New(meta.Addr(f.Addr), f.Meta, ctx.Opt, ctx.Syntax)
	regions, dropped := f.ser.BuildRegions(ctx.Visit, ctx.Diags)
	if len(regions) == 0 {
		return
	}
	for _, a := range dropped {
		f.falseBlocks = append(f.falseBlocks, uint64(a))
	}

	for _, r := range f.fdes {
		f.ser.Serialize(regions, uint64(r.Start), uint64(r.End))
		f.makeLabels(uint64(r.Start))
	}
	for _, r := range f.fdes {
		start, end := uint64(r.Start), uint64(r.End)
		key := f.Addr
		if f.Addr < start || end <= f.Addr {
			key = start
		}
		lines := f.symbolizeFDE(start, end)
		if len(lines) == 0 {
			continue
		}
		f.Code[key] = append(f.Code[key], lines...)
	}
	f.updateStats()

	if len(f.Code) == 0 {
		return
	}
	f.Tables = f.symbolizeTables()
	f.Code[f.Addr] = f.appendFalseBlocks(f.Code[f.Addr])
}

func (f *Function) makeLabels(fdeStart uint64) {
	for _, a := range f.ser.BlockAddrs[fdeStart] {
		f.labels.Block(a)
	}
	starts := make(map[meta.Addr]bool, len(f.fdes))
	for _, r := range f.fdes {
		starts[r.Start] = true
	}
	for _, r := range f.fdes {
		if !starts[r.End] {
			f.labels.End(uint64(r.End))
		}
	}
	for _, a := range f.falseBlocks {
		f.labels.False(a)
	}
}

func (f *Function) updateStats() {
	f.Stats.Blocks = 0
	for _, items := range f.ser.Seq {
		f.Stats.Blocks += len(cfg.Blocks(items))
	}
	f.Stats.Overlapped = f.ser.Overlapped
	f.Stats.BrSites = len(f.ser.Branches.BrSym)
	f.Stats.MultiBrSites = 0
	for _, jobs := range f.ser.Branches.BrSym {
		seen := make(map[uint64]bool)
		for _, j := range jobs {
			seen[j.TblAddr] = true
		}
		if len(seen) > 1 {
			f.Stats.MultiBrSites++
		}
	}
}

// code returns the instructions of the block at addr.
func (f *Function) code(addr uint64) []meta.Instruction {
	b, ok := f.Meta.BBLs.Get(meta.Addr(addr))
	if !ok {
		return nil
	}
	return b.Code
}

var (
	intelStack = regexp.MustCompile(`RSP-([0-9a-fx]*)`)
	attStack   = regexp.MustCompile(`-([0-9a-fx]*)\(%RSP\)`)
)

// scanStack records the displacement of an RSP-relative operand. The last
// match in the function wins.
func (f *Function) scanStack(text string) {
	re := intelStack
	if f.ctx.Syntax == disasm.ATT {
		re = attStack
	}
	m := re.FindStringSubmatch(text)
	if m == nil {
		return
	}
	v, err := strconv.ParseInt(strings.TrimPrefix(m[1], "0x"), 16, 64)
	if err != nil {
		return
	}
	if v >= 0 && v <= 0x8000000 {
		f.stackHeight = v
	}
}

// selfLoop reports a branch to its own address.
func selfLoop(in *meta.Instruction) bool {
	if !in.IsBranch || in.Opcode() == "ret" {
		return false
	}
	t, ok := cfg.PCTarget(in)
	return ok && t == uint64(in.Addr)
}

var layoutJumpSkip = map[string]bool{"jmp": true, "loop": true, "loope": true, "loopne": true, "ret": true}

// appendLocal appends the label at addr. Block labels and FDE end labels are
// kept apart: end is true only for the latter.
func (f *Function) appendLocal(out []Line, addr uint64, end bool) []Line {
	l := f.labels.Local(addr)
	if l == "" || strings.HasSuffix(l, "_end") != end {
		return out
	}
	return append(out, label(addr, l))
}

func (f *Function) symbolizeFDE(fdeStart, fdeEnd uint64) []Line {
	ctx := f.ctx
	items := f.ser.Seq[fdeStart]
	out := []Line{directive(".text")}

	laid := make(map[uint64]bool)
	for _, it := range items {
		if it.Kind != cfg.ItemBlock {
			continue
		}
		if _, ok := ctx.PLT[it.Block.Start]; ok {
			continue
		}
		for _, in := range f.code(it.Block.Start) {
			a := uint64(in.Addr)
			if a >= fdeStart {
				laid[a] = true
			}
			if strings.Contains(in.Disassem, "endbr64") {
				f.endbr[a] = true
			}
			f.scanStack(in.Disassem)
		}
	}

	var proc *ehframe.Proc
	if p, ok := ctx.CFI[fdeStart]; ok && p.Directives != nil && (laid[fdeStart] || laid[fdeStart+1]) {
		proc = p
	}
	unresolved := make(map[uint64]bool)
	if proc != nil {
		for a := range proc.Directives.At {
			if !laid[a] {
				unresolved[a] = true
			}
		}
	}

	var (
		eh       *ehframe.EHTable
		entryIdx int
		started  bool
		blocks   int
	)
	for _, it := range items {
		switch it.Kind {
		case cfg.ItemComment:
			out = append(out, comment(it.Addr, it.Comment))
			continue
		case cfg.ItemJump:
			last := out[len(out)-1]
			if w := strings.Fields(last.Code); len(w) == 0 || !layoutJumpSkip[w[0]] {
				out = append(out, f.jump(it.Addr, it.Comment))
			}
			continue
		}

		start := it.Block.Start
		if _, ok := ctx.PLT[start]; ok {
			continue
		}
		blocks++
		labelAt := start

		if start == f.Addr {
			out = append(out, directive(".align 8"), label(f.Addr, f.Label))
		}
		if !started && proc != nil && (start == fdeStart || start == fdeStart+1) {
			out = append(out, directive(".cfi_startproc"))
			started = true
			if proc.LSDA != nil {
				eh = ehframe.NewEHTable(proc.LSDA, fdeStart, &ctx.Counters, f.dataLabel, ctx.Relocs)
				entryIdx = len(out)
			}
		}
		out = f.appendLocal(out, start, false)

		insts := f.code(start)
		for i := range insts {
			in := &insts[i]
			a := uint64(in.Addr)

			if started {
				out = appendDirectives(out, proc.Directives.At[a])
				if next := in.Next(); unresolved[next] {
					out = appendDirectives(out, proc.Directives.At[next])
					delete(unresolved, next)
				}
				if eh != nil {
					out = appendLabels(out, a, eh.AfterLabels(a))
					out = appendLabels(out, a, eh.BeforeLabels(a))
				}
			}

			if a != start && selfLoop(in) {
				labelAt = a
				f.labels.Block(a)
				out = f.appendLocal(out, a, false)
			}
			for _, c := range f.ser.Branches.Comments[a] {
				out = append(out, comment(a, c))
			}
			if !ctx.NoGuards {
				if jobs := f.ser.Branches.BrSym[a]; len(jobs) > 0 {
					out = append(out, f.guard(in, jobs)...)
				}
			}

			switch {
			case len(f.ser.Branches.TblSym[a]) > 0:
				out = append(out, f.tableRef(in)...)
			case cfg.NeedTransformation(in, labelAt):
				out = append(out, f.transform(in)...)
			default:
				out = append(out, f.symbolizeInst(in)...)
			}

			if eh != nil {
				if next := in.Next(); !laid[next] {
					out = appendLabels(out, next, eh.AfterLabels(next))
				}
			}
		}
	}
	if blocks == 0 {
		return nil
	}

	if started {
		out = append(out, directive(".cfi_endproc"))
	}
	out = f.appendLocal(out, fdeEnd, true)

	if eh != nil {
		if eh.HasMissingLabels() {
			ctx.Diags.Addf(fdeStart, diag.KindIncompleteEH, "exception table of %s omitted: call-site labels not placed", f.Label)
			return out
		}
		head := []Line{label(0, eh.EntryLabel())}
		for _, d := range eh.Encoding(f.personality(proc)) {
			head = append(head, directive(d))
		}
		out = slices.Insert(out, entryIdx, head...)
		for _, l := range eh.Lines() {
			out = append(out, directive(l))
		}
	}
	return out
}

// GxxPersonality is the comdat slot C++ objects use for their personality.
const GxxPersonality = "DW.ref.__gxx_personality_v0"

// personality names the personality pointer slot of an FDE. A slot
// relocated against __gxx_personality_v0 is the compiler's comdat slot.
func (f *Function) personality(p *ehframe.Proc) string {
	if f.ctx.Relocs[p.Personality] == "__gxx_personality_v0" {
		return GxxPersonality
	}
	return f.dataLabel(p.Personality)
}

func (f *Function) dataLabel(addr uint64) string { return f.labels.Data(int64(addr)) }

func appendDirectives(out []Line, dirs []string) []Line {
	for _, d := range dirs {
		out = append(out, directive(d))
	}
	return out
}

func appendLabels(out []Line, addr uint64, labels []string) []Line {
	for _, l := range labels {
		out = append(out, label(addr, l))
	}
	return out
}

// symbolizeTables emits the jump tables of the function as label
// differences.
func (f *Function) symbolizeTables() map[uint64][]Line {
	out := make(map[uint64][]Line)
	for _, t := range f.Meta.JmpTables {
		base := uint64(t.BaseAddr)
		if lines, ok := out[base]; ok {
			lines[0].Comment += ", " + t.JmpSite.String()
			continue
		}
		baseLabel := f.labels.JumpTable(base)
		lines := []Line{{Addr: base, Label: baseLabel, Comment: "# jmp site(s): " + t.JmpSite.String()}}

		overlap := false
		for idx, e := range t.Entries {
			target := f.labels.Local(uint64(e))
			addr := base + uint64(idx)*4

			if idx > 0 && f.ctx.RIPAccess[addr] {
				lines = append(lines, comment(addr, fmt.Sprintf(
					"# Decrease size of jump Table (0x%x:%d) in (%s) since there is a memory access to 0x%x",
					base, idx, meta.Addr(f.Addr), addr)))
				f.ctx.Diags.Addf(base, diag.KindTruncatedTable, "cut at entry %d: 0x%x is accessed directly", idx, addr)
				break
			}
			if target == "" || IsFalse(target) {
				lines = append(lines, comment(addr, fmt.Sprintf(
					"# Decrease size of jump Table (0x%x:%d) in (%s) since the table has invalid entry",
					base, idx, meta.Addr(f.Addr))))
				f.ctx.Diags.Addf(base, diag.KindTruncatedTable, "cut at entry %d: target %s has no block", idx, e)
				break
			}

			note := fmt.Sprintf("# 0x%x", addr)
			if addr != base && (overlap || f.tables[addr]) {
				note += " overlapped region"
				overlap = true
			}
			lines = append(lines, codeWith(addr, fmt.Sprintf(".long %s - %s", target, baseLabel), note))
		}
		out[base] = lines
	}
	return out
}

// appendFalseBlocks defines every referenced false label, all falling into
// an abort.
func (f *Function) appendFalseBlocks(out []Line) []Line {
	placed := make(map[string]bool)
	for _, lines := range f.Code {
		for _, l := range lines {
			if l.Label != "" {
				placed[l.Label] = true
			}
		}
	}

	var defs []Line
	seen := make(map[uint64]bool)
	for _, a := range f.falseBlocks {
		if seen[a] || !f.labels.Visited(a) {
			continue
		}
		seen[a] = true
		l := f.labels.Local(a)
		if l == "" || strings.HasSuffix(l, "_end") || placed[l] {
			continue
		}
		placed[l] = true
		defs = append(defs, label(a, l))
	}
	if len(defs) == 0 {
		return out
	}
	const banner = "#----------------------------------------"
	out = append(out, comment(0, banner), comment(0, "# the definition of false BBLs"), comment(0, banner))
	out = append(out, defs...)
	return append(out, directive("call abort@PLT"))
}

// DataLabels returns the data labels the function references.
func (f *Function) DataLabels() []string { return f.labels.DataLabels() }
