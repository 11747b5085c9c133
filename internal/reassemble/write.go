package reassemble

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"slices"
	"strings"

	"reassem/internal/disasm"
	"reassem/internal/meta"
	"reassem/internal/symbolize"
)

const (
	dashes    = "#-------------------------------------------"
	banner    = "#----------------------------------------"
	gxxRef    = ".cfi_personality 0x9b," + symbolize.GxxPersonality
	dataRule  = "#-----------------------------------"
	abortCall = "\tcall abort@PLT"
)

// writer emits one line at a time. bufio keeps the first write error.
type writer struct {
	*bufio.Writer
	gxx bool
}

func (w *writer) line(s string) {
	w.WriteString(s)
	w.WriteByte('\n')
}

func (w *writer) linef(format string, args ...any) {
	fmt.Fprintf(w, format, args...)
	w.WriteByte('\n')
}

func (w *writer) lines(ls []symbolize.Line) {
	for _, l := range ls {
		if strings.Contains(l.Code, gxxRef) {
			w.gxx = true
		}
		w.line(l.String())
	}
}

// Write emits the reassembly file. It may be called again once finalized.
func (r *Reassembler) Write(out io.Writer) error {
	if r.stage != Symbolized && r.stage != Finalized {
		return fmt.Errorf("%w: stage is %s, want %s", ErrStage, r.stage, Symbolized)
	}
	w := &writer{Writer: bufio.NewWriter(out)}
	if r.opts.Syntax == disasm.Intel {
		w.line(".intel_syntax noprefix")
	}

	extra := r.extraBlocks()
	addrs := slices.Clone(r.order)
	for a := range extra {
		addrs = append(addrs, a)
	}
	slices.Sort(addrs)
	addrs = slices.Compact(addrs)

	parts := make(map[string]int)
	var tables []map[uint64][]symbolize.Line
	for _, addr := range addrs {
		if f, ok := r.funs[addr]; ok {
			r.writeFunction(w, f)
			if r.opts.Rodata {
				tables = append(tables, f.Tables)
			} else {
				writeTables(w, f.Tables)
			}
		}

		var absorbers []uint64
		if fn, ok := r.md.FunDict.Get(meta.Addr(addr)); ok && r.funs[addr] != nil {
			for _, a := range fn.AbsorbingFun {
				absorbers = append(absorbers, uint64(a))
				r.writePart(w, parts, uint64(a), addr)
			}
		}
		for _, a := range extra[addr] {
			if !slices.Contains(absorbers, a) {
				r.writePart(w, parts, a, addr)
			}
		}
	}

	if r.opts.Rodata {
		if err := r.writeRodata(w, tables); err != nil {
			return err
		}
	}
	if w.gxx {
		writeGxxPersonality(w)
	}
	r.writeFalseFunctions(w)
	r.writeDataLabels(w, addrs)
	if r.opts.ASan {
		for _, l := range symbolize.ASanInit() {
			w.line(l)
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("reassemble: write: %w", err)
	}
	r.stage = Finalized
	return nil
}

// extraBlocks maps a code part that a function emitted away from its own
// address to the functions that emitted it. Parts at another function's
// address are left out when that function lists the emitter as absorber.
func (r *Reassembler) extraBlocks() map[uint64][]uint64 {
	out := make(map[uint64][]uint64)
	for _, addr := range r.order {
		f := r.funs[addr]
		if len(f.Code) <= 1 {
			continue
		}
		keys := make([]uint64, 0, len(f.Code))
		for k := range f.Code {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if _, ok := r.funs[k]; ok {
				if k == addr {
					continue
				}
				if fn, ok := r.md.FunDict.Get(meta.Addr(k)); ok && slices.Contains(fn.AbsorbingFun, meta.Addr(addr)) {
					continue
				}
			}
			out[k] = append(out[k], addr)
		}
	}
	return out
}

func (r *Reassembler) writeFunction(w *writer, f *symbolize.Function) {
	lines := f.Code[f.Addr]
	if len(lines) == 0 {
		w.line("\t.text")
		w.line(f.Label + ":")
		w.line(abortCall)
		return
	}
	r.writeBrief(w, f, lines)

	name := f.Label
	w.line("\t.text")
	if name == r.main {
		name = "main"
		w.line("\t.globl main")
		w.line("\t.type main, @function")
		w.line("\t.align 8")
		w.line("main:")
	} else {
		w.linef("\t.type %s, @function", name)
		w.line("\t.align 8")
	}

	if r.opts.ASan {
		lines = f.Sanitize(lines, r.opts.AsanInfo[meta.Addr(f.Addr)], r.opts.StackPoison)
	}
	w.lines(lines)

	w.line("\t.text")
	w.linef("\t.size %s, .-%s", name, name)

	init, fini := r.initFini()
	if init[f.Addr] {
		w.line("\t.section .init_array, \"aw\"")
		w.line("\t.align 8")
		w.linef("\t.quad %s", f.Label)
	}
	if fini[f.Addr] {
		w.line("\t.section .fini_array, \"aw\"")
		w.line("\t.align 8")
		w.linef("\t.quad %s", f.Label)
	}
}

// writeBrief prints the comment header of a function: how other functions
// reach it and where its detached parts are.
func (r *Reassembler) writeBrief(w *writer, f *symbolize.Function, lines []symbolize.Line) {
	addr := meta.Addr(f.Addr)
	w.line("")
	w.line("")
	w.line(dashes)

	first := uint64(0)
	for _, l := range lines {
		if l.Addr != 0 {
			first = l.Addr
			break
		}
	}
	referrers := r.referred[f.Addr]
	if first != f.Addr {
		w.linef("# %s is not a start address of this function", addr)
		var others []uint64
		for _, a := range referrers {
			if a != f.Addr {
				others = append(others, a)
			}
		}
		if len(others) == 1 {
			r.writePartOf(w, f, others[0])
		}
	}
	if len(referrers) > 0 {
		w.linef("# %s is refered by %d function(s) :%s", addr, len(referrers), addrList(referrers))
	}
	if len(f.Meta.FDERanges) > 1 {
		var parts []uint64
		for _, fde := range f.Meta.FDERanges {
			if addr < fde.Start || fde.End <= addr {
				parts = append(parts, uint64(fde.Start))
			}
		}
		w.linef("# %s has part blocks which are located at %s", addr, addrList(parts))
	}
	w.line(dashes)
}

func (r *Reassembler) writePartOf(w *writer, f *symbolize.Function, ref uint64) {
	addr := meta.Addr(f.Addr)
	for _, fde := range f.Meta.FDERanges {
		if uint64(fde.Start) == ref {
			w.linef("# %s is refered by part block (%s)", addr, meta.Addr(ref))
		}
	}
	owner, ok := r.md.FunDict.Get(meta.Addr(ref))
	if !ok {
		return
	}
	for _, a := range owner.AbsorbingFun {
		absorber, ok := r.md.FunDict.Get(a)
		if !ok {
			continue
		}
		if subset(f.Meta.InstAddrs, absorber.InstAddrs) {
			w.linef("# %s is may part of %s which absorbs %s", addr, a, meta.Addr(ref))
		}
	}
}

func subset(a, b []meta.Addr) bool {
	in := make(map[meta.Addr]bool, len(b))
	for _, x := range b {
		in[x] = true
	}
	for _, x := range a {
		if !in[x] {
			return false
		}
	}
	return true
}

func addrList(addrs []uint64) string {
	s := make([]string, len(addrs))
	for i, a := range addrs {
		s[i] = meta.Addr(a).String()
	}
	return "[" + strings.Join(s, ", ") + "]"
}

// writePart emits the code an absorber produced at block as its own
// label.part.N function.
func (r *Reassembler) writePart(w *writer, parts map[string]int, absorber, block uint64) {
	f, ok := r.funs[absorber]
	if !ok {
		return
	}
	lines, ok := f.Code[block]
	if !ok {
		return
	}
	w.line(banner)
	w.linef("# %s absorbs %s ", meta.Addr(absorber), meta.Addr(block))
	w.line(banner)

	id, seen := parts[f.Label]
	if seen {
		id++
	}
	parts[f.Label] = id
	name := fmt.Sprintf("%s.part.%d", f.Label, id)

	w.line("\t.text")
	w.linef("\t.type %s, @function", name)
	w.line("\t.align 8")
	w.line(name + ":")
	w.lines(lines)
	w.line("\t.text")
	w.linef("\t.size %s, .-%s", name, name)
}

func sortedTables(tables map[uint64][]symbolize.Line) []uint64 {
	addrs := make([]uint64, 0, len(tables))
	for a := range tables {
		addrs = append(addrs, a)
	}
	slices.Sort(addrs)
	return addrs
}

func writeTables(w *writer, tables map[uint64][]symbolize.Line) {
	if len(tables) == 0 {
		return
	}
	w.line("\t.section .rodata")
	w.line(".align 4")
	for _, a := range sortedTables(tables) {
		w.lines(tables[a])
	}
}

// writeRodata copies .rodata word by word into .my_rodata, placing each
// jump table at its original address. Words a table covers are not copied.
func (r *Reassembler) writeRodata(w *writer, all []map[uint64][]symbolize.Line) error {
	data, base, err := r.rodata()
	if err != nil {
		return err
	}
	if base%4 != 0 {
		return fmt.Errorf("reassemble: .rodata at 0x%x is misaligned", base)
	}

	tables := make(map[uint64][]symbolize.Line)
	heads := make(map[uint64][]symbolize.Line)
	for _, m := range all {
		for a, lines := range m {
			if len(lines) == 0 {
				continue
			}
			heads[a] = append(heads[a], lines[0])
			if len(lines) > len(tables[a]) {
				tables[a] = lines
			}
		}
	}

	w.line(`.section .my_rodata, "a", @progbits`)
	emitted := make(map[uint64]bool)
	end := base + uint64(len(data))
	for cur := base; cur < end; cur += 4 {
		if t, ok := tables[cur]; ok {
			w.lines(heads[cur])
			for _, l := range t[1:] {
				w.line(l.String())
				if !strings.HasPrefix(l.Code, ".long") {
					continue
				}
				if emitted[l.Addr] {
					return fmt.Errorf("reassemble: jump table entry 0x%x emitted twice", l.Addr)
				}
				emitted[l.Addr] = true
			}
		}
		if emitted[cur] {
			continue
		}
		off := cur - base
		if cur+4 <= end {
			v := binary.LittleEndian.Uint32(data[off:])
			w.linef(" \t.long %-10s %20s %s", fmt.Sprintf("0x%x", v), "#", meta.Addr(cur))
			continue
		}
		for b := cur; b < end; b++ {
			w.linef("\t.byte %-10s %20s %s", fmt.Sprintf("0x%x", data[b-base]), "#", meta.Addr(b))
		}
	}
	return nil
}

func writeGxxPersonality(w *writer) {
	const ref = symbolize.GxxPersonality
	w.line(banner)
	w.line("# define a label for __gxx_personality_v0")
	w.line(banner)
	w.line(".hidden " + ref)
	w.line(".weak   " + ref)
	w.linef(".section    .data.rel.local.%s,\"awG\",@progbits,%s,comdat", ref, ref)
	w.line(".align 8")
	w.linef(".type   %s, @object", ref)
	w.linef(".size   %s, 8", ref)
	w.line(ref + ":")
	w.line(".quad   __gxx_personality_v0")
}

func (r *Reassembler) writeFalseFunctions(w *writer) {
	if len(r.falseFuns) == 0 {
		return
	}
	w.line(banner)
	w.line("# the definition of false function label")
	w.line(banner)
	for _, a := range r.falseFuns {
		w.line(FalseLabel(a) + ":")
	}
	w.line(abortCall)
}

// writeDataLabels binds every data label to its absolute address. Negative
// addresses cannot be reached and are bound to -1.
func (r *Reassembler) writeDataLabels(w *writer, addrs []uint64) {
	var labels []string
	for _, a := range addrs {
		if f, ok := r.funs[a]; ok {
			labels = append(labels, f.DataLabels()...)
		}
	}
	slices.Sort(labels)
	labels = slices.Compact(labels)

	w.line(dataRule)
	w.line("#    the definition of data labels")
	w.line(dataRule)
	for _, l := range labels {
		if strings.HasPrefix(l, ".Ldata_minus_") {
			w.linef(".set %s, -1", l)
			continue
		}
		w.linef(".set %s, 0x%s", l, strings.TrimPrefix(l, ".Ldata_"))
	}
}

// WriteStats writes the overlap and indirect branch totals.
func (r *Reassembler) WriteStats(out io.Writer) error {
	if r.stage < Symbolized {
		return fmt.Errorf("%w: stage is %s, want %s", ErrStage, r.stage, Symbolized)
	}
	s := r.stats
	_, err := fmt.Fprintf(out, "# [*] Overlapped BBLs %d/%d \n# [*] Indirect Branch Sites %d (%d)\n",
		s.Overlapped, s.Blocks, s.BrSites, s.MultiBrSites)
	return err
}
