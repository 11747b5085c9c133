package splice

import (
	"debug/elf"
	"fmt"
	"slices"
	"strings"

	"reassem/internal/elfx"
)

// mergeDynsym returns the original symbols followed by the recompiled ones.
// Original names move past the recompiled strings. Symbols resolved to PLT
// stubs lose their value, and symbols at a recompiled function follow it.
func mergeDynsym(orig, rec *elfx.Image, dynstr []byte) ([]elf.Sym64, error) {
	base := uint32(len(rec.Dynstr))
	out := make([]elf.Sym64, 0, len(orig.Dynsym)+len(rec.Dynsym))
	for i, sym := range orig.Dynsym {
		if sym.Name != 0 {
			name := orig.SymName(uint32(i))
			sym.Name += base
			if got := elfx.CString(dynstr, uint64(sym.Name)); got != name {
				return nil, fmt.Errorf("%w: dynsym %d is %q after merging, want %q", ErrStructure, i, got, name)
			}
			if sym.Value != 0 && orig.InPLT(sym.Value) {
				sym.Value = 0
			} else if v, ok := rec.FunMap[sym.Value]; ok {
				sym.Value = v
			}
		}
		out = append(out, sym)
	}
	return append(out, rec.Dynsym...), nil
}

// mergeNeeded orders the DT_NEEDED entries: libasan from the recompiled
// binary, then the original's libraries, then the libraries only the
// recompiled binary needs. Offsets point into the merged dynstr.
func mergeNeeded(orig, rec *elfx.Image) []elfx.Needed {
	recOff := make(map[string]uint64, len(rec.Needed))
	for _, n := range rec.Needed {
		if _, ok := recOff[n.Name]; !ok {
			recOff[n.Name] = n.Off
		}
	}
	seen := make(map[string]bool)
	var out []elfx.Needed
	add := func(n elfx.Needed) {
		if !seen[n.Name] {
			seen[n.Name] = true
			out = append(out, n)
		}
	}

	for _, n := range rec.Needed {
		if strings.SplitN(n.Name, ".", 2)[0] == "libasan" {
			add(n)
		}
	}
	for _, n := range orig.Needed {
		if off, ok := recOff[n.Name]; ok {
			add(elfx.Needed{Off: off, Name: n.Name})
			continue
		}
		add(elfx.Needed{Off: n.Off + uint64(len(rec.Dynstr)), Name: n.Name})
	}
	for _, n := range rec.Needed {
		add(n)
	}
	return out
}

type verEntry struct {
	name string
	aux  elfx.Vernaux
}

type verGroup struct {
	lib  string
	need elfx.Verneed
	vers []verEntry
}

func (g *verGroup) index(name string) uint16 {
	for _, v := range g.vers {
		if v.name == name {
			return v.aux.Other
		}
	}
	return 0
}

// versions is the merged symbol versioning: one verneed group per library
// with version indexes renumbered from 2.
type versions struct {
	groups []*verGroup
}

func collectGroups(img *elfx.Image, strBase uint32) ([]string, map[string]*verGroup) {
	var libs []string
	groups := make(map[string]*verGroup)
	for _, g := range img.Verneeds {
		vg, ok := groups[g.Lib]
		if !ok {
			need := g.Need
			need.File += strBase
			vg = &verGroup{lib: g.Lib, need: need}
			groups[g.Lib] = vg
			libs = append(libs, g.Lib)
		}
		for _, v := range g.Aux {
			if vg.index(v.Name) != 0 {
				continue
			}
			aux := v.Aux
			aux.Name += strBase
			vg.vers = append(vg.vers, verEntry{name: v.Name, aux: aux})
		}
	}
	return libs, groups
}

// mergeVersions groups the recompiled libraries first, each followed by the
// versions only the original requires, then the original-only libraries.
func mergeVersions(orig, rec *elfx.Image) *versions {
	strBase := uint32(len(rec.Dynstr))
	recLibs, recGroups := collectGroups(rec, 0)
	origLibs, origGroups := collectGroups(orig, strBase)

	v := &versions{}
	for _, lib := range recLibs {
		g := recGroups[lib]
		if len(g.vers) == 0 {
			continue
		}
		if og, ok := origGroups[lib]; ok {
			for _, e := range og.vers {
				if !slices.ContainsFunc(g.vers, func(x verEntry) bool { return x.name == e.name }) {
					g.vers = append(g.vers, e)
				}
			}
		}
		v.groups = append(v.groups, g)
	}
	for _, lib := range origLibs {
		if _, ok := recGroups[lib]; !ok && len(origGroups[lib].vers) > 0 {
			v.groups = append(v.groups, origGroups[lib])
		}
	}

	next := uint16(2)
	for _, g := range v.groups {
		for i := range g.vers {
			g.vers[i].aux.Other = next
			g.vers[i].aux.Next = 0x10
			next++
		}
		g.vers[len(g.vers)-1].aux.Next = 0
		g.need.Cnt = uint16(len(g.vers))
		g.need.Aux = 0x10
	}
	return v
}

func (v *versions) group(lib string) *verGroup {
	for _, g := range v.groups {
		if g.lib == lib {
			return g
		}
	}
	return nil
}

// verneed encodes the verneed chain.
func (v *versions) verneed() []byte {
	var out []byte
	for i, g := range v.groups {
		need := g.need
		need.Next = uint32(0x10 * (len(g.vers) + 1))
		if i == len(v.groups)-1 {
			need.Next = 0
		}
		out = append(out, elfx.Encode(need)...)
		for _, e := range g.vers {
			out = append(out, elfx.Encode(e.aux)...)
		}
	}
	return out
}

// versym maps the version table of img to the merged indexes. Images
// without versioning get the global index for every defined entry.
func (v *versions) versym(img *elfx.Image) ([]uint16, error) {
	out := make([]uint16, len(img.Dynsym))
	for i := range out {
		idx := uint16(1)
		if i == 0 {
			idx = 0
		}
		if i < len(img.Versym) {
			idx = img.Versym[i]
		}
		if idx > 1 {
			ver, ok := img.Versions[idx]
			g := v.group(ver.Lib)
			if !ok || g == nil || g.index(ver.Name) == 0 {
				return nil, fmt.Errorf("%w: dynsym %d uses unknown version %d", ErrStructure, i, idx)
			}
			idx = g.index(ver.Name)
		}
		out[i] = idx
	}
	return out, nil
}

// mergeRela returns the original rela.dyn entries with function addresses
// translated, followed by the recompiled entries with their symbol indexes
// moved past the original symbols.
func mergeRela(orig, rec *elfx.Image) ([]elf.Rela64, error) {
	out := make([]elf.Rela64, 0, len(orig.Rela)+len(rec.Rela))
	for _, r := range orig.Rela {
		sym := elf.R_SYM64(r.Info)
		if int(sym) >= len(orig.Dynsym) && sym != 0 {
			return nil, fmt.Errorf("%w: relocation at 0x%x uses symbol %d of %d", ErrStructure, r.Off, sym, len(orig.Dynsym))
		}
		switch elf.R_X86_64(elf.R_TYPE64(r.Info)) {
		case elf.R_X86_64_RELATIVE:
			if v, ok := rec.FunMap[uint64(r.Addend)]; ok {
				r.Addend = int64(v)
			}
		case elf.R_X86_64_64, elf.R_X86_64_GLOB_DAT:
			if sym == 0 {
				break
			}
			if v := orig.Dynsym[sym].Value; rec.FunMap[v] != 0 {
				return nil, fmt.Errorf("%w: relocation at 0x%x binds function 0x%x through a symbol", ErrStructure, r.Off, v)
			}
		}
		out = append(out, r)
	}
	rebased, err := rebase(rec.Rela, len(orig.Dynsym), len(rec.Dynsym))
	if err != nil {
		return nil, err
	}
	return append(out, rebased...), nil
}

// rebase moves the symbol indexes of recompiled relocations past base.
func rebase(relas []elf.Rela64, base, nsyms int) ([]elf.Rela64, error) {
	out := make([]elf.Rela64, len(relas))
	for i, r := range relas {
		sym := elf.R_SYM64(r.Info)
		if int(sym) >= nsyms && sym != 0 {
			return nil, fmt.Errorf("%w: relocation at 0x%x uses symbol %d of %d", ErrStructure, r.Off, sym, nsyms)
		}
		if sym != 0 {
			r.Info = elf.R_INFO(uint32(base)+sym, elf.R_TYPE64(r.Info))
		}
		out[i] = r
	}
	return out, nil
}

// relativeFirst moves R_X86_64_RELATIVE entries to the front and returns
// their count.
func relativeFirst(relas []elf.Rela64) ([]elf.Rela64, int) {
	var rel, other []elf.Rela64
	for _, r := range relas {
		if elf.R_X86_64(elf.R_TYPE64(r.Info)) == elf.R_X86_64_RELATIVE {
			rel = append(rel, r)
		} else {
			other = append(other, r)
		}
	}
	return append(rel, other...), len(rel)
}

// newSection is a section of the merged tables, named after the
// recompiled section it replaces.
type newSection struct {
	name string
	hdr  elf.Section64
}

type tableBuilder struct {
	off, addr uint64
	data      []byte
	secs      []newSection
	tags      map[elf.DynTag]uint64
}

func (t *tableBuilder) align(n int) {
	for len(t.data)%n != 0 {
		t.data = append(t.data, 0)
	}
}

func (t *tableBuilder) add(name string, typ elf.SectionType, align, entsize uint64, b []byte) uint64 {
	at := uint64(len(t.data))
	t.secs = append(t.secs, newSection{name: name, hdr: elf.Section64{
		Type:      uint32(typ),
		Flags:     uint64(elf.SHF_ALLOC),
		Addr:      t.addr + at,
		Off:       t.off + at,
		Size:      uint64(len(b)),
		Addralign: align,
		Entsize:   entsize,
	}})
	t.data = append(t.data, b...)
	return t.addr + at
}

// tableOrder is the order in which dynamic tags the recompiled binary does
// not carry are appended.
var tableOrder = []elf.DynTag{
	elf.DT_STRTAB, elf.DT_STRSZ, elf.DT_SYMTAB, elf.DT_GNU_HASH,
	elf.DT_VERSYM, elf.DT_VERNEED, elf.DT_VERNEEDNUM,
	elf.DT_RELA, elf.DT_RELASZ, elf.DT_RELAENT, elf.DT_RELACOUNT,
}

type merged struct {
	dynstr []byte
	dynsym []elf.Sym64
	hash   []byte
	vers   *versions
	versym []uint16
	rela   []elf.Rela64
	needed []elfx.Needed
}

// buildTables lays out the merged tables for a new PT_LOAD at off/addr and
// returns the bytes, the section headers and the dynamic tag values.
func buildTables(m *merged, off, addr uint64) *tableBuilder {
	t := &tableBuilder{off: off, addr: addr, tags: make(map[elf.DynTag]uint64)}

	t.tags[elf.DT_STRTAB] = t.add(".dynstr", elf.SHT_STRTAB, 1, 0, m.dynstr)
	t.tags[elf.DT_STRSZ] = uint64(len(m.dynstr))
	t.align(8)
	t.tags[elf.DT_SYMTAB] = t.add(".dynsym", elf.SHT_DYNSYM, 8, 0x18, elfx.Encode(m.dynsym...))
	t.align(8)
	t.tags[elf.DT_GNU_HASH] = t.add(".gnu.hash", elf.SHT_GNU_HASH, 8, 0, m.hash)
	if len(m.vers.groups) > 0 {
		t.align(2)
		t.tags[elf.DT_VERSYM] = t.add(".gnu.version", elf.SHT_GNU_VERSYM, 2, 2, elfx.Encode(m.versym...))
		t.align(8)
		t.tags[elf.DT_VERNEED] = t.add(".gnu.version_r", elf.SHT_GNU_VERNEED, 4, 0, m.vers.verneed())
		t.tags[elf.DT_VERNEEDNUM] = uint64(len(m.vers.groups))
	}

	rela, nrel := relativeFirst(m.rela)
	t.align(8)
	t.tags[elf.DT_RELA] = t.add(".rela.dyn", elf.SHT_RELA, 8, 0x18, elfx.Encode(rela...))
	t.tags[elf.DT_RELASZ] = uint64(len(rela) * 0x18)
	t.tags[elf.DT_RELAENT] = 0x18
	t.tags[elf.DT_RELACOUNT] = uint64(nrel)
	return t
}

// dynamicSection rewrites the recompiled dynamic entries: the merged NEEDED
// list first, then every other entry with the table tags replaced, then the
// table tags it lacked. The result keeps the size of the old section.
func dynamicSection(rec *elfx.Image, needed []elfx.Needed, tags map[elf.DynTag]uint64) ([]byte, error) {
	var dyns []elf.Dyn64
	for _, n := range needed {
		dyns = append(dyns, elf.Dyn64{Tag: int64(elf.DT_NEEDED), Val: n.Off})
	}
	left := make(map[elf.DynTag]bool, len(tags))
	for t := range tags {
		left[t] = true
	}
	for _, d := range rec.Dyns() {
		tag := elf.DynTag(d.Tag)
		if tag == elf.DT_NEEDED {
			continue
		}
		if v, ok := tags[tag]; ok {
			d.Val = v
			delete(left, tag)
		}
		dyns = append(dyns, d)
	}
	for _, tag := range tableOrder {
		if left[tag] {
			dyns = append(dyns, elf.Dyn64{Tag: int64(tag), Val: tags[tag]})
		}
	}

	b := elfx.Encode(dyns...)
	if len(b)+0x10 > len(rec.Dynamic) {
		return nil, fmt.Errorf("%w: new dynamic section is too large (0x%x bytes, room for 0x%x)",
			ErrStructure, len(b)+0x10, len(rec.Dynamic))
	}
	return append(b, make([]byte, len(rec.Dynamic)-len(b))...), nil
}
