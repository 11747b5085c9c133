// Package elftest builds small, well-formed x86-64 ELF images in memory for tests.
//
// The layout mirrors what GNU ld produces for a dynamically linked program:
// a read-only first PT_LOAD at file offset 0 holding the headers and the
// dynamic-linking tables, and a second PT_LOAD one page later holding code,
// data, and the dynamic section.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Symbol is a dynamic symbol. A non-empty Lib/Version attaches a required version.
type Symbol struct {
	Name    string
	Value   uint64
	Info    uint8
	Lib     string
	Version string
}

// Local is a .symtab entry.
type Local struct {
	Name  string
	Value uint64
}

// Spec describes the image to build. Zero fields are omitted from the output.
type Spec struct {
	Type      elf.Type
	Base      uint64
	Entry     uint64
	Interp    string
	Needed    []string
	Symbols   []Symbol
	Rela      []elf.Rela64
	RelaPlt   []elf.Rela64
	Text      []byte
	Rodata    []byte
	MyRodata  []byte
	EHFrame   []byte
	Except    []byte
	InitArray []uint64
	FiniArray []uint64
	Locals    []Local
	// SpareDyn is the number of extra DT_NULL slots after the terminator.
	SpareDyn int
	// SeparateHeaders leaves the headers alone in the first PT_LOAD and
	// moves the dynamic-linking tables into the second, as a relink with
	// --section-start does.
	SeparateHeaders bool
}

const page = 0x1000

type strtab struct {
	buf  bytes.Buffer
	offs map[string]uint32
}

func newStrtab() *strtab {
	s := &strtab{offs: map[string]uint32{}}
	s.buf.WriteByte(0)
	s.offs[""] = 0
	return s
}

func (s *strtab) add(name string) uint32 {
	if off, ok := s.offs[name]; ok {
		return off
	}
	off := uint32(s.buf.Len())
	s.buf.WriteString(name)
	s.buf.WriteByte(0)
	s.offs[name] = off
	return off
}

type section struct {
	name  string
	hdr   elf.Section64
	data  []byte
	align uint64
	alloc bool
}

type builder struct {
	spec  Spec
	secs  []*section
	index map[string]int
	out   []byte
}

func (b *builder) add(name string, typ elf.SectionType, flags elf.SectionFlag, align, entsize uint64, data []byte) *section {
	s := &section{name: name, data: data, align: align, alloc: flags&elf.SHF_ALLOC != 0}
	s.hdr.Type = uint32(typ)
	s.hdr.Flags = uint64(flags)
	s.hdr.Addralign = align
	s.hdr.Entsize = entsize
	b.index[name] = len(b.secs)
	b.secs = append(b.secs, s)
	return s
}

func (b *builder) idx(name string) uint32 { return uint32(b.index[name]) }

func (b *builder) place(s *section, vbase uint64) {
	for uint64(len(b.out))%max(s.align, 1) != 0 {
		b.out = append(b.out, 0)
	}
	s.hdr.Off = uint64(len(b.out))
	s.hdr.Size = uint64(len(s.data))
	if s.alloc {
		s.hdr.Addr = vbase + s.hdr.Off
	}
	b.out = append(b.out, s.data...)
}

func enc(v any) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, v)
	return buf.Bytes()
}

func sysvHash(name string) uint32 {
	var h uint32
	for _, c := range []byte(name) {
		h = (h << 4) + uint32(c)
		g := h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

// Build lays out the image described by spec.
func Build(spec Spec) []byte {
	if spec.Type == 0 {
		spec.Type = elf.ET_DYN
	}
	b := &builder{spec: spec, index: map[string]int{}}
	dynstr := newStrtab()
	for _, n := range spec.Needed {
		dynstr.add(n)
	}

	// Versions are numbered from 2 in order of first use.
	type ver struct{ lib, name string }
	verIdx := map[ver]uint16{}
	var libs []string
	libVers := map[string][]ver{}
	for _, s := range spec.Symbols {
		if s.Version == "" {
			continue
		}
		v := ver{s.Lib, s.Version}
		if _, ok := verIdx[v]; ok {
			continue
		}
		verIdx[v] = uint16(len(verIdx) + 2)
		if _, ok := libVers[s.Lib]; !ok {
			libs = append(libs, s.Lib)
		}
		libVers[s.Lib] = append(libVers[s.Lib], v)
	}

	syms := []elf.Sym64{{}}
	versym := []uint16{0}
	for _, s := range spec.Symbols {
		info := s.Info
		if info == 0 {
			info = elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC)
		}
		syms = append(syms, elf.Sym64{Name: dynstr.add(s.Name), Info: info, Value: s.Value})
		if s.Version == "" {
			versym = append(versym, 1)
		} else {
			versym = append(versym, verIdx[ver{s.Lib, s.Version}])
		}
	}

	var verneed []byte
	for i, lib := range libs {
		vers := libVers[lib]
		next := uint32(0x10 * (len(vers) + 1))
		if i == len(libs)-1 {
			next = 0
		}
		verneed = append(verneed, enc(struct {
			Version, Cnt     uint16
			File, Aux, Next uint32
		}{1, uint16(len(vers)), dynstr.add(lib), 0x10, next})...)
		for j, v := range vers {
			n := uint32(0x10)
			if j == len(vers)-1 {
				n = 0
			}
			verneed = append(verneed, enc(struct {
				Hash         uint32
				Flags, Other uint16
				Name, Next   uint32
			}{sysvHash(v.name), 0, verIdx[v], dynstr.add(v.name), n})...)
		}
	}

	// Minimal GNU hash table: one bucket, one bloom word, no chains.
	ghash := enc(struct {
		NBuckets, SymOff, BloomSize, BloomShift uint32
		Bloom                                   uint64
		Bucket                                  uint32
	}{1, uint32(len(syms)), 1, 6, 0, 0})

	var symtab []byte
	strtab := newStrtab()
	symtab = append(symtab, enc(elf.Sym64{})...)
	for _, l := range spec.Locals {
		symtab = append(symtab, enc(elf.Sym64{
			Name:  strtab.add(l.Name),
			Info:  elf.ST_INFO(elf.STB_LOCAL, elf.STT_FUNC),
			Value: l.Value,
		})...)
	}

	b.add("", elf.SHT_NULL, 0, 0, 0, nil)
	if spec.Interp != "" {
		b.add(".interp", elf.SHT_PROGBITS, elf.SHF_ALLOC, 1, 0, append([]byte(spec.Interp), 0))
	}
	b.add(".dynsym", elf.SHT_DYNSYM, elf.SHF_ALLOC, 8, 0x18, enc(syms))
	b.add(".dynstr", elf.SHT_STRTAB, elf.SHF_ALLOC, 1, 0, dynstr.buf.Bytes())
	b.add(".gnu.hash", elf.SHT_GNU_HASH, elf.SHF_ALLOC, 8, 0, ghash)
	if len(libs) > 0 {
		b.add(".gnu.version", elf.SHT_GNU_VERSYM, elf.SHF_ALLOC, 2, 2, enc(versym))
		b.add(".gnu.version_r", elf.SHT_GNU_VERNEED, elf.SHF_ALLOC, 8, 0, verneed)
	}
	if len(spec.Rela) > 0 {
		b.add(".rela.dyn", elf.SHT_RELA, elf.SHF_ALLOC, 8, 0x18, enc(spec.Rela))
	}
	if len(spec.RelaPlt) > 0 {
		b.add(".rela.plt", elf.SHT_RELA, elf.SHF_ALLOC|elf.SHF_INFO_LINK, 8, 0x18, enc(spec.RelaPlt))
	}
	firstPage := len(b.secs)
	if spec.SeparateHeaders {
		firstPage = 1
	}

	b.add(".init", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 4, 0, []byte{0xf3, 0x0f, 0x1e, 0xfa, 0xc3})
	b.add(".plt", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 16, 16, bytes.Repeat([]byte{0xcc}, 16*(1+len(spec.RelaPlt))))
	text := spec.Text
	if len(text) == 0 {
		text = []byte{0xc3}
	}
	b.add(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 16, 0, text)
	if len(spec.Rodata) > 0 {
		b.add(".rodata", elf.SHT_PROGBITS, elf.SHF_ALLOC, 8, 0, spec.Rodata)
	}
	if len(spec.EHFrame) > 0 {
		b.add(".eh_frame", elf.SHT_PROGBITS, elf.SHF_ALLOC, 8, 0, spec.EHFrame)
	}
	if len(spec.Except) > 0 {
		b.add(".gcc_except_table", elf.SHT_PROGBITS, elf.SHF_ALLOC, 4, 0, spec.Except)
	}
	if len(spec.InitArray) > 0 {
		b.add(".init_array", elf.SHT_INIT_ARRAY, elf.SHF_ALLOC|elf.SHF_WRITE, 8, 8, enc(spec.InitArray))
	}
	if len(spec.FiniArray) > 0 {
		b.add(".fini_array", elf.SHT_FINI_ARRAY, elf.SHF_ALLOC|elf.SHF_WRITE, 8, 8, enc(spec.FiniArray))
	}
	dyn := b.add(".dynamic", elf.SHT_DYNAMIC, elf.SHF_ALLOC|elf.SHF_WRITE, 8, 0x10, nil)
	b.add(".got", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 8, 8, make([]byte, 8*(3+len(spec.RelaPlt))))
	secondEnd := len(b.secs)
	var myRodata *section
	if len(spec.MyRodata) > 0 {
		myRodata = b.add(".my_rodata", elf.SHT_PROGBITS, elf.SHF_ALLOC, 8, 0, spec.MyRodata)
	}

	b.add(".symtab", elf.SHT_SYMTAB, 0, 8, 0x18, symtab)
	b.add(".strtab", elf.SHT_STRTAB, 0, 1, 0, strtab.buf.Bytes())
	shstr := newStrtab()
	for _, s := range b.secs {
		s.hdr.Name = shstr.add(s.name)
	}
	shstrName := shstr.add(".shstrtab")
	b.add(".shstrtab", elf.SHT_STRTAB, 0, 1, 0, nil).hdr.Name = shstrName
	b.secs[len(b.secs)-1].data = shstr.buf.Bytes()

	// The dynamic section's size does not depend on addresses, so reserve it first.
	dynEntries := b.dynamicEntries(nil)
	dyn.data = make([]byte, 0x10*(len(dynEntries)+1+spec.SpareDyn))

	var progTypes []elf.ProgType
	progTypes = append(progTypes, elf.PT_PHDR)
	if spec.Interp != "" {
		progTypes = append(progTypes, elf.PT_INTERP)
	}
	progTypes = append(progTypes, elf.PT_LOAD, elf.PT_LOAD)
	if myRodata != nil {
		progTypes = append(progTypes, elf.PT_LOAD)
	}
	progTypes = append(progTypes, elf.PT_DYNAMIC, elf.PT_GNU_STACK)

	b.out = make([]byte, 0x40+0x38*len(progTypes))
	for _, s := range b.secs[1:firstPage] {
		b.place(s, spec.Base)
	}
	for len(b.out)%page != 0 {
		b.out = append(b.out, 0)
	}
	secondOff := uint64(len(b.out))
	for _, s := range b.secs[firstPage:secondEnd] {
		b.place(s, spec.Base)
	}
	secondSize := uint64(len(b.out)) - secondOff
	var myOff uint64
	if myRodata != nil {
		for len(b.out)%page != 0 {
			b.out = append(b.out, 0)
		}
		myOff = uint64(len(b.out))
		b.place(myRodata, spec.Base)
	}
	for _, s := range b.secs[secondEnd:] {
		if s.name != ".my_rodata" {
			b.place(s, 0)
		}
	}

	b.link()
	entries := b.dynamicEntries(b.secs)
	dynData := enc(entries)
	copy(b.out[dyn.hdr.Off:], dynData)

	for len(b.out)%8 != 0 {
		b.out = append(b.out, 0)
	}
	shoff := uint64(len(b.out))
	for _, s := range b.secs {
		b.out = append(b.out, enc(s.hdr)...)
	}

	var progs []elf.Prog64
	loads := 0
	for _, t := range progTypes {
		p := elf.Prog64{Type: uint32(t), Flags: uint32(elf.PF_R), Align: 8}
		switch t {
		case elf.PT_PHDR:
			p.Off = 0x40
			p.Filesz = uint64(0x38 * len(progTypes))
		case elf.PT_INTERP:
			s := b.secs[b.index[".interp"]]
			p.Off, p.Filesz, p.Align = s.hdr.Off, s.hdr.Size, 1
		case elf.PT_LOAD:
			p.Align = page
			switch loads {
			case 0:
				p.Off, p.Filesz = 0, secondOff
			case 1:
				p.Off, p.Filesz = secondOff, secondSize
				p.Flags |= uint32(elf.PF_X | elf.PF_W)
			case 2:
				p.Off, p.Filesz = myOff, myRodata.hdr.Size
			}
			loads++
		case elf.PT_DYNAMIC:
			p.Off, p.Filesz = dyn.hdr.Off, dyn.hdr.Size
			p.Flags |= uint32(elf.PF_W)
		case elf.PT_GNU_STACK:
			p.Align = 16
		}
		p.Memsz = p.Filesz
		if t != elf.PT_GNU_STACK {
			p.Vaddr = spec.Base + p.Off
			p.Paddr = p.Vaddr
		}
		progs = append(progs, p)
	}

	hdr := elf.Header64{
		Type:      uint16(spec.Type),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     spec.Entry,
		Phoff:     0x40,
		Shoff:     shoff,
		Ehsize:    0x40,
		Phentsize: 0x38,
		Phnum:     uint16(len(progs)),
		Shentsize: 0x40,
		Shnum:     uint16(len(b.secs)),
		Shstrndx:  uint16(len(b.secs) - 1),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	copy(b.out, enc(hdr))
	copy(b.out[0x40:], enc(progs))
	return b.out
}

func (b *builder) link() {
	set := func(name string, link, info uint32) {
		if i, ok := b.index[name]; ok {
			b.secs[i].hdr.Link = link
			b.secs[i].hdr.Info = info
		}
	}
	dynsym, dynstr := b.idx(".dynsym"), b.idx(".dynstr")
	set(".dynsym", dynstr, 1)
	set(".gnu.hash", dynsym, 0)
	set(".gnu.version", dynsym, 0)
	if _, ok := b.index[".gnu.version_r"]; ok {
		set(".gnu.version_r", dynstr, uint32(countLibs(b.spec.Symbols)))
	}
	set(".rela.dyn", dynsym, 0)
	set(".rela.plt", dynsym, b.idx(".got"))
	set(".dynamic", dynstr, 0)
	set(".symtab", b.idx(".strtab"), uint32(1+len(b.spec.Locals)))
}

func countLibs(syms []Symbol) int {
	seen := map[string]bool{}
	for _, s := range syms {
		if s.Version != "" {
			seen[s.Lib] = true
		}
	}
	return len(seen)
}

// dynamicEntries returns the dynamic entries without the terminator. With nil
// sections the values are placeholders; only the count matters.
func (b *builder) dynamicEntries(secs []*section) []elf.Dyn64 {
	addr := func(name string) uint64 {
		if secs == nil {
			return 0
		}
		return secs[b.index[name]].hdr.Addr
	}
	size := func(name string) uint64 {
		if secs == nil {
			return 0
		}
		return secs[b.index[name]].hdr.Size
	}
	has := func(name string) bool { _, ok := b.index[name]; return ok }

	var out []elf.Dyn64
	put := func(tag elf.DynTag, val uint64) {
		out = append(out, elf.Dyn64{Tag: int64(tag), Val: val})
	}
	noff := uint64(1)
	for _, n := range b.spec.Needed {
		put(elf.DT_NEEDED, noff)
		noff += uint64(len(n) + 1)
	}
	put(elf.DT_INIT, addr(".init"))
	put(elf.DT_FINI, addr(".init"))
	if has(".init_array") {
		put(elf.DT_INIT_ARRAY, addr(".init_array"))
		put(elf.DT_INIT_ARRAYSZ, size(".init_array"))
	}
	if has(".fini_array") {
		put(elf.DT_FINI_ARRAY, addr(".fini_array"))
		put(elf.DT_FINI_ARRAYSZ, size(".fini_array"))
	}
	put(elf.DT_GNU_HASH, addr(".gnu.hash"))
	put(elf.DT_STRTAB, addr(".dynstr"))
	put(elf.DT_SYMTAB, addr(".dynsym"))
	put(elf.DT_STRSZ, size(".dynstr"))
	put(elf.DT_SYMENT, 0x18)
	put(elf.DT_DEBUG, 0)
	put(elf.DT_PLTGOT, addr(".got"))
	if has(".rela.plt") {
		put(elf.DT_PLTRELSZ, size(".rela.plt"))
		put(elf.DT_PLTREL, uint64(elf.DT_RELA))
		put(elf.DT_JMPREL, addr(".rela.plt"))
	}
	if has(".rela.dyn") {
		put(elf.DT_RELA, addr(".rela.dyn"))
		put(elf.DT_RELASZ, size(".rela.dyn"))
		put(elf.DT_RELAENT, 0x18)
	}
	if has(".gnu.version_r") {
		put(elf.DT_VERNEED, addr(".gnu.version_r"))
		put(elf.DT_VERNEEDNUM, uint64(countLibs(b.spec.Symbols)))
		put(elf.DT_VERSYM, addr(".gnu.version"))
	}
	return out
}
