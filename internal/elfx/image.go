package elfx

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strings"
)

// Range is a half-open interval [Start, End).
type Range struct {
	Start, End uint64
}

func (r Range) Contains(a uint64) bool { return a >= r.Start && a < r.End }
func (r Range) Len() uint64           { return r.End - r.Start }

// Section is a section header together with its resolved name.
type Section struct {
	Name string
	Hdr  elf.Section64
}

// AddrRange returns the virtual address range of the section.
func (s Section) AddrRange() Range {
	return Range{s.Hdr.Addr, s.Hdr.Addr + s.Hdr.Size}
}

// OffsetRange returns the file range of the section. NOBITS sections are empty.
func (s Section) OffsetRange() Range {
	if elf.SectionType(s.Hdr.Type) == elf.SHT_NOBITS {
		return Range{s.Hdr.Off, s.Hdr.Off}
	}
	return Range{s.Hdr.Off, s.Hdr.Off + s.Hdr.Size}
}

// Verneed is the on-disk Elf64_Verneed record.
type Verneed struct {
	Version uint16
	Cnt     uint16
	File    uint32
	Aux     uint32
	Next    uint32
}

// Vernaux is the on-disk Elf64_Vernaux record.
type Vernaux struct {
	Hash  uint32
	Flags uint16
	Other uint16
	Name  uint32
	Next  uint32
}

// Version is one required symbol version resolved to its library.
type Version struct {
	Lib  string
	Name string
	Need Verneed
	Aux  Vernaux
}

// Needed is a DT_NEEDED entry: a dynstr offset and the library name there.
type Needed struct {
	Off  uint64
	Name string
}

// Image is a bounds-checked record view of an ELF64 little-endian file.
// It owns a private copy of the bytes.
type Image struct {
	raw []byte

	Header   elf.Header64
	Progs    []elf.Prog64
	Sections []Section
	ShstrHdr elf.Section64
	Shstrtab []byte

	Dynamic []byte // PT_DYNAMIC contents, including the terminator and padding
	Dyn     map[elf.DynTag]uint64
	Needed  []Needed

	Dynstr  []byte
	Dynsym  []elf.Sym64
	Rela    []elf.Rela64
	RelaPlt []elf.Rela64

	Versym   []uint16
	Verneeds []VerneedGroup
	Versions map[uint16]Version

	InitArray []uint64
	FiniArray []uint64
	PLTRanges []Range
	GNUHash   []byte

	Symtab map[string][]elf.Sym64
	// FunMap translates original function addresses encoded in fun_<id>_<hex>
	// symbol names to their address in this image.
	FunMap map[uint64]uint64
}

// VerneedGroup is one library entry of the verneed chain in file order.
type VerneedGroup struct {
	Lib  string
	Need Verneed
	Aux  []Version
}

// Parse decodes the records of an ELF64 image. Dynamic-linking tables are
// optional; they stay empty when the image has no PT_DYNAMIC.
func Parse(data []byte) (*Image, error) {
	img := &Image{raw: bytes.Clone(data)}
	if err := img.parseHeaders(); err != nil {
		return nil, err
	}
	if err := img.parseDynamic(); err != nil {
		return nil, err
	}
	if err := img.parseSymtab(); err != nil {
		return nil, err
	}
	img.PLTRanges = img.pltRanges()
	return img, nil
}

// Bytes returns the image contents. Callers must not modify the slice.
func (img *Image) Bytes() []byte { return img.raw }

func (img *Image) slice(off, n uint64) ([]byte, error) {
	end := off + n
	if end < off || end > uint64(len(img.raw)) {
		return nil, fmt.Errorf("%w: [0x%x, 0x%x) beyond 0x%x", ErrTruncated, off, end, len(img.raw))
	}
	return img.raw[off:end], nil
}

func decode[T any](b []byte) (T, error) {
	var v T
	if len(b) < binary.Size(v) {
		return v, fmt.Errorf("%w: %T needs %d bytes, have %d", ErrTruncated, v, binary.Size(v), len(b))
	}
	err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &v)
	return v, err
}

func decodeAll[T any](b []byte) ([]T, error) {
	var zero T
	sz := binary.Size(zero)
	out := make([]T, 0, len(b)/sz)
	for off := 0; off+sz <= len(b); off += sz {
		v, err := decode[T](b[off : off+sz])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Encode serializes fixed-size records in little-endian order.
func Encode[T any](recs ...T) []byte {
	var out []byte
	for _, r := range recs {
		// binary.Append only fails for types without a fixed size.
		out, _ = binary.Append(out, binary.LittleEndian, r)
	}
	return out
}

// CString returns the NUL-terminated string at off in a string table.
func CString(b []byte, off uint64) string { return cstr(b, off) }

func cstr(b []byte, off uint64) string {
	if off >= uint64(len(b)) {
		return ""
	}
	s := b[off:]
	if i := bytes.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return string(s)
}

func (img *Image) parseHeaders() error {
	hb, err := img.slice(0, 0x40)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotELF, err)
	}
	if !bytes.HasPrefix(hb, []byte(elf.ELFMAG)) {
		return ErrNotELF
	}
	if elf.Class(hb[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return ErrNot64Bit
	}
	if img.Header, err = decode[elf.Header64](hb); err != nil {
		return err
	}
	if elf.Machine(img.Header.Machine) != elf.EM_X86_64 {
		return ErrNotX8664
	}

	h := img.Header
	for i := 0; i < int(h.Phnum); i++ {
		b, err := img.slice(h.Phoff+uint64(i)*uint64(h.Phentsize), 0x38)
		if err != nil {
			return fmt.Errorf("elfx: program header %d: %w", i, err)
		}
		p, err := decode[elf.Prog64](b)
		if err != nil {
			return err
		}
		img.Progs = append(img.Progs, p)
	}

	if h.Shnum == 0 {
		return nil
	}
	if h.Shstrndx >= h.Shnum {
		return fmt.Errorf("%w: shstrndx %d >= shnum %d", ErrTruncated, h.Shstrndx, h.Shnum)
	}
	hdrs := make([]elf.Section64, h.Shnum)
	for i := range hdrs {
		b, err := img.slice(h.Shoff+uint64(i)*uint64(h.Shentsize), 0x40)
		if err != nil {
			return fmt.Errorf("elfx: section header %d: %w", i, err)
		}
		if hdrs[i], err = decode[elf.Section64](b); err != nil {
			return err
		}
	}
	img.ShstrHdr = hdrs[h.Shstrndx]
	if img.Shstrtab, err = img.slice(img.ShstrHdr.Off, img.ShstrHdr.Size); err != nil {
		return fmt.Errorf("elfx: shstrtab: %w", err)
	}
	for _, sh := range hdrs {
		img.Sections = append(img.Sections, Section{Name: cstr(img.Shstrtab, uint64(sh.Name)), Hdr: sh})
	}
	return nil
}

// Section returns the first section with the given name.
func (img *Image) Section(name string) (Section, bool) {
	for _, s := range img.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// SectionData returns the file contents of a named section, or nil.
func (img *Image) SectionData(name string) []byte {
	s, ok := img.Section(name)
	if !ok {
		return nil
	}
	r := s.OffsetRange()
	b, err := img.slice(r.Start, r.Len())
	if err != nil {
		return nil
	}
	return b
}

// SectionAt finds the section that starts exactly at addr.
// An address inside a section but not at its start is ErrMisaligned.
func (img *Image) SectionAt(addr uint64) (Section, error) {
	for _, s := range img.Sections {
		if s.Hdr.Size == 0 || !s.AddrRange().Contains(addr) {
			continue
		}
		if s.Hdr.Addr != addr {
			return Section{}, fmt.Errorf("%w: 0x%x in %s at 0x%x", ErrMisaligned, addr, s.Name, s.Hdr.Addr)
		}
		return s, nil
	}
	return Section{}, fmt.Errorf("%w: no section at 0x%x", ErrNoSection, addr)
}

// tagData returns the bytes of the section a dynamic tag points at.
// A zero size means the whole section.
func (img *Image) tagData(tag elf.DynTag, size uint64) ([]byte, bool, error) {
	addr, ok := img.Dyn[tag]
	if !ok {
		return nil, false, nil
	}
	s, err := img.SectionAt(addr)
	if err != nil {
		return nil, true, fmt.Errorf("elfx: %v: %w", tag, err)
	}
	if size == 0 {
		size = s.OffsetRange().Len()
	}
	b, err := img.slice(s.Hdr.Off, size)
	if err != nil {
		return nil, true, fmt.Errorf("elfx: %v: %w", tag, err)
	}
	return b, true, nil
}

// AddrToOffset maps a virtual address through the PT_LOAD file ranges.
func (img *Image) AddrToOffset(addr uint64) (uint64, error) {
	for _, p := range img.Progs {
		if elf.ProgType(p.Type) != elf.PT_LOAD {
			continue
		}
		if addr >= p.Vaddr && addr < p.Vaddr+p.Filesz {
			return addr - p.Vaddr + p.Off, nil
		}
	}
	return 0, fmt.Errorf("%w: VA 0x%x", ErrNoSegment, addr)
}

// ReadAt returns n bytes at virtual address addr.
func (img *Image) ReadAt(addr, n uint64) ([]byte, error) {
	off, err := img.AddrToOffset(addr)
	if err != nil {
		return nil, err
	}
	return img.slice(off, n)
}

func (img *Image) pltRanges() []Range {
	var out []Range
	for _, s := range img.Sections {
		switch s.Name {
		case ".plt", ".plt.sec", ".plt.got":
			out = append(out, s.AddrRange())
		}
	}
	return out
}

// InPLT reports whether addr falls in .plt, .plt.sec, or .plt.got.
func (img *Image) InPLT(addr uint64) bool {
	for _, r := range img.PLTRanges {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

func (img *Image) parseSymtab() error {
	img.Symtab = make(map[string][]elf.Sym64)
	img.FunMap = make(map[uint64]uint64)
	for _, s := range img.Sections {
		if s.Name != ".symtab" {
			continue
		}
		if int(s.Hdr.Link) >= len(img.Sections) {
			return fmt.Errorf("%w: .symtab link %d", ErrTruncated, s.Hdr.Link)
		}
		strtab := img.Sections[s.Hdr.Link]
		sb, err := img.slice(s.Hdr.Off, s.Hdr.Size)
		if err != nil {
			return fmt.Errorf("elfx: .symtab: %w", err)
		}
		str, err := img.slice(strtab.Hdr.Off, strtab.Hdr.Size)
		if err != nil {
			return fmt.Errorf("elfx: .strtab: %w", err)
		}
		syms, err := decodeAll[elf.Sym64](sb)
		if err != nil {
			return err
		}
		for _, sym := range syms {
			name := cstr(str, uint64(sym.Name))
			img.Symtab[name] = append(img.Symtab[name], sym)
		}
		break
	}

	for name, syms := range img.Symtab {
		if !strings.HasPrefix(name, "fun_") || strings.Contains(name, ".part.") {
			continue
		}
		last := name[strings.LastIndexByte(name, '_')+1:]
		var old uint64
		if _, err := fmt.Sscanf(last, "%x", &old); err != nil {
			continue
		}
		img.FunMap[old] = syms[0].Value
	}
	return nil
}

// VaddrRange returns the page-aligned span of all PT_LOAD segments except the
// one at file offset 0 and the one holding .my_rodata.
func (img *Image) VaddrRange() Range {
	var r Range
	first := true
	skip := img.myRodataOffset()
	for _, p := range img.Progs {
		if elf.ProgType(p.Type) != elf.PT_LOAD || p.Off == 0 || (skip != 0 && p.Off == skip) {
			continue
		}
		align := max(p.Align, 1)
		lo := p.Vaddr - p.Vaddr%align
		hi := alignUp(p.Vaddr+p.Memsz, align)
		if first || lo < r.Start {
			r.Start = lo
		}
		if hi > r.End {
			r.End = hi
		}
		first = false
	}
	return r
}

// OffsetRange is the file-offset counterpart of VaddrRange.
func (img *Image) OffsetRange() Range {
	var r Range
	first := true
	skip := img.myRodataOffset()
	for _, p := range img.Progs {
		if elf.ProgType(p.Type) != elf.PT_LOAD || p.Off == 0 || (skip != 0 && p.Off == skip) {
			continue
		}
		if first || p.Off < r.Start {
			r.Start = p.Off
		}
		if p.Off+p.Filesz > r.End {
			r.End = p.Off + p.Filesz
		}
		first = false
	}
	return r
}

func (img *Image) myRodataOffset() uint64 {
	if s, ok := img.Section(".my_rodata"); ok {
		return s.Hdr.Off
	}
	return 0
}

// LoadAndTLS returns the PT_LOAD and PT_TLS headers in file order.
func (img *Image) LoadAndTLS() []elf.Prog64 {
	var out []elf.Prog64
	for _, p := range img.Progs {
		switch elf.ProgType(p.Type) {
		case elf.PT_LOAD, elf.PT_TLS:
			out = append(out, p)
		}
	}
	return out
}

func alignUp(v, a uint64) uint64 {
	if a <= 1 || v%a == 0 {
		return v
	}
	return v + a - v%a
}
