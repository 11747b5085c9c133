// Package splice grafts a recompiled executable onto the original one.
//
// The output starts with the original file, padded to the first address of
// the recompiled code, followed by the recompiled segments. The original
// segments stay mapped without execute permission so data references into
// them keep working. The dynamic-linking tables of both files are merged
// into a new read-only segment at the end, and the recompiled dynamic
// section is rewritten in place to point at them.
package splice

import (
	"debug/elf"
	"errors"
	"fmt"

	"reassem/internal/elfx"
)

// ErrStructure reports inputs whose layout the splicer cannot merge.
var ErrStructure = errors.New("splice: structural mismatch")

// Splice returns the bytes of the merged executable. Neither input is
// modified.
func Splice(orig, rec *elfx.Image) ([]byte, error) {
	if err := check(orig, rec); err != nil {
		return nil, err
	}
	vr, or := rec.VaddrRange(), rec.OffsetRange()
	raw := orig.Bytes()
	if vr.Start < uint64(len(raw)) {
		return nil, fmt.Errorf("%w: recompiled code at 0x%x overlaps the original file (0x%x bytes)",
			ErrStructure, vr.Start, len(raw))
	}
	if or.Start > uint64(len(rec.Bytes())) {
		return nil, fmt.Errorf("%w: recompiled segments start past the end of the file", ErrStructure)
	}

	data := make([]byte, vr.Start)
	copy(data, raw)
	if err := overlayRodata(data, orig, rec); err != nil {
		return nil, err
	}
	data = append(data, rec.Bytes()[or.Start:]...)
	addend := vr.Start - or.Start

	progs, err := fixProgramHeaders(rec, addend)
	if err != nil {
		return nil, err
	}
	for _, p := range orig.LoadAndTLS() {
		p.Flags &^= uint32(elf.PF_X)
		progs = addProgramHeader(progs, p)
	}

	m, err := merge(orig, rec)
	if err != nil {
		return nil, err
	}
	off := uint64(len(data))
	addr := vr.End + off%page
	t := buildTables(m, off, addr)

	dyn, err := dynamicSection(rec, m.needed, t.tags)
	if err != nil {
		return nil, err
	}
	if err := writeDynamic(data, progs, dyn); err != nil {
		return nil, err
	}
	progs = addProgramHeader(progs, elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R),
		Off:    off,
		Vaddr:  addr,
		Paddr:  addr,
		Filesz: uint64(len(t.data)),
		Memsz:  uint64(len(t.data)),
		Align:  page,
	})

	secs, strs, err := mergeSections(orig, rec, t.secs, len(m.vers.groups), or.Start, addend)
	if err != nil {
		return nil, err
	}
	if err := rebasePLT(data, orig, rec, secs); err != nil {
		return nil, err
	}
	data = append(data, t.data...)

	sh := rec.ShstrHdr
	sh.Off = uint64(len(data))
	sh.Size = uint64(len(strs.buf))
	secs = append(secs, sh)
	data = append(data, strs.buf...)

	return glue(rec.Header, progs, secs, data)
}

func check(orig, rec *elfx.Image) error {
	switch {
	case orig.Dynamic == nil:
		return fmt.Errorf("%w: original has no dynamic section", ErrStructure)
	case rec.Dynamic == nil:
		return fmt.Errorf("%w: recompiled binary has no dynamic section", ErrStructure)
	case orig.GNUHash == nil:
		return fmt.Errorf("%w: original has no .gnu.hash", ErrStructure)
	case len(orig.Dynsym) == 0 || len(rec.Dynsym) == 0:
		return fmt.Errorf("%w: missing .dynsym", ErrStructure)
	case rec.VaddrRange().End == 0:
		return fmt.Errorf("%w: recompiled binary has no loadable code segment", ErrStructure)
	}
	return nil
}

// overlayRodata copies the recompiled .my_rodata over the original .rodata.
func overlayRodata(data []byte, orig, rec *elfx.Image) error {
	if _, ok := rec.Section(".my_rodata"); !ok {
		return nil
	}
	ro, ok := orig.Section(".rodata")
	if !ok {
		return fmt.Errorf("%w: .my_rodata without an original .rodata", ErrStructure)
	}
	b := rec.SectionData(".my_rodata")
	if ro.Hdr.Off+uint64(len(b)) > uint64(len(data)) {
		return fmt.Errorf("%w: .my_rodata (0x%x bytes) does not fit at 0x%x", ErrStructure, len(b), ro.Hdr.Off)
	}
	copy(data[ro.Hdr.Off:], b)
	return nil
}

func merge(orig, rec *elfx.Image) (*merged, error) {
	m := &merged{
		dynstr: append(append([]byte{}, rec.Dynstr...), orig.Dynstr...),
		hash:   orig.GNUHash,
		needed: mergeNeeded(orig, rec),
	}
	var err error
	if m.dynsym, err = mergeDynsym(orig, rec, m.dynstr); err != nil {
		return nil, err
	}
	m.vers = mergeVersions(orig, rec)
	if len(m.vers.groups) > 0 {
		a, err := m.vers.versym(orig)
		if err != nil {
			return nil, err
		}
		b, err := m.vers.versym(rec)
		if err != nil {
			return nil, err
		}
		m.versym = append(a, b...)
	}
	if m.rela, err = mergeRela(orig, rec); err != nil {
		return nil, err
	}
	return m, nil
}

func writeDynamic(data []byte, progs []elf.Prog64, dyn []byte) error {
	for _, p := range progs {
		if elf.ProgType(p.Type) != elf.PT_DYNAMIC {
			continue
		}
		if p.Off+uint64(len(dyn)) > uint64(len(data)) {
			return fmt.Errorf("%w: PT_DYNAMIC at 0x%x is past the end of the file", ErrStructure, p.Off)
		}
		copy(data[p.Off:], dyn)
		return nil
	}
	return fmt.Errorf("%w: recompiled binary has no PT_DYNAMIC", ErrStructure)
}

// rebasePLT rewrites the recompiled rela.plt in place with its symbol
// indexes moved past the original symbols.
func rebasePLT(data []byte, orig, rec *elfx.Image, secs []elf.Section64) error {
	addr, ok := rec.Dyn[elf.DT_JMPREL]
	if !ok {
		return nil
	}
	relas, err := rebase(rec.RelaPlt, len(orig.Dynsym), len(rec.Dynsym))
	if err != nil {
		return err
	}
	b := elfx.Encode(relas...)
	for _, s := range secs {
		if s.Addr != addr || elf.SectionType(s.Type) == elf.SHT_NULL {
			continue
		}
		if s.Size != uint64(len(b)) {
			return fmt.Errorf("%w: rela.plt is 0x%x bytes, section at 0x%x holds 0x%x", ErrStructure, len(b), addr, s.Size)
		}
		if s.Off+s.Size > uint64(len(data)) {
			return fmt.Errorf("%w: rela.plt at 0x%x is past the end of the file", ErrStructure, s.Off)
		}
		copy(data[s.Off:], b)
		return nil
	}
	return fmt.Errorf("%w: no section at rela.plt address 0x%x", ErrStructure, addr)
}

// glue writes the ELF header and program headers over the start of data
// and appends the section headers.
func glue(hdr elf.Header64, progs []elf.Prog64, secs []elf.Section64, data []byte) ([]byte, error) {
	sizePHDR(progs)
	if end := 0x40 + phentsize*len(progs); end > len(data) {
		return nil, fmt.Errorf("%w: %d program headers do not fit", ErrStructure, len(progs))
	}
	for len(data)%8 != 0 {
		data = append(data, 0)
	}
	hdr.Phoff = 0x40
	hdr.Phentsize = phentsize
	hdr.Phnum = uint16(len(progs))
	hdr.Shoff = uint64(len(data))
	hdr.Shentsize = 0x40
	hdr.Shnum = uint16(len(secs))
	hdr.Shstrndx = uint16(len(secs) - 1)

	copy(data, elfx.Encode(hdr))
	copy(data[0x40:], elfx.Encode(progs...))
	return append(data, elfx.Encode(secs...)...), nil
}
