package splice

import (
	"bytes"
	"debug/elf"
	"fmt"

	"reassem/internal/elfx"
)

// loadableSections returns the original sections from .init onward that
// lie inside a PT_LOAD or PT_TLS file range. .dynamic is left out; .bss may
// sit at the very end of its segment.
func loadableSections(img *elfx.Image) []int {
	segs := img.LoadAndTLS()
	var out []int
	var initOff uint64
	seen := false
	for i, s := range img.Sections {
		if s.Name == ".init" {
			initOff, seen = s.Hdr.Off, true
		}
		if !seen || s.Hdr.Off < initOff || s.Name == ".dynamic" {
			continue
		}
		for _, p := range segs {
			end := p.Off + p.Filesz
			if s.Hdr.Off >= p.Off && (s.Hdr.Off < end || s.Name == ".bss" && s.Hdr.Off == end) {
				out = append(out, i)
				break
			}
		}
	}
	return out
}

// staleTables are the recompiled sections the merged tables replace.
var staleTables = map[string]bool{
	".dynstr":        true,
	".dynsym":        true,
	".rela.dyn":      true,
	".gnu.version":   true,
	".gnu.version_r": true,
}

type shstrtab struct {
	buf   []byte
	names map[string]uint32
}

// name returns the offset of an existing section name, appending it when
// no recompiled section carries it.
func (s *shstrtab) name(name string) uint32 {
	if off, ok := s.names[name]; ok {
		return off
	}
	off := uint32(len(s.buf))
	s.buf = append(append(s.buf, name...), 0)
	s.names[name] = off
	return off
}

// mergeSections builds the section header table: the original's loadable
// sections with X cleared, the recompiled sections past dataStart moved by
// addend, then the merged tables. The shstrtab header is appended by the
// caller.
func mergeSections(orig, rec *elfx.Image, tables []newSection, ngroups int, dataStart, addend uint64) ([]elf.Section64, *shstrtab, error) {
	strs := &shstrtab{names: make(map[string]uint32)}
	strs.buf = append(bytes.Clone(rec.Shstrtab), orig.Shstrtab...)
	for _, s := range rec.Sections {
		if _, ok := strs.names[s.Name]; !ok && s.Name != "" {
			strs.names[s.Name] = s.Hdr.Name
		}
	}

	var out []elf.Section64
	if len(orig.Sections) > 0 {
		for _, i := range append([]int{0}, loadableSections(orig)...) {
			h := orig.Sections[i].Hdr
			h.Name += uint32(len(rec.Shstrtab))
			h.Flags &^= uint64(elf.SHF_EXECINSTR)
			out = append(out, h)
		}
	}

	old := make(map[string]uint32)
	remap := make(map[uint32]uint32)
	var kept []int
	for i, s := range rec.Sections {
		if staleTables[s.Name] {
			old[s.Name] = uint32(i)
			continue
		}
		if i != 0 && s.Hdr.Off < dataStart {
			continue
		}
		remap[uint32(i)] = uint32(len(out) + len(kept))
		kept = append(kept, i)
	}
	newDynstr := uint32(len(out) + len(kept))
	newDynsym := newDynstr + 1

	link := func(l uint32, at string) (uint32, error) {
		if i, ok := old[".dynstr"]; ok && l == i {
			return newDynstr, nil
		}
		if i, ok := old[".dynsym"]; ok && l == i {
			return newDynsym, nil
		}
		n, ok := remap[l]
		if !ok {
			return 0, fmt.Errorf("%w: %s links to dropped section %d", ErrStructure, at, l)
		}
		return n, nil
	}

	for _, i := range kept {
		s := rec.Sections[i]
		h := s.Hdr
		if s.Name == ".gnu.hash" {
			h.Type = uint32(elf.SHT_PROGBITS)
		}
		if h.Off > 0 {
			h.Off += addend
		}
		switch elf.SectionType(h.Type) {
		case elf.SHT_RELA, elf.SHT_REL:
			if h.Info != 0 {
				n, ok := remap[h.Info]
				if !ok {
					return nil, nil, fmt.Errorf("%w: %s applies to dropped section %d", ErrStructure, s.Name, h.Info)
				}
				h.Info = n
			}
		}
		if h.Link != 0 {
			n, err := link(h.Link, s.Name)
			if err != nil {
				return nil, nil, err
			}
			h.Link = n
		}
		out = append(out, h)
	}

	for _, t := range tables {
		h := t.hdr
		h.Name = strs.name(t.name)
		switch t.name {
		case ".dynsym":
			h.Link, h.Info = newDynstr, 1
		case ".gnu.hash", ".gnu.version", ".rela.dyn":
			h.Link = newDynsym
		case ".gnu.version_r":
			h.Link, h.Info = newDynstr, uint32(ngroups)
		}
		out = append(out, h)
	}
	return out, strs, nil
}
