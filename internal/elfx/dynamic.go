package elfx

import (
	"debug/elf"
	"fmt"
	"strings"
)

func (img *Image) parseDynamic() error {
	img.Dyn = make(map[elf.DynTag]uint64)
	img.Versions = make(map[uint16]Version)

	for _, p := range img.Progs {
		if elf.ProgType(p.Type) != elf.PT_DYNAMIC {
			continue
		}
		b, err := img.slice(p.Off, p.Filesz)
		if err != nil {
			return fmt.Errorf("elfx: PT_DYNAMIC: %w", err)
		}
		img.Dynamic = b
		break
	}
	if img.Dynamic == nil {
		return nil
	}

	dyns, err := decodeAll[elf.Dyn64](img.Dynamic)
	if err != nil {
		return err
	}
	for _, d := range dyns {
		if elf.DynTag(d.Tag) == elf.DT_NULL {
			break
		}
		img.Dyn[elf.DynTag(d.Tag)] = d.Val
	}

	steps := []func() error{
		img.parseDynstr,
		img.parseDynsym,
		img.parseRela,
		img.parseVersions,
		img.parseArrays,
		img.parseGNUHash,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func (img *Image) parseDynstr() error {
	b, ok, err := img.tagData(elf.DT_STRTAB, img.Dyn[elf.DT_STRSZ])
	if err != nil || !ok {
		return err
	}
	img.Dynstr = b
	for _, d := range img.Dyns() {
		if elf.DynTag(d.Tag) == elf.DT_NEEDED {
			img.Needed = append(img.Needed, Needed{Off: d.Val, Name: cstr(img.Dynstr, d.Val)})
		}
	}
	return nil
}

func (img *Image) parseDynsym() error {
	b, ok, err := img.tagData(elf.DT_SYMTAB, 0)
	if err != nil || !ok {
		return err
	}
	img.Dynsym, err = decodeAll[elf.Sym64](b)
	return err
}

func (img *Image) parseRela() error {
	if sz, ok := img.Dyn[elf.DT_RELASZ]; ok {
		b, _, err := img.tagData(elf.DT_RELA, sz)
		if err != nil {
			return err
		}
		if img.Rela, err = decodeAll[elf.Rela64](b); err != nil {
			return err
		}
	}
	b, ok, err := img.tagData(elf.DT_JMPREL, 0)
	if err != nil || !ok {
		return err
	}
	img.RelaPlt, err = decodeAll[elf.Rela64](b)
	return err
}

func (img *Image) parseVersions() error {
	b, ok, err := img.tagData(elf.DT_VERSYM, uint64(len(img.Dynsym))*2)
	if err != nil || !ok {
		return err
	}
	img.Versym, err = decodeAll[uint16](b)
	if err != nil {
		return err
	}

	chain, ok, err := img.tagData(elf.DT_VERNEED, 0)
	if err != nil || !ok {
		return err
	}
	for off := uint64(0); ; {
		if off+0x10 > uint64(len(chain)) {
			return fmt.Errorf("%w: verneed at 0x%x", ErrTruncated, off)
		}
		need, err := decode[Verneed](chain[off:])
		if err != nil {
			return err
		}
		g := VerneedGroup{Lib: cstr(img.Dynstr, uint64(need.File)), Need: need}
		for i := uint64(0); i < uint64(need.Cnt); i++ {
			at := off + (i+1)*0x10
			if at+0x10 > uint64(len(chain)) {
				return fmt.Errorf("%w: vernaux at 0x%x", ErrTruncated, at)
			}
			aux, err := decode[Vernaux](chain[at:])
			if err != nil {
				return err
			}
			v := Version{Lib: g.Lib, Name: cstr(img.Dynstr, uint64(aux.Name)), Need: need, Aux: aux}
			g.Aux = append(g.Aux, v)
			img.Versions[aux.Other] = v
		}
		img.Verneeds = append(img.Verneeds, g)
		if need.Next == 0 {
			return nil
		}
		off += uint64(need.Next)
	}
}

func (img *Image) parseArrays() error {
	var err error
	if img.InitArray, err = img.addrArray(elf.DT_INIT_ARRAY, elf.DT_INIT_ARRAYSZ); err != nil {
		return err
	}
	img.FiniArray, err = img.addrArray(elf.DT_FINI_ARRAY, elf.DT_FINI_ARRAYSZ)
	return err
}

func (img *Image) addrArray(tag, sizeTag elf.DynTag) ([]uint64, error) {
	addr, ok := img.Dyn[tag]
	if !ok {
		return nil, nil
	}
	b, err := img.ReadAt(addr, img.Dyn[sizeTag])
	if err != nil {
		return nil, fmt.Errorf("elfx: %v: %w", tag, err)
	}
	return decodeAll[uint64](b)
}

func (img *Image) parseGNUHash() error {
	b, ok, err := img.tagData(elf.DT_GNU_HASH, 0)
	if err != nil || !ok {
		return err
	}
	img.GNUHash = b
	return nil
}

// Dyns returns the dynamic entries up to, not including, DT_NULL.
func (img *Image) Dyns() []elf.Dyn64 {
	all, _ := decodeAll[elf.Dyn64](img.Dynamic)
	for i, d := range all {
		if elf.DynTag(d.Tag) == elf.DT_NULL {
			return all[:i]
		}
	}
	return all
}

// Require checks that all the given dynamic tags are present.
func (img *Image) Require(tags ...elf.DynTag) error {
	for _, t := range tags {
		if _, ok := img.Dyn[t]; !ok {
			return fmt.Errorf("%w: missing %v", ErrNoSection, t)
		}
	}
	return nil
}

// SymName returns the dynstr name of dynsym entry i.
func (img *Image) SymName(i uint32) string {
	if int(i) >= len(img.Dynsym) {
		return ""
	}
	return cstr(img.Dynstr, uint64(img.Dynsym[i].Name))
}

// JumpSlots maps each R_X86_64_JUMP_SLOT target slot to its symbol name.
func (img *Image) JumpSlots() map[uint64]string {
	out := make(map[uint64]string)
	for _, list := range [][]elf.Rela64{img.Rela, img.RelaPlt} {
		for _, r := range list {
			if elf.R_X86_64(elf.R_TYPE64(r.Info)) == elf.R_X86_64_JMP_SLOT {
				out[r.Off] = img.SymName(elf.R_SYM64(r.Info))
			}
		}
	}
	return out
}

// RelocSymbols maps rela.dyn target addresses to the symbol they resolve to,
// written as "sym+addend" (addend omitted when zero). Entries without a
// symbol map to the hex addend.
func (img *Image) RelocSymbols() map[uint64]string {
	out := make(map[uint64]string)
	for _, r := range img.Rela {
		idx := elf.R_SYM64(r.Info)
		if idx == 0 {
			out[r.Off] = fmt.Sprintf("0x%x", uint64(r.Addend))
			continue
		}
		name := img.SymName(idx)
		if r.Addend != 0 {
			name = fmt.Sprintf("%s+%d", name, r.Addend)
		}
		out[r.Off] = name
	}
	return out
}

// LinkerOptions derives -l options from DT_NEEDED, in order.
func (img *Image) LinkerOptions() []string {
	out := make([]string, 0, len(img.Needed))
	for _, n := range img.Needed {
		out = append(out, "-l"+LibName(n.Name))
	}
	return out
}

// LibName turns a shared object file name into the name passed to -l.
func LibName(lib string) string {
	switch {
	case lib == "libomp.so.5":
		return "omp5"
	case strings.HasSuffix(lib, ".so"):
		return strings.TrimPrefix(strings.TrimSuffix(lib, ".so"), "lib")
	case strings.Contains(lib, ".so."):
		return strings.TrimPrefix(lib[:strings.Index(lib, ".so.")], "lib")
	default:
		return strings.TrimPrefix(strings.SplitN(lib, ".", 2)[0], "lib")
	}
}
