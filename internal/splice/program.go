package splice

import (
	"debug/elf"
	"fmt"
	"slices"

	"reassem/internal/elfx"
)

const (
	page      = 0x1000
	phentsize = 0x38
)

// fixProgramHeaders rewrites the recompiled program headers for the spliced
// layout. Notes and RELRO go away. The first PT_LOAD is split at PT_INTERP
// when it covers it, so the headers keep their own read-only page. File
// offsets past the ELF header move by addend.
func fixProgramHeaders(rec *elfx.Image, addend uint64) ([]elf.Prog64, error) {
	var interp uint64
	for _, p := range rec.Progs {
		if elf.ProgType(p.Type) == elf.PT_INTERP {
			interp = p.Vaddr
			break
		}
	}
	var myRodata uint64
	if s, ok := rec.Section(".my_rodata"); ok {
		myRodata = s.Hdr.Addr
	}

	var out []elf.Prog64
	for _, p := range rec.Progs {
		switch elf.ProgType(p.Type) {
		case elf.PT_NOTE, elf.PT_GNU_PROPERTY, elf.PT_GNU_RELRO:
			continue
		case elf.PT_PHDR:
			p.Off, p.Vaddr, p.Paddr = 0x40, 0x40, 0x40
		case elf.PT_LOAD:
			if myRodata != 0 && p.Vaddr == myRodata {
				continue
			}
			switch {
			case interp != 0 && p.Vaddr < interp && interp < p.Vaddr+p.Filesz:
				diff := interp - p.Vaddr
				if diff%page != 0 {
					return nil, fmt.Errorf("%w: PT_INTERP at 0x%x is 0x%x into its segment", ErrStructure, interp, diff)
				}
				head := p
				head.Filesz, head.Memsz = diff, diff
				head.Align = page
				head.Flags = uint32(elf.PF_R)
				out = append(out, head)

				p.Off += diff
				p.Vaddr += diff
				p.Paddr += diff
				p.Filesz -= diff
				p.Memsz -= diff
			case p.Off == 0 && p.Filesz < 2*page:
				p.Filesz, p.Memsz = page, page
			}
		}
		if p.Off > 0x40 {
			p.Off += addend
		}
		out = append(out, p)
	}
	return out, nil
}

// addProgramHeader places p among progs. A PT_LOAD replaces a smaller
// PT_LOAD at the same file offset, or goes before the first PT_LOAD with a
// higher address. Anything else is appended.
func addProgramHeader(progs []elf.Prog64, p elf.Prog64) []elf.Prog64 {
	if elf.ProgType(p.Type) == elf.PT_LOAD {
		for i, q := range progs {
			if elf.ProgType(q.Type) != elf.PT_LOAD {
				continue
			}
			if q.Off == p.Off {
				if q.Filesz < p.Filesz {
					progs[i] = p
					return progs
				}
				continue
			}
			if q.Vaddr > p.Vaddr {
				return slices.Insert(progs, i, p)
			}
		}
	}
	return append(progs, p)
}

// sizePHDR makes PT_PHDR cover the final header table.
func sizePHDR(progs []elf.Prog64) {
	for i := range progs {
		if elf.ProgType(progs[i].Type) == elf.PT_PHDR {
			n := uint64(phentsize * len(progs))
			progs[i].Filesz, progs[i].Memsz = n, n
		}
	}
}
