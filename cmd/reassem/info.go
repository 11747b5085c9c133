package main

import (
	"debug/elf"
	"flag"
	"fmt"
	"strings"

	"reassem/internal/toolchain"
)

func cmdInfo(args []string) error {
	def, err := loadDefaults()
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	binPath := fs.String("bin", "", "path to the executable")
	fs.Parse(args)

	if *binPath == "" {
		return fmt.Errorf("--bin is required")
	}
	f, err := openImage(*binPath)
	if err != nil {
		return err
	}
	defer f.Close()
	img := f.Img

	fmt.Printf("File:     %s (%d bytes)\n", *binPath, f.FileSize())
	fmt.Printf("Type:     %s\n", elf.Type(img.Header.Type))
	fmt.Printf("Entry:    0x%x\n", f.Entry())

	fmt.Printf("\nLoad segments:\n")
	for _, s := range f.LoadSegments() {
		fmt.Printf("  0x%08x  vaddr=0x%x filesz=0x%x memsz=0x%x align=0x%x %s\n",
			s.Offset, s.Vaddr, s.Filesz, s.Memsz, s.Align, s.Flags)
	}

	fmt.Printf("\nSections:\n")
	for _, s := range img.Sections {
		if s.Name == "" {
			continue
		}
		fmt.Printf("  %-20s 0x%08x  addr=0x%x size=0x%x %s\n",
			s.Name, s.Hdr.Off, s.Hdr.Addr, s.Hdr.Size, elf.SectionType(s.Hdr.Type))
	}

	if len(img.Needed) > 0 {
		fmt.Printf("\nNeeded:\n")
		for _, n := range img.Needed {
			fmt.Printf("  %s\n", n.Name)
		}
	}
	if len(img.Verneeds) > 0 {
		fmt.Printf("\nVersion needs:\n")
		for _, g := range img.Verneeds {
			names := make([]string, len(g.Aux))
			for i, v := range g.Aux {
				names[i] = fmt.Sprintf("%s(%d)", v.Name, v.Aux.Other)
			}
			fmt.Printf("  %-20s %s\n", g.Lib, strings.Join(names, " "))
		}
	}
	fmt.Printf("\nDynamic symbols: %d, relocations: %d + %d PLT\n", len(img.Dynsym), len(img.Rela), len(img.RelaPlt))
	fmt.Printf("Init array: %d, fini array: %d\n", len(img.InitArray), len(img.FiniArray))
	for _, r := range img.PLTRanges {
		fmt.Printf("PLT:      [0x%x, 0x%x)\n", r.Start, r.End)
	}

	fmt.Printf("\nRecompile: %s %s\n", toolchain.Driver(img, def.CC), strings.Join(img.LinkerOptions(), " "))
	if def.PageSize != 0 {
		fmt.Printf("Next vaddr: 0x%x (page size 0x%x)\n", toolchain.NextVaddr(img, def.PageSize), def.PageSize)
	}
	return nil
}
