package main

import (
	"debug/elf"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"reassem/internal/disasm"
	"reassem/internal/output"
)

func cmdDisasm(args []string) error {
	def, err := loadDefaults()
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("disasm", flag.ExitOnError)
	binPath := fs.String("bin", "", "path to the executable")
	outDir := fs.String("out", "", "output directory")
	section := fs.String("section", ".text", "section to list")
	syntax := fs.String("syntax", def.Syntax, "intel or att")
	maxSteps := fs.Int("max-steps", 0, "instruction cap, 0 for no cap")
	fs.Parse(args)

	if *binPath == "" {
		return fmt.Errorf("--bin is required")
	}
	if *outDir == "" {
		return fmt.Errorf("--out is required")
	}
	syn, err := disasm.ParseSyntax(*syntax)
	if err != nil {
		return err
	}
	f, err := openImage(*binPath)
	if err != nil {
		return err
	}
	defer f.Close()

	data, addr, err := f.SectionData(*section)
	if err != nil {
		return err
	}

	names := make(map[uint64]string)
	for slot, name := range f.Img.JumpSlots() {
		names[slot] = name + "@GOT"
	}
	for name, syms := range f.Img.Symtab {
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) == elf.STT_FUNC && s.Value != 0 {
				names[s.Value] = name
			}
		}
	}
	lookup := disasm.PlaceholderLookup(names)

	insts := disasm.Disassemble(data, disasm.Options{
		BaseAddr: addr,
		MaxSteps: *maxSteps,
		Syntax:   syn,
		Symbols:  lookup,
	})
	name := strings.TrimPrefix(*section, ".")
	peep := disasm.NewPeepholeState()
	err = output.WriteASM(*outDir, name, insts, lookup,
		peep.Annotate, disasm.BranchAnnotator(lookup), disasm.RIPAnnotator(lookup))
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%d instructions, %d symbols)\n",
		filepath.Join(*outDir, "asm", name+".txt"), len(insts), len(names))
	return nil
}
