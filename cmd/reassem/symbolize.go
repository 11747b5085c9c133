package main

import (
	"flag"
	"fmt"
	"os"

	"reassem/internal/diag"
	"reassem/internal/disasm"
	"reassem/internal/elfx"
	"reassem/internal/meta"
	"reassem/internal/output"
	"reassem/internal/reassemble"
)

func cmdSymbolize(args []string) error {
	def, err := loadDefaults()
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("symbolize", flag.ExitOnError)
	binPath := fs.String("bin", "", "path to the original executable")
	metaPath := fs.String("meta", "", "path to the superset CFG metadata")
	outPath := fs.String("out", "", "output assembly file")
	opt := fs.Int("opt", def.Opt, "optimization level 0-3")
	syntax := fs.String("syntax", def.Syntax, "intel or att")
	noEndbr := fs.Bool("no-endbr", false, "treat every function as starting with endbr64")
	rodata := fs.Bool("rodata", false, "copy .rodata and place jump tables inside it")
	asan := fs.Bool("asan", def.ASan, "instrument memory accesses")
	asanMeta := fs.String("asan-meta", "", "access widths for instrumentation")
	stackPoison := fs.Bool("stack-poison", false, "poison the red zone around stack frames")
	statsPath := fs.String("stats", "", "statistics output file")
	diagPath := fs.String("diag", "", "diagnostics JSON output file")
	fs.Parse(args)

	if *binPath == "" {
		return fmt.Errorf("--bin is required")
	}
	if *metaPath == "" {
		return fmt.Errorf("--meta is required")
	}
	if *outPath == "" {
		return fmt.Errorf("--out is required")
	}
	if *opt < 0 || *opt > 3 {
		return fmt.Errorf("--opt must be 0-3, got %d", *opt)
	}

	opts := reassemble.Options{
		Opt:         *opt,
		NoEndbr:     *noEndbr,
		Rodata:      *rodata,
		ASan:        *asan,
		StackPoison: *stackPoison,
	}
	opts.Syntax, err = disasm.ParseSyntax(*syntax)
	if err != nil {
		return err
	}
	if *asanMeta != "" {
		if !*asan {
			return fmt.Errorf("--asan-meta needs --asan")
		}
		opts.AsanInfo, err = meta.LoadAsan(*asanMeta)
		if err != nil {
			return err
		}
	}

	r, _, err := runReassembler(*binPath, *metaPath, opts)
	if err != nil {
		return err
	}
	if err := output.WriteText(*outPath, r.Write); err != nil {
		return err
	}
	st := r.Stats()
	fmt.Fprintf(os.Stderr, "wrote %s (%d functions, %d blocks, main=%s)\n",
		*outPath, len(r.Functions()), st.Blocks, r.Main())

	if *statsPath != "" {
		if err := output.WriteText(*statsPath, r.WriteStats); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %s\n", *statsPath)
	}
	printDiags(r.Diags())
	if *diagPath != "" {
		if err := output.WriteDiagsJSON(*diagPath, *binPath, r.Diags()); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %s (%d diagnostics)\n", *diagPath, r.Diags().Len())
	}
	return nil
}

// runReassembler loads the binary and its metadata and symbolizes every function.
func runReassembler(binPath, metaPath string, opts reassemble.Options) (*reassemble.Reassembler, *elfx.Image, error) {
	f, err := openImage(binPath)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	md, err := meta.Load(metaPath)
	if err != nil {
		return nil, nil, err
	}
	fmt.Fprintf(os.Stderr, "loaded %s: %d functions, %d false functions\n",
		metaPath, md.FunDict.Len(), len(md.FalseFunList))

	r, err := reassemble.Run(f.Img, md, opts)
	if err != nil {
		return nil, nil, err
	}
	return r, f.Img, nil
}

func printDiags(d *diag.Diags) {
	if d.Len() == 0 {
		return
	}
	for _, kc := range d.Summary() {
		fmt.Fprintf(os.Stderr, "warning: %d %s\n", kc.N, kc.Kind)
	}
	for _, it := range d.Items() {
		fmt.Fprintf(os.Stderr, "  %s\n", it)
	}
}
