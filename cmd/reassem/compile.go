package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"reassem/internal/toolchain"
)

func cmdCompile(args []string) error {
	def, err := loadDefaults()
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("compile", flag.ExitOnError)
	binPath := fs.String("bin", "", "path to the original executable")
	asmPath := fs.String("asm", "", "symbolized assembly file")
	outPath := fs.String("out", "", "recompiled executable")
	cc := fs.String("cc", def.CC, "C compiler driver")
	pageSize := fs.String("page-size", fmt.Sprintf("%#x", def.PageSize), "load alignment, 0 for the system page size")
	asan := fs.Bool("asan", def.ASan, "link against libasan")
	fs.Parse(args)

	if *binPath == "" {
		return fmt.Errorf("--bin is required")
	}
	if *asmPath == "" {
		return fmt.Errorf("--asm is required")
	}
	if *outPath == "" {
		return fmt.Errorf("--out is required")
	}
	ps, err := parseSize(*pageSize)
	if err != nil {
		return fmt.Errorf("--page-size: %w", err)
	}

	f, err := openImage(*binPath)
	if err != nil {
		return err
	}
	defer f.Close()

	cfg := toolchain.Config{CC: *cc, PageSize: ps, ASan: *asan}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Fprintf(os.Stderr, "%s %s\n", toolchain.Driver(f.Img, *cc), strings.Join(toolchain.Args(f.Img, *asmPath, *outPath, cfg), " "))
	msgs, err := toolchain.Compile(ctx, f.Img, *asmPath, *outPath, cfg)
	if len(msgs) > 0 {
		os.Stderr.Write(msgs)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s\n", *outPath)
	return nil
}
