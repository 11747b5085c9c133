package main

import (
	"flag"
	"fmt"
	"os"

	"reassem/internal/elfx"
	"reassem/internal/output"
	"reassem/internal/splice"
)

func cmdSplice(args []string) error {
	fs := flag.NewFlagSet("splice", flag.ExitOnError)
	origPath := fs.String("orig", "", "path to the original executable")
	recPath := fs.String("recompiled", "", "path to the recompiled executable")
	outPath := fs.String("out", "", "spliced executable")
	fs.Parse(args)

	if *origPath == "" {
		return fmt.Errorf("--orig is required")
	}
	if *recPath == "" {
		return fmt.Errorf("--recompiled is required")
	}
	if *outPath == "" {
		return fmt.Errorf("--out is required")
	}

	orig, err := openImage(*origPath)
	if err != nil {
		return err
	}
	defer orig.Close()
	rec, err := openImage(*recPath)
	if err != nil {
		return err
	}
	defer rec.Close()

	data, err := splice.Splice(orig.Img, rec.Img)
	if err != nil {
		return err
	}
	if err := output.WriteExecutable(*outPath, data); err != nil {
		return err
	}
	out, err := elfx.Parse(data)
	if err != nil {
		return fmt.Errorf("reparse %s: %w", *outPath, err)
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%d bytes, entry 0x%x, %d needed)\n",
		*outPath, len(data), out.Header.Entry, len(out.Needed))
	return nil
}
