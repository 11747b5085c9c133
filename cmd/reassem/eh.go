package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"

	"reassem/internal/diag"
	"reassem/internal/ehframe"
	"reassem/internal/elfx"
)

func cmdEH(args []string) error {
	fs := flag.NewFlagSet("eh", flag.ExitOnError)
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

	var d diag.Diags
	procs, err := unwindTable(f.Img, &d)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(os.Stdout)
	dumpEH(w, procs)
	if err := w.Flush(); err != nil {
		return err
	}
	printDiags(&d)
	fmt.Fprintf(os.Stderr, "%d FDEs\n", len(procs))
	return nil
}

func unwindTable(img *elfx.Image, d *diag.Diags) (map[uint64]*ehframe.Proc, error) {
	eh, ok := img.Section(".eh_frame")
	if !ok {
		return nil, fmt.Errorf(".eh_frame: %w", elfx.ErrNoSection)
	}
	var except []byte
	var exceptAddr uint64
	if s, ok := img.Section(".gcc_except_table"); ok {
		except, exceptAddr = img.SectionData(s.Name), s.Hdr.Addr
	}
	return ehframe.Table(img.SectionData(eh.Name), eh.Hdr.Addr, except, exceptAddr, d)
}

func dumpEH(w io.Writer, procs map[uint64]*ehframe.Proc) {
	for _, start := range ehframe.Starts(procs) {
		p := procs[start]
		fmt.Fprintf(w, "FDE [0x%x, 0x%x)\n", p.Start, p.End)
		for _, a := range p.Directives.Addrs {
			for _, dir := range p.Directives.At[a] {
				fmt.Fprintf(w, "  0x%x  %s\n", a, dir)
			}
		}
		l := p.LSDA
		if l == nil {
			continue
		}
		fmt.Fprintf(w, "  LSDA 0x%x personality slot 0x%x, %d bytes\n", l.Addr, p.Personality, l.Size)
		for _, cs := range l.CallSites {
			fmt.Fprintf(w, "    call site [0x%x, 0x%x) landing 0x%x action %d\n",
				p.Start+cs.Start, p.Start+cs.Start+cs.Len, landing(p.Start, cs.Landing), cs.Action)
		}
		for i, a := range l.Actions {
			fmt.Fprintf(w, "    action %d filter %d next %d\n", i, a.Filter, a.Next)
		}
		for _, t := range l.Types {
			fmt.Fprintf(w, "    type 0x%x\n", l.TypeAddr(t))
		}
	}
}

// landing returns zero for call sites without a landing pad.
func landing(start, off uint64) uint64 {
	if off == 0 {
		return 0
	}
	return start + off
}
