package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "symbolize":
		err = cmdSymbolize(os.Args[2:])
	case "compile":
		err = cmdCompile(os.Args[2:])
	case "splice":
		err = cmdSplice(os.Args[2:])
	case "cfg":
		err = cmdCFG(os.Args[2:])
	case "eh":
		err = cmdEH(os.Args[2:])
	case "info":
		err = cmdInfo(os.Args[2:])
	case "disasm":
		err = cmdDisasm(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `reassem - static rewriter for x86-64 ELF executables

Usage:
  reassem symbolize --bin <path> --meta <json> --out <file.s>   Symbolize to reassemblable assembly
  reassem compile   --bin <path> --asm <file.s> --out <obj>     Link the assembly above the original image
  reassem splice    --orig <path> --recompiled <obj> --out <path> Merge the recompiled code into the original
  reassem cfg       --bin <path> --meta <json> --out <dir>      Serialized CFGs and call graph as DOT
  reassem eh        --bin <path>                               Dump decoded CFI directives and LSDAs
  reassem info      --bin <path>                               Segments, sections and dynamic linking
  reassem disasm    --bin <path> --out <dir>                   Annotated linear listing of .text

Symbolize flags:
  --opt <n>            Optimization level 0-3 (REASSEM_OPT)
  --syntax <s>         intel or att (REASSEM_SYNTAX)
  --no-endbr           Treat every function as starting with endbr64
  --rodata             Copy .rodata and place jump tables inside it
  --asan               Instrument memory accesses (REASSEM_ASAN)
  --asan-meta <json>   Access widths for instrumentation
  --stack-poison       Poison the red zone around stack frames
  --stats <file>       Write block and branch-site statistics
  --diag <file>        Write diagnostics as JSON

Compile flags:
  --cc <path>          C compiler driver (REASSEM_CC)
  --page-size <n>      Load alignment (REASSEM_PAGE_SIZE)
`)
}
