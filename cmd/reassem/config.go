package main

import (
	"fmt"
	"strconv"

	"github.com/xyproto/env/v2"

	"reassem/internal/disasm"
	"reassem/internal/elfx"
	"reassem/internal/toolchain"
)

// defaults holds flag defaults taken from the environment.
type defaults struct {
	Opt      int
	Syntax   string
	CC       string
	PageSize uint64
	ASan     bool
}

func loadDefaults() (defaults, error) {
	d := defaults{
		Opt:    env.Int("REASSEM_OPT", 0),
		Syntax: env.Str("REASSEM_SYNTAX", "intel"),
		CC:     env.Str("REASSEM_CC", "gcc"),
		ASan:   env.Bool("REASSEM_ASAN"),
	}
	ps, err := parseSize(env.Str("REASSEM_PAGE_SIZE", fmt.Sprintf("%#x", toolchain.DefaultPageSize)))
	if err != nil {
		return d, fmt.Errorf("REASSEM_PAGE_SIZE: %w", err)
	}
	d.PageSize = ps
	if _, err := disasm.ParseSyntax(d.Syntax); err != nil {
		return d, fmt.Errorf("REASSEM_SYNTAX: %w", err)
	}
	return d, nil
}

// parseSize accepts decimal, 0x hex and 0o octal.
func parseSize(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, err
	}
	if v&(v-1) != 0 {
		return 0, fmt.Errorf("%#x is not a power of two", v)
	}
	return v, nil
}

// openImage loads and validates an x86-64 executable.
func openImage(path string) (*elfx.File, error) {
	f, err := elfx.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}
