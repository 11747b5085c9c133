// Package toolchain assembles and links a symbolized .s file into an
// executable whose code sits above the original binary's address space.
package toolchain

import (
	"bytes"
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"

	"reassem/internal/elfx"
)

// DefaultPageSize is the alignment the relinked code is placed at when
// no page size is configured.
const DefaultPageSize = 0x200000

// minBase is the lowest address the relinked .interp is placed at.
const minBase = 0x400000

// ErrCompile reports a failed compiler run.
var ErrCompile = errors.New("toolchain: compile failed")

// Config selects the compiler driver and placement.
type Config struct {
	CC       string // compiler driver, "gcc" when empty
	PageSize uint64 // zero means the system page size
	ASan     bool   // link against libasan
}

func (c Config) pageSize() uint64 {
	if c.PageSize != 0 {
		return c.PageSize
	}
	return uint64(unix.Getpagesize())
}

// NextVaddr returns the first page-aligned address past every loadable
// segment of img, skipping the one at file offset 0. The result is never
// below 0x400000.
func NextVaddr(img *elfx.Image, pageSize uint64) uint64 {
	var end uint64
	for _, p := range img.Progs {
		if elf.ProgType(p.Type) != elf.PT_LOAD || p.Off == 0 {
			continue
		}
		if e := alignUp(p.Vaddr+p.Memsz, p.Align); e > end {
			end = e
		}
	}
	end = alignUp(end, pageSize)
	return max(end, minBase)
}

func alignUp(v, a uint64) uint64 {
	if a <= 1 || v%a == 0 {
		return v
	}
	return v + a - v%a
}

// Driver picks the compiler driver for the libraries img links against:
// the C++ driver for libstdc++, the Fortran driver for libgfortran.
func Driver(img *elfx.Image, cc string) string {
	if cc == "" {
		cc = "gcc"
	}
	for _, n := range img.Needed {
		switch {
		case strings.HasPrefix(n.Name, "libstdc++.so"):
			return swapDriver(cc, "g++")
		case strings.HasPrefix(n.Name, "libgfortran.so"):
			return swapDriver(cc, "gfortran")
		}
	}
	return cc
}

// swapDriver keeps the directory and version suffix of cc, so
// /usr/bin/gcc-11 becomes /usr/bin/g++-11.
func swapDriver(cc, driver string) string {
	if i := strings.LastIndex(cc, "gcc"); i >= 0 {
		return cc[:i] + driver + cc[i+3:]
	}
	return driver
}

// Args returns the compiler arguments that turn asm into out, linked
// against the libraries of img with its code placed past img.
func Args(img *elfx.Image, asm, out string, cfg Config) []string {
	args := []string{asm}
	if cfg.ASan {
		args = append(args, "-lasan")
	}
	for i, opt := range img.LinkerOptions() {
		name := img.Needed[i].Name
		if strings.HasPrefix(name, "libc.so") || strings.HasPrefix(name, "ld-linux") {
			continue
		}
		args = append(args, opt)
	}
	args = append(args,
		fmt.Sprintf("-Wl,--section-start=.interp=%#x", NextVaddr(img, cfg.pageSize())),
		"-Wl,--section-start=.note.ABI-tag=0x1000",
		"-fcf-protection=full", "-pie", "-fPIE",
		"-Wl,-z,lazy",
		"-o", out,
	)
	return args
}

// Compile runs the compiler driver. The combined compiler output is
// returned even on failure.
func Compile(ctx context.Context, img *elfx.Image, asm, out string, cfg Config) ([]byte, error) {
	cc := Driver(img, cfg.CC)
	cmd := exec.CommandContext(ctx, cc, Args(img, asm, out, cfg)...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return buf.Bytes(), fmt.Errorf("%w: %s: %v", ErrCompile, cc, err)
	}
	return buf.Bytes(), nil
}
