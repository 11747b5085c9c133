package toolchain

import (
	"debug/elf"
	"slices"
	"testing"

	"reassem/internal/elfx"
)

func image(needed ...string) *elfx.Image {
	img := &elfx.Image{Progs: []elf.Prog64{
		{Type: uint32(elf.PT_LOAD), Off: 0, Vaddr: 0x400000, Memsz: 0x5000, Align: 0x1000},
		{Type: uint32(elf.PT_LOAD), Off: 0x1000, Vaddr: 0x401000, Memsz: 0x2345, Align: 0x1000},
		{Type: uint32(elf.PT_LOAD), Off: 0x4000, Vaddr: 0x404e10, Memsz: 0x230, Align: 0x1000},
		{Type: uint32(elf.PT_DYNAMIC), Off: 0x4e20, Vaddr: 0x904e20, Memsz: 0x1d0},
	}}
	for _, n := range needed {
		img.Needed = append(img.Needed, elfx.Needed{Name: n})
	}
	return img
}

func TestNextVaddr(t *testing.T) {
	img := image()
	if got := NextVaddr(img, 0x1000); got != 0x406000 {
		t.Errorf("NextVaddr(page 0x1000) = %#x, want 0x406000", got)
	}
	if got := NextVaddr(img, DefaultPageSize); got != 0x600000 {
		t.Errorf("NextVaddr(page 0x200000) = %#x, want 0x600000", got)
	}

	pie := &elfx.Image{Progs: []elf.Prog64{
		{Type: uint32(elf.PT_LOAD), Off: 0, Vaddr: 0, Memsz: 0x600, Align: 0x1000},
		{Type: uint32(elf.PT_LOAD), Off: 0x1000, Vaddr: 0x1000, Memsz: 0x200, Align: 0x1000},
	}}
	if got := NextVaddr(pie, 0x1000); got != minBase {
		t.Errorf("NextVaddr(small PIE) = %#x, want %#x", got, minBase)
	}
}

func TestDriver(t *testing.T) {
	tests := []struct {
		needed []string
		cc     string
		want   string
	}{
		{[]string{"libc.so.6"}, "", "gcc"},
		{[]string{"libstdc++.so.6", "libc.so.6"}, "/usr/bin/gcc-11", "/usr/bin/g++-11"},
		{[]string{"libgfortran.so.5"}, "gcc", "gfortran"},
		{[]string{"libstdc++.so.6"}, "clang", "g++"},
	}
	for _, tt := range tests {
		if got := Driver(image(tt.needed...), tt.cc); got != tt.want {
			t.Errorf("Driver(%v, %q) = %q, want %q", tt.needed, tt.cc, got, tt.want)
		}
	}
}

func TestArgs(t *testing.T) {
	img := image("libm.so.6", "libc.so.6", "libpthread.so.0")
	got := Args(img, "a.s", "a.o", Config{PageSize: 0x1000, ASan: true})
	want := []string{
		"a.s", "-lasan", "-lm", "-lpthread",
		"-Wl,--section-start=.interp=0x406000",
		"-Wl,--section-start=.note.ABI-tag=0x1000",
		"-fcf-protection=full", "-pie", "-fPIE",
		"-Wl,-z,lazy",
		"-o", "a.o",
	}
	if !slices.Equal(got, want) {
		t.Errorf("Args =\n%q\nwant\n%q", got, want)
	}
}
