package elfx

import (
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"reassem/internal/elfx/elftest"
)

func findSample(t *testing.T, name string) string {
	t.Helper()
	// Walk up to find samples/ directory.
	dir, _ := os.Getwd()
	for {
		p := filepath.Join(dir, "samples", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Skipf("sample %s not found", name)
		}
		dir = parent
	}
}

func sampleSpec() elftest.Spec {
	return elftest.Spec{
		Base:   0x400000,
		Entry:  0x401000,
		Needed: []string{"libc.so.6", "libm.so.6"},
		Symbols: []elftest.Symbol{
			{Name: "puts", Lib: "libc.so.6", Version: "GLIBC_2.2.5"},
			{Name: "cos", Lib: "libm.so.6", Version: "GLIBC_2.2.5"},
			{Name: "__gmon_start__", Info: elf.ST_INFO(elf.STB_WEAK, elf.STT_NOTYPE)},
		},
		Rela: []elf.Rela64{
			{Off: 0x403ff0, Info: elf.R_INFO(3, uint32(elf.R_X86_64_GLOB_DAT))},
			{Off: 0x404010, Info: elf.R_INFO(0, uint32(elf.R_X86_64_RELATIVE)), Addend: 0x401100},
		},
		RelaPlt: []elf.Rela64{
			{Off: 0x404018, Info: elf.R_INFO(1, uint32(elf.R_X86_64_JMP_SLOT))},
		},
		Text:      []byte{0xf3, 0x0f, 0x1e, 0xfa, 0x31, 0xc0, 0xc3},
		Rodata:    []byte{1, 2, 3, 4, 5, 6, 7, 8},
		InitArray: []uint64{0x401120},
		FiniArray: []uint64{0x4010e0},
		Locals:    []elftest.Local{{Name: "fun_0_401126", Value: 0x801000}, {Name: "fun_0_401126.part.0", Value: 0x801100}},
		SpareDyn:  4,
	}
}

func TestParseDynamicTables(t *testing.T) {
	img, err := Parse(elftest.Build(sampleSpec()))
	if err != nil {
		t.Fatal(err)
	}

	if len(img.Needed) != 2 || img.Needed[0].Name != "libc.so.6" || img.Needed[1].Name != "libm.so.6" {
		t.Fatalf("needed = %+v", img.Needed)
	}
	if len(img.Dynsym) != 4 {
		t.Fatalf("dynsym = %d entries, want 4", len(img.Dynsym))
	}
	if got := img.SymName(2); got != "cos" {
		t.Errorf("sym 2 = %q, want cos", got)
	}
	if len(img.Rela) != 2 || len(img.RelaPlt) != 1 {
		t.Fatalf("rela = %d, rela.plt = %d", len(img.Rela), len(img.RelaPlt))
	}
	if len(img.Versym) != 4 || img.Versym[1] != 2 || img.Versym[2] != 3 || img.Versym[3] != 1 {
		t.Errorf("versym = %v", img.Versym)
	}
	if len(img.Verneeds) != 2 || img.Verneeds[1].Lib != "libm.so.6" {
		t.Fatalf("verneeds = %+v", img.Verneeds)
	}
	if v := img.Versions[3]; v.Lib != "libm.so.6" || v.Name != "GLIBC_2.2.5" {
		t.Errorf("version 3 = %+v", v)
	}
	if len(img.InitArray) != 1 || img.InitArray[0] != 0x401120 {
		t.Errorf("init_array = %x", img.InitArray)
	}
	if len(img.FiniArray) != 1 || img.FiniArray[0] != 0x4010e0 {
		t.Errorf("fini_array = %x", img.FiniArray)
	}
	if len(img.GNUHash) == 0 {
		t.Error("gnu.hash missing")
	}
}

func TestFunMapSkipsParts(t *testing.T) {
	img, err := Parse(elftest.Build(sampleSpec()))
	if err != nil {
		t.Fatal(err)
	}
	if len(img.FunMap) != 1 {
		t.Fatalf("fun map = %v, want one entry", img.FunMap)
	}
	if got := img.FunMap[0x401126]; got != 0x801000 {
		t.Fatalf("fun map[0x401126] = 0x%x, want 0x801000", got)
	}
}

func TestRelocationMaps(t *testing.T) {
	img, err := Parse(elftest.Build(sampleSpec()))
	if err != nil {
		t.Fatal(err)
	}
	slots := img.JumpSlots()
	if slots[0x404018] != "puts" {
		t.Errorf("jump slot = %q, want puts", slots[0x404018])
	}
	syms := img.RelocSymbols()
	if syms[0x403ff0] != "__gmon_start__" {
		t.Errorf("glob_dat = %q", syms[0x403ff0])
	}
	if syms[0x404010] != "0x401100" {
		t.Errorf("relative = %q", syms[0x404010])
	}
}

func TestPLTRanges(t *testing.T) {
	img, err := Parse(elftest.Build(sampleSpec()))
	if err != nil {
		t.Fatal(err)
	}
	plt, ok := img.Section(".plt")
	if !ok {
		t.Fatal("no .plt")
	}
	if !img.InPLT(plt.Hdr.Addr + 4) {
		t.Error("address inside .plt not reported")
	}
	if img.InPLT(plt.Hdr.Addr + plt.Hdr.Size) {
		t.Error("end of .plt reported as inside")
	}
}

func TestSectionAtMisaligned(t *testing.T) {
	img, err := Parse(elftest.Build(sampleSpec()))
	if err != nil {
		t.Fatal(err)
	}
	text, _ := img.Section(".text")
	if _, err := img.SectionAt(text.Hdr.Addr); err != nil {
		t.Fatalf("section at start: %v", err)
	}
	_, err = img.SectionAt(text.Hdr.Addr + 1)
	if !errors.Is(err, ErrMisaligned) {
		t.Fatalf("err = %v, want ErrMisaligned", err)
	}
}

func TestRangesSkipHeaderSegment(t *testing.T) {
	img, err := Parse(elftest.Build(sampleSpec()))
	if err != nil {
		t.Fatal(err)
	}
	off := img.OffsetRange()
	if off.Start != 0x1000 {
		t.Fatalf("offset range start = 0x%x, want 0x1000", off.Start)
	}
	va := img.VaddrRange()
	if va.Start != 0x401000 {
		t.Fatalf("vaddr range start = 0x%x, want 0x401000", va.Start)
	}
	if va.End%0x1000 != 0 || va.End <= va.Start {
		t.Fatalf("vaddr range end = 0x%x", va.End)
	}
}

func TestNewFile(t *testing.T) {
	f, err := NewFile(elftest.Build(sampleSpec()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if f.Entry() != 0x401000 {
		t.Errorf("entry = 0x%x", f.Entry())
	}
	data, addr, err := f.SectionData(".rodata")
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 8 || data[7] != 8 {
		t.Errorf("rodata = %v", data)
	}
	b, err := f.Img.ReadAt(addr, 4)
	if err != nil {
		t.Fatal(err)
	}
	if b[0] != 1 || b[3] != 4 {
		t.Errorf("bytes at 0x%x = %v", addr, b)
	}
	if _, _, err := f.SectionData(".nope"); !errors.Is(err, ErrNoSection) {
		t.Errorf("err = %v, want ErrNoSection", err)
	}
	segs := f.LoadSegments()
	if len(segs) != 2 {
		t.Fatalf("segments = %d, want 2", len(segs))
	}
	if segs[0].Offset != 0 || segs[1].Flags&elf.PF_X == 0 {
		t.Errorf("segments = %+v", segs)
	}
	if f.FileSize() != int64(len(f.Img.Bytes())) {
		t.Errorf("file size = %d", f.FileSize())
	}
}

func TestNewFileRejectsOtherMachine(t *testing.T) {
	data := elftest.Build(sampleSpec())
	data[18] = byte(elf.EM_AARCH64)
	data[19] = 0
	if _, err := NewFile(data); !errors.Is(err, ErrNotX8664) {
		t.Fatalf("err = %v, want ErrNotX8664", err)
	}
}

func TestOpenValid(t *testing.T) {
	path := findSample(t, "hello")
	ef, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer ef.Close()

	if ef.FileSize() == 0 {
		t.Error("file size is 0")
	}
}

func TestOpenRejectsNonELF(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "notelf")
	if err := os.WriteFile(tmp, []byte("not an ELF file at all"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(tmp)
	if !errors.Is(err, ErrNotELF) {
		t.Fatalf("err = %v, want ErrNotELF", err)
	}
}

func TestLibName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"libc.so.6", "c"},
		{"libstdc++.so.6", "stdc++"},
		{"libfoo.so", "foo"},
		{"libomp.so.5", "omp5"},
		{"libbar.a", "bar"},
	}
	for _, tt := range tests {
		if got := LibName(tt.in); got != tt.want {
			t.Errorf("LibName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func FuzzParse(f *testing.F) {
	f.Add(elftest.Build(sampleSpec()))
	f.Add([]byte("\x7fELF\x02\x01\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00"))
	f.Add([]byte("not an elf at all"))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		img, err := Parse(data)
		if err != nil {
			return
		}
		img.VaddrRange()
		img.OffsetRange()
		img.JumpSlots()
		img.RelocSymbols()
		img.SectionData(".rodata")
	})
}
