// Package elfx loads x86-64 ELF executables for reassembly and splicing.
package elfx

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"os"
)

var (
	ErrNotELF     = errors.New("elfx: not an ELF file")
	ErrNotX8664   = errors.New("elfx: not x86-64 (EM_X86_64)")
	ErrNot64Bit   = errors.New("elfx: not 64-bit ELF")
	ErrNotExec    = errors.New("elfx: not an executable or PIE")
	ErrNoSegment  = errors.New("elfx: no PT_LOAD segment covers address")
	ErrNoSection  = errors.New("elfx: section not found")
	ErrTruncated  = errors.New("elfx: record out of bounds")
	ErrMisaligned = errors.New("elfx: address is not a section start")
)

// File is a validated executable: the debug/elf view used to check the
// header, and the record view the rewriter works on.
type File struct {
	ELF *elf.File
	Img *Image
}

// Open reads path and validates it with NewFile.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("elfx: open: %w", err)
	}
	return NewFile(data)
}

// NewFile accepts 64-bit x86-64 executables and PIEs only.
func NewFile(data []byte) (*File, error) {
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
	}
	switch {
	case ef.Class != elf.ELFCLASS64:
		return nil, ErrNot64Bit
	case ef.Machine != elf.EM_X86_64:
		return nil, ErrNotX8664
	case ef.Type != elf.ET_EXEC && ef.Type != elf.ET_DYN:
		return nil, ErrNotExec
	}

	img, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return &File{ELF: ef, Img: img}, nil
}

func (f *File) Close() error { return f.ELF.Close() }

// FileSize returns the size of the image in bytes.
func (f *File) FileSize() int64 { return int64(len(f.Img.raw)) }

func (f *File) Entry() uint64 { return f.Img.Header.Entry }

// SectionData returns the contents and load address of a named section.
// A NOBITS section has no contents.
func (f *File) SectionData(name string) ([]byte, uint64, error) {
	s, ok := f.Img.Section(name)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrNoSection, name)
	}
	if elf.SectionType(s.Hdr.Type) == elf.SHT_NOBITS {
		return nil, s.Hdr.Addr, nil
	}
	return f.Img.SectionData(name), s.Hdr.Addr, nil
}

// SegmentInfo describes a PT_LOAD segment.
type SegmentInfo struct {
	Vaddr  uint64
	Memsz  uint64
	Filesz uint64
	Offset uint64
	Align  uint64
	Flags  elf.ProgFlag
}

// LoadSegments returns the PT_LOAD segments in header order.
func (f *File) LoadSegments() []SegmentInfo {
	var segs []SegmentInfo
	for _, p := range f.Img.Progs {
		if elf.ProgType(p.Type) != elf.PT_LOAD {
			continue
		}
		segs = append(segs, SegmentInfo{
			Vaddr:  p.Vaddr,
			Memsz:  p.Memsz,
			Filesz: p.Filesz,
			Offset: p.Off,
			Align:  p.Align,
			Flags:  elf.ProgFlag(p.Flags),
		})
	}
	return segs
}
