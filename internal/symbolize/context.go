// Package symbolize rewrites the serialized blocks of one function into
// symbolic, assembler-legal lines.
package symbolize

import (
	"fmt"

	"reassem/internal/cfg"
	"reassem/internal/diag"
	"reassem/internal/disasm"
	"reassem/internal/ehframe"
)

// Options controls code generation.
type Options struct {
	Opt    int
	Syntax disasm.Syntax

	// NoGuards disables the multi-candidate table guards. Used by the
	// second pass of rodata mode, where tables stay at their addresses.
	NoGuards bool
}

// FunBrief is what other functions need to know to reference a function.
type FunBrief struct {
	Label    string
	HasENDBR bool
}

// Context is the state shared by all functions of one binary. Functions
// must be run sequentially against it.
type Context struct {
	Options

	Funs   map[uint64]FunBrief
	PLT    map[uint64]string // PLT entry address to "name@PLT"
	Relocs map[uint64]string // relocated slot to symbol name
	CFI    map[uint64]*ehframe.Proc

	// RIPAccess holds the RIP-relative targets of a previous pass. A jump
	// table is cut short at the first entry that is such a target.
	RIPAccess map[uint64]bool

	Counters ehframe.Counters
	Visit    cfg.VisitLog
	Diags    *diag.Diags
}

// NewContext returns an empty context.
func NewContext(opts Options) *Context {
	return &Context{
		Options: opts,
		Funs:    make(map[uint64]FunBrief),
		PLT:     make(map[uint64]string),
		Relocs:  make(map[uint64]string),
		CFI:     make(map[uint64]*ehframe.Proc),
		Visit:   make(cfg.VisitLog),
		Diags:   &diag.Diags{},
	}
}

// Line is one line of output. A line with a label prints only the label;
// a line without code prints only its comment.
type Line struct {
	Addr    uint64 // source instruction, 0 if none
	Label   string
	Code    string
	Comment string
}

func (l Line) String() string {
	switch {
	case l.Label != "":
		return l.Label + ":"
	case l.Code == "":
		return l.Comment
	case l.Comment == "":
		return "\t" + l.Code
	}
	return fmt.Sprintf("\t%-40s %s", l.Code, l.Comment)
}

func code(addr uint64, c string) Line        { return Line{Addr: addr, Code: c} }
func comment(addr uint64, c string) Line     { return Line{Addr: addr, Comment: c} }
func label(addr uint64, l string) Line       { return Line{Addr: addr, Label: l} }
func directive(d string) Line                { return Line{Code: d} }
func codeWith(addr uint64, c, cm string) Line { return Line{Addr: addr, Code: c, Comment: cm} }

const hyphens = "#------------------------"
