// Package reassemble drives the symbolization of a whole binary and writes
// the resulting assembly file.
//
// A Reassembler moves through four stages: functions are labeled, then
// symbolized one at a time in metadata order, and finally written. Each
// operation checks the stage it expects and fails with ErrStage otherwise.
package reassemble

import (
	"debug/elf"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"reassem/internal/cfg"
	"reassem/internal/diag"
	"reassem/internal/disasm"
	"reassem/internal/ehframe"
	"reassem/internal/elfx"
	"reassem/internal/meta"
	"reassem/internal/symbolize"
)

var (
	ErrStage   = errors.New("reassemble: operation out of order")
	ErrNoMain  = errors.New("reassemble: main not found")
	ErrOptions = errors.New("reassemble: invalid options")
)

// Stage is the progress of a Reassembler.
type Stage int

const (
	Unresolved Stage = iota
	Labeled
	Symbolized
	Finalized
)

func (s Stage) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Labeled:
		return "labeled"
	case Symbolized:
		return "symbolized"
	case Finalized:
		return "finalized"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// KindTag classifies a function address.
type KindTag int

const (
	Primary KindTag = iota
	Absorbed
	False
	PLT
)

func (k KindTag) String() string {
	switch k {
	case Primary:
		return "primary"
	case Absorbed:
		return "absorbed"
	case False:
		return "false"
	case PLT:
		return "plt"
	}
	return fmt.Sprintf("KindTag(%d)", int(k))
}

// Kind is the role of a function address. Owner is set for Absorbed and
// names the first function that absorbs it.
type Kind struct {
	Tag   KindTag
	Owner uint64
}

// Options configures a run.
type Options struct {
	Opt         int
	Syntax      disasm.Syntax
	NoEndbr     bool // treat every function as starting with endbr64
	Rodata      bool // copy .rodata and place jump tables inside it
	ASan        bool
	StackPoison bool
	AsanInfo    meta.AsanInfo
}

// Stats are the totals over all symbolized functions.
type Stats struct {
	Blocks       int
	Overlapped   int
	BrSites      int
	MultiBrSites int
}

// Reassembler symbolizes every function of one binary.
type Reassembler struct {
	opts Options
	img  *elfx.Image
	md   *meta.Metadata

	stage Stage
	ctx   *symbolize.Context

	ids       map[uint64]int
	order     []uint64 // functions to symbolize, metadata order
	kinds     map[uint64]Kind
	falseFuns []uint64
	funs      map[uint64]*symbolize.Function
	referred  map[uint64][]uint64
	main      string
	stats     Stats
	ripAccess map[uint64]bool
	noGuards  bool
}

// New prepares a run over img with metadata md. The CFI of img is decoded
// up front.
func New(img *elfx.Image, md *meta.Metadata, opts Options) (*Reassembler, error) {
	if opts.ASan && opts.Syntax != disasm.Intel {
		return nil, fmt.Errorf("%w: ASan instrumentation needs Intel syntax", ErrOptions)
	}
	r := &Reassembler{
		opts:     opts,
		img:      img,
		md:       md,
		ids:      make(map[uint64]int),
		kinds:    make(map[uint64]Kind),
		funs:     make(map[uint64]*symbolize.Function),
		referred: make(map[uint64][]uint64),
	}
	r.ctx = symbolize.NewContext(symbolize.Options{Opt: opts.Opt, Syntax: opts.Syntax})
	r.ctx.Relocs = img.RelocSymbols()

	if eh, ok := img.Section(".eh_frame"); ok {
		var except []byte
		var exceptAddr uint64
		if s, ok := img.Section(".gcc_except_table"); ok {
			except, exceptAddr = img.SectionData(s.Name), s.Hdr.Addr
		}
		procs, err := ehframe.Table(img.SectionData(eh.Name), eh.Hdr.Addr, except, exceptAddr, r.ctx.Diags)
		if err != nil {
			return nil, fmt.Errorf("reassemble: eh_frame: %w", err)
		}
		r.ctx.CFI = procs
	}
	return r, nil
}

// Run labels and symbolizes the binary. In rodata mode it makes a first
// pass to learn which addresses are accessed RIP-relative, then a second
// pass without guards whose jump tables stop at those addresses.
func Run(img *elfx.Image, md *meta.Metadata, opts Options) (*Reassembler, error) {
	if !opts.Rodata {
		return run(img, md, opts, nil)
	}
	first, err := run(img, md, opts, nil)
	if err != nil {
		return nil, err
	}
	return run(img, md, opts, first.RIPTargets())
}

func run(img *elfx.Image, md *meta.Metadata, opts Options, access map[uint64]bool) (*Reassembler, error) {
	r, err := New(img, md, opts)
	if err != nil {
		return nil, err
	}
	if access != nil {
		r.ripAccess = access
		r.noGuards = true
	}
	if err := r.Label(); err != nil {
		return nil, err
	}
	if err := r.Symbolize(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reassembler) expect(s Stage) error {
	if r.stage != s {
		return fmt.Errorf("%w: stage is %s, want %s", ErrStage, r.stage, s)
	}
	return nil
}

// Stage returns the current stage.
func (r *Reassembler) Stage() Stage { return r.stage }

// Diags returns the diagnostics collected so far.
func (r *Reassembler) Diags() *diag.Diags { return r.ctx.Diags }

// Kind returns the role of the function at addr.
func (r *Reassembler) Kind(addr uint64) (Kind, bool) {
	k, ok := r.kinds[addr]
	return k, ok
}

// Label assigns ids and labels to every function, resolves PLT stubs and
// registers the false functions.
func (r *Reassembler) Label() error {
	if err := r.expect(Unresolved); err != nil {
		return err
	}
	plt := r.pltStubs()

	for id, a := range r.md.FunDict.Keys {
		addr := uint64(a)
		r.ids[addr] = id
		fn := r.md.FunDict.Items[a]
		endbr := r.opts.NoEndbr
		if b := fn.Entry(a); b != nil && len(b.Code) > 0 && b.Code[0].Disassem == "endbr64" {
			endbr = true
		}
		r.ctx.Funs[addr] = symbolize.FunBrief{Label: fmt.Sprintf("fun_%d_%x", id, addr), HasENDBR: endbr}

		k := Kind{Tag: Primary}
		if len(fn.AbsorbingFun) > 0 {
			k = Kind{Tag: Absorbed, Owner: uint64(fn.AbsorbingFun[0])}
		}
		r.kinds[addr] = k
	}

	for addr, name := range plt {
		r.ctx.PLT[addr] = name
		r.ctx.Funs[addr] = symbolize.FunBrief{Label: name, HasENDBR: true}
		r.kinds[addr] = Kind{Tag: PLT}
	}
	for _, a := range r.md.FunDict.Keys {
		if _, ok := plt[uint64(a)]; !ok {
			r.order = append(r.order, uint64(a))
		}
	}

	for _, a := range r.md.FalseFunList {
		addr := uint64(a)
		r.falseFuns = append(r.falseFuns, addr)
		if _, ok := r.ctx.Funs[addr]; ok {
			continue
		}
		r.ctx.Funs[addr] = symbolize.FunBrief{Label: FalseLabel(addr)}
		r.kinds[addr] = Kind{Tag: False}
	}

	r.stage = Labeled
	return nil
}

// FalseLabel names a false function. Addresses at or above 2^32 are taken
// as negative.
func FalseLabel(addr uint64) string {
	if addr >= 1<<32 {
		return fmt.Sprintf("false_fun_minus_%x", -addr)
	}
	return fmt.Sprintf("false_fun_%x", addr)
}

// pltStubs returns the PLT entries of the metadata plus the functions inside
// a PLT section whose entry block jumps through a JUMP_SLOT.
func (r *Reassembler) pltStubs() map[uint64]string {
	out := make(map[uint64]string)
	for _, a := range r.md.PLTDict.Keys {
		out[uint64(a)] = r.md.PLTDict.Items[a] + "@PLT"
	}
	slots := r.img.JumpSlots()
	for _, a := range r.md.FunDict.Keys {
		addr := uint64(a)
		if _, ok := out[addr]; ok || !r.img.InPLT(addr) {
			continue
		}
		b := r.md.FunDict.Items[a].Entry(a)
		if b == nil {
			continue
		}
		if name, ok := slots[r.pltTarget(b)]; ok {
			out[addr] = name + "@PLT"
		}
	}
	return out
}

func (r *Reassembler) pltTarget(b *meta.BasicBlock) uint64 {
	for i := range b.Code {
		in := &b.Code[i]
		if !in.IsBranch || in.Opcode() != "jmp" && in.Opcode() != "jmpq" {
			continue
		}
		if t, ok := cfg.RIPTarget(in, 0, r.opts.Syntax); ok {
			return t
		}
	}
	return 0
}

// Symbolize runs the local symbolizer over every function in metadata order
// and finds main.
func (r *Reassembler) Symbolize() error {
	if err := r.expect(Labeled); err != nil {
		return err
	}
	r.ctx.NoGuards = r.noGuards
	r.ctx.RIPAccess = r.ripAccess

	for _, addr := range r.order {
		fn := r.md.FunDict.Items[meta.Addr(addr)]
		f := symbolize.NewFunction(addr, r.ids[addr], r.ctx.Funs[addr].Label, fn)
		f.Run(r.ctx)
		r.funs[addr] = f

		r.stats.Blocks += f.Stats.Blocks
		r.stats.Overlapped += f.Stats.Overlapped
		r.stats.BrSites += f.Stats.BrSites
		r.stats.MultiBrSites += f.Stats.MultiBrSites

		referred := make([]uint64, 0, len(f.Referred))
		for t := range f.Referred {
			referred = append(referred, t)
		}
		slices.Sort(referred)
		for _, t := range referred {
			r.referred[t] = append(r.referred[t], addr)
		}
	}

	main, err := r.searchMain()
	if err != nil {
		return err
	}
	r.main = main
	r.stage = Symbolized
	return nil
}

var (
	intelMain = regexp.MustCompile(`\[RIP\+(.*)\]`)
	attMain   = regexp.MustCompile(` (.*)\(%RIP\)`)
)

// searchMain takes the label loaded by the last lea of the entry function,
// the argument _start passes to __libc_start_main.
func (r *Reassembler) searchMain() (string, error) {
	entry := r.img.Header.Entry
	f, ok := r.funs[entry]
	if !ok {
		return "", fmt.Errorf("%w: no function at entry 0x%x", ErrNoMain, entry)
	}
	lines := f.Code[entry]
	for i := len(lines) - 1; i >= 0; i-- {
		c := lines[i].Code
		op, re := "lea ", intelMain
		if r.opts.Syntax == disasm.ATT {
			op, re = "leaq ", attMain
		}
		if !strings.HasPrefix(c, op) {
			continue
		}
		if m := re.FindStringSubmatch(c); m != nil {
			return m[1], nil
		}
	}
	return "", fmt.Errorf("%w: entry 0x%x loads no address", ErrNoMain, entry)
}

// Main returns the label that becomes main.
func (r *Reassembler) Main() string { return r.main }

// Function returns the symbolized function at addr.
func (r *Reassembler) Function(addr uint64) (*symbolize.Function, bool) {
	f, ok := r.funs[addr]
	return f, ok
}

// Functions returns the symbolized functions in metadata order.
func (r *Reassembler) Functions() []*symbolize.Function {
	out := make([]*symbolize.Function, 0, len(r.order))
	for _, a := range r.order {
		if f, ok := r.funs[a]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Labels resolves function, PLT stub and false function addresses to their
// labels.
func (r *Reassembler) Labels() disasm.SymbolLookup {
	return func(addr uint64) (string, bool) {
		b, ok := r.ctx.Funs[addr]
		return b.Label, ok
	}
}

// Stats returns the totals over all functions.
func (r *Reassembler) Stats() Stats { return r.stats }

// RIPTargets returns every RIP-relative target of the symbolized code.
func (r *Reassembler) RIPTargets() map[uint64]bool {
	out := make(map[uint64]bool)
	for _, f := range r.funs {
		for _, t := range f.RIPTargets {
			out[t] = true
		}
	}
	return out
}

// initFini returns the init and fini array entries of the image.
func (r *Reassembler) initFini() (init, fini map[uint64]bool) {
	init = make(map[uint64]bool, len(r.img.InitArray))
	for _, a := range r.img.InitArray {
		init[a] = true
	}
	fini = make(map[uint64]bool, len(r.img.FiniArray))
	for _, a := range r.img.FiniArray {
		fini[a] = true
	}
	return init, fini
}

// rodata returns the original .rodata contents and address.
func (r *Reassembler) rodata() ([]byte, uint64, error) {
	s, ok := r.img.Section(".rodata")
	if !ok || elf.SectionType(s.Hdr.Type) == elf.SHT_NOBITS {
		return nil, 0, fmt.Errorf("reassemble: rodata mode: %w", elfx.ErrNoSection)
	}
	return r.img.SectionData(s.Name), s.Hdr.Addr, nil
}
