package reassemble

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"strings"
	"testing"

	"reassem/internal/disasm"
	"reassem/internal/elfx"
	"reassem/internal/elfx/elftest"
	"reassem/internal/meta"
)

const slot = 0x404018

type fixture struct {
	img *elfx.Image
	md  *meta.Metadata

	start, main, plt, sw, x, y, ro uint64
}

func rel(from, to uint64) string {
	if to >= from {
		return fmt.Sprintf("+0x%x", to-from)
	}
	return fmt.Sprintf("-0x%x", from-to)
}

func inst(addr uint64, n int, text string) meta.Instruction {
	return meta.Instruction{Addr: meta.Addr(addr), Length: n, Disassem: text}
}

func branch(addr uint64, n int, text string) meta.Instruction {
	in := inst(addr, n, text)
	in.IsBranch = true
	return in
}

func block(size uint64, edges []meta.Edge, code ...meta.Instruction) *meta.BasicBlock {
	return &meta.BasicBlock{Size: size, Edges: edges, Code: code}
}

func edge(from, to uint64, t meta.EdgeType, kind string) meta.Edge {
	return meta.Edge{From: meta.Addr(from), To: meta.Addr(to), Type: t, Kind: kind}
}

// newFixture builds a small program: _start loads main, main calls puts
// through a PLT stub the metadata does not name, a switch dispatches
// through a table in .rodata, and one function is absorbed by another.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	rodata := make([]byte, 12)
	copy(rodata[8:], []byte{0xef, 0xbe, 0xad, 0xde})
	img, err := elfx.Parse(elftest.Build(elftest.Spec{
		Base:    0x400000,
		Needed:  []string{"libc.so.6"},
		Symbols: []elftest.Symbol{{Name: "puts", Lib: "libc.so.6", Version: "GLIBC_2.2.5"}},
		RelaPlt: []elf.Rela64{{Off: slot, Info: elf.R_INFO(1, uint32(elf.R_X86_64_JMP_SLOT))}},
		Text:    bytes.Repeat([]byte{0x90}, 0x100),
		Rodata:  rodata,
	}))
	if err != nil {
		t.Fatal(err)
	}
	text, _ := img.Section(".text")
	plt, _ := img.Section(".plt")
	ro, _ := img.Section(".rodata")

	fx := &fixture{img: img, md: &meta.Metadata{}}
	fx.start = text.Hdr.Addr
	fx.main = fx.start + 0x20
	fx.sw = fx.start + 0x40
	fx.x = fx.start + 0x80
	fx.y = fx.start + 0xa0
	fx.plt = plt.Hdr.Addr + 16
	fx.ro = ro.Hdr.Addr
	img.Header.Entry = fx.start
	img.InitArray = []uint64{fx.main}

	add := func(addr uint64, fn *meta.Function) { fx.md.FunDict.Set(meta.Addr(addr), fn) }

	start := &meta.Function{}
	lea := inst(fx.start+4, 7, "lea RDI, [RIP+0x"+fmt.Sprintf("%x", fx.main-(fx.start+11))+"]")
	lea.RIPAddressing = []bool{false, true}
	start.BBLs.Set(meta.Addr(fx.start), block(12, nil,
		inst(fx.start, 4, "endbr64"), lea, inst(fx.start+11, 1, "hlt")))
	add(fx.start, start)

	main := &meta.Function{}
	main.BBLs.Set(meta.Addr(fx.main), block(10,
		[]meta.Edge{edge(fx.main+4, fx.plt, meta.CallEdge, "CallEdge")},
		inst(fx.main, 4, "endbr64"),
		branch(fx.main+4, 5, "call "+rel(fx.main+4, fx.plt)),
		branch(fx.main+9, 1, "ret")))
	add(fx.main, main)

	stub := &meta.Function{}
	stub.BBLs.Set(meta.Addr(fx.plt), block(6, nil,
		branch(fx.plt, 6, fmt.Sprintf("jmp qword ptr [RIP+0x%x]", slot-(fx.plt+6)))))
	add(fx.plt, stub)

	add(fx.sw, fx.switchFunction())

	x := &meta.Function{AbsorbingFun: []meta.Addr{meta.Addr(fx.y)}}
	x.BBLs.Set(meta.Addr(fx.x), block(2, nil, inst(fx.x, 1, "nop"), branch(fx.x+1, 1, "ret")))
	add(fx.x, x)

	y := &meta.Function{FDERanges: []meta.FDERange{
		{Start: meta.Addr(fx.y), End: meta.Addr(fx.y + 2)},
		{Start: meta.Addr(fx.x), End: meta.Addr(fx.x + 2)},
	}}
	y.BBLs.Set(meta.Addr(fx.y), block(2,
		[]meta.Edge{edge(fx.y, fx.x, meta.EdgeUnknown, "InterJmpEdge")},
		branch(fx.y, 2, "jmp "+rel(fx.y, fx.x))))
	y.BBLs.Set(meta.Addr(fx.x), block(2, nil, inst(fx.x, 1, "nop"), branch(fx.x+1, 1, "ret")))
	add(fx.y, y)

	fx.md.FalseFunList = []meta.Addr{0x500000, 0xffffffffffffff00}
	return fx
}

func (fx *fixture) switchFunction() *meta.Function {
	s := fx.sw
	fn := &meta.Function{}
	lea := inst(s, 7, fmt.Sprintf("lea RDX, [RIP+0x%x]", fx.ro-(s+7)))
	lea.RIPAddressing = []bool{false, true}
	fn.BBLs.Set(meta.Addr(s), block(0x10,
		[]meta.Edge{
			edge(s+0xe, s+0x10, meta.IndirectEdge, "IndirectEdge"),
			edge(s+0xe, s+0x20, meta.IndirectEdge, "IndirectEdge"),
		},
		lea,
		inst(s+7, 4, "movsxd RAX, dword ptr [RDX+RDI*4]"),
		inst(s+0xb, 3, "add RAX, RDX"),
		branch(s+0xe, 2, "jmp RAX")))
	fn.BBLs.Set(meta.Addr(s+0x10), block(1, nil, branch(s+0x10, 1, "ret")))
	fn.BBLs.Set(meta.Addr(s+0x20), block(1, nil, branch(s+0x20, 1, "ret")))
	fn.JmpInfo.Set(meta.Addr(s+0xe), []meta.Pattern{{
		JmpSite:    meta.Site{Addr: meta.Addr(s + 0xe)},
		AddSite:    meta.Site{Addr: meta.Addr(s + 0xb)},
		MemAccSite: meta.Site{Addr: meta.Addr(s + 7)},
		TblRefSite: []meta.TblRef{{SiteInfo: meta.SiteInfo{Addr: meta.Addr(s), Regs: []string{"RDX"}}}},
		TblAddr:    meta.Addr(fx.ro),
	}})
	fn.JmpTables = []meta.JumpTable{{
		JmpSite:  meta.Addr(s + 0xe),
		BaseAddr: meta.Addr(fx.ro),
		Size:     2,
		Entries:  []meta.Addr{meta.Addr(s + 0x10), meta.Addr(s + 0x20)},
	}}
	return fn
}

func (fx *fixture) write(t *testing.T, opts Options) (*Reassembler, string) {
	t.Helper()
	r, err := Run(fx.img, fx.md, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var buf bytes.Buffer
	if err := r.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return r, buf.String()
}

func TestWrite(t *testing.T) {
	fx := newFixture(t)
	r, out := fx.write(t, Options{Opt: 3})

	mainLabel := fmt.Sprintf("fun_1_%x", fx.main)
	if r.Main() != mainLabel {
		t.Errorf("Main() = %q, want %q", r.Main(), mainLabel)
	}
	if !strings.HasPrefix(out, ".intel_syntax noprefix\n") {
		t.Error("missing syntax header")
	}
	for _, want := range []string{
		"lea RDI, [RIP+" + mainLabel + "]",
		"\t.globl main\n\t.type main, @function\n\t.align 8\nmain:\n",
		"call puts@PLT",
		"\t.size main, .-main\n",
		"\t.section .init_array, \"aw\"\n\t.align 8\n\t.quad " + mainLabel + "\n",
		fmt.Sprintf("# 0x%x is refered by 1 function(s) :[0x%x]", fx.main, fx.start),
		fmt.Sprintf("lea RDX, [RIP+.Ljt_3_%x]", fx.ro),
		fmt.Sprintf("\t.section .rodata\n.align 4\n.Ljt_3_%x:", fx.ro),
		fmt.Sprintf(".long .L3_%x - .Ljt_3_%x", fx.sw+0x20, fx.ro),
		"false_fun_500000:\nfalse_fun_minus_100:\n\tcall abort@PLT\n",
		"#    the definition of data labels",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q", want)
		}
	}
	if strings.Contains(out, fmt.Sprintf("fun_2_%x:", fx.plt)) {
		t.Error("PLT stub emitted as a function")
	}
	if strings.Contains(out, "asan.module_ctor") {
		t.Error("ASan constructor without ASan")
	}
	if r.Stage() != Finalized {
		t.Errorf("stage = %s, want finalized", r.Stage())
	}
}

func TestWriteAbsorbedPart(t *testing.T) {
	fx := newFixture(t)
	_, out := fx.write(t, Options{Opt: 3})

	part := fmt.Sprintf("fun_5_%x.part.0", fx.y)
	own := strings.Index(out, fmt.Sprintf("fun_4_%x:", fx.x))
	header := strings.Index(out, fmt.Sprintf("# 0x%x absorbs 0x%x ", fx.y, fx.x))
	label := strings.Index(out, part+":")
	if own < 0 || header < own || label < header {
		t.Fatalf("function %d, absorb header %d, part label %d", own, header, label)
	}
	if !strings.Contains(out, "\t.size "+part+", .-"+part) {
		t.Error("part size missing")
	}
	if !strings.Contains(out, fmt.Sprintf("# 0x%x has part blocks which are located at [0x%x]", fx.y, fx.x)) {
		t.Error("part location comment missing")
	}
	if strings.Count(out, part+":") != 1 {
		t.Error("part emitted more than once")
	}
}

func TestKinds(t *testing.T) {
	fx := newFixture(t)
	r, err := Run(fx.img, fx.md, Options{Opt: 3})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		addr uint64
		want Kind
	}{
		{fx.main, Kind{Tag: Primary}},
		{fx.plt, Kind{Tag: PLT}},
		{fx.x, Kind{Tag: Absorbed, Owner: fx.y}},
		{0x500000, Kind{Tag: False}},
	}
	for _, tt := range tests {
		if got, ok := r.Kind(tt.addr); !ok || got != tt.want {
			t.Errorf("Kind(0x%x) = %+v, %v, want %+v", tt.addr, got, ok, tt.want)
		}
	}
	if _, ok := r.Function(fx.plt); ok {
		t.Error("PLT stub symbolized")
	}
	if s := Absorbed.String(); s != "absorbed" {
		t.Errorf("Absorbed.String() = %q", s)
	}
}

func TestFunctionsAndLabels(t *testing.T) {
	fx := newFixture(t)
	r, err := Run(fx.img, fx.md, Options{Opt: 3})
	if err != nil {
		t.Fatal(err)
	}
	var got []uint64
	for _, f := range r.Functions() {
		got = append(got, f.Addr)
	}
	want := []uint64{fx.start, fx.main, fx.sw, fx.x, fx.y}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Functions = %x, want %x", got, want)
	}

	labels := r.Labels()
	if l, ok := labels(fx.main); !ok || l != fmt.Sprintf("fun_1_%x", fx.main) || l != r.Main() {
		t.Errorf("label of main = %q, %v (Main %q)", l, ok, r.Main())
	}
	if l, _ := labels(fx.plt); l != "puts@PLT" {
		t.Errorf("label of stub = %q, want puts@PLT", l)
	}
	if l, _ := labels(0x500000); l != "false_fun_500000" {
		t.Errorf("label of false function = %q", l)
	}
	if _, ok := labels(fx.main + 4); ok {
		t.Error("label inside a function")
	}
}

func TestRodataMode(t *testing.T) {
	fx := newFixture(t)
	_, out := fx.write(t, Options{Opt: 3, Rodata: true})

	sec := strings.Index(out, ".section .my_rodata, \"a\", @progbits\n")
	if sec < 0 {
		t.Fatal("rodata copy missing")
	}
	copyPart := out[sec:]
	if !strings.HasPrefix(copyPart[strings.Index(copyPart, "\n")+1:], fmt.Sprintf(".Ljt_3_%x:", fx.ro)) {
		t.Errorf("table not placed at the start of .rodata:\n%s", copyPart)
	}
	if n := strings.Count(copyPart, " \t.long "); n != 1 {
		t.Errorf("copied words = %d, want 1:\n%s", n, copyPart)
	}
	if !strings.Contains(copyPart, " \t.long 0xdeadbeef") {
		t.Errorf("trailing word not copied:\n%s", copyPart)
	}
	if strings.Contains(out, "\t.section .rodata\n") {
		t.Error("tables also emitted into .rodata")
	}
}

func TestASan(t *testing.T) {
	fx := newFixture(t)
	info := meta.AsanInfo{
		meta.Addr(fx.sw): {meta.Addr(fx.sw + 7): {Addr: meta.Addr(fx.sw + 7), MemAccSize: []int{0, 32}}},
	}
	_, out := fx.write(t, Options{Opt: 3, ASan: true, AsanInfo: info})

	for _, want := range []string{
		"\tlea rdi, [RDX+RDI*4]\n",
		"\tcall __asan_report_load4@plt\n",
		"asan.module_ctor:\n\tpush rax\n\tcall __asan_init@PLT\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q", want)
		}
	}
}

func TestASanNeedsIntel(t *testing.T) {
	fx := newFixture(t)
	if _, err := New(fx.img, fx.md, Options{ASan: true, Syntax: disasm.ATT}); !errors.Is(err, ErrOptions) {
		t.Fatalf("err = %v, want ErrOptions", err)
	}
}

func TestStages(t *testing.T) {
	fx := newFixture(t)
	r, err := New(fx.img, fx.md, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Symbolize(); !errors.Is(err, ErrStage) {
		t.Errorf("Symbolize before Label: %v", err)
	}
	if err := r.Write(&bytes.Buffer{}); !errors.Is(err, ErrStage) {
		t.Errorf("Write before Symbolize: %v", err)
	}
	if err := r.Label(); err != nil {
		t.Fatal(err)
	}
	if err := r.Label(); !errors.Is(err, ErrStage) {
		t.Errorf("second Label: %v", err)
	}
	if err := r.WriteStats(&bytes.Buffer{}); !errors.Is(err, ErrStage) {
		t.Errorf("WriteStats before Symbolize: %v", err)
	}
}

func TestNoMain(t *testing.T) {
	for _, entry := range []uint64{0x1234, 0} {
		fx := newFixture(t)
		if entry == 0 {
			entry = fx.x
		}
		fx.img.Header.Entry = entry
		if _, err := Run(fx.img, fx.md, Options{Opt: 3}); !errors.Is(err, ErrNoMain) {
			t.Errorf("entry 0x%x: err = %v, want ErrNoMain", entry, err)
		}
	}
}

func TestWriteStats(t *testing.T) {
	fx := newFixture(t)
	r, err := Run(fx.img, fx.md, Options{Opt: 3})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := r.WriteStats(&buf); err != nil {
		t.Fatal(err)
	}
	want := "# [*] Overlapped BBLs 0/8 \n# [*] Indirect Branch Sites 0 (0)\n"
	if buf.String() != want {
		t.Errorf("stats = %q, want %q", buf.String(), want)
	}
}

func TestFalseLabel(t *testing.T) {
	tests := []struct {
		addr uint64
		want string
	}{
		{0x401000, "false_fun_401000"},
		{0xffffffff, "false_fun_ffffffff"},
		{0xfffffffffffff000, "false_fun_minus_1000"},
	}
	for _, tt := range tests {
		if got := FalseLabel(tt.addr); got != tt.want {
			t.Errorf("FalseLabel(0x%x) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}
