package symbolize

import (
	"testing"

	"reassem/internal/meta"
)

func asanFunction(code ...meta.Instruction) *Function {
	fn := &meta.Function{}
	fn.BBLs.Set(code[0].Addr, &meta.BasicBlock{Size: 0x30, Code: code})
	return NewFunction(0x401000, 0, "fun_0_401000", fn)
}

func own(in meta.Instruction) Line {
	return codeWith(uint64(in.Addr), in.Disassem, "# "+in.Addr.String()+" ")
}

func TestSanitizeStoreFromDecoding(t *testing.T) {
	in := inst(0x401000, 4, "mov qword ptr [RBX+0x8], RAX", "48894308")
	f := asanFunction(in)
	out := f.Sanitize([]Line{own(in)}, nil, false)

	if indexCode(out, "lea rdi, [RBX+0x8]") < 0 {
		t.Fatalf("address load missing:\n%s", dump(out))
	}
	if indexCode(out, "call __asan_report_store8@plt") < 0 {
		t.Errorf("store report missing:\n%s", dump(out))
	}
	if indexCode(out, "and edi, 0x7") >= 0 {
		t.Errorf("8-byte access checks the low bits:\n%s", dump(out))
	}
	pass := indexLabel(out, ".LC_ASAN_401000_401000")
	if pass < 0 || out[len(out)-1].Code != in.Disassem {
		t.Errorf("check not placed before the access:\n%s", dump(out))
	}
}

func TestSanitizeLoadFromMetadata(t *testing.T) {
	in := inst(0x401000, 4, "mov RAX, qword ptr [RBX+0x8]", "488b4308")
	f := asanFunction(in)
	info := map[meta.Addr]meta.AccessInfo{0x401000: {Addr: 0x401000, MemAccSize: []int{0, 32}}}
	out := f.Sanitize([]Line{own(in)}, info, false)

	for _, want := range []string{"add edi, 3", "cmp edi, eax", "call __asan_report_load4@plt"} {
		if indexCode(out, want) < 0 {
			t.Errorf("%q missing:\n%s", want, dump(out))
		}
	}
}

func TestSanitizeSkipsStackAndRIP(t *testing.T) {
	for _, in := range []meta.Instruction{
		inst(0x401000, 5, "mov qword ptr [RSP+0x8], RAX", "4889442408"),
		inst(0x401000, 7, "mov RAX, qword ptr [RIP+.Ldata_404000]", "488b05f92f0000"),
	} {
		f := asanFunction(in)
		if out := f.Sanitize([]Line{own(in)}, nil, false); len(out) != 1 {
			t.Errorf("%s instrumented:\n%s", in.Disassem, dump(out))
		}
	}
}

func TestSanitizeIgnoresHelperLines(t *testing.T) {
	in := inst(0x401000, 4, "mov qword ptr [RBX+0x8], RAX", "48894308")
	f := asanFunction(in)
	helper := code(0x401000, in.Disassem)
	if out := f.Sanitize([]Line{helper, label(0, ".L0_401004")}, nil, false); len(out) != 2 {
		t.Errorf("helper line instrumented:\n%s", dump(out))
	}
}

func TestStackPoison(t *testing.T) {
	code := []meta.Instruction{
		inst(0x401000, 9, "mov RAX, qword ptr FS:[0x28]", "64488b042528000000"),
		inst(0x401009, 4, "mov qword ptr [RBP-0x8], RAX", "488945f8"),
		inst(0x401020, 4, "mov RDX, qword ptr [RBP-0x8]", "488b55f8"),
		inst(0x401024, 9, "sub RDX, qword ptr FS:[0x28]", "64482b142528000000"),
	}
	f := asanFunction(code...)
	var lines []Line
	for _, in := range code {
		lines = append(lines, own(in))
	}
	out := f.Sanitize(lines, nil, true)

	poison := indexCode(out, "mov BYTE PTR [RAX+0x7fff8000], 0xff")
	canary := indexCode(out, code[0].Disassem)
	if poison < 0 || canary < poison {
		t.Fatalf("poison %d, canary load %d:\n%s", poison, canary, dump(out))
	}
	if indexCode(out, "lea RAX, qword ptr [RBP-0x8]") < 0 {
		t.Errorf("poison address missing:\n%s", dump(out))
	}
	unpoison := indexCode(out, "mov BYTE PTR [RDX+0x7fff8000], 0x0")
	reload := indexCode(out, code[2].Disassem)
	if unpoison < 0 || reload < unpoison {
		t.Errorf("unpoison %d, reload %d:\n%s", unpoison, reload, dump(out))
	}
	if n := len(out) - len(lines); n != 10 {
		t.Errorf("inserted %d lines, want 10:\n%s", n, dump(out))
	}
}

func TestCheckable(t *testing.T) {
	tests := []struct {
		operand string
		want    string
		ok      bool
	}{
		{"mov qword ptr [RBX+0x8]", "[RBX+0x8]", true},
		{" byte ptr [RAX+RCX*1]", "[RAX+RCX*1]", true},
		{" qword ptr [RBP-0x18]", "", false},
		{" qword ptr FS:[RAX]", "", false},
		{" dword ptr [0x7fffffffffff]", "", false},
		{" RAX", "", false},
	}
	for _, tt := range tests {
		got, ok := checkable(tt.operand)
		if got != tt.want || ok != tt.ok {
			t.Errorf("checkable(%q) = %q, %v, want %q, %v", tt.operand, got, ok, tt.want, tt.ok)
		}
	}
}
