package symbolize

import (
	"fmt"
	"slices"
	"strings"
)

// Labels is the label table of one function. Every address maps to at most
// one label and the label text depends only on the function id and the
// address.
type Labels struct {
	id      int
	local   map[uint64]string
	visited map[uint64]bool
	jt      map[uint64]string
	data    map[string]bool
}

func NewLabels(id int) *Labels {
	return &Labels{
		id:      id,
		local:   make(map[uint64]string),
		visited: make(map[uint64]bool),
		jt:      make(map[uint64]string),
		data:    make(map[string]bool),
	}
}

// Local returns the local label at addr, or "" when there is none. A found
// label is marked visited.
func (l *Labels) Local(addr uint64) string {
	s, ok := l.local[addr]
	if ok {
		l.visited[addr] = true
	}
	return s
}

// Has reports whether addr has a local label, without visiting it.
func (l *Labels) Has(addr uint64) bool {
	_, ok := l.local[addr]
	return ok
}

func (l *Labels) Visited(addr uint64) bool { return l.visited[addr] }

// Block labels a block start.
func (l *Labels) Block(addr uint64) {
	l.local[addr] = fmt.Sprintf(".L%d_%x", l.id, addr)
}

// End labels the end of an FDE range.
func (l *Labels) End(addr uint64) {
	l.local[addr] = fmt.Sprintf(".L%d_%x_end", l.id, addr)
}

// False labels a block that must never execute.
func (l *Labels) False(addr uint64) {
	l.local[addr] = falseLabel(l.id, addr)
}

// NewFalse labels addr as false unless it already has a label. It reports
// whether a label was created.
func (l *Labels) NewFalse(addr uint64) bool {
	if _, ok := l.local[addr]; ok {
		return false
	}
	l.False(addr)
	return true
}

func falseLabel(id int, addr uint64) string {
	return fmt.Sprintf(".LfalseBBL_%d_%x", id, addr&0xffffffff)
}

// IsFalse reports whether s is a false-block label.
func IsFalse(s string) bool { return strings.HasPrefix(s, ".LfalseBBL") }

// JumpTable returns the label of the table at addr.
func (l *Labels) JumpTable(addr uint64) string {
	s, ok := l.jt[addr]
	if !ok {
		s = fmt.Sprintf(".Ljt_%d_%x", l.id, addr)
		l.jt[addr] = s
	}
	return s
}

// Inst returns the n-th label of the instrumentation at addr.
func (l *Labels) Inst(addr uint64, n int) string {
	return fmt.Sprintf(".L%d_%x_inst_%d", l.id, addr, n)
}

// InstEnd returns the label after the instrumentation at addr.
func (l *Labels) InstEnd(addr uint64) string {
	return fmt.Sprintf(".L%d_%x_inst_end", l.id, addr)
}

// Data returns the label of an absolute data address and records it.
func (l *Labels) Data(addr int64) string {
	s := DataLabel(addr)
	l.data[s] = true
	return s
}

// DataLabels returns the recorded data labels in sorted order.
func (l *Labels) DataLabels() []string {
	out := make([]string, 0, len(l.data))
	for s := range l.data {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// DataLabel names an absolute address.
func DataLabel(addr int64) string {
	if addr >= 0 {
		return fmt.Sprintf(".Ldata_%x", addr)
	}
	return fmt.Sprintf(".Ldata_minus_%x", -addr)
}
