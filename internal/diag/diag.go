// Package diag collects recoverable issues found while rewriting a binary.
package diag

import (
	"fmt"
	"sort"
)

// Kind classifies a diagnostic message.
type Kind string

const (
	KindUnsupported     Kind = "unsupported_instruction"
	KindAmbiguousBranch Kind = "ambiguous_branch"
	KindMissingLabel    Kind = "missing_label"
	KindDroppedBlock    Kind = "dropped_block"
	KindIncompleteEH    Kind = "incomplete_eh"
	KindTruncatedTable  Kind = "truncated_table"
	KindMalformedCFI    Kind = "malformed_cfi"
)

// Diag records a non-fatal issue attached to a code address.
type Diag struct {
	Addr uint64 `json:"addr"`
	Kind Kind   `json:"kind"`
	Msg  string `json:"msg"`
}

func (d Diag) String() string {
	return fmt.Sprintf("[%s] 0x%x: %s", d.Kind, d.Addr, d.Msg)
}

// Diags accumulates diagnostics. The zero value is ready to use.
type Diags struct {
	items []Diag
}

func (d *Diags) Add(addr uint64, kind Kind, msg string) {
	d.items = append(d.items, Diag{Addr: addr, Kind: kind, Msg: msg})
}

func (d *Diags) Addf(addr uint64, kind Kind, format string, args ...any) {
	d.items = append(d.items, Diag{Addr: addr, Kind: kind, Msg: fmt.Sprintf(format, args...)})
}

// Merge appends all diagnostics of o.
func (d *Diags) Merge(o *Diags) {
	if o == nil {
		return
	}
	d.items = append(d.items, o.items...)
}

func (d *Diags) Items() []Diag { return d.items }
func (d *Diags) Len() int      { return len(d.items) }

// Count returns the number of diagnostics of the given kind.
func (d *Diags) Count(kind Kind) int {
	n := 0
	for _, it := range d.items {
		if it.Kind == kind {
			n++
		}
	}
	return n
}

// Summary returns per-kind counts in stable order.
func (d *Diags) Summary() []KindCount {
	m := make(map[Kind]int)
	for _, it := range d.items {
		m[it.Kind]++
	}
	out := make([]KindCount, 0, len(m))
	for k, n := range m {
		out = append(out, KindCount{Kind: k, N: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// KindCount pairs a kind with its number of occurrences.
type KindCount struct {
	Kind Kind `json:"kind"`
	N    int  `json:"n"`
}
