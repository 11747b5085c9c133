package ehframe

import (
	"fmt"
	"sort"

	"reassem/internal/diag"
)

// Proc is the unwind information of one FDE.
type Proc struct {
	Start, End  uint64
	Directives  *Directives
	LSDA        *LSDA
	Personality uint64 // personality pointer slot, valid when LSDA != nil
}

// Table decodes .eh_frame and resolves every LSDA against .gcc_except_table.
// The result is keyed by FDE start. An LSDA that cannot be parsed leaves the
// procedure without exception info and is reported to d.
func Table(ehData []byte, ehAddr uint64, except []byte, exceptAddr uint64, d *diag.Diags) (map[uint64]*Proc, error) {
	fdes, err := ParseEHFrame(ehData, ehAddr)
	if err != nil {
		return nil, err
	}
	procs := make(map[uint64]*Proc, len(fdes))
	for _, f := range fdes {
		if _, ok := procs[f.Start]; ok {
			return nil, fmt.Errorf("%w: 0x%x", ErrDuplicateFDE, f.Start)
		}
		dirs, err := BuildDirectives(f)
		if err != nil {
			return nil, err
		}
		p := &Proc{Start: f.Start, End: f.End, Directives: dirs}
		if f.HasLSDA {
			l, err := ParseLSDA(except, exceptAddr, f.LSDA)
			if err != nil {
				d.Addf(f.Start, diag.KindIncompleteEH, "%v", err)
			} else {
				p.LSDA = l
				p.Personality = f.CIE.Personality
			}
		}
		procs[f.Start] = p
	}
	return procs, nil
}

// Starts returns the FDE starts of t in ascending order.
func Starts(t map[uint64]*Proc) []uint64 {
	out := make([]uint64, 0, len(t))
	for a := range t {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
