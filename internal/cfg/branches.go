package cfg

import (
	"fmt"
	"slices"
	"strings"

	"reassem/internal/meta"
)

// TblSym is a table reference site rewritten to point directly at the
// table label.
type TblSym struct {
	Comment string
	Regs    []string
}

// BrSym is a guard to insert before an indirect memory access whose table
// is one of several candidates.
type BrSym struct {
	Comment string
	Regs    []string
	TblAddr uint64
}

// Branches holds the per-instruction jobs derived from jump-table patterns.
type Branches struct {
	TblSym   map[uint64][]TblSym
	BrSym    map[uint64][]BrSym
	Comments map[uint64][]string
}

// BrSites returns the guarded instruction addresses in ascending order.
func (b *Branches) BrSites() []uint64 {
	out := make([]uint64, 0, len(b.BrSym))
	for a := range b.BrSym {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

func tableSet(patterns []meta.Pattern) []string {
	var out []string
	for _, p := range patterns {
		s := p.TblAddr.String()
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return out
}

// setString formats items as a quoted set literal.
func setString(items []string) string {
	q := make([]string, len(items))
	for i, s := range items {
		q[i] = "'" + s + "'"
	}
	return "{" + strings.Join(q, ", ") + "}"
}

func listString(items []string) string {
	q := make([]string, len(items))
	for i, s := range items {
		q[i] = "'" + s + "'"
	}
	return "[" + strings.Join(q, ", ") + "]"
}

// MultiCandidate reports whether the patterns of a jump site name more than
// one table.
func MultiCandidate(patterns []meta.Pattern) bool {
	return len(tableSet(patterns)) > 1
}

func singleTable(patterns []meta.Pattern, opt int) bool {
	return (opt >= 3 && len(tableSet(patterns)) == 1) || opt >= 4
}

// ExamineBranches turns the jump-table patterns of a function into direct
// table rewrites, guard jobs and explanatory comments.
func ExamineBranches(info *meta.Ordered[[]meta.Pattern], opt int) *Branches {
	b := &Branches{
		TblSym:   make(map[uint64][]TblSym),
		BrSym:    make(map[uint64][]BrSym),
		Comments: make(map[uint64][]string),
	}

	determined := make(map[meta.Addr]bool)
	for _, site := range info.Keys {
		patterns := info.Items[site]
		if !singleTable(patterns, opt) {
			continue
		}
		for _, p := range patterns {
			for _, ref := range p.TblRefSite {
				determined[ref.SiteInfo.Addr] = true
			}
		}
	}

	history := make(map[string]bool)
	for _, site := range info.Keys {
		patterns := info.Items[site]
		tables := tableSet(patterns)
		single := singleTable(patterns, opt)
		var patternSet []string
		var memAcc uint64

		for _, p := range patterns {
			msg := fmt.Sprintf("# JmpSite:%s, AddSite:%s, MemAccSite:%s", p.JmpSite.Addr, p.AddSite.Addr, p.MemAccSite.Addr)

			refs := make([]string, 0, len(p.TblRefSite))
			for _, ref := range p.TblRefSite {
				refs = append(refs, ref.SiteInfo.Addr.String())
				if !ref.IsDeterminate && !single {
					continue
				}
				reg := ""
				if len(ref.SiteInfo.Regs) > 0 {
					reg = ref.SiteInfo.Regs[0]
				}
				comment := fmt.Sprintf("# @%s, table addr is assigned to %s before mem access ", ref.SiteInfo.Addr, reg)
				if !history[comment] {
					a := uint64(ref.SiteInfo.Addr)
					b.TblSym[a] = append(b.TblSym[a], TblSym{Comment: comment, Regs: ref.SiteInfo.Regs})
					history[comment] = true
				}
			}

			msg += ", TblRefSite:" + listString(refs)
			msg += fmt.Sprintf(", TblAddr:0x%x", uint64(p.TblAddr))
			if !slices.Contains(patternSet, msg) {
				patternSet = append(patternSet, msg)
			}

			if !history[msg] && !single {
				a := uint64(p.MemAccSite.Addr)
				for _, ref := range p.TblRefSite {
					if determined[ref.SiteInfo.Addr] {
						continue
					}
					b.BrSym[a] = append(b.BrSym[a], BrSym{Comment: msg, Regs: ref.SiteInfo.Regs, TblAddr: uint64(p.TblAddr)})
				}
				history[msg] = true
			}
			memAcc = uint64(p.MemAccSite.Addr)
		}

		if len(tables) > 1 {
			b.Comments[memAcc] = append(b.Comments[memAcc], fmt.Sprintf("# [*] Multiple Candidates @%s: %s", site, setString(tables)))
			if len(patternSet) > 1 {
				for _, p := range patternSet {
					b.Comments[memAcc] = append(b.Comments[memAcc], "# "+p)
				}
			}
		}

		var sites []string
		for _, p := range patterns {
			if s := p.MemAccSite.Addr.String(); !slices.Contains(sites, s) {
				sites = append(sites, s)
			}
		}
		if len(sites) > 1 {
			slices.Sort(sites)
			b.Comments[memAcc] = append(b.Comments[memAcc], fmt.Sprintf("# [*] Multiple Instrumentation points @%s: %s", site, setString(sites)))
		}
	}
	return b
}

// NeedTransformation reports whether a branch must be rewritten into an
// equivalent sequence: loop* whose target is not the current label location,
// and any jrcxz/jecxz/jcxz.
func NeedTransformation(in *meta.Instruction, labelLocation uint64) bool {
	if !in.IsBranch {
		return false
	}
	op := in.Opcode()
	if strings.HasPrefix(op, "loop") {
		if t, ok := PCTarget(in); ok && t != labelLocation {
			return true
		}
	}
	switch op {
	case "jrcxz", "jecxz", "jcxz":
		return true
	}
	return false
}
