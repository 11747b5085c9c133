package ehframe

import "fmt"

// Counters numbers the labels of exception tables across one output file.
// The zero value starts at zero.
type Counters struct {
	Fun, Table, Block int
}

// EHTable re-emits an LSDA against symbolic labels. Range and landing pad
// labels must be placed in the code by the caller via BeforeLabels and
// AfterLabels; the table is only valid when HasMissingLabels is false.
type EHTable struct {
	lsda  *LSDA
	start uint64

	funLabel   string
	beginLabel string
	ttdLabel   string
	csbLabel   string
	cseLabel   string
	endLabel   string

	before, after         map[uint64][]string
	usedBefore, usedAfter map[uint64]bool

	lines []string
}

// NewEHTable builds the table for the function at start. dataLabel names a
// type-table target; relocs is the set of relocated slots, whose targets keep
// their full width.
func NewEHTable(l *LSDA, start uint64, c *Counters, dataLabel func(uint64) string, relocs map[uint64]string) *EHTable {
	t := &EHTable{
		lsda:       l,
		start:      start,
		funLabel:   fmt.Sprintf(".LEHF%d", c.Fun),
		beginLabel: fmt.Sprintf(".LLSDA%d", c.Table),
		ttdLabel:   fmt.Sprintf(".LLSDATTD%d", c.Table),
		csbLabel:   fmt.Sprintf(".LLSDACSB%d", c.Table),
		cseLabel:   fmt.Sprintf(".LLSDACSE%d", c.Table),
		endLabel:   fmt.Sprintf(".LLSDATT%d", c.Table),
		before:     make(map[uint64][]string),
		after:      make(map[uint64][]string),
		usedBefore: make(map[uint64]bool),
		usedAfter:  make(map[uint64]bool),
	}
	funID := c.Fun
	c.Fun++
	c.Table++

	t.lines = append(t.lines,
		`.section .gcc_except_table,"a",@progbits`,
		fmt.Sprintf("#----------except table 0x%x------------", start),
		" .p2align 2",
		t.beginLabel+":",
		fmt.Sprintf(" .byte 0x%x", l.LPFormat),
		fmt.Sprintf(" .byte 0x%x", l.TTFormat),
	)
	if l.HasTypes() {
		t.lines = append(t.lines,
			fmt.Sprintf(" .uleb128 %s-%s", t.endLabel, t.ttdLabel),
			t.ttdLabel+":\n")
	}
	t.lines = append(t.lines,
		fmt.Sprintf(" .byte 0x%x", l.CSFormat),
		fmt.Sprintf(" .uleb128 %s-%s", t.cseLabel, t.csbLabel),
		"#---------- table entries ------------",
		t.csbLabel+":",
	)

	for _, cs := range l.CallSites {
		bbStart := start + cs.Start
		bbEnd := bbStart + cs.Len
		landing := start + cs.Landing
		begin := fmt.Sprintf(".LEHB_%d_%d", funID, c.Block)
		end := fmt.Sprintf(".LEHE_%d_%d", funID, c.Block)
		landingLabel := ""
		if landing > start {
			landingLabel = fmt.Sprintf(".LANDING_%d_%d", funID, c.Block)
			t.before[landing] = append(t.before[landing], landingLabel)
		}
		t.before[bbStart] = append(t.before[bbStart], begin)
		t.after[bbEnd] = append(t.after[bbEnd], end)
		c.Block++

		t.lines = append(t.lines,
			fmt.Sprintf(" .uleb128 %s-%s", begin, t.funLabel),
			fmt.Sprintf(" .uleb128 %s-%s", end, begin))
		if landingLabel != "" {
			t.lines = append(t.lines, fmt.Sprintf(" .uleb128 %s-%s", landingLabel, t.funLabel))
		} else {
			t.lines = append(t.lines, " .uleb128 0")
		}
		t.lines = append(t.lines, fmt.Sprintf(" .uleb128 0x%x", cs.Action))
	}
	t.lines = append(t.lines, t.cseLabel+":", "#---------- action info ------------")
	for _, a := range l.Actions {
		t.lines = append(t.lines, fmt.Sprintf(" .byte 0x%x", a.Filter), fmt.Sprintf(" .byte 0x%x", a.Next))
	}
	t.lines = append(t.lines, "#---------- type info ------------", " .p2align 2")

	directive := ".long"
	if l.ItemSize == 8 {
		directive = ".quad"
	}
	for _, ty := range l.Types {
		if ty.ROffset == 0 {
			t.lines = append(t.lines, fmt.Sprintf(" %s 0", directive))
			continue
		}
		target := l.TypeAddr(ty)
		if _, ok := relocs[target]; !ok {
			target &= 0xffffffff
		}
		t.lines = append(t.lines, fmt.Sprintf(" %s %s-.", directive, dataLabel(target)))
	}
	t.lines = append(t.lines, t.endLabel+":")
	return t
}

// BeforeLabels returns the labels to place before the instruction at addr.
// Each address is handed out once.
func (t *EHTable) BeforeLabels(addr uint64) []string {
	if t.usedBefore[addr] {
		return nil
	}
	l, ok := t.before[addr]
	if !ok {
		return nil
	}
	t.usedBefore[addr] = true
	return l
}

// AfterLabels returns the labels to place after the instruction ending at addr.
func (t *EHTable) AfterLabels(addr uint64) []string {
	if t.usedAfter[addr] {
		return nil
	}
	l, ok := t.after[addr]
	if !ok {
		return nil
	}
	t.usedAfter[addr] = true
	return l
}

// HasMissingLabels reports whether some registered label was never placed.
func (t *EHTable) HasMissingLabels() bool {
	return len(t.usedBefore) != len(t.before) || len(t.usedAfter) != len(t.after)
}

// EntryLabel is the label of the function start that call-site offsets are
// relative to.
func (t *EHTable) EntryLabel() string { return t.funLabel }

// Encoding returns the personality and LSDA directives for the function.
func (t *EHTable) Encoding(personality string) []string {
	return []string{
		fmt.Sprintf(".cfi_personality 0x9b,%s", personality),
		fmt.Sprintf(".cfi_lsda 0x1b,%s", t.beginLabel),
	}
}

// Lines returns the .gcc_except_table body.
func (t *EHTable) Lines() []string { return t.lines }
