// Package meta loads the superset-CFG metadata produced by the disassembly
// front-end.
package meta

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrInvalid = errors.New("meta: invalid metadata")

// EdgeType is the kind of a CFG edge.
type EdgeType int

const (
	EdgeUnknown EdgeType = iota
	IntraJmpEdge
	IntraCJmpTrueEdge
	IntraCJmpFalseEdge
	CallEdge
	IndirectEdge
	FallThroughEdge
)

var edgeNames = map[string]EdgeType{
	"IntraJmpEdge":       IntraJmpEdge,
	"IntraCJmpTrueEdge":  IntraCJmpTrueEdge,
	"IntraCJmpFalseEdge": IntraCJmpFalseEdge,
	"CallEdge":           CallEdge,
	"IndirectEdge":       IndirectEdge,
	"FallThroughEdge":    FallThroughEdge,
}

func (t EdgeType) String() string {
	for name, v := range edgeNames {
		if v == t {
			return name
		}
	}
	return "Unknown"
}

// Edge is one CFG edge. Kind keeps the front-end's spelling, which matters
// for types we do not model.
type Edge struct {
	From Addr     `json:"From"`
	To   Addr     `json:"To"`
	Kind string   `json:"EdgeType"`
	Type EdgeType `json:"-"`
}

// Class is a coarse instruction category.
type Class int

const (
	ClassOther Class = iota
	ClassBranch
	ClassCall
)

// Instruction is one disassembled instruction.
type Instruction struct {
	Addr          Addr   `json:"Addr"`
	Length        int    `json:"Length"`
	Disassem      string `json:"Disassem"`
	ByteString    string `json:"ByteString"`
	IsBranch      bool   `json:"IsBranch"`
	RIPAddressing []bool `json:"RIPAddressing"`
	Class         Class  `json:"-"`
}

// Opcode returns the first word of the disassembly.
func (in *Instruction) Opcode() string {
	f := strings.Fields(in.Disassem)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}

// Next returns the address following the instruction.
func (in *Instruction) Next() uint64 { return uint64(in.Addr) + uint64(in.Length) }

// BasicBlock is a block of the superset CFG.
type BasicBlock struct {
	Size  uint64        `json:"Size"`
	Edges []Edge        `json:"Edges"`
	Code  []Instruction `json:"Code"`
}

// Site is an instruction address inside a jump-table pattern.
type Site struct {
	Addr Addr `json:"Addr"`
}

// SiteInfo is an instruction that loads a table address into Regs.
type SiteInfo struct {
	Addr Addr     `json:"Addr"`
	Regs []string `json:"Regs"`
}

// TblRef is a table reference site.
type TblRef struct {
	SiteInfo      SiteInfo `json:"SiteInfo"`
	IsDeterminate bool     `json:"IsDeterminate"`
}

// Pattern is one jump-table candidate of an indirect jump.
type Pattern struct {
	JmpSite    Site     `json:"JmpSite"`
	AddSite    Site     `json:"AddSite"`
	MemAccSite Site     `json:"MemAccSite"`
	TblRefSite []TblRef `json:"TblRefSite"`
	TblAddr    Addr     `json:"TblAddr"`
}

// JumpTable is a recovered jump table. Entries are 4-byte relative slots
// starting at BaseAddr.
type JumpTable struct {
	JmpSite  Addr   `json:"JmpSite"`
	BaseAddr Addr   `json:"BaseAddr"`
	Size     int    `json:"Size"`
	Entries  []Addr `json:"Entries"`
}

// FDERange is a half-open code range covered by one FDE.
type FDERange struct {
	Start Addr `json:"Start"`
	End   Addr `json:"End"`
}

// Function is one function of the superset CFG.
type Function struct {
	BBLs         Ordered[*BasicBlock] `json:"BBLs"`
	JmpInfo      Ordered[[]Pattern]   `json:"JmpInfo"`
	JmpTables    []JumpTable          `json:"JmpTables"`
	FDERanges    []FDERange           `json:"FDERanges"`
	FalseBBLs    []Addr               `json:"FalseBBLs"`
	AbsorbingFun []Addr               `json:"AbsorbingFun"`
	InstAddrs    []Addr               `json:"InstAddrs"`
}

// Entry returns the block at the function address.
func (f *Function) Entry(addr Addr) *BasicBlock {
	b, _ := f.BBLs.Get(addr)
	return b
}

// Metadata is the top-level document.
type Metadata struct {
	FunDict      Ordered[*Function] `json:"FunDict"`
	FalseFunList []Addr             `json:"FalseFunList"`
	PLTDict      Ordered[string]    `json:"PLTDict"`
}

// Load reads and validates a metadata file.
func Load(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("meta: read: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates metadata.
func Parse(data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		if errors.Is(err, ErrInvalid) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks structural invariants and fills the derived edge types and
// instruction classes. Parse calls it.
func (m *Metadata) Validate() error {
	for _, fa := range m.FunDict.Keys {
		f := m.FunDict.Items[fa]
		if f == nil {
			return fmt.Errorf("%w: function %s is null", ErrInvalid, fa)
		}
		if f.Entry(fa) == nil {
			return fmt.Errorf("%w: function %s has no entry block", ErrInvalid, fa)
		}
		for _, ba := range f.BBLs.Keys {
			b := f.BBLs.Items[ba]
			if b == nil {
				return fmt.Errorf("%w: block %s of %s is null", ErrInvalid, ba, fa)
			}
			for i := range b.Edges {
				e := &b.Edges[i]
				e.Type = edgeNames[e.Kind]
			}
			for i := range b.Code {
				in := &b.Code[i]
				if in.Length <= 0 {
					return fmt.Errorf("%w: instruction %s has length %d", ErrInvalid, in.Addr, in.Length)
				}
				if n := operandCount(in.Disassem); len(in.RIPAddressing) > max(n, 1) {
					return fmt.Errorf("%w: instruction %s has %d RIP flags for %d operands",
						ErrInvalid, in.Addr, len(in.RIPAddressing), n)
				}
				in.Class = classify(in)
			}
		}
	}
	return nil
}

func operandCount(text string) int {
	f := strings.Fields(text)
	if len(f) < 2 {
		return 0
	}
	return strings.Count(text, ",") + 1
}

func classify(in *Instruction) Class {
	op := in.Opcode()
	if op == "bnd" {
		if f := strings.Fields(in.Disassem); len(f) > 1 {
			op = f[1]
		}
	}
	switch {
	case strings.HasPrefix(op, "call"):
		return ClassCall
	case in.IsBranch:
		return ClassBranch
	}
	return ClassOther
}

// BlockAddrs returns the block addresses of all functions in metadata order.
func (m *Metadata) BlockAddrs() []Addr {
	var out []Addr
	for _, fa := range m.FunDict.Keys {
		out = append(out, m.FunDict.Items[fa].BBLs.Keys...)
	}
	return out
}
