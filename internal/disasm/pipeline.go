package disasm

// FuncRecord is one line in functions.jsonl.
type FuncRecord struct {
	PC       string   `json:"pc"`
	ID       int      `json:"id"`
	Name     string   `json:"name"`
	Kind     string   `json:"kind"`
	Blocks   int      `json:"blocks"`
	Insts    int      `json:"insts"`
	Referred []string `json:"referred,omitempty"` // labels of the functions whose code uses this one
}

// CallEdgeRecord is one line in call_edges.jsonl.
type CallEdgeRecord struct {
	FromFunc string `json:"from_func"`
	FromPC   string `json:"from_pc"`
	Kind     string `json:"kind"`             // "call" or "call*"
	Target   string `json:"target,omitempty"` // label, or "0x..." when unresolved
	Reg      string `json:"reg,omitempty"`
	Via      string `json:"via,omitempty"`
}
