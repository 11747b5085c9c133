package meta

import (
	"encoding/json"
	"fmt"
	"os"
)

// AccessInfo lists the memory access widths, in bits, of each operand of an
// instruction. Zero means the operand does not access memory.
type AccessInfo struct {
	Addr       Addr  `json:"Addr"`
	MemAccSize []int `json:"MemAccSize"`
}

type asanFunc struct {
	Addr     Addr         `json:"Addr"`
	InstList []AccessInfo `json:"InstList"`
}

// AsanInfo maps function address to instruction address to access widths.
type AsanInfo map[Addr]map[Addr]AccessInfo

// LoadAsan reads the memory access sidecar file.
func LoadAsan(path string) (AsanInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("meta: read asan info: %w", err)
	}
	return ParseAsan(data)
}

func ParseAsan(data []byte) (AsanInfo, error) {
	var funcs []asanFunc
	if err := json.Unmarshal(data, &funcs); err != nil {
		return nil, fmt.Errorf("%w: asan info: %v", ErrInvalid, err)
	}
	out := make(AsanInfo, len(funcs))
	for _, f := range funcs {
		m := make(map[Addr]AccessInfo, len(f.InstList))
		for _, in := range f.InstList {
			m[in.Addr] = in
		}
		out[f.Addr] = m
	}
	return out, nil
}

// Lookup returns the access info of the instruction at inst in function fn.
func (a AsanInfo) Lookup(fn, inst Addr) (AccessInfo, bool) {
	if a == nil {
		return AccessInfo{}, false
	}
	in, ok := a[fn][inst]
	return in, ok
}
