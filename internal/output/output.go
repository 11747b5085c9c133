// Package output writes reassembler results to files.
package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"reassem/internal/diag"
	"reassem/internal/disasm"
)

// WriteText creates path and streams write into it.
func WriteText(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	if err := write(w); err != nil {
		f.Close()
		return fmt.Errorf("output: write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("output: flush %s: %w", path, err)
	}
	return f.Close()
}

// WriteExecutable writes a spliced binary and marks it executable.
func WriteExecutable(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("output: write %s: %w", path, err)
	}
	if err := unix.Fchmod(int(f.Fd()), 0755); err != nil {
		return fmt.Errorf("output: chmod %s: %w", path, err)
	}
	return f.Close()
}

// WriteDOT writes a Graphviz file to <dir>/<name>.dot.
// name may contain path separators for directory grouping.
func WriteDOT(dir, name, dot string) error {
	path := filepath.Join(dir, name+".dot")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("output: mkdir %s: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, []byte(dot), 0644)
}

// WriteASM writes an annotated listing to asm/<name>.txt.
func WriteASM(dir, name string, insts []disasm.Inst, lookup disasm.SymbolLookup, annotators ...disasm.Annotator) error {
	path := filepath.Join(dir, "asm", name+".txt")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("output: mkdir asm: %w", err)
	}
	text := disasm.Format(insts, lookup, annotators...)
	return os.WriteFile(path, []byte(text), 0644)
}

// WriteJSONL writes one JSON object per line.
func WriteJSONL[T any](path string, recs []T) error {
	return WriteText(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		for i := range recs {
			if err := enc.Encode(&recs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// DiagReport is the JSON form of the diagnostics of one run.
type DiagReport struct {
	Binary  string           `json:"binary"`
	Total   int              `json:"total"`
	Summary []diag.KindCount `json:"summary"`
	Items   []diag.Diag      `json:"items"`
}

// WriteDiagsJSON writes the diagnostics of a run.
func WriteDiagsJSON(path, binary string, d *diag.Diags) error {
	r := DiagReport{Binary: binary, Total: d.Len(), Summary: d.Summary(), Items: d.Items()}
	if r.Items == nil {
		r.Items = []diag.Diag{}
	}
	return writeJSON(path, r)
}

// WriteJSON writes v indented.
func WriteJSON(path string, v any) error {
	return writeJSON(path, v)
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("output: encode %s: %w", path, err)
	}
	return nil
}
