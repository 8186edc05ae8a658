// Package report exports the analysis results in machine-readable form.
package report

import (
	"encoding/json"
	"os"

	"github.com/oisee/binview/pkg/disasm"
)

// Instr is one instruction in the report.
type Instr struct {
	Mode   uint32 `json:"mode"`
	Addr   uint64 `json:"addr"`
	Len    uint8  `json:"len"`
	Op     string `json:"op"`
	Params string `json:"params,omitempty"`
}

// BlockInfo is one basic block.
type BlockInfo struct {
	Mode   uint32   `json:"mode"`
	First  uint64   `json:"first"`
	Last   uint64   `json:"last"`
	Instrs []Instr  `json:"instrs"`
	Refs   []uint64 `json:"refs,omitempty"`
}

// FuncInfo is one function summary.
type FuncInfo struct {
	Mode     uint32 `json:"mode"`
	Addr     uint64 `json:"addr"`
	CC       string `json:"cc"`
	Inputs   []uint `json:"inputs,omitempty"`
	Clobbers []uint `json:"clobbers,omitempty"`
}

// Report is the full analysis snapshot.
type Report struct {
	InstrCount int         `json:"instr_count"`
	Blocks     []BlockInfo `json:"blocks"`
	Functions  []FuncInfo  `json:"functions"`
}

// Build collects a report from the driver.
func Build(d *disasm.Disassembled) *Report {
	r := &Report{InstrCount: d.InstrCount()}

	for _, blk := range d.Blocks() {
		bi := BlockInfo{
			Mode:  blk.Range().First().Mode(),
			First: blk.Range().First().Addr(),
			Last:  blk.Range().Last().Addr(),
		}
		for i := range blk.Instrs() {
			in := &blk.Instrs()[i]
			bi.Instrs = append(bi.Instrs, Instr{
				Mode: in.Mode(),
				Addr: in.Addr().Addr(),
				Len:  in.Len(),
				Op:   in.Class().Name(),
			})
		}
		for _, ref := range blk.Refs() {
			bi.Refs = append(bi.Refs, ref.Addr())
		}
		r.Blocks = append(r.Blocks, bi)
	}

	for _, addr := range d.FunctionAddrs() {
		fn, _ := d.Function(addr)
		fi := FuncInfo{
			Mode: addr.Mode(),
			Addr: addr.Addr(),
			CC:   fn.CC.String(),
		}
		fi.Inputs = setBits(fn.Inputs)
		fi.Clobbers = setBits(fn.Clobbers)
		r.Functions = append(r.Functions, fi)
	}
	return r
}

func setBits(s interface{ NextSet(uint) (uint, bool) }) []uint {
	var out []uint
	for i, ok := s.NextSet(0); ok; i, ok = s.NextSet(i + 1) {
		out = append(out, i)
	}
	return out
}

// Save writes the report as indented JSON.
func Save(path string, r *Report) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
