package disasm

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/oisee/binview/pkg/cpu"
)

// Function is the register summary of one discovered call target. Its
// knowledge level only ever advances, and its register sets only grow.
type Function struct {
	Inputs   *bitset.BitSet
	Clobbers *bitset.BitSet
	CC       cpu.Knowledge
}

// NewFunction returns an empty, unknown summary.
func NewFunction() *Function {
	return &Function{
		Inputs:   bitset.New(16),
		Clobbers: bitset.New(16),
		CC:       cpu.KnowledgeUnknown,
	}
}

// Summary exposes the function as a call-site contract.
func (f *Function) Summary() *cpu.Summary {
	return &cpu.Summary{Inputs: f.Inputs, Clobbers: f.Clobbers, Level: f.CC}
}

func (f *Function) String() string {
	return fmt.Sprintf("cc=%s in=%s clob=%s", f.CC, f.Inputs, f.Clobbers)
}
