// Package cpu holds the abstract machine: the decoder interface each
// architecture backend implements, and the execution state instructions are
// stepped against during the discovery and analysis passes.
package cpu

import (
	"github.com/oisee/binview/pkg/inst"
	"github.com/oisee/binview/pkg/memory"
)

// CPU is an architecture backend.
type CPU interface {
	// NumRegs returns the number of architectural registers.
	NumRegs() uint16
	// PrepState primes per-instruction state before execution (e.g. the
	// ARM program counter reads ahead of the current instruction).
	PrepState(st *State, addr uint64, mode inst.Mode)
	// Disassemble decodes the instruction at addr. The returned instruction
	// carries no address yet; the driver stamps it.
	Disassemble(mem *memory.Memory, addr uint64, mode inst.Mode) (inst.Instruction, error)
}
