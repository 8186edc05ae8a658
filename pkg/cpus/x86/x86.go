// Package x86 is a placeholder 32-bit x86 backend: it registers the
// architecture but recognises no opcodes yet.
package x86

import (
	"fmt"

	"github.com/oisee/binview/pkg/cpu"
	"github.com/oisee/binview/pkg/inst"
	"github.com/oisee/binview/pkg/memory"
)

type x86CPU struct{}

// CPU is the x86 backend singleton.
var CPU cpu.CPU = x86CPU{}

func (x86CPU) NumRegs() uint16 { return 16 }

// PrepState: x86 needs no pre-instruction priming.
func (x86CPU) PrepState(*cpu.State, uint64, inst.Mode) {}

func (x86CPU) Disassemble(mem *memory.Memory, addr uint64, mode inst.Mode) (inst.Instruction, error) {
	if mode != 0 {
		panic(fmt.Sprintf("x86: invalid mode %d", mode))
	}
	bv, ok := mem.ReadU8(addr)
	if !ok {
		return inst.Instruction{}, fmt.Errorf("x86: unmapped fetch at %#x", addr)
	}
	b, known := bv.ValKnown()
	if !known {
		return inst.Instruction{}, fmt.Errorf("x86: non-concrete fetch at %#x", addr)
	}
	return inst.Instruction{}, fmt.Errorf("x86: unknown opcode %02x at %#x", b, addr)
}
