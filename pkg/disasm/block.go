package disasm

import (
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/oisee/binview/pkg/cpu"
	"github.com/oisee/binview/pkg/inst"
)

// Block is a straight-line run of instructions starting at a branch target
// and ending at a terminal instruction or just before another target. Blocks
// own their instructions; successors are value code pointers, resolved
// against the driver's sorted list when needed.
type Block struct {
	instructions []inst.Instruction

	refs     []inst.CodePtr
	endstate *cpu.StateData
}

// NewBlock builds a block around a non-empty instruction sequence.
func NewBlock(instrs []inst.Instruction) *Block {
	if len(instrs) == 0 {
		panic("disasm: empty block")
	}
	log.Debugf("new block for %s", instrs[0].Addr())
	return &Block{instructions: instrs}
}

// Instrs returns the owned instruction sequence.
func (b *Block) Instrs() []inst.Instruction { return b.instructions }

// Refs returns the block's successor addresses (jump targets and the
// fallthrough; never call targets).
func (b *Block) Refs() []inst.CodePtr { return b.refs }

// AddRef records a successor, skipping duplicates.
func (b *Block) AddRef(p inst.CodePtr) {
	for _, r := range b.refs {
		if r == p {
			return
		}
	}
	b.refs = append(b.refs, p)
}

// Range returns the inclusive address range of the block.
func (b *Block) Range() inst.CodeRange {
	return inst.NewCodeRange(
		b.instructions[0].Addr(),
		b.instructions[len(b.instructions)-1].Addr(),
	)
}

// EndState returns the stored end-of-block state, if any.
func (b *Block) EndState() *cpu.StateData { return b.endstate }

// SetEndState stores the state left by running the block.
func (b *Block) SetEndState(d cpu.StateData) {
	log.Debugf("state for block %s set to: %s", b.Range(), d)
	b.endstate = &d
}

// SplitAt splits the block so that addr starts a new block, returning the
// new right-hand block. The left keeps a single ref to the split point; the
// right inherits the old refs. Both sides forget their end state. Panics
// when addr is not an instruction start inside the block.
func (b *Block) SplitAt(addr inst.CodePtr) *Block {
	i := sort.Search(len(b.instructions), func(i int) bool {
		return b.instructions[i].Addr().Cmp(addr) >= 0
	})
	if i == 0 || i == len(b.instructions) || b.instructions[i].Addr() != addr {
		panic(fmt.Sprintf("disasm: address %s not inside block %s", addr, b.Range()))
	}

	right := &Block{
		instructions: b.instructions[i:],
		refs:         b.refs,
	}
	right.instructions[0].MarkTarget()

	b.instructions = b.instructions[:i:i]
	b.refs = []inst.CodePtr{addr}
	b.endstate = nil
	return right
}
