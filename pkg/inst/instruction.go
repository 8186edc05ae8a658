// Package inst defines the CPU-independent instruction representation: code
// pointers, operand parameters, the instruction record produced by the
// per-CPU decoders, and the table of generic operation classes those
// decoders map opcodes onto.
package inst

import (
	"fmt"
	"io"

	"github.com/oisee/binview/pkg/value"
)

// CondAlways is the condition-code sentinel for an instruction that always
// executes. Any other value is CPU-specific.
const CondAlways uint8 = 0xFF

// ParamKind discriminates instruction parameters.
type ParamKind uint8

const (
	KindTrueReg ParamKind = iota
	KindTmpReg
	KindImmediate
)

// Param is one instruction operand: an architectural register, a temporary
// register, or an immediate.
type Param struct {
	kind ParamKind
	reg  uint8
	imm  uint64
}

// Reg returns an architectural register parameter.
func Reg(r uint8) Param { return Param{kind: KindTrueReg, reg: r} }

// Tmp returns a temporary register parameter.
func Tmp(r uint8) Param { return Param{kind: KindTmpReg, reg: r} }

// Imm returns an immediate parameter.
func Imm(v uint64) Param { return Param{kind: KindImmediate, imm: v} }

// Kind returns the parameter discriminator.
func (p Param) Kind() ParamKind { return p.kind }

// RegIndex returns the register index of a register parameter.
func (p Param) RegIndex() uint8 { return p.reg }

// Immediate returns the immediate value. Panics on register parameters.
func (p Param) Immediate() uint64 {
	if p.kind != KindImmediate {
		panic(fmt.Sprintf("inst: expected immediate, got %s", p))
	}
	return p.imm
}

func (p Param) String() string {
	switch p.kind {
	case KindTrueReg:
		return fmt.Sprintf("R%d", p.reg)
	case KindTmpReg:
		return fmt.Sprintf("tr#%d", p.reg)
	default:
		return fmt.Sprintf("%#x", p.imm)
	}
}

// Size is an instruction's operand width.
type Size uint8

const (
	SizeNA Size = iota
	Size8
	Size16
	Size32
	Size64
)

func (s Size) String() string {
	switch s {
	case Size8:
		return " 8"
	case Size16:
		return "16"
	case Size32:
		return "32"
	case Size64:
		return "64"
	default:
		return "NA"
	}
}

// Flag names a status flag of the abstract machine.
type Flag uint8

const (
	FlagCarry Flag = iota
	FlagOverflow
)

// Runner is the execution surface an operation class acts on. The abstract
// state implements it; classes stay free of any particular state layout.
type Runner interface {
	// Get fetches a parameter's value. Immediates are always known.
	Get(p Param) value.Value[uint64]
	// Set assigns a register parameter. Assigning an immediate panics.
	Set(p Param, v value.Value[uint64])

	FlagGet(f Flag) value.Bool
	FlagSet(f Flag, v value.Bool)

	StackPush(v value.Value[uint64])
	StackPop() value.Value[uint64]

	// ReadMem reads a sized value, zero-extended to 64 bits.
	ReadMem(addr value.Value[uint64], size Size) value.Value[uint64]
	// WriteMem stores the low size bits of v.
	WriteMem(addr value.Value[uint64], size Size, v value.Value[uint64])

	// Jump records a branch target for the discovery worklist.
	Jump(target value.Value[uint64], mode Mode)
	// Call records a call target and applies the callee's register summary
	// when one is available.
	Call(target value.Value[uint64], mode Mode)
}

// Class is the behavior of one generic operation. Implementations are
// process-wide read-only singletons shared by every instruction.
type Class interface {
	Name() string
	// IsTerminal reports whether execution unconditionally leaves the
	// current flow. Calls are not terminal.
	IsTerminal(params []Param) bool
	Print(w io.Writer, params []Param) error
	// Forwards applies the forward transfer function.
	Forwards(st Runner, i *Instruction)
	// Backwards is the reverse transfer; most classes have none yet.
	Backwards(st Runner, i *Instruction)
}

// Instruction is one decoded instruction. Once published into a block it is
// immutable apart from the target markers.
type Instruction struct {
	ip        CodePtr
	length    uint8
	condition uint8
	opsize    Size
	class     Class
	params    []Param

	isTarget     bool
	isCallTarget bool
}

// New builds a bare instruction as produced by a decoder; the driver stamps
// the address before use.
func New(length uint8, condition uint8, opsize Size, class Class, params ...Param) Instruction {
	return Instruction{
		length:    length,
		condition: condition,
		opsize:    opsize,
		class:     class,
		params:    params,
	}
}

// Invalid returns the placeholder for undecodable bytes. It is terminal.
func Invalid() Instruction {
	return New(0, CondAlways, SizeNA, INVALID)
}

// SetAddr stamps the instruction's location.
func (i *Instruction) SetAddr(p CodePtr) { i.ip = p }

// MarkTarget flags the instruction as a branch target (a block leader).
func (i *Instruction) MarkTarget() { i.isTarget = true }

// MarkCallTarget flags the instruction as a function entry.
func (i *Instruction) MarkCallTarget() { i.isCallTarget = true }

func (i *Instruction) Addr() CodePtr { return i.ip }
func (i *Instruction) Mode() Mode { return i.ip.Mode() }
func (i *Instruction) Len() uint8 { return i.length }
func (i *Instruction) Condition() uint8 { return i.condition }
func (i *Instruction) OpSize() Size { return i.opsize }
func (i *Instruction) Class() Class { return i.class }
func (i *Instruction) Params() []Param { return i.params }
func (i *Instruction) IsTarget() bool { return i.isTarget }
func (i *Instruction) IsCallTarget() bool { return i.isCallTarget }

// Contains reports whether addr falls within the instruction's bytes.
func (i *Instruction) Contains(addr uint64) bool {
	return i.ip.Addr() <= addr && addr < i.ip.Addr()+uint64(i.length)
}

// IsTerminal reports whether the instruction unconditionally leaves the
// current block.
func (i *Instruction) IsTerminal() bool {
	return i.condition == CondAlways && i.class.IsTerminal(i.params)
}

// IsConditional reports whether execution of the instruction is guarded by
// a condition code.
func (i *Instruction) IsConditional() bool {
	return i.condition != CondAlways
}

func (i *Instruction) String() string {
	s := fmt.Sprintf("[%s+%d] {%s}:%x %s ", i.ip, i.length, i.opsize, i.condition, i.class.Name())
	var b writerBuf
	if err := i.class.Print(&b, i.params); err != nil {
		return s + "<err>"
	}
	return s + string(b)
}

type writerBuf []byte

func (b *writerBuf) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
