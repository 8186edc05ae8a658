package cpu

import (
	"fmt"
	"strings"

	"github.com/bits-and-blooms/bitset"
	log "github.com/sirupsen/logrus"

	"github.com/oisee/binview/pkg/inst"
	"github.com/oisee/binview/pkg/memory"
	"github.com/oisee/binview/pkg/value"
)

// NumTmpRegs is the number of scratch registers available to microcode.
const NumTmpRegs = 4

// RunMode selects how much machinery the state maintains while stepping.
type RunMode int

const (
	// ModeParse propagates minimal state: no stack, no memory writes, just
	// enough to collect jump and call targets.
	ModeParse RunMode = iota
	// ModeBlockify additionally maintains the stack.
	ModeBlockify
	// ModeCallingConv maintains the stack plus read-before-write register
	// bookkeeping and consults callee summaries at calls.
	ModeCallingConv
	// ModeFull additionally materialises memory writes.
	ModeFull
)

// PendingTarget is one discovered control-flow edge.
type PendingTarget struct {
	Ptr    inst.CodePtr
	IsCall bool
}

// Knowledge is how much of a function's register summary is settled.
type Knowledge int

const (
	KnowledgeUnknown Knowledge = iota
	KnowledgePartial
	KnowledgeFull
)

func (k Knowledge) String() string {
	switch k {
	case KnowledgePartial:
		return "partial"
	case KnowledgeFull:
		return "full"
	default:
		return "unknown"
	}
}

// Summary is a callee's register contract as seen from a call site.
type Summary struct {
	Inputs   *bitset.BitSet
	Clobbers *bitset.BitSet
	Level    Knowledge
}

// CalleeResolver maps a call target to its summary. A nil result means the
// call must be skipped entirely (direct recursion).
type CalleeResolver func(ptr inst.CodePtr) *Summary

// StateData is the cloneable portion of the abstract machine state.
type StateData struct {
	Registers []value.Value[uint64]
	TmpRegs   [NumTmpRegs]value.Value[uint64]
	Stack     []value.Value[uint64]
	FlagC     value.Bool
	FlagV     value.Bool

	// Inputs holds registers read before any write; Writtens holds
	// registers written at least once.
	Inputs   *bitset.BitSet
	Writtens *bitset.BitSet
}

// NewStateData returns a state with every register unknown and both flags
// unknown.
func NewStateData(numRegs uint16) StateData {
	regs := make([]value.Value[uint64], numRegs)
	for i := range regs {
		regs[i] = value.Unknown[uint64]()
	}
	d := StateData{
		Registers: regs,
		Stack:     make([]value.Value[uint64], 0, 16),
		FlagC:     value.BoolUnknown,
		FlagV:     value.BoolUnknown,
		Inputs:    bitset.New(uint(numRegs)),
		Writtens:  bitset.New(uint(numRegs)),
	}
	for i := range d.TmpRegs {
		d.TmpRegs[i] = value.Unknown[uint64]()
	}
	return d
}

// Clone deep-copies the state data.
func (d *StateData) Clone() StateData {
	c := *d
	c.Registers = append([]value.Value[uint64](nil), d.Registers...)
	c.Stack = append([]value.Value[uint64](nil), d.Stack...)
	c.Inputs = d.Inputs.Clone()
	c.Writtens = d.Writtens.Clone()
	return c
}

func (d StateData) String() string {
	var sb strings.Builder
	for i, r := range d.Registers {
		if !r.IsUnknown() {
			fmt.Fprintf(&sb, "R%d=%s ", i, r)
		}
	}
	fmt.Fprintf(&sb, "C=%s V=%s", d.FlagC, d.FlagV)
	if d.Inputs.Any() {
		fmt.Fprintf(&sb, " in=%s", d.Inputs)
	}
	if d.Writtens.Any() {
		fmt.Fprintf(&sb, " wr=%s", d.Writtens)
	}
	return sb.String()
}

// State is the emulated machine state during pseudo-execution.
type State struct {
	mode RunMode
	cpu  CPU
	mem  *memory.Memory

	todo []PendingTarget
	data StateData

	resolve CalleeResolver
	// curFn is the function whose body is being walked; calls back to it
	// are direct recursion.
	curFn      inst.CodePtr
	haveCurFn  bool
	fullyKnown bool
}

// NewState builds a fresh state for the given run mode.
func NewState(mode RunMode, c CPU, mem *memory.Memory) *State {
	return &State{
		mode:       mode,
		cpu:        c,
		mem:        mem,
		data:       NewStateData(c.NumRegs()),
		fullyKnown: true,
	}
}

// FromData resumes a state from a snapshot.
func FromData(mode RunMode, c CPU, mem *memory.Memory, data StateData) *State {
	s := NewState(mode, c, mem)
	s.data = data
	return s
}

// SetCalleeResolver installs the call-site lookup used under ModeCallingConv.
// The pointer names the function being analysed, for recursion detection.
func (s *State) SetCalleeResolver(fn inst.CodePtr, r CalleeResolver) {
	s.curFn = fn
	s.haveCurFn = true
	s.resolve = r
}

// PrimeCanaries loads every architectural register with its own input tag.
func (s *State) PrimeCanaries() {
	for i := range s.data.Registers {
		s.data.Registers[i] = value.Input[uint64](uint8(i))
	}
}

// Data exposes the live state data.
func (s *State) Data() *StateData { return &s.data }

// TakeData moves the state data out, leaving the state unusable.
func (s *State) TakeData() StateData { return s.data }

// PendingTargets returns the control-flow edges collected so far.
func (s *State) PendingTargets() []PendingTarget { return s.todo }

// ClearPendingTargets empties the collected edge list.
func (s *State) ClearPendingTargets() { s.todo = nil }

// WillBeFullyKnown reports whether every consulted callee had a settled
// summary.
func (s *State) WillBeFullyKnown() bool { return s.fullyKnown }

// Run executes a single instruction.
func (s *State) Run(i *inst.Instruction) {
	i.Class().Forwards(s, i)
}

// readReg records a read for the calling-convention bookkeeping.
func (s *State) readReg(r uint8) {
	if s.mode != ModeCallingConv {
		return
	}
	if !s.data.Writtens.Test(uint(r)) {
		s.data.Inputs.Set(uint(r))
	}
}

// writeReg records a write.
func (s *State) writeReg(r uint8) {
	if s.mode != ModeCallingConv {
		return
	}
	s.data.Writtens.Set(uint(r))
}

// Get fetches the value of a parameter.
func (s *State) Get(p inst.Param) value.Value[uint64] {
	var v value.Value[uint64]
	switch p.Kind() {
	case inst.KindTrueReg:
		r := p.RegIndex()
		if int(r) >= len(s.data.Registers) {
			panic(fmt.Sprintf("cpu: register R%d out of range", r))
		}
		s.readReg(r)
		v = s.data.Registers[r]
	case inst.KindTmpReg:
		r := p.RegIndex()
		if int(r) >= NumTmpRegs {
			panic(fmt.Sprintf("cpu: temporary tr#%d out of range", r))
		}
		v = s.data.TmpRegs[r]
	default:
		v = value.Known(p.Immediate())
	}
	log.Tracef("get(%s) = %s", p, v)
	return v
}

// Set assigns a register parameter. Assigning an immediate is a programmer
// error.
func (s *State) Set(p inst.Param, v value.Value[uint64]) {
	log.Tracef("set(%s = %s)", p, v)
	switch p.Kind() {
	case inst.KindTrueReg:
		r := p.RegIndex()
		if int(r) >= len(s.data.Registers) {
			panic(fmt.Sprintf("cpu: register R%d out of range", r))
		}
		s.writeReg(r)
		s.data.Registers[r] = v
	case inst.KindTmpReg:
		r := p.RegIndex()
		if int(r) >= NumTmpRegs {
			panic(fmt.Sprintf("cpu: temporary tr#%d out of range", r))
		}
		s.data.TmpRegs[r] = v
	default:
		panic("cpu: setting an immediate")
	}
}

// FlagGet returns a status flag.
func (s *State) FlagGet(f inst.Flag) value.Bool {
	if f == inst.FlagCarry {
		return s.data.FlagC
	}
	return s.data.FlagV
}

// FlagSet assigns a status flag.
func (s *State) FlagSet(f inst.Flag, v value.Bool) {
	if f == inst.FlagCarry {
		s.data.FlagC = v
	} else {
		s.data.FlagV = v
	}
}

// StackPush pushes a value. A no-op during the discovery pass.
func (s *State) StackPush(v value.Value[uint64]) {
	log.Tracef("stack_push(%s)", v)
	if s.mode == ModeParse {
		return
	}
	s.data.Stack = append(s.data.Stack, v)
}

// StackPop pops a value; popping an empty stack yields unknown.
func (s *State) StackPop() value.Value[uint64] {
	if s.mode == ModeParse {
		return value.Unknown[uint64]()
	}
	n := len(s.data.Stack)
	if n == 0 {
		log.Error("pop from empty stack")
		return value.Unknown[uint64]()
	}
	v := s.data.Stack[n-1]
	s.data.Stack = s.data.Stack[:n-1]
	log.Tracef("stack_pop() = %s", v)
	return v
}

// ReadMem reads a sized value from memory, zero-extended to 64 bits. An
// unknown address yields an unknown value.
func (s *State) ReadMem(addr value.Value[uint64], size inst.Size) value.Value[uint64] {
	av, known := addr.ValKnown()
	if !known {
		return value.Unknown[uint64]()
	}
	var (
		v  value.Value[uint64]
		ok bool
	)
	switch size {
	case inst.Size8:
		var b value.Value[uint8]
		b, ok = s.mem.ReadU8(av)
		v = value.ZeroExtend[uint64](b)
	case inst.Size16:
		var h value.Value[uint16]
		h, ok = s.mem.ReadU16(av)
		v = value.ZeroExtend[uint64](h)
	case inst.Size32:
		var w value.Value[uint32]
		w, ok = s.mem.ReadU32(av)
		v = value.ZeroExtend[uint64](w)
	case inst.Size64:
		v, ok = s.mem.ReadU64(av)
	default:
		return value.Unknown[uint64]()
	}
	if !ok {
		log.Warnf("reading unmapped memory %#x", av)
		return value.Unknown[uint64]()
	}
	log.Tracef("read(%#x) = %s", av, v)
	return v
}

// WriteMem stores the low size bits of v. Writes are materialised only under
// ModeFull; an unknown address drops the write.
func (s *State) WriteMem(addr value.Value[uint64], size inst.Size, v value.Value[uint64]) {
	log.Tracef("write(%s <= %s)", addr, v)
	if s.mode != ModeFull {
		return
	}
	av, known := addr.ValKnown()
	if !known {
		log.Warn("write to an unknown address dropped")
		return
	}
	var ok bool
	switch size {
	case inst.Size8:
		ok = s.mem.WriteU8(av, value.Truncate[uint8](v))
	case inst.Size16:
		ok = s.mem.WriteU16(av, value.Truncate[uint16](v))
	case inst.Size32:
		ok = s.mem.WriteU32(av, value.Truncate[uint32](v))
	case inst.Size64:
		ok = s.mem.WriteU64(av, v)
	default:
		return
	}
	if !ok {
		log.Warnf("writing unmapped memory %#x", av)
	}
}

// Jump records every possible concrete target of a branch.
func (s *State) Jump(target value.Value[uint64], mode inst.Mode) {
	log.Debugf("jump(%s, mode=%d)", target, mode)
	if !target.IsFixedSet() {
		return
	}
	for _, a := range target.Possibilities() {
		s.todo = append(s.todo, PendingTarget{Ptr: inst.NewCodePtr(mode, a), IsCall: false})
	}
}

// Call records call targets and folds the callee's register contract into
// the current state. Without a resolver the callee is a black box and every
// register is clobbered.
func (s *State) Call(target value.Value[uint64], mode inst.Mode) {
	log.Debugf("call(%s, mode=%d)", target, mode)
	if !target.IsFixedSet() {
		s.fullyKnown = false
		s.clobberEverything()
		return
	}
	for _, a := range target.Possibilities() {
		ptr := inst.NewCodePtr(mode, a)
		s.todo = append(s.todo, PendingTarget{Ptr: ptr, IsCall: true})

		if s.resolve == nil {
			s.clobberEverything()
			continue
		}
		if s.haveCurFn && ptr == s.curFn {
			// Direct recursion adds nothing to the summary.
			continue
		}
		sum := s.resolve(ptr)
		switch {
		case sum == nil:
			continue
		case sum.Level == KnowledgeFull:
			s.applySummary(sum)
		case sum.Level == KnowledgePartial:
			s.applySummary(sum)
			s.fullyKnown = false
		default:
			s.fullyKnown = false
			s.clobberEverything()
		}
	}
}

// applySummary reads the callee's inputs and clobbers its clobbers.
func (s *State) applySummary(sum *Summary) {
	for i, ok := sum.Inputs.NextSet(0); ok; i, ok = sum.Inputs.NextSet(i + 1) {
		s.readReg(uint8(i))
	}
	for i, ok := sum.Clobbers.NextSet(0); ok; i, ok = sum.Clobbers.NextSet(i + 1) {
		s.writeReg(uint8(i))
		s.data.Registers[i] = value.Unknown[uint64]()
	}
}

// clobberEverything marks every register unknown and written.
func (s *State) clobberEverything() {
	for i := range s.data.Registers {
		s.writeReg(uint8(i))
		s.data.Registers[i] = value.Unknown[uint64]()
	}
}
