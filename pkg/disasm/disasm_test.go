package disasm

import (
	"errors"
	"strings"
	"testing"

	"github.com/oisee/binview/pkg/cpu"
	"github.com/oisee/binview/pkg/inst"
	"github.com/oisee/binview/pkg/memory"
)

// testCPU decodes from a fixed table instead of real bytes, so driver tests
// control the instruction stream directly.
type testCPU struct {
	instrs map[inst.CodePtr]inst.Instruction
}

func (testCPU) NumRegs() uint16 { return 8 }
func (testCPU) PrepState(*cpu.State, uint64, inst.Mode) {}

func (c testCPU) Disassemble(_ *memory.Memory, addr uint64, mode inst.Mode) (inst.Instruction, error) {
	in, ok := c.instrs[inst.NewCodePtr(mode, addr)]
	if !ok {
		return inst.Instruction{}, errors.New("unknown opcode")
	}
	return in, nil
}

func ptr(addr uint64) inst.CodePtr { return inst.NewCodePtr(0, addr) }

// ret is a register-indirect jump: the target is never fixed, so the block
// has no successors. Serves as a return.
func ret() inst.Instruction {
	return inst.New(4, inst.CondAlways, inst.Size32, inst.JUMP, inst.Reg(7))
}

func move(d, s uint8) inst.Instruction {
	return inst.New(4, inst.CondAlways, inst.Size32, inst.MOVE, inst.Reg(d), inst.Reg(s))
}

func movi(d uint8, v uint64) inst.Instruction {
	return inst.New(4, inst.CondAlways, inst.Size32, inst.MOVE, inst.Reg(d), inst.Imm(v))
}

func jump(target uint64) inst.Instruction {
	return inst.New(4, inst.CondAlways, inst.Size32, inst.JUMP, inst.Imm(target))
}

func call(target uint64) inst.Instruction {
	return inst.New(4, inst.CondAlways, inst.Size32, inst.CALL, inst.Imm(target))
}

func newDriver(t *testing.T, instrs map[inst.CodePtr]inst.Instruction) *Disassembled {
	t.Helper()
	return New(memory.New(), testCPU{instrs: instrs})
}

// checkInvariants asserts the driver invariants that must hold after every
// public operation.
func checkInvariants(t *testing.T, d *Disassembled) {
	t.Helper()
	for i, blk := range d.Blocks() {
		if !blk.Instrs()[0].IsTarget() {
			t.Errorf("block %d leader not marked as target", i)
		}
		if i == 0 {
			continue
		}
		prev := d.Blocks()[i-1]
		if prev.Range().Last().Cmp(blk.Range().First()) >= 0 {
			t.Errorf("blocks %d/%d out of order or overlapping: %s then %s",
				i-1, i, prev.Range(), blk.Range())
		}
	}
}

func TestInvalidEntry(t *testing.T) {
	d := newDriver(t, nil)
	d.ConvertFrom(ptr(0))

	if n := len(d.Blocks()); n != 1 {
		t.Fatalf("blocks = %d, want 1", n)
	}
	blk := d.Blocks()[0]
	if n := len(blk.Instrs()); n != 1 {
		t.Fatalf("instrs = %d, want 1", n)
	}
	if blk.Instrs()[0].Class() != inst.INVALID {
		t.Errorf("class = %s, want INVALID", blk.Instrs()[0].Class().Name())
	}
	if n := d.ConvertQueue(); n != 0 {
		t.Errorf("queue processed %d, want 0", n)
	}
	checkInvariants(t, d)
}

func TestStraightLineFallthrough(t *testing.T) {
	instrs := map[inst.CodePtr]inst.Instruction{
		ptr(0x100): move(0, 1),
		ptr(0x104): move(1, 2),
		ptr(0x108): move(2, 3),
		ptr(0x10C): move(3, 4),
		ptr(0x110): jump(0x200),
	}
	d := newDriver(t, instrs)
	d.ConvertFrom(ptr(0x100))

	if n := len(d.Blocks()); n != 1 {
		t.Fatalf("blocks = %d, want 1", n)
	}
	blk := d.Blocks()[0]
	if n := len(blk.Instrs()); n != 5 {
		t.Errorf("instrs = %d, want 5", n)
	}
	if got := blk.Range(); got.First() != ptr(0x100) || got.Last() != ptr(0x110) {
		t.Errorf("range = %s", got)
	}
	if len(blk.Refs()) != 1 || blk.Refs()[0] != ptr(0x200) {
		t.Errorf("refs = %v, want [0x200]", blk.Refs())
	}
	// 0x200 is pending; draining the queue converts exactly that address.
	if n := d.ConvertQueue(); n != 1 {
		t.Errorf("queue processed %d, want 1", n)
	}
	checkInvariants(t, d)
}

func TestMidBlockLanding(t *testing.T) {
	instrs := map[inst.CodePtr]inst.Instruction{
		ptr(0x100): move(0, 1),
		ptr(0x104): move(1, 2),
		ptr(0x108): move(2, 3),
		ptr(0x10C): move(3, 4),
		ptr(0x110): jump(0x200),
	}
	d := newDriver(t, instrs)
	d.ConvertFrom(ptr(0x100))
	d.ConvertFrom(ptr(0x108))

	if n := len(d.Blocks()); n != 2 {
		t.Fatalf("blocks = %d, want 2", n)
	}
	left, right := d.Blocks()[0], d.Blocks()[1]

	if left.Range().First() != ptr(0x100) || left.Range().Last() != ptr(0x104) {
		t.Errorf("left range = %s", left.Range())
	}
	if len(left.Refs()) != 1 || left.Refs()[0] != ptr(0x108) {
		t.Errorf("left refs = %v, want [0x108]", left.Refs())
	}
	if right.Range().First() != ptr(0x108) || right.Range().Last() != ptr(0x110) {
		t.Errorf("right range = %s", right.Range())
	}
	if len(right.Refs()) != 1 || right.Refs()[0] != ptr(0x200) {
		t.Errorf("right refs = %v, want [0x200]", right.Refs())
	}
	if left.EndState() != nil || right.EndState() != nil {
		t.Error("split blocks must forget their end state")
	}
	checkInvariants(t, d)
}

func TestUnreachableAfterTerminal(t *testing.T) {
	instrs := map[inst.CodePtr]inst.Instruction{
		ptr(0x600): jump(0x700),
		ptr(0x604): move(0, 1),
		ptr(0x700): ret(),
	}
	d := newDriver(t, instrs)
	d.ConvertFrom(ptr(0x600))
	d.ConvertQueue()

	for _, blk := range d.Blocks() {
		if blk.Range().Contains(ptr(0x604)) {
			t.Fatalf("0x604 converted despite being unreachable (block %s)", blk.Range())
		}
	}

	// Reached from elsewhere it becomes a block of its own.
	d.ConvertFrom(ptr(0x604))
	if _, ok := d.findBlock(ptr(0x604)); !ok {
		t.Error("0x604 not converted after explicit entry")
	}
	checkInvariants(t, d)
}

func TestConditionalEndsBlock(t *testing.T) {
	cond := inst.New(4, 1, inst.Size32, inst.JUMP, inst.Imm(0x100))
	instrs := map[inst.CodePtr]inst.Instruction{
		ptr(0x100): move(0, 1),
		ptr(0x104): cond,
		ptr(0x108): ret(),
	}
	d := newDriver(t, instrs)
	d.ConvertFrom(ptr(0x100))
	d.ConvertQueue()

	if n := len(d.Blocks()); n != 3 {
		t.Fatalf("blocks = %d, want 3", n)
	}
	b0, b1, b2 := d.Blocks()[0], d.Blocks()[1], d.Blocks()[2]

	// The conditional is alone in its own block, with the branch target
	// and the fallthrough as successors.
	if b0.Range().Last() != ptr(0x100) {
		t.Errorf("first block = %s, want just 0x100", b0.Range())
	}
	if len(b0.Refs()) != 1 || b0.Refs()[0] != ptr(0x104) {
		t.Errorf("first block refs = %v", b0.Refs())
	}
	if b1.Range().First() != ptr(0x104) || b1.Range().Last() != ptr(0x104) {
		t.Errorf("conditional block = %s", b1.Range())
	}
	wantRefs := map[inst.CodePtr]bool{ptr(0x100): true, ptr(0x108): true}
	if len(b1.Refs()) != 2 || !wantRefs[b1.Refs()[0]] || !wantRefs[b1.Refs()[1]] {
		t.Errorf("conditional refs = %v, want 0x100 and 0x108", b1.Refs())
	}
	if b2.Range().First() != ptr(0x108) {
		t.Errorf("fallthrough block = %s", b2.Range())
	}

	// No block holds a conditional anywhere but last.
	for _, blk := range d.Blocks() {
		for i := range blk.Instrs() {
			in := &blk.Instrs()[i]
			if in.IsConditional() && i != len(blk.Instrs())-1 {
				t.Errorf("conditional %s not last in block %s", in.Addr(), blk.Range())
			}
		}
	}
	checkInvariants(t, d)
}

func TestPassBlockRun(t *testing.T) {
	instrs := map[inst.CodePtr]inst.Instruction{
		ptr(0x100): movi(0, 7),
		ptr(0x104): ret(),
	}
	d := newDriver(t, instrs)
	d.ConvertFrom(ptr(0x100))

	if n := d.PassBlockRun(); n != 1 {
		t.Fatalf("first pass updated %d blocks, want 1", n)
	}
	es := d.Blocks()[0].EndState()
	if es == nil {
		t.Fatal("no end state stored")
	}
	if v, ok := es.Registers[0].ValKnown(); !ok || v != 7 {
		t.Errorf("R0 = %s, want 0x7", es.Registers[0])
	}
	if n := d.PassBlockRun(); n != 0 {
		t.Errorf("second pass updated %d blocks, want 0", n)
	}
}

// fixedPoint drives the analysis loop the way the binary does.
func fixedPoint(d *Disassembled) {
	for i := 0; i < 50; i++ {
		cont := false
		cont = d.ConvertQueue() > 0 || cont
		cont = d.PassBlockRun() > 0 || cont
		cont = d.PassCallingConv() > 0 || cont
		if !cont {
			return
		}
	}
}

func TestSummaryPropagation(t *testing.T) {
	instrs := map[inst.CodePtr]inst.Instruction{
		// main: call g, return.
		ptr(0x200): call(0x300),
		ptr(0x204): ret(),
		// g: call f, read the register f produced, return.
		ptr(0x300): call(0x400),
		ptr(0x304): move(4, 2),
		ptr(0x308): ret(),
		// f: read R1, write R2 and R3, return.
		ptr(0x400): move(3, 1),
		ptr(0x404): movi(2, 5),
		ptr(0x408): ret(),
	}
	d := newDriver(t, instrs)
	d.ConvertFrom(ptr(0x200))
	fixedPoint(d)

	f, ok := d.Function(ptr(0x400))
	if !ok {
		t.Fatal("f not discovered as a function")
	}
	g, ok := d.Function(ptr(0x300))
	if !ok {
		t.Fatal("g not discovered as a function")
	}

	if !f.Inputs.Test(1) {
		t.Errorf("f.inputs = %s, want it to contain 1", f.Inputs)
	}
	if f.Inputs.Test(2) {
		t.Errorf("f.inputs = %s, must not contain 2", f.Inputs)
	}
	if !f.Clobbers.Test(2) || !f.Clobbers.Test(3) {
		t.Errorf("f.clobbers = %s, want 2 and 3", f.Clobbers)
	}
	if f.CC != cpu.KnowledgeFull {
		t.Errorf("f.cc = %s, want full", f.CC)
	}

	if !g.Inputs.Test(1) {
		t.Errorf("g.inputs = %s, want it to contain 1 (through f)", g.Inputs)
	}
	if g.Inputs.Test(2) {
		t.Errorf("g.inputs = %s, must not contain 2 (f writes it)", g.Inputs)
	}
	if !g.Clobbers.Test(2) {
		t.Errorf("g.clobbers = %s, want it to contain 2", g.Clobbers)
	}
	if g.CC != cpu.KnowledgeFull {
		t.Errorf("g.cc = %s, want full", g.CC)
	}
}

func TestRecursionTerminates(t *testing.T) {
	instrs := map[inst.CodePtr]inst.Instruction{
		ptr(0x500): call(0x500),
		ptr(0x504): ret(),
	}
	d := newDriver(t, instrs)
	d.ConvertFrom(ptr(0x500))
	fixedPoint(d)

	h, ok := d.Function(ptr(0x500))
	if !ok {
		t.Fatal("h not discovered")
	}
	if h.CC == cpu.KnowledgeUnknown {
		t.Errorf("h.cc = %s, want it analysed", h.CC)
	}
}

func TestLoopingWalkTerminates(t *testing.T) {
	// A function whose body branches back to its own head.
	instrs := map[inst.CodePtr]inst.Instruction{
		ptr(0x200): call(0x300),
		ptr(0x204): ret(),
		ptr(0x300): movi(0, 1),
		ptr(0x304): jump(0x300),
	}
	d := newDriver(t, instrs)
	d.ConvertFrom(ptr(0x200))
	fixedPoint(d)

	h, ok := d.Function(ptr(0x300))
	if !ok {
		t.Fatal("looping function not discovered")
	}
	if !h.Clobbers.Test(0) {
		t.Errorf("clobbers = %s, want 0", h.Clobbers)
	}
}

func TestMonotonicSummaries(t *testing.T) {
	instrs := map[inst.CodePtr]inst.Instruction{
		ptr(0x200): call(0x300),
		ptr(0x204): ret(),
		ptr(0x300): move(3, 1),
		ptr(0x304): ret(),
	}
	d := newDriver(t, instrs)
	d.ConvertFrom(ptr(0x200))
	fixedPoint(d)

	fn, _ := d.Function(ptr(0x300))
	ccBefore := fn.CC
	inputsBefore := fn.Inputs.Count()
	clobbersBefore := fn.Clobbers.Count()

	// Re-running the pass must not regress anything.
	d.PassCallingConv()
	if fn.CC < ccBefore {
		t.Errorf("cc regressed: %s -> %s", ccBefore, fn.CC)
	}
	if fn.Inputs.Count() < inputsBefore || fn.Clobbers.Count() < clobbersBefore {
		t.Error("summary sets shrank")
	}
}

func TestDumpMarkers(t *testing.T) {
	instrs := map[inst.CodePtr]inst.Instruction{
		ptr(0x200): call(0x300),
		ptr(0x204): ret(),
		ptr(0x300): ret(),
	}
	d := newDriver(t, instrs)
	d.ConvertFrom(ptr(0x200))
	fixedPoint(d)

	var sb strings.Builder
	if err := d.Dump(&sb); err != nil {
		t.Fatalf("dump: %v", err)
	}
	out := sb.String()
	if !strings.Contains(out, "\n\n@") {
		t.Errorf("dump lacks function marker:\n%s", out)
	}
	if !strings.HasPrefix(out, ">") {
		t.Errorf("dump does not open with a block leader:\n%s", out)
	}
	if !strings.Contains(out, "=") {
		t.Errorf("dump lacks end-state lines:\n%s", out)
	}
}
