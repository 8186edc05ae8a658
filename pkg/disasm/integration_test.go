package disasm

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/oisee/binview/pkg/cpu"
	"github.com/oisee/binview/pkg/cpus/arm"
	"github.com/oisee/binview/pkg/inst"
	"github.com/oisee/binview/pkg/memory"
)

// TestARMEndToEnd drives the whole pipeline over a small ARM image.
func TestARMEndToEnd(t *testing.T) {
	words := []uint32{
		0xE3A0102A, // 0x8000  MOV R1, #0x2A
		0xEB000003, // 0x8004  BL  0x8018
		0xE1A02000, // 0x8008  MOV R2, R0
		0xEA000000, // 0x800C  B   0x8014
		0xE1A03003, // 0x8010  MOV R3, R3  (unreachable)
		0xE12FFF1E, // 0x8014  BX  LR
		0xE3A00001, // 0x8018  MOV R0, #1
		0xE12FFF1E, // 0x801C  BX  LR
	}
	data := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(data[4*i:], w)
	}
	mem := memory.New()
	if err := mem.AddROM(0x8000, uint64(len(data)), data); err != nil {
		t.Fatal(err)
	}

	d := New(mem, arm.CPU)
	d.ConvertFrom(inst.NewCodePtr(arm.ModeARM, 0x8000))
	fixedPoint(d)

	if n := d.InstrCount(); n != 7 {
		t.Errorf("instruction count = %d, want 7 (unreachable word excluded)", n)
	}
	for _, blk := range d.Blocks() {
		if blk.Range().Contains(inst.NewCodePtr(arm.ModeARM, 0x8010)) {
			t.Errorf("unreachable instruction converted (block %s)", blk.Range())
		}
	}

	// The leading block runs to the terminal branch and falls nowhere else.
	head := d.Blocks()[0]
	if head.Range().First() != inst.NewCodePtr(arm.ModeARM, 0x8000) ||
		head.Range().Last() != inst.NewCodePtr(arm.ModeARM, 0x800C) {
		t.Errorf("head block = %s", head.Range())
	}
	if len(head.Refs()) != 1 || head.Refs()[0] != inst.NewCodePtr(arm.ModeARM, 0x8014) {
		t.Errorf("head refs = %v", head.Refs())
	}

	fn, ok := d.Function(inst.NewCodePtr(arm.ModeARM, 0x8018))
	if !ok {
		t.Fatal("BL target not discovered as a function")
	}
	if fi, ok := d.findBlock(inst.NewCodePtr(arm.ModeARM, 0x8018)); !ok {
		t.Fatal("callee block missing")
	} else if !d.Blocks()[fi].Instrs()[0].IsCallTarget() {
		t.Error("callee leader not marked as a call target")
	}
	if fn.CC != cpu.KnowledgeFull {
		t.Errorf("fn.cc = %s, want full", fn.CC)
	}
	if !fn.Clobbers.Test(0) {
		t.Errorf("fn.clobbers = %s, want R0", fn.Clobbers)
	}
	if !fn.Inputs.Test(14) {
		t.Errorf("fn.inputs = %s, want LR", fn.Inputs)
	}

	// The call inside the entry block clobbers the whole register file, so
	// its end state no longer knows R1.
	if es := head.EndState(); es == nil {
		t.Error("entry block has no end state")
	} else if !es.Registers[1].IsUnknown() {
		t.Errorf("R1 at end of entry block = %s, want clobbered", es.Registers[1])
	}

	// The callee's own block keeps its constant.
	fi, ok := d.findBlock(inst.NewCodePtr(arm.ModeARM, 0x8018))
	if !ok {
		t.Fatal("callee block missing")
	}
	if es := d.Blocks()[fi].EndState(); es == nil {
		t.Error("callee block has no end state")
	} else if v, known := es.Registers[0].ValKnown(); !known || v != 1 {
		t.Errorf("R0 at end of callee = %s, want 0x1", es.Registers[0])
	}

	var sb strings.Builder
	if err := d.Dump(&sb); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(sb.String(), "@") {
		t.Error("dump lacks a function marker")
	}
	checkInvariants(t, d)
}
