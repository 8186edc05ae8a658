package arm

import (
	"fmt"
	"io"

	"github.com/oisee/binview/pkg/inst"
	"github.com/oisee/binview/pkg/value"
)

const regLR = 14

type sreg uint64

const (
	sregCPSR sreg = 0
	sregSPSR sreg = 1
)

// ARM-specific operation classes. The generic table covers everything else.
var (
	SET_SREG inst.Class = setSRegClass{}
	BX       inst.Class = bxClass{}
	BLX      inst.Class = blxClass{}
	PUSH     inst.Class = pushClass{}
	POP      inst.Class = popClass{}
)

// --- MSR ---

type setSRegClass struct{}

func (setSRegClass) Name() string { return "SET_SREG" }
func (setSRegClass) IsTerminal([]inst.Param) bool { return false }

func (setSRegClass) Print(w io.Writer, p []inst.Param) error {
	_, err := fmt.Fprintf(w, "SR%s %s %s", p[0], p[1], p[2])
	return err
}

// Forwards reads the source; the system register itself is not modelled.
func (setSRegClass) Forwards(st inst.Runner, i *inst.Instruction) {
	p := i.Params()
	_ = p[0].Immediate()
	st.Get(p[1])
}

func (setSRegClass) Backwards(inst.Runner, *inst.Instruction) {
	panic("arm: SET_SREG.backwards")
}

// --- BX / BLX ---

// bxTarget splits a branch-exchange value into (address, mode): bit 0 set
// selects THUMB.
func bxTarget(v value.Value[uint64]) (value.Value[uint64], inst.Mode) {
	a, known := v.ValKnown()
	if !known {
		return v, ModeARM
	}
	if a&1 != 0 {
		return value.Known(a &^ 1), ModeThumb
	}
	return value.Known(a), ModeARM
}

type bxClass struct{}

func (bxClass) Name() string { return "BX" }
func (bxClass) IsTerminal([]inst.Param) bool { return true }

func (bxClass) Print(w io.Writer, p []inst.Param) error {
	_, err := fmt.Fprintf(w, "%s", p[0])
	return err
}

func (bxClass) Forwards(st inst.Runner, i *inst.Instruction) {
	target, mode := bxTarget(st.Get(i.Params()[0]))
	st.Jump(target, mode)
}

func (bxClass) Backwards(inst.Runner, *inst.Instruction) {
	panic("arm: can't reverse BX")
}

type blxClass struct{}

func (blxClass) Name() string { return "BLX" }
func (blxClass) IsTerminal([]inst.Param) bool { return false }

func (blxClass) Print(w io.Writer, p []inst.Param) error {
	_, err := fmt.Fprintf(w, "%s", p[0])
	return err
}

func (blxClass) Forwards(st inst.Runner, i *inst.Instruction) {
	target, mode := bxTarget(st.Get(i.Params()[0]))
	st.Call(target, mode)
}

func (blxClass) Backwards(inst.Runner, *inst.Instruction) {
	panic("arm: BLX.backwards")
}

// --- PUSH / POP multiple ---

type pushClass struct{}

func (pushClass) Name() string { return "PUSH" }
func (pushClass) IsTerminal([]inst.Param) bool { return false }

func (pushClass) Print(w io.Writer, p []inst.Param) error {
	_, err := fmt.Fprintf(w, "{%#x}", p[0].Immediate())
	return err
}

// Forwards pushes the masked registers, highest first, matching the stack
// layout of a descending store-multiple.
func (pushClass) Forwards(st inst.Runner, i *inst.Instruction) {
	mask := i.Params()[0].Immediate()
	for r := 15; r >= 0; r-- {
		if mask>>uint(r)&1 != 0 {
			st.StackPush(st.Get(inst.Reg(uint8(r))))
		}
	}
}

func (pushClass) Backwards(inst.Runner, *inst.Instruction) {
	panic("arm: PUSH.backwards")
}

type popClass struct{}

func (popClass) Name() string { return "POP" }

// IsTerminal: a POP that restores the PC is a return.
func (popClass) IsTerminal(p []inst.Param) bool {
	return p[0].Immediate()>>regPC&1 != 0
}

func (popClass) Print(w io.Writer, p []inst.Param) error {
	_, err := fmt.Fprintf(w, "{%#x}", p[0].Immediate())
	return err
}

func (popClass) Forwards(st inst.Runner, i *inst.Instruction) {
	mask := i.Params()[0].Immediate()
	for r := 0; r < 16; r++ {
		if mask>>uint(r)&1 != 0 {
			v := st.StackPop()
			st.Set(inst.Reg(uint8(r)), v)
			if r == regPC {
				target, mode := bxTarget(v)
				st.Jump(target, mode)
			}
		}
	}
}

func (popClass) Backwards(inst.Runner, *inst.Instruction) {
	panic("arm: POP.backwards")
}
