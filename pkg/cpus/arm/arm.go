// Package arm disassembles ARM and THUMB code (written against ARMv5).
package arm

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/oisee/binview/pkg/cpu"
	"github.com/oisee/binview/pkg/inst"
	"github.com/oisee/binview/pkg/memory"
	"github.com/oisee/binview/pkg/value"
)

// Execution modes carried in code pointers.
const (
	ModeARM   inst.Mode = 0
	ModeThumb inst.Mode = 1
)

const regPC = 15

type armCPU struct{}

// CPU is the ARM backend singleton.
var CPU cpu.CPU = armCPU{}

func (armCPU) NumRegs() uint16 { return 16 }

// PrepState loads the program counter with its architectural read-ahead
// value: the current instruction plus 8 in ARM mode, plus 4 in THUMB mode.
func (armCPU) PrepState(st *cpu.State, addr uint64, mode inst.Mode) {
	var pc uint64
	switch mode {
	case ModeARM:
		pc = addr + 8
	case ModeThumb:
		pc = addr + 4
	default:
		panic(fmt.Sprintf("arm: invalid mode %d", mode))
	}
	st.Set(inst.Reg(regPC), value.Known(pc))
}

func (armCPU) Disassemble(mem *memory.Memory, addr uint64, mode inst.Mode) (inst.Instruction, error) {
	switch mode {
	case ModeARM:
		return disassembleARM(mem, addr)
	case ModeThumb:
		return disassembleThumb(mem, addr)
	default:
		panic(fmt.Sprintf("arm: invalid mode %d", mode))
	}
}

// cond converts an ARM condition field into the instruction condition byte.
// AL becomes the always sentinel so straight-line code is not treated as
// conditional.
func cond(cc uint32) uint8 {
	if cc == 0xE {
		return inst.CondAlways
	}
	return uint8(cc)
}

func disassembleARM(mem *memory.Memory, addr uint64) (inst.Instruction, error) {
	wv, ok := mem.ReadU32(addr)
	if !ok {
		return inst.Instruction{}, fmt.Errorf("arm: unmapped fetch at %#x", addr)
	}
	word, known := wv.ValKnown()
	if !known {
		return inst.Instruction{}, fmt.Errorf("arm: non-concrete fetch at %#x", addr)
	}

	cc := word >> 28
	if cc == 0xF {
		return inst.Instruction{}, fmt.Errorf("arm: unconditional-space opcode %08x at %#x", word, addr)
	}
	ccode := cond(cc)

	// op packs bits 27..20 and 7..4, the traditional decode index.
	op := (word >> 20 & 0xFF << 4) | (word >> 4 & 0xF)

	newi := func(class inst.Class, params ...inst.Param) (inst.Instruction, error) {
		return inst.New(4, ccode, inst.Size32, class, params...), nil
	}

	rd := reg(word, 12)
	rn := reg(word, 16)
	rm := reg(word, 0)
	noShift := word>>7&31 == 0

	switch {
	// MUL Rd, Rm, Rs
	case op == 0x009:
		return newi(inst.MUL, reg(word, 16), rm, reg(word, 8))

	// MSR CPSR, Rm
	case op == 0x120:
		return newi(SET_SREG, inst.Imm(uint64(sregCPSR)), rm, inst.Imm(0))

	// BX Rm
	case op == 0x121:
		return newi(BX, rm)

	// BLX Rm
	case op == 0x123:
		return newi(BLX, rm)

	// Data processing, register operand, no shift.
	case op == 0x000 && noShift:
		return newi(inst.AND, rd, rn, rm)
	case op == 0x020 && noShift:
		return newi(inst.XOR, rd, rn, rm)
	case op == 0x040 && noShift:
		return newi(inst.SUB, rd, rn, rm)
	case (op == 0x080 || op == 0x0A0) && noShift: // ADD / ADC share the carry-in model
		return newi(inst.ADD, rd, rn, rm)
	case op == 0x150 && noShift: // CMP Rn, Rm: flags only, result discarded
		return newi(inst.SUB, inst.Tmp(1), rn, rm)
	case op == 0x180 && noShift:
		return newi(inst.OR, rd, rn, rm)
	case op == 0x1E0 && noShift:
		return newi(inst.NOT, rd, rm)

	// LSL: shift by immediate, or a plain register move when the
	// amount is zero. 0x1A1 shifts by register.
	case op == 0x1A0:
		amt := word >> 7 & 31
		if amt == 0 {
			return newi(inst.MOVE, rd, rm)
		}
		return newi(inst.SHL, rd, rm, inst.Imm(uint64(amt)))
	case op == 0x1A1:
		return newi(inst.SHL, rd, rm, reg(word, 8))
	// LSR immediate / register.
	case op == 0x1A2:
		amt := word >> 7 & 31
		if amt == 0 {
			amt = 32
		}
		return newi(inst.SHR, rd, rm, inst.Imm(uint64(amt)))
	case op == 0x1A3:
		return newi(inst.SHR, rd, rm, reg(word, 8))
	// ROR immediate / register.
	case op == 0x1A6:
		amt := word >> 7 & 31
		if amt != 0 {
			return newi(inst.ROR, rd, rm, inst.Imm(uint64(amt)))
		}
		return inst.Instruction{}, fmt.Errorf("arm: RRX not supported (%08x at %#x)", word, addr)
	case op == 0x1A7:
		return newi(inst.ROR, rd, rm, reg(word, 8))

	// Data processing, immediate operand.
	case op >= 0x200 && op <= 0x20F:
		return newi(inst.AND, rd, rn, inst.Imm(expandImm(word&0xFFF)))
	case op >= 0x220 && op <= 0x22F:
		return newi(inst.XOR, rd, rn, inst.Imm(expandImm(word&0xFFF)))
	case op >= 0x240 && op <= 0x24F:
		return newi(inst.SUB, rd, rn, inst.Imm(expandImm(word&0xFFF)))
	case op >= 0x280 && op <= 0x29F: // ADD / ADDS
		return newi(inst.ADD, rd, rn, inst.Imm(expandImm(word&0xFFF)))
	case op >= 0x350 && op <= 0x35F: // CMP immediate
		return newi(inst.SUB, inst.Tmp(1), rn, inst.Imm(expandImm(word&0xFFF)))
	case op >= 0x380 && op <= 0x38F:
		return newi(inst.OR, rd, rn, inst.Imm(expandImm(word&0xFFF)))
	case op >= 0x3A0 && op <= 0x3BF: // MOV immediate
		if word>>12&0xF == regPC {
			return inst.Instruction{}, fmt.Errorf("arm: move immediate to PC at %#x", addr)
		}
		return newi(inst.MOVE, rd, inst.Imm(expandImm(word&0xFFF)))
	case op >= 0x3E0 && op <= 0x3EF: // MVN immediate
		return newi(inst.NOT, rd, inst.Imm(expandImm(word&0xFFF)))

	// STR / LDR with immediate offset.
	case op >= 0x580 && op <= 0x58F:
		return inst.New(4, ccode, inst.Size32, inst.STORE_OFS,
			rd, rn, inst.Imm(signExtend(12, word&0xFFF))), nil
	case op >= 0x590 && op <= 0x59F:
		return inst.New(4, ccode, inst.Size32, inst.LOAD_OFS,
			rd, rn, inst.Imm(signExtend(12, word&0xFFF))), nil

	// B / BL: target is addr + 8 + offset*4.
	case op >= 0xA00 && op <= 0xAFF:
		return newi(inst.JUMP, inst.Imm(addr+8+signExtend(24, word&0xFFFFFF)*4))
	case op >= 0xB00 && op <= 0xBFF:
		return newi(inst.CALL, inst.Imm(addr+8+signExtend(24, word&0xFFFFFF)*4))
	}

	log.Errorf("arm: unknown opcode %08x (op=%03x) at %#x", word, op, addr)
	return inst.Instruction{}, fmt.Errorf("arm: unknown opcode %08x at %#x", word, addr)
}

func disassembleThumb(mem *memory.Memory, addr uint64) (inst.Instruction, error) {
	hv, ok := mem.ReadU16(addr)
	if !ok {
		return inst.Instruction{}, fmt.Errorf("arm: unmapped fetch at %#x", addr)
	}
	h, known := hv.ValKnown()
	if !known {
		return inst.Instruction{}, fmt.Errorf("arm: non-concrete fetch at %#x", addr)
	}
	word := uint32(h)

	newi := func(class inst.Class, params ...inst.Param) (inst.Instruction, error) {
		return inst.New(2, inst.CondAlways, inst.Size32, class, params...), nil
	}

	switch {
	// Shift by immediate: LSL/LSR (ASR approximated by LSR).
	case word>>13 == 0b000 && word>>11&3 != 3:
		op := word >> 11 & 3
		imm5 := uint64(word >> 6 & 31)
		rm := reg3(word, 3)
		rd := reg3(word, 0)
		if op == 0 && imm5 == 0 {
			return newi(inst.MOVE, rd, rm)
		}
		if op == 0 {
			return newi(inst.SHL, rd, rm, inst.Imm(imm5))
		}
		if imm5 == 0 {
			imm5 = 32
		}
		return newi(inst.SHR, rd, rm, inst.Imm(imm5))

	// ADD/SUB with register or 3-bit immediate.
	case word>>11 == 0b00011:
		class := inst.ADD
		if word>>9&1 == 1 {
			class = inst.SUB
		}
		var operand inst.Param
		if word>>10&1 == 1 {
			operand = inst.Imm(uint64(word >> 6 & 7))
		} else {
			operand = reg3(word, 6)
		}
		return newi(class, reg3(word, 0), reg3(word, 3), operand)

	// MOV/CMP/ADD/SUB with 8-bit immediate.
	case word>>13 == 0b001:
		rd := reg3(word, 8)
		imm := inst.Imm(uint64(word & 0xFF))
		switch word >> 11 & 3 {
		case 0:
			return newi(inst.MOVE, rd, imm)
		case 1:
			return newi(inst.SUB, inst.Tmp(1), rd, imm)
		case 2:
			return newi(inst.ADD, rd, rd, imm)
		default:
			return newi(inst.SUB, rd, rd, imm)
		}

	// ALU operations on registers.
	case word>>10 == 0b010000:
		rs := reg3(word, 3)
		rd := reg3(word, 0)
		switch word >> 6 & 0xF {
		case 0x0:
			return newi(inst.AND, rd, rd, rs)
		case 0x1:
			return newi(inst.XOR, rd, rd, rs)
		case 0x2:
			return newi(inst.SHL, rd, rd, rs)
		case 0x3:
			return newi(inst.SHR, rd, rd, rs)
		case 0x5: // ADC
			return newi(inst.ADD, rd, rd, rs)
		case 0x6: // SBC
			return newi(inst.SUB, rd, rd, rs)
		case 0x7:
			return newi(inst.ROR, rd, rd, rs)
		case 0x8: // TST
			return newi(inst.AND, inst.Tmp(1), rd, rs)
		case 0x9: // NEG
			return newi(inst.SUB, rd, inst.Imm(0), rs)
		case 0xA: // CMP
			return newi(inst.SUB, inst.Tmp(1), rd, rs)
		case 0xC:
			return newi(inst.OR, rd, rd, rs)
		case 0xD:
			return newi(inst.MUL, rd, rd, rs)
		case 0xF:
			return newi(inst.NOT, rd, rs)
		}
		return inst.Instruction{}, fmt.Errorf("arm: thumb ALU op %x at %#x", word>>6&0xF, addr)

	// Hi-register MOV and BX/BLX.
	case word>>10 == 0b010001:
		h1 := word >> 7 & 1
		rs := uint8(word >> 3 & 0xF) // includes H2
		rd := uint8(word&7 | h1<<3)
		switch word >> 8 & 3 {
		case 2:
			return newi(inst.MOVE, inst.Reg(rd), inst.Reg(rs))
		case 3:
			if h1 == 0 {
				return newi(BX, inst.Reg(rs))
			}
			return newi(BLX, inst.Reg(rs))
		}
		return inst.Instruction{}, fmt.Errorf("arm: thumb hi-reg op %04x at %#x", word, addr)

	// LDR literal: the base is resolved at decode time.
	case word>>11 == 0b01001:
		base := (addr + 4) &^ 3
		return newi(inst.LOAD_OFS, reg3(word, 8), inst.Imm(base), inst.Imm(uint64(word&0xFF)*4))

	// PUSH / POP register lists.
	case word&0xFE00 == 0xB400:
		mask := uint64(word & 0xFF)
		if word>>8&1 == 1 {
			mask |= 1 << regLR
		}
		return newi(PUSH, inst.Imm(mask))
	case word&0xFE00 == 0xBC00:
		mask := uint64(word & 0xFF)
		if word>>8&1 == 1 {
			mask |= 1 << regPC
		}
		return newi(POP, inst.Imm(mask))

	// Conditional branch.
	case word>>12 == 0b1101 && word>>8&0xF < 0xE:
		target := addr + 4 + signExtend(8, word&0xFF)*2
		return inst.New(2, cond(word>>8&0xF), inst.Size32, inst.JUMP, inst.Imm(target)), nil

	// Unconditional branch.
	case word>>11 == 0b11100:
		return newi(inst.JUMP, inst.Imm(addr+4+signExtend(11, word&0x7FF)*2))

	// BL: a pair of halfwords decoded as one 4-byte call.
	case word>>11 == 0b11110:
		lv, ok := mem.ReadU16(addr + 2)
		if !ok {
			return inst.Instruction{}, fmt.Errorf("arm: unmapped fetch at %#x", addr+2)
		}
		low, known := lv.ValKnown()
		if !known || low>>11 != 0b11111 {
			return inst.Instruction{}, fmt.Errorf("arm: broken BL pair at %#x", addr)
		}
		target := addr + 4 + (signExtend(11, word&0x7FF) << 12) + uint64(low&0x7FF)*2
		return inst.New(4, inst.CondAlways, inst.Size32, inst.CALL, inst.Imm(target)), nil
	}

	log.Errorf("arm: unknown thumb opcode %04x at %#x", word, addr)
	return inst.Instruction{}, fmt.Errorf("arm: unknown thumb opcode %04x at %#x", word, addr)
}

// ---
// Helpers
// ---

func signExtend(bits uint, v uint32) uint64 {
	if v>>(bits-1) != 0 {
		return uint64(v) | ^uint64(0)<<bits
	}
	return uint64(v)
}

// expandImm decodes an ARM rotated 8-bit immediate.
func expandImm(imm12 uint32) uint64 {
	val := imm12 & 0xFF
	count := imm12 >> 8 & 0xF * 2
	return uint64(val>>count | val<<(32-count))
}

func reg(word uint32, ofs uint) inst.Param {
	return inst.Reg(uint8(word >> ofs & 15))
}

// reg3 extracts a THUMB 3-bit register field.
func reg3(word uint32, ofs uint) inst.Param {
	return inst.Reg(uint8(word >> ofs & 7))
}
