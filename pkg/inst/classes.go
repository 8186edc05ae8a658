package inst

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/oisee/binview/pkg/value"
)

// The generic operation classes. Decoders map architecture opcodes onto
// these; architecture-specific behavior keeps its own classes next to the
// decoder.
var (
	MOVE      Class = moveClass{}
	ADD       Class = addClass{}
	SUB       Class = subClass{}
	AND       Class = andClass{}
	OR        Class = orClass{}
	XOR       Class = xorClass{}
	NOT       Class = notClass{}
	SHL       Class = shlClass{}
	SHR       Class = shrClass{}
	ROR       Class = rorClass{}
	MUL       Class = mulClass{}
	LOAD_OFS  Class = loadOfsClass{}
	STORE_OFS Class = storeOfsClass{}
	JUMP      Class = jumpClass{}
	CALL      Class = callClass{}
	INVALID   Class = invalidClass{}
)

// carryVal lifts a three-valued flag into the value domain.
func carryVal[T value.Word](c value.Bool) value.Value[T] {
	switch c {
	case value.True:
		return value.Known[T](1)
	case value.False:
		return value.Zero[T]()
	default:
		return value.Unknown[T]()
	}
}

// sized runs a width-generic worker for the instruction's operand size.
// Dispatching on SizeNA is a programmer error.
func sized[R any](size Size, name string,
	f8 func() R, f16 func() R, f32 func() R, f64 func() R) R {
	switch size {
	case Size8:
		return f8()
	case Size16:
		return f16()
	case Size32:
		return f32()
	case Size64:
		return f64()
	default:
		panic("inst: SizeNA dispatch in " + name)
	}
}

func print2(w io.Writer, p []Param) error {
	_, err := fmt.Fprintf(w, "%s, %s", p[0], p[1])
	return err
}

func print3(w io.Writer, p []Param) error {
	_, err := fmt.Fprintf(w, "%s, %s, %s", p[0], p[1], p[2])
	return err
}

// --- MOVE ---

type moveClass struct{}

func (moveClass) Name() string { return "MOVE" }
func (moveClass) IsTerminal([]Param) bool { return false }
func (moveClass) Print(w io.Writer, p []Param) error { return print2(w, p) }

func (moveClass) Forwards(st Runner, i *Instruction) {
	p := i.Params()
	st.Set(p[0], st.Get(p[1]))
}

func (moveClass) Backwards(st Runner, i *Instruction) {
	p := i.Params()
	v := st.Get(p[0])
	st.Set(p[0], value.Unknown[uint64]())
	st.Set(p[1], v)
}

// --- ADD / SUB ---

type addClass struct{}

func (addClass) Name() string { return "ADD" }
func (addClass) IsTerminal([]Param) bool { return false }
func (addClass) Print(w io.Writer, p []Param) error { return print3(w, p) }

func addFwd[T value.Word](a, b value.Value[uint64], ci value.Bool) (value.Value[uint64], value.Bool) {
	rv := value.Truncate[T](a).Add(value.Truncate[T](b)).Add(carryVal[T](ci))
	// Carry-out of a partially known addition is not modelled.
	return value.ZeroExtend[uint64](rv), value.BoolUnknown
}

func (addClass) Forwards(st Runner, i *Instruction) {
	p := i.Params()
	a, b := st.Get(p[1]), st.Get(p[2])
	ci := st.FlagGet(FlagCarry)
	type r struct {
		v value.Value[uint64]
		c value.Bool
	}
	res := sized(i.OpSize(), "ADD",
		func() r { v, c := addFwd[uint8](a, b, ci); return r{v, c} },
		func() r { v, c := addFwd[uint16](a, b, ci); return r{v, c} },
		func() r { v, c := addFwd[uint32](a, b, ci); return r{v, c} },
		func() r { v, c := addFwd[uint64](a, b, ci); return r{v, c} },
	)
	st.Set(p[0], res.v)
	st.FlagSet(FlagCarry, res.c)
}

func (addClass) Backwards(Runner, *Instruction) { panic("inst: ADD.backwards") }

type subClass struct{}

func (subClass) Name() string { return "SUB" }
func (subClass) IsTerminal([]Param) bool { return false }
func (subClass) Print(w io.Writer, p []Param) error { return print3(w, p) }

func subFwd[T value.Word](a, b value.Value[uint64], ci value.Bool) (value.Value[uint64], value.Bool) {
	rv := value.Truncate[T](a).Sub(value.Truncate[T](b)).Sub(carryVal[T](ci))
	return value.ZeroExtend[uint64](rv), value.BoolUnknown
}

func (subClass) Forwards(st Runner, i *Instruction) {
	p := i.Params()
	a, b := st.Get(p[1]), st.Get(p[2])
	ci := st.FlagGet(FlagCarry)
	type r struct {
		v value.Value[uint64]
		c value.Bool
	}
	res := sized(i.OpSize(), "SUB",
		func() r { v, c := subFwd[uint8](a, b, ci); return r{v, c} },
		func() r { v, c := subFwd[uint16](a, b, ci); return r{v, c} },
		func() r { v, c := subFwd[uint32](a, b, ci); return r{v, c} },
		func() r { v, c := subFwd[uint64](a, b, ci); return r{v, c} },
	)
	st.Set(p[0], res.v)
	st.FlagSet(FlagCarry, res.c)
}

func (subClass) Backwards(Runner, *Instruction) { panic("inst: SUB.backwards") }

// --- bitwise ---

type andClass struct{}

func (andClass) Name() string { return "AND" }
func (andClass) IsTerminal([]Param) bool { return false }
func (andClass) Print(w io.Writer, p []Param) error { return print3(w, p) }

func (andClass) Forwards(st Runner, i *Instruction) {
	p := i.Params()
	st.Set(p[0], st.Get(p[1]).And(st.Get(p[2])))
}

func (andClass) Backwards(Runner, *Instruction) { panic("inst: AND.backwards") }

type orClass struct{}

func (orClass) Name() string { return "OR" }
func (orClass) IsTerminal([]Param) bool { return false }
func (orClass) Print(w io.Writer, p []Param) error { return print3(w, p) }

func (orClass) Forwards(st Runner, i *Instruction) {
	p := i.Params()
	st.Set(p[0], st.Get(p[1]).Or(st.Get(p[2])))
}

func (orClass) Backwards(Runner, *Instruction) { panic("inst: OR.backwards") }

type xorClass struct{}

func (xorClass) Name() string { return "XOR" }
func (xorClass) IsTerminal([]Param) bool { return false }
func (xorClass) Print(w io.Writer, p []Param) error { return print3(w, p) }

func (xorClass) Forwards(st Runner, i *Instruction) {
	p := i.Params()
	st.Set(p[0], st.Get(p[1]).Xor(st.Get(p[2])))
}

func (xorClass) Backwards(Runner, *Instruction) { panic("inst: XOR.backwards") }

type notClass struct{}

func (notClass) Name() string { return "NOT" }
func (notClass) IsTerminal([]Param) bool { return false }
func (notClass) Print(w io.Writer, p []Param) error { return print2(w, p) }

func (notClass) Forwards(st Runner, i *Instruction) {
	p := i.Params()
	st.Set(p[0], st.Get(p[1]).Not())
}

func (notClass) Backwards(st Runner, i *Instruction) {
	p := i.Params()
	st.Set(p[1], st.Get(p[0]).Not())
}

// --- shifts and rotates ---

type shlClass struct{}

func (shlClass) Name() string { return "SHL" }
func (shlClass) IsTerminal([]Param) bool { return false }

func (shlClass) Print(w io.Writer, p []Param) error {
	_, err := fmt.Fprintf(w, "%s := %s << %s", p[0], p[1], p[2])
	return err
}

func shlFwd[T value.Word](v value.Value[uint64], count uint) (value.Value[uint64], value.Bool) {
	tv := value.Truncate[T](v)
	if count >= tv.BitSize() {
		return value.Zero[uint64](), value.BoolUnknown
	}
	extra, res := tv.Shl(count)
	return value.ZeroExtend[uint64](res), extra.Bit(0)
}

func (shlClass) Forwards(st Runner, i *Instruction) {
	p := i.Params()
	v := st.Get(p[1])
	count := st.Get(p[2])
	c, ok := count.ValKnown()
	if !ok {
		log.Warn("SHL by a non-fixed count")
		st.Set(p[0], value.Unknown[uint64]())
		return
	}
	type r struct {
		v value.Value[uint64]
		c value.Bool
	}
	res := sized(i.OpSize(), "SHL",
		func() r { ov, cf := shlFwd[uint8](v, uint(c)); return r{ov, cf} },
		func() r { ov, cf := shlFwd[uint16](v, uint(c)); return r{ov, cf} },
		func() r { ov, cf := shlFwd[uint32](v, uint(c)); return r{ov, cf} },
		func() r { ov, cf := shlFwd[uint64](v, uint(c)); return r{ov, cf} },
	)
	st.Set(p[0], res.v)
	st.FlagSet(FlagCarry, res.c)
}

func (shlClass) Backwards(Runner, *Instruction) { panic("inst: SHL.backwards") }

type shrClass struct{}

func (shrClass) Name() string { return "SHR" }
func (shrClass) IsTerminal([]Param) bool { return false }

func (shrClass) Print(w io.Writer, p []Param) error {
	_, err := fmt.Fprintf(w, "%s := %s >> %s", p[0], p[1], p[2])
	return err
}

func shrFwd[T value.Word](v value.Value[uint64], count uint) (value.Value[uint64], value.Bool) {
	tv := value.Truncate[T](v)
	if count > tv.BitSize() {
		return value.Zero[uint64](), value.False
	}
	extra, res := tv.Shr(count)
	return value.ZeroExtend[uint64](res), extra.Bit(tv.BitSize() - 1)
}

func (shrClass) Forwards(st Runner, i *Instruction) {
	p := i.Params()
	v := st.Get(p[1])
	count := st.Get(p[2])
	c, ok := count.ValKnown()
	if !ok {
		log.Warn("SHR by a non-fixed count")
		st.Set(p[0], value.Unknown[uint64]())
		st.FlagSet(FlagCarry, value.BoolUnknown)
		return
	}
	type r struct {
		v value.Value[uint64]
		c value.Bool
	}
	res := sized(i.OpSize(), "SHR",
		func() r { ov, cf := shrFwd[uint8](v, uint(c)); return r{ov, cf} },
		func() r { ov, cf := shrFwd[uint16](v, uint(c)); return r{ov, cf} },
		func() r { ov, cf := shrFwd[uint32](v, uint(c)); return r{ov, cf} },
		func() r { ov, cf := shrFwd[uint64](v, uint(c)); return r{ov, cf} },
	)
	st.Set(p[0], res.v)
	st.FlagSet(FlagCarry, res.c)
}

func (shrClass) Backwards(Runner, *Instruction) { panic("inst: SHR.backwards") }

type rorClass struct{}

func (rorClass) Name() string { return "ROR" }
func (rorClass) IsTerminal([]Param) bool { return false }

func (rorClass) Print(w io.Writer, p []Param) error {
	_, err := fmt.Fprintf(w, "%s := %s >>> %s", p[0], p[1], p[2])
	return err
}

// rorFwd rotates right. A count of the full width or more collapses to zero.
func rorFwd[T value.Word](v value.Value[uint64], count uint) value.Value[uint64] {
	tv := value.Truncate[T](v)
	if count >= tv.BitSize() {
		return value.Zero[uint64]()
	}
	extra, res := tv.Shr(count)
	return value.ZeroExtend[uint64](res.Or(extra))
}

func (rorClass) Forwards(st Runner, i *Instruction) {
	p := i.Params()
	v := st.Get(p[1])
	count := st.Get(p[2])
	c, ok := count.ValKnown()
	if !ok {
		log.Warn("ROR by a non-fixed count")
		st.Set(p[0], value.Unknown[uint64]())
		return
	}
	res := sized(i.OpSize(), "ROR",
		func() value.Value[uint64] { return rorFwd[uint8](v, uint(c)) },
		func() value.Value[uint64] { return rorFwd[uint16](v, uint(c)) },
		func() value.Value[uint64] { return rorFwd[uint32](v, uint(c)) },
		func() value.Value[uint64] { return rorFwd[uint64](v, uint(c)) },
	)
	st.Set(p[0], res)
}

func (rorClass) Backwards(Runner, *Instruction) { panic("inst: ROR.backwards") }

// --- MUL ---

type mulClass struct{}

func (mulClass) Name() string { return "MUL" }
func (mulClass) IsTerminal([]Param) bool { return false }
func (mulClass) Print(w io.Writer, p []Param) error { return print3(w, p) }

func (mulClass) Forwards(st Runner, i *Instruction) {
	p := i.Params()
	_, lo := st.Get(p[1]).Mul(st.Get(p[2]))
	st.Set(p[0], lo)
}

func (mulClass) Backwards(Runner, *Instruction) { panic("inst: MUL.backwards") }

// --- memory ---

type loadOfsClass struct{}

func (loadOfsClass) Name() string { return "LOAD_OFS" }
func (loadOfsClass) IsTerminal([]Param) bool { return false }

func (loadOfsClass) Print(w io.Writer, p []Param) error {
	_, err := fmt.Fprintf(w, "%s, [%s+%s]", p[0], p[1], p[2])
	return err
}

func (loadOfsClass) Forwards(st Runner, i *Instruction) {
	p := i.Params()
	addr := st.Get(p[1]).Add(st.Get(p[2]))
	st.Set(Tmp(0), addr)
	ULoad.Forwards(st, i.OpSize(), i.Mode(), []Param{p[0], Tmp(0)})
}

func (loadOfsClass) Backwards(st Runner, i *Instruction) {
	p := i.Params()
	if p[0] != p[1] && p[0] != p[2] {
		st.Set(Tmp(0), st.Get(p[1]).Add(st.Get(p[2])))
	}
	ULoad.Backwards(st, i.OpSize(), i.Mode(), []Param{p[0], Tmp(0)})
}

type storeOfsClass struct{}

func (storeOfsClass) Name() string { return "STORE_OFS" }
func (storeOfsClass) IsTerminal([]Param) bool { return false }

func (storeOfsClass) Print(w io.Writer, p []Param) error {
	_, err := fmt.Fprintf(w, "[%s+%s], %s", p[1], p[2], p[0])
	return err
}

func (storeOfsClass) Forwards(st Runner, i *Instruction) {
	p := i.Params()
	addr := st.Get(p[1]).Add(st.Get(p[2]))
	st.Set(Tmp(0), addr)
	UStore.Forwards(st, i.OpSize(), i.Mode(), []Param{p[0], Tmp(0)})
}

func (storeOfsClass) Backwards(st Runner, i *Instruction) {
	p := i.Params()
	addr := value.Unknown[uint64]()
	if p[0] != p[1] && p[0] != p[2] {
		addr = st.Get(p[1]).Add(st.Get(p[2]))
	}
	st.Set(Tmp(0), addr)
	UStore.Backwards(st, i.OpSize(), i.Mode(), []Param{p[0], Tmp(0)})
}

// --- control flow ---

type jumpClass struct{}

func (jumpClass) Name() string { return "JUMP" }
func (jumpClass) IsTerminal([]Param) bool { return true }

func (jumpClass) Print(w io.Writer, p []Param) error {
	_, err := fmt.Fprintf(w, "%s", p[0])
	return err
}

func (jumpClass) Forwards(st Runner, i *Instruction) {
	UJump.Forwards(st, i.OpSize(), i.Mode(), i.Params())
}

func (jumpClass) Backwards(Runner, *Instruction) { panic("inst: can't reverse a JUMP") }

type callClass struct{}

func (callClass) Name() string { return "CALL" }
func (callClass) IsTerminal([]Param) bool { return false }

func (callClass) Print(w io.Writer, p []Param) error {
	_, err := fmt.Fprintf(w, "%s", p[0])
	return err
}

func (callClass) Forwards(st Runner, i *Instruction) {
	UCall.Forwards(st, i.OpSize(), i.Mode(), i.Params())
}

func (callClass) Backwards(Runner, *Instruction) { panic("inst: CALL.backwards") }

// --- INVALID ---

type invalidClass struct{}

func (invalidClass) Name() string { return "INVALID" }
func (invalidClass) IsTerminal([]Param) bool { return true }

func (invalidClass) Print(w io.Writer, _ []Param) error {
	_, err := io.WriteString(w, "--")
	return err
}

func (invalidClass) Forwards(Runner, *Instruction) {}
func (invalidClass) Backwards(Runner, *Instruction) {}
