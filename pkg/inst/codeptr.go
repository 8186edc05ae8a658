package inst

import "fmt"

// Mode is a CPU-specific execution mode (e.g. ARM vs THUMB). It is part of
// an instruction's identity: the same byte address under a different mode is
// a different instruction.
type Mode = uint32

// CodePtr identifies an instruction location as a (mode, address) pair,
// ordered by mode first.
type CodePtr struct {
	mode Mode
	addr uint64
}

// NewCodePtr builds a code pointer.
func NewCodePtr(mode Mode, addr uint64) CodePtr {
	return CodePtr{mode: mode, addr: addr}
}

// Mode returns the execution mode.
func (p CodePtr) Mode() Mode { return p.mode }

// Addr returns the byte address.
func (p CodePtr) Addr() uint64 { return p.addr }

// Cmp orders two pointers lexicographically by (mode, addr).
func (p CodePtr) Cmp(o CodePtr) int {
	switch {
	case p.mode < o.mode:
		return -1
	case p.mode > o.mode:
		return 1
	case p.addr < o.addr:
		return -1
	case p.addr > o.addr:
		return 1
	default:
		return 0
	}
}

func (p CodePtr) String() string {
	return fmt.Sprintf("%d:%#08x", p.mode, p.addr)
}

// CodeRange is an inclusive range of code pointers, first ≤ last.
type CodeRange struct {
	first, last CodePtr
}

// NewCodeRange builds a range. Panics when first > last.
func NewCodeRange(first, last CodePtr) CodeRange {
	if first.Cmp(last) > 0 {
		panic(fmt.Sprintf("inst: range %s--%s reversed", first, last))
	}
	return CodeRange{first: first, last: last}
}

// First returns the lowest pointer in the range.
func (r CodeRange) First() CodePtr { return r.first }

// Last returns the highest pointer in the range.
func (r CodeRange) Last() CodePtr { return r.last }

// Contains reports whether p falls within the range.
func (r CodeRange) Contains(p CodePtr) bool {
	return r.ContainsOrd(p) == 0
}

// ContainsOrd orders the range against a pointer for sorted lookup:
// +1 when the range lies above p, -1 when below, 0 when p is inside.
func (r CodeRange) ContainsOrd(p CodePtr) int {
	switch c := r.first.Cmp(p); {
	case c > 0:
		return 1
	case c == 0:
		return 0
	default:
		if r.last.Cmp(p) < 0 {
			return -1
		}
		return 0
	}
}

func (r CodeRange) String() string {
	return fmt.Sprintf("%s--%s", r.first, r.last)
}
