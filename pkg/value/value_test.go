package value

import "testing"

// TestAddIdentities verifies that adding known zero passes the other operand
// through untouched, including canaries.
func TestAddIdentities(t *testing.T) {
	cases := []struct {
		name string
		a, b Value[uint32]
		want Value[uint32]
	}{
		{"known+zero", Known[uint32](0x1234), Zero[uint32](), Known[uint32](0x1234)},
		{"zero+known", Zero[uint32](), Known[uint32](7), Known[uint32](7)},
		{"unknown+zero", Unknown[uint32](), Zero[uint32](), Unknown[uint32]()},
		{"input+zero", Input[uint32](3), Zero[uint32](), Input[uint32](3)},
		{"known+known", Known[uint32](2), Known[uint32](3), Known[uint32](5)},
		{"known+unknown", Known[uint32](2), Unknown[uint32](), Unknown[uint32]()},
		{"input+known", Input[uint32](1), Known[uint32](4), Unknown[uint32]()},
	}
	for _, tc := range cases {
		if got := tc.a.Add(tc.b); got != tc.want {
			t.Errorf("%s: %v + %v = %v, want %v", tc.name, tc.a, tc.b, got, tc.want)
		}
	}
}

func TestAddWraps(t *testing.T) {
	got := Known[uint8](0xFF).Add(Known[uint8](2))
	if v, ok := got.ValKnown(); !ok || v != 1 {
		t.Errorf("0xFF + 2 = %v, want 0x1", got)
	}
}

func TestSubIdentities(t *testing.T) {
	x := Input[uint16](9)
	if got := x.Sub(Zero[uint16]()); got != x {
		t.Errorf("x - 0 = %v, want %v", got, x)
	}
	if got := Known[uint16](5).Sub(Known[uint16](7)); !got.Equal(Known[uint16](0xFFFE)) {
		t.Errorf("5 - 7 = %v, want 0xfffe", got)
	}
	// Zero minus unknown must stay unknown: subtraction is not symmetric.
	if got := Zero[uint16]().Sub(Unknown[uint16]()); !got.IsUnknown() {
		t.Errorf("0 - ? = %v, want ?", got)
	}
}

func TestAndAbsorbs(t *testing.T) {
	for _, x := range []Value[uint8]{Unknown[uint8](), Known[uint8](0xA5), Input[uint8](0)} {
		if got := x.And(Zero[uint8]()); !got.Equal(Zero[uint8]()) {
			t.Errorf("%v & 0 = %v, want 0", x, got)
		}
		if got := Zero[uint8]().And(x); !got.Equal(Zero[uint8]()) {
			t.Errorf("0 & %v = %v, want 0", x, got)
		}
	}
	if got := Known[uint8](0xF0).And(Known[uint8](0x3C)); !got.Equal(Known[uint8](0x30)) {
		t.Errorf("AND = %v, want 0x30", got)
	}
}

func TestMulIdentities(t *testing.T) {
	x := Unknown[uint32]()
	hi, lo := x.Mul(Zero[uint32]())
	if !hi.Equal(Zero[uint32]()) || !lo.Equal(Zero[uint32]()) {
		t.Errorf("x * 0 = (%v,%v), want (0,0)", hi, lo)
	}
	hi, lo = Known[uint32](1).Mul(x)
	if !hi.Equal(Zero[uint32]()) || lo != x {
		t.Errorf("1 * x = (%v,%v), want (0,?)", hi, lo)
	}
	hi, lo = Known[uint32](0x10000).Mul(Known[uint32](0x10000))
	if !hi.Equal(Known[uint32](1)) || !lo.Equal(Zero[uint32]()) {
		t.Errorf("0x10000^2 = (%v,%v), want (0x1,0)", hi, lo)
	}
}

func TestMulWide64(t *testing.T) {
	hi, lo := Known[uint64](0xFFFFFFFFFFFFFFFF).Mul(Known[uint64](2))
	if h, _ := hi.ValKnown(); h != 1 {
		t.Errorf("hi = %v, want 0x1", hi)
	}
	if l, _ := lo.ValKnown(); l != 0xFFFFFFFFFFFFFFFE {
		t.Errorf("lo = %v, want 0xfffffffffffffffe", lo)
	}
}

func TestXorSelfCancels(t *testing.T) {
	a := Known[uint8](0xA7)
	if got := a.Xor(a); !got.Equal(Zero[uint8]()) {
		t.Errorf("a ^ a = %v, want 0", got)
	}
}

func TestNotInvolution(t *testing.T) {
	for _, v := range []uint16{0, 1, 0x8000, 0xFFFF, 0x1234} {
		if got := Known(v).Not().Not(); !got.Equal(Known(v)) {
			t.Errorf("~~%#x = %v", v, got)
		}
	}
	if got := Unknown[uint16]().Not(); !got.IsUnknown() {
		t.Errorf("~? = %v, want ?", got)
	}
}

func TestShifts(t *testing.T) {
	x := Known[uint8](0x81)

	out, res := x.Shl(0)
	if !out.Equal(Zero[uint8]()) || res != x {
		t.Errorf("shl 0 = (%v,%v), want (0,x)", out, res)
	}
	out, res = x.Shl(8)
	if out != x || !res.Equal(Zero[uint8]()) {
		t.Errorf("shl 8 = (%v,%v), want (x,0)", out, res)
	}
	out, res = x.Shl(1)
	if !out.Equal(Known[uint8](1)) || !res.Equal(Known[uint8](0x02)) {
		t.Errorf("shl 1 = (%v,%v), want (0x1,0x2)", out, res)
	}

	out, res = x.Shr(8)
	if out != x || !res.Equal(Zero[uint8]()) {
		t.Errorf("shr 8 = (%v,%v), want (x,0)", out, res)
	}
	out, res = x.Shr(1)
	if !out.Equal(Known[uint8](0x80)) || !res.Equal(Known[uint8](0x40)) {
		t.Errorf("shr 1 = (%v,%v), want (0x80,0x40)", out, res)
	}

	out, res = Unknown[uint8]().Shl(3)
	if !out.IsUnknown() || !res.IsUnknown() {
		t.Errorf("? shl 3 = (%v,%v), want (?,?)", out, res)
	}
	// Shifting past the width clamps rather than panicking.
	out, res = x.Shr(200)
	if out != x || !res.Equal(Zero[uint8]()) {
		t.Errorf("shr 200 = (%v,%v), want (x,0)", out, res)
	}
}

func TestConcatTruncate(t *testing.T) {
	lo := Known[uint8](0x34)
	hi := Known[uint8](0x12)
	v := Concat[uint16](lo, hi)
	if !v.Equal(Known[uint16](0x1234)) {
		t.Errorf("concat = %v, want 0x1234", v)
	}
	if got := Truncate[uint8](v); got != lo {
		t.Errorf("truncate(concat) = %v, want %v", got, lo)
	}
	if got := Concat[uint16](Unknown[uint8](), hi); !got.IsUnknown() {
		t.Errorf("concat with unknown = %v, want ?", got)
	}

	w := ZeroExtend[uint64](Known[uint16](0xBEEF))
	if !w.Equal(Known[uint64](0xBEEF)) {
		t.Errorf("zero_extend = %v, want 0xbeef", w)
	}
	if got := Truncate[uint16](w); !got.Equal(Known[uint16](0xBEEF)) {
		t.Errorf("truncate(zero_extend) = %v, want 0xbeef", got)
	}
	if got := Truncate[uint8](Known[uint16](0x1FF)); !got.Equal(Known[uint8](0xFF)) {
		t.Errorf("truncate drops upper bits: %v, want 0xff", got)
	}
}

func TestConcatBadWidthPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("concat of mismatched widths did not panic")
		}
	}()
	Concat[uint32](Known[uint8](0), Known[uint8](0))
}

func TestTruncatePreservesCanaryAtSameWidth(t *testing.T) {
	v := Input[uint64](5)
	if got := Truncate[uint64](v); got != v {
		t.Errorf("same-width truncate = %v, want %v", got, v)
	}
	if got := Truncate[uint32](v); !got.IsUnknown() {
		t.Errorf("narrowing truncate of canary = %v, want ?", got)
	}
}

func TestCmp(t *testing.T) {
	if _, ok := Unknown[uint8]().Cmp(Known[uint8](1)); ok {
		t.Error("unknown compared")
	}
	if c, ok := Input[uint8](2).Cmp(Input[uint8](2)); !ok || c != 0 {
		t.Error("same-tag canaries should compare equal")
	}
	if _, ok := Input[uint8](2).Cmp(Input[uint8](3)); ok {
		t.Error("different-tag canaries compared")
	}
	if c, ok := Known[uint8](1).Cmp(Known[uint8](2)); !ok || c != -1 {
		t.Errorf("1 cmp 2 = %d,%v", c, ok)
	}
}

func TestBit(t *testing.T) {
	v := Known[uint8](0b0100)
	if v.Bit(2) != True || v.Bit(1) != False {
		t.Errorf("bit query wrong: %v %v", v.Bit(2), v.Bit(1))
	}
	if Unknown[uint8]().Bit(0) != BoolUnknown {
		t.Error("bit of unknown should be unknown")
	}
	if Input[uint8](0).Bit(0) != BoolUnknown {
		t.Error("bit of canary should be unknown")
	}
}

func TestOnesAndBitSize(t *testing.T) {
	if v, _ := Ones[uint16]().ValKnown(); v != 0xFFFF {
		t.Errorf("ones = %#x", v)
	}
	if n := Known[uint32](0).BitSize(); n != 32 {
		t.Errorf("bitsize = %d", n)
	}
}

func TestPossibilities(t *testing.T) {
	p := Known[uint8](9).Possibilities()
	if len(p) != 1 || p[0] != 9 {
		t.Errorf("possibilities = %v", p)
	}
	defer func() {
		if recover() == nil {
			t.Error("possibilities of unknown did not panic")
		}
	}()
	Unknown[uint8]().Possibilities()
}

func TestString(t *testing.T) {
	if s := Known[uint16](0x1F).String(); s != "0x1f" {
		t.Errorf("String = %q", s)
	}
	if s := Unknown[uint8]().String(); s != "?" {
		t.Errorf("String = %q", s)
	}
	if s := Input[uint8](4).String(); s != "i4" {
		t.Errorf("String = %q", s)
	}
}
