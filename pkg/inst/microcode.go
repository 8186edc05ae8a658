package inst

import "github.com/oisee/binview/pkg/value"

// UCodeOp is a size-parameterised primitive invoked by operation classes.
// LOAD and STORE bridge the 64-bit register domain to sized memory; JUMP and
// CALL feed the discovery worklist.
type UCodeOp interface {
	Forwards(st Runner, size Size, mode Mode, params []Param)
	Backwards(st Runner, size Size, mode Mode, params []Param)
}

var (
	UJump  UCodeOp = ucodeJump{}
	UCall  UCodeOp = ucodeCall{}
	ULoad  UCodeOp = ucodeLoad{}
	UStore UCodeOp = ucodeStore{}
)

type ucodeJump struct{}

func (ucodeJump) Forwards(st Runner, _ Size, mode Mode, params []Param) {
	st.Jump(st.Get(params[0]), mode)
}

func (ucodeJump) Backwards(Runner, Size, Mode, []Param) {
	panic("inst: running a jump backwards is impossible")
}

type ucodeCall struct{}

func (ucodeCall) Forwards(st Runner, _ Size, mode Mode, params []Param) {
	st.Call(st.Get(params[0]), mode)
}

func (ucodeCall) Backwards(Runner, Size, Mode, []Param) {
	panic("inst: running a call backwards is impossible")
}

type ucodeLoad struct{}

// Forwards loads params[0] from the address in params[1], zero-extending to
// the full register width.
func (ucodeLoad) Forwards(st Runner, size Size, _ Mode, params []Param) {
	addr := st.Get(params[1])
	st.Set(params[0], st.ReadMem(addr, size))
}

func (ucodeLoad) Backwards(st Runner, size Size, _ Mode, params []Param) {
	if params[0] != params[1] {
		addr := st.Get(params[1])
		st.WriteMem(addr, size, st.Get(params[0]))
	}
	st.Set(params[0], value.Unknown[uint64]())
}

type ucodeStore struct{}

// Forwards stores the low size bits of params[0] at the address in params[1].
func (ucodeStore) Forwards(st Runner, size Size, _ Mode, params []Param) {
	addr := st.Get(params[1])
	st.WriteMem(addr, size, st.Get(params[0]))
}

func (ucodeStore) Backwards(st Runner, size Size, _ Mode, params []Param) {
	if params[0] != params[1] {
		addr := st.Get(params[1])
		st.WriteMem(addr, size, st.Get(params[0]))
	}
	st.Set(params[0], value.Unknown[uint64]())
}
