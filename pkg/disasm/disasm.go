// Package disasm is the disassembly core: recursive-descent discovery of
// basic blocks from entry points, followed by fixed-point analysis passes
// that attach end states to blocks and register summaries to functions.
package disasm

import (
	"fmt"
	"io"
	"sort"

	"github.com/bits-and-blooms/bitset"
	log "github.com/sirupsen/logrus"

	"github.com/oisee/binview/pkg/cpu"
	"github.com/oisee/binview/pkg/inst"
	"github.com/oisee/binview/pkg/memory"
)

// Disassembled is the driver. It owns the sorted block list, the pending
// address worklist, and the function map.
type Disassembled struct {
	mem *memory.Memory
	cpu cpu.CPU

	blocks  []*Block
	todo    map[inst.CodePtr]struct{}
	methods map[inst.CodePtr]*Function
}

// New builds an empty driver over a memory view and an architecture backend.
func New(mem *memory.Memory, c cpu.CPU) *Disassembled {
	return &Disassembled{
		mem:     mem,
		cpu:     c,
		todo:    make(map[inst.CodePtr]struct{}),
		methods: make(map[inst.CodePtr]*Function),
	}
}

// InstrCount returns the total number of converted instructions.
func (d *Disassembled) InstrCount() int {
	n := 0
	for _, b := range d.blocks {
		n += len(b.Instrs())
	}
	return n
}

// Blocks returns the address-sorted block list.
func (d *Disassembled) Blocks() []*Block { return d.blocks }

// Function returns the summary of the function at ptr, if one is known.
func (d *Disassembled) Function(ptr inst.CodePtr) (*Function, bool) {
	f, ok := d.methods[ptr]
	return f, ok
}

// FunctionAddrs returns the discovered function entry points in sorted order.
func (d *Disassembled) FunctionAddrs() []inst.CodePtr {
	addrs := make([]inst.CodePtr, 0, len(d.methods))
	for a := range d.methods {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Cmp(addrs[j]) < 0 })
	return addrs
}

// findBlock locates the block containing ptr.
func (d *Disassembled) findBlock(ptr inst.CodePtr) (int, bool) {
	i := sort.Search(len(d.blocks), func(i int) bool {
		return d.blocks[i].Range().ContainsOrd(ptr) >= 0
	})
	if i < len(d.blocks) && d.blocks[i].Range().Contains(ptr) {
		return i, true
	}
	return i, false
}

// insertBlock places a new block into the sorted list. Overlap with an
// existing block is an internal invariant violation.
func (d *Disassembled) insertBlock(blk *Block) {
	first := blk.Range().First()
	i, found := d.findBlock(first)
	if found || (i < len(d.blocks) && blk.Range().Contains(d.blocks[i].Range().First())) {
		panic(fmt.Sprintf("disasm: block %s overlaps an existing block", blk.Range()))
	}
	d.blocks = append(d.blocks, nil)
	copy(d.blocks[i+1:], d.blocks[i:])
	d.blocks[i] = blk

	// Queued addresses now covered by the block would otherwise violate
	// the worklist invariant.
	for t := range d.todo {
		if blk.Range().Contains(t) {
			delete(d.todo, t)
		}
	}
}

// splitBlockAt splits the block at index i so that ptr starts a fresh block.
func (d *Disassembled) splitBlockAt(i int, ptr inst.CodePtr) {
	right := d.blocks[i].SplitAt(ptr)
	d.blocks = append(d.blocks, nil)
	copy(d.blocks[i+2:], d.blocks[i+1:])
	d.blocks[i+1] = right
}

// ConvertFrom disassembles recursively starting at ip. Landing inside an
// already-converted block splits it at the landing point.
func (d *Disassembled) ConvertFrom(ip inst.CodePtr) {
	log.Debugf("convert_from(ip=%s)", ip)

	if i, ok := d.findBlock(ip); ok {
		if d.blocks[i].Range().First() == ip {
			log.Debugf("- already converted, starts block %s", d.blocks[i].Range())
			return
		}
		log.Debugf("- already converted, splitting block %s", d.blocks[i].Range())
		d.splitBlockAt(i, ip)
		return
	}

	localTodo := make(map[inst.CodePtr]struct{})
	blk := d.convertBlock(ip, localTodo)
	d.insertBlock(blk)

	// Promote the local worklist: split blocks that already contain a
	// target, queue the rest. Sorted for reproducibility.
	targets := make([]inst.CodePtr, 0, len(localTodo))
	for t := range localTodo {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Cmp(targets[j]) < 0 })

	for _, t := range targets {
		if i, ok := d.findBlock(t); ok {
			if d.blocks[i].Range().First() == t {
				log.Tracef("%s already starts block %d, ignoring", t, i)
				continue
			}
			d.splitBlockAt(i, t)
			continue
		}
		d.todo[t] = struct{}{}
	}
}

// convertBlock decodes one block starting at start, collecting branch and
// call targets into localTodo.
func (d *Disassembled) convertBlock(start inst.CodePtr, localTodo map[inst.CodePtr]struct{}) *Block {
	st := cpu.NewState(cpu.ModeParse, d.cpu, d.mem)
	var instrs []inst.Instruction
	var ftRef *inst.CodePtr

	addr := start.Addr()
	mode := start.Mode()

	for {
		cur := inst.NewCodePtr(mode, addr)
		if len(instrs) > 0 {
			// Stop short of addresses already owned or queued; control
			// falls through to them.
			if _, queued := d.todo[cur]; queued {
				log.Trace("- hit queued target")
				ftRef = &cur
				break
			}
			if _, ok := d.findBlock(cur); ok {
				log.Trace("- hit existing block")
				ftRef = &cur
				break
			}
		}

		in, err := d.cpu.Disassemble(d.mem, addr, mode)
		if err != nil {
			log.Errorf("disassembly of %#x [mode=%d] failed: %v", addr, mode, err)
			in = inst.Invalid()
		}
		in.SetAddr(cur)
		log.Debugf("> %s", in.String())

		// A conditional landing mid-block gets a block of its own, so a
		// conditional is always the last instruction of its block.
		if in.IsConditional() && len(instrs) > 0 {
			localTodo[cur] = struct{}{}
			ftRef = &cur
			break
		}

		d.cpu.PrepState(st, addr, mode)
		st.Run(&in)

		isTerminal := in.IsTerminal()
		isCond := in.IsConditional()
		addr += uint64(in.Len())
		instrs = append(instrs, in)

		if isTerminal {
			break
		}
		if isCond {
			next := inst.NewCodePtr(mode, addr)
			localTodo[next] = struct{}{}
			ftRef = &next
			break
		}
	}

	instrs[0].MarkTarget()
	blk := NewBlock(instrs)

	for _, t := range st.PendingTargets() {
		localTodo[t.Ptr] = struct{}{}
		if t.IsCall {
			if _, ok := d.methods[t.Ptr]; !ok {
				d.methods[t.Ptr] = NewFunction()
			}
		} else {
			blk.AddRef(t.Ptr)
		}
	}
	if ftRef != nil {
		blk.AddRef(*ftRef)
	}

	log.Debugf("- complete at IP=%#x", addr)
	return blk
}

// ConvertQueue drains the pending-address worklist until it stays empty,
// returning the number of addresses processed.
func (d *Disassembled) ConvertQueue() int {
	log.Debugf("convert_queue(): todo = %d entries", len(d.todo))
	total := 0
	for len(d.todo) > 0 {
		batch := make([]inst.CodePtr, 0, len(d.todo))
		for p := range d.todo {
			batch = append(batch, p)
		}
		sort.Slice(batch, func(i, j int) bool { return batch[i].Cmp(batch[j]) < 0 })
		d.todo = make(map[inst.CodePtr]struct{})
		total += len(batch)
		for _, p := range batch {
			d.ConvertFrom(p)
		}
	}
	return total
}

// PassBlockRun executes every block that has no end state yet and stores the
// resulting state. Returns the number of blocks updated.
func (d *Disassembled) PassBlockRun() int {
	count := 0
	for _, blk := range d.blocks {
		if blk.EndState() != nil {
			log.Tracef("block %s already has state", blk.Range())
			continue
		}
		st := cpu.NewState(cpu.ModeBlockify, d.cpu, d.mem)
		for i := range blk.Instrs() {
			st.Run(&blk.Instrs()[i])
		}
		blk.SetEndState(st.TakeData())
		count++
	}
	return count
}

// walkItem is one pending path during the calling-convention walk.
type walkItem struct {
	idx  int
	data cpu.StateData
	path []int
}

// PassCallingConv walks every discovered function with canary-primed
// registers, unions the end states into its summary, and advances its
// knowledge level. Returns how many functions advanced.
func (d *Disassembled) PassCallingConv() int {
	advanced := 0
	for _, addr := range d.FunctionAddrs() {
		fn := d.methods[addr]
		if fn.CC == cpu.KnowledgeFull {
			continue
		}
		log.Debugf("method %s: %s", addr, fn)

		startIdx, ok := d.findBlock(addr)
		if !ok {
			panic(fmt.Sprintf("disasm: method %s not disassembled", addr))
		}
		d.blocks[startIdx].Instrs()[0].MarkCallTarget()

		resolver := func(ptr inst.CodePtr) *cpu.Summary {
			callee, ok := d.methods[ptr]
			if !ok {
				return &cpu.Summary{Level: cpu.KnowledgeUnknown}
			}
			return callee.Summary()
		}

		seed := cpu.NewState(cpu.ModeCallingConv, d.cpu, d.mem)
		seed.PrimeCanaries()

		fullyKnown := true
		var endStates []cpu.StateData
		stack := []walkItem{{idx: startIdx, data: seed.TakeData()}}

		for len(stack) > 0 {
			item := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			st := cpu.FromData(cpu.ModeCallingConv, d.cpu, d.mem, item.data)
			st.SetCalleeResolver(addr, resolver)
			blk := d.blocks[item.idx]
			for i := range blk.Instrs() {
				st.Run(&blk.Instrs()[i])
			}
			if !st.WillBeFullyKnown() {
				fullyKnown = false
			}

			refs := blk.Refs()
			if len(refs) == 0 {
				log.Trace("- reached end of method")
				endStates = append(endStates, st.TakeData())
				continue
			}

			path := append(append([]int(nil), item.path...), item.idx)
			data := st.TakeData()
			pushed := false
			for _, ref := range refs {
				j, ok := d.findBlock(ref)
				if !ok {
					panic(fmt.Sprintf("disasm: target block %s not disassembled", ref))
				}
				if containsIdx(path, j) {
					// Looping back cannot grow the summary further.
					continue
				}
				stack = append(stack, walkItem{idx: j, data: data.Clone(), path: path})
				pushed = true
			}
			if !pushed {
				// Every successor looped back; the path collapses here.
				endStates = append(endStates, data)
			}
		}

		for i := range endStates {
			grow(fn.Inputs, endStates[i].Inputs)
			grow(fn.Clobbers, endStates[i].Writtens)
		}

		newCC := cpu.KnowledgePartial
		if fullyKnown {
			newCC = cpu.KnowledgeFull
		}
		if newCC > fn.CC {
			fn.CC = newCC
			advanced++
		}
		log.Debugf("method %s now: %s", addr, fn)
	}
	return advanced
}

// grow unions src into dst.
func grow(dst, src *bitset.BitSet) {
	dst.InPlaceUnion(src)
}

func containsIdx(path []int, idx int) bool {
	for _, p := range path {
		if p == idx {
			return true
		}
	}
	return false
}

// Dump writes the textual program listing: function entries are prefixed by
// a blank line and '@', other block leaders by '>', end states by '='.
func (d *Disassembled) Dump(w io.Writer) error {
	for _, blk := range d.blocks {
		first := blk.Range().First()
		marker := ">"
		if _, ok := d.methods[first]; ok {
			marker = "\n\n@"
		}
		if _, err := fmt.Fprint(w, marker); err != nil {
			return err
		}
		for i := range blk.Instrs() {
			if _, err := fmt.Fprintf(w, "%s\n ", blk.Instrs()[i].String()); err != nil {
				return err
			}
		}
		if es := blk.EndState(); es != nil {
			if _, err := fmt.Fprintf(w, "=%s\n", es); err != nil {
				return err
			}
		}
	}
	return nil
}
