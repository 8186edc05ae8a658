// Package memory models the target's address space as a sorted list of
// non-overlapping regions: ROM backed by image bytes, RAM holding dynamic
// values, and MMIO windows whose contents are never known.
package memory

import (
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/oisee/binview/pkg/value"
)

type regionKind uint8

const (
	regionROM regionKind = iota
	regionRAM
	regionMMIO
)

type region struct {
	start uint64
	size  uint64
	kind  regionKind

	rom   []byte               // regionROM: repeats to fill size
	ram   []value.Value[uint8] // regionRAM
	class string               // regionMMIO
}

// Memory is the memory view shared by the decoder and the abstract state.
type Memory struct {
	bigEndian bool
	regions   []region
}

// New returns an empty little-endian memory view.
func New() *Memory {
	return &Memory{}
}

// SetBigEndian selects the byte order used by multi-byte reads and writes.
func (m *Memory) SetBigEndian(big bool) {
	m.bigEndian = big
}

// BigEndian reports the configured byte order.
func (m *Memory) BigEndian() bool {
	return m.bigEndian
}

func (m *Memory) insert(r region) error {
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].start+m.regions[i].size > r.start
	})
	if i < len(m.regions) && m.regions[i].start < r.start+r.size {
		o := &m.regions[i]
		return fmt.Errorf("memory: region %#x+%#x overlaps %#x+%#x", r.start, r.size, o.start, o.size)
	}
	m.regions = append(m.regions, region{})
	copy(m.regions[i+1:], m.regions[i:])
	m.regions[i] = r
	return nil
}

// AddRAM maps size bytes of RAM at base. Cells start out unknown.
func (m *Memory) AddRAM(base, size uint64) error {
	cells := make([]value.Value[uint8], size)
	for i := range cells {
		cells[i] = value.Unknown[uint8]()
	}
	log.Debugf("add RAM %#x+%#x", base, size)
	return m.insert(region{start: base, size: size, kind: regionRAM, ram: cells})
}

// AddROM maps size bytes of ROM at base, backed by data. The backing length
// must divide the region size; the image repeats to fill the region.
func (m *Memory) AddROM(base, size uint64, data []byte) error {
	if len(data) == 0 || size%uint64(len(data)) != 0 {
		return fmt.Errorf("memory: ROM image of %d bytes does not divide region size %#x", len(data), size)
	}
	log.Debugf("add ROM %#x+%#x (%d byte image)", base, size, len(data))
	return m.insert(region{start: base, size: size, kind: regionROM, rom: data})
}

// AddMMIO maps an MMIO window at base. Reads from it are always unknown.
func (m *Memory) AddMMIO(base, size uint64, class string) error {
	log.Debugf("add MMIO %#x+%#x class=%s", base, size, class)
	return m.insert(region{start: base, size: size, kind: regionMMIO, class: class})
}

// getRegion finds the region containing addr and the offset into it.
func (m *Memory) getRegion(addr uint64) (*region, uint64) {
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].start+m.regions[i].size > addr
	})
	if i == len(m.regions) || addr < m.regions[i].start {
		return nil, 0
	}
	return &m.regions[i], addr - m.regions[i].start
}

func (r *region) readU8(ofs uint64) value.Value[uint8] {
	switch r.kind {
	case regionROM:
		return value.Known(r.rom[ofs%uint64(len(r.rom))])
	case regionRAM:
		return r.ram[ofs]
	default:
		return value.Unknown[uint8]()
	}
}

func (r *region) writeU8(ofs uint64, v value.Value[uint8]) {
	switch r.kind {
	case regionRAM:
		r.ram[ofs] = v
	default:
		log.Warnf("write to read-only region at offset %#x dropped", ofs)
	}
}

// byteOffsets returns the region offsets of an n-byte access in value order
// (offset of the least significant byte first), or false when the access is
// unmapped or crosses the region edge.
func (m *Memory) byteOffsets(addr uint64, n uint64) (*region, []uint64, bool) {
	r, ofs := m.getRegion(addr)
	if r == nil || ofs+n > r.size {
		return nil, nil, false
	}
	offs := make([]uint64, n)
	for i := uint64(0); i < n; i++ {
		if m.bigEndian {
			offs[i] = ofs + (n - 1 - i)
		} else {
			offs[i] = ofs + i
		}
	}
	return r, offs, true
}

// ReadU8 reads one byte. The second result is false iff addr is unmapped.
func (m *Memory) ReadU8(addr uint64) (value.Value[uint8], bool) {
	r, ofs := m.getRegion(addr)
	if r == nil {
		return value.Unknown[uint8](), false
	}
	return r.readU8(ofs), true
}

// ReadU16 reads two bytes in the configured byte order.
func (m *Memory) ReadU16(addr uint64) (value.Value[uint16], bool) {
	r, offs, ok := m.byteOffsets(addr, 2)
	if !ok {
		return value.Unknown[uint16](), false
	}
	return value.Concat[uint16](r.readU8(offs[0]), r.readU8(offs[1])), true
}

// ReadU32 reads four bytes in the configured byte order.
func (m *Memory) ReadU32(addr uint64) (value.Value[uint32], bool) {
	r, offs, ok := m.byteOffsets(addr, 4)
	if !ok {
		return value.Unknown[uint32](), false
	}
	return value.Concat[uint32](
		value.Concat[uint16](r.readU8(offs[0]), r.readU8(offs[1])),
		value.Concat[uint16](r.readU8(offs[2]), r.readU8(offs[3])),
	), true
}

// ReadU64 reads eight bytes in the configured byte order.
func (m *Memory) ReadU64(addr uint64) (value.Value[uint64], bool) {
	r, offs, ok := m.byteOffsets(addr, 8)
	if !ok {
		return value.Unknown[uint64](), false
	}
	quarter := func(i int) value.Value[uint16] {
		return value.Concat[uint16](r.readU8(offs[i]), r.readU8(offs[i+1]))
	}
	return value.Concat[uint64](
		value.Concat[uint32](quarter(0), quarter(2)),
		value.Concat[uint32](quarter(4), quarter(6)),
	), true
}

// WriteU8 stores one byte. Writes outside RAM are dropped with a warning;
// the result is false iff addr is unmapped.
func (m *Memory) WriteU8(addr uint64, v value.Value[uint8]) bool {
	r, ofs := m.getRegion(addr)
	if r == nil {
		return false
	}
	r.writeU8(ofs, v)
	return true
}

// writeBytes splits v into n bytes and stores them in the configured order.
func writeBytes[T value.Word](m *Memory, addr uint64, v value.Value[T], n uint64) bool {
	r, offs, ok := m.byteOffsets(addr, n)
	if !ok {
		return false
	}
	cur := value.ZeroExtend[uint64](v)
	for i := uint64(0); i < n; i++ {
		r.writeU8(offs[i], value.Truncate[uint8](cur))
		_, cur = cur.Shr(8)
	}
	return true
}

// WriteU16 stores two bytes in the configured byte order.
func (m *Memory) WriteU16(addr uint64, v value.Value[uint16]) bool {
	return writeBytes(m, addr, v, 2)
}

// WriteU32 stores four bytes in the configured byte order.
func (m *Memory) WriteU32(addr uint64, v value.Value[uint32]) bool {
	return writeBytes(m, addr, v, 4)
}

// WriteU64 stores eight bytes in the configured byte order.
func (m *Memory) WriteU64(addr uint64, v value.Value[uint64]) bool {
	return writeBytes(m, addr, v, 8)
}
