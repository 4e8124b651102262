package unwind

import "fmt"

// RegionMemory serves reads from a single contiguous byte region, such as
// a captured stack segment. It implements op.MemoryReader.
type RegionMemory struct {
	base uint64
	data []byte
}

// NewRegionMemory returns a RegionMemory holding data mapped at base.
func NewRegionMemory(base uint64, data []byte) *RegionMemory {
	return &RegionMemory{base: base, data: data}
}

// ReadMemory copies len(buf) bytes starting at addr into buf.
func (m *RegionMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	if addr < m.base || addr-m.base > uint64(len(m.data)) {
		return 0, fmt.Errorf("address %#x outside region [%#x, %#x)", addr, m.base, m.base+uint64(len(m.data)))
	}
	n := copy(buf, m.data[addr-m.base:])
	if n < len(buf) {
		return n, fmt.Errorf("short read at %#x: %d of %d bytes", addr, n, len(buf))
	}
	return n, nil
}
