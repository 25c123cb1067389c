package pmm

import (
	"encoding/binary"
	"fmt"
)

// PhysMem is the byte arena backing every frame of a frame table.
// Frame f occupies bytes [f*PageSize, (f+1)*PageSize).
type PhysMem struct {
	data    []byte
	release func([]byte) error
}

// NewPhysMem maps an arena large enough for pages frames
func NewPhysMem(pages int) (*PhysMem, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("pmm: arena needs at least one page, got %d", pages)
	}
	data, release, err := mapArena(pages * PageSize)
	if err != nil {
		return nil, fmt.Errorf("pmm: map %d pages: %w", pages, err)
	}
	Debug("Mapped %d byte arena for %d pages", len(data), pages)
	return &PhysMem{data: data, release: release}, nil
}

// Size returns the arena size in bytes
func (m *PhysMem) Size() int {
	return len(m.data)
}

// Pages returns the number of frames the arena covers
func (m *PhysMem) Pages() int {
	return len(m.data) / PageSize
}

// Bytes returns the n bytes starting at addr
func (m *PhysMem) Bytes(addr PhysAddr, n int) []byte {
	assertf(n >= 0 && addr != NilAddr && addr <= PhysAddr(len(m.data)) && uint64(n) <= uint64(len(m.data))-uint64(addr),
		"access of %d bytes at %#x outside %d byte arena", n, addr, len(m.data))
	return m.data[addr : int(addr)+n : int(addr)+n]
}

// PageBytes returns the bytes of frame f
func (m *PhysMem) PageBytes(f Frame) []byte {
	return m.Bytes(f.Addr(), PageSize)
}

func (m *PhysMem) readUint64(addr PhysAddr) uint64 {
	return binary.LittleEndian.Uint64(m.Bytes(addr, 8))
}

func (m *PhysMem) writeUint64(addr PhysAddr, v uint64) {
	binary.LittleEndian.PutUint64(m.Bytes(addr, 8), v)
}

// Close releases the arena. The PhysMem must not be used afterwards.
func (m *PhysMem) Close() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	if m.release == nil {
		return nil
	}
	return m.release(data)
}
