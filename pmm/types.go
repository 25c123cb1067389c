// Package pmm provides physical page frame management
package pmm

import "math"

const (
	// Page geometry
	PageShift = 12
	PageSize  = 1 << PageShift // 4KB

	// MaxOrder is the largest buddy order, a block of 2^15 pages (128MB)
	MaxOrder = 15

	// Slab size classes
	SlabMinSize    = 8
	SlabMaxSize    = 2048
	SlabClassCount = 10

	objectHeaderSize  = 16  // next link + owning cache
	slabPageOverhead  = 8   // per-page bookkeeping reserved at the end of each slab
	maxObjectsPerSlab = 1000
	ptrAlign          = 8
)

// Frame is the index of a physical page in the frame table.
type Frame int

// InvalidFrame is returned by page managers when no block can be granted.
const InvalidFrame Frame = -1

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f >= 0
}

// Addr returns the physical address of the first byte of the frame.
func (f Frame) Addr() PhysAddr {
	return PhysAddr(f) << PageShift
}

// PhysAddr is a byte address inside the physical arena.
type PhysAddr uint64

// NilAddr terminates slab free chains and marks a failed object allocation.
const NilAddr PhysAddr = math.MaxUint64

// Frame returns the frame containing the address.
func (a PhysAddr) Frame() Frame {
	return Frame(a >> PageShift)
}

// PageBase masks the address down to its page boundary.
func (a PhysAddr) PageBase() PhysAddr {
	return a &^ (PageSize - 1)
}

// Page is the descriptor of one physical page.
type Page struct {
	Reserved     bool // owned by an allocation, unavailable to any free list
	HasBlockSize bool // head of a free block; BlockSize is valid
	BlockSize    int  // pages in the free or most recently granted block
	Ref          int
}

// Manager is the page-manager contract the kernel routes all page requests through.
// Exactly one implementation is active at a time.
type Manager interface {
	Name() string
	Init()
	InitMemmap(base Frame, n int)
	AllocPages(n int) (Frame, error)
	FreePages(base Frame, n int)
	NrFreePages() int
	Check()
}

func orderSize(order int) int {
	return 1 << uint(order)
}

// ceilOrder returns the smallest order whose block holds n pages.
func ceilOrder(n int) int {
	order := 0
	for orderSize(order) < n {
		order++
	}
	return order
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
