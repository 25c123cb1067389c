package pmm

import "fmt"

// BuddyAllocator manages a page range as naturally aligned power-of-two blocks.
type BuddyAllocator struct {
	frames   *FrameTable
	links    *linkTable
	freeArea [MaxOrder + 1]*frameList
	nrFree   int
	base     Frame // first managed frame, InvalidFrame until InitMemmap
	npages   int
}

// NewBuddyAllocator creates a new buddy allocator over the frame table
func NewBuddyAllocator(frames *FrameTable) *BuddyAllocator {
	b := &BuddyAllocator{
		frames: frames,
		links:  newLinkTable(frames.Len()),
	}
	for order := range b.freeArea {
		b.freeArea[order] = b.links.newList(fmt.Sprintf("buddy order %d", order))
	}
	b.Init()
	return b
}

// Name returns the manager name
func (b *BuddyAllocator) Name() string {
	return "buddy"
}

// Init empties every free list and forgets the managed range
func (b *BuddyAllocator) Init() {
	for _, l := range b.freeArea {
		l.reset()
	}
	b.nrFree = 0
	b.base = InvalidFrame
	b.npages = 0
}

// InitMemmap hands n reserved frames starting at base to the allocator.
// Only one range is supported; repeated calls must describe the same range.
func (b *BuddyAllocator) InitMemmap(base Frame, n int) {
	assertf(n > 0, "buddy: init_memmap of %d pages", n)
	assertf(b.frames.Contains(base) && b.frames.Contains(base+Frame(n-1)),
		"buddy: range [%d, %d) outside frame table", base, int(base)+n)

	if !b.base.Valid() {
		b.base = base
		b.npages = n
	} else {
		assertf(base == b.base && n == b.npages,
			"buddy: range [%d, %d) differs from managed range [%d, %d)", base, int(base)+n, b.base, int(b.base)+b.npages)
	}

	for f := base; f < base+Frame(n); f++ {
		assertf(b.frames.Page(f).Reserved, "buddy: frame %d handed over while not reserved", f)
	}
	for f := base; f < base+Frame(n); f++ {
		*b.frames.Page(f) = Page{}
	}

	for _, l := range b.freeArea {
		l.reset()
	}
	b.nrFree = 0

	// Carve the largest aligned chunk at each offset; n need not be a power of two.
	offset, rem := 0, n
	for rem > 0 {
		size, order := 1, 0
		for order+1 <= MaxOrder && size<<1 <= rem && offset%(size<<1) == 0 {
			size <<= 1
			order++
		}
		head := base + Frame(offset)
		b.markFreeHead(head, order)
		b.freeArea[order].PushFront(head)

		b.nrFree += size
		offset += size
		rem -= size
	}
	Info("Buddy managing %d pages at frame %d", n, base)
}

// AllocPages allocates a block of at least n pages and returns its head frame
func (b *BuddyAllocator) AllocPages(n int) (Frame, error) {
	if n <= 0 {
		return InvalidFrame, ErrInvalidSize
	}
	if n > b.nrFree || n > orderSize(MaxOrder) {
		Debug("Buddy cannot satisfy %d pages, %d free", n, b.nrFree)
		return InvalidFrame, ErrNoBlock
	}

	needOrder := ceilOrder(n)
	gotOrder := needOrder
	for gotOrder <= MaxOrder && b.freeArea[gotOrder].Len() == 0 {
		gotOrder++
	}
	if gotOrder > MaxOrder {
		Debug("Buddy has no block of order >= %d", needOrder)
		return InvalidFrame, ErrNoBlock
	}

	blk := b.freeArea[gotOrder].PopFront()
	b.clearHead(blk)

	// Split down to the needed order, returning each upper half.
	for gotOrder > needOrder {
		gotOrder--
		right := blk + Frame(orderSize(gotOrder))
		b.markFreeHead(right, gotOrder)
		b.freeArea[gotOrder].PushFront(right)
	}

	size := orderSize(needOrder)
	b.nrFree -= size
	for f := blk; f < blk+Frame(size); f++ {
		p := b.frames.Page(f)
		p.HasBlockSize = false
		p.BlockSize = 0
		p.Reserved = true
		p.Ref = 0
	}
	// The head remembers the granted size so FreePages can release the whole block.
	b.frames.Page(blk).BlockSize = size

	Debug("Buddy allocated %d pages (order %d) at frame %d for request of %d", size, needOrder, blk, n)
	return blk, nil
}

// FreePages releases the block headed by base. Corrupt, foreign or misaligned
// input is an invariant violation.
func (b *BuddyAllocator) FreePages(base Frame, n int) {
	assertf(n > 0, "buddy: free of %d pages", n)
	assertf(b.inRange(base), "buddy: free of foreign frame %d", base)

	size := b.frames.Page(base).BlockSize
	if size == 0 {
		assertf(isPowerOfTwo(n), "buddy: free of %d pages at frame %d without recorded block size", n, base)
		size = n
	}
	assertf(isPowerOfTwo(size), "buddy: frame %d records block size %d", base, size)
	assertf(b.inRange(base+Frame(size-1)), "buddy: block [%d, %d) leaves managed range", base, int(base)+size)
	assertf(b.pageIndex(base)%size == 0, "buddy: block at frame %d not aligned to %d pages", base, size)

	for f := base; f < base+Frame(size); f++ {
		assertf(b.frames.Page(f).Reserved, "buddy: frame %d of block at %d is not allocated", f, base)
	}
	for f := base; f < base+Frame(size); f++ {
		*b.frames.Page(f) = Page{}
	}

	b.insertAndMerge(base, ceilOrder(size))
	b.nrFree += size
	Debug("Buddy freed %d pages at frame %d", size, base)
}

// NrFreePages returns the free page counter
func (b *BuddyAllocator) NrFreePages() int {
	return b.nrFree
}

// insertAndMerge returns a free block of the given order and merges it with
// its buddy for as long as the buddy is a free head of the same order.
func (b *BuddyAllocator) insertAndMerge(block Frame, order int) {
	for order < MaxOrder {
		idx := b.pageIndex(block)
		buddyIdx := idx ^ orderSize(order)
		if buddyIdx >= b.npages {
			break
		}
		buddy := b.base + Frame(buddyIdx)
		if !b.isFreeHead(buddy, order) {
			break
		}

		b.freeArea[order].Remove(buddy)
		b.clearHead(buddy)

		// The lower index heads the merged block.
		if buddyIdx < idx {
			b.clearHead(block)
			block = buddy
		}
		order++
	}

	b.markFreeHead(block, order)
	b.freeArea[order].PushFront(block)
}

func (b *BuddyAllocator) isFreeHead(f Frame, order int) bool {
	if !b.freeArea[order].contains(f) {
		return false
	}
	p := b.frames.Page(f)
	return p.HasBlockSize && p.BlockSize == orderSize(order)
}

func (b *BuddyAllocator) markFreeHead(f Frame, order int) {
	p := b.frames.Page(f)
	p.HasBlockSize = true
	p.BlockSize = orderSize(order)
}

func (b *BuddyAllocator) clearHead(f Frame) {
	p := b.frames.Page(f)
	p.HasBlockSize = false
	p.BlockSize = 0
}

func (b *BuddyAllocator) pageIndex(f Frame) int {
	return int(f - b.base)
}

func (b *BuddyAllocator) inRange(f Frame) bool {
	if !b.base.Valid() {
		return false
	}
	return f >= b.base && b.pageIndex(f) < b.npages
}

// FreeBlocks returns the number of free blocks listed at each order
func (b *BuddyAllocator) FreeBlocks() [MaxOrder + 1]int {
	var counts [MaxOrder + 1]int
	for order, l := range b.freeArea {
		counts[order] = l.Len()
	}
	return counts
}

// ManagedPages returns the size of the managed range
func (b *BuddyAllocator) ManagedPages() int {
	return b.npages
}
