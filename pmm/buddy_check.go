package pmm

// scriptOrder is the smallest free block the scripted rounds fit in
const scriptOrder = 4

// Check validates the free lists and runs a scripted allocate/free sequence
// that exercises splitting and merging. Any mismatch is an invariant violation.
// The script is skipped when no block of order 4 or above is free.
func (b *BuddyAllocator) Check() {
	b.checkFreeLists()

	before := b.NrFreePages()
	if !b.hasFreeOrder(scriptOrder) {
		Info("Buddy check skipped allocation script: no free block of %d pages", orderSize(scriptOrder))
		b.checkOversized(before)
		Info("Buddy check passed: %d of %d pages free", b.nrFree, b.npages)
		return
	}

	// Mixed sizes, granted as 1, 2, 4 and 8 pages.
	round := []int{1, 2, 3, 5}
	heads := make([]Frame, len(round))
	for i, n := range round {
		heads[i] = b.mustAlloc(n)
	}
	for i, n := range round {
		b.FreePages(heads[i], n)
	}
	b.expectFree(before, "mixed round")

	e := b.mustAlloc(8)
	b.FreePages(e, 8)
	b.expectFree(before, "order 3 round")

	// Two fractions of 8-page blocks.
	f := b.mustAlloc(6)
	g := b.mustAlloc(7)
	b.FreePages(f, 6)
	b.FreePages(g, 7)
	b.expectFree(before, "fraction round")

	h := b.mustAlloc(15)
	b.FreePages(h, 15)
	b.expectFree(before, "order 4 round")

	b.checkOversized(before)
	b.checkFreeLists()
	Info("Buddy check passed: %d of %d pages free", b.nrFree, b.npages)
}

func (b *BuddyAllocator) checkOversized(before int) {
	_, err := b.AllocPages(b.npages + 1)
	assertf(err != nil, "buddy check: allocation of %d pages exceeded managed range of %d", b.npages+1, b.npages)
	b.expectFree(before, "oversized request")
}

// hasFreeOrder reports whether a free block of at least the given order exists
func (b *BuddyAllocator) hasFreeOrder(order int) bool {
	for ; order <= MaxOrder; order++ {
		if b.freeArea[order].Len() > 0 {
			return true
		}
	}
	return false
}

// checkFreeLists walks every order list and verifies range, reserved state,
// size metadata, alignment, maximality and the free page total.
func (b *BuddyAllocator) checkFreeLists() {
	total := 0
	for order, l := range b.freeArea {
		size := orderSize(order)
		count := 0
		for f := l.Front(); f.Valid(); f = l.Next(f) {
			assertf(b.inRange(f), "buddy check: order %d lists foreign frame %d", order, f)
			p := b.frames.Page(f)
			assertf(!p.Reserved, "buddy check: free head %d is reserved", f)
			assertf(p.HasBlockSize && p.BlockSize == size,
				"buddy check: head %d on order %d records size %d (valid=%t)", f, order, p.BlockSize, p.HasBlockSize)
			assertf(b.pageIndex(f)%size == 0, "buddy check: head %d not aligned to %d pages", f, size)
			assertf(b.inRange(f+Frame(size-1)), "buddy check: block at %d of %d pages leaves managed range", f, size)
			if order < MaxOrder {
				buddyIdx := b.pageIndex(f) ^ size
				if buddyIdx < b.npages {
					assertf(!b.isFreeHead(b.base+Frame(buddyIdx), order),
						"buddy check: free buddies %d and %d left unmerged at order %d", f, b.base+Frame(buddyIdx), order)
				}
			}
			total += size
			count++
		}
		assertf(count == l.Len(), "buddy check: order %d counts %d blocks, list says %d", order, count, l.Len())
	}
	assertf(total == b.nrFree, "buddy check: free lists hold %d pages, counter says %d", total, b.nrFree)
}

func (b *BuddyAllocator) mustAlloc(n int) Frame {
	f, err := b.AllocPages(n)
	assertf(err == nil, "buddy check: allocation of %d pages failed: %v", n, err)
	return f
}

func (b *BuddyAllocator) expectFree(want int, stage string) {
	assertf(b.nrFree == want, "buddy check: %s left %d free pages, want %d", stage, b.nrFree, want)
}
