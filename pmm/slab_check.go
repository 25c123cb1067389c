package pmm

// CacheStats is the diagnostic view of one size class cache
type CacheStats struct {
	Name           string `json:"name"`
	ObjectSize     int    `json:"object_size"`
	ActualSize     int    `json:"actual_size"`
	ObjectsPerSlab int    `json:"objects_per_slab"`
	Partial        int    `json:"partial"`
	Full           int    `json:"full"`
	Empty          int    `json:"empty"`
	InUse          int    `json:"in_use"`
}

// Dump returns per-class slab counts in ascending class order
func (s *SlabAllocator) Dump() []CacheStats {
	stats := make([]CacheStats, 0, SlabClassCount)
	for _, c := range s.caches {
		st := CacheStats{
			Name:           c.name,
			ObjectSize:     c.objectSize,
			ActualSize:     c.actualSize,
			ObjectsPerSlab: c.objectsPerSlab,
			Partial:        c.partial.Len(),
			Full:           c.full.Len(),
			Empty:          c.empty.Len(),
		}
		for _, l := range []*frameList{c.partial, c.full} {
			for f := l.Front(); f.Valid(); f = l.Next(f) {
				st.InUse += s.meta[f].inuse
			}
		}
		stats = append(stats, st)
	}
	return stats
}

// Check validates the page source and every cache, then logs the dump.
// Any mismatch is an invariant violation.
func (s *SlabAllocator) Check() {
	s.checkSource()

	slabPages := 0
	for _, c := range s.caches {
		slabPages += s.checkCache(c)
	}

	allocated := 0
	for f := Frame(0); int(f) < len(s.managed); f++ {
		if s.managed[f] && s.frames.Page(f).Reserved && s.meta[f].cache == nil {
			allocated++
		}
	}
	assertf(s.nrFree+slabPages+allocated == s.npages,
		"slab check: %d free + %d slab + %d allocated pages != %d managed", s.nrFree, slabPages, allocated, s.npages)

	Info("Slab allocator status: %d of %d pages free", s.nrFree, s.npages)
	for _, st := range s.Dump() {
		Info("Cache %-9s (obj_size: %4d): partial=%d, full=%d, free=%d, objects=%d",
			st.Name, st.ObjectSize, st.Partial, st.Full, st.Empty, st.InUse)
	}
}

func (s *SlabAllocator) checkSource() {
	count := 0
	prev := InvalidFrame
	for f := s.source.Front(); f.Valid(); f = s.source.Next(f) {
		assertf(s.managed[f], "slab check: page source lists foreign frame %d", f)
		assertf(!s.frames.Page(f).Reserved, "slab check: page source frame %d is reserved", f)
		assertf(s.meta[f].cache == nil, "slab check: page source frame %d is a slab", f)
		assertf(f > prev, "slab check: page source out of order at %d after %d", f, prev)
		prev = f
		count++
	}
	assertf(count == s.nrFree, "slab check: page source holds %d pages, counter says %d", count, s.nrFree)
}

// checkCache verifies list membership and free chains of c and returns its slab count
func (s *SlabAllocator) checkCache(c *slabCache) int {
	if c.current.Valid() {
		assertf(c.partial.contains(c.current), "slab check: current slab %d of %s not on partial list", c.current, c.name)
	}

	pages := 0
	for _, l := range []*frameList{c.partial, c.full, c.empty} {
		for f := l.Front(); f.Valid(); f = l.Next(f) {
			m := &s.meta[f]
			assertf(m.cache == c, "slab check: %s lists slab %d of %s", l.name, f, cacheName(m.cache))
			assertf(s.frames.Page(f).Reserved, "slab check: slab %d of %s not reserved", f, c.name)
			free := s.walkChain(c, f)
			assertf(free+m.inuse == c.objectsPerSlab,
				"slab check: slab %d of %s has %d free + %d live objects, want %d", f, c.name, free, m.inuse, c.objectsPerSlab)
			switch l {
			case c.full:
				assertf(free == 0, "slab check: full slab %d of %s has %d free objects", f, c.name, free)
			case c.empty:
				assertf(m.inuse == 0, "slab check: empty slab %d of %s has %d live objects", f, c.name, m.inuse)
			default:
				assertf(free > 0, "slab check: partial slab %d of %s has no free object", f, c.name)
				assertf(m.inuse > 0 || f == c.current, "slab check: idle slab %d of %s left on partial list", f, c.name)
			}
			pages++
		}
	}
	return pages
}

// walkChain follows the free chain of slab f and returns its length
func (s *SlabAllocator) walkChain(c *slabCache, f Frame) int {
	m := &s.meta[f]
	count := 0
	for obj := m.free; obj != NilAddr; {
		assertf(obj.Frame() == f, "slab check: chain of slab %d of %s crosses to %#x", f, c.name, obj)
		off := int(obj - f.Addr())
		assertf(off%c.actualSize == 0, "slab check: chain of slab %d of %s links misaligned %#x", f, c.name, obj)
		assertf(!m.isLive(off/c.actualSize), "slab check: live object %#x on free chain of %s", obj, c.name)
		count++
		assertf(count <= c.objectsPerSlab, "slab check: free chain of slab %d of %s loops", f, c.name)
		next, owner := s.readHeader(obj)
		assertf(owner == c.id, "slab check: free object %#x of %s names cache %d", obj, c.name, owner)
		obj = next
	}
	return count
}
