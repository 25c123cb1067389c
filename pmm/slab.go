package pmm

import "fmt"

var slabClassSizes = [SlabClassCount]int{8, 16, 32, 64, 128, 256, 512, 1024, 1536, 2048}

// slabCache serves one object size class.
type slabCache struct {
	id             int
	name           string
	objectSize     int
	actualSize     int // object plus header, pointer aligned
	objectsPerSlab int
	current        Frame // slab objects are handed out from, InvalidFrame if none
	full           *frameList
	partial        *frameList
	empty          *frameList
}

// slabMeta describes a frame while it serves as a slab.
type slabMeta struct {
	cache *slabCache
	free  PhysAddr // head of this slab's free chain
	inuse int
	live  []uint64 // allocated slot bitmap
}

func (m *slabMeta) isLive(slot int) bool {
	return m.live[slot/64]&(1<<uint(slot%64)) != 0
}

func (m *slabMeta) setLive(slot int, live bool) {
	if live {
		m.live[slot/64] |= 1 << uint(slot%64)
	} else {
		m.live[slot/64] &^= 1 << uint(slot%64)
	}
}

// SlabAllocator carves pages from a private, address-sorted page source into
// fixed-size objects. It also serves single-page requests as a page manager.
type SlabAllocator struct {
	frames  *FrameTable
	mem     *PhysMem
	links   *linkTable
	source  *frameList
	nrFree  int
	managed []bool
	npages  int
	caches  [SlabClassCount]*slabCache
	meta    []slabMeta
}

// NewSlabAllocator creates a slab allocator whose objects live in mem
func NewSlabAllocator(frames *FrameTable, mem *PhysMem) *SlabAllocator {
	assertf(mem.Pages() >= frames.Len(), "slab: arena of %d pages cannot back %d frames", mem.Pages(), frames.Len())
	s := &SlabAllocator{
		frames: frames,
		mem:    mem,
	}
	s.Init()
	return s
}

// Name returns the manager name
func (s *SlabAllocator) Name() string {
	return "slub"
}

// Init resets the page source and every size class cache
func (s *SlabAllocator) Init() {
	n := s.frames.Len()
	s.links = newLinkTable(n)
	s.source = s.links.newList("slab page source")
	s.nrFree = 0
	s.managed = make([]bool, n)
	s.npages = 0
	s.meta = make([]slabMeta, n)
	for i, size := range slabClassSizes {
		s.caches[i] = s.newCache(i, size)
	}
	Debug("Slab initialized with %d size caches", SlabClassCount)
}

func (s *SlabAllocator) newCache(id, size int) *slabCache {
	actual := alignUp(size+objectHeaderSize, ptrAlign)
	perSlab := (PageSize - slabPageOverhead) / actual
	if perSlab < 1 {
		perSlab = 1
	}
	if perSlab > maxObjectsPerSlab {
		perSlab = maxObjectsPerSlab
	}
	assertf(perSlab*actual <= PageSize, "slab: %d objects of %d bytes overflow a page", perSlab, actual)

	name := fmt.Sprintf("slub-%d", size)
	return &slabCache{
		id:             id,
		name:           name,
		objectSize:     size,
		actualSize:     actual,
		objectsPerSlab: perSlab,
		current:        InvalidFrame,
		full:           s.links.newList(name + " full"),
		partial:        s.links.newList(name + " partial"),
		empty:          s.links.newList(name + " empty"),
	}
}

// SizeToClass returns the index of the smallest class holding size bytes
func SizeToClass(size int) (int, bool) {
	for i, classSize := range slabClassSizes {
		if size <= classSize {
			return i, true
		}
	}
	return -1, false
}

// InitMemmap adds n reserved frames starting at base to the page source.
// Ranges may be added repeatedly as long as they do not overlap.
func (s *SlabAllocator) InitMemmap(base Frame, n int) {
	assertf(n > 0, "slab: init_memmap of %d pages", n)
	assertf(s.frames.Contains(base) && s.frames.Contains(base+Frame(n-1)),
		"slab: range [%d, %d) outside frame table", base, int(base)+n)
	for f := base; f < base+Frame(n); f++ {
		assertf(!s.managed[f], "slab: frame %d declared twice", f)
		assertf(s.frames.Page(f).Reserved, "slab: frame %d handed over while not reserved", f)
	}

	// The range is contiguous, so every frame goes ahead of the same successor.
	succ := s.source.Front()
	for succ.Valid() && succ < base {
		succ = s.source.Next(succ)
	}
	for f := base; f < base+Frame(n); f++ {
		*s.frames.Page(f) = Page{}
		s.managed[f] = true
		if succ.Valid() {
			s.source.InsertBefore(f, succ)
		} else {
			s.source.PushBack(f)
		}
	}
	s.nrFree += n
	s.npages += n
	Info("Slab page source added %d pages at frame %d, %d free", n, base, s.nrFree)
}

// takePage pulls the lowest free frame from the page source
func (s *SlabAllocator) takePage() Frame {
	f := s.source.PopFront()
	if !f.Valid() {
		return InvalidFrame
	}
	s.nrFree--
	p := s.frames.Page(f)
	p.Reserved = true
	p.HasBlockSize = false
	p.BlockSize = 1
	p.Ref = 1
	return f
}

// returnPage puts f back at its sorted position in the page source
func (s *SlabAllocator) returnPage(f Frame) {
	*s.frames.Page(f) = Page{}
	succ := s.source.Front()
	for succ.Valid() && succ < f {
		succ = s.source.Next(succ)
	}
	if succ.Valid() {
		s.source.InsertBefore(f, succ)
	} else {
		s.source.PushBack(f)
	}
	s.nrFree++
}

// openNewSlab claims a page for c, threads its free chain and makes it current
func (s *SlabAllocator) openNewSlab(c *slabCache) error {
	f := s.takePage()
	if !f.Valid() {
		Debug("Slab page source empty, cannot grow %s", c.name)
		return ErrNoPage
	}

	m := &s.meta[f]
	m.cache = c
	m.inuse = 0
	m.live = make([]uint64, (c.objectsPerSlab+63)/64)

	base := f.Addr()
	for i := 0; i < c.objectsPerSlab; i++ {
		obj := base + PhysAddr(i*c.actualSize)
		next := NilAddr
		if i+1 < c.objectsPerSlab {
			next = obj + PhysAddr(c.actualSize)
		}
		s.writeHeader(obj, next, c)
	}
	m.free = base

	c.partial.PushBack(f)
	c.current = f
	Debug("Opened slab at frame %d for %s with %d objects", f, c.name, c.objectsPerSlab)
	return nil
}

// selectSlab makes a slab with free objects current, preferring partial
// slabs, then empty ones, and opening a new page only when neither exists.
func (s *SlabAllocator) selectSlab(c *slabCache) error {
	if f := c.partial.Front(); f.Valid() {
		c.current = f
		return nil
	}
	if f := c.empty.Front(); f.Valid() {
		c.empty.Remove(f)
		c.partial.PushBack(f)
		c.current = f
		return nil
	}
	return s.openNewSlab(c)
}

// Alloc allocates an object of size bytes and returns the address of its payload
func (s *SlabAllocator) Alloc(size int) (PhysAddr, error) {
	if size <= 0 {
		return NilAddr, ErrInvalidSize
	}
	idx, ok := SizeToClass(size)
	if !ok {
		Debug("Size %d too large for slab, need page allocator", size)
		return NilAddr, ErrNoClass
	}
	c := s.caches[idx]

	if !c.current.Valid() {
		if err := s.selectSlab(c); err != nil {
			return NilAddr, err
		}
	}

	f := c.current
	m := &s.meta[f]
	assertf(m.free != NilAddr, "slab: current slab %d of %s has no free object", f, c.name)

	obj := m.free
	next, owner := s.readHeader(obj)
	assertf(owner == c.id, "slab: free object %#x of %s carries cache %d", obj, c.name, owner)
	m.free = next
	m.setLive(c.slot(obj), true)
	m.inuse++

	if m.free == NilAddr {
		c.partial.Remove(f)
		c.full.PushBack(f)
		c.current = InvalidFrame
		Debug("Slab at frame %d of %s is now full", f, c.name)
	}

	Debug("Slab allocated %d bytes from %s at %#x", size, c.name, obj+objectHeaderSize)
	return obj + objectHeaderSize, nil
}

// Free returns the object at addr to its slab. A nil address is a no-op.
func (s *SlabAllocator) Free(addr PhysAddr, size int) error {
	if addr == NilAddr {
		return nil
	}
	if size <= 0 {
		return ErrInvalidSize
	}
	idx, ok := SizeToClass(size)
	if !ok {
		Debug("Size %d too large for slab", size)
		return ErrNoClass
	}
	c := s.caches[idx]

	assertf(addr >= objectHeaderSize && addr < PhysAddr(s.mem.Size()), "slab: free of %#x outside arena", addr)
	obj := addr - objectHeaderSize
	f := obj.Frame()
	assertf(s.frames.Contains(f) && s.meta[f].cache != nil, "slab: free of %#x outside any slab", addr)
	m := &s.meta[f]
	assertf(m.cache == c, "slab: object %#x belongs to %s, freed as %d bytes", addr, m.cache.name, size)

	off := int(obj - f.Addr())
	assertf(off%c.actualSize == 0 && off/c.actualSize < c.objectsPerSlab,
		"slab: %#x is not an object boundary of %s", addr, c.name)
	slot := off / c.actualSize
	assertf(m.isLive(slot), "slab: double free of %#x in %s", addr, c.name)
	_, owner := s.readHeader(obj)
	assertf(owner == c.id, "slab: header of %#x names cache %d, not %s", addr, owner, c.name)

	s.writeHeader(obj, m.free, c)
	m.free = obj
	m.setLive(slot, false)
	m.inuse--

	if c.full.contains(f) {
		c.full.Remove(f)
		c.partial.PushBack(f)
		Debug("Moved slab at frame %d of %s from full to partial", f, c.name)
	}
	// Empty slabs keep their page; they are reused before a new page is opened.
	if m.inuse == 0 && f != c.current {
		c.partial.Remove(f)
		c.empty.PushBack(f)
	}

	Debug("Slab freed %#x to %s", addr, c.name)
	return nil
}

// Owns reports whether addr lies in a page currently used as a slab
func (s *SlabAllocator) Owns(addr PhysAddr) bool {
	if addr == NilAddr {
		return false
	}
	f := addr.Frame()
	return s.frames.Contains(f) && s.meta[f].cache != nil
}

// AllocPages hands out a single page of the page source. Multi-page requests fail.
func (s *SlabAllocator) AllocPages(n int) (Frame, error) {
	if n <= 0 {
		return InvalidFrame, ErrInvalidSize
	}
	if n > 1 {
		Debug("Multi-page allocation of %d pages not supported by slab", n)
		return InvalidFrame, ErrNoBlock
	}
	f := s.takePage()
	if !f.Valid() {
		return InvalidFrame, ErrNoBlock
	}
	Debug("Slab allocated page %d", f)
	return f, nil
}

// FreePages takes back a page previously returned by AllocPages
func (s *SlabAllocator) FreePages(base Frame, n int) {
	assertf(n == 1, "slab: free of %d pages at frame %d, only single pages are handed out", n, base)
	assertf(s.frames.Contains(base) && s.managed[base], "slab: free of foreign frame %d", base)
	assertf(s.frames.Page(base).Reserved, "slab: free of frame %d which is not allocated", base)
	assertf(s.meta[base].cache == nil, "slab: free of frame %d which is a %s slab", base, cacheName(s.meta[base].cache))
	s.returnPage(base)
	Debug("Slab freed page %d", base)
}

// NrFreePages returns the number of pages left in the page source
func (s *SlabAllocator) NrFreePages() int {
	return s.nrFree
}

// ManagedPages returns the number of frames handed to the page source
func (s *SlabAllocator) ManagedPages() int {
	return s.npages
}

// ObjectsPerSlab returns how many objects of the class holding size fit in one slab
func (s *SlabAllocator) ObjectsPerSlab(size int) int {
	idx, ok := SizeToClass(size)
	if !ok {
		return 0
	}
	return s.caches[idx].objectsPerSlab
}

func (c *slabCache) slot(obj PhysAddr) int {
	return int(obj-obj.PageBase()) / c.actualSize
}

// Object header layout: next chain link, then owning cache id + 1.
func (s *SlabAllocator) writeHeader(obj, next PhysAddr, c *slabCache) {
	s.mem.writeUint64(obj, uint64(next))
	s.mem.writeUint64(obj+8, uint64(c.id+1))
}

func (s *SlabAllocator) readHeader(obj PhysAddr) (PhysAddr, int) {
	next := PhysAddr(s.mem.readUint64(obj))
	owner := int(s.mem.readUint64(obj+8)) - 1
	return next, owner
}

func cacheName(c *slabCache) string {
	if c == nil {
		return "none"
	}
	return c.name
}
