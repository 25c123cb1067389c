package pmm

import (
	"errors"

	"github.com/shenjiangwei/pmm/config"
)

// Allocator is the physical memory front-end the kernel boots once. All page
// requests go through the selected manager; small objects go to the slab layer.
type Allocator struct {
	cfg    config.Config
	frames *FrameTable
	mem    *PhysMem
	pages  Manager
	slab   *SlabAllocator
}

// Stats summarizes the allocator state
type Stats struct {
	Manager      string       `json:"manager"`
	Pages        int          `json:"pages"`
	ManagedPages int          `json:"managed_pages"`
	FreePages    int          `json:"free_pages"`
	SlabPages    int          `json:"slab_pages"`
	SlabFree     int          `json:"slab_free_pages"`
	Caches       []CacheStats `json:"caches,omitempty"`
}

// NewAllocator builds the frame table and arena and boots the configured manager
func NewAllocator(cfg config.Config) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	Debug("Creating allocator with %d pages, manager %s", cfg.Pages, cfg.Manager)

	mem, err := NewPhysMem(cfg.Pages)
	if err != nil {
		return nil, err
	}
	frames := NewFrameTable(cfg.Pages)

	pages, err := NewManager(cfg.Manager, frames, mem)
	if err != nil {
		mem.Close()
		return nil, err
	}
	a := &Allocator{
		cfg:    cfg,
		frames: frames,
		mem:    mem,
		pages:  pages,
	}

	pages.Init()
	pages.InitMemmap(0, cfg.BuddyPages())

	if slab, ok := pages.(*SlabAllocator); ok {
		a.slab = slab
	} else if cfg.SlabPages > 0 {
		a.slab = NewSlabAllocator(frames, mem)
		a.slab.InitMemmap(Frame(cfg.BuddyPages()), cfg.SlabPages)
	}

	Info("Booted %s page manager with %d free pages", pages.Name(), pages.NrFreePages())
	return a, nil
}

// Manager returns the active page manager
func (a *Allocator) Manager() Manager {
	return a.pages
}

// Slab returns the slab allocator, or nil when none was configured
func (a *Allocator) Slab() *SlabAllocator {
	return a.slab
}

// Frames returns the frame table
func (a *Allocator) Frames() *FrameTable {
	return a.frames
}

// Mem returns the physical arena
func (a *Allocator) Mem() *PhysMem {
	return a.mem
}

// AllocPages allocates n contiguous pages
func (a *Allocator) AllocPages(n int) (Frame, error) {
	f, err := a.pages.AllocPages(n)
	if err != nil {
		Debug("Page allocation of %d pages failed: %v", n, err)
		return InvalidFrame, err
	}
	return f, nil
}

// FreePages releases a block returned by AllocPages
func (a *Allocator) FreePages(base Frame, n int) {
	a.pages.FreePages(base, n)
}

// NrFreePages returns the page manager's free page count
func (a *Allocator) NrFreePages() int {
	return a.pages.NrFreePages()
}

// Check runs the self-check of the page manager and of a separate slab layer
func (a *Allocator) Check() {
	a.pages.Check()
	if a.slab != nil && Manager(a.slab) != a.pages {
		a.slab.Check()
	}
}

// Kmalloc allocates size bytes. Sizes covered by a slab class come from the
// slab layer, falling back to whole pages when the slab has no page left.
func (a *Allocator) Kmalloc(size int) (PhysAddr, error) {
	if size <= 0 {
		return NilAddr, ErrInvalidSize
	}
	if a.slab != nil && size <= SlabMaxSize {
		addr, err := a.slab.Alloc(size)
		if err == nil {
			return addr, nil
		}
		if !errors.Is(err, ErrNoPage) || Manager(a.slab) == a.pages {
			Error("Slab allocation of %d bytes failed: %v", size, err)
			return NilAddr, err
		}
		Debug("Slab has no page for %d bytes, trying page manager", size)
	}

	f, err := a.pages.AllocPages(pagesFor(size))
	if err != nil {
		Error("Page allocation for %d bytes failed: %v", size, err)
		return NilAddr, err
	}
	return f.Addr(), nil
}

// Kfree releases memory returned by Kmalloc with the same size
func (a *Allocator) Kfree(addr PhysAddr, size int) error {
	if addr == NilAddr {
		return nil
	}
	if a.slab != nil && a.slab.Owns(addr) {
		return a.slab.Free(addr, size)
	}
	if size <= 0 {
		return ErrInvalidSize
	}
	assertf(addr == addr.PageBase(), "kfree of %#x which is neither a slab object nor a page", addr)
	a.pages.FreePages(addr.Frame(), pagesFor(size))
	return nil
}

// Stats returns a snapshot of page and slab usage
func (a *Allocator) Stats() Stats {
	st := Stats{
		Manager:      a.pages.Name(),
		Pages:        a.frames.Len(),
		ManagedPages: a.cfg.BuddyPages(),
		FreePages:    a.pages.NrFreePages(),
	}
	if a.slab != nil {
		st.SlabPages = a.slab.ManagedPages()
		st.SlabFree = a.slab.NrFreePages()
		st.Caches = a.slab.Dump()
	}
	return st
}

// Close releases the physical arena
func (a *Allocator) Close() error {
	return a.mem.Close()
}

func pagesFor(size int) int {
	return (size + PageSize - 1) / PageSize
}
