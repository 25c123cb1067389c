package pmm

// FrameTable holds one page descriptor per physical page. The kernel owns it;
// managers only touch descriptors of frames they currently control.
type FrameTable struct {
	pages []Page
}

// NewFrameTable creates a table of n frames, all marked reserved.
func NewFrameTable(n int) *FrameTable {
	assertf(n > 0, "frame table needs at least one page, got %d", n)
	ft := &FrameTable{pages: make([]Page, n)}
	for i := range ft.pages {
		ft.pages[i].Reserved = true
	}
	return ft
}

// Len returns the number of frames
func (ft *FrameTable) Len() int {
	return len(ft.pages)
}

// Page returns the descriptor of frame f
func (ft *FrameTable) Page(f Frame) *Page {
	assertf(ft.Contains(f), "frame %d outside table of %d pages", f, len(ft.pages))
	return &ft.pages[f]
}

// Contains reports whether f indexes a frame of this table
func (ft *FrameTable) Contains(f Frame) bool {
	return f >= 0 && int(f) < len(ft.pages)
}

// Reserve marks n frames starting at base as reserved, handing them back to
// the kernel before a repeated InitMemmap.
func (ft *FrameTable) Reserve(base Frame, n int) {
	for f := base; f < base+Frame(n); f++ {
		p := ft.Page(f)
		*p = Page{Reserved: true}
	}
}
