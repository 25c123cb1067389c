package workload

import (
	"slices"
	"sort"

	"github.com/shenjiangwei/pmm/pmm"
)

// span is the byte range [start, end) of one live allocation
type span struct {
	start pmm.PhysAddr
	end   pmm.PhysAddr
}

func pageSpan(f pmm.Frame, pages int) span {
	return span{start: f.Addr(), end: f.Addr() + pmm.PhysAddr(pages*pmm.PageSize)}
}

// objectSpan covers a small object. Slab payloads never start on a page
// boundary, so a page aligned object was served as whole pages.
func objectSpan(addr pmm.PhysAddr, size int) span {
	if addr == addr.PageBase() {
		pages := (size + pmm.PageSize - 1) / pmm.PageSize
		return pageSpan(addr.Frame(), pages)
	}
	return span{start: addr, end: addr + pmm.PhysAddr(size)}
}

// spanSet holds disjoint live ranges sorted by start address.
type spanSet struct {
	spans []span
}

func (s *spanSet) search(start pmm.PhysAddr) int {
	return sort.Search(len(s.spans), func(i int) bool { return s.spans[i].start >= start })
}

// insert adds sp and returns the live span it intersects, if any
func (s *spanSet) insert(sp span) (span, bool) {
	i := s.search(sp.start)
	if i > 0 && s.spans[i-1].end > sp.start {
		return s.spans[i-1], false
	}
	if i < len(s.spans) && s.spans[i].start < sp.end {
		return s.spans[i], false
	}
	s.spans = slices.Insert(s.spans, i, sp)
	return span{}, true
}

func (s *spanSet) remove(start pmm.PhysAddr) {
	if i := s.search(start); i < len(s.spans) && s.spans[i].start == start {
		s.spans = slices.Delete(s.spans, i, i+1)
	}
}

func (s *spanSet) Len() int {
	return len(s.spans)
}
