package pmm

import "fmt"

var (
	_ Manager = (*BuddyAllocator)(nil)
	_ Manager = (*SlabAllocator)(nil)
)

// NewManager creates the page manager registered under name
func NewManager(name string, frames *FrameTable, mem *PhysMem) (Manager, error) {
	switch name {
	case "buddy":
		return NewBuddyAllocator(frames), nil
	case "slub":
		return NewSlabAllocator(frames, mem), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownManager, name)
}
