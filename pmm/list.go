package pmm

// linkTable is the side table holding list links for every frame. Lists built
// on one table are mutually exclusive: a frame sits on at most one of them.
type linkTable struct {
	prev  []Frame
	next  []Frame
	owner []*frameList
}

func newLinkTable(n int) *linkTable {
	t := &linkTable{
		prev:  make([]Frame, n),
		next:  make([]Frame, n),
		owner: make([]*frameList, n),
	}
	for i := range t.prev {
		t.prev[i] = InvalidFrame
		t.next[i] = InvalidFrame
	}
	return t
}

// listOf returns the list currently holding f, or nil
func (t *linkTable) listOf(f Frame) *frameList {
	return t.owner[f]
}

// frameList is a doubly linked list of frames whose links live in a linkTable.
type frameList struct {
	name  string
	links *linkTable
	head  Frame
	tail  Frame
	n     int
}

func (t *linkTable) newList(name string) *frameList {
	return &frameList{
		name:  name,
		links: t,
		head:  InvalidFrame,
		tail:  InvalidFrame,
	}
}

func (l *frameList) Len() int {
	return l.n
}

// Front returns the first frame or InvalidFrame when the list is empty
func (l *frameList) Front() Frame {
	return l.head
}

// Next returns the frame after f or InvalidFrame at the end
func (l *frameList) Next(f Frame) Frame {
	return l.links.next[f]
}

func (l *frameList) contains(f Frame) bool {
	return f >= 0 && int(f) < len(l.links.owner) && l.links.owner[f] == l
}

func (l *frameList) claim(f Frame) {
	assertf(f >= 0 && int(f) < len(l.links.owner), "%s: frame %d outside link table", l.name, f)
	if owner := l.links.owner[f]; owner != nil {
		assertf(false, "%s: frame %d already linked on %s", l.name, f, owner.name)
	}
	l.links.owner[f] = l
	l.n++
}

func (l *frameList) PushFront(f Frame) {
	l.claim(f)
	l.links.prev[f] = InvalidFrame
	l.links.next[f] = l.head
	if l.head.Valid() {
		l.links.prev[l.head] = f
	} else {
		l.tail = f
	}
	l.head = f
}

func (l *frameList) PushBack(f Frame) {
	l.claim(f)
	l.links.next[f] = InvalidFrame
	l.links.prev[f] = l.tail
	if l.tail.Valid() {
		l.links.next[l.tail] = f
	} else {
		l.head = f
	}
	l.tail = f
}

// InsertBefore links f ahead of mark, which must be on l
func (l *frameList) InsertBefore(f, mark Frame) {
	assertf(l.contains(mark), "%s: insert before unlinked frame %d", l.name, mark)
	if mark == l.head {
		l.PushFront(f)
		return
	}
	l.claim(f)
	p := l.links.prev[mark]
	l.links.prev[f] = p
	l.links.next[f] = mark
	l.links.next[p] = f
	l.links.prev[mark] = f
}

func (l *frameList) Remove(f Frame) {
	assertf(l.contains(f), "%s: remove of frame %d not on list", l.name, f)
	p, n := l.links.prev[f], l.links.next[f]
	if p.Valid() {
		l.links.next[p] = n
	} else {
		l.head = n
	}
	if n.Valid() {
		l.links.prev[n] = p
	} else {
		l.tail = p
	}
	l.links.prev[f] = InvalidFrame
	l.links.next[f] = InvalidFrame
	l.links.owner[f] = nil
	l.n--
}

// PopFront unlinks and returns the first frame, or InvalidFrame
func (l *frameList) PopFront() Frame {
	f := l.head
	if f.Valid() {
		l.Remove(f)
	}
	return f
}

// reset unlinks every frame
func (l *frameList) reset() {
	for l.head.Valid() {
		l.Remove(l.head)
	}
}
