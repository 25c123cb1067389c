package workload

import (
	"errors"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shenjiangwei/pmm/config"
	"github.com/shenjiangwei/pmm/pmm"
)

func TestMain(m *testing.M) {
	pmm.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

func newBuddy(t *testing.T, pages int) *pmm.BuddyAllocator {
	t.Helper()
	b := pmm.NewBuddyAllocator(pmm.NewFrameTable(pages))
	b.Init()
	b.InitMemmap(0, pages)
	return b
}

func newAllocator(t *testing.T) *pmm.Allocator {
	t.Helper()
	a, err := pmm.NewAllocator(config.Config{Pages: 1024, Manager: config.ManagerBuddy, SlabPages: 64})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestRunBuddy(t *testing.T) {
	b := newBuddy(t, 512)
	res, err := Run(b, Options{Ops: 20000, MaxPages: 32, AllocRatio: 0.6, Seed: 7})
	require.NoError(t, err)

	require.True(t, res.Conserved)
	require.Equal(t, 512, res.StartFree)
	require.Equal(t, 512, res.EndFree)
	require.Equal(t, res.Allocs, res.Frees)
	require.Zero(t, res.Objects)
	require.Positive(t, res.PeakInUse)
	require.LessOrEqual(t, res.PeakInUse, 512)
	b.Check()
}

func TestRunAllocator(t *testing.T) {
	a := newAllocator(t)
	res, err := Run(a, Options{Ops: 20000, MaxPages: 16, AllocRatio: 0.7, ObjectRatio: 0.5, Seed: 3})
	require.NoError(t, err)

	require.True(t, res.Conserved)
	require.Positive(t, res.Objects)
	require.Less(t, res.Objects, res.Allocs)
	require.Equal(t, res.Allocs, res.Frees)
	for _, c := range a.Stats().Caches {
		require.Zero(t, c.InUse, c.Name)
	}
	a.Check()
}

func TestRunUnderPressure(t *testing.T) {
	b := newBuddy(t, 64)
	res, err := Run(b, Options{Ops: 1000, MaxPages: 32, AllocRatio: 0.9, Seed: 11})
	require.NoError(t, err)
	require.Positive(t, res.Failures)
	require.True(t, res.Conserved)
	require.Equal(t, 64, b.NrFreePages())
}

func TestRunIsDeterministic(t *testing.T) {
	opts := Options{Ops: 5000, MaxPages: 8, AllocRatio: 0.65, Seed: 42}
	first, err := Run(newBuddy(t, 256), opts)
	require.NoError(t, err)
	second, err := Run(newBuddy(t, 256), opts)
	require.NoError(t, err)

	first.Duration, second.Duration = 0, 0
	require.Equal(t, first, second)
}

// stuckTarget hands out the same frame forever.
type stuckTarget struct {
	err error
}

func (s *stuckTarget) AllocPages(n int) (pmm.Frame, error) {
	if s.err != nil {
		return pmm.InvalidFrame, s.err
	}
	return 0, nil
}

func (s *stuckTarget) FreePages(base pmm.Frame, n int) {}

func (s *stuckTarget) NrFreePages() int { return 100 }

func TestRunDetectsOverlap(t *testing.T) {
	_, err := Run(&stuckTarget{}, Options{Ops: 2, MaxPages: 1, AllocRatio: 1})
	require.ErrorIs(t, err, ErrOverlap)
}

func TestRunPropagatesErrors(t *testing.T) {
	broken := errors.New("device gone")
	_, err := Run(&stuckTarget{err: broken}, Options{Ops: 10, MaxPages: 1, AllocRatio: 1})
	require.ErrorIs(t, err, broken)

	res, err := Run(&stuckTarget{err: pmm.ErrNoBlock}, Options{Ops: 10, MaxPages: 1, AllocRatio: 1})
	require.NoError(t, err)
	require.Equal(t, 10, res.Failures)
	require.Zero(t, res.Allocs)
}

func TestOptionsValidate(t *testing.T) {
	require.NoError(t, DefaultOptions().Validate())

	tests := []struct {
		name string
		opts Options
	}{
		{"Negative ops", Options{Ops: -1, MaxPages: 1}},
		{"Zero max pages", Options{Ops: 1}},
		{"Max pages above max order", Options{Ops: 1, MaxPages: 1<<pmm.MaxOrder + 1}},
		{"Alloc ratio", Options{Ops: 1, MaxPages: 1, AllocRatio: 1.5}},
		{"Object ratio", Options{Ops: 1, MaxPages: 1, ObjectRatio: -0.1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.opts.Validate())
			_, err := Run(&stuckTarget{}, tt.opts)
			require.Error(t, err)
		})
	}
}

// crowdedTarget packs objects 8 bytes apart regardless of their size.
type crowdedTarget struct {
	stuckTarget
	next pmm.PhysAddr
}

func (c *crowdedTarget) Kmalloc(size int) (pmm.PhysAddr, error) {
	c.next += 8
	return pmm.Frame(4).Addr() + 16 + c.next, nil
}

func (c *crowdedTarget) Kfree(addr pmm.PhysAddr, size int) error { return nil }

// pagedObjectTarget serves objects as whole pages at frame 0, the same frame
// its page allocations return.
type pagedObjectTarget struct {
	stuckTarget
}

func (p *pagedObjectTarget) Kmalloc(size int) (pmm.PhysAddr, error) {
	return pmm.Frame(0).Addr(), nil
}

func (p *pagedObjectTarget) Kfree(addr pmm.PhysAddr, size int) error { return nil }

func TestRunDetectsOverlappingObjects(t *testing.T) {
	_, err := Run(&crowdedTarget{}, Options{Ops: 200, MaxPages: 1, AllocRatio: 1, ObjectRatio: 1, Seed: 5})
	require.ErrorIs(t, err, ErrOverlap)

	// A page backed object and a page block at the same frame.
	_, err = Run(&pagedObjectTarget{}, Options{Ops: 200, MaxPages: 1, AllocRatio: 1, ObjectRatio: 0.5, Seed: 5})
	require.ErrorIs(t, err, ErrOverlap)
}

func TestSpanSet(t *testing.T) {
	var s spanSet
	_, ok := s.insert(span{start: 100, end: 200})
	require.True(t, ok)
	_, ok = s.insert(span{start: 300, end: 400})
	require.True(t, ok)
	_, ok = s.insert(span{start: 200, end: 300})
	require.True(t, ok, "touching ranges do not overlap")

	hit, ok := s.insert(span{start: 150, end: 160})
	require.False(t, ok)
	require.Equal(t, span{start: 100, end: 200}, hit)
	hit, ok = s.insert(span{start: 50, end: 101})
	require.False(t, ok)
	require.Equal(t, span{start: 100, end: 200}, hit)
	_, ok = s.insert(span{start: 399, end: 500})
	require.False(t, ok)
	require.Equal(t, 3, s.Len())

	s.remove(200)
	require.Equal(t, 2, s.Len())
	_, ok = s.insert(span{start: 250, end: 260})
	require.True(t, ok)
	s.remove(12345)
	require.Equal(t, 3, s.Len())

	require.Equal(t, span{start: pmm.Frame(2).Addr(), end: pmm.Frame(4).Addr()}, objectSpan(pmm.Frame(2).Addr(), pmm.PageSize+1))
	require.Equal(t, span{start: 16, end: 80}, objectSpan(16, 64))
}
