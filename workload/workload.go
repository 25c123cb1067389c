// Package workload drives a page manager with a seeded random mix of
// allocations and frees and reports what happened.
package workload

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/eapache/queue"

	"github.com/shenjiangwei/pmm/pmm"
)

// Target is the page surface a workload runs against
type Target interface {
	AllocPages(n int) (pmm.Frame, error)
	FreePages(base pmm.Frame, n int)
	NrFreePages() int
}

// ObjectTarget is implemented by targets that also serve small objects
type ObjectTarget interface {
	Kmalloc(size int) (pmm.PhysAddr, error)
	Kfree(addr pmm.PhysAddr, size int) error
}

// Options controls a run
type Options struct {
	Ops         int     `json:"ops"`
	MaxPages    int     `json:"max_pages"`
	AllocRatio  float64 `json:"alloc_ratio"`
	ObjectRatio float64 `json:"object_ratio"`
	Seed        int64   `json:"seed"`
}

// DefaultOptions returns the options bench uses when none are given
func DefaultOptions() Options {
	return Options{
		Ops:         100000,
		MaxPages:    16,
		AllocRatio:  0.7,
		ObjectRatio: 0.5,
		Seed:        1,
	}
}

// Validate checks that the options describe a runnable workload
func (o Options) Validate() error {
	if o.Ops < 0 {
		return fmt.Errorf("ops must not be negative, got %d", o.Ops)
	}
	if o.MaxPages < 1 || o.MaxPages > 1<<pmm.MaxOrder {
		return fmt.Errorf("max pages must be in [1, %d], got %d", 1<<pmm.MaxOrder, o.MaxPages)
	}
	if o.AllocRatio < 0 || o.AllocRatio > 1 {
		return fmt.Errorf("alloc ratio must be in [0, 1], got %g", o.AllocRatio)
	}
	if o.ObjectRatio < 0 || o.ObjectRatio > 1 {
		return fmt.Errorf("object ratio must be in [0, 1], got %g", o.ObjectRatio)
	}
	return nil
}

// Result stores the outcome of a run
type Result struct {
	Allocs    int           `json:"allocs"`
	Objects   int           `json:"objects"`
	Frees     int           `json:"frees"`
	Failures  int           `json:"failures"`
	PeakInUse int           `json:"peak_pages_in_use"`
	StartFree int           `json:"start_free_pages"`
	EndFree   int           `json:"end_free_pages"`
	Conserved bool          `json:"conserved"`
	Duration  time.Duration `json:"duration"`
}

// ErrOverlap is returned when the target hands out memory that is still live
var ErrOverlap = errors.New("workload: overlapping allocation")

type block struct {
	frame pmm.Frame
	pages int
	addr  pmm.PhysAddr
	size  int
}

type runner struct {
	target  Target
	objects ObjectTarget
	opts    Options
	rng     *rand.Rand
	live    *queue.Queue
	spans   spanSet
	inUse   int
	res     Result
}

// Run executes the workload. Live blocks are released oldest first and
// everything still live is drained before the free count is compared.
func Run(target Target, opts Options) (Result, error) {
	if err := opts.Validate(); err != nil {
		return Result{}, err
	}
	r := &runner{
		target: target,
		opts:   opts,
		rng:    rand.New(rand.NewSource(opts.Seed)),
		live:   queue.New(),
	}
	if ot, ok := target.(ObjectTarget); ok {
		r.objects = ot
	}
	r.res.StartFree = target.NrFreePages()

	start := time.Now()
	for i := 0; i < opts.Ops; i++ {
		if r.live.Length() == 0 || r.rng.Float64() < opts.AllocRatio {
			if err := r.alloc(); err != nil {
				return r.res, err
			}
			continue
		}
		if err := r.release(); err != nil {
			return r.res, err
		}
	}
	for r.live.Length() > 0 {
		if err := r.release(); err != nil {
			return r.res, err
		}
	}
	r.res.Duration = time.Since(start)
	r.res.EndFree = target.NrFreePages()
	r.res.Conserved = r.res.EndFree == r.res.StartFree

	pmm.Debug("Workload finished: %d allocs, %d frees, %d failures in %v",
		r.res.Allocs, r.res.Frees, r.res.Failures, r.res.Duration)
	return r.res, nil
}

func exhausted(err error) bool {
	return errors.Is(err, pmm.ErrNoBlock) || errors.Is(err, pmm.ErrNoPage)
}

func (r *runner) alloc() error {
	if r.objects != nil && r.rng.Float64() < r.opts.ObjectRatio {
		return r.allocObject()
	}

	n := 1 + r.rng.Intn(r.opts.MaxPages)
	f, err := r.target.AllocPages(n)
	if err != nil {
		if !exhausted(err) {
			return err
		}
		r.res.Failures++
		return nil
	}
	if hit, ok := r.spans.insert(pageSpan(f, n)); !ok {
		return fmt.Errorf("%w: block [%d, %d) meets live range [%#x, %#x)", ErrOverlap, f, int(f)+n, hit.start, hit.end)
	}
	r.live.Add(block{frame: f, pages: n, addr: pmm.NilAddr})
	r.res.Allocs++
	r.inUse += n
	if r.inUse > r.res.PeakInUse {
		r.res.PeakInUse = r.inUse
	}
	return nil
}

func (r *runner) allocObject() error {
	size := 1 + r.rng.Intn(pmm.SlabMaxSize)
	addr, err := r.objects.Kmalloc(size)
	if err != nil {
		if !exhausted(err) {
			return err
		}
		r.res.Failures++
		return nil
	}
	if hit, ok := r.spans.insert(objectSpan(addr, size)); !ok {
		return fmt.Errorf("%w: object %#x of %d bytes meets live range [%#x, %#x)", ErrOverlap, addr, size, hit.start, hit.end)
	}
	r.live.Add(block{frame: pmm.InvalidFrame, addr: addr, size: size})
	r.res.Allocs++
	r.res.Objects++
	return nil
}

func (r *runner) release() error {
	b := r.live.Remove().(block)
	r.res.Frees++
	if b.addr != pmm.NilAddr {
		r.spans.remove(objectSpan(b.addr, b.size).start)
		return r.objects.Kfree(b.addr, b.size)
	}
	r.spans.remove(b.frame.Addr())
	r.inUse -= b.pages
	r.target.FreePages(b.frame, b.pages)
	return nil
}
