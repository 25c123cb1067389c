// Package pmm provides physical page frame management
package pmm

import (
	"errors"
	"fmt"
)

// Error definitions
var (
	// ErrNoBlock is returned when no free block can satisfy a page request
	ErrNoBlock = errors.New("pmm: no free block")
	// ErrNoClass is returned when an object size exceeds the largest slab class
	ErrNoClass = errors.New("pmm: no slab class for size")
	// ErrNoPage is returned when the slab page source is empty
	ErrNoPage = errors.New("pmm: slab page source exhausted")
	// ErrInvalidSize is returned for zero or negative request sizes
	ErrInvalidSize = errors.New("pmm: invalid request size")
	// ErrUnknownManager is returned when a page manager name is not recognized
	ErrUnknownManager = errors.New("pmm: unknown page manager")
)

// InvariantError is the panic value raised when allocator state or caller
// input is corrupt. Forward progress stops at the point of detection.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "pmm: invariant violated: " + e.Msg
}

func assertf(cond bool, format string, v ...interface{}) {
	if cond {
		return
	}
	msg := fmt.Sprintf(format, v...)
	logFatal(3, msg)
	panic(&InvariantError{Msg: msg})
}
