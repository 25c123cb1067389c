//go:build linux || darwin || freebsd || netbsd || openbsd

package pmm

import (
	"errors"

	"golang.org/x/sys/unix"
)

// mapArena backs the arena with an anonymous private mapping so frames are
// page aligned and zero filled by the host kernel.
func mapArena(size int) ([]byte, func([]byte) error, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	release := func(b []byte) error {
		err := unix.Munmap(b)
		if errors.Is(err, unix.EINVAL) {
			// Treat double-unmap as no-op for callers.
			return nil
		}
		return err
	}
	return data, release, nil
}
