//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package pmm

// mapArena falls back to a heap slice when anonymous mappings are not available.
func mapArena(size int) ([]byte, func([]byte) error, error) {
	return make([]byte, size), nil, nil
}
