//go:build linux

package codebuf

import (
	"golang.org/x/sys/unix"
)

// mapCode allocates an anonymous RWX mapping.
func mapCode(size int) ([]byte, bool, func([]byte) error, error) {
	buf, err := unix.Mmap(
		-1, 0,
		size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
	)
	if err != nil {
		return nil, false, nil, err
	}
	return buf, true, unix.Munmap, nil
}
