//go:build linux

package softmmu

import (
	"golang.org/x/sys/unix"
)

// mapRAM allocates anonymous memory outside the Go heap, so host
// addresses handed to generated code stay valid.
func mapRAM(size int) ([]byte, func([]byte) error, error) {
	buf, err := unix.Mmap(
		-1, 0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE,
	)
	if err != nil {
		return nil, nil, err
	}
	return buf, unix.Munmap, nil
}
