//go:build !linux

package softmmu

func mapRAM(size int) ([]byte, func([]byte) error, error) {
	return make([]byte, size), nil, nil
}
