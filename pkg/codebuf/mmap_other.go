//go:build !linux

package codebuf

// mapCode falls back to ordinary memory: only bytecode can run from it.
func mapCode(size int) ([]byte, bool, func([]byte) error, error) {
	return make([]byte, size), false, nil, nil
}
