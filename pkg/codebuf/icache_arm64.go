package codebuf

import "unsafe"

// flushICache cleans the data cache and invalidates the instruction cache
// for [start, end) to the point of unification.
//
//go:noescape
func flushICache(start, end uintptr)

func syncICache(b []byte) {
	if len(b) == 0 {
		return
	}
	start := uintptr(unsafe.Pointer(&b[0]))
	flushICache(start, start+uintptr(len(b)))
}
