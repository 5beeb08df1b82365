//go:build !arm64

package codebuf

// syncICache is a no-op on hosts with coherent instruction caches.
func syncICache([]byte) {}
