// Package codebuf manages the shared buffer generated code lives in. The
// arena is one large mapping; its head holds the glue code emitted once by
// the backend, and the rest is handed out to vCPUs in regions so concurrent
// translators never write to the same bytes. Resetting the arena (flush_all)
// bumps its epoch, which invalidates every outstanding region.
package codebuf

import (
	"sync"
	"unsafe"

	"github.com/ascrivener/dbt/pkg/constants"
	"github.com/ascrivener/dbt/pkg/errors"
)

// Arena is the code buffer shared by every vCPU.
type Arena struct {
	mu       sync.Mutex
	buf      []byte
	exec     bool
	reserved int
	next     int
	epoch    uint64
	unmap    func([]byte) error
}

// NewArena maps a code buffer of size bytes. On hosts where an executable
// mapping is available the memory is RWX; otherwise it is plain memory that
// only the bytecode backend can use.
func NewArena(size int) (*Arena, error) {
	if size <= 0 {
		size = constants.DefaultCodeBufferSize
	}
	buf, exec, unmap, err := mapCode(size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map %d byte code buffer", size)
	}
	return &Arena{buf: buf, exec: exec, unmap: unmap}, nil
}

// Executable reports whether native code can run from the arena.
func (a *Arena) Executable() bool { return a.exec }

// Base returns the host address of the first byte.
func (a *Arena) Base() uintptr {
	if len(a.buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&a.buf[0]))
}

// Bytes exposes the whole buffer. Generated code is read from here by the
// bytecode interpreter and the disassembler.
func (a *Arena) Bytes() []byte { return a.buf }

// Capacity returns the total size.
func (a *Arena) Capacity() int { return len(a.buf) }

// Used returns how many bytes are handed out.
func (a *Arena) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// Epoch identifies the current generation of the buffer.
func (a *Arena) Epoch() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epoch
}

// Reserve sets aside the first n bytes for glue code. It must be called
// before any region is handed out and survives Reset.
func (a *Arena) Reserve(n int) (*Writer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next != 0 {
		return nil, errors.Internalf("codebuf: reserve after regions were handed out")
	}
	n = alignUp(n, constants.CodeAlign)
	if n > len(a.buf) {
		return nil, errors.ErrCodeBufferFull
	}
	a.reserved = n
	a.next = n
	return newWriter(a.buf, 0, n), nil
}

// Reserved returns the size of the glue area.
func (a *Arena) Reserved() int { return a.reserved }

// NewRegion hands out the next free chunk of up to size bytes.
func (a *Arena) NewRegion(size int) (*Region, error) {
	if size <= 0 {
		size = constants.CodeRegionSize
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	start := alignUp(a.next, constants.CodeAlign)
	if start >= len(a.buf) {
		return nil, errors.ErrCodeBufferFull
	}
	end := start + size
	if end > len(a.buf) {
		end = len(a.buf)
	}
	a.next = end
	return &Region{arena: a, start: start, end: end, pos: start, epoch: a.epoch}, nil
}

// Reset discards every region. Callers must guarantee no vCPU is executing
// or emitting code.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next = a.reserved
	a.epoch++
}

// Finalize makes [start, end) ready to execute. Writes to an RWX mapping are
// visible to instruction fetch on x86; elsewhere the instruction cache is
// synchronized explicitly.
func (a *Arena) Finalize(start, end int) {
	if !a.exec || start >= end {
		return
	}
	syncICache(a.buf[start:end])
}

// Close unmaps the buffer.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.buf == nil {
		return nil
	}
	var err error
	if a.unmap != nil {
		err = a.unmap(a.buf)
	}
	a.buf = nil
	return err
}

// Region is one vCPU's private slice of the arena.
type Region struct {
	arena *Arena
	start int
	end   int
	pos   int
	epoch uint64
}

// Valid reports whether the arena was not reset since the region was taken.
func (r *Region) Valid() bool {
	return r != nil && r.epoch == r.arena.Epoch()
}

// Remaining returns the free bytes left.
func (r *Region) Remaining() int { return r.end - r.pos }

// Writer starts emitting at the region's current position.
func (r *Region) Writer() *Writer {
	pos := alignUp(r.pos, constants.CodeAlign)
	if pos > r.end {
		pos = r.end
	}
	return newWriter(r.arena.buf, pos, r.end)
}

// Commit keeps what w wrote. Code from a writer that is not committed is
// overwritten by the next block.
func (r *Region) Commit(w *Writer) {
	r.pos = w.Offset()
}

func alignUp(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}
