package codebuf

import (
	"encoding/binary"

	"github.com/ascrivener/dbt/pkg/errors"
)

// Writer appends code to a window of the arena. Running past the window
// sets a sticky ErrCodeBufferFull; further writes are dropped so emitters
// can check once at the end of a block.
type Writer struct {
	buf   []byte
	start int
	pos   int
	limit int
	err   error

	labels []int
	fixups []Fixup
}

// Fixup is a reference to a label that is resolved once the label is bound.
// Kind is interpreted by the backend that recorded it.
type Fixup struct {
	Label int
	At    int
	Kind  int
}

func newWriter(buf []byte, start, limit int) *Writer {
	return &Writer{buf: buf, start: start, pos: start, limit: limit}
}

// NewWriter returns a writer over a standalone buffer; offsets index buf
// directly. Used for tests and dry runs.
func NewWriter(buf []byte) *Writer {
	return newWriter(buf, 0, len(buf))
}

// Err returns ErrCodeBufferFull if the window overflowed.
func (w *Writer) Err() error { return w.err }

// Start returns the arena offset of the first byte written.
func (w *Writer) Start() int { return w.start }

// Offset returns the arena offset of the next byte.
func (w *Writer) Offset() int { return w.pos }

// Len returns how many bytes were written.
func (w *Writer) Len() int { return w.pos - w.start }

// Bytes returns the bytes written so far.
func (w *Writer) Bytes() []byte { return w.buf[w.start:w.pos] }

// Buffer returns the whole underlying buffer, indexed by arena offset.
func (w *Writer) Buffer() []byte { return w.buf }

func (w *Writer) reserve(n int) bool {
	if w.err != nil {
		return false
	}
	if w.pos+n > w.limit {
		w.err = errors.ErrCodeBufferFull
		return false
	}
	return true
}

// Emit appends raw bytes.
func (w *Writer) Emit(b ...byte) {
	if !w.reserve(len(b)) {
		return
	}
	copy(w.buf[w.pos:], b)
	w.pos += len(b)
}

// Emit16 appends a little-endian uint16.
func (w *Writer) Emit16(v uint16) {
	if !w.reserve(2) {
		return
	}
	binary.LittleEndian.PutUint16(w.buf[w.pos:], v)
	w.pos += 2
}

// Emit32 appends a little-endian uint32.
func (w *Writer) Emit32(v uint32) {
	if !w.reserve(4) {
		return
	}
	binary.LittleEndian.PutUint32(w.buf[w.pos:], v)
	w.pos += 4
}

// Emit64 appends a little-endian uint64.
func (w *Writer) Emit64(v uint64) {
	if !w.reserve(8) {
		return
	}
	binary.LittleEndian.PutUint64(w.buf[w.pos:], v)
	w.pos += 8
}

// Align pads with pad until Offset is a multiple of n.
func (w *Writer) Align(n int, pad byte) {
	for w.err == nil && w.pos%n != 0 {
		w.Emit(pad)
	}
}

// Patch32 overwrites four bytes at arena offset at.
func (w *Writer) Patch32(at int, v uint32) {
	if w.err != nil || at < w.start || at+4 > w.pos {
		return
	}
	binary.LittleEndian.PutUint32(w.buf[at:], v)
}

// Read32 reads four bytes at arena offset at.
func (w *Writer) Read32(at int) uint32 {
	if at < 0 || at+4 > len(w.buf) {
		return 0
	}
	return binary.LittleEndian.Uint32(w.buf[at:])
}

// ResetLabels prepares n unbound labels for a new block.
func (w *Writer) ResetLabels(n int) {
	w.labels = w.labels[:0]
	for i := 0; i < n; i++ {
		w.labels = append(w.labels, -1)
	}
	w.fixups = w.fixups[:0]
}

// NewLabel allocates an extra label for backend-internal stubs.
func (w *Writer) NewLabel() int {
	w.labels = append(w.labels, -1)
	return len(w.labels) - 1
}

// Bind sets label l to the current offset.
func (w *Writer) Bind(l int) {
	w.labels[l] = w.pos
}

// LabelOffset returns the offset l was bound to.
func (w *Writer) LabelOffset(l int) (int, bool) {
	if l < 0 || l >= len(w.labels) || w.labels[l] < 0 {
		return 0, false
	}
	return w.labels[l], true
}

// AddFixup records a reference to l at arena offset at.
func (w *Writer) AddFixup(l, at, kind int) {
	w.fixups = append(w.fixups, Fixup{Label: l, At: at, Kind: kind})
}

// Resolve calls patch for every recorded fixup with the label's offset. An
// unbound label is an internal error.
func (w *Writer) Resolve(patch func(f Fixup, target int) error) error {
	if w.err != nil {
		return w.err
	}
	for _, f := range w.fixups {
		target, ok := w.LabelOffset(f.Label)
		if !ok {
			return errors.Internalf("codebuf: label %d referenced at %#x was never bound", f.Label, f.At)
		}
		if err := patch(f, target); err != nil {
			return err
		}
	}
	w.fixups = w.fixups[:0]
	return nil
}
