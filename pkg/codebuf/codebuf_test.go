package codebuf

import (
	"testing"

	"github.com/ascrivener/dbt/pkg/errors"
)

func newTestArena(t *testing.T, size int) *Arena {
	t.Helper()
	a, err := NewArena(size)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() {
		if err := a.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return a
}

func TestRegionsDoNotOverlap(t *testing.T) {
	a := newTestArena(t, 64*1024)
	glue, err := a.Reserve(100)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	glue.Emit(0xc3)

	r1, err := a.NewRegion(4096)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	r2, err := a.NewRegion(4096)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	w1, w2 := r1.Writer(), r2.Writer()
	if w1.Start() < a.Reserved() {
		t.Errorf("region starts at %d inside the %d byte glue area", w1.Start(), a.Reserved())
	}
	if w1.Start()+4096 > w2.Start() {
		t.Errorf("regions overlap: %d and %d", w1.Start(), w2.Start())
	}
	w1.Emit32(0x11111111)
	w2.Emit32(0x22222222)
	if got := w1.Read32(w1.Start()); got != 0x11111111 {
		t.Errorf("region 1 holds %#x", got)
	}
}

func TestWriterFullIsSticky(t *testing.T) {
	a := newTestArena(t, 64*1024)
	r, err := a.NewRegion(32)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	w := r.Writer()
	for i := 0; i < 10; i++ {
		w.Emit64(uint64(i))
	}
	if !errors.Is(w.Err(), errors.ErrCodeBufferFull) {
		t.Fatalf("Err() = %v, want ErrCodeBufferFull", w.Err())
	}
	if w.Len() != 32 {
		t.Errorf("wrote %d bytes into a 32 byte region", w.Len())
	}
	w.Emit(1)
	if w.Len() != 32 {
		t.Errorf("write after overflow landed")
	}
}

func TestArenaExhaustion(t *testing.T) {
	a := newTestArena(t, 8192)
	if _, err := a.NewRegion(8192); err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	if _, err := a.NewRegion(16); !errors.Is(err, errors.ErrCodeBufferFull) {
		t.Fatalf("NewRegion on a full arena = %v, want ErrCodeBufferFull", err)
	}
	a.Reset()
	if _, err := a.NewRegion(16); err != nil {
		t.Fatalf("NewRegion after Reset: %v", err)
	}
}

func TestResetInvalidatesRegions(t *testing.T) {
	a := newTestArena(t, 64*1024)
	r, err := a.NewRegion(1024)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	if !r.Valid() {
		t.Fatal("fresh region is not valid")
	}
	a.Reset()
	if r.Valid() {
		t.Error("region survived Reset")
	}
	if a.Used() != a.Reserved() {
		t.Errorf("Used() = %d after Reset, want %d", a.Used(), a.Reserved())
	}
}

func TestCommitAdvances(t *testing.T) {
	a := newTestArena(t, 64*1024)
	r, _ := a.NewRegion(1024)
	w := r.Writer()
	w.Emit(1, 2, 3)
	r.Commit(w)
	next := r.Writer()
	if next.Start() < w.Offset() {
		t.Errorf("next block starts at %d, before the committed end %d", next.Start(), w.Offset())
	}
	if next.Start()%16 != 0 {
		t.Errorf("block start %d not aligned", next.Start())
	}
}

func TestResolveUnboundLabel(t *testing.T) {
	w := NewWriter(make([]byte, 64))
	w.ResetLabels(2)
	w.Emit32(0)
	w.AddFixup(1, 0, 0)
	w.Bind(0)
	err := w.Resolve(func(Fixup, int) error { return nil })
	if !errors.IsInternal(err) {
		t.Fatalf("Resolve() = %v, want internal error", err)
	}

	w.ResetLabels(1)
	w.AddFixup(0, 0, 0)
	w.Bind(0)
	var got int
	if err := w.Resolve(func(f Fixup, target int) error {
		got = target
		return nil
	}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != w.Offset() {
		t.Errorf("label resolved to %d, want %d", got, w.Offset())
	}
}
