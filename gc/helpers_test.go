package gc

import (
	"errors"
	"testing"
)

// testGeometry makes blocks small enough to reason about by hand: 8 lines of
// 64 bytes.
var testGeometry = Geometry{
	LineSize:       64,
	LinesPerBlock:  8,
	Alignment:      16,
	LargeThreshold: 256,
}

func newTestRuntime(t testing.TB, cfg Config) *Runtime {
	t.Helper()
	if cfg.Geometry == (Geometry{}) {
		cfg.Geometry = testGeometry
	}
	if cfg.GCThreads == 0 {
		cfg.GCThreads = 2
	}
	if cfg.MaxHeapSize == 0 {
		cfg.MaxHeapSize = max(cfg.MinHeapSize, 1<<20)
	}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() {
		if err := r.Close(); err != nil {
			t.Errorf("Close returned error: %v", err)
		}
	})
	return r
}

// expectPanic runs fn and checks that it panics with an *Error of the given
// kind.
func expectPanic(t *testing.T, kind Kind, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		p := recover()
		err, ok := p.(error)
		if !ok {
			t.Fatalf("expected a panic with an error, got %v", p)
		}
		var gcErr *Error
		if !errors.As(err, &gcErr) || gcErr.Kind != kind {
			t.Errorf("panic value %v, want kind %v", err, kind)
		}
	}()
	fn()
}

// markedObjects returns the objects currently marked.
func markedObjects(h *Heap) map[Addr]bool {
	marked := make(map[Addr]bool)
	gpb := h.geometry.granulesPerBlock()
	for i := uintptr(0); i < h.numBlocks.Load(); i++ {
		b := h.blocks[i]
		for g := uintptr(0); g < gpb; g++ {
			if b.objState(g) == objStateMark {
				marked[h.blockAddr(i)+Addr(g*h.geometry.Alignment)] = true
			}
		}
	}
	return marked
}

func unmarkAll(h *Heap) {
	gpb := h.geometry.granulesPerBlock()
	for i := uintptr(0); i < h.numBlocks.Load(); i++ {
		b := h.blocks[i]
		for g := uintptr(0); g < gpb; g++ {
			if b.objState(g) == objStateMark {
				b.setObjState(g, objStateHead)
			}
		}
	}
}

func lineStates(b *block) []uint8 {
	return append([]uint8(nil), b.lines...)
}
