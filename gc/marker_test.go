package gc

import (
	"math/rand"
	"testing"

	"github.com/tinygo-org/immixgc/internal/gclayout"
)

// buildGraph allocates a random object graph mixing every kind of layout and
// returns some of its objects as roots. No collection happens while it is
// built.
func buildGraph(t *testing.T, m *Mutator, seed int64) []Addr {
	t.Helper()
	var types gclayout.Table
	desc := types.MustRegister(gclayout.Desc{Words: 3, Bitmap: []byte{0b101}})
	m.rt.types = &types
	m.rt.marker.types = &types
	pair, _ := gclayout.Inline(2, 0b01)

	rnd := rand.New(rand.NewSource(seed))
	layouts := []gclayout.Layout{gclayout.Pointer, gclayout.Unknown, pair, desc, gclayout.NoPtrs}
	var objs []Addr
	for i := 0; i < 3000; i++ {
		info := layouts[rnd.Intn(len(layouts))]
		size := uintptr(16 + 8*rnd.Intn(24))
		if rnd.Intn(50) == 0 {
			size = 300 + uintptr(rnd.Intn(1000))
		}
		obj := m.Alloc(info, size)
		fields := int(m.rt.heap.objectSize(obj)/wordSize) - 1
		for f := 0; f < fields; f++ {
			if len(objs) > 0 && rnd.Intn(3) == 0 {
				target := objs[rnd.Intn(len(objs))]
				if rnd.Intn(4) == 0 {
					target += wordSize // interior pointer
				}
				m.SetField(obj, f, target)
			}
		}
		objs = append(objs, obj)
	}
	if n := m.rt.numGC.Load(); n != 0 {
		t.Fatalf("%d collections while building the graph", n)
	}
	roots := make([]Addr, 10)
	for i := range roots {
		roots[i] = objs[rnd.Intn(len(objs))]
	}
	return roots
}

// The set of marked objects doesn't depend on the number of mark workers.
func TestMarkWorkersAgree(t *testing.T) {
	bs := testGeometry.BlockSize()
	r := newTestRuntime(t, Config{MinHeapSize: 2048 * bs, MaxHeapSize: 2048 * bs})
	m := r.Attach(16)
	defer m.Detach()
	roots := buildGraph(t, m, 1)
	scanRoots := func(w *markWorker) {
		for _, root := range roots {
			w.markRoot(uint64(root))
		}
	}
	spawn := func(fn func()) { go fn() }

	r.marker.mark(1, scanRoots, spawn)
	want := markedObjects(r.heap)
	if len(want) < len(roots) {
		t.Fatalf("only %d objects marked from %d roots", len(want), len(roots))
	}
	unmarkAll(r.heap)

	for _, workers := range []int{2, 4, 8} {
		r.marker.mark(workers, scanRoots, spawn)
		got := markedObjects(r.heap)
		if len(got) != len(want) {
			t.Errorf("%d workers marked %d objects, want %d", workers, len(got), len(want))
		}
		for obj := range want {
			if !got[obj] {
				t.Errorf("%d workers missed object %#x", workers, obj)
				break
			}
		}
		unmarkAll(r.heap)
	}
}

// Words that don't point into allocated objects are ignored by conservative
// scanning.
func TestMarkRootFiltering(t *testing.T) {
	bs := testGeometry.BlockSize()
	r := newTestRuntime(t, Config{MinHeapSize: 4 * bs})
	m := r.Attach(16)
	defer m.Detach()
	obj := m.Alloc(gclayout.NoPtrs, 32)

	r.marker.mark(1, func(w *markWorker) {
		for _, v := range []uint64{0, 1, uint64(heapBase) - 8, uint64(obj) + 48, uint64(heapBase) + uint64(3*bs), uint64(obj) + 8} {
			w.markRoot(v)
		}
	}, func(fn func()) { go fn() })

	marked := markedObjects(r.heap)
	if len(marked) != 1 || !marked[obj] {
		t.Errorf("marked %v, want only %#x", marked, obj)
	}
	unmarkAll(r.heap)
}

// A malformed inline layout is a protocol error, both when allocating and
// when an object carrying one is scanned.
func TestMalformedLayout(t *testing.T) {
	r := newTestRuntime(t, Config{MinHeapSize: 4 * testGeometry.BlockSize()})
	m := r.Attach(16)
	defer m.Detach()

	// An element of zero words with one pointer.
	bad := gclayout.Layout(1<<7 | 1)
	expectPanic(t, KindProtocol, func() {
		m.Alloc(bad, 32)
	})

	obj := m.Alloc(gclayout.NoPtrs, 32)
	r.Store(obj, uint64(bad))
	w := &markWorker{m: &r.marker}
	expectPanic(t, KindProtocol, func() {
		w.scanObject(obj)
	})
	r.Store(obj, uint64(gclayout.NoPtrs))
}
