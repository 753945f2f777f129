package gc

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/tinygo-org/immixgc/internal/gclayout"
)

// Every allocation is aligned, zeroed and disjoint from every other live
// allocation, across collections and heap growth.
func TestAllocAlignedDisjoint(t *testing.T) {
	bs := testGeometry.BlockSize()
	r := newTestRuntime(t, Config{MinHeapSize: 4 * bs, MaxHeapSize: 512 * bs})
	m := r.Attach(1024)
	defer m.Detach()

	rnd := rand.New(rand.NewSource(1))
	type alloc struct {
		obj  Addr
		size uintptr
	}
	var live []alloc
	for i := 0; i < 600; i++ {
		size := uintptr(8 + rnd.Intn(400))
		obj := m.Alloc(gclayout.NoPtrs, size)
		if obj%Addr(testGeometry.Alignment) != 0 {
			t.Fatalf("allocation of %d bytes at %#x is not aligned", size, obj)
		}
		for w := uintptr(1); w < size/wordSize; w++ {
			if v := r.Load(obj + Addr(w*wordSize)); v != 0 {
				t.Fatalf("word %d of a new object of %d bytes is %#x", w, size, v)
			}
		}
		if got := r.heap.objectSize(obj); got < size {
			t.Fatalf("object of %d bytes has size %d", size, got)
		}
		if size >= 2*wordSize {
			m.SetField(obj, 0, Addr(i+1))
		}
		if rnd.Intn(3) != 0 {
			m.Push(obj)
			live = append(live, alloc{obj, size})
		}
		if i%150 == 149 {
			m.Collect()
		}
	}

	sort.Slice(live, func(i, j int) bool { return live[i].obj < live[j].obj })
	for i := 1; i < len(live); i++ {
		if prev := live[i-1]; prev.obj+Addr(prev.size) > live[i].obj {
			t.Errorf("objects %#x (%d bytes) and %#x overlap", prev.obj, prev.size, live[i].obj)
		}
	}
	r.sweeper.wait()
	for i := 0; i < m.Depth(); i++ {
		obj := m.Slot(i)
		if r.Load(obj) != uint64(gclayout.NoPtrs) {
			t.Errorf("live object %#x lost its layout word", obj)
		}
		if _, ok := r.heap.objectAt(obj); !ok {
			t.Errorf("live object %#x was freed", obj)
		}
	}
}

// Large objects are preceded by a chunk header holding the chunk size.
func TestLargeObjectHeader(t *testing.T) {
	bs := testGeometry.BlockSize()
	r := newTestRuntime(t, Config{MinHeapSize: 8 * bs, MaxHeapSize: 8 * bs})
	m := r.Attach(16)
	defer m.Detach()

	hdr := testGeometry.chunkHeaderSize()
	for _, size := range []uintptr{256, 300, 600, 1000} {
		obj := m.Alloc(gclayout.NoPtrs, size)
		if !r.heap.isLarge(obj) {
			t.Errorf("object of %d bytes is not in a superblock", size)
		}
		if obj%Addr(testGeometry.Alignment) != 0 {
			t.Errorf("large object at %#x is not aligned", obj)
		}
		chunk := uintptr(r.Load(obj - Addr(hdr)))
		if chunk%testGeometry.LineSize != 0 || chunk < size+hdr || chunk >= size+hdr+testGeometry.LineSize {
			t.Errorf("chunk of a %d byte object has size %d", size, chunk)
		}
		if r.Load(obj-Addr(hdr)+wordSize) != 0 {
			t.Errorf("reserved chunk header word is not 0")
		}
		if got := r.heap.objectSize(obj); got != chunk-hdr {
			t.Errorf("objectSize returned %d, want %d", got, chunk-hdr)
		}
	}

	// Explicitly large and explicitly small allocations.
	obj := m.AllocLarge(gclayout.NoPtrs, 32)
	if !r.heap.isLarge(obj) {
		t.Errorf("AllocLarge returned a small object")
	}
	obj = m.AllocAtomic(gclayout.NoPtrs, 32)
	if r.heap.isLarge(obj) {
		t.Errorf("AllocAtomic of 32 bytes returned a large object")
	}
	expectPanic(t, KindProtocol, func() { m.AllocSmall(gclayout.NoPtrs, 256) })
}

// largeGeometry fits several large objects in one block.
var largeGeometry = Geometry{
	LineSize:       64,
	LinesPerBlock:  32,
	Alignment:      16,
	LargeThreshold: 256,
}

// Dead chunks are merged with their free neighbours and reused best fit; an
// empty superblock goes back to the heap.
func TestLargeObjectCoalesce(t *testing.T) {
	bs := largeGeometry.BlockSize()
	r := newTestRuntime(t, Config{Geometry: largeGeometry, MinHeapSize: 4 * bs, MaxHeapSize: 4 * bs})
	m := r.Attach(16)
	defer m.Detach()

	// Each of them takes 5 lines.
	l1 := m.Alloc(gclayout.NoPtrs, 300)
	l2 := m.Alloc(gclayout.NoPtrs, 300)
	l3 := m.Alloc(gclayout.NoPtrs, 300)
	for i, obj := range []Addr{l1, l2, l3} {
		if want := heapBase + Addr(i*5*64+16); obj != want {
			t.Fatalf("large object %d at %#x, want %#x", i, obj, want)
		}
	}

	m.Push(l2)
	m.Collect()
	r.sweeper.wait()

	// l3 and the tail of the superblock form one chunk of 22 lines.
	if obj := m.Alloc(gclayout.NoPtrs, 22*64-16); obj != l3 {
		t.Errorf("22 line object at %#x, want %#x", obj, l3)
	}
	if obj := m.Alloc(gclayout.NoPtrs, 300); obj != l1 {
		t.Errorf("5 line object at %#x, want %#x", obj, l1)
	}

	m.Pop()
	m.Collect()
	r.sweeper.wait()
	var ms MemStats
	r.ReadMemStats(&ms)
	if ms.SuperBlocks != 0 || ms.FreeBlocks != 4 {
		t.Errorf("after freeing every large object: %d superblock blocks, %d free blocks; want 0, 4", ms.SuperBlocks, ms.FreeBlocks)
	}
}

// A large object spanning several blocks keeps them together.
func TestLargeObjectMultiBlock(t *testing.T) {
	bs := testGeometry.BlockSize()
	r := newTestRuntime(t, Config{MinHeapSize: 8 * bs, MaxHeapSize: 8 * bs})
	h := r.heap
	m := r.Attach(16)
	defer m.Detach()

	obj := m.Alloc(gclayout.NoPtrs, 3*bs)
	idx := h.blockIndex(obj)
	if s := h.blocks[idx].state; s != BlockSuperStart || h.blocks[idx].superLen != 4 {
		t.Fatalf("block %d is %v of %d blocks, want a superblock of 4", idx, s, h.blocks[idx].superLen)
	}
	for i := idx + 1; i < idx+4; i++ {
		if b := h.blocks[i]; b.state != BlockSuperMiddle || b.superStart != idx {
			t.Errorf("block %d is %v (start %d)", i, b.state, b.superStart)
		}
	}
	m.Push(obj + Addr(2*bs)) // interior pointer into a middle block
	m.Collect()
	r.sweeper.wait()
	if _, ok := h.objectAt(obj); !ok {
		t.Errorf("large object reachable through an interior pointer was freed")
	}
}
