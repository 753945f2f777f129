package gc

import (
	"bytes"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinygo-org/immixgc/internal/gclayout"
)

// Mutators build linked lists, drop them and check them while collections
// run. A live node must never be reclaimed or overwritten.
func TestCollectWithMutators(t *testing.T) {
	bs := testGeometry.BlockSize()
	r := newTestRuntime(t, Config{MinHeapSize: 8 * bs, MaxHeapSize: 1024 * bs, GCThreads: 3})
	node, _ := gclayout.Inline(2, 0b01) // next, value

	const mutators = 4
	var failures atomic.Int32
	var dones []<-chan struct{}
	for k := 0; k < mutators; k++ {
		dones = append(dones, r.Go(64, func(m *Mutator) {
			m.Push(0) // list head
			for round := 0; round < 40; round++ {
				n := 1 + (round*7+k)%50
				m.SetSlot(0, 0)
				for i := 0; i < n; i++ {
					obj := m.Alloc(node, 24)
					m.SetField(obj, 0, m.Slot(0))
					m.SetField(obj, 1, Addr(i))
					m.SetSlot(0, obj)
					m.Alloc(gclayout.NoPtrs, 48) // garbage
				}

				i := n - 1
				for obj := m.Slot(0); obj != 0; obj = m.Field(obj, 0) {
					if m.Field(obj, 1) != Addr(i) {
						break
					}
					i--
				}
				if i != -1 {
					failures.Add(1)
				}
				if round%10 == k {
					m.Collect()
				}
				m.Poll()
			}
		}))
	}
	for _, done := range dones {
		<-done
	}

	assert.Zero(t, failures.Load(), "lists corrupted by a collection")
	var ms MemStats
	r.ReadMemStats(&ms)
	assert.NotZero(t, ms.NumGC)
	assert.Equal(t, 0, r.threads.NumThreads())
}

// Concurrent collection requests run one cycle at a time.
func TestConcurrentCollect(t *testing.T) {
	r := newTestRuntime(t, Config{MinHeapSize: 4 * testGeometry.BlockSize()})
	var dones []<-chan struct{}
	for k := 0; k < 4; k++ {
		dones = append(dones, r.Go(16, func(m *Mutator) {
			for i := 0; i < 20; i++ {
				m.Push(m.Alloc(gclayout.NoPtrs, 16))
				m.Collect()
				m.Pop()
			}
		}))
	}
	for _, done := range dones {
		<-done
	}
	var ms MemStats
	r.ReadMemStats(&ms)
	assert.GreaterOrEqual(t, ms.NumGC, uint32(20))
}

// Inspecting the heap while other mutators allocate and collect must not
// pass for a collection: a full heap of garbage is always reclaimed, and an
// explicit Collect always completes a cycle.
func TestInspectionDuringAllocation(t *testing.T) {
	bs := testGeometry.BlockSize()
	r := newTestRuntime(t, Config{MinHeapSize: 4 * bs, MaxHeapSize: 4 * bs})

	var (
		stop    atomic.Bool
		ooms    atomic.Int32
		missed  atomic.Int32
		inspect atomic.Int32
	)
	allocator := r.Go(16, func(m *Mutator) {
		defer func() {
			if p := recover(); p != nil {
				if err, ok := p.(error); ok && errors.Is(err, ErrOutOfMemory) {
					ooms.Add(1)
					return
				}
				panic(p)
			}
		}()
		for i := 0; i < 20000; i++ {
			m.Alloc(gclayout.NoPtrs, 48)
		}
	})
	collector := r.Go(16, func(m *Mutator) {
		var ms MemStats
		for i := 0; i < 50; i++ {
			r.ReadMemStats(&ms)
			before := ms.NumGC
			m.Collect()
			r.ReadMemStats(&ms)
			if ms.NumGC == before {
				missed.Add(1)
			}
		}
	})
	inspector := r.Go(16, func(m *Mutator) {
		var ms MemStats
		for !stop.Load() {
			m.Blocks()
			r.ReadMemStats(&ms)
			inspect.Add(1)
		}
	})

	<-allocator
	<-collector
	stop.Store(true)
	<-inspector

	assert.Zero(t, ooms.Load(), "out of memory on a heap of garbage")
	assert.Zero(t, missed.Load(), "Collect returned without a collection")
	assert.NotZero(t, inspect.Load())
}

// Unmanaged mutators don't hold up a collection; their stack is still a
// root.
func TestUnmanagedMutator(t *testing.T) {
	r := newTestRuntime(t, Config{MinHeapSize: 4 * testGeometry.BlockSize()})
	blocked := make(chan Addr)
	release := make(chan struct{})
	done := r.Go(16, func(m *Mutator) {
		obj := m.Alloc(gclayout.NoPtrs, 32)
		m.Push(obj)
		m.SetState(Unmanaged)
		blocked <- obj
		<-release
		m.SetState(Managed)
		if m.Pop() != obj {
			t.Errorf("stack changed while unmanaged")
		}
	})
	obj := <-blocked

	collected := r.Go(16, func(m *Mutator) {
		m.Collect()
	})
	select {
	case <-collected:
	case <-time.After(10 * time.Second):
		t.Fatalf("collection waits for an unmanaged mutator")
	}
	r.sweeper.wait()
	_, ok := r.heap.objectAt(obj)
	assert.True(t, ok, "object on the stack of an unmanaged mutator was freed")

	close(release)
	<-done
}

func TestOutOfMemory(t *testing.T) {
	bs := testGeometry.BlockSize()
	r := newTestRuntime(t, Config{MinHeapSize: 4 * bs, MaxHeapSize: 4 * bs})
	m := r.Attach(128)
	defer m.Detach()

	expectPanic(t, KindOutOfMemory, func() {
		for i := 0; i < 128; i++ {
			m.Push(m.Alloc(gclayout.NoPtrs, 48))
		}
	})
	expectPanic(t, KindOutOfMemory, func() {
		m.Alloc(gclayout.NoPtrs, 1<<40)
	})

	// Dropping the objects makes room again.
	for m.Depth() > 0 {
		m.Pop()
	}
	m.Alloc(gclayout.NoPtrs, 48)
}

// An out of memory panic is an error that can be matched.
func TestOutOfMemoryError(t *testing.T) {
	bs := testGeometry.BlockSize()
	r := newTestRuntime(t, Config{MinHeapSize: 4 * bs, MaxHeapSize: 4 * bs})
	m := r.Attach(16)
	defer m.Detach()
	defer func() {
		err, _ := recover().(error)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrOutOfMemory))
		assert.Contains(t, err.Error(), "out of memory")
	}()
	m.AllocLarge(gclayout.NoPtrs, 8*bs)
}

func TestRoots(t *testing.T) {
	r := newTestRuntime(t, Config{MinHeapSize: 4 * testGeometry.BlockSize()})
	m := r.Attach(16)
	defer m.Detach()

	seg := r.MapStatic(4)
	obj := m.Alloc(gclayout.NoPtrs, 32)
	r.Store(seg+8, uint64(obj))
	require.NoError(t, r.AddRoots(seg, seg+16))

	m.Collect()
	r.sweeper.wait()
	_, ok := r.heap.objectAt(obj)
	assert.True(t, ok, "object referenced by a root range was freed")

	assert.Equal(t, 0, r.RemoveRoots(seg+8, seg+32), "range only partially covered")
	assert.Equal(t, 1, r.RemoveRoots(seg, seg+32))
	m.Collect()
	r.sweeper.wait()
	_, ok = r.heap.objectAt(obj)
	assert.False(t, ok, "object still allocated after its root was removed")

	for _, rng := range [][2]Addr{
		{seg, seg + 40},           // past the segment
		{seg + 4, seg + 8},        // unaligned
		{seg + 8, seg + 8},        // empty
		{0x10, 0x20},              // no segment
		{m.SP() - 8, m.SP()},      // a stack
		{heapBase, heapBase + 16}, // the heap
	} {
		err := r.AddRoots(rng[0], rng[1])
		assert.True(t, errors.Is(err, ErrProtocol), "AddRoots(%#x, %#x) returned %v", rng[0], rng[1], err)
	}

	// Unmapping a segment drops its root ranges.
	require.NoError(t, r.AddRoots(seg, seg+32))
	require.NoError(t, r.UnmapStatic(seg))
	assert.Equal(t, 0, r.roots.len())
}

func TestInspection(t *testing.T) {
	bs := testGeometry.BlockSize()
	r := newTestRuntime(t, Config{MinHeapSize: 4 * bs, MaxHeapSize: 4 * bs})
	m := r.Attach(16)
	defer m.Detach()

	small := m.Alloc(gclayout.NoPtrs, 32)
	m.Alloc(gclayout.Pointer, 48)
	large := m.Alloc(gclayout.NoPtrs, 300)

	blocks := m.Blocks()
	require.Len(t, blocks, 4)
	assert.Equal(t, BlockInUse, blocks[0].State)
	assert.Equal(t, 2, blocks[0].Objects)
	assert.Equal(t, BlockSuperStart, blocks[1].State)
	assert.Equal(t, 1, blocks[1].Objects)
	assert.Equal(t, BlockFree, blocks[2].State)

	var objs []Addr
	var sizes []uintptr
	m.Walk(func(obj Addr, info uint64, size uintptr) {
		objs = append(objs, obj)
		sizes = append(sizes, size)
	})
	assert.Equal(t, []Addr{small, small + 32, large}, objs)
	assert.Equal(t, []uintptr{32, 48, 320 - 16}, sizes)

	var buf bytes.Buffer
	require.NoError(t, m.DumpHeap(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "heap: 4 blocks of 512 bytes", lines[0])
	assert.Equal(t, "+S··", lines[1])

	base, img := m.HeapImage()
	assert.Equal(t, heapBase, base)
	require.Len(t, img, int(4*bs))
	assert.Equal(t, byte(gclayout.NoPtrs), img[0])

	s := m.Snapshot(true)
	assert.Equal(t, testGeometry, s.Geometry)
	assert.Equal(t, blocks, s.Blocks)
	require.Len(t, s.Objects, 3)
	assert.Equal(t, large, s.Objects[2].Addr)
	assert.Equal(t, img, s.Image)

	// None of this counts as allocation.
	var ms MemStats
	r.ReadMemStats(&ms)
	assert.Equal(t, uint64(3), ms.Mallocs)
}
