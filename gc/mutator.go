package gc

import (
	"runtime"

	"github.com/tinygo-org/immixgc/internal/gclayout"
	"github.com/tinygo-org/immixgc/internal/task"
)

// MutatorState is the state a mutator sets for itself.
type MutatorState int

const (
	// Managed mutators take part in safepoints.
	Managed MutatorState = iota

	// Unmanaged mutators are not waited for by collections, for example
	// while blocked in a long native call. They must not touch the heap.
	Unmanaged
)

// Mutator is a thread of the program. It has a stack, scanned as a root by
// every collection, and an allocation context. A Mutator must only be used
// by the goroutine that attached it.
type Mutator struct {
	rt     *Runtime
	thread *task.Thread
	stack  *segment
	alloc  *allocator
}

// Attach registers the calling goroutine as a mutator with a stack of the
// given number of words.
func (r *Runtime) Attach(stackWords int) *Mutator {
	if r.closed.Load() {
		runtimePanic(KindProtocol, "attach", "runtime is closed")
	}
	m := &Mutator{
		rt:    r,
		stack: r.static.mapSegment(stackWords, true),
		alloc: newAllocator(r.heap),
	}
	m.thread = r.threads.Register(uintptr(m.stack.base), uintptr(m.stack.end()), m)
	return m
}

// Go runs fn in a new goroutine attached as a mutator. The returned channel
// is closed when fn returned and the mutator is detached.
func (r *Runtime) Go(stackWords int, fn func(m *Mutator)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		m := r.Attach(stackWords)
		defer m.Detach()
		fn(m)
	}()
	return done
}

// Detach unregisters the mutator. Its stack stops being a root.
func (m *Mutator) Detach() {
	m.checkNotCollecting("detach")
	m.rt.threads.Unregister(m.thread)
	m.rt.static.unmapSegment(m.stack)
}

// Poll is a safepoint: if a collection is stopping the world, it waits until
// the collection is done.
func (m *Mutator) Poll() {
	if m.rt.collector.Load() == m {
		return
	}
	m.thread.Poll()
}

// SetState switches between the Managed and Unmanaged states. Becoming
// managed while the world is stopped waits for the collection to finish.
func (m *Mutator) SetState(s MutatorState) {
	m.checkNotCollecting("set state")
	m.thread.SetManaged(s == Managed)
}

// Collect runs a garbage collection cycle. If another mutator is collecting
// at the same time, Collect waits for that cycle instead.
func (m *Mutator) Collect() {
	m.checkNotCollecting("collect")
	m.rt.collect(m)
}

func (m *Mutator) checkNotCollecting(op string) {
	if m.rt.collector.Load() == m {
		runtimePanic(KindProtocol, op, "called during a collection")
	}
}

// Alloc allocates a zeroed object of size bytes, including the layout word,
// and stores info in its first word. Small objects are served from the
// mutator's blocks, large objects from superblocks.
func (m *Mutator) Alloc(info gclayout.Layout, size uintptr) Addr {
	size = m.objectSize("alloc", size)
	if size >= m.rt.heap.geometry.LargeThreshold {
		return m.allocate("alloc", info, size, m.rt.large.alloc)
	}
	return m.allocate("alloc", info, size, m.alloc.alloc)
}

// AllocSmall allocates an object that must be smaller than the large object
// threshold.
func (m *Mutator) AllocSmall(info gclayout.Layout, size uintptr) Addr {
	size = m.objectSize("alloc small", size)
	if size >= m.rt.heap.geometry.LargeThreshold {
		runtimePanic(KindProtocol, "alloc small", "%d bytes is not a small object", size)
	}
	return m.allocate("alloc small", info, size, m.alloc.alloc)
}

// AllocLarge allocates an object in a superblock, whatever its size.
func (m *Mutator) AllocLarge(info gclayout.Layout, size uintptr) Addr {
	size = m.objectSize("alloc large", size)
	return m.allocate("alloc large", info, size, m.rt.large.alloc)
}

// AllocAtomic allocates an object that is not expected to hold pointers. It
// is allocated like any other object; info still decides what gets scanned.
func (m *Mutator) AllocAtomic(info gclayout.Layout, size uintptr) Addr {
	return m.Alloc(info, size)
}

// objectSize rounds an allocation request to the alignment.
func (m *Mutator) objectSize(op string, size uintptr) uintptr {
	if size > m.rt.maxHeapSize {
		runtimePanic(KindOutOfMemory, op, "%d bytes exceeds the maximum heap size", size)
	}
	return align(max(size, wordSize), m.rt.heap.geometry.Alignment)
}

func (m *Mutator) allocate(op string, info gclayout.Layout, size uintptr, try func(uintptr) (Addr, bool)) Addr {
	m.checkNotCollecting(op)
	if !info.Valid() {
		runtimePanic(KindProtocol, op, "malformed layout %v", info)
	}
	if !info.IsInline() && info != gclayout.Unknown {
		if _, ok := m.rt.types.Lookup(info); !ok {
			runtimePanic(KindProtocol, op, "layout %v is not registered", info)
		}
	}
	m.thread.Poll()

	obj, ok := try(size)
	if !ok {
		obj = m.allocSlow(op, size, try)
	}
	*m.rt.heap.word(obj) = uint64(info)
	m.rt.mallocs.Add(1)
	m.rt.totalAlloc.Add(uint64(size))
	return obj
}

// allocSlow is taken when the allocation context ran out of space. In
// order: help the pending sweep, collect once, grow the heap. When all fail
// the runtime is out of memory.
func (m *Mutator) allocSlow(op string, size uintptr, try func(uintptr) (Addr, bool)) Addr {
	r := m.rt
	h := r.heap
	for attempt := 0; ; attempt++ {
		if obj, ok := m.sweepAndTry(size, try); ok {
			return obj
		}
		switch {
		case attempt == 0:
			r.collect(m)
		case h.grow(divRoundUp(size+h.geometry.chunkHeaderSize(), h.blockSize)):
		default:
			heapSize := h.numBlocks.Load() * h.blockSize
			r.log.Error("out of memory", "size", size, "heap", heapSize, "max", r.maxHeapSize)
			runtimePanic(KindOutOfMemory, op, "cannot allocate %d bytes (heap %d of %d bytes)", size, heapSize, r.maxHeapSize)
		}
	}
}

// sweepAndTry sweeps batches of the pending sweep until the allocation
// succeeds or the sweep is done.
func (m *Mutator) sweepAndTry(size uintptr, try func(uintptr) (Addr, bool)) (Addr, bool) {
	s := m.rt.sweeper
	for {
		if obj, ok := try(size); ok {
			return obj, true
		}
		if s.isDone() {
			return 0, false
		}
		if !s.sweepBatch() {
			runtime.Gosched()
		}
	}
}

// Push pushes a value on the mutator's stack.
func (m *Mutator) Push(v Addr) {
	sp := Addr(m.thread.SP) - wordSize
	if sp < m.stack.base {
		runtimePanic(KindProtocol, "push", "stack overflow")
	}
	*m.stack.word(sp) = uint64(v)
	m.thread.SP = uintptr(sp)
}

// Pop removes the value on top of the stack.
func (m *Mutator) Pop() Addr {
	sp := Addr(m.thread.SP)
	if sp == m.stack.end() {
		runtimePanic(KindProtocol, "pop", "stack underflow")
	}
	v := Addr(*m.stack.word(sp))
	m.thread.SP = uintptr(sp + wordSize)
	return v
}

// Depth returns the number of values on the stack.
func (m *Mutator) Depth() int {
	return int(m.stack.end()-Addr(m.thread.SP)) / wordSize
}

// SP returns the current stack pointer. The live stack is [SP, top).
func (m *Mutator) SP() Addr {
	return Addr(m.thread.SP)
}

// Slot returns the value i slots below the top of the stack; Slot(0) is the
// last pushed value.
func (m *Mutator) Slot(i int) Addr {
	return Addr(*m.slot("slot", i))
}

// SetSlot replaces the value i slots below the top of the stack.
func (m *Mutator) SetSlot(i int, v Addr) {
	*m.slot("set slot", i) = uint64(v)
}

func (m *Mutator) slot(op string, i int) *uint64 {
	if i < 0 || i >= m.Depth() {
		runtimePanic(KindProtocol, op, "slot %d outside a stack of depth %d", i, m.Depth())
	}
	return m.stack.word(Addr(m.thread.SP) + Addr(i*wordSize))
}

// Field returns field i of the heap object obj. Field 0 is the word after the
// layout word.
func (m *Mutator) Field(obj Addr, i int) Addr {
	return Addr(*m.field("field", obj, i))
}

// SetField stores v in field i of obj.
func (m *Mutator) SetField(obj Addr, i int, v Addr) {
	*m.field("set field", obj, i) = uint64(v)
}

func (m *Mutator) field(op string, obj Addr, i int) *uint64 {
	addr := obj + Addr((1+i)*wordSize)
	if i < 0 || !m.rt.heap.isOnHeap(obj) || !m.rt.heap.isOnHeap(addr) {
		runtimePanic(KindProtocol, op, "bad field %d of object %#x", i, obj)
	}
	return m.rt.heap.word(addr)
}
