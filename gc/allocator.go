package gc

// allocator is the allocation context of one mutator. Small objects are bump
// allocated into holes: runs of free lines in a recyclable block, or a whole
// free block. Medium objects (at least a line) that don't fit the current
// hole go to a separate overflow block, so that a long hole isn't given up
// for a single big object.
type allocator struct {
	heap *Heap

	block    uintptr
	hasBlock bool
	recycled bool
	line     uintptr // next line to look at in a recycled block
	cursor   Addr
	limit    Addr

	overflowBlock  uintptr
	hasOverflow    bool
	overflowCursor Addr
	overflowLimit  Addr
}

func newAllocator(h *Heap) *allocator {
	return &allocator{heap: h}
}

// alloc reserves size bytes (already aligned, below the large object
// threshold). It returns false when the heap can't hand out another block.
// The memory is zeroed and the object metadata is written.
func (a *allocator) alloc(size uintptr) (Addr, bool) {
	for uintptr(a.limit-a.cursor) < size {
		if size >= a.heap.geometry.LineSize && a.hasBlock {
			return a.overflowAlloc(size)
		}
		if a.nextHole() {
			continue
		}
		if !a.nextBlock() {
			return 0, false
		}
	}
	obj := a.cursor
	a.cursor += Addr(size)
	a.heap.initObject(obj, size)
	return obj, true
}

func (a *allocator) overflowAlloc(size uintptr) (Addr, bool) {
	if uintptr(a.overflowLimit-a.overflowCursor) < size {
		idx, _, ok := a.heap.acquireBlock(false)
		if !ok {
			return 0, false
		}
		a.overflowBlock, a.hasOverflow = idx, true
		a.overflowCursor = a.heap.blockAddr(idx)
		a.overflowLimit = a.overflowCursor + Addr(a.heap.blockSize)
		a.heap.zero(a.overflowCursor, a.heap.blockSize)
	}
	obj := a.overflowCursor
	a.overflowCursor += Addr(size)
	a.heap.initObject(obj, size)
	return obj, true
}

// nextHole moves the bump region to the next run of free lines in the
// current recycled block.
func (a *allocator) nextHole() bool {
	if !a.hasBlock || !a.recycled {
		return false
	}
	b := a.heap.blocks[a.block]
	n := uintptr(len(b.lines))
	start := a.line
	for start < n && b.lines[start] != lineStateFree {
		start++
	}
	if start == n {
		a.line = n
		return false
	}
	end := start + 1
	for end < n && b.lines[end] == lineStateFree {
		end++
	}
	a.line = end
	a.cursor = a.heap.lineAddr(a.block, start)
	a.limit = a.heap.lineAddr(a.block, end)
	a.heap.zero(a.cursor, uintptr(a.limit-a.cursor))
	return true
}

// nextBlock takes a new block from the heap: a recyclable one if possible,
// otherwise a free one. The previous block is left in use; the next sweep
// will classify it.
func (a *allocator) nextBlock() bool {
	idx, recycled, ok := a.heap.acquireBlock(true)
	if !ok {
		a.hasBlock = false
		a.cursor, a.limit = 0, 0
		return false
	}
	a.block, a.hasBlock, a.recycled = idx, true, recycled
	if recycled {
		a.line = 0
		a.cursor, a.limit = 0, 0
		if !a.nextHole() {
			// A recyclable block always has a free line.
			runtimePanic(KindProtocol, "alloc", "recyclable block %d without free lines", idx)
		}
		return true
	}
	a.cursor = a.heap.blockAddr(idx)
	a.limit = a.cursor + Addr(a.heap.blockSize)
	a.heap.zero(a.cursor, a.heap.blockSize)
	return true
}

// reset drops the bump regions. It is called with the world stopped before
// marking; the blocks stay in use and get swept.
func (a *allocator) reset() {
	*a = allocator{heap: a.heap}
}

// initObject writes the object metadata for a new object: a head followed by
// tails.
func (h *Heap) initObject(obj Addr, size uintptr) {
	b, g := h.locate(obj)
	b.setObjState(g, objStateHead)
	for i := uintptr(1); i < size/h.geometry.Alignment; i++ {
		b.setObjState(g+i, objStateTail)
	}
}
