package gc

import "sync"

// largeAllocator serves objects of at least the large object threshold from
// chunks inside superblocks. A chunk is a whole number of lines and starts
// with a chunk header:
//
//	word 0: size of the chunk in bytes, header included
//	word 1: reserved, 0
//
// The object follows the header. Free chunks are indexed by their length in
// lines; their start is a global line index.
type largeAllocator struct {
	heap *Heap

	mu   sync.Mutex
	free freeRanges
}

func (la *largeAllocator) alloc(size uintptr) (Addr, bool) {
	h := la.heap
	g := h.geometry
	lines := divRoundUp(size+g.chunkHeaderSize(), g.LineSize)

	la.mu.Lock()
	start, got, ok := la.free.pop(lines)
	if !ok {
		n := divRoundUp(lines*g.LineSize, h.blockSize)
		sb, ok := h.acquireSuperblock(n)
		if !ok {
			la.mu.Unlock()
			return 0, false
		}
		start, got = sb*g.LinesPerBlock, n*g.LinesPerBlock
	}
	if got > lines {
		la.putChunk(start+lines, got-lines)
	}
	la.mu.Unlock()

	chunk := la.chunkAddr(start)
	h.zero(chunk, lines*g.LineSize)
	*h.word(chunk) = uint64(lines * g.LineSize)
	obj := chunk + Addr(g.chunkHeaderSize())
	b, gr := h.locate(obj)
	b.setObjState(gr, objStateHead)
	return obj, true
}

// putChunk adds a free chunk. la.mu must be held.
func (la *largeAllocator) putChunk(start, lines uintptr) {
	h := la.heap
	chunk := la.chunkAddr(start)
	*h.word(chunk) = uint64(lines * h.geometry.LineSize)
	*h.word(chunk + wordSize) = 0
	la.free.insert(start, lines)
}

func (la *largeAllocator) chunkAddr(line uintptr) Addr {
	return heapBase + Addr(line*la.heap.geometry.LineSize)
}

// reset forgets every free chunk. The sweep puts back the ones that are
// still free.
func (la *largeAllocator) reset() {
	la.mu.Lock()
	la.free.reset()
	la.mu.Unlock()
}

// sweepSuperblock frees the dead chunks of the superblock starting at block
// start and unmarks the live ones. Adjacent free chunks are merged. A
// superblock without live chunks goes back to the heap. It returns the number
// of bytes held by live objects.
func (la *largeAllocator) sweepSuperblock(start uintptr) (live uintptr) {
	h := la.heap
	g := h.geometry
	hdr := Addr(g.chunkHeaderSize())
	base := h.blockAddr(start)
	end := base + Addr(h.blocks[start].superLen*h.blockSize)

	type run struct{ start, lines uintptr }
	var runs []run
	var cur run
	for c := base; c < end; {
		size := uintptr(*h.word(c))
		if size == 0 || size%g.LineSize != 0 || c+Addr(size) > end {
			runtimePanic(KindProtocol, "sweep", "corrupt chunk header at %#x: size %d", c, size)
		}
		b, gr := h.locate(c + hdr)
		switch b.objState(gr) {
		case objStateMark:
			b.setObjState(gr, objStateHead)
			live += size - uintptr(hdr)
			if cur.lines != 0 {
				runs = append(runs, cur)
				cur = run{}
			}
		default:
			b.setObjState(gr, objStateFree)
			if cur.lines == 0 {
				cur.start = uintptr(c-heapBase) / g.LineSize
			}
			cur.lines += size / g.LineSize
		}
		c += Addr(size)
	}
	if live == 0 {
		h.releaseSuperblock(start)
		return 0
	}
	if cur.lines != 0 {
		runs = append(runs, cur)
	}
	la.mu.Lock()
	for _, r := range runs {
		la.putChunk(r.start, r.lines)
	}
	la.mu.Unlock()
	return live
}

// findLargeObject returns the object of the chunk containing addr in the
// superblock starting at block start.
func (h *Heap) findLargeObject(start uintptr, addr Addr) (Addr, bool) {
	hdr := Addr(h.geometry.chunkHeaderSize())
	c := h.blockAddr(start)
	end := c + Addr(h.blocks[start].superLen*h.blockSize)
	for c < end {
		size := Addr(*h.word(c))
		if size == 0 {
			runtimePanic(KindProtocol, "mark", "corrupt chunk header at %#x", c)
		}
		if addr < c+size {
			obj := c + hdr
			if addr < obj {
				// Points into the chunk header.
				return 0, false
			}
			b, g := h.locate(obj)
			if s := b.objState(g); s != objStateHead && s != objStateMark {
				return 0, false
			}
			return obj, true
		}
		c += size
	}
	return 0, false
}
