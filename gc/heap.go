package gc

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinygo-org/immixgc/internal/arena"
)

// Heap owns the blocks of the heap: it hands them out to allocation contexts,
// takes them back from the sweeper and grows the committed part of the arena.
//
// Block bookkeeping (states, free runs, the recyclable list) is protected by
// lock. The blocks slice is sized for the maximum heap up front; an entry is
// set before numBlocks is raised past it.
type Heap struct {
	geometry  Geometry
	blockSize uintptr
	arena     *arena.Arena
	minBlocks uintptr
	maxBlocks uintptr
	log       *slog.Logger

	lock       sync.Mutex
	blocks     []*block
	numBlocks  atomic.Uintptr
	free       freeRanges // runs of free blocks, in blocks
	recyclable []uintptr
}

func newHeap(g Geometry, minSize, maxSize uintptr, log *slog.Logger) (*Heap, error) {
	blockSize := g.BlockSize()
	minBlocks := minSize / blockSize
	maxBlocks := maxSize / blockSize
	if minBlocks == 0 {
		return nil, configError("init", fmt.Errorf("minimum heap size %d is smaller than one block (%d bytes)", minSize, blockSize))
	}
	if minBlocks > maxBlocks {
		return nil, configError("init", fmt.Errorf("minimum heap size %d exceeds maximum heap size %d", minSize, maxSize))
	}
	if uintptr(heapBase)+maxBlocks*blockSize < uintptr(heapBase) {
		return nil, configError("init", fmt.Errorf("maximum heap size %d does not fit the address space", maxSize))
	}
	a, err := arena.Reserve(maxBlocks * blockSize)
	if err != nil {
		return nil, configError("init", err)
	}
	h := &Heap{
		geometry:  g,
		blockSize: blockSize,
		arena:     a,
		minBlocks: minBlocks,
		maxBlocks: maxBlocks,
		log:       log,
		blocks:    make([]*block, maxBlocks),
	}
	h.lock.Lock()
	ok := h.growTo(minBlocks)
	h.lock.Unlock()
	if !ok {
		a.Release()
		return nil, configError("init", fmt.Errorf("cannot commit the minimum heap size of %d bytes", minSize))
	}
	h.log.Debug("heap initialized",
		"blocks", minBlocks, "maxBlocks", maxBlocks, "blockSize", blockSize)
	return h, nil
}

func (h *Heap) close() error {
	return h.arena.Release()
}

// isOnHeap reports whether addr lies in the committed blocks.
func (h *Heap) isOnHeap(addr Addr) bool {
	return addr >= heapBase && uintptr(addr-heapBase) < h.numBlocks.Load()*h.blockSize
}

func (h *Heap) blockIndex(addr Addr) uintptr {
	return uintptr(addr-heapBase) / h.blockSize
}

func (h *Heap) blockAddr(i uintptr) Addr {
	return heapBase + Addr(i*h.blockSize)
}

func (h *Heap) lineAddr(blockIdx, line uintptr) Addr {
	return h.blockAddr(blockIdx) + Addr(line*h.geometry.LineSize)
}

// locate returns the block containing addr and the granule of addr in it.
func (h *Heap) locate(addr Addr) (*block, uintptr) {
	if gcAsserts && !h.isOnHeap(addr) {
		runtimePanic(KindProtocol, "heap", "address %#x outside the heap", addr)
	}
	off := uintptr(addr - heapBase)
	return h.blocks[off/h.blockSize], off % h.blockSize / h.geometry.Alignment
}

// word returns a pointer to the heap word at addr.
func (h *Heap) word(addr Addr) *uint64 {
	return h.arena.Word(uintptr(addr - heapBase))
}

func (h *Heap) zero(addr Addr, n uintptr) {
	h.arena.Zero(uintptr(addr-heapBase), n)
}

// acquireBlock hands a block to an allocation context. Recyclable blocks are
// preferred when allowed, so holes get filled before fresh blocks are used.
func (h *Heap) acquireBlock(allowRecyclable bool) (idx uintptr, recycled, ok bool) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if allowRecyclable {
		if n := len(h.recyclable); n > 0 {
			idx = h.recyclable[n-1]
			h.recyclable = h.recyclable[:n-1]
			h.blocks[idx].state = BlockInUse
			return idx, true, true
		}
	}
	start, got, ok := h.free.pop(1)
	if !ok {
		return 0, false, false
	}
	if got > 1 {
		h.free.insert(start+1, got-1)
	}
	h.blocks[start].state = BlockInUse
	return start, false, true
}

// acquireSuperblock takes n contiguous free blocks for the large allocator.
func (h *Heap) acquireSuperblock(n uintptr) (uintptr, bool) {
	h.lock.Lock()
	defer h.lock.Unlock()

	start, got, ok := h.free.pop(n)
	if !ok {
		return 0, false
	}
	if got > n {
		h.free.insert(start+n, got-n)
	}
	for i := start; i < start+n; i++ {
		b := h.blocks[i]
		b.state = BlockSuperMiddle
		b.superStart = start
	}
	h.blocks[start].state = BlockSuperStart
	h.blocks[start].superLen = n
	return start, true
}

// releaseBlock puts a swept block without live lines back on the free list.
func (h *Heap) releaseBlock(idx uintptr) {
	h.lock.Lock()
	h.blocks[idx].state = BlockFree
	h.free.insert(idx, 1)
	h.lock.Unlock()
}

// recycleBlock makes a swept block with free lines available again.
func (h *Heap) recycleBlock(idx uintptr) {
	h.lock.Lock()
	h.blocks[idx].state = BlockRecyclable
	h.recyclable = append(h.recyclable, idx)
	h.lock.Unlock()
}

func (h *Heap) retireBlock(idx uintptr) {
	h.lock.Lock()
	h.blocks[idx].state = BlockFull
	h.lock.Unlock()
}

// releaseSuperblock returns a superblock without live chunks to the heap.
func (h *Heap) releaseSuperblock(start uintptr) {
	h.lock.Lock()
	defer h.lock.Unlock()
	n := h.blocks[start].superLen
	for i := start; i < start+n; i++ {
		b := h.blocks[i]
		b.state = BlockFree
		b.superStart = blockNoSuperIdx
		b.superLen = 0
	}
	h.free.insert(start, n)
}

// grow commits more blocks, at least n of them. The heap at least doubles
// each time so that growing stays rare.
func (h *Heap) grow(n uintptr) bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	cur := h.numBlocks.Load()
	return h.growTo(min(max(2*cur, cur+n), h.maxBlocks))
}

// growTo raises the number of committed blocks. The heap lock must be held.
func (h *Heap) growTo(target uintptr) bool {
	cur := h.numBlocks.Load()
	if target <= cur {
		return false
	}
	if err := h.arena.Commit(target * h.blockSize); err != nil {
		h.log.Warn("heap: cannot grow", "blocks", target, "err", err)
		return false
	}
	for i := cur; i < target; i++ {
		h.blocks[i] = newBlock(h.geometry)
	}
	h.free.insert(cur, target-cur)
	h.numBlocks.Store(target)
	if cur != 0 {
		h.log.Debug("heap grown", "from", cur, "to", target)
	}
	return true
}

// rebuildFreeRanges coalesces the free runs. It returns the number of free
// blocks and the number of free lines in recyclable blocks. The heap lock
// must be held.
func (h *Heap) rebuildFreeRanges() (freeBlocks, freeLines uintptr) {
	h.free.reset()
	block := h.numBlocks.Load()
	for {
		// Skip backwards over occupied blocks.
		for block > 0 && h.blocks[block-1].state != BlockFree {
			block--
		}
		if block == 0 {
			break
		}

		// Find the start of the free range.
		end := block
		for block > 0 && h.blocks[block-1].state == BlockFree {
			block--
		}
		h.free.insert(block, end-block)
	}
	for _, idx := range h.recyclable {
		b := h.blocks[idx]
		freeLines += uintptr(len(b.lines)) - b.liveLines()
	}
	return h.free.total, freeLines
}

// prepareSweep is called with the world stopped, before marking. Every block
// that holds objects is tagged for the sweep epoch. It returns the number of
// blocks to scan and the number of tagged blocks.
func (h *Heap) prepareSweep(epoch uint64) (limit, pending uintptr) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.recyclable = h.recyclable[:0]
	limit = h.numBlocks.Load()
	for i := uintptr(0); i < limit; i++ {
		b := h.blocks[i]
		switch b.state {
		case BlockInUse, BlockRecyclable, BlockFull, BlockSuperStart:
			b.sweepEpoch = epoch
			pending++
		}
	}
	return limit, pending
}

// claimSweep hands block idx to one sweeper of the given epoch.
func (h *Heap) claimSweep(idx uintptr, epoch uint64) (*block, bool) {
	h.lock.Lock()
	defer h.lock.Unlock()
	b := h.blocks[idx]
	if b.sweepEpoch != epoch {
		return nil, false
	}
	b.sweepEpoch = 0
	return b, true
}

// objectAt returns the start of the object containing addr, if any. It may
// only be used while the block metadata is stable (world stopped, sweep
// done).
func (h *Heap) objectAt(addr Addr) (Addr, bool) {
	if !h.isOnHeap(addr) {
		return 0, false
	}
	idx := h.blockIndex(addr)
	b := h.blocks[idx]
	switch b.state {
	case BlockFree:
		return 0, false
	case BlockSuperStart, BlockSuperMiddle:
		return h.findLargeObject(b.superStart, addr)
	}
	g := uintptr(addr-h.blockAddr(idx)) / h.geometry.Alignment
	head, ok := b.findHead(g)
	if !ok {
		return 0, false
	}
	return h.blockAddr(idx) + Addr(head*h.geometry.Alignment), true
}

// isLarge reports whether obj lives in a superblock.
func (h *Heap) isLarge(obj Addr) bool {
	s := h.blocks[h.blockIndex(obj)].state
	return s == BlockSuperStart || s == BlockSuperMiddle
}

// objectSize returns the size of the object starting at obj, including its
// info word and any padding.
func (h *Heap) objectSize(obj Addr) uintptr {
	if h.isLarge(obj) {
		hdr := h.geometry.chunkHeaderSize()
		return uintptr(*h.word(obj - Addr(hdr))) - hdr
	}
	b, g := h.locate(obj)
	return (b.findNext(g, h.geometry.granulesPerBlock()) - g) * h.geometry.Alignment
}

// tryMark marks the object starting at obj. It returns true if this call
// marked it.
func (h *Heap) tryMark(obj Addr) bool {
	b, g := h.locate(obj)
	return b.tryMark(g)
}

func (h *Heap) isMarked(obj Addr) bool {
	b, g := h.locate(obj)
	return b.objState(g) == objStateMark
}
