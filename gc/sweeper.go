package gc

import (
	"runtime"
	"sync/atomic"
)

// sweeper reclaims the blocks of the last collection while mutators run.
// Blocks to sweep are tagged with the sweep epoch by the collector (see
// Heap.prepareSweep); sweepers walk the block indices in batches handed out by
// an atomic cursor and claim each tagged block under the heap lock, so a
// block is swept exactly once whoever gets to it.
//
// The sweeper that completes the last pending block finishes the sweep: it
// coalesces the free block runs and reports completion.
type sweeper struct {
	heap  *Heap
	large *largeAllocator

	cursor  atomic.Uintptr
	limit   atomic.Uintptr
	epoch   atomic.Uint64
	pending atomic.Uintptr
	swept   atomic.Uintptr
	done    atomic.Bool

	// onFinish is called by the finishing sweeper, before the sweep is
	// reported done, with the amount of free memory after the sweep.
	onFinish func(freeBlocks, freeLines uintptr)
}

func newSweeper(h *Heap, la *largeAllocator, onFinish func(freeBlocks, freeLines uintptr)) *sweeper {
	s := &sweeper{heap: h, large: la, onFinish: onFinish}
	s.done.Store(true)
	return s
}

// start begins the sweep of a new epoch. It is called with the world stopped
// after marking. The cursor is reset last: sweepers of the previous epoch
// that are still running can't claim anything before the new epoch is
// visible.
func (s *sweeper) start(epoch uint64, limit, pending uintptr) {
	s.limit.Store(limit)
	s.epoch.Store(epoch)
	s.pending.Store(pending)
	s.swept.Store(0)
	s.done.Store(false)
	s.cursor.Store(0)
	if pending == 0 {
		s.finish()
	}
}

func (s *sweeper) isDone() bool {
	return s.done.Load()
}

// sweepBatch sweeps the next batch of blocks. It returns false when there
// are no more blocks to hand out, which doesn't mean that the sweepers that
// took the last batches are done.
func (s *sweeper) sweepBatch() bool {
	start := s.cursor.Add(sweepBatchSize) - sweepBatchSize
	epoch := s.epoch.Load()
	limit := s.limit.Load()
	if start >= limit {
		return false
	}
	end := min(start+sweepBatchSize, limit)
	var n uintptr
	for i := start; i < end; i++ {
		b, ok := s.heap.claimSweep(i, epoch)
		if !ok {
			continue
		}
		s.sweepBlock(i, b)
		n++
	}
	if n > 0 && s.swept.Add(n) == s.pending.Load() {
		s.finish()
	}
	return true
}

// wait sweeps until the current sweep is done.
func (s *sweeper) wait() {
	for !s.isDone() {
		if !s.sweepBatch() {
			// Somebody else is sweeping the last blocks.
			runtime.Gosched()
		}
	}
}

func (s *sweeper) finish() {
	h := s.heap
	h.lock.Lock()
	freeBlocks, freeLines := h.rebuildFreeRanges()
	h.lock.Unlock()
	if s.onFinish != nil {
		s.onFinish(freeBlocks, freeLines)
	}
	s.done.Store(true)
}

// sweepBlock sweeps one claimed block.
func (s *sweeper) sweepBlock(idx uintptr, b *block) {
	h := s.heap
	if b.state == BlockSuperStart {
		s.large.sweepSuperblock(idx)
		return
	}

	// Line liveness comes from the marked objects. A live object keeps
	// every line it overlaps.
	g := h.geometry
	gpb, gpl := g.granulesPerBlock(), g.granulesPerLine()
	b.resetLines()
	for i := uintptr(0); i < gpb; {
		switch b.objState(i) {
		case objStateMark:
			end := b.findNext(i, gpb)
			b.setObjState(i, objStateHead)
			for l := i / gpl; l <= (end-1)/gpl; l++ {
				b.lines[l] = lineStateLive
			}
			i = end
		case objStateHead:
			end := b.findNext(i, gpb)
			b.clearObjects(i, end)
			i = end
		default:
			i++
		}
	}

	switch live := b.liveLines(); {
	case live == 0:
		h.releaseBlock(idx)
	case live == uintptr(len(b.lines)):
		h.retireBlock(idx)
	default:
		h.recycleBlock(idx)
	}
}
