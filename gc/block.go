package gc

import (
	"fmt"
	"sync/atomic"
)

// BlockState is the allocation state of a heap block.
type BlockState uint8

const (
	// BlockFree: on the heap's free list, every line is free.
	BlockFree BlockState = iota

	// BlockInUse: owned by an allocation context since the last sweep.
	BlockInUse

	// BlockRecyclable: some lines are live, the others can be reused.
	BlockRecyclable

	// BlockFull: every line is live.
	BlockFull

	// BlockSuperStart and BlockSuperMiddle make up a superblock, a run of
	// blocks holding large objects.
	BlockSuperStart
	BlockSuperMiddle
)

func (s BlockState) String() string {
	switch s {
	case BlockFree:
		return "free"
	case BlockInUse:
		return "in use"
	case BlockRecyclable:
		return "recyclable"
	case BlockFull:
		return "full"
	case BlockSuperStart:
		return "superblock"
	case BlockSuperMiddle:
		return "superblock (middle)"
	default:
		// must never happen
		return "!err"
	}
}

// objState stores the four states in which an allocation granule can be. A
// small object is a head followed by zero or more tails; a large object only
// has a head. A marked head is in the mark state.
type objState uint32

const (
	objStateFree objState = 0
	objStateHead objState = 1
	objStateTail objState = 2
	objStateMark objState = objStateHead | objStateTail

	objStateBits    = 2
	objStateMask    = 1<<objStateBits - 1
	statesPerWord   = 32 / objStateBits
	lineStateFree   = 0
	lineStateLive   = 1
	blockNoSuperIdx = ^uintptr(0)
)

// String returns a human-readable version of the object state, for debugging.
func (s objState) String() string {
	switch s {
	case objStateFree:
		return "free"
	case objStateHead:
		return "head"
	case objStateTail:
		return "tail"
	case objStateMark:
		return "mark"
	default:
		// must never happen
		return "!err"
	}
}

// block is the metadata of one heap block. The state fields are protected by
// the heap lock; the line map belongs to whoever owns the block (the sweeper
// while sweeping it, an allocation context while allocating in it).
type block struct {
	state BlockState

	// For superblocks: the number of blocks (in the start block) and the
	// index of the start block (in every block).
	superLen   uintptr
	superStart uintptr

	// sweepEpoch is the sweep epoch in which this block still has to be
	// swept, or 0.
	sweepEpoch uint64

	// Line liveness computed by the last sweep.
	lines []uint8

	// Object states, objStateBits per granule. Accessed atomically because
	// marking workers update them concurrently.
	objs []uint32
}

func newBlock(g Geometry) *block {
	return &block{
		superStart: blockNoSuperIdx,
		lines:      make([]uint8, g.LinesPerBlock),
		objs:       make([]uint32, divRoundUp(g.granulesPerBlock(), statesPerWord)),
	}
}

// objState returns the state of granule i.
func (b *block) objState(i uintptr) objState {
	word := atomic.LoadUint32(&b.objs[i/statesPerWord])
	return objState(word>>(i%statesPerWord*objStateBits)) & objStateMask
}

// setObjState replaces the state of granule i.
func (b *block) setObjState(i uintptr, s objState) {
	p := &b.objs[i/statesPerWord]
	shift := i % statesPerWord * objStateBits
	for {
		old := atomic.LoadUint32(p)
		val := old&^(objStateMask<<shift) | uint32(s)<<shift
		if old == val || atomic.CompareAndSwapUint32(p, old, val) {
			return
		}
	}
}

// tryMark moves granule i from head to mark. It returns false if the granule
// was not an unmarked head, which includes the case where another worker
// marked it first.
func (b *block) tryMark(i uintptr) bool {
	p := &b.objs[i/statesPerWord]
	shift := i % statesPerWord * objStateBits
	for {
		old := atomic.LoadUint32(p)
		if objState(old>>shift)&objStateMask != objStateHead {
			return false
		}
		if atomic.CompareAndSwapUint32(p, old, old|uint32(objStateMark)<<shift) {
			return true
		}
	}
}

// findNext returns the first granule just past the end of the object whose
// head is at granule i. This may or may not be the head of another object.
func (b *block) findNext(i, end uintptr) uintptr {
	for i++; i < end && b.objState(i) == objStateTail; i++ {
	}
	return i
}

// findHead returns the head granule of the object containing granule i. It
// reports false when i doesn't belong to an object.
func (b *block) findHead(i uintptr) (uintptr, bool) {
	for {
		switch b.objState(i) {
		case objStateFree:
			return 0, false
		case objStateHead, objStateMark:
			return i, true
		}
		if i == 0 {
			if gcAsserts {
				runtimePanic(KindProtocol, "mark", "found tail without head")
			}
			return 0, false
		}
		i--
	}
}

// clearObjects resets the object states of granules [from, to).
func (b *block) clearObjects(from, to uintptr) {
	for i := from; i < to; i++ {
		b.setObjState(i, objStateFree)
	}
}

func (b *block) resetLines() {
	clear(b.lines)
}

func (b *block) liveLines() (n uintptr) {
	for _, l := range b.lines {
		if l != lineStateFree {
			n++
		}
	}
	return n
}

func (b *block) String() string {
	return fmt.Sprintf("%v (%d/%d lines live)", b.state, b.liveLines(), len(b.lines))
}
