package gc

import (
	"bufio"
	"fmt"
	"io"
	"time"
)

// MemStats records statistics about the heap.
type MemStats struct {
	// HeapSys is the committed size of the heap.
	HeapSys uint64

	// HeapMax is the size the heap never grows beyond.
	HeapMax uint64

	// HeapIdle is the size of the free blocks.
	HeapIdle uint64

	// HeapRecyclable is the size of the free lines of recyclable blocks.
	HeapRecyclable uint64

	// Number of blocks in each state.
	FreeBlocks       int
	InUseBlocks      int
	RecyclableBlocks int
	FullBlocks       int
	SuperBlocks      int // counting every block of a superblock

	// Mallocs is the cumulative count of heap objects allocated.
	Mallocs uint64

	// TotalAlloc is the cumulative number of bytes allocated.
	TotalAlloc uint64

	// NumGC is the number of completed collections.
	NumGC uint32

	PauseTotal time.Duration
	LastPause  time.Duration

	// Sweeping is set while the sweep of the last collection is running.
	Sweeping bool
}

// ReadMemStats populates ms with memory statistics.
//
// The returned memory statistics are up to date as of the call to
// ReadMemStats. This does not run a collection.
func (r *Runtime) ReadMemStats(ms *MemStats) {
	h := r.heap
	h.lock.Lock()
	n := h.numBlocks.Load()
	ms.HeapSys = uint64(n * h.blockSize)
	ms.HeapMax = uint64(r.maxHeapSize)
	ms.FreeBlocks, ms.InUseBlocks, ms.RecyclableBlocks, ms.FullBlocks, ms.SuperBlocks = 0, 0, 0, 0, 0
	for i := uintptr(0); i < n; i++ {
		switch h.blocks[i].state {
		case BlockFree:
			ms.FreeBlocks++
		case BlockInUse:
			ms.InUseBlocks++
		case BlockRecyclable:
			ms.RecyclableBlocks++
		case BlockFull:
			ms.FullBlocks++
		default:
			ms.SuperBlocks++
		}
	}
	ms.HeapIdle = uint64(uintptr(ms.FreeBlocks) * h.blockSize)

	// Blocks on the recyclable list are owned by the heap, so their line
	// map is stable.
	var freeLines uintptr
	for _, idx := range h.recyclable {
		b := h.blocks[idx]
		freeLines += uintptr(len(b.lines)) - b.liveLines()
	}
	h.lock.Unlock()
	ms.HeapRecyclable = uint64(freeLines * h.geometry.LineSize)

	ms.Mallocs = r.mallocs.Load()
	ms.TotalAlloc = r.totalAlloc.Load()
	ms.NumGC = r.numGC.Load()
	ms.PauseTotal = time.Duration(r.pauseTotal.Load())
	ms.LastPause = time.Duration(r.lastPause.Load())
	ms.Sweeping = !r.sweeper.isDone()
}

// BlockInfo describes one heap block.
type BlockInfo struct {
	Addr  Addr
	State BlockState

	// LiveLines is the number of lines that held live objects at the last
	// sweep. For superblocks it is 0.
	LiveLines int

	// Objects is the number of allocated objects starting in the block.
	Objects int
}

// Blocks returns a snapshot of every committed block. It stops the world
// while taking it.
func (m *Mutator) Blocks() []BlockInfo {
	var infos []BlockInfo
	m.rt.inspect(m, "blocks", func() {
		infos = m.rt.heap.blockInfos()
	})
	return infos
}

func (h *Heap) blockInfos() []BlockInfo {
	gpb := h.geometry.granulesPerBlock()
	n := h.numBlocks.Load()
	infos := make([]BlockInfo, n)
	for i := uintptr(0); i < n; i++ {
		b := h.blocks[i]
		info := BlockInfo{Addr: h.blockAddr(i), State: b.state}
		switch b.state {
		case BlockRecyclable, BlockFull:
			info.LiveLines = int(b.liveLines())
		}
		for g := uintptr(0); g < gpb; g++ {
			if s := b.objState(g); s == objStateHead || s == objStateMark {
				info.Objects++
			}
		}
		infos[i] = info
	}
	return infos
}

// DumpHeap writes a map of the heap to w: one character per block, one row
// per 64 blocks. It stops the world while writing.
//
//	· free   + in use   % recyclable   # full   S superblock   = superblock (middle)
func (m *Mutator) DumpHeap(w io.Writer) error {
	var err error
	m.rt.inspect(m, "dump heap", func() {
		h := m.rt.heap
		bw := bufio.NewWriter(w)
		n := h.numBlocks.Load()
		fmt.Fprintf(bw, "heap: %d blocks of %d bytes\n", n, h.blockSize)
		for i := uintptr(0); i < n; i++ {
			var c string
			switch h.blocks[i].state {
			case BlockInUse:
				c = "+"
			case BlockRecyclable:
				c = "%"
			case BlockFull:
				c = "#"
			case BlockSuperStart:
				c = "S"
			case BlockSuperMiddle:
				c = "="
			default: // free
				c = "·"
			}
			bw.WriteString(c)
			if i%64 == 63 || i+1 == n {
				bw.WriteByte('\n')
			}
		}
		err = bw.Flush()
	})
	return err
}

// inspect runs fn with the world stopped and no sweep in progress.
func (r *Runtime) inspect(m *Mutator, op string, fn func()) {
	m.checkNotCollecting(op)
	for {
		r.sweeper.wait()
		if r.threads.AcquireCollection(m.thread) {
			break
		}
	}
	r.collector.Store(m)
	r.threads.StopTheWorld(m.thread)
	r.sweeper.wait()
	defer func() {
		r.threads.ResumeWorld()
		r.collector.Store(nil)
		r.threads.ReleaseCollection()
	}()
	fn()
}

// Walk calls fn for every allocated object, with its layout word and size.
// It stops the world; fn must not allocate or collect.
func (m *Mutator) Walk(fn func(obj Addr, info uint64, size uintptr)) {
	m.rt.inspect(m, "walk", func() {
		m.rt.heap.walk(fn)
	})
}

func (h *Heap) walk(fn func(obj Addr, info uint64, size uintptr)) {
	g := h.geometry
	n := h.numBlocks.Load()
	for i := uintptr(0); i < n; i++ {
		b := h.blocks[i]
		switch b.state {
		case BlockFree, BlockSuperMiddle:
		case BlockSuperStart:
			hdr := Addr(g.chunkHeaderSize())
			end := h.blockAddr(i) + Addr(b.superLen*h.blockSize)
			for c := h.blockAddr(i); c < end; c += Addr(*h.word(c)) {
				cb, gr := h.locate(c + hdr)
				if cb.objState(gr) != objStateFree {
					fn(c+hdr, *h.word(c + hdr), uintptr(*h.word(c))-uintptr(hdr))
				}
			}
		default:
			gpb := g.granulesPerBlock()
			for gr := uintptr(0); gr < gpb; gr++ {
				if b.objState(gr) != objStateHead {
					continue
				}
				obj := h.blockAddr(i) + Addr(gr*g.Alignment)
				fn(obj, *h.word(obj), h.objectSize(obj))
			}
		}
	}
}

// HeapImage returns the base address of the heap and a copy of its committed
// part. It stops the world while copying.
func (m *Mutator) HeapImage() (Addr, []byte) {
	var img []byte
	m.rt.inspect(m, "heap image", func() {
		img = m.rt.heap.image()
	})
	return heapBase, img
}

func (h *Heap) image() []byte {
	return append([]byte(nil), h.arena.Bytes()[:h.numBlocks.Load()*h.blockSize]...)
}

// ObjectInfo describes an allocated object.
type ObjectInfo struct {
	Addr Addr
	Info uint64 // layout word
	Size uintptr
}

// Snapshot is a consistent view of the heap.
type Snapshot struct {
	Geometry Geometry
	Base     Addr
	Blocks   []BlockInfo
	Objects  []ObjectInfo

	// Image is a copy of the committed heap, if requested.
	Image []byte
}

// Snapshot takes the block and object tables of the heap, and its contents if
// withImage is set, in a single stop-the-world pause.
func (m *Mutator) Snapshot(withImage bool) *Snapshot {
	h := m.rt.heap
	s := &Snapshot{Geometry: h.geometry, Base: heapBase}
	m.rt.inspect(m, "snapshot", func() {
		s.Blocks = h.blockInfos()
		h.walk(func(obj Addr, info uint64, size uintptr) {
			s.Objects = append(s.Objects, ObjectInfo{obj, info, size})
		})
		if withImage {
			s.Image = h.image()
		}
	})
	return s
}
