// Package gc implements a non-moving mark-region garbage collector in the
// style of Immix: the heap is made of blocks divided into lines, small
// objects are bump allocated into runs of free lines, large objects live in
// superblocks. Marking runs with the world stopped on a pool of GC threads;
// sweeping is lazy and runs concurrently with the mutators.
//
// The collector manages its own address space. Heap objects are reached
// through Addr values and the word accessors of Runtime and Mutator; the
// first word of every object is its gclayout.Layout.
package gc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinygo-org/immixgc/internal/arena"
	"github.com/tinygo-org/immixgc/internal/gclayout"
	"github.com/tinygo-org/immixgc/internal/task"
)

// Config describes the heap of a runtime. The zero value is usable.
type Config struct {
	// MinHeapSize is committed up front. Defaults to DefaultMinHeapSize, or
	// MaxHeapSize when that is smaller.
	MinHeapSize uintptr

	// MaxHeapSize is reserved up front and never exceeded. Defaults to the
	// physical memory of the machine.
	MaxHeapSize uintptr

	// Geometry defaults to DefaultGeometry.
	Geometry Geometry

	// GCThreads is the number of threads used to mark and sweep in the
	// background. Defaults to the number of CPUs.
	GCThreads int

	// Types resolves descriptor layouts. Objects with a descriptor layout
	// can't be allocated without it.
	Types *gclayout.Table

	// Logger receives debug output. Defaults to discarding everything.
	Logger *slog.Logger
}

// MemoryLimit returns the physical memory of the machine, the default
// maximum heap size.
func MemoryLimit() uint64 {
	return arena.MemoryLimit()
}

// Runtime is a garbage collected heap shared by a set of mutators.
type Runtime struct {
	heap    *Heap
	large   *largeAllocator
	sweeper *sweeper
	marker  marker
	weak    weakRefList
	roots   rootSet
	static  staticSpace
	threads task.Registry
	types   *gclayout.Table
	log     *slog.Logger

	minHeapSize uintptr
	maxHeapSize uintptr
	gcThreads   int
	jobs        chan func()
	workers     sync.WaitGroup
	closed      atomic.Bool

	weakHandler atomic.Pointer[WeakRefHandler]

	// collector is the mutator running a collection, if any.
	collector atomic.Pointer[Mutator]

	// epoch of the last collection. Protected by the collection lock of
	// the thread registry.
	epoch uint64

	numGC      atomic.Uint32
	pauseTotal atomic.Int64
	lastPause  atomic.Int64
	mallocs    atomic.Uint64
	totalAlloc atomic.Uint64
}

// New sets up a runtime. Configuration problems are reported as an *Error of
// kind KindConfig.
func New(cfg Config) (*Runtime, error) {
	g := cfg.Geometry
	if g == (Geometry{}) {
		g = DefaultGeometry
	}
	if err := g.validate(); err != nil {
		return nil, configError("init", err)
	}
	blockSize := g.BlockSize()

	maxSize := cfg.MaxHeapSize
	if maxSize == 0 {
		maxSize = uintptr(min(MemoryLimit(), uint64(^uintptr(0)>>1)))
	}
	minSize := cfg.MinHeapSize
	if minSize == 0 {
		minSize = min(DefaultMinHeapSize, maxSize)
	} else if minSize > maxSize {
		return nil, configError("init", fmt.Errorf("minimum heap size %d exceeds maximum heap size %d", minSize, maxSize))
	}
	minSize = align(minSize, blockSize)
	maxSize = max(maxSize/blockSize*blockSize, minSize)

	threads := cfg.GCThreads
	if threads < 0 {
		return nil, configError("init", fmt.Errorf("negative number of GC threads: %d", threads))
	}
	if threads == 0 {
		threads = runtime.NumCPU()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h, err := newHeap(g, minSize, maxSize, log)
	if err != nil {
		return nil, err
	}
	r := &Runtime{
		heap:        h,
		types:       cfg.Types,
		log:         log,
		minHeapSize: minSize,
		maxHeapSize: maxSize,
		gcThreads:   threads,
		jobs:        make(chan func(), threads),
	}
	r.large = &largeAllocator{heap: h}
	r.sweeper = newSweeper(h, r.large, r.sweepFinished)
	r.marker = marker{heap: h, types: cfg.Types, weak: &r.weak}
	for i := 0; i < threads; i++ {
		r.workers.Add(1)
		go r.gcThread()
	}
	return r, nil
}

// Close stops the GC threads and releases the heap. Every mutator must have
// been detached.
func (r *Runtime) Close() error {
	if n := r.threads.NumThreads(); n != 0 {
		return &Error{Kind: KindProtocol, Op: "close", Err: fmt.Errorf("%d mutators still attached", n)}
	}
	if r.closed.Swap(true) {
		return nil
	}
	close(r.jobs)
	r.workers.Wait()
	return r.heap.close()
}

// MinHeapSize returns the committed heap size at startup.
func (r *Runtime) MinHeapSize() uintptr {
	return r.minHeapSize
}

// MaxHeapSize returns the size the heap never grows beyond.
func (r *Runtime) MaxHeapSize() uintptr {
	return r.maxHeapSize
}

// IsSweepDone reports whether the sweep of the last collection finished.
func (r *Runtime) IsSweepDone() bool {
	return r.sweeper.isDone()
}

// SetWeakRefHandler replaces the handler called for weak references after
// each collection. A nil handler only clears them.
func (r *Runtime) SetWeakRefHandler(fn WeakRefHandler) {
	if fn == nil {
		r.weakHandler.Store(nil)
		return
	}
	r.weakHandler.Store(&fn)
}

// gcThread runs marking and sweeping jobs.
func (r *Runtime) gcThread() {
	defer r.workers.Done()
	for job := range r.jobs {
		job()
	}
}

func (r *Runtime) spawn(fn func()) {
	r.jobs <- fn
}

// backgroundSweep wakes up idle GC threads to sweep.
func (r *Runtime) backgroundSweep() {
	for i := 0; i < r.gcThreads; i++ {
		select {
		case r.jobs <- r.sweepJob:
		default:
			return
		}
	}
}

func (r *Runtime) sweepJob() {
	for r.sweeper.sweepBatch() {
	}
}

// collect runs a collection cycle on behalf of m. It returns false when
// another mutator ran a cycle in the meantime.
func (r *Runtime) collect(m *Mutator) bool {
	// A new cycle must not start on half-swept metadata.
	r.sweeper.wait()
	if !r.threads.AcquireCollection(m.thread) {
		return false
	}
	r.collector.Store(m)
	start := time.Now()
	r.threads.StopTheWorld(m.thread)

	// Another cycle may have run between the wait and the acquisition.
	r.sweeper.wait()

	r.threads.EachThread(func(t *task.Thread) {
		if mt, ok := t.Data.(*Mutator); ok {
			mt.alloc.reset()
		}
	})
	r.large.reset()
	r.epoch++
	limit, pending := r.heap.prepareSweep(r.epoch)

	r.marker.mark(r.gcThreads, r.scanRoots, r.spawn)

	var handler WeakRefHandler
	if p := r.weakHandler.Load(); p != nil {
		handler = *p
	}
	cleared := r.weak.process(r.heap, handler)

	r.sweeper.start(r.epoch, limit, pending)
	pause := time.Since(start)
	r.numGC.Add(1)
	r.threads.CompleteCycle()
	r.threads.ResumeWorld()
	r.collector.Store(nil)
	r.threads.ReleaseCollection()

	r.pauseTotal.Add(int64(pause))
	r.lastPause.Store(int64(pause))
	r.log.Debug("collection done",
		"cycle", r.epoch, "pause", pause, "sweepBlocks", pending, "clearedWeakRefs", cleared)
	r.backgroundSweep()
	return true
}

// scanRoots feeds the root ranges and the live part of every mutator stack
// to the marker.
func (r *Runtime) scanRoots(w *markWorker) {
	r.roots.scan(&r.static, w.scanConservative)
	r.threads.EachThread(func(t *task.Thread) {
		m, ok := t.Data.(*Mutator)
		if !ok {
			return
		}
		sp := Addr(t.SP)
		w.scanConservative(m.stack.words[(sp-m.stack.base)/wordSize:])
	})
}

// sweepFinished applies the growth rule once a sweep completes: if less than
// a third of the heap is free, the heap grows.
func (r *Runtime) sweepFinished(freeBlocks, freeLines uintptr) {
	h := r.heap
	total := h.numBlocks.Load() * h.blockSize
	free := freeBlocks*h.blockSize + freeLines*h.geometry.LineSize
	r.log.Debug("sweep done", "free", free, "heap", total)
	if free < total/3 && h.grow(1) {
		r.log.Debug("heap grown after sweep", "heap", h.numBlocks.Load()*h.blockSize)
	}
}

// MapStatic maps a zeroed segment of static memory (global data) and returns
// its address.
func (r *Runtime) MapStatic(words int) Addr {
	return r.static.mapSegment(words, false).base
}

// UnmapStatic removes the segment mapped at base. Root ranges within it are
// removed too.
func (r *Runtime) UnmapStatic(base Addr) error {
	seg := r.static.lookup(base)
	if seg == nil || seg.base != base || seg.stack {
		return &Error{Kind: KindProtocol, Op: "unmap", Err: fmt.Errorf("no segment at %#x", base)}
	}
	r.roots.remove(seg.base, seg.end())
	r.static.unmapSegment(seg)
	return nil
}

var errBadRange = errors.New("range is not inside one static segment")

// AddRoots registers [low, high) as a root range. The range must lie in a
// static segment.
func (r *Runtime) AddRoots(low, high Addr) error {
	if low >= high || low%wordSize != 0 || high%wordSize != 0 {
		return &Error{Kind: KindProtocol, Op: "add roots", Err: fmt.Errorf("invalid range [%#x, %#x)", low, high)}
	}
	seg := r.static.lookup(low)
	if seg == nil || seg.stack || high > seg.end() {
		return &Error{Kind: KindProtocol, Op: "add roots", Err: fmt.Errorf("[%#x, %#x): %w", low, high, errBadRange)}
	}
	r.roots.add(low, high)
	return nil
}

// RemoveRoots unregisters every root range within [low, high). It returns
// the number of ranges removed.
func (r *Runtime) RemoveRoots(low, high Addr) int {
	return r.roots.remove(low, high)
}

// Load reads the word at addr, on the heap or in a static segment.
func (r *Runtime) Load(addr Addr) uint64 {
	return *r.wordAt("load", addr)
}

// Store writes the word at addr.
func (r *Runtime) Store(addr Addr, v uint64) {
	*r.wordAt("store", addr) = v
}

func (r *Runtime) wordAt(op string, addr Addr) *uint64 {
	if addr%wordSize != 0 {
		runtimePanic(KindProtocol, op, "unaligned address %#x", addr)
	}
	if r.heap.isOnHeap(addr) {
		return r.heap.word(addr)
	}
	if seg := r.static.lookup(addr); seg != nil {
		return seg.word(addr)
	}
	runtimePanic(KindProtocol, op, "bad address %#x", addr)
	return nil
}
