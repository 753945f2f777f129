package gc

import (
	"sync"

	"github.com/tinygo-org/immixgc/internal/gclayout"
)

// marker traces the object graph from the roots. Objects are marked (with an
// atomic transition on their metadata) before they are queued, so every
// object is scanned at most once per cycle, whatever the number of workers.
type marker struct {
	heap  *Heap
	types *gclayout.Table
	grey  greyList
	weak  *weakRefList
}

// markWorker is the state of one marking goroutine.
type markWorker struct {
	m   *marker
	out *packet
}

// mark runs the mark phase with the world stopped. scanRoots is called once
// to feed the initial grey objects; then workers drain the grey list. spawn
// runs a function on a GC thread.
func (m *marker) mark(workers int, scanRoots func(w *markWorker), spawn func(func())) {
	m.grey.init(workers)
	rw := &markWorker{m: m, out: m.grey.getEmpty()}
	scanRoots(rw)
	rw.flush()
	m.grey.putEmpty(rw.out)

	var wg sync.WaitGroup
	for i := 1; i < workers; i++ {
		wg.Add(1)
		spawn(func() {
			defer wg.Done()
			m.work()
		})
	}
	m.work()
	wg.Wait()
}

// work drains grey packets until marking terminates.
func (m *marker) work() {
	w := &markWorker{m: m, out: m.grey.getEmpty()}
	for in := m.grey.getFull(); in != nil; in = m.grey.getFull() {
		for in.n > 0 {
			w.scanObject(in.pop())
		}
		m.grey.putEmpty(in)
		w.flush()
	}
	m.grey.putEmpty(w.out)
}

// flush hands the out packet to the other workers.
func (w *markWorker) flush() {
	if w.out.n == 0 {
		return
	}
	w.m.grey.putFull(w.out)
	w.out = w.m.grey.getEmpty()
}

func (w *markWorker) push(obj Addr) {
	if w.out.full() {
		w.flush()
	}
	w.out.push(obj)
}

// markRoot marks the object that ptr points into, if any. Interior pointers
// keep the whole object alive.
func (w *markWorker) markRoot(ptr uint64) {
	h := w.m.heap
	obj, ok := h.objectAt(Addr(ptr))
	if ok && h.tryMark(obj) {
		w.push(obj)
	}
}

// scanConservative treats every word as a possible pointer.
func (w *markWorker) scanConservative(words []uint64) {
	for _, v := range words {
		w.markRoot(v)
	}
}

// scanObject marks the objects referenced by the fields of obj.
func (w *markWorker) scanObject(obj Addr) {
	h := w.m.heap
	info := gclayout.Layout(*h.word(obj))
	start := obj + wordSize
	n := h.objectSize(obj)/wordSize - 1

	switch {
	case info == gclayout.Unknown:
		// Scan conservatively.
		for i := uintptr(0); i < n; i++ {
			w.markRoot(*h.word(start + Addr(i*wordSize)))
		}

	case info.IsInline():
		size, mask := info.Fields()
		if mask == 0 {
			return
		}
		if !info.Valid() {
			runtimePanic(KindProtocol, "mark", "object %#x has malformed layout %v", obj, info)
		}
		w.scanSimple(start, n, size, mask)

	default:
		d, ok := w.m.types.Lookup(info)
		if !ok {
			runtimePanic(KindProtocol, "mark", "object %#x has unknown layout %v", obj, info)
		}
		skip := -1
		if d.Weak {
			w.m.weak.add(obj, uintptr(d.Referent))
			skip = d.Referent
		}
		w.scanComplex(start, n, &d, skip)
	}
}

// scanSimple scans n words with an element layout of size words and an
// inline pointer mask. A trailing partial element is not scanned.
func (w *markWorker) scanSimple(start Addr, n, size uintptr, mask uint64) {
	for n >= size {
		// Scan this element.
		w.scanWithMask(start, mask)

		// Move to the next element.
		start += Addr(size * wordSize)
		n -= size
	}
}

// scanComplex scans n words with a descriptor bitmap. The word at index skip
// (counted from the first field) is not traced.
func (w *markWorker) scanComplex(start Addr, n uintptr, d *gclayout.Desc, skip int) {
	size := uintptr(d.Words)
	for idx := uintptr(0); n >= size; idx++ {
		for i := 0; i < d.Words; i++ {
			if !d.PointerAt(i) || (idx == 0 && i == skip) {
				continue
			}
			w.markRoot(*w.m.heap.word(start + Addr(uintptr(i)*wordSize)))
		}
		start += Addr(size * wordSize)
		n -= size
	}
}

// scanWithMask scans the words of one element that may hold pointers.
func (w *markWorker) scanWithMask(addr Addr, mask uint64) {
	for mask != 0 {
		if mask&1 != 0 {
			// Load and mark this pointer.
			w.markRoot(*w.m.heap.word(addr))
		}

		// Move to the next offset.
		mask >>= 1
		addr += wordSize
	}
}
