package gc

import "sync"

// WeakRef describes a weak reference object found live by a collection.
type WeakRef struct {
	// Object is the weak reference object itself.
	Object Addr

	// Referent is the value of the referent field when the collection ran.
	Referent Addr

	// Cleared is set when the referent was not strongly reachable. The
	// referent field of Object has been set to 0.
	Cleared bool
}

// WeakRefHandler is called with the world stopped, once for every weak
// reference object that survived a collection. It must not allocate or
// collect.
type WeakRefHandler func(WeakRef)

type weakEntry struct {
	obj   Addr
	field Addr
}

// weakRefList collects the weak reference objects marked during one cycle.
type weakRefList struct {
	mu      sync.Mutex
	entries []weakEntry
}

// add records a weak reference object whose referent is the field at index
// referent (counted from the first field).
func (l *weakRefList) add(obj Addr, referent uintptr) {
	l.mu.Lock()
	l.entries = append(l.entries, weakEntry{obj: obj, field: obj + Addr((1+referent)*wordSize)})
	l.mu.Unlock()
}

// process resolves every recorded entry once marking has reached its
// fixpoint: referents that are heap objects left unmarked are cleared. The
// handler, if any, sees every entry. The list is empty afterwards.
func (l *weakRefList) process(h *Heap, handler WeakRefHandler) (cleared int) {
	l.mu.Lock()
	entries := l.entries
	l.entries = nil
	l.mu.Unlock()

	for _, e := range entries {
		p := h.word(e.field)
		ref := WeakRef{Object: e.obj, Referent: Addr(*p)}
		if ref.Referent != 0 {
			if obj, ok := h.objectAt(ref.Referent); ok && !h.isMarked(obj) {
				*p = 0
				ref.Cleared = true
				cleared++
			}
		}
		if handler != nil {
			handler(ref)
		}
	}
	return cleared
}
