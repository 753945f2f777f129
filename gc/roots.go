package gc

import "sync"

// rootRange is an interval [low, high) of static memory scanned
// conservatively on every collection.
type rootRange struct {
	low, high Addr
}

// rootSet is the set of registered root ranges. The collector holds the read
// lock while scanning.
type rootSet struct {
	mu     sync.RWMutex
	ranges []rootRange
}

func (r *rootSet) add(low, high Addr) {
	r.mu.Lock()
	r.ranges = append(r.ranges, rootRange{low, high})
	r.mu.Unlock()
}

// remove drops every range that lies within [low, high) and returns how many
// were dropped.
func (r *rootSet) remove(low, high Addr) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.ranges[:0]
	for _, rr := range r.ranges {
		if rr.low >= low && rr.high <= high {
			continue
		}
		kept = append(kept, rr)
	}
	n := len(r.ranges) - len(kept)
	clear(r.ranges[len(kept):])
	r.ranges = kept
	return n
}

func (r *rootSet) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ranges)
}

// scan passes the words of every root range to fn.
func (r *rootSet) scan(space *staticSpace, fn func(words []uint64)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rr := range r.ranges {
		seg := space.lookup(rr.low)
		if seg == nil {
			// The segment was unmapped under the root range.
			continue
		}
		lo := (rr.low - seg.base) / wordSize
		hi := min(rr.high, seg.end()) - seg.base
		fn(seg.words[lo : hi/wordSize])
	}
}
