package gc

import (
	"sort"
	"sync"
)

// segment is a range of static memory outside the heap: global data of the
// program or the stack of a mutator thread.
type segment struct {
	base  Addr
	words []uint64
	stack bool
}

func (s *segment) end() Addr {
	return s.base + Addr(len(s.words)*wordSize)
}

func (s *segment) contains(addr Addr) bool {
	return addr >= s.base && addr < s.end()
}

// word returns a pointer to the word at addr, which must be inside the
// segment and aligned.
func (s *segment) word(addr Addr) *uint64 {
	return &s.words[(addr-s.base)/wordSize]
}

// staticSpace maps segments below heapBase. Segments are never reused after
// unmapping, so a stale address can't silently alias a new segment.
type staticSpace struct {
	mu   sync.RWMutex
	segs []*segment // sorted by base
	next Addr
}

// segmentGap separates consecutive segments.
const segmentGap = 4096

func (s *staticSpace) mapSegment(words int, stack bool) *segment {
	if words <= 0 {
		runtimePanic(KindProtocol, "map", "segment of %d words", words)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == 0 {
		s.next = staticBase
	}
	seg := &segment{base: s.next, words: make([]uint64, words), stack: stack}
	end := uintptr(seg.end())
	if end > uintptr(heapBase) {
		runtimePanic(KindOutOfMemory, "map", "static space exhausted")
	}
	s.next = Addr(align(end+segmentGap, segmentGap))
	s.segs = append(s.segs, seg)
	return seg
}

func (s *staticSpace) unmapSegment(seg *segment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.search(seg.base)
	if i >= len(s.segs) || s.segs[i] != seg {
		return false
	}
	s.segs = append(s.segs[:i], s.segs[i+1:]...)
	return true
}

// lookup returns the segment containing addr, or nil.
func (s *staticSpace) lookup(addr Addr) *segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.search(addr)
	if i < len(s.segs) && s.segs[i].contains(addr) {
		return s.segs[i]
	}
	return nil
}

// search returns the index of the last segment with a base <= addr, or
// len(segs).
func (s *staticSpace) search(addr Addr) int {
	i := sort.Search(len(s.segs), func(i int) bool {
		return s.segs[i].base > addr
	})
	if i == 0 {
		return len(s.segs)
	}
	return i - 1
}
