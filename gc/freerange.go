package gc

// freeRange is a node on the outer list of range lengths.
// The free ranges are structured as two nested singly-linked lists:
//   - The outer level (freeRange) has one entry for each unique range length.
//   - The inner level (freeRangeMore) has one entry for each additional range
//     of the same length.
//
// This two-level structure ensures that insertion/removal times are
// proportional to the number of distinct lengths, not the number of ranges.
// The heap uses it for runs of free blocks, the large allocator for free
// chunks counted in lines.
type freeRange struct {
	// start is the first unit of this free range.
	start uintptr

	// len is the length of this free range.
	len uintptr

	// nextLen is the next longer free range.
	nextLen *freeRange

	// nextWithLen is the next free range with this length.
	nextWithLen *freeRangeMore
}

// freeRangeMore is a node on the inner list of equal-length ranges.
type freeRangeMore struct {
	start uintptr
	next  *freeRangeMore
}

// freeRanges is a set of disjoint ranges, indexed by length.
type freeRanges struct {
	head *freeRange

	// total number of units in all ranges
	total uintptr
}

// insert adds a range of len units starting at start.
func (f *freeRanges) insert(start, len uintptr) {
	if len == 0 {
		runtimePanic(KindProtocol, "free list", "insert 0-length free range")
	}
	f.total += len

	// Find the insertion point by length.
	// Skip until the next range is at least the target length.
	insDst := &f.head
	for *insDst != nil && (*insDst).len < len {
		insDst = &(*insDst).nextLen
	}

	next := *insDst
	if next != nil && next.len == len {
		// Insert into the list with this length.
		next.nextWithLen = &freeRangeMore{start: start, next: next.nextWithLen}
		return
	}

	// Insert into the list of lengths.
	*insDst = &freeRange{
		start:   start,
		len:     len,
		nextLen: next,
	}
}

// pop removes the shortest range of at least len units (best fit). It returns
// the start and the full length of the removed range; the caller takes care
// of the leftover part.
func (f *freeRanges) pop(len uintptr) (start, removedLen uintptr, ok bool) {
	if len == 0 {
		runtimePanic(KindProtocol, "free list", "pop 0-length free range")
	}

	// Find the removal point by length.
	remDst := &f.head
	for *remDst != nil && (*remDst).len < len {
		remDst = &(*remDst).nextLen
	}

	rangeWithLength := *remDst
	if rangeWithLength == nil {
		// No ranges are long enough.
		return 0, 0, false
	}
	removedLen = rangeWithLength.len

	if nextWithLen := rangeWithLength.nextWithLen; nextWithLen != nil {
		// Remove from the list with this length.
		rangeWithLength.nextWithLen = nextWithLen.next
		start = nextWithLen.start
	} else {
		// Remove from the list of lengths.
		*remDst = rangeWithLength.nextLen
		start = rangeWithLength.start
	}
	f.total -= removedLen
	return start, removedLen, true
}

// reset empties the set.
func (f *freeRanges) reset() {
	f.head = nil
	f.total = 0
}

// counts returns, for each distinct length in increasing order, the length
// and the number of ranges with it.
func (f *freeRanges) counts() (lens, nums []uintptr) {
	for rangeWithLength := f.head; rangeWithLength != nil; rangeWithLength = rangeWithLength.nextLen {
		totalRanges := uintptr(1)
		for nextWithLen := rangeWithLength.nextWithLen; nextWithLen != nil; nextWithLen = nextWithLen.next {
			totalRanges++
		}
		lens = append(lens, rangeWithLength.len)
		nums = append(nums, totalRanges)
	}
	return lens, nums
}
