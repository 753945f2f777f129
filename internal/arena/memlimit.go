package arena

// fallbackMemoryLimit is used when the platform does not report the amount of
// physical memory.
const fallbackMemoryLimit = 1 << 32

// MemoryLimit returns the amount of physical memory of the machine, which is
// the default upper bound for the heap.
func MemoryLimit() uint64 {
	if limit, err := physicalMemory(); err == nil && limit > 0 {
		return limit
	}
	return fallbackMemoryLimit
}
