package gc

import "fmt"

// Some constants for the entire GC.
const (
	wordSize = 8

	// Static segments (global data and mutator stacks) are mapped from
	// staticBase upwards. The heap starts at heapBase.
	staticBase Addr = 0x10000
	heapBase   Addr = 1 << 32

	// Number of blocks a sweeper claims at once.
	sweepBatchSize = 16

	// DefaultMinHeapSize is used when no minimum heap size is configured.
	DefaultMinHeapSize = 1 << 20
)

// Addr is an address in the runtime's address space. The zero Addr is nil.
type Addr uintptr

// Geometry holds the size parameters of the heap. They are fixed for the
// lifetime of a runtime.
type Geometry struct {
	// LineSize is the unit of liveness tracking inside a block.
	LineSize uintptr

	// LinesPerBlock is the number of lines in a block.
	LinesPerBlock uintptr

	// Alignment of every allocation, and the granule of the object
	// metadata. At least one word.
	Alignment uintptr

	// LargeThreshold is the size from which objects are served by the large
	// object allocator.
	LargeThreshold uintptr
}

// DefaultGeometry uses 32KiB blocks of 256 byte lines.
var DefaultGeometry = Geometry{
	LineSize:       256,
	LinesPerBlock:  128,
	Alignment:      16,
	LargeThreshold: 8192,
}

// BlockSize returns the size of a block in bytes.
func (g Geometry) BlockSize() uintptr {
	return g.LineSize * g.LinesPerBlock
}

func (g Geometry) validate() error {
	switch {
	case g.Alignment < wordSize || g.Alignment&(g.Alignment-1) != 0:
		return fmt.Errorf("alignment %d is not a power of two of at least %d", g.Alignment, wordSize)
	case g.LineSize < 2*g.Alignment || g.LineSize%g.Alignment != 0:
		return fmt.Errorf("line size %d is not a multiple of twice the alignment %d", g.LineSize, g.Alignment)
	case g.LinesPerBlock == 0:
		return fmt.Errorf("a block needs at least one line")
	case g.LargeThreshold == 0 || g.LargeThreshold > g.BlockSize():
		return fmt.Errorf("large object threshold %d outside (0, %d]", g.LargeThreshold, g.BlockSize())
	}
	return nil
}

func (g Geometry) granulesPerBlock() uintptr {
	return g.BlockSize() / g.Alignment
}

func (g Geometry) granulesPerLine() uintptr {
	return g.LineSize / g.Alignment
}

// chunkHeaderSize is the size of the header in front of every large object:
// two words, rounded up to the alignment.
func (g Geometry) chunkHeaderSize() uintptr {
	return align(2*wordSize, g.Alignment)
}

func align(n, alignment uintptr) uintptr {
	return (n + alignment - 1) &^ (alignment - 1)
}

func divRoundUp(n, d uintptr) uintptr {
	return (n + d - 1) / d
}
