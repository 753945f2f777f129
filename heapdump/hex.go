package heapdump

import (
	"fmt"
	"io"

	"github.com/marcinbor85/gohex"

	"github.com/tinygo-org/immixgc/gc"
)

// WriteHex writes a heap image in Intel HEX format. Addresses in the file are
// offsets from the heap base, which limits images to 4GB.
func WriteHex(w io.Writer, img []byte) error {
	if uint64(len(img)) > 1<<32 {
		return fmt.Errorf("heapdump: heap image of %d bytes doesn't fit Intel HEX", len(img))
	}
	mem := gohex.NewMemory()
	if err := mem.AddBinary(0, img); err != nil {
		return err
	}
	return mem.DumpIntelHex(w, 16)
}

// ReadHex reads a heap image written by WriteHex. Gaps are zero.
func ReadHex(r io.Reader) ([]byte, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	var img []byte
	for _, seg := range mem.GetDataSegments() {
		end := int(seg.Address) + len(seg.Data)
		if end > len(img) {
			img = append(img, make([]byte, end-len(img))...)
		}
		copy(img[seg.Address:], seg.Data)
	}
	return img, nil
}

// WriteImage captures the heap of m's runtime and writes it with WriteHex.
func WriteImage(w io.Writer, m *gc.Mutator) error {
	_, img := m.HeapImage()
	return WriteHex(w, img)
}
