// Package gclayout describes where pointers live inside heap objects. A
// Layout is what an allocation stores in the first word of an object; the
// marker reads it back to find outgoing references.
//
// A layout value with the least significant bit set holds the bitstring
// inline, in the form pppp...pppp_ssssss1:
//   - The 'p' bits (57 of them) indicate which words of an element may hold a
//     pointer.
//   - The 's' bits hold the element size in words (0-63).
//   - The lowest bit is always set to distinguish the value from a descriptor
//     reference.
//
// The bitstring describes one element. Objects larger than one element repeat
// it (arrays, slices), so [4]*T can be described with size=1.
//
// A layout value with the lowest bit cleared is a reference into a Table of
// descriptors, for objects that don't fit the inline form or that need extra
// treatment such as weak references. The zero Layout is unknown: the object
// is scanned conservatively.
package gclayout

import (
	"errors"
	"fmt"
	"sync"
)

// Layout tracks pointer locations in a heap object. The words it describes
// start right after the layout word itself.
type Layout uint64

const (
	sizeBits  = 6
	sizeShift = sizeBits + 1
	maskBits  = 64 - sizeShift

	NoPtrs  = Layout(uint64(0b0<<sizeShift) | uint64(0b1<<1) | uint64(1))
	Pointer = Layout(uint64(0b1<<sizeShift) | uint64(0b1<<1) | uint64(1))
	String  = Layout(uint64(0b01<<sizeShift) | uint64(0b10<<1) | uint64(1))
	Slice   = Layout(uint64(0b001<<sizeShift) | uint64(0b11<<1) | uint64(1))

	// Unknown layouts are scanned conservatively.
	Unknown Layout = 0
)

// Inline builds an inline layout for an element of the given number of words
// with the given pointer mask. It reports false if the element doesn't fit
// the inline form.
func Inline(words int, mask uint64) (Layout, bool) {
	if words <= 0 || words >= 1<<sizeBits || words > maskBits {
		return 0, false
	}
	if mask>>uint(words) != 0 {
		// Pointer bits past the end of the element.
		return 0, false
	}
	return Layout(mask<<sizeShift | uint64(words)<<1 | 1), true
}

// IsInline reports whether the bitstring is stored in the value itself.
func (l Layout) IsInline() bool {
	return l&1 != 0
}

// PointerFree reports whether objects with this layout never hold pointers.
func (l Layout) PointerFree() bool {
	return l&1 != 0 && l>>sizeShift == 0
}

// Fields extracts the element size in words and the pointer mask of an inline
// layout.
func (l Layout) Fields() (words uintptr, mask uint64) {
	return uintptr(l>>1) & (1<<sizeBits - 1), uint64(l) >> sizeShift
}

// Valid reports whether an inline layout describes a non-empty element with
// no pointer bits past its end. Other layouts are valid if registered, which
// only their Table can tell.
func (l Layout) Valid() bool {
	if !l.IsInline() {
		return true
	}
	words, mask := l.Fields()
	return mask == 0 || (words > 0 && mask>>words == 0)
}

func (l Layout) String() string {
	switch {
	case l == Unknown:
		return "unknown"
	case l.IsInline():
		words, mask := l.Fields()
		return fmt.Sprintf("inline(%d:%b)", words, mask)
	default:
		return fmt.Sprintf("desc(%d)", l.index())
	}
}

func (l Layout) index() int {
	return int(l>>1) - 1
}

// Desc is a layout descriptor registered in a Table.
type Desc struct {
	// Words is the element size in words.
	Words int

	// Bitmap has bit i set when word i of an element may be a pointer, in
	// little endian bit order. Its length is at least ceil(Words/8).
	Bitmap []byte

	// Weak marks a weak reference object: the word at index Referent is
	// not traced.
	Weak     bool
	Referent int
}

var errBadDesc = errors.New("gclayout: invalid descriptor")

// Table holds the descriptors of a program. Registration happens while the
// program is being loaded; lookups happen while marking.
type Table struct {
	mu    sync.RWMutex
	descs []Desc
}

// Register adds a descriptor and returns the layout value referring to it.
func (t *Table) Register(d Desc) (Layout, error) {
	if d.Words <= 0 || len(d.Bitmap)*8 < d.Words {
		return 0, fmt.Errorf("%w: %d words with a %d byte bitmap", errBadDesc, d.Words, len(d.Bitmap))
	}
	if d.Weak && (d.Referent < 0 || d.Referent >= d.Words) {
		return 0, fmt.Errorf("%w: referent word %d outside %d words", errBadDesc, d.Referent, d.Words)
	}
	d.Bitmap = append([]byte(nil), d.Bitmap...)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.descs = append(t.descs, d)
	return Layout(len(t.descs) << 1), nil
}

// MustRegister is like Register but panics on error. It is meant for
// package-level descriptor tables.
func (t *Table) MustRegister(d Desc) Layout {
	l, err := t.Register(d)
	if err != nil {
		panic(err)
	}
	return l
}

// Lookup returns the descriptor for a layout referring into this table.
func (t *Table) Lookup(l Layout) (Desc, bool) {
	if t == nil || l == Unknown || l.IsInline() {
		return Desc{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	i := l.index()
	if i < 0 || i >= len(t.descs) {
		return Desc{}, false
	}
	return t.descs[i], true
}

// PointerAt reports whether word i of an element may hold a pointer.
func (d *Desc) PointerAt(i int) bool {
	return d.Bitmap[i/8]&(1<<(i%8)) != 0
}
