// Package arena reserves the address range backing the heap and commits it
// page by page as the heap grows.
//
// The whole maximum heap size is reserved up front so that the heap never
// moves: a heap address stays valid for the lifetime of the arena. Only the
// committed prefix may be read or written.
package arena

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// ErrReserve is returned (wrapped) when the platform refuses a reservation.
var ErrReserve = errors.New("arena: cannot reserve memory")

// Arena is a reserved range of memory with a committed prefix. Commit and
// Release must not be called concurrently; the accessors may be.
type Arena struct {
	mem       []byte
	committed atomic.Uintptr
	pageSize  uintptr
}

// Reserve reserves size bytes of address space. Nothing is committed yet.
func Reserve(size uintptr) (*Arena, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero size", ErrReserve)
	}
	pageSize := uintptr(pageSize())
	size = alignUp(size, pageSize)
	mem, err := reserve(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %d bytes: %v", ErrReserve, size, err)
	}
	return &Arena{mem: mem, pageSize: pageSize}, nil
}

// Commit makes the first size bytes of the arena usable. The committed prefix
// only grows; committing less than what is already committed is a no-op.
func (a *Arena) Commit(size uintptr) error {
	size = alignUp(size, a.pageSize)
	committed := a.committed.Load()
	if size <= committed {
		return nil
	}
	if size > uintptr(len(a.mem)) {
		return fmt.Errorf("arena: commit %d bytes exceeds reservation of %d bytes", size, len(a.mem))
	}
	if err := commit(a.mem[committed:size]); err != nil {
		return fmt.Errorf("arena: commit %d bytes: %w", size-committed, err)
	}
	a.committed.Store(size)
	return nil
}

// Size returns the size of the reservation.
func (a *Arena) Size() uintptr {
	return uintptr(len(a.mem))
}

// Committed returns the size of the committed prefix.
func (a *Arena) Committed() uintptr {
	return a.committed.Load()
}

// Bytes returns the committed prefix.
func (a *Arena) Bytes() []byte {
	committed := a.committed.Load()
	return a.mem[:committed:committed]
}

// Word returns a pointer to the 8-byte word at the given offset. The offset
// must be aligned and inside the committed prefix.
func (a *Arena) Word(off uintptr) *uint64 {
	if committed := a.committed.Load(); off%8 != 0 || off+8 > committed {
		panic(fmt.Sprintf("arena: invalid word offset %#x (committed %#x)", off, committed))
	}
	return (*uint64)(unsafe.Pointer(&a.mem[off]))
}

// Zero clears n bytes starting at off.
func (a *Arena) Zero(off, n uintptr) {
	clear(a.mem[off : off+n])
}

// Release returns the reservation to the platform. The arena must not be
// used afterwards.
func (a *Arena) Release() error {
	if a.mem == nil {
		return nil
	}
	err := release(a.mem)
	a.mem = nil
	a.committed.Store(0)
	return err
}

func alignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}
