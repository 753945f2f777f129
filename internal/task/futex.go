package task

import (
	"sync"
	"sync/atomic"
)

// A futex is a way for a thread to wait with the futex value as the key, and
// for another thread to wake one or all waiting threads keyed on the same
// futex.
//
// A futex does not change the underlying value, it only reads it before going
// to sleep to prevent lost wake-ups. Writers must store the new value before
// calling Wake or WakeAll.
type Futex struct {
	atomic.Uint32

	mu      sync.Mutex
	waiters sync.Cond
}

// Atomically check for cmp to still be equal to the futex value and if so, go
// to sleep. Return true if we were awoken by a call to Wake or WakeAll, and
// false if the value had already changed. Callers must re-check the value
// after waking up.
func (f *Futex) Wait(cmp uint32) (awoken bool) {
	f.mu.Lock()
	if f.waiters.L == nil {
		f.waiters.L = &f.mu
	}
	if f.Uint32.Load() != cmp {
		f.mu.Unlock()
		return false
	}
	f.waiters.Wait()
	f.mu.Unlock()
	return true
}

// Wake a single waiter.
func (f *Futex) Wake() {
	f.mu.Lock()
	if f.waiters.L != nil {
		f.waiters.Signal()
	}
	f.mu.Unlock()
}

// Wake all waiters.
func (f *Futex) WakeAll() {
	f.mu.Lock()
	if f.waiters.L != nil {
		f.waiters.Broadcast()
	}
	f.mu.Unlock()
}
