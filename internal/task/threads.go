// Package task keeps track of the mutator threads of a runtime and implements
// the stop-the-world protocol used by the garbage collector.
//
// Threads are suspended cooperatively: a collector raises the "stopped" GC
// state and every running thread parks at its next safepoint poll. Threads in
// the Unmanaged state (for example blocked in a native call) are not waited
// for, but they park as soon as they try to become managed again while the
// world is stopped.
package task

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// If true, print verbose debug logs.
const verbose = false

// State is the state of a mutator thread.
type State uint32

const (
	StateCreated State = iota
	StateRunning
	StateAtSafepoint
	StateUnmanaged
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateAtSafepoint:
		return "safepoint"
	case StateUnmanaged:
		return "unmanaged"
	case StateDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Thread is one mutator thread. It is owned by the goroutine that registered
// it; the collector only reads it while the thread is parked or unmanaged.
type Thread struct {
	// Thread ID. The number here is not really significant, but it is useful
	// for debugging.
	id uintptr

	state atomic.Uint32

	// Highest address of the stack.
	stackTop uintptr

	// Lowest address of the stack region.
	stackBottom uintptr

	// Current stack pointer. The live part of the stack is [SP, stackTop).
	// It is only written by the owning goroutine.
	SP uintptr

	// Next thread in the registry.
	QueueNext *Thread

	// Data is attached by the runtime (the thread's allocation context). It
	// is set at registration and not changed afterwards.
	Data any

	registry *Registry
}

// ID returns the thread's identifier.
func (t *Thread) ID() uintptr {
	return t.id
}

// State returns the current state of the thread.
func (t *Thread) State() State {
	return State(t.state.Load())
}

// StackBounds returns the region reserved for this thread's stack.
func (t *Thread) StackBounds() (bottom, top uintptr) {
	return t.stackBottom, t.stackTop
}

// gcState values.
const (
	gcStateResumed = iota
	gcStateStopped
)

// Registry tracks the threads of one runtime.
type Registry struct {
	// Queue of threads (see QueueNext) that currently exist. Protected by
	// activeTaskLock, which is also held by the collector for the whole
	// stop-the-world phase so threads can't start or exit while stopped.
	activeTasks    *Thread
	activeTaskLock sync.Mutex
	numThreads     atomic.Int32

	threadID atomic.Uintptr

	// gcState is used to notify threads when the GC is stopping/resuming.
	gcState Futex

	// changed is bumped whenever a thread parks or becomes unmanaged, so the
	// collector can wait for the last thread to stop.
	changed Futex

	// Held by the thread running a collection cycle.
	collectLock sync.Mutex
	cycles      atomic.Uint64
}

// Register adds a new running thread with the given stack bounds. data is
// stored in Thread.Data before the thread becomes visible to a collector.
func (r *Registry) Register(stackBottom, stackTop uintptr, data any) *Thread {
	t := &Thread{
		id:          r.threadID.Add(1),
		stackTop:    stackTop,
		stackBottom: stackBottom,
		SP:          stackTop,
		Data:        data,
		registry:    r,
	}
	t.state.Store(uint32(StateCreated))

	// Do this with a lock so that the stop-the-world collector won't see
	// threads that are not fully started yet.
	r.activeTaskLock.Lock()
	t.QueueNext = r.activeTasks
	r.activeTasks = t
	r.numThreads.Add(1)
	t.state.Store(uint32(StateRunning))
	r.activeTaskLock.Unlock()

	if verbose {
		println("*** start:", t.id)
	}
	return t
}

// Unregister removes an exiting thread. The thread stops being managed first,
// so a collector that is currently stopping the world doesn't wait for it.
func (r *Registry) Unregister(t *Thread) {
	if verbose {
		println("*** exit:", t.id)
	}
	t.setUnmanaged()

	// Blocks while the world is stopped.
	r.activeTaskLock.Lock()
	found := false
	for q := &r.activeTasks; *q != nil; q = &(*q).QueueNext {
		if *q == t {
			*q = t.QueueNext
			found = true
			break
		}
	}
	if found {
		r.numThreads.Add(-1)
	}
	t.QueueNext = nil
	t.state.Store(uint32(StateDeleted))
	r.activeTaskLock.Unlock()

	if !found {
		panic("task: unregistering an unknown thread")
	}
}

// NumThreads returns the number of registered threads.
func (r *Registry) NumThreads() int {
	return int(r.numThreads.Load())
}

// Cycles returns the number of completed collection cycles.
func (r *Registry) Cycles() uint64 {
	return r.cycles.Load()
}

// Stopped reports whether a stop-the-world phase is in progress.
func (r *Registry) Stopped() bool {
	return r.gcState.Load() == gcStateStopped
}

// Poll is a safepoint: if the world is being stopped, park until it resumes.
func (t *Thread) Poll() {
	if t.registry.gcState.Load() == gcStateStopped {
		t.park()
	}
}

func (t *Thread) park() {
	r := t.registry
	for {
		if !t.state.CompareAndSwap(uint32(StateRunning), uint32(StateAtSafepoint)) {
			panic(fmt.Sprintf("task: thread %d parks in state %v", t.id, t.State()))
		}
		r.notifyChanged()

		// Wait for the GC to resume.
		for r.gcState.Load() == gcStateStopped {
			r.gcState.Wait(gcStateStopped)
		}
		t.state.Store(uint32(StateRunning))

		// Another cycle may have stopped the world between the wake-up and
		// the state change; the collector of that cycle may already have
		// counted us as parked.
		if r.gcState.Load() != gcStateStopped {
			return
		}
	}
}

// SetManaged switches between the Running and Unmanaged states. Going back to
// Running while the world is stopped parks the thread until it resumes.
func (t *Thread) SetManaged(managed bool) {
	if !managed {
		t.setUnmanaged()
		return
	}
	if !t.state.CompareAndSwap(uint32(StateUnmanaged), uint32(StateRunning)) {
		if t.State() == StateRunning {
			return
		}
		panic(fmt.Sprintf("task: thread %d becomes managed in state %v", t.id, t.State()))
	}
	t.Poll()
}

func (t *Thread) setUnmanaged() {
	switch s := t.State(); s {
	case StateUnmanaged:
		return
	case StateRunning:
		t.state.Store(uint32(StateUnmanaged))
		t.registry.notifyChanged()
	default:
		panic(fmt.Sprintf("task: thread %d becomes unmanaged in state %v", t.id, s))
	}
}

// notifyChanged wakes the collector. Only the holder of the collection waits
// on changed.
func (r *Registry) notifyChanged() {
	r.changed.Add(1)
	r.changed.Wake()
}

// AcquireCollection makes current the collector of a new cycle. It returns
// false if another thread completed a cycle in the meantime; current then took
// part in that cycle as an ordinary mutator. After a true result the caller
// must call StopTheWorld, ResumeWorld and ReleaseCollection in that order,
// with CompleteCycle before ResumeWorld if the phase was a collection.
func (r *Registry) AcquireCollection(current *Thread) bool {
	start := r.cycles.Load()
	for {
		if r.collectLock.TryLock() {
			if r.cycles.Load() != start {
				r.collectLock.Unlock()
				return false
			}
			return true
		}
		current.Poll()
		if r.cycles.Load() != start {
			return false
		}
		runtime.Gosched()
	}
}

// CompleteCycle records that the current stop-the-world phase was a full
// cycle. Threads waiting in AcquireCollection then return false. A phase that
// only inspects the world ends without calling it.
func (r *Registry) CompleteCycle() {
	if r.gcState.Load() != gcStateStopped {
		panic("task: CompleteCycle called while the world is running")
	}
	r.cycles.Add(1)
}

// ReleaseCollection ends the collection started by AcquireCollection.
func (r *Registry) ReleaseCollection() {
	r.collectLock.Unlock()
}

// StopTheWorld parks every managed thread except current. The caller must hold
// the collection (see AcquireCollection). After calling this function,
// ResumeWorld needs to be called once to resume all other threads again.
func (r *Registry) StopTheWorld(current *Thread) {
	// Don't allow threads to be started or to exit while stopped.
	r.activeTaskLock.Lock()

	r.gcState.Store(gcStateStopped)

	// Wait for the threads to finish stopping.
	for {
		seen := r.changed.Load()
		if r.allStopped(current) {
			break
		}
		r.changed.Wait(seen)
	}
}

func (r *Registry) allStopped(current *Thread) bool {
	for t := r.activeTasks; t != nil; t = t.QueueNext {
		if t == current {
			continue
		}
		switch t.State() {
		case StateAtSafepoint, StateUnmanaged:
		default:
			return false
		}
	}
	return true
}

// EachThread calls fn for every registered thread. It may only be called
// between StopTheWorld and ResumeWorld.
func (r *Registry) EachThread(fn func(t *Thread)) {
	if r.gcState.Load() != gcStateStopped {
		panic("task: EachThread called while the world is running")
	}
	for t := r.activeTasks; t != nil; t = t.QueueNext {
		fn(t)
	}
}

// ResumeWorld resumes all threads stopped by StopTheWorld.
func (r *Registry) ResumeWorld() {
	if r.gcState.Load() == gcStateResumed {
		// This is already resumed.
		return
	}
	r.gcState.Store(gcStateResumed)

	// Wake all of the stopped threads.
	r.gcState.WakeAll()

	// Allow threads to start and exit again.
	r.activeTaskLock.Unlock()
}
