package gc

import "sync"

// packetSize is the number of references in a grey packet.
const packetSize = 256

// packet is a fixed-size batch of grey (marked, not yet scanned) objects.
type packet struct {
	refs [packetSize]Addr
	n    int
	next *packet
}

func (p *packet) full() bool {
	return p.n == packetSize
}

func (p *packet) push(obj Addr) {
	p.refs[p.n] = obj
	p.n++
}

func (p *packet) pop() Addr {
	p.n--
	return p.refs[p.n]
}

// greyList is the shared work list of the marker: a LIFO stack of full
// packets and a pool of empty ones. The zero value is not usable; call init.
//
// Each worker takes packets with getFull and hands work back with putFull.
// Marking terminates when no full packet is left and no worker is busy:
// only busy workers can produce new packets.
type greyList struct {
	mu    sync.Mutex
	cond  sync.Cond
	full  *packet
	empty *packet
	busy  int
	done  bool
}

func (gl *greyList) init(workers int) {
	gl.cond.L = &gl.mu
	gl.full = nil
	gl.busy = workers
	gl.done = false
}

// getEmpty returns an empty packet.
func (gl *greyList) getEmpty() *packet {
	gl.mu.Lock()
	p := gl.empty
	if p != nil {
		gl.empty = p.next
		p.next = nil
	}
	gl.mu.Unlock()
	if p == nil {
		p = new(packet)
	}
	return p
}

func (gl *greyList) putEmpty(p *packet) {
	gl.mu.Lock()
	p.n = 0
	p.next = gl.empty
	gl.empty = p
	gl.mu.Unlock()
}

// putFull pushes a packet with work onto the stack.
func (gl *greyList) putFull(p *packet) {
	gl.mu.Lock()
	p.next = gl.full
	gl.full = p
	gl.cond.Signal()
	gl.mu.Unlock()
}

// getFull is called by a worker that ran out of work. It blocks until a
// packet is available or marking is over, in which case it returns nil.
func (gl *greyList) getFull() *packet {
	gl.mu.Lock()
	defer gl.mu.Unlock()
	gl.busy--
	for gl.full == nil {
		if gl.done {
			return nil
		}
		if gl.busy == 0 {
			gl.done = true
			gl.cond.Broadcast()
			return nil
		}
		gl.cond.Wait()
	}
	p := gl.full
	gl.full = p.next
	p.next = nil
	gl.busy++
	return p
}
