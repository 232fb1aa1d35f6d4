// Package queue implements the bidirectional message plane (C5) that
// connects the engine thread to the I/O thread: two locked FIFO queues and
// a condition variable, with the swap-and-drain discipline described in the
// design (a reader takes the mutex, swaps the queue with an empty local,
// releases the mutex, then processes locally — bounding critical sections
// to O(1) pointer swaps).
package queue

import "sync"

// InboundAction is the action carried by an envelope on the engine-bound
// queue: the only path by which the engine thread learns about a session
// transition or inbound frame.
type InboundAction int

const (
	StartSession InboundAction = iota
	EndSession
	InboundMessage
)

func (a InboundAction) String() string {
	switch a {
	case StartSession:
		return "StartSession"
	case EndSession:
		return "EndSession"
	case InboundMessage:
		return "InboundMessage"
	default:
		return "Unknown"
	}
}

// OutboundAction is the action carried by an envelope on the I/O-bound
// queue.
type OutboundAction int

const (
	SendMessage OutboundAction = iota
	Stop
	Kill
)

func (a OutboundAction) String() string {
	switch a {
	case SendMessage:
		return "SendMessage"
	case Stop:
		return "Stop"
	case Kill:
		return "Kill"
	default:
		return "Unknown"
	}
}

// InboundEnvelope is a triple (action, session_id, payload) on the
// engine-bound queue. Payload is the UTF-8 text of the frame exactly as
// received; no UTF-16 conversion happens on either side of the plane, and
// invalid UTF-8 is passed through unchanged rather than replaced.
type InboundEnvelope struct {
	Action    InboundAction
	SessionID int
	Payload   string
}

// OutboundEnvelope is a triple (action, session_id, payload) on the
// I/O-bound queue.
type OutboundEnvelope struct {
	Action    OutboundAction
	SessionID int
	Payload   string
}

// Plane owns both message queues and the single mutex guarding them, plus
// the condition variable the engine thread blocks on inside
// runMessageLoopOnPause. Every field access happens under mu; there is no
// per-queue lock.
type Plane struct {
	mu sync.Mutex
	cv sync.Cond

	inbound  []InboundEnvelope
	outbound []OutboundEnvelope

	// wakeInbound and wakeOutbound are pure wake signals (no payload) —
	// "interrupt" and "async-send" in the design notes. They are
	// buffered by 1 so an append-from-empty always gets observed and
	// subsequent appends coalesce into the same pending wake.
	wakeInbound  chan struct{}
	wakeOutbound chan struct{}

	// interrupt is invoked (if set) on every inbound append, so a
	// long-running script checkpoint drains the queue promptly (spec §4.4
	// "wake signalling", item (c)). Unlike the wake channel it does not
	// coalesce — requesting an interrupt the engine already knows about
	// is harmless, so there is no need to suppress repeats.
	interrupt func()
}

// New creates an empty message plane. interrupt may be nil; if non-nil it
// is called on every push to the inbound queue.
func New(interrupt func()) *Plane {
	p := &Plane{
		wakeInbound:  make(chan struct{}, 1),
		wakeOutbound: make(chan struct{}, 1),
		interrupt:    interrupt,
	}
	p.cv.L = &p.mu
	return p
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
		// Already has a pending wake; appends coalesce (spec §4.4).
	}
}

// PushInbound appends to the engine-bound queue (called from the I/O
// thread). It signals the condition variable (for an engine thread
// blocked in runMessageLoopOnPause), the engine-thread wake handle, and
// the interrupt callback.
func (p *Plane) PushInbound(e InboundEnvelope) {
	p.mu.Lock()
	p.inbound = append(p.inbound, e)
	p.mu.Unlock()

	p.cv.Broadcast()
	wake(p.wakeInbound)
	if p.interrupt != nil {
		p.interrupt()
	}
}

// PushOutbound appends to the I/O-bound queue (called from the engine
// thread). It signals the I/O-thread wake handle.
func (p *Plane) PushOutbound(e OutboundEnvelope) {
	p.mu.Lock()
	p.outbound = append(p.outbound, e)
	p.mu.Unlock()

	wake(p.wakeOutbound)
}

// DrainInbound implements the swap-and-drain discipline for the engine
// thread: take the mutex, swap the queue with an empty local, release,
// return the local slice for the caller to process off-lock.
func (p *Plane) DrainInbound() []InboundEnvelope {
	p.mu.Lock()
	local := p.inbound
	p.inbound = nil
	p.mu.Unlock()
	return local
}

// DrainOutbound is DrainInbound's I/O-thread counterpart.
func (p *Plane) DrainOutbound() []OutboundEnvelope {
	p.mu.Lock()
	local := p.outbound
	p.outbound = nil
	p.mu.Unlock()
	return local
}

// WakeInbound returns the channel the engine thread can select on to be
// notified of newly-queued inbound envelopes without holding the mutex.
func (p *Plane) WakeInbound() <-chan struct{} { return p.wakeInbound }

// WakeOutbound is WakeInbound's I/O-thread counterpart.
func (p *Plane) WakeOutbound() <-chan struct{} { return p.wakeOutbound }

// WaitInbound blocks until the inbound queue is non-empty, using the
// condition variable directly (rather than the wake channel) so it can be
// called while already holding no other locks from inside
// runMessageLoopOnPause. It returns once awoken; the caller is expected to
// call DrainInbound next.
func (p *Plane) WaitInbound() {
	p.mu.Lock()
	for len(p.inbound) == 0 {
		p.cv.Wait()
	}
	p.mu.Unlock()
}

// InboundLen reports the current inbound queue length, for tests and
// diagnostics only; it must not be used to make control-flow decisions
// that race with concurrent pushes.
func (p *Plane) InboundLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inbound)
}
