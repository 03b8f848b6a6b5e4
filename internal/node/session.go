package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/i5heu/ouroboros-cpg/pkg/types"
)

// Unit is one entry of a session queue: a delivery, a flow-control
// transition or a group listing.
type Unit struct { // A
	Delivery *types.Delivery
	Flow     *types.FlowControlState
	Listing  *Listing
}

// Listing is one entry of a group enumeration requested by the process.
type Listing struct { // A
	Index int
	Total int
	View  types.View
}

// Session is the delivery queue of one local process. Units are popped in
// the order the engine produced them.
type Session struct { // A
	node *Node
	pid  uint32

	mu         sync.Mutex
	queue      []Unit
	deliveries int
	err        error
	closed     bool
	notify     chan struct{}
}

func newSession(n *Node, pid uint32) *Session { // A
	return &Session{
		node:   n,
		pid:    pid,
		notify: make(chan struct{}, 1),
	}
}

// Notify returns a channel that receives a value whenever units were
// queued or the session failed.
func (s *Session) Notify() <-chan struct{} { return s.notify } // A

// Err returns the fault that poisoned the session, or nil.
func (s *Session) Err() error { // A
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Len returns the number of queued units.
func (s *Session) Len() int { // A
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Pop removes the oldest unit.
func (s *Session) Pop() (Unit, bool) { // A
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return Unit{}, false
	}
	u := s.queue[0]
	s.queue[0] = Unit{}
	s.queue = s.queue[1:]
	if u.Delivery != nil {
		s.deliveries--
	}
	s.mu.Unlock()

	if u.Delivery != nil {
		s.node.queued.Add(-1)
		s.node.updateFlow()
	}
	return u, true
}

// Enqueue appends a unit that did not come from the engine.
func (s *Session) Enqueue(u Unit) bool { // A
	if u.Delivery != nil {
		return false
	}
	return s.push(u)
}

// Wait blocks until a unit is queued, the session fails, the node stops
// or ctx is done.
func (s *Session) Wait(ctx context.Context) error { // A
	for {
		s.mu.Lock()
		ready := len(s.queue) > 0
		err := s.err
		closed := s.closed
		s.mu.Unlock()
		switch {
		case err != nil:
			return err
		case ready:
			return nil
		case closed || s.node.closed.Load():
			return fmt.Errorf("process %d: %w", s.pid, types.ErrInvalidHandle)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.notify:
		}
	}
}

// push queues u and reports whether it was queued. A session whose queue
// is full fails with ErrNoMemory and accepts nothing further.
func (s *Session) push(u Unit) bool { // A
	s.mu.Lock()
	if s.closed || s.err != nil {
		s.mu.Unlock()
		return false
	}
	if u.Delivery != nil && s.deliveries >= s.node.cfg.MaxQueued {
		s.err = fmt.Errorf("process %d has %d queued deliveries: %w",
			s.pid, s.deliveries, types.ErrNoMemory)
		s.mu.Unlock()
		s.node.log.Error("session queue overflow", logKeyProcessID, s.pid)
		s.wake()
		return false
	}
	s.queue = append(s.queue, u)
	if u.Delivery != nil {
		s.deliveries++
	}
	s.mu.Unlock()
	s.wake()
	return true
}

func (s *Session) poison(err error) { // A
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.wake()
}

// close empties the queue and returns how many deliveries it held.
func (s *Session) close() int { // A
	s.mu.Lock()
	n := s.deliveries
	s.queue = nil
	s.deliveries = 0
	s.closed = true
	s.mu.Unlock()
	s.wake()
	return n
}

func (s *Session) wake() { // A
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
