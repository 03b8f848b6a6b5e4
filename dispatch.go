package cpg

import (
	"context"
	"fmt"

	"github.com/i5heu/ouroboros-cpg/internal/node"
	"github.com/i5heu/ouroboros-cpg/pkg/interfaces"
	"github.com/i5heu/ouroboros-cpg/pkg/types"
)

// Dispatch invokes the callbacks of h for queued units, in the order the
// engine delivered them, and returns how many units it handled.
//
// DispatchOne handles at most one unit and DispatchAll every unit queued
// when the call started; both return 0 and a nil error on an empty queue.
// DispatchBlocking waits until at least one unit is queued or ctx is done,
// then behaves like DispatchAll.
//
// A session whose queue overflowed or hit a protocol fault reports that
// error once; afterwards every call except Finalize fails with
// ErrInvalidHandle. Dispatch must not be called from a callback of the
// same handle.
func (s *Service) Dispatch( // A
	ctx context.Context,
	h Handle,
	mode types.DispatchMode,
) (int, error) {
	ss, err := s.get(h)
	if err != nil {
		return 0, err
	}
	ss.dispatchMu.Lock()
	defer ss.dispatchMu.Unlock()

	if err := s.fault(ss); err != nil {
		return 0, err
	}
	limit := 0
	switch mode {
	case types.DispatchOne:
		limit = 1
	case types.DispatchAll:
		limit = ss.queue.Len()
	case types.DispatchBlocking:
		if err := ss.queue.Wait(ctx); err != nil {
			if ferr := s.fault(ss); ferr != nil {
				return 0, ferr
			}
			return 0, err
		}
		limit = ss.queue.Len()
	default:
		return 0, fmt.Errorf("dispatch mode %d: %w", mode, types.ErrUnsupported)
	}

	n := 0
	for n < limit {
		u, ok := ss.queue.Pop()
		if !ok {
			break
		}
		ss.deliver(u)
		n++
	}
	return n, nil
}

// fault reports a session error once and marks the handle failed.
func (s *Service) fault(ss *session) error { // A
	err := ss.queue.Err()
	if err == nil {
		return nil
	}
	ss.fail()
	s.log.Error("session failed",
		logKeyHandle, uint64(ss.handle),
		logKeyProcessID, ss.pid,
		logKeyError, err)
	return err
}

func (ss *session) deliver(u node.Unit) { // A
	switch {
	case u.Delivery != nil:
		d := u.Delivery
		switch d.Kind {
		case types.DeliveryMessage:
			m := d.Message
			ss.cb.Deliver(m.Group, m.Sender.NodeID, m.Sender.ProcessID, m.Payload)
		case types.DeliveryMembership:
			c := d.Change
			ss.cb.ConfigChange(c.View.Group,
				c.View.Addresses(),
				c.LeftAddresses(),
				c.JoinedAddresses())
		}
	case u.Flow != nil:
		if fc, ok := ss.cb.(interfaces.FlowControlCallbacks); ok {
			fc.FlowControl(*u.Flow)
		}
	case u.Listing != nil:
		if gc, ok := ss.cb.(interfaces.GroupsCallbacks); ok {
			l := u.Listing
			gc.GroupList(l.Index, l.Total, l.View.Group, l.View.Addresses())
		}
	}
}
