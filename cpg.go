// Package cpg is a closed process group engine. Processes open a handle,
// join named groups and multicast messages that every member delivers
// under virtual synchrony: all members of a group see the same sequence
// of membership changes, and between two changes the same set of
// messages, in FIFO or agreed total order.
//
// Callbacks run only inside Dispatch, on the goroutine that calls it.
package cpg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/i5heu/ouroboros-cpg/internal/handles"
	"github.com/i5heu/ouroboros-cpg/internal/node"
	"github.com/i5heu/ouroboros-cpg/internal/ringstore"
	"github.com/i5heu/ouroboros-cpg/internal/transport"
	"github.com/i5heu/ouroboros-cpg/pkg/interfaces"
	"github.com/i5heu/ouroboros-cpg/pkg/types"
)

const (
	logKeyHandle    = "handle"
	logKeyProcessID = "processId"
	logKeyError     = "error"
)

// Handle identifies one initialized session. A handle is never reused
// after Finalize.
type Handle = handles.Handle // A

// Service owns the node of this process and every session opened on it.
type Service struct { // A
	log   *slog.Logger
	store *ringstore.Store
	node  *node.Node

	sessions *handles.Table[*session]
	nextPID  atomic.Uint32

	closeMu sync.Mutex
	closed  bool
}

type session struct { // A
	handle Handle
	pid    uint32
	queue  *node.Session
	cb     interfaces.Callbacks

	// dispatchMu serializes Dispatch calls on one handle.
	dispatchMu sync.Mutex

	mu      sync.Mutex
	context any
	// failed is set once a fault was reported; the handle is then only
	// good for Finalize.
	failed bool
}

// New opens the ring store, starts the node and returns the service.
func New(cfg Config) (*Service, error) { // A
	log := cfg.logger()
	tr := cfg.Transport
	if tr == nil {
		tr = transport.NewHub(transport.HubConfig{}).Transport(1)
	}
	store, err := ringstore.Open(cfg.DataDir, log)
	if err != nil {
		return nil, fmt.Errorf("open ring store: %w", err)
	}
	n, err := node.New(node.Config{
		Transport:    tr,
		Store:        store,
		Quorum:       cfg.Quorum,
		Logger:       log,
		TickInterval: cfg.TickInterval,
		FlushTimeout: cfg.FlushTimeout,
		FlowControl:  cfg.flowControl(),
		MaxQueued:    cfg.MaxQueuedDeliveries,
		MaxPending:   cfg.MaxPending,
	})
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}
	if err := n.Start(context.Background()); err != nil {
		return nil, errors.Join(err, n.Close(), store.Close())
	}
	s := &Service{
		log:      log,
		store:    store,
		node:     n,
		sessions: handles.NewTable[*session](),
	}
	s.nextPID.Store(cfg.processIDBase())
	return s, nil
}

// NodeID returns the id of the local node.
func (s *Service) NodeID() uint32 { return s.node.ID() } // A

// Ring returns the id and the member nodes of the installed ring.
func (s *Service) Ring() (uint64, []uint32) { return s.node.Ring() } // A

// Close finalizes every session, stops the node and closes the store.
func (s *Service) Close() error { // A
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	for _, ss := range s.sessions.Values() {
		_ = s.Finalize(ss.handle)
	}
	return errors.Join(s.node.Close(), s.store.Close())
}

// Initialize opens a session that reports to cb.
func (s *Service) Initialize(cb interfaces.Callbacks) (Handle, error) { // A
	if cb == nil {
		return 0, errors.New("callbacks must not be nil")
	}
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("service closed: %w", types.ErrLibrary)
	}
	pid := s.nextPID.Add(1) - 1
	q, err := s.node.Register(pid)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", types.ErrLibrary, err)
	}
	ss := &session{pid: pid, queue: q, cb: cb}
	ss.handle = s.sessions.Insert(ss)
	s.log.Debug("session initialized",
		logKeyHandle, uint64(ss.handle),
		logKeyProcessID, pid)
	return ss.handle, nil
}

// Finalize leaves every group of the session with reason PROCDOWN and
// invalidates h.
func (s *Service) Finalize(h Handle) error { // A
	ss, ok := s.sessions.Remove(h)
	if !ok {
		return fmt.Errorf("handle %d: %w", uint64(h), types.ErrInvalidHandle)
	}
	s.node.Unregister(ss.pid)
	s.log.Debug("session finalized",
		logKeyHandle, uint64(h),
		logKeyProcessID, ss.pid)
	return nil
}

// Join submits a join of the session to group. The join completes when
// the matching ConfigChange is dispatched.
func (s *Service) Join(h Handle, group types.GroupName) error { // A
	ss, err := s.get(h)
	if err != nil {
		return err
	}
	return s.check(ss, s.node.Join(ss.pid, group))
}

// Leave submits a leave of the session from group.
func (s *Service) Leave(h Handle, group types.GroupName) error { // A
	ss, err := s.get(h)
	if err != nil {
		return err
	}
	return s.check(ss, s.node.Leave(ss.pid, group))
}

// Multicast sends the concatenation of payload to every group the session
// has joined.
func (s *Service) Multicast( // A
	h Handle,
	guarantee types.Guarantee,
	payload ...[]byte,
) error {
	ss, err := s.get(h)
	if err != nil {
		return err
	}
	if !guarantee.Supported() {
		return fmt.Errorf("guarantee %s: %w", guarantee, types.ErrUnsupported)
	}
	size := 0
	for _, p := range payload {
		size += len(p)
	}
	if limit := s.node.MaxMessageSize(); size > limit {
		return fmt.Errorf("payload of %d bytes exceeds %d: %w",
			size, limit, types.ErrTooBig)
	}
	groups := s.node.Joined(ss.pid)
	if len(groups) == 0 {
		return fmt.Errorf("process %d joined no group: %w",
			ss.pid, types.ErrNotMember)
	}
	data := make([]byte, 0, size)
	for _, p := range payload {
		data = append(data, p...)
	}
	return s.check(ss, s.node.Multicast(ss.pid, groups, guarantee, data))
}

// MembershipGet returns the current members of group as seen by this
// node.
func (s *Service) MembershipGet( // A
	h Handle,
	group types.GroupName,
) ([]types.Address, error) {
	if _, err := s.get(h); err != nil {
		return nil, err
	}
	return s.node.View(group).Addresses(), nil
}

// LocalGet returns the local node id.
func (s *Service) LocalGet(h Handle) (uint32, error) { // A
	if _, err := s.get(h); err != nil {
		return 0, err
	}
	return s.node.ID(), nil
}

// GroupsGet returns the number of non-empty groups known to the cluster.
// When the callbacks implement interfaces.GroupsCallbacks, one GroupList
// call per group is queued for the next Dispatch.
func (s *Service) GroupsGet(h Handle) (int, error) { // A
	ss, err := s.get(h)
	if err != nil {
		return 0, err
	}
	views := s.node.Groups()
	if _, ok := ss.cb.(interfaces.GroupsCallbacks); ok {
		for i, v := range views {
			ss.queue.Enqueue(node.Unit{Listing: &node.Listing{
				Index: i,
				Total: len(views),
				View:  v,
			}})
		}
	}
	return len(views), nil
}

// FlowControlStateGet returns the current flow-control state of the node.
func (s *Service) FlowControlStateGet(h Handle) (types.FlowControlState, error) { // A
	if _, err := s.get(h); err != nil {
		return types.FlowControlDisabled, err
	}
	return s.node.FlowControlState(), nil
}

// ContextSet stores an opaque value with the session.
func (s *Service) ContextSet(h Handle, v any) error { // A
	ss, err := s.get(h)
	if err != nil {
		return err
	}
	ss.mu.Lock()
	ss.context = v
	ss.mu.Unlock()
	return nil
}

// ContextGet returns the value stored with ContextSet.
func (s *Service) ContextGet(h Handle) (any, error) { // A
	ss, err := s.get(h)
	if err != nil {
		return nil, err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.context, nil
}

// Notify returns a channel that becomes readable when Dispatch has work.
// It may fire spuriously.
func (s *Service) Notify(h Handle) (<-chan struct{}, error) { // A
	ss, err := s.get(h)
	if err != nil {
		return nil, err
	}
	return ss.queue.Notify(), nil
}

// get resolves h to a live, healthy session.
func (s *Service) get(h Handle) (*session, error) { // A
	ss, ok := s.sessions.Get(h)
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", uint64(h), types.ErrInvalidHandle)
	}
	ss.mu.Lock()
	failed := ss.failed
	ss.mu.Unlock()
	if failed {
		return nil, fmt.Errorf("handle %d failed: %w", uint64(h), types.ErrInvalidHandle)
	}
	return ss, nil
}

// check marks the session failed when err is a library fault.
func (s *Service) check(ss *session, err error) error { // A
	if err == nil || !errors.Is(err, types.ErrLibrary) {
		return err
	}
	ss.fail()
	s.log.Error("session failed",
		logKeyHandle, uint64(ss.handle),
		logKeyProcessID, ss.pid,
		logKeyError, err)
	return err
}

func (ss *session) fail() { // A
	ss.mu.Lock()
	ss.failed = true
	ss.mu.Unlock()
}
