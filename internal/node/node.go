// Package node binds an ordering engine to a transport. It serializes
// every engine call under one mutex, sends the resulting packets in step
// order, drives the engine clock with a ticker and routes deliveries into
// per-process session queues.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/i5heu/ouroboros-cpg/internal/flowcontrol"
	"github.com/i5heu/ouroboros-cpg/internal/ordering"
	"github.com/i5heu/ouroboros-cpg/internal/wire"
	"github.com/i5heu/ouroboros-cpg/pkg/interfaces"
	"github.com/i5heu/ouroboros-cpg/pkg/types"
)

const (
	// DefaultTickInterval is the engine clock period. Every tick also
	// broadcasts an acknowledgement.
	DefaultTickInterval = 100 * time.Millisecond
	// DefaultMaxQueued bounds the undispatched deliveries of one session.
	DefaultMaxQueued = 1 << 16
	// DefaultMaxPending bounds the own proposals not yet delivered.
	DefaultMaxPending = 1 << 14
)

const (
	logKeyNodeID      = "nodeId"
	logKeyProcessID   = "processId"
	logKeyPeer        = "peer"
	logKeyPacket      = "packet"
	logKeyError       = "error"
	logKeyFlowControl = "flowControl"
)

// Store is the persistence a node needs. *ringstore.Store implements it.
type Store interface { // A
	ordering.Persister
	NextIncarnation() (uint64, error)
}

// Config configures a Node.
type Config struct { // A
	Transport interfaces.Transport
	Store     Store
	Quorum    interfaces.Quorum
	Logger    *slog.Logger
	// TickInterval is DefaultTickInterval when zero.
	TickInterval time.Duration
	FlushTimeout time.Duration
	MaxBatch     int
	// FlowControl holds the watermarks; the zero value selects
	// flowcontrol.DefaultConfig.
	FlowControl flowcontrol.Config
	// MaxQueued is DefaultMaxQueued when zero.
	MaxQueued int
	// MaxPending is DefaultMaxPending when zero.
	MaxPending int
}

// Node is one cluster node.
type Node struct { // A
	cfg       Config
	id        uint32
	log       *slog.Logger
	transport interfaces.Transport
	monitor   *flowcontrol.Monitor

	mu  sync.Mutex
	eng *ordering.Engine

	// sendMu is taken before mu is released so packets leave in step
	// order.
	sendMu sync.Mutex

	smu      sync.RWMutex
	sessions map[uint32]*Session

	queued   atomic.Int64
	buffered atomic.Int64

	flowMu sync.Mutex
	flow   types.FlowControlState

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// New creates a node on top of cfg.Transport. It allocates a fresh stream
// incarnation from the store.
func New(cfg Config) (*Node, error) { // A
	if cfg.Transport == nil {
		return nil, errors.New("node needs a transport")
	}
	if cfg.Store == nil {
		return nil, errors.New("node needs a store")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = DefaultMaxQueued
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.FlowControl == (flowcontrol.Config{}) {
		cfg.FlowControl = flowcontrol.DefaultConfig()
	}
	monitor, err := flowcontrol.NewMonitor(cfg.FlowControl)
	if err != nil {
		return nil, fmt.Errorf("flow control: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := cfg.Transport.LocalNodeID()
	inc, err := cfg.Store.NextIncarnation()
	if err != nil {
		return nil, fmt.Errorf("allocate incarnation: %w", err)
	}
	eng, err := ordering.New(ordering.Config{
		Node:         id,
		Incarnation:  inc,
		Store:        cfg.Store,
		Quorum:       cfg.Quorum,
		Logger:       logger,
		FlushTimeout: cfg.FlushTimeout,
		MaxBatch:     cfg.MaxBatch,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:       cfg,
		id:        id,
		log:       logger.With(logKeyNodeID, id),
		transport: cfg.Transport,
		monitor:   monitor,
		eng:       eng,
		sessions:  make(map[uint32]*Session),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// ID returns the local node id.
func (n *Node) ID() uint32 { return n.id } // A

// MaxMessageSize returns the payload limit of the transport.
func (n *Node) MaxMessageSize() int { return n.transport.MaxMessageSize() } // A

// Start attaches to the transport, starts the engine and the ticker.
func (n *Node) Start(ctx context.Context) error { // A
	if !n.started.CompareAndSwap(false, true) {
		return errors.New("node already started")
	}
	n.transport.SetReceiver(n.receive)
	n.transport.SetNodeListener(n.nodeEvent)
	if err := n.transport.Start(n.ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	live := n.transport.LiveNodes()
	now := time.Now()
	if err := n.run(func(e *ordering.Engine) (ordering.Step, error) {
		return e.Start(live, now), nil
	}); err != nil {
		return err
	}
	n.log.InfoContext(ctx, "node started", "live", live)
	n.wg.Add(1)
	go n.tickLoop()
	return nil
}

// Close stops the ticker and the transport. Sessions are not finalized.
func (n *Node) Close() error { // A
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	n.cancel()
	n.wg.Wait()
	err := n.transport.Close()
	n.smu.RLock()
	for _, s := range n.sessions {
		s.wake()
	}
	n.smu.RUnlock()
	n.log.Info("node stopped")
	return err
}

// Register creates the delivery queue of process pid.
func (n *Node) Register(pid uint32) (*Session, error) { // A
	n.smu.Lock()
	defer n.smu.Unlock()
	if _, ok := n.sessions[pid]; ok {
		return nil, fmt.Errorf("process %d already registered", pid)
	}
	s := newSession(n, pid)
	n.sessions[pid] = s
	return s, nil
}

// Unregister leaves every group of pid with reason PROCDOWN and drops its
// queue.
func (n *Node) Unregister(pid uint32) { // A
	_ = n.run(func(e *ordering.Engine) (ordering.Step, error) {
		return e.Finalize(pid), nil
	})
	n.smu.Lock()
	s, ok := n.sessions[pid]
	delete(n.sessions, pid)
	n.smu.Unlock()
	if ok {
		n.queued.Add(-int64(s.close()))
		n.updateFlow()
	}
}

// Join submits a join of pid to group.
func (n *Node) Join(pid uint32, group types.GroupName) error { // A
	return n.run(func(e *ordering.Engine) (ordering.Step, error) {
		return e.Join(pid, group)
	})
}

// Leave submits a leave of pid from group.
func (n *Node) Leave(pid uint32, group types.GroupName) error { // A
	return n.run(func(e *ordering.Engine) (ordering.Step, error) {
		return e.Leave(pid, group, types.ReasonLeave)
	})
}

// Multicast submits payload from pid to every group in groups. It fails
// with ErrTryAgain while too many own proposals are outstanding.
func (n *Node) Multicast( // A
	pid uint32,
	groups []types.GroupName,
	guarantee types.Guarantee,
	payload []byte,
) error {
	return n.run(func(e *ordering.Engine) (ordering.Step, error) {
		if e.Unstable()+len(groups) > n.cfg.MaxPending {
			return ordering.Step{}, fmt.Errorf("%d proposals outstanding: %w",
				e.Unstable(), types.ErrTryAgain)
		}
		return e.Multicast(pid, groups, guarantee, payload)
	})
}

// View returns the current view of group.
func (n *Node) View(group types.GroupName) types.View { // A
	return n.eng.Registry().CurrentView(group)
}

// Groups returns the views of every group with at least one member,
// ordered by group name.
func (n *Node) Groups() []types.View { // A
	reg := n.eng.Registry()
	var out []types.View
	for _, g := range reg.Groups() {
		if v := reg.CurrentView(g); len(v.Members) > 0 {
			out = append(out, v)
		}
	}
	return out
}

// Joined returns the groups pid has joined and not left.
func (n *Node) Joined(pid uint32) []types.GroupName { // A
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.eng.Joined(pid)
}

// Ring returns the current ring id and members.
func (n *Node) Ring() (uint64, []uint32) { // A
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.eng.Ring()
}

// FlowControlState returns the current flow-control state.
func (n *Node) FlowControlState() types.FlowControlState { // A
	return n.monitor.State()
}

// run applies fn to the engine and hands the resulting step to sessions
// and the transport.
func (n *Node) run( // A
	fn func(e *ordering.Engine) (ordering.Step, error),
) error {
	n.mu.Lock()
	st, err := fn(n.eng)
	if err != nil {
		n.mu.Unlock()
		return err
	}
	n.buffered.Store(int64(n.eng.Buffered()))
	n.monitor.SetUnstable(n.eng.Unstable())
	n.route(st)
	n.sendMu.Lock()
	n.mu.Unlock()
	n.transmit(st.Packets)
	n.sendMu.Unlock()
	n.updateFlow()
	return nil
}

// route queues deliveries and faults. Called with mu held.
func (n *Node) route(st ordering.Step) { // A
	if len(st.Deliveries) == 0 && len(st.Faults) == 0 {
		return
	}
	n.smu.RLock()
	defer n.smu.RUnlock()
	for _, r := range st.Deliveries {
		s, ok := n.sessions[r.ProcessID]
		if !ok {
			continue
		}
		d := r.Delivery
		if s.push(Unit{Delivery: &d}) {
			n.queued.Add(1)
		}
	}
	for _, f := range st.Faults {
		if s, ok := n.sessions[f.ProcessID]; ok {
			n.log.Error("session poisoned",
				logKeyProcessID, f.ProcessID,
				logKeyError, f.Err)
			s.poison(f.Err)
		}
	}
}

func (n *Node) transmit(packets []ordering.Outbound) { // A
	for _, o := range packets {
		data, err := wire.Encode(o.Packet)
		if err != nil {
			n.log.Error("encode packet",
				logKeyPacket, o.Packet.Type.String(),
				logKeyError, err)
			continue
		}
		if o.Broadcast {
			err = n.transport.Broadcast(n.ctx, data)
		} else {
			err = n.transport.Send(n.ctx, o.To, data)
		}
		if err != nil && n.ctx.Err() == nil {
			n.log.Warn("transport error",
				logKeyPacket, o.Packet.Type.String(),
				logKeyPeer, o.To,
				logKeyError, err)
		}
	}
}

// updateFlow recomputes the backlog and reports a state change to every
// session.
func (n *Node) updateFlow() { // A
	n.flowMu.Lock()
	defer n.flowMu.Unlock()
	state := n.monitor.SetBacklog(int(n.queued.Load() + n.buffered.Load()))
	if state == n.flow {
		return
	}
	n.flow = state
	backlog, unstable := n.monitor.Counters()
	n.log.Info("flow control changed",
		logKeyFlowControl, state.String(),
		"backlog", backlog,
		"unstable", unstable)
	n.smu.RLock()
	defer n.smu.RUnlock()
	for _, s := range n.sessions {
		fs := state
		s.push(Unit{Flow: &fs})
	}
}

func (n *Node) receive(from uint32, data []byte) { // A
	if n.ctx.Err() != nil {
		return
	}
	p, err := wire.Decode(data)
	if err != nil {
		n.log.Warn("dropping undecodable packet",
			logKeyPeer, from,
			logKeyError, err)
		return
	}
	_ = n.run(func(e *ordering.Engine) (ordering.Step, error) {
		return e.Receive(from, p), nil
	})
}

func (n *Node) nodeEvent(ev interfaces.NodeEvent) { // A
	if n.ctx.Err() != nil {
		return
	}
	_ = n.run(func(e *ordering.Engine) (ordering.Step, error) {
		return e.NodeEvent(ev), nil
	})
}

func (n *Node) tickLoop() { // A
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case now := <-ticker.C:
			_ = n.run(func(e *ordering.Engine) (ordering.Step, error) {
				return e.Tick(now), nil
			})
		}
	}
}
