// Package ordering implements the ordering engine: a rotating-coordinator
// total order over a ring configuration, the flush protocol that moves the
// cluster from one ring configuration to the next, and the per-session
// group state machine.
//
// The coordinator of a ring is its lowest node id. Every proposal, data or
// membership, travels on its origin's stream and is placed into the total
// order by the coordinator once every ring node has received it. The
// coordinator publishes the order as numbered manifests; nodes deliver
// manifests in sequence.
//
// When liveness reports a node up or down, the lowest live node runs a
// flush: participants freeze delivery and report what they hold, and the
// flush coordinator commits the next ring together with the final old-ring
// manifests and a membership snapshot. Every node that moves with the
// commit delivers the same final manifests before it publishes the
// configuration's membership changes.
//
// An Engine is a deterministic state machine. It is not safe for concurrent
// use; every method returns a Step with the packets to send and the
// deliveries to hand to local sessions.
package ordering

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/i5heu/ouroboros-cpg/internal/membership"
	"github.com/i5heu/ouroboros-cpg/internal/rmcast"
	"github.com/i5heu/ouroboros-cpg/internal/wire"
	"github.com/i5heu/ouroboros-cpg/pkg/interfaces"
	"github.com/i5heu/ouroboros-cpg/pkg/types"
)

const (
	// DefaultFlushTimeout is how long a flush coordinator waits for
	// participant states before it retries with a higher attempt.
	DefaultFlushTimeout = 2 * time.Second
	// DefaultMaxBatch bounds the entries of one manifest.
	DefaultMaxBatch = 256
	// DefaultRepairTicks is how many ticks a ring node may stay behind
	// without progress before the missing packets are sent again.
	DefaultRepairTicks = 3
)

const (
	logKeyNodeID      = "nodeId"
	logKeyRing        = "ring"
	logKeyAttempt     = "attempt"
	logKeyMembers     = "members"
	logKeyCoordinator = "coordinator"
	logKeyManifest    = "manifest"
	logKeyProposal    = "proposal"
	logKeyGroup       = "group"
	logKeyProcessID   = "processId"
	logKeyError       = "error"
	logKeyCount       = "count"
)

// Persister keeps the counters that must survive a restart.
// *ringstore.Store implements it.
type Persister interface { // A
	HighRing() (uint64, error)
	RaiseHighRing(ring uint64) (uint64, error)
	NextEpoch() (uint64, error)
}

// Config configures an Engine.
type Config struct { // A
	Node        uint32
	Incarnation uint64
	Store       Persister
	Registry    *membership.Registry
	Quorum      interfaces.Quorum
	Logger      *slog.Logger
	// FlushTimeout is DefaultFlushTimeout when zero.
	FlushTimeout time.Duration
	// MaxBatch is DefaultMaxBatch when zero.
	MaxBatch int
	// RepairTicks is DefaultRepairTicks when zero.
	RepairTicks int
}

// Outbound is one packet to hand to the transport.
type Outbound struct { // A
	// To is the destination node; ignored when Broadcast is set.
	To        uint32
	Broadcast bool
	Packet    wire.Packet
}

// Routed is a delivery unit for one local process.
type Routed struct { // A
	ProcessID uint32
	Delivery  types.Delivery
}

// Fault reports an invariant violation observed on behalf of a local
// process. The session must be poisoned.
type Fault struct { // A
	ProcessID uint32
	Err       error
}

// Step is the output of one engine call, in the order it was produced.
type Step struct { // A
	Packets    []Outbound
	Deliveries []Routed
	Faults     []Fault
}

// Empty reports whether the step produced nothing.
func (s *Step) Empty() bool { // A
	return len(s.Packets) == 0 && len(s.Deliveries) == 0 && len(s.Faults) == 0
}

type manifestKey struct { // A
	ring uint64
	seq  uint64
}

type senderKey struct { // A
	group  types.GroupName
	member types.Member
}

// Engine is the ordering state of one node.
type Engine struct { // A
	node        uint32
	incarnation uint64
	store       Persister
	reg         *membership.Registry
	quorum      interfaces.Quorum
	log         *slog.Logger
	timeout     time.Duration
	maxBatch    int
	repairTicks int

	rm *rmcast.Layer

	// ring configuration
	ring       uint64
	members    []uint32
	lastCommit *wire.Commit

	// member side of the total order
	manifests map[manifestKey]*wire.Manifest
	received  uint64
	delivered uint64
	pruned    uint64

	// coordinator side of the total order
	arrivals     []wire.ProposalID
	nextManifest uint64

	// liveness and flush
	live        map[uint32]bool
	frozen      bool
	ticket      *flushTicket
	round       *flushRound
	attemptSeen uint64
	now         time.Time
	// lastFlush is the commit of the round this node coordinated last.
	lastFlush *wire.FlushCommit
	lags      map[uint32]*lag

	// local processes
	locals     map[uint32]*process
	pending    []*wire.Proposal
	stamped    int
	senderSeqs map[senderKey]uint64

	ackDirty bool
	out      *Step
}

// New creates an Engine outside of any ring. Call Start once the transport
// knows the live nodes.
func New(cfg Config) (*Engine, error) { // A
	if cfg.Node == 0 {
		return nil, fmt.Errorf("node id must not be zero")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine needs a persister")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(logKeyNodeID, cfg.Node)
	reg := cfg.Registry
	if reg == nil {
		reg = membership.NewRegistry()
	}
	quorum := cfg.Quorum
	if quorum == nil {
		quorum = interfaces.AlwaysQuorate{}
	}
	timeout := cfg.FlushTimeout
	if timeout <= 0 {
		timeout = DefaultFlushTimeout
	}
	batch := cfg.MaxBatch
	if batch <= 0 {
		batch = DefaultMaxBatch
	}
	repairTicks := cfg.RepairTicks
	if repairTicks <= 0 {
		repairTicks = DefaultRepairTicks
	}
	rm, err := rmcast.New(rmcast.Config{
		Node:        cfg.Node,
		Incarnation: cfg.Incarnation,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	return &Engine{
		node:        cfg.Node,
		incarnation: cfg.Incarnation,
		store:       cfg.Store,
		reg:         reg,
		quorum:      quorum,
		log:         logger,
		timeout:     timeout,
		maxBatch:    batch,
		repairTicks: repairTicks,
		rm:          rm,
		manifests:   make(map[manifestKey]*wire.Manifest),
		live:        map[uint32]bool{cfg.Node: true},
		lags:        make(map[uint32]*lag),
		locals:      make(map[uint32]*process),
		senderSeqs:  make(map[senderKey]uint64),
	}, nil
}

// Registry returns the member registry the engine mutates.
func (e *Engine) Registry() *membership.Registry { // A
	return e.reg
}

// Ring returns the current ring sequence and its members. Ring 0 means the
// node has not joined a ring yet.
func (e *Engine) Ring() (uint64, []uint32) { // A
	out := make([]uint32, len(e.members))
	copy(out, e.members)
	return e.ring, out
}

// Coordinator returns the coordinator of the current ring, or 0.
func (e *Engine) Coordinator() uint32 { // A
	if len(e.members) == 0 {
		return 0
	}
	return e.members[0]
}

// flushing reports whether delivery is frozen by a configuration change.
func (e *Engine) flushing() bool { // A
	return e.frozen || e.ring == 0
}

// Unstable returns the number of own proposals not yet delivered.
func (e *Engine) Unstable() int { // A
	return len(e.pending)
}

// Buffered returns the number of received proposals not yet delivered.
func (e *Engine) Buffered() int { // A
	return e.rm.Buffered()
}

// Start records the initial live nodes and starts the first flush when
// the local node is the lowest of them.
func (e *Engine) Start(live []uint32, now time.Time) Step { // A
	e.begin()
	e.now = now
	for _, n := range live {
		e.live[n] = true
	}
	e.evaluateFlush()
	return e.finish()
}

// NodeEvent applies a liveness change.
func (e *Engine) NodeEvent(ev interfaces.NodeEvent) Step { // A
	e.begin()
	if ev.NodeID == e.node {
		return e.finish()
	}
	if e.live[ev.NodeID] == ev.Up {
		if ev.Up && !contains(e.members, ev.NodeID) {
			e.evaluateFlush()
		}
		return e.finish()
	}
	if ev.Up {
		e.live[ev.NodeID] = true
	} else {
		delete(e.live, ev.NodeID)
	}
	e.log.Info("liveness changed",
		logKeyMembers, e.liveNodes(),
		"up", ev.Up,
		"changed", ev.NodeID)
	e.evaluateFlush()
	return e.finish()
}

// Tick drives timeouts and the periodic acknowledgement broadcast.
func (e *Engine) Tick(now time.Time) Step { // A
	e.begin()
	e.now = now
	e.ackDirty = true
	if e.round != nil && now.After(e.round.deadline) {
		e.log.Warn("flush timed out",
			logKeyAttempt, e.round.attempt,
			logKeyMembers, e.round.members)
		e.evaluateFlush()
	}
	e.buildManifests()
	e.repair()
	return e.finish()
}

// Receive processes one packet from node from.
func (e *Engine) Receive(from uint32, p wire.Packet) Step { // A
	e.begin()
	switch p.Type {
	case wire.PacketProposal:
		if p.Proposal != nil {
			e.onProposal(p.Proposal)
		}
	case wire.PacketAck:
		if p.Ack != nil {
			e.onAck(p.Ack)
		}
	case wire.PacketManifest:
		if p.Manifest != nil {
			e.onManifest(from, p.Manifest)
		}
	case wire.PacketFlushRequest:
		if p.FlushRequest != nil {
			e.onFlushRequest(p.FlushRequest)
		}
	case wire.PacketFlushState:
		if p.FlushState != nil {
			e.onFlushState(p.FlushState)
		}
	case wire.PacketFlushCommit:
		if p.FlushCommit != nil {
			e.onFlushCommit(p.FlushCommit)
		}
	default:
		e.log.Warn("unknown packet", "type", p.Type.String(), "from", from)
	}
	return e.finish()
}

func (e *Engine) begin() { // A
	e.out = &Step{}
}

func (e *Engine) finish() Step { // A
	e.buildManifests()
	if e.ackDirty {
		e.ackDirty = false
		ack := e.rm.AckVector()
		ack.Manifest = e.received
		e.broadcast(wire.Packet{Type: wire.PacketAck, Ack: &ack})
	}
	e.pruneManifests()
	out := *e.out
	e.out = nil
	return out
}

func (e *Engine) broadcast(p wire.Packet) { // A
	e.out.Packets = append(e.out.Packets, Outbound{Broadcast: true, Packet: p})
}

func (e *Engine) send(to uint32, p wire.Packet) { // A
	e.out.Packets = append(e.out.Packets, Outbound{To: to, Packet: p})
}

func (e *Engine) route(pid uint32, d types.Delivery) { // A
	e.out.Deliveries = append(e.out.Deliveries, Routed{ProcessID: pid, Delivery: d})
}

func (e *Engine) fault(pid uint32, err error) { // A
	e.out.Faults = append(e.out.Faults, Fault{ProcessID: pid, Err: err})
}

func (e *Engine) liveNodes() []uint32 { // A
	out := make([]uint32, 0, len(e.live))
	for n := range e.live {
		out = append(out, n)
	}
	sortNodes(out)
	return out
}

func sortNodes(nodes []uint32) { // A
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
}

func contains(nodes []uint32, n uint32) bool { // A
	for _, x := range nodes {
		if x == n {
			return true
		}
	}
	return false
}
