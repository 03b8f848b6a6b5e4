// Package rmcast implements the reliable multicast layer: per-origin
// streams with reorder buffers and duplicate suppression, the ack matrix
// built from the acknowledgement vectors every node broadcasts, and the
// stability test the ordering engine uses before it orders a proposal.
//
// The layer is not safe for concurrent use; the node driver serializes
// every call under its engine lock.
package rmcast

import (
	"fmt"
	"log/slog"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/i5heu/ouroboros-cpg/internal/wire"
)

// DefaultTombstones is the number of retired incarnations remembered.
const DefaultTombstones = 1024

const (
	logKeyStream      = "stream"
	logKeyNodeID      = "nodeId"
	logKeyIncarnation = "incarnation"
	logKeySeq         = "seq"
)

// Config configures a Layer.
type Config struct { // A
	Node        uint32
	Incarnation uint64
	// Tombstones bounds the retired-incarnation set. Zero means
	// DefaultTombstones.
	Tombstones int
	Logger     *slog.Logger
}

type incarnationKey struct { // A
	node        uint32
	incarnation uint64
}

// inbound is the receive state of one origin stream.
type inbound struct { // A
	contiguous uint64
	held       map[uint64]*wire.Proposal
}

// Layer is the reliable multicast state of one node.
type Layer struct { // A
	node        uint32
	incarnation uint64
	log         *slog.Logger

	ring    uint64
	members []uint32
	nextSeq uint64

	streams      map[wire.StreamID]*inbound
	acks         map[uint32]wire.Ack
	incarnations map[uint32]uint64
	retired      *lru.Cache[incarnationKey, struct{}]
}

// New creates a Layer outside of any ring.
func New(cfg Config) (*Layer, error) { // A
	size := cfg.Tombstones
	if size <= 0 {
		size = DefaultTombstones
	}
	retired, err := lru.New[incarnationKey, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("create tombstone cache: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{
		node:         cfg.Node,
		incarnation:  cfg.Incarnation,
		log:          logger,
		streams:      make(map[wire.StreamID]*inbound),
		acks:         make(map[uint32]wire.Ack),
		incarnations: map[uint32]uint64{cfg.Node: cfg.Incarnation},
		retired:      retired,
	}, nil
}

// Reset moves the layer into a new ring. Streams of older rings are
// dropped together with the proposals they still hold, the own stream
// starts over and acks of nodes outside the ring are forgotten. It returns
// the number of dropped proposals.
func (l *Layer) Reset(ring uint64, members []uint32) int { // A
	l.ring = ring
	l.members = append(l.members[:0], members...)
	sort.Slice(l.members, func(i, j int) bool {
		return l.members[i] < l.members[j]
	})
	l.nextSeq = 0

	dropped := 0
	for id, in := range l.streams {
		if id.Ring < ring {
			dropped += len(in.held)
			if len(in.held) > 0 {
				l.log.Debug("discarding stream",
					logKeyStream, id.String(),
					logKeySeq, in.contiguous)
			}
			delete(l.streams, id)
		}
	}
	keep := make(map[uint32]bool, len(members))
	for _, n := range members {
		keep[n] = true
	}
	for n := range l.acks {
		if !keep[n] {
			delete(l.acks, n)
		}
	}
	return dropped
}

// Stamp assigns p the next id of the own stream in the current ring and
// records it as received. It returns the proposals released to the layer
// above, which is p itself.
func (l *Layer) Stamp(p *wire.Proposal) []*wire.Proposal { // A
	l.nextSeq++
	p.ID = wire.ProposalID{
		Stream: wire.StreamID{
			Node:        l.node,
			Incarnation: l.incarnation,
			Ring:        l.ring,
		},
		Seq: l.nextSeq,
	}
	return l.Receive(p)
}

// Receive stores a proposal and returns the run of proposals it made
// contiguous, in stream order. Duplicates, proposals of older rings and
// proposals of retired incarnations are dropped.
func (l *Layer) Receive(p *wire.Proposal) []*wire.Proposal { // A
	id := p.ID
	if id.Seq == 0 || id.Stream.Ring < l.ring || l.isRetired(id.Stream) {
		return nil
	}
	in, ok := l.streams[id.Stream]
	if !ok {
		in = &inbound{held: make(map[uint64]*wire.Proposal)}
		l.streams[id.Stream] = in
	}
	if id.Seq <= in.contiguous {
		return nil
	}
	if _, dup := in.held[id.Seq]; dup {
		return nil
	}
	in.held[id.Seq] = p

	var released []*wire.Proposal
	for {
		next, ok := in.held[in.contiguous+1]
		if !ok {
			break
		}
		in.contiguous++
		released = append(released, next)
	}
	return released
}

// Get returns a received proposal that has not been released yet.
func (l *Layer) Get(id wire.ProposalID) (*wire.Proposal, bool) { // A
	in, ok := l.streams[id.Stream]
	if !ok || id.Seq > in.contiguous {
		return nil, false
	}
	p, ok := in.held[id.Seq]
	return p, ok
}

// Release forgets a proposal once it has been delivered.
func (l *Layer) Release(id wire.ProposalID) { // A
	if in, ok := l.streams[id.Stream]; ok {
		delete(in.held, id.Seq)
	}
}

// Buffered returns the number of proposals held but not yet released.
func (l *Layer) Buffered() int { // A
	n := 0
	for _, in := range l.streams {
		n += len(in.held)
	}
	return n
}

// AckVector returns the local acknowledgement vector. The caller fills in
// the manifest counter.
func (l *Layer) AckVector() wire.Ack { // A
	ack := wire.Ack{
		From:        l.node,
		Incarnation: l.incarnation,
		Ring:        l.ring,
		Streams:     make([]wire.StreamAck, 0, len(l.streams)),
	}
	for id, in := range l.streams {
		if in.contiguous == 0 {
			continue
		}
		ack.Streams = append(ack.Streams, wire.StreamAck{
			Stream: id,
			Seq:    in.contiguous,
		})
	}
	sort.Slice(ack.Streams, func(i, j int) bool {
		a, b := ack.Streams[i].Stream, ack.Streams[j].Stream
		if a.Ring != b.Ring {
			return a.Ring < b.Ring
		}
		if a.Node != b.Node {
			return a.Node < b.Node
		}
		return a.Incarnation < b.Incarnation
	})
	return ack
}

// ObserveAck records the vector of another node. It reports false when
// the ack belongs to a retired incarnation and was dropped.
func (l *Layer) ObserveAck(a wire.Ack) bool { // A
	if a.From == l.node {
		return false
	}
	if l.isRetired(wire.StreamID{Node: a.From, Incarnation: a.Incarnation}) {
		return false
	}
	l.Learn(a.From, a.Incarnation)
	l.acks[a.From] = a
	return true
}

// Learn records the incarnation of node. A newer incarnation retires the
// previous one: its ack is dropped and later packets from it are ignored.
// What it already delivered to the layer stays until the next Reset, since
// the ordering layer may still reference it. It reports whether a known
// incarnation was replaced.
func (l *Layer) Learn(node uint32, incarnation uint64) bool { // A
	cur, ok := l.incarnations[node]
	if ok && incarnation <= cur {
		return false
	}
	l.incarnations[node] = incarnation
	if !ok {
		return false
	}
	l.retired.Add(incarnationKey{node: node, incarnation: cur}, struct{}{})
	if a, ok := l.acks[node]; ok && a.Incarnation == cur {
		delete(l.acks, node)
	}
	l.log.Info("node restarted",
		logKeyNodeID, node,
		logKeyIncarnation, incarnation)
	return true
}

// Incarnation returns the last known incarnation of node.
func (l *Layer) Incarnation(node uint32) (uint64, bool) { // A
	v, ok := l.incarnations[node]
	return v, ok
}

func (l *Layer) isRetired(s wire.StreamID) bool { // A
	if s.Node == l.node && s.Incarnation != l.incarnation {
		return true
	}
	if cur, ok := l.incarnations[s.Node]; ok && s.Incarnation < cur {
		return true
	}
	return l.retired.Contains(incarnationKey{
		node:        s.Node,
		incarnation: s.Incarnation,
	})
}

// Acked returns how far node has acknowledged stream.
func (l *Layer) Acked(node uint32, stream wire.StreamID) uint64 { // A
	if node == l.node {
		if in, ok := l.streams[stream]; ok {
			return in.contiguous
		}
		return 0
	}
	a, ok := l.acks[node]
	if !ok {
		return 0
	}
	for _, s := range a.Streams {
		if s.Stream == stream {
			return s.Seq
		}
	}
	return 0
}

// AckOf returns the last acknowledgement vector observed from node.
func (l *Layer) AckOf(node uint32) (wire.Ack, bool) { // A
	a, ok := l.acks[node]
	return a, ok
}

// Stable reports whether every node of the ring has received id.
func (l *Layer) Stable(id wire.ProposalID) bool { // A
	if len(l.members) == 0 {
		return false
	}
	for _, n := range l.members {
		if l.Acked(n, id.Stream) < id.Seq {
			return false
		}
	}
	return true
}

// ManifestAcked returns the highest manifest of the current ring that
// every other ring node has acknowledged. local is the own counter.
func (l *Layer) ManifestAcked(local uint64) uint64 { // A
	low := local
	for _, n := range l.members {
		if n == l.node {
			continue
		}
		a, ok := l.acks[n]
		if !ok || a.Ring != l.ring {
			return 0
		}
		if a.Manifest < low {
			low = a.Manifest
		}
	}
	return low
}

// Contiguous returns the ids of the unreleased proposals of ring that are
// in contiguous stream order, stream by stream.
func (l *Layer) Contiguous(ring uint64) []wire.ProposalID { // A
	ids := make([]wire.StreamID, 0, len(l.streams))
	for id := range l.streams {
		if id.Ring == ring {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Node != ids[j].Node {
			return ids[i].Node < ids[j].Node
		}
		return ids[i].Incarnation < ids[j].Incarnation
	})
	var out []wire.ProposalID
	for _, id := range ids {
		in := l.streams[id]
		seqs := make([]uint64, 0, len(in.held))
		for seq := range in.held {
			if seq <= in.contiguous {
				seqs = append(seqs, seq)
			}
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		for _, seq := range seqs {
			out = append(out, wire.ProposalID{Stream: id, Seq: seq})
		}
	}
	return out
}
