// Package wire defines the packets exchanged between engine instances on
// different nodes and their binary encoding.
//
// Packet bodies are protobuf wire format written with protowire, so fields
// can be added without breaking older peers. Bodies above
// CompressThreshold are zstd-compressed.
package wire

import (
	"fmt"

	"github.com/i5heu/ouroboros-cpg/pkg/types"
)

// PacketType identifies the body of a packet.
type PacketType uint8 // A

const (
	PacketProposal PacketType = iota + 1
	PacketAck
	PacketManifest
	PacketFlushRequest
	PacketFlushState
	PacketFlushCommit
)

var packetTypeNames = map[PacketType]string{ // A
	PacketProposal:     "Proposal",
	PacketAck:          "Ack",
	PacketManifest:     "Manifest",
	PacketFlushRequest: "FlushRequest",
	PacketFlushState:   "FlushState",
	PacketFlushCommit:  "FlushCommit",
}

// String returns the name of the packet type.
func (t PacketType) String() string { // A
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint8(t))
}

// ProposalKind distinguishes application data from membership requests.
type ProposalKind uint8 // A

const (
	KindData ProposalKind = iota + 1
	KindJoin
	KindLeave
)

// StreamID identifies the outgoing stream of one node incarnation in one
// ring configuration. Every configuration change starts fresh streams.
type StreamID struct { // A
	Node        uint32
	Incarnation uint64
	Ring        uint64
}

// String formats the stream as node#incarnation@ring.
func (s StreamID) String() string { // A
	return fmt.Sprintf("%d#%d@%d", s.Node, s.Incarnation, s.Ring)
}

// ProposalID names one proposal of one stream.
type ProposalID struct { // A
	Stream StreamID
	Seq    uint64
}

// String formats the id as node#incarnation:seq.
func (p ProposalID) String() string { // A
	return fmt.Sprintf("%s:%d", p.Stream, p.Seq)
}

// Proposal is a message envelope or a membership request travelling on
// its origin's stream.
type Proposal struct { // A
	ID        ProposalID
	Kind      ProposalKind
	Group     types.GroupName
	Sender    types.Member
	Guarantee types.Guarantee
	SenderSeq uint64
	Reason    types.Reason
	Payload   []byte
}

// StreamAck reports the highest contiguous sequence received on a stream.
type StreamAck struct { // A
	Stream StreamID
	Seq    uint64
}

// Ack is the acknowledgement vector of one node. Manifest counts manifests
// of Ring.
type Ack struct { // A
	From        uint32
	Incarnation uint64
	Ring        uint64
	Streams     []StreamAck
	Manifest    uint64
}

// Entry is one slot of a manifest. Membership entries repeat the group and
// the member so a flush coordinator can account for them without holding
// the proposal.
type Entry struct { // A
	ID     ProposalID
	Kind   ProposalKind
	Group  types.GroupName
	Member types.Member
}

// Manifest is one coordinator batch of the total order.
type Manifest struct { // A
	Ring    uint64
	Seq     uint64
	Entries []Entry
}

// FlushRequest opens a configuration change.
type FlushRequest struct { // A
	Coordinator uint32
	Ring        uint64
	Attempt     uint64
	Members     []uint32
}

// GroupCounter is the view counter of one group.
type GroupCounter struct { // A
	Group types.GroupName
	Seq   uint64
}

// GroupMembers is a membership listing of one group.
type GroupMembers struct { // A
	Group   types.GroupName
	Seq     uint64
	Members []types.Member
}

// FlushState is a participant's answer to a FlushRequest.
type FlushState struct { // A
	From        uint32
	Incarnation uint64
	Attempt     uint64
	Ring        uint64
	HighRing    uint64
	Delivered   uint64
	Manifests   []Manifest
	Counters    []GroupCounter
	Local       []GroupMembers
	LastCommit  *Commit
}

// RingMember is one node of a ring configuration.
type RingMember struct { // A
	Node        uint32
	Incarnation uint64
}

// Commit is the outcome of a configuration change. Final holds the
// undelivered manifests of every ring the participants came from. Previous
// chains the commits a lagging participant missed.
type Commit struct { // A
	Ring     uint64
	PrevRing uint64
	Members  []RingMember
	Final    []Manifest
	Groups   []GroupMembers
	Previous *Commit
}

// Nodes returns the node ids of the commit's members.
func (c *Commit) Nodes() []uint32 { // A
	out := make([]uint32, len(c.Members))
	for i, m := range c.Members {
		out[i] = m.Node
	}
	return out
}

// FlushCommit distributes a Commit.
type FlushCommit struct { // A
	Coordinator uint32
	Attempt     uint64
	Commit      Commit
}

// Packet is the unit handed to the transport. Exactly one body is set,
// matching Type.
type Packet struct { // A
	Type         PacketType
	Proposal     *Proposal
	Ack          *Ack
	Manifest     *Manifest
	FlushRequest *FlushRequest
	FlushState   *FlushState
	FlushCommit  *FlushCommit
}
