package types

import (
	"fmt"
	"sort"
)

// Reason explains why a member entered or left a view. Values match the
// classic CPG numbering.
type Reason uint32 // A

const (
	ReasonJoin     Reason = 1
	ReasonLeave    Reason = 2
	ReasonNodeDown Reason = 3
	ReasonNodeUp   Reason = 4
	ReasonProcDown Reason = 5
)

var reasonNames = map[Reason]string{ // A
	ReasonJoin:     "JOIN",
	ReasonLeave:    "LEAVE",
	ReasonNodeDown: "NODEDOWN",
	ReasonNodeUp:   "NODEUP",
	ReasonProcDown: "PROCDOWN",
}

// String returns the CPG name of the reason.
func (r Reason) String() string { // A
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint32(r))
}

// ProcessKey is the identity of a member inside a group.
type ProcessKey struct { // A
	NodeID    uint32
	ProcessID uint32
}

// String formats the key as node/pid.
func (k ProcessKey) String() string { // A
	return fmt.Sprintf("%d/%d", k.NodeID, k.ProcessID)
}

// Less orders keys by node id, then process id.
func (k ProcessKey) Less(o ProcessKey) bool { // A
	if k.NodeID != o.NodeID {
		return k.NodeID < o.NodeID
	}
	return k.ProcessID < o.ProcessID
}

// Member is one process in a group view. JoinEpoch tells successive joins
// of the same process apart.
type Member struct { // A
	NodeID    uint32
	ProcessID uint32
	JoinEpoch uint64
}

// Key returns the (node, process) identity of the member.
func (m Member) Key() ProcessKey { // A
	return ProcessKey{NodeID: m.NodeID, ProcessID: m.ProcessID}
}

// String formats the member as node/pid@epoch.
func (m Member) String() string { // A
	return fmt.Sprintf("%d/%d@%d", m.NodeID, m.ProcessID, m.JoinEpoch)
}

// Address is the member description handed to applications, carrying the
// reason of the change that produced it.
type Address struct { // A
	NodeID    uint32
	ProcessID uint32
	Reason    Reason
}

// AddressOf converts a member into an Address with the given reason.
func AddressOf(m Member, reason Reason) Address { // A
	return Address{NodeID: m.NodeID, ProcessID: m.ProcessID, Reason: reason}
}

// SortMembers orders members by (node id, process id) in place.
func SortMembers(members []Member) { // A
	sort.Slice(members, func(i, j int) bool {
		return members[i].Key().Less(members[j].Key())
	})
}
