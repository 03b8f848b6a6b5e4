package interfaces

import "github.com/i5heu/ouroboros-cpg/pkg/types"

// Callbacks receives deliveries of a session. Methods are invoked only from
// within Dispatch, on the goroutine that called it.
type Callbacks interface { // A
	// Deliver is called for every message of a joined group.
	Deliver(
		group types.GroupName,
		nodeID uint32,
		processID uint32,
		payload []byte,
	)
	// ConfigChange is called for every membership change of a joined
	// group, including the session's own join and leave.
	ConfigChange(
		group types.GroupName,
		members []types.Address,
		left []types.Address,
		joined []types.Address,
	)
}

// FlowControlCallbacks is implemented by callbacks that want to hear about
// flow-control transitions.
type FlowControlCallbacks interface { // A
	FlowControl(state types.FlowControlState)
}

// GroupsCallbacks is implemented by callbacks that want the group listing
// requested with GroupsGet.
type GroupsCallbacks interface { // A
	GroupList(
		index int,
		total int,
		group types.GroupName,
		members []types.Address,
	)
}
