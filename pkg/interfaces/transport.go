package interfaces

import "context"

// NodeEvent reports a liveness change of a cluster node as seen by the
// local failure detector.
type NodeEvent struct { // A
	NodeID uint32
	Up     bool
}

// Receiver consumes raw packets from other nodes. Packets from one origin
// arrive in the order that origin sent them.
type Receiver func(from uint32, data []byte) // A

// NodeListener consumes liveness changes.
type NodeListener func(ev NodeEvent) // A

// Transport is the node-to-node packet service consumed by the engine.
// Packets between two live nodes must not be reordered. A transport may
// drop packets under pressure; the engine sends them again once the
// receiver stops making progress.
type Transport interface { // A
	// LocalNodeID returns the id of this node.
	LocalNodeID() uint32
	// Send transmits data to one node.
	Send(ctx context.Context, nodeID uint32, data []byte) error
	// Broadcast transmits data to every other live node.
	Broadcast(ctx context.Context, data []byte) error
	// SetReceiver installs the packet consumer. It must be called before
	// Start.
	SetReceiver(r Receiver)
	// SetNodeListener installs the liveness consumer.
	SetNodeListener(l NodeListener)
	// LiveNodes returns the nodes the failure detector currently considers
	// alive, including the local node.
	LiveNodes() []uint32
	// MaxMessageSize is the largest payload a single multicast may carry.
	MaxMessageSize() int
	// Start begins receiving.
	Start(ctx context.Context) error
	// Close stops the transport and releases its resources.
	Close() error
}
