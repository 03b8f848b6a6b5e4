// Package transport provides implementations of interfaces.Transport.
//
// Hub is an in-memory network for tests and single-process clusters.
// NetTransport carries packets over QUIC and learns liveness from a
// memberlist gossip pool.
package transport

import "errors"

// DefaultMaxMessageSize is the payload limit of one multicast when a
// transport is configured without one.
const DefaultMaxMessageSize = 1024 * 1024

const (
	logKeyNodeID  = "nodeId"
	logKeyPeer    = "peer"
	logKeyAddress = "address"
	logKeyError   = "error"
)

var (
	// ErrClosed is returned by operations on a closed or crashed transport.
	ErrClosed = errors.New("transport closed")
	// ErrUnknownPeer is returned when sending to a node without a known
	// address.
	ErrUnknownPeer = errors.New("unknown peer")
)
