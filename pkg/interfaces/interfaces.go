// Package interfaces defines the contracts between the closed process
// group engine and its collaborators: the node-to-node transport, the
// quorum service and the application callbacks.
package interfaces
