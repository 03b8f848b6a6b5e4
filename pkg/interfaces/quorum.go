package interfaces

// Quorum is the read-only view of the cluster quorum service.
type Quorum interface { // A
	IsQuorate() bool
}

// AlwaysQuorate is the Quorum used when no quorum service is configured.
type AlwaysQuorate struct{} // A

// IsQuorate always reports true.
func (AlwaysQuorate) IsQuorate() bool { return true } // A

// QuorumFunc adapts a function to the Quorum interface.
type QuorumFunc func() bool // A

// IsQuorate calls f.
func (f QuorumFunc) IsQuorate() bool { return f() } // A
