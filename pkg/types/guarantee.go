package types

import "fmt"

// Guarantee is the ordering requested for a multicast.
type Guarantee uint8 // A

const (
	// GuaranteeUnordered is declared for compatibility and not supported.
	GuaranteeUnordered Guarantee = iota
	// GuaranteeFIFO keeps per-sender order.
	GuaranteeFIFO
	// GuaranteeAgreed delivers in one total order agreed by all members.
	GuaranteeAgreed
	// GuaranteeSafe is declared for compatibility and not supported.
	GuaranteeSafe
)

var guaranteeNames = map[Guarantee]string{ // A
	GuaranteeUnordered: "UNORDERED",
	GuaranteeFIFO:      "FIFO",
	GuaranteeAgreed:    "AGREED",
	GuaranteeSafe:      "SAFE",
}

// String returns the name of the guarantee.
func (g Guarantee) String() string { // A
	if name, ok := guaranteeNames[g]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint8(g))
}

// Supported reports whether the engine implements the guarantee.
func (g Guarantee) Supported() bool { // A
	return g == GuaranteeFIFO || g == GuaranteeAgreed
}

// ParseGuarantee maps a name such as "agreed" to a Guarantee.
func ParseGuarantee(name string) (Guarantee, error) { // A
	switch name {
	case "fifo", "FIFO":
		return GuaranteeFIFO, nil
	case "agreed", "AGREED":
		return GuaranteeAgreed, nil
	case "unordered", "UNORDERED":
		return GuaranteeUnordered, nil
	case "safe", "SAFE":
		return GuaranteeSafe, nil
	}
	return 0, fmt.Errorf("unknown guarantee %q", name)
}

// FlowControlState is the cooperative backpressure signal.
type FlowControlState uint8 // A

const (
	// FlowControlDisabled means new messages may be sent.
	FlowControlDisabled FlowControlState = iota
	// FlowControlEnabled means senders should hold off.
	FlowControlEnabled
)

// String returns DISABLED or ENABLED.
func (s FlowControlState) String() string { // A
	if s == FlowControlEnabled {
		return "ENABLED"
	}
	return "DISABLED"
}

// DispatchMode selects how much Dispatch drains.
type DispatchMode uint8 // A

const (
	// DispatchOne delivers at most one unit.
	DispatchOne DispatchMode = iota + 1
	// DispatchAll delivers every unit currently queued.
	DispatchAll
	// DispatchBlocking waits for at least one unit, then drains.
	DispatchBlocking
)
