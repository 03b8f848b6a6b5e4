package types

// DeliveryKind tags a Delivery.
type DeliveryKind uint8 // A

const (
	DeliveryMessage DeliveryKind = iota + 1
	DeliveryMembership
)

// Message is an application message as delivered to a member.
type Message struct { // A
	Group     GroupName
	Sender    Member
	SenderSeq uint64
	Guarantee Guarantee
	Payload   []byte
}

// MembershipChange is a view transition of one group.
type MembershipChange struct { // A
	View   View
	Joined []Member
	Left   []Member
	Reason Reason
}

// JoinedAddresses returns the joined members tagged with the reason.
func (c MembershipChange) JoinedAddresses() []Address { // A
	return addresses(c.Joined, c.Reason)
}

// LeftAddresses returns the departed members tagged with the reason.
func (c MembershipChange) LeftAddresses() []Address { // A
	return addresses(c.Left, c.Reason)
}

func addresses(members []Member, reason Reason) []Address { // A
	out := make([]Address, len(members))
	for i, m := range members {
		out[i] = AddressOf(m, reason)
	}
	return out
}

// Delivery is one unit of the per-group delivery sequence.
type Delivery struct { // A
	Kind    DeliveryKind
	Message *Message
	Change  *MembershipChange
}

// Group returns the group the unit belongs to.
func (d Delivery) Group() GroupName { // A
	if d.Kind == DeliveryMessage {
		return d.Message.Group
	}
	return d.Change.View.Group
}
