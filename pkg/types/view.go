package types

// View is the published membership of a group. Members are sorted by
// (node id, process id) and unique; Seq grows by one per change.
type View struct { // A
	Group   GroupName
	Seq     uint64
	Members []Member
}

// Contains reports whether a process with the given key is in the view.
func (v View) Contains(key ProcessKey) bool { // A
	_, ok := v.Find(key)
	return ok
}

// Find returns the member with the given key.
func (v View) Find(key ProcessKey) (Member, bool) { // A
	for _, m := range v.Members {
		if m.Key() == key {
			return m, true
		}
	}
	return Member{}, false
}

// Addresses converts the members to addresses with reason 0, the way
// member lists are reported to applications.
func (v View) Addresses() []Address { // A
	out := make([]Address, len(v.Members))
	for i, m := range v.Members {
		out[i] = Address{NodeID: m.NodeID, ProcessID: m.ProcessID}
	}
	return out
}

// Clone returns a deep copy of the view.
func (v View) Clone() View { // A
	members := make([]Member, len(v.Members))
	copy(members, v.Members)
	return View{Group: v.Group, Seq: v.Seq, Members: members}
}

// ViewDelta is the change produced by one registry mutation.
type ViewDelta struct { // A
	View   View
	Joined []Member
	Left   []Member
}

// Empty reports whether the delta changed nothing.
func (d ViewDelta) Empty() bool { // A
	return len(d.Joined) == 0 && len(d.Left) == 0
}
