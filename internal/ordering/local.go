package ordering

import (
	"fmt"

	"github.com/i5heu/ouroboros-cpg/internal/membership"
	"github.com/i5heu/ouroboros-cpg/internal/wire"
	"github.com/i5heu/ouroboros-cpg/pkg/types"
)

// SessionState is the state of one local process in one group.
type SessionState uint8 // A

const (
	StateNone SessionState = iota
	StateJoining
	StateStable
	StateReconfiguring
	StateLeft
)

var sessionStateNames = map[SessionState]string{ // A
	StateNone:          "NONE",
	StateJoining:       "JOINING",
	StateStable:        "STABLE",
	StateReconfiguring: "RECONFIGURING",
	StateLeft:          "LEFT",
}

func (s SessionState) String() string { // A
	if name, ok := sessionStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint8(s))
}

type localGroup struct { // A
	member types.Member
	state  SessionState
	// leaving is set once the LEAVE is submitted; the state turns LEFT
	// when it is delivered.
	leaving bool
	// nextSeq is the last sender sequence number handed out.
	nextSeq uint64
}

type process struct { // A
	pid    uint32
	groups map[types.GroupName]*localGroup
}

func (e *Engine) process(pid uint32) *process { // A
	p, ok := e.locals[pid]
	if !ok {
		p = &process{pid: pid, groups: make(map[types.GroupName]*localGroup)}
		e.locals[pid] = p
	}
	return p
}

// stateOf returns the state of process pid in group.
func (e *Engine) stateOf(pid uint32, group types.GroupName) SessionState { // A
	p, ok := e.locals[pid]
	if !ok {
		return StateNone
	}
	g, ok := p.groups[group]
	if !ok {
		return StateNone
	}
	return g.state
}

// Joined returns the groups process pid has joined and not yet left,
// ordered by name.
func (e *Engine) Joined(pid uint32) []types.GroupName { // A
	p, ok := e.locals[pid]
	if !ok {
		return nil
	}
	var out []types.GroupName
	for name := range p.groups {
		if _, active := e.activeGroup(pid, name); active {
			out = append(out, name)
		}
	}
	membership.SortGroupNames(out)
	return out
}

// Join submits a JOIN of process pid to group with a fresh join epoch.
func (e *Engine) Join(pid uint32, group types.GroupName) (Step, error) { // A
	if _, ok := e.activeGroup(pid, group); ok {
		return Step{}, fmt.Errorf("process %d in %s: %w",
			pid, group, types.ErrAlreadyMember)
	}
	epoch, err := e.store.NextEpoch()
	if err != nil {
		return Step{}, fmt.Errorf("allocate join epoch: %w: %w",
			types.ErrLibrary, err)
	}
	e.begin()
	p := e.process(pid)
	member := types.Member{NodeID: e.node, ProcessID: pid, JoinEpoch: epoch}
	p.groups[group] = &localGroup{member: member, state: StateJoining}
	e.submit(&wire.Proposal{
		Kind:   wire.KindJoin,
		Group:  group,
		Sender: member,
		Reason: types.ReasonJoin,
	})
	e.log.Debug("join submitted",
		logKeyProcessID, pid,
		logKeyGroup, group.String())
	return e.finish(), nil
}

// Leave submits a LEAVE of process pid from group.
func (e *Engine) Leave( // A
	pid uint32,
	group types.GroupName,
	reason types.Reason,
) (Step, error) {
	g, ok := e.activeGroup(pid, group)
	if !ok {
		return Step{}, fmt.Errorf("process %d in %s: %w",
			pid, group, types.ErrNotMember)
	}
	e.begin()
	e.submitLeave(g, group, reason)
	return e.finish(), nil
}

// Multicast submits one message from process pid to each of groups.
func (e *Engine) Multicast( // A
	pid uint32,
	groups []types.GroupName,
	guarantee types.Guarantee,
	payload []byte,
) (Step, error) {
	targets := make([]*localGroup, 0, len(groups))
	for _, group := range groups {
		g, ok := e.activeGroup(pid, group)
		if !ok {
			return Step{}, fmt.Errorf("process %d in %s: %w",
				pid, group, types.ErrNotMember)
		}
		targets = append(targets, g)
	}
	e.begin()
	for i, g := range targets {
		g.nextSeq++
		data := make([]byte, len(payload))
		copy(data, payload)
		e.submit(&wire.Proposal{
			Kind:      wire.KindData,
			Group:     groups[i],
			Sender:    g.member,
			Guarantee: guarantee,
			SenderSeq: g.nextSeq,
			Payload:   data,
		})
	}
	return e.finish(), nil
}

// Finalize leaves every group process pid is in with reason PROCDOWN and
// forgets the process.
func (e *Engine) Finalize(pid uint32) Step { // A
	e.begin()
	p, ok := e.locals[pid]
	if !ok {
		return e.finish()
	}
	names := make([]types.GroupName, 0, len(p.groups))
	for name := range p.groups {
		names = append(names, name)
	}
	membership.SortGroupNames(names)
	for _, name := range names {
		g := p.groups[name]
		if g.leaving || g.state == StateLeft {
			continue
		}
		e.submitLeave(g, name, types.ReasonProcDown)
	}
	delete(e.locals, pid)
	return e.finish()
}

func (e *Engine) activeGroup( // A
	pid uint32,
	group types.GroupName,
) (*localGroup, bool) {
	p, ok := e.locals[pid]
	if !ok {
		return nil, false
	}
	g, ok := p.groups[group]
	if !ok || g.leaving || g.state == StateLeft {
		return nil, false
	}
	return g, true
}

func (e *Engine) submitLeave( // A
	g *localGroup,
	group types.GroupName,
	reason types.Reason,
) {
	g.leaving = true
	e.submit(&wire.Proposal{
		Kind:   wire.KindLeave,
		Group:  group,
		Sender: g.member,
		Reason: reason,
	})
	e.log.Debug("leave submitted",
		logKeyProcessID, g.member.ProcessID,
		logKeyGroup, group.String(),
		"reason", reason.String())
}

// submit queues an own proposal and sends it when a ring is active.
func (e *Engine) submit(p *wire.Proposal) { // A
	e.pending = append(e.pending, p)
	e.sendPending()
}

// sendPending stamps and broadcasts every queued own proposal that has no
// id in the current ring. Nothing is sent outside a ring or while frozen.
func (e *Engine) sendPending() { // A
	if e.ring == 0 || e.frozen {
		return
	}
	for ; e.stamped < len(e.pending); e.stamped++ {
		p := e.pending[e.stamped]
		released := e.rm.Stamp(p)
		sent := *p
		e.broadcast(wire.Packet{Type: wire.PacketProposal, Proposal: &sent})
		e.onReleased(released)
	}
}

// setStates moves every local group in state from to state to.
func (e *Engine) setStates(from, to SessionState) { // A
	for _, p := range e.locals {
		for _, g := range p.groups {
			if g.state == from {
				g.state = to
			}
		}
	}
}

// localRecipients returns the local processes that receive a unit of
// view: the local members of the view and the local members in extra.
func (e *Engine) localRecipients( // A
	view types.View,
	extra []types.Member,
) []uint32 {
	seen := make(map[uint32]bool)
	var out []uint32
	add := func(m types.Member) {
		if m.NodeID != e.node || seen[m.ProcessID] {
			return
		}
		seen[m.ProcessID] = true
		out = append(out, m.ProcessID)
	}
	for _, m := range view.Members {
		add(m)
	}
	for _, m := range extra {
		add(m)
	}
	return out
}
