package ordering

import (
	"fmt"

	"github.com/i5heu/ouroboros-cpg/internal/wire"
	"github.com/i5heu/ouroboros-cpg/pkg/types"
)

func (e *Engine) onProposal(p *wire.Proposal) { // A
	e.onReleased(e.rm.Receive(p))
}

// onReleased records proposals that became contiguous on their stream.
// Only the coordinator keeps them in arrival order.
func (e *Engine) onReleased(ps []*wire.Proposal) { // A
	if len(ps) == 0 {
		return
	}
	e.ackDirty = true
	if e.Coordinator() != e.node {
		return
	}
	for _, p := range ps {
		if p.ID.Stream.Ring == e.ring {
			e.arrivals = append(e.arrivals, p.ID)
		}
	}
}

func (e *Engine) onAck(a *wire.Ack) { // A
	prev, known := e.rm.Incarnation(a.From)
	if !e.rm.ObserveAck(*a) {
		return
	}
	if known && a.Incarnation > prev && contains(e.members, a.From) {
		e.log.Warn("ring member restarted",
			"from", a.From,
			logKeyRing, e.ring)
		e.evaluateFlush()
	}
}

// buildManifests orders every proposal that is ready. Only the coordinator
// of the current ring builds manifests, and not while frozen.
func (e *Engine) buildManifests() { // A
	for e.buildManifest() {
	}
}

// buildManifest orders the next batch of arrivals. A proposal that is not
// stable holds back the rest of its stream. Without quorum an AGREED
// message holds back only the later proposals of its sender in its group,
// so other senders sharing the node stream keep flowing.
func (e *Engine) buildManifest() bool { // A
	if e.ring == 0 || e.frozen || e.Coordinator() != e.node ||
		len(e.arrivals) == 0 {
		return false
	}
	quorate := e.quorum.IsQuorate()
	unstable := make(map[wire.StreamID]bool)
	gated := make(map[senderKey]bool)
	var entries []wire.Entry

	rest := e.arrivals[:0]
	for _, id := range e.arrivals {
		if len(entries) >= e.maxBatch || unstable[id.Stream] {
			rest = append(rest, id)
			continue
		}
		p, ok := e.rm.Get(id)
		if !ok {
			continue
		}
		if !e.rm.Stable(id) {
			unstable[id.Stream] = true
			rest = append(rest, id)
			continue
		}
		key := senderKey{group: p.Group, member: p.Sender}
		if gated[key] || (!quorate && p.Kind == wire.KindData &&
			p.Guarantee == types.GuaranteeAgreed) {
			gated[key] = true
			rest = append(rest, id)
			continue
		}
		entries = append(entries, entryOf(p))
	}
	e.arrivals = rest
	if len(entries) == 0 {
		return false
	}

	e.nextManifest++
	m := &wire.Manifest{Ring: e.ring, Seq: e.nextManifest, Entries: entries}
	e.broadcast(wire.Packet{Type: wire.PacketManifest, Manifest: m})
	e.onManifest(e.node, m)
	return true
}

func entryOf(p *wire.Proposal) wire.Entry { // A
	en := wire.Entry{ID: p.ID, Kind: p.Kind}
	if p.Kind != wire.KindData {
		en.Group = p.Group
		en.Member = p.Sender
	}
	return en
}

// onManifest stores a manifest of the current or a later ring and
// delivers whatever became deliverable.
func (e *Engine) onManifest(from uint32, m *wire.Manifest) { // A
	if m.Ring < e.ring || (m.Ring == e.ring && m.Seq <= e.delivered) {
		return
	}
	if m.Ring == e.ring && from != e.Coordinator() {
		e.log.Warn("manifest from non-coordinator",
			"from", from,
			logKeyRing, m.Ring,
			logKeyManifest, m.Seq)
		return
	}
	key := manifestKey{ring: m.Ring, seq: m.Seq}
	if _, dup := e.manifests[key]; dup {
		return
	}
	e.manifests[key] = m
	if m.Ring != e.ring {
		return
	}
	e.advanceReceived()
	e.deliverReady()
}

func (e *Engine) advanceReceived() { // A
	for {
		if _, ok := e.manifests[manifestKey{ring: e.ring, seq: e.received + 1}]; !ok {
			return
		}
		e.received++
		e.ackDirty = true
	}
}

// deliverReady delivers manifests in sequence until one is missing or
// refers to a proposal that has not arrived.
func (e *Engine) deliverReady() { // A
	for !e.frozen && e.ring != 0 {
		m, ok := e.manifests[manifestKey{ring: e.ring, seq: e.delivered + 1}]
		if !ok {
			return
		}
		for _, en := range m.Entries {
			if _, ok := e.rm.Get(en.ID); !ok {
				e.log.Debug("manifest waits for proposal",
					logKeyManifest, m.Seq,
					logKeyProposal, en.ID.String())
				return
			}
		}
		e.deliverManifest(m)
	}
}

func (e *Engine) deliverManifest(m *wire.Manifest) { // A
	for _, en := range m.Entries {
		e.deliverEntry(en)
	}
	e.delivered = m.Seq
}

func (e *Engine) deliverEntry(en wire.Entry) { // A
	p, ok := e.rm.Get(en.ID)
	if !ok {
		e.log.Error("ordered proposal missing",
			logKeyProposal, en.ID.String())
		return
	}
	e.rm.Release(en.ID)
	if en.ID.Stream.Node == e.node && en.ID.Stream.Incarnation == e.incarnation {
		e.popPending(en.ID)
	}
	switch p.Kind {
	case wire.KindData:
		e.deliverMessage(p)
	case wire.KindJoin:
		e.applyJoin(p)
	case wire.KindLeave:
		e.applyLeave(p)
	default:
		e.log.Warn("unknown proposal kind",
			logKeyProposal, en.ID.String(),
			"kind", p.Kind)
	}
}

// popPending drops a delivered own proposal. A proposal held back by the
// quorum gate lets later ones of other senders overtake it, so the match
// is not always the head.
func (e *Engine) popPending(id wire.ProposalID) { // A
	for i, p := range e.pending {
		if i >= e.stamped {
			break
		}
		if p.ID != id {
			continue
		}
		e.pending = append(e.pending[:i], e.pending[i+1:]...)
		e.stamped--
		return
	}
}

func (e *Engine) deliverMessage(p *wire.Proposal) { // A
	view := e.reg.CurrentView(p.Group)
	key := senderKey{group: p.Group, member: p.Sender}
	last, known := e.senderSeqs[key]
	gap := known && p.SenderSeq != last+1
	e.senderSeqs[key] = p.SenderSeq

	msg := &types.Message{
		Group:     p.Group,
		Sender:    p.Sender,
		SenderSeq: p.SenderSeq,
		Guarantee: p.Guarantee,
		Payload:   p.Payload,
	}
	for _, pid := range e.localRecipients(view, nil) {
		if gap {
			e.fault(pid, fmt.Errorf(
				"sender %s in %s jumped from %d to %d: %w",
				p.Sender, p.Group, last, p.SenderSeq, types.ErrLibrary,
			))
			continue
		}
		e.route(pid, types.Delivery{Kind: types.DeliveryMessage, Message: msg})
	}
}

func (e *Engine) applyJoin(p *wire.Proposal) { // A
	delta := e.reg.ApplyJoin(p.Group, p.Sender)
	for _, old := range delta.Left {
		delete(e.senderSeqs, senderKey{group: p.Group, member: old})
	}
	if !delta.Empty() {
		e.senderSeqs[senderKey{group: p.Group, member: p.Sender}] = 0
	}
	if g := e.ownGroup(p.Sender, p.Group); g != nil && g.state == StateJoining {
		g.state = StateStable
	}
	e.publish(delta, types.ReasonJoin)
}

func (e *Engine) applyLeave(p *wire.Proposal) { // A
	delta := e.reg.ApplyLeave(p.Group, p.Sender)
	delete(e.senderSeqs, senderKey{group: p.Group, member: p.Sender})
	if g := e.ownGroup(p.Sender, p.Group); g != nil {
		g.state = StateLeft
	}
	reason := p.Reason
	if reason == 0 {
		reason = types.ReasonLeave
	}
	e.publish(delta, reason)
}

// ownGroup returns the local group state that m belongs to, if m is the
// current incarnation of a local process in group.
func (e *Engine) ownGroup(m types.Member, group types.GroupName) *localGroup { // A
	if m.NodeID != e.node {
		return nil
	}
	p, ok := e.locals[m.ProcessID]
	if !ok {
		return nil
	}
	g, ok := p.groups[group]
	if !ok || g.member != m {
		return nil
	}
	return g
}

// publish routes a membership change to the local members of its view and
// to the local members it removed.
func (e *Engine) publish(delta types.ViewDelta, reason types.Reason) { // A
	if delta.Empty() {
		return
	}
	change := &types.MembershipChange{
		View:   delta.View,
		Joined: delta.Joined,
		Left:   delta.Left,
		Reason: reason,
	}
	for _, pid := range e.localRecipients(delta.View, delta.Left) {
		e.route(pid, types.Delivery{
			Kind:   types.DeliveryMembership,
			Change: change,
		})
	}
}

// pruneManifests forgets manifests every ring node has acknowledged and
// the local node has delivered.
func (e *Engine) pruneManifests() { // A
	if e.ring == 0 {
		return
	}
	upto := e.rm.ManifestAcked(e.received)
	if upto > e.delivered {
		upto = e.delivered
	}
	for ; e.pruned < upto; e.pruned++ {
		delete(e.manifests, manifestKey{ring: e.ring, seq: e.pruned + 1})
	}
}
