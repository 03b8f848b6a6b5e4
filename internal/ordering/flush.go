package ordering

import (
	"sort"
	"time"

	"github.com/i5heu/ouroboros-cpg/internal/membership"
	"github.com/i5heu/ouroboros-cpg/internal/wire"
	"github.com/i5heu/ouroboros-cpg/pkg/types"
)

// flushTicket is the flush request a participant answered last. Only a
// commit matching it is applied.
type flushTicket struct { // A
	coordinator uint32
	attempt     uint64
}

// flushRound is a flush the local node coordinates.
type flushRound struct { // A
	attempt  uint64
	members  []uint32
	states   map[uint32]*wire.FlushState
	deadline time.Time
}

func (e *Engine) lowestLive() uint32 { // A
	return e.liveNodes()[0]
}

// evaluateFlush starts a new flush round when the local node is the
// lowest live node and abandons its round otherwise.
func (e *Engine) evaluateFlush() { // A
	if e.lowestLive() != e.node {
		if e.round != nil {
			e.log.Info("abandoning flush",
				logKeyAttempt, e.round.attempt,
				logKeyCoordinator, e.lowestLive())
			e.round = nil
		}
		return
	}
	e.startRound()
}

func (e *Engine) startRound() { // A
	e.attemptSeen++
	members := e.liveNodes()
	e.round = &flushRound{
		attempt:  e.attemptSeen,
		members:  members,
		states:   make(map[uint32]*wire.FlushState, len(members)),
		deadline: e.now.Add(e.timeout),
	}
	req := &wire.FlushRequest{
		Coordinator: e.node,
		Ring:        e.ring,
		Attempt:     e.attemptSeen,
		Members:     members,
	}
	e.log.Info("flush requested",
		logKeyRing, e.ring,
		logKeyAttempt, req.Attempt,
		logKeyMembers, members)
	for _, n := range members {
		if n != e.node {
			e.send(n, wire.Packet{Type: wire.PacketFlushRequest, FlushRequest: req})
		}
	}
	e.onFlushRequest(req)
}

// onFlushRequest freezes delivery and answers with the local state.
// Requests from anyone but the lowest live node are ignored, as are
// requests older than the one answered last.
func (e *Engine) onFlushRequest(req *wire.FlushRequest) { // A
	if req.Attempt > e.attemptSeen {
		e.attemptSeen = req.Attempt
	}
	if req.Coordinator != e.lowestLive() || !contains(req.Members, e.node) {
		e.log.Debug("ignoring flush request",
			logKeyCoordinator, req.Coordinator,
			logKeyAttempt, req.Attempt)
		return
	}
	if t := e.ticket; t != nil && t.coordinator == req.Coordinator &&
		req.Attempt <= t.attempt {
		return
	}
	e.ticket = &flushTicket{coordinator: req.Coordinator, attempt: req.Attempt}
	if !e.frozen {
		e.frozen = true
		e.setStates(StateStable, StateReconfiguring)
	}

	st := e.flushState(req.Attempt)
	if req.Coordinator == e.node {
		e.onFlushState(st)
		return
	}
	e.send(req.Coordinator, wire.Packet{Type: wire.PacketFlushState, FlushState: st})
}

func (e *Engine) flushState(attempt uint64) *wire.FlushState { // A
	high, err := e.store.HighRing()
	if err != nil {
		e.log.Error("read high ring", logKeyError, err)
	}
	if high < e.ring {
		high = e.ring
	}
	st := &wire.FlushState{
		From:        e.node,
		Incarnation: e.incarnation,
		Attempt:     attempt,
		Ring:        e.ring,
		HighRing:    high,
		Delivered:   e.delivered,
		LastCommit:  e.lastCommit,
	}
	for key, m := range e.manifests {
		if key.ring == e.ring {
			st.Manifests = append(st.Manifests, *m)
		}
	}
	sort.Slice(st.Manifests, func(i, j int) bool {
		return st.Manifests[i].Seq < st.Manifests[j].Seq
	})

	counters := e.reg.Counters()
	names := make([]types.GroupName, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	membership.SortGroupNames(names)
	for _, name := range names {
		st.Counters = append(st.Counters, wire.GroupCounter{
			Group: name,
			Seq:   counters[name],
		})
	}

	local := e.reg.LocalMembers(e.node)
	names = names[:0]
	for name := range local {
		names = append(names, name)
	}
	membership.SortGroupNames(names)
	for _, name := range names {
		st.Local = append(st.Local, wire.GroupMembers{
			Group:   name,
			Members: local[name],
		})
	}
	return st
}

// onFlushState collects participant states; the last one completes the
// round.
func (e *Engine) onFlushState(st *wire.FlushState) { // A
	r := e.round
	if r == nil || st.Attempt != r.attempt || !contains(r.members, st.From) {
		return
	}
	r.states[st.From] = st
	if len(r.states) < len(r.members) {
		return
	}

	states := make([]*wire.FlushState, 0, len(r.members))
	for _, n := range r.members {
		states = append(states, r.states[n])
	}
	fc := &wire.FlushCommit{
		Coordinator: e.node,
		Attempt:     r.attempt,
		Commit:      *buildCommit(e.node, states),
	}
	e.round = nil
	e.lastFlush = fc
	for _, n := range r.members {
		if n != e.node {
			e.send(n, wire.Packet{Type: wire.PacketFlushCommit, FlushCommit: fc})
		}
	}
	e.onFlushCommit(fc)
}

func (e *Engine) onFlushCommit(fc *wire.FlushCommit) { // A
	t := e.ticket
	if t == nil || fc.Coordinator != t.coordinator || fc.Attempt != t.attempt {
		e.log.Debug("ignoring stale commit",
			logKeyCoordinator, fc.Coordinator,
			logKeyAttempt, fc.Attempt)
		return
	}
	c := &fc.Commit
	if !isMember(c, e.node) {
		return
	}

	if e.ring > 0 {
		for _, pc := range chainOf(c.Previous) {
			if pc.PrevRing == e.ring && isMember(pc, e.node) {
				e.log.Info("catching up on missed commit", logKeyRing, pc.Ring)
				e.install(pc)
			}
		}
	}
	e.install(c)
	e.lastCommit = trimChain(c, 0, wire.MaxCommitChain)

	e.ticket = nil
	e.frozen = false
	e.setStates(StateReconfiguring, StateStable)
	e.arrivals = nil
	if e.Coordinator() == e.node {
		e.arrivals = e.rm.Contiguous(e.ring)
	}
	e.stamped = 0
	e.sendPending()
	e.ackDirty = true
	e.deliverReady()
}

// install moves the node from its ring to c.Ring: it delivers the final
// manifests of its ring, publishes the membership changes of the
// configuration and resets the per-ring state.
func (e *Engine) install(c *wire.Commit) { // A
	if e.ring > 0 {
		for i := range c.Final {
			m := &c.Final[i]
			if m.Ring != e.ring || m.Seq <= e.delivered {
				continue
			}
			if m.Seq != e.delivered+1 {
				e.log.Error("gap in final manifests",
					logKeyRing, e.ring,
					logKeyManifest, m.Seq,
					"delivered", e.delivered)
				break
			}
			e.deliverManifest(m)
		}
	}

	for _, g := range c.Groups {
		down, up := e.reg.Reconcile(g.Group, g.Members, g.Seq)
		for _, m := range down.Left {
			delete(e.senderSeqs, senderKey{group: g.Group, member: m})
			if own := e.ownGroup(m, g.Group); own != nil {
				own.state = StateLeft
			}
		}
		e.publish(down, types.ReasonNodeDown)
		e.publish(up, types.ReasonNodeUp)
	}

	prev := e.ring
	e.ring = c.Ring
	e.members = c.Nodes()
	sortNodes(e.members)
	for _, m := range c.Members {
		e.rm.Learn(m.Node, m.Incarnation)
	}
	dropped := e.rm.Reset(c.Ring, e.members)
	for key := range e.manifests {
		if key.ring < c.Ring {
			delete(e.manifests, key)
		}
	}
	e.received, e.delivered, e.pruned, e.nextManifest = 0, 0, 0, 0
	e.advanceReceived()

	if _, err := e.store.RaiseHighRing(c.Ring); err != nil {
		e.log.Error("persist ring", logKeyRing, c.Ring, logKeyError, err)
	}
	e.log.Info("configuration committed",
		logKeyRing, c.Ring,
		"prevRing", prev,
		logKeyMembers, e.members,
		logKeyCount, dropped)
}

// nextRing returns the id of the ring that follows high. The low half
// carries the flush coordinator so rings formed at the same time in
// separate partitions never share an id.
func nextRing(high uint64, coordinator uint32) uint64 { // A
	return (high>>32+1)<<32 | uint64(coordinator)
}

// buildCommit merges the participant states of a completed round into the
// commit of the next ring.
func buildCommit( // A
	coordinator uint32,
	states []*wire.FlushState,
) *wire.Commit {
	var maxRing, high uint64
	for _, s := range states {
		maxRing = max(maxRing, s.Ring)
		high = max(high, s.HighRing, s.Ring)
	}
	var last *wire.Commit
	var minLag uint64
	for _, s := range states {
		if s.Ring == maxRing && last == nil && s.LastCommit != nil {
			last = s.LastCommit
		}
		if s.Ring > 0 && s.Ring < maxRing && (minLag == 0 || s.Ring < minLag) {
			minLag = s.Ring
		}
	}

	c := &wire.Commit{Ring: nextRing(high, coordinator), PrevRing: maxRing}
	for _, s := range states {
		c.Members = append(c.Members, wire.RingMember{
			Node:        s.From,
			Incarnation: s.Incarnation,
		})
	}
	sort.Slice(c.Members, func(i, j int) bool {
		return c.Members[i].Node < c.Members[j].Node
	})
	if minLag > 0 && last != nil {
		c.Previous = trimChain(last, minLag, wire.MaxCommitChain)
	}
	chain := chainOf(c.Previous)

	finals := make(map[manifestKey]wire.Manifest)
	for _, s := range states {
		for _, m := range s.Manifests {
			finals[manifestKey{ring: m.Ring, seq: m.Seq}] = m
		}
	}
	for _, pc := range chain {
		for _, m := range pc.Final {
			finals[manifestKey{ring: m.Ring, seq: m.Seq}] = m
		}
	}
	for _, m := range finals {
		c.Final = append(c.Final, m)
	}
	sort.Slice(c.Final, func(i, j int) bool {
		if c.Final[i].Ring != c.Final[j].Ring {
			return c.Final[i].Ring < c.Final[j].Ring
		}
		return c.Final[i].Seq < c.Final[j].Seq
	})

	c.Groups = snapshot(states, chain, c.Final)
	return c
}

// snapshot computes the membership every node holds once the commit is
// applied: each participant's own members after it delivered the final
// manifests of its ring. Counters are raised past every participant's
// counter by two so both changes of the configuration get fresh numbers.
func snapshot( // A
	states []*wire.FlushState,
	chain []*wire.Commit,
	finals []wire.Manifest,
) []wire.GroupMembers {
	members := make(map[types.GroupName]map[types.ProcessKey]types.Member)
	counters := make(map[types.GroupName]uint64)
	raise := func(g types.GroupName, seq uint64) {
		if cur, ok := counters[g]; !ok || seq > cur {
			counters[g] = seq
		}
	}

	for _, s := range states {
		ring, delivered := s.Ring, s.Delivered
		local := make(map[types.GroupName]map[types.ProcessKey]types.Member)
		reported := make(map[types.GroupName]uint64)
		for _, c := range s.Counters {
			reported[c.Group] = c.Seq
		}
		for _, g := range s.Local {
			for _, m := range g.Members {
				addMember(local, g.Group, m)
			}
		}

		if last := catchUp(s, chain); last != nil {
			ring, delivered = last.Ring, 0
			local = make(map[types.GroupName]map[types.ProcessKey]types.Member)
			for _, g := range last.Groups {
				reported[g.Group] = max(reported[g.Group], g.Seq)
				for _, m := range g.Members {
					if m.NodeID == s.From {
						addMember(local, g.Group, m)
					}
				}
			}
		}

		changes := make(map[types.GroupName]uint64)
		for _, m := range finals {
			if ring == 0 || m.Ring != ring || m.Seq <= delivered {
				continue
			}
			for _, en := range m.Entries {
				if en.Kind == wire.KindData {
					continue
				}
				changes[en.Group]++
				if en.Member.NodeID != s.From {
					continue
				}
				if en.Kind == wire.KindJoin {
					addMember(local, en.Group, en.Member)
					continue
				}
				cur, ok := local[en.Group][en.Member.Key()]
				if ok && (en.Member.JoinEpoch == 0 ||
					en.Member.JoinEpoch == cur.JoinEpoch) {
					delete(local[en.Group], en.Member.Key())
				}
			}
		}

		for g, seq := range reported {
			raise(g, seq+changes[g])
		}
		for g, n := range changes {
			raise(g, reported[g]+n)
		}
		for g, ms := range local {
			raise(g, reported[g])
			for _, m := range ms {
				addMember(members, g, m)
			}
		}
	}

	names := make([]types.GroupName, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	membership.SortGroupNames(names)
	out := make([]wire.GroupMembers, 0, len(names))
	for _, name := range names {
		gm := wire.GroupMembers{Group: name, Seq: counters[name] + 2}
		for _, m := range members[name] {
			gm.Members = append(gm.Members, m)
		}
		types.SortMembers(gm.Members)
		out = append(out, gm)
	}
	return out
}

func addMember( // A
	set map[types.GroupName]map[types.ProcessKey]types.Member,
	group types.GroupName,
	m types.Member,
) {
	g, ok := set[group]
	if !ok {
		g = make(map[types.ProcessKey]types.Member)
		set[group] = g
	}
	g[m.Key()] = m
}

// catchUp returns the last commit of chain a lagging participant applies
// before the new commit, or nil when s does not lag behind chain.
func catchUp(s *wire.FlushState, chain []*wire.Commit) *wire.Commit { // A
	if s.Ring == 0 {
		return nil
	}
	ring := s.Ring
	var last *wire.Commit
	for _, pc := range chain {
		if pc.PrevRing == ring && isMember(pc, s.From) {
			ring = pc.Ring
			last = pc
		}
	}
	return last
}

// chainOf flattens a Previous chain, oldest commit first.
func chainOf(c *wire.Commit) []*wire.Commit { // A
	var out []*wire.Commit
	for ; c != nil; c = c.Previous {
		out = append(out, c)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// trimChain copies c keeping the commits above floor, at most depth of
// them below c.
func trimChain(c *wire.Commit, floor uint64, depth int) *wire.Commit { // A
	if c == nil || c.Ring <= floor || depth < 0 {
		return nil
	}
	cp := *c
	cp.Previous = trimChain(c.Previous, floor, depth-1)
	return &cp
}

func isMember(c *wire.Commit, node uint32) bool { // A
	for _, m := range c.Members {
		if m.Node == node {
			return true
		}
	}
	return false
}
