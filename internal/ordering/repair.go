package ordering

import (
	"github.com/i5heu/ouroboros-cpg/internal/wire"
)

// progress is what a ring node last acknowledged to this node.
type progress struct { // A
	ring     uint64
	stream   uint64
	manifest uint64
}

// lag tracks a ring node that is behind this node.
type lag struct { // A
	mark  progress
	ticks int
}

// repair resends what a ring node has been missing for repairTicks ticks
// without progress: own proposals above its stream ack, manifests above
// its manifest ack and, to a node still in an older ring, the commit that
// formed this one. Links that lose frames while liveness stays up recover
// this way.
func (e *Engine) repair() { // A
	if e.ring == 0 || e.frozen {
		for n := range e.lags {
			delete(e.lags, n)
		}
		return
	}
	own := wire.StreamID{Node: e.node, Incarnation: e.incarnation, Ring: e.ring}
	var top uint64
	if e.stamped > 0 {
		top = e.pending[e.stamped-1].ID.Seq
	}
	coordinator := e.Coordinator() == e.node

	for n := range e.lags {
		if !contains(e.members, n) {
			delete(e.lags, n)
		}
	}
	for _, n := range e.members {
		if n == e.node {
			continue
		}
		a, _ := e.rm.AckOf(n)
		if a.Ring > e.ring {
			delete(e.lags, n)
			continue
		}
		mark := progress{ring: a.Ring, stream: e.rm.Acked(n, own)}
		if a.Ring == e.ring {
			mark.manifest = a.Manifest
		}
		behind := a.Ring < e.ring || mark.stream < top ||
			(coordinator && mark.manifest < e.nextManifest)
		if !behind {
			delete(e.lags, n)
			continue
		}
		l, ok := e.lags[n]
		if !ok || l.mark != mark {
			e.lags[n] = &lag{mark: mark}
			continue
		}
		l.ticks++
		if l.ticks < e.repairTicks {
			continue
		}
		l.ticks = 0
		e.resend(n, mark, coordinator)
	}
}

func (e *Engine) resend(n uint32, mark progress, coordinator bool) { // A
	commit := false
	if mark.ring < e.ring && e.lastFlush != nil &&
		e.lastFlush.Commit.Ring == e.ring {
		e.send(n, wire.Packet{Type: wire.PacketFlushCommit, FlushCommit: e.lastFlush})
		commit = true
	}
	proposals := 0
	for _, p := range e.pending[:e.stamped] {
		if p.ID.Seq <= mark.stream {
			continue
		}
		sent := *p
		e.send(n, wire.Packet{Type: wire.PacketProposal, Proposal: &sent})
		proposals++
	}
	manifests := 0
	if coordinator {
		for seq := mark.manifest + 1; seq <= e.nextManifest; seq++ {
			m, ok := e.manifests[manifestKey{ring: e.ring, seq: seq}]
			if !ok {
				continue
			}
			e.send(n, wire.Packet{Type: wire.PacketManifest, Manifest: m})
			manifests++
		}
	}
	e.log.Warn("resending to lagging node",
		"to", n,
		logKeyRing, e.ring,
		"commit", commit,
		"proposals", proposals,
		"manifests", manifests)
}
