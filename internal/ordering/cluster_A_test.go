package ordering

import (
	"fmt"
	"sort"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-cpg/internal/wire"
	"github.com/i5heu/ouroboros-cpg/pkg/interfaces"
	"github.com/i5heu/ouroboros-cpg/pkg/types"
)

// memStore is an in-memory Persister.
type memStore struct { // A
	high  uint64
	epoch uint64
}

func (s *memStore) HighRing() (uint64, error) { return s.high, nil } // A

func (s *memStore) RaiseHighRing(ring uint64) (uint64, error) { // A
	if ring > s.high {
		s.high = ring
	}
	return s.high, nil
}

func (s *memStore) NextEpoch() (uint64, error) { // A
	s.epoch++
	return s.epoch, nil
}

// tester is the part of testing.TB that *rapid.T provides as well.
type tester interface { // A
	Helper()
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
	FailNow()
}

type link struct { // A
	from, to uint32
}

type testNode struct { // A
	id         uint32
	inc        uint64
	store      *memStore
	eng        *Engine
	up         bool
	deliveries map[uint32][]types.Delivery
	faults     []Fault
}

// testCluster routes the packets of several engines in memory. Every link
// is a FIFO queue; pick chooses which non-empty link delivers next.
type testCluster struct { // A
	tb      tester
	nodes   map[uint32]*testNode
	queues  map[link][][]byte
	cut     map[link]bool
	now     time.Time
	quorate bool
	pick    func(n int) int
}

func newCluster(tb tester, ids ...uint32) *testCluster { // A
	tb.Helper()
	c := &testCluster{
		tb:      tb,
		nodes:   make(map[uint32]*testNode),
		queues:  make(map[link][][]byte),
		cut:     make(map[link]bool),
		now:     time.Unix(1700000000, 0),
		quorate: true,
		pick:    func(int) int { return 0 },
	}
	for _, id := range ids {
		c.nodes[id] = &testNode{id: id, store: &memStore{}, up: true}
		c.boot(c.nodes[id])
	}
	for _, id := range ids {
		n := c.nodes[id]
		c.apply(id, n.eng.Start(c.liveFor(id), c.now))
	}
	c.settle()
	return c
}

func (c *testCluster) boot(n *testNode) { // A
	c.tb.Helper()
	n.inc++
	eng, err := New(Config{
		Node:        n.id,
		Incarnation: n.inc,
		Store:       n.store,
		Quorum:      interfaces.QuorumFunc(func() bool { return c.quorate }),
	})
	if err != nil {
		c.tb.Fatalf("New(%d): %v", n.id, err)
	}
	n.eng = eng
	n.deliveries = make(map[uint32][]types.Delivery)
}

func (c *testCluster) ids() []uint32 { // A
	out := make([]uint32, 0, len(c.nodes))
	for id := range c.nodes {
		out = append(out, id)
	}
	sortNodes(out)
	return out
}

// up returns the running nodes.
func (c *testCluster) up() []uint32 { // A
	var out []uint32
	for _, id := range c.ids() {
		if c.nodes[id].up {
			out = append(out, id)
		}
	}
	return out
}

func (c *testCluster) reachable(from, to uint32) bool { // A
	n, ok := c.nodes[to]
	return ok && n.up && !c.cut[link{from: from, to: to}]
}

func (c *testCluster) liveFor(id uint32) []uint32 { // A
	var out []uint32
	for _, other := range c.ids() {
		if other == id || c.reachable(id, other) {
			out = append(out, other)
		}
	}
	return out
}

func (c *testCluster) apply(from uint32, st Step) { // A
	c.tb.Helper()
	n := c.nodes[from]
	for _, o := range st.Packets {
		data, err := wire.Encode(o.Packet)
		if err != nil {
			c.tb.Fatalf("encode %s: %v", o.Packet.Type, err)
		}
		if !o.Broadcast {
			if c.reachable(from, o.To) {
				l := link{from: from, to: o.To}
				c.queues[l] = append(c.queues[l], data)
			}
			continue
		}
		for _, to := range c.ids() {
			if to != from && c.reachable(from, to) {
				l := link{from: from, to: to}
				c.queues[l] = append(c.queues[l], data)
			}
		}
	}
	for _, r := range st.Deliveries {
		n.deliveries[r.ProcessID] = append(n.deliveries[r.ProcessID], r.Delivery)
	}
	n.faults = append(n.faults, st.Faults...)
}

func (c *testCluster) pending() []link { // A
	var out []link
	for l, q := range c.queues {
		if len(q) > 0 {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].from != out[j].from {
			return out[i].from < out[j].from
		}
		return out[i].to < out[j].to
	})
	return out
}

// deliver hands the head packet of l to its destination.
func (c *testCluster) deliver(l link) { // A
	c.tb.Helper()
	q := c.queues[l]
	data := q[0]
	c.queues[l] = q[1:]
	if !c.reachable(l.from, l.to) {
		return
	}
	p, err := wire.Decode(data)
	if err != nil {
		c.tb.Fatalf("decode: %v", err)
	}
	c.apply(l.to, c.nodes[l.to].eng.Receive(l.from, p))
}

// step delivers one packet and reports whether there was one.
func (c *testCluster) step() bool { // A
	links := c.pending()
	if len(links) == 0 {
		return false
	}
	c.deliver(links[c.pick(len(links))])
	return true
}

func (c *testCluster) drain() { // A
	c.tb.Helper()
	for i := 0; c.step(); i++ {
		if i > 200000 {
			c.tb.Fatalf("cluster does not quiesce")
		}
	}
}

func (c *testCluster) tick() { // A
	c.now = c.now.Add(50 * time.Millisecond)
	for _, id := range c.ids() {
		if n := c.nodes[id]; n.up {
			c.apply(id, n.eng.Tick(c.now))
		}
	}
}

// settle runs the cluster until every queue is empty and a few tick rounds
// changed nothing left to do.
func (c *testCluster) settle() { // A
	c.tb.Helper()
	c.drain()
	for i := 0; i < 4; i++ {
		c.tick()
		c.drain()
	}
}

func (c *testCluster) notify(at uint32, about uint32, up bool) { // A
	n := c.nodes[at]
	c.apply(at, n.eng.NodeEvent(interfaces.NodeEvent{NodeID: about, Up: up}))
}

// crash stops node id. Packets it already queued reach the nodes for
// which keep reports true and are lost for the others. The survivors are
// told afterwards.
func (c *testCluster) crash(id uint32, keep func(to uint32) bool) { // A
	c.tb.Helper()
	for _, l := range c.pending() {
		if l.from != id {
			continue
		}
		if keep != nil && keep(l.to) {
			for len(c.queues[l]) > 0 {
				c.deliver(l)
			}
		}
		delete(c.queues, l)
	}
	c.nodes[id].up = false
	for l := range c.queues {
		if l.to == id {
			delete(c.queues, l)
		}
	}
	for _, other := range c.ids() {
		if other != id && c.nodes[other].up {
			c.notify(other, id, false)
		}
	}
}

// restart boots a fresh incarnation of a crashed node.
func (c *testCluster) restart(id uint32) { // A
	n := c.nodes[id]
	c.boot(n)
	n.up = true
	c.apply(id, n.eng.Start(c.liveFor(id), c.now))
	for _, other := range c.liveFor(id) {
		if other != id {
			c.notify(other, id, true)
		}
	}
}

// silentRestart replaces node id with a fresh incarnation without telling
// anyone, the way a fast restart looks to a failure detector.
func (c *testCluster) silentRestart(id uint32) { // A
	for l := range c.queues {
		if l.from == id || l.to == id {
			delete(c.queues, l)
		}
	}
	n := c.nodes[id]
	c.boot(n)
	c.apply(id, n.eng.Start(c.liveFor(id), c.now))
}

// queued reports whether a packet of type typ waits on a link from node.
func (c *testCluster) queued(from uint32, typ wire.PacketType) bool { // A
	for l, q := range c.queues {
		if l.from != from {
			continue
		}
		for _, data := range q {
			p, err := wire.Decode(data)
			if err == nil && p.Type == typ {
				return true
			}
		}
	}
	return false
}

// lose drops the queued packets of type typ on the link from -> to and
// returns how many it dropped. Liveness is not told.
func (c *testCluster) lose(from, to uint32, typ wire.PacketType) int { // A
	l := link{from: from, to: to}
	kept := c.queues[l][:0]
	dropped := 0
	for _, data := range c.queues[l] {
		p, err := wire.Decode(data)
		if err == nil && p.Type == typ {
			dropped++
			continue
		}
		kept = append(kept, data)
	}
	c.queues[l] = kept
	return dropped
}

// stepUntil delivers packets until cond holds.
func (c *testCluster) stepUntil(cond func() bool) { // A
	c.tb.Helper()
	for !cond() {
		if !c.step() {
			c.tb.Fatalf("cluster went idle before the condition held")
		}
	}
}

// partition cuts every link between a and b.
func (c *testCluster) partition(a, b []uint32) { // A
	for _, x := range a {
		for _, y := range b {
			c.cut[link{from: x, to: y}] = true
			c.cut[link{from: y, to: x}] = true
			delete(c.queues, link{from: x, to: y})
			delete(c.queues, link{from: y, to: x})
		}
	}
	for _, x := range a {
		for _, y := range b {
			c.notify(x, y, false)
			c.notify(y, x, false)
		}
	}
}

func (c *testCluster) heal() { // A
	cut := c.cut
	c.cut = make(map[link]bool)
	for l := range cut {
		if c.nodes[l.from].up && c.nodes[l.to].up {
			c.notify(l.to, l.from, true)
		}
	}
}

func (c *testCluster) join(node, pid uint32, group string) { // A
	c.tb.Helper()
	st, err := c.nodes[node].eng.Join(pid, types.MustGroupName(group))
	if err != nil {
		c.tb.Fatalf("join %d/%d %s: %v", node, pid, group, err)
	}
	c.apply(node, st)
}

func (c *testCluster) leave(node, pid uint32, group string) { // A
	c.tb.Helper()
	st, err := c.nodes[node].eng.Leave(pid, types.MustGroupName(group), types.ReasonLeave)
	if err != nil {
		c.tb.Fatalf("leave %d/%d %s: %v", node, pid, group, err)
	}
	c.apply(node, st)
}

func (c *testCluster) mcast( // A
	node, pid uint32,
	group string,
	guarantee types.Guarantee,
	payload string,
) {
	c.tb.Helper()
	st, err := c.nodes[node].eng.Multicast(
		pid,
		[]types.GroupName{types.MustGroupName(group)},
		guarantee,
		[]byte(payload),
	)
	if err != nil {
		c.tb.Fatalf("multicast %d/%d %s: %v", node, pid, group, err)
	}
	c.apply(node, st)
}

// trace renders the deliveries of one process in group as strings: "v<seq>"
// for membership changes and the payload for messages.
func (c *testCluster) trace(node, pid uint32, group string) []string { // A
	name := types.MustGroupName(group)
	var out []string
	for _, d := range c.nodes[node].deliveries[pid] {
		if d.Group() != name {
			continue
		}
		if d.Kind == types.DeliveryMessage {
			out = append(out, string(d.Message.Payload))
			continue
		}
		out = append(out, fmt.Sprintf("v%d", d.Change.View.Seq))
	}
	return out
}

func (c *testCluster) messages(node, pid uint32, group string) []string { // A
	name := types.MustGroupName(group)
	var out []string
	for _, d := range c.nodes[node].deliveries[pid] {
		if d.Kind == types.DeliveryMessage && d.Message.Group == name {
			out = append(out, string(d.Message.Payload))
		}
	}
	return out
}

func (c *testCluster) changes( // A
	node, pid uint32,
	group string,
) []*types.MembershipChange {
	name := types.MustGroupName(group)
	var out []*types.MembershipChange
	for _, d := range c.nodes[node].deliveries[pid] {
		if d.Kind == types.DeliveryMembership && d.Change.View.Group == name {
			out = append(out, d.Change)
		}
	}
	return out
}

func (c *testCluster) requireNoFaults() { // A
	c.tb.Helper()
	for _, id := range c.ids() {
		require.Empty(c.tb, c.nodes[id].faults, "faults on node %d", id)
	}
}

func memberKeys(members []types.Member) []types.ProcessKey { // A
	out := make([]types.ProcessKey, len(members))
	for i, m := range members {
		out[i] = m.Key()
	}
	return out
}

func key(node, pid uint32) types.ProcessKey { // A
	return types.ProcessKey{NodeID: node, ProcessID: pid}
}

// tailFrom returns trace from the first occurrence of item on.
func tailFrom(trace []string, item string) []string { // A
	for i, s := range trace {
		if s == item {
			return trace[i:]
		}
	}
	return nil
}
