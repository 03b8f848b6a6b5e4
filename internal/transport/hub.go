package transport

import (
	"context"
	"sort"
	"sync"

	"github.com/i5heu/ouroboros-cpg/pkg/interfaces"
)

// HubConfig configures a Hub.
type HubConfig struct { // A
	// Manual disables the per-transport delivery goroutines. Queued items
	// are then delivered only by Drain.
	Manual bool
	// MaxMessageSize is DefaultMaxMessageSize when zero.
	MaxMessageSize int
}

// Hub is an in-memory network. Every transport has one inbox that holds
// packets and liveness events in arrival order, so packets between two
// nodes keep their send order.
type Hub struct { // A
	mu      sync.Mutex
	cfg     HubConfig
	nodes   map[uint32]*HubTransport
	cut     map[[2]uint32]bool
	packets uint64
}

// NewHub creates an empty network.
func NewHub(cfg HubConfig) *Hub { // A
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Hub{
		cfg:   cfg,
		nodes: make(map[uint32]*HubTransport),
		cut:   make(map[[2]uint32]bool),
	}
}

// Transport returns the transport of node id. A crashed or closed node
// gets a fresh transport, which looks like a restart to its peers.
func (h *Hub) Transport(id uint32) *HubTransport { // A
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.nodes[id]; ok && !t.down {
		return t
	}
	t := &HubTransport{
		hub:  h,
		id:   id,
		wake: make(chan struct{}, 1),
	}
	h.nodes[id] = t
	return t
}

// Packets returns the number of packets accepted for delivery so far.
func (h *Hub) Packets() uint64 { // A
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.packets
}

// Crash stops node id. Its inbox is discarded and its peers see it down.
func (h *Hub) Crash(id uint32) { // A
	h.mu.Lock()
	defer h.mu.Unlock()
	h.crashLocked(id)
}

func (h *Hub) crashLocked(id uint32) { // A
	t, ok := h.nodes[id]
	if !ok || t.down {
		return
	}
	wasStarted := t.started
	t.down = true
	t.started = false
	t.mu.Lock()
	t.queue = nil
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if !wasStarted {
		return
	}
	for _, other := range h.peersLocked(id) {
		other.enqueue(hubItem{event: &interfaces.NodeEvent{NodeID: id, Up: false}})
	}
}

// Partition cuts every link between a and b and reports the nodes on the
// other side as down.
func (h *Hub) Partition(a, b []uint32) { // A
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, x := range a {
		for _, y := range b {
			if x == y || h.cut[[2]uint32{x, y}] {
				continue
			}
			h.cut[[2]uint32{x, y}] = true
			h.cut[[2]uint32{y, x}] = true
			if tx, ty := h.liveLocked(x), h.liveLocked(y); tx != nil && ty != nil {
				tx.enqueue(hubItem{event: &interfaces.NodeEvent{NodeID: y, Up: false}})
				ty.enqueue(hubItem{event: &interfaces.NodeEvent{NodeID: x, Up: false}})
			}
		}
	}
}

// Heal restores every cut link.
func (h *Hub) Heal() { // A
	h.mu.Lock()
	defer h.mu.Unlock()
	cut := h.cut
	h.cut = make(map[[2]uint32]bool)
	for l := range cut {
		to := h.liveLocked(l[1])
		if to != nil && h.liveLocked(l[0]) != nil {
			to.enqueue(hubItem{event: &interfaces.NodeEvent{NodeID: l[0], Up: true}})
		}
	}
}

// Drain delivers queued items until every inbox is empty and returns how
// many it delivered. It is meant for Manual hubs.
func (h *Hub) Drain() int { // A
	n := 0
	for {
		progressed := false
		for _, t := range h.snapshot() {
			if item, ok := t.pop(); ok {
				t.dispatch(item)
				progressed = true
				n++
			}
		}
		if !progressed {
			return n
		}
	}
}

func (h *Hub) snapshot() []*HubTransport { // A
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]uint32, 0, len(h.nodes))
	for id := range h.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*HubTransport, 0, len(ids))
	for _, id := range ids {
		out = append(out, h.nodes[id])
	}
	return out
}

// liveLocked returns the started transport of id, or nil.
func (h *Hub) liveLocked(id uint32) *HubTransport { // A
	t, ok := h.nodes[id]
	if !ok || t.down || !t.started {
		return nil
	}
	return t
}

// peersLocked returns the started transports reachable from id.
func (h *Hub) peersLocked(id uint32) []*HubTransport { // A
	var out []*HubTransport
	for other, t := range h.nodes {
		if other == id || h.cut[[2]uint32{id, other}] {
			continue
		}
		if h.liveLocked(other) != nil {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

type hubItem struct { // A
	from  uint32
	data  []byte
	event *interfaces.NodeEvent
}

// HubTransport is one node's attachment to a Hub.
type HubTransport struct { // A
	hub *Hub
	id  uint32

	// guarded by hub.mu
	started bool
	down    bool

	mu       sync.Mutex
	queue    []hubItem
	receiver interfaces.Receiver
	listener interfaces.NodeListener
	cancel   context.CancelFunc
	wake     chan struct{}
}

var _ interfaces.Transport = (*HubTransport)(nil)

// LocalNodeID implements interfaces.Transport.
func (t *HubTransport) LocalNodeID() uint32 { return t.id } // A

// MaxMessageSize implements interfaces.Transport.
func (t *HubTransport) MaxMessageSize() int { return t.hub.cfg.MaxMessageSize } // A

// SetReceiver implements interfaces.Transport.
func (t *HubTransport) SetReceiver(r interfaces.Receiver) { // A
	t.mu.Lock()
	t.receiver = r
	t.mu.Unlock()
}

// SetNodeListener implements interfaces.Transport.
func (t *HubTransport) SetNodeListener(l interfaces.NodeListener) { // A
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

// Start attaches the node to the network and tells its peers it is up.
func (t *HubTransport) Start(ctx context.Context) error { // A
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.down {
		return ErrClosed
	}
	if t.started {
		return nil
	}
	t.started = true
	for _, other := range h.peersLocked(t.id) {
		other.enqueue(hubItem{event: &interfaces.NodeEvent{NodeID: t.id, Up: true}})
	}
	if !h.cfg.Manual {
		pumpCtx, cancel := context.WithCancel(ctx)
		t.mu.Lock()
		t.cancel = cancel
		t.mu.Unlock()
		go t.pump(pumpCtx)
	}
	return nil
}

// LiveNodes implements interfaces.Transport.
func (t *HubTransport) LiveNodes() []uint32 { // A
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	out := []uint32{t.id}
	for _, p := range h.peersLocked(t.id) {
		out = append(out, p.id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Send implements interfaces.Transport. Packets to unreachable nodes are
// dropped the way a real network drops them.
func (t *HubTransport) Send(_ context.Context, to uint32, data []byte) error { // A
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.down {
		return ErrClosed
	}
	dst := h.liveLocked(to)
	if !t.started {
		return nil
	}
	if dst == nil || h.cut[[2]uint32{t.id, to}] {
		return nil
	}
	h.packets++
	dst.enqueue(hubItem{from: t.id, data: append([]byte(nil), data...)})
	return nil
}

// Broadcast implements interfaces.Transport.
func (t *HubTransport) Broadcast(_ context.Context, data []byte) error { // A
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.down {
		return ErrClosed
	}
	if !t.started {
		return nil
	}
	for _, dst := range h.peersLocked(t.id) {
		h.packets++
		dst.enqueue(hubItem{from: t.id, data: append([]byte(nil), data...)})
	}
	return nil
}

// Close detaches the node. Peers observe it like a crash.
func (t *HubTransport) Close() error { // A
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	if t.hub.nodes[t.id] == t {
		t.hub.crashLocked(t.id)
	}
	return nil
}

func (t *HubTransport) enqueue(item hubItem) { // A
	t.mu.Lock()
	t.queue = append(t.queue, item)
	t.mu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *HubTransport) pop() (hubItem, bool) { // A
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return hubItem{}, false
	}
	item := t.queue[0]
	t.queue[0] = hubItem{}
	t.queue = t.queue[1:]
	return item, true
}

func (t *HubTransport) dispatch(item hubItem) { // A
	t.mu.Lock()
	receiver, listener := t.receiver, t.listener
	t.mu.Unlock()
	if item.event != nil {
		if listener != nil {
			listener(*item.event)
		}
		return
	}
	if receiver != nil {
		receiver(item.from, item.data)
	}
}

func (t *HubTransport) pump(ctx context.Context) { // A
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.wake:
		}
		for ctx.Err() == nil {
			item, ok := t.pop()
			if !ok {
				break
			}
			t.dispatch(item)
		}
	}
}
