package transport

import (
	"context"
	"sort"
	"sync"

	"github.com/quic-go/quic-go"
)

// peer is the outbound side of one link. Frames queued on out are written
// in order on a single long-lived stream.
type peer struct { // A
	id     uint32
	addr   string
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	// owned by the writer goroutine
	conn   *quic.Conn
	stream *quic.Stream
}

// reset drops the current connection. The next frame dials again.
func (p *peer) reset(reason string) { // A
	if p.stream != nil {
		_ = p.stream.Close()
		p.stream = nil
	}
	if p.conn != nil {
		_ = p.conn.CloseWithError(0, reason)
		p.conn = nil
	}
}

// peerRegistry maps node ids to their outbound links.
type peerRegistry struct { // A
	mu    sync.RWMutex
	peers map[uint32]*peer
}

func newPeerRegistry() *peerRegistry { // A
	return &peerRegistry{peers: make(map[uint32]*peer)}
}

// set registers addr for id. It returns the new peer, or nil when id is
// already known under the same address. A replaced peer is returned as
// old so the caller can stop it.
func (r *peerRegistry) set( // A
	ctx context.Context,
	id uint32,
	addr string,
	queue int,
) (p, old *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.peers[id]; ok {
		if cur.addr == addr {
			return nil, nil
		}
		old = cur
	}
	pctx, cancel := context.WithCancel(ctx)
	p = &peer{
		id:     id,
		addr:   addr,
		out:    make(chan []byte, queue),
		ctx:    pctx,
		cancel: cancel,
	}
	r.peers[id] = p
	return p, old
}

func (r *peerRegistry) get(id uint32) *peer { // A
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[id]
}

func (r *peerRegistry) remove(id uint32) *peer { // A
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.peers[id]
	delete(r.peers, id)
	return p
}

// all returns the registered peers ordered by node id.
func (r *peerRegistry) all() []*peer { // A
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// clear removes every peer and returns them.
func (r *peerRegistry) clear() []*peer { // A
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	r.peers = make(map[uint32]*peer)
	return out
}
