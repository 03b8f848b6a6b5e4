package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-cpg/internal/wire"
	"github.com/i5heu/ouroboros-cpg/pkg/interfaces"
)

// NetConfig configures a NetTransport.
type NetConfig struct { // A
	NodeID uint32
	// ListenAddr is the QUIC listen address, for example "0.0.0.0:7946".
	ListenAddr string
	// DataAddr is the QUIC address announced to peers. It defaults to the
	// bound listen address.
	DataAddr      string
	GossipAddr    string
	GossipPort    int
	AdvertiseAddr string
	AdvertisePort int
	Seeds         []string
	// LocalProfile selects fast memberlist timeouts for loopback clusters.
	LocalProfile bool
	// JoinTimeout bounds the seed join in Start. Zero waits until ctx is
	// done.
	JoinTimeout time.Duration
	// MaxMessageSize is DefaultMaxMessageSize when zero.
	MaxMessageSize int
	Logger         *slog.Logger
}

// NetTransport implements interfaces.Transport with a QUIC data plane and
// memberlist liveness. A node is live once gossip reports it, and from
// then on its announced QUIC address receives the broadcasts.
type NetTransport struct { // A
	cfg  NetConfig
	log  *slog.Logger
	data *QUICTransport
	live *MemberlistLiveness

	mu       sync.Mutex
	listener interfaces.NodeListener
}

var _ interfaces.Transport = (*NetTransport)(nil)

// NewNetTransport binds the QUIC listener and the gossip member.
func NewNetTransport(cfg NetConfig) (*NetTransport, error) { // A
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.MaxMessageSize > wire.MaxPayload {
		return nil, fmt.Errorf("max message size %d exceeds the frame limit of %d",
			cfg.MaxMessageSize, wire.MaxPayload)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	data, err := NewQUICTransport(QUICConfig{
		NodeID:     cfg.NodeID,
		ListenAddr: cfg.ListenAddr,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	if cfg.DataAddr == "" {
		cfg.DataAddr = data.ListenAddr()
	}
	t := &NetTransport{
		cfg:  cfg,
		log:  logger.With(logKeyNodeID, cfg.NodeID),
		data: data,
	}
	live, err := NewMemberlistLiveness(LivenessConfig{
		NodeID:        cfg.NodeID,
		BindAddr:      cfg.GossipAddr,
		BindPort:      cfg.GossipPort,
		AdvertiseAddr: cfg.AdvertiseAddr,
		AdvertisePort: cfg.AdvertisePort,
		DataAddr:      cfg.DataAddr,
		Local:         cfg.LocalProfile,
		Logger:        logger,
	}, t.onLiveness)
	if err != nil {
		_ = data.Close()
		return nil, err
	}
	t.live = live
	return t, nil
}

// GossipAddr returns the memberlist address of this node, usable as a
// seed by others.
func (t *NetTransport) GossipAddr() string { // A
	return t.live.GossipAddr()
}

// DataAddr returns the announced QUIC address.
func (t *NetTransport) DataAddr() string { // A
	return t.cfg.DataAddr
}

// LocalNodeID implements interfaces.Transport.
func (t *NetTransport) LocalNodeID() uint32 { return t.cfg.NodeID } // A

// MaxMessageSize implements interfaces.Transport.
func (t *NetTransport) MaxMessageSize() int { return t.cfg.MaxMessageSize } // A

// SetReceiver implements interfaces.Transport.
func (t *NetTransport) SetReceiver(r interfaces.Receiver) { // A
	t.data.SetReceiver(r)
}

// SetNodeListener implements interfaces.Transport.
func (t *NetTransport) SetNodeListener(l interfaces.NodeListener) { // A
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

// LiveNodes implements interfaces.Transport.
func (t *NetTransport) LiveNodes() []uint32 { // A
	return t.live.Nodes()
}

// Start accepts QUIC connections and joins the seeds.
func (t *NetTransport) Start(ctx context.Context) error { // A
	t.data.Start()
	if len(t.cfg.Seeds) == 0 {
		return nil
	}
	joinCtx := ctx
	if t.cfg.JoinTimeout > 0 {
		var cancel context.CancelFunc
		joinCtx, cancel = context.WithTimeout(ctx, t.cfg.JoinTimeout)
		defer cancel()
	}
	if err := t.live.Join(joinCtx, t.cfg.Seeds); err != nil {
		return fmt.Errorf("join seeds %v: %w", t.cfg.Seeds, err)
	}
	return nil
}

// Send implements interfaces.Transport.
func (t *NetTransport) Send(ctx context.Context, to uint32, data []byte) error { // A
	return t.data.Send(ctx, to, data)
}

// Broadcast implements interfaces.Transport.
func (t *NetTransport) Broadcast(ctx context.Context, data []byte) error { // A
	return t.data.Broadcast(ctx, data)
}

// Close leaves the gossip pool and closes every connection.
func (t *NetTransport) Close() error { // A
	return errors.Join(t.live.Close(), t.data.Close())
}

func (t *NetTransport) onLiveness(ev LivenessEvent) { // A
	if ev.Up {
		if ev.Addr == "" {
			t.log.Warn("peer without data address", logKeyPeer, ev.NodeID)
			return
		}
		t.data.SetPeer(ev.NodeID, ev.Addr)
	} else {
		t.data.RemovePeer(ev.NodeID)
	}
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	if l != nil {
		l(ev.NodeEvent)
	}
}
