package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mb "github.com/hashicorp/memberlist"

	"github.com/i5heu/ouroboros-cpg/pkg/interfaces"
)

// DefaultLeaveTimeout bounds the graceful leave broadcast on Close.
const DefaultLeaveTimeout = 2 * time.Second

// LivenessConfig configures a MemberlistLiveness.
type LivenessConfig struct { // A
	NodeID        uint32
	BindAddr      string
	BindPort      int
	AdvertiseAddr string
	AdvertisePort int
	// DataAddr is the data-plane address gossiped to peers as node meta.
	DataAddr string
	// Local selects the memberlist timing profile for loopback clusters.
	Local  bool
	Logger *slog.Logger
}

// LivenessEvent is a liveness change together with the data-plane address
// of the node.
type LivenessEvent struct { // A
	interfaces.NodeEvent
	Addr string
}

// MemberlistLiveness is a failure detector built on memberlist gossip.
// Memberlist node names are decimal node ids.
type MemberlistLiveness struct { // A
	cfg LivenessConfig
	log *slog.Logger
	ml  *mb.Memberlist

	// emitMu keeps listener calls in the order memberlist reported them.
	emitMu   sync.Mutex
	mu       sync.RWMutex
	live     map[uint32]string
	listener func(LivenessEvent)
}

// NewMemberlistLiveness creates the gossip member. listener receives every
// change of a remote node; it is called from memberlist goroutines.
func NewMemberlistLiveness( // A
	cfg LivenessConfig,
	listener func(LivenessEvent),
) (*MemberlistLiveness, error) {
	if cfg.NodeID == 0 {
		return nil, errors.New("liveness needs a node id")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &MemberlistLiveness{
		cfg:      cfg,
		log:      logger.With(logKeyNodeID, cfg.NodeID),
		live:     make(map[uint32]string),
		listener: listener,
	}

	c := mb.DefaultLANConfig()
	if cfg.Local {
		c = mb.DefaultLocalConfig()
	}
	c.Name = nodeName(cfg.NodeID)
	c.BindAddr = cfg.BindAddr
	c.BindPort = cfg.BindPort
	c.AdvertiseAddr = cfg.AdvertiseAddr
	c.AdvertisePort = cfg.AdvertisePort
	c.Delegate = l
	c.Events = l
	c.Logger = slog.NewLogLogger(logger.Handler(), slog.LevelDebug)

	ml, err := mb.Create(c)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}
	l.ml = ml
	return l, nil
}

// GossipAddr returns the address other nodes use as a seed.
func (l *MemberlistLiveness) GossipAddr() string { // A
	n := l.ml.LocalNode()
	return fmt.Sprintf("%s:%d", n.Addr, n.Port)
}

// Join contacts seeds until one answers or ctx is done.
func (l *MemberlistLiveness) Join(ctx context.Context, seeds []string) error { // A
	if len(seeds) == 0 {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		n, err := l.ml.Join(seeds)
		if err != nil {
			l.log.Debug("seed join failed", logKeyError, err)
			return err
		}
		l.log.Info("joined gossip pool", "contacted", n)
		return nil
	}, backoff.WithContext(b, ctx))
}

// Nodes returns the live node ids, including the local one.
func (l *MemberlistLiveness) Nodes() []uint32 { // A
	l.mu.RLock()
	out := make([]uint32, 0, len(l.live)+1)
	out = append(out, l.cfg.NodeID)
	for id := range l.live {
		out = append(out, id)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close leaves the pool and shuts memberlist down.
func (l *MemberlistLiveness) Close() error { // A
	leaveErr := l.ml.Leave(DefaultLeaveTimeout)
	if err := l.ml.Shutdown(); err != nil {
		return err
	}
	return leaveErr
}

// NodeMeta implements memberlist.Delegate.
func (l *MemberlistLiveness) NodeMeta(limit int) []byte { // A
	if len(l.cfg.DataAddr) > limit {
		l.log.Error("data address exceeds node meta limit",
			logKeyAddress, l.cfg.DataAddr)
		return nil
	}
	return []byte(l.cfg.DataAddr)
}

// NotifyMsg implements memberlist.Delegate.
func (l *MemberlistLiveness) NotifyMsg([]byte) {} // A

// GetBroadcasts implements memberlist.Delegate.
func (l *MemberlistLiveness) GetBroadcasts(int, int) [][]byte { return nil } // A

// LocalState implements memberlist.Delegate.
func (l *MemberlistLiveness) LocalState(bool) []byte { return nil } // A

// MergeRemoteState implements memberlist.Delegate.
func (l *MemberlistLiveness) MergeRemoteState([]byte, bool) {} // A

// NotifyJoin implements memberlist.EventDelegate.
func (l *MemberlistLiveness) NotifyJoin(n *mb.Node) { // A
	l.update(n, true)
}

// NotifyLeave implements memberlist.EventDelegate.
func (l *MemberlistLiveness) NotifyLeave(n *mb.Node) { // A
	l.update(n, false)
}

// NotifyUpdate implements memberlist.EventDelegate. A changed data
// address is reported as a fresh up event.
func (l *MemberlistLiveness) NotifyUpdate(n *mb.Node) { // A
	l.update(n, true)
}

func (l *MemberlistLiveness) update(n *mb.Node, up bool) { // A
	id, err := parseNodeName(n.Name)
	if err != nil {
		l.log.Warn("ignoring gossip member", "name", n.Name, logKeyError, err)
		return
	}
	if id == l.cfg.NodeID {
		return
	}
	addr := string(n.Meta)

	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	l.mu.Lock()
	prev, known := l.live[id]
	switch {
	case up && known && prev == addr:
		l.mu.Unlock()
		return
	case up:
		l.live[id] = addr
	case !known:
		l.mu.Unlock()
		return
	default:
		delete(l.live, id)
	}
	listener := l.listener
	l.mu.Unlock()

	l.log.Info("liveness changed", logKeyPeer, id, "up", up, logKeyAddress, addr)
	if listener != nil {
		listener(LivenessEvent{
			NodeEvent: interfaces.NodeEvent{NodeID: id, Up: up},
			Addr:      addr,
		})
	}
}

func nodeName(id uint32) string { // A
	return strconv.FormatUint(uint64(id), 10)
}

func parseNodeName(name string) (uint32, error) { // A
	v, err := strconv.ParseUint(name, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("node name %q: %w", name, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("node name %q: zero id", name)
	}
	return uint32(v), nil
}
