// Package harness runs multi-node clusters on loopback QUIC and gossip
// listeners for end-to-end tests. Every node is a full cpg.Service with its
// own ring store on disk.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	cpg "github.com/i5heu/ouroboros-cpg"
	"github.com/i5heu/ouroboros-cpg/internal/transport"
	"github.com/i5heu/ouroboros-cpg/pkg/logging"
	"github.com/i5heu/ouroboros-cpg/pkg/types"
)

const (
	logKeyNodeID    = "nodeId"
	logKeyNodeCount = "nodeCount"
	logKeyPath      = "path"
	logKeyError     = "error"
)

// NodeConfig holds configuration for a single test node.
type NodeConfig struct { // A
	NodeID  uint32
	DataDir string
	Seeds   []string
}

// TestNode is one running node.
type TestNode struct { // A
	Config    NodeConfig
	Service   *cpg.Service
	Transport *transport.NetTransport

	stopOnce sync.Once
	stopErr  error
	down     atomic.Bool
}

// TestCluster manages the nodes of one test run.
type TestCluster struct { // A
	Nodes   []*TestNode
	TempDir string
	logger  *slog.Logger
}

// ClusterOptions configures test cluster creation.
type ClusterOptions struct { // A
	TickInterval     time.Duration
	FlushTimeout     time.Duration
	FormationTimeout time.Duration
}

// DefaultClusterOptions returns timings suited to loopback clusters.
func DefaultClusterOptions() ClusterOptions { // A
	return ClusterOptions{
		TickInterval:     20 * time.Millisecond,
		FlushTimeout:     time.Second,
		FormationTimeout: 20 * time.Second,
	}
}

// NewTestCluster starts numNodes nodes with ids 1..numNodes. Node 1 is the
// gossip seed of the others.
func NewTestCluster(
	ctx context.Context,
	numNodes int,
	logger *slog.Logger,
) (*TestCluster, error) { // A
	return NewTestClusterWithOptions(ctx, numNodes, logger, DefaultClusterOptions())
}

// NewTestClusterWithOptions starts a cluster with custom timings.
func NewTestClusterWithOptions(
	ctx context.Context,
	numNodes int,
	logger *slog.Logger,
	opts ClusterOptions,
) (*TestCluster, error) { // A
	if logger == nil {
		logger = logging.New(io.Discard, slog.LevelWarn)
	}
	tempDir, err := os.MkdirTemp("", "ouroboros-cpg-e2e-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	cluster := &TestCluster{
		Nodes:   make([]*TestNode, 0, numNodes),
		TempDir: tempDir,
		logger:  logger,
	}

	for i := 0; i < numNodes; i++ {
		dataDir := filepath.Join(tempDir, fmt.Sprintf("node-%d", i+1))
		if err := os.MkdirAll(dataDir, 0o750); err != nil {
			cluster.Cleanup(ctx)
			return nil, fmt.Errorf("create node data dir: %w", err)
		}
		cfg := NodeConfig{
			NodeID:  uint32(i + 1), // #nosec G115 -- small test clusters.
			DataDir: dataDir,
		}
		if i > 0 {
			cfg.Seeds = []string{cluster.Nodes[0].Transport.GossipAddr()}
		}
		node, err := newTestNode(cfg, opts, logger)
		if err != nil {
			cluster.Cleanup(ctx)
			return nil, fmt.Errorf("create node %d: %w", cfg.NodeID, err)
		}
		cluster.Nodes = append(cluster.Nodes, node)
	}

	if err := cluster.WaitForRing(ctx, numNodes, opts.FormationTimeout); err != nil {
		cluster.Cleanup(ctx)
		return nil, fmt.Errorf("cluster formation: %w", err)
	}
	logger.InfoContext(ctx, "cluster formed", logKeyNodeCount, numNodes)
	return cluster, nil
}

func newTestNode(
	cfg NodeConfig,
	opts ClusterOptions,
	logger *slog.Logger,
) (*TestNode, error) { // A
	tr, err := transport.NewNetTransport(transport.NetConfig{
		NodeID:       cfg.NodeID,
		ListenAddr:   "127.0.0.1:0",
		GossipAddr:   "127.0.0.1",
		Seeds:        cfg.Seeds,
		LocalProfile: true,
		JoinTimeout:  opts.FormationTimeout,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	svc, err := cpg.New(cpg.Config{
		Transport:     tr,
		DataDir:       cfg.DataDir,
		Logger:        logger,
		TickInterval:  opts.TickInterval,
		FlushTimeout:  opts.FlushTimeout,
		ProcessIDBase: cfg.NodeID * 1000,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("start service: %w", err), tr.Close())
	}
	return &TestNode{Config: cfg, Service: svc, Transport: tr}, nil
}

// Stop closes the service of the node. Its peers see it leave the gossip
// pool.
func (n *TestNode) Stop() error { // A
	n.stopOnce.Do(func() {
		n.down.Store(true)
		n.stopErr = n.Service.Close()
	})
	return n.stopErr
}

// WaitForRing waits until every running node has installed a ring of size
// members.
func (c *TestCluster) WaitForRing(
	ctx context.Context,
	size int,
	timeout time.Duration,
) error { // A
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		formed := true
		for _, node := range c.Nodes {
			if node.down.Load() {
				continue
			}
			if _, members := node.Service.Ring(); len(members) != size {
				formed = false
				break
			}
		}
		if formed {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("no ring of %d nodes: %w", size, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Cleanup stops all nodes and removes the temporary directory.
func (c *TestCluster) Cleanup(ctx context.Context) { // A
	for _, node := range c.Nodes {
		if err := node.Stop(); err != nil {
			c.logger.WarnContext(ctx, "error stopping node",
				logKeyNodeID, node.Config.NodeID,
				logKeyError, err)
		}
	}
	if c.TempDir != "" {
		if err := os.RemoveAll(c.TempDir); err != nil {
			c.logger.WarnContext(ctx, "error removing temp dir",
				logKeyPath, c.TempDir,
				logKeyError, err)
		}
	}
}

// Collector records the callbacks of one session.
type Collector struct { // A
	mu       sync.Mutex
	messages []string
	changes  [][]types.Address
	left     []types.Address
}

// Deliver implements interfaces.Callbacks.
func (c *Collector) Deliver(_ types.GroupName, _, _ uint32, payload []byte) { // A
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, string(payload))
}

// ConfigChange implements interfaces.Callbacks.
func (c *Collector) ConfigChange(
	_ types.GroupName,
	members []types.Address,
	left []types.Address,
	_ []types.Address,
) { // A
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, members)
	c.left = append(c.left, left...)
}

// Messages returns the delivered payloads in order.
func (c *Collector) Messages() []string { // A
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

// Members returns the member count of the latest view.
func (c *Collector) Members() int { // A
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.changes) == 0 {
		return 0
	}
	return len(c.changes[len(c.changes)-1])
}

// Left returns every departed member reported so far.
func (c *Collector) Left() []types.Address { // A
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Address(nil), c.left...)
}

// Pump dispatches h until cond holds or ctx is done.
func Pump(
	ctx context.Context,
	svc *cpg.Service,
	h cpg.Handle,
	cond func() bool,
) error { // A
	for !cond() {
		if err := ctx.Err(); err != nil {
			return err
		}
		waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		_, err := svc.Dispatch(waitCtx, h, types.DispatchBlocking)
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}
	return nil
}
