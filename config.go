package cpg

import (
	"log/slog"
	"os"
	"time"

	"github.com/i5heu/ouroboros-cpg/internal/flowcontrol"
	"github.com/i5heu/ouroboros-cpg/pkg/interfaces"
	"github.com/i5heu/ouroboros-cpg/pkg/logging"
)

// Watermarks bound one flow-control counter.
type Watermarks = flowcontrol.Watermarks

// Config configures a Service.
type Config struct {
	// Transport carries packets between nodes. Nil runs a single-node
	// service on a private in-memory network with node id 1.
	Transport interfaces.Transport
	// DataDir holds the ring store. Empty keeps it in memory.
	DataDir string
	// Quorum gates AGREED delivery. Nil means always quorate.
	Quorum interfaces.Quorum
	// Logger is an optional structured logger. If nil, logging.Default()
	// is used.
	Logger *slog.Logger

	TickInterval time.Duration
	FlushTimeout time.Duration

	// Backlog and Unstable are the flow-control watermarks. Zero values
	// select the defaults.
	Backlog  Watermarks
	Unstable Watermarks

	// MaxQueuedDeliveries bounds the undispatched deliveries of a handle.
	MaxQueuedDeliveries int
	// MaxPending bounds the node's own undelivered proposals before
	// Multicast returns ErrTryAgain.
	MaxPending int
	// ProcessIDBase is the first process id handed out. Zero selects
	// os.Getpid().
	ProcessIDBase uint32
}

func (c Config) logger() *slog.Logger { // A
	if c.Logger != nil {
		return c.Logger
	}
	return logging.Default()
}

func (c Config) flowControl() flowcontrol.Config { // A
	fc := flowcontrol.DefaultConfig()
	if c.Backlog != (Watermarks{}) {
		fc.Backlog = c.Backlog
	}
	if c.Unstable != (Watermarks{}) {
		fc.Unstable = c.Unstable
	}
	return fc
}

func (c Config) processIDBase() uint32 { // A
	if c.ProcessIDBase != 0 {
		return c.ProcessIDBase
	}
	return uint32(os.Getpid()) // #nosec G115 -- pids fit in 32 bits.
}
