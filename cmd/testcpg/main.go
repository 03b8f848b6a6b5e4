// Command testcpg joins one process group, multicasts every line read from
// stdin and prints deliveries and configuration changes.
//
// Lines starting with a slash are commands: /leave, /join, /members,
// /groups, /flow and /quit.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	cpg "github.com/i5heu/ouroboros-cpg"
	"github.com/i5heu/ouroboros-cpg/internal/config"
	"github.com/i5heu/ouroboros-cpg/internal/transport"
	"github.com/i5heu/ouroboros-cpg/pkg/interfaces"
	"github.com/i5heu/ouroboros-cpg/pkg/logging"
	"github.com/i5heu/ouroboros-cpg/pkg/types"
)

const (
	logKeyConfig    = "config"
	logKeyGroup     = "group"
	logKeyGuarantee = "guarantee"
	logKeyNodeID    = "nodeId"
	logKeyCause     = "cause"
	logKeyError     = "error"
)

type cliConfig struct { // A
	configPath string
	local      bool
	group      string
	guarantee  string
	logLevel   string
}

func main() { // A
	cfg := parseFlags()
	if err := run(cfg); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "testcpg: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() cliConfig { // A
	var cfg cliConfig
	flag.StringVar(&cfg.configPath, "config", "", "path to the node YAML configuration")
	flag.BoolVar(&cfg.local, "local", false, "run a single node on an in-memory network")
	flag.StringVar(&cfg.group, "group", "GROUP", "group to join")
	flag.StringVar(&cfg.guarantee, "guarantee", "agreed", "fifo or agreed")
	flag.StringVar(&cfg.logLevel, "log-level", "", "override the configured log level")
	flag.Parse()
	return cfg
}

func run(cli cliConfig) error { // A
	group, err := types.NewGroupName([]byte(cli.group))
	if err != nil {
		return err
	}
	guarantee, err := types.ParseGuarantee(cli.guarantee)
	if err != nil {
		return err
	}

	nodeCfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(nodeCfg.LogLevel)
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var tr interfaces.Transport
	if !cli.local {
		netCfg := nodeCfg.NetConfig()
		netCfg.Logger = logger
		nt, err := transport.NewNetTransport(netCfg)
		if err != nil {
			return fmt.Errorf("create transport: %w", err)
		}
		tr = nt
	}

	svc, err := cpg.New(cpg.Config{
		Transport:    tr,
		DataDir:      nodeCfg.DataDir,
		Logger:       logger,
		TickInterval: nodeCfg.TickInterval,
		FlushTimeout: nodeCfg.FlushTimeout,
		Backlog:      nodeCfg.FlowControl.Backlog,
		Unstable:     nodeCfg.FlowControl.Unstable,
	})
	if err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	defer func() { _ = svc.Close() }()

	out := &printer{w: os.Stdout}
	h, err := svc.Initialize(out)
	if err != nil {
		return err
	}
	if err := svc.Join(h, group); err != nil {
		return err
	}
	logger.InfoContext(ctx, "joined",
		logKeyNodeID, svc.NodeID(),
		logKeyGroup, group.String(),
		logKeyGuarantee, guarantee.String(),
		logKeyConfig, cli.configPath)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		in := &input{svc: svc, h: h, group: group, guarantee: guarantee, out: out, log: logger}
		if err := in.run(ctx, os.Stdin); err != nil {
			logger.ErrorContext(ctx, "input failed", logKeyError, err)
		}
	}()

	for {
		_, err := svc.Dispatch(ctx, h, types.DispatchBlocking)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			logger.InfoContext(context.Background(), "shutting down",
				logKeyCause, context.Cause(ctx).Error())
			return nil
		default:
			return fmt.Errorf("dispatch: %w", err)
		}
	}
}

// loadConfig reads the YAML file, or builds a node 1 configuration for
// -local runs.
func loadConfig(cli cliConfig) (config.Config, error) { // A
	var (
		c   config.Config
		err error
	)
	switch {
	case cli.configPath != "":
		c, err = config.Load(cli.configPath)
		if err != nil {
			return config.Config{}, err
		}
	case cli.local:
		c = config.Default()
		c.NodeID = 1
	default:
		return config.Config{}, errors.New("either -config or -local is required")
	}
	if cli.logLevel != "" {
		c.LogLevel = cli.logLevel
	}
	return c, nil
}

// input turns stdin lines into multicasts and commands.
type input struct { // A
	svc       *cpg.Service
	h         cpg.Handle
	group     types.GroupName
	guarantee types.Guarantee
	out       *printer
	log       *slog.Logger
}

func (in *input) run(ctx context.Context, r io.Reader) error { // A
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "/") {
			quit, err := in.command(strings.TrimSpace(line[1:]))
			if err != nil {
				in.out.printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}
		if err := in.multicast(ctx, []byte(line)); err != nil {
			in.out.printf("multicast failed: %v\n", err)
		}
	}
	return scanner.Err()
}

func (in *input) command(cmd string) (bool, error) { // A
	switch cmd {
	case "quit":
		return true, nil
	case "leave":
		return false, in.svc.Leave(in.h, in.group)
	case "join":
		return false, in.svc.Join(in.h, in.group)
	case "members":
		members, err := in.svc.MembershipGet(in.h, in.group)
		if err != nil {
			return false, err
		}
		in.out.printf("members of %s: %s\n", in.group, formatAddresses(members))
	case "groups":
		n, err := in.svc.GroupsGet(in.h)
		if err != nil {
			return false, err
		}
		in.out.printf("%d groups\n", n)
	case "flow":
		st, err := in.svc.FlowControlStateGet(in.h)
		if err != nil {
			return false, err
		}
		in.out.printf("flow control %s\n", st)
	default:
		return false, fmt.Errorf("unknown command %q", cmd)
	}
	return false, nil
}

// multicast retries while the engine reports ErrTryAgain.
func (in *input) multicast(ctx context.Context, payload []byte) error { // A
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second
	return backoff.RetryNotify(func() error {
		err := in.svc.Multicast(in.h, in.guarantee, payload)
		if err != nil && !errors.Is(err, types.ErrTryAgain) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		in.log.DebugContext(ctx, "multicast deferred", logKeyError, err, "wait", wait)
	})
}

// printer writes callbacks in the format of the classic testcpg tool.
type printer struct { // A
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) printf(format string, args ...any) { // A
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.w, format, args...)
}

func (p *printer) Deliver( // A
	group types.GroupName,
	nodeID uint32,
	processID uint32,
	payload []byte,
) {
	p.printf("DeliverCallback: message (len=%d) from %d/%d in %s: '%s'\n",
		len(payload), nodeID, processID, group, payload)
}

func (p *printer) ConfigChange( // A
	group types.GroupName,
	members []types.Address,
	left []types.Address,
	joined []types.Address,
) {
	p.printf("ConfchgCallback: group '%s'\n", group)
	for _, a := range left {
		p.printf("  left   %d/%d (%s)\n", a.NodeID, a.ProcessID, a.Reason)
	}
	for _, a := range joined {
		p.printf("  joined %d/%d (%s)\n", a.NodeID, a.ProcessID, a.Reason)
	}
	p.printf("  members: %s\n", formatAddresses(members))
}

func (p *printer) FlowControl(state types.FlowControlState) { // A
	p.printf("FlowControlCallback: %s\n", state)
}

func (p *printer) GroupList( // A
	index int,
	total int,
	group types.GroupName,
	members []types.Address,
) {
	p.printf("GroupList %d/%d: %s %s\n", index+1, total, group, formatAddresses(members))
}

func formatAddresses(addrs []types.Address) string { // A
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = fmt.Sprintf("%d/%d", a.NodeID, a.ProcessID)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
