// Package config loads the YAML configuration of a cluster node.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/i5heu/ouroboros-cpg/internal/flowcontrol"
	"github.com/i5heu/ouroboros-cpg/internal/transport"
	"github.com/i5heu/ouroboros-cpg/internal/wire"
	"github.com/i5heu/ouroboros-cpg/pkg/logging"
)

const (
	defaultListenAddr   = "0.0.0.0:5405"
	defaultGossipAddr   = "0.0.0.0"
	defaultGossipPort   = 5406
	defaultTickInterval = 100 * time.Millisecond
	defaultFlushTimeout = 2 * time.Second
	defaultJoinTimeout  = 30 * time.Second
)

// Config is the on-disk node configuration.
type Config struct {
	NodeID uint32 `yaml:"nodeId"`
	// DataDir holds the ring store. Empty keeps it in memory.
	DataDir  string `yaml:"dataDir"`
	LogLevel string `yaml:"logLevel"`

	Network Network `yaml:"network"`

	MaxMessageSize int                `yaml:"maxMessageSize"`
	TickInterval   time.Duration      `yaml:"tickInterval"`
	FlushTimeout   time.Duration      `yaml:"flushTimeout"`
	FlowControl    flowcontrol.Config `yaml:"flowControl"`
}

// Network configures the QUIC data plane and the gossip pool.
type Network struct {
	ListenAddr    string        `yaml:"listenAddr"`
	DataAddr      string        `yaml:"dataAddr"`
	GossipAddr    string        `yaml:"gossipAddr"`
	GossipPort    int           `yaml:"gossipPort"`
	AdvertiseAddr string        `yaml:"advertiseAddr"`
	AdvertisePort int           `yaml:"advertisePort"`
	Seeds         []string      `yaml:"seeds"`
	JoinTimeout   time.Duration `yaml:"joinTimeout"`
}

// Default returns a configuration with every default applied and no node
// id.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

// Load reads path, applies defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML data, applies defaults and validates the result.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.NodeID == 0 {
		return errors.New("nodeId must be set and not zero")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.MaxMessageSize <= 0 || c.MaxMessageSize > wire.MaxPayload {
		return fmt.Errorf("maxMessageSize must be in 1..%d, got %d",
			wire.MaxPayload, c.MaxMessageSize)
	}
	if c.TickInterval <= 0 || c.FlushTimeout <= c.TickInterval {
		return fmt.Errorf("need 0 < tickInterval < flushTimeout, got %s and %s",
			c.TickInterval, c.FlushTimeout)
	}
	if err := c.FlowControl.Validate(); err != nil {
		return fmt.Errorf("flowControl: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = transport.DefaultMaxMessageSize
	}
	if c.TickInterval == 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.FlushTimeout == 0 {
		c.FlushTimeout = defaultFlushTimeout
	}
	if c.FlowControl == (flowcontrol.Config{}) {
		c.FlowControl = flowcontrol.DefaultConfig()
	}
	n := &c.Network
	if n.ListenAddr == "" {
		n.ListenAddr = defaultListenAddr
	}
	if n.GossipAddr == "" {
		n.GossipAddr = defaultGossipAddr
	}
	if n.GossipPort == 0 {
		n.GossipPort = defaultGossipPort
	}
	if n.JoinTimeout == 0 {
		n.JoinTimeout = defaultJoinTimeout
	}
}

// NetConfig returns the transport settings for this node.
func (c Config) NetConfig() transport.NetConfig {
	return transport.NetConfig{
		NodeID:         c.NodeID,
		ListenAddr:     c.Network.ListenAddr,
		DataAddr:       c.Network.DataAddr,
		GossipAddr:     c.Network.GossipAddr,
		GossipPort:     c.Network.GossipPort,
		AdvertiseAddr:  c.Network.AdvertiseAddr,
		AdvertisePort:  c.Network.AdvertisePort,
		Seeds:          c.Network.Seeds,
		JoinTimeout:    c.Network.JoinTimeout,
		MaxMessageSize: c.MaxMessageSize,
	}
}
