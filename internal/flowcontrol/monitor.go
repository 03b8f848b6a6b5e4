// Package flowcontrol implements the cooperative backpressure signal of the
// engine. It watches two counters, the locally buffered undelivered units
// and the unstable outstanding own proposals, each against a high and a
// low watermark.
//
// The signal is advisory. Nothing in the engine rejects a send because of
// it; well-behaved senders stop issuing multicasts while it is ENABLED.
package flowcontrol

import (
	"fmt"
	"sync"

	"github.com/i5heu/ouroboros-cpg/pkg/types"
)

// Watermarks bound one counter. The state turns ENABLED when the counter
// reaches High and returns to DISABLED once every counter is below its Low.
type Watermarks struct { // A
	High int `yaml:"high"`
	Low  int `yaml:"low"`
}

// Config holds the watermarks of both counters.
type Config struct { // A
	// Backlog bounds locally buffered undelivered units.
	Backlog Watermarks `yaml:"backlog"`
	// Unstable bounds own proposals not yet ordered.
	Unstable Watermarks `yaml:"unstable"`
}

// DefaultConfig returns the watermarks used when none are configured.
func DefaultConfig() Config { // A
	return Config{
		Backlog:  Watermarks{High: 512, Low: 128},
		Unstable: Watermarks{High: 256, Low: 64},
	}
}

// Validate checks 0 < Low < High for both counters.
func (c Config) Validate() error { // A
	for name, w := range map[string]Watermarks{
		"backlog":  c.Backlog,
		"unstable": c.Unstable,
	} {
		if w.Low <= 0 || w.High <= w.Low {
			return fmt.Errorf(
				"%s watermarks need 0 < low < high, got low=%d high=%d",
				name, w.Low, w.High,
			)
		}
	}
	return nil
}

// Monitor tracks the counters and the resulting state.
type Monitor struct { // A
	mu       sync.Mutex
	cfg      Config
	backlog  int
	unstable int
	state    types.FlowControlState
}

// NewMonitor creates a Monitor in the DISABLED state. An invalid config
// is an error.
func NewMonitor(cfg Config) (*Monitor, error) { // A
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Monitor{cfg: cfg}, nil
}

// SetBacklog overwrites the backlog counter.
func (m *Monitor) SetBacklog(n int) types.FlowControlState { // A
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backlog = clampZero(n)
	return m.evaluateLocked()
}

// SetUnstable overwrites the unstable counter.
func (m *Monitor) SetUnstable(n int) types.FlowControlState { // A
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unstable = clampZero(n)
	return m.evaluateLocked()
}

// State returns the current state.
func (m *Monitor) State() types.FlowControlState { // A
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Counters returns the backlog and unstable counters.
func (m *Monitor) Counters() (backlog, unstable int) { // A
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backlog, m.unstable
}

func (m *Monitor) evaluateLocked() types.FlowControlState { // A
	switch m.state {
	case types.FlowControlDisabled:
		if m.backlog >= m.cfg.Backlog.High ||
			m.unstable >= m.cfg.Unstable.High {
			m.state = types.FlowControlEnabled
		}
	case types.FlowControlEnabled:
		if m.backlog < m.cfg.Backlog.Low &&
			m.unstable < m.cfg.Unstable.Low {
			m.state = types.FlowControlDisabled
		}
	}
	return m.state
}

func clampZero(v int) int { // A
	if v < 0 {
		return 0
	}
	return v
}
