// Package testutil holds flags and helpers shared by the package tests.
package testutil

import (
	"flag"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/i5heu/ouroboros-cpg/pkg/logging"
)

var (
	// RunLong enables tests that open real sockets.
	RunLong = flag.Bool("long", false, "run tests that open QUIC and gossip listeners")
	// Verbose routes test loggers to stderr at debug level.
	Verbose = flag.Bool("verbose-log", false, "write engine debug logs to stderr")
)

// RequireLong skips t unless -long is set.
func RequireLong(t *testing.T) {
	t.Helper()
	if !*RunLong {
		t.Skip("skipping long test (use -long to enable)")
	}
}

// IsLongEnabled reports whether -long is set.
func IsLongEnabled() bool {
	return *RunLong
}

// Logger returns the logger handed to components under test. It only
// keeps warnings unless -verbose-log is set.
func Logger() *slog.Logger {
	if *Verbose {
		return logging.New(os.Stderr, slog.LevelDebug)
	}
	return logging.New(io.Discard, slog.LevelWarn)
}
