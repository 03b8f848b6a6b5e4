// Package logging builds the colored slog loggers used across the engine.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Logger is the process-wide default logger at debug level.
var Logger *slog.Logger

func init() {
	Logger = New(os.Stderr, slog.LevelDebug)
}

// Default returns the process-wide logger.
func Default() *slog.Logger {
	return Logger
}

// New returns a tint logger writing to w at level. Colors are disabled
// when w is not a terminal-like *os.File.
func New(w io.Writer, level slog.Leveler) *slog.Logger {
	_, isFile := w.(*os.File)
	handler := tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		AddSource:  true,
		NoColor:    !isFile,
	})
	return slog.New(handler)
}

// ParseLevel maps debug, info, warn and error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
