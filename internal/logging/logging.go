// Package logging configures the process-wide zerolog logger and hands
// out component-scoped child loggers.
package logging

import (
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

var (
	mu      sync.RWMutex
	base    zerolog.Logger
	inited  bool
)

// Init configures the base logger. verbose raises the level to Debug;
// otherwise Info. When stderr is a terminal, output is rendered through
// zerolog's human-readable console writer; otherwise raw JSON lines are
// written, matching how the pack's direct zerolog consumers pick between
// the two.
func Init(verbose bool) {
	mu.Lock()
	defer mu.Unlock()

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	var writer = os.Stderr
	var logger zerolog.Logger
	if isatty.IsTerminal(writer.Fd()) {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05"}).Level(level).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(writer).Level(level).With().Timestamp().Logger()
	}

	base = logger
	inited = true
}

// Get returns a child logger scoped to component, initializing a
// default (non-verbose) base logger on first use if Init was never
// called.
func Get(component string) zerolog.Logger {
	mu.RLock()
	ready := inited
	mu.RUnlock()
	if !ready {
		Init(false)
	}

	mu.RLock()
	defer mu.RUnlock()
	return base.With().Str("component", component).Logger()
}
