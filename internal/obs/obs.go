// Package obs provides the structured logging front-end shared by every
// package in this module. It wraps logiface/logiface-slog the same way the
// framework's original Logger(name) wrapped the standard library logging
// module: a named logger, level overridable via an environment variable.
package obs

import (
	"log/slog"
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	islog "github.com/joeycumines/logiface-slog"
)

// Logger is the type used throughout this module for structured logging.
type Logger = logiface.Logger[*islog.Event]

// envLevel is the name of the environment variable that overrides the
// default log level, matching the framework's original APP_BRICKS_LOG_LEVEL.
const envLevel = "APP_BRICKS_LOG_LEVEL"

var (
	once      sync.Once
	rootLevel = new(slog.LevelVar)
	handler   slog.Handler
)

func initRoot() {
	rootLevel.Set(slog.LevelInfo)
	if v, ok := os.LookupEnv(envLevel); ok {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(v)); err == nil {
			rootLevel.Set(lvl)
		}
	}
	handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: rootLevel})
}

// Named returns a logger stamped with a "component" field, the Go
// equivalent of the original dotted Logger(name) hierarchy.
func Named(name string) *Logger {
	once.Do(initRoot)
	logger := islog.L.New(islog.L.WithSlogHandler(handler))
	return logger.Clone().Str("component", name).Logger()
}

// SetLevel overrides the process-wide minimum log level programmatically,
// taking precedence over APP_BRICKS_LOG_LEVEL. Intended for use by tests.
func SetLevel(level slog.Level) {
	once.Do(initRoot)
	rootLevel.Set(level)
}
