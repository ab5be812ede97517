package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/apiverse/apiverse/internal/config"
)

// NewLogger creates a structured logger writing to stdout.
func NewLogger(level config.LogLevel, format config.LogFormat) *slog.Logger {
	return NewLoggerTo(os.Stdout, level, format)
}

// NewLoggerTo creates a structured logger writing to w. Unknown levels
// fall back to info and unknown formats to JSON.
func NewLoggerTo(w io.Writer, level config.LogLevel, format config.LogFormat) *slog.Logger {
	return newLogger(w, ParseLevel(level), format)
}

// NewLeveledLogger writes to stdout at the level held by lvl, which can be
// changed while the process runs.
func NewLeveledLogger(lvl *slog.LevelVar, format config.LogFormat) *slog.Logger {
	return newLogger(os.Stdout, lvl, format)
}

func newLogger(w io.Writer, level slog.Leveler, format config.LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if format == config.LogFormatText {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a configured level to its slog equivalent.
func ParseLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
