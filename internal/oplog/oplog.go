// Package oplog sets up the daemon's own operational logging: structured
// slog output, colorized for a TTY, optionally rotated to disk with
// lumberjack. This is distinct from the per-application log pipeline in
// internal/logwriter, which carries its own on-disk format and rotation
// contract instead of lumberjack's.
package oplog

import (
	"io"
	"log/slog"
	"os"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Config configures the daemon's operational logger.
type Config struct {
	// Level is one of "debug", "info", "warn", "error" (default "info").
	Level string
	// File, when set, sends the daemon's own logs to this lumberjack-rotated
	// file instead of stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// Color forces/disables ANSI coloring; nil means auto-detect from
	// whether stderr is a terminal.
	Color *bool
}

func (c Config) level() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the daemon's root logger per cfg. When cfg.File is set, output
// goes to a lumberjack-rotated file (never colorized, since it's not a
// terminal); otherwise it goes to stderr, colorized unless cfg.Color says
// otherwise.
func New(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.level()}

	if cfg.File != "" {
		w := &lj.Logger{
			Filename:   cfg.File,
			MaxSize:    valOr(cfg.MaxSizeMB, 10),
			MaxBackups: valOr(cfg.MaxBackups, 5),
			MaxAge:     valOr(cfg.MaxAgeDays, 14),
			Compress:   cfg.Compress,
		}
		return slog.New(slog.NewTextHandler(w, opts))
	}

	color := isTerminal(os.Stderr)
	if cfg.Color != nil {
		color = *cfg.Color
	}
	if !color {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(NewColorTextHandler(os.Stderr, opts))
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// isTerminal is a narrow, dependency-free TTY probe: it reports whether w is
// backed by a character device, which is true for real terminals and false
// for pipes, regular files, and /dev/null.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
