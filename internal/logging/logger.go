// Package logging holds the process-wide structured logger used by every
// sftp-watch component.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// logger is the package-level structured logger.
// Defaults to a no-op (discard) handler until Init is called.
var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Options configures Init. Zero values mean: level info, console on
// os.Stdout/os.Stderr, no log files.
type Options struct {
	Dir    string
	Level  string
	Stdout io.Writer
	Stderr io.Writer
}

// Init configures the package logger.
// Console output is always enabled: INFO→stdout, WARN/ERROR→stderr.
// If opts.Dir is non-empty, also writes to level-split log files:
//   - watch_warn.log:  WARN + ERROR
//   - watch_info.log:  INFO only (1MB, 1 backup)
//   - watch_debug.log: DEBUG only (1MB, 1 backup)
func Init(opts Options) {
	level := ParseLevel(opts.Level)
	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	console := &consoleHandler{
		min:    level,
		stdout: slog.NewTextHandler(stdout, &slog.HandlerOptions{Level: level}),
		stderr: slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}
	handlers := []slog.Handler{console}

	if opts.Dir != "" {
		os.MkdirAll(opts.Dir, 0750) //nolint:errcheck

		warnFile := slog.NewTextHandler(&lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, "watch_warn.log"),
			MaxSize:    100,
			MaxBackups: 3,
		}, &slog.HandlerOptions{Level: slog.LevelWarn})

		infoFile := &levelRangeHandler{
			min: slog.LevelInfo,
			max: slog.LevelInfo,
			inner: slog.NewTextHandler(&lumberjack.Logger{
				Filename:   filepath.Join(opts.Dir, "watch_info.log"),
				MaxSize:    1,
				MaxBackups: 1,
			}, &slog.HandlerOptions{Level: slog.LevelInfo}),
		}

		handlers = append(handlers, warnFile, infoFile)

		if level <= slog.LevelDebug {
			handlers = append(handlers, &levelRangeHandler{
				min: slog.LevelDebug,
				max: slog.LevelDebug,
				inner: slog.NewTextHandler(&lumberjack.Logger{
					Filename:   filepath.Join(opts.Dir, "watch_debug.log"),
					MaxSize:    1,
					MaxBackups: 1,
				}, &slog.HandlerOptions{Level: slog.LevelDebug}),
			})
		}
	}

	logger = slog.New(&multiHandler{handlers: handlers})
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Sub returns a child logger tagged with the given component name.
func Sub(component string) *slog.Logger {
	return logger.With("comp", component)
}

// Enabled reports whether the given log level is enabled.
// Use this to guard expensive DEBUG logging in hot paths.
func Enabled(level slog.Level) bool {
	return logger.Enabled(context.Background(), level)
}

// --- consoleHandler: routes INFO→stdout, WARN+→stderr ---

type consoleHandler struct {
	min    slog.Level
	stdout slog.Handler
	stderr slog.Handler
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min
}

func (h *consoleHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderr.Handle(ctx, r)
	}
	return h.stdout.Handle(ctx, r)
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &consoleHandler{
		min:    h.min,
		stdout: h.stdout.WithAttrs(attrs),
		stderr: h.stderr.WithAttrs(attrs),
	}
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	return &consoleHandler{
		min:    h.min,
		stdout: h.stdout.WithGroup(name),
		stderr: h.stderr.WithGroup(name),
	}
}

// --- levelRangeHandler: passes only a specific level range ---

type levelRangeHandler struct {
	min, max slog.Level
	inner    slog.Handler
}

func (h *levelRangeHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min && level <= h.max
}

func (h *levelRangeHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *levelRangeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelRangeHandler{min: h.min, max: h.max, inner: h.inner.WithAttrs(attrs)}
}

func (h *levelRangeHandler) WithGroup(name string) slog.Handler {
	return &levelRangeHandler{min: h.min, max: h.max, inner: h.inner.WithGroup(name)}
}

// --- multiHandler: fans out to multiple handlers ---

type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, r.Level) {
			if err := hh.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		hs[i] = hh.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		hs[i] = hh.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
