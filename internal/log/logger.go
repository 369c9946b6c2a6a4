// Package log wraps slog with the fields cobalt components share: component,
// instance_uuid and message_id/method.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var current atomic.Pointer[slog.Logger]

// Options configures the process logger.
type Options struct {
	Level  string    // debug, info, warn, error
	Format string    // json (default) or text
	Output io.Writer // defaults to stdout
	Host   string    // added to every record when set
}

// ParseLevel maps a config level name onto slog. Matching is case-insensitive.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// Configure installs a new process logger and makes it the slog default.
// Invalid levels fall back to info.
func Configure(opts Options) *slog.Logger {
	level, _ := ParseLevel(opts.Level)
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	hopts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(out, hopts)
	} else {
		handler = slog.NewJSONHandler(out, hopts)
	}

	l := slog.New(handler)
	if opts.Host != "" {
		l = l.With(slog.String("host", opts.Host))
	}
	current.Store(l)
	slog.SetDefault(l)
	return l
}

// Setup installs a JSON logger at level unless one is already configured.
func Setup(level string) {
	if current.Load() == nil {
		Configure(Options{Level: level})
	}
}

// Get returns the process logger, configuring an info-level one on first use.
func Get() *slog.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	Setup("info")
	return current.Load()
}

func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

func WithInstance(uuid string) *slog.Logger {
	return Get().With(slog.String("instance_uuid", uuid))
}

// WithMessage tags records with a queue message and its method.
func WithMessage(id, method string) *slog.Logger {
	return Get().With(slog.String("message_id", id), slog.String("method", method))
}

func Info(msg string, args ...any)  { Get().Info(msg, args...) }
func Debug(msg string, args ...any) { Get().Debug(msg, args...) }
func Warn(msg string, args ...any)  { Get().Warn(msg, args...) }
func Error(msg string, args ...any) { Get().Error(msg, args...) }
