// Package logging builds the process-wide slog logger: a console (tint) or JSON handler, optionally
// fanned out to the OpenTelemetry log pipeline.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	otellog "go.opentelemetry.io/otel/log"
)

// Options configure New.
type Options struct {
	// Level is one of debug, info, warn, error. Unknown values fall back to info.
	Level string
	// Format is "console" or "json".
	Format string
	// NoColor disables ANSI colors in console output.
	NoColor bool
	// ServiceName is attached to every record and used as the OTel instrumentation scope.
	ServiceName string
	// LoggerProvider, when set, adds an otelslog handler that exports records over OTLP.
	LoggerProvider otellog.LoggerProvider
}

// New returns a logger writing to out according to opts.
func New(out io.Writer, opts Options) *slog.Logger {
	level := ParseLevel(opts.Level)

	var handlers []slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handlers = append(handlers, slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	} else {
		handlers = append(handlers, tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: time.StampMilli,
			NoColor:    opts.NoColor,
		}))
	}
	if opts.LoggerProvider != nil {
		name := opts.ServiceName
		if name == "" {
			name = "citycab"
		}
		handlers = append(handlers, otelslog.NewHandler(name, otelslog.WithLoggerProvider(opts.LoggerProvider)))
	}

	var h slog.Handler
	if len(handlers) == 1 {
		h = handlers[0]
	} else {
		h = MultiHandler(handlers...)
	}
	logger := slog.New(h)
	if opts.ServiceName != "" {
		logger = logger.With("service", opts.ServiceName)
	}
	return logger
}

// ParseLevel parses a level name; invalid input yields info.
func ParseLevel(input string) (level slog.Level) {
	if err := level.UnmarshalText([]byte(input)); err != nil {
		level = slog.LevelInfo
	}
	return level
}

type multiHandler struct {
	handlers []slog.Handler
}

// MultiHandler sends every record to each handler that accepts its level.
func MultiHandler(handlers ...slog.Handler) slog.Handler {
	return &multiHandler{handlers: handlers}
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
			_ = hh.Handle(ctx, r.Clone())
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
