package log

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// LevelTrace is finer than slog.LevelDebug, for per-URB tracing that would
// otherwise flood a debug log.
const LevelTrace = slog.Level(-8)

// MultiHandler fans a record out to every wrapped handler, continuing past
// the first error so one broken sink can't swallow the rest.
type MultiHandler struct {
	handlers []slog.Handler
}

func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

func (m *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: out}
}

func (m *MultiHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		out[i] = h.WithGroup(name)
	}
	return &MultiHandler{handlers: out}
}

// LevelFilter wraps a handler, discarding records below min regardless of
// what the wrapped handler's own leveler would otherwise accept.
type LevelFilter struct {
	min     slog.Level
	wrapped slog.Handler
}

func NewLevelFilter(min slog.Level, wrapped slog.Handler) *LevelFilter {
	return &LevelFilter{min: min, wrapped: wrapped}
}

func (f *LevelFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= f.min && f.wrapped.Enabled(ctx, level)
}

func (f *LevelFilter) Handle(ctx context.Context, r slog.Record) error {
	return f.wrapped.Handle(ctx, r)
}

func (f *LevelFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelFilter{min: f.min, wrapped: f.wrapped.WithAttrs(attrs)}
}

func (f *LevelFilter) WithGroup(name string) slog.Handler {
	return &LevelFilter{min: f.min, wrapped: f.wrapped.WithGroup(name)}
}

// Options configures SetupLogger.
type Options struct {
	Level     slog.Level
	JSON      bool
	LogFile   io.Writer // additional sink, e.g. a rotating file; nil to skip
	FileLevel slog.Level
}

// SetupLogger builds the process-wide structured logger: human-readable
// text on stderr at Level, optionally duplicated as JSON to LogFile at
// FileLevel (independently filtered, since a file sink is commonly kept
// more verbose than the console).
func SetupLogger(opts Options) *slog.Logger {
	handlers := []slog.Handler{
		NewLevelFilter(opts.Level, consoleHandler(opts)),
	}
	if opts.LogFile != nil {
		handlers = append(handlers, NewLevelFilter(opts.FileLevel, slog.NewJSONHandler(opts.LogFile, &slog.HandlerOptions{
			Level: opts.FileLevel,
		})))
	}
	var h slog.Handler
	if len(handlers) == 1 {
		h = handlers[0]
	} else {
		h = NewMultiHandler(handlers...)
	}
	return slog.New(h)
}

func consoleHandler(opts Options) slog.Handler {
	ho := &slog.HandlerOptions{Level: opts.Level, ReplaceAttr: levelLabel}
	if opts.JSON {
		return slog.NewJSONHandler(os.Stderr, ho)
	}
	return slog.NewTextHandler(os.Stderr, ho)
}

func levelLabel(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}
