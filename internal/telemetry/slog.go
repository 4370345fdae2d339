package telemetry

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	otellog "go.opentelemetry.io/otel/log"
)

// LogHandler is a [slog.Handler] that writes every record to next and also
// emits it through the otelslog bridge. With no OTel logger provider
// installed the bridged records are dropped by the global no-op provider.
type LogHandler struct {
	next   slog.Handler
	bridge slog.Handler
}

// NewLogHandler wraps next. A nil provider uses the global logger provider.
func NewLogHandler(next slog.Handler, provider otellog.LoggerProvider) *LogHandler {
	var opts []otelslog.Option
	if provider != nil {
		opts = append(opts, otelslog.WithLoggerProvider(provider))
	}
	return &LogHandler{
		next:   next,
		bridge: otelslog.NewHandler(DefaultServiceName, opts...),
	}
}

// Enabled follows the wrapped handler's level; records it filters are not
// bridged either.
func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle writes r to both handlers.
func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	if h.bridge.Enabled(ctx, r.Level) {
		if err := h.bridge.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.next.Handle(ctx, r); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{next: h.next.WithAttrs(attrs), bridge: h.bridge.WithAttrs(attrs)}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &LogHandler{next: h.next.WithGroup(name), bridge: h.bridge.WithGroup(name)}
}
