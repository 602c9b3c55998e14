package observability

import (
	"context"
	"log/slog"
	"regexp"
)

// multiHandler fans records out to every wrapped handler.
type multiHandler struct {
	handlers []slog.Handler
}

func newMultiHandler(handlers ...slog.Handler) *multiHandler {
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}

// redactHandler scrubs secret-shaped substrings from messages and string
// attribute values before the record reaches the real handler.
type redactHandler struct {
	next    slog.Handler
	redacts []*regexp.Regexp
}

func (r *redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return r.next.Enabled(ctx, level)
}

func (r *redactHandler) Handle(ctx context.Context, record slog.Record) error {
	clean := slog.NewRecord(record.Time, record.Level, r.redact(record.Message), record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(r.redactAttr(attr))
		return true
	})
	return r.next.Handle(ctx, clean)
}

func (r *redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		scrubbed[i] = r.redactAttr(attr)
	}
	return &redactHandler{next: r.next.WithAttrs(scrubbed), redacts: r.redacts}
}

func (r *redactHandler) WithGroup(name string) slog.Handler {
	return &redactHandler{next: r.next.WithGroup(name), redacts: r.redacts}
}

func (r *redactHandler) redactAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindString {
		return slog.String(attr.Key, r.redact(attr.Value.String()))
	}
	return attr
}

func (r *redactHandler) redact(text string) string {
	for _, re := range r.redacts {
		text = re.ReplaceAllString(text, "[REDACTED]")
	}
	return text
}
