package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// Log record keys stamped by the tracing handler. Identity keys appear on
// every record; trace keys only when the context carries a valid span.
const (
	logKeyTraceID = "trace_id"
	logKeySpanID  = "span_id"
	logKeyService = "service"
	logKeyEnv     = "env"
	logKeyVersion = "version"
	logKeyMode    = "mode"
)

// TracingHandler decorates an [slog.Handler] with OpenTelemetry trace
// correlation and binary identity. Identity attributes are attached to the
// wrapped handler at construction, before any WithGroup call can nest them.
// The version attribute lets a shared log sink tell apart records written by
// different binary revisions across a CI fleet.
type TracingHandler struct {
	next slog.Handler
}

// NewTracingHandler wraps next with trace correlation and identity stamping.
// Empty env and version are omitted from the identity set.
func NewTracingHandler(next slog.Handler, service, env, version string, mode AppMode) *TracingHandler {
	return &TracingHandler{next: next.WithAttrs(identityAttrs(service, env, version, mode))}
}

func identityAttrs(service, env, version string, mode AppMode) []slog.Attr {
	attrs := []slog.Attr{
		slog.String(logKeyService, service),
		slog.String(logKeyMode, string(mode)),
	}

	if env != "" {
		attrs = append(attrs, slog.String(logKeyEnv, env))
	}

	if version != "" {
		attrs = append(attrs, slog.String(logKeyVersion, version))
	}

	return attrs
}

// Enabled reports whether the wrapped handler records at the given level.
func (h *TracingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle stamps trace_id and span_id when ctx carries a valid span context,
// then forwards the record.
func (h *TracingHandler) Handle(ctx context.Context, record slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		// Clone before mutating; the record's attribute backing array may
		// be shared with other handlers on the same logger.
		record = record.Clone()
		record.AddAttrs(
			slog.String(logKeyTraceID, sc.TraceID().String()),
			slog.String(logKeySpanID, sc.SpanID().String()),
		)
	}

	err := h.next.Handle(ctx, record)
	if err != nil {
		return fmt.Errorf("write log record: %w", err)
	}

	return nil
}

// WithAttrs forwards to the wrapped handler, keeping the stamping behavior.
func (h *TracingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TracingHandler{next: h.next.WithAttrs(attrs)}
}

// WithGroup forwards to the wrapped handler. Identity attributes attached at
// construction stay outside the group.
func (h *TracingHandler) WithGroup(name string) slog.Handler {
	return &TracingHandler{next: h.next.WithGroup(name)}
}
