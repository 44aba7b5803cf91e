package observability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Span attribute policy. Exported spans may only carry keys from the
// sentinel's own namespaces; everything else is dropped before it reaches
// the collector so fixture data and PII from test suites cannot leak into
// traces.
var (
	// passPrefixes are the namespaces instrumentation may use freely.
	passPrefixes = []string{
		"perfsentinel.",
		"error.",
		"http.",
		"mcp.",
		"storage.",
		"project.",
		"run.",
		"job.",
		"report.",
		"baseline.",
		"aggregate.",
		"cleanup.",
		"config.",
	}

	// passKeys are un-namespaced keys with known bounded values.
	passKeys = map[string]bool{
		"error":     true,
		"timed_out": true,
	}

	// dropKeys are dropped unconditionally, checked before any allowance.
	// step.text is unbounded free text from test suites and may quote
	// fixture data; only the stable step key may travel on spans.
	dropKeys = map[string]bool{
		"email":         true,
		"request.body":  true,
		"response.body": true,
		"step.text":     true,
	}

	dropPrefixes = []string{"user."}
)

// spanAttrFilter is a SpanProcessor that applies the attribute policy to
// every finished span before handing it to the delegate.
type spanAttrFilter struct {
	delegate sdktrace.SpanProcessor
	dropLog  *slog.Logger
}

// NewAttributeFilter wraps delegate with the span attribute policy. When
// dropLog is non-nil, every dropped key is logged at warn level so
// debug-trace runs surface instrumentation writing outside the approved
// namespaces.
func NewAttributeFilter(delegate sdktrace.SpanProcessor, dropLog *slog.Logger) sdktrace.SpanProcessor {
	return &spanAttrFilter{delegate: delegate, dropLog: dropLog}
}

// OnStart delegates to the wrapped processor.
func (f *spanAttrFilter) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {
	f.delegate.OnStart(parent, s)
}

// OnEnd hands the delegate a read-only view that hides dropped attributes.
// ReadOnlySpan offers no mutation, so filtering happens in the view.
func (f *spanAttrFilter) OnEnd(s sdktrace.ReadOnlySpan) {
	f.delegate.OnEnd(&redactedSpan{ReadOnlySpan: s, policy: f})
}

// Shutdown delegates to the wrapped processor.
func (f *spanAttrFilter) Shutdown(ctx context.Context) error {
	err := f.delegate.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("shut down span filter delegate: %w", err)
	}

	return nil
}

// ForceFlush delegates to the wrapped processor.
func (f *spanAttrFilter) ForceFlush(ctx context.Context) error {
	err := f.delegate.ForceFlush(ctx)
	if err != nil {
		return fmt.Errorf("flush span filter delegate: %w", err)
	}

	return nil
}

// keep reports whether a span attribute key survives the policy.
func (f *spanAttrFilter) keep(key string) bool {
	switch {
	case dropKeys[key] || hasAnyPrefix(key, dropPrefixes):
		f.logDrop(key)

		return false
	case passKeys[key] || hasAnyPrefix(key, passPrefixes):
		return true
	default:
		f.logDrop(key)

		return false
	}
}

func (f *spanAttrFilter) logDrop(key string) {
	if f.dropLog != nil {
		f.dropLog.Warn("span attribute dropped", "key", key)
	}
}

func hasAnyPrefix(key string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}

	return false
}

// redactedSpan is a ReadOnlySpan view whose Attributes exclude dropped keys.
type redactedSpan struct {
	sdktrace.ReadOnlySpan

	policy *spanAttrFilter
}

// Attributes returns only the attributes that survive the policy.
func (s *redactedSpan) Attributes() []attribute.KeyValue {
	all := s.ReadOnlySpan.Attributes()
	kept := make([]attribute.KeyValue, 0, len(all))

	for _, kv := range all {
		if s.policy.keep(string(kv.Key)) {
			kept = append(kept, kv)
		}
	}

	return kept
}
