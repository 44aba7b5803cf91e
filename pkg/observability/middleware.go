package observability

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// httpStatusServerError is the threshold for HTTP server errors.
const httpStatusServerError = 500

// Error classification values for the error.type span attribute.
const (
	ErrTypeValidation            = "validation"
	ErrTypeTimeout               = "timeout"
	ErrTypeDependencyUnavailable = "dependency_unavailable"
	ErrTypeInternal              = "internal"
)

// Error origin values for the error.source span attribute.
const (
	ErrSourceClient     = "client"
	ErrSourceServer     = "server"
	ErrSourceDependency = "dependency"
)

const (
	attrErrorType   = "error.type"
	attrErrorSource = "error.source"
	errTypePanic    = "panic"
	eventPanicStack = "panic.stack"
)

// RecordSpanError marks the span as failed and attaches classification
// attributes so trace queries can split storage outages from bad input.
func RecordSpanError(span trace.Span, err error, errType, errSource string) {
	if span == nil || err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String(attrErrorType, errType))

	if errSource != "" {
		span.SetAttributes(attribute.String(attrErrorSource, errSource))
	}
}

// statusWriter wraps [http.ResponseWriter] to capture the status code.
type statusWriter struct {
	http.ResponseWriter

	statusCode int
	written    bool
}

// WriteHeader captures the status code before delegating to the wrapped writer.
func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.statusCode = code
		sw.written = true
	}

	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(buf []byte) (int, error) {
	if !sw.written {
		sw.statusCode = http.StatusOK
		sw.written = true
	}

	n, err := sw.ResponseWriter.Write(buf)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}

	return n, nil
}

// HTTPMiddleware returns an [http.Handler] that creates a span per request
// and emits one access log line per request. Span names use route-template
// format: "METHOD /path". Handler panics are recovered, recorded on the
// span with a stack event, and answered with HTTP 500.
func HTTPMiddleware(tracer trace.Tracer, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, hr *http.Request) {
		start := time.Now()
		spanName := hr.Method + " " + hr.URL.Path

		// Extract W3C traceparent/tracestate/baggage from incoming headers.
		parentCtx := otel.GetTextMapPropagator().Extract(hr.Context(), propagation.HeaderCarrier(hr.Header))

		ctx, span := tracer.Start(parentCtx, spanName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(hr.Method),
				attribute.String("http.target", hr.URL.Path),
			),
		)
		defer span.End()

		sw := &statusWriter{ResponseWriter: rw}

		defer func() {
			panicVal := recover()
			if panicVal != nil {
				span.SetAttributes(attribute.String(attrErrorType, errTypePanic))
				span.AddEvent(eventPanicStack, trace.WithAttributes(
					attribute.String("stack", string(debug.Stack())),
				))
				span.SetStatus(codes.Error, fmt.Sprintf("panic: %v", panicVal))
				logger.ErrorContext(ctx, "handler panic", "panic", panicVal, "path", hr.URL.Path)

				if !sw.written {
					sw.WriteHeader(http.StatusInternalServerError)
				}
			}

			span.SetAttributes(semconv.HTTPResponseStatusCode(sw.statusCode))

			if sw.statusCode >= httpStatusServerError {
				span.SetStatus(codes.Error, http.StatusText(sw.statusCode))
			}

			logger.LogAttrs(ctx, slog.LevelInfo, "http.request",
				slog.String("method", hr.Method),
				slog.String("path", hr.URL.Path),
				slog.Int("status", sw.statusCode),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		}()

		next.ServeHTTP(sw, hr.WithContext(ctx))
	})
}
