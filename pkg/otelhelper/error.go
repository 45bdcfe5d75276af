package otelhelper

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorKindKey tells a dispatch or reconciliation that was cut short by its
// caller apart from one that failed on its own.
const ErrorKindKey = "relay.error.kind"

// ErrorKind returns "canceled", "timeout" or "failure".
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "failure"
	}
}

// SetError marks the span failed and adds a relay.error event carrying the
// error kind plus attrs, usually the callback id or step execution key the
// failure concerns. A nil error leaves the span untouched.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.AddEvent("relay.error", trace.WithAttributes(
		append([]attribute.KeyValue{attribute.String(ErrorKindKey, ErrorKind(err))}, attrs...)...,
	))
}
