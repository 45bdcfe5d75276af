package otelhelper

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartSpan_Noop(t *testing.T) {
	ctx, span := StartSpan(context.Background(), NewNoopTracer(), "dispatcher.submit",
		attribute.String(TaskTypeKey, "ci.execute"))
	defer span.End()

	assert.NotNil(t, ctx)
	assert.False(t, span.IsRecording())

	assert.NotPanics(t, func() {
		SetError(span, errors.New("boom"), attribute.String(CallbackIDKey, "cb-1"))
	})
}

func TestSetError_RecordsKind(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("relay")

	_, span := StartSpan(context.Background(), tracer, "reconciler.handle_response")
	SetError(span, fmt.Errorf("failed to publish outcome: %w", context.DeadlineExceeded),
		attribute.String(StepExecutionKeyKey, "exec-1_dockerStepID"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)

	var kind attribute.KeyValue

	for _, event := range ended[0].Events() {
		if event.Name != "relay.error" {
			continue
		}

		for _, attr := range event.Attributes {
			if attr.Key == ErrorKindKey {
				kind = attr
			}
		}
	}

	assert.Equal(t, "timeout", kind.Value.AsString())
}

func TestSetError_NilIsIgnored(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("relay")

	_, span := StartSpan(context.Background(), tracer, "approval.abort")
	SetError(span, nil)
	span.End()

	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, codes.Unset, recorder.Ended()[0].Status().Code)
	assert.Empty(t, recorder.Ended()[0].Events())
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "canceled", ErrorKind(fmt.Errorf("sweep: %w", context.Canceled)))
	assert.Equal(t, "timeout", ErrorKind(context.DeadlineExceeded))
	assert.Equal(t, "failure", ErrorKind(errors.New("broker down")))
}
