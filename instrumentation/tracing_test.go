package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer() (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	recorder := tracetest.NewSpanRecorder()
	return recorder, sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
}

func TestSpanHelpers_NilSafe(t *testing.T) {
	RecordError(nil, errors.New("boom"))
	SetSpanSuccess(nil)
	SetSpanError(nil, "boom")
	SetSpanAttributes(nil, attribute.String("k", "v"))
	AddOAuthFlowAttributes(nil, "client", "user", "profile")
	AddStorageAttributes(nil, "get_client", "memory")
	AddOAuthError(nil, "invalid_grant", "expired")
}

func TestRecordError(t *testing.T) {
	recorder, tp := newRecordingTracer()
	_, span := tp.Tracer("test").Start(context.Background(), "op")

	RecordError(span, errors.New("boom"))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", ended[0].Status().Code)
	}
	if len(ended[0].Events()) == 0 {
		t.Error("expected an exception event")
	}
}

func TestAddOAuthFlowAttributes_SkipsEmpty(t *testing.T) {
	recorder, tp := newRecordingTracer()
	_, span := tp.Tracer("test").Start(context.Background(), "op")

	AddOAuthFlowAttributes(span, "client-1", "", "profile email")
	span.End()

	attrs := recorder.Ended()[0].Attributes()
	got := make(map[attribute.Key]string)
	for _, kv := range attrs {
		got[kv.Key] = kv.Value.AsString()
	}

	if got[AttrClientID] != "client-1" {
		t.Errorf("%s = %q, want client-1", AttrClientID, got[AttrClientID])
	}
	if _, ok := got[AttrUserID]; ok {
		t.Errorf("%s should be omitted when empty", AttrUserID)
	}
	if got[AttrScope] != "profile email" {
		t.Errorf("%s = %q, want %q", AttrScope, got[AttrScope], "profile email")
	}
}

func TestAddOAuthError(t *testing.T) {
	recorder, tp := newRecordingTracer()
	_, span := tp.Tracer("test").Start(context.Background(), "op")

	AddOAuthError(span, "invalid_grant", "code expired")
	span.End()

	s := recorder.Ended()[0]
	if s.Status().Code != codes.Error || s.Status().Description != "invalid_grant" {
		t.Errorf("status = %+v, want Error/invalid_grant", s.Status())
	}
}
