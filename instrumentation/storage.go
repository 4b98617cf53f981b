package instrumentation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StorageTracker wraps storage operations in spans and records their outcome.
// A nil *StorageTracker is valid and does nothing.
type StorageTracker struct {
	inst    *Instrumentation
	tracer  trace.Tracer
	backend string
}

// NewStorageTracker returns a tracker for the named backend ("memory", "sql", "valkey").
// It returns nil when inst is nil.
func NewStorageTracker(inst *Instrumentation, backend string) *StorageTracker {
	if inst == nil {
		return nil
	}
	return &StorageTracker{
		inst:    inst,
		tracer:  inst.Tracer("storage"),
		backend: backend,
	}
}

// Start opens a span for operation. The returned function must be called with
// the operation's error once it completes.
//
//	ctx, done := s.tracker.Start(ctx, "redeem_code")
//	defer func() { done(err) }()
func (t *StorageTracker) Start(ctx context.Context, operation string) (context.Context, func(error)) {
	if t == nil {
		return ctx, func(error) {}
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, "storage."+operation)
	AddStorageAttributes(span, operation, t.backend)

	return ctx, func(err error) {
		result := "success"
		if err != nil {
			result = "error"
			RecordError(span, err)
		} else {
			SetSpanSuccess(span)
		}
		span.SetAttributes(attribute.String(AttrStorageResult, result))
		span.End()

		durationMs := float64(time.Since(start).Microseconds()) / 1000
		t.inst.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
	}
}
