package instrumentation

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew_Disabled(t *testing.T) {
	inst, err := New(Config{})
	require.NoError(t, err)
	defer inst.Shutdown(context.Background())

	assert.NotNil(t, inst.Metrics())
	assert.NotNil(t, inst.Tracer("server"))
	assert.NotNil(t, inst.Meter("server"))
	assert.Equal(t, DefaultServiceName, inst.config.ServiceName)
	assert.Equal(t, DefaultServiceVersion, inst.config.ServiceVersion)

	// no-op instruments accept records
	inst.Metrics().RecordCodeExchange(context.Background(), "client-1")
}

func TestNew_PrometheusRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()

	inst, err := New(Config{Enabled: true, PrometheusRegisterer: reg})
	require.NoError(t, err)
	defer inst.Shutdown(context.Background())

	inst.Metrics().RecordTokenRevocation(context.Background(), "access_token")

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range families {
		if strings.HasPrefix(strings.ReplaceAll(mf.GetName(), ".", "_"), "oauth_token_revoked") {
			found = true
		}
	}
	assert.True(t, found, "revocation counter not exported to prometheus")
}

func TestNew_ManualReader(t *testing.T) {
	reader := sdkmetric.NewManualReader()

	inst, err := New(Config{Enabled: true, MetricReader: reader})
	require.NoError(t, err)
	defer inst.Shutdown(context.Background())

	ctx := context.Background()
	inst.Metrics().RecordCodeExchange(ctx, "client-1")
	inst.Metrics().RecordCodeExchange(ctx, "client-1")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	got := sumCounter(t, rm, "oauth.code.exchanged")
	assert.Equal(t, int64(2), got)
}

func TestNew_SpanExporter(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()

	inst, err := New(Config{Enabled: true, MetricReader: sdkmetric.NewManualReader(), SpanExporter: exporter})
	require.NoError(t, err)

	_, span := inst.Tracer("server").Start(context.Background(), "oauth.server.exchange")
	SetSpanSuccess(span)
	span.End()

	// Shutdown flushes the batcher
	require.NoError(t, inst.Shutdown(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "oauth.server.exchange", spans[0].Name)
}

func TestShutdown_Idempotent(t *testing.T) {
	inst, err := New(Config{Enabled: true, MetricReader: sdkmetric.NewManualReader()})
	require.NoError(t, err)

	assert.NoError(t, inst.Shutdown(context.Background()))
	assert.NoError(t, inst.Shutdown(context.Background()))
}

func sumCounter(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s has data type %T", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}
