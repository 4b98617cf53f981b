// Package instrumentation provides OpenTelemetry instrumentation for the authorization server.
//
// Metrics are exported through the OpenTelemetry Prometheus exporter, registered on
// prometheus.DefaultRegisterer unless another registerer is configured, so the
// standard promhttp.Handler serves them. Traces are exported over OTLP/HTTP when a
// trace endpoint is configured.
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "oauth-server",
//		ServiceVersion: version,
//		Enabled:        true,
//		TraceEndpoint:  "http://otel-collector:4318/v1/traces",
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", promhttp.Handler())
//
// When Enabled is false every provider is a no-op.
package instrumentation
