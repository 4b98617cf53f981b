package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the authorization server.
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth Flow Metrics
	AuthorizationStarted metric.Int64Counter
	AuthorizationDecided metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	TokenRevoked         metric.Int64Counter
	ClientRevoked        metric.Int64Counter

	// Security Metrics
	RateLimitExceeded  metric.Int64Counter
	CodeReuseDetected  metric.Int64Counter
	TokenReuseDetected metric.Int64Counter
	ClientAuthFailed   metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
}

type counterSpec struct {
	target *metric.Int64Counter
	name   string
	desc   string
	unit   string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	counters := []struct {
		meter metric.Meter
		spec  counterSpec
	}{
		{httpMeter, counterSpec{&m.HTTPRequestsTotal, "oauth.http.requests.total", "Total number of HTTP requests", "{request}"}},
		{serverMeter, counterSpec{&m.AuthorizationStarted, "oauth.authorization.started", "Number of authorization requests validated", "{flow}"}},
		{serverMeter, counterSpec{&m.AuthorizationDecided, "oauth.authorization.decided", "Number of consent decisions by outcome", "{decision}"}},
		{serverMeter, counterSpec{&m.CodeExchanged, "oauth.code.exchanged", "Number of authorization codes exchanged for tokens", "{exchange}"}},
		{serverMeter, counterSpec{&m.TokenRefreshed, "oauth.token.refreshed", "Number of refresh token rotations", "{refresh}"}},
		{serverMeter, counterSpec{&m.TokenRevoked, "oauth.token.revoked", "Number of tokens revoked", "{revocation}"}},
		{serverMeter, counterSpec{&m.ClientRevoked, "oauth.client.revoked", "Number of clients revoked", "{client}"}},
		{securityMeter, counterSpec{&m.RateLimitExceeded, "oauth.security.rate_limit_exceeded", "Number of requests rejected by rate limiting", "{request}"}},
		{securityMeter, counterSpec{&m.CodeReuseDetected, "oauth.security.code_reuse_detected", "Number of redeemed authorization codes presented again", "{event}"}},
		{securityMeter, counterSpec{&m.TokenReuseDetected, "oauth.security.token_reuse_detected", "Number of rotated refresh tokens presented again", "{event}"}},
		{securityMeter, counterSpec{&m.ClientAuthFailed, "oauth.security.client_auth_failed", "Number of failed client authentications", "{event}"}},
		{storageMeter, counterSpec{&m.StorageOperationTotal, "oauth.storage.operations.total", "Total number of storage operations", "{operation}"}},
	}

	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.spec.name,
			metric.WithDescription(c.spec.desc),
			metric.WithUnit(c.spec.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.spec.name, err)
		}
		*c.spec.target = counter
	}

	var err error
	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"oauth.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationStarted records a validated authorization request
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordAuthorizationDecision records a consent decision
func (m *Metrics) RecordAuthorizationDecision(ctx context.Context, clientID string, approved bool) {
	if m == nil {
		return
	}
	m.AuthorizationDecided.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("approved", approved),
	))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordTokenRefresh records a refresh token rotation
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, tokenType string) {
	if m == nil {
		return
	}
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_type", tokenType),
	))
}

// RecordClientRevocation records a client revocation
func (m *Metrics) RecordClientRevocation(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.ClientRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordCodeReuse records an attempt to redeem an already redeemed code
func (m *Metrics) RecordCodeReuse(ctx context.Context) {
	if m == nil {
		return
	}
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordTokenReuse records an attempt to rotate an already rotated refresh token
func (m *Metrics) RecordTokenReuse(ctx context.Context) {
	if m == nil {
		return
	}
	m.TokenReuseDetected.Add(ctx, 1)
}

// RecordClientAuthFailure records a failed client authentication
func (m *Metrics) RecordClientAuthFailure(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.ClientAuthFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
