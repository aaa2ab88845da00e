package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "passage"

// Metrics holds the session lifecycle instruments.
type Metrics struct {
	LoginsTotal          metric.Int64Counter
	LoginFailuresTotal   metric.Int64Counter
	RefreshesTotal       metric.Int64Counter
	RefreshFailuresTotal metric.Int64Counter
	RefreshDuration      metric.Float64Histogram
	SessionsRevokedTotal metric.Int64Counter
	SessionsExpiredTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the process-wide instruments, creating them against the
// global meter provider on first use.
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = newMetrics(otel.GetMeterProvider().Meter(instrumentationName))
	})
	return metrics
}

func newMetrics(meter metric.Meter) *Metrics {
	m := &Metrics{}

	m.LoginsTotal, _ = meter.Int64Counter(
		"passage.auth.logins.total",
		metric.WithDescription("Completed OAuth logins"),
		metric.WithUnit("{login}"),
	)
	m.LoginFailuresTotal, _ = meter.Int64Counter(
		"passage.auth.logins.failures.total",
		metric.WithDescription("OAuth callbacks that did not produce a session"),
		metric.WithUnit("{login}"),
	)
	m.RefreshesTotal, _ = meter.Int64Counter(
		"passage.auth.refreshes.total",
		metric.WithDescription("Successful provider token refreshes"),
		metric.WithUnit("{refresh}"),
	)
	m.RefreshFailuresTotal, _ = meter.Int64Counter(
		"passage.auth.refreshes.failures.total",
		metric.WithDescription("Provider token refreshes that failed"),
		metric.WithUnit("{refresh}"),
	)
	m.RefreshDuration, _ = meter.Float64Histogram(
		"passage.auth.refresh.duration",
		metric.WithDescription("Duration of provider refresh round trips"),
		metric.WithUnit("ms"),
	)
	m.SessionsRevokedTotal, _ = meter.Int64Counter(
		"passage.sessions.revoked.total",
		metric.WithDescription("Sessions moved to revoked"),
		metric.WithUnit("{session}"),
	)
	m.SessionsExpiredTotal, _ = meter.Int64Counter(
		"passage.sessions.expired.total",
		metric.WithDescription("Sessions moved to expired"),
		metric.WithUnit("{session}"),
	)

	return m
}

func providerAttr(provider string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("provider", provider))
}

// RecordLogin counts a login outcome for provider. reason is empty on success.
func RecordLogin(ctx context.Context, provider, reason string) {
	m := GetMetrics()
	if reason == "" {
		m.LoginsTotal.Add(ctx, 1, providerAttr(provider))
		return
	}
	m.LoginFailuresTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("reason", reason),
	))
}

// RecordRefresh counts a refresh outcome and its duration in milliseconds.
func RecordRefresh(ctx context.Context, provider string, ok bool, durationMs float64) {
	m := GetMetrics()
	if ok {
		m.RefreshesTotal.Add(ctx, 1, providerAttr(provider))
	} else {
		m.RefreshFailuresTotal.Add(ctx, 1, providerAttr(provider))
	}
	m.RefreshDuration.Record(ctx, durationMs, providerAttr(provider))
}

// RecordRevoked counts a session revocation.
func RecordRevoked(ctx context.Context, provider, cause string) {
	GetMetrics().SessionsRevokedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("cause", cause),
	))
}

// RecordExpired counts a session expiry.
func RecordExpired(ctx context.Context, provider string) {
	GetMetrics().SessionsExpiredTotal.Add(ctx, 1, providerAttr(provider))
}

// Tracer returns the tracer used by passage packages.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
