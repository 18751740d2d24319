package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records domain measurements.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordKeyRefresh records a key-set fetch and the number of usable keys.
	RecordKeyRefresh(ctx context.Context, duration time.Duration, keys int, err error)

	// RecordValidation records a token validation outcome ("ok" or a
	// failure kind).
	RecordValidation(ctx context.Context, outcome string)

	// RecordDecision records a permission decision.
	RecordDecision(ctx context.Context, permission, reason string)

	// RecordExchange records a call to the delegation endpoint.
	RecordExchange(ctx context.Context, role string, duration time.Duration, err error)

	// RecordCacheLookup records a delegated-token cache lookup.
	RecordCacheLookup(ctx context.Context, role string, hit bool)

	// RecordExecution records a tool operation with duration and error status.
	RecordExecution(ctx context.Context, call Call, duration time.Duration, err error)
}

type metricsImpl struct {
	keyRefreshes  metric.Int64Counter
	keyDuration   metric.Float64Histogram
	keyCount      metric.Int64Gauge
	validations   metric.Int64Counter
	decisions     metric.Int64Counter
	exchanges     metric.Int64Counter
	exchangeHist  metric.Float64Histogram
	cacheLookups  metric.Int64Counter
	execTotal     metric.Int64Counter
	execErrors    metric.Int64Counter
	execDurations metric.Float64Histogram
}

// NewMetrics creates the instrument set on the given meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	m := &metricsImpl{}
	var err error

	if m.keyRefreshes, err = meter.Int64Counter("auth.keyring.refreshes",
		metric.WithDescription("Key-set fetch attempts"),
		metric.WithUnit("{fetch}")); err != nil {
		return nil, err
	}
	if m.keyDuration, err = meter.Float64Histogram("auth.keyring.refresh.duration_ms",
		metric.WithDescription("Key-set fetch duration in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.keyCount, err = meter.Int64Gauge("auth.keyring.keys",
		metric.WithDescription("Usable signing keys in the current set"),
		metric.WithUnit("{key}")); err != nil {
		return nil, err
	}
	if m.validations, err = meter.Int64Counter("auth.validations",
		metric.WithDescription("Token validations by outcome"),
		metric.WithUnit("{token}")); err != nil {
		return nil, err
	}
	if m.decisions, err = meter.Int64Counter("auth.decisions",
		metric.WithDescription("Permission decisions by reason"),
		metric.WithUnit("{decision}")); err != nil {
		return nil, err
	}
	if m.exchanges, err = meter.Int64Counter("delegation.exchanges",
		metric.WithDescription("Token exchange calls"),
		metric.WithUnit("{call}")); err != nil {
		return nil, err
	}
	if m.exchangeHist, err = meter.Float64Histogram("delegation.exchange.duration_ms",
		metric.WithDescription("Token exchange duration in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.cacheLookups, err = meter.Int64Counter("delegation.cache.lookups",
		metric.WithDescription("Delegated-token cache lookups"),
		metric.WithUnit("{lookup}")); err != nil {
		return nil, err
	}
	if m.execTotal, err = meter.Int64Counter("tool.exec.total",
		metric.WithDescription("Total number of tool executions"),
		metric.WithUnit("{call}")); err != nil {
		return nil, err
	}
	if m.execErrors, err = meter.Int64Counter("tool.exec.errors",
		metric.WithDescription("Total number of tool execution errors"),
		metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if m.execDurations, err = meter.Float64Histogram("tool.exec.duration_ms",
		metric.WithDescription("Tool execution duration in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

func outcome(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String("outcome", "error")
	}
	return attribute.String("outcome", "ok")
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func (m *metricsImpl) RecordKeyRefresh(ctx context.Context, duration time.Duration, keys int, err error) {
	opt := metric.WithAttributes(outcome(err))
	m.keyRefreshes.Add(ctx, 1, opt)
	m.keyDuration.Record(ctx, millis(duration), opt)
	if err == nil {
		m.keyCount.Record(ctx, int64(keys))
	}
}

func (m *metricsImpl) RecordValidation(ctx context.Context, result string) {
	m.validations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", result)))
}

func (m *metricsImpl) RecordDecision(ctx context.Context, permission, reason string) {
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("permission", permission),
		attribute.String("reason", reason),
	))
}

func (m *metricsImpl) RecordExchange(ctx context.Context, role string, duration time.Duration, err error) {
	opt := metric.WithAttributes(attribute.String("role", role), outcome(err))
	m.exchanges.Add(ctx, 1, opt)
	m.exchangeHist.Record(ctx, millis(duration), opt)
}

func (m *metricsImpl) RecordCacheLookup(ctx context.Context, role string, hit bool) {
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role),
		attribute.Bool("hit", hit),
	))
}

// RecordExecution labels series by operation only.
func (m *metricsImpl) RecordExecution(ctx context.Context, call Call, duration time.Duration, err error) {
	opt := metric.WithAttributes(attribute.String("tool.operation", call.Operation))

	m.execTotal.Add(ctx, 1, opt)
	if err != nil {
		m.execErrors.Add(ctx, 1, opt)
	}
	m.execDurations.Record(ctx, millis(duration), opt)
}

type noopMetrics struct{}

// NopMetrics returns a Metrics that records nothing.
func NopMetrics() Metrics { return noopMetrics{} }

func (noopMetrics) RecordKeyRefresh(context.Context, time.Duration, int, error)  {}
func (noopMetrics) RecordValidation(context.Context, string)                     {}
func (noopMetrics) RecordDecision(context.Context, string, string)               {}
func (noopMetrics) RecordExchange(context.Context, string, time.Duration, error) {}
func (noopMetrics) RecordCacheLookup(context.Context, string, bool)              {}
func (noopMetrics) RecordExecution(context.Context, Call, time.Duration, error)  {}
