// Package metrics exposes engine counters through OpenTelemetry with a
// Prometheus exporter.
package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelglobal "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const meterName = "sessiongate"

var (
	AttrEntity = attribute.Key("entity")
	AttrStatus = attribute.Key("status")
	AttrOp     = attribute.Key("operation")
	AttrResult = attribute.Key("result")
)

// InitMeterProvider installs a global MeterProvider backed by a fresh
// Prometheus registry and returns the handler serving it.
func InitMeterProvider(ctx context.Context, serviceName string) (http.Handler, error) {
	if serviceName == "" {
		serviceName = "sessiongate"
	}
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otelglobal.SetMeterProvider(provider)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}), nil
}

func Meter() metric.Meter {
	return otelglobal.Meter(meterName)
}

var (
	initOnce        sync.Once
	initErr         error
	transitions     metric.Int64Counter
	conflicts       metric.Int64Counter
	denials         metric.Int64Counter
	gateEvaluations metric.Int64Counter
	auditFailures   metric.Int64Counter
	validationScore metric.Int64Histogram
)

// InitMetrics creates the instruments once. Record functions are no-ops
// until it has run.
func InitMetrics(ctx context.Context) error {
	initOnce.Do(func() {
		m := Meter()
		if transitions, initErr = m.Int64Counter("sessiongate_transitions_total", metric.WithDescription("Accepted status transitions")); initErr != nil {
			return
		}
		if conflicts, initErr = m.Int64Counter("sessiongate_version_conflicts_total", metric.WithDescription("Optimistic write conflicts, retried or not")); initErr != nil {
			return
		}
		if denials, initErr = m.Int64Counter("sessiongate_write_denials_total", metric.WithDescription("Writes rejected by ownership or transition checks")); initErr != nil {
			return
		}
		if gateEvaluations, initErr = m.Int64Counter("sessiongate_gate_evaluations_total", metric.WithDescription("Phase gate evaluations")); initErr != nil {
			return
		}
		if auditFailures, initErr = m.Int64Counter("sessiongate_audit_append_failures_total", metric.WithDescription("Audit entries lost after their write committed")); initErr != nil {
			return
		}
		validationScore, initErr = m.Int64Histogram("sessiongate_validation_score", metric.WithDescription("Validator scores"),
			metric.WithExplicitBucketBoundaries(0, 25, 50, 75, 80, 90, 95, 100))
	})
	return initErr
}

// SessionCountFunc reports live session counts by status.
type SessionCountFunc func(ctx context.Context) (map[string]int64, error)

// RegisterSessionGauge publishes sessiongate_sessions by status.
func RegisterSessionGauge(count SessionCountFunc) error {
	m := Meter()
	gauge, err := m.Int64ObservableGauge("sessiongate_sessions", metric.WithDescription("Sessions by status"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		counts, err := count(ctx)
		if err != nil {
			return err
		}
		for status, n := range counts {
			o.ObserveInt64(gauge, n, metric.WithAttributes(AttrStatus.String(status)))
		}
		return nil
	}, gauge)
	return err
}

func RecordTransition(ctx context.Context, entity, to string) {
	if transitions == nil {
		return
	}
	transitions.Add(ctx, 1, metric.WithAttributes(AttrEntity.String(entity), AttrStatus.String(to)))
}

func RecordConflict(ctx context.Context, op string) {
	if conflicts == nil {
		return
	}
	conflicts.Add(ctx, 1, metric.WithAttributes(AttrOp.String(op)))
}

func RecordDenial(ctx context.Context, reason string) {
	if denials == nil {
		return
	}
	denials.Add(ctx, 1, metric.WithAttributes(AttrResult.String(reason)))
}

func RecordAuditFailure(ctx context.Context, op string, entries int) {
	if auditFailures == nil {
		return
	}
	auditFailures.Add(ctx, int64(entries), metric.WithAttributes(AttrOp.String(op)))
}

func RecordGate(ctx context.Context, passed bool, score int) {
	result := "blocked"
	if passed {
		result = "passed"
	}
	if gateEvaluations != nil {
		gateEvaluations.Add(ctx, 1, metric.WithAttributes(AttrResult.String(result)))
	}
	RecordScore(ctx, "gate", score)
}

func RecordScore(ctx context.Context, source string, score int) {
	if validationScore == nil {
		return
	}
	validationScore.Record(ctx, int64(score), metric.WithAttributes(AttrOp.String(source)))
}
