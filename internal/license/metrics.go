package license

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OpenTelemetry instruments for the licensing agent.
// A nil *Metrics is valid and records nothing, so wiring metrics stays
// optional in tests.
type Metrics struct {
	ValidationsTotal   metric.Int64Counter
	ValidationDuration metric.Float64Histogram
	MemoHits           metric.Int64Counter
	MemoMisses         metric.Int64Counter
	CloudOutcomes      metric.Int64Counter
	MigrationAttempts  metric.Int64Counter
}

// NewMetrics creates the licensing instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	validations, err := meter.Int64Counter("license_validations_total",
		metric.WithDescription("Validation flow runs by source and status"))
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("license_validation_duration_seconds",
		metric.WithDescription("Validation flow duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	memoHits, err := meter.Int64Counter("license_status_memo_hits_total",
		metric.WithDescription("GetStatus calls answered from the TTL memo"))
	if err != nil {
		return nil, err
	}

	memoMisses, err := meter.Int64Counter("license_status_memo_misses_total",
		metric.WithDescription("GetStatus calls that re-ran the validation flow"))
	if err != nil {
		return nil, err
	}

	cloudOutcomes, err := meter.Int64Counter("license_cloud_outcomes_total",
		metric.WithDescription("Cloud validation outcomes"))
	if err != nil {
		return nil, err
	}

	migrations, err := meter.Int64Counter("license_migration_attempts_total",
		metric.WithDescription("Migration attempts by final status"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		ValidationsTotal:   validations,
		ValidationDuration: duration,
		MemoHits:           memoHits,
		MemoMisses:         memoMisses,
		CloudOutcomes:      cloudOutcomes,
		MigrationAttempts:  migrations,
	}, nil
}

func (m *Metrics) recordValidation(ctx context.Context, state LicenseState, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("source", string(state.Source)),
		attribute.String("status", string(state.Status)),
	)
	m.ValidationsTotal.Add(ctx, 1, attrs)
	m.ValidationDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *Metrics) recordMemoHit(ctx context.Context) {
	if m == nil {
		return
	}
	m.MemoHits.Add(ctx, 1)
}

func (m *Metrics) recordMemoMiss(ctx context.Context) {
	if m == nil {
		return
	}
	m.MemoMisses.Add(ctx, 1)
}

func (m *Metrics) recordCloudOutcome(ctx context.Context, outcome CloudOutcome) {
	if m == nil {
		return
	}
	m.CloudOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome.String()),
	))
}

func (m *Metrics) recordMigration(ctx context.Context, status MigrationStatus) {
	if m == nil {
		return
	}
	m.MigrationAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(status)),
	))
}
