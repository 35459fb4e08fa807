// Package metrics defines the OpenTelemetry instruments produced by the
// maintenance core. With metrics disabled, instruments come from a noop
// meter provider and every recording is free.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Set holds every instrument the maintenance core records.
type Set struct {
	Promotions            metric.Int64Counter
	ConsolidationFailures metric.Int64Counter
	ConsolidationLatency  metric.Float64Histogram
	DecayEvents           metric.Int64Counter
	PrunedItems           metric.Int64Counter
	RejectedIngest        metric.Int64Counter
	BacklogAge            metric.Float64Gauge
}

// New creates the instrument set from a meter provider.
func New(provider metric.MeterProvider) (*Set, error) {
	meter := provider.Meter("stratamem")

	var s Set
	var err error

	if s.Promotions, err = meter.Int64Counter("stratamem.consolidation.promotions",
		metric.WithDescription("Completed tier promotions")); err != nil {
		return nil, fmt.Errorf("create promotions counter: %w", err)
	}
	if s.ConsolidationFailures, err = meter.Int64Counter("stratamem.consolidation.failures",
		metric.WithDescription("Failed promotion attempts")); err != nil {
		return nil, fmt.Errorf("create failures counter: %w", err)
	}
	if s.ConsolidationLatency, err = meter.Float64Histogram("stratamem.consolidation.latency",
		metric.WithDescription("Promotion latency"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create latency histogram: %w", err)
	}
	if s.DecayEvents, err = meter.Int64Counter("stratamem.decay.events",
		metric.WithDescription("Items whose energy was reduced by a decay pass")); err != nil {
		return nil, fmt.Errorf("create decay counter: %w", err)
	}
	if s.PrunedItems, err = meter.Int64Counter("stratamem.decay.pruned",
		metric.WithDescription("Items deleted after crossing the forgetting threshold")); err != nil {
		return nil, fmt.Errorf("create pruned counter: %w", err)
	}
	if s.RejectedIngest, err = meter.Int64Counter("stratamem.watchdog.rejected",
		metric.WithDescription("Admissions rejected at capacity")); err != nil {
		return nil, fmt.Errorf("create rejected counter: %w", err)
	}
	if s.BacklogAge, err = meter.Float64Gauge("stratamem.orchestrator.backlog_age",
		metric.WithDescription("Age of the oldest unprocessed candidate"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create backlog gauge: %w", err)
	}

	return &s, nil
}

// NewNoop returns a set whose recordings are discarded.
func NewNoop() *Set {
	s, _ := New(noop.NewMeterProvider())
	return s
}

// RecordBacklogAge is a nil-safe gauge helper for the orchestrator.
func (s *Set) RecordBacklogAge(ctx context.Context, seconds float64) {
	if s == nil {
		return
	}
	s.BacklogAge.Record(ctx, seconds)
}
