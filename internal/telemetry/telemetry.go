// Package telemetry records sync engine metrics with OpenTelemetry.
//
// Nothing leaves the process: when enabled, instruments feed an in-memory
// ManualReader that the CLI can snapshot. When disabled every instrument
// is a no-op.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const meterName = "github.com/kimhsiao/judgesync"

// Metric names.
const (
	MetricEnqueued      = "judgesync.actions.enqueued"
	MetricSynced        = "judgesync.actions.synced"
	MetricRetried       = "judgesync.actions.retried"
	MetricFailed        = "judgesync.actions.failed"
	MetricConflicts     = "judgesync.conflicts.detected"
	MetricDrains        = "judgesync.drains.total"
	MetricDrainsAborted = "judgesync.drains.aborted"
	MetricDrainDuration = "judgesync.drain.duration"
)

// DrainStats summarizes one drain for recording.
type DrainStats struct {
	Successful int
	Retried    int
	Failed     int
	Conflicts  int
	Aborted    bool
	Duration   time.Duration
}

// Metrics holds the engine's instruments.
type Metrics struct {
	enabled  bool
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader

	enqueued  metric.Int64Counter
	synced    metric.Int64Counter
	retried   metric.Int64Counter
	failed    metric.Int64Counter
	conflicts metric.Int64Counter
	drains    metric.Int64Counter
	aborted   metric.Int64Counter
	duration  metric.Float64Histogram
}

// New creates Metrics. With enabled false all instruments are no-ops.
func New(enabled bool) (*Metrics, error) {
	if !enabled {
		return newMetrics(noop.NewMeterProvider().Meter(meterName), false)
	}

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := newMetrics(provider.Meter(meterName), true)
	if err != nil {
		return nil, err
	}
	m.provider = provider
	m.reader = reader
	return m, nil
}

// Noop returns disabled Metrics.
func Noop() *Metrics {
	m, _ := New(false)
	return m
}

func newMetrics(meter metric.Meter, enabled bool) (*Metrics, error) {
	m := &Metrics{enabled: enabled}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.enqueued, MetricEnqueued, "Actions durably enqueued", "{action}"},
		{&m.synced, MetricSynced, "Actions confirmed by the server", "{action}"},
		{&m.retried, MetricRetried, "Retryable failures returned to the queue", "{action}"},
		{&m.failed, MetricFailed, "Actions moved to failed", "{action}"},
		{&m.conflicts, MetricConflicts, "Version conflicts reported by the server", "{conflict}"},
		{&m.drains, MetricDrains, "Drains that opened a session", "{drain}"},
		{&m.aborted, MetricDrainsAborted, "Drains aborted by a connectivity drop", "{drain}"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.duration, err = meter.Float64Histogram(MetricDrainDuration,
		metric.WithDescription("Wall time of a drain"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create drain duration histogram: %w", err)
	}
	return m, nil
}

// Enabled reports whether metrics are being collected.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// RecordEnqueue counts one enqueued action.
func (m *Metrics) RecordEnqueue(ctx context.Context, actionType string) {
	if m == nil {
		return
	}
	m.enqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("type", actionType)))
}

// RecordDrain records the outcome counts of one drain.
func (m *Metrics) RecordDrain(ctx context.Context, s DrainStats) {
	if m == nil {
		return
	}
	m.drains.Add(ctx, 1)
	m.synced.Add(ctx, int64(s.Successful))
	m.retried.Add(ctx, int64(s.Retried))
	m.failed.Add(ctx, int64(s.Failed))
	m.conflicts.Add(ctx, int64(s.Conflicts))
	if s.Aborted {
		m.aborted.Add(ctx, 1)
	}
	m.duration.Record(ctx, s.Duration.Seconds(),
		metric.WithAttributes(attribute.Bool("aborted", s.Aborted)))
}

// Snapshot returns the current counter totals by metric name. It is empty
// when metrics are disabled.
func (m *Metrics) Snapshot(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	if !m.Enabled() {
		return out, nil
	}

	var rm metricdata.ResourceMetrics
	if err := m.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("failed to collect metrics: %w", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch data := md.Data.(type) {
			case metricdata.Sum[int64]:
				var total int64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				out[md.Name] = total
			case metricdata.Histogram[float64]:
				var count uint64
				for _, dp := range data.DataPoints {
					count += dp.Count
				}
				out[md.Name] = int64(count)
			}
		}
	}
	return out, nil
}

// Shutdown releases the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
