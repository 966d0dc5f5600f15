// Package telemetry records sync metrics through the OpenTelemetry metric
// API. Collection is opt-in and local: when enabled, measurements are kept
// by an in-process reader and only surface through Snapshot. Nothing is
// exported off the device.
package telemetry

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const meterName = "github.com/kimhsiao/agentx/backend/sync"

// Telemetry owns the meter provider.
type Telemetry struct {
	provider metric.MeterProvider
	sdk      *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader
}

// New creates the telemetry provider. Disabled telemetry records nothing.
func New(enabled bool) *Telemetry {
	if !enabled {
		return &Telemetry{provider: noop.NewMeterProvider()}
	}
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)
	return &Telemetry{provider: mp, sdk: mp, reader: reader}
}

// IsEnabled reports whether measurements are collected.
func (t *Telemetry) IsEnabled() bool {
	return t.reader != nil
}

// MeterProvider returns the provider instruments should be created from.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.provider
}

// Snapshot returns the current value of every instrument, summed across
// attributes. Histograms report their observation count.
func (t *Telemetry) Snapshot(ctx context.Context) (map[string]float64, error) {
	out := map[string]float64{}
	if t.reader == nil {
		return out, nil
	}
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += float64(dp.Value)
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += float64(dp.Value)
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += float64(dp.Count)
				}
			}
		}
	}
	return out, nil
}

// Names returns the instrument names of a snapshot in order.
func Names(snapshot map[string]float64) []string {
	names := make([]string, 0, len(snapshot))
	for n := range snapshot {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Shutdown releases the provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.sdk == nil {
		return nil
	}
	return t.sdk.Shutdown(ctx)
}

// Metrics are the sync instruments.
type Metrics struct {
	drains          metric.Int64Counter
	drainDuration   metric.Float64Histogram
	items           metric.Int64Counter
	conflicts       metric.Int64Counter
	authSuspensions metric.Int64Counter
	queueDepth      metric.Int64Gauge
}

// NewMetrics creates the sync instruments. A nil provider uses the global one.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	var m Metrics
	var err error
	if m.drains, err = meter.Int64Counter("sync.drains",
		metric.WithDescription("Queue drains by trigger and outcome")); err != nil {
		return nil, err
	}
	if m.drainDuration, err = meter.Float64Histogram("sync.drain.duration",
		metric.WithDescription("Drain wall time"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.items, err = meter.Int64Counter("sync.items",
		metric.WithDescription("Queue items processed by outcome")); err != nil {
		return nil, err
	}
	if m.conflicts, err = meter.Int64Counter("sync.conflicts",
		metric.WithDescription("Conflicts by resolution")); err != nil {
		return nil, err
	}
	if m.authSuspensions, err = meter.Int64Counter("sync.auth_suspensions",
		metric.WithDescription("Times replay halted on a rejected credential")); err != nil {
		return nil, err
	}
	if m.queueDepth, err = meter.Int64Gauge("sync.queue.depth",
		metric.WithDescription("Queued operations after a drain")); err != nil {
		return nil, err
	}
	return &m, nil
}

// Noop returns instruments that record nothing.
func Noop() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider())
	return m
}

// DrainFinished records one drain.
func (m *Metrics) DrainFinished(ctx context.Context, trigger, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("outcome", outcome),
	)
	m.drains.Add(ctx, 1, attrs)
	m.drainDuration.Record(ctx, d.Seconds(), attrs)
}

// ItemProcessed records the outcome of one queue item.
func (m *Metrics) ItemProcessed(ctx context.Context, entityType, action, outcome string) {
	m.items.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity_type", entityType),
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
}

// ConflictResolved records a resolved conflict.
func (m *Metrics) ConflictResolved(ctx context.Context, entityType, resolution string) {
	m.conflicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity_type", entityType),
		attribute.String("resolution", resolution),
	))
}

// AuthSuspended records a halt on a rejected credential.
func (m *Metrics) AuthSuspended(ctx context.Context) {
	m.authSuspensions.Add(ctx, 1)
}

// QueueDepth records the number of queued operations.
func (m *Metrics) QueueDepth(ctx context.Context, n int) {
	m.queueDepth.Record(ctx, int64(n))
}
