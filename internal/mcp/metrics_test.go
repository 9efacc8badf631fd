package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/patterngate/internal/errcode"
)

func collect(t *testing.T, reader *metric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumInt(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_RecordInvocation(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := newMetrics(mp.Meter(instrumentationName), nil)
	ctx := context.Background()

	m.RecordInvocation(ctx, toolDiscover, 100*time.Millisecond, nil)
	m.RecordInvocation(ctx, toolValidate, 50*time.Millisecond, errcode.New(errcode.SessionExpired, "gone"))

	got := collect(t, reader)
	require.Contains(t, got, "patterngate.mcp.tool.invocations_total")
	require.Contains(t, got, "patterngate.mcp.tool.duration_seconds")
	require.Contains(t, got, "patterngate.mcp.tool.errors_total")
	assert.Equal(t, int64(2), sumInt(t, got["patterngate.mcp.tool.invocations_total"]))

	errs := got["patterngate.mcp.tool.errors_total"].Data.(metricdata.Sum[int64])
	require.Len(t, errs.DataPoints, 1)
	reason, ok := errs.DataPoints[0].Attributes.Value(attribute.Key("reason"))
	require.True(t, ok)
	assert.Equal(t, "SESSION_EXPIRED", reason.AsString())
}

func TestMetrics_ActiveRequests(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := newMetrics(mp.Meter(instrumentationName), nil)
	ctx := context.Background()

	m.IncrementActive(ctx, toolDiscover)
	m.IncrementActive(ctx, toolDiscover)
	m.DecrementActive(ctx, toolDiscover)

	got := collect(t, reader)
	require.Contains(t, got, "patterngate.mcp.tool.active_requests")
	assert.Equal(t, int64(1), sumInt(t, got["patterngate.mcp.tool.active_requests"]))
}
