package shared

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/meltica-streams/internal/infra/telemetry"
)

type connectionMetrics struct {
	base []attribute.KeyValue

	dials       metric.Int64Counter
	pings       metric.Int64Counter
	pingLatency metric.Float64Histogram
	tokenOps    metric.Int64Counter
}

func newConnectionMetrics(exchange, domain string) *connectionMetrics {
	meter := otel.Meter("meltica.adapter")
	cm := &connectionMetrics{
		base: telemetry.StreamAttributes(telemetry.Environment(), exchange, domain),
	}

	cm.dials, _ = meter.Int64Counter("adapter.ws.dials",
		metric.WithDescription("Websocket dial attempts"),
		metric.WithUnit("{dial}"))

	cm.pings, _ = meter.Int64Counter("adapter.ws.pings",
		metric.WithDescription("Heartbeats sent"),
		metric.WithUnit("{ping}"))

	cm.pingLatency, _ = meter.Float64Histogram("adapter.ws.ping.latency",
		metric.WithDescription("Heartbeat write latency"),
		metric.WithUnit("ms"))

	cm.tokenOps, _ = meter.Int64Counter("adapter.session_token.operations",
		metric.WithDescription("Session token create, renew and delete calls"),
		metric.WithUnit("{operation}"))

	return cm
}

func (cm *connectionMetrics) recordDial(ctx context.Context, err error) {
	if cm == nil || cm.dials == nil {
		return
	}
	cm.dials.Add(ctx, 1, metric.WithAttributes(telemetry.ResultAttributes(cm.base, resultOf(err))...))
}

func (cm *connectionMetrics) recordPing(ctx context.Context, latency time.Duration, err error) {
	if cm == nil || cm.pings == nil {
		return
	}
	attrs := metric.WithAttributes(telemetry.ResultAttributes(cm.base, resultOf(err))...)
	cm.pings.Add(ctx, 1, attrs)
	if cm.pingLatency != nil {
		cm.pingLatency.Record(ctx, float64(latency)/float64(time.Millisecond), attrs)
	}
}

func (cm *connectionMetrics) recordToken(ctx context.Context, op string, err error) {
	if cm == nil || cm.tokenOps == nil {
		return
	}
	attrs := telemetry.ResultAttributes(telemetry.CommandAttributes(cm.base, op), resultOf(err))
	cm.tokenOps.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func resultOf(err error) string {
	if err != nil {
		return telemetry.ResultError
	}
	return telemetry.ResultSuccess
}
