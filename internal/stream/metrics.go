package stream

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/meltica-streams/internal/infra/telemetry"
)

type streamMetrics struct {
	base []attribute.KeyValue

	frames          metric.Int64Counter
	frameBytes      metric.Int64Histogram
	dropped         metric.Int64Counter
	protocolErrors  metric.Int64Counter
	reconnects      metric.Int64Counter
	controlMessages metric.Int64Counter
	dispatchLatency metric.Float64Histogram
	subscriptions   metric.Int64UpDownCounter
	staleBooks      metric.Int64Counter
	stateChanges    metric.Int64Counter
}

func newStreamMetrics(exchange, domain string) *streamMetrics {
	meter := otel.Meter("meltica.stream")
	sm := &streamMetrics{
		base: telemetry.StreamAttributes(telemetry.Environment(), exchange, domain),
	}

	sm.frames, _ = meter.Int64Counter("stream.frames",
		metric.WithDescription("Frames received from exchange websocket connections"),
		metric.WithUnit("{frame}"))

	sm.frameBytes, _ = meter.Int64Histogram("stream.frame.bytes",
		metric.WithDescription("Size of received frames"),
		metric.WithUnit("By"))

	sm.dropped, _ = meter.Int64Counter("stream.frames.dropped",
		metric.WithDescription("Frames dropped because the inbound queue was full"),
		metric.WithUnit("{frame}"))

	sm.protocolErrors, _ = meter.Int64Counter("stream.errors",
		metric.WithDescription("Errors observed while decoding or handling frames"),
		metric.WithUnit("{error}"))

	sm.reconnects, _ = meter.Int64Counter("stream.reconnects",
		metric.WithDescription("Reconnect attempts"),
		metric.WithUnit("{reconnect}"))

	sm.controlMessages, _ = meter.Int64Counter("stream.control_messages",
		metric.WithDescription("Control messages written to the socket"),
		metric.WithUnit("{message}"))

	sm.dispatchLatency, _ = meter.Float64Histogram(telemetry.DispatchLatencyMetric,
		metric.WithDescription("Latency from frame receipt to handler completion"),
		metric.WithUnit("ms"))

	sm.subscriptions, _ = meter.Int64UpDownCounter("stream.subscriptions.active",
		metric.WithDescription("Active subscriptions"),
		metric.WithUnit("{subscription}"))

	sm.staleBooks, _ = meter.Int64Counter("stream.orderbook.stale",
		metric.WithDescription("Order books marked stale after a sequence gap"),
		metric.WithUnit("{book}"))

	sm.stateChanges, _ = meter.Int64Counter("stream.state_changes",
		metric.WithDescription("Client lifecycle transitions"),
		metric.WithUnit("{transition}"))

	return sm
}

func (sm *streamMetrics) recordFrame(ctx context.Context, bytes int) {
	if sm == nil || sm.frames == nil {
		return
	}
	attrs := metric.WithAttributes(sm.base...)
	sm.frames.Add(ctx, 1, attrs)
	if sm.frameBytes != nil && bytes > 0 {
		sm.frameBytes.Record(ctx, int64(bytes), attrs)
	}
}

func (sm *streamMetrics) recordDropped(ctx context.Context) {
	if sm == nil || sm.dropped == nil {
		return
	}
	sm.dropped.Add(ctx, 1, metric.WithAttributes(sm.base...))
}

func (sm *streamMetrics) recordError(ctx context.Context, errorType string) {
	if sm == nil || sm.protocolErrors == nil {
		return
	}
	sm.protocolErrors.Add(ctx, 1, metric.WithAttributes(telemetry.ErrorAttributes(sm.base, errorType)...))
}

func (sm *streamMetrics) recordReconnect(ctx context.Context, result string) {
	if sm == nil || sm.reconnects == nil {
		return
	}
	sm.reconnects.Add(ctx, 1, metric.WithAttributes(telemetry.ResultAttributes(sm.base, result)...))
}

func (sm *streamMetrics) recordControl(ctx context.Context, command string, count int) {
	if sm == nil || sm.controlMessages == nil || count == 0 {
		return
	}
	sm.controlMessages.Add(ctx, int64(count), metric.WithAttributes(telemetry.CommandAttributes(sm.base, command)...))
}

func (sm *streamMetrics) recordDispatch(ctx context.Context, kind string, latency time.Duration) {
	if sm == nil || sm.dispatchLatency == nil {
		return
	}
	if latency < 0 {
		latency = 0
	}
	ms := float64(latency) / float64(time.Millisecond)
	sm.dispatchLatency.Record(ctx, ms, metric.WithAttributes(telemetry.MessageAttributes(sm.base, kind)...))
}

func (sm *streamMetrics) adjustSubscriptions(ctx context.Context, delta int) {
	if sm == nil || sm.subscriptions == nil || delta == 0 {
		return
	}
	sm.subscriptions.Add(ctx, int64(delta), metric.WithAttributes(sm.base...))
}

func (sm *streamMetrics) recordStale(ctx context.Context, symbol string) {
	if sm == nil || sm.staleBooks == nil {
		return
	}
	sm.staleBooks.Add(ctx, 1, metric.WithAttributes(telemetry.SymbolAttributes(sm.base, symbol)...))
}

func (sm *streamMetrics) recordState(ctx context.Context, state string) {
	if sm == nil || sm.stateChanges == nil {
		return
	}
	sm.stateChanges.Add(ctx, 1, metric.WithAttributes(telemetry.StateAttributes(sm.base, state)...))
}
