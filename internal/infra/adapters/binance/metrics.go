package binance

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/meltica-streams/internal/infra/telemetry"
)

type parserMetrics struct {
	base []attribute.KeyValue

	userEvents    metric.Int64Counter
	orderStatuses metric.Int64Counter
}

func newParserMetrics(domain string) *parserMetrics {
	meter := otel.Meter("adapter.binance")
	pm := &parserMetrics{
		base: telemetry.StreamAttributes(telemetry.Environment(), Name, domain),
	}

	pm.userEvents, _ = meter.Int64Counter("adapter.binance.user_events",
		metric.WithDescription("User data stream events received from Binance"),
		metric.WithUnit("{event}"))

	pm.orderStatuses, _ = meter.Int64Counter("adapter.binance.order_updates",
		metric.WithDescription("Binance execution reports by order status"),
		metric.WithUnit("{report}"))

	return pm
}

// recordEvent runs on the processing goroutine, which has no context of its own.
func (pm *parserMetrics) recordEvent(event string) {
	if pm == nil || pm.userEvents == nil {
		return
	}
	attrs := telemetry.MessageAttributes(pm.base, strings.ToLower(event))
	pm.userEvents.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (pm *parserMetrics) recordOrder(status string) {
	if pm == nil || pm.orderStatuses == nil {
		return
	}
	attrs := append(append([]attribute.KeyValue(nil), pm.base...), attribute.String("order.status", status))
	pm.orderStatuses.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}
