// Package telemetry configures OpenTelemetry metrics and the attribute conventions used by streams.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys, namespace.attribute_name.

const (
	// AttrExchange identifies the venue a stream is connected to.
	AttrExchange = attribute.Key("exchange")
	// AttrDomain separates public market data from private account streams.
	AttrDomain = attribute.Key("domain")
	// AttrSymbol captures the canonical symbol (e.g. BTC-USDT).
	AttrSymbol = attribute.Key("symbol")
	// AttrMessageType labels the normalized message kind.
	AttrMessageType = attribute.Key("message.type")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorType categorizes failures by error family.
	AttrErrorType = attribute.Key("error.type")
	// AttrCommandType indicates the control message sent (subscribe, unsubscribe, ping).
	AttrCommandType = attribute.Key("command.type")
	// AttrConnectionState labels stream lifecycle transitions.
	AttrConnectionState = attribute.Key("connection.state")
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// StreamAttributes returns the attributes shared by every stream instrument.
func StreamAttributes(environment, exchange, domain string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrExchange.String(exchange),
		AttrDomain.String(domain),
	}
}

// MessageAttributes extends base with a message kind.
func MessageAttributes(base []attribute.KeyValue, messageType string) []attribute.KeyValue {
	return appendAttr(base, AttrMessageType.String(messageType))
}

// ResultAttributes extends base with an operation result.
func ResultAttributes(base []attribute.KeyValue, result string) []attribute.KeyValue {
	return appendAttr(base, AttrResult.String(result))
}

// ErrorAttributes extends base with an error family.
func ErrorAttributes(base []attribute.KeyValue, errorType string) []attribute.KeyValue {
	return appendAttr(base, AttrErrorType.String(errorType))
}

// SymbolAttributes extends base with a symbol.
func SymbolAttributes(base []attribute.KeyValue, symbol string) []attribute.KeyValue {
	return appendAttr(base, AttrSymbol.String(symbol))
}

// CommandAttributes extends base with a control command type.
func CommandAttributes(base []attribute.KeyValue, command string) []attribute.KeyValue {
	return appendAttr(base, AttrCommandType.String(command))
}

// StateAttributes extends base with a lifecycle state.
func StateAttributes(base []attribute.KeyValue, state string) []attribute.KeyValue {
	return appendAttr(base, AttrConnectionState.String(state))
}

func appendAttr(base []attribute.KeyValue, kv attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(base)+1)
	out = append(out, base...)
	return append(out, kv)
}
