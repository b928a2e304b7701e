// Package errs provides the structured error envelope shared by the streaming core.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies the error family of a streaming failure.
type Code string

const (
	// CodeConnection indicates a transport or handshake failure. Reconnect per policy.
	CodeConnection Code = "connection"
	// CodeProtocol indicates an undecodable frame. The frame is dropped.
	CodeProtocol Code = "protocol"
	// CodeSequenceGap indicates an order book discontinuity. The book is marked stale.
	CodeSequenceGap Code = "sequence_gap"
	// CodeAuth indicates a private-stream credential failure. Never retried.
	CodeAuth Code = "auth"
	// CodeSubscription indicates the server rejected a channel subscription.
	CodeSubscription Code = "subscription"
	// CodeSessionExpired indicates the exchange invalidated the session token.
	CodeSessionExpired Code = "session_expired"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeClosed indicates an operation on a closed client.
	CodeClosed Code = "closed"
)

// Sentinels matched with errors.Is against any *E of the same code.
var (
	ErrConnection     = &E{Code: CodeConnection}
	ErrProtocol       = &E{Code: CodeProtocol}
	ErrSequenceGap    = &E{Code: CodeSequenceGap}
	ErrAuth           = &E{Code: CodeAuth}
	ErrSubscription   = &E{Code: CodeSubscription}
	ErrSessionExpired = &E{Code: CodeSessionExpired}
	ErrInvalid        = &E{Code: CodeInvalid}
	ErrClosed         = &E{Code: CodeClosed}
)

// E captures structured error information produced by the streaming stack.
type E struct {
	Exchange string
	Code     Code
	HTTP     int
	RawCode  string
	RawMsg   string
	Message  string
	Channel  string
	Symbol   string
	// Raw holds the offending frame for protocol diagnostics.
	Raw []byte

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the exchange and error code.
func New(exchange string, code Code, opts ...Option) *E {
	e := &E{
		Exchange: strings.TrimSpace(exchange),
		Code:     code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw exchange error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw exchange error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithChannel records the channel the error relates to.
func WithChannel(channel string) Option {
	trimmed := strings.TrimSpace(channel)
	return func(e *E) {
		e.Channel = trimmed
	}
}

// WithSymbol records the symbol the error relates to.
func WithSymbol(symbol string) Option {
	trimmed := strings.TrimSpace(symbol)
	return func(e *E) {
		e.Symbol = trimmed
	}
}

// WithRaw keeps a copy of the frame that failed to decode.
func WithRaw(raw []byte) Option {
	return func(e *E) {
		if len(raw) == 0 {
			e.Raw = nil
			return
		}
		e.Raw = append([]byte(nil), raw...)
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	exchange := strings.TrimSpace(e.Exchange)
	if exchange == "" {
		exchange = "unknown"
	}
	parts = append(parts, "exchange="+exchange)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Channel != "" {
		parts = append(parts, "channel="+strconv.Quote(e.Channel))
	}
	if e.Symbol != "" {
		parts = append(parts, "symbol="+strconv.Quote(e.Symbol))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target is an envelope with the same code. Only the code is
// compared so sentinels match any envelope of their family.
func (e *E) Is(target error) bool {
	t, ok := target.(*E)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Code != "" && e.Code == t.Code
}

// CodeOf returns the code of the first envelope found in err's chain.
func CodeOf(err error) (Code, bool) {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code, true
	}
	return "", false
}

// Truncate shortens raw payloads for logging.
func Truncate(raw []byte, limit int) string {
	if limit <= 0 || len(raw) <= limit {
		return string(raw)
	}
	return string(raw[:limit]) + "..."
}
