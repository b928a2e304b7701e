package shared

import (
	"bytes"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/meltica-streams/errs"
	"github.com/coachpo/meltica-streams/internal/domain/schema"
	"github.com/coachpo/meltica-streams/internal/infra/transport"
	"github.com/coachpo/meltica-streams/internal/pool"
)

// Number decodes a JSON number or numeric string into float64.
type Number float64

func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*n = Number(v)
	return nil
}

// Float returns the value as float64.
func (n Number) Float() float64 { return float64(n) }

// ParseFloat converts a numeric string. Empty strings are zero.
func ParseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// IsJSON reports whether a text frame looks like a JSON document.
func IsJSON(frame transport.Frame) bool {
	data := bytes.TrimLeft(frame.Data, " \t\r\n")
	return len(data) > 0 && (data[0] == '{' || data[0] == '[')
}

// Levels borrows one pool entry per [price, size] pair. On error every entry borrowed
// so far is released.
func Levels(entries *pool.EntryPool, raw [][]string) ([]*pool.Entry, error) {
	out := make([]*pool.Entry, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			entries.Release(out...)
			return nil, strconv.ErrSyntax
		}
		price, err := strconv.ParseFloat(lvl[0], 64)
		if err != nil {
			entries.Release(out...)
			return nil, err
		}
		size, err := strconv.ParseFloat(lvl[1], 64)
		if err != nil {
			entries.Release(out...)
			return nil, err
		}
		out = append(out, entries.Acquire(price, size))
	}
	return out, nil
}

// BookLevels decodes both sides of a book update, releasing the bids if the asks fail.
func BookLevels(entries *pool.EntryPool, bids, asks [][]string) ([]*pool.Entry, []*pool.Entry, error) {
	b, err := Levels(entries, bids)
	if err != nil {
		return nil, nil, err
	}
	a, err := Levels(entries, asks)
	if err != nil {
		entries.Release(b...)
		return nil, nil, err
	}
	return b, a, nil
}

// ProtocolError wraps a decode failure as a protocol error message carrying the raw frame.
func ProtocolError(exchange string, frame transport.Frame, channel string, cause error) schema.Message {
	opts := []errs.Option{errs.WithChannel(channel), errs.WithMessage("undecodable frame")}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return schema.Message{
		Kind:    schema.KindProtocolError,
		Channel: channel,
		Err:     errs.New(exchange, errs.CodeProtocol, opts...),
		Raw:     frame.Data,
	}
}

// ErrorMessage builds a protocol error message with an explicit code.
func ErrorMessage(exchange string, code errs.Code, frame transport.Frame, channel string, opts ...errs.Option) schema.Message {
	opts = append([]errs.Option{errs.WithChannel(channel)}, opts...)
	return schema.Message{
		Kind:    schema.KindProtocolError,
		Channel: channel,
		Err:     errs.New(exchange, code, opts...),
		Raw:     frame.Data,
	}
}

// Unknown wraps a frame no route matched.
func Unknown(frame transport.Frame, channel string) schema.Message {
	return schema.Message{Kind: schema.KindUnknown, Channel: channel, Raw: frame.Data}
}

// Decode unmarshals data with the shared JSON codec.
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
