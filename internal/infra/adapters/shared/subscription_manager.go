// Package shared provides common utilities for adapter implementations.
package shared

import (
	"sync"

	"github.com/coachpo/meltica-streams/errs"
	"github.com/coachpo/meltica-streams/internal/domain/schema"
)

// Encoder renders subscription requests in an exchange wire format.
type Encoder interface {
	// Supports reports whether the exchange serves channel on this connection.
	Supports(channel schema.Channel) bool
	// Encode renders one action over subs, which arrive grouped by channel.
	Encode(action schema.Action, subs []schema.Subscription) ([][]byte, error)
}

// SubscriptionManager tracks the active subscription set and builds control frames.
// It implements stream.SubscriptionStrategy and is safe for concurrent use.
type SubscriptionManager struct {
	exchange string
	encoder  Encoder
	symbols  *SymbolCodec

	mu     sync.Mutex
	active schema.SubscriptionSet
}

// NewSubscriptionManager creates a manager. Symbols passed through BuildMessages are
// registered with codec so the parser can map native names back.
func NewSubscriptionManager(exchange string, encoder Encoder, codec *SymbolCodec) *SubscriptionManager {
	return &SubscriptionManager{
		exchange: exchange,
		encoder:  encoder,
		symbols:  codec,
		active:   make(schema.SubscriptionSet),
	}
}

// BuildMessages encodes the request and applies it to the active set.
func (m *SubscriptionManager) BuildMessages(action schema.Action, symbols []schema.Symbol, channels []schema.Channel) ([][]byte, error) {
	if action != schema.ActionSubscribe && action != schema.ActionUnsubscribe {
		return nil, errs.New(m.exchange, errs.CodeInvalid, errs.WithMessage("unknown subscription action"))
	}
	for _, ch := range channels {
		if !m.encoder.Supports(ch) {
			return nil, errs.New(m.exchange, errs.CodeSubscription, errs.WithChannel(string(ch)),
				errs.WithMessage("channel not supported on this connection"))
		}
	}
	subs := schema.Expand(symbols, channels)
	if len(subs) == 0 {
		return nil, errs.New(m.exchange, errs.CodeInvalid, errs.WithMessage("empty subscription request"))
	}
	if m.symbols != nil {
		m.symbols.Register(symbols...)
	}
	msgs, err := m.encoder.Encode(action, subs)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if action == schema.ActionSubscribe {
		m.active.Add(subs...)
	} else {
		m.active.Remove(subs...)
	}
	m.mu.Unlock()
	return msgs, nil
}

// ActiveSubscriptions returns the active set ordered by channel then symbol.
func (m *SubscriptionManager) ActiveSubscriptions() []schema.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active.Sorted()
}

// BuildResubscriptionMessages replays the whole active set.
func (m *SubscriptionManager) BuildResubscriptionMessages() ([][]byte, error) {
	subs := m.ActiveSubscriptions()
	if len(subs) == 0 {
		return nil, nil
	}
	return m.encoder.Encode(schema.ActionSubscribe, subs)
}

// ChannelGroup is a run of subscriptions sharing one channel.
type ChannelGroup struct {
	Channel schema.Channel
	Symbols []schema.Symbol
}

// GroupByChannel splits subs into per-channel groups in first-seen order.
func GroupByChannel(subs []schema.Subscription) []ChannelGroup {
	var groups []ChannelGroup
	index := make(map[schema.Channel]int)
	for _, sub := range subs {
		i, ok := index[sub.Channel]
		if !ok {
			i = len(groups)
			index[sub.Channel] = i
			groups = append(groups, ChannelGroup{Channel: sub.Channel})
		}
		if !sub.Symbol.IsZero() {
			groups[i].Symbols = append(groups[i].Symbols, sub.Symbol)
		}
	}
	return groups
}

// Chunk splits items into slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 || len(items) <= size {
		return [][]T{append([]T(nil), items...)}
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, append([]T(nil), items[start:end]...))
	}
	return chunks
}
