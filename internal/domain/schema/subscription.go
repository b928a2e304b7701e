package schema

import "sort"

// Channel is an exchange independent stream category.
type Channel string

const (
	// ChannelOrderBook is the incremental depth stream.
	ChannelOrderBook Channel = "orderbook"
	// ChannelOrderBookSnapshot is the periodic partial depth snapshot stream.
	ChannelOrderBookSnapshot Channel = "orderbook_snapshot"
	ChannelTrades            Channel = "trades"
	ChannelBookTicker        Channel = "book_ticker"
	ChannelOrders            Channel = "orders"
	ChannelBalances          Channel = "balances"
	ChannelExecutions        Channel = "executions"
)

// Private reports whether the channel requires an authenticated session.
func (c Channel) Private() bool {
	switch c {
	case ChannelOrders, ChannelBalances, ChannelExecutions:
		return true
	default:
		return false
	}
}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelOrderBook, ChannelOrderBookSnapshot, ChannelTrades, ChannelBookTicker,
		ChannelOrders, ChannelBalances, ChannelExecutions:
		return true
	default:
		return false
	}
}

// Action selects the direction of a subscription request.
type Action uint8

const (
	ActionSubscribe Action = iota + 1
	ActionUnsubscribe
)

func (a Action) String() string {
	switch a {
	case ActionSubscribe:
		return "subscribe"
	case ActionUnsubscribe:
		return "unsubscribe"
	default:
		return "unknown"
	}
}

// Subscription is a (symbol, channel) pair. Account-wide channels use the zero Symbol.
type Subscription struct {
	Symbol  Symbol
	Channel Channel
}

func (s Subscription) String() string {
	if s.Symbol.IsZero() {
		return string(s.Channel)
	}
	return string(s.Channel) + ":" + s.Symbol.String()
}

// SubscriptionSet is the active subscription set of one connection.
type SubscriptionSet map[Subscription]struct{}

// Add inserts subs and reports how many were new.
func (s SubscriptionSet) Add(subs ...Subscription) int {
	added := 0
	for _, sub := range subs {
		if _, ok := s[sub]; ok {
			continue
		}
		s[sub] = struct{}{}
		added++
	}
	return added
}

// Remove deletes subs and reports how many were present.
func (s SubscriptionSet) Remove(subs ...Subscription) int {
	removed := 0
	for _, sub := range subs {
		if _, ok := s[sub]; !ok {
			continue
		}
		delete(s, sub)
		removed++
	}
	return removed
}

// Has reports whether sub is active.
func (s SubscriptionSet) Has(sub Subscription) bool {
	_, ok := s[sub]
	return ok
}

// Sorted returns the set ordered by channel then symbol so replay output is stable.
func (s SubscriptionSet) Sorted() []Subscription {
	out := make([]Subscription, 0, len(s))
	for sub := range s {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Symbol.String() < out[j].Symbol.String()
	})
	return out
}

// Clone returns an independent copy.
func (s SubscriptionSet) Clone() SubscriptionSet {
	out := make(SubscriptionSet, len(s))
	for sub := range s {
		out[sub] = struct{}{}
	}
	return out
}

// Expand pairs every symbol with every channel. Private account channels are paired
// with the zero symbol once.
func Expand(symbols []Symbol, channels []Channel) []Subscription {
	out := make([]Subscription, 0, len(symbols)*len(channels))
	for _, ch := range channels {
		if ch == ChannelBalances {
			out = append(out, Subscription{Channel: ch})
			continue
		}
		for _, sym := range symbols {
			out = append(out, Subscription{Symbol: sym, Channel: ch})
		}
	}
	return out
}
