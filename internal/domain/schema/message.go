package schema

import (
	"time"

	"github.com/coachpo/meltica-streams/internal/pool"
)

// MessageKind tags the variant carried by a Message.
type MessageKind uint8

const (
	KindUnknown MessageKind = iota
	KindOrderBookSnapshot
	KindOrderBookDelta
	KindTrades
	KindBookTicker
	KindOrderUpdate
	KindBalanceUpdate
	KindExecution
	KindHeartbeat
	KindSubscriptionAck
	KindProtocolError
)

var kindNames = [...]string{
	KindUnknown:           "unknown",
	KindOrderBookSnapshot: "orderbook_snapshot",
	KindOrderBookDelta:    "orderbook_delta",
	KindTrades:            "trades",
	KindBookTicker:        "book_ticker",
	KindOrderUpdate:       "order_update",
	KindBalanceUpdate:     "balance_update",
	KindExecution:         "execution",
	KindHeartbeat:         "heartbeat",
	KindSubscriptionAck:   "subscription_ack",
	KindProtocolError:     "protocol_error",
}

func (k MessageKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Message is the output of a parser. Payload holds the variant value:
//
//	KindOrderBookSnapshot, KindOrderBookDelta  *BookUpdate
//	KindTrades                                 []Trade
//	KindBookTicker                             BookTicker
//	KindOrderUpdate                            []OrderUpdate
//	KindBalanceUpdate                          []BalanceUpdate
//	KindExecution                              []ExecutionUpdate
//	KindSubscriptionAck                        SubscriptionAck
//
// KindProtocolError carries Err instead of a payload. Raw is kept for errors, acks and
// unknown frames only.
type Message struct {
	Kind    MessageKind
	Symbol  Symbol
	Channel string
	Payload any
	Err     error
	Raw     []byte
}

// BookUpdate is a snapshot or delta. Levels are borrowed from the connection's EntryPool
// and ownership passes to the order book reconciler.
type BookUpdate struct {
	Bids []*pool.Entry
	Asks []*pool.Entry
	// FirstID and LastID bracket the update ids covered by a delta. Snapshots set both to
	// the snapshot's last update id.
	FirstID uint64
	LastID  uint64
	// Sequenced is false when the exchange sends no ids for this stream; gap detection is
	// skipped.
	Sequenced bool
	Time      time.Time
}

// Entries returns all levels of the update.
func (u *BookUpdate) Entries() []*pool.Entry {
	out := make([]*pool.Entry, 0, len(u.Bids)+len(u.Asks))
	out = append(out, u.Bids...)
	return append(out, u.Asks...)
}

// Side is an order or trade direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade is one public execution.
type Trade struct {
	Symbol   Symbol
	ID       string
	Price    float64
	Quantity float64
	Side     Side
	Time     time.Time
}

// BookTicker is the best bid and ask.
type BookTicker struct {
	Symbol   Symbol
	BidPrice float64
	BidSize  float64
	AskPrice float64
	AskSize  float64
	UpdateID uint64
	Time     time.Time
}

// OrderUpdate is a private order state change.
type OrderUpdate struct {
	Symbol         Symbol
	OrderID        string
	ClientOrderID  string
	Side           Side
	Type           string
	Status         string
	Price          float64
	Quantity       float64
	FilledQuantity float64
	AvgPrice       float64
	Time           time.Time
	// Execution is the fill reported together with this update, if any.
	Execution *ExecutionUpdate
}

// BalanceUpdate is a private balance change for one asset.
type BalanceUpdate struct {
	Asset     string
	Available float64
	Locked    float64
	Change    float64
	Time      time.Time
}

// ExecutionUpdate is a private fill.
type ExecutionUpdate struct {
	Symbol        Symbol
	OrderID       string
	ClientOrderID string
	TradeID       string
	Side          Side
	Price         float64
	Quantity      float64
	Fee           float64
	FeeAsset      string
	Maker         bool
	Time          time.Time
}

// SubscriptionAck is a server confirmation of a subscribe or unsubscribe request.
type SubscriptionAck struct {
	Action  Action
	Channel string
	ID      string
	Success bool
}
