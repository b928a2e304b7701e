package stream

import (
	"context"

	"github.com/coachpo/meltica-streams/internal/domain/schema"
	"github.com/coachpo/meltica-streams/internal/orderbook"
)

// Handler receives normalized events in receipt order from a single goroutine. A book
// passed to OnOrderBook is only valid until the callback returns. Returned errors are
// logged and never stop the stream.
type Handler interface {
	OnOrderBook(ctx context.Context, symbol schema.Symbol, book *orderbook.Book) error
	OnTrades(ctx context.Context, symbol schema.Symbol, trades []schema.Trade) error
	OnBookTicker(ctx context.Context, symbol schema.Symbol, ticker schema.BookTicker) error
	OnOrderUpdate(ctx context.Context, symbol schema.Symbol, update schema.OrderUpdate) error
	// OnBalanceUpdate receives the zero Symbol; balances are account wide.
	OnBalanceUpdate(ctx context.Context, symbol schema.Symbol, update schema.BalanceUpdate) error
	OnExecution(ctx context.Context, symbol schema.Symbol, exec schema.ExecutionUpdate) error
	// OnBookStale signals that symbol's book detected a gap. Fetch a snapshot and pass it
	// to Client.ResyncBook, or wait for the exchange snapshot channel.
	OnBookStale(ctx context.Context, symbol schema.Symbol, cause error) error
}

// HandlerFuncs adapts optional functions to Handler. Nil fields ignore the event.
type HandlerFuncs struct {
	OrderBook   func(ctx context.Context, symbol schema.Symbol, book *orderbook.Book) error
	Trades      func(ctx context.Context, symbol schema.Symbol, trades []schema.Trade) error
	BookTicker  func(ctx context.Context, symbol schema.Symbol, ticker schema.BookTicker) error
	OrderUpdate func(ctx context.Context, symbol schema.Symbol, update schema.OrderUpdate) error
	Balance     func(ctx context.Context, symbol schema.Symbol, update schema.BalanceUpdate) error
	Execution   func(ctx context.Context, symbol schema.Symbol, exec schema.ExecutionUpdate) error
	BookStale   func(ctx context.Context, symbol schema.Symbol, cause error) error
}

var _ Handler = HandlerFuncs{}

func (h HandlerFuncs) OnOrderBook(ctx context.Context, symbol schema.Symbol, book *orderbook.Book) error {
	if h.OrderBook == nil {
		return nil
	}
	return h.OrderBook(ctx, symbol, book)
}

func (h HandlerFuncs) OnTrades(ctx context.Context, symbol schema.Symbol, trades []schema.Trade) error {
	if h.Trades == nil {
		return nil
	}
	return h.Trades(ctx, symbol, trades)
}

func (h HandlerFuncs) OnBookTicker(ctx context.Context, symbol schema.Symbol, ticker schema.BookTicker) error {
	if h.BookTicker == nil {
		return nil
	}
	return h.BookTicker(ctx, symbol, ticker)
}

func (h HandlerFuncs) OnOrderUpdate(ctx context.Context, symbol schema.Symbol, update schema.OrderUpdate) error {
	if h.OrderUpdate == nil {
		return nil
	}
	return h.OrderUpdate(ctx, symbol, update)
}

func (h HandlerFuncs) OnBalanceUpdate(ctx context.Context, symbol schema.Symbol, update schema.BalanceUpdate) error {
	if h.Balance == nil {
		return nil
	}
	return h.Balance(ctx, symbol, update)
}

func (h HandlerFuncs) OnExecution(ctx context.Context, symbol schema.Symbol, exec schema.ExecutionUpdate) error {
	if h.Execution == nil {
		return nil
	}
	return h.Execution(ctx, symbol, exec)
}

func (h HandlerFuncs) OnBookStale(ctx context.Context, symbol schema.Symbol, cause error) error {
	if h.BookStale == nil {
		return nil
	}
	return h.BookStale(ctx, symbol, cause)
}
