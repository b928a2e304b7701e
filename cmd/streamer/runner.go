package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coachpo/meltica-streams/internal/domain/schema"
	"github.com/coachpo/meltica-streams/internal/infra/adapters"
	"github.com/coachpo/meltica-streams/internal/infra/adapters/shared"
	"github.com/coachpo/meltica-streams/internal/infra/config"
	"github.com/coachpo/meltica-streams/internal/orderbook"
	"github.com/coachpo/meltica-streams/internal/stream"
)

const (
	resyncDepthLimit = 100
	resyncTimeout    = 10 * time.Second
)

// topOfBook is the last best bid and ask seen for a symbol.
type topOfBook struct {
	Bid          orderbook.Level
	Ask          orderbook.Level
	LastUpdateID uint64
}

// runner owns one configured stream: its strategies, client and REST resyncs.
type runner struct {
	name       string
	cfg        config.StreamConfig
	strategies shared.Strategies
	client     *stream.Client
	logger     *zap.Logger

	resyncs conc.WaitGroup
	// ctx bounds resync fetches; cancelled on close.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight map[schema.Symbol]struct{}
	tops     map[schema.Symbol]topOfBook
	trades   uint64
}

// tuneFunc adjusts adapter params and client config before the client is built.
type tuneFunc func(params *shared.Params, cfg *stream.Config)

func newRunner(logger *zap.Logger, registry *adapters.Registry, sc config.StreamConfig, tune tuneFunc) (*runner, error) {
	log := logger.With(zap.String("stream", sc.Name))
	params := sc.Params(log, nil)
	clientCfg := sc.ClientConfig(log)
	if tune != nil {
		tune(&params, &clientCfg)
	}

	strategies, err := registry.Build(sc.Exchange, params)
	if err != nil {
		return nil, fmt.Errorf("stream %q: %w", sc.Name, err)
	}
	clientCfg.Contiguity = strategies.Contiguity

	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{
		name:       sc.Name,
		cfg:        sc,
		strategies: strategies,
		logger:     log,
		ctx:        ctx,
		cancel:     cancel,
		inflight:   make(map[schema.Symbol]struct{}),
		tops:       make(map[schema.Symbol]topOfBook),
	}
	client, err := stream.NewClient(strategies.Connection, strategies.Subscriptions, strategies.Parser, r.handler(), clientCfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stream %q: %w", sc.Name, err)
	}
	r.client = client
	return r, nil
}

func (r *runner) start(ctx context.Context) error {
	symbols, err := r.cfg.ParsedSymbols()
	if err != nil {
		return err
	}
	channels, err := r.cfg.ParsedChannels()
	if err != nil {
		return err
	}
	if err := r.client.Initialize(ctx, symbols, channels); err != nil {
		return fmt.Errorf("stream %q: initialize: %w", r.name, err)
	}
	r.logger.Info("stream started",
		zap.String("exchange", r.cfg.Exchange),
		zap.Stringers("symbols", symbols),
		zap.Int("channels", len(channels)))
	return nil
}

// watch logs client statistics every interval until ctx ends or the client stops.
func (r *runner) watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.client.Done():
			if err := r.client.Err(); err != nil {
				r.logger.Error("stream stopped", zap.Error(err))
			}
			return
		case <-ticker.C:
			st := r.client.Stats()
			r.logger.Info("stream stats",
				zap.Stringer("state", st.State),
				zap.Uint64("frames", st.Frames),
				zap.Uint64("dropped", st.Dropped),
				zap.Uint64("reconnects", st.Reconnects),
				zap.Uint64("protocol_errors", st.ProtocolErrors),
				zap.Uint64("stale_books", st.StaleBooks),
				zap.Int("queue_depth", st.QueueDepth),
				zap.Int("pool_outstanding", st.Pool.Outstanding+st.Pool.OverflowOutstanding),
				zap.Duration("latency_p99", st.Performance.P99),
				zap.Float64("throughput", st.Performance.Throughput))
		}
	}
}

func (r *runner) close(ctx context.Context) error {
	r.cancel()
	err := r.client.Close(ctx)
	r.resyncs.Wait()
	return err
}

func (r *runner) handler() stream.Handler {
	return stream.HandlerFuncs{
		OrderBook: func(_ context.Context, symbol schema.Symbol, book *orderbook.Book) error {
			bid, _ := book.BestBid()
			ask, _ := book.BestAsk()
			r.mu.Lock()
			r.tops[symbol] = topOfBook{Bid: bid, Ask: ask, LastUpdateID: book.LastUpdateID()}
			r.mu.Unlock()
			r.logger.Debug("book",
				zap.Stringer("symbol", symbol),
				zap.Float64("bid", bid.Price),
				zap.Float64("ask", ask.Price),
				zap.Uint64("update_id", book.LastUpdateID()))
			return nil
		},
		Trades: func(_ context.Context, symbol schema.Symbol, trades []schema.Trade) error {
			r.mu.Lock()
			r.trades += uint64(len(trades))
			r.mu.Unlock()
			r.logger.Debug("trades", zap.Stringer("symbol", symbol), zap.Int("count", len(trades)))
			return nil
		},
		BookTicker: func(_ context.Context, symbol schema.Symbol, t schema.BookTicker) error {
			r.logger.Debug("book ticker",
				zap.Stringer("symbol", symbol),
				zap.Float64("bid", t.BidPrice),
				zap.Float64("ask", t.AskPrice))
			return nil
		},
		OrderUpdate: func(_ context.Context, symbol schema.Symbol, u schema.OrderUpdate) error {
			r.logger.Info("order update",
				zap.Stringer("symbol", symbol),
				zap.String("order_id", u.OrderID),
				zap.String("status", u.Status))
			return nil
		},
		Balance: func(_ context.Context, _ schema.Symbol, u schema.BalanceUpdate) error {
			r.logger.Info("balance update", zap.String("asset", u.Asset), zap.Float64("available", u.Available), zap.Float64("locked", u.Locked))
			return nil
		},
		Execution: func(_ context.Context, symbol schema.Symbol, e schema.ExecutionUpdate) error {
			r.logger.Info("execution",
				zap.Stringer("symbol", symbol),
				zap.String("order_id", e.OrderID),
				zap.Float64("price", e.Price),
				zap.Float64("quantity", e.Quantity))
			return nil
		},
		BookStale: func(_ context.Context, symbol schema.Symbol, cause error) error {
			r.logger.Warn("book stale", zap.Stringer("symbol", symbol), zap.Error(cause))
			r.scheduleResync(symbol)
			return nil
		},
	}
}

// scheduleResync fetches a REST snapshot off the processing goroutine; ResyncBook
// blocks until that goroutine applies it. One fetch per symbol runs at a time.
func (r *runner) scheduleResync(symbol schema.Symbol) {
	if r.strategies.Depth == nil {
		return
	}
	r.mu.Lock()
	if _, busy := r.inflight[symbol]; busy {
		r.mu.Unlock()
		return
	}
	r.inflight[symbol] = struct{}{}
	r.mu.Unlock()

	r.resyncs.Go(func() {
		defer func() {
			r.mu.Lock()
			delete(r.inflight, symbol)
			r.mu.Unlock()
		}()
		if err := r.resync(symbol); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("book resync failed", zap.Stringer("symbol", symbol), zap.Error(err))
		}
	})
}

func (r *runner) resync(symbol schema.Symbol) error {
	ctx, cancel := context.WithTimeout(r.ctx, resyncTimeout)
	defer cancel()

	depth, err := r.strategies.Depth.FetchDepth(ctx, r.strategies.Symbols.Encode(symbol), resyncDepthLimit)
	if err != nil {
		return fmt.Errorf("fetch depth: %w", err)
	}
	return r.client.ResyncBook(ctx, symbol, stream.BookSnapshot{
		Bids:         depth.Bids,
		Asks:         depth.Asks,
		LastUpdateID: depth.LastUpdateID,
		Time:         depth.Time,
	})
}

func (r *runner) top(symbol schema.Symbol) (topOfBook, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tops[symbol]
	return t, ok
}

func (r *runner) tradeCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trades
}
