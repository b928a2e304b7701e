package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-streams/errs"
	"github.com/coachpo/meltica-streams/internal/domain/schema"
	"github.com/coachpo/meltica-streams/internal/infra/transport"
	"github.com/coachpo/meltica-streams/internal/orderbook"
	"github.com/coachpo/meltica-streams/internal/pool"
	"github.com/coachpo/meltica-streams/internal/stream/streamtest"
)

var (
	btc = schema.MustSymbol("BTC-USDT")
	eth = schema.MustSymbol("ETH-USDT")
)

type fakeConnection struct {
	dialer    *streamtest.FakeDialer
	policy    ReconnectPolicy
	heartbeat time.Duration
	keepAlive time.Duration
	// appPing writes a "ping" frame instead of a websocket ping.
	appPing bool

	mu           sync.Mutex
	state        schema.ConnectionState
	keepAliveErr error
	closes       int
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{
		dialer: &streamtest.FakeDialer{},
		policy: ReconnectPolicy{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2,
			MaxDelay:     30 * time.Second,
			ResetOnCodes: []int{1000},
		},
	}
}

func (f *fakeConnection) Exchange() string { return "fake" }

func (f *fakeConnection) Connect(ctx context.Context) (transport.Conn, error) {
	return f.dialer.Dial(ctx, "wss://fake.test/ws", nil)
}

func (f *fakeConnection) Heartbeat(ctx context.Context, conn transport.Conn) error {
	if f.appPing {
		return conn.Write(ctx, []byte("ping"))
	}
	return conn.Ping(ctx)
}

func (f *fakeConnection) HeartbeatInterval() time.Duration { return f.heartbeat }

func (f *fakeConnection) Classify(err error) Disposition {
	if errors.Is(err, errs.ErrAuth) {
		return Fatal
	}
	return Reconnectable
}

func (f *fakeConnection) ReconnectPolicy() ReconnectPolicy { return f.policy }

func (f *fakeConnection) State() schema.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConnection) SetState(state schema.ConnectionState) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
}

func (f *fakeConnection) KeepAlive(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keepAliveErr
}

func (f *fakeConnection) KeepAliveInterval() time.Duration { return f.keepAlive }

func (f *fakeConnection) Close(context.Context) error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

// fakeSubscriptions writes "<action> SYM@channel,..." frames.
type fakeSubscriptions struct {
	mu     sync.Mutex
	active schema.SubscriptionSet
}

func newFakeSubscriptions() *fakeSubscriptions {
	return &fakeSubscriptions{active: make(schema.SubscriptionSet)}
}

func (s *fakeSubscriptions) BuildMessages(action schema.Action, symbols []schema.Symbol, channels []schema.Channel) ([][]byte, error) {
	subs := schema.Expand(symbols, channels)
	s.mu.Lock()
	if action == schema.ActionSubscribe {
		s.active.Add(subs...)
	} else {
		s.active.Remove(subs...)
	}
	s.mu.Unlock()
	return [][]byte{encodeSubs(action, subs)}, nil
}

func (s *fakeSubscriptions) ActiveSubscriptions() []schema.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.Sorted()
}

func (s *fakeSubscriptions) BuildResubscriptionMessages() ([][]byte, error) {
	subs := s.ActiveSubscriptions()
	if len(subs) == 0 {
		return nil, nil
	}
	return [][]byte{encodeSubs(schema.ActionSubscribe, subs)}, nil
}

func encodeSubs(action schema.Action, subs []schema.Subscription) []byte {
	parts := make([]string, len(subs))
	for i, sub := range subs {
		parts[i] = sub.Symbol.String() + "@" + string(sub.Channel)
	}
	return []byte(action.String() + " " + strings.Join(parts, ","))
}

// fakeParser understands a whitespace separated test protocol:
//
//	snap SYM ID LEVEL...
//	delta SYM FIRST LAST LEVEL...
//	trade SYM PRICE QTY
//	fill SYM ORDER PRICE QTY
//	auth | expired | panic
//
// where LEVEL is b<price>x<size> or a<price>x<size>.
type fakeParser struct{}

func (fakeParser) Parse(frame transport.Frame, entries *pool.EntryPool) schema.Message {
	fields := strings.Fields(string(frame.Data))
	if len(fields) == 0 {
		return protocolError(frame, errs.CodeProtocol)
	}
	switch fields[0] {
	case "snap":
		id := parseUint(fields[2])
		update := &schema.BookUpdate{FirstID: id, LastID: id, Sequenced: true}
		addLevels(update, entries, fields[3:])
		return schema.Message{Kind: schema.KindOrderBookSnapshot, Symbol: schema.MustSymbol(fields[1]), Payload: update}
	case "delta":
		update := &schema.BookUpdate{FirstID: parseUint(fields[2]), LastID: parseUint(fields[3]), Sequenced: true}
		addLevels(update, entries, fields[4:])
		return schema.Message{Kind: schema.KindOrderBookDelta, Symbol: schema.MustSymbol(fields[1]), Payload: update}
	case "trade":
		sym := schema.MustSymbol(fields[1])
		price, _ := strconv.ParseFloat(fields[2], 64)
		qty, _ := strconv.ParseFloat(fields[3], 64)
		return schema.Message{Kind: schema.KindTrades, Symbol: sym, Payload: []schema.Trade{
			{Symbol: sym, Price: price, Quantity: qty, Side: schema.SideBuy},
		}}
	case "fill":
		sym := schema.MustSymbol(fields[1])
		price, _ := strconv.ParseFloat(fields[3], 64)
		qty, _ := strconv.ParseFloat(fields[4], 64)
		return schema.Message{Kind: schema.KindOrderUpdate, Symbol: sym, Payload: []schema.OrderUpdate{{
			Symbol:         sym,
			OrderID:        fields[2],
			Status:         "filled",
			Price:          price,
			Quantity:       qty,
			FilledQuantity: qty,
			Execution:      &schema.ExecutionUpdate{Symbol: sym, OrderID: fields[2], Price: price, Quantity: qty},
		}}}
	case "auth":
		return protocolError(frame, errs.CodeAuth)
	case "expired":
		return protocolError(frame, errs.CodeSessionExpired)
	case "panic":
		panic("malformed frame")
	}
	return protocolError(frame, errs.CodeProtocol)
}

func protocolError(frame transport.Frame, code errs.Code) schema.Message {
	return schema.Message{Kind: schema.KindProtocolError, Err: errs.New("fake", code), Raw: frame.Data}
}

func parseUint(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

func addLevels(update *schema.BookUpdate, entries *pool.EntryPool, levels []string) {
	for _, level := range levels {
		priceStr, sizeStr, _ := strings.Cut(level[1:], "x")
		price, _ := strconv.ParseFloat(priceStr, 64)
		size, _ := strconv.ParseFloat(sizeStr, 64)
		entry := entries.Acquire(price, size)
		if level[0] == 'b' {
			update.Bids = append(update.Bids, entry)
		} else {
			update.Asks = append(update.Asks, entry)
		}
	}
}

// recorder renders handler events as strings.
type recorder struct {
	events chan string
}

func newRecorder() *recorder {
	return &recorder{events: make(chan string, 256)}
}

func (r *recorder) handler() Handler {
	return HandlerFuncs{
		OrderBook: func(_ context.Context, symbol schema.Symbol, book *orderbook.Book) error {
			bid, _ := book.BestBid()
			ask, _ := book.BestAsk()
			r.events <- fmt.Sprintf("book %s %d bid=%g ask=%g", symbol, book.LastUpdateID(), bid.Price, ask.Price)
			return nil
		},
		Trades: func(_ context.Context, symbol schema.Symbol, trades []schema.Trade) error {
			r.events <- fmt.Sprintf("trades %s %d %g", symbol, len(trades), trades[0].Price)
			return nil
		},
		BookStale: func(_ context.Context, symbol schema.Symbol, _ error) error {
			r.events <- "stale " + symbol.String()
			return nil
		},
	}
}

func (r *recorder) next(t *testing.T) string {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler event")
		return ""
	}
}

type harness struct {
	client  *Client
	conn    *fakeConnection
	subs    *fakeSubscriptions
	rec     *recorder
	sleeper *streamtest.Sleeper
}

func newHarness(t *testing.T, conn *fakeConnection, sleeper Sleeper, opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{conn: conn, subs: newFakeSubscriptions(), rec: newRecorder(), sleeper: &streamtest.Sleeper{}}
	if sleeper == nil {
		sleeper = h.sleeper
	}
	cfg := Config{
		PoolSize:         64,
		Sleeper:          sleeper,
		CloseGracePeriod: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	client, err := NewClient(conn, h.subs, fakeParser{}, h.rec.handler(), cfg)
	require.NoError(t, err)
	h.client = client
	t.Cleanup(func() { _ = client.Close(context.Background()) })
	return h
}

func (h *harness) waitState(t *testing.T, state State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.client.State() == state }, 2*time.Second, 2*time.Millisecond,
		"expected state %s, have %s", state, h.client.State())
}

func TestClientStreamsBookAndTrades(t *testing.T) {
	h := newHarness(t, newFakeConnection(), nil)
	ctx := context.Background()

	require.NoError(t, h.client.Initialize(ctx, []schema.Symbol{btc}, []schema.Channel{schema.ChannelOrderBook, schema.ChannelTrades}))
	require.Equal(t, StateStreaming, h.client.State())

	conn := h.conn.dialer.Conn(t, 0)
	require.Equal(t, []string{"subscribe BTC-USDT@orderbook,BTC-USDT@trades"}, conn.Writes())

	conn.Push("snap BTC-USDT 10 b100x1 b99x2 a101x1")
	conn.Push("delta BTC-USDT 11 12 b100x0 a100.5x3")
	conn.Push("trade BTC-USDT 100.5 0.1")

	require.Equal(t, "book BTC-USDT 10 bid=100 ask=101", h.rec.next(t))
	require.Equal(t, "book BTC-USDT 12 bid=99 ask=100.5", h.rec.next(t))
	require.Equal(t, "trades BTC-USDT 1 100.5", h.rec.next(t))

	require.Eventually(t, func() bool {
		stats := h.client.Stats()
		return stats.Performance.Total == 3 && stats.Pool.Outstanding == 3
	}, 2*time.Second, 2*time.Millisecond)
	stats := h.client.Stats()
	require.Equal(t, uint64(3), stats.Frames)
	require.Equal(t, 2, stats.Subscriptions)
	require.Zero(t, stats.Dropped)

	require.NoError(t, h.client.Close(ctx))
	require.Equal(t, StateClosed, h.client.State())
	require.True(t, conn.Closed())
	require.ElementsMatch(t, []string{
		"subscribe BTC-USDT@orderbook,BTC-USDT@trades",
		"unsubscribe BTC-USDT@orderbook",
		"unsubscribe BTC-USDT@trades",
	}, conn.Writes())
	require.Zero(t, h.client.Stats().Pool.Outstanding)
	require.Equal(t, schema.StateDisconnected, h.conn.State())

	require.NoError(t, h.client.Close(ctx), "close is idempotent")
	select {
	case <-h.client.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestClientReconnectReplaysActiveSet(t *testing.T) {
	h := newHarness(t, newFakeConnection(), nil)
	ctx := context.Background()

	require.NoError(t, h.client.Initialize(ctx, []schema.Symbol{btc}, []schema.Channel{schema.ChannelTrades}))
	require.NoError(t, h.client.Subscribe(ctx, []schema.Symbol{eth}))
	require.NoError(t, h.client.Unsubscribe(ctx, []schema.Symbol{btc}))
	require.NoError(t, h.client.Subscribe(ctx, []schema.Symbol{btc}))

	want := h.subs.ActiveSubscriptions()
	replay := "subscribe BTC-USDT@trades,ETH-USDT@trades"

	first := h.conn.dialer.Conn(t, 0)
	first.Drop(1006)

	second := h.conn.dialer.Conn(t, 1)
	require.Equal(t, []string{replay}, second.WaitWrites(t, 1))
	h.waitState(t, StateStreaming)
	require.Equal(t, want, h.subs.ActiveSubscriptions())

	second.Drop(1006)
	third := h.conn.dialer.Conn(t, 2)
	require.Equal(t, []string{replay}, third.WaitWrites(t, 1))
	h.waitState(t, StateStreaming)
	require.Equal(t, want, h.subs.ActiveSubscriptions())

	require.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, h.sleeper.Delays())
	require.Equal(t, uint64(2), h.client.Stats().Reconnects)
}

func TestClientBackoffResets(t *testing.T) {
	h := newHarness(t, newFakeConnection(), nil)
	ctx := context.Background()
	require.NoError(t, h.client.Initialize(ctx, []schema.Symbol{btc}, []schema.Channel{schema.ChannelTrades}))

	h.conn.dialer.Conn(t, 0).Drop(1006)
	h.conn.dialer.Conn(t, 1).Drop(1006)

	// a session that delivered frames restarts the schedule
	third := h.conn.dialer.Conn(t, 2)
	third.Push("trade BTC-USDT 1 1")
	require.Equal(t, "trades BTC-USDT 1 1", h.rec.next(t))
	third.Drop(1006)

	// so does a reset close code
	h.conn.dialer.Conn(t, 3).Drop(1000)
	h.conn.dialer.Conn(t, 4)

	require.Equal(t, []time.Duration{
		500 * time.Millisecond,
		time.Second,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}, h.sleeper.Delays())
}

func TestClientBackoffCapsAtMaxDelay(t *testing.T) {
	conn := newFakeConnection()
	conn.policy.MaxDelay = 2 * time.Second
	failure := errs.New("fake", errs.CodeConnection, errs.WithMessage("refused"))
	h := newHarness(t, conn, nil)
	ctx := context.Background()
	require.NoError(t, h.client.Initialize(ctx, []schema.Symbol{btc}, []schema.Channel{schema.ChannelTrades}))

	conn.dialer.FailNext(failure, failure, failure, failure)
	conn.dialer.Conn(t, 0).Drop(1006)
	conn.dialer.Conn(t, 1)
	h.waitState(t, StateStreaming)

	require.Equal(t, []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		2 * time.Second,
		2 * time.Second,
	}, h.sleeper.Delays())
}

// gateSleeper parks the reconnect loop until released.
type gateSleeper struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gateSleeper) Sleep(ctx context.Context, _ time.Duration) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestClientQueuesRequestsWhileReconnecting(t *testing.T) {
	gate := &gateSleeper{entered: make(chan struct{}, 8), release: make(chan struct{})}
	h := newHarness(t, newFakeConnection(), gate)
	ctx := context.Background()
	require.NoError(t, h.client.Initialize(ctx, []schema.Symbol{btc}, []schema.Channel{schema.ChannelTrades}))

	h.conn.dialer.Conn(t, 0).Drop(1006)
	<-gate.entered
	require.Equal(t, StateReconnecting, h.client.State())

	require.NoError(t, h.client.Subscribe(ctx, []schema.Symbol{eth}))
	require.Len(t, h.subs.ActiveSubscriptions(), 1, "queued request is not applied yet")
	close(gate.release)

	next := h.conn.dialer.Conn(t, 1)
	require.Equal(t, []string{
		"subscribe BTC-USDT@trades",
		"subscribe ETH-USDT@trades",
	}, next.WaitWrites(t, 2))
	h.waitState(t, StateStreaming)
	require.Len(t, h.subs.ActiveSubscriptions(), 2)
}

func TestClientAuthFrameIsFatal(t *testing.T) {
	h := newHarness(t, newFakeConnection(), nil)
	require.NoError(t, h.client.Initialize(context.Background(), []schema.Symbol{btc}, []schema.Channel{schema.ChannelOrders}))

	h.conn.dialer.Conn(t, 0).Push("auth")

	select {
	case <-h.client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not close")
	}
	require.ErrorIs(t, h.client.Err(), errs.ErrAuth)
	require.Equal(t, StateClosed, h.client.State())
	require.Equal(t, 1, h.conn.dialer.Conns())
}

func TestClientAuthDialFailureIsFatal(t *testing.T) {
	h := newHarness(t, newFakeConnection(), nil)
	require.NoError(t, h.client.Initialize(context.Background(), []schema.Symbol{btc}, []schema.Channel{schema.ChannelTrades}))

	h.conn.dialer.FailNext(errs.New("fake", errs.CodeAuth, errs.WithHTTP(401)))
	h.conn.dialer.Conn(t, 0).Drop(1006)

	select {
	case <-h.client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not close")
	}
	require.ErrorIs(t, h.client.Err(), errs.ErrAuth)
	require.Len(t, h.conn.dialer.Dials(), 2)
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	conn := newFakeConnection()
	conn.policy.MaxAttempts = 2
	refused := errs.New("fake", errs.CodeConnection, errs.WithMessage("refused"))
	h := newHarness(t, conn, nil)
	require.NoError(t, h.client.Initialize(context.Background(), []schema.Symbol{btc}, []schema.Channel{schema.ChannelTrades}))

	conn.dialer.FailNext(refused, refused, refused)
	conn.dialer.Conn(t, 0).Drop(1006)

	select {
	case <-h.client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not close")
	}
	require.ErrorIs(t, h.client.Err(), errs.ErrConnection)
	require.Len(t, h.sleeper.Delays(), 2)
}

func TestClientSkipsUndecodableFrames(t *testing.T) {
	h := newHarness(t, newFakeConnection(), nil)
	require.NoError(t, h.client.Initialize(context.Background(), []schema.Symbol{btc}, []schema.Channel{schema.ChannelTrades}))

	conn := h.conn.dialer.Conn(t, 0)
	conn.Push("{not json")
	conn.Push("panic")
	conn.Push("trade BTC-USDT 42 1")

	require.Equal(t, "trades BTC-USDT 1 42", h.rec.next(t))
	require.Equal(t, uint64(2), h.client.Stats().ProtocolErrors)
	require.Equal(t, StateStreaming, h.client.State())
	require.Equal(t, 1, h.conn.dialer.Conns())
}

func TestClientSessionExpiryReconnects(t *testing.T) {
	h := newHarness(t, newFakeConnection(), nil)
	require.NoError(t, h.client.Initialize(context.Background(), []schema.Symbol{btc}, []schema.Channel{schema.ChannelOrders}))

	first := h.conn.dialer.Conn(t, 0)
	first.Push("expired")

	second := h.conn.dialer.Conn(t, 1)
	require.Equal(t, []string{"subscribe BTC-USDT@orders"}, second.WaitWrites(t, 1))
	require.True(t, first.Closed())
	require.NoError(t, h.client.Err())
}

func TestClientStaleBookResync(t *testing.T) {
	h := newHarness(t, newFakeConnection(), nil)
	ctx := context.Background()
	require.NoError(t, h.client.Initialize(ctx, []schema.Symbol{btc}, []schema.Channel{schema.ChannelOrderBook}))

	conn := h.conn.dialer.Conn(t, 0)
	conn.Push("snap BTC-USDT 10 b100x1 a101x1")
	require.Equal(t, "book BTC-USDT 10 bid=100 ask=101", h.rec.next(t))

	conn.Push("delta BTC-USDT 12 13 b100x2")
	require.Equal(t, "stale BTC-USDT", h.rec.next(t))
	conn.Push("delta BTC-USDT 14 14 b100x3")

	require.NoError(t, h.client.ResyncBook(ctx, btc, BookSnapshot{
		Bids:         []orderbook.Level{{Price: 99, Size: 1}},
		Asks:         []orderbook.Level{{Price: 102, Size: 1}},
		LastUpdateID: 20,
	}))
	require.Equal(t, "book BTC-USDT 20 bid=99 ask=102", h.rec.next(t))

	conn.Push("delta BTC-USDT 21 21 b99.5x1")
	require.Equal(t, "book BTC-USDT 21 bid=99.5 ask=102", h.rec.next(t))
	require.Equal(t, uint64(1), h.client.Stats().StaleBooks)

	require.NoError(t, h.client.Close(ctx))
	require.Zero(t, h.client.Stats().Pool.Outstanding)
}

func TestClientHeartbeat(t *testing.T) {
	conn := newFakeConnection()
	conn.heartbeat = 5 * time.Millisecond
	h := newHarness(t, conn, nil, func(cfg *Config) { cfg.HeartbeatTimeout = 50 * time.Millisecond })
	require.NoError(t, h.client.Initialize(context.Background(), []schema.Symbol{btc}, []schema.Channel{schema.ChannelTrades}))

	// Answered pings keep an otherwise quiet session alive.
	socket := conn.dialer.Conn(t, 0)
	require.Eventually(t, func() bool { return socket.Pings() >= 30 }, 2*time.Second, 2*time.Millisecond)
	require.Equal(t, 1, conn.dialer.Conns())
	require.False(t, socket.Closed())
}

func TestClientHeartbeatTimeoutReconnects(t *testing.T) {
	conn := newFakeConnection()
	conn.heartbeat = 5 * time.Millisecond
	conn.appPing = true
	h := newHarness(t, conn, nil, func(cfg *Config) { cfg.HeartbeatTimeout = 10 * time.Millisecond })
	require.NoError(t, h.client.Initialize(context.Background(), []schema.Symbol{btc}, []schema.Channel{schema.ChannelTrades}))

	// The peer never answers, so the session is torn down and redialed.
	first := conn.dialer.Conn(t, 0)
	second := conn.dialer.Conn(t, 1)
	require.True(t, first.Closed())
	require.Contains(t, first.Writes(), "ping")
	require.Equal(t, "subscribe BTC-USDT@trades", second.WaitWrites(t, 1)[0])
	require.NoError(t, h.client.Err())
	require.GreaterOrEqual(t, h.client.Stats().Reconnects, uint64(1))
}

func TestClientReconnectResetsBooks(t *testing.T) {
	h := newHarness(t, newFakeConnection(), nil)
	ctx := context.Background()
	require.NoError(t, h.client.Initialize(ctx, []schema.Symbol{btc}, []schema.Channel{schema.ChannelOrderBook}))

	first := h.conn.dialer.Conn(t, 0)
	first.Push("snap BTC-USDT 10 b100x1 a101x1")
	require.Equal(t, "book BTC-USDT 10 bid=100 ask=101", h.rec.next(t))
	first.Drop(1006)

	second := h.conn.dialer.Conn(t, 1)
	second.WaitWrites(t, 1)
	h.waitState(t, StateStreaming)

	// The old book is gone, so even a contiguous delta waits for a snapshot.
	second.Push("delta BTC-USDT 11 11 b100x2")
	require.Equal(t, "stale BTC-USDT", h.rec.next(t))
	second.Push("snap BTC-USDT 30 b98x1 a99x1")
	require.Equal(t, "book BTC-USDT 30 bid=98 ask=99", h.rec.next(t))

	require.NoError(t, h.client.Close(ctx))
	require.Zero(t, h.client.Stats().Pool.Outstanding)
}

func TestClientKeepAliveAuthFailureIsFatal(t *testing.T) {
	conn := newFakeConnection()
	conn.keepAlive = 5 * time.Millisecond
	conn.keepAliveErr = errs.New("fake", errs.CodeAuth, errs.WithHTTP(401))
	h := newHarness(t, conn, nil)
	require.NoError(t, h.client.Initialize(context.Background(), []schema.Symbol{btc}, []schema.Channel{schema.ChannelBalances}))

	select {
	case <-h.client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not close")
	}
	require.ErrorIs(t, h.client.Err(), errs.ErrAuth)
}

func TestClientInitializeFailureLeavesIdle(t *testing.T) {
	conn := newFakeConnection()
	conn.dialer.FailNext(errs.New("fake", errs.CodeConnection, errs.WithMessage("refused")))
	h := newHarness(t, conn, nil)
	ctx := context.Background()

	err := h.client.Initialize(ctx, []schema.Symbol{btc}, []schema.Channel{schema.ChannelTrades})
	require.ErrorIs(t, err, errs.ErrConnection)
	require.Equal(t, StateIdle, h.client.State())

	require.NoError(t, h.client.Initialize(ctx, []schema.Symbol{btc}, []schema.Channel{schema.ChannelTrades}))
	require.Equal(t, StateStreaming, h.client.State())
}

func TestClientRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t, newFakeConnection(), nil)
	ctx := context.Background()

	require.ErrorIs(t, h.client.Initialize(ctx, []schema.Symbol{btc}, nil), errs.ErrInvalid)
	require.ErrorIs(t, h.client.Initialize(ctx, nil, []schema.Channel{schema.ChannelTrades}), errs.ErrInvalid)
	require.ErrorIs(t, h.client.Initialize(ctx, []schema.Symbol{btc}, []schema.Channel{"candles"}), errs.ErrInvalid)
	require.ErrorIs(t, h.client.Subscribe(ctx, []schema.Symbol{btc}, schema.ChannelTrades), errs.ErrInvalid)
	require.ErrorIs(t, h.client.ResyncBook(ctx, btc, BookSnapshot{}), errs.ErrInvalid)

	require.NoError(t, h.client.Initialize(ctx, []schema.Symbol{btc}, []schema.Channel{schema.ChannelTrades}))
	require.ErrorIs(t, h.client.Initialize(ctx, []schema.Symbol{btc}, []schema.Channel{schema.ChannelTrades}), errs.ErrInvalid)
	require.ErrorIs(t, h.client.Subscribe(ctx, nil), errs.ErrInvalid)

	require.NoError(t, h.client.Close(ctx))
	require.ErrorIs(t, h.client.Subscribe(ctx, []schema.Symbol{eth}), errs.ErrClosed)
	require.ErrorIs(t, h.client.Initialize(ctx, []schema.Symbol{btc}, []schema.Channel{schema.ChannelTrades}), errs.ErrClosed)
}

func TestClientCloseBeforeInitialize(t *testing.T) {
	h := newHarness(t, newFakeConnection(), nil)
	require.NoError(t, h.client.Close(context.Background()))
	require.Equal(t, StateClosed, h.client.State())
	require.Zero(t, h.conn.dialer.Conns())
}

func TestNewClientRequiresStrategies(t *testing.T) {
	_, err := NewClient(nil, newFakeSubscriptions(), fakeParser{}, nil, Config{})
	require.ErrorIs(t, err, errs.ErrInvalid)
}

func TestClientDeliversTradeBurst(t *testing.T) {
	conn := newFakeConnection()
	var mu sync.Mutex
	delivered := 0
	client, err := NewClient(conn, newFakeSubscriptions(), fakeParser{}, HandlerFuncs{
		Trades: func(_ context.Context, _ schema.Symbol, trades []schema.Trade) error {
			mu.Lock()
			delivered += len(trades)
			mu.Unlock()
			return nil
		},
	}, Config{QueueSize: 2048, PoolSize: 64, Sleeper: &streamtest.Sleeper{}})
	require.NoError(t, err)
	ctx := context.Background()
	defer func() { _ = client.Close(ctx) }()

	require.NoError(t, client.Initialize(ctx, []schema.Symbol{btc}, []schema.Channel{schema.ChannelTrades}))
	baseline := client.Stats().Pool.Outstanding

	fc := conn.dialer.Conn(t, 0)
	for i := 0; i < 1000; i++ {
		fc.Push(fmt.Sprintf("trade BTC-USDT %d 1", 100+i))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1000
	}, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return client.Stats().Performance.Total == 1000
	}, 2*time.Second, 2*time.Millisecond)
	stats := client.Stats()
	require.Equal(t, uint64(1000), stats.Frames)
	require.Zero(t, stats.Dropped)
	require.Equal(t, baseline, stats.Pool.Outstanding)
	require.Zero(t, stats.Pool.OverflowOutstanding)
}

func TestClientDispatchesFillWithOrderUpdate(t *testing.T) {
	conn := newFakeConnection()
	events := make(chan string, 8)
	client, err := NewClient(conn, newFakeSubscriptions(), fakeParser{}, HandlerFuncs{
		OrderUpdate: func(_ context.Context, symbol schema.Symbol, u schema.OrderUpdate) error {
			events <- fmt.Sprintf("order %s %s %s", symbol, u.OrderID, u.Status)
			return nil
		},
		Execution: func(_ context.Context, symbol schema.Symbol, e schema.ExecutionUpdate) error {
			events <- fmt.Sprintf("exec %s %s %g@%g", symbol, e.OrderID, e.Quantity, e.Price)
			return nil
		},
	}, Config{Domain: "private", PoolSize: 16, Sleeper: &streamtest.Sleeper{}})
	require.NoError(t, err)
	ctx := context.Background()
	defer func() { _ = client.Close(ctx) }()

	require.NoError(t, client.Initialize(ctx, []schema.Symbol{btc}, []schema.Channel{schema.ChannelOrders, schema.ChannelExecutions}))
	conn.dialer.Conn(t, 0).Push("fill BTC-USDT 42 100.5 0.25")

	next := func() string {
		select {
		case ev := <-events:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for handler event")
			return ""
		}
	}
	require.Equal(t, "order BTC-USDT 42 filled", next())
	require.Equal(t, "exec BTC-USDT 42 0.25@100.5", next())
}
