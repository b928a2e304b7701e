package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coachpo/meltica-streams/errs"
	"github.com/coachpo/meltica-streams/internal/domain/schema"
	"github.com/coachpo/meltica-streams/internal/infra/logging"
	"github.com/coachpo/meltica-streams/internal/infra/telemetry"
	"github.com/coachpo/meltica-streams/internal/infra/transport"
	"github.com/coachpo/meltica-streams/internal/orderbook"
	"github.com/coachpo/meltica-streams/internal/pool"
)

const (
	defaultQueueSize        = 4096
	defaultPoolSize         = 8192
	defaultWriteTimeout     = 5 * time.Second
	defaultCloseGracePeriod = 5 * time.Second
	rawLogLimit             = 256
	statusNormalClosure     = 1000
)

// State is the client lifecycle state.
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateSubscribing
	StateStreaming
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config tunes a Client. Zero values select defaults.
type Config struct {
	// Domain labels logs and metrics, typically "public" or "private".
	Domain string
	// QueueSize bounds frames waiting for the processing goroutine; overflow drops the
	// oldest frame.
	QueueSize int
	// PoolSize is the EntryPool arena capacity and PoolCeiling its overflow ceiling.
	PoolSize     int
	PoolCeiling  int
	PerfCapacity int
	// Contiguity is the order book gap rule; nil selects orderbook.Bracketing.
	Contiguity orderbook.ContiguityRule
	// HeartbeatTimeout is how long past a heartbeat interval the session may go without
	// a frame or pong before it is torn down. Zero selects the heartbeat interval.
	HeartbeatTimeout time.Duration
	WriteTimeout     time.Duration
	CloseGracePeriod time.Duration
	Logger           *zap.Logger
	Sleeper          Sleeper
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Domain) == "" {
		c.Domain = "public"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.CloseGracePeriod <= 0 {
		c.CloseGracePeriod = defaultCloseGracePeriod
	}
	if c.Sleeper == nil {
		c.Sleeper = TimerSleeper{}
	}
	return c
}

// BookSnapshot is an out-of-band order book snapshot, typically fetched over REST after
// OnBookStale.
type BookSnapshot struct {
	Bids         []orderbook.Level
	Asks         []orderbook.Level
	LastUpdateID uint64
	Time         time.Time
}

// Stats is a point in time view of a client.
type Stats struct {
	State          State
	Reconnects     uint64
	Frames         uint64
	Dropped        uint64
	ProtocolErrors uint64
	StaleBooks     uint64
	QueueDepth     int
	Subscriptions  int
	Pool           pool.Stats
	Performance    PerformanceSnapshot
}

type pendingRequest struct {
	action   schema.Action
	symbols  []schema.Symbol
	channels []schema.Channel
}

// controlRequest runs on the processing goroutine. reset drops every book; otherwise
// snapshot replaces symbol's book.
type controlRequest struct {
	symbol   schema.Symbol
	snapshot BookSnapshot
	reset    bool
	done     chan error
}

// Client owns one connection, subscription and parser triple. Frames are read by one
// goroutine and decoded, reconciled and dispatched by a single processing goroutine, so
// handlers observe events in receipt order.
type Client struct {
	id       string
	exchange string
	cfg      Config

	conn    ConnectionStrategy
	subs    SubscriptionStrategy
	parser  MessageParser
	handler Handler

	logger  *zap.Logger
	metrics *streamMetrics

	entries *pool.EntryPool
	books   *orderbook.Reconciler
	perf    *PerformanceTracker
	queue   *frameQueue
	control chan controlRequest
	restart chan error

	mu       sync.Mutex
	state    State
	channels []schema.Channel
	pending  []pendingRequest
	active   transport.Conn
	cancel   context.CancelFunc
	err      error

	writeMu sync.Mutex
	tasks   conc.WaitGroup

	frames         atomic.Uint64
	reconnects     atomic.Uint64
	protocolErrors atomic.Uint64
	staleBooks     atomic.Uint64

	statsMu   sync.Mutex
	poolStats pool.Stats

	failOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// NewClient wires the exchange strategies into a client. Nothing is dialed until
// Initialize.
func NewClient(conn ConnectionStrategy, subs SubscriptionStrategy, parser MessageParser, handler Handler, cfg Config) (*Client, error) {
	if conn == nil || subs == nil || parser == nil {
		return nil, errs.New("", errs.CodeInvalid, errs.WithMessage("connection, subscription and parser strategies are required"))
	}
	if handler == nil {
		handler = HandlerFuncs{}
	}
	cfg = cfg.withDefaults()
	exchange := conn.Exchange()
	id := uuid.NewString()

	entries := pool.NewEntryPool(cfg.PoolSize, cfg.PoolCeiling)
	c := &Client{
		id:       id,
		exchange: exchange,
		cfg:      cfg,
		conn:     conn,
		subs:     subs,
		parser:   parser,
		handler:  handler,
		logger: logging.OrNop(cfg.Logger).With(
			zap.String("exchange", exchange),
			zap.String("domain", cfg.Domain),
			zap.String("client_id", id),
		),
		metrics:   newStreamMetrics(exchange, cfg.Domain),
		entries:   entries,
		books:     orderbook.NewReconciler(exchange, entries, cfg.Contiguity),
		perf:      NewPerformanceTracker(cfg.PerfCapacity),
		queue:     newFrameQueue(cfg.QueueSize),
		control:   make(chan controlRequest),
		restart:   make(chan error, 1),
		state:     StateIdle,
		poolStats: entries.Stats(),
		done:      make(chan struct{}),
	}
	return c, nil
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// State returns the lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the fatal error that closed the client, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the client reaches StateClosed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Initialize connects, subscribes every symbol to every channel and starts streaming.
// A failed initialization leaves the client Idle so it can be retried.
func (c *Client) Initialize(ctx context.Context, symbols []schema.Symbol, channels []schema.Channel) error {
	if err := validateRequest(c.exchange, symbols, channels); err != nil {
		return err
	}

	c.mu.Lock()
	switch c.state {
	case StateIdle:
	case StateClosed:
		c.mu.Unlock()
		return errs.New(c.exchange, errs.CodeClosed, errs.WithMessage("client closed"))
	default:
		state := c.state
		c.mu.Unlock()
		return errs.New(c.exchange, errs.CodeInvalid, errs.WithMessage("client already initialized: "+state.String()))
	}
	c.channels = append([]schema.Channel(nil), channels...)
	c.mu.Unlock()
	c.setState(StateConnecting)

	conn, err := c.conn.Connect(ctx)
	if err != nil {
		c.releaseSession()
		c.setState(StateIdle)
		return fmt.Errorf("connect: %w", err)
	}

	c.setState(StateSubscribing)
	if err := c.send(ctx, conn, schema.ActionSubscribe, symbols, channels); err != nil {
		_ = conn.Close(statusNormalClosure, "")
		c.releaseSession()
		c.setState(StateIdle)
		return fmt.Errorf("subscribe: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		cancel()
		_ = conn.Close(statusNormalClosure, "client closed")
		c.releaseSession()
		return errs.New(c.exchange, errs.CodeClosed, errs.WithMessage("client closed during initialize"))
	}
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.flushPending(ctx, conn); err != nil {
		c.logger.Warn("queued subscription requests failed", zap.Error(err))
	}

	c.tasks.Go(func() { c.supervise(runCtx, conn) })
	c.tasks.Go(func() { c.process(runCtx) })
	if c.conn.KeepAliveInterval() > 0 {
		c.tasks.Go(func() { c.keepAlive(runCtx) })
	}
	c.logger.Info("stream initialized",
		zap.Int("symbols", len(symbols)),
		zap.Int("channels", len(channels)),
		zap.Int("subscriptions", len(c.subs.ActiveSubscriptions())))
	return nil
}

// Subscribe adds symbols on channels, defaulting to the channels given to Initialize.
// While reconnecting the request is queued and sent after the subscription replay. The
// active set is updated before the write, so a failed write is repaired by the next
// reconnect.
func (c *Client) Subscribe(ctx context.Context, symbols []schema.Symbol, channels ...schema.Channel) error {
	return c.request(ctx, schema.ActionSubscribe, symbols, channels)
}

// Unsubscribe removes symbols from channels, defaulting to the channels given to
// Initialize.
func (c *Client) Unsubscribe(ctx context.Context, symbols []schema.Symbol, channels ...schema.Channel) error {
	return c.request(ctx, schema.ActionUnsubscribe, symbols, channels)
}

func (c *Client) request(ctx context.Context, action schema.Action, symbols []schema.Symbol, channels []schema.Channel) error {
	c.mu.Lock()
	if len(channels) == 0 {
		channels = c.channels
	}
	if err := validateRequest(c.exchange, symbols, channels); err != nil {
		c.mu.Unlock()
		return err
	}
	req := pendingRequest{
		action:   action,
		symbols:  append([]schema.Symbol(nil), symbols...),
		channels: append([]schema.Channel(nil), channels...),
	}
	switch c.state {
	case StateReconnecting, StateSubscribing:
		c.pending = append(c.pending, req)
		c.mu.Unlock()
		c.logger.Debug("queued subscription request until resubscribed",
			zap.Stringer("action", action), zap.Int("symbols", len(symbols)))
		return nil
	case StateStreaming:
		conn := c.active
		c.mu.Unlock()
		return c.send(ctx, conn, req.action, req.symbols, req.channels)
	case StateClosed:
		c.mu.Unlock()
		return errs.New(c.exchange, errs.CodeClosed, errs.WithMessage("client closed"))
	default:
		state := c.state
		c.mu.Unlock()
		return errs.New(c.exchange, errs.CodeInvalid, errs.WithMessage(action.String()+" not allowed while "+state.String()))
	}
}

// ResyncBook replaces symbol's book with snapshot on the processing goroutine, clearing
// the stale flag. The refreshed book is dispatched to OnOrderBook.
func (c *Client) ResyncBook(ctx context.Context, symbol schema.Symbol, snapshot BookSnapshot) error {
	switch c.State() {
	case StateClosed:
		return errs.New(c.exchange, errs.CodeClosed, errs.WithMessage("client closed"))
	case StateIdle, StateConnecting:
		return errs.New(c.exchange, errs.CodeInvalid, errs.WithMessage("client not started"))
	}
	req := controlRequest{symbol: symbol, snapshot: snapshot, done: make(chan error, 1)}
	select {
	case c.control <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errs.New(c.exchange, errs.CodeClosed, errs.WithMessage("client closed"))
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errs.New(c.exchange, errs.CodeClosed, errs.WithMessage("client closed"))
	}
}

// Stats returns counters, pool occupancy and latency statistics.
func (c *Client) Stats() Stats {
	c.statsMu.Lock()
	poolStats := c.poolStats
	c.statsMu.Unlock()
	return Stats{
		State:          c.State(),
		Reconnects:     c.reconnects.Load(),
		Frames:         c.frames.Load(),
		Dropped:        c.queue.droppedCount(),
		ProtocolErrors: c.protocolErrors.Load(),
		StaleBooks:     c.staleBooks.Load(),
		QueueDepth:     c.queue.len(),
		Subscriptions:  len(c.subs.ActiveSubscriptions()),
		Pool:           poolStats,
		Performance:    c.perf.Snapshot(),
	}
}

// Close unsubscribes best effort, stops every task, waits up to the grace period and
// releases the session token. It is idempotent.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.shutdown(ctx)
	})
	return c.closeErr
}

func (c *Client) shutdown(ctx context.Context) error {
	c.mu.Lock()
	prev := c.state
	conn := c.active
	cancel := c.cancel
	failed := c.err != nil
	c.state = StateClosed
	c.active = nil
	c.pending = nil
	c.mu.Unlock()
	c.metrics.recordState(ctx, StateClosed.String())

	if prev == StateIdle {
		close(c.done)
		return nil
	}

	if conn != nil && prev == StateStreaming && !failed {
		if err := c.unsubscribeAll(ctx, conn); err != nil {
			c.logger.Debug("unsubscribe on close failed", zap.Error(err))
		}
	}

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(statusNormalClosure, "client closed")
	}

	waitErr := c.waitTasks(ctx)
	c.conn.SetState(schema.StateDisconnected)
	c.releaseSession()

	if waitErr == nil {
		c.books.ResetAll()
		c.publishPoolStats()
	}
	c.logger.Info("stream closed", zap.Error(waitErr))
	close(c.done)
	return waitErr
}

func (c *Client) releaseSession() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CloseGracePeriod)
	defer cancel()
	if err := c.conn.Close(ctx); err != nil {
		c.logger.Warn("session cleanup failed", zap.Error(err))
	}
}

func (c *Client) waitTasks(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		if r := c.tasks.WaitAndRecover(); r != nil {
			c.logger.Error("stream task panicked", zap.String("panic", r.String()))
		}
		close(finished)
	}()
	timer := time.NewTimer(c.cfg.CloseGracePeriod)
	defer timer.Stop()
	select {
	case <-finished:
		return nil
	case <-timer.C:
		return errs.New(c.exchange, errs.CodeConnection, errs.WithMessage("stream tasks did not stop within grace period"))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) unsubscribeAll(ctx context.Context, conn transport.Conn) error {
	byChannel := make(map[schema.Channel][]schema.Symbol)
	var order []schema.Channel
	for _, sub := range c.subs.ActiveSubscriptions() {
		if _, ok := byChannel[sub.Channel]; !ok {
			order = append(order, sub.Channel)
		}
		byChannel[sub.Channel] = append(byChannel[sub.Channel], sub.Symbol)
	}
	var errList []error
	for _, ch := range order {
		if err := c.send(ctx, conn, schema.ActionUnsubscribe, byChannel[ch], []schema.Channel{ch}); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// fail records a fatal error and closes the client asynchronously.
func (c *Client) fail(err error) {
	c.failOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.logger.Error("stream failed", zap.Error(err))
		go func() { _ = c.Close(context.Background()) }()
	})
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = state
	c.mu.Unlock()
	if prev != state {
		c.metrics.recordState(context.Background(), state.String())
		c.logger.Debug("state changed", zap.Stringer("from", prev), zap.Stringer("to", state))
	}
}

// send builds and writes a subscription request.
func (c *Client) send(ctx context.Context, conn transport.Conn, action schema.Action, symbols []schema.Symbol, channels []schema.Channel) error {
	before := len(c.subs.ActiveSubscriptions())
	msgs, err := c.subs.BuildMessages(action, symbols, channels)
	if err != nil {
		return err
	}
	c.metrics.adjustSubscriptions(ctx, len(c.subs.ActiveSubscriptions())-before)
	return c.writeAll(ctx, conn, action.String(), msgs)
}

func (c *Client) writeAll(ctx context.Context, conn transport.Conn, command string, msgs [][]byte) error {
	if conn == nil {
		return errs.New(c.exchange, errs.CodeConnection, errs.WithMessage("no active connection"))
	}
	for _, msg := range msgs {
		c.writeMu.Lock()
		writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
		err := conn.Write(writeCtx, msg)
		cancel()
		c.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("write %s: %w", command, err)
		}
		c.logger.Debug("control message sent", zap.String("command", command), zap.ByteString("payload", msg))
	}
	c.metrics.recordControl(ctx, command, len(msgs))
	return nil
}

// flushPending sends requests queued while subscribing, then publishes conn as the
// active connection and enters Streaming.
func (c *Client) flushPending(ctx context.Context, conn transport.Conn) error {
	var errList []error
	for {
		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return errors.Join(errList...)
		}
		if len(c.pending) == 0 {
			c.active = conn
			prev := c.state
			c.state = StateStreaming
			c.mu.Unlock()
			if prev != StateStreaming {
				c.metrics.recordState(ctx, StateStreaming.String())
			}
			return errors.Join(errList...)
		}
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		for _, req := range pending {
			if err := c.send(ctx, conn, req.action, req.symbols, req.channels); err != nil {
				errList = append(errList, err)
			}
		}
	}
}

// supervise runs sessions until the client closes or fails.
func (c *Client) supervise(ctx context.Context, conn transport.Conn) {
	policy := c.conn.ReconnectPolicy().WithDefaults()
	schedule := policy.NewBackOff()
	attempts := 0

	for {
		c.conn.SetState(schema.StateConnected)
		healthy, err := c.runSession(ctx, conn)
		c.mu.Lock()
		if c.active == conn {
			c.active = nil
		}
		if c.state == StateStreaming {
			c.state = StateReconnecting
		}
		c.mu.Unlock()
		if ctx.Err() != nil {
			return
		}

		c.conn.SetState(schema.StateError)
		if c.conn.Classify(err) == Fatal {
			c.fail(err)
			return
		}
		code := transport.CloseCode(err)
		if healthy || policy.ResetsOn(code) {
			schedule.Reset()
			attempts = 0
		}
		c.logger.Warn("session ended, reconnecting", zap.Error(err), zap.Int("close_code", code))

		next, ok := c.reconnect(ctx, schedule, policy, &attempts)
		if !ok {
			return
		}
		conn = next
		c.resetBooks(ctx)
	}
}

// resetBooks drops every book before the new session's first frame is read. Updates
// missed while disconnected cannot be replayed, so books start over from the next
// snapshot.
func (c *Client) resetBooks(ctx context.Context) {
	req := controlRequest{reset: true, done: make(chan error, 1)}
	select {
	case c.control <- req:
	case <-ctx.Done():
		return
	}
	select {
	case <-req.done:
	case <-ctx.Done():
	}
}

func (c *Client) reconnect(ctx context.Context, schedule *backoff.ExponentialBackOff, policy ReconnectPolicy, attempts *int) (transport.Conn, bool) {
	c.setState(StateReconnecting)
	for {
		if policy.Exhausted(*attempts) {
			c.fail(errs.New(c.exchange, errs.CodeConnection,
				errs.WithMessage(fmt.Sprintf("reconnect attempts exhausted after %d", *attempts))))
			return nil, false
		}
		delay := schedule.NextBackOff()
		*attempts++
		if err := c.cfg.Sleeper.Sleep(ctx, delay); err != nil {
			return nil, false
		}
		c.reconnects.Add(1)
		c.conn.SetState(schema.StateConnecting)

		conn, err := c.conn.Connect(ctx)
		if err != nil {
			c.metrics.recordReconnect(ctx, telemetry.ResultError)
			if ctx.Err() != nil {
				return nil, false
			}
			if c.conn.Classify(err) == Fatal {
				c.fail(err)
				return nil, false
			}
			c.conn.SetState(schema.StateError)
			c.logger.Warn("reconnect failed", zap.Error(err), zap.Int("attempt", *attempts), zap.Duration("delay", delay))
			continue
		}
		c.metrics.recordReconnect(ctx, telemetry.ResultSuccess)

		c.setState(StateSubscribing)
		if err := c.resubscribe(ctx, conn); err != nil {
			_ = conn.Close(statusNormalClosure, "")
			if ctx.Err() != nil {
				return nil, false
			}
			c.logger.Warn("resubscribe failed", zap.Error(err), zap.Int("attempt", *attempts))
			c.setState(StateReconnecting)
			continue
		}
		c.logger.Info("reconnected", zap.Int("attempt", *attempts))
		return conn, true
	}
}

func (c *Client) resubscribe(ctx context.Context, conn transport.Conn) error {
	msgs, err := c.subs.BuildResubscriptionMessages()
	if err != nil {
		return err
	}
	if err := c.writeAll(ctx, conn, "resubscribe", msgs); err != nil {
		return err
	}
	if err := c.flushPending(ctx, conn); err != nil {
		c.logger.Warn("queued subscription requests failed", zap.Error(err))
	}
	return nil
}

// liveness tracks inbound activity on one session.
type liveness struct {
	healthy  atomic.Bool
	lastSeen atomic.Int64
}

func (l *liveness) frame() {
	l.healthy.Store(true)
	l.seen()
}

func (l *liveness) seen() { l.lastSeen.Store(time.Now().UnixNano()) }

func (l *liveness) silence() time.Duration {
	return time.Since(time.Unix(0, l.lastSeen.Load()))
}

// pongConn counts an answered websocket ping as inbound activity.
type pongConn struct {
	transport.Conn
	live *liveness
}

func (p pongConn) Ping(ctx context.Context) error {
	if err := p.Conn.Ping(ctx); err != nil {
		return err
	}
	p.live.seen()
	return nil
}

// runSession reads conn until it fails. healthy reports whether any frame arrived.
func (c *Client) runSession(ctx context.Context, conn transport.Conn) (bool, error) {
	select {
	case <-c.restart:
	default:
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	live := &liveness{}
	live.seen()
	errCh := make(chan error, 2)
	var wg conc.WaitGroup
	wg.Go(func() { errCh <- c.readLoop(sessCtx, conn, live) })
	if interval := c.conn.HeartbeatInterval(); interval > 0 {
		wg.Go(func() { errCh <- c.heartbeatLoop(sessCtx, conn, interval, live) })
	}

	var err error
	select {
	case err = <-errCh:
	case err = <-c.restart:
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancel()
	_ = conn.Close(statusNormalClosure, "")
	if r := wg.WaitAndRecover(); r != nil {
		c.logger.Error("session task panicked", zap.String("panic", r.String()))
		if err == nil {
			err = r.AsError()
		}
	}
	return live.healthy.Load(), err
}

func (c *Client) readLoop(ctx context.Context, conn transport.Conn, live *liveness) error {
	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if frame.Received.IsZero() {
			frame.Received = time.Now()
		}
		live.frame()
		c.frames.Add(1)
		c.metrics.recordFrame(ctx, len(frame.Data))
		if c.queue.push(frame) {
			c.metrics.recordDropped(ctx)
		}
	}
}

// heartbeatLoop pings every interval and ends the session once nothing has arrived for
// interval plus the heartbeat timeout, so a half-open socket is reconnected.
func (c *Client) heartbeatLoop(ctx context.Context, conn transport.Conn, interval time.Duration, live *liveness) error {
	timeout := c.cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = interval
	}
	pinger := pongConn{Conn: conn, live: live}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if silent := live.silence(); silent > interval+timeout {
				c.metrics.recordError(ctx, string(errs.CodeConnection))
				return errs.New(c.exchange, errs.CodeConnection,
					errs.WithMessage(fmt.Sprintf("heartbeat timeout: nothing received for %s", silent.Round(time.Millisecond))))
			}
			c.writeMu.Lock()
			err := c.conn.Heartbeat(ctx, pinger)
			c.writeMu.Unlock()
			if err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
			c.metrics.recordControl(ctx, "ping", 1)
		}
	}
}

func (c *Client) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(c.conn.KeepAliveInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.conn.KeepAlive(ctx)
			if err == nil {
				c.metrics.recordControl(ctx, "keepalive", 1)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			switch code, _ := errs.CodeOf(err); code {
			case errs.CodeAuth:
				c.fail(err)
				return
			case errs.CodeSessionExpired:
				c.logger.Warn("session token expired, reconnecting", zap.Error(err))
				c.requestRestart(err)
			default:
				c.logger.Warn("session keep-alive failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) requestRestart(err error) {
	select {
	case c.restart <- err:
	default:
	}
}

// process is the only goroutine touching the parser, reconciler and pool.
func (c *Client) process(ctx context.Context) {
	batch := make([]transport.Frame, 0, 64)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.queue.notify:
			batch = c.handleQueued(ctx, batch)
			c.publishPoolStats()
		case req := <-c.control:
			if req.reset {
				// Frames from the previous session are dispatched before the books go.
				batch = c.handleQueued(ctx, batch)
				c.books.ResetAll()
				c.logger.Debug("order books reset after reconnect")
				req.done <- nil
			} else {
				req.done <- c.applyResync(ctx, req)
			}
			c.publishPoolStats()
		}
	}
}

func (c *Client) handleQueued(ctx context.Context, batch []transport.Frame) []transport.Frame {
	batch = c.queue.drain(batch[:0])
	for i := range batch {
		if ctx.Err() != nil {
			return batch
		}
		c.handleFrame(ctx, batch[i])
		batch[i] = transport.Frame{}
	}
	return batch
}

func (c *Client) handleFrame(ctx context.Context, frame transport.Frame) {
	msg := c.parse(frame)
	c.dispatch(ctx, msg)
	latency := time.Since(frame.Received)
	c.perf.Record(latency)
	c.metrics.recordDispatch(ctx, msg.Kind.String(), latency)
}

func (c *Client) parse(frame transport.Frame) (msg schema.Message) {
	defer func() {
		if r := recover(); r != nil {
			msg = schema.Message{
				Kind: schema.KindProtocolError,
				Err: errs.New(c.exchange, errs.CodeProtocol,
					errs.WithMessage(fmt.Sprintf("parser panic: %v", r))),
				Raw: frame.Data,
			}
		}
	}()
	return c.parser.Parse(frame, c.entries)
}

func (c *Client) dispatch(ctx context.Context, msg schema.Message) {
	switch msg.Kind {
	case schema.KindOrderBookSnapshot, schema.KindOrderBookDelta:
		c.dispatchBook(ctx, msg)
	case schema.KindTrades:
		if trades, ok := msg.Payload.([]schema.Trade); ok && len(trades) > 0 {
			c.observe("trades", c.handler.OnTrades(ctx, msg.Symbol, trades))
		}
	case schema.KindBookTicker:
		if ticker, ok := msg.Payload.(schema.BookTicker); ok {
			c.observe("book_ticker", c.handler.OnBookTicker(ctx, ticker.Symbol, ticker))
		}
	case schema.KindOrderUpdate:
		updates, _ := msg.Payload.([]schema.OrderUpdate)
		for _, u := range updates {
			c.observe("order_update", c.handler.OnOrderUpdate(ctx, u.Symbol, u))
			if u.Execution != nil {
				c.observe("execution", c.handler.OnExecution(ctx, u.Symbol, *u.Execution))
			}
		}
	case schema.KindBalanceUpdate:
		updates, _ := msg.Payload.([]schema.BalanceUpdate)
		for _, u := range updates {
			c.observe("balance_update", c.handler.OnBalanceUpdate(ctx, schema.Symbol{}, u))
		}
	case schema.KindExecution:
		execs, _ := msg.Payload.([]schema.ExecutionUpdate)
		for _, e := range execs {
			c.observe("execution", c.handler.OnExecution(ctx, e.Symbol, e))
		}
	case schema.KindHeartbeat:
	case schema.KindSubscriptionAck:
		c.handleAck(msg)
	case schema.KindProtocolError:
		c.handleError(ctx, msg)
	default:
		c.logger.Debug("unrecognized frame", zap.String("channel", msg.Channel), zap.String("raw", errs.Truncate(msg.Raw, rawLogLimit)))
	}
}

func (c *Client) dispatchBook(ctx context.Context, msg schema.Message) {
	book, err := c.books.Apply(msg)
	switch {
	case err == nil:
		c.observe("orderbook", c.handler.OnOrderBook(ctx, msg.Symbol, book))
	case errors.Is(err, errs.ErrSequenceGap):
		c.reportStale(ctx, msg.Symbol, err)
	case errors.Is(err, orderbook.ErrBookStale):
		c.logger.Debug("book update held until snapshot", zap.Stringer("symbol", msg.Symbol))
	case errors.Is(err, orderbook.ErrOutdated):
		c.logger.Debug("book update dropped", zap.Stringer("symbol", msg.Symbol), zap.Error(err))
	default:
		c.metrics.recordError(ctx, string(errs.CodeInvalid))
		c.logger.Warn("book update rejected", zap.Stringer("symbol", msg.Symbol), zap.Error(err))
	}
}

func (c *Client) reportStale(ctx context.Context, symbol schema.Symbol, err error) {
	c.staleBooks.Add(1)
	c.metrics.recordStale(ctx, symbol.String())
	c.logger.Warn("order book gap, awaiting snapshot", zap.Stringer("symbol", symbol), zap.Error(err))
	c.observe("book_stale", c.handler.OnBookStale(ctx, symbol, err))
}

func (c *Client) handleAck(msg schema.Message) {
	ack, _ := msg.Payload.(schema.SubscriptionAck)
	if ack.Success {
		c.logger.Debug("subscription confirmed", zap.String("channel", ack.Channel), zap.String("id", ack.ID))
		return
	}
	c.logger.Warn("subscription not confirmed", zap.String("channel", ack.Channel), zap.String("id", ack.ID),
		zap.String("raw", errs.Truncate(msg.Raw, rawLogLimit)))
}

func (c *Client) handleError(ctx context.Context, msg schema.Message) {
	err := msg.Err
	if err == nil {
		err = errs.New(c.exchange, errs.CodeProtocol, errs.WithMessage("undecodable frame"))
	}
	code, _ := errs.CodeOf(err)
	c.metrics.recordError(ctx, string(code))
	switch code {
	case errs.CodeAuth:
		c.fail(err)
	case errs.CodeSessionExpired:
		c.logger.Warn("session expired, reconnecting", zap.Error(err))
		c.requestRestart(err)
	case errs.CodeSubscription:
		c.logger.Warn("subscription rejected", zap.Error(err))
	default:
		c.protocolErrors.Add(1)
		c.logger.Warn("dropping undecodable frame", zap.Error(err), zap.String("raw", errs.Truncate(msg.Raw, rawLogLimit)))
	}
}

func (c *Client) applyResync(ctx context.Context, req controlRequest) error {
	snap := req.snapshot
	update := &schema.BookUpdate{
		FirstID:   snap.LastUpdateID,
		LastID:    snap.LastUpdateID,
		Sequenced: snap.LastUpdateID != 0,
		Time:      snap.Time,
		Bids:      make([]*pool.Entry, 0, len(snap.Bids)),
		Asks:      make([]*pool.Entry, 0, len(snap.Asks)),
	}
	for _, l := range snap.Bids {
		update.Bids = append(update.Bids, c.entries.Acquire(l.Price, l.Size))
	}
	for _, l := range snap.Asks {
		update.Asks = append(update.Asks, c.entries.Acquire(l.Price, l.Size))
	}
	book, err := c.books.ApplySnapshot(req.symbol, update)
	if errors.Is(err, errs.ErrSequenceGap) {
		// A held delta did not continue the snapshot.
		c.reportStale(ctx, req.symbol, err)
		return err
	}
	if err != nil {
		return err
	}
	c.logger.Info("order book resynchronized", zap.Stringer("symbol", req.symbol), zap.Uint64("last_update_id", book.LastUpdateID()))
	c.observe("orderbook", c.handler.OnOrderBook(ctx, req.symbol, book))
	return nil
}

func (c *Client) observe(event string, err error) {
	if err != nil {
		c.logger.Warn("handler error", zap.String("event", event), zap.Error(err))
	}
}

func (c *Client) publishPoolStats() {
	stats := c.entries.Stats()
	c.statsMu.Lock()
	c.poolStats = stats
	c.statsMu.Unlock()
}

// validateRequest requires at least one symbol unless every channel is account wide.
func validateRequest(exchange string, symbols []schema.Symbol, channels []schema.Channel) error {
	if len(channels) == 0 {
		return errs.New(exchange, errs.CodeInvalid, errs.WithMessage("at least one channel required"))
	}
	accountOnly := true
	for _, ch := range channels {
		if !ch.Valid() {
			return errs.New(exchange, errs.CodeInvalid, errs.WithChannel(string(ch)), errs.WithMessage("unknown channel"))
		}
		if ch != schema.ChannelBalances {
			accountOnly = false
		}
	}
	if len(symbols) == 0 && !accountOnly {
		return errs.New(exchange, errs.CodeInvalid, errs.WithMessage("at least one symbol required"))
	}
	for _, sym := range symbols {
		if sym.IsZero() {
			return errs.New(exchange, errs.CodeInvalid, errs.WithMessage("empty symbol"))
		}
	}
	return nil
}
