// Package streamtest provides in-memory sockets for exercising stream clients and
// exchange adapters without a network.
package streamtest

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-streams/errs"
	"github.com/coachpo/meltica-streams/internal/infra/transport"
)

const (
	inboxSize   = 1024
	waitTimeout = 2 * time.Second
	waitTick    = 2 * time.Millisecond
)

type inbound struct {
	frame transport.Frame
	err   error
}

// FakeConn is a scripted transport.Conn. Frames and failures are delivered in the order
// they are pushed.
type FakeConn struct {
	inbox     chan inbound
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	writes    [][]byte
	pings     int
	closeCode int
	writeErr  error
}

// NewFakeConn returns an open connection with an empty inbox.
func NewFakeConn() *FakeConn {
	return &FakeConn{
		inbox:     make(chan inbound, inboxSize),
		closed:    make(chan struct{}),
		closeCode: -1,
	}
}

// Push queues a text frame.
func (c *FakeConn) Push(data string) {
	c.inbox <- inbound{frame: transport.Frame{Data: []byte(data), Received: time.Now()}}
}

// PushBinary queues a binary frame.
func (c *FakeConn) PushBinary(data []byte) {
	c.inbox <- inbound{frame: transport.Frame{Binary: true, Data: data, Received: time.Now()}}
}

// Fail makes the next Read after all queued frames return err.
func (c *FakeConn) Fail(err error) {
	c.inbox <- inbound{err: err}
}

// Drop simulates the server closing the socket with code.
func (c *FakeConn) Drop(code int) {
	c.Fail(errs.New("fake", errs.CodeConnection,
		errs.WithRawCode(strconv.Itoa(code)),
		errs.WithMessage("connection closed by peer")))
}

// FailWrites makes every later Write return err.
func (c *FakeConn) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *FakeConn) Read(ctx context.Context) (transport.Frame, error) {
	select {
	case in := <-c.inbox:
		return in.frame, in.err
	case <-c.closed:
		return transport.Frame{}, errs.New("fake", errs.CodeConnection,
			errs.WithRawCode(strconv.Itoa(c.CloseCode())),
			errs.WithMessage("connection closed"))
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	}
}

func (c *FakeConn) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errs.New("fake", errs.CodeConnection, errs.WithMessage("write on closed connection"))
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *FakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	c.pings++
	c.mu.Unlock()
	return ctx.Err()
}

func (c *FakeConn) Close(code int, _ string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

// Writes returns copies of every written frame as strings.
func (c *FakeConn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	for i, w := range c.writes {
		out[i] = string(w)
	}
	return out
}

// Pings returns how many pings were sent.
func (c *FakeConn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// CloseCode is the code passed to Close, or -1.
func (c *FakeConn) CloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// WaitWrites blocks until at least n frames were written and returns them.
func (c *FakeConn) WaitWrites(t testing.TB, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.Writes()) >= n }, waitTimeout, waitTick,
		"expected %d writes", n)
	return c.Writes()
}

// DialRecord captures one Dial call.
type DialRecord struct {
	URL    string
	Header http.Header
}

// FakeDialer hands out FakeConns. Scripted errors are returned first, one per Dial.
type FakeDialer struct {
	mu       sync.Mutex
	failures []error
	dials    []DialRecord
	conns    []*FakeConn
}

var _ transport.Dialer = (*FakeDialer)(nil)

// FailNext queues errors for the next Dial calls.
func (d *FakeDialer) FailNext(errList ...error) {
	d.mu.Lock()
	d.failures = append(d.failures, errList...)
	d.mu.Unlock()
}

func (d *FakeDialer) Dial(ctx context.Context, url string, header http.Header) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, DialRecord{URL: url, Header: header.Clone()})
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return nil, err
	}
	conn := NewFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

// Dials returns every recorded Dial call.
func (d *FakeDialer) Dials() []DialRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DialRecord(nil), d.dials...)
}

// Conns returns the number of connections handed out.
func (d *FakeDialer) Conns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Conn waits for the i-th successful dial and returns its connection.
func (d *FakeDialer) Conn(t testing.TB, i int) *FakeConn {
	t.Helper()
	require.Eventually(t, func() bool { return d.Conns() > i }, waitTimeout, waitTick,
		"expected dial #%d", i)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// Sleeper records requested delays and returns immediately.
type Sleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *Sleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

// Delays returns every requested delay in order.
func (s *Sleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}
