// Package transport wraps the websocket client used by every exchange connection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/coachpo/meltica-streams/errs"
)

const (
	defaultReadLimit        = 2 * 1024 * 1024
	defaultHandshakeTimeout = 10 * time.Second
)

// Frame is one inbound websocket message.
type Frame struct {
	Binary   bool
	Data     []byte
	Received time.Time
}

// Conn is an established exchange socket.
type Conn interface {
	Read(ctx context.Context) (Frame, error)
	// Write sends a text frame.
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(code int, reason string) error
}

// Dialer opens exchange sockets.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// Options tunes dialed connections.
type Options struct {
	// ReadLimit is the maximum inbound frame size in bytes.
	ReadLimit int64
	// WriteLimit is the maximum outbound frame size in bytes; zero disables the check.
	WriteLimit       int
	HandshakeTimeout time.Duration
	HTTPClient       *http.Client
}

// WebsocketDialer dials with github.com/coder/websocket.
type WebsocketDialer struct {
	exchange string
	opts     Options
}

// NewDialer builds a dialer whose errors are tagged with exchange.
func NewDialer(exchange string, opts Options) *WebsocketDialer {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &WebsocketDialer{exchange: exchange, opts: opts}
}

// Dial performs the websocket handshake. 401 and 403 handshake responses map to
// authentication errors, everything else to connection errors.
func (d *WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.opts.HandshakeTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: d.opts.HTTPClient,
	})
	if err != nil {
		code := errs.CodeConnection
		status := 0
		if resp != nil {
			status = resp.StatusCode
			if status == http.StatusUnauthorized || status == http.StatusForbidden {
				code = errs.CodeAuth
			}
		}
		return nil, errs.New(d.exchange, code,
			errs.WithHTTP(status),
			errs.WithMessage("dial "+url),
			errs.WithCause(err))
	}
	conn.SetReadLimit(d.opts.ReadLimit)
	return &wsConn{exchange: d.exchange, conn: conn, writeLimit: d.opts.WriteLimit}, nil
}

type wsConn struct {
	exchange   string
	conn       *websocket.Conn
	writeLimit int
}

func (c *wsConn) Read(ctx context.Context) (Frame, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return Frame{}, c.wrap("read", err)
	}
	return Frame{Binary: typ == websocket.MessageBinary, Data: data, Received: time.Now()}, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	if c.writeLimit > 0 && len(data) > c.writeLimit {
		return errs.New(c.exchange, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("frame of %d bytes exceeds write limit %d", len(data), c.writeLimit)))
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return c.wrap("write", err)
	}
	return nil
}

func (c *wsConn) Ping(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return c.wrap("ping", err)
	}
	return nil
}

func (c *wsConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}

func (c *wsConn) wrap(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	opts := []errs.Option{errs.WithMessage(op), errs.WithCause(err)}
	if status := websocket.CloseStatus(err); status != -1 {
		opts = append(opts, errs.WithRawCode(strconv.Itoa(int(status))))
	} else if errors.Is(err, net.ErrClosed) {
		opts = append(opts, errs.WithRawCode(strconv.Itoa(int(websocket.StatusAbnormalClosure))))
	}
	return errs.New(c.exchange, errs.CodeConnection, opts...)
}

// CloseCode extracts the websocket close status carried by err, or -1.
func CloseCode(err error) int {
	if status := websocket.CloseStatus(err); status != -1 {
		return int(status)
	}
	var e *errs.E
	if errors.As(err, &e) && e.RawCode != "" && e.Code == errs.CodeConnection {
		if code, convErr := strconv.Atoi(e.RawCode); convErr == nil {
			return code
		}
	}
	return -1
}
