package shared

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coachpo/meltica-streams/errs"
	"github.com/coachpo/meltica-streams/internal/domain/schema"
	"github.com/coachpo/meltica-streams/internal/infra/logging"
	"github.com/coachpo/meltica-streams/internal/infra/transport"
	"github.com/coachpo/meltica-streams/internal/stream"
)

const defaultPingTimeout = 5 * time.Second

// ConnectionConfig describes how to reach one exchange endpoint.
type ConnectionConfig struct {
	Exchange string
	Domain   string
	URL      string
	Header   http.Header
	Dialer   transport.Dialer
	Policy   stream.ReconnectPolicy

	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	// PingFrame builds an application level ping. Nil selects a websocket ping frame.
	PingFrame func() ([]byte, error)

	// Tokens mints session tokens for private streams; nil for public streams.
	Tokens stream.SessionTokens
	// TokenURL derives the dial URL from the base URL and a session token.
	TokenURL          func(base, token string) string
	KeepAliveInterval time.Duration

	// ControlRate caps outbound frames per second; zero disables pacing.
	ControlRate float64
	Logger      *zap.Logger
}

// Connection is a stream.ConnectionStrategy built from a ConnectionConfig.
type Connection struct {
	cfg     ConnectionConfig
	logger  *zap.Logger
	metrics *connectionMetrics
	limiter *rate.Limiter

	mu    sync.Mutex
	state schema.ConnectionState
	token string
}

var _ stream.ConnectionStrategy = (*Connection)(nil)

// NewConnection validates cfg.
func NewConnection(cfg ConnectionConfig) (*Connection, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errs.New(cfg.Exchange, errs.CodeInvalid, errs.WithMessage("websocket url required"))
	}
	if cfg.Dialer == nil {
		cfg.Dialer = transport.NewDialer(cfg.Exchange, transport.Options{})
	}
	if cfg.Tokens != nil && cfg.TokenURL == nil {
		return nil, errs.New(cfg.Exchange, errs.CodeInvalid, errs.WithMessage("token url builder required for private streams"))
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if cfg.Domain == "" {
		cfg.Domain = DomainPublic
	}
	c := &Connection{
		cfg:     cfg,
		logger:  logging.OrNop(cfg.Logger).Named(cfg.Exchange).With(zap.String("domain", cfg.Domain)),
		metrics: newConnectionMetrics(cfg.Exchange, cfg.Domain),
		state:   schema.StateDisconnected,
	}
	if cfg.ControlRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.ControlRate), 1)
	}
	return c, nil
}

func (c *Connection) Exchange() string { return c.cfg.Exchange }

// Connect mints or renews the session token for private streams and dials.
func (c *Connection) Connect(ctx context.Context) (transport.Conn, error) {
	c.SetState(schema.StateConnecting)
	url := c.cfg.URL
	if c.cfg.Tokens != nil {
		c.SetState(schema.StateAuthenticating)
		token, err := c.ensureToken(ctx)
		if err != nil {
			c.SetState(schema.StateError)
			return nil, err
		}
		url = c.cfg.TokenURL(url, token)
	}

	conn, err := c.cfg.Dialer.Dial(ctx, url, c.cfg.Header)
	c.metrics.recordDial(ctx, err)
	if err != nil {
		c.SetState(schema.StateError)
		return nil, err
	}
	if c.limiter != nil {
		conn = &pacedConn{Conn: conn, limiter: c.limiter}
	}
	c.SetState(schema.StateConnected)
	return conn, nil
}

// ensureToken keeps a live token across reconnects, minting a new one when the
// previous token expired.
func (c *Connection) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	if token != "" {
		err := c.cfg.Tokens.RenewSessionToken(ctx, token)
		c.metrics.recordToken(ctx, "renew", err)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, errs.ErrSessionExpired) {
			return "", err
		}
		c.logger.Info("session token expired, minting a new one")
	}

	token, err := c.cfg.Tokens.CreateSessionToken(ctx)
	c.metrics.recordToken(ctx, "create", err)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return token, nil
}

// Heartbeat writes the application ping, or a websocket ping when none is configured.
func (c *Connection) Heartbeat(ctx context.Context, conn transport.Conn) error {
	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
	defer cancel()
	start := time.Now()
	var err error
	if c.cfg.PingFrame == nil {
		err = conn.Ping(pingCtx)
	} else {
		var frame []byte
		if frame, err = c.cfg.PingFrame(); err == nil {
			err = conn.Write(pingCtx, frame)
		}
	}
	c.metrics.recordPing(ctx, time.Since(start), err)
	return err
}

func (c *Connection) HeartbeatInterval() time.Duration { return c.cfg.HeartbeatInterval }

// Classify treats authentication failures as fatal. Every transport failure, including
// abnormal closures, is reconnectable.
func (c *Connection) Classify(err error) stream.Disposition {
	if errors.Is(err, errs.ErrAuth) {
		return stream.Fatal
	}
	return stream.Reconnectable
}

func (c *Connection) ReconnectPolicy() stream.ReconnectPolicy { return c.cfg.Policy.WithDefaults() }

func (c *Connection) State() schema.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) SetState(state schema.ConnectionState) {
	c.mu.Lock()
	prev := c.state
	c.state = state
	c.mu.Unlock()
	if prev != state {
		c.logger.Debug("connection state", zap.Stringer("from", prev), zap.Stringer("to", state))
	}
}

// KeepAlive renews the session token. An expired token is forgotten so the next
// Connect mints a new one.
func (c *Connection) KeepAlive(ctx context.Context) error {
	if c.cfg.Tokens == nil {
		return nil
	}
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return nil
	}
	err := c.cfg.Tokens.RenewSessionToken(ctx, token)
	c.metrics.recordToken(ctx, "renew", err)
	if errors.Is(err, errs.ErrSessionExpired) {
		c.mu.Lock()
		if c.token == token {
			c.token = ""
		}
		c.mu.Unlock()
	}
	return err
}

func (c *Connection) KeepAliveInterval() time.Duration {
	if c.cfg.Tokens == nil {
		return 0
	}
	return c.cfg.KeepAliveInterval
}

// Close deletes the session token.
func (c *Connection) Close(ctx context.Context) error {
	if c.cfg.Tokens == nil {
		return nil
	}
	c.mu.Lock()
	token := c.token
	c.token = ""
	c.mu.Unlock()
	if token == "" {
		return nil
	}
	err := c.cfg.Tokens.DeleteSessionToken(ctx, token)
	c.metrics.recordToken(ctx, "delete", err)
	return err
}

// pacedConn throttles control frames to the exchange's per-connection budget.
type pacedConn struct {
	transport.Conn
	limiter *rate.Limiter
}

func (p *pacedConn) Write(ctx context.Context, data []byte) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return p.Conn.Write(ctx, data)
}

func (p *pacedConn) Ping(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return p.Conn.Ping(ctx)
}
