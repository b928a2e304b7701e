// Package stream drives exchange websocket sessions: connection lifecycle, subscription
// replay, decoding, order book reconciliation and ordered dispatch to handlers.
package stream

import (
	"context"
	"time"

	"github.com/coachpo/meltica-streams/internal/domain/schema"
	"github.com/coachpo/meltica-streams/internal/infra/transport"
	"github.com/coachpo/meltica-streams/internal/pool"
)

// Disposition is the outcome of classifying a session error.
type Disposition uint8

const (
	Reconnectable Disposition = iota
	Fatal
)

func (d Disposition) String() string {
	if d == Fatal {
		return "fatal"
	}
	return "reconnectable"
}

// ConnectionStrategy knows how to reach one exchange endpoint.
type ConnectionStrategy interface {
	Exchange() string
	// Connect dials the endpoint, minting a session token first for private streams.
	Connect(ctx context.Context) (transport.Conn, error)
	// Heartbeat sends the protocol keep-alive on conn.
	Heartbeat(ctx context.Context, conn transport.Conn) error
	HeartbeatInterval() time.Duration
	Classify(err error) Disposition
	ReconnectPolicy() ReconnectPolicy
	State() schema.ConnectionState
	// SetState records transitions observed by the client.
	SetState(state schema.ConnectionState)
	// KeepAlive renews the session token. Public streams return nil.
	KeepAlive(ctx context.Context) error
	// KeepAliveInterval is zero when no renewal is needed.
	KeepAliveInterval() time.Duration
	// Close releases the session token.
	Close(ctx context.Context) error
}

// SubscriptionStrategy builds subscribe and unsubscribe frames and tracks the active set.
type SubscriptionStrategy interface {
	// BuildMessages encodes the request and updates the active set before any server
	// confirmation.
	BuildMessages(action schema.Action, symbols []schema.Symbol, channels []schema.Channel) ([][]byte, error)
	ActiveSubscriptions() []schema.Subscription
	BuildResubscriptionMessages() ([][]byte, error)
}

// MessageParser decodes frames. Parse never panics or fails; undecodable frames become
// KindProtocolError messages. Book levels are borrowed from entries.
type MessageParser interface {
	Parse(frame transport.Frame, entries *pool.EntryPool) schema.Message
}

// SessionTokens mints and maintains private stream credentials.
type SessionTokens interface {
	CreateSessionToken(ctx context.Context) (string, error)
	RenewSessionToken(ctx context.Context, token string) error
	DeleteSessionToken(ctx context.Context, token string) error
}
