package shared

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coachpo/meltica-streams/errs"
	"github.com/coachpo/meltica-streams/internal/infra/rest"
	"github.com/coachpo/meltica-streams/internal/infra/transport"
	"github.com/coachpo/meltica-streams/internal/orderbook"
	"github.com/coachpo/meltica-streams/internal/stream"
)

// Connection domains.
const (
	DomainPublic  = "public"
	DomainPrivate = "private"
)

// Credentials are API keys for private streams.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Empty reports whether no key is configured.
func (c Credentials) Empty() bool {
	return strings.TrimSpace(c.APIKey) == "" || strings.TrimSpace(c.APISecret) == ""
}

// Params is everything an exchange factory needs to build one connection's strategies.
// Zero values select exchange defaults.
type Params struct {
	Domain      string
	URL         string
	RESTBaseURL string
	Credentials Credentials
	Dialer      transport.Dialer
	HTTPClient  *http.Client
	// Tokens overrides the REST listen key client.
	Tokens            stream.SessionTokens
	Policy            stream.ReconnectPolicy
	HeartbeatInterval time.Duration
	KeepAliveInterval time.Duration
	Logger            *zap.Logger
}

// Private reports whether the params select the private domain.
func (p Params) Private() bool {
	return strings.EqualFold(strings.TrimSpace(p.Domain), DomainPrivate)
}

// Strategies bundles one exchange connection's strategy triple.
type Strategies struct {
	Connection    stream.ConnectionStrategy
	Subscriptions stream.SubscriptionStrategy
	Parser        stream.MessageParser
	// Contiguity is the exchange's order book gap rule.
	Contiguity orderbook.ContiguityRule
	// Symbols encodes canonical symbols for REST calls.
	Symbols *SymbolCodec
	// Depth fetches resync snapshots. Nil on private connections.
	Depth *rest.DepthClient
}

// Factory builds strategies for one exchange.
type Factory func(params Params) (Strategies, error)

// Or returns v unless it is empty, in which case fallback.
func Or(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// OrDuration returns d unless it is not positive.
func OrDuration(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// RequireCredentials fails with an authentication error when private params lack keys.
func RequireCredentials(exchange string, params Params) error {
	if params.Private() && params.Tokens == nil && params.Credentials.Empty() {
		return errs.New(exchange, errs.CodeAuth, errs.WithMessage("private stream requires api credentials"))
	}
	return nil
}
