// Package gateio implements the Gate.io v4 spot websocket strategies.
package gateio

import (
	"time"

	"github.com/coachpo/meltica-streams/errs"
	"github.com/coachpo/meltica-streams/internal/infra/adapters/shared"
	"github.com/coachpo/meltica-streams/internal/infra/rest"
	"github.com/coachpo/meltica-streams/internal/orderbook"
)

// New builds the Gate.io strategies. Gate.io authenticates each private channel
// request, so private connections need credentials but no session token.
func New(params shared.Params) (shared.Strategies, error) {
	return newWithClock(params, time.Now)
}

func newWithClock(params shared.Params, now func() time.Time) (shared.Strategies, error) {
	params = withDefaults(params)
	if params.Private() && params.Credentials.Empty() {
		return shared.Strategies{}, errs.New(Name, errs.CodeAuth, errs.WithMessage("private channels require api credentials"))
	}
	symbols := shared.NewSymbolCodec("_", false)
	enc := &encoder{private: params.Private(), creds: params.Credentials, symbols: symbols, now: now}

	conn, err := shared.NewConnection(shared.ConnectionConfig{
		Exchange:          Name,
		Domain:            params.Domain,
		URL:               params.URL,
		Dialer:            params.Dialer,
		Policy:            params.Policy,
		HeartbeatInterval: params.HeartbeatInterval,
		PingFrame:         enc.ping,
		Logger:            params.Logger,
	})
	if err != nil {
		return shared.Strategies{}, err
	}

	var depth *rest.DepthClient
	if !params.Private() {
		depth, err = rest.NewDepthClient(rest.Config{
			Exchange:   Name,
			BaseURL:    params.RESTBaseURL,
			Timeout:    defaultHTTPTimeout,
			HTTPClient: params.HTTPClient,
		}, rest.DepthGateV4)
		if err != nil {
			return shared.Strategies{}, err
		}
	}
	return shared.Strategies{
		Connection:    conn,
		Subscriptions: shared.NewSubscriptionManager(Name, enc, symbols),
		Parser:        &Parser{symbols: symbols},
		Contiguity:    orderbook.Bracketing,
		Symbols:       symbols,
		Depth:         depth,
	}, nil
}
