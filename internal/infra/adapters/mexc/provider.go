// Package mexc implements the MEXC spot v3 websocket strategies. Market data arrives as
// protobuf push frames; control replies are JSON.
package mexc

import (
	"github.com/coachpo/meltica-streams/internal/infra/adapters/shared"
	"github.com/coachpo/meltica-streams/internal/infra/rest"
	"github.com/coachpo/meltica-streams/internal/orderbook"
)

// New builds the MEXC strategies. Private connections mint a signed listen key over
// REST unless params.Tokens is set.
func New(params shared.Params) (shared.Strategies, error) {
	params = withDefaults(params)
	if err := shared.RequireCredentials(Name, params); err != nil {
		return shared.Strategies{}, err
	}
	restCfg := rest.Config{
		Exchange:     Name,
		BaseURL:      params.RESTBaseURL,
		APIKeyHeader: apiKeyHeader,
		APIKey:       params.Credentials.APIKey,
		APISecret:    params.Credentials.APISecret,
		Signed:       true,
		RecvWindow:   defaultRecvWindow,
		Timeout:      defaultHTTPTimeout,
		HTTPClient:   params.HTTPClient,
	}
	symbols := shared.NewSymbolCodec("", false)

	connCfg := shared.ConnectionConfig{
		Exchange:          Name,
		Domain:            params.Domain,
		URL:               params.URL,
		Dialer:            params.Dialer,
		Policy:            params.Policy,
		HeartbeatInterval: params.HeartbeatInterval,
		PingFrame:         ping,
		Logger:            params.Logger,
	}
	var depth *rest.DepthClient
	if params.Private() {
		tokens := params.Tokens
		if tokens == nil {
			client, err := rest.NewListenKeyClient(restCfg, listenKeyPath)
			if err != nil {
				return shared.Strategies{}, err
			}
			tokens = client
		}
		connCfg.Tokens = tokens
		connCfg.TokenURL = listenKeyURL
		connCfg.KeepAliveInterval = params.KeepAliveInterval
	} else {
		var err error
		if depth, err = rest.NewDepthClient(restCfg, rest.DepthV3); err != nil {
			return shared.Strategies{}, err
		}
	}

	conn, err := shared.NewConnection(connCfg)
	if err != nil {
		return shared.Strategies{}, err
	}
	enc := &encoder{private: params.Private(), symbols: symbols}
	return shared.Strategies{
		Connection:    conn,
		Subscriptions: shared.NewSubscriptionManager(Name, enc, symbols),
		Parser:        &Parser{symbols: symbols},
		Contiguity:    orderbook.Strict,
		Symbols:       symbols,
		Depth:         depth,
	}, nil
}
