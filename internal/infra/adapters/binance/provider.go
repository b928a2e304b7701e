// Package binance implements the Binance spot combined market stream and user data
// stream strategies.
package binance

import (
	"github.com/coachpo/meltica-streams/internal/infra/adapters/shared"
	"github.com/coachpo/meltica-streams/internal/infra/rest"
	"github.com/coachpo/meltica-streams/internal/orderbook"
)

// New builds the Binance strategies for params.Domain. Private connections mint a
// listen key over REST unless params.Tokens is set.
func New(params shared.Params) (shared.Strategies, error) {
	params = withDefaults(params)
	if err := shared.RequireCredentials(Name, params); err != nil {
		return shared.Strategies{}, err
	}
	restCfg := rest.Config{
		Exchange:     Name,
		BaseURL:      params.RESTBaseURL,
		APIKeyHeader: binanceMetadata.apiKeyHeader,
		APIKey:       params.Credentials.APIKey,
		APISecret:    params.Credentials.APISecret,
		Timeout:      defaultHTTPTimeout,
		HTTPClient:   params.HTTPClient,
	}
	symbols := shared.NewSymbolCodec("", true)
	requests := newRequestLog()

	connCfg := shared.ConnectionConfig{
		Exchange:          Name,
		Domain:            params.Domain,
		URL:               params.URL,
		Dialer:            params.Dialer,
		Policy:            params.Policy,
		HeartbeatInterval: params.HeartbeatInterval,
		ControlRate:       controlMessagesPerSecond,
		Logger:            params.Logger,
	}
	var (
		encoder shared.Encoder
		depth   *rest.DepthClient
	)
	if params.Private() {
		tokens := params.Tokens
		if tokens == nil {
			client, err := rest.NewListenKeyClient(restCfg, binanceMetadata.listenKeyPath)
			if err != nil {
				return shared.Strategies{}, err
			}
			tokens = client
		}
		connCfg.Tokens = tokens
		connCfg.TokenURL = listenKeyURL
		connCfg.KeepAliveInterval = params.KeepAliveInterval
		encoder = userStreamEncoder{}
	} else {
		var err error
		if depth, err = rest.NewDepthClient(restCfg, rest.DepthV3); err != nil {
			return shared.Strategies{}, err
		}
		encoder = &publicEncoder{symbols: symbols, requests: requests}
	}

	conn, err := shared.NewConnection(connCfg)
	if err != nil {
		return shared.Strategies{}, err
	}
	return shared.Strategies{
		Connection:    conn,
		Subscriptions: shared.NewSubscriptionManager(Name, encoder, symbols),
		Parser:        newParser(symbols, requests, params.Domain),
		Contiguity:    orderbook.Bracketing,
		Symbols:       symbols,
		Depth:         depth,
	}, nil
}
