package gateio

import (
	"strings"
	"time"

	"github.com/coachpo/meltica-streams/internal/domain/schema"
	"github.com/coachpo/meltica-streams/internal/infra/adapters/shared"
)

// Name is the registry identifier of the Gate.io spot adapter.
const Name = "gateio"

const (
	defaultURL          = "wss://api.gateio.ws/ws/v4/"
	defaultRESTBaseURL  = "https://api.gateio.ws"
	defaultPingInterval = 15 * time.Second
	defaultHTTPTimeout  = 10 * time.Second

	bookUpdateInterval = "100ms"
	snapshotLevels     = "20"
)

// codeAuthFailed is the server error code for a rejected signature or key.
const codeAuthFailed = 4

// Channel names.
const (
	channelTrades     = "spot.trades"
	channelBookTicker = "spot.book_ticker"
	channelBookUpdate = "spot.order_book_update"
	channelBook       = "spot.order_book"
	channelOrders     = "spot.orders"
	channelBalances   = "spot.balances"
	channelUserTrades = "spot.usertrades"
	channelPing       = "spot.ping"
	channelPong       = "spot.pong"
)

func withDefaults(in shared.Params) shared.Params {
	in.Domain = shared.Or(strings.ToLower(strings.TrimSpace(in.Domain)), shared.DomainPublic)
	in.URL = shared.Or(in.URL, defaultURL)
	in.RESTBaseURL = strings.TrimSuffix(shared.Or(in.RESTBaseURL, defaultRESTBaseURL), "/")
	in.HeartbeatInterval = shared.OrDuration(in.HeartbeatInterval, defaultPingInterval)
	return in
}

func nativeChannel(channel schema.Channel) (string, bool) {
	switch channel {
	case schema.ChannelTrades:
		return channelTrades, true
	case schema.ChannelBookTicker:
		return channelBookTicker, true
	case schema.ChannelOrderBook:
		return channelBookUpdate, true
	case schema.ChannelOrderBookSnapshot:
		return channelBook, true
	case schema.ChannelOrders:
		return channelOrders, true
	case schema.ChannelBalances:
		return channelBalances, true
	case schema.ChannelExecutions:
		return channelUserTrades, true
	default:
		return "", false
	}
}
