package mexc

import (
	"net/url"
	"strings"
	"time"

	"github.com/coachpo/meltica-streams/internal/domain/schema"
	"github.com/coachpo/meltica-streams/internal/infra/adapters/shared"
)

// Name is the registry identifier of the MEXC spot adapter.
const Name = "mexc"

const (
	defaultURL                = "wss://wbs-api.mexc.com/ws"
	defaultRESTBaseURL        = "https://api.mexc.com"
	listenKeyPath             = "/api/v3/userDataStream"
	apiKeyHeader              = "X-MEXC-APIKEY"
	defaultPingInterval       = 20 * time.Second
	defaultListenKeyKeepAlive = 30 * time.Minute
	defaultHTTPTimeout        = 10 * time.Second
	defaultRecvWindow         = 5 * time.Second

	maxParamsPerRequest = 30
	pushInterval        = "100ms"
	limitDepthLevels    = "20"
)

// Channel prefixes of the protobuf push streams.
const (
	channelDeals      = "spot@public.aggre.deals.v3.api.pb"
	channelDepth      = "spot@public.aggre.depth.v3.api.pb"
	channelLimitDepth = "spot@public.limit.depth.v3.api.pb"
	channelBookTicker = "spot@public.aggre.bookTicker.v3.api.pb"
	channelOrders     = "spot@private.orders.v3.api.pb"
	channelDealsPriv  = "spot@private.deals.v3.api.pb"
	channelAccount    = "spot@private.account.v3.api.pb"
)

func withDefaults(in shared.Params) shared.Params {
	in.Domain = shared.Or(strings.ToLower(strings.TrimSpace(in.Domain)), shared.DomainPublic)
	in.URL = shared.Or(in.URL, defaultURL)
	in.RESTBaseURL = strings.TrimSuffix(shared.Or(in.RESTBaseURL, defaultRESTBaseURL), "/")
	in.HeartbeatInterval = shared.OrDuration(in.HeartbeatInterval, defaultPingInterval)
	if in.Private() {
		in.KeepAliveInterval = shared.OrDuration(in.KeepAliveInterval, defaultListenKeyKeepAlive)
	}
	return in
}

// streamParam renders one subscription parameter. Private streams are account wide and
// ignore the symbol.
func streamParam(channel schema.Channel, native string) (string, bool) {
	switch channel {
	case schema.ChannelTrades:
		return channelDeals + "@" + pushInterval + "@" + native, true
	case schema.ChannelOrderBook:
		return channelDepth + "@" + pushInterval + "@" + native, true
	case schema.ChannelOrderBookSnapshot:
		return channelLimitDepth + "@" + native + "@" + limitDepthLevels, true
	case schema.ChannelBookTicker:
		return channelBookTicker + "@" + pushInterval + "@" + native, true
	case schema.ChannelOrders:
		return channelOrders, true
	case schema.ChannelExecutions:
		return channelDealsPriv, true
	case schema.ChannelBalances:
		return channelAccount, true
	default:
		return "", false
	}
}

func listenKeyURL(base, key string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "listenKey=" + url.QueryEscape(key)
}
