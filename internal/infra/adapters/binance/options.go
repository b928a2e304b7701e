package binance

import (
	"strings"
	"time"

	"github.com/coachpo/meltica-streams/internal/infra/adapters/shared"
)

// Name is the registry identifier of the Binance spot adapter.
const Name = "binance"

type metadata struct {
	apiBaseURL    string
	publicWSURL   string
	privateWSURL  string
	depthPath     string
	listenKeyPath string
	apiKeyHeader  string
}

var binanceMetadata = metadata{
	apiBaseURL:    "https://api.binance.com",
	publicWSURL:   "wss://stream.binance.com:9443/stream",
	privateWSURL:  "wss://stream.binance.com:9443/ws",
	depthPath:     "/api/v3/depth",
	listenKeyPath: "/api/v3/userDataStream",
	apiKeyHeader:  "X-MBX-APIKEY",
}

const (
	// Binance limits control messages (SUBSCRIBE/UNSUBSCRIBE, PING/PONG) to 5 per second
	// per connection.
	controlMessagesPerSecond  = 4
	maxStreamsPerRequest      = 100
	defaultPingInterval       = 30 * time.Second
	defaultListenKeyKeepAlive = 30 * time.Minute
	defaultHTTPTimeout        = 10 * time.Second
)

func withDefaults(in shared.Params) shared.Params {
	in.Domain = shared.Or(strings.ToLower(strings.TrimSpace(in.Domain)), shared.DomainPublic)
	in.RESTBaseURL = strings.TrimSuffix(shared.Or(in.RESTBaseURL, binanceMetadata.apiBaseURL), "/")
	if in.Private() {
		in.URL = strings.TrimSuffix(shared.Or(in.URL, binanceMetadata.privateWSURL), "/")
		in.KeepAliveInterval = shared.OrDuration(in.KeepAliveInterval, defaultListenKeyKeepAlive)
	} else {
		in.URL = shared.Or(in.URL, binanceMetadata.publicWSURL)
	}
	in.HeartbeatInterval = shared.OrDuration(in.HeartbeatInterval, defaultPingInterval)
	return in
}

// listenKeyURL appends the listen key as the final path segment.
func listenKeyURL(base, key string) string {
	return strings.TrimSuffix(base, "/") + "/" + key
}
