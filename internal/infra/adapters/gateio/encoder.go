package gateio

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/meltica-streams/errs"
	"github.com/coachpo/meltica-streams/internal/domain/schema"
	"github.com/coachpo/meltica-streams/internal/infra/adapters/shared"
)

type request struct {
	Time    int64    `json:"time"`
	Channel string   `json:"channel"`
	Event   string   `json:"event"`
	Payload []string `json:"payload"`
	Auth    *auth    `json:"auth,omitempty"`
}

type pingRequest struct {
	Time    int64  `json:"time"`
	Channel string `json:"channel"`
}

type auth struct {
	Method string `json:"method"`
	Key    string `json:"KEY"`
	Sign   string `json:"SIGN"`
}

// encoder renders Gate.io v4 channel requests. Trade and ticker channels batch every
// pair into one payload; order book channels take one pair per request.
type encoder struct {
	private bool
	creds   shared.Credentials
	symbols *shared.SymbolCodec
	now     func() time.Time
}

func (e *encoder) Supports(channel schema.Channel) bool {
	if _, ok := nativeChannel(channel); !ok {
		return false
	}
	return channel.Private() == e.private
}

func (e *encoder) Encode(action schema.Action, subs []schema.Subscription) ([][]byte, error) {
	event := "subscribe"
	if action == schema.ActionUnsubscribe {
		event = "unsubscribe"
	}
	ts := e.now().Unix()

	var out [][]byte
	for _, group := range shared.GroupByChannel(subs) {
		channel, ok := nativeChannel(group.Channel)
		if !ok {
			return nil, errs.New(Name, errs.CodeSubscription, errs.WithChannel(string(group.Channel)),
				errs.WithMessage("unsupported channel"))
		}
		pairs := make([]string, 0, len(group.Symbols))
		for _, sym := range group.Symbols {
			pairs = append(pairs, e.symbols.Encode(sym))
		}

		var payloads [][]string
		switch group.Channel {
		case schema.ChannelOrderBook:
			for _, pair := range pairs {
				payloads = append(payloads, []string{pair, bookUpdateInterval})
			}
		case schema.ChannelOrderBookSnapshot:
			for _, pair := range pairs {
				payloads = append(payloads, []string{pair, snapshotLevels, bookUpdateInterval})
			}
		default:
			payloads = [][]string{pairs}
		}

		for _, payload := range payloads {
			req := request{Time: ts, Channel: channel, Event: event, Payload: payload}
			if group.Channel.Private() {
				req.Auth = &auth{Method: "api_key", Key: e.creds.APIKey, Sign: sign(e.creds.APISecret, channel, event, ts)}
			}
			data, err := json.Marshal(req)
			if err != nil {
				return nil, fmt.Errorf("marshal %s request: %w", event, err)
			}
			out = append(out, data)
		}
	}
	return out, nil
}

func (e *encoder) ping() ([]byte, error) {
	return json.Marshal(pingRequest{Time: e.now().Unix(), Channel: channelPing})
}

// sign is hex(HMAC-SHA512(secret, "channel=<c>&event=<e>&time=<t>")).
func sign(secret, channel, event string, ts int64) string {
	mac := hmac.New(sha512.New, []byte(secret))
	fmt.Fprintf(mac, "channel=%s&event=%s&time=%d", channel, event, ts)
	return hex.EncodeToString(mac.Sum(nil))
}
