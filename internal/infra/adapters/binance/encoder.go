package binance

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"

	"github.com/coachpo/meltica-streams/errs"
	"github.com/coachpo/meltica-streams/internal/domain/schema"
	"github.com/coachpo/meltica-streams/internal/infra/adapters/shared"
)

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type pendingRequest struct {
	action schema.Action
	params []string
}

// maxPendingRequests bounds the request log. Requests sent on a socket that dropped
// are never acknowledged, so ids this far behind the newest are forgotten.
const maxPendingRequests = 256

// requestLog remembers in-flight control requests so acks can name their action.
type requestLog struct {
	mu      sync.Mutex
	pending map[uint64]pendingRequest
}

func newRequestLog() *requestLog {
	return &requestLog{pending: make(map[uint64]pendingRequest)}
}

func (l *requestLog) put(id uint64, req pendingRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[id] = req
	if len(l.pending) <= maxPendingRequests || id <= maxPendingRequests {
		return
	}
	floor := id - maxPendingRequests
	for old := range l.pending {
		if old <= floor {
			delete(l.pending, old)
		}
	}
}

func (l *requestLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *requestLog) take(id uint64) (pendingRequest, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.pending[id]
	delete(l.pending, id)
	return req, ok
}

// publicEncoder renders combined stream SUBSCRIBE/UNSUBSCRIBE requests.
type publicEncoder struct {
	symbols  *shared.SymbolCodec
	requests *requestLog
	ids      atomic.Uint64
}

func (e *publicEncoder) Supports(channel schema.Channel) bool {
	_, ok := streamSuffix(channel)
	return ok
}

func (e *publicEncoder) Encode(action schema.Action, subs []schema.Subscription) ([][]byte, error) {
	streams := make([]string, 0, len(subs))
	for _, sub := range subs {
		suffix, ok := streamSuffix(sub.Channel)
		if !ok {
			return nil, errs.New(Name, errs.CodeSubscription, errs.WithChannel(string(sub.Channel)),
				errs.WithMessage("unsupported channel"))
		}
		streams = append(streams, e.symbols.Encode(sub.Symbol)+"@"+suffix)
	}

	method := "SUBSCRIBE"
	if action == schema.ActionUnsubscribe {
		method = "UNSUBSCRIBE"
	}
	chunks := shared.Chunk(streams, maxStreamsPerRequest)
	out := make([][]byte, 0, len(chunks))
	for _, chunk := range chunks {
		req := subscribeRequest{Method: method, Params: chunk, ID: e.ids.Add(1)}
		data, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("marshal %s request: %w", method, err)
		}
		e.requests.put(req.ID, pendingRequest{action: action, params: chunk})
		out = append(out, data)
	}
	return out, nil
}

func streamSuffix(channel schema.Channel) (string, bool) {
	switch channel {
	case schema.ChannelOrderBook:
		return "depth@100ms", true
	case schema.ChannelOrderBookSnapshot:
		return "depth20@100ms", true
	case schema.ChannelTrades:
		return "trade", true
	case schema.ChannelBookTicker:
		return "bookTicker", true
	default:
		return "", false
	}
}

// splitStream parses "btcusdt@depth@100ms" into the native symbol and its channel.
func splitStream(stream string) (string, schema.Channel, bool) {
	native, suffix, ok := strings.Cut(stream, "@")
	if !ok {
		return "", "", false
	}
	switch {
	case suffix == "trade":
		return native, schema.ChannelTrades, true
	case suffix == "bookTicker":
		return native, schema.ChannelBookTicker, true
	case strings.HasPrefix(suffix, "depth@") || suffix == "depth":
		return native, schema.ChannelOrderBook, true
	case strings.HasPrefix(suffix, "depth"):
		return native, schema.ChannelOrderBookSnapshot, true
	default:
		return native, "", false
	}
}

// userStreamEncoder serves the listen key stream. Every account event is pushed
// without a subscription request, so there is nothing to encode.
type userStreamEncoder struct{}

func (userStreamEncoder) Supports(channel schema.Channel) bool { return channel.Private() }

func (userStreamEncoder) Encode(schema.Action, []schema.Subscription) ([][]byte, error) {
	return nil, nil
}

func formatID(id uint64) string { return strconv.FormatUint(id, 10) }
