package mexc

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/coachpo/meltica-streams/errs"
	"github.com/coachpo/meltica-streams/internal/domain/schema"
	"github.com/coachpo/meltica-streams/internal/infra/adapters/shared"
)

type request struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
}

type encoder struct {
	private bool
	symbols *shared.SymbolCodec
}

func (e *encoder) Supports(channel schema.Channel) bool {
	if _, ok := streamParam(channel, ""); !ok {
		return false
	}
	return channel.Private() == e.private
}

// Encode renders SUBSCRIPTION or UNSUBSCRIPTION requests of at most 30 params.
func (e *encoder) Encode(action schema.Action, subs []schema.Subscription) ([][]byte, error) {
	method := "SUBSCRIPTION"
	if action == schema.ActionUnsubscribe {
		method = "UNSUBSCRIPTION"
	}
	params := make([]string, 0, len(subs))
	seen := make(map[string]struct{}, len(subs))
	for _, sub := range subs {
		param, ok := streamParam(sub.Channel, e.symbols.Encode(sub.Symbol))
		if !ok {
			return nil, errs.New(Name, errs.CodeSubscription, errs.WithChannel(string(sub.Channel)),
				errs.WithMessage("unsupported channel"))
		}
		if _, dup := seen[param]; dup {
			continue
		}
		seen[param] = struct{}{}
		params = append(params, param)
	}

	chunks := shared.Chunk(params, maxParamsPerRequest)
	out := make([][]byte, 0, len(chunks))
	for _, chunk := range chunks {
		data, err := json.Marshal(request{Method: method, Params: chunk})
		if err != nil {
			return nil, fmt.Errorf("marshal %s request: %w", method, err)
		}
		out = append(out, data)
	}
	return out, nil
}

func ping() ([]byte, error) {
	return json.Marshal(request{Method: "PING"})
}
