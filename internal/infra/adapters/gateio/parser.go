package gateio

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/meltica-streams/errs"
	"github.com/coachpo/meltica-streams/internal/domain/schema"
	"github.com/coachpo/meltica-streams/internal/infra/adapters/shared"
	"github.com/coachpo/meltica-streams/internal/infra/transport"
	"github.com/coachpo/meltica-streams/internal/pool"
	"github.com/coachpo/meltica-streams/internal/stream"
)

type envelope struct {
	Time    int64           `json:"time"`
	ID      *int64          `json:"id"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Error   *serverError    `json:"error"`
	Result  json.RawMessage `json:"result"`
}

type serverError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type ackResult struct {
	Status string `json:"status"`
}

// millis decodes millisecond timestamps sent as numbers or fractional strings.
type millis float64

func (m *millis) UnmarshalJSON(data []byte) error {
	var n shared.Number
	if err := n.UnmarshalJSON(data); err != nil {
		return err
	}
	*m = millis(n)
	return nil
}

func (m millis) Time() time.Time {
	if m == 0 {
		return time.Time{}
	}
	return time.UnixMicro(int64(float64(m) * 1000)).UTC()
}

type tradeResult struct {
	ID           int64         `json:"id"`
	CreateTimeMs millis        `json:"create_time_ms"`
	Side         string        `json:"side"`
	CurrencyPair string        `json:"currency_pair"`
	Amount       shared.Number `json:"amount"`
	Price        shared.Number `json:"price"`
}

type bookTickerResult struct {
	Time     millis        `json:"t"`
	UpdateID uint64        `json:"u"`
	Pair     string        `json:"s"`
	BidPrice shared.Number `json:"b"`
	BidSize  shared.Number `json:"B"`
	AskPrice shared.Number `json:"a"`
	AskSize  shared.Number `json:"A"`
}

type bookUpdateResult struct {
	Time      millis     `json:"t"`
	EventType string     `json:"e"`
	EventTime int64      `json:"E"`
	Pair      string     `json:"s"`
	FirstID   uint64     `json:"U"`
	LastID    uint64     `json:"u"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

type bookSnapshotResult struct {
	Time         millis     `json:"t"`
	LastUpdateID uint64     `json:"lastUpdateId"`
	Pair         string     `json:"s"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type orderResult struct {
	ID           string        `json:"id"`
	Text         string        `json:"text"`
	UpdateTimeMs millis        `json:"update_time_ms"`
	CurrencyPair string        `json:"currency_pair"`
	Type         string        `json:"type"`
	Side         string        `json:"side"`
	Amount       shared.Number `json:"amount"`
	Price        shared.Number `json:"price"`
	Left         shared.Number `json:"left"`
	AvgDealPrice shared.Number `json:"avg_deal_price"`
	Event        string        `json:"event"`
	FinishAs     string        `json:"finish_as"`
}

type userTradeResult struct {
	ID           int64         `json:"id"`
	OrderID      string        `json:"order_id"`
	Text         string        `json:"text"`
	CurrencyPair string        `json:"currency_pair"`
	CreateTimeMs millis        `json:"create_time_ms"`
	Side         string        `json:"side"`
	Role         string        `json:"role"`
	Amount       shared.Number `json:"amount"`
	Price        shared.Number `json:"price"`
	Fee          shared.Number `json:"fee"`
	FeeCurrency  string        `json:"fee_currency"`
}

type balanceResult struct {
	TimestampMs millis        `json:"timestamp_ms"`
	Currency    string        `json:"currency"`
	Change      shared.Number `json:"change"`
	Total       shared.Number `json:"total"`
	Available   shared.Number `json:"available"`
	Freeze      shared.Number `json:"freeze"`
}

// Parser decodes Gate.io v4 spot frames.
type Parser struct {
	symbols *shared.SymbolCodec
}

var _ stream.MessageParser = (*Parser)(nil)

func (p *Parser) Parse(frame transport.Frame, entries *pool.EntryPool) schema.Message {
	if frame.Binary || !shared.IsJSON(frame) {
		return shared.Unknown(frame, "")
	}
	var env envelope
	if err := json.Unmarshal(frame.Data, &env); err != nil {
		return shared.ProtocolError(Name, frame, "", err)
	}
	if env.Error != nil {
		return p.parseError(frame, env)
	}

	switch {
	case env.Channel == channelPong:
		return schema.Message{Kind: schema.KindHeartbeat, Channel: env.Channel}
	case env.Event == "subscribe" || env.Event == "unsubscribe":
		return p.parseAck(frame, env)
	case env.Event == "update" || env.Event == "all":
		return p.parseUpdate(frame, env, entries)
	}
	return shared.Unknown(frame, env.Channel)
}

func (p *Parser) parseError(frame transport.Frame, env envelope) schema.Message {
	code := errs.CodeProtocol
	switch {
	case env.Error.Code == codeAuthFailed:
		code = errs.CodeAuth
	case env.Event == "subscribe" || env.Event == "unsubscribe":
		code = errs.CodeSubscription
	}
	return shared.ErrorMessage(Name, code, frame, env.Channel,
		errs.WithRawCode(strconv.Itoa(env.Error.Code)),
		errs.WithRawMessage(env.Error.Message),
		errs.WithMessage(env.Event+" failed"))
}

func (p *Parser) parseAck(frame transport.Frame, env envelope) schema.Message {
	var result ackResult
	if len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, &result); err != nil {
			return shared.ProtocolError(Name, frame, env.Channel, err)
		}
	}
	action := schema.ActionSubscribe
	if env.Event == "unsubscribe" {
		action = schema.ActionUnsubscribe
	}
	id := ""
	if env.ID != nil {
		id = strconv.FormatInt(*env.ID, 10)
	}
	return schema.Message{
		Kind:    schema.KindSubscriptionAck,
		Channel: env.Channel,
		Payload: schema.SubscriptionAck{Action: action, Channel: env.Channel, ID: id, Success: result.Status == "success"},
		Raw:     frame.Data,
	}
}

func (p *Parser) parseUpdate(frame transport.Frame, env envelope, entries *pool.EntryPool) schema.Message {
	channel := env.Channel
	switch channel {
	case channelTrades:
		var r tradeResult
		if err := json.Unmarshal(env.Result, &r); err != nil {
			return shared.ProtocolError(Name, frame, channel, err)
		}
		sym, ok := p.symbols.Decode(r.CurrencyPair)
		if !ok {
			return unknownPair(frame, channel, r.CurrencyPair)
		}
		trade := schema.Trade{
			Symbol:   sym,
			ID:       strconv.FormatInt(r.ID, 10),
			Price:    r.Price.Float(),
			Quantity: r.Amount.Float(),
			Side:     side(r.Side),
			Time:     r.CreateTimeMs.Time(),
		}
		return schema.Message{Kind: schema.KindTrades, Symbol: sym, Channel: channel, Payload: []schema.Trade{trade}}

	case channelBookTicker:
		var r bookTickerResult
		if err := json.Unmarshal(env.Result, &r); err != nil {
			return shared.ProtocolError(Name, frame, channel, err)
		}
		sym, ok := p.symbols.Decode(r.Pair)
		if !ok {
			return unknownPair(frame, channel, r.Pair)
		}
		return schema.Message{Kind: schema.KindBookTicker, Symbol: sym, Channel: channel, Payload: schema.BookTicker{
			Symbol:   sym,
			BidPrice: r.BidPrice.Float(),
			BidSize:  r.BidSize.Float(),
			AskPrice: r.AskPrice.Float(),
			AskSize:  r.AskSize.Float(),
			UpdateID: r.UpdateID,
			Time:     r.Time.Time(),
		}}

	case channelBookUpdate:
		var r bookUpdateResult
		if err := json.Unmarshal(env.Result, &r); err != nil {
			return shared.ProtocolError(Name, frame, channel, err)
		}
		sym, ok := p.symbols.Decode(r.Pair)
		if !ok {
			return unknownPair(frame, channel, r.Pair)
		}
		bids, asks, err := shared.BookLevels(entries, r.Bids, r.Asks)
		if err != nil {
			return shared.ProtocolError(Name, frame, channel, err)
		}
		return schema.Message{Kind: schema.KindOrderBookDelta, Symbol: sym, Channel: channel, Payload: &schema.BookUpdate{
			Bids:      bids,
			Asks:      asks,
			FirstID:   r.FirstID,
			LastID:    r.LastID,
			Sequenced: true,
			Time:      r.Time.Time(),
		}}

	case channelBook:
		var r bookSnapshotResult
		if err := json.Unmarshal(env.Result, &r); err != nil {
			return shared.ProtocolError(Name, frame, channel, err)
		}
		sym, ok := p.symbols.Decode(r.Pair)
		if !ok {
			return unknownPair(frame, channel, r.Pair)
		}
		bids, asks, err := shared.BookLevels(entries, r.Bids, r.Asks)
		if err != nil {
			return shared.ProtocolError(Name, frame, channel, err)
		}
		return schema.Message{Kind: schema.KindOrderBookSnapshot, Symbol: sym, Channel: channel, Payload: &schema.BookUpdate{
			Bids:      bids,
			Asks:      asks,
			FirstID:   r.LastUpdateID,
			LastID:    r.LastUpdateID,
			Sequenced: true,
			Time:      r.Time.Time(),
		}}

	case channelOrders:
		var rows []orderResult
		if err := decodeRows(env.Result, &rows); err != nil {
			return shared.ProtocolError(Name, frame, channel, err)
		}
		updates := make([]schema.OrderUpdate, 0, len(rows))
		for _, r := range rows {
			sym, ok := p.symbols.Decode(r.CurrencyPair)
			if !ok {
				return unknownPair(frame, channel, r.CurrencyPair)
			}
			updates = append(updates, schema.OrderUpdate{
				Symbol:         sym,
				OrderID:        r.ID,
				ClientOrderID:  r.Text,
				Side:           side(r.Side),
				Type:           strings.ToLower(r.Type),
				Status:         orderStatus(r.Event, r.FinishAs),
				Price:          r.Price.Float(),
				Quantity:       r.Amount.Float(),
				FilledQuantity: r.Amount.Float() - r.Left.Float(),
				AvgPrice:       r.AvgDealPrice.Float(),
				Time:           r.UpdateTimeMs.Time(),
			})
		}
		return schema.Message{Kind: schema.KindOrderUpdate, Symbol: firstOrderSymbol(updates), Channel: channel, Payload: updates}

	case channelUserTrades:
		var rows []userTradeResult
		if err := decodeRows(env.Result, &rows); err != nil {
			return shared.ProtocolError(Name, frame, channel, err)
		}
		execs := make([]schema.ExecutionUpdate, 0, len(rows))
		for _, r := range rows {
			sym, ok := p.symbols.Decode(r.CurrencyPair)
			if !ok {
				return unknownPair(frame, channel, r.CurrencyPair)
			}
			execs = append(execs, schema.ExecutionUpdate{
				Symbol:        sym,
				OrderID:       r.OrderID,
				ClientOrderID: r.Text,
				TradeID:       strconv.FormatInt(r.ID, 10),
				Side:          side(r.Side),
				Price:         r.Price.Float(),
				Quantity:      r.Amount.Float(),
				Fee:           r.Fee.Float(),
				FeeAsset:      r.FeeCurrency,
				Maker:         r.Role == "maker",
				Time:          r.CreateTimeMs.Time(),
			})
		}
		var sym schema.Symbol
		if len(execs) > 0 {
			sym = execs[0].Symbol
		}
		return schema.Message{Kind: schema.KindExecution, Symbol: sym, Channel: channel, Payload: execs}

	case channelBalances:
		var rows []balanceResult
		if err := decodeRows(env.Result, &rows); err != nil {
			return shared.ProtocolError(Name, frame, channel, err)
		}
		updates := make([]schema.BalanceUpdate, 0, len(rows))
		for _, r := range rows {
			updates = append(updates, schema.BalanceUpdate{
				Asset:     strings.ToUpper(r.Currency),
				Available: r.Available.Float(),
				Locked:    r.Freeze.Float(),
				Change:    r.Change.Float(),
				Time:      r.TimestampMs.Time(),
			})
		}
		return schema.Message{Kind: schema.KindBalanceUpdate, Channel: channel, Payload: updates}
	}
	return shared.Unknown(frame, channel)
}

// decodeRows accepts a result array or a single object.
func decodeRows[T any](raw json.RawMessage, rows *[]T) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var one T
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return err
		}
		*rows = []T{one}
		return nil
	}
	return json.Unmarshal(trimmed, rows)
}

func unknownPair(frame transport.Frame, channel, pair string) schema.Message {
	return shared.ProtocolError(Name, frame, channel, fmt.Errorf("unknown currency pair %q", pair))
}

func side(raw string) schema.Side {
	if strings.EqualFold(raw, "sell") {
		return schema.SideSell
	}
	return schema.SideBuy
}

// orderStatus maps the order event to a status; finished orders report how they ended.
func orderStatus(event, finishAs string) string {
	if event == "finish" && finishAs != "" {
		return finishAs
	}
	return "open"
}

func firstOrderSymbol(updates []schema.OrderUpdate) schema.Symbol {
	if len(updates) == 0 {
		return schema.Symbol{}
	}
	return updates[0].Symbol
}
