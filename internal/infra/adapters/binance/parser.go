package binance

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

// Binance error code for a listen key the server no longer knows.
const codeListenKeyMissing = -1125

type binanceTimestamp int64

func (ts *binanceTimestamp) UnmarshalJSON(data []byte) error {
	trimmed := bytes.Trim(bytes.TrimSpace(data), `"`)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*ts = 0
		return nil
	}
	if parsed, err := strconv.ParseInt(string(trimmed), 10, 64); err == nil {
		*ts = binanceTimestamp(parsed)
		return nil
	}
	if parsed, err := strconv.ParseFloat(string(trimmed), 64); err == nil {
		*ts = binanceTimestamp(int64(parsed))
		return nil
	}
	return fmt.Errorf("binance: invalid timestamp %q", string(data))
}

func (ts binanceTimestamp) Time() time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ts)).UTC()
}

type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type controlResponse struct {
	Result json.RawMessage `json:"result"`
	ID     *uint64         `json:"id"`
	Error  *wsError        `json:"error"`
}

type wsError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type tradeMessage struct {
	EventType    string           `json:"e"`
	EventTime    binanceTimestamp `json:"E"`
	Symbol       string           `json:"s"`
	TradeID      int64            `json:"t"`
	Price        shared.Number    `json:"p"`
	Quantity     shared.Number    `json:"q"`
	TradeTime    binanceTimestamp `json:"T"`
	IsBuyerMaker bool             `json:"m"`
	Ignore       bool             `json:"M"`
}

type bookTickerMessage struct {
	UpdateID uint64        `json:"u"`
	Symbol   string        `json:"s"`
	BidPrice shared.Number `json:"b"`
	BidSize  shared.Number `json:"B"`
	AskPrice shared.Number `json:"a"`
	AskSize  shared.Number `json:"A"`
}

type depthDiffMessage struct {
	EventType     string           `json:"e"`
	EventTime     binanceTimestamp `json:"E"`
	Symbol        string           `json:"s"`
	FirstUpdateID uint64           `json:"U"`
	FinalUpdateID uint64           `json:"u"`
	Bids          [][]string       `json:"b"`
	Asks          [][]string       `json:"a"`
}

type partialDepthMessage struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type userDataEvent struct {
	EventType string           `json:"e"`
	EventTime binanceTimestamp `json:"E"`
}

type accountPositionEvent struct {
	EventType string                   `json:"e"`
	EventTime binanceTimestamp         `json:"E"`
	Balances  []accountPositionBalance `json:"B"`
}

type accountPositionBalance struct {
	Asset  string        `json:"a"`
	Free   shared.Number `json:"f"`
	Locked shared.Number `json:"l"`
}

type balanceDeltaEvent struct {
	EventType string           `json:"e"`
	EventTime binanceTimestamp `json:"E"`
	Asset     string           `json:"a"`
	Delta     shared.Number    `json:"d"`
}

// Single letter keys differ only by case, so every key that could fold onto a used
// field is declared.
type executionReportEvent struct {
	EventType          string           `json:"e"`
	EventTime          binanceTimestamp `json:"E"`
	Symbol             string           `json:"s"`
	ClientOrderID      string           `json:"c"`
	OrigClientOrderID  string           `json:"C"`
	Side               string           `json:"S"`
	OrderType          string           `json:"o"`
	CreationTime       binanceTimestamp `json:"O"`
	OriginalQuantity   shared.Number    `json:"q"`
	QuoteOrderQty      shared.Number    `json:"Q"`
	Price              shared.Number    `json:"p"`
	StopPrice          shared.Number    `json:"P"`
	ExecutionType      string           `json:"x"`
	OrderStatus        string           `json:"X"`
	OrderID            int64            `json:"i"`
	Ignore             int64            `json:"I"`
	LastExecutedQty    shared.Number    `json:"l"`
	CumulativeQuantity shared.Number    `json:"z"`
	LastExecutedPrice  shared.Number    `json:"L"`
	Commission         shared.Number    `json:"n"`
	CommissionAsset    *string          `json:"N"`
	TransactionTime    binanceTimestamp `json:"T"`
	TradeID            int64            `json:"t"`
	IsMaker            bool             `json:"m"`
	IgnoreFlag         bool             `json:"M"`
	CumulativeQuoteQty shared.Number    `json:"Z"`
}

// Parser decodes Binance combined market streams and the user data stream.
type Parser struct {
	symbols  *shared.SymbolCodec
	requests *requestLog
	metrics  *parserMetrics
}

var _ stream.MessageParser = (*Parser)(nil)

func newParser(symbols *shared.SymbolCodec, requests *requestLog, domain string) *Parser {
	return &Parser{symbols: symbols, requests: requests, metrics: newParserMetrics(domain)}
}

// Parse routes a frame by shape: control responses carry an id, combined stream
// payloads a stream name, user data events an event type.
func (p *Parser) Parse(frame transport.Frame, entries *pool.EntryPool) schema.Message {
	if frame.Binary || !shared.IsJSON(frame) {
		return shared.Unknown(frame, "")
	}
	var env combinedEnvelope
	if err := json.Unmarshal(frame.Data, &env); err != nil {
		return shared.ProtocolError(Name, frame, "", err)
	}
	if env.Stream != "" && len(env.Data) > 0 {
		return p.parseStream(frame, env.Stream, env.Data, entries)
	}

	var ctrl controlResponse
	if err := json.Unmarshal(frame.Data, &ctrl); err == nil && (ctrl.ID != nil || ctrl.Error != nil) {
		return p.parseControl(frame, ctrl)
	}

	var header userDataEvent
	if err := json.Unmarshal(frame.Data, &header); err != nil {
		return shared.ProtocolError(Name, frame, "", err)
	}
	if header.EventType == "" {
		return shared.Unknown(frame, "")
	}
	return p.parseEvent(frame, header)
}

func (p *Parser) parseControl(frame transport.Frame, ctrl controlResponse) schema.Message {
	var id uint64
	if ctrl.ID != nil {
		id = *ctrl.ID
	}
	req, _ := p.requests.take(id)
	channel := strings.Join(req.params, ",")
	if ctrl.Error != nil {
		return shared.ErrorMessage(Name, errs.CodeSubscription, frame, channel,
			errs.WithRawCode(strconv.Itoa(ctrl.Error.Code)),
			errs.WithRawMessage(ctrl.Error.Msg),
			errs.WithMessage("control request rejected"))
	}
	return schema.Message{
		Kind:    schema.KindSubscriptionAck,
		Channel: channel,
		Payload: schema.SubscriptionAck{Action: req.action, Channel: channel, ID: formatID(id), Success: true},
		Raw:     frame.Data,
	}
}

func (p *Parser) parseStream(frame transport.Frame, name string, data []byte, entries *pool.EntryPool) schema.Message {
	native, channel, ok := splitStream(name)
	if !ok {
		return shared.Unknown(frame, name)
	}
	sym, ok := p.symbols.Decode(native)
	if !ok {
		return shared.ProtocolError(Name, frame, name, fmt.Errorf("unknown symbol %q", native))
	}

	switch channel {
	case schema.ChannelTrades:
		var msg tradeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return shared.ProtocolError(Name, frame, name, err)
		}
		trade := schema.Trade{
			Symbol:   sym,
			ID:       strconv.FormatInt(msg.TradeID, 10),
			Price:    msg.Price.Float(),
			Quantity: msg.Quantity.Float(),
			Side:     tradeSideFromAggressor(msg.IsBuyerMaker),
			Time:     msg.TradeTime.Time(),
		}
		return schema.Message{Kind: schema.KindTrades, Symbol: sym, Channel: name, Payload: []schema.Trade{trade}}

	case schema.ChannelBookTicker:
		var msg bookTickerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return shared.ProtocolError(Name, frame, name, err)
		}
		return schema.Message{Kind: schema.KindBookTicker, Symbol: sym, Channel: name, Payload: schema.BookTicker{
			Symbol:   sym,
			BidPrice: msg.BidPrice.Float(),
			BidSize:  msg.BidSize.Float(),
			AskPrice: msg.AskPrice.Float(),
			AskSize:  msg.AskSize.Float(),
			UpdateID: msg.UpdateID,
		}}

	case schema.ChannelOrderBook:
		var msg depthDiffMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return shared.ProtocolError(Name, frame, name, err)
		}
		bids, asks, err := shared.BookLevels(entries, msg.Bids, msg.Asks)
		if err != nil {
			return shared.ProtocolError(Name, frame, name, err)
		}
		return schema.Message{Kind: schema.KindOrderBookDelta, Symbol: sym, Channel: name, Payload: &schema.BookUpdate{
			Bids:      bids,
			Asks:      asks,
			FirstID:   msg.FirstUpdateID,
			LastID:    msg.FinalUpdateID,
			Sequenced: true,
			Time:      msg.EventTime.Time(),
		}}

	case schema.ChannelOrderBookSnapshot:
		var msg partialDepthMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return shared.ProtocolError(Name, frame, name, err)
		}
		bids, asks, err := shared.BookLevels(entries, msg.Bids, msg.Asks)
		if err != nil {
			return shared.ProtocolError(Name, frame, name, err)
		}
		return schema.Message{Kind: schema.KindOrderBookSnapshot, Symbol: sym, Channel: name, Payload: &schema.BookUpdate{
			Bids:      bids,
			Asks:      asks,
			FirstID:   msg.LastUpdateID,
			LastID:    msg.LastUpdateID,
			Sequenced: true,
		}}
	}
	return shared.Unknown(frame, name)
}

func (p *Parser) parseEvent(frame transport.Frame, header userDataEvent) schema.Message {
	event, data := header.EventType, frame.Data
	p.metrics.recordEvent(event)
	switch strings.ToLower(event) {
	case "outboundaccountposition":
		var msg accountPositionEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return shared.ProtocolError(Name, frame, event, err)
		}
		updates := make([]schema.BalanceUpdate, 0, len(msg.Balances))
		for _, bal := range msg.Balances {
			asset := strings.ToUpper(strings.TrimSpace(bal.Asset))
			if asset == "" {
				continue
			}
			updates = append(updates, schema.BalanceUpdate{
				Asset:     asset,
				Available: bal.Free.Float(),
				Locked:    bal.Locked.Float(),
				Time:      msg.EventTime.Time(),
			})
		}
		return schema.Message{Kind: schema.KindBalanceUpdate, Channel: string(schema.ChannelBalances), Payload: updates}

	case "balanceupdate":
		var msg balanceDeltaEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return shared.ProtocolError(Name, frame, event, err)
		}
		update := schema.BalanceUpdate{
			Asset:  strings.ToUpper(strings.TrimSpace(msg.Asset)),
			Change: msg.Delta.Float(),
			Time:   msg.EventTime.Time(),
		}
		return schema.Message{Kind: schema.KindBalanceUpdate, Channel: string(schema.ChannelBalances), Payload: []schema.BalanceUpdate{update}}

	case "executionreport":
		var msg executionReportEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return shared.ProtocolError(Name, frame, event, err)
		}
		sym, ok := p.symbols.Decode(msg.Symbol)
		if !ok {
			return shared.ProtocolError(Name, frame, event, fmt.Errorf("unknown symbol %q", msg.Symbol))
		}
		update := executionToOrder(sym, msg)
		p.metrics.recordOrder(update.Status)
		return schema.Message{Kind: schema.KindOrderUpdate, Symbol: sym, Channel: string(schema.ChannelOrders), Payload: []schema.OrderUpdate{update}}

	case "listenkeyexpired":
		return shared.ErrorMessage(Name, errs.CodeSessionExpired, frame, event,
			errs.WithRawCode(strconv.Itoa(codeListenKeyMissing)),
			errs.WithMessage("listen key expired"))
	}
	return shared.Unknown(frame, event)
}

func executionToOrder(sym schema.Symbol, msg executionReportEvent) schema.OrderUpdate {
	ts := msg.TransactionTime.Time()
	if ts.IsZero() {
		ts = msg.EventTime.Time()
	}
	side := binanceSide(msg.Side)
	update := schema.OrderUpdate{
		Symbol:         sym,
		OrderID:        strconv.FormatInt(msg.OrderID, 10),
		ClientOrderID:  strings.TrimSpace(msg.ClientOrderID),
		Side:           side,
		Type:           strings.ToLower(msg.OrderType),
		Status:         strings.ToLower(msg.OrderStatus),
		Price:          msg.Price.Float(),
		Quantity:       msg.OriginalQuantity.Float(),
		FilledQuantity: msg.CumulativeQuantity.Float(),
		AvgPrice:       averagePrice(msg.CumulativeQuoteQty.Float(), msg.CumulativeQuantity.Float()),
		Time:           ts,
	}
	if strings.EqualFold(msg.ExecutionType, "TRADE") {
		feeAsset := ""
		if msg.CommissionAsset != nil {
			feeAsset = strings.TrimSpace(*msg.CommissionAsset)
		}
		update.Execution = &schema.ExecutionUpdate{
			Symbol:        sym,
			OrderID:       update.OrderID,
			ClientOrderID: update.ClientOrderID,
			TradeID:       strconv.FormatInt(msg.TradeID, 10),
			Side:          side,
			Price:         msg.LastExecutedPrice.Float(),
			Quantity:      msg.LastExecutedQty.Float(),
			Fee:           msg.Commission.Float(),
			FeeAsset:      feeAsset,
			Maker:         msg.IsMaker,
			Time:          ts,
		}
	}
	return update
}

func tradeSideFromAggressor(isBuyerMaker bool) schema.Side {
	if isBuyerMaker {
		return schema.SideSell
	}
	return schema.SideBuy
}

func binanceSide(raw string) schema.Side {
	if strings.EqualFold(strings.TrimSpace(raw), "SELL") {
		return schema.SideSell
	}
	return schema.SideBuy
}

func averagePrice(quote, executed float64) float64 {
	if executed == 0 {
		return 0
	}
	return quote / executed
}
