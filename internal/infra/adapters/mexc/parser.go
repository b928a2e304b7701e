package mexc

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/coachpo/meltica-streams/errs"
	"github.com/coachpo/meltica-streams/internal/domain/schema"
	"github.com/coachpo/meltica-streams/internal/infra/adapters/shared"
	"github.com/coachpo/meltica-streams/internal/infra/transport"
	"github.com/coachpo/meltica-streams/internal/pool"
	"github.com/coachpo/meltica-streams/internal/stream"
)

// controlReply is the JSON reply to SUBSCRIPTION, UNSUBSCRIPTION and PING.
type controlReply struct {
	ID   int64  `json:"id"`
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Parser decodes MEXC JSON control replies and protobuf push frames.
type Parser struct {
	symbols *shared.SymbolCodec
}

var _ stream.MessageParser = (*Parser)(nil)

func (p *Parser) Parse(frame transport.Frame, entries *pool.EntryPool) schema.Message {
	if shared.IsJSON(frame) {
		return p.parseControl(frame)
	}
	if len(frame.Data) == 0 || frame.Data[0] != byte(protowire.EncodeTag(wrapperChannel, protowire.BytesType)) {
		return shared.Unknown(frame, "")
	}
	w, err := decodeWrapper(frame.Data)
	if err != nil {
		return shared.ProtocolError(Name, frame, w.channel, err)
	}
	msg, err := p.parsePush(w, entries)
	if err != nil {
		return shared.ProtocolError(Name, frame, w.channel, err)
	}
	return msg
}

func (p *Parser) parseControl(frame transport.Frame) schema.Message {
	var reply controlReply
	if err := json.Unmarshal(frame.Data, &reply); err != nil {
		return shared.ProtocolError(Name, frame, "", err)
	}
	switch {
	case reply.Msg == "PONG":
		return schema.Message{Kind: schema.KindHeartbeat}
	case reply.Code != 0 || strings.HasPrefix(reply.Msg, "Not Subscribed"):
		return shared.ErrorMessage(Name, errs.CodeSubscription, frame, reply.Msg,
			errs.WithRawCode(strconv.Itoa(reply.Code)),
			errs.WithRawMessage(reply.Msg),
			errs.WithMessage("subscription rejected"))
	case strings.HasPrefix(reply.Msg, "spot@"):
		return schema.Message{
			Kind:    schema.KindSubscriptionAck,
			Channel: reply.Msg,
			Payload: schema.SubscriptionAck{Channel: reply.Msg, ID: strconv.FormatInt(reply.ID, 10), Success: true},
			Raw:     frame.Data,
		}
	}
	return shared.Unknown(frame, reply.Msg)
}

func (p *Parser) parsePush(w pushWrapper, entries *pool.EntryPool) (schema.Message, error) {
	var sym schema.Symbol
	if w.symbol != "" {
		var ok bool
		if sym, ok = p.symbols.Decode(w.symbol); !ok {
			return schema.Message{}, fmt.Errorf("unknown symbol %q", w.symbol)
		}
	}
	ts := millisTime(w.sendTime)
	if ts.IsZero() {
		ts = millisTime(w.createTime)
	}

	switch w.bodyField {
	case bodyAggreDeals:
		items, err := decodeDeals(w.body)
		if err != nil {
			return schema.Message{}, err
		}
		trades := make([]schema.Trade, 0, len(items))
		for _, it := range items {
			price, err := shared.ParseFloat(it.price)
			if err != nil {
				return schema.Message{}, err
			}
			qty, err := shared.ParseFloat(it.quantity)
			if err != nil {
				return schema.Message{}, err
			}
			trades = append(trades, schema.Trade{
				Symbol:   sym,
				Price:    price,
				Quantity: qty,
				Side:     side(it.tradeType),
				Time:     millisTime(it.time),
			})
		}
		return schema.Message{Kind: schema.KindTrades, Symbol: sym, Channel: w.channel, Payload: trades}, nil

	case bodyAggreDepths, bodyLimitDepths:
		d, err := decodeDepths(w.body)
		if err != nil {
			return schema.Message{}, err
		}
		update, err := bookUpdate(entries, d, w.bodyField == bodyLimitDepths)
		if err != nil {
			return schema.Message{}, err
		}
		update.Time = ts
		kind := schema.KindOrderBookDelta
		if w.bodyField == bodyLimitDepths {
			kind = schema.KindOrderBookSnapshot
		}
		return schema.Message{Kind: kind, Symbol: sym, Channel: w.channel, Payload: update}, nil

	case bodyAggreBookTicker:
		t, err := decodeBookTicker(w.body)
		if err != nil {
			return schema.Message{}, err
		}
		var values [4]float64
		for i, raw := range []string{t.bidPrice, t.bidQuantity, t.askPrice, t.askQuantity} {
			if values[i], err = shared.ParseFloat(raw); err != nil {
				return schema.Message{}, err
			}
		}
		return schema.Message{Kind: schema.KindBookTicker, Symbol: sym, Channel: w.channel, Payload: schema.BookTicker{
			Symbol:   sym,
			BidPrice: values[0],
			BidSize:  values[1],
			AskPrice: values[2],
			AskSize:  values[3],
			Time:     ts,
		}}, nil

	case bodyPrivateOrders:
		o, err := decodePrivateOrder(w.body)
		if err != nil {
			return schema.Message{}, err
		}
		update := schema.OrderUpdate{
			Symbol:        sym,
			OrderID:       o.id,
			ClientOrderID: o.clientID,
			Side:          side(o.tradeType),
			Type:          orderType(o.orderType),
			Status:        orderStatus(o.status),
			Time:          ts,
		}
		if err := parseFloats(
			floatField{o.price, &update.Price},
			floatField{o.quantity, &update.Quantity},
			floatField{o.cumulativeQuantity, &update.FilledQuantity},
			floatField{o.avgPrice, &update.AvgPrice},
		); err != nil {
			return schema.Message{}, err
		}
		return schema.Message{Kind: schema.KindOrderUpdate, Symbol: sym, Channel: w.channel, Payload: []schema.OrderUpdate{update}}, nil

	case bodyPrivateDeals:
		d, err := decodePrivateDeal(w.body)
		if err != nil {
			return schema.Message{}, err
		}
		exec := schema.ExecutionUpdate{
			Symbol:        sym,
			OrderID:       d.orderID,
			ClientOrderID: d.clientOrderID,
			TradeID:       d.tradeID,
			Side:          side(d.tradeType),
			FeeAsset:      d.feeCurrency,
			Maker:         d.isMaker,
			Time:          millisTime(d.time),
		}
		if err := parseFloats(
			floatField{d.price, &exec.Price},
			floatField{d.quantity, &exec.Quantity},
			floatField{d.feeAmount, &exec.Fee},
		); err != nil {
			return schema.Message{}, err
		}
		return schema.Message{Kind: schema.KindExecution, Symbol: sym, Channel: w.channel, Payload: []schema.ExecutionUpdate{exec}}, nil

	case bodyPrivateAccount:
		a, err := decodePrivateAccount(w.body)
		if err != nil {
			return schema.Message{}, err
		}
		update := schema.BalanceUpdate{Asset: strings.ToUpper(a.asset), Time: millisTime(a.time)}
		if err := parseFloats(
			floatField{a.balance, &update.Available},
			floatField{a.frozen, &update.Locked},
			floatField{a.balanceDelta, &update.Change},
		); err != nil {
			return schema.Message{}, err
		}
		return schema.Message{Kind: schema.KindBalanceUpdate, Channel: w.channel, Payload: []schema.BalanceUpdate{update}}, nil
	}
	return schema.Message{Kind: schema.KindUnknown, Symbol: sym, Channel: w.channel}, nil
}

// bookUpdate borrows levels for a depth body. Limit depth snapshots carry their
// version in the fromVersion slot.
func bookUpdate(entries *pool.EntryPool, d depths, snapshot bool) (*schema.BookUpdate, error) {
	from, err := parseVersion(d.fromVersion)
	if err != nil {
		return nil, err
	}
	to := from
	if !snapshot {
		if to, err = parseVersion(d.toVersion); err != nil {
			return nil, err
		}
	}
	bids, asks, err := shared.BookLevels(entries, d.bids, d.asks)
	if err != nil {
		return nil, err
	}
	return &schema.BookUpdate{Bids: bids, Asks: asks, FirstID: from, LastID: to, Sequenced: true}, nil
}

func parseVersion(raw string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", raw, err)
	}
	return v, nil
}

type floatField struct {
	raw string
	dst *float64
}

func parseFloats(fields ...floatField) error {
	for _, f := range fields {
		v, err := shared.ParseFloat(f.raw)
		if err != nil {
			return err
		}
		*f.dst = v
	}
	return nil
}

func millisTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// side maps tradeType: 1 buy, 2 sell.
func side(tradeType int32) schema.Side {
	if tradeType == 2 {
		return schema.SideSell
	}
	return schema.SideBuy
}

func orderType(code int32) string {
	switch code {
	case 1:
		return "limit"
	case 2:
		return "post_only"
	case 3:
		return "ioc"
	case 4:
		return "fok"
	case 5:
		return "market"
	case 100:
		return "stop_limit"
	default:
		return "unknown"
	}
}

func orderStatus(code int32) string {
	switch code {
	case 1:
		return "new"
	case 2:
		return "filled"
	case 3:
		return "partially_filled"
	case 4:
		return "canceled"
	case 5:
		return "partially_canceled"
	default:
		return "unknown"
	}
}
