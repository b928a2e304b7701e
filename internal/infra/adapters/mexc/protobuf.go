package mexc

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of PushDataV3ApiWrapper and its body messages.
const (
	wrapperChannel    protowire.Number = 1
	wrapperSymbol     protowire.Number = 3
	wrapperCreateTime protowire.Number = 5
	wrapperSendTime   protowire.Number = 6

	bodyLimitDepths     protowire.Number = 303
	bodyPrivateOrders   protowire.Number = 304
	bodyPrivateDeals    protowire.Number = 306
	bodyPrivateAccount  protowire.Number = 307
	bodyAggreDepths     protowire.Number = 313
	bodyAggreDeals      protowire.Number = 314
	bodyAggreBookTicker protowire.Number = 315
)

type field struct {
	num    protowire.Number
	typ    protowire.Type
	bytes  []byte
	varint uint64
}

func (f field) str() string { return string(f.bytes) }

// walk visits every top level field of a protobuf message. Unknown wire types are
// skipped.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

type pushWrapper struct {
	channel    string
	symbol     string
	createTime int64
	sendTime   int64
	bodyField  protowire.Number
	body       []byte
}

func decodeWrapper(b []byte) (pushWrapper, error) {
	var w pushWrapper
	err := walk(b, func(f field) error {
		switch {
		case f.num == wrapperChannel:
			w.channel = f.str()
		case f.num == wrapperSymbol:
			w.symbol = f.str()
		case f.num == wrapperCreateTime:
			w.createTime = int64(f.varint)
		case f.num == wrapperSendTime:
			w.sendTime = int64(f.varint)
		case f.num >= 301 && f.num <= 315 && f.typ == protowire.BytesType:
			w.bodyField, w.body = f.num, f.bytes
		}
		return nil
	})
	if err != nil {
		return w, err
	}
	if w.bodyField == 0 {
		return w, errors.New("push frame without body")
	}
	return w, nil
}

type depthItem struct {
	price, quantity string
}

func decodeDepthItem(b []byte) (depthItem, error) {
	var it depthItem
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			it.price = f.str()
		case 2:
			it.quantity = f.str()
		}
		return nil
	})
	return it, err
}

// depths covers PublicAggreDepthsV3Api (fromVersion, toVersion) and
// PublicLimitDepthsV3Api (version in field 4).
type depths struct {
	asks, bids  [][]string
	eventType   string
	fromVersion string
	toVersion   string
}

func decodeDepths(b []byte) (depths, error) {
	var d depths
	err := walk(b, func(f field) error {
		switch f.num {
		case 1, 2:
			it, err := decodeDepthItem(f.bytes)
			if err != nil {
				return err
			}
			level := []string{it.price, it.quantity}
			if f.num == 1 {
				d.asks = append(d.asks, level)
			} else {
				d.bids = append(d.bids, level)
			}
		case 3:
			d.eventType = f.str()
		case 4:
			d.fromVersion = f.str()
		case 5:
			d.toVersion = f.str()
		}
		return nil
	})
	return d, err
}

type dealItem struct {
	price, quantity string
	tradeType       int32
	time            int64
}

func decodeDeals(b []byte) ([]dealItem, error) {
	var out []dealItem
	err := walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		var it dealItem
		err := walk(f.bytes, func(g field) error {
			switch g.num {
			case 1:
				it.price = g.str()
			case 2:
				it.quantity = g.str()
			case 3:
				it.tradeType = int32(g.varint)
			case 4:
				it.time = int64(g.varint)
			}
			return nil
		})
		out = append(out, it)
		return err
	})
	return out, err
}

type bookTicker struct {
	bidPrice, bidQuantity string
	askPrice, askQuantity string
}

func decodeBookTicker(b []byte) (bookTicker, error) {
	var t bookTicker
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			t.bidPrice = f.str()
		case 2:
			t.bidQuantity = f.str()
		case 3:
			t.askPrice = f.str()
		case 4:
			t.askQuantity = f.str()
		}
		return nil
	})
	return t, err
}

type privateOrder struct {
	id, clientID       string
	price, quantity    string
	avgPrice           string
	orderType          int32
	tradeType          int32
	cumulativeQuantity string
	status             int32
	createTime         int64
}

func decodePrivateOrder(b []byte) (privateOrder, error) {
	var o privateOrder
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			o.id = f.str()
		case 2:
			o.clientID = f.str()
		case 3:
			o.price = f.str()
		case 4:
			o.quantity = f.str()
		case 6:
			o.avgPrice = f.str()
		case 7:
			o.orderType = int32(f.varint)
		case 8:
			o.tradeType = int32(f.varint)
		case 13:
			o.cumulativeQuantity = f.str()
		case 15:
			o.status = int32(f.varint)
		case 16:
			o.createTime = int64(f.varint)
		}
		return nil
	})
	return o, err
}

type privateDeal struct {
	price, quantity string
	tradeType       int32
	isMaker         bool
	tradeID         string
	clientOrderID   string
	orderID         string
	feeAmount       string
	feeCurrency     string
	time            int64
}

func decodePrivateDeal(b []byte) (privateDeal, error) {
	var d privateDeal
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			d.price = f.str()
		case 2:
			d.quantity = f.str()
		case 4:
			d.tradeType = int32(f.varint)
		case 5:
			d.isMaker = f.varint != 0
		case 7:
			d.tradeID = f.str()
		case 8:
			d.clientOrderID = f.str()
		case 9:
			d.orderID = f.str()
		case 10:
			d.feeAmount = f.str()
		case 11:
			d.feeCurrency = f.str()
		case 12:
			d.time = int64(f.varint)
		}
		return nil
	})
	return d, err
}

type privateAccount struct {
	asset        string
	balance      string
	balanceDelta string
	frozen       string
	time         int64
}

func decodePrivateAccount(b []byte) (privateAccount, error) {
	var a privateAccount
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			a.asset = f.str()
		case 3:
			a.balance = f.str()
		case 4:
			a.balanceDelta = f.str()
		case 5:
			a.frozen = f.str()
		case 8:
			a.time = int64(f.varint)
		}
		return nil
	})
	return a, err
}
