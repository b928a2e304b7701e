package rest

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coachpo/meltica-streams/errs"
	"github.com/coachpo/meltica-streams/internal/orderbook"
)

// DepthStyle selects the depth endpoint dialect.
type DepthStyle uint8

const (
	// DepthV3 is GET /api/v3/depth as served by Binance and MEXC spot.
	DepthV3 DepthStyle = iota
	// DepthGateV4 is GET /api/v4/spot/order_book with update ids.
	DepthGateV4
)

const defaultDepthLimit = 100

// Depth is a REST order book snapshot.
type Depth struct {
	LastUpdateID uint64
	Bids         []orderbook.Level
	Asks         []orderbook.Level
	Time         time.Time
}

type v3DepthResponse struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type gateDepthResponse struct {
	ID      uint64     `json:"id"`
	Current int64      `json:"current"`
	Bids    [][]string `json:"bids"`
	Asks    [][]string `json:"asks"`
}

// DepthClient fetches order book snapshots for resynchronizing stale books.
type DepthClient struct {
	*client
	style DepthStyle
}

// NewDepthClient builds an unauthenticated depth client.
func NewDepthClient(cfg Config, style DepthStyle) (*DepthClient, error) {
	cfg.Signed = false
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &DepthClient{client: c, style: style}, nil
}

// FetchDepth returns up to limit levels per side for the exchange native symbol.
func (c *DepthClient) FetchDepth(ctx context.Context, nativeSymbol string, limit int) (Depth, error) {
	if limit <= 0 {
		limit = defaultDepthLimit
	}
	switch c.style {
	case DepthGateV4:
		params := url.Values{
			"currency_pair": []string{nativeSymbol},
			"limit":         []string{strconv.Itoa(limit)},
			"with_id":       []string{"true"},
		}
		var payload gateDepthResponse
		if err := c.do(ctx, http.MethodGet, "/api/v4/spot/order_book", params, &payload); err != nil {
			return Depth{}, err
		}
		return c.depth(payload.ID, payload.Bids, payload.Asks, time.UnixMilli(payload.Current))
	default:
		params := url.Values{
			"symbol": []string{nativeSymbol},
			"limit":  []string{strconv.Itoa(limit)},
		}
		var payload v3DepthResponse
		if err := c.do(ctx, http.MethodGet, "/api/v3/depth", params, &payload); err != nil {
			return Depth{}, err
		}
		return c.depth(payload.LastUpdateID, payload.Bids, payload.Asks, c.now())
	}
}

func (c *DepthClient) depth(id uint64, bids, asks [][]string, ts time.Time) (Depth, error) {
	out := Depth{LastUpdateID: id, Time: ts}
	var err error
	if out.Bids, err = c.levels(bids); err != nil {
		return Depth{}, err
	}
	if out.Asks, err = c.levels(asks); err != nil {
		return Depth{}, err
	}
	return out, nil
}

func (c *DepthClient) levels(raw [][]string) ([]orderbook.Level, error) {
	out := make([]orderbook.Level, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			return nil, errs.New(c.cfg.Exchange, errs.CodeProtocol, errs.WithMessage("depth level needs price and size"))
		}
		price, err := strconv.ParseFloat(lvl[0], 64)
		if err != nil {
			return nil, errs.New(c.cfg.Exchange, errs.CodeProtocol, errs.WithMessage("invalid depth price"), errs.WithCause(err))
		}
		size, err := strconv.ParseFloat(lvl[1], 64)
		if err != nil {
			return nil, errs.New(c.cfg.Exchange, errs.CodeProtocol, errs.WithMessage("invalid depth size"), errs.WithCause(err))
		}
		out = append(out, orderbook.Level{Price: price, Size: size})
	}
	return out, nil
}
