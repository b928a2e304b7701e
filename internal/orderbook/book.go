package orderbook

import (
	"sort"
	"time"

	"github.com/coachpo/meltica-streams/internal/domain/schema"
	"github.com/coachpo/meltica-streams/internal/pool"
)

// Level is a read-only copy of a price level.
type Level struct {
	Price float64
	Size  float64
}

// side keeps levels sorted best first.
type side struct {
	levels     []*pool.Entry
	descending bool
}

func newSide(descending bool, capacity int) side {
	return side{levels: make([]*pool.Entry, 0, capacity), descending: descending}
}

func (s *side) search(price float64) (int, bool) {
	n := len(s.levels)
	var idx int
	if s.descending {
		idx = sort.Search(n, func(i int) bool { return s.levels[i].Price <= price })
	} else {
		idx = sort.Search(n, func(i int) bool { return s.levels[i].Price >= price })
	}
	return idx, idx < n && s.levels[idx].Price == price
}

// apply takes ownership of e: it is either stored or released.
func (s *side) apply(p *pool.EntryPool, e *pool.Entry) {
	idx, found := s.search(e.Price)
	if e.Size == 0 {
		if found {
			p.Release(s.levels[idx])
			s.levels = append(s.levels[:idx], s.levels[idx+1:]...)
		}
		p.Release(e)
		return
	}
	if found {
		s.levels[idx].Size = e.Size
		p.Release(e)
		return
	}
	s.levels = append(s.levels, nil)
	copy(s.levels[idx+1:], s.levels[idx:])
	s.levels[idx] = e
}

func (s *side) release(p *pool.EntryPool) {
	p.Release(s.levels...)
	clear(s.levels)
	s.levels = s.levels[:0]
}

func (s *side) copyLevels() []Level {
	out := make([]Level, len(s.levels))
	for i, e := range s.levels {
		out[i] = Level{Price: e.Price, Size: e.Size}
	}
	return out
}

func (s *side) size(price float64) (float64, bool) {
	idx, found := s.search(price)
	if !found {
		return 0, false
	}
	return s.levels[idx].Size, true
}

func (s *side) best() (Level, bool) {
	if len(s.levels) == 0 {
		return Level{}, false
	}
	e := s.levels[0]
	return Level{Price: e.Price, Size: e.Size}, true
}

// Book is the reconstructed state of one symbol. A Book handed to a handler is owned
// by the reconciler and only valid for the duration of the callback.
type Book struct {
	symbol       schema.Symbol
	bids         side
	asks         side
	lastUpdateID uint64
	updated      time.Time
	stale        bool
	// synced is set once a delta has been applied on top of the last snapshot.
	synced       bool
	pending      []*schema.BookUpdate
}

func newBook(symbol schema.Symbol) *Book {
	return &Book{
		symbol: symbol,
		bids:   newSide(true, 0),
		asks:   newSide(false, 0),
	}
}

func (b *Book) Symbol() schema.Symbol { return b.symbol }

// LastUpdateID is the id of the last applied snapshot or delta.
func (b *Book) LastUpdateID() uint64 { return b.lastUpdateID }

func (b *Book) UpdatedAt() time.Time { return b.updated }

// Stale reports whether a gap was detected since the last snapshot.
func (b *Book) Stale() bool { return b.stale }

// Bids returns a copy of the bid levels, best first.
func (b *Book) Bids() []Level { return b.bids.copyLevels() }

// Asks returns a copy of the ask levels, best first.
func (b *Book) Asks() []Level { return b.asks.copyLevels() }

func (b *Book) BestBid() (Level, bool) { return b.bids.best() }

func (b *Book) BestAsk() (Level, bool) { return b.asks.best() }

// BidSize returns the size resting at price on the bid side.
func (b *Book) BidSize(price float64) (float64, bool) { return b.bids.size(price) }

// AskSize returns the size resting at price on the ask side.
func (b *Book) AskSize(price float64) (float64, bool) { return b.asks.size(price) }

// Depth returns the number of bid and ask levels.
func (b *Book) Depth() (bids, asks int) { return len(b.bids.levels), len(b.asks.levels) }

// RangeBids visits bid levels best first until fn returns false.
func (b *Book) RangeBids(fn func(Level) bool) { rangeSide(&b.bids, fn) }

// RangeAsks visits ask levels best first until fn returns false.
func (b *Book) RangeAsks(fn func(Level) bool) { rangeSide(&b.asks, fn) }

func rangeSide(s *side, fn func(Level) bool) {
	for _, e := range s.levels {
		if !fn(Level{Price: e.Price, Size: e.Size}) {
			return
		}
	}
}

func (b *Book) touch(ts time.Time) {
	if ts.IsZero() {
		ts = time.Now()
	}
	b.updated = ts
}
