package orderbook

import (
	"errors"
	"fmt"

	"github.com/coachpo/meltica-streams/errs"
	"github.com/coachpo/meltica-streams/internal/domain/schema"
	"github.com/coachpo/meltica-streams/internal/pool"
)

var (
	// ErrBookStale reports a delta held back because the book awaits a snapshot.
	ErrBookStale = errors.New("orderbook: book stale, awaiting snapshot")
	// ErrOutdated reports an update already covered by the book.
	ErrOutdated = errors.New("orderbook: update already applied")
)

// Reconciler owns the books of one connection. It is confined to the connection's
// processing goroutine, as is the pool it draws from.
type Reconciler struct {
	exchange string
	pool     *pool.EntryPool
	rule     ContiguityRule
	books    map[schema.Symbol]*Book
}

// NewReconciler builds a reconciler. A nil rule defaults to Bracketing.
func NewReconciler(exchange string, entries *pool.EntryPool, rule ContiguityRule) *Reconciler {
	if rule == nil {
		rule = Bracketing
	}
	return &Reconciler{
		exchange: exchange,
		pool:     entries,
		rule:     rule,
		books:    make(map[schema.Symbol]*Book),
	}
}

// Apply routes a parsed book message to ApplySnapshot or ApplyDelta.
func (r *Reconciler) Apply(msg schema.Message) (*Book, error) {
	update, ok := msg.Payload.(*schema.BookUpdate)
	if !ok || update == nil {
		return nil, errs.New(r.exchange, errs.CodeInvalid,
			errs.WithSymbol(msg.Symbol.String()),
			errs.WithMessage(fmt.Sprintf("unexpected book payload %T", msg.Payload)))
	}
	switch msg.Kind {
	case schema.KindOrderBookSnapshot:
		return r.ApplySnapshot(msg.Symbol, update)
	case schema.KindOrderBookDelta:
		return r.ApplyDelta(msg.Symbol, update)
	default:
		r.pool.Release(update.Entries()...)
		return nil, errs.New(r.exchange, errs.CodeInvalid,
			errs.WithSymbol(msg.Symbol.String()),
			errs.WithMessage("not a book message: "+msg.Kind.String()))
	}
}

// maxPendingDeltas bounds the deltas held per stale book. The oldest are dropped first.
const maxPendingDeltas = 1024

// ApplySnapshot replaces the book wholesale and clears the stale flag. A sequenced
// snapshot older than a healthy book is dropped so the update id never moves backwards.
// Deltas buffered while the book was stale are replayed on top of the snapshot; those it
// already covers are released.
func (r *Reconciler) ApplySnapshot(symbol schema.Symbol, update *schema.BookUpdate) (*Book, error) {
	book := r.books[symbol]
	if book == nil {
		book = newBook(symbol)
		r.books[symbol] = book
	} else if !book.stale && update.Sequenced && update.LastID < book.lastUpdateID {
		r.pool.Release(update.Entries()...)
		return book, ErrOutdated
	}

	bids := newSide(true, len(update.Bids))
	for _, e := range update.Bids {
		bids.apply(r.pool, e)
	}
	asks := newSide(false, len(update.Asks))
	for _, e := range update.Asks {
		asks.apply(r.pool, e)
	}

	oldBids, oldAsks := book.bids, book.asks
	book.bids, book.asks = bids, asks
	oldBids.release(r.pool)
	oldAsks.release(r.pool)

	if update.Sequenced {
		book.lastUpdateID = update.LastID
	}
	book.stale = false
	book.synced = false
	book.touch(update.Time)
	return book, r.replay(book)
}

// ApplyDelta applies a delta if it is contiguous with the book. On a gap the book is
// marked stale and a sequence gap error is returned once; later deltas fail with
// ErrBookStale until a snapshot arrives. Deltas that arrive while stale are held for
// the next snapshot, every other update's entries are consumed.
func (r *Reconciler) ApplyDelta(symbol schema.Symbol, update *schema.BookUpdate) (*Book, error) {
	book := r.books[symbol]
	if book == nil {
		book = newBook(symbol)
		r.books[symbol] = book
		if update.Sequenced {
			book.stale = true
			r.hold(book, update)
			return book, r.gapError(symbol, 0, update)
		}
	}
	if book.stale {
		r.hold(book, update)
		return book, ErrBookStale
	}
	return book, r.applyDelta(book, update)
}

func (r *Reconciler) applyDelta(book *Book, update *schema.BookUpdate) error {
	if update.Sequenced && book.lastUpdateID != 0 {
		// Aggregated feeds rarely start exactly at snapshot+1, so the first delta after a
		// snapshot only has to cover it.
		rule := r.rule
		if !book.synced {
			rule = Bracketing
		}
		switch rule(book.lastUpdateID, update) {
		case VerdictSkip:
			r.pool.Release(update.Entries()...)
			return ErrOutdated
		case VerdictGap:
			last := book.lastUpdateID
			book.stale = true
			r.hold(book, update)
			return r.gapError(book.symbol, last, update)
		}
	}

	for _, e := range update.Bids {
		book.bids.apply(r.pool, e)
	}
	for _, e := range update.Asks {
		book.asks.apply(r.pool, e)
	}
	if update.Sequenced {
		book.lastUpdateID = update.LastID
		book.synced = true
	}
	book.touch(update.Time)
	return nil
}

// hold buffers a delta for replay after the next snapshot.
func (r *Reconciler) hold(book *Book, update *schema.BookUpdate) {
	if !update.Sequenced {
		r.pool.Release(update.Entries()...)
		return
	}
	if len(book.pending) >= maxPendingDeltas {
		r.pool.Release(book.pending[0].Entries()...)
		book.pending[0] = nil
		book.pending = book.pending[1:]
	}
	book.pending = append(book.pending, update)
}

// replay applies held deltas newer than the book. A gap found while replaying marks the
// book stale again and the remaining deltas go back into the buffer.
func (r *Reconciler) replay(book *Book) error {
	held := book.pending
	book.pending = nil
	var gapErr error
	for i, update := range held {
		held[i] = nil
		switch {
		case book.stale:
			r.hold(book, update)
		case update.LastID <= book.lastUpdateID:
			r.pool.Release(update.Entries()...)
		default:
			if err := r.applyDelta(book, update); err != nil && !errors.Is(err, ErrOutdated) {
				gapErr = err
			}
		}
	}
	return gapErr
}

func (r *Reconciler) dropPending(book *Book) {
	for i, update := range book.pending {
		r.pool.Release(update.Entries()...)
		book.pending[i] = nil
	}
	book.pending = nil
}

// Pending returns the number of deltas held for symbol while its book is stale.
func (r *Reconciler) Pending(symbol schema.Symbol) int {
	if book, ok := r.books[symbol]; ok {
		return len(book.pending)
	}
	return 0
}

// Book returns the current book for symbol.
func (r *Reconciler) Book(symbol schema.Symbol) (*Book, bool) {
	book, ok := r.books[symbol]
	return book, ok
}

// Stale lists symbols whose books await a snapshot.
func (r *Reconciler) Stale() []schema.Symbol {
	var out []schema.Symbol
	for sym, book := range r.books {
		if book.stale {
			out = append(out, sym)
		}
	}
	return out
}

// Reset drops the book for symbol and returns its levels to the pool.
func (r *Reconciler) Reset(symbol schema.Symbol) {
	book, ok := r.books[symbol]
	if !ok {
		return
	}
	book.bids.release(r.pool)
	book.asks.release(r.pool)
	r.dropPending(book)
	delete(r.books, symbol)
}

// ResetAll drops every book.
func (r *Reconciler) ResetAll() {
	for sym := range r.books {
		r.Reset(sym)
	}
}

func (r *Reconciler) gapError(symbol schema.Symbol, last uint64, update *schema.BookUpdate) error {
	return errs.New(r.exchange, errs.CodeSequenceGap,
		errs.WithSymbol(symbol.String()),
		errs.WithMessage(fmt.Sprintf("last applied %d, delta covers %d-%d", last, update.FirstID, update.LastID)))
}
