package orderbook

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-streams/errs"
	"github.com/coachpo/meltica-streams/internal/domain/schema"
	"github.com/coachpo/meltica-streams/internal/pool"
)

var btc = schema.MustSymbol("BTC-USDT")

type level [2]float64

func buildUpdate(p *pool.EntryPool, first, last uint64, bids, asks []level) *schema.BookUpdate {
	u := &schema.BookUpdate{FirstID: first, LastID: last, Sequenced: last != 0}
	for _, l := range bids {
		u.Bids = append(u.Bids, p.Acquire(l[0], l[1]))
	}
	for _, l := range asks {
		u.Asks = append(u.Asks, p.Acquire(l[0], l[1]))
	}
	return u
}

func newTestReconciler(rule ContiguityRule) (*Reconciler, *pool.EntryPool) {
	p := pool.NewEntryPool(64, 0)
	return NewReconciler("test", p, rule), p
}

func TestZeroSizeDeltaRemovesLevel(t *testing.T) {
	r, p := newTestReconciler(Bracketing)
	_, err := r.ApplySnapshot(btc, buildUpdate(p, 10, 10, []level{{100.5, 1.0}}, nil))
	require.NoError(t, err)

	book, err := r.ApplyDelta(btc, buildUpdate(p, 11, 11, []level{{100.5, 0}, {100.0, 2.0}}, nil))
	require.NoError(t, err)
	require.Equal(t, []Level{{Price: 100.0, Size: 2.0}}, book.Bids())
	require.Equal(t, uint64(11), book.LastUpdateID())
	require.Equal(t, 1, p.CheckedOut())
}

func TestZeroSizeForAbsentLevelIsNoop(t *testing.T) {
	r, p := newTestReconciler(Bracketing)
	_, err := r.ApplySnapshot(btc, buildUpdate(p, 1, 1, []level{{99, 1}}, []level{{101, 1}}))
	require.NoError(t, err)

	book, err := r.ApplyDelta(btc, buildUpdate(p, 2, 2, []level{{98, 0}}, []level{{105, 0}}))
	require.NoError(t, err)
	require.Equal(t, []Level{{Price: 99, Size: 1}}, book.Bids())
	require.Equal(t, []Level{{Price: 101, Size: 1}}, book.Asks())
	require.Equal(t, 2, p.CheckedOut())
}

func TestUpsertKeepsOrdering(t *testing.T) {
	r, p := newTestReconciler(nil)
	_, err := r.ApplySnapshot(btc, buildUpdate(p, 5, 5,
		[]level{{100, 1}, {99, 1}},
		[]level{{101, 1}, {103, 1}}))
	require.NoError(t, err)

	book, err := r.ApplyDelta(btc, buildUpdate(p, 6, 7,
		[]level{{99.5, 3}, {100, 4}},
		[]level{{102, 2}}))
	require.NoError(t, err)

	require.Equal(t, []Level{{100, 4}, {99.5, 3}, {99, 1}}, book.Bids())
	require.Equal(t, []Level{{101, 1}, {102, 2}, {103, 1}}, book.Asks())
	best, ok := book.BestBid()
	require.True(t, ok)
	require.Equal(t, 100.0, best.Price)
	size, ok := book.AskSize(102)
	require.True(t, ok)
	require.Equal(t, 2.0, size)
}

func TestGapMarksStaleUntilSnapshot(t *testing.T) {
	r, p := newTestReconciler(Bracketing)
	_, err := r.ApplySnapshot(btc, buildUpdate(p, 100, 100, []level{{100.5, 1}, {99, 1}}, nil))
	require.NoError(t, err)

	book, err := r.ApplyDelta(btc, buildUpdate(p, 105, 106, []level{{98, 1}}, nil))
	require.ErrorIs(t, err, errs.ErrSequenceGap)
	require.True(t, book.Stale())

	// Contiguous-looking deltas do not clear the flag.
	_, err = r.ApplyDelta(btc, buildUpdate(p, 101, 107, []level{{97, 1}}, nil))
	require.ErrorIs(t, err, ErrBookStale)
	require.True(t, book.Stale())
	require.Equal(t, []schema.Symbol{btc}, r.Stale())

	book, err = r.ApplySnapshot(btc, buildUpdate(p, 200, 200, []level{{101, 5}}, []level{{102, 1}}))
	require.NoError(t, err)
	require.False(t, book.Stale())
	require.Equal(t, []Level{{101, 5}}, book.Bids())
	_, found := book.BidSize(100.5)
	require.False(t, found)
	require.Equal(t, 2, p.CheckedOut())
}

func TestBracketingSkipsCoveredDeltas(t *testing.T) {
	r, p := newTestReconciler(Bracketing)
	_, err := r.ApplySnapshot(btc, buildUpdate(p, 50, 50, []level{{10, 1}}, nil))
	require.NoError(t, err)

	_, err = r.ApplyDelta(btc, buildUpdate(p, 40, 50, []level{{10, 9}}, nil))
	require.ErrorIs(t, err, ErrOutdated)

	book, err := r.ApplyDelta(btc, buildUpdate(p, 45, 55, []level{{10, 2}}, nil))
	require.NoError(t, err)
	require.Equal(t, uint64(55), book.LastUpdateID())
	require.Equal(t, []Level{{10, 2}}, book.Bids())
	require.Equal(t, 1, p.CheckedOut())
}

func TestStrictRequiresExactContinuation(t *testing.T) {
	r, p := newTestReconciler(Strict)
	_, err := r.ApplySnapshot(btc, buildUpdate(p, 50, 50, []level{{10, 1}}, nil))
	require.NoError(t, err)

	_, err = r.ApplyDelta(btc, buildUpdate(p, 51, 52, []level{{10, 2}}, nil))
	require.NoError(t, err)

	book, err := r.ApplyDelta(btc, buildUpdate(p, 52, 54, []level{{10, 3}}, nil))
	require.ErrorIs(t, err, errs.ErrSequenceGap)
	require.True(t, book.Stale())
}

func TestStrictBracketsFirstDeltaAfterSnapshot(t *testing.T) {
	r, p := newTestReconciler(Strict)
	_, err := r.ApplySnapshot(btc, buildUpdate(p, 100, 100, []level{{10, 1}}, nil))
	require.NoError(t, err)

	book, err := r.ApplyDelta(btc, buildUpdate(p, 95, 105, []level{{10, 2}}, nil))
	require.NoError(t, err)
	require.False(t, book.Stale())
	require.Equal(t, uint64(105), book.LastUpdateID())

	// Once synced the rule is exact again.
	_, err = r.ApplyDelta(btc, buildUpdate(p, 104, 108, []level{{10, 3}}, nil))
	require.ErrorIs(t, err, errs.ErrSequenceGap)

	// A fresh snapshot relaxes the first delta once more.
	_, err = r.ApplySnapshot(btc, buildUpdate(p, 110, 110, []level{{10, 4}}, nil))
	require.NoError(t, err)
	book, err = r.ApplyDelta(btc, buildUpdate(p, 109, 112, []level{{10, 5}}, nil))
	require.NoError(t, err)
	require.Equal(t, uint64(112), book.LastUpdateID())
	require.Equal(t, []Level{{10, 5}}, book.Bids())
	require.Equal(t, 1, p.CheckedOut())
}

func TestDeltasHeldWhileStaleReplayOnSnapshot(t *testing.T) {
	r, p := newTestReconciler(Bracketing)
	_, err := r.ApplySnapshot(btc, buildUpdate(p, 90, 90, []level{{10, 1}}, nil))
	require.NoError(t, err)

	_, err = r.ApplyDelta(btc, buildUpdate(p, 95, 100, []level{{9, 1}}, nil))
	require.ErrorIs(t, err, errs.ErrSequenceGap)
	_, err = r.ApplyDelta(btc, buildUpdate(p, 101, 110, []level{{11, 1}}, nil))
	require.ErrorIs(t, err, ErrBookStale)
	require.Equal(t, 2, r.Pending(btc))

	book, err := r.ApplySnapshot(btc, buildUpdate(p, 105, 105, []level{{10, 2}}, nil))
	require.NoError(t, err)
	require.False(t, book.Stale())
	require.Zero(t, r.Pending(btc))
	require.Equal(t, uint64(110), book.LastUpdateID())
	require.Equal(t, []Level{{11, 1}, {10, 2}}, book.Bids())

	book, err = r.ApplyDelta(btc, buildUpdate(p, 111, 120, []level{{12, 1}}, nil))
	require.NoError(t, err)
	require.False(t, book.Stale())
	require.Equal(t, uint64(120), book.LastUpdateID())
	require.Equal(t, 3, p.CheckedOut())
}

func TestReplayGapMarksStaleAgain(t *testing.T) {
	r, p := newTestReconciler(Bracketing)
	_, err := r.ApplySnapshot(btc, buildUpdate(p, 10, 10, []level{{10, 1}}, nil))
	require.NoError(t, err)
	_, err = r.ApplyDelta(btc, buildUpdate(p, 30, 31, []level{{9, 1}}, nil))
	require.ErrorIs(t, err, errs.ErrSequenceGap)
	_, err = r.ApplyDelta(btc, buildUpdate(p, 32, 33, []level{{8, 1}}, nil))
	require.ErrorIs(t, err, ErrBookStale)

	book, err := r.ApplySnapshot(btc, buildUpdate(p, 20, 20, []level{{10, 2}}, nil))
	require.ErrorIs(t, err, errs.ErrSequenceGap)
	require.True(t, book.Stale())
	require.Equal(t, 2, r.Pending(btc))

	r.Reset(btc)
	require.Zero(t, p.CheckedOut())
}

func TestHeldDeltasAreBounded(t *testing.T) {
	r, p := newTestReconciler(Bracketing)
	_, err := r.ApplyDelta(btc, buildUpdate(p, 1, 1, []level{{10, 1}}, nil))
	require.ErrorIs(t, err, errs.ErrSequenceGap)
	for i := uint64(2); i <= maxPendingDeltas+10; i++ {
		_, err = r.ApplyDelta(btc, buildUpdate(p, i, i, []level{{10, 1}}, nil))
		require.ErrorIs(t, err, ErrBookStale)
	}
	require.Equal(t, maxPendingDeltas, r.Pending(btc))
	require.Equal(t, maxPendingDeltas, p.CheckedOut())
}

func TestContiguityRules(t *testing.T) {
	tests := []struct {
		name        string
		rule        ContiguityRule
		last        uint64
		first, to   uint64
		wantVerdict Verdict
	}{
		{"bracketing exact", Bracketing, 10, 11, 12, VerdictApply},
		{"bracketing overlap", Bracketing, 10, 8, 12, VerdictApply},
		{"bracketing old", Bracketing, 10, 5, 10, VerdictSkip},
		{"bracketing gap", Bracketing, 10, 12, 13, VerdictGap},
		{"strict exact", Strict, 10, 11, 11, VerdictApply},
		{"strict overlap", Strict, 10, 9, 12, VerdictGap},
		{"strict old", Strict, 10, 9, 10, VerdictSkip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.rule(tt.last, &schema.BookUpdate{FirstID: tt.first, LastID: tt.to, Sequenced: true})
			require.Equal(t, tt.wantVerdict, got)
		})
	}
}

func TestDeltaBeforeSnapshot(t *testing.T) {
	r, p := newTestReconciler(Bracketing)

	book, err := r.ApplyDelta(btc, buildUpdate(p, 1, 2, []level{{10, 1}}, nil))
	require.ErrorIs(t, err, errs.ErrSequenceGap)
	require.True(t, book.Stale())

	eth := schema.MustSymbol("ETH-USDT")
	book, err = r.ApplyDelta(eth, buildUpdate(p, 0, 0, []level{{10, 1}}, nil))
	require.NoError(t, err)
	require.False(t, book.Stale())
	require.Equal(t, 1, r.Pending(btc))
	require.Equal(t, 2, p.CheckedOut())

	// The held delta is covered by the snapshot and handed back.
	_, err = r.ApplySnapshot(btc, buildUpdate(p, 5, 5, []level{{11, 1}}, nil))
	require.NoError(t, err)
	require.Zero(t, r.Pending(btc))
	require.Equal(t, 2, p.CheckedOut())
}

func TestOlderSnapshotIgnoredWhenHealthy(t *testing.T) {
	r, p := newTestReconciler(Bracketing)
	_, err := r.ApplySnapshot(btc, buildUpdate(p, 20, 20, []level{{10, 1}}, nil))
	require.NoError(t, err)

	book, err := r.ApplySnapshot(btc, buildUpdate(p, 15, 15, []level{{9, 1}}, nil))
	require.ErrorIs(t, err, ErrOutdated)
	require.Equal(t, uint64(20), book.LastUpdateID())
	require.Equal(t, []Level{{10, 1}}, book.Bids())
	require.Equal(t, 1, p.CheckedOut())
}

func TestResetReleasesEntries(t *testing.T) {
	r, p := newTestReconciler(Bracketing)
	_, err := r.ApplySnapshot(btc, buildUpdate(p, 1, 1, []level{{10, 1}, {9, 1}}, []level{{11, 1}}))
	require.NoError(t, err)
	require.Equal(t, 3, p.CheckedOut())

	r.ResetAll()
	require.Zero(t, p.CheckedOut())
	_, ok := r.Book(btc)
	require.False(t, ok)
}

func TestApplyRoutesByKind(t *testing.T) {
	r, p := newTestReconciler(Bracketing)
	book, err := r.Apply(schema.Message{
		Kind:    schema.KindOrderBookSnapshot,
		Symbol:  btc,
		Payload: buildUpdate(p, 3, 3, []level{{10, 1}}, nil),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(3), book.LastUpdateID())

	_, err = r.Apply(schema.Message{Kind: schema.KindTrades, Symbol: btc})
	require.ErrorIs(t, err, errs.ErrInvalid)
}
