package schema

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-streams/errs"
)

func TestParseSymbol(t *testing.T) {
	tests := []struct {
		raw  string
		want Symbol
	}{
		{"BTC-USDT", Symbol{Base: "BTC", Quote: "USDT"}},
		{"btc/usdt", Symbol{Base: "BTC", Quote: "USDT"}},
		{"ETH_BTC", Symbol{Base: "ETH", Quote: "BTC"}},
		{"BTC-USDT-PERP", Symbol{Base: "BTC", Quote: "USDT", Derivative: true}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseSymbol(tt.raw)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseSymbolRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "BTCUSDT", "BTC-", "A-B-C"} {
		_, err := ParseSymbol(raw)
		require.ErrorIs(t, err, errs.ErrInvalid, raw)
	}
}

func TestSymbolIsMapKey(t *testing.T) {
	books := map[Symbol]int{MustSymbol("BTC-USDT"): 1}
	require.Equal(t, 1, books[NewSymbol("btc", "usdt")])
	require.Equal(t, "BTC-USDT-PERP", Symbol{Base: "BTC", Quote: "USDT", Derivative: true}.String())
}

func TestSubscriptionSet(t *testing.T) {
	btc := MustSymbol("BTC-USDT")
	set := SubscriptionSet{}
	subs := Expand([]Symbol{btc}, []Channel{ChannelTrades, ChannelBalances})
	require.Len(t, subs, 2)
	require.Equal(t, 2, set.Add(subs...))
	require.Zero(t, set.Add(subs...))
	require.True(t, set.Has(Subscription{Channel: ChannelBalances}))

	require.Equal(t, 1, set.Remove(Subscription{Symbol: btc, Channel: ChannelTrades}))
	require.Equal(t, []Subscription{{Channel: ChannelBalances}}, set.Sorted())
}

func TestChannelPrivate(t *testing.T) {
	require.True(t, ChannelOrders.Private())
	require.False(t, ChannelTrades.Private())
	require.False(t, Channel("bogus").Valid())
}

func TestConnectionStateTerminal(t *testing.T) {
	require.True(t, StateError.Terminal())
	require.True(t, StateDisconnected.Terminal())
	require.False(t, StateConnected.Terminal())
}
