package adapters

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-streams/errs"
	"github.com/coachpo/meltica-streams/internal/domain/schema"
	"github.com/coachpo/meltica-streams/internal/infra/adapters/shared"
	"github.com/coachpo/meltica-streams/internal/stream/streamtest"
)

func TestRegisterDefaults(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterDefaults(reg))
	require.Equal(t, []string{"binance", "gateio", "mexc"}, reg.Names())

	err := RegisterDefaults(reg)
	require.ErrorIs(t, err, errs.ErrInvalid)
}

func TestBuildEveryExchange(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterDefaults(reg))
	btc := schema.MustSymbol("BTC-USDT")

	for _, name := range reg.Names() {
		t.Run(name, func(t *testing.T) {
			s, err := reg.Build(name, shared.Params{Dialer: &streamtest.FakeDialer{}})
			require.NoError(t, err)
			require.NotNil(t, s.Connection)
			require.NotNil(t, s.Subscriptions)
			require.NotNil(t, s.Parser)
			require.NotNil(t, s.Contiguity)
			require.NotNil(t, s.Depth)
			require.Equal(t, name, s.Connection.Exchange())

			msgs, err := s.Subscriptions.BuildMessages(schema.ActionSubscribe, []schema.Symbol{btc}, []schema.Channel{schema.ChannelBookTicker})
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			require.Contains(t, string(msgs[0]), s.Symbols.Encode(btc))
		})
	}
}

func TestBuildErrors(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterDefaults(reg))

	_, err := reg.Build("kraken", shared.Params{})
	require.ErrorIs(t, err, errs.ErrInvalid)

	_, err = reg.Build(" MEXC ", shared.Params{Domain: shared.DomainPrivate})
	require.ErrorIs(t, err, errs.ErrAuth)

	require.ErrorIs(t, reg.Register("", func(shared.Params) (shared.Strategies, error) { return shared.Strategies{}, nil }), errs.ErrInvalid)
	require.ErrorIs(t, reg.Register("x", nil), errs.ErrInvalid)
}
