package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAttributeHelpersDoNotAliasBase(t *testing.T) {
	base := StreamAttributes("test", "gateio", "public")
	require.Len(t, base, 3)

	a := MessageAttributes(base, "trades")
	b := ResultAttributes(base, ResultError)
	require.Len(t, a, 4)
	require.Len(t, b, 4)
	require.Equal(t, "trades", a[3].Value.AsString())
	require.Equal(t, ResultError, b[3].Value.AsString())
	require.Equal(t, AttrExchange, base[1].Key)
}
