package state

import (
	"strings"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestGenesisApply(t *testing.T) {
	raw := `{"` + addr(1).String() + `": "1000", "` + addr(2).String() + `": "115792089237316195423570985008687907853269984665640564039457584007913129639935"}`
	g, err := ReadGenesis(strings.NewReader(raw))
	require.NoError(t, err)
	require.Len(t, g, 2)

	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, SetBalance(st, addr(2), uint256.NewInt(7)))

			n, err := g.Apply(st)
			require.NoError(t, err)
			require.Equal(t, 1, n)

			b, err := GetBalance(st, addr(1))
			require.NoError(t, err)
			require.Equal(t, uint64(1000), b.Uint64())

			// existing balances are kept
			b, err = GetBalance(st, addr(2))
			require.NoError(t, err)
			require.Equal(t, uint64(7), b.Uint64())

			n, err = g.Apply(st)
			require.NoError(t, err)
			require.Zero(t, n)
		})
	}
}

func TestGenesisRejectsBadInput(t *testing.T) {
	_, err := ReadGenesis(strings.NewReader(`{"0x01": "1"}`))
	require.Error(t, err)

	g := Genesis{addr(1): "12abc"}
	_, err = g.Apply(NewMemState())
	require.Error(t, err)
}
