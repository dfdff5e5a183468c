package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paradigm-network/paradigm-engine/state"
)

func TestTransferProcessor(t *testing.T) {
	st := state.NewMemState()
	fund(t, st, 100, 1)

	tx := transfer(1, 2, 30, 0)
	tx.Fee = 5
	tx.Payload = []byte{1, 2, 3}

	j := state.NewJournal(st)
	gas, err := TransferProcessor{}.Process(tx, j)
	require.NoError(t, err)
	require.Equal(t, TxBaseGas+3*TxPayloadByteGas, gas)
	require.Equal(t, gas, IntrinsicGas(tx))

	// nothing reaches the state before commit
	require.Equal(t, uint64(100), balanceOf(t, st, 1))
	require.NoError(t, j.Commit(st))

	require.Equal(t, uint64(65), balanceOf(t, st, 1))
	require.Equal(t, uint64(30), balanceOf(t, st, 2))
	require.Equal(t, uint64(1), nonceOf(t, st, 1))
	require.Equal(t, NewAddressSet(addr(1), addr(2)), AddressSet(j.WriteSet()))
}

func TestTransferProcessorFailures(t *testing.T) {
	st := state.NewMemState()
	fund(t, st, 100, 1)

	tests := []struct {
		name      string
		processor TransferProcessor
		mutate    func(tx *Transaction)
		want      error
	}{
		{
			name:   "insufficient balance",
			mutate: func(tx *Transaction) { tx.Value = 101 },
			want:   ErrInsufficientBalance,
		},
		{
			name:   "fee counts toward cost",
			mutate: func(tx *Transaction) { tx.Value, tx.Fee = 90, 11 },
			want:   ErrInsufficientBalance,
		},
		{
			name:   "cost overflow",
			mutate: func(tx *Transaction) { tx.Value, tx.Fee = ^uint64(0), ^uint64(0) },
			want:   ErrInsufficientBalance,
		},
		{
			name:   "gas limit",
			mutate: func(tx *Transaction) { tx.GasLimit = TxBaseGas - 1 },
			want:   ErrOutOfGas,
		},
		{
			name:      "strict nonce",
			processor: TransferProcessor{StrictNonce: true},
			mutate:    func(tx *Transaction) { tx.Nonce = 7 },
			want:      ErrNonceMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := transfer(1, 2, 1, 0)
			tt.mutate(tx)
			_, err := tt.processor.Process(tx, state.NewJournal(st))
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestTransferProcessorSelfTransfer(t *testing.T) {
	st := state.NewMemState()
	fund(t, st, 100, 1)

	tx := transfer(1, 1, 40, 0)
	tx.Fee = 1
	j := state.NewJournal(st)
	_, err := TransferProcessor{}.Process(tx, j)
	require.NoError(t, err)
	require.NoError(t, j.Commit(st))

	require.Equal(t, uint64(99), balanceOf(t, st, 1))
}

func TestTransferProcessorWithoutRecipient(t *testing.T) {
	st := state.NewMemState()
	fund(t, st, 100, 1)

	tx := transfer(1, 2, 10, 0)
	tx.To = nil
	j := state.NewJournal(st)
	_, err := TransferProcessor{}.Process(tx, j)
	require.NoError(t, err)
	require.Equal(t, NewAddressSet(addr(1)), AddressSet(j.WriteSet()))
}
