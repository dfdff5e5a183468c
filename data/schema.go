package data

import (
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/paradigm-network/paradigm-engine/state"
)

// Widths of the fixed-size binary columns.
const (
	IDWidth      = 16
	AddressWidth = state.AddressLength
)

var (
	idType      = &arrow.FixedSizeBinaryType{ByteWidth: IDWidth}
	addressType = &arrow.FixedSizeBinaryType{ByteWidth: AddressWidth}
)

// accessStructFields returns the struct fields of one access-list entry.
func accessStructFields() []arrow.Field {
	return []arrow.Field{
		{Name: "address", Type: addressType},
		{Name: "write", Type: arrow.FixedWidthTypes.Boolean},
	}
}

// TransactionSchema returns the Arrow schema for a batch of transactions.
//
// Fields:
//   - id: fixed_size_binary[16] - Transaction UUID
//   - from: fixed_size_binary[32] - Sender address
//   - to: fixed_size_binary[32] (nullable) - Recipient address
//   - value: uint64 - Transferred amount
//   - fee: uint64 - Fee paid by the sender
//   - gas_limit: uint64 - Gas budget, zero for unlimited
//   - nonce: uint64 - Sender nonce
//   - payload: binary (nullable) - Opaque payload
//   - access_list: list<struct<address, write>> (nullable) - Declared accesses
//   - timestamp: timestamp[ns, UTC] - Arrival time
func TransactionSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "id", Type: idType},
			{Name: "from", Type: addressType},
			{Name: "to", Type: addressType, Nullable: true},
			{Name: "value", Type: arrow.PrimitiveTypes.Uint64},
			{Name: "fee", Type: arrow.PrimitiveTypes.Uint64},
			{Name: "gas_limit", Type: arrow.PrimitiveTypes.Uint64},
			{Name: "nonce", Type: arrow.PrimitiveTypes.Uint64},
			{Name: "payload", Type: arrow.BinaryTypes.Binary, Nullable: true},
			{
				Name:     "access_list",
				Type:     arrow.ListOf(arrow.StructOf(accessStructFields()...)),
				Nullable: true,
			},
			{Name: "timestamp", Type: arrow.FixedWidthTypes.Timestamp_ns},
		},
		nil,
	)
}

// stateChangeStructFields returns the struct fields of one state change.
func stateChangeStructFields() []arrow.Field {
	return []arrow.Field{
		{Name: "address", Type: addressType},
		{Name: "field", Type: arrow.BinaryTypes.String},
		{Name: "old_value", Type: arrow.BinaryTypes.Binary, Nullable: true},
		{Name: "new_value", Type: arrow.BinaryTypes.Binary, Nullable: true},
	}
}

// ExecutionResultSchema returns the Arrow schema for the results of a batch.
//
// Fields:
//   - transaction_id: fixed_size_binary[16] - Transaction UUID
//   - success: bool - Whether the transaction committed
//   - gas_used: uint64 - Gas charged
//   - execution_time: duration[ns] - Time spent executing
//   - error: string (nullable) - Failure reason
//   - wave: int32 - Wave the transaction ran in
//   - state_changes: list<struct<address, field, old_value, new_value>>
func ExecutionResultSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "transaction_id", Type: idType},
			{Name: "success", Type: arrow.FixedWidthTypes.Boolean},
			{Name: "gas_used", Type: arrow.PrimitiveTypes.Uint64},
			{Name: "execution_time", Type: arrow.FixedWidthTypes.Duration_ns},
			{Name: "error", Type: arrow.BinaryTypes.String, Nullable: true},
			{Name: "wave", Type: arrow.PrimitiveTypes.Int32},
			{
				Name:     "state_changes",
				Type:     arrow.ListOf(arrow.StructOf(stateChangeStructFields()...)),
				Nullable: true,
			},
		},
		nil,
	)
}
