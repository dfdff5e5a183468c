package data

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"

	"github.com/paradigm-network/paradigm-engine/engine"
	"github.com/paradigm-network/paradigm-engine/state"
)

// ErrEmptyBatch is returned when converting a batch without transactions.
var ErrEmptyBatch = errors.New("empty batch")

// Converter converts between Arrow records and engine types.
type Converter struct {
	allocator memory.Allocator
}

// NewConverter creates a new Converter with the default memory allocator.
func NewConverter() *Converter {
	return &Converter{allocator: memory.DefaultAllocator}
}

// NewConverterWithAllocator creates a Converter with a custom allocator.
func NewConverterWithAllocator(mem memory.Allocator) *Converter {
	return &Converter{allocator: mem}
}

// TransactionsToRecord converts a batch of transactions to an Arrow record.
func (c *Converter) TransactionsToRecord(txs []*engine.Transaction) (arrow.Record, error) {
	if len(txs) == 0 {
		return nil, ErrEmptyBatch
	}

	builder := array.NewRecordBuilder(c.allocator, TransactionSchema())
	defer builder.Release()

	idBuilder := builder.Field(0).(*array.FixedSizeBinaryBuilder)
	fromBuilder := builder.Field(1).(*array.FixedSizeBinaryBuilder)
	toBuilder := builder.Field(2).(*array.FixedSizeBinaryBuilder)
	valueBuilder := builder.Field(3).(*array.Uint64Builder)
	feeBuilder := builder.Field(4).(*array.Uint64Builder)
	gasBuilder := builder.Field(5).(*array.Uint64Builder)
	nonceBuilder := builder.Field(6).(*array.Uint64Builder)
	payloadBuilder := builder.Field(7).(*array.BinaryBuilder)
	accessBuilder := builder.Field(8).(*array.ListBuilder)
	timestampBuilder := builder.Field(9).(*array.TimestampBuilder)

	entryBuilder := accessBuilder.ValueBuilder().(*array.StructBuilder)
	entryAddr := entryBuilder.FieldBuilder(0).(*array.FixedSizeBinaryBuilder)
	entryWrite := entryBuilder.FieldBuilder(1).(*array.BooleanBuilder)

	for i, tx := range txs {
		if tx == nil {
			return nil, fmt.Errorf("%w: nil transaction at index %d", engine.ErrInvalidTransaction, i)
		}
		idBuilder.Append(tx.ID[:])
		fromBuilder.Append(tx.From[:])
		if tx.To != nil {
			toBuilder.Append(tx.To[:])
		} else {
			toBuilder.AppendNull()
		}
		valueBuilder.Append(tx.Value)
		feeBuilder.Append(tx.Fee)
		gasBuilder.Append(tx.GasLimit)
		nonceBuilder.Append(tx.Nonce)

		if tx.Payload != nil {
			payloadBuilder.Append(tx.Payload)
		} else {
			payloadBuilder.AppendNull()
		}

		if len(tx.AccessList) > 0 {
			accessBuilder.Append(true)
			for _, acc := range tx.AccessList {
				entryBuilder.Append(true)
				entryAddr.Append(acc.Address[:])
				entryWrite.Append(acc.Write)
			}
		} else {
			accessBuilder.AppendNull()
		}

		timestampBuilder.Append(arrow.Timestamp(tx.Timestamp.UnixNano()))
	}

	return builder.NewRecord(), nil
}

// RecordToTransactions converts an Arrow record back to transactions.
func (c *Converter) RecordToTransactions(record arrow.Record) ([]*engine.Transaction, error) {
	if err := ValidateSchema(record, TransactionSchema()); err != nil {
		return nil, err
	}

	idCol := record.Column(0).(*array.FixedSizeBinary)
	fromCol := record.Column(1).(*array.FixedSizeBinary)
	toCol := record.Column(2).(*array.FixedSizeBinary)
	valueCol := record.Column(3).(*array.Uint64)
	feeCol := record.Column(4).(*array.Uint64)
	gasCol := record.Column(5).(*array.Uint64)
	nonceCol := record.Column(6).(*array.Uint64)
	payloadCol := record.Column(7).(*array.Binary)
	accessCol := record.Column(8).(*array.List)
	timestampCol := record.Column(9).(*array.Timestamp)

	entries := accessCol.ListValues().(*array.Struct)
	entryAddr := entries.Field(0).(*array.FixedSizeBinary)
	entryWrite := entries.Field(1).(*array.Boolean)

	txs := make([]*engine.Transaction, record.NumRows())
	for i := range txs {
		if idCol.IsNull(i) || fromCol.IsNull(i) {
			return nil, fmt.Errorf("%w: row %d lacks id or sender", engine.ErrInvalidTransaction, i)
		}
		id, err := uuid.FromBytes(idCol.Value(i))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}

		tx := &engine.Transaction{
			ID:        id,
			From:      state.BytesToAddress(fromCol.Value(i)),
			Value:     valueCol.Value(i),
			Fee:       feeCol.Value(i),
			GasLimit:  gasCol.Value(i),
			Nonce:     nonceCol.Value(i),
			Timestamp: time.Unix(0, int64(timestampCol.Value(i))).UTC(),
		}
		if !toCol.IsNull(i) {
			to := state.BytesToAddress(toCol.Value(i))
			tx.To = &to
		}
		if !payloadCol.IsNull(i) {
			tx.Payload = bytes.Clone(payloadCol.Value(i))
		}
		if !accessCol.IsNull(i) {
			start, end := accessCol.ValueOffsets(i)
			tx.AccessList = make([]engine.Access, 0, end-start)
			for j := int(start); j < int(end); j++ {
				tx.AccessList = append(tx.AccessList, engine.Access{
					Address: state.BytesToAddress(entryAddr.Value(j)),
					Write:   entryWrite.Value(j),
				})
			}
		}
		txs[i] = tx
	}
	return txs, nil
}

// ResultsToRecord converts execution results to an Arrow record. An empty
// slice yields a record without rows.
func (c *Converter) ResultsToRecord(results []*engine.ExecutionResult) (arrow.Record, error) {
	builder := array.NewRecordBuilder(c.allocator, ExecutionResultSchema())
	defer builder.Release()

	idBuilder := builder.Field(0).(*array.FixedSizeBinaryBuilder)
	successBuilder := builder.Field(1).(*array.BooleanBuilder)
	gasBuilder := builder.Field(2).(*array.Uint64Builder)
	timeBuilder := builder.Field(3).(*array.DurationBuilder)
	errBuilder := builder.Field(4).(*array.StringBuilder)
	waveBuilder := builder.Field(5).(*array.Int32Builder)
	changesBuilder := builder.Field(6).(*array.ListBuilder)

	changeBuilder := changesBuilder.ValueBuilder().(*array.StructBuilder)
	changeAddr := changeBuilder.FieldBuilder(0).(*array.FixedSizeBinaryBuilder)
	changeField := changeBuilder.FieldBuilder(1).(*array.StringBuilder)
	changeOld := changeBuilder.FieldBuilder(2).(*array.BinaryBuilder)
	changeNew := changeBuilder.FieldBuilder(3).(*array.BinaryBuilder)

	for i, r := range results {
		if r == nil {
			return nil, fmt.Errorf("nil result at index %d", i)
		}
		idBuilder.Append(r.TransactionID[:])
		successBuilder.Append(r.Success)
		gasBuilder.Append(r.GasUsed)
		timeBuilder.Append(arrow.Duration(r.ExecutionTime))
		if r.Error != "" {
			errBuilder.Append(r.Error)
		} else {
			errBuilder.AppendNull()
		}
		waveBuilder.Append(int32(r.Wave))

		if len(r.StateChanges) > 0 {
			changesBuilder.Append(true)
			for _, sc := range r.StateChanges {
				changeBuilder.Append(true)
				changeAddr.Append(sc.Address[:])
				changeField.Append(sc.Field)
				appendNullable(changeOld, sc.OldValue)
				appendNullable(changeNew, sc.NewValue)
			}
		} else {
			changesBuilder.AppendNull()
		}
	}

	return builder.NewRecord(), nil
}

func appendNullable(b *array.BinaryBuilder, v []byte) {
	if v == nil {
		b.AppendNull()
		return
	}
	b.Append(v)
}

// RecordToResults converts an Arrow record back to execution results.
func (c *Converter) RecordToResults(record arrow.Record) ([]*engine.ExecutionResult, error) {
	if err := ValidateSchema(record, ExecutionResultSchema()); err != nil {
		return nil, err
	}

	idCol := record.Column(0).(*array.FixedSizeBinary)
	successCol := record.Column(1).(*array.Boolean)
	gasCol := record.Column(2).(*array.Uint64)
	timeCol := record.Column(3).(*array.Duration)
	errCol := record.Column(4).(*array.String)
	waveCol := record.Column(5).(*array.Int32)
	changesCol := record.Column(6).(*array.List)

	changes := changesCol.ListValues().(*array.Struct)
	changeAddr := changes.Field(0).(*array.FixedSizeBinary)
	changeField := changes.Field(1).(*array.String)
	changeOld := changes.Field(2).(*array.Binary)
	changeNew := changes.Field(3).(*array.Binary)

	results := make([]*engine.ExecutionResult, record.NumRows())
	for i := range results {
		id, err := uuid.FromBytes(idCol.Value(i))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		r := &engine.ExecutionResult{
			TransactionID: id,
			Success:       successCol.Value(i),
			GasUsed:       gasCol.Value(i),
			ExecutionTime: time.Duration(timeCol.Value(i)),
			Wave:          int(waveCol.Value(i)),
		}
		if !errCol.IsNull(i) {
			r.Error = errCol.Value(i)
		}
		if !changesCol.IsNull(i) {
			start, end := changesCol.ValueOffsets(i)
			r.StateChanges = make([]state.StateChange, 0, end-start)
			for j := int(start); j < int(end); j++ {
				sc := state.StateChange{
					Address: state.BytesToAddress(changeAddr.Value(j)),
					Field:   changeField.Value(j),
				}
				if !changeOld.IsNull(j) {
					sc.OldValue = bytes.Clone(changeOld.Value(j))
				}
				if !changeNew.IsNull(j) {
					sc.NewValue = bytes.Clone(changeNew.Value(j))
				}
				r.StateChanges = append(r.StateChanges, sc)
			}
		}
		results[i] = r
	}
	return results, nil
}

// JSONToRecord converts a JSON array of transactions to an Arrow record.
func (c *Converter) JSONToRecord(jsonData []byte) (arrow.Record, error) {
	txs, err := ParseTransactionsJSON(jsonData)
	if err != nil {
		return nil, err
	}
	return c.TransactionsToRecord(txs)
}

// RecordToJSON converts a transaction record back to JSON bytes.
func (c *Converter) RecordToJSON(record arrow.Record) ([]byte, error) {
	if record == nil || record.NumRows() == 0 {
		return []byte("[]"), nil
	}
	txs, err := c.RecordToTransactions(record)
	if err != nil {
		return nil, err
	}
	return json.Marshal(txs)
}

// ParseTransactionsJSON decodes a JSON array of transactions. Every
// transaction must carry an id and a sender.
func ParseTransactionsJSON(jsonData []byte) ([]*engine.Transaction, error) {
	var txs []*engine.Transaction
	if err := json.Unmarshal(jsonData, &txs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	for i, tx := range txs {
		if tx == nil {
			return nil, fmt.Errorf("%w: null at index %d", engine.ErrInvalidTransaction, i)
		}
		if err := tx.Validate(); err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
	}
	return txs, nil
}

// ValidateSchema checks if a record matches the expected schema.
func ValidateSchema(record arrow.Record, expected *arrow.Schema) error {
	if record == nil {
		return errors.New("record is nil")
	}

	actual := record.Schema()
	if actual.NumFields() != expected.NumFields() {
		return fmt.Errorf("field count mismatch: got %d, expected %d",
			actual.NumFields(), expected.NumFields())
	}

	for i := 0; i < actual.NumFields(); i++ {
		actualField := actual.Field(i)
		expectedField := expected.Field(i)

		if actualField.Name != expectedField.Name {
			return fmt.Errorf("field %d name mismatch: got %s, expected %s",
				i, actualField.Name, expectedField.Name)
		}

		if !arrow.TypeEqual(actualField.Type, expectedField.Type) {
			return fmt.Errorf("field %s type mismatch: got %s, expected %s",
				actualField.Name, actualField.Type, expectedField.Type)
		}
	}

	return nil
}
