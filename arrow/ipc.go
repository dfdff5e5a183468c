package arrow

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/paradigm-network/paradigm-engine/data"
	"github.com/paradigm-network/paradigm-engine/engine"
)

// ErrNoRecords is returned when an IPC stream carries no record batch.
var ErrNoRecords = errors.New("no records in IPC data")

// Codec reads and writes Arrow IPC streams.
type Codec struct {
	allocator memory.Allocator
	converter *data.Converter
}

// NewCodec creates a new Codec with the default memory allocator.
func NewCodec() *Codec {
	return NewCodecWithAllocator(memory.DefaultAllocator)
}

// NewCodecWithAllocator creates a Codec with a custom allocator.
func NewCodecWithAllocator(mem memory.Allocator) *Codec {
	return &Codec{
		allocator: mem,
		converter: data.NewConverterWithAllocator(mem),
	}
}

// SerializeToIPC serializes an Arrow Record to IPC bytes.
func (c *Codec) SerializeToIPC(record arrow.Record) ([]byte, error) {
	return c.SerializeMultipleToIPC([]arrow.Record{record})
}

// DeserializeFromIPC deserializes the first record of an IPC stream. The
// caller owns the returned record.
func (c *Codec) DeserializeFromIPC(payload []byte) (arrow.Record, error) {
	reader, err := ipc.NewReader(bytes.NewReader(payload), ipc.WithAllocator(c.allocator))
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if reader.Err() != nil {
			return nil, reader.Err()
		}
		return nil, ErrNoRecords
	}

	record := reader.Record()
	record.Retain()

	return record, nil
}

// SerializeMultipleToIPC serializes records sharing one schema to IPC bytes.
func (c *Codec) SerializeMultipleToIPC(records []arrow.Record) ([]byte, error) {
	if len(records) == 0 {
		return nil, ErrNoRecords
	}

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(records[0].Schema()), ipc.WithAllocator(c.allocator))

	for i, record := range records {
		if err := writer.Write(record); err != nil {
			_ = writer.Close()
			return nil, fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}

	return buf.Bytes(), nil
}

// DeserializeAllFromIPC deserializes every record of an IPC stream. The
// caller owns the returned records.
func (c *Codec) DeserializeAllFromIPC(payload []byte) ([]arrow.Record, error) {
	reader, err := ipc.NewReader(bytes.NewReader(payload), ipc.WithAllocator(c.allocator))
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}
	defer reader.Release()

	var records []arrow.Record
	for reader.Next() {
		record := reader.Record()
		record.Retain()
		records = append(records, record)
	}

	if reader.Err() != nil {
		// Release any records we've already retained
		releaseAll(records)
		return nil, reader.Err()
	}

	return records, nil
}

// EncodeTransactions writes txs as an IPC stream of record batches holding at
// most chunkSize rows each. A chunkSize <= 0 writes a single batch.
func (c *Codec) EncodeTransactions(txs []*engine.Transaction, chunkSize int) ([]byte, error) {
	if len(txs) == 0 {
		return nil, data.ErrEmptyBatch
	}
	if chunkSize <= 0 {
		chunkSize = len(txs)
	}

	var records []arrow.Record
	defer func() { releaseAll(records) }()

	for start := 0; start < len(txs); start += chunkSize {
		end := min(start+chunkSize, len(txs))
		record, err := c.converter.TransactionsToRecord(txs[start:end])
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return c.SerializeMultipleToIPC(records)
}

// DecodeTransactions reads every record batch of an IPC stream as one
// transaction batch, in stream order.
func (c *Codec) DecodeTransactions(payload []byte) ([]*engine.Transaction, error) {
	records, err := c.DeserializeAllFromIPC(payload)
	if err != nil {
		return nil, err
	}
	defer releaseAll(records)

	if len(records) == 0 {
		return nil, ErrNoRecords
	}

	var txs []*engine.Transaction
	for i, record := range records {
		batch, err := c.converter.RecordToTransactions(record)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		txs = append(txs, batch...)
	}
	return txs, nil
}

// EncodeResults writes results as a single-batch IPC stream.
func (c *Codec) EncodeResults(results []*engine.ExecutionResult) ([]byte, error) {
	record, err := c.converter.ResultsToRecord(results)
	if err != nil {
		return nil, err
	}
	defer record.Release()

	return c.SerializeToIPC(record)
}

// DecodeResults reads the results written by EncodeResults.
func (c *Codec) DecodeResults(payload []byte) ([]*engine.ExecutionResult, error) {
	record, err := c.DeserializeFromIPC(payload)
	if err != nil {
		return nil, err
	}
	defer record.Release()

	return c.converter.RecordToResults(record)
}

func releaseAll(records []arrow.Record) {
	for _, r := range records {
		r.Release()
	}
}
