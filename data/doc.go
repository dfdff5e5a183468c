// Package data provides the Apache Arrow representation of engine batches.
// This package implements:
// - Arrow schema definitions for transactions and execution results
// - Converters between Arrow records and engine types
// - JSON to Arrow conversion for batch files
package data
