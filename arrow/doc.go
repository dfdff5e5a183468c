// Package arrow provides the Arrow IPC codec used on the wire by the ingress
// server, the report publisher and the stress tool.
// This package implements:
// - Record serialization to and from IPC streams
// - Transaction batches split into several record batches
// - Execution results as a single record batch
package arrow
