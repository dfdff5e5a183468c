// Package network publishes batch outcomes over ZeroMQ.
// This package implements:
//   - Publisher: a PUB socket that is an engine.ReportSink
//   - Subscriber: a SUB socket decoding published outcomes
//
// Each outcome is a three-frame message: the topic, a JSON envelope with the
// batch report and an Arrow IPC stream of the execution results.
package network
