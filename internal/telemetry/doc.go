// Package telemetry wires OpenTelemetry tracing and metrics for voxchaind.
//
// Spans and metrics go to an OTLP collector over gRPC or http/protobuf.
// Export failures never stop the daemon; Health reports a degraded
// instance instead. NewTestTelemetry records everything in memory.
package telemetry
