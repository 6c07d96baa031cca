// Package types defines the shared Go types exchanged between the estimator,
// its enrichment pipeline and the outer surfaces (REST, WebSocket, Kafka,
// history). These are the canonical in-memory representations of resource
// telemetry and emissions estimates.
package types
