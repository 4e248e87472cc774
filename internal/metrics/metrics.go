// Package metrics provides interfaces and implementations for collecting
// proxy metrics. This package defines the Collector interface for
// recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Stats is a point-in-time snapshot of the process-wide counters, read by
// the management channel's STATS command.
type Stats struct {
	ConcurrentConnections int64
	HistoricalAccesses    int64
	TransferredBytes      int64
	RetrievedMessages     int64
}

// Collector defines the interface for recording proxy metrics.
type Collector interface {
	// ConnectionOpened records a client accept: bumps both the historical
	// access counter and the concurrency gauge.
	ConnectionOpened()
	// ConnectionClosed records the end of a session.
	ConnectionClosed()

	// BytesTransferred records payload bytes sent to a client.
	BytesTransferred(n int64)

	// MessageRetrieved records one completed RETR delivery.
	MessageRetrieved()

	// Snapshot returns the current counter values.
	Snapshot() Stats
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
