package metrics

import "sync/atomic"

// NoopCollector keeps the in-process counters without exporting them.
// The management STATS command still needs live values, so the counters
// themselves are always maintained.
type NoopCollector struct {
	concurrent  atomic.Int64
	historical  atomic.Int64
	transferred atomic.Int64
	retrieved   atomic.Int64
}

// ConnectionOpened implements Collector.
func (c *NoopCollector) ConnectionOpened() {
	c.historical.Add(1)
	c.concurrent.Add(1)
}

// ConnectionClosed implements Collector.
func (c *NoopCollector) ConnectionClosed() {
	c.concurrent.Add(-1)
}

// BytesTransferred implements Collector.
func (c *NoopCollector) BytesTransferred(n int64) {
	c.transferred.Add(n)
}

// MessageRetrieved implements Collector.
func (c *NoopCollector) MessageRetrieved() {
	c.retrieved.Add(1)
}

// Snapshot implements Collector.
func (c *NoopCollector) Snapshot() Stats {
	return Stats{
		ConcurrentConnections: c.concurrent.Load(),
		HistoricalAccesses:    c.historical.Load(),
		TransferredBytes:      c.transferred.Load(),
		RetrievedMessages:     c.retrieved.Load(),
	}
}
