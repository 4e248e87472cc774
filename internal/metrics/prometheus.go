package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus
// metrics, mirroring the counters into plain atomics so Snapshot stays
// cheap for the management STATS command.
type PrometheusCollector struct {
	connectionsActive prometheus.Gauge
	accessesTotal     prometheus.Counter
	transferredBytes  prometheus.Counter
	retrievedTotal    prometheus.Counter

	concurrent  atomic.Int64
	historical  atomic.Int64
	transferred atomic.Int64
	retrieved   atomic.Int64
}

// NewPrometheusCollector creates a new PrometheusCollector with all
// metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pop3proxy_connections_active",
			Help: "Number of currently active proxied sessions.",
		}),
		accessesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pop3proxy_accesses_total",
			Help: "Total number of client connections accepted.",
		}),
		transferredBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pop3proxy_transferred_bytes_total",
			Help: "Total payload bytes sent to clients.",
		}),
		retrievedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pop3proxy_messages_retrieved_total",
			Help: "Total number of messages retrieved through the proxy.",
		}),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.accessesTotal,
		c.transferredBytes,
		c.retrievedTotal,
	)

	return c
}

// ConnectionOpened implements Collector.
func (c *PrometheusCollector) ConnectionOpened() {
	c.historical.Add(1)
	c.concurrent.Add(1)
	c.accessesTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed implements Collector.
func (c *PrometheusCollector) ConnectionClosed() {
	c.concurrent.Add(-1)
	c.connectionsActive.Dec()
}

// BytesTransferred implements Collector.
func (c *PrometheusCollector) BytesTransferred(n int64) {
	c.transferred.Add(n)
	c.transferredBytes.Add(float64(n))
}

// MessageRetrieved implements Collector.
func (c *PrometheusCollector) MessageRetrieved() {
	c.retrieved.Add(1)
	c.retrievedTotal.Inc()
}

// Snapshot implements Collector.
func (c *PrometheusCollector) Snapshot() Stats {
	return Stats{
		ConcurrentConnections: c.concurrent.Load(),
		HistoricalAccesses:    c.historical.Load(),
		TransferredBytes:      c.transferred.Load(),
		RetrievedMessages:     c.retrieved.Load(),
	}
}
