// Package metrics implements a [prometheus.Collector] satisfying
// rdt.Metrics, grounded on the Describe/Collect shape of
// runZeroInc-sockstats's pkg/exporter/exporter.go (TCPInfoCollector),
// restyled around RDT's own small counter set rather than a
// polled-per-connection tcpinfo snapshot: every counter here is already
// live, so Collect simply forwards to the underlying prometheus
// collectors instead of re-deriving values from external state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
)

// Collector accumulates RDT protocol-level counters and exposes them to
// Prometheus. It implements the rdt.Metrics interface directly, so a
// Collector can be passed as [rdt.Config.Metrics] without adaptation.
type Collector struct {
	id xid.ID

	segmentsSent     prometheus.Counter
	segmentsReceived prometheus.Counter
	retransmits      prometheus.Counter
	dropped          *prometheus.CounterVec
	bytesSent        prometheus.Counter
	bytesReceived    prometheus.Counter
	connectionsOpen  prometheus.Gauge
	connectionsTotal prometheus.Counter
}

// New returns a ready to use Collector. prefix namespaces the exported
// metric names, e.g. "rdt" yields "rdt_segments_sent_total".
func New(prefix string, constLabels prometheus.Labels) *Collector {
	c := &Collector{
		id: xid.New(),
		segmentsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        prefix + "_segments_sent_total",
			Help:        "Total number of RDT segments transmitted.",
			ConstLabels: constLabels,
		}),
		segmentsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        prefix + "_segments_received_total",
			Help:        "Total number of RDT segments received (before checksum verification).",
			ConstLabels: constLabels,
		}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        prefix + "_retransmits_total",
			Help:        "Total number of retransmissions triggered by a T_retx timeout.",
			ConstLabels: constLabels,
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        prefix + "_dropped_total",
			Help:        "Total number of segments dropped, labeled by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        prefix + "_bytes_sent_total",
			Help:        "Total number of wire bytes transmitted, header included.",
			ConstLabels: constLabels,
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        prefix + "_bytes_received_total",
			Help:        "Total number of wire bytes received, header included.",
			ConstLabels: constLabels,
		}),
		connectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        prefix + "_connections_open",
			Help:        "Number of currently established connections.",
			ConstLabels: constLabels,
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        prefix + "_connections_opened_total",
			Help:        "Total number of connections that reached CONNECTED.",
			ConstLabels: constLabels,
		}),
	}
	return c
}

// ID returns the collector instance's unique identifier, useful for
// correlating exported metrics with a particular protocol instance when
// several run in the same process.
func (c *Collector) ID() xid.ID { return c.id }

// Describe implements [prometheus.Collector].
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	c.segmentsSent.Describe(descs)
	c.segmentsReceived.Describe(descs)
	c.retransmits.Describe(descs)
	c.dropped.Describe(descs)
	c.bytesSent.Describe(descs)
	c.bytesReceived.Describe(descs)
	c.connectionsOpen.Describe(descs)
	c.connectionsTotal.Describe(descs)
}

// Collect implements [prometheus.Collector].
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.segmentsSent.Collect(metrics)
	c.segmentsReceived.Collect(metrics)
	c.retransmits.Collect(metrics)
	c.dropped.Collect(metrics)
	c.bytesSent.Collect(metrics)
	c.bytesReceived.Collect(metrics)
	c.connectionsOpen.Collect(metrics)
	c.connectionsTotal.Collect(metrics)
}

// SegmentSent implements rdt.Metrics.
func (c *Collector) SegmentSent(bytes int) {
	c.segmentsSent.Inc()
	c.bytesSent.Add(float64(bytes))
}

// SegmentReceived implements rdt.Metrics.
func (c *Collector) SegmentReceived(bytes int) {
	c.segmentsReceived.Inc()
	c.bytesReceived.Add(float64(bytes))
}

// Retransmit implements rdt.Metrics.
func (c *Collector) Retransmit() { c.retransmits.Inc() }

// Dropped implements rdt.Metrics.
func (c *Collector) Dropped(reason string) { c.dropped.WithLabelValues(reason).Inc() }

// ConnectionOpened implements rdt.Metrics.
func (c *Collector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsOpen.Inc()
}

// ConnectionClosed implements rdt.Metrics.
func (c *Collector) ConnectionClosed() {
	c.connectionsOpen.Dec()
}
