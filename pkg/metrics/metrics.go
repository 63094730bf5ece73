// Package metrics exposes the transport and handshake runtime counters as
// Prometheus collectors, grounded on
// _examples/runZeroInc-sockstats/pkg/exporter.TCPInfoCollector: a small
// struct holding *prometheus.Desc fields plus atomic counters, registered
// once and scraped by the host's /metrics endpoint.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector tracks the transport and handshake runtime counters
// (in-flight frames, retransmits, dedupe hits, handshake outcomes) so a
// host process can register it with a prometheus.Registry.
type Collector struct {
	framesSent       uint64
	framesRetried    uint64
	dedupeDropped    uint64
	ackTimeouts      uint64
	inFlight         int64
	handshakesOK     uint64
	handshakesFailed uint64

	descSent       *prometheus.Desc
	descRetried    *prometheus.Desc
	descDedupe     *prometheus.Desc
	descAckTimeout *prometheus.Desc
	descInFlight   *prometheus.Desc
	descHandshake  *prometheus.Desc
}

// New creates a Collector; call prometheus.MustRegister(c) to wire it
// into a registry.
func New() *Collector {
	return &Collector{
		descSent:       prometheus.NewDesc("espnow_frames_sent_total", "Frames handed to the radio primitive", nil, nil),
		descRetried:    prometheus.NewDesc("espnow_frames_retried_total", "Retransmission attempts", nil, nil),
		descDedupe:     prometheus.NewDesc("espnow_dedupe_dropped_total", "Frames dropped by the duplicate cache", nil, nil),
		descAckTimeout: prometheus.NewDesc("espnow_ack_timeouts_total", "Unicast sends that exhausted their ack wait", nil, nil),
		descInFlight:   prometheus.NewDesc("espnow_frames_in_flight", "Frames handed to the radio but not yet send-complete", nil, nil),
		descHandshake:  prometheus.NewDesc("espnow_handshakes_total", "Key handshakes by outcome", []string{"outcome"}, nil),
	}
}

func (c *Collector) IncSent()            { atomic.AddUint64(&c.framesSent, 1) }
func (c *Collector) IncRetried()         { atomic.AddUint64(&c.framesRetried, 1) }
func (c *Collector) IncDedupeDropped()   { atomic.AddUint64(&c.dedupeDropped, 1) }
func (c *Collector) IncAckTimeout()      { atomic.AddUint64(&c.ackTimeouts, 1) }
func (c *Collector) IncHandshakeOK()     { atomic.AddUint64(&c.handshakesOK, 1) }
func (c *Collector) IncHandshakeFailed() { atomic.AddUint64(&c.handshakesFailed, 1) }
func (c *Collector) AdjustInFlight(delta int64) {
	atomic.AddInt64(&c.inFlight, delta)
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.descSent
	ch <- c.descRetried
	ch <- c.descDedupe
	ch <- c.descAckTimeout
	ch <- c.descInFlight
	ch <- c.descHandshake
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.descSent, prometheus.CounterValue, float64(atomic.LoadUint64(&c.framesSent)))
	ch <- prometheus.MustNewConstMetric(c.descRetried, prometheus.CounterValue, float64(atomic.LoadUint64(&c.framesRetried)))
	ch <- prometheus.MustNewConstMetric(c.descDedupe, prometheus.CounterValue, float64(atomic.LoadUint64(&c.dedupeDropped)))
	ch <- prometheus.MustNewConstMetric(c.descAckTimeout, prometheus.CounterValue, float64(atomic.LoadUint64(&c.ackTimeouts)))
	ch <- prometheus.MustNewConstMetric(c.descInFlight, prometheus.GaugeValue, float64(atomic.LoadInt64(&c.inFlight)))
	ch <- prometheus.MustNewConstMetric(c.descHandshake, prometheus.CounterValue, float64(atomic.LoadUint64(&c.handshakesOK)), "ok")
	ch <- prometheus.MustNewConstMetric(c.descHandshake, prometheus.CounterValue, float64(atomic.LoadUint64(&c.handshakesFailed)), "failed")
}
