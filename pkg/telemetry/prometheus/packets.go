package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

var promPacketLabels = []string{"direction"}

// PacketMetrics counts RTP/RTCP traffic through one transport.
type PacketMetrics struct {
	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64

	promPacketTotal *prometheus.CounterVec
	promPacketBytes *prometheus.CounterVec
	promNackTotal   *prometheus.CounterVec
	promRtxTotal    prometheus.Counter
}

func NewPacketMetrics(reg prometheus.Registerer, transportID string) *PacketMetrics {
	labels := prometheus.Labels{"transport_id": transportID}
	m := &PacketMetrics{
		promPacketTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   transportNamespace,
			Subsystem:   "packet",
			Name:        "total",
			ConstLabels: labels,
		}, promPacketLabels),
		promPacketBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   transportNamespace,
			Subsystem:   "packet",
			Name:        "bytes",
			ConstLabels: labels,
		}, promPacketLabels),
		promNackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   transportNamespace,
			Subsystem:   "nack",
			Name:        "total",
			ConstLabels: labels,
		}, promPacketLabels),
		promRtxTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   transportNamespace,
			Subsystem:   "retransmission",
			Name:        "total",
			ConstLabels: labels,
		}),
	}
	register(reg, m.promPacketTotal, m.promPacketBytes, m.promNackTotal, m.promRtxTotal)
	return m
}

func (m *PacketMetrics) IncrementPackets(direction Direction, count uint64, bytes uint64) {
	if m == nil {
		return
	}
	m.promPacketTotal.WithLabelValues(string(direction)).Add(float64(count))
	m.promPacketBytes.WithLabelValues(string(direction)).Add(float64(bytes))
	if direction == Incoming {
		m.packetsIn.Add(count)
		m.bytesIn.Add(bytes)
	} else {
		m.packetsOut.Add(count)
		m.bytesOut.Add(bytes)
	}
}

func (m *PacketMetrics) IncrementNack(direction Direction, count uint64) {
	if m == nil {
		return
	}
	m.promNackTotal.WithLabelValues(string(direction)).Add(float64(count))
}

func (m *PacketMetrics) IncrementRetransmissions(count uint64) {
	if m == nil {
		return
	}
	m.promRtxTotal.Add(float64(count))
}

func (m *PacketMetrics) Totals() (packetsIn, packetsOut, bytesIn, bytesOut uint64) {
	if m == nil {
		return
	}
	return m.packetsIn.Load(), m.packetsOut.Load(), m.bytesIn.Load(), m.bytesOut.Load()
}
