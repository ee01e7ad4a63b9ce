package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TransportCCMetrics exports transport-wide congestion control activity.
type TransportCCMetrics struct {
	promFeedback  *prometheus.CounterVec
	promTagged    prometheus.Counter
	promUnmatched prometheus.Counter
	promEstimate  prometheus.Gauge
	promRTT       prometheus.Gauge
}

func NewTransportCCMetrics(reg prometheus.Registerer, transportID string) *TransportCCMetrics {
	labels := prometheus.Labels{"transport_id": transportID}
	m := &TransportCCMetrics{
		promFeedback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   transportNamespace,
			Subsystem:   "twcc",
			Name:        "feedback",
			ConstLabels: labels,
		}, []string{"direction", "status"}),
		promTagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   transportNamespace,
			Subsystem:   "twcc",
			Name:        "tagged_packets",
			ConstLabels: labels,
		}),
		promUnmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   transportNamespace,
			Subsystem:   "twcc",
			Name:        "unmatched_reports",
			ConstLabels: labels,
		}),
		promEstimate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   transportNamespace,
			Subsystem:   "bwe",
			Name:        "estimate_bps",
			ConstLabels: labels,
		}),
		promRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   transportNamespace,
			Subsystem:   "bwe",
			Name:        "rtt_ms",
			ConstLabels: labels,
		}),
	}
	register(reg, m.promFeedback, m.promTagged, m.promUnmatched, m.promEstimate, m.promRTT)
	return m
}

func (m *TransportCCMetrics) FeedbackSent() {
	if m == nil {
		return
	}
	m.promFeedback.WithLabelValues(string(Outgoing), "sent").Inc()
}

func (m *TransportCCMetrics) FeedbackDropped() {
	if m == nil {
		return
	}
	m.promFeedback.WithLabelValues(string(Outgoing), "dropped").Inc()
}

func (m *TransportCCMetrics) FeedbackReceived() {
	if m == nil {
		return
	}
	m.promFeedback.WithLabelValues(string(Incoming), "received").Inc()
}

func (m *TransportCCMetrics) PacketTagged() {
	if m == nil {
		return
	}
	m.promTagged.Inc()
}

func (m *TransportCCMetrics) ReportUnmatched(count int) {
	if m == nil {
		return
	}
	m.promUnmatched.Add(float64(count))
}

func (m *TransportCCMetrics) SetEstimate(bps int64) {
	if m == nil {
		return
	}
	m.promEstimate.Set(float64(bps))
}

func (m *TransportCCMetrics) SetRTT(ms int64) {
	if m == nil {
		return
	}
	m.promRTT.Set(float64(ms))
}
