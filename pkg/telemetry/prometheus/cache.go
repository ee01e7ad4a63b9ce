package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CacheMetrics exports retransmission cache activity.
type CacheMetrics struct {
	promLookups  *prometheus.CounterVec
	promInserted prometheus.Counter
	promEvicted  *prometheus.CounterVec
	promRejected prometheus.Counter
	promBytes    prometheus.Gauge
	promPackets  prometheus.Gauge
	promSources  prometheus.Gauge
}

func NewCacheMetrics(reg prometheus.Registerer, transportID string) *CacheMetrics {
	labels := prometheus.Labels{"transport_id": transportID}
	m := &CacheMetrics{
		promLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   transportNamespace,
			Subsystem:   "packet_cache",
			Name:        "lookups",
			ConstLabels: labels,
		}, []string{"result"}),
		promInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   transportNamespace,
			Subsystem:   "packet_cache",
			Name:        "inserted",
			ConstLabels: labels,
		}),
		promEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   transportNamespace,
			Subsystem:   "packet_cache",
			Name:        "evicted",
			ConstLabels: labels,
		}, []string{"reason"}),
		promRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   transportNamespace,
			Subsystem:   "packet_cache",
			Name:        "rejected_sources",
			ConstLabels: labels,
		}),
		promBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   transportNamespace,
			Subsystem:   "packet_cache",
			Name:        "bytes",
			ConstLabels: labels,
		}),
		promPackets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   transportNamespace,
			Subsystem:   "packet_cache",
			Name:        "packets",
			ConstLabels: labels,
		}),
		promSources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   transportNamespace,
			Subsystem:   "packet_cache",
			Name:        "sources",
			ConstLabels: labels,
		}),
	}
	register(reg, m.promLookups, m.promInserted, m.promEvicted, m.promRejected, m.promBytes, m.promPackets, m.promSources)
	return m
}

func (m *CacheMetrics) Lookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.promLookups.WithLabelValues("hit").Inc()
	} else {
		m.promLookups.WithLabelValues("miss").Inc()
	}
}

func (m *CacheMetrics) Inserted(bytes int) {
	if m == nil {
		return
	}
	m.promInserted.Inc()
	m.promPackets.Inc()
	m.promBytes.Add(float64(bytes))
}

func (m *CacheMetrics) Evicted(reason string, bytes int) {
	if m == nil {
		return
	}
	m.promEvicted.WithLabelValues(reason).Inc()
	m.promPackets.Dec()
	m.promBytes.Sub(float64(bytes))
}

func (m *CacheMetrics) SourceRejected() {
	if m == nil {
		return
	}
	m.promRejected.Inc()
}

func (m *CacheMetrics) SetSources(n int) {
	if m == nil {
		return
	}
	m.promSources.Set(float64(n))
}
