package prometheus

import (
	"runtime"
	"sync"

	"github.com/mackerelio/go-osstat/cpu"
	"github.com/prometheus/client_golang/prometheus"
)

// HostMetrics samples host CPU usage on every scrape.
type HostMetrics struct {
	lock      sync.Mutex
	lastTotal uint64
	lastIdle  uint64
	lastLoad  float64
}

func NewHostMetrics(reg prometheus.Registerer) *HostMetrics {
	h := &HostMetrics{}
	register(reg,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: transportNamespace,
			Subsystem: "host",
			Name:      "cpu_load",
		}, h.CPULoad),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: transportNamespace,
			Subsystem: "host",
			Name:      "num_cpus",
		}, func() float64 { return float64(runtime.NumCPU()) }),
	)
	return h
}

// CPULoad returns the busy fraction of all CPUs since the previous call. The
// first call, and any call where the counters could not be read, returns the
// last known value.
func (h *HostMetrics) CPULoad() float64 {
	stats, err := cpu.Get()
	if err != nil {
		h.lock.Lock()
		defer h.lock.Unlock()
		return h.lastLoad
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	if h.lastTotal > 0 && h.lastTotal < stats.Total {
		h.lastLoad = 1 - float64(stats.Idle-h.lastIdle)/float64(stats.Total-h.lastTotal)
	}
	h.lastTotal = stats.Total
	h.lastIdle = stats.Idle
	return h.lastLoad
}
