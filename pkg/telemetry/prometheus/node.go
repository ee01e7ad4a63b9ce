package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	transportNamespace string = "rtptransport"
)

func register(reg prometheus.Registerer, collectors ...prometheus.Collector) {
	if reg == nil {
		return
	}
	reg.MustRegister(collectors...)
}
