package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestHostMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := NewHostMetrics(reg)

	for i := 0; i < 3; i++ {
		load := h.CPULoad()
		require.GreaterOrEqual(t, load, 0.0)
		require.LessOrEqual(t, load, 1.0)
	}

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 2)
}
