package packetcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestSweeperDropsIdleSources(t *testing.T) {
	params := DefaultParams()
	params.MaxAge = 20 * time.Millisecond
	params.IdleTimeout = 30 * time.Millisecond
	r := newTestRegistry(params)

	require.NoError(t, r.Insert(1, packet(t, 1, 1, 10)))
	require.Equal(t, 1, r.NumSources())

	s := NewSweeper(r, 10*time.Millisecond)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return r.NumSources() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSweeperOnSweep(t *testing.T) {
	r := newTestRegistry(DefaultParams())

	var sweeps atomic.Int32
	s := NewSweeper(r, 10*time.Millisecond)
	s.OnSweep(func(now time.Time) {
		sweeps.Inc()
	})
	s.Start()

	require.Eventually(t, func() bool {
		return sweeps.Load() >= 2
	}, time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()
}
