package bwe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTrendline(t *testing.T) {
	t.Run("constant delay is normal", func(t *testing.T) {
		tl := newTrendline()
		for i := 0; i < 100; i++ {
			tl.update(10, 10, float64(i*10))
		}
		require.Equal(t, BandwidthUsageNormal, tl.state())
	})

	t.Run("growing delay is overuse", func(t *testing.T) {
		tl := newTrendline()
		for i := 0; i < 100; i++ {
			tl.update(15, 10, float64(i*15))
		}
		require.Equal(t, BandwidthUsageOverusing, tl.state())
	})

	t.Run("draining queue is underuse", func(t *testing.T) {
		tl := newTrendline()
		for i := 0; i < 100; i++ {
			tl.update(5, 10, float64(i*5))
		}
		require.Equal(t, BandwidthUsageUnderusing, tl.state())
	})
}

func TestInterArrivalGroups(t *testing.T) {
	ia := newInterArrival()
	base := time.Unix(1000, 0)

	// three packets within one 5 ms send window form one group
	var got []groupDeltas
	for group := 0; group < 3; group++ {
		for p := 0; p < 3; p++ {
			send := base.Add(time.Duration(group)*20*time.Millisecond + time.Duration(p)*time.Millisecond)
			arrival := send.Add(50*time.Millisecond + time.Duration(group)*2*time.Millisecond)
			if d, ok := ia.computeDeltas(send, arrival, arrival, 100); ok {
				got = append(got, d)
			}
		}
	}

	// deltas are produced when the third group starts
	require.Len(t, got, 1)
	require.Equal(t, 20*time.Millisecond, got[0].send)
	require.Equal(t, 22*time.Millisecond, got[0].arrival)
	require.Equal(t, 0, got[0].size)
}
