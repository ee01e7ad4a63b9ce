package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRateStatistics(t *testing.T) {
	r := NewRateStatistics(1000, BitsPerSecondScale)

	_, ok := r.Rate(0)
	require.False(t, ok)

	r.Update(100, 0)
	_, ok = r.Rate(10)
	require.False(t, ok, "single sample in a partial window")

	r.Update(100, 500)
	rate, ok := r.Rate(999)
	require.True(t, ok)
	require.Equal(t, int64(1600), rate)

	// first sample leaves the window
	r.Update(300, 1200)
	rate, ok = r.Rate(1200)
	require.True(t, ok)
	require.Equal(t, int64(400*8000/1000), rate)

	// everything expired
	_, ok = r.Rate(5000)
	require.False(t, ok)

	r.Reset()
	_, ok = r.Rate(5000)
	require.False(t, ok)
}
