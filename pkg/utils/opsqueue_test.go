package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"
)

func TestOpsQueue(t *testing.T) {
	t.Run("runs in order and drains on stop", func(t *testing.T) {
		oq := NewOpsQueue(logger.GetLogger(), "test", 10)
		oq.Start()

		var got []int
		for i := 0; i < 5; i++ {
			i := i
			require.True(t, oq.Enqueue(func() { got = append(got, i) }))
		}
		oq.Stop()

		select {
		case <-oq.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("queue did not drain")
		}
		require.Equal(t, []int{0, 1, 2, 3, 4}, got)
		require.False(t, oq.Enqueue(func() {}))
	})

	t.Run("drops when full", func(t *testing.T) {
		oq := NewOpsQueue(logger.GetLogger(), "test", 2)

		// not started, nothing is consumed
		require.True(t, oq.Enqueue(func() {}))
		require.True(t, oq.Enqueue(func() {}))
		require.False(t, oq.Enqueue(func() {}))
		require.Equal(t, uint64(1), oq.Dropped())

		oq.Stop()
		oq.Stop()
	})
}
