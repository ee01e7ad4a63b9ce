package framemarking

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameMarking(t *testing.T) {
	t.Run("long form", func(t *testing.T) {
		var f FrameMarking
		require.NoError(t, f.Unmarshal([]byte{0b1010_1010, 2, 77}))
		require.True(t, f.StartOfFrame)
		require.False(t, f.EndOfFrame)
		require.True(t, f.Independent)
		require.False(t, f.Discardable)
		require.True(t, f.BaseLayerSync)
		require.Equal(t, 2, f.TemporalLayer())
		require.Equal(t, 2, f.SpatialLayer())
		require.Equal(t, uint8(77), f.TL0PicIdx)

		b, err := f.Marshal()
		require.NoError(t, err)
		require.Equal(t, []byte{0b1010_1010, 2, 77}, b)
	})

	t.Run("short form", func(t *testing.T) {
		f, ok := FromPayload([]byte{0b0101_0000})
		require.True(t, ok)
		require.False(t, f.StartOfFrame)
		require.True(t, f.EndOfFrame)
		require.True(t, f.Discardable)
		require.Equal(t, NoLayer, f.TemporalLayer())
		require.Equal(t, NoLayer, f.SpatialLayer())
	})

	t.Run("absent", func(t *testing.T) {
		_, ok := FromPayload(nil)
		require.False(t, ok)

		var f FrameMarking
		require.ErrorIs(t, f.Unmarshal([]byte{}), ErrTooShort)
	})
}
