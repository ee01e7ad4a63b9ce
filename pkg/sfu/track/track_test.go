package track

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/rtptransport/pkg/sfu/rtpextension/framemarking"
	"github.com/dTelecom/rtptransport/pkg/sfu/testutils"
)

const frameMarkingExtID = 7

// three simulcast streams with three temporal layers each, layer (s, t) at
// position 3*s+t, t depends on t-1 and (s, 0) depends on (s-1, 0)
func newSimulcastTrack(t *testing.T, baseSSRC uint32) *TrackDescriptor {
	var encodings []EncodingParams
	for s := 0; s < 3; s++ {
		for tl := 0; tl < 3; tl++ {
			ep := EncodingParams{
				PrimarySSRC: baseSSRC + uint32(s),
				TemporalID:  tl,
				SpatialID:   s,
				Height:      180 << s,
				FrameRate:   7.5 * float64(int(1)<<tl),
			}
			if tl > 0 {
				ep.Dependencies = []int{3*s + tl - 1}
			} else if s > 0 {
				ep.Dependencies = []int{3 * (s - 1)}
			}
			encodings = append(encodings, ep)
		}
	}

	td, err := NewTrackDescriptor(TrackParams{
		OwnerEndpointID: "alice",
		Kind:            webrtc.RTPCodecTypeVideo,
		Encodings:       encodings,
	})
	require.NoError(t, err)
	return td
}

func newAudioTrack(t *testing.T, ssrc uint32) *TrackDescriptor {
	td, err := NewTrackDescriptor(TrackParams{
		OwnerEndpointID: "bob",
		Kind:            webrtc.RTPCodecTypeAudio,
		Encodings: []EncodingParams{
			{PrimarySSRC: ssrc, TemporalID: NoLayer, SpatialID: NoLayer},
		},
	})
	require.NoError(t, err)
	return td
}

func packetWithLayers(t *testing.T, ssrc uint32, tid uint8, sid uint8) *rtp.Packet {
	fm, err := framemarking.FrameMarking{TemporalID: tid, LayerID: sid, Scalable: true}.Marshal()
	require.NoError(t, err)
	pkt, err := testutils.GetTestPacket(&testutils.TestPacketParams{
		SSRC:        ssrc,
		PayloadSize: 100,
		Extensions:  []testutils.TestExtension{{ID: frameMarkingExtID, Payload: fm}},
	})
	require.NoError(t, err)
	return pkt
}

func TestInvalidDependencies(t *testing.T) {
	_, err := NewTrackDescriptor(TrackParams{})
	require.ErrorIs(t, err, ErrNoEncodings)

	_, err = NewTrackDescriptor(TrackParams{
		Encodings: []EncodingParams{
			{PrimarySSRC: 1, Dependencies: []int{1}},
			{PrimarySSRC: 1},
		},
	})
	require.ErrorIs(t, err, ErrInvalidDependency)
}

func TestRequires(t *testing.T) {
	td := newSimulcastTrack(t, 100)
	top := td.Encoding(8)

	for idx := 0; idx < 9; idx++ {
		// (2,2) needs all of stream 2, and the base layers of streams 0 and 1
		expected := idx >= 6 || idx == 0 || idx == 3
		require.Equal(t, expected, top.Requires(idx), "idx %d", idx)
	}
	require.False(t, top.Requires(SuspendedIndex))
	require.True(t, td.Encoding(0).Requires(0))
	require.False(t, td.Encoding(0).Requires(1))

	require.Equal(t, td.Encoding(0), top.BaseLayer())
	require.Equal(t, td.Encoding(0), td.Encoding(0).BaseLayer())
}

func TestFindEncoding(t *testing.T) {
	tracks := NewTracks(logger.GetLogger())
	tracks.SetFrameMarkingExtensionID(frameMarkingExtID)
	video := newSimulcastTrack(t, 100)
	audio := newAudioTrack(t, 500)
	require.True(t, tracks.SetTracks([]*TrackDescriptor{video, audio}))

	e := tracks.FindEncoding(packetWithLayers(t, 101, 2, 1))
	require.NotNil(t, e)
	require.Equal(t, 5, e.Index())

	// no frame marking, base temporal layer of the stream
	pkt, err := testutils.GetTestPacket(&testutils.TestPacketParams{SSRC: 102, PayloadSize: 10})
	require.NoError(t, err)
	e = tracks.FindEncoding(pkt)
	require.NotNil(t, e)
	require.Equal(t, 6, e.Index())

	pkt.SSRC = 500
	e = tracks.FindEncoding(pkt)
	require.NotNil(t, e)
	require.Equal(t, audio, e.Track())

	pkt.SSRC = 999
	require.Nil(t, tracks.FindEncoding(pkt))

	video.Encoding(3).AddSecondarySSRC(201, SSRCTypeRTX)
	require.Equal(t, 3, tracks.FindEncodingBySSRC(201).Index())
	rtx, ok := video.Encoding(3).SecondarySSRC(SSRCTypeRTX)
	require.True(t, ok)
	require.Equal(t, uint32(201), rtx)
	_, ok = video.Encoding(3).SecondarySSRC(SSRCTypeFEC)
	require.False(t, ok)

	require.ElementsMatch(t, []uint32{100, 101, 102, 201, 500}, tracks.SSRCs())

	ssrc, ok := tracks.FirstEncodingSSRC()
	require.True(t, ok)
	require.Equal(t, uint32(100), ssrc)
}

func TestBitrates(t *testing.T) {
	td := newSimulcastTrack(t, 100)
	now := time.Now()

	// 1000 bytes every 100ms over one second on layers 0 and 1
	for i := 0; i < 10; i++ {
		at := now.Add(time.Duration(i) * 100 * time.Millisecond)
		td.Encoding(0).Update(1000, at)
		td.Encoding(1).Update(500, at)
	}
	end := now.Add(time.Second)

	base := td.Encoding(0).LastStableBitrate(end)
	require.Greater(t, base, int64(0))
	require.Equal(t, base+td.Encoding(1).LastStableBitrate(end), td.Encoding(1).CumulativeBitrate(end))
	require.Equal(t, td.Encoding(1).CumulativeBitrate(end), td.Encoding(2).CumulativeBitrate(end))

	require.True(t, td.Encoding(0).IsActive(end, 2*time.Second))
	require.False(t, td.Encoding(5).IsActive(end, 2*time.Second))
}

func TestSetTracksPreservesState(t *testing.T) {
	tracks := NewTracks(logger.GetLogger())
	require.False(t, tracks.SetTracks(nil))

	original := newSimulcastTrack(t, 100)
	require.True(t, tracks.SetTracks([]*TrackDescriptor{original}))

	now := time.Now()
	for i := 0; i < 10; i++ {
		original.Encoding(0).Update(1200, now.Add(time.Duration(i)*50*time.Millisecond))
	}
	original.Encoding(0).IncReceivers()
	rate := original.Encoding(0).LastStableBitrate(now.Add(500 * time.Millisecond))
	require.Greater(t, rate, int64(0))

	// same primary SSRC, fresh descriptor
	require.False(t, tracks.SetTracks([]*TrackDescriptor{newSimulcastTrack(t, 100)}))
	current := tracks.Tracks()
	require.Len(t, current, 1)
	require.Same(t, original, current[0])
	require.True(t, current[0].Encoding(0).IsReceived())
	require.Equal(t, rate, current[0].Encoding(0).LastStableBitrate(now.Add(500*time.Millisecond)))

	// disjoint set
	replacement := newSimulcastTrack(t, 300)
	require.True(t, tracks.SetTracks([]*TrackDescriptor{replacement}))
	require.Same(t, replacement, tracks.Tracks()[0])

	// added track
	require.True(t, tracks.SetTracks([]*TrackDescriptor{newSimulcastTrack(t, 300), newAudioTrack(t, 9)}))
	require.Same(t, replacement, tracks.Tracks()[0])
}

func TestReceivers(t *testing.T) {
	td := newAudioTrack(t, 1)
	e := td.Encoding(0)

	require.False(t, e.IsReceived())
	require.Equal(t, int32(1), e.IncReceivers())
	require.True(t, e.IsReceived())
	require.Equal(t, int32(0), e.DecReceivers())
	require.Equal(t, int32(0), e.DecReceivers())
	require.False(t, e.IsReceived())
}

func TestAddRepairSSRC(t *testing.T) {
	tracks := NewTracks(logger.GetLogger())
	video := newSimulcastTrack(t, 100)
	require.True(t, tracks.SetTracks([]*TrackDescriptor{video}))

	require.False(t, tracks.AddRepairSSRC(500, 999))
	require.True(t, tracks.AddRepairSSRC(500, 101))

	// every temporal layer of the 101 stream carries the repair SSRC
	for idx := 3; idx < 6; idx++ {
		rtx, ok := video.Encoding(idx).SecondarySSRC(SSRCTypeRTX)
		require.True(t, ok)
		require.Equal(t, uint32(500), rtx)
	}
	_, ok := video.Encoding(0).SecondarySSRC(SSRCTypeRTX)
	require.False(t, ok)
	require.Contains(t, tracks.SSRCs(), uint32(500))
}
