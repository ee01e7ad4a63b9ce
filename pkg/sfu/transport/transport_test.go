package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/livekit/mediatransportutil"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/rtptransport/pkg/sfu/bwe"
	"github.com/dTelecom/rtptransport/pkg/sfu/packetcache"
	"github.com/dTelecom/rtptransport/pkg/sfu/testutils"
	"github.com/dTelecom/rtptransport/pkg/sfu/track"
	"github.com/dTelecom/rtptransport/pkg/sfu/twcc"
)

const tccExtID = 3

type sink struct {
	lock sync.Mutex
	pkts [][]byte
}

func (s *sink) write(pkt []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.pkts = append(s.pkts, append([]byte(nil), pkt...))
}

func (s *sink) get() [][]byte {
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([][]byte(nil), s.pkts...)
}

func newTestTransport(t *testing.T, params TransportParams) *Transport {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	tr := NewTransport(params)
	tr.Start()
	t.Cleanup(tr.Stop)
	return tr
}

func videoPacket(t *testing.T, ssrc uint32, sn uint16) *rtp.Packet {
	pkt, err := testutils.GetTestPacket(&testutils.TestPacketParams{
		SSRC:           ssrc,
		SequenceNumber: sn,
		Timestamp:      uint32(sn) * testutils.TestVP8Codec.ClockRate / 30,
		PayloadSize:    200,
	})
	require.NoError(t, err)
	return pkt
}

func TestRetransmitOnNack(t *testing.T) {
	tr := newTestTransport(t, TransportParams{ID: "nack"})

	out := &sink{}
	tr.OnRTPOut(out.write)

	for sn := uint16(100); sn <= 110; sn++ {
		buf, ok, err := tr.SendRTP(videoPacket(t, 42, sn), true)
		require.NoError(t, err)
		require.True(t, ok)
		require.NotEmpty(t, buf)
	}
	require.Len(t, out.get(), 11)

	nack, err := rtcp.Marshal([]rtcp.Packet{
		&rtcp.TransportLayerNack{
			SenderSSRC: 1,
			MediaSSRC:  42,
			Nacks:      []rtcp.NackPair{{PacketID: 105}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, tr.ReceiveRTCP(nack))

	sent := out.get()
	require.Len(t, sent, 12)
	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(sent[11]))
	require.Equal(t, uint32(42), pkt.SSRC)
	require.Equal(t, uint16(105), pkt.SequenceNumber)
	require.Len(t, pkt.Payload, 200)

	// not sent, nothing to resend
	require.Zero(t, tr.HandleNack(42, []uint16{99, 111}))
	_, ok := tr.Retransmit(43, 105)
	require.False(t, ok)
}

func TestSourceLimit(t *testing.T) {
	params := packetcache.DefaultParams()
	params.MaxSources = 50
	tr := newTestTransport(t, TransportParams{ID: "limit", PacketCache: params})

	for ssrc := uint32(1); ssrc <= 2000; ssrc++ {
		_, ok, err := tr.SendRTP(videoPacket(t, ssrc, 1), true)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Equal(t, 50, tr.Cache().NumSources())

	_, ok := tr.Retransmit(50, 1)
	require.True(t, ok)
	_, ok = tr.Retransmit(51, 1)
	require.False(t, ok)

	tr.RemoveStream(1)
	_, ok, err := tr.SendRTP(videoPacket(t, 51, 2), true)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok = tr.Retransmit(51, 2)
	require.True(t, ok)
}

func TestIdleStreamsPruned(t *testing.T) {
	tr := newTestTransport(t, TransportParams{ID: "prune", SweepInterval: time.Hour})

	for ssrc := uint32(1); ssrc <= 2000; ssrc++ {
		_, _, err := tr.SendRTP(videoPacket(t, ssrc, 1), true)
		require.NoError(t, err)
	}
	// report for a stream that never sent media
	_, err := tr.SendRTCP([]rtcp.Packet{&rtcp.SenderReport{SSRC: 3000}})
	require.NoError(t, err)
	require.Equal(t, 2000, tr.NumStreams())

	later := time.Now().Add(tr.Cache().IdleTimeout() + time.Second)
	require.Equal(t, 2000, tr.pruneIdleStreams(later))
	require.Zero(t, tr.NumStreams())
	_, ok := tr.RewriterState(1)
	require.False(t, ok)

	tr.rttLock.Lock()
	require.Empty(t, tr.senderReports)
	tr.rttLock.Unlock()

	// active streams survive a sweep
	_, _, err = tr.SendRTP(videoPacket(t, 1, 2), true)
	require.NoError(t, err)
	require.Zero(t, tr.pruneIdleStreams(time.Now()))
	require.Equal(t, 1, tr.NumStreams())
}

func TestDroppedPacketsAreHidden(t *testing.T) {
	tr := newTestTransport(t, TransportParams{ID: "rewrite"})

	_, ok, err := tr.SendRTP(videoPacket(t, 7, 10), true)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = tr.SendRTP(videoPacket(t, 7, 11), false)
	require.NoError(t, err)
	require.False(t, ok)

	buf, ok, err := tr.SendRTP(videoPacket(t, 7, 12), true)
	require.NoError(t, err)
	require.True(t, ok)

	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(buf))
	require.Equal(t, uint16(11), pkt.SequenceNumber)
	require.Equal(t, 11*testutils.TestVP8Codec.ClockRate/30, pkt.Timestamp)

	state, ok := tr.RewriterState(7)
	require.True(t, ok)
	require.Equal(t, uint64(1), state.PacketsDropped)
	require.Equal(t, uint64(2), state.PacketsForwarded)

	// sender report follows the shifted timeline
	rtcpOut := &sink{}
	tr.OnRTCPOut(rtcpOut.write)
	raw, err := tr.SendRTCP([]rtcp.Packet{
		&rtcp.SenderReport{SSRC: 7, RTPTime: 12 * testutils.TestVP8Codec.ClockRate / 30},
	})
	require.NoError(t, err)
	require.Len(t, rtcpOut.get(), 1)

	pkts, err := rtcp.Unmarshal(raw)
	require.NoError(t, err)
	sr, ok := pkts[0].(*rtcp.SenderReport)
	require.True(t, ok)
	require.Equal(t, 11*testutils.TestVP8Codec.ClockRate/30, sr.RTPTime)

	// a moved stream keeps numbering
	other := newTestTransport(t, TransportParams{ID: "moved"})
	other.SeedRewriter(7, state)
	buf, ok, err = other.SendRTP(videoPacket(t, 7, 13), true)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, pkt.Unmarshal(buf))
	require.Equal(t, uint16(12), pkt.SequenceNumber)
}

func TestReceiveRTP(t *testing.T) {
	tr := newTestTransport(t, TransportParams{ID: "receive", TransportCCExtensionID: tccExtID})

	td, err := track.NewTrackDescriptor(track.TrackParams{
		OwnerEndpointID: "carol",
		Kind:            webrtc.RTPCodecTypeAudio,
		Encodings: []track.EncodingParams{
			{PrimarySSRC: 77, TemporalID: track.NoLayer, SpatialID: track.NoLayer},
		},
	})
	require.NoError(t, err)
	require.True(t, tr.Tracks().SetTracks([]*track.TrackDescriptor{td}))

	feedback := &sink{}
	tr.OnRTCPOut(feedback.write)

	t.Run("unknown ssrc", func(t *testing.T) {
		buf, err := testutils.GetTestPacketBytes(&testutils.TestPacketParams{SSRC: 78, PayloadSize: 10})
		require.NoError(t, err)
		e, err := tr.ReceiveRTP(buf)
		require.NoError(t, err)
		require.Nil(t, e)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := tr.ReceiveRTP([]byte{0x80, 0x00})
		require.Error(t, err)

		buf, err := testutils.GetTestPacketBytes(&testutils.TestPacketParams{SSRC: 77, PayloadSize: 10})
		require.NoError(t, err)
		buf[0] = buf[0]&0x3f | 0x40
		_, err = tr.ReceiveRTP(buf)
		require.Error(t, err)
	})

	t.Run("reports arrivals", func(t *testing.T) {
		for sn := uint16(1); sn <= 101; sn++ {
			payload, err := rtp.TransportCCExtension{TransportSequence: sn}.Marshal()
			require.NoError(t, err)
			buf, err := testutils.GetTestPacketBytes(&testutils.TestPacketParams{
				SSRC:           77,
				SequenceNumber: sn,
				Timestamp:      uint32(sn) * testutils.TestOpusCodec.ClockRate / 50,
				PayloadSize:    60,
				Extensions:     []testutils.TestExtension{{ID: tccExtID, Payload: payload}},
			})
			require.NoError(t, err)

			e, err := tr.ReceiveRTP(buf)
			require.NoError(t, err)
			require.NotNil(t, e)
			require.Equal(t, uint32(77), e.PrimarySSRC())
		}

		require.Eventually(t, func() bool {
			return len(feedback.get()) != 0
		}, 5*time.Second, 10*time.Millisecond)

		pkts, err := rtcp.Unmarshal(feedback.get()[0])
		require.NoError(t, err)
		tcc, ok := pkts[0].(*rtcp.TransportLayerCC)
		require.True(t, ok)
		require.Equal(t, uint32(77), tcc.MediaSSRC)
		require.Equal(t, uint16(1), tcc.BaseSequenceNumber)
	})

	stats := tr.Stats()
	require.Equal(t, uint64(102), stats.PacketsIn)
	require.NotZero(t, stats.TransportCC.FeedbackSent)
}

func TestFeedbackDrivesEstimate(t *testing.T) {
	estimatorParams := bwe.DefaultDelayBasedEstimatorParams()
	tr := newTestTransport(t, TransportParams{
		ID:                     "estimate",
		TransportCCExtensionID: tccExtID,
		Estimator:              &estimatorParams,
	})

	buf, ok, err := tr.SendRTP(videoPacket(t, 9, 1), true)
	require.NoError(t, err)
	require.True(t, ok)

	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(buf))
	var ext rtp.TransportCCExtension
	require.NoError(t, ext.Unmarshal(pkt.GetExtension(tccExtID)))

	raw, err := twcc.WriteFeedback(1, 9, 0, ext.TransportSequence, []twcc.Arrival{
		{Received: true, AtUs: 64_000},
	})
	require.NoError(t, err)
	require.NoError(t, tr.ReceiveRTCP(raw))

	stats := tr.Stats()
	require.Equal(t, uint64(1), stats.TransportCC.FeedbackReceived)
	require.Equal(t, uint64(1), stats.TransportCC.ReportsMatched)
	require.Zero(t, stats.TransportCC.PendingOutgoing)
}

func TestRoundTripTime(t *testing.T) {
	tr := newTestTransport(t, TransportParams{ID: "rtt"})

	ntp := mediatransportutil.ToNtpTime(time.Now())
	_, err := tr.SendRTCP([]rtcp.Packet{
		&rtcp.SenderReport{SSRC: 5, NTPTime: uint64(ntp)},
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	raw, err := rtcp.Marshal([]rtcp.Packet{
		&rtcp.ReceiverReport{
			SSRC: 1,
			Reports: []rtcp.ReceptionReport{
				{SSRC: 5, LastSenderReport: uint32(ntp >> 16)},
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, tr.ReceiveRTCP(raw))

	rtt := tr.RTT()
	require.Greater(t, rtt, time.Duration(0))
	require.Less(t, rtt, 5*time.Second)
}

func TestClosed(t *testing.T) {
	tr := NewTransport(TransportParams{ID: "closed"})
	tr.Start()
	tr.Stop()
	tr.Stop()

	require.True(t, tr.IsClosed())
	_, _, err := tr.SendRTP(videoPacket(t, 1, 1), true)
	require.ErrorIs(t, err, ErrTransportClosed)
	_, err = tr.SendRTCP(nil)
	require.ErrorIs(t, err, ErrTransportClosed)
}
