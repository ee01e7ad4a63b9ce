package rewriter

import (
	"math/rand"
	"testing"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"
)

func newRewriter() *StreamRewriter {
	return NewStreamRewriter(logger.GetLogger())
}

func TestNoLossIsIdentity(t *testing.T) {
	r := newRewriter()

	sn := uint16(65000)
	ts := uint32(0xffff_0000)
	for i := 0; i < 2000; i++ {
		require.Equal(t, sn, r.RewriteSequenceNumber(true, sn))
		require.Equal(t, ts, r.RewriteTimestamp(true, ts))
		sn++
		ts += 960
	}
}

func TestDroppedPacketsLeaveNoGap(t *testing.T) {
	r := newRewriter()
	rng := rand.New(rand.NewSource(1))

	sn := uint16(65500)
	var lastOut uint16
	first := true
	for i := 0; i < 5000; i++ {
		accept := first || rng.Intn(3) != 0
		out := r.RewriteSequenceNumber(accept, sn)
		if accept {
			if !first {
				require.Equal(t, lastOut+1, out, "input %d", sn)
			}
			lastOut = out
			first = false
		} else {
			require.Equal(t, sn, out)
		}
		sn++
	}
}

func TestTimestampGapHidden(t *testing.T) {
	r := newRewriter()

	require.Equal(t, uint32(3000), r.RewriteTimestamp(true, 3000))
	require.Equal(t, uint32(3000), r.RewriteTimestamp(true, 3000))
	// whole frame dropped
	require.Equal(t, uint32(6000), r.RewriteTimestamp(false, 6000))
	require.Equal(t, uint32(6000), r.RewriteTimestamp(false, 6000))
	require.Equal(t, uint32(6000), r.RewriteTimestamp(true, 9000))
	require.Equal(t, uint32(9000), r.RewriteTimestamp(true, 12000))
}

func TestLateDropDoesNotShrinkDelta(t *testing.T) {
	r := newRewriter()

	require.Equal(t, uint16(10), r.RewriteSequenceNumber(true, 10))
	r.RewriteSequenceNumber(false, 11)
	r.RewriteSequenceNumber(false, 12)
	require.Equal(t, uint16(11), r.RewriteSequenceNumber(true, 13))

	// a late duplicate of a dropped packet must not move the delta backwards
	r.RewriteSequenceNumber(false, 11)
	require.Equal(t, uint16(12), r.RewriteSequenceNumber(true, 14))
}

func TestRewriteRTPAndSenderReport(t *testing.T) {
	r := newRewriter()

	pkts := []*rtp.Packet{
		{Header: rtp.Header{SequenceNumber: 1, Timestamp: 1000}},
		{Header: rtp.Header{SequenceNumber: 2, Timestamp: 2000}},
		{Header: rtp.Header{SequenceNumber: 3, Timestamp: 3000}},
	}
	require.True(t, r.RewriteRTP(true, pkts[0]))
	require.False(t, r.RewriteRTP(false, pkts[1]))
	require.True(t, r.RewriteRTP(true, pkts[2]))
	require.Equal(t, uint16(2), pkts[2].SequenceNumber)
	require.Equal(t, uint32(2000), pkts[2].Timestamp)

	sr := &rtcp.SenderReport{SSRC: 5, NTPTime: 1, RTPTime: 5000}
	raw, err := rtcp.Marshal([]rtcp.Packet{sr})
	require.NoError(t, err)

	out, err := r.RewriteSenderReport(raw)
	require.NoError(t, err)
	parsed, err := rtcp.Unmarshal(out)
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	require.Equal(t, uint32(4000), parsed[0].(*rtcp.SenderReport).RTPTime)

	state := r.State()
	require.Equal(t, uint64(1), state.PacketsDropped)
	require.Equal(t, uint64(2), state.PacketsForwarded)

	seeded := newRewriter()
	seeded.Seed(state)
	require.Equal(t, uint16(3), seeded.RewriteSequenceNumber(true, 4))
}

func TestSenderReportBeforeMedia(t *testing.T) {
	r := newRewriter()
	sr := &rtcp.SenderReport{SSRC: 5, RTPTime: 5000}
	require.Equal(t, 0, r.RewriteRTCP([]rtcp.Packet{sr}))
	require.Equal(t, uint32(5000), sr.RTPTime)
}
