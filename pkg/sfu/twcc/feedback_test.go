package twcc

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedbackWriter_writeRunLengthChunk(t1 *testing.T) {
	tests := []struct {
		name      string
		prefix    []byte
		symbol    uint16
		runLength uint16
		wantBytes []byte
	}{
		{
			name:      "Must write run length",
			symbol:    rtcp.TypeTCCPacketNotReceived,
			runLength: 221,
			wantBytes: []byte{0, 0xdd},
		},
		{
			name:      "Must append after existing payload",
			prefix:    []byte{0},
			symbol:    rtcp.TypeTCCPacketReceivedWithoutDelta,
			runLength: 24,
			wantBytes: []byte{0, 0x60, 0x18},
		},
	}
	for _, tt := range tests {
		tt := tt
		t1.Run(tt.name, func(t1 *testing.T) {
			w := &feedbackWriter{payload: tt.prefix}
			w.writeRunLengthChunk(tt.symbol, tt.runLength)
			assert.Equal(t1, tt.wantBytes, w.payload)
		})
	}
}

func TestFeedbackWriter_writeStatusSymbolChunk(t1 *testing.T) {
	tests := []struct {
		name       string
		prefix     []byte
		symbolSize uint16
		symbolList []uint16
		wantBytes  []byte
	}{
		{
			name:       "Must write one bit symbols",
			symbolSize: rtcp.TypeTCCSymbolSizeOneBit,
			symbolList: []uint16{
				rtcp.TypeTCCPacketNotReceived,
				rtcp.TypeTCCPacketReceivedSmallDelta,
				rtcp.TypeTCCPacketReceivedSmallDelta,
				rtcp.TypeTCCPacketReceivedSmallDelta,
				rtcp.TypeTCCPacketReceivedSmallDelta,
				rtcp.TypeTCCPacketReceivedSmallDelta,
				rtcp.TypeTCCPacketNotReceived,
				rtcp.TypeTCCPacketNotReceived,
				rtcp.TypeTCCPacketNotReceived,
				rtcp.TypeTCCPacketReceivedSmallDelta,
				rtcp.TypeTCCPacketReceivedSmallDelta,
				rtcp.TypeTCCPacketReceivedSmallDelta,
				rtcp.TypeTCCPacketNotReceived,
				rtcp.TypeTCCPacketNotReceived,
			},
			wantBytes: []byte{0x9F, 0x1C},
		},
		{
			name:       "Must write two bit symbols after existing payload",
			prefix:     []byte{0},
			symbolSize: rtcp.TypeTCCSymbolSizeTwoBit,
			symbolList: []uint16{
				rtcp.TypeTCCPacketNotReceived,
				rtcp.TypeTCCPacketReceivedWithoutDelta,
				rtcp.TypeTCCPacketReceivedSmallDelta,
				rtcp.TypeTCCPacketReceivedSmallDelta,
				rtcp.TypeTCCPacketReceivedSmallDelta,
				rtcp.TypeTCCPacketNotReceived,
				rtcp.TypeTCCPacketNotReceived,
			},
			wantBytes: []byte{0x0, 0xcd, 0x50},
		},
	}
	for _, tt := range tests {
		tt := tt
		t1.Run(tt.name, func(t1 *testing.T) {
			w := &feedbackWriter{payload: tt.prefix}
			for i, v := range tt.symbolList {
				w.createStatusSymbolChunk(tt.symbolSize, v, i)
			}
			w.writeStatusSymbolChunk(tt.symbolSize)
			assert.Equal(t1, tt.wantBytes, w.payload)
		})
	}
}

func TestFeedbackWriter_writeDelta(t1 *testing.T) {
	a := -32768
	tests := []struct {
		name      string
		prefix    []byte
		deltaType uint16
		delta     uint16
		want      []byte
	}{
		{
			name:      "Must set correct small delta",
			deltaType: rtcp.TypeTCCPacketReceivedSmallDelta,
			delta:     255,
			want:      []byte{0xff},
		},
		{
			name:      "Must append small delta",
			prefix:    []byte{0},
			deltaType: rtcp.TypeTCCPacketReceivedSmallDelta,
			delta:     255,
			want:      []byte{0, 0xff},
		},
		{
			name:      "Must set correct large delta",
			deltaType: rtcp.TypeTCCPacketReceivedLargeDelta,
			delta:     32767,
			want:      []byte{0x7F, 0xFF},
		},
		{
			name:      "Must append negative large delta",
			prefix:    []byte{0},
			deltaType: rtcp.TypeTCCPacketReceivedLargeDelta,
			delta:     uint16(a),
			want:      []byte{0, 0x80, 0x00},
		},
	}
	for _, tt := range tests {
		tt := tt
		t1.Run(tt.name, func(t1 *testing.T) {
			w := &feedbackWriter{deltas: tt.prefix}
			w.writeDelta(tt.deltaType, tt.delta)
			assert.Equal(t1, tt.want, w.deltas)
		})
	}
}

func TestFeedbackWriter_writeHeader(t *testing.T) {
	w := &feedbackWriter{payload: make([]byte, feedbackHeaderSize)}
	w.writeHeader(4195875351, 1124282272, 153, 1, 4057090, 23)
	require.Equal(t, []byte{
		0xfa, 0x17, 0xfa, 0x17,
		0x43, 0x3, 0x2f, 0xa0,
		0x0, 0x99, 0x0, 0x1,
		0x3d, 0xe8, 0x2, 0x17,
	}, w.payload)
}

func parseRaw(t *testing.T, raw []byte) Feedback {
	t.Helper()

	pkts, err := rtcp.Unmarshal(raw)
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	tcc, ok := pkts[0].(*rtcp.TransportLayerCC)
	require.True(t, ok)

	fb, err := ParseFeedback(tcc)
	require.NoError(t, err)
	return fb
}

func TestWriteFeedbackParses(t *testing.T) {
	const startUs = 1_000_000

	// received, lost, delta size changes and a reordered arrival
	var arrivals []Arrival
	at := int64(startUs)
	add := func(received bool, stepUs int64) {
		if received {
			at += stepUs
			arrivals = append(arrivals, Arrival{Received: true, AtUs: at})
			return
		}
		arrivals = append(arrivals, Arrival{})
	}
	add(true, 0)
	add(true, 1000)
	add(false, 0)
	add(false, 0)
	add(true, 100_000)
	for i := 0; i < 20; i++ {
		add(true, 5000)
	}
	for i := 0; i < 6; i++ {
		add(false, 0)
	}
	add(true, -7500)
	for i := 0; i < 9; i++ {
		add(false, 0)
	}
	add(true, 250)

	raw, err := WriteFeedback(11, 22, 7, 65530, arrivals)
	require.NoError(t, err)
	require.Zero(t, len(raw)%4)

	fb := parseRaw(t, raw)
	require.Equal(t, uint32(11), fb.SenderSSRC)
	require.Equal(t, uint32(22), fb.MediaSSRC)
	require.Equal(t, uint8(7), fb.FbPktCount)
	require.Equal(t, uint16(65530), fb.BaseSequenceNumber)
	require.Equal(t, time.Duration(startUs/referenceTimeUnitUs)*64*time.Millisecond, fb.ReferenceTime)
	require.Len(t, fb.Packets, len(arrivals))

	for i, a := range arrivals {
		report := fb.Packets[i]
		require.Equal(t, uint16(65530+i), report.SequenceNumber, "index %d", i)
		require.Equal(t, a.Received, report.Received, "index %d", i)
		if a.Received {
			require.Equal(t, time.Duration(a.AtUs)*time.Microsecond, report.Arrival, "index %d", i)
		}
	}
}

func TestWriteFeedbackErrors(t *testing.T) {
	_, err := WriteFeedback(1, 2, 0, 0, make([]Arrival, MaxStatusCount+1))
	require.ErrorIs(t, err, ErrTooManyPackets)

	_, err = WriteFeedback(1, 2, 0, 0, make([]Arrival, 10))
	require.ErrorIs(t, err, ErrNoPackets)

	_, err = WriteFeedback(1, 2, 0, 0, []Arrival{
		{Received: true, AtUs: 0},
		{Received: true, AtUs: 10_000_000},
	})
	require.ErrorIs(t, err, ErrDeltaTooLarge)
}

func TestParseFeedbackMissingDeltas(t *testing.T) {
	tcc := &rtcp.TransportLayerCC{
		BaseSequenceNumber: 10,
		PacketStatusCount:  3,
		PacketChunks: []rtcp.PacketStatusChunk{
			&rtcp.RunLengthChunk{
				PacketStatusSymbol: rtcp.TypeTCCPacketReceivedSmallDelta,
				RunLength:          3,
			},
		},
		RecvDeltas: []*rtcp.RecvDelta{
			{Type: rtcp.TypeTCCPacketReceivedSmallDelta, Delta: 250},
		},
	}
	_, err := ParseFeedback(tcc)
	require.ErrorIs(t, err, ErrMissingRecvDelta)
}

func BenchmarkWriteFeedback(b *testing.B) {
	arrivals := make([]Arrival, 100)
	for i := range arrivals {
		if i%10 == 3 {
			continue
		}
		arrivals[i] = Arrival{Received: true, AtUs: int64(i) * 60_000}
	}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = WriteFeedback(1, 2, uint8(i), 1, arrivals)
	}
}
