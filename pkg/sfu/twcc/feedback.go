package twcc

import (
	"encoding/binary"
	"math"

	"github.com/gammazero/deque"
	"github.com/pion/rtcp"
)

const (
	baseSequenceNumberOffset = 8
	packetStatusCountOffset  = 10
	referenceTimeOffset      = 12
	feedbackHeaderSize       = 16

	// MaxStatusCount is the maximum number of status entries, gaps included,
	// in one feedback packet.
	MaxStatusCount = 200

	referenceTimeUnitUs = 64000
	deltaUnitUs         = 250
)

// Arrival is one status entry of a feedback packet. Entries that were not
// received carry no arrival time.
type Arrival struct {
	Received bool
	AtUs     int64 // local receive clock, microseconds
}

// feedbackWriter builds transport-wide congestion control feedback as described in
// https://tools.ietf.org/html/draft-holmer-rmcat-transport-wide-cc-extensions-01
type feedbackWriter struct {
	payload []byte
	deltas  []byte
	chunk   uint16
}

// WriteFeedback serializes the arrivals of consecutive transport sequence
// numbers starting at baseSN.
func WriteFeedback(senderSSRC, mediaSSRC uint32, fbPktCount uint8, baseSN uint16, arrivals []Arrival) (rtcp.RawPacket, error) {
	if len(arrivals) > MaxStatusCount {
		return nil, ErrTooManyPackets
	}

	firstReceived := -1
	for i, a := range arrivals {
		if a.Received {
			firstReceived = i
			break
		}
	}
	if firstReceived < 0 {
		return nil, ErrNoPackets
	}

	w := &feedbackWriter{
		payload: make([]byte, feedbackHeaderSize, feedbackHeaderSize+2*len(arrivals)/7+4),
		deltas:  make([]byte, 0, len(arrivals)),
	}

	refTime := arrivals[firstReceived].AtUs / referenceTimeUnitUs
	w.writeHeader(senderSSRC, mediaSSRC, baseSN, uint16(len(arrivals)), uint32(refTime), fbPktCount)
	if err := w.writeStatuses(arrivals, refTime*referenceTimeUnitUs); err != nil {
		return nil, err
	}
	return w.marshal(), nil
}

func (w *feedbackWriter) writeStatuses(arrivals []Arrival, timestamp int64) error {
	same := true
	lastStatus := rtcp.TypeTCCPacketReceivedWithoutDelta
	maxStatus := rtcp.TypeTCCPacketNotReceived

	var statusList deque.Deque[uint16]
	statusList.SetMinCapacity(3)

	for _, a := range arrivals {
		status := rtcp.TypeTCCPacketNotReceived
		if a.Received {
			delta := (a.AtUs - timestamp) / deltaUnitUs
			if delta < 0 || delta > math.MaxUint8 {
				if delta < math.MinInt16 || delta > math.MaxInt16 {
					return ErrDeltaTooLarge
				}
				status = rtcp.TypeTCCPacketReceivedLargeDelta
				w.writeDelta(status, uint16(int16(delta)))
			} else {
				status = rtcp.TypeTCCPacketReceivedSmallDelta
				w.writeDelta(status, uint16(delta))
			}
			// advance by the encoded delta so that rounding does not accumulate
			timestamp += delta * deltaUnitUs
		}

		if same && status != lastStatus && lastStatus != rtcp.TypeTCCPacketReceivedWithoutDelta {
			if statusList.Len() > 7 {
				w.writeRunLengthChunk(lastStatus, uint16(statusList.Len()))
				statusList.Clear()
				lastStatus = rtcp.TypeTCCPacketReceivedWithoutDelta
				maxStatus = rtcp.TypeTCCPacketNotReceived
				same = true
			} else {
				same = false
			}
		}
		statusList.PushBack(status)
		if status > maxStatus {
			maxStatus = status
		}
		lastStatus = status

		if !same && maxStatus == rtcp.TypeTCCPacketReceivedLargeDelta && statusList.Len() > 6 {
			for i := 0; i < 7; i++ {
				w.createStatusSymbolChunk(rtcp.TypeTCCSymbolSizeTwoBit, statusList.PopFront(), i)
			}
			w.writeStatusSymbolChunk(rtcp.TypeTCCSymbolSizeTwoBit)
			lastStatus = rtcp.TypeTCCPacketReceivedWithoutDelta
			maxStatus = rtcp.TypeTCCPacketNotReceived
			same = true

			for i := 0; i < statusList.Len(); i++ {
				status = statusList.At(i)
				if status > maxStatus {
					maxStatus = status
				}
				if same && lastStatus != rtcp.TypeTCCPacketReceivedWithoutDelta && status != lastStatus {
					same = false
				}
				lastStatus = status
			}
		} else if !same && statusList.Len() > 13 {
			for i := 0; i < 14; i++ {
				w.createStatusSymbolChunk(rtcp.TypeTCCSymbolSizeOneBit, statusList.PopFront(), i)
			}
			w.writeStatusSymbolChunk(rtcp.TypeTCCSymbolSizeOneBit)
			lastStatus = rtcp.TypeTCCPacketReceivedWithoutDelta
			maxStatus = rtcp.TypeTCCPacketNotReceived
			same = true
		}
	}

	if statusList.Len() == 0 {
		return nil
	}

	n := statusList.Len()
	switch {
	case same:
		w.writeRunLengthChunk(lastStatus, uint16(n))

	case maxStatus == rtcp.TypeTCCPacketReceivedLargeDelta:
		// at most 6 pending here, a full vector is flushed inside the loop
		for i := 0; i < n; i++ {
			w.createStatusSymbolChunk(rtcp.TypeTCCSymbolSizeTwoBit, statusList.PopFront(), i)
		}
		w.writeStatusSymbolChunk(rtcp.TypeTCCSymbolSizeTwoBit)

	default:
		for i := 0; i < n; i++ {
			w.createStatusSymbolChunk(rtcp.TypeTCCSymbolSizeOneBit, statusList.PopFront(), i)
		}
		w.writeStatusSymbolChunk(rtcp.TypeTCCSymbolSizeOneBit)
	}
	return nil
}

func (w *feedbackWriter) marshal() rtcp.RawPacket {
	pLen := uint16(len(w.payload) + len(w.deltas) + 4)
	pad := pLen%4 != 0
	var padSize uint8
	for pLen%4 != 0 {
		padSize++
		pLen++
	}
	hdr := rtcp.Header{
		Padding: pad,
		Length:  (pLen / 4) - 1,
		Count:   rtcp.FormatTCC,
		Type:    rtcp.TypeTransportSpecificFeedback,
	}
	hb, _ := hdr.Marshal()
	pkt := make(rtcp.RawPacket, pLen)
	copy(pkt, hb)
	copy(pkt[4:], w.payload)
	copy(pkt[4+len(w.payload):], w.deltas)
	if pad {
		pkt[len(pkt)-1] = padSize
	}
	return pkt
}

func (w *feedbackWriter) writeHeader(senderSSRC, mediaSSRC uint32, bSN, packetCount uint16, refTime uint32, fbPktCount uint8) {
	/*
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |                     SSRC of packet sender                     |
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |                      SSRC of media source                     |
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |      base sequence number     |      packet status count      |
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |                 reference time                | fb pkt. count |
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	*/
	binary.BigEndian.PutUint32(w.payload[0:], senderSSRC)
	binary.BigEndian.PutUint32(w.payload[4:], mediaSSRC)
	binary.BigEndian.PutUint16(w.payload[baseSequenceNumberOffset:], bSN)
	binary.BigEndian.PutUint16(w.payload[packetStatusCountOffset:], packetCount)
	binary.BigEndian.PutUint32(w.payload[referenceTimeOffset:], refTime<<8|uint32(fbPktCount))
}

func (w *feedbackWriter) writeRunLengthChunk(symbol uint16, runLength uint16) {
	/*
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |T| S |       Run Length        |
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	*/
	w.payload = binary.BigEndian.AppendUint16(w.payload, symbol<<13|runLength)
}

func (w *feedbackWriter) createStatusSymbolChunk(symbolSize, symbol uint16, i int) {
	/*
		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
		|T|S|       symbol list         |
		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	*/
	numOfBits := symbolSize + 1
	w.chunk = setNBitsOfUint16(w.chunk, numOfBits, numOfBits*uint16(i)+2, symbol)
}

func (w *feedbackWriter) writeStatusSymbolChunk(symbolSize uint16) {
	w.chunk = setNBitsOfUint16(w.chunk, 1, 0, 1)
	w.chunk = setNBitsOfUint16(w.chunk, 1, 1, symbolSize)
	w.payload = binary.BigEndian.AppendUint16(w.payload, w.chunk)
	w.chunk = 0
}

func (w *feedbackWriter) writeDelta(deltaType, delta uint16) {
	if deltaType == rtcp.TypeTCCPacketReceivedSmallDelta {
		w.deltas = append(w.deltas, byte(delta))
		return
	}
	w.deltas = binary.BigEndian.AppendUint16(w.deltas, delta)
}

// setNBitsOfUint16 will truncate the value to size, left-shift to startIndex position and set
func setNBitsOfUint16(src, size, startIndex, val uint16) uint16 {
	if startIndex+size > 16 {
		return 0
	}
	// truncate val to size bits
	val &= (1 << size) - 1
	return src | (val << (16 - size - startIndex))
}
