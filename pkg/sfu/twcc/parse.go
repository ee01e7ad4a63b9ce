package twcc

import (
	"fmt"
	"time"

	"github.com/pion/rtcp"
)

type PacketReport struct {
	SequenceNumber uint16
	Received       bool
	// Arrival is on the remote clock, relative to its reference time origin.
	Arrival time.Duration
}

type Feedback struct {
	SenderSSRC         uint32
	MediaSSRC          uint32
	BaseSequenceNumber uint16
	ReferenceTime      time.Duration
	FbPktCount         uint8
	Packets            []PacketReport
}

// ParseFeedback expands the status chunks of a transport-cc feedback into one
// report per sequence number, received entries carrying their arrival time.
func ParseFeedback(tcc *rtcp.TransportLayerCC) (Feedback, error) {
	fb := Feedback{
		SenderSSRC:         tcc.SenderSSRC,
		MediaSSRC:          tcc.MediaSSRC,
		BaseSequenceNumber: tcc.BaseSequenceNumber,
		ReferenceTime:      time.Duration(tcc.ReferenceTime) * referenceTimeUnitUs * time.Microsecond,
		FbPktCount:         tcc.FbPktCount,
		Packets:            make([]PacketReport, 0, tcc.PacketStatusCount),
	}

	count := int(tcc.PacketStatusCount)
	arrival := fb.ReferenceTime
	deltaIdx := 0
	sn := tcc.BaseSequenceNumber

	addStatus := func(symbol uint16) error {
		report := PacketReport{SequenceNumber: sn}
		sn++

		switch symbol {
		case rtcp.TypeTCCPacketReceivedSmallDelta, rtcp.TypeTCCPacketReceivedLargeDelta:
			if deltaIdx >= len(tcc.RecvDeltas) {
				return ErrMissingRecvDelta
			}
			arrival += time.Duration(tcc.RecvDeltas[deltaIdx].Delta) * time.Microsecond
			deltaIdx++

			report.Received = true
			report.Arrival = arrival
		}
		fb.Packets = append(fb.Packets, report)
		return nil
	}

	for _, chunk := range tcc.PacketChunks {
		if len(fb.Packets) >= count {
			break
		}

		switch c := chunk.(type) {
		case *rtcp.RunLengthChunk:
			for i := uint16(0); i < c.RunLength && len(fb.Packets) < count; i++ {
				if err := addStatus(c.PacketStatusSymbol); err != nil {
					return fb, err
				}
			}

		case *rtcp.StatusVectorChunk:
			for _, symbol := range c.SymbolList {
				if len(fb.Packets) >= count {
					break
				}
				if err := addStatus(symbol); err != nil {
					return fb, err
				}
			}

		default:
			return fb, fmt.Errorf("%w: %T", ErrUnknownPacketChunk, chunk)
		}
	}

	return fb, nil
}
