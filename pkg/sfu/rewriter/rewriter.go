// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rewriter

import (
	"fmt"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/livekit/protocol/logger"
)

type counter interface {
	uint16 | uint32
}

func isNewer[T counter](a, b T) bool {
	half := ^T(0)/2 + 1
	return a != b && a-b < half
}

// deltaRewriter shifts a wrapping counter down by the amount of values that
// were not forwarded.
type deltaRewriter[T counter] struct {
	initialized bool
	delta       T
	highestSent T
}

func (d *deltaRewriter[T]) rewrite(accept bool, in T) T {
	if !d.initialized {
		d.initialized = true
		d.highestSent = in
		return in
	}

	if accept {
		out := in - d.delta
		if isNewer(out, d.highestSent) {
			d.highestSent = out
		}
		return out
	}

	delta := in - d.highestSent
	if isNewer(delta, d.delta) {
		d.delta = delta
	}
	return in
}

func (d *deltaRewriter[T]) apply(in T) T {
	return in - d.delta
}

// ----------------------------------------------------------------------

type StreamRewriterState struct {
	Initialized      bool
	SNDelta          uint16
	HighestSentSN    uint16
	TSDelta          uint32
	HighestSentTS    uint32
	TSInitialized    bool
	PacketsDropped   uint64
	PacketsForwarded uint64
}

func (s StreamRewriterState) String() string {
	return fmt.Sprintf("StreamRewriterState{snDelta: %d, highestSentSN: %d, tsDelta: %d, highestSentTS: %d, dropped: %d, forwarded: %d}",
		s.SNDelta, s.HighestSentSN, s.TSDelta, s.HighestSentTS, s.PacketsDropped, s.PacketsForwarded)
}

// ----------------------------------------------------------------------

// StreamRewriter hides gaps left by packets that are not forwarded, so the
// outgoing sequence numbers and timestamps look contiguous. One writer only.
type StreamRewriter struct {
	logger logger.Logger

	sn deltaRewriter[uint16]
	ts deltaRewriter[uint32]

	packetsDropped   uint64
	packetsForwarded uint64
}

func NewStreamRewriter(logger logger.Logger) *StreamRewriter {
	return &StreamRewriter{
		logger: logger,
	}
}

// RewriteSequenceNumber returns the outgoing sequence number of an accepted
// packet. For a packet that is not forwarded it records the gap and returns
// the input unchanged.
func (s *StreamRewriter) RewriteSequenceNumber(accept bool, sn uint16) uint16 {
	return s.sn.rewrite(accept, sn)
}

// RewriteTimestamp is the RTP timestamp counterpart of RewriteSequenceNumber.
func (s *StreamRewriter) RewriteTimestamp(accept bool, ts uint32) uint32 {
	return s.ts.rewrite(accept, ts)
}

// RewriteRTP rewrites the header of pkt in place if accepted, otherwise only
// accounts for the dropped packet.
func (s *StreamRewriter) RewriteRTP(accept bool, pkt *rtp.Packet) bool {
	sn := s.sn.rewrite(accept, pkt.SequenceNumber)
	ts := s.ts.rewrite(accept, pkt.Timestamp)
	if !accept {
		s.packetsDropped++
		return false
	}

	s.packetsForwarded++
	pkt.SequenceNumber = sn
	pkt.Timestamp = ts
	return true
}

// RewriteRTCP shifts the RTP time of sender reports by the current timestamp
// delta so they stay consistent with rewritten media packets.
func (s *StreamRewriter) RewriteRTCP(pkts []rtcp.Packet) int {
	if !s.ts.initialized {
		return 0
	}

	rewritten := 0
	for _, pkt := range pkts {
		if sr, ok := pkt.(*rtcp.SenderReport); ok {
			sr.RTPTime = s.ts.apply(sr.RTPTime)
			rewritten++
		}
	}
	return rewritten
}

// RewriteSenderReport is RewriteRTCP on a serialised compound packet.
func (s *StreamRewriter) RewriteSenderReport(raw []byte) ([]byte, error) {
	pkts, err := rtcp.Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	if s.RewriteRTCP(pkts) == 0 {
		return raw, nil
	}
	return rtcp.Marshal(pkts)
}

func (s *StreamRewriter) State() StreamRewriterState {
	return StreamRewriterState{
		Initialized:      s.sn.initialized,
		SNDelta:          s.sn.delta,
		HighestSentSN:    s.sn.highestSent,
		TSInitialized:    s.ts.initialized,
		TSDelta:          s.ts.delta,
		HighestSentTS:    s.ts.highestSent,
		PacketsDropped:   s.packetsDropped,
		PacketsForwarded: s.packetsForwarded,
	}
}

func (s *StreamRewriter) Seed(state StreamRewriterState) {
	s.sn = deltaRewriter[uint16]{
		initialized: state.Initialized,
		delta:       state.SNDelta,
		highestSent: state.HighestSentSN,
	}
	s.ts = deltaRewriter[uint32]{
		initialized: state.TSInitialized,
		delta:       state.TSDelta,
		highestSent: state.HighestSentTS,
	}
	s.packetsDropped = state.PacketsDropped
	s.packetsForwarded = state.PacketsForwarded

	s.logger.Debugw("seeded stream rewriter", "state", state.String())
}
