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

package twcc

import (
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/elliotchance/orderedmap/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/atomic"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/rtptransport/pkg/sfu/bwe"
	"github.com/dTelecom/rtptransport/pkg/sfu/rtpextension/framemarking"
	"github.com/dTelecom/rtptransport/pkg/sfu/utils"
	"github.com/dTelecom/rtptransport/pkg/telemetry/prometheus"
)

const (
	DefaultFeedbackInterval          = 100 * time.Millisecond
	DefaultFeedbackIntervalAfterMark = 20 * time.Millisecond
	DefaultMaxUnreportedPackets      = 100
	DefaultMaxIncomingPackets        = 200
	DefaultMaxOutgoingPackets        = 1000
	DefaultInitialSequenceNumber     = 1

	// headroom below MaxStatusCount so one more round of gaps still fits
	statusCountHeadroom = 20

	overflowWarnDebounce = 2 * time.Second
)

type TransportCCParams struct {
	FeedbackInterval          time.Duration
	FeedbackIntervalAfterMark time.Duration
	MaxUnreportedPackets      int
	MaxIncomingPackets        int
	MaxOutgoingPackets        int
	InitialSequenceNumber     uint16

	Estimator bwe.Estimator
	Metrics   *prometheus.TransportCCMetrics
	Logger    logger.Logger
}

func DefaultTransportCCParams() TransportCCParams {
	return TransportCCParams{
		FeedbackInterval:          DefaultFeedbackInterval,
		FeedbackIntervalAfterMark: DefaultFeedbackIntervalAfterMark,
		MaxUnreportedPackets:      DefaultMaxUnreportedPackets,
		MaxIncomingPackets:        DefaultMaxIncomingPackets,
		MaxOutgoingPackets:        DefaultMaxOutgoingPackets,
		InitialSequenceNumber:     DefaultInitialSequenceNumber,
	}
}

// MediaSource provides the media SSRC referenced by generated feedback.
type MediaSource interface {
	FirstEncodingSSRC() (uint32, bool)
}

type outgoingPacket struct {
	sendTime time.Time
	size     int
}

type feedbackChunk struct {
	senderSSRC uint32
	mediaSSRC  uint32
	baseSN     uint16
	fbPktCount uint8
	arrivals   []Arrival
}

type estimatorInput struct {
	arrival  time.Time
	sendTime time.Time
	size     int
}

// TransportCC tags outgoing packets with transport-wide sequence numbers,
// reports arrivals of incoming tagged packets and feeds the bandwidth
// estimator from the reports received for outgoing packets.
type TransportCC struct {
	params TransportCCParams
	logger logger.Logger

	extID             atomic.Uint32
	frameMarkingExtID atomic.Uint32
	senderSSRC        atomic.Uint32
	mediaSSRC         atomic.Uint32

	sourceLock  sync.RWMutex
	mediaSource MediaSource

	// egress
	nextSN   atomic.Uint32
	outgoing *lru.Cache[uint16, outgoingPacket]

	// ingress
	incomingLock     sync.Mutex
	incomingSN       *utils.WrapAround[uint16, uint64]
	incoming         *orderedmap.OrderedMap[uint64, time.Time]
	minUnreported    uint64
	maxUnreported    uint64
	oldestUnreported time.Time
	lastReported     uint64
	hasReported      bool
	fbPktCount       uint8
	epoch            time.Time
	overflowed       atomic.Uint64
	overflowWarner   func(func())

	feedbackCbLock sync.RWMutex
	onFeedback     func(pkt []byte)

	// feedback consumption
	feedbackLock sync.Mutex
	remoteRef    time.Duration
	localRef     time.Time
	hasRef       bool

	feedbackSent     atomic.Uint64
	feedbackDropped  atomic.Uint64
	feedbackReceived atomic.Uint64
	reportsMatched   atomic.Uint64
	reportsUnmatched atomic.Uint64
}

func NewTransportCC(params TransportCCParams) *TransportCC {
	defaults := DefaultTransportCCParams()
	if params.FeedbackInterval <= 0 {
		params.FeedbackInterval = defaults.FeedbackInterval
	}
	if params.FeedbackIntervalAfterMark <= 0 {
		params.FeedbackIntervalAfterMark = defaults.FeedbackIntervalAfterMark
	}
	if params.MaxUnreportedPackets <= 0 {
		params.MaxUnreportedPackets = defaults.MaxUnreportedPackets
	}
	if params.MaxIncomingPackets <= 0 {
		params.MaxIncomingPackets = defaults.MaxIncomingPackets
	}
	if params.MaxOutgoingPackets <= 0 {
		params.MaxOutgoingPackets = defaults.MaxOutgoingPackets
	}
	if params.Estimator == nil {
		params.Estimator = &bwe.NullEstimator{}
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	// only fails for a non-positive size
	outgoing, _ := lru.New[uint16, outgoingPacket](params.MaxOutgoingPackets)

	t := &TransportCC{
		params:         params,
		logger:         params.Logger.WithValues("component", "twcc"),
		outgoing:       outgoing,
		incomingSN:     utils.NewWrapAround[uint16, uint64](),
		incoming:       orderedmap.NewOrderedMap[uint64, time.Time](),
		overflowWarner: debounce.New(overflowWarnDebounce),
	}
	t.nextSN.Store(uint32(params.InitialSequenceNumber))
	return t
}

// SetExtensionID sets the negotiated transport-cc header extension ID, 0 disables.
func (t *TransportCC) SetExtensionID(id uint8) {
	t.extID.Store(uint32(id))
}

func (t *TransportCC) ExtensionID() uint8 {
	return uint8(t.extID.Load())
}

func (t *TransportCC) SetFrameMarkingExtensionID(id uint8) {
	t.frameMarkingExtID.Store(uint32(id))
}

func (t *TransportCC) SetSenderSSRC(ssrc uint32) {
	t.senderSSRC.Store(ssrc)
}

func (t *TransportCC) SenderSSRC() uint32 {
	return t.senderSSRC.Load()
}

// SetMediaSSRC pins the media SSRC of generated feedback, 0 falls back to the media source.
func (t *TransportCC) SetMediaSSRC(ssrc uint32) {
	t.mediaSSRC.Store(ssrc)
}

func (t *TransportCC) MediaSSRC() uint32 {
	return t.mediaSSRC.Load()
}

func (t *TransportCC) SetMediaSource(source MediaSource) {
	t.sourceLock.Lock()
	t.mediaSource = source
	t.sourceLock.Unlock()
}

func (t *TransportCC) OnFeedback(f func(pkt []byte)) {
	t.feedbackCbLock.Lock()
	t.onFeedback = f
	t.feedbackCbLock.Unlock()
}

func (t *TransportCC) getOnFeedback() func(pkt []byte) {
	t.feedbackCbLock.RLock()
	defer t.feedbackCbLock.RUnlock()

	return t.onFeedback
}

func (t *TransportCC) AddBitrateObserver(observer bwe.BitrateObserver) {
	t.params.Estimator.AddObserver(observer)
}

func (t *TransportCC) Estimator() bwe.Estimator {
	return t.params.Estimator
}

func (t *TransportCC) OnRTTUpdate(avg time.Duration, maxRTT time.Duration) {
	t.params.Metrics.SetRTT(avg.Milliseconds())
	t.params.Estimator.OnRTTUpdate(avg, maxRTT)
}

// ------------------------------------------------
// egress

// OnOutgoing writes the next transport-wide sequence number into the packet
// and remembers its size and send time until it is reported.
func (t *TransportCC) OnOutgoing(pkt *rtp.Packet, now time.Time) (uint16, bool) {
	extID := uint8(t.extID.Load())
	if extID == 0 {
		return 0, false
	}

	sn := uint16(t.nextSN.Inc() - 1)
	payload, err := rtp.TransportCCExtension{TransportSequence: sn}.Marshal()
	if err != nil {
		return 0, false
	}
	if err := pkt.Header.SetExtension(extID, payload); err != nil {
		t.logger.Warnw("could not set transport-cc extension", err, "ssrc", pkt.SSRC)
		return 0, false
	}

	t.outgoing.Add(sn, outgoingPacket{
		sendTime: now,
		size:     pkt.MarshalSize(),
	})
	t.params.Metrics.PacketTagged()
	return sn, true
}

// OnOutgoingBytes tags a serialized packet, returning the input when tagging is disabled.
func (t *TransportCC) OnOutgoingBytes(buf []byte, now time.Time) ([]byte, error) {
	if t.extID.Load() == 0 {
		return buf, nil
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		return nil, err
	}
	if _, ok := t.OnOutgoing(&pkt, now); !ok {
		return buf, nil
	}
	return pkt.Marshal()
}

// ------------------------------------------------
// ingress

// OnIncoming records the arrival of a tagged packet. Packets without the
// extension are ignored.
func (t *TransportCC) OnIncoming(pkt *rtp.Packet, now time.Time) {
	t.OnIncomingHeader(&pkt.Header, now)
}

func (t *TransportCC) OnIncomingBytes(buf []byte, now time.Time) {
	var hdr rtp.Header
	if _, err := hdr.Unmarshal(buf); err != nil {
		return
	}
	t.OnIncomingHeader(&hdr, now)
}

// OnIncomingHeader is OnIncoming for an already parsed header.
func (t *TransportCC) OnIncomingHeader(hdr *rtp.Header, now time.Time) {
	extID := uint8(t.extID.Load())
	if extID == 0 {
		return
	}

	payload := hdr.GetExtension(extID)
	if payload == nil {
		return
	}
	var ext rtp.TransportCCExtension
	if err := ext.Unmarshal(payload); err != nil {
		return
	}

	boundary := hdr.Marker
	if fmID := uint8(t.frameMarkingExtID.Load()); fmID != 0 {
		if fm, ok := framemarking.FromPayload(hdr.GetExtension(fmID)); ok && fm.EndOfFrame {
			boundary = true
		}
	}

	t.recordArrival(ext.TransportSequence, boundary, now)
}

func (t *TransportCC) recordArrival(sn uint16, boundary bool, now time.Time) {
	t.incomingLock.Lock()
	if t.epoch.IsZero() {
		t.epoch = now
	}

	extSN := t.incomingSN.Update(sn).ExtendedVal
	if t.hasReported && extSN <= t.lastReported {
		// already reported as lost
		t.incomingLock.Unlock()
		return
	}
	if _, ok := t.incoming.Get(extSN); ok {
		t.incomingLock.Unlock()
		return
	}

	if t.incoming.Len() == 0 {
		t.minUnreported = extSN
		t.maxUnreported = extSN
		t.oldestUnreported = now
	}
	t.incoming.Set(extSN, now)
	if extSN < t.minUnreported {
		t.minUnreported = extSN
	}
	if extSN > t.maxUnreported {
		t.maxUnreported = extSN
	}

	if t.incoming.Len() > t.params.MaxIncomingPackets {
		t.dropOldestLocked()
	}

	chunk := t.maybeSwapLedgerLocked(now, boundary, false)
	t.incomingLock.Unlock()

	t.sendFeedback(chunk)
}

func (t *TransportCC) dropOldestLocked() {
	front := t.incoming.Front()
	if front == nil {
		return
	}
	dropped := front.Key
	t.incoming.Delete(dropped)

	if dropped == t.minUnreported && t.incoming.Len() != 0 {
		t.minUnreported = t.maxUnreported
		for el := t.incoming.Front(); el != nil; el = el.Next() {
			if el.Key < t.minUnreported {
				t.minUnreported = el.Key
			}
		}
	}
	if front := t.incoming.Front(); front != nil {
		t.oldestUnreported = front.Value
	}

	count := t.overflowed.Inc()
	t.overflowWarner(func() {
		t.logger.Warnw("transport-cc incoming ledger overflow", nil, "dropped", count)
	})
}

// Tick runs the time based emission check without a new arrival.
func (t *TransportCC) Tick(now time.Time) {
	t.incomingLock.Lock()
	chunk := t.maybeSwapLedgerLocked(now, false, true)
	t.incomingLock.Unlock()

	t.sendFeedback(chunk)
}

func (t *TransportCC) shouldEmitLocked(now time.Time, boundary bool) bool {
	count := t.incoming.Len()
	if count == 0 {
		return false
	}

	sinceOldest := now.Sub(t.oldestUnreported)
	switch {
	case sinceOldest >= t.params.FeedbackInterval:
		return true
	case boundary && sinceOldest >= t.params.FeedbackIntervalAfterMark:
		return true
	case count > t.params.MaxUnreportedPackets:
		return true
	case t.statusSpanLocked() >= MaxStatusCount-statusCountHeadroom:
		return true
	}
	return false
}

func (t *TransportCC) statusSpanLocked() uint64 {
	return t.maxUnreported - t.baseLocked() + 1
}

func (t *TransportCC) baseLocked() uint64 {
	if t.hasReported && t.lastReported+1 <= t.minUnreported {
		return t.lastReported + 1
	}
	return t.minUnreported
}

func (t *TransportCC) referencedSSRCs() (uint32, uint32, bool) {
	sender := t.senderSSRC.Load()
	media := t.mediaSSRC.Load()
	if media == 0 {
		t.sourceLock.RLock()
		source := t.mediaSource
		t.sourceLock.RUnlock()
		if source != nil {
			media, _ = source.FirstEncodingSSRC()
		}
	}
	return sender, media, sender != 0 && media != 0
}

func (t *TransportCC) maybeSwapLedgerLocked(now time.Time, boundary bool, fromTick bool) *feedbackChunk {
	if !t.shouldEmitLocked(now, boundary && !fromTick) {
		return nil
	}

	sender, media, ok := t.referencedSSRCs()
	if !ok {
		// kept until the referenced streams are known, bounded by MaxIncomingPackets
		return nil
	}

	base := t.baseLocked()
	last := t.maxUnreported

	// a span wider than MaxStatusCount fails to serialize, the round is then dropped
	arrivals := make([]Arrival, last-base+1)
	for el := t.incoming.Front(); el != nil; el = el.Next() {
		arrivals[el.Key-base] = Arrival{
			Received: true,
			AtUs:     el.Value.Sub(t.epoch).Microseconds(),
		}
	}
	chunk := &feedbackChunk{
		senderSSRC: sender,
		mediaSSRC:  media,
		baseSN:     uint16(base),
		fbPktCount: t.fbPktCount,
		arrivals:   arrivals,
	}
	t.fbPktCount++

	t.lastReported = last
	t.hasReported = true
	t.incoming = orderedmap.NewOrderedMap[uint64, time.Time]()
	t.oldestUnreported = time.Time{}
	return chunk
}

func (t *TransportCC) sendFeedback(c *feedbackChunk) {
	if c == nil {
		return
	}

	pkt, err := WriteFeedback(c.senderSSRC, c.mediaSSRC, c.fbPktCount, c.baseSN, c.arrivals)
	if err != nil {
		t.logger.Warnw("could not build transport-cc feedback, dropping round", err, "baseSN", c.baseSN, "count", len(c.arrivals))
		t.feedbackDropped.Inc()
		t.params.Metrics.FeedbackDropped()
		return
	}

	t.feedbackSent.Inc()
	t.params.Metrics.FeedbackSent()
	if onFeedback := t.getOnFeedback(); onFeedback != nil {
		onFeedback(pkt)
	}
}

// ------------------------------------------------
// feedback consumption

func (t *TransportCC) HandleRTCP(pkts []rtcp.Packet, now time.Time) {
	for _, pkt := range pkts {
		if tcc, ok := pkt.(*rtcp.TransportLayerCC); ok {
			t.HandleFeedback(tcc, now)
		}
	}
}

// HandleFeedback matches the reports against the outgoing ledger and feeds the
// estimator with arrival times rebased onto the local clock.
func (t *TransportCC) HandleFeedback(tcc *rtcp.TransportLayerCC, now time.Time) {
	t.feedbackReceived.Inc()
	t.params.Metrics.FeedbackReceived()

	fb, err := ParseFeedback(tcc)
	if err != nil {
		t.logger.Debugw("could not parse transport-cc feedback", "error", err)
		return
	}

	t.feedbackLock.Lock()
	defer t.feedbackLock.Unlock()

	if !t.hasRef {
		t.remoteRef = fb.ReferenceTime
		t.localRef = now
		t.hasRef = true
	}

	inputs := make([]estimatorInput, 0, len(fb.Packets))
	unmatched := 0
	for _, report := range fb.Packets {
		if !report.Received {
			continue
		}

		sent, ok := t.outgoing.Peek(report.SequenceNumber)
		if !ok {
			unmatched++
			continue
		}
		t.outgoing.Remove(report.SequenceNumber)

		inputs = append(inputs, estimatorInput{
			arrival:  t.localRef.Add(report.Arrival - t.remoteRef),
			sendTime: sent.sendTime,
			size:     sent.size,
		})
	}

	if unmatched != 0 {
		t.reportsUnmatched.Add(uint64(unmatched))
		t.params.Metrics.ReportUnmatched(unmatched)
	}
	t.reportsMatched.Add(uint64(len(inputs)))

	for _, in := range inputs {
		t.params.Estimator.IncomingPacketInfo(in.arrival, in.sendTime, in.size, fb.MediaSSRC)
	}
	if estimate, ok := t.params.Estimator.LatestEstimate(); ok {
		t.params.Metrics.SetEstimate(estimate)
	}
}

// ------------------------------------------------

type Stats struct {
	FeedbackSent      uint64
	FeedbackDropped   uint64
	FeedbackReceived  uint64
	ReportsMatched    uint64
	ReportsUnmatched  uint64
	IncomingOverflows uint64
	PendingOutgoing   int
}

func (s Stats) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddUint64("feedbackSent", s.FeedbackSent)
	e.AddUint64("feedbackDropped", s.FeedbackDropped)
	e.AddUint64("feedbackReceived", s.FeedbackReceived)
	e.AddUint64("reportsMatched", s.ReportsMatched)
	e.AddUint64("reportsUnmatched", s.ReportsUnmatched)
	e.AddUint64("incomingOverflows", s.IncomingOverflows)
	e.AddInt("pendingOutgoing", s.PendingOutgoing)
	return nil
}

func (t *TransportCC) Stats() Stats {
	return Stats{
		FeedbackSent:      t.feedbackSent.Load(),
		FeedbackDropped:   t.feedbackDropped.Load(),
		FeedbackReceived:  t.feedbackReceived.Load(),
		ReportsMatched:    t.reportsMatched.Load(),
		ReportsUnmatched:  t.reportsUnmatched.Load(),
		IncomingOverflows: t.overflowed.Load(),
		PendingOutgoing:   t.outgoing.Len(),
	}
}
