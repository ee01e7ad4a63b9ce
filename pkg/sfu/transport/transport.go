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

package transport

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/livekit/mediatransportutil"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	prom "github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/rtptransport/pkg/sfu/bwe"
	"github.com/dTelecom/rtptransport/pkg/sfu/packetcache"
	"github.com/dTelecom/rtptransport/pkg/sfu/rewriter"
	"github.com/dTelecom/rtptransport/pkg/sfu/track"
	"github.com/dTelecom/rtptransport/pkg/sfu/twcc"
	sfuutils "github.com/dTelecom/rtptransport/pkg/sfu/utils"
	"github.com/dTelecom/rtptransport/pkg/telemetry/prometheus"
	"github.com/dTelecom/rtptransport/pkg/utils"
)

const (
	DefaultTickInterval    = 20 * time.Millisecond
	DefaultSweepInterval   = time.Second
	DefaultOutputQueueSize = 64

	rttSmoothing = 0.875
)

var ErrTransportClosed = errors.New("transport closed")

type TransportParams struct {
	ID string

	PacketCache   packetcache.Params
	SweepInterval time.Duration

	TransportCC             twcc.TransportCCParams
	TransportCCExtensionID  uint8
	FrameMarkingExtensionID uint8
	TickInterval            time.Duration

	// a nil estimator config disables bandwidth estimation
	Estimator *bwe.DelayBasedEstimatorParams

	OutputQueueSize int
	Registerer      prom.Registerer
	Logger          logger.Logger
}

// outgoingStream serializes the rewriter of one SSRC between media and RTCP.
type outgoingStream struct {
	lock     sync.Mutex
	rewriter *rewriter.StreamRewriter

	lastActivity atomic.Int64
}

type senderReport struct {
	ntp mediatransportutil.NtpTime
	at  time.Time
}

// Transport is the media path of one session: outgoing packets get rewritten,
// tagged and cached, incoming packets get classified and reported, and RTCP
// from the remote drives retransmissions and the bandwidth estimate.
type Transport struct {
	params TransportParams
	logger logger.Logger

	cache     *packetcache.Registry
	sweeper   *packetcache.Sweeper
	tcc       *twcc.TransportCC
	estimator bwe.Estimator
	tracks    *track.Tracks

	packetMetrics *prometheus.PacketMetrics
	output        *utils.OpsQueue

	streamsLock sync.Mutex
	streams     map[uint32]*outgoingStream

	rttLock       sync.Mutex
	senderReports map[uint32]senderReport
	rtt           time.Duration
	maxRTT        time.Duration

	hooksLock sync.RWMutex
	onRTPOut  func(pkt []byte)
	onRTCPOut func(pkt []byte)

	startOnce sync.Once
	closed    core.Fuse
}

func NewTransport(params TransportParams) *Transport {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.TickInterval <= 0 {
		params.TickInterval = DefaultTickInterval
	}
	if params.SweepInterval <= 0 {
		params.SweepInterval = DefaultSweepInterval
	}
	if params.OutputQueueSize <= 0 {
		params.OutputQueueSize = DefaultOutputQueueSize
	}
	l := params.Logger.WithValues("transportID", params.ID)

	cacheParams := params.PacketCache
	cacheParams.Metrics = prometheus.NewCacheMetrics(params.Registerer, params.ID)
	cacheParams.Logger = l
	cache := packetcache.NewRegistry(cacheParams)

	var estimator bwe.Estimator = &bwe.NullEstimator{}
	if params.Estimator != nil {
		estimatorParams := *params.Estimator
		estimatorParams.Logger = l
		estimator = bwe.NewDelayBasedEstimator(estimatorParams)
	}

	tccParams := params.TransportCC
	tccParams.Estimator = estimator
	tccParams.Metrics = prometheus.NewTransportCCMetrics(params.Registerer, params.ID)
	tccParams.Logger = l
	tcc := twcc.NewTransportCC(tccParams)
	tcc.SetExtensionID(params.TransportCCExtensionID)
	tcc.SetFrameMarkingExtensionID(params.FrameMarkingExtensionID)
	tcc.SetSenderSSRC(rand.Uint32())

	tracks := track.NewTracks(l)
	tracks.SetFrameMarkingExtensionID(params.FrameMarkingExtensionID)
	tcc.SetMediaSource(tracks)

	t := &Transport{
		params:        params,
		logger:        l,
		cache:         cache,
		sweeper:       packetcache.NewSweeper(cache, params.SweepInterval),
		tcc:           tcc,
		estimator:     estimator,
		tracks:        tracks,
		packetMetrics: prometheus.NewPacketMetrics(params.Registerer, params.ID),
		output:        utils.NewOpsQueue(l, "rtcp-out", params.OutputQueueSize),
		streams:       make(map[uint32]*outgoingStream),
		senderReports: make(map[uint32]senderReport),
		closed:        core.NewFuse(),
	}
	tcc.OnFeedback(t.onFeedback)
	t.sweeper.OnSweep(func(now time.Time) {
		t.pruneIdleStreams(now)
	})
	return t
}

func (t *Transport) Start() {
	t.startOnce.Do(func() {
		t.sweeper.Start()
		t.output.Start()
		go t.tickWorker()
	})
}

func (t *Transport) Stop() {
	if t.closed.IsBroken() {
		return
	}
	t.closed.Break()

	t.sweeper.Stop()
	t.output.Stop()
	stats := t.cache.Close()
	t.logger.Debugw("transport closed", "cache", stats, "transportCC", t.tcc.Stats())
}

func (t *Transport) IsClosed() bool {
	return t.closed.IsBroken()
}

func (t *Transport) Tracks() *track.Tracks {
	return t.tracks
}

func (t *Transport) TransportCC() *twcc.TransportCC {
	return t.tcc
}

func (t *Transport) Cache() *packetcache.Registry {
	return t.cache
}

func (t *Transport) AddBitrateObserver(observer bwe.BitrateObserver) {
	t.estimator.AddObserver(observer)
}

func (t *Transport) OnRTPOut(f func(pkt []byte)) {
	t.hooksLock.Lock()
	t.onRTPOut = f
	t.hooksLock.Unlock()
}

func (t *Transport) OnRTCPOut(f func(pkt []byte)) {
	t.hooksLock.Lock()
	t.onRTCPOut = f
	t.hooksLock.Unlock()
}

func (t *Transport) getOnRTPOut() func(pkt []byte) {
	t.hooksLock.RLock()
	defer t.hooksLock.RUnlock()

	return t.onRTPOut
}

func (t *Transport) getOnRTCPOut() func(pkt []byte) {
	t.hooksLock.RLock()
	defer t.hooksLock.RUnlock()

	return t.onRTCPOut
}

// ------------------------------------------------
// egress

// SendRTP rewrites, tags and caches an outgoing packet and hands the wire
// bytes to the RTP output hook. A packet that is not accepted only advances
// the rewriter and returns false.
func (t *Transport) SendRTP(pkt *rtp.Packet, accept bool) ([]byte, bool, error) {
	if t.closed.IsBroken() {
		return nil, false, ErrTransportClosed
	}

	now := time.Now()
	stream := t.getOrCreateStream(pkt.SSRC)
	stream.lastActivity.Store(now.UnixNano())
	stream.lock.Lock()
	accepted := stream.rewriter.RewriteRTP(accept, pkt)
	stream.lock.Unlock()
	if !accepted {
		return nil, false, nil
	}

	t.tcc.OnOutgoing(pkt, now)
	buf, err := pkt.Marshal()
	if err != nil {
		return nil, false, err
	}

	if err := t.cache.InsertAt(pkt.SSRC, buf, now); err != nil && !errors.Is(err, packetcache.ErrTooManySources) {
		t.logger.Debugw("could not cache packet", "error", err, "ssrc", pkt.SSRC, "sn", pkt.SequenceNumber)
	}
	t.packetMetrics.IncrementPackets(prometheus.Outgoing, 1, uint64(len(buf)))

	if onRTPOut := t.getOnRTPOut(); onRTPOut != nil {
		onRTPOut(buf)
	}
	return buf, true, nil
}

// SendRTCP shifts sender report RTP times by the delta of their stream, keeps
// the report for round trip measurement and passes the compound packet to the
// RTCP output hook.
func (t *Transport) SendRTCP(pkts []rtcp.Packet) ([]byte, error) {
	if t.closed.IsBroken() {
		return nil, ErrTransportClosed
	}

	now := time.Now()
	for _, pkt := range pkts {
		sr, ok := pkt.(*rtcp.SenderReport)
		if !ok {
			continue
		}
		if stream := t.getStream(sr.SSRC); stream != nil {
			stream.lock.Lock()
			stream.rewriter.RewriteRTCP([]rtcp.Packet{sr})
			stream.lock.Unlock()
		}

		t.rttLock.Lock()
		t.senderReports[sr.SSRC] = senderReport{
			ntp: mediatransportutil.NtpTime(sr.NTPTime),
			at:  now,
		}
		t.rttLock.Unlock()
	}

	buf, err := rtcp.Marshal(pkts)
	if err != nil {
		return nil, err
	}
	if onRTCPOut := t.getOnRTCPOut(); onRTCPOut != nil {
		onRTCPOut(buf)
	}
	return buf, nil
}

func (t *Transport) onFeedback(pkt []byte) {
	t.output.Enqueue(func() {
		if onRTCPOut := t.getOnRTCPOut(); onRTCPOut != nil {
			onRTCPOut(pkt)
		}
	})
}

// ------------------------------------------------
// ingress

// ReceiveRTP reports the arrival of an incoming packet and accounts it to its
// encoding. A packet of an unknown SSRC returns a nil encoding.
func (t *Transport) ReceiveRTP(buf []byte) (*track.EncodingDescriptor, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		return nil, err
	}
	if err := sfuutils.ValidateRTPPacket(&pkt, 0); err != nil {
		return nil, err
	}

	now := time.Now()
	t.packetMetrics.IncrementPackets(prometheus.Incoming, 1, uint64(len(buf)))
	t.tcc.OnIncoming(&pkt, now)
	return t.tracks.Update(&pkt, len(buf), now), nil
}

// ReceiveRTCP dispatches a compound RTCP packet: transport-cc feedback to the
// estimator, NACKs to retransmission and reception reports to RTT.
func (t *Transport) ReceiveRTCP(buf []byte) error {
	pkts, err := rtcp.Unmarshal(buf)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.TransportLayerCC:
			t.tcc.HandleFeedback(p, now)

		case *rtcp.TransportLayerNack:
			var seqs []uint16
			for _, pair := range p.Nacks {
				seqs = append(seqs, pair.PacketList()...)
			}
			t.packetMetrics.IncrementNack(prometheus.Incoming, uint64(len(seqs)))
			t.HandleNack(p.MediaSSRC, seqs)

		case *rtcp.ReceiverReport:
			t.handleReceptionReports(p.Reports, now)

		case *rtcp.SenderReport:
			t.handleReceptionReports(p.Reports, now)
		}
	}
	return nil
}

// ------------------------------------------------
// retransmission

// Retransmit returns the cached copy of a sent packet, retagged for
// transport-cc, and restarts its cache age.
func (t *Transport) Retransmit(ssrc uint32, seq uint16) ([]byte, bool) {
	now := time.Now()
	cached, ok := t.cache.GetAt(ssrc, seq, now)
	if !ok {
		return nil, false
	}
	t.cache.UpdateTimestamp(ssrc, seq, now)

	buf, err := t.tcc.OnOutgoingBytes(cached.Bytes(), now)
	if err != nil {
		t.logger.Debugw("could not tag retransmission", "error", err, "ssrc", ssrc, "sn", seq)
		buf = cached.Bytes()
	}
	return buf, true
}

// HandleNack resends the requested packets still in the cache through the
// RTP output hook and returns how many went out.
func (t *Transport) HandleNack(ssrc uint32, seqs []uint16) int {
	onRTPOut := t.getOnRTPOut()

	sent := 0
	for _, seq := range seqs {
		buf, ok := t.Retransmit(ssrc, seq)
		if !ok {
			continue
		}
		sent++
		if onRTPOut != nil {
			onRTPOut(buf)
		}
	}
	if sent != 0 {
		t.packetMetrics.IncrementRetransmissions(uint64(sent))
	}
	return sent
}

// ------------------------------------------------

func (t *Transport) handleReceptionReports(reports []rtcp.ReceptionReport, now time.Time) {
	for i := range reports {
		rr := &reports[i]

		t.rttLock.Lock()
		sr, ok := t.senderReports[rr.SSRC]
		t.rttLock.Unlock()
		if !ok {
			continue
		}

		rttMs, err := mediatransportutil.GetRttMs(rr, sr.ntp, sr.at)
		if err != nil {
			if !errors.Is(err, mediatransportutil.ErrRttNotLastSenderReport) && !errors.Is(err, mediatransportutil.ErrRttNoLastSenderReport) {
				t.logger.Debugw("could not get rtt", "error", err, "ssrc", rr.SSRC)
			}
			continue
		}

		avg, maxRTT := t.updateRTT(time.Duration(rttMs) * time.Millisecond)
		t.tcc.OnRTTUpdate(avg, maxRTT)
	}
}

func (t *Transport) updateRTT(rtt time.Duration) (time.Duration, time.Duration) {
	t.rttLock.Lock()
	defer t.rttLock.Unlock()

	if t.rtt == 0 {
		t.rtt = rtt
	} else {
		t.rtt = time.Duration(rttSmoothing*float64(t.rtt) + (1-rttSmoothing)*float64(rtt))
	}
	if rtt > t.maxRTT {
		t.maxRTT = rtt
	}
	return t.rtt, t.maxRTT
}

// RTT returns the smoothed round trip time measured from reception reports.
func (t *Transport) RTT() time.Duration {
	t.rttLock.Lock()
	defer t.rttLock.Unlock()

	return t.rtt
}

// ------------------------------------------------

func (t *Transport) getStream(ssrc uint32) *outgoingStream {
	t.streamsLock.Lock()
	defer t.streamsLock.Unlock()

	return t.streams[ssrc]
}

func (t *Transport) getOrCreateStream(ssrc uint32) *outgoingStream {
	t.streamsLock.Lock()
	defer t.streamsLock.Unlock()

	stream, ok := t.streams[ssrc]
	if !ok {
		stream = &outgoingStream{
			rewriter: rewriter.NewStreamRewriter(t.logger.WithValues("ssrc", ssrc)),
		}
		stream.lastActivity.Store(time.Now().UnixNano())
		t.streams[ssrc] = stream
	}
	return stream
}

// RewriterState snapshots the rewriter of an outgoing stream.
func (t *Transport) RewriterState(ssrc uint32) (rewriter.StreamRewriterState, bool) {
	stream := t.getStream(ssrc)
	if stream == nil {
		return rewriter.StreamRewriterState{}, false
	}

	stream.lock.Lock()
	defer stream.lock.Unlock()

	return stream.rewriter.State(), true
}

// SeedRewriter continues an outgoing stream from the state of another
// transport, so a moved stream keeps its numbering.
func (t *Transport) SeedRewriter(ssrc uint32, state rewriter.StreamRewriterState) {
	stream := t.getOrCreateStream(ssrc)
	stream.lastActivity.Store(time.Now().UnixNano())
	stream.lock.Lock()
	stream.rewriter.Seed(state)
	stream.lock.Unlock()
}

// RemoveStream drops the cached packets, rewriter and estimator state of an SSRC.
func (t *Transport) RemoveStream(ssrc uint32) {
	t.cache.RemoveSource(ssrc)

	t.streamsLock.Lock()
	delete(t.streams, ssrc)
	t.streamsLock.Unlock()

	t.rttLock.Lock()
	delete(t.senderReports, ssrc)
	t.rttLock.Unlock()

	t.estimator.RemoveStream(ssrc)
}

func (t *Transport) NumStreams() int {
	t.streamsLock.Lock()
	defer t.streamsLock.Unlock()

	return len(t.streams)
}

// pruneIdleStreams drops rewriters and sender reports of SSRCs that have not
// sent for as long as the cache keeps an idle source.
func (t *Transport) pruneIdleStreams(now time.Time) int {
	cutoff := now.Add(-t.cache.IdleTimeout()).UnixNano()

	pruned := 0
	active := make(map[uint32]struct{})
	t.streamsLock.Lock()
	for ssrc, stream := range t.streams {
		if stream.lastActivity.Load() < cutoff {
			delete(t.streams, ssrc)
			pruned++
		} else {
			active[ssrc] = struct{}{}
		}
	}
	t.streamsLock.Unlock()

	// reports of active streams stay until replaced
	t.rttLock.Lock()
	for ssrc, sr := range t.senderReports {
		if _, ok := active[ssrc]; !ok && sr.at.UnixNano() < cutoff {
			delete(t.senderReports, ssrc)
		}
	}
	t.rttLock.Unlock()

	if pruned != 0 {
		t.logger.Debugw("pruned idle streams", "count", pruned)
	}
	return pruned
}

func (t *Transport) tickWorker() {
	ticker := time.NewTicker(t.params.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.closed.Watch():
			return
		case now := <-ticker.C:
			t.tcc.Tick(now)
		}
	}
}

// ------------------------------------------------

type Stats struct {
	Cache       packetcache.Stats
	TransportCC twcc.Stats
	Estimate    int64
	RTT         time.Duration
	PacketsIn   uint64
	PacketsOut  uint64
	BytesIn     uint64
	BytesOut    uint64
}

func (s Stats) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if err := e.AddObject("cache", s.Cache); err != nil {
		return err
	}
	if err := e.AddObject("transportCC", s.TransportCC); err != nil {
		return err
	}
	e.AddInt64("estimate", s.Estimate)
	e.AddDuration("rtt", s.RTT)
	e.AddUint64("packetsIn", s.PacketsIn)
	e.AddUint64("packetsOut", s.PacketsOut)
	e.AddUint64("bytesIn", s.BytesIn)
	e.AddUint64("bytesOut", s.BytesOut)
	return nil
}

func (t *Transport) Stats() Stats {
	estimate, _ := t.estimator.LatestEstimate()
	packetsIn, packetsOut, bytesIn, bytesOut := t.packetMetrics.Totals()
	return Stats{
		Cache:       t.cache.Stats(),
		TransportCC: t.tcc.Stats(),
		Estimate:    estimate,
		RTT:         t.RTT(),
		PacketsIn:   packetsIn,
		PacketsOut:  packetsOut,
		BytesIn:     bytesIn,
		BytesOut:    bytesOut,
	}
}
