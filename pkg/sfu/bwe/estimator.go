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

package bwe

import (
	"sort"
	"sync"
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/rtptransport/pkg/sfu/utils"
)

const (
	incomingRateWindowMs = 1000
)

type DelayBasedEstimatorParams struct {
	MinBitrate    int64
	MaxBitrate    int64
	StartBitrate  int64
	StreamTimeout time.Duration
	Logger        logger.Logger
}

func DefaultDelayBasedEstimatorParams() DelayBasedEstimatorParams {
	return DelayBasedEstimatorParams{
		MinBitrate:    30_000,
		MaxBitrate:    30_000_000,
		StartBitrate:  300_000,
		StreamTimeout: 2 * time.Second,
	}
}

// DelayBasedEstimator estimates available send bandwidth from the one-way
// delay variation of acknowledged packets.
type DelayBasedEstimator struct {
	params DelayBasedEstimatorParams
	logger logger.Logger

	lock             sync.Mutex
	interArrival     *interArrival
	detector         *trendline
	rateControl      *aimdRateControl
	incomingBitrate  *utils.RateStatistics
	ssrcs            map[uint32]time.Time
	lastUpdate       time.Time
	lastTimeoutCheck time.Time
	usage            BandwidthUsage

	observersLock sync.RWMutex
	observers     []BitrateObserver
}

func NewDelayBasedEstimator(params DelayBasedEstimatorParams) *DelayBasedEstimator {
	if params.StreamTimeout <= 0 {
		params.StreamTimeout = DefaultDelayBasedEstimatorParams().StreamTimeout
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	return &DelayBasedEstimator{
		params:       params,
		logger:       params.Logger.WithValues("component", "bwe"),
		interArrival: newInterArrival(),
		detector:     newTrendline(),
		rateControl: newAIMDRateControl(aimdParams{
			MinBitrate:   params.MinBitrate,
			MaxBitrate:   params.MaxBitrate,
			StartBitrate: params.StartBitrate,
		}),
		incomingBitrate: utils.NewRateStatistics(incomingRateWindowMs, utils.BitsPerSecondScale),
		ssrcs:           make(map[uint32]time.Time),
	}
}

func (d *DelayBasedEstimator) AddObserver(observer BitrateObserver) {
	if observer == nil {
		return
	}

	d.observersLock.Lock()
	d.observers = append(d.observers, observer)
	d.observersLock.Unlock()
}

func (d *DelayBasedEstimator) IncomingPacketInfo(arrival time.Time, sendTime time.Time, size int, ssrc uint32) {
	d.lock.Lock()
	nowMs := arrival.UnixMilli()
	d.incomingBitrate.Update(int64(size), nowMs)
	d.timeoutStreams(arrival)
	d.ssrcs[ssrc] = arrival

	if deltas, ok := d.interArrival.computeDeltas(sendTime, arrival, arrival, size); ok {
		d.detector.update(
			float64(deltas.arrival)/float64(time.Millisecond),
			float64(deltas.send)/float64(time.Millisecond),
			float64(nowMs),
		)
	}

	usage := d.detector.state()
	if usage != d.usage {
		d.logger.Debugw("bandwidth usage changed", "from", d.usage, "to", usage)
		d.usage = usage
	}

	incoming, hasIncoming := d.incomingBitrate.Rate(nowMs)
	updateEstimate := false
	if usage == BandwidthUsageOverusing {
		if hasIncoming && d.rateControl.timeToReduceFurther(arrival, incoming) {
			updateEstimate = true
		}
	} else if d.lastUpdate.IsZero() || arrival.Sub(d.lastUpdate) > d.rateControl.feedbackInterval() {
		updateEstimate = true
	}

	if !updateEstimate {
		d.lock.Unlock()
		return
	}

	target := d.rateControl.update(usage, incoming, hasIncoming, arrival)
	if !d.rateControl.validEstimate() {
		d.lock.Unlock()
		return
	}
	d.lastUpdate = arrival
	ssrcs := d.ssrcsLocked()
	d.lock.Unlock()

	d.notify(ssrcs, target)
}

func (d *DelayBasedEstimator) OnRTTUpdate(avg time.Duration, _max time.Duration) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.rateControl.setRTT(avg)
}

func (d *DelayBasedEstimator) LatestEstimate() (int64, bool) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if !d.rateControl.validEstimate() || len(d.ssrcs) == 0 {
		return 0, false
	}
	return d.rateControl.latestEstimate(), true
}

func (d *DelayBasedEstimator) SetMinBitrate(bps int64) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.rateControl.setMinBitrate(bps)
}

func (d *DelayBasedEstimator) RemoveStream(ssrc uint32) {
	d.lock.Lock()
	defer d.lock.Unlock()

	delete(d.ssrcs, ssrc)
}

// Usage returns the current overuse hypothesis.
func (d *DelayBasedEstimator) Usage() BandwidthUsage {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.usage
}

func (d *DelayBasedEstimator) timeoutStreams(now time.Time) {
	if now.Sub(d.lastTimeoutCheck) < d.params.StreamTimeout/2 {
		return
	}
	d.lastTimeoutCheck = now

	for ssrc, lastSeen := range d.ssrcs {
		if now.Sub(lastSeen) > d.params.StreamTimeout {
			d.logger.Debugw("stream timed out", "ssrc", ssrc)
			delete(d.ssrcs, ssrc)
		}
	}
	if len(d.ssrcs) == 0 {
		// fresh start once every stream is gone
		d.interArrival = newInterArrival()
		d.detector = newTrendline()
	}
}

func (d *DelayBasedEstimator) ssrcsLocked() []uint32 {
	ssrcs := make([]uint32, 0, len(d.ssrcs))
	for ssrc := range d.ssrcs {
		ssrcs = append(ssrcs, ssrc)
	}
	sort.Slice(ssrcs, func(i, j int) bool { return ssrcs[i] < ssrcs[j] })
	return ssrcs
}

func (d *DelayBasedEstimator) notify(ssrcs []uint32, bitrate int64) {
	d.observersLock.RLock()
	observers := d.observers
	d.observersLock.RUnlock()

	for _, o := range observers {
		o.OnBitrateChanged(ssrcs, bitrate)
	}
}
