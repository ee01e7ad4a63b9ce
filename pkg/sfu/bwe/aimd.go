package bwe

import (
	"math"
	"time"
)

const (
	aimdBeta                 = 0.85
	aimdIncreasePerSecond    = 1.08
	aimdMinIncrementBps      = 1000.0
	aimdMinNearMaxIncrease   = 4000.0
	aimdInitializationPeriod = 5 * time.Second
	aimdDefaultRTT           = 200 * time.Millisecond
	aimdMinFeedbackInterval  = 200 * time.Millisecond
	aimdMaxFeedbackInterval  = time.Second
	aimdRTCPSizeBits         = 80 * 8
	aimdFrameRate            = 30
	aimdPacketSizeBits       = 1200 * 8
	aimdMaxBitrateAlpha      = 0.05
)

type rateControlState int

const (
	rateControlHold rateControlState = iota
	rateControlIncrease
	rateControlDecrease
)

type rateControlRegion int

const (
	regionMaxUnknown rateControlRegion = iota
	regionNearMax
)

type aimdParams struct {
	MinBitrate   int64
	MaxBitrate   int64
	StartBitrate int64
}

// aimdRateControl is additive-increase multiplicative-decrease control of the
// estimate driven by the overuse hypothesis.
type aimdRateControl struct {
	params aimdParams

	currentBitrate float64
	initialized    bool
	state          rateControlState
	region         rateControlRegion

	avgMaxBitrateKbps float64
	varMaxBitrateKbps float64

	firstIncoming    time.Time
	lastChange       time.Time
	latestIncomingBp float64

	rtt time.Duration
}

func newAIMDRateControl(params aimdParams) *aimdRateControl {
	a := &aimdRateControl{
		params:            params,
		currentBitrate:    float64(params.MaxBitrate),
		state:             rateControlHold,
		region:            regionMaxUnknown,
		avgMaxBitrateKbps: -1,
		varMaxBitrateKbps: 0.4,
		rtt:               aimdDefaultRTT,
	}
	if params.StartBitrate > 0 {
		a.currentBitrate = float64(params.StartBitrate)
	}
	return a
}

func (a *aimdRateControl) validEstimate() bool {
	return a.initialized
}

func (a *aimdRateControl) setRTT(rtt time.Duration) {
	a.rtt = rtt
}

func (a *aimdRateControl) setMinBitrate(bps int64) {
	a.params.MinBitrate = bps
	if a.currentBitrate < float64(bps) {
		a.currentBitrate = float64(bps)
	}
}

func (a *aimdRateControl) latestEstimate() int64 {
	return int64(a.currentBitrate)
}

func (a *aimdRateControl) feedbackInterval() time.Duration {
	interval := time.Duration(aimdRTCPSizeBits * float64(time.Second) / (0.05 * a.currentBitrate))
	if interval < aimdMinFeedbackInterval {
		return aimdMinFeedbackInterval
	}
	if interval > aimdMaxFeedbackInterval {
		return aimdMaxFeedbackInterval
	}
	return interval
}

func (a *aimdRateControl) timeToReduceFurther(now time.Time, incomingBps int64) bool {
	interval := a.rtt
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > 200*time.Millisecond {
		interval = 200 * time.Millisecond
	}
	if now.Sub(a.lastChange) >= interval {
		return true
	}
	if a.initialized {
		return float64(incomingBps) < 0.5*a.currentBitrate
	}
	return false
}

func (a *aimdRateControl) update(usage BandwidthUsage, incomingBps int64, hasIncoming bool, now time.Time) int64 {
	if hasIncoming {
		a.latestIncomingBp = float64(incomingBps)
	}

	if !a.initialized && hasIncoming {
		if a.firstIncoming.IsZero() {
			a.firstIncoming = now
		} else if now.Sub(a.firstIncoming) > aimdInitializationPeriod {
			a.currentBitrate = float64(incomingBps)
			a.initialized = true
		}
	}

	a.currentBitrate = a.changeBitrate(a.currentBitrate, usage, now)
	return int64(a.currentBitrate)
}

func (a *aimdRateControl) changeBitrate(newBitrate float64, usage BandwidthUsage, now time.Time) float64 {
	// an overuse always reduces, even before the first estimate
	if !a.initialized && usage != BandwidthUsageOverusing {
		return a.currentBitrate
	}

	a.changeState(usage, now)

	incoming := a.latestIncomingBp
	incomingKbps := incoming / 1000
	stdMaxBitrate := math.Sqrt(a.varMaxBitrateKbps * a.avgMaxBitrateKbps)

	switch a.state {
	case rateControlHold:

	case rateControlIncrease:
		if a.avgMaxBitrateKbps >= 0 && incomingKbps > a.avgMaxBitrateKbps+3*stdMaxBitrate {
			a.region = regionMaxUnknown
			a.avgMaxBitrateKbps = -1
		}
		if a.region == regionNearMax {
			newBitrate += a.additiveIncrease(now)
		} else {
			newBitrate += a.multiplicativeIncrease(now, newBitrate)
		}
		a.lastChange = now

	case rateControlDecrease:
		newBitrate = aimdBeta*incoming + 0.5
		if newBitrate > a.currentBitrate {
			if a.region != regionMaxUnknown {
				newBitrate = aimdBeta*a.avgMaxBitrateKbps*1000 + 0.5
			}
			newBitrate = math.Min(newBitrate, a.currentBitrate)
		}
		a.region = regionNearMax

		if a.avgMaxBitrateKbps >= 0 && incomingKbps < a.avgMaxBitrateKbps-3*stdMaxBitrate {
			a.avgMaxBitrateKbps = -1
		}
		a.initialized = true
		a.updateMaxBitrateEstimate(incomingKbps)
		a.state = rateControlHold
		a.lastChange = now
	}

	return a.clampBitrate(newBitrate, incoming)
}

func (a *aimdRateControl) clampBitrate(newBitrate, incoming float64) float64 {
	maxBitrate := 1.5*incoming + 10000
	if newBitrate > a.currentBitrate && newBitrate > maxBitrate {
		newBitrate = math.Max(a.currentBitrate, maxBitrate)
	}
	if newBitrate < float64(a.params.MinBitrate) {
		newBitrate = float64(a.params.MinBitrate)
	}
	if a.params.MaxBitrate > 0 && newBitrate > float64(a.params.MaxBitrate) {
		newBitrate = float64(a.params.MaxBitrate)
	}
	return newBitrate
}

func (a *aimdRateControl) multiplicativeIncrease(now time.Time, current float64) float64 {
	alpha := aimdIncreasePerSecond
	if !a.lastChange.IsZero() {
		sinceLast := now.Sub(a.lastChange)
		if sinceLast > time.Second {
			sinceLast = time.Second
		}
		alpha = math.Pow(alpha, sinceLast.Seconds())
	}
	return math.Max(current*(alpha-1), aimdMinIncrementBps)
}

func (a *aimdRateControl) additiveIncrease(now time.Time) float64 {
	return now.Sub(a.lastChange).Seconds() * a.nearMaxIncreaseRate()
}

func (a *aimdRateControl) nearMaxIncreaseRate() float64 {
	bitsPerFrame := a.currentBitrate / aimdFrameRate
	packetsPerFrame := math.Ceil(bitsPerFrame / aimdPacketSizeBits)
	avgPacketSizeBits := bitsPerFrame / packetsPerFrame
	responseTime := (a.rtt + 100*time.Millisecond).Seconds()
	return math.Max(aimdMinNearMaxIncrease, avgPacketSizeBits/responseTime)
}

func (a *aimdRateControl) changeState(usage BandwidthUsage, now time.Time) {
	switch usage {
	case BandwidthUsageNormal:
		if a.state == rateControlHold {
			a.lastChange = now
			a.state = rateControlIncrease
		}
	case BandwidthUsageOverusing:
		if a.state != rateControlDecrease {
			a.state = rateControlDecrease
		}
	case BandwidthUsageUnderusing:
		a.state = rateControlHold
	}
}

func (a *aimdRateControl) updateMaxBitrateEstimate(incomingKbps float64) {
	if a.avgMaxBitrateKbps == -1 {
		a.avgMaxBitrateKbps = incomingKbps
	} else {
		a.avgMaxBitrateKbps = (1-aimdMaxBitrateAlpha)*a.avgMaxBitrateKbps + aimdMaxBitrateAlpha*incomingKbps
	}

	norm := math.Max(a.avgMaxBitrateKbps, 1.0)
	diff := a.avgMaxBitrateKbps - incomingKbps
	a.varMaxBitrateKbps = (1-aimdMaxBitrateAlpha)*a.varMaxBitrateKbps + aimdMaxBitrateAlpha*diff*diff/norm
	a.varMaxBitrateKbps = math.Max(0.4, math.Min(a.varMaxBitrateKbps, 2.5))
}
