package bwe

import (
	"math"

	"github.com/gammazero/deque"
)

const (
	trendlineWindowSize      = 20
	trendlineSmoothing       = 0.9
	trendlineThresholdGain   = 4.0
	trendlineMaxNumDeltas    = 60
	trendlineDeltaCounterMax = 1000

	overusingTimeThresholdMs = 10.0
	maxAdaptOffsetMs         = 15.0
	thresholdUpGain          = 0.0087
	thresholdDownGain        = 0.039
	maxThresholdTimeDeltaMs  = 100.0
	minThreshold             = 6.0
	maxThreshold             = 600.0
	initialThreshold         = 12.5
)

type delayPoint struct {
	arrivalMs float64
	delayMs   float64
}

// trendline fits a line through the smoothed accumulated one-way delay
// variation and flags overuse when the slope exceeds an adaptive threshold.
type trendline struct {
	numDeltas          int
	firstArrivalMs     float64
	hasFirstArrival    bool
	accumulatedDelayMs float64
	smoothedDelayMs    float64
	history            deque.Deque[delayPoint]

	prevTrend         float64
	prevModifiedTrend float64
	threshold         float64
	lastUpdateMs      float64
	hasLastUpdate     bool
	timeOverUsingMs   float64
	overuseCounter    int

	hypothesis BandwidthUsage
}

func newTrendline() *trendline {
	return &trendline{
		threshold:       initialThreshold,
		timeOverUsingMs: -1,
		hypothesis:      BandwidthUsageNormal,
	}
}

func (t *trendline) state() BandwidthUsage {
	return t.hypothesis
}

func (t *trendline) update(recvDeltaMs, sendDeltaMs, arrivalMs float64) {
	deltaMs := recvDeltaMs - sendDeltaMs
	t.numDeltas++
	if t.numDeltas > trendlineDeltaCounterMax {
		t.numDeltas = trendlineDeltaCounterMax
	}
	if !t.hasFirstArrival {
		t.firstArrivalMs = arrivalMs
		t.hasFirstArrival = true
	}

	t.accumulatedDelayMs += deltaMs
	t.smoothedDelayMs = trendlineSmoothing*t.smoothedDelayMs + (1-trendlineSmoothing)*t.accumulatedDelayMs

	t.history.PushBack(delayPoint{
		arrivalMs: arrivalMs - t.firstArrivalMs,
		delayMs:   t.smoothedDelayMs,
	})
	if t.history.Len() > trendlineWindowSize {
		t.history.PopFront()
	}

	trend := t.prevTrend
	if t.history.Len() == trendlineWindowSize {
		if slope, ok := t.linearFitSlope(); ok {
			trend = slope
		}
	}

	t.detect(trend, sendDeltaMs, arrivalMs)
}

func (t *trendline) linearFitSlope() (float64, bool) {
	n := t.history.Len()
	sumX, sumY := 0.0, 0.0
	for i := 0; i < n; i++ {
		p := t.history.At(i)
		sumX += p.arrivalMs
		sumY += p.delayMs
	}
	avgX := sumX / float64(n)
	avgY := sumY / float64(n)

	numerator, denominator := 0.0, 0.0
	for i := 0; i < n; i++ {
		p := t.history.At(i)
		numerator += (p.arrivalMs - avgX) * (p.delayMs - avgY)
		denominator += (p.arrivalMs - avgX) * (p.arrivalMs - avgX)
	}
	if denominator == 0 {
		return 0, false
	}
	return numerator / denominator, true
}

func (t *trendline) detect(trend, sendDeltaMs, nowMs float64) {
	if t.numDeltas < 2 {
		t.hypothesis = BandwidthUsageNormal
		return
	}

	modifiedTrend := math.Min(float64(t.numDeltas), trendlineMaxNumDeltas) * trend * trendlineThresholdGain
	t.prevModifiedTrend = modifiedTrend

	switch {
	case modifiedTrend > t.threshold:
		if t.timeOverUsingMs == -1 {
			// assume overuse started half way through the group
			t.timeOverUsingMs = sendDeltaMs / 2
		} else {
			t.timeOverUsingMs += sendDeltaMs
		}
		t.overuseCounter++
		if t.timeOverUsingMs > overusingTimeThresholdMs && t.overuseCounter > 1 {
			if trend >= t.prevTrend {
				t.timeOverUsingMs = 0
				t.overuseCounter = 0
				t.hypothesis = BandwidthUsageOverusing
			}
		}

	case modifiedTrend < -t.threshold:
		t.timeOverUsingMs = -1
		t.overuseCounter = 0
		t.hypothesis = BandwidthUsageUnderusing

	default:
		t.timeOverUsingMs = -1
		t.overuseCounter = 0
		t.hypothesis = BandwidthUsageNormal
	}

	t.prevTrend = trend
	t.updateThreshold(modifiedTrend, nowMs)
}

func (t *trendline) updateThreshold(modifiedTrend, nowMs float64) {
	if !t.hasLastUpdate {
		t.lastUpdateMs = nowMs
		t.hasLastUpdate = true
	}

	absTrend := math.Abs(modifiedTrend)
	if absTrend > t.threshold+maxAdaptOffsetMs {
		// spikes are not allowed to move the threshold
		t.lastUpdateMs = nowMs
		return
	}

	k := thresholdUpGain
	if absTrend < t.threshold {
		k = thresholdDownGain
	}
	timeDeltaMs := math.Min(nowMs-t.lastUpdateMs, maxThresholdTimeDeltaMs)
	t.threshold += k * (absTrend - t.threshold) * timeDeltaMs
	t.threshold = math.Max(minThreshold, math.Min(t.threshold, maxThreshold))
	t.lastUpdateMs = nowMs
}
