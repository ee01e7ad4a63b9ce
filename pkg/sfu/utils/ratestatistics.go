package utils

// BitsPerSecondScale converts bytes per millisecond into bits per second.
const BitsPerSecondScale = 8000

type rateBucket struct {
	sum     int64
	samples int
}

// RateStatistics is a sliding window counter with millisecond buckets.
// Not safe for concurrent use.
type RateStatistics struct {
	buckets     []rateBucket
	windowMs    int64
	scale       float64
	accumulated int64
	samples     int

	oldestTime  int64
	oldestIndex int
	initialized bool
}

func NewRateStatistics(windowMs int64, scale float64) *RateStatistics {
	if windowMs < 1 {
		windowMs = 1
	}
	return &RateStatistics{
		buckets:  make([]rateBucket, windowMs),
		windowMs: windowMs,
		scale:    scale,
	}
}

func (r *RateStatistics) Reset() {
	for i := range r.buckets {
		r.buckets[i] = rateBucket{}
	}
	r.accumulated = 0
	r.samples = 0
	r.oldestIndex = 0
	r.initialized = false
}

func (r *RateStatistics) Update(count int64, nowMs int64) {
	if !r.initialized {
		r.oldestTime = nowMs
		r.oldestIndex = 0
		r.initialized = true
	}
	if nowMs < r.oldestTime {
		// too old for the window
		return
	}

	r.eraseOld(nowMs)

	offset := nowMs - r.oldestTime
	idx := (r.oldestIndex + int(offset)) % len(r.buckets)
	r.buckets[idx].sum += count
	r.buckets[idx].samples++
	r.accumulated += count
	r.samples++
}

// Rate returns the rate over the active window, ok is false when there is not
// enough data for an estimate.
func (r *RateStatistics) Rate(nowMs int64) (int64, bool) {
	if !r.initialized {
		return 0, false
	}
	r.eraseOld(nowMs)

	activeWindow := nowMs - r.oldestTime + 1
	if r.samples == 0 || activeWindow <= 1 || (r.samples <= 1 && activeWindow < r.windowMs) {
		return 0, false
	}
	return int64(float64(r.accumulated)*r.scale/float64(activeWindow) + 0.5), true
}

func (r *RateStatistics) eraseOld(nowMs int64) {
	newOldest := nowMs - r.windowMs + 1
	if newOldest <= r.oldestTime {
		return
	}

	for r.oldestTime < newOldest && r.samples > 0 {
		b := &r.buckets[r.oldestIndex]
		r.accumulated -= b.sum
		r.samples -= b.samples
		*b = rateBucket{}

		r.oldestIndex++
		if r.oldestIndex >= len(r.buckets) {
			r.oldestIndex = 0
		}
		r.oldestTime++
	}
	if r.samples == 0 {
		r.oldestIndex = 0
		r.accumulated = 0
	}
	r.oldestTime = newOldest
}
