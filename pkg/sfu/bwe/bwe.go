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
	"fmt"
	"time"
)

// ------------------------------------------------

type BandwidthUsage int

const (
	BandwidthUsageNormal BandwidthUsage = iota
	BandwidthUsageUnderusing
	BandwidthUsageOverusing
)

func (b BandwidthUsage) String() string {
	switch b {
	case BandwidthUsageNormal:
		return "NORMAL"
	case BandwidthUsageUnderusing:
		return "UNDERUSING"
	case BandwidthUsageOverusing:
		return "OVERUSING"
	default:
		return fmt.Sprintf("%d", int(b))
	}
}

// ------------------------------------------------

type Estimator interface {
	// IncomingPacketInfo records one acknowledged packet. arrival is on the
	// local clock, sendTime is when the packet left this endpoint.
	IncomingPacketInfo(arrival time.Time, sendTime time.Time, size int, ssrc uint32)

	OnRTTUpdate(avg time.Duration, maxRTT time.Duration)

	LatestEstimate() (int64, bool)
	SetMinBitrate(bps int64)
	RemoveStream(ssrc uint32)

	AddObserver(observer BitrateObserver)
}

// ------------------------------------------------

type BitrateObserver interface {
	OnBitrateChanged(ssrcs []uint32, bitrateBps int64)
}

type BitrateObserverFunc func(ssrcs []uint32, bitrateBps int64)

func (f BitrateObserverFunc) OnBitrateChanged(ssrcs []uint32, bitrateBps int64) {
	f(ssrcs, bitrateBps)
}

// ------------------------------------------------
