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

package track

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"
	"go.uber.org/atomic"

	"github.com/dTelecom/rtptransport/pkg/sfu/rtpextension/framemarking"
	"github.com/dTelecom/rtptransport/pkg/sfu/utils"
)

const (
	// SuspendedIndex marks an encoding that is not being forwarded.
	SuspendedIndex = -1

	NoLayer = framemarking.NoLayer

	rateWindowMs = 5000
)

type SSRCType string

const (
	SSRCTypeRTX SSRCType = "rtx"
	SSRCTypeFEC SSRCType = "fec"
)

type EncodingParams struct {
	PrimarySSRC uint32
	// -1 when the encoding is not layered in that dimension
	TemporalID int
	SpatialID  int
	Height     int
	FrameRate  float64
	// positions of the encodings this one depends on, all lower than its own
	Dependencies []int
}

// EncodingDescriptor is one RTP encoding (simulcast stream or SVC layer) of a track.
type EncodingDescriptor struct {
	track        *TrackDescriptor
	index        int
	primarySSRC  uint32
	temporalID   int
	spatialID    int
	height       int
	frameRate    float64
	dependencies []*EncodingDescriptor

	secondaryLock sync.RWMutex
	secondary     map[uint32]SSRCType

	rateLock       sync.Mutex
	rate           *utils.RateStatistics
	lastPacketTime time.Time

	receivers atomic.Int32
}

func (e *EncodingDescriptor) Track() *TrackDescriptor {
	return e.track
}

func (e *EncodingDescriptor) Index() int {
	return e.index
}

func (e *EncodingDescriptor) PrimarySSRC() uint32 {
	return e.primarySSRC
}

func (e *EncodingDescriptor) TemporalID() int {
	return e.temporalID
}

func (e *EncodingDescriptor) SpatialID() int {
	return e.spatialID
}

func (e *EncodingDescriptor) Height() int {
	return e.height
}

func (e *EncodingDescriptor) FrameRate() float64 {
	return e.frameRate
}

func (e *EncodingDescriptor) Dependencies() []*EncodingDescriptor {
	return e.dependencies
}

// BaseLayer is the encoding at the root of the dependency chain, itself when
// it has no dependencies.
func (e *EncodingDescriptor) BaseLayer() *EncodingDescriptor {
	if len(e.dependencies) == 0 {
		return e
	}
	return e.dependencies[0].BaseLayer()
}

func (e *EncodingDescriptor) AddSecondarySSRC(ssrc uint32, typ SSRCType) {
	e.secondaryLock.Lock()
	defer e.secondaryLock.Unlock()

	if e.secondary == nil {
		e.secondary = make(map[uint32]SSRCType)
	}
	e.secondary[ssrc] = typ
}

func (e *EncodingDescriptor) SecondarySSRC(typ SSRCType) (uint32, bool) {
	e.secondaryLock.RLock()
	defer e.secondaryLock.RUnlock()

	for ssrc, t := range e.secondary {
		if t == typ {
			return ssrc, true
		}
	}
	return 0, false
}

func (e *EncodingDescriptor) SSRCs() []uint32 {
	e.secondaryLock.RLock()
	defer e.secondaryLock.RUnlock()

	ssrcs := make([]uint32, 0, 1+len(e.secondary))
	ssrcs = append(ssrcs, e.primarySSRC)
	for ssrc := range e.secondary {
		ssrcs = append(ssrcs, ssrc)
	}
	return ssrcs
}

func (e *EncodingDescriptor) MatchesSSRC(ssrc uint32) bool {
	if e.primarySSRC == ssrc {
		return true
	}

	e.secondaryLock.RLock()
	defer e.secondaryLock.RUnlock()

	_, ok := e.secondary[ssrc]
	return ok
}

// Matches reports whether pkt belongs to this encoding. Layered encodings are
// told apart by the frame marking extension, a packet without layer
// information belongs to the base temporal layer of its SSRC.
func (e *EncodingDescriptor) Matches(pkt *rtp.Packet, frameMarkingExtID uint8) bool {
	if !e.MatchesSSRC(pkt.SSRC) {
		return false
	}
	if e.temporalID == NoLayer && e.spatialID == NoLayer {
		return true
	}

	tid, sid := NoLayer, NoLayer
	if frameMarkingExtID != 0 {
		if fm, ok := framemarking.FromPayload(pkt.GetExtension(frameMarkingExtID)); ok {
			tid = fm.TemporalLayer()
			sid = fm.SpatialLayer()
		}
	}
	if tid == NoLayer && sid == NoLayer {
		return e.temporalID <= 0
	}

	return (e.temporalID == NoLayer || e.temporalID == tid) && (e.spatialID == NoLayer || e.spatialID == sid)
}

// Requires reports whether decoding this encoding needs the encoding at idx.
func (e *EncodingDescriptor) Requires(idx int) bool {
	if idx < 0 {
		return false
	}
	if idx == e.index {
		return true
	}
	for _, dep := range e.dependencies {
		if dep.Requires(idx) {
			return true
		}
	}
	return false
}

func (e *EncodingDescriptor) Update(size int, now time.Time) {
	e.rateLock.Lock()
	defer e.rateLock.Unlock()

	e.rate.Update(int64(size), now.UnixMilli())
	e.lastPacketTime = now
}

// LastStableBitrate is the bitrate of this encoding alone over the last 5s.
func (e *EncodingDescriptor) LastStableBitrate(now time.Time) int64 {
	e.rateLock.Lock()
	defer e.rateLock.Unlock()

	rate, _ := e.rate.Rate(now.UnixMilli())
	return rate
}

// CumulativeBitrate is the bitrate needed to decode this encoding, i.e. its
// own plus that of everything it depends on.
func (e *EncodingDescriptor) CumulativeBitrate(now time.Time) int64 {
	seen := make(map[*EncodingDescriptor]struct{})
	var walk func(*EncodingDescriptor) int64
	walk = func(d *EncodingDescriptor) int64 {
		if _, ok := seen[d]; ok {
			return 0
		}
		seen[d] = struct{}{}

		total := d.LastStableBitrate(now)
		for _, dep := range d.dependencies {
			total += walk(dep)
		}
		return total
	}
	return walk(e)
}

func (e *EncodingDescriptor) IsActive(now time.Time, timeout time.Duration) bool {
	e.rateLock.Lock()
	defer e.rateLock.Unlock()

	return !e.lastPacketTime.IsZero() && now.Sub(e.lastPacketTime) < timeout
}

func (e *EncodingDescriptor) IncReceivers() int32 {
	return e.receivers.Inc()
}

func (e *EncodingDescriptor) DecReceivers() int32 {
	for {
		cur := e.receivers.Load()
		if cur <= 0 {
			return 0
		}
		if e.receivers.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}

func (e *EncodingDescriptor) IsReceived() bool {
	return e.receivers.Load() > 0
}

func (e *EncodingDescriptor) String() string {
	return fmt.Sprintf("EncodingDescriptor{index: %d, ssrc: %d, tid: %d, sid: %d, height: %d, fps: %.2f, deps: %d}",
		e.index, e.primarySSRC, e.temporalID, e.spatialID, e.height, e.frameRate, len(e.dependencies))
}
