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

import "time"

type NullEstimator struct {
}

func (n *NullEstimator) IncomingPacketInfo(_arrival time.Time, _sendTime time.Time, _size int, _ssrc uint32) {
}

func (n *NullEstimator) OnRTTUpdate(_avg time.Duration, _max time.Duration) {}

func (n *NullEstimator) LatestEstimate() (int64, bool) {
	return 0, false
}

func (n *NullEstimator) SetMinBitrate(_bps int64) {}

func (n *NullEstimator) RemoveStream(_ssrc uint32) {}

func (n *NullEstimator) AddObserver(_observer BitrateObserver) {}
