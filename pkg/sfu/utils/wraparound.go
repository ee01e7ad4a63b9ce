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

package utils

import (
	"unsafe"
)

type number interface {
	uint16 | uint32
}

type extendedNumber interface {
	uint32 | uint64
}

// WrapAround extends a wrapping counter (transport-wide sequence number, RTP
// timestamp) into a monotonic extended value.
//
// Until half the range has been seen, a value that sorts before the first
// one moves the start back instead of being taken as the next cycle.
type WrapAround[T number, ET extendedNumber] struct {
	full ET
	half T

	initialized bool
	start       T
	highest     T
	cycles      ET
}

func NewWrapAround[T number, ET extendedNumber]() *WrapAround[T, ET] {
	var t T
	full := ET(1) << (unsafe.Sizeof(t) * 8)
	return &WrapAround[T, ET]{
		full: full,
		half: T(full >> 1),
	}
}

type WrapAroundUpdateResult[ET extendedNumber] struct {
	ExtendedVal ET
	// IsRestart is set when the value moved the start back
	IsRestart bool
}

func (w *WrapAround[T, ET]) Update(val T) WrapAroundUpdateResult[ET] {
	if !w.initialized {
		w.initialized = true
		w.start = val
		w.highest = val
		return WrapAroundUpdateResult[ET]{ExtendedVal: ET(val)}
	}

	if gap := val - w.highest; gap != 0 && gap <= w.half {
		if val < w.highest {
			w.cycles++
		}
		w.highest = val
		return WrapAroundUpdateResult[ET]{ExtendedVal: w.extend(w.cycles, val)}
	}

	return w.updateLate(val)
}

// updateLate places a duplicate or out-of-order value.
func (w *WrapAround[T, ET]) updateLate(val T) WrapAroundUpdateResult[ET] {
	cycles := w.cycles
	if val > w.highest && cycles > 0 {
		// from before the last wrap, e.g. 65535 after (65534, 2)
		cycles--
	}

	seen := w.ExtendedHighest() - ET(w.start) + 1
	if seen > ET(w.half) || val-w.start <= w.half {
		return WrapAroundUpdateResult[ET]{ExtendedVal: w.extend(cycles, val)}
	}

	// before the start, e.g. 8 after (10) or 65530 after (8, 10)
	if val > w.highest {
		w.cycles = 1
		cycles = 0
	}
	w.start = val
	return WrapAroundUpdateResult[ET]{ExtendedVal: w.extend(cycles, val), IsRestart: true}
}

func (w *WrapAround[T, ET]) extend(cycles ET, val T) ET {
	return cycles*w.full + ET(val)
}

func (w *WrapAround[T, ET]) IsInitialized() bool {
	return w.initialized
}

func (w *WrapAround[T, ET]) Start() T {
	return w.start
}

func (w *WrapAround[T, ET]) ExtendedHighest() ET {
	return w.extend(w.cycles, w.highest)
}
