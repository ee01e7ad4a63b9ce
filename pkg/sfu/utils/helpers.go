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
	"errors"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// GetHeaderExtensionID returns the ID of a header extension, or 0 if not found
func GetHeaderExtensionID(extensions []interceptor.RTPHeaderExtension, extension webrtc.RTPHeaderExtensionCapability) int {
	for _, h := range extensions {
		if extension.URI == h.URI {
			return h.ID
		}
	}
	return 0
}

var (
	ErrInvalidRTPVersion = errors.New("invalid RTP version")
	ErrRTPSSRCMismatch   = errors.New("RTP SSRC mismatch")
	ErrRTPPacketTooShort = errors.New("RTP packet too short")
)

// RTPHeaderSize is the size of the fixed RTP header without CSRCs or extensions.
const RTPHeaderSize = 12

// ValidateRTPPacket checks for a valid RTP packet and returns an error if fields are incorrect
func ValidateRTPPacket(pkt *rtp.Packet, expectedSSRC uint32) error {
	if pkt.Version != 2 {
		return fmt.Errorf("%w, expected: 2, actual: %d", ErrInvalidRTPVersion, pkt.Version)
	}

	if expectedSSRC != 0 && pkt.SSRC != expectedSSRC {
		return fmt.Errorf("%w, expected: %d, actual: %d", ErrRTPSSRCMismatch, expectedSSRC, pkt.SSRC)
	}

	return nil
}

// SequenceNumberOf reads the sequence number and SSRC from a raw RTP packet
// without parsing the full header.
func SequenceNumberOf(buf []byte) (seq uint16, ssrc uint32, err error) {
	if len(buf) < RTPHeaderSize {
		return 0, 0, ErrRTPPacketTooShort
	}
	if buf[0]>>6 != 2 {
		return 0, 0, ErrInvalidRTPVersion
	}
	seq = uint16(buf[2])<<8 | uint16(buf[3])
	ssrc = uint32(buf[8])<<24 | uint32(buf[9])<<16 | uint32(buf[10])<<8 | uint32(buf[11])
	return
}
