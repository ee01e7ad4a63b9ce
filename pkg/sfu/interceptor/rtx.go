// Copyright 2024 LiveKit, Inc.
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

package interceptor

import (
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/rtptransport/pkg/sfu/utils"
)

const (
	SDESRepairRTPStreamIDURI = "urn:ietf:params:rtp-hdrext:sdes:repaired-rtp-stream-id"

	repairSniffCount = 10
)

// RepairStreamSink receives RTX streams once they are paired with the stream they repair.
type RepairStreamSink interface {
	AddRepairSSRC(repair, base uint32) bool
}

type streamIdentity struct {
	mid  string
	rid  string
	rsid string
}

// RepairStreamDetectorFactory pairs RTX streams with their base stream by the
// MID / RID / repaired RID header extensions of the first packets.
type RepairStreamDetectorFactory struct {
	sink   RepairStreamSink
	logger logger.Logger

	lock    sync.Mutex
	pending map[uint32]streamIdentity
}

func NewRepairStreamDetectorFactory(sink RepairStreamSink, logger logger.Logger) *RepairStreamDetectorFactory {
	return &RepairStreamDetectorFactory{
		sink:    sink,
		logger:  logger,
		pending: make(map[uint32]streamIdentity),
	}
}

func (f *RepairStreamDetectorFactory) NewInterceptor(_id string) (interceptor.Interceptor, error) {
	return &RepairStreamDetector{factory: f}, nil
}

func (f *RepairStreamDetectorFactory) onStreamIdentified(ssrc uint32, id streamIdentity) {
	var repair, base uint32

	f.lock.Lock()
	for other, otherID := range f.pending {
		if otherID.mid != id.mid {
			continue
		}
		if id.rsid != "" && otherID.rid == id.rsid {
			repair, base = ssrc, other
		} else if id.rid != "" && otherID.rsid == id.rid {
			repair, base = other, ssrc
		} else {
			continue
		}
		delete(f.pending, other)
		break
	}
	if repair == 0 || base == 0 {
		// wait for the other half of the pair
		f.pending[ssrc] = id
	}
	f.lock.Unlock()

	if repair == 0 || base == 0 {
		return
	}
	if !f.sink.AddRepairSSRC(repair, base) {
		f.logger.Debugw("repair stream without known base encoding", "repair", repair, "base", base)
		return
	}
	f.logger.Debugw("repair stream paired", "repair", repair, "base", base, "mid", id.mid)
}

func (f *RepairStreamDetectorFactory) numPending() int {
	f.lock.Lock()
	defer f.lock.Unlock()

	return len(f.pending)
}

type RepairStreamDetector struct {
	interceptor.NoOp

	factory *RepairStreamDetectorFactory
}

func (d *RepairStreamDetector) BindRemoteStream(info *interceptor.StreamInfo, reader interceptor.RTPReader) interceptor.RTPReader {
	midExtID := utils.GetHeaderExtensionID(info.RTPHeaderExtensions, webrtc.RTPHeaderExtensionCapability{URI: sdp.SDESMidURI})
	ridExtID := utils.GetHeaderExtensionID(info.RTPHeaderExtensions, webrtc.RTPHeaderExtensionCapability{URI: sdp.SDESRTPStreamIDURI})
	rsidExtID := utils.GetHeaderExtensionID(info.RTPHeaderExtensions, webrtc.RTPHeaderExtensionCapability{URI: SDESRepairRTPStreamIDURI})
	if midExtID == 0 || ridExtID == 0 || rsidExtID == 0 {
		return reader
	}

	r := &repairSniffReader{
		remaining: repairSniffCount,
		reader:    reader,
		midExtID:  uint8(midExtID),
		ridExtID:  uint8(ridExtID),
		rsidExtID: uint8(rsidExtID),
		factory:   d.factory,
	}
	return interceptor.RTPReaderFunc(r.Read)
}

type repairSniffReader struct {
	remaining int
	reader    interceptor.RTPReader
	midExtID  uint8
	ridExtID  uint8
	rsidExtID uint8
	factory   *RepairStreamDetectorFactory
}

func (r *repairSniffReader) Read(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
	n, a, err := r.reader.Read(b, a)
	if r.remaining < 0 || err != nil {
		return n, a, err
	}

	if a == nil {
		a = make(interceptor.Attributes)
	}
	header, err := a.GetRTPHeader(b[:n])
	if err != nil {
		return n, a, nil
	}

	id := streamIdentity{
		mid:  string(header.GetExtension(r.midExtID)),
		rid:  string(header.GetExtension(r.ridExtID)),
		rsid: string(header.GetExtension(r.rsidExtID)),
	}
	if id.mid != "" && (id.rid != "" || id.rsid != "") {
		r.remaining = -1
		r.factory.onStreamIdentified(header.SSRC, id)
		return n, a, nil
	}

	// padding only packets do not count towards the sniff window
	if !(header.Padding && n-header.MarshalSize()-int(b[n-1]) == 0) {
		r.remaining--
	}
	return n, a, nil
}
