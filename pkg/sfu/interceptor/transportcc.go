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

package interceptor

import (
	"math/rand"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/rtptransport/pkg/sfu/rtpextension/framemarking"
	"github.com/dTelecom/rtptransport/pkg/sfu/twcc"
	"github.com/dTelecom/rtptransport/pkg/sfu/utils"
)

const (
	defaultTickInterval = 20 * time.Millisecond
)

type TransportCCOption func(f *TransportCCInterceptorFactory)

func WithTickInterval(interval time.Duration) TransportCCOption {
	return func(f *TransportCCInterceptorFactory) {
		f.tickInterval = interval
	}
}

func WithClock(now func() time.Time) TransportCCOption {
	return func(f *TransportCCInterceptorFactory) {
		f.now = now
	}
}

func WithLogger(logger logger.Logger) TransportCCOption {
	return func(f *TransportCCInterceptorFactory) {
		f.logger = logger
	}
}

// TransportCCInterceptorFactory plugs a transport-cc engine into a pion
// interceptor chain.
type TransportCCInterceptorFactory struct {
	engine       *twcc.TransportCC
	tickInterval time.Duration
	now          func() time.Time
	logger       logger.Logger
}

func NewTransportCCInterceptorFactory(engine *twcc.TransportCC, opts ...TransportCCOption) *TransportCCInterceptorFactory {
	f := &TransportCCInterceptorFactory{
		engine:       engine,
		tickInterval: defaultTickInterval,
		now:          time.Now,
		logger:       logger.GetLogger(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *TransportCCInterceptorFactory) NewInterceptor(id string) (interceptor.Interceptor, error) {
	if f.engine.SenderSSRC() == 0 {
		f.engine.SetSenderSSRC(rand.Uint32())
	}

	return &TransportCCInterceptor{
		engine:       f.engine,
		tickInterval: f.tickInterval,
		now:          f.now,
		logger:       f.logger.WithValues("interceptor", id),
		closed:       core.NewFuse(),
	}, nil
}

type TransportCCInterceptor struct {
	interceptor.NoOp

	engine       *twcc.TransportCC
	tickInterval time.Duration
	now          func() time.Time
	logger       logger.Logger

	mediaSSRCSet atomic.Bool

	lock    sync.Mutex
	writer  interceptor.RTCPWriter
	started bool
	closed  core.Fuse
}

func (t *TransportCCInterceptor) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	return interceptor.RTCPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, a, err := reader.Read(b, a)
		if err != nil {
			return n, a, err
		}

		if a == nil {
			a = make(interceptor.Attributes)
		}
		pkts, err := a.GetRTCPPackets(b[:n])
		if err != nil {
			return n, a, nil
		}
		t.engine.HandleRTCP(pkts, t.now())
		return n, a, nil
	})
}

func (t *TransportCCInterceptor) BindRTCPWriter(writer interceptor.RTCPWriter) interceptor.RTCPWriter {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.writer = writer
	t.engine.OnFeedback(t.writeFeedback)
	if !t.started {
		t.started = true
		go t.tickWorker()
	}
	return writer
}

func (t *TransportCCInterceptor) writeFeedback(raw []byte) {
	t.lock.Lock()
	writer := t.writer
	t.lock.Unlock()
	if writer == nil {
		return
	}

	pkts, err := rtcp.Unmarshal(raw)
	if err != nil {
		t.logger.Warnw("could not unmarshal transport-cc feedback", err)
		return
	}
	if _, err := writer.Write(pkts, nil); err != nil {
		t.logger.Debugw("could not write transport-cc feedback", "error", err)
	}
}

func (t *TransportCCInterceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	extID := utils.GetHeaderExtensionID(info.RTPHeaderExtensions, webrtc.RTPHeaderExtensionCapability{URI: sdp.TransportCCURI})
	if extID == 0 {
		return writer
	}
	t.engine.SetExtensionID(uint8(extID))

	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, a interceptor.Attributes) (int, error) {
		pkt := rtp.Packet{Header: *header, Payload: payload}
		if _, ok := t.engine.OnOutgoing(&pkt, t.now()); !ok {
			return writer.Write(header, payload, a)
		}
		return writer.Write(&pkt.Header, payload, a)
	})
}

func (t *TransportCCInterceptor) BindRemoteStream(info *interceptor.StreamInfo, reader interceptor.RTPReader) interceptor.RTPReader {
	extID := utils.GetHeaderExtensionID(info.RTPHeaderExtensions, webrtc.RTPHeaderExtensionCapability{URI: sdp.TransportCCURI})
	if extID == 0 {
		return reader
	}
	t.engine.SetExtensionID(uint8(extID))
	if fmID := utils.GetHeaderExtensionID(info.RTPHeaderExtensions, webrtc.RTPHeaderExtensionCapability{URI: framemarking.FrameMarkingURI}); fmID != 0 {
		t.engine.SetFrameMarkingExtensionID(uint8(fmID))
	}
	if t.engine.MediaSSRC() == 0 && t.mediaSSRCSet.CompareAndSwap(false, true) {
		t.engine.SetMediaSSRC(info.SSRC)
	}

	return interceptor.RTPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, a, err := reader.Read(b, a)
		if err != nil {
			return n, a, err
		}

		if a == nil {
			a = make(interceptor.Attributes)
		}
		header, err := a.GetRTPHeader(b[:n])
		if err != nil {
			return n, a, nil
		}
		t.engine.OnIncomingHeader(header, t.now())
		return n, a, nil
	})
}

func (t *TransportCCInterceptor) Close() error {
	t.closed.Break()
	return nil
}

func (t *TransportCCInterceptor) tickWorker() {
	ticker := time.NewTicker(t.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.closed.Watch():
			return
		case <-ticker.C:
			t.engine.Tick(t.now())
		}
	}
}
