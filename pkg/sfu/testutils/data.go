package testutils

import (
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// -----------------------------------------------------------

type TestExtension struct {
	ID      uint8
	Payload []byte
}

type TestPacketParams struct {
	SetMarker      bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	PayloadSize    int
	Extensions     []TestExtension
}

// -----------------------------------------------------------

func GetTestPacket(params *TestPacketParams) (*rtp.Packet, error) {
	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         params.SetMarker,
			PayloadType:    params.PayloadType,
			SequenceNumber: params.SequenceNumber,
			Timestamp:      params.Timestamp,
			SSRC:           params.SSRC,
		},
		Payload: make([]byte, params.PayloadSize),
	}
	for i := range packet.Payload {
		packet.Payload[i] = byte(params.SequenceNumber) + byte(i)
	}

	for _, ext := range params.Extensions {
		if err := packet.Header.SetExtension(ext.ID, ext.Payload); err != nil {
			return nil, err
		}
	}
	return packet, nil
}

func GetTestPacketBytes(params *TestPacketParams) ([]byte, error) {
	packet, err := GetTestPacket(params)
	if err != nil {
		return nil, err
	}
	return packet.Marshal()
}

// --------------------------------------

var TestVP8Codec = webrtc.RTPCodecCapability{
	MimeType:  "video/vp8",
	ClockRate: 90000,
}

var TestOpusCodec = webrtc.RTPCodecCapability{
	MimeType:  "audio/opus",
	ClockRate: 48000,
}
