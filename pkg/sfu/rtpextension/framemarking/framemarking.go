package framemarking

import (
	"errors"
)

const (
	FrameMarkingURI = "urn:ietf:params:rtp-hdrext:framemarking"

	shortFormSize = 1
	longFormSize  = 3

	// NoLayer is used for TemporalID/SpatialID when the packet does not carry one.
	NoLayer = -1
)

var (
	ErrTooShort = errors.New("frame marking extension too short")
)

//  0                   1                   2
//  0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |S|E|I|D|B| TID |      LID      |   TL0PICIDX   |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// The short form carries the first byte only.

type FrameMarking struct {
	StartOfFrame  bool
	EndOfFrame    bool
	Independent   bool
	Discardable   bool
	BaseLayerSync bool
	TemporalID    uint8
	LayerID       uint8
	TL0PicIdx     uint8
	// set when LID and TL0PICIDX are present
	Scalable bool
}

func (f *FrameMarking) Unmarshal(data []byte) error {
	if len(data) < shortFormSize {
		return ErrTooShort
	}

	b := data[0]
	f.StartOfFrame = b&0x80 != 0
	f.EndOfFrame = b&0x40 != 0
	f.Independent = b&0x20 != 0
	f.Discardable = b&0x10 != 0
	f.BaseLayerSync = b&0x08 != 0
	f.TemporalID = b & 0x07

	f.Scalable = false
	f.LayerID = 0
	f.TL0PicIdx = 0
	if len(data) >= 2 {
		f.Scalable = true
		f.LayerID = data[1]
		if len(data) >= longFormSize {
			f.TL0PicIdx = data[2]
		}
	}
	return nil
}

func (f FrameMarking) Marshal() ([]byte, error) {
	b := f.TemporalID & 0x07
	if f.StartOfFrame {
		b |= 0x80
	}
	if f.EndOfFrame {
		b |= 0x40
	}
	if f.Independent {
		b |= 0x20
	}
	if f.Discardable {
		b |= 0x10
	}
	if f.BaseLayerSync {
		b |= 0x08
	}

	if !f.Scalable {
		return []byte{b}, nil
	}
	return []byte{b, f.LayerID, f.TL0PicIdx}, nil
}

// TemporalLayer returns the TID, or NoLayer for the short form of a
// non-scalable stream.
func (f FrameMarking) TemporalLayer() int {
	if !f.Scalable {
		return NoLayer
	}
	return int(f.TemporalID)
}

// SpatialLayer returns the LID, or NoLayer when absent.
func (f FrameMarking) SpatialLayer() int {
	if !f.Scalable {
		return NoLayer
	}
	return int(f.LayerID)
}

// FromPayload parses the extension payload, ok is false when absent or malformed.
func FromPayload(data []byte) (FrameMarking, bool) {
	var f FrameMarking
	if data == nil {
		return f, false
	}
	if err := f.Unmarshal(data); err != nil {
		return f, false
	}
	return f, true
}
