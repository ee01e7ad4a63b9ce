package track

import (
	"errors"
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

var (
	ErrNoEncodings       = errors.New("track has no encodings")
	ErrInvalidDependency = errors.New("invalid encoding dependency")
)

type TrackParams struct {
	OwnerEndpointID string
	Kind            webrtc.RTPCodecType
	Encodings       []EncodingParams
}

// TrackDescriptor is a media track and its ordered encodings.
type TrackDescriptor struct {
	ownerEndpointID string
	kind            webrtc.RTPCodecType
	encodings       []*EncodingDescriptor
}

func NewTrackDescriptor(params TrackParams) (*TrackDescriptor, error) {
	if len(params.Encodings) == 0 {
		return nil, ErrNoEncodings
	}

	t := &TrackDescriptor{
		ownerEndpointID: params.OwnerEndpointID,
		kind:            params.Kind,
		encodings:       make([]*EncodingDescriptor, 0, len(params.Encodings)),
	}
	for idx, ep := range params.Encodings {
		e := &EncodingDescriptor{
			track:       t,
			index:       idx,
			primarySSRC: ep.PrimarySSRC,
			temporalID:  ep.TemporalID,
			spatialID:   ep.SpatialID,
			height:      ep.Height,
			frameRate:   ep.FrameRate,
			rate:        newRateStatistics(),
		}
		for _, dep := range ep.Dependencies {
			// dependencies point backwards only, which keeps the graph acyclic
			if dep < 0 || dep >= idx {
				return nil, fmt.Errorf("%w, encoding: %d, dependency: %d", ErrInvalidDependency, idx, dep)
			}
			e.dependencies = append(e.dependencies, t.encodings[dep])
		}
		t.encodings = append(t.encodings, e)
	}
	return t, nil
}

func (t *TrackDescriptor) OwnerEndpointID() string {
	return t.ownerEndpointID
}

func (t *TrackDescriptor) Kind() webrtc.RTPCodecType {
	return t.kind
}

func (t *TrackDescriptor) Encodings() []*EncodingDescriptor {
	return t.encodings
}

func (t *TrackDescriptor) Encoding(idx int) *EncodingDescriptor {
	if idx < 0 || idx >= len(t.encodings) {
		return nil
	}
	return t.encodings[idx]
}

func (t *TrackDescriptor) PrimarySSRC() uint32 {
	return t.encodings[0].primarySSRC
}

func (t *TrackDescriptor) FindEncoding(pkt *rtp.Packet, frameMarkingExtID uint8) *EncodingDescriptor {
	for _, e := range t.encodings {
		if e.Matches(pkt, frameMarkingExtID) {
			return e
		}
	}
	return nil
}

func (t *TrackDescriptor) FindEncodingBySSRC(ssrc uint32) *EncodingDescriptor {
	for _, e := range t.encodings {
		if e.MatchesSSRC(ssrc) {
			return e
		}
	}
	return nil
}

func (t *TrackDescriptor) String() string {
	return fmt.Sprintf("TrackDescriptor{owner: %s, kind: %s, ssrc: %d, encodings: %d}",
		t.ownerEndpointID, t.kind, t.PrimarySSRC(), len(t.encodings))
}
