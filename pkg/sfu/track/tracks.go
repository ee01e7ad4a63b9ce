package track

import (
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/thoas/go-funk"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/rtptransport/pkg/sfu/utils"
)

func newRateStatistics() *utils.RateStatistics {
	return utils.NewRateStatistics(rateWindowMs, utils.BitsPerSecondScale)
}

// Tracks is the set of tracks received on a transport.
type Tracks struct {
	logger logger.Logger

	frameMarkingExtID atomic.Uint32

	lock   sync.RWMutex
	tracks []*TrackDescriptor
}

func NewTracks(logger logger.Logger) *Tracks {
	return &Tracks{
		logger: logger,
	}
}

func (t *Tracks) SetFrameMarkingExtensionID(id uint8) {
	t.frameMarkingExtID.Store(uint32(id))
}

// SetTracks replaces the track set. A new track whose first encoding has the
// same primary SSRC as an existing track is replaced by the existing one, so
// rate history and receiver counts survive renegotiation. Returns true when
// the set changed.
func (t *Tracks) SetTracks(newTracks []*TrackDescriptor) bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	if len(t.tracks) == 0 {
		t.tracks = newTracks
		return len(newTracks) != 0
	}

	merged := make([]*TrackDescriptor, 0, len(newTracks))
	matched := 0
	for _, nt := range newTracks {
		var existing *TrackDescriptor
		for _, et := range t.tracks {
			if et.PrimarySSRC() == nt.PrimarySSRC() {
				existing = et
				break
			}
		}
		if existing != nil {
			merged = append(merged, existing)
			matched++
		} else {
			merged = append(merged, nt)
		}
	}

	changed := len(t.tracks) != len(newTracks) || matched != len(t.tracks)
	if changed {
		t.logger.Debugw("tracks changed", "previous", len(t.tracks), "current", len(merged), "kept", matched)
	}
	t.tracks = merged
	return changed
}

func (t *Tracks) Tracks() []*TrackDescriptor {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.tracks
}

func (t *Tracks) FindEncoding(pkt *rtp.Packet) *EncodingDescriptor {
	extID := uint8(t.frameMarkingExtID.Load())

	t.lock.RLock()
	defer t.lock.RUnlock()

	for _, track := range t.tracks {
		if e := track.FindEncoding(pkt, extID); e != nil {
			return e
		}
	}
	return nil
}

func (t *Tracks) FindEncodingBySSRC(ssrc uint32) *EncodingDescriptor {
	t.lock.RLock()
	defer t.lock.RUnlock()

	for _, track := range t.tracks {
		if e := track.FindEncodingBySSRC(ssrc); e != nil {
			return e
		}
	}
	return nil
}

// AddRepairSSRC attaches an RTX stream to every encoding sent on base.
func (t *Tracks) AddRepairSSRC(repair, base uint32) bool {
	t.lock.RLock()
	defer t.lock.RUnlock()

	found := false
	for _, track := range t.tracks {
		for _, e := range track.encodings {
			if e.PrimarySSRC() == base {
				e.AddSecondarySSRC(repair, SSRCTypeRTX)
				found = true
			}
		}
	}
	return found
}

// Update classifies pkt and accounts size bytes to its encoding.
func (t *Tracks) Update(pkt *rtp.Packet, size int, now time.Time) *EncodingDescriptor {
	e := t.FindEncoding(pkt)
	if e == nil {
		return nil
	}
	e.Update(size, now)
	return e
}

// FirstEncodingSSRC is the primary SSRC of the first encoding of the first track.
func (t *Tracks) FirstEncodingSSRC() (uint32, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	if len(t.tracks) == 0 {
		return 0, false
	}
	return t.tracks[0].PrimarySSRC(), true
}

// SSRCs lists every SSRC, primary and secondary, of all tracks.
func (t *Tracks) SSRCs() []uint32 {
	t.lock.RLock()
	defer t.lock.RUnlock()

	var ssrcs []uint32
	for _, track := range t.tracks {
		for _, e := range track.encodings {
			ssrcs = append(ssrcs, e.SSRCs()...)
		}
	}
	return funk.UniqUInt32(ssrcs)
}
