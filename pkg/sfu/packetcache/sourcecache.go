package packetcache

import (
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"go.uber.org/atomic"

	"github.com/dTelecom/rtptransport/pkg/sfu/utils"
)

// CachedPacket is a copy of an RTP packet held for retransmission.
type CachedPacket struct {
	Buffer    []byte
	Length    int
	TimeAdded time.Time
}

func (c *CachedPacket) Bytes() []byte {
	return c.Buffer[:c.Length]
}

func (c *CachedPacket) clone() *CachedPacket {
	buf := make([]byte, c.Length)
	copy(buf, c.Buffer[:c.Length])
	return &CachedPacket{
		Buffer:    buf,
		Length:    c.Length,
		TimeAdded: c.TimeAdded,
	}
}

type evictReason string

const (
	evictReasonSize     evictReason = "size"
	evictReasonAge      evictReason = "age"
	evictReasonReplaced evictReason = "replaced"
	evictReasonClosed   evictReason = "closed"
)

// sourceCache holds the packets of a single SSRC keyed by extended index, in
// insertion order.
type sourceCache struct {
	ssrc     uint32
	registry *Registry

	lastActivity atomic.Int64

	lock    sync.Mutex
	closed  bool
	index   utils.RolloverIndex
	packets *orderedmap.OrderedMap[uint64, *CachedPacket]
	bytes   int
}

func newSourceCache(ssrc uint32, registry *Registry, now time.Time) *sourceCache {
	s := &sourceCache{
		ssrc:     ssrc,
		registry: registry,
		packets:  orderedmap.NewOrderedMap[uint64, *CachedPacket](),
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

func (s *sourceCache) insert(seq uint16, pkt []byte, now time.Time) bool {
	r := s.registry

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return false
	}
	s.lastActivity.Store(now.UnixNano())

	idx := s.index.Update(seq)
	if existing, ok := s.packets.Get(idx); ok {
		// replaced by a newer copy, moves to the back
		s.packets.Delete(idx)
		s.remove(existing, evictReasonReplaced)
	}

	entry := r.pool.getEntry()
	entry.Buffer = r.pool.getBuffer(len(pkt))
	entry.Length = copy(entry.Buffer, pkt)
	entry.TimeAdded = now
	s.packets.Set(idx, entry)
	s.bytes += entry.Length
	r.onInserted(entry.Length)

	s.evict(now)
	r.updatePeaks()
	return true
}

func (s *sourceCache) evict(now time.Time) {
	r := s.registry

	for s.packets.Len() > r.params.MaxPacketsPerSource {
		s.removeFront(evictReasonSize)
	}

	cutoff := now.Add(-r.params.MaxAge)
	for el := s.packets.Front(); el != nil; el = s.packets.Front() {
		if el.Value.TimeAdded.After(cutoff) {
			break
		}
		s.removeFront(evictReasonAge)
	}
}

func (s *sourceCache) removeFront(reason evictReason) {
	el := s.packets.Front()
	if el == nil {
		return
	}
	s.packets.Delete(el.Key)
	s.remove(el.Value, reason)
}

func (s *sourceCache) remove(entry *CachedPacket, reason evictReason) {
	s.bytes -= entry.Length
	s.registry.onRemoved(entry.Length, reason)
	s.registry.pool.release(entry)
}

// lookup must be called with lock held
func (s *sourceCache) lookup(seq uint16) *CachedPacket {
	if _, ok := s.index.Highest(); !ok {
		return nil
	}

	if entry, ok := s.packets.Get(s.index.Lookup(seq)); ok {
		return entry
	}
	if idx, ok := s.index.LookupPrevious(seq); ok {
		if entry, ok := s.packets.Get(idx); ok {
			return entry
		}
	}
	return nil
}

func (s *sourceCache) get(seq uint16) *CachedPacket {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return nil
	}
	if entry := s.lookup(seq); entry != nil {
		return entry.clone()
	}
	return nil
}

func (s *sourceCache) getMany(maxBytes int) []*CachedPacket {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return nil
	}

	var packets []*CachedPacket
	bytes := 0
	for el := s.packets.Back(); el != nil && bytes < maxBytes; el = el.Prev() {
		packets = append(packets, el.Value.clone())
		bytes += el.Value.Length
	}
	return packets
}

func (s *sourceCache) updateTimestamp(seq uint16, at time.Time) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return false
	}
	if entry := s.lookup(seq); entry != nil {
		entry.TimeAdded = at
		return true
	}
	return false
}

func (s *sourceCache) idleSince() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// close releases all packets, subsequent operations are no-ops
func (s *sourceCache) close() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	for el := s.packets.Front(); el != nil; el = s.packets.Front() {
		s.packets.Delete(el.Key)
		s.remove(el.Value, evictReasonClosed)
	}
}

func (s *sourceCache) size() (packets int, bytes int) {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.packets.Len(), s.bytes
}
