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

package packetcache

import (
	"sync"
	"time"

	"github.com/bep/debounce"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/rtptransport/pkg/sfu/utils"
	"github.com/dTelecom/rtptransport/pkg/telemetry/prometheus"
)

const (
	DefaultMaxPacketsPerSource = 500
	DefaultMaxAge              = time.Second
	DefaultMaxSources          = 50
	DefaultPoolSize            = 100

	rejectWarnDebounce = 2 * time.Second
)

type Params struct {
	MaxPacketsPerSource int
	MaxAge              time.Duration
	MaxSources          int
	// sources without an insert for this long are dropped by Clean
	IdleTimeout time.Duration
	PoolSize    int

	Metrics *prometheus.CacheMetrics
	Logger  logger.Logger
}

func DefaultParams() Params {
	return Params{
		MaxPacketsPerSource: DefaultMaxPacketsPerSource,
		MaxAge:              DefaultMaxAge,
		MaxSources:          DefaultMaxSources,
		IdleTimeout:         DefaultMaxAge + 50*time.Millisecond,
		PoolSize:            DefaultPoolSize,
	}
}

// Registry keeps a retransmission cache per SSRC.
type Registry struct {
	params Params
	logger logger.Logger
	pool   *pool

	lock    sync.RWMutex
	sources map[uint32]*sourceCache
	closed  bool

	totalBytes    atomic.Int64
	totalPackets  atomic.Int64
	maxBytes      atomic.Int64
	maxPackets    atomic.Int64
	totalInserted atomic.Uint64
	hits          atomic.Uint64
	misses        atomic.Uint64
	oldestHit     atomic.Duration

	rejected     atomic.Uint64
	rejectWarner func(func())
}

func NewRegistry(params Params) *Registry {
	defaults := DefaultParams()
	if params.MaxPacketsPerSource <= 0 {
		params.MaxPacketsPerSource = defaults.MaxPacketsPerSource
	}
	if params.MaxAge <= 0 {
		params.MaxAge = defaults.MaxAge
	}
	if params.MaxSources <= 0 {
		params.MaxSources = defaults.MaxSources
	}
	if params.IdleTimeout <= 0 {
		params.IdleTimeout = params.MaxAge + 50*time.Millisecond
	}
	if params.PoolSize < 0 {
		params.PoolSize = defaults.PoolSize
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	return &Registry{
		params:       params,
		logger:       params.Logger.WithValues("component", "packetcache"),
		pool:         newPool(params.PoolSize),
		sources:      make(map[uint32]*sourceCache),
		rejectWarner: debounce.New(rejectWarnDebounce),
	}
}

// Insert caches a copy of an RTP packet. Packets of a new SSRC are not cached
// once MaxSources streams are tracked.
func (r *Registry) Insert(ssrc uint32, pkt []byte) error {
	return r.InsertAt(ssrc, pkt, time.Now())
}

func (r *Registry) InsertAt(ssrc uint32, pkt []byte, now time.Time) error {
	seq, _, err := utils.SequenceNumberOf(pkt)
	if err != nil {
		return err
	}

	for {
		s, err := r.getOrCreate(ssrc, now)
		if err != nil {
			return err
		}
		if s.insert(seq, pkt, now) {
			return nil
		}
		// removed concurrently, sources leave the map before they are closed so
		// the next lookup starts a fresh one or reports the registry closed
	}
}

func (r *Registry) getOrCreate(ssrc uint32, now time.Time) (*sourceCache, error) {
	r.lock.RLock()
	s, ok := r.sources[ssrc]
	closed := r.closed
	r.lock.RUnlock()
	if ok {
		return s, nil
	}
	if closed {
		return nil, ErrCacheClosed
	}

	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		return nil, ErrCacheClosed
	}
	if s, ok = r.sources[ssrc]; ok {
		r.lock.Unlock()
		return s, nil
	}
	if len(r.sources) >= r.params.MaxSources {
		r.lock.Unlock()
		r.onRejected(ssrc)
		return nil, ErrTooManySources
	}
	s = newSourceCache(ssrc, r, now)
	r.sources[ssrc] = s
	numSources := len(r.sources)
	r.lock.Unlock()

	r.params.Metrics.SetSources(numSources)
	return s, nil
}

func (r *Registry) getSource(ssrc uint32) *sourceCache {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.sources[ssrc]
}

func (r *Registry) IdleTimeout() time.Duration {
	return r.params.IdleTimeout
}

// Get returns a copy of the cached packet, looking it up under the current
// roll over counter first and the previous one second.
func (r *Registry) Get(ssrc uint32, seq uint16) (*CachedPacket, bool) {
	return r.GetAt(ssrc, seq, time.Now())
}

func (r *Registry) GetAt(ssrc uint32, seq uint16, now time.Time) (*CachedPacket, bool) {
	var pkt *CachedPacket
	if s := r.getSource(ssrc); s != nil {
		pkt = s.get(seq)
	}

	if pkt == nil {
		r.misses.Inc()
		r.params.Metrics.Lookup(false)
		return nil, false
	}

	r.hits.Inc()
	r.params.Metrics.Lookup(true)
	age := now.Sub(pkt.TimeAdded)
	for {
		oldest := r.oldestHit.Load()
		if age <= oldest || r.oldestHit.CompareAndSwap(oldest, age) {
			break
		}
	}
	return pkt, true
}

// GetMany returns copies of the most recent packets, newest first, until at
// least maxBytes are collected or the cache is exhausted.
func (r *Registry) GetMany(ssrc uint32, maxBytes int) []*CachedPacket {
	if maxBytes < 1 {
		return nil
	}
	s := r.getSource(ssrc)
	if s == nil {
		return nil
	}
	return s.getMany(maxBytes)
}

// UpdateTimestamp overrides the insertion time of a cached packet, used when
// a packet goes out again as a retransmission.
func (r *Registry) UpdateTimestamp(ssrc uint32, seq uint16, at time.Time) bool {
	s := r.getSource(ssrc)
	if s == nil {
		return false
	}
	return s.updateTimestamp(seq, at)
}

// Clean drops the caches of sources that have been idle longer than IdleTimeout.
func (r *Registry) Clean(now time.Time) int {
	var idle []*sourceCache

	r.lock.Lock()
	for ssrc, s := range r.sources {
		if now.Sub(s.idleSince()) > r.params.IdleTimeout {
			idle = append(idle, s)
			delete(r.sources, ssrc)
		}
	}
	numSources := len(r.sources)
	r.lock.Unlock()

	for _, s := range idle {
		r.logger.Debugw("dropping idle source cache", "ssrc", s.ssrc, "idle", now.Sub(s.idleSince()))
		s.close()
	}
	if len(idle) != 0 {
		r.params.Metrics.SetSources(numSources)
	}
	return len(idle)
}

// RemoveSource releases the cache of one SSRC. A later insert starts afresh.
func (r *Registry) RemoveSource(ssrc uint32) {
	r.lock.Lock()
	s, ok := r.sources[ssrc]
	delete(r.sources, ssrc)
	numSources := len(r.sources)
	r.lock.Unlock()

	if ok {
		s.close()
		r.params.Metrics.SetSources(numSources)
	}
}

func (r *Registry) NumSources() int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return len(r.sources)
}

// Close releases everything and logs the lifetime statistics.
func (r *Registry) Close() Stats {
	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		return r.Stats()
	}
	r.closed = true
	sources := r.sources
	r.sources = make(map[uint32]*sourceCache)
	r.lock.Unlock()

	for _, s := range sources {
		s.close()
	}
	r.params.Metrics.SetSources(0)

	stats := r.Stats()
	r.logger.Infow("packet cache closed", "stats", stats)
	return stats
}

func (r *Registry) onInserted(bytes int) {
	r.totalInserted.Inc()
	r.params.Metrics.Inserted(bytes)

	r.totalBytes.Add(int64(bytes))
	r.totalPackets.Inc()
}

// updatePeaks must run after eviction, the bounds are never exceeded between inserts
func (r *Registry) updatePeaks() {
	storeMax(&r.maxBytes, r.totalBytes.Load())
	storeMax(&r.maxPackets, r.totalPackets.Load())
}

func (r *Registry) onRemoved(bytes int, reason evictReason) {
	r.totalBytes.Sub(int64(bytes))
	r.totalPackets.Dec()
	r.params.Metrics.Evicted(string(reason), bytes)
}

func (r *Registry) onRejected(ssrc uint32) {
	r.params.Metrics.SourceRejected()
	r.rejected.Inc()
	r.rejectWarner(func() {
		r.logger.Warnw("too many sources, packets not cached", ErrTooManySources,
			"maxSources", r.params.MaxSources,
			"rejected", r.rejected.Swap(0),
			"lastSSRC", ssrc,
		)
	})
}

func storeMax(a *atomic.Int64, v int64) {
	for {
		cur := a.Load()
		if v <= cur || a.CompareAndSwap(cur, v) {
			return
		}
	}
}
