package packetcache

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap/zapcore"
)

type Stats struct {
	Sources       int
	TotalBytes    int64
	TotalPackets  int64
	MaxBytes      int64
	MaxPackets    int64
	TotalInserted uint64
	Hits          uint64
	Misses        uint64
	OldestHit     time.Duration
}

func (s Stats) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddInt("sources", s.Sources)
	e.AddString("bytes", humanize.Bytes(uint64(s.TotalBytes)))
	e.AddInt64("packets", s.TotalPackets)
	e.AddString("maxBytes", humanize.Bytes(uint64(s.MaxBytes)))
	e.AddInt64("maxPackets", s.MaxPackets)
	e.AddUint64("totalInserted", s.TotalInserted)
	e.AddUint64("hits", s.Hits)
	e.AddUint64("misses", s.Misses)
	e.AddDuration("oldestHit", s.OldestHit)
	return nil
}

func (s Stats) String() string {
	return fmt.Sprintf("sources: %d, size: %s (max %s), packets: %d (max %d), inserted: %d, hits: %d, misses: %d, oldestHit: %s",
		s.Sources,
		humanize.Bytes(uint64(s.TotalBytes)),
		humanize.Bytes(uint64(s.MaxBytes)),
		s.TotalPackets,
		s.MaxPackets,
		s.TotalInserted,
		s.Hits,
		s.Misses,
		s.OldestHit,
	)
}

func (r *Registry) Stats() Stats {
	return Stats{
		Sources:       r.NumSources(),
		TotalBytes:    r.totalBytes.Load(),
		TotalPackets:  r.totalPackets.Load(),
		MaxBytes:      r.maxBytes.Load(),
		MaxPackets:    r.maxPackets.Load(),
		TotalInserted: r.totalInserted.Load(),
		Hits:          r.hits.Load(),
		Misses:        r.misses.Load(),
		OldestHit:     r.oldestHit.Load(),
	}
}
