package packetcache

import (
	"sync"
	"time"

	"github.com/frostbyte73/core"
)

// Sweeper periodically drops idle source caches.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	stop     core.Fuse

	lock    sync.RWMutex
	onSweep func(now time.Time)
}

func NewSweeper(registry *Registry, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sweeper{
		registry: registry,
		interval: interval,
		stop:     core.NewFuse(),
	}
}

// OnSweep is called after every pass, with the time of the pass.
func (s *Sweeper) OnSweep(f func(now time.Time)) {
	s.lock.Lock()
	s.onSweep = f
	s.lock.Unlock()
}

func (s *Sweeper) getOnSweep() func(now time.Time) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.onSweep
}

func (s *Sweeper) Start() {
	go s.worker()
}

func (s *Sweeper) Stop() {
	s.stop.Break()
}

func (s *Sweeper) worker() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop.Watch():
			return
		case now := <-ticker.C:
			s.registry.Clean(now)
			if onSweep := s.getOnSweep(); onSweep != nil {
				onSweep(now)
			}
		}
	}
}
