package utils

import (
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/frostbyte73/core"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"
)

const (
	opsQueueFullWarnDebounce = time.Second
)

// OpsQueue runs queued operations in order on a single goroutine. Enqueue
// never blocks, operations are dropped while the queue is full.
type OpsQueue struct {
	logger logger.Logger
	name   string
	size   int

	lock      sync.RWMutex
	ops       chan func()
	isStopped bool
	done      core.Fuse

	dropped    atomic.Uint64
	fullWarner func(func())
}

func NewOpsQueue(logger logger.Logger, name string, size int) *OpsQueue {
	return &OpsQueue{
		logger:     logger,
		name:       name,
		size:       size,
		ops:        make(chan func(), size),
		done:       core.NewFuse(),
		fullWarner: debounce.New(opsQueueFullWarnDebounce),
	}
}

func (oq *OpsQueue) Start() {
	go oq.process()
}

// Stop rejects further operations. Already queued operations still run,
// Done is broken once they have.
func (oq *OpsQueue) Stop() {
	oq.lock.Lock()
	if oq.isStopped {
		oq.lock.Unlock()
		return
	}

	oq.isStopped = true
	close(oq.ops)
	oq.lock.Unlock()
}

func (oq *OpsQueue) Done() <-chan struct{} {
	return oq.done.Watch()
}

func (oq *OpsQueue) Enqueue(op func()) bool {
	oq.lock.RLock()
	defer oq.lock.RUnlock()

	if oq.isStopped {
		return false
	}

	select {
	case oq.ops <- op:
		return true
	default:
		dropped := oq.dropped.Inc()
		oq.fullWarner(func() {
			oq.logger.Warnw("ops queue full", nil, "name", oq.name, "size", oq.size, "dropped", dropped)
		})
		return false
	}
}

func (oq *OpsQueue) Dropped() uint64 {
	return oq.dropped.Load()
}

func (oq *OpsQueue) process() {
	defer oq.done.Break()

	for op := range oq.ops {
		op()
	}
}
