package packetcache

// maxPacketSize is the buffer size handed out by the pool, large enough for
// any RTP packet on an ethernet path.
const maxPacketSize = 1500

type pool struct {
	buffers chan []byte
	entries chan *CachedPacket
}

func newPool(size int) *pool {
	if size < 0 {
		size = 0
	}
	return &pool{
		buffers: make(chan []byte, size),
		entries: make(chan *CachedPacket, size),
	}
}

func (p *pool) getBuffer(size int) []byte {
	select {
	case b := <-p.buffers:
		if cap(b) >= size {
			return b[:cap(b)]
		}
		// undersized, let it go
	default:
	}

	if size < maxPacketSize {
		size = maxPacketSize
	}
	return make([]byte, size)
}

func (p *pool) putBuffer(b []byte) {
	if b == nil {
		return
	}
	select {
	case p.buffers <- b:
	default:
	}
}

func (p *pool) getEntry() *CachedPacket {
	select {
	case e := <-p.entries:
		return e
	default:
		return &CachedPacket{}
	}
}

// release returns both the entry and its buffer
func (p *pool) release(e *CachedPacket) {
	p.putBuffer(e.Buffer)
	*e = CachedPacket{}
	select {
	case p.entries <- e:
	default:
	}
}
